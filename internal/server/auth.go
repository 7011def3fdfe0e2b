package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/vektis/kbase-go/internal/logging"
)

// Role names accepted in the identity header.
const (
	// RoleMember can manage documents within their own tenant and query it.
	RoleMember = "member"
	// RoleReviewer additionally works the review queue across tenants.
	RoleReviewer = "reviewer"
	// RoleAdmin additionally queries across tenants and runs admin
	// operations.
	RoleAdmin = "admin"
)

// Identity headers set by the authenticating gateway in front of this
// service. The gateway terminates end-user authentication; this server
// trusts the headers, optionally gated by a shared Bearer token.
const (
	headerTenant = "X-Kbase-Tenant"
	headerUser   = "X-Kbase-User"
	headerRole   = "X-Kbase-Role"
)

// identity is the caller extracted from the request headers.
type identity struct {
	// Tenant is the caller's tenant. Never empty on authenticated routes.
	Tenant string
	// User is the caller's user label, used for review attribution.
	User string
	// Role is one of member, reviewer, or admin.
	Role string
}

// reviewer reports whether the identity may work the review queue.
func (id identity) reviewer() bool { return id.Role == RoleReviewer || id.Role == RoleAdmin }

// admin reports whether the identity holds the admin role.
func (id identity) admin() bool { return id.Role == RoleAdmin }

// identityKey is the context key for the request identity.
type identityKey struct{}

// identityFrom returns the identity stored in ctx by the auth middleware.
func identityFrom(ctx context.Context) identity {
	id, _ := ctx.Value(identityKey{}).(identity)
	return id
}

// authMiddleware enforces the shared Bearer token (when configured) and
// extracts the gateway identity headers. Requests without a tenant header
// are rejected — every API operation is tenant-scoped.
//
// Invalid token values are never logged; only their presence is recorded.
func authMiddleware(apiKey string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log := logging.FromContext(r.Context())

		if apiKey != "" {
			token := bearerToken(r)
			if token == "" {
				log.Warn("auth: missing Authorization header",
					slog.String("path", r.URL.Path))
				w.Header().Set("WWW-Authenticate", `Bearer realm="kbase"`)
				http.Error(w, "authorization required", http.StatusUnauthorized)
				return
			}
			if token != apiKey {
				log.Warn("auth: invalid token",
					slog.String("path", r.URL.Path),
					slog.Bool("token_present", true))
				w.Header().Set("WWW-Authenticate", `Bearer realm="kbase" error="invalid_token"`)
				http.Error(w, "invalid token", http.StatusUnauthorized)
				return
			}
		}

		id := identity{
			Tenant: strings.TrimSpace(r.Header.Get(headerTenant)),
			User:   strings.TrimSpace(r.Header.Get(headerUser)),
			Role:   strings.ToLower(strings.TrimSpace(r.Header.Get(headerRole))),
		}
		if id.Role == "" {
			id.Role = RoleMember
		}
		switch id.Role {
		case RoleMember, RoleReviewer, RoleAdmin:
		default:
			log.Warn("auth: unknown role", slog.String("role", id.Role))
			http.Error(w, "unknown role", http.StatusForbidden)
			return
		}
		if id.Tenant == "" {
			log.Warn("auth: missing tenant header", slog.String("path", r.URL.Path))
			http.Error(w, "tenant identity required", http.StatusUnauthorized)
			return
		}
		if id.User == "" {
			id.User = id.Tenant
		}

		ctx := context.WithValue(r.Context(), identityKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// bearerToken extracts the token from an "Authorization: Bearer <token>"
// header. Returns an empty string if the header is absent or malformed.
func bearerToken(r *http.Request) string {
	hdr := r.Header.Get("Authorization")
	if hdr == "" {
		return ""
	}
	parts := strings.SplitN(hdr, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
