package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vektis/kbase-go/internal/embedder"
	"github.com/vektis/kbase-go/internal/lifecycle"
	"github.com/vektis/kbase-go/internal/objstore"
	"github.com/vektis/kbase-go/internal/pipeline"
	"github.com/vektis/kbase-go/internal/provider"
	"github.com/vektis/kbase-go/internal/splitter"
	"github.com/vektis/kbase-go/internal/store"
	"github.com/vektis/kbase-go/internal/syncer"
	"github.com/vektis/kbase-go/internal/tasks"
	"github.com/vektis/kbase-go/internal/vecindex"
)

// memIndex is an in-memory vecindex.Index for handler tests.
type memIndex struct {
	mu      sync.Mutex
	points  map[string]vecindex.Record
	failAll bool
}

func newMemIndex() *memIndex {
	return &memIndex{points: make(map[string]vecindex.Record)}
}

func (m *memIndex) Upsert(ctx context.Context, records []vecindex.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return errors.New("index down")
	}
	for _, rec := range records {
		m.points[vecindex.PointID(rec.Tenant, rec.DocumentID, rec.ChunkIndex)] = rec
	}
	return nil
}

func (m *memIndex) DeleteDocument(ctx context.Context, tenant string, docID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return errors.New("index down")
	}
	for id, rec := range m.points {
		if rec.Tenant == tenant && rec.DocumentID == docID {
			delete(m.points, id)
		}
	}
	return nil
}

func (m *memIndex) DeleteChunk(ctx context.Context, tenant string, docID int64, chunkIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return errors.New("index down")
	}
	delete(m.points, vecindex.PointID(tenant, docID, chunkIndex))
	return nil
}

func (m *memIndex) Search(ctx context.Context, tenants []string, embedding []float32, topK int) ([]vecindex.Hit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAll {
		return nil, errors.New("index down")
	}
	allowed := func(tenant string) bool {
		if len(tenants) == 0 {
			return true
		}
		for _, t := range tenants {
			if t == tenant {
				return true
			}
		}
		return false
	}
	var hits []vecindex.Hit
	for _, rec := range m.points {
		if !allowed(rec.Tenant) {
			continue
		}
		var dot float32
		for i := range embedding {
			if i < len(rec.Vector) {
				dot += embedding[i] * rec.Vector[i]
			}
		}
		hits = append(hits, vecindex.Hit{
			DocumentID: rec.DocumentID,
			ChunkIndex: rec.ChunkIndex,
			Tenant:     rec.Tenant,
			Score:      dot,
		})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (m *memIndex) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.points)
}

// fakeGenerator returns a canned answer and records the last prompt and
// per-request options.
type fakeGenerator struct {
	mu         sync.Mutex
	calls      int
	lastPrompt string
	lastOpts   *provider.GenOptions
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt string, opts *provider.GenOptions) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.lastPrompt = prompt
	g.lastOpts = opts
	return "generated answer", nil
}

// failPinger always reports its dependency down.
type failPinger struct{}

func (failPinger) Ping(ctx context.Context) error { return errors.New("unreachable") }
func (failPinger) Name() string                   { return "broken" }

type fixture struct {
	store   *store.Store
	index   *memIndex
	runner  *tasks.Runner
	gen     *fakeGenerator
	handler http.Handler
}

// newFixture wires a full server over in-memory dependencies. mut may adjust
// the config and deps before the server is constructed.
func newFixture(t *testing.T, mut func(cfg *Config, deps *Deps)) *fixture {
	t.Helper()

	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	blobs, err := objstore.NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("open blob store: %v", err)
	}

	params := splitter.Params{Strategy: splitter.StrategyCharacter, Size: 80, Overlap: 0}
	split, err := splitter.New(params)
	if err != nil {
		t.Fatalf("new splitter: %v", err)
	}

	emb, err := embedder.New(embedder.Config{Provider: embedder.ProviderHash})
	if err != nil {
		t.Fatalf("new embedder: %v", err)
	}

	reg := prometheus.NewRegistry()
	idx := newMemIndex()
	runner := tasks.New(st, blobs, split, tasks.Config{Workers: 1, MaxAttempts: 2, Backoff: 1}, reg)
	sy := syncer.New(st, idx, emb, reg)
	gen := &fakeGenerator{}

	deps := &Deps{
		Store:     st,
		Blobs:     blobs,
		Tasks:     runner,
		Lifecycle: lifecycle.New(st, sy, runner),
		Syncer:    sy,
		Pipeline:  pipeline.New(st, idx, emb, provider.Single("ollama", gen), nil, reg),
	}
	cfg := &Config{
		RateLimit:   10000,
		RateBurst:   10000,
		SplitParams: params,
	}
	if mut != nil {
		mut(cfg, deps)
	}

	srv, err := New(deps, cfg, reg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(srv.stopRL)

	return &fixture{store: st, index: idx, runner: runner, gen: gen, handler: srv.Handler()}
}

// do issues one request with the identity headers set.
func (fx *fixture) do(t *testing.T, method, path string, body io.Reader, tenant, role string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tenant != "" {
		req.Header.Set(headerTenant, tenant)
	}
	if role != "" {
		req.Header.Set(headerRole, role)
	}
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	return rec
}

// doJSON issues a request with a JSON body.
func (fx *fixture) doJSON(t *testing.T, method, path string, v any, tenant, role string) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	return fx.do(t, method, path, bytes.NewReader(data), tenant, role)
}

// upload posts a multipart document and returns its ID.
func (fx *fixture) upload(t *testing.T, tenant, name, contentType, content string) int64 {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(headerTenant, tenant)
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("upload = %d: %s", rec.Code, rec.Body.String())
	}

	var resp documentResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode upload response: %v", err)
	}
	return resp.ID
}

// convert runs the conversion for one document synchronously.
func (fx *fixture) convert(t *testing.T, id int64) {
	t.Helper()
	fx.runner.Process(context.Background(), id)
	doc, err := fx.store.GetDocument(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if doc.ConversionStatus != store.ConversionReady {
		t.Fatalf("conversion = %q (%s)", doc.ConversionStatus, doc.ConversionError)
	}
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func Test_Auth_MissingTenantHeader(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)

	rec := fx.do(t, http.MethodGet, "/api/documents", nil, "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func Test_Auth_BearerToken(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, func(cfg *Config, deps *Deps) { cfg.APIKey = "sekrit" })

	rec := fx.do(t, http.MethodGet, "/api/documents", nil, "acme", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	req.Header.Set(headerTenant, "acme")
	req.Header.Set("Authorization", "Bearer wrong")
	rec2 := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec2, req)
	if rec2.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token: status = %d, want 401", rec2.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/documents", nil)
	req.Header.Set(headerTenant, "acme")
	req.Header.Set("Authorization", "Bearer sekrit")
	rec3 := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec3, req)
	if rec3.Code != http.StatusOK {
		t.Fatalf("valid token: status = %d, want 200", rec3.Code)
	}
}

func Test_Auth_UnknownRole(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)

	rec := fx.do(t, http.MethodGet, "/api/documents", nil, "acme", "superuser")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func Test_Health_NoAuthRequired(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, func(cfg *Config, deps *Deps) { cfg.APIKey = "sekrit" })

	rec := fx.do(t, http.MethodGet, "/api/health", nil, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func Test_Ready_FailingDependency(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, func(cfg *Config, deps *Deps) { cfg.Pingers = []Pinger{failPinger{}} })

	rec := fx.do(t, http.MethodGet, "/api/ready", nil, "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	resp := decodeBody[readyResponse](t, rec)
	if resp.Ready {
		t.Error("ready = true with a failing dependency")
	}
	if len(resp.Checks) != 1 || resp.Checks[0].Name != "broken" || resp.Checks[0].OK {
		t.Errorf("checks = %+v", resp.Checks)
	}
}

func Test_UploadDocument(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)

	id := fx.upload(t, "acme", "guide.md", "text/markdown", "# Title\n\nBody text.")

	rec := fx.do(t, http.MethodGet, fmt.Sprintf("/api/documents/%d", id), nil, "acme", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("get: status = %d", rec.Code)
	}
	doc := decodeBody[documentResponse](t, rec)
	if doc.Status != string(store.StatusUploaded) {
		t.Errorf("status = %q, want uploaded", doc.Status)
	}
	if doc.Tenant != "acme" || doc.Name != "guide.md" {
		t.Errorf("doc = %+v", doc)
	}
	if doc.SHA256 == "" || doc.SizeBytes == 0 {
		t.Error("content digest or size missing")
	}
}

func Test_UploadDocument_EmptyFile(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, _ := mw.CreateFormFile("file", "empty.txt")
	_ = part
	_ = mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(headerTenant, "acme")
	rec := httptest.NewRecorder()
	fx.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func Test_TenantIsolation_CrossTenantReads404(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)

	id := fx.upload(t, "acme", "a.txt", "text/plain", "acme private notes")

	rec := fx.do(t, http.MethodGet, fmt.Sprintf("/api/documents/%d", id), nil, "globex", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 (existence must stay opaque)", rec.Code)
	}

	// Reviewers see all tenants.
	rec = fx.do(t, http.MethodGet, fmt.Sprintf("/api/documents/%d", id), nil, "globex", RoleReviewer)
	if rec.Code != http.StatusOK {
		t.Fatalf("reviewer: status = %d, want 200", rec.Code)
	}
}

func Test_ListDocuments_TenantQueryRequiresAdmin(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)
	fx.upload(t, "acme", "a.txt", "text/plain", "doc one")

	rec := fx.do(t, http.MethodGet, "/api/documents?tenant=acme", nil, "globex", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("member cross-tenant list: status = %d, want 403", rec.Code)
	}

	rec = fx.do(t, http.MethodGet, "/api/documents?tenant=acme", nil, "globex", RoleAdmin)
	if rec.Code != http.StatusOK {
		t.Fatalf("admin cross-tenant list: status = %d, want 200", rec.Code)
	}
	resp := decodeBody[documentListResponse](t, rec)
	if resp.Total != 1 {
		t.Errorf("total = %d, want 1", resp.Total)
	}
}

func Test_Confirm_BeforeConversionReady(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)
	id := fx.upload(t, "acme", "a.txt", "text/plain", "still converting")

	rec := fx.do(t, http.MethodPost, fmt.Sprintf("/api/documents/%d/confirm", id), nil, "acme", "")
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", rec.Code, rec.Body.String())
	}
}

func Test_ReviewFlow_EndToEnd(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)
	id := fx.upload(t, "acme", "guide.md", "text/markdown", "# Guide\n\nUseful body text for retrieval.")
	fx.convert(t, id)

	rec := fx.do(t, http.MethodPost, fmt.Sprintf("/api/documents/%d/confirm", id), nil, "acme", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("confirm: status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[documentResponse](t, rec).Status; got != string(store.StatusConfirmed) {
		t.Fatalf("status = %q, want confirmed", got)
	}

	rec = fx.do(t, http.MethodGet, "/api/review/pending", nil, "rev", RoleReviewer)
	if rec.Code != http.StatusOK {
		t.Fatalf("pending: status = %d", rec.Code)
	}
	pending := decodeBody[documentListResponse](t, rec)
	if pending.Total != 1 || pending.Documents[0].ID != id {
		t.Fatalf("pending = %+v", pending)
	}
	if pending.Documents[0].ChunkCount == 0 {
		t.Error("pending review entry is missing its chunk count")
	}

	rec = fx.do(t, http.MethodPost, fmt.Sprintf("/api/review/%d/approve", id), nil, "rev", RoleReviewer)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[documentResponse](t, rec).Status; got != string(store.StatusIndexed) {
		t.Fatalf("status = %q, want indexed", got)
	}
	if fx.index.count() == 0 {
		t.Error("no vectors written on approval")
	}
}

func Test_ReviewEndpoints_RequireReviewerRole(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)

	rec := fx.do(t, http.MethodGet, "/api/review/pending", nil, "acme", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("pending as member: status = %d, want 403", rec.Code)
	}
	rec = fx.do(t, http.MethodPost, "/api/review/1/approve", nil, "acme", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("approve as member: status = %d, want 403", rec.Code)
	}
}

func Test_Reject_RequiresReason(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)
	id := fx.upload(t, "acme", "a.txt", "text/plain", "reject me please")
	fx.convert(t, id)
	fx.do(t, http.MethodPost, fmt.Sprintf("/api/documents/%d/confirm", id), nil, "acme", "")

	rec := fx.doJSON(t, http.MethodPost, fmt.Sprintf("/api/review/%d/reject", id), rejectRequest{}, "rev", RoleReviewer)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty reason: status = %d, want 400", rec.Code)
	}

	rec = fx.doJSON(t, http.MethodPost, fmt.Sprintf("/api/review/%d/reject", id),
		rejectRequest{Reason: "needs sources"}, "rev", RoleReviewer)
	if rec.Code != http.StatusOK {
		t.Fatalf("reject: status = %d: %s", rec.Code, rec.Body.String())
	}
	doc := decodeBody[documentResponse](t, rec)
	if doc.Status != string(store.StatusRejected) || doc.RejectReason != "needs sources" {
		t.Fatalf("doc = %+v", doc)
	}

	// The owner resubmits; the document cycles back to uploaded.
	rec = fx.do(t, http.MethodPost, fmt.Sprintf("/api/documents/%d/resubmit", id), nil, "acme", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("resubmit: status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := decodeBody[documentResponse](t, rec).Status; got != string(store.StatusUploaded) {
		t.Fatalf("status = %q, want uploaded", got)
	}
}

func Test_Approve_InvalidTransitionConflicts(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)
	id := fx.upload(t, "acme", "a.txt", "text/plain", "not confirmed yet")
	fx.convert(t, id)

	rec := fx.do(t, http.MethodPost, fmt.Sprintf("/api/review/%d/approve", id), nil, "rev", RoleReviewer)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", rec.Code, rec.Body.String())
	}
}

func Test_Chunks_CRUD(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)
	id := fx.upload(t, "acme", "a.txt", "text/plain",
		strings.Repeat("sentence one. ", 10)+strings.Repeat("sentence two. ", 10))
	fx.convert(t, id)

	rec := fx.do(t, http.MethodGet, fmt.Sprintf("/api/documents/%d/chunks", id), nil, "acme", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("list: status = %d", rec.Code)
	}
	list := decodeBody[chunkListResponse](t, rec)
	if list.Total == 0 {
		t.Fatal("no chunks after conversion")
	}

	rec = fx.doJSON(t, http.MethodPost, fmt.Sprintf("/api/documents/%d/chunks", id),
		createChunkRequest{Content: "manually curated addition"}, "acme", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d: %s", rec.Code, rec.Body.String())
	}
	created := decodeBody[chunkMutationResponse](t, rec)
	if !created.VectorSynced {
		t.Error("vector_synced = false for an unindexed document")
	}
	if created.Chunk.ChunkIndex != list.Total {
		t.Errorf("chunk_index = %d, want %d (appended last)", created.Chunk.ChunkIndex, list.Total)
	}

	include := false
	rec = fx.doJSON(t, http.MethodPatch, fmt.Sprintf("/api/chunks/%d", created.Chunk.ID),
		updateChunkRequest{Included: &include}, "acme", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("patch: status = %d: %s", rec.Code, rec.Body.String())
	}
	if decodeBody[chunkMutationResponse](t, rec).Chunk.Included {
		t.Error("chunk still included after exclusion")
	}

	rec = fx.doJSON(t, http.MethodPatch, fmt.Sprintf("/api/chunks/%d", created.Chunk.ID),
		updateChunkRequest{}, "acme", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty patch: status = %d, want 400", rec.Code)
	}

	rec = fx.do(t, http.MethodDelete, fmt.Sprintf("/api/chunks/%d", created.Chunk.ID), nil, "acme", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: status = %d: %s", rec.Code, rec.Body.String())
	}

	rec = fx.do(t, http.MethodDelete, fmt.Sprintf("/api/chunks/%d", created.Chunk.ID), nil, "acme", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("double delete: status = %d, want 404", rec.Code)
	}
}

func Test_ChunkMutation_IndexFailureReportsUnsynced(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)
	id := fx.upload(t, "acme", "a.txt", "text/plain", "indexed content that will change")
	fx.convert(t, id)
	fx.do(t, http.MethodPost, fmt.Sprintf("/api/documents/%d/confirm", id), nil, "acme", "")
	rec := fx.do(t, http.MethodPost, fmt.Sprintf("/api/review/%d/approve", id), nil, "rev", RoleReviewer)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve: status = %d", rec.Code)
	}

	fx.index.failAll = true
	rec = fx.doJSON(t, http.MethodPost, fmt.Sprintf("/api/documents/%d/chunks", id),
		createChunkRequest{Content: "late addition"}, "acme", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[chunkMutationResponse](t, rec)
	if resp.VectorSynced {
		t.Error("vector_synced = true while the index is down")
	}
	if resp.Chunk == nil {
		t.Error("relational write must still be reported")
	}
}

func Test_Preview(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)
	id := fx.upload(t, "acme", "a.txt", "text/plain", strings.Repeat("alpha beta gamma ", 20))
	fx.convert(t, id)

	rec := fx.do(t, http.MethodGet, fmt.Sprintf("/api/documents/%d/preview?size=40", id), nil, "acme", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[previewResponse](t, rec)
	if resp.Size != 40 || len(resp.Chunks) < 2 {
		t.Errorf("preview = %+v", resp)
	}

	rec = fx.do(t, http.MethodGet, fmt.Sprintf("/api/documents/%d/preview?strategy=quantum", id), nil, "acme", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown strategy: status = %d, want 400", rec.Code)
	}
}

func Test_Preview_BeforeConversion(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)
	id := fx.upload(t, "acme", "a.txt", "text/plain", "pending")

	rec := fx.do(t, http.MethodGet, fmt.Sprintf("/api/documents/%d/preview", id), nil, "acme", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func Test_DeleteDocument_RemovesVectors(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)
	id := fx.upload(t, "acme", "a.txt", "text/plain", "content to be indexed then deleted")
	fx.convert(t, id)
	fx.do(t, http.MethodPost, fmt.Sprintf("/api/documents/%d/confirm", id), nil, "acme", "")
	fx.do(t, http.MethodPost, fmt.Sprintf("/api/review/%d/approve", id), nil, "rev", RoleReviewer)
	if fx.index.count() == 0 {
		t.Fatal("setup: nothing indexed")
	}

	rec := fx.do(t, http.MethodDelete, fmt.Sprintf("/api/documents/%d", id), nil, "acme", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204: %s", rec.Code, rec.Body.String())
	}
	if fx.index.count() != 0 {
		t.Error("vectors survived the document delete")
	}
	rec = fx.do(t, http.MethodGet, fmt.Sprintf("/api/documents/%d", id), nil, "acme", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: status = %d, want 404", rec.Code)
	}
}

func Test_BatchDelete_ReportsPerDocumentOutcomes(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)
	id := fx.upload(t, "acme", "a.txt", "text/plain", "batch target")

	rec := fx.doJSON(t, http.MethodPost, "/api/documents/batch-delete",
		batchDeleteRequest{IDs: []int64{id, 9999}}, "acme", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[batchDeleteResponse](t, rec)
	if len(resp.Deleted) != 1 || resp.Deleted[0] != id {
		t.Errorf("deleted = %v", resp.Deleted)
	}
	if _, ok := resp.Failed[9999]; !ok {
		t.Errorf("failed = %v, want entry for 9999", resp.Failed)
	}
}

func Test_Query_EndToEnd(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)
	id := fx.upload(t, "acme", "kb.txt", "text/plain", "the deploy runbook lives in the ops wiki")
	fx.convert(t, id)
	fx.do(t, http.MethodPost, fmt.Sprintf("/api/documents/%d/confirm", id), nil, "acme", "")
	fx.do(t, http.MethodPost, fmt.Sprintf("/api/review/%d/approve", id), nil, "rev", RoleReviewer)

	rec := fx.doJSON(t, http.MethodPost, "/api/query",
		queryRequest{Query: "where is the deploy runbook?"}, "acme", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	answer := decodeBody[pipeline.Answer](t, rec)
	if answer.Answer != "generated answer" {
		t.Errorf("answer = %q", answer.Answer)
	}
	if len(answer.Sources) == 0 {
		t.Error("no sources returned")
	}
}

func Test_Query_EmptyQuery(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)

	rec := fx.doJSON(t, http.MethodPost, "/api/query", queryRequest{Query: "  "}, "acme", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func Test_Query_ScopeAllRequiresAdmin(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)

	rec := fx.doJSON(t, http.MethodPost, "/api/query",
		queryRequest{Query: "anything", Scope: pipeline.ScopeAll}, "acme", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func Test_Query_WithoutPipeline(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, func(cfg *Config, deps *Deps) { deps.Pipeline = nil })

	rec := fx.doJSON(t, http.MethodPost, "/api/query", queryRequest{Query: "hello"}, "acme", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func Test_Query_UnknownProviderRejected(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)

	rec := fx.doJSON(t, http.MethodPost, "/api/query",
		queryRequest{Query: "anything", Provider: "clippy"}, "acme", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func Test_Query_RerankRequestedWithoutReranker(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)

	want := true
	rec := fx.doJSON(t, http.MethodPost, "/api/query",
		queryRequest{Query: "anything", Rerank: &want}, "acme", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func Test_Query_ModelOverrideReachesGenerator(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)
	id := fx.upload(t, "acme", "kb.txt", "text/plain", "release notes live in the changelog")
	fx.convert(t, id)
	fx.do(t, http.MethodPost, fmt.Sprintf("/api/documents/%d/confirm", id), nil, "acme", "")
	fx.do(t, http.MethodPost, fmt.Sprintf("/api/review/%d/approve", id), nil, "rev", RoleReviewer)

	rec := fx.doJSON(t, http.MethodPost, "/api/query",
		queryRequest{Query: "where are the release notes?", Model: "qwen2.5:14b", Temperature: 0.2}, "acme", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	fx.gen.mu.Lock()
	defer fx.gen.mu.Unlock()
	if fx.gen.lastOpts == nil || fx.gen.lastOpts.Model != "qwen2.5:14b" {
		t.Errorf("opts = %+v, want model override", fx.gen.lastOpts)
	}
}

func Test_Reindex_RequiresAdmin(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)

	rec := fx.doJSON(t, http.MethodPost, "/api/admin/reindex", reindexRequest{}, "acme", "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("member: status = %d, want 403", rec.Code)
	}
	rec = fx.doJSON(t, http.MethodPost, "/api/admin/reindex", reindexRequest{}, "acme", RoleReviewer)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("reviewer: status = %d, want 403", rec.Code)
	}
}

func Test_Reindex_RebuildsVectors(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)
	id := fx.upload(t, "acme", "a.txt", "text/plain", "reindex me after an index wipe")
	fx.convert(t, id)
	fx.do(t, http.MethodPost, fmt.Sprintf("/api/documents/%d/confirm", id), nil, "acme", "")
	fx.do(t, http.MethodPost, fmt.Sprintf("/api/review/%d/approve", id), nil, "rev", RoleReviewer)

	// Simulate a lost index.
	fx.index.mu.Lock()
	fx.index.points = make(map[string]vecindex.Record)
	fx.index.mu.Unlock()

	rec := fx.doJSON(t, http.MethodPost, "/api/admin/reindex", reindexRequest{}, "ops", RoleAdmin)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[reindexResponse](t, rec)
	if len(resp.Reindexed) != 1 || resp.Reindexed[0] != id {
		t.Errorf("reindexed = %v", resp.Reindexed)
	}
	if fx.index.count() == 0 {
		t.Error("no vectors rebuilt")
	}
}

func Test_Reindex_ExplicitUnindexedIDReported(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)
	id := fx.upload(t, "acme", "a.txt", "text/plain", "never approved")

	rec := fx.doJSON(t, http.MethodPost, "/api/admin/reindex",
		reindexRequest{IDs: []int64{id}}, "ops", RoleAdmin)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[reindexResponse](t, rec)
	if len(resp.Reindexed) != 0 {
		t.Errorf("reindexed = %v, want none", resp.Reindexed)
	}
	if _, ok := resp.Failed[id]; !ok {
		t.Errorf("failed = %v, want entry for %d", resp.Failed, id)
	}
}

func Test_Reindex_CompletesApprovedDocument(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)
	id := fx.upload(t, "acme", "a.txt", "text/plain", "approved but the index build failed")
	fx.convert(t, id)
	fx.do(t, http.MethodPost, fmt.Sprintf("/api/documents/%d/confirm", id), nil, "acme", "")

	// The approval decision lands but the vector build fails, leaving the
	// document stuck in approved.
	fx.index.failAll = true
	rec := fx.do(t, http.MethodPost, fmt.Sprintf("/api/review/%d/approve", id), nil, "rev", RoleReviewer)
	if rec.Code == http.StatusOK {
		t.Fatalf("approve with index down: status = %d, want failure", rec.Code)
	}
	doc, err := fx.store.GetDocument(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Status != store.StatusApproved {
		t.Fatalf("status = %q, want approved", doc.Status)
	}

	fx.index.failAll = false
	rec = fx.doJSON(t, http.MethodPost, "/api/admin/reindex",
		reindexRequest{Statuses: []string{"approved"}}, "ops", RoleAdmin)
	if rec.Code != http.StatusOK {
		t.Fatalf("reindex: status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeBody[reindexResponse](t, rec)
	if len(resp.Reindexed) != 1 || resp.Reindexed[0] != id {
		t.Fatalf("reindexed = %v, failed = %v", resp.Reindexed, resp.Failed)
	}
	if fx.index.count() == 0 {
		t.Error("no vectors written")
	}
	doc, err = fx.store.GetDocument(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Status != store.StatusIndexed {
		t.Errorf("status = %q, want indexed after repair", doc.Status)
	}
}

func Test_Reindex_RejectsUnknownStatus(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, nil)

	rec := fx.doJSON(t, http.MethodPost, "/api/admin/reindex",
		reindexRequest{Statuses: []string{"uploaded"}}, "ops", RoleAdmin)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}
}

func Test_RateLimit(t *testing.T) {
	t.Parallel()
	fx := newFixture(t, func(cfg *Config, deps *Deps) {
		cfg.RateLimit = 1
		cfg.RateBurst = 2
	})

	codes := make([]int, 0, 3)
	for range 3 {
		rec := fx.do(t, http.MethodGet, "/api/documents", nil, "acme", "")
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK {
		t.Fatalf("first requests = %v, want 200s", codes)
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Fatalf("third request = %d, want 429", codes[2])
	}

	// Other tenants have their own bucket.
	rec := fx.do(t, http.MethodGet, "/api/documents", nil, "globex", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("other tenant = %d, want 200", rec.Code)
	}
}
