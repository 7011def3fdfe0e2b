// Package store provides the SQLite-backed relational store for documents
// and their chunks. It is the authoritative source of retrievable content:
// the vector index is derived from this store and can always be rebuilt from
// it. All multi-row chunk mutations run inside a single transaction.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver
)

// DocumentStatus is the business lifecycle state of a document.
type DocumentStatus string

const (
	// StatusUploaded means the document awaits owner confirmation.
	StatusUploaded DocumentStatus = "uploaded"
	// StatusConfirmed means the owner submitted the document for review.
	StatusConfirmed DocumentStatus = "confirmed"
	// StatusRejected means a reviewer rejected it; the owner may resubmit.
	StatusRejected DocumentStatus = "rejected"
	// StatusApproved is the short-lived state between reviewer approval and
	// indexing completion.
	StatusApproved DocumentStatus = "approved"
	// StatusIndexed means the document's included chunks are represented in
	// the vector index and it is retrievable.
	StatusIndexed DocumentStatus = "indexed"
)

// ConversionStatus is the state of the text conversion pipeline for a
// document, independent of its business status.
type ConversionStatus string

const (
	// ConversionProcessing means conversion is scheduled or running.
	ConversionProcessing ConversionStatus = "processing"
	// ConversionReady means normalized text and chunks exist.
	ConversionReady ConversionStatus = "ready"
	// ConversionFailed means conversion exhausted its retries; the error is
	// recorded on the document.
	ConversionFailed ConversionStatus = "failed"
)

// ErrNotFound is returned when a requested document or chunk does not exist.
var ErrNotFound = errors.New("store: not found")

// Document is a row of the documents table.
type Document struct {
	ID                 int64
	Tenant             string
	Name               string
	ContentType        string
	SizeBytes          int64
	SHA256             string
	ContentRef         string
	ConvertedRef       string
	Status             DocumentStatus
	ConversionStatus   ConversionStatus
	ConversionError    string
	ConversionAttempts int
	RejectReason       string
	Reviewer           string
	CreatedAt          time.Time
	ConfirmedAt        *time.Time
	ReviewedAt         *time.Time
	IndexedAt          *time.Time
}

// Chunk is a row of the chunks table. (DocumentID, ChunkIndex) is unique.
type Chunk struct {
	ID         int64
	DocumentID int64
	ChunkIndex int
	Content    string
	Included   bool
}

// ReviewAction records one reviewer decision for audit purposes.
type ReviewAction struct {
	ID         int64
	DocumentID int64
	Reviewer   string
	Action     string
	Reason     string
	CreatedAt  time.Time
}

// Store is the SQLite-backed document/chunk store.
type Store struct {
	db *sql.DB
}

// DefaultDBPath returns the default database path, ~/.kbase/kbase.db,
// creating the directory if needed.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("store: could not determine home directory: %w", err)
	}
	dir := filepath.Join(home, ".kbase")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("store: could not create %s: %w", dir, err)
	}
	return filepath.Join(dir, "kbase.db"), nil
}

// Open opens (or creates) a Store at the given path and runs the schema
// migration. Use ":memory:" for an in-memory database in tests.
func Open(path string) (*Store, error) {
	// WAL mode improves concurrent read performance and is safe for single-host use.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// Limit to a single writer connection to avoid SQLITE_BUSY under concurrent writes.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// migrate creates the schema if it does not already exist.
func (s *Store) migrate() error {
	const ddl = `
CREATE TABLE IF NOT EXISTS documents (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    tenant              TEXT    NOT NULL,
    name                TEXT    NOT NULL,
    content_type        TEXT    NOT NULL DEFAULT '',
    size_bytes          INTEGER NOT NULL DEFAULT 0,
    sha256              TEXT    NOT NULL DEFAULT '',
    content_ref         TEXT    NOT NULL DEFAULT '',
    converted_ref       TEXT    NOT NULL DEFAULT '',
    status              TEXT    NOT NULL DEFAULT 'uploaded'
        CHECK(status IN ('uploaded','confirmed','rejected','approved','indexed')),
    conversion_status   TEXT    NOT NULL DEFAULT 'processing'
        CHECK(conversion_status IN ('processing','ready','failed')),
    conversion_error    TEXT    NOT NULL DEFAULT '',
    conversion_attempts INTEGER NOT NULL DEFAULT 0,
    reject_reason       TEXT    NOT NULL DEFAULT '',
    reviewer            TEXT    NOT NULL DEFAULT '',
    created_at          INTEGER NOT NULL,  -- Unix timestamp (seconds)
    confirmed_at        INTEGER,
    reviewed_at         INTEGER,
    indexed_at          INTEGER
);
CREATE INDEX IF NOT EXISTS idx_documents_tenant ON documents (tenant, created_at);
CREATE INDEX IF NOT EXISTS idx_documents_status ON documents (status);

CREATE TABLE IF NOT EXISTS chunks (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    document_id INTEGER NOT NULL,
    chunk_index INTEGER NOT NULL,
    content     TEXT    NOT NULL,
    included    INTEGER NOT NULL DEFAULT 1,
    UNIQUE(document_id, chunk_index)
);
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks (document_id, chunk_index);

CREATE TABLE IF NOT EXISTS review_actions (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    document_id INTEGER NOT NULL,
    reviewer    TEXT    NOT NULL,
    action      TEXT    NOT NULL CHECK(action IN ('approve','reject')),
    reason      TEXT    NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_review_actions_document ON review_actions (document_id);
`
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Close releases the database connection pool.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close: %w", err)
	}
	return nil
}

const documentColumns = `id, tenant, name, content_type, size_bytes, sha256,
content_ref, converted_ref, status, conversion_status, conversion_error,
conversion_attempts, reject_reason, reviewer,
created_at, confirmed_at, reviewed_at, indexed_at`

// scanDocument reads one document row in documentColumns order.
func scanDocument(row interface{ Scan(...any) error }) (*Document, error) {
	var d Document
	var created int64
	var confirmed, reviewed, indexed sql.NullInt64
	err := row.Scan(
		&d.ID, &d.Tenant, &d.Name, &d.ContentType, &d.SizeBytes, &d.SHA256,
		&d.ContentRef, &d.ConvertedRef, &d.Status, &d.ConversionStatus,
		&d.ConversionError, &d.ConversionAttempts, &d.RejectReason, &d.Reviewer,
		&created, &confirmed, &reviewed, &indexed,
	)
	if err != nil {
		return nil, err
	}
	d.CreatedAt = time.Unix(created, 0)
	d.ConfirmedAt = unixPtr(confirmed)
	d.ReviewedAt = unixPtr(reviewed)
	d.IndexedAt = unixPtr(indexed)
	return &d, nil
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0)
	return &t
}

// CreateDocument inserts a new document owned by doc.Tenant in state
// uploaded/processing and returns its ID.
func (s *Store) CreateDocument(ctx context.Context, doc *Document) (int64, error) {
	const q = `
INSERT INTO documents (tenant, name, content_type, size_bytes, sha256, content_ref, status, conversion_status, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, q,
		doc.Tenant, doc.Name, doc.ContentType, doc.SizeBytes, doc.SHA256,
		doc.ContentRef, string(StatusUploaded), string(ConversionProcessing),
		time.Now().Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: create document: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: create document id: %w", err)
	}
	return id, nil
}

// GetDocument returns the document with the given ID, or ErrNotFound.
func (s *Store) GetDocument(ctx context.Context, id int64) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get document %d: %w", id, err)
	}
	return d, nil
}

// DocumentFilter restricts DocumentsByFilter. Zero-valued fields are not
// applied; an explicit ID list takes precedence over tenant/status filters.
type DocumentFilter struct {
	IDs      []int64
	Tenant   string
	Statuses []DocumentStatus
}

// DocumentsByFilter returns documents matching the filter in ID order.
// It backs the admin reindex surface.
func (s *Store) DocumentsByFilter(ctx context.Context, f DocumentFilter) ([]*Document, error) {
	var (
		where []string
		args  []any
	)
	if len(f.IDs) > 0 {
		where = append(where, `id IN (`+placeholders(len(f.IDs))+`)`)
		for _, id := range f.IDs {
			args = append(args, id)
		}
	} else {
		if len(f.Statuses) > 0 {
			where = append(where, `status IN (`+placeholders(len(f.Statuses))+`)`)
			for _, st := range f.Statuses {
				args = append(args, string(st))
			}
		}
		if f.Tenant != "" {
			where = append(where, `tenant = ?`)
			args = append(args, f.Tenant)
		}
	}

	q := `SELECT ` + documentColumns + ` FROM documents`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, ` AND `)
	}
	q += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: documents by filter: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("store: documents by filter scan: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: documents by filter rows: %w", err)
	}
	return docs, nil
}

// ListDocuments returns one page of a tenant's documents, newest first,
// plus the total count for pagination.
func (s *Store) ListDocuments(ctx context.Context, tenant string, page, pageSize int) ([]*Document, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE tenant = ?`, tenant).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: list documents count: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE tenant = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		tenant, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("store: list documents scan: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("store: list documents rows: %w", err)
	}
	return docs, total, nil
}

// PendingReview returns documents awaiting a reviewer decision: confirmed by
// their owner and with conversion completed, newest first. Documents still
// converting are excluded so reviewers never see content that can change
// under them.
func (s *Store) PendingReview(ctx context.Context) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE status = ? AND conversion_status = ?
		 ORDER BY created_at DESC, id DESC`,
		string(StatusConfirmed), string(ConversionReady))
	if err != nil {
		return nil, fmt.Errorf("store: pending review: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("store: pending review scan: %w", err)
		}
		docs = append(docs, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: pending review rows: %w", err)
	}
	return docs, nil
}

// UpdateConversion records the outcome of a conversion attempt: the new
// conversion status, the ref of the normalized text (on success), the error
// text (on failure), and the attempt count so far.
func (s *Store) UpdateConversion(ctx context.Context, id int64, status ConversionStatus, convertedRef, errMsg string, attempts int) error {
	const q = `
UPDATE documents SET conversion_status = ?, converted_ref = ?, conversion_error = ?, conversion_attempts = ?
WHERE id = ?`
	return s.execOne(ctx, "update conversion", q,
		string(status), convertedRef, errMsg, attempts, id)
}

// MarkConfirmed moves the document to confirmed and stamps confirmed_at.
// Precondition checks belong to the lifecycle controller.
func (s *Store) MarkConfirmed(ctx context.Context, id int64) error {
	return s.execOne(ctx, "mark confirmed",
		`UPDATE documents SET status = ?, confirmed_at = ? WHERE id = ?`,
		string(StatusConfirmed), time.Now().Unix(), id)
}

// MarkApproved moves the document to approved, records the reviewer, and
// clears any previous rejection reason.
func (s *Store) MarkApproved(ctx context.Context, id int64, reviewer string) error {
	return s.execOne(ctx, "mark approved",
		`UPDATE documents SET status = ?, reviewer = ?, reviewed_at = ?, reject_reason = '' WHERE id = ?`,
		string(StatusApproved), reviewer, time.Now().Unix(), id)
}

// MarkRejected moves the document to rejected with the reviewer's reason.
func (s *Store) MarkRejected(ctx context.Context, id int64, reviewer, reason string) error {
	return s.execOne(ctx, "mark rejected",
		`UPDATE documents SET status = ?, reviewer = ?, reviewed_at = ?, reject_reason = ? WHERE id = ?`,
		string(StatusRejected), reviewer, time.Now().Unix(), reason, id)
}

// MarkIndexed moves the document to indexed and stamps indexed_at.
func (s *Store) MarkIndexed(ctx context.Context, id int64) error {
	return s.execOne(ctx, "mark indexed",
		`UPDATE documents SET status = ?, indexed_at = ? WHERE id = ?`,
		string(StatusIndexed), time.Now().Unix(), id)
}

// MarkResubmitted cycles a rejected document back to uploaded/processing.
// The prior reject_reason is kept so the owner can still see it.
func (s *Store) MarkResubmitted(ctx context.Context, id int64) error {
	return s.execOne(ctx, "mark resubmitted",
		`UPDATE documents SET status = ?, conversion_status = ?, conversion_error = '', conversion_attempts = 0 WHERE id = ?`,
		string(StatusUploaded), string(ConversionProcessing), id)
}

// AddReviewAction appends one reviewer decision to the audit trail.
func (s *Store) AddReviewAction(ctx context.Context, docID int64, reviewer, action, reason string) error {
	const q = `INSERT INTO review_actions (document_id, reviewer, action, reason, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, docID, reviewer, action, reason, time.Now().Unix()); err != nil {
		return fmt.Errorf("store: add review action: %w", err)
	}
	return nil
}

// ReviewActions returns the audit trail for a document, oldest first.
func (s *Store) ReviewActions(ctx context.Context, docID int64) ([]ReviewAction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, reviewer, action, reason, created_at
		 FROM review_actions WHERE document_id = ? ORDER BY id ASC`, docID)
	if err != nil {
		return nil, fmt.Errorf("store: review actions: %w", err)
	}
	defer rows.Close()

	var actions []ReviewAction
	for rows.Next() {
		var a ReviewAction
		var ts int64
		if err := rows.Scan(&a.ID, &a.DocumentID, &a.Reviewer, &a.Action, &a.Reason, &ts); err != nil {
			return nil, fmt.Errorf("store: review actions scan: %w", err)
		}
		a.CreatedAt = time.Unix(ts, 0)
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: review actions rows: %w", err)
	}
	return actions, nil
}

// DeleteDocument removes the document with all its chunks and review actions
// in one transaction. Vector records are the consistency manager's business.
func (s *Store) DeleteDocument(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: delete document begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, id); err != nil {
		return fmt.Errorf("store: delete document chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM review_actions WHERE document_id = ?`, id); err != nil {
		return fmt.Errorf("store: delete document review actions: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: delete document commit: %w", err)
	}
	return nil
}

// execOne runs a single-row UPDATE and maps zero affected rows to ErrNotFound.
func (s *Store) execOne(ctx context.Context, op, q string, args ...any) error {
	res, err := s.db.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("store: %s: %w", op, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// placeholders returns "?, ?, ..." with n placeholders.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
