package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// sanitizeContent strips NUL bytes, which some text extractors emit and
// which have no business inside chunk content.
func sanitizeContent(s string) string {
	return strings.ReplaceAll(s, "\x00", "")
}

// ReplaceChunks atomically replaces all chunks of a document with the given
// contents, assigning contiguous 0-based indices. Empty or whitespace-only
// entries are skipped without leaving index gaps. Either every resulting row
// is committed or none are. Returns the number of chunks written.
func (s *Store) ReplaceChunks(ctx context.Context, docID int64, contents []string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("store: replace chunks begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, docID); err != nil {
		return 0, fmt.Errorf("store: replace chunks delete: %w", err)
	}

	const ins = `INSERT INTO chunks (document_id, chunk_index, content, included) VALUES (?, ?, ?, 1)`
	idx := 0
	for _, content := range contents {
		content = sanitizeContent(content)
		if strings.TrimSpace(content) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, ins, docID, idx, content); err != nil {
			return 0, fmt.Errorf("store: replace chunks insert %d: %w", idx, err)
		}
		idx++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("store: replace chunks commit: %w", err)
	}
	return idx, nil
}

// Chunks returns all chunks of a document in chunk_index order.
func (s *Store) Chunks(ctx context.Context, docID int64) ([]Chunk, error) {
	return s.queryChunks(ctx,
		`SELECT id, document_id, chunk_index, content, included
		 FROM chunks WHERE document_id = ? ORDER BY chunk_index ASC`, docID)
}

// IncludedChunks returns a document's chunks with included=true, in
// chunk_index order. This is exactly the set the vector index must mirror
// when the document is indexed.
func (s *Store) IncludedChunks(ctx context.Context, docID int64) ([]Chunk, error) {
	return s.queryChunks(ctx,
		`SELECT id, document_id, chunk_index, content, included
		 FROM chunks WHERE document_id = ? AND included = 1 ORDER BY chunk_index ASC`, docID)
}

// ChunksByIDs returns the document's chunks with the given row IDs, in
// chunk_index order. IDs belonging to other documents are ignored.
func (s *Store) ChunksByIDs(ctx context.Context, docID int64, ids []int64) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := []any{docID}
	for _, id := range ids {
		args = append(args, id)
	}
	return s.queryChunks(ctx,
		`SELECT id, document_id, chunk_index, content, included
		 FROM chunks WHERE document_id = ? AND id IN (`+placeholders(len(ids))+`)
		 ORDER BY chunk_index ASC`, args...)
}

// ListChunks returns one page of a document's chunks in chunk_index order,
// plus the total count.
func (s *Store) ListChunks(ctx context.Context, docID int64, page, pageSize int) ([]Chunk, int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 50
	}
	if pageSize > 200 {
		pageSize = 200
	}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chunks WHERE document_id = ?`, docID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: list chunks count: %w", err)
	}

	chunks, err := s.queryChunks(ctx,
		`SELECT id, document_id, chunk_index, content, included
		 FROM chunks WHERE document_id = ? ORDER BY chunk_index ASC LIMIT ? OFFSET ?`,
		docID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, 0, err
	}
	return chunks, total, nil
}

// GetChunk returns the chunk with the given row ID, or ErrNotFound.
func (s *Store) GetChunk(ctx context.Context, id int64) (*Chunk, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, document_id, chunk_index, content, included FROM chunks WHERE id = ?`, id)
	var c Chunk
	err := row.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content, &c.Included)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get chunk %d: %w", id, err)
	}
	return &c, nil
}

// CreateChunk appends a new included chunk at the document's next free
// index and returns the stored row.
func (s *Store) CreateChunk(ctx context.Context, docID int64, content string) (*Chunk, error) {
	content = sanitizeContent(content)
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("store: create chunk: content must not be empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: create chunk begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var next int
	var maxIdx sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		`SELECT MAX(chunk_index) FROM chunks WHERE document_id = ?`, docID).Scan(&maxIdx); err != nil {
		return nil, fmt.Errorf("store: create chunk max index: %w", err)
	}
	if maxIdx.Valid {
		next = int(maxIdx.Int64) + 1
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO chunks (document_id, chunk_index, content, included) VALUES (?, ?, ?, 1)`,
		docID, next, content)
	if err != nil {
		return nil, fmt.Errorf("store: create chunk insert: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("store: create chunk id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: create chunk commit: %w", err)
	}

	return &Chunk{ID: id, DocumentID: docID, ChunkIndex: next, Content: content, Included: true}, nil
}

// UpdateChunk applies a content and/or inclusion change to a chunk and
// returns the updated row. Nil fields are left untouched; passing neither is
// a caller error.
func (s *Store) UpdateChunk(ctx context.Context, id int64, content *string, included *bool) (*Chunk, error) {
	if content == nil && included == nil {
		return nil, fmt.Errorf("store: update chunk: nothing to update")
	}

	var (
		sets []string
		args []any
	)
	if content != nil {
		clean := sanitizeContent(*content)
		if strings.TrimSpace(clean) == "" {
			return nil, fmt.Errorf("store: update chunk: content must not be empty")
		}
		sets = append(sets, `content = ?`)
		args = append(args, clean)
	}
	if included != nil {
		sets = append(sets, `included = ?`)
		args = append(args, *included)
	}
	args = append(args, id)

	if err := s.execOne(ctx, "update chunk",
		`UPDATE chunks SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...); err != nil {
		return nil, err
	}
	return s.GetChunk(ctx, id)
}

// DeleteChunk removes a single chunk row. Remaining indices are not
// compacted — index contiguity is only guaranteed per regeneration.
func (s *Store) DeleteChunk(ctx context.Context, id int64) error {
	return s.execOne(ctx, "delete chunk", `DELETE FROM chunks WHERE id = ?`, id)
}

// CountChunks returns per-document chunk counts for the given document IDs.
func (s *Store) CountChunks(ctx context.Context, docIDs []int64) (map[int64]int, error) {
	counts := make(map[int64]int, len(docIDs))
	if len(docIDs) == 0 {
		return counts, nil
	}
	args := make([]any, len(docIDs))
	for i, id := range docIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT document_id, COUNT(*) FROM chunks
		 WHERE document_id IN (`+placeholders(len(docIDs))+`) GROUP BY document_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("store: count chunks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, fmt.Errorf("store: count chunks scan: %w", err)
		}
		counts[id] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: count chunks rows: %w", err)
	}
	return counts, nil
}

// queryChunks runs a chunk SELECT and scans all rows.
func (s *Store) queryChunks(ctx context.Context, q string, args ...any) ([]Chunk, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content, &c.Included); err != nil {
			return nil, fmt.Errorf("store: query chunks scan: %w", err)
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: query chunks rows: %w", err)
	}
	return chunks, nil
}
