package store

import (
	"context"
	"errors"
	"testing"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createTestDocument(t *testing.T, s *Store, tenant, name string) int64 {
	t.Helper()
	id, err := s.CreateDocument(context.Background(), &Document{
		Tenant:      tenant,
		Name:        name,
		ContentType: "text/markdown",
		SizeBytes:   42,
		SHA256:      "abc123",
		ContentRef:  "blobs/" + name,
	})
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	return id
}

func Test_Store_CreateAndGetDocument(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	id := createTestDocument(t, s, "acme", "handbook.md")

	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		t.Fatalf("get document: %v", err)
	}
	if doc.Tenant != "acme" || doc.Name != "handbook.md" {
		t.Errorf("got tenant=%q name=%q", doc.Tenant, doc.Name)
	}
	if doc.Status != StatusUploaded {
		t.Errorf("new document status = %q, want %q", doc.Status, StatusUploaded)
	}
	if doc.ConversionStatus != ConversionProcessing {
		t.Errorf("new document conversion = %q, want %q", doc.ConversionStatus, ConversionProcessing)
	}
	if doc.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}
}

func Test_Store_GetDocument_NotFound(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	if _, err := s.GetDocument(context.Background(), 9999); !errors.Is(err, ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func Test_Store_StatusTransitions(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	id := createTestDocument(t, s, "acme", "doc.md")

	if err := s.MarkConfirmed(ctx, id); err != nil {
		t.Fatalf("mark confirmed: %v", err)
	}
	doc, _ := s.GetDocument(ctx, id)
	if doc.Status != StatusConfirmed || doc.ConfirmedAt == nil {
		t.Errorf("after confirm: status=%q confirmedAt=%v", doc.Status, doc.ConfirmedAt)
	}

	if err := s.MarkApproved(ctx, id, "rev@acme"); err != nil {
		t.Fatalf("mark approved: %v", err)
	}
	doc, _ = s.GetDocument(ctx, id)
	if doc.Status != StatusApproved || doc.Reviewer != "rev@acme" || doc.ReviewedAt == nil {
		t.Errorf("after approve: %+v", doc)
	}

	if err := s.MarkIndexed(ctx, id); err != nil {
		t.Fatalf("mark indexed: %v", err)
	}
	doc, _ = s.GetDocument(ctx, id)
	if doc.Status != StatusIndexed || doc.IndexedAt == nil {
		t.Errorf("after index: status=%q indexedAt=%v", doc.Status, doc.IndexedAt)
	}
}

func Test_Store_RejectAndResubmit(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	id := createTestDocument(t, s, "acme", "doc.md")

	if err := s.MarkRejected(ctx, id, "rev@acme", "missing sources"); err != nil {
		t.Fatalf("mark rejected: %v", err)
	}
	doc, _ := s.GetDocument(ctx, id)
	if doc.Status != StatusRejected || doc.RejectReason != "missing sources" {
		t.Errorf("after reject: status=%q reason=%q", doc.Status, doc.RejectReason)
	}

	if err := s.MarkResubmitted(ctx, id); err != nil {
		t.Fatalf("mark resubmitted: %v", err)
	}
	doc, _ = s.GetDocument(ctx, id)
	if doc.Status != StatusUploaded {
		t.Errorf("after resubmit: status = %q, want %q", doc.Status, StatusUploaded)
	}
	if doc.ConversionStatus != ConversionProcessing {
		t.Errorf("after resubmit: conversion = %q, want %q", doc.ConversionStatus, ConversionProcessing)
	}
	// The prior rejection reason stays visible to the owner.
	if doc.RejectReason != "missing sources" {
		t.Errorf("after resubmit: reject reason = %q, want kept", doc.RejectReason)
	}

	// Approval clears it.
	if err := s.MarkApproved(ctx, id, "rev@acme"); err != nil {
		t.Fatalf("mark approved: %v", err)
	}
	doc, _ = s.GetDocument(ctx, id)
	if doc.RejectReason != "" {
		t.Errorf("after approve: reject reason = %q, want cleared", doc.RejectReason)
	}
}

func Test_Store_TransitionOnMissingDocument(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	if err := s.MarkConfirmed(ctx, 404); !errors.Is(err, ErrNotFound) {
		t.Errorf("confirm missing: got %v, want ErrNotFound", err)
	}
	if err := s.MarkIndexed(ctx, 404); !errors.Is(err, ErrNotFound) {
		t.Errorf("index missing: got %v, want ErrNotFound", err)
	}
}

func Test_Store_UpdateConversion(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	id := createTestDocument(t, s, "acme", "doc.md")

	if err := s.UpdateConversion(ctx, id, ConversionFailed, "", "boom", 3); err != nil {
		t.Fatalf("update conversion: %v", err)
	}
	doc, _ := s.GetDocument(ctx, id)
	if doc.ConversionStatus != ConversionFailed || doc.ConversionError != "boom" || doc.ConversionAttempts != 3 {
		t.Errorf("after failure: %+v", doc)
	}

	if err := s.UpdateConversion(ctx, id, ConversionReady, "blobs/doc.txt", "", 4); err != nil {
		t.Fatalf("update conversion: %v", err)
	}
	doc, _ = s.GetDocument(ctx, id)
	if doc.ConversionStatus != ConversionReady || doc.ConvertedRef != "blobs/doc.txt" {
		t.Errorf("after success: %+v", doc)
	}
}

func Test_Store_ListDocuments_Pagination(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		createTestDocument(t, s, "acme", "doc.md")
	}
	createTestDocument(t, s, "other", "theirs.md")

	docs, total, err := s.ListDocuments(ctx, "acme", 1, 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 {
		t.Errorf("total = %d, want 5", total)
	}
	if len(docs) != 3 {
		t.Errorf("page 1 len = %d, want 3", len(docs))
	}
	docs, _, err = s.ListDocuments(ctx, "acme", 2, 3)
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(docs) != 2 {
		t.Errorf("page 2 len = %d, want 2", len(docs))
	}
	for _, d := range docs {
		if d.Tenant != "acme" {
			t.Errorf("leaked document from tenant %q", d.Tenant)
		}
	}
}

func Test_Store_PendingReview(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	ready := createTestDocument(t, s, "acme", "ready.md")
	if err := s.MarkConfirmed(ctx, ready); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateConversion(ctx, ready, ConversionReady, "blobs/r", "", 1); err != nil {
		t.Fatal(err)
	}

	// Confirmed but still converting: must not surface to reviewers.
	converting := createTestDocument(t, s, "acme", "converting.md")
	if err := s.MarkConfirmed(ctx, converting); err != nil {
		t.Fatal(err)
	}

	// Ready but never confirmed.
	unconfirmed := createTestDocument(t, s, "acme", "unconfirmed.md")
	if err := s.UpdateConversion(ctx, unconfirmed, ConversionReady, "blobs/u", "", 1); err != nil {
		t.Fatal(err)
	}

	docs, err := s.PendingReview(ctx)
	if err != nil {
		t.Fatalf("pending review: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != ready {
		t.Errorf("pending = %+v, want only document %d", docs, ready)
	}
}

func Test_Store_DocumentsByFilter(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	a := createTestDocument(t, s, "acme", "a.md")
	b := createTestDocument(t, s, "acme", "b.md")
	c := createTestDocument(t, s, "other", "c.md")
	if err := s.MarkConfirmed(ctx, b); err != nil {
		t.Fatal(err)
	}

	docs, err := s.DocumentsByFilter(ctx, DocumentFilter{IDs: []int64{a, c}})
	if err != nil {
		t.Fatalf("filter by ids: %v", err)
	}
	if len(docs) != 2 || docs[0].ID != a || docs[1].ID != c {
		t.Errorf("by ids: got %d docs", len(docs))
	}

	docs, err = s.DocumentsByFilter(ctx, DocumentFilter{Tenant: "acme", Statuses: []DocumentStatus{StatusConfirmed}})
	if err != nil {
		t.Fatalf("filter by status: %v", err)
	}
	if len(docs) != 1 || docs[0].ID != b {
		t.Errorf("by status: got %+v, want document %d", docs, b)
	}

	docs, err = s.DocumentsByFilter(ctx, DocumentFilter{})
	if err != nil {
		t.Fatalf("empty filter: %v", err)
	}
	if len(docs) != 3 {
		t.Errorf("empty filter: got %d docs, want 3", len(docs))
	}
}

func Test_Store_ReplaceChunks(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	id := createTestDocument(t, s, "acme", "doc.md")

	n, err := s.ReplaceChunks(ctx, id, []string{"alpha", "", "beta\x00beta", "   ", "gamma"})
	if err != nil {
		t.Fatalf("replace chunks: %v", err)
	}
	if n != 3 {
		t.Errorf("wrote %d chunks, want 3", n)
	}

	chunks, err := s.Chunks(ctx, id)
	if err != nil {
		t.Fatalf("chunks: %v", err)
	}
	want := []string{"alpha", "betabeta", "gamma"}
	if len(chunks) != len(want) {
		t.Fatalf("got %d chunks, want %d", len(chunks), len(want))
	}
	for i, c := range chunks {
		if c.ChunkIndex != i {
			t.Errorf("chunk %d has index %d, want contiguous", i, c.ChunkIndex)
		}
		if c.Content != want[i] {
			t.Errorf("chunk %d content = %q, want %q", i, c.Content, want[i])
		}
		if !c.Included {
			t.Errorf("chunk %d not included by default", i)
		}
	}

	// Replacing again fully supersedes the old set.
	if _, err := s.ReplaceChunks(ctx, id, []string{"only"}); err != nil {
		t.Fatalf("second replace: %v", err)
	}
	chunks, _ = s.Chunks(ctx, id)
	if len(chunks) != 1 || chunks[0].Content != "only" || chunks[0].ChunkIndex != 0 {
		t.Errorf("after replace: %+v", chunks)
	}
}

func Test_Store_ChunkCRUD(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	id := createTestDocument(t, s, "acme", "doc.md")

	if _, err := s.ReplaceChunks(ctx, id, []string{"one", "two"}); err != nil {
		t.Fatal(err)
	}

	created, err := s.CreateChunk(ctx, id, "three")
	if err != nil {
		t.Fatalf("create chunk: %v", err)
	}
	if created.ChunkIndex != 2 {
		t.Errorf("appended chunk index = %d, want 2", created.ChunkIndex)
	}

	content := "three, edited"
	updated, err := s.UpdateChunk(ctx, created.ID, &content, nil)
	if err != nil {
		t.Fatalf("update chunk: %v", err)
	}
	if updated.Content != content || !updated.Included {
		t.Errorf("after update: %+v", updated)
	}

	excluded := false
	updated, err = s.UpdateChunk(ctx, created.ID, nil, &excluded)
	if err != nil {
		t.Fatalf("toggle chunk: %v", err)
	}
	if updated.Included {
		t.Error("chunk still included after exclusion")
	}

	inc, err := s.IncludedChunks(ctx, id)
	if err != nil {
		t.Fatalf("included chunks: %v", err)
	}
	if len(inc) != 2 {
		t.Errorf("included = %d chunks, want 2", len(inc))
	}

	if err := s.DeleteChunk(ctx, created.ID); err != nil {
		t.Fatalf("delete chunk: %v", err)
	}
	if _, err := s.GetChunk(ctx, created.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("deleted chunk still readable: %v", err)
	}
	if err := s.DeleteChunk(ctx, created.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete: got %v, want ErrNotFound", err)
	}
}

func Test_Store_UpdateChunk_Validation(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	id := createTestDocument(t, s, "acme", "doc.md")
	if _, err := s.ReplaceChunks(ctx, id, []string{"one"}); err != nil {
		t.Fatal(err)
	}
	chunks, _ := s.Chunks(ctx, id)

	if _, err := s.UpdateChunk(ctx, chunks[0].ID, nil, nil); err == nil {
		t.Error("want error when nothing to update")
	}
	empty := "   "
	if _, err := s.UpdateChunk(ctx, chunks[0].ID, &empty, nil); err == nil {
		t.Error("want error for whitespace-only content")
	}
	if _, err := s.CreateChunk(ctx, id, ""); err == nil {
		t.Error("want error for empty new chunk")
	}
}

func Test_Store_ListChunks_ClampsPageSize(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	id := createTestDocument(t, s, "acme", "doc.md")

	contents := make([]string, 250)
	for i := range contents {
		contents[i] = "chunk"
	}
	if _, err := s.ReplaceChunks(ctx, id, contents); err != nil {
		t.Fatal(err)
	}

	chunks, total, err := s.ListChunks(ctx, id, 1, 1000)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	if total != 250 {
		t.Errorf("total = %d, want 250", total)
	}
	if len(chunks) != 200 {
		t.Errorf("page len = %d, want clamp to 200", len(chunks))
	}
}

func Test_Store_ChunksByIDs_ScopedToDocument(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	docA := createTestDocument(t, s, "acme", "a.md")
	docB := createTestDocument(t, s, "acme", "b.md")
	if _, err := s.ReplaceChunks(ctx, docA, []string{"a0", "a1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReplaceChunks(ctx, docB, []string{"b0"}); err != nil {
		t.Fatal(err)
	}

	aChunks, _ := s.Chunks(ctx, docA)
	bChunks, _ := s.Chunks(ctx, docB)

	got, err := s.ChunksByIDs(ctx, docA, []int64{aChunks[1].ID, bChunks[0].ID})
	if err != nil {
		t.Fatalf("chunks by ids: %v", err)
	}
	if len(got) != 1 || got[0].ID != aChunks[1].ID {
		t.Errorf("got %+v, want only chunk %d", got, aChunks[1].ID)
	}
}

func Test_Store_CountChunks(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	docA := createTestDocument(t, s, "acme", "a.md")
	docB := createTestDocument(t, s, "acme", "b.md")
	if _, err := s.ReplaceChunks(ctx, docA, []string{"x", "y"}); err != nil {
		t.Fatal(err)
	}

	counts, err := s.CountChunks(ctx, []int64{docA, docB})
	if err != nil {
		t.Fatalf("count chunks: %v", err)
	}
	if counts[docA] != 2 {
		t.Errorf("count[%d] = %d, want 2", docA, counts[docA])
	}
	if counts[docB] != 0 {
		t.Errorf("count[%d] = %d, want 0", docB, counts[docB])
	}
}

func Test_Store_DeleteDocument_Cascades(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	id := createTestDocument(t, s, "acme", "doc.md")
	if _, err := s.ReplaceChunks(ctx, id, []string{"one", "two"}); err != nil {
		t.Fatal(err)
	}
	if err := s.AddReviewAction(ctx, id, "rev@acme", "reject", "nope"); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteDocument(ctx, id); err != nil {
		t.Fatalf("delete document: %v", err)
	}
	if _, err := s.GetDocument(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("document still readable: %v", err)
	}
	chunks, err := s.Chunks(ctx, id)
	if err != nil || len(chunks) != 0 {
		t.Errorf("chunks survive delete: %v %v", chunks, err)
	}
	actions, err := s.ReviewActions(ctx, id)
	if err != nil || len(actions) != 0 {
		t.Errorf("review actions survive delete: %v %v", actions, err)
	}

	if err := s.DeleteDocument(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("double delete: got %v, want ErrNotFound", err)
	}
}

func Test_Store_ReviewActions_Ordered(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	id := createTestDocument(t, s, "acme", "doc.md")

	if err := s.AddReviewAction(ctx, id, "rev@acme", "reject", "needs work"); err != nil {
		t.Fatal(err)
	}
	if err := s.AddReviewAction(ctx, id, "rev@acme", "approve", ""); err != nil {
		t.Fatal(err)
	}

	actions, err := s.ReviewActions(ctx, id)
	if err != nil {
		t.Fatalf("review actions: %v", err)
	}
	if len(actions) != 2 || actions[0].Action != "reject" || actions[1].Action != "approve" {
		t.Errorf("actions = %+v", actions)
	}
}
