// Package lifecycle enforces the document state machine: uploaded →
// confirmed → approved → indexed, with rejection and resubmission loops.
// Every transition validates the document's current state and its conversion
// precondition before touching the store, so handlers never encode ordering
// rules themselves.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/vektis/kbase-go/internal/logging"
	"github.com/vektis/kbase-go/internal/store"
)

// ErrInvalidTransition is returned when the document's current status does
// not permit the requested transition.
var ErrInvalidTransition = errors.New("lifecycle: invalid status transition")

// ErrPrecondition is returned when the status would permit the transition but
// a precondition (conversion readiness, a mandatory reason) is not met.
var ErrPrecondition = errors.New("lifecycle: precondition not met")

// Indexer builds a document's vector representation. Satisfied by the syncer.
type Indexer interface {
	IndexDocument(ctx context.Context, doc *store.Document) error
}

// ConversionQueue schedules a document for (re)conversion. Satisfied by the
// background task runner.
type ConversionQueue interface {
	Enqueue(docID int64)
}

// Controller applies lifecycle transitions.
type Controller struct {
	store   *store.Store
	indexer Indexer
	queue   ConversionQueue
}

// New constructs a Controller.
func New(st *store.Store, indexer Indexer, queue ConversionQueue) *Controller {
	return &Controller{store: st, indexer: indexer, queue: queue}
}

// Confirm moves an uploaded document to confirmed, submitting it for review.
// Conversion must have finished so reviewers see the final content.
func (c *Controller) Confirm(ctx context.Context, docID int64) (*store.Document, error) {
	doc, err := c.store.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	if doc.Status != store.StatusUploaded {
		return nil, transitionErr(doc.Status, "confirm")
	}
	switch doc.ConversionStatus {
	case store.ConversionReady:
	case store.ConversionFailed:
		return nil, fmt.Errorf("%w: conversion failed: %s", ErrPrecondition, doc.ConversionError)
	default:
		return nil, fmt.Errorf("%w: conversion still in progress", ErrPrecondition)
	}

	if err := c.store.MarkConfirmed(ctx, docID); err != nil {
		return nil, err
	}
	return c.store.GetDocument(ctx, docID)
}

// Approve records the reviewer's approval and immediately indexes the
// document. If indexing fails the document stays approved — the error
// surfaces to the reviewer, and an admin reindex completes the job later
// without re-running the review.
//
// Approving an already indexed document is an idempotent reindex.
func (c *Controller) Approve(ctx context.Context, docID int64, reviewer string) (*store.Document, error) {
	doc, err := c.store.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}

	switch doc.Status {
	case store.StatusConfirmed:
		if doc.ConversionStatus != store.ConversionReady {
			return nil, fmt.Errorf("%w: conversion is not ready", ErrPrecondition)
		}
	case store.StatusApproved:
		// Retry of a previously failed indexing step.
	case store.StatusIndexed:
		// Idempotent: rebuild the vectors, keep the status.
		if err := c.indexer.IndexDocument(ctx, doc); err != nil {
			return nil, err
		}
		return doc, nil
	default:
		return nil, transitionErr(doc.Status, "approve")
	}

	if doc.Status == store.StatusConfirmed {
		if err := c.store.MarkApproved(ctx, docID, reviewer); err != nil {
			return nil, err
		}
		if err := c.store.AddReviewAction(ctx, docID, reviewer, "approve", ""); err != nil {
			return nil, err
		}
		doc, err = c.store.GetDocument(ctx, docID)
		if err != nil {
			return nil, err
		}
	}

	if err := c.indexer.IndexDocument(ctx, doc); err != nil {
		// Approved but not indexed. The reviewer sees the failure; status is
		// not reverted so the decision itself stands.
		return nil, err
	}
	if err := c.store.MarkIndexed(ctx, docID); err != nil {
		return nil, err
	}

	logging.FromContext(ctx).Info("document approved and indexed",
		slog.Int64("document_id", docID),
		slog.String("reviewer", reviewer))
	return c.store.GetDocument(ctx, docID)
}

// Reject records the reviewer's rejection. A reason is mandatory — owners
// need to know what to fix before resubmitting.
func (c *Controller) Reject(ctx context.Context, docID int64, reviewer, reason string) (*store.Document, error) {
	if reason == "" {
		return nil, fmt.Errorf("%w: a rejection reason is required", ErrPrecondition)
	}

	doc, err := c.store.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	if doc.Status != store.StatusConfirmed && doc.Status != store.StatusUploaded {
		return nil, transitionErr(doc.Status, "reject")
	}

	if err := c.store.MarkRejected(ctx, docID, reviewer, reason); err != nil {
		return nil, err
	}
	if err := c.store.AddReviewAction(ctx, docID, reviewer, "reject", reason); err != nil {
		return nil, err
	}
	return c.store.GetDocument(ctx, docID)
}

// Resubmit cycles a rejected document back to uploaded and schedules a fresh
// conversion, typically after the owner replaced the content.
func (c *Controller) Resubmit(ctx context.Context, docID int64) (*store.Document, error) {
	doc, err := c.store.GetDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	if doc.Status != store.StatusRejected {
		return nil, transitionErr(doc.Status, "resubmit")
	}

	if err := c.store.MarkResubmitted(ctx, docID); err != nil {
		return nil, err
	}
	c.queue.Enqueue(docID)
	return c.store.GetDocument(ctx, docID)
}

func transitionErr(from store.DocumentStatus, op string) error {
	return fmt.Errorf("%w: cannot %s a document in status %q", ErrInvalidTransition, op, from)
}
