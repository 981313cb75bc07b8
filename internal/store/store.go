// Copyright 2025 James Ross

// Package store defines the storage contract (spec C2, §4.2): the
// operations the request lifecycle engine and daemon scheduler rely
// on, plus the atomicity guarantees each one must provide regardless
// of backend. internal/store/memstore and internal/store/pgstore are
// the two reference implementations the spec calls for; redisstore is
// a third, grounded on the teacher's own Redis client.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/batchforge/batchforge/internal/batch"
	"github.com/batchforge/batchforge/internal/files"
	"github.com/batchforge/batchforge/internal/lifecycle"
)

// Error kinds (spec §7), distinguished by sentinel wrapping rather
// than by concrete type so callers can errors.Is against them
// regardless of backend.
var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidState     = errors.New("invalid state transition")
	ErrStorageTransient = errors.New("transient storage failure")
	ErrStorageFatal     = errors.New("fatal storage failure")
	ErrSubmitDuplicate  = errors.New("request id already submitted")
)

// ClaimResult is one row returned by ClaimRequests, already resolved
// to its effective routed model by the daemon (store only persists
// what the daemon decided; it does not compute escalation itself).
type ClaimResult struct {
	Claimed lifecycle.Claimed
}

// Storage is the contract every backend implements. Every mutating
// method must be linearizable with respect to the row(s) it touches;
// see spec §4.2 and §5 for the per-operation guarantees.
type Storage interface {
	// Submit inserts a request in Pending state. Returns
	// ErrSubmitDuplicate if the id already exists.
	Submit(ctx context.Context, p lifecycle.Pending) error

	// ClaimRequests atomically moves up to limit Pending rows to
	// Claimed, oldest-first by created_at, skipping rows locked by a
	// concurrent claimer, and skipping rows whose not_before is in
	// the future. Two concurrent callers must never see overlapping
	// result sets (spec §8 property 3).
	ClaimRequests(ctx context.Context, limit int, daemonID string) ([]lifecycle.Claimed, error)

	// Persist performs an atomic state transition keyed by id. next's
	// State determines which arm is written. Implementations SHOULD
	// reject illegal predecessor states but callers MUST NOT rely on
	// it — internal/lifecycle is authoritative.
	Persist(ctx context.Context, next lifecycle.AnyRequest) error

	// ViewPending returns a read-only snapshot of Pending requests
	// for observability. The daemonID argument does not filter the
	// result in any backend.
	ViewPending(ctx context.Context, limit int, daemonID string) ([]lifecycle.Pending, error)

	// GetRequests returns the current record for each id, or
	// ErrNotFound in the corresponding slot.
	GetRequests(ctx context.Context, ids []string) ([]lifecycle.AnyRequest, []error)

	// ListBatchRequests returns every request belonging to batchID.
	ListBatchRequests(ctx context.Context, batchID string) ([]lifecycle.AnyRequest, error)

	// GetBatchStatus computes the derived count tuple for batchID.
	GetBatchStatus(ctx context.Context, batchID string) (batch.Status, error)

	// ReclaimStuck atomically moves Claimed rows whose claimed_at, and
	// Processing rows whose started_at, exceed the given thresholds
	// back to Pending with retry_attempt preserved and not_before set
	// to now. Returns the count moved.
	ReclaimStuck(ctx context.Context, claimTimeout, processingTimeout time.Duration) (int, error)

	// PendingCountByModel reports the current Pending backlog per
	// model, used by the observability backlog gauge.
	PendingCountByModel(ctx context.Context) (map[string]int, error)

	// PutBatch persists an immutable Batch record.
	PutBatch(ctx context.Context, b batch.Batch) error
	// GetBatch returns a previously stored Batch.
	GetBatch(ctx context.Context, id string) (batch.Batch, error)

	// PutFile / GetFile / ReadContent / SoftDeleteFile back
	// RequestTemplate's source documents.
	PutFile(ctx context.Context, f files.File, content []byte) error
	GetFile(ctx context.Context, id string) (files.File, error)
	ReadContent(ctx context.Context, id string) ([]byte, error)
	SoftDeleteFile(ctx context.Context, id string) error

	// PutTemplates stores the parsed RequestTemplates for a file.
	PutTemplates(ctx context.Context, templates []files.RequestTemplate) error
	// ListTemplates returns every RequestTemplate belonging to a file.
	ListTemplates(ctx context.Context, fileID string) ([]files.RequestTemplate, error)
	// GetTemplate looks up a single RequestTemplate by id, used by the
	// daemon to resolve a Claimed request's HTTP tuple before dispatch.
	GetTemplate(ctx context.Context, id string) (files.RequestTemplate, error)

	// Close releases backend resources (connection pools, etc).
	Close() error
}
