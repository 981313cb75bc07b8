// Copyright 2025 James Ross

// Package memstore implements internal/store.Storage over a
// mutex-protected in-memory map (spec §6: "an in-memory store backed
// by a mutex-protected map, useful for tests and small deployments").
// A single mutex stands in for the relational store's row-level
// locking: every mutating method holds it for its whole duration, so
// the linearizability guarantees in spec §4.2 hold trivially.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/batchforge/batchforge/internal/batch"
	"github.com/batchforge/batchforge/internal/files"
	"github.com/batchforge/batchforge/internal/lifecycle"
	"github.com/batchforge/batchforge/internal/store"
)

type row struct {
	any lifecycle.AnyRequest
}

// Store is the in-memory reference Storage implementation.
type Store struct {
	mu        sync.Mutex
	rows      map[string]*row
	createdAt map[string]time.Time // preserved across transitions for FIFO claim ordering
	batches   map[string]batch.Batch
	filesMeta map[string]files.File
	fileBlobs map[string][]byte
	templates map[string][]files.RequestTemplate
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		rows:      make(map[string]*row),
		createdAt: make(map[string]time.Time),
		batches:   make(map[string]batch.Batch),
		filesMeta: make(map[string]files.File),
		fileBlobs: make(map[string][]byte),
		templates: make(map[string][]files.RequestTemplate),
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) Submit(ctx context.Context, p lifecycle.Pending) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[p.ID]; exists {
		return store.ErrSubmitDuplicate
	}
	s.rows[p.ID] = &row{any: lifecycle.AsPending(p)}
	s.createdAt[p.ID] = p.CreatedAt
	return nil
}

func (s *Store) ClaimRequests(ctx context.Context, limit int, daemonID string) ([]lifecycle.Claimed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var candidates []string
	for id, r := range s.rows {
		if r.any.State != lifecycle.StatePending {
			continue
		}
		p := r.any.Pending
		if p.NotBefore != nil && p.NotBefore.After(now) {
			continue
		}
		candidates = append(candidates, id)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return s.createdAt[candidates[i]].Before(s.createdAt[candidates[j]])
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	claimed := make([]lifecycle.Claimed, 0, len(candidates))
	for _, id := range candidates {
		p := s.rows[id].any.Pending
		c := lifecycle.Claimed{
			Common:       p.Common,
			RetryAttempt: p.RetryAttempt,
			DaemonID:     daemonID,
			ClaimedAt:    now,
		}
		s.rows[id].any = lifecycle.AsClaimed(c)
		claimed = append(claimed, c)
	}
	return claimed, nil
}

func (s *Store) Persist(ctx context.Context, next lifecycle.AnyRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := next.Common().ID
	r, ok := s.rows[id]
	if !ok {
		return store.ErrNotFound
	}
	if err := lifecycle.ValidateTransition(r.any.State, next.State); err != nil {
		if r.any.State == next.State {
			return nil // persist(same-state) is a documented no-op, spec §8
		}
		return store.ErrInvalidState
	}
	r.any = next
	return nil
}

func (s *Store) ViewPending(ctx context.Context, limit int, daemonID string) ([]lifecycle.Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []lifecycle.Pending
	for _, r := range s.rows {
		if r.any.State != lifecycle.StatePending {
			continue
		}
		out = append(out, *r.any.Pending)
	}
	sort.Slice(out, func(i, j int) bool {
		return s.createdAt[out[i].ID].Before(s.createdAt[out[j].ID])
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetRequests(ctx context.Context, ids []string) ([]lifecycle.AnyRequest, []error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]lifecycle.AnyRequest, len(ids))
	errs := make([]error, len(ids))
	for i, id := range ids {
		r, ok := s.rows[id]
		if !ok {
			errs[i] = store.ErrNotFound
			continue
		}
		results[i] = r.any
	}
	return results, errs
}

func (s *Store) ListBatchRequests(ctx context.Context, batchID string) ([]lifecycle.AnyRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []lifecycle.AnyRequest
	for _, r := range s.rows {
		if r.any.Common().BatchID == batchID {
			out = append(out, r.any)
		}
	}
	return out, nil
}

func (s *Store) GetBatchStatus(ctx context.Context, batchID string) (batch.Status, error) {
	s.mu.Lock()
	b, ok := s.batches[batchID]
	if !ok {
		s.mu.Unlock()
		return batch.Status{}, store.ErrNotFound
	}
	var counts batch.Counts
	var inProgressAt *time.Time
	for _, r := range s.rows {
		if r.any.Common().BatchID != batchID {
			continue
		}
		counts.Total++
		switch r.any.State {
		case lifecycle.StatePending:
			counts.Pending++
		case lifecycle.StateClaimed:
			counts.Claimed++
			track(&inProgressAt, r.any.Claimed.ClaimedAt)
		case lifecycle.StateProcessing:
			counts.Processing++
			track(&inProgressAt, r.any.Processing.ClaimedAt)
		case lifecycle.StateCompleted:
			counts.Completed++
			track(&inProgressAt, r.any.Completed.ClaimedAt)
		case lifecycle.StateFailed:
			counts.Failed++
		case lifecycle.StateCanceled:
			counts.Canceled++
		}
	}
	s.mu.Unlock()

	status := batch.Status{Counts: counts, CreatedAt: b.CreatedAt, ExpiresAt: b.ExpiresAt, InProgressAt: inProgressAt}
	if status.Terminal() {
		now := time.Now()
		status.FinalizedAt = &now
	}
	return status, nil
}

func track(dst **time.Time, t time.Time) {
	if *dst == nil || t.Before(**dst) {
		tc := t
		*dst = &tc
	}
}

func (s *Store) ReclaimStuck(ctx context.Context, claimTimeout, processingTimeout time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	moved := 0
	for _, r := range s.rows {
		switch r.any.State {
		case lifecycle.StateClaimed:
			c := r.any.Claimed
			if now.Sub(c.ClaimedAt) > claimTimeout {
				notBefore := now
				r.any = lifecycle.AsPending(lifecycle.Pending{
					Common:       c.Common,
					RetryAttempt: c.RetryAttempt,
					NotBefore:    &notBefore,
				})
				moved++
			}
		case lifecycle.StateProcessing:
			p := r.any.Processing
			if now.Sub(p.StartedAt) > processingTimeout {
				notBefore := now
				r.any = lifecycle.AsPending(lifecycle.Pending{
					Common:       p.Common,
					RetryAttempt: p.RetryAttempt,
					NotBefore:    &notBefore,
				})
				moved++
			}
		}
	}
	return moved, nil
}

func (s *Store) PendingCountByModel(ctx context.Context) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[string]int)
	for _, r := range s.rows {
		if r.any.State != lifecycle.StatePending {
			continue
		}
		counts[r.any.Common().Model]++
	}
	return counts, nil
}

func (s *Store) PutBatch(ctx context.Context, b batch.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[b.ID] = b
	return nil
}

func (s *Store) GetBatch(ctx context.Context, id string) (batch.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return batch.Batch{}, store.ErrNotFound
	}
	return b, nil
}

func (s *Store) PutFile(ctx context.Context, f files.File, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filesMeta[f.ID] = f
	s.fileBlobs[f.ID] = content
	return nil
}

func (s *Store) GetFile(ctx context.Context, id string) (files.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.filesMeta[id]
	if !ok {
		return files.File{}, store.ErrNotFound
	}
	return f, nil
}

func (s *Store) ReadContent(ctx context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.filesMeta[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if f.Status != files.FileActive {
		return nil, files.ErrContentUnavailable
	}
	blob, ok := s.fileBlobs[id]
	if !ok {
		return nil, files.ErrContentUnavailable
	}
	return blob, nil
}

func (s *Store) SoftDeleteFile(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.filesMeta[id]
	if !ok {
		return store.ErrNotFound
	}
	f.Status = files.FileDeleted
	s.filesMeta[id] = f
	delete(s.fileBlobs, id)
	return nil
}

func (s *Store) PutTemplates(ctx context.Context, templates []files.RequestTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, tpl := range templates {
		s.templates[tpl.FileID] = append(s.templates[tpl.FileID], tpl)
	}
	return nil
}

func (s *Store) ListTemplates(ctx context.Context, fileID string) ([]files.RequestTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]files.RequestTemplate(nil), s.templates[fileID]...), nil
}

func (s *Store) GetTemplate(ctx context.Context, id string) (files.RequestTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, list := range s.templates {
		for _, tpl := range list {
			if tpl.ID == id {
				return tpl, nil
			}
		}
	}
	return files.RequestTemplate{}, store.ErrNotFound
}

var _ store.Storage = (*Store)(nil)
