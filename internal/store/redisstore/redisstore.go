// Copyright 2025 James Ross

// Package redisstore implements internal/store.Storage over Redis
// (domain-stack wiring: go-redis/v9, grounded on the teacher's
// internal/redisclient). Requests live as JSON string values keyed by
// id; a single sorted set of pending ids, scored by not_before (or
// created_at when not_before is unset), gives FIFO claim order.
// Claim atomicity comes from a single Lua script (EVALSHA) that pops
// the oldest eligible pending ids and moves them to claimed in one
// round trip — the in-process analogue of SELECT ... FOR UPDATE SKIP
// LOCKED, since Redis commands are already serialized per instance.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/batchforge/batchforge/internal/batch"
	"github.com/batchforge/batchforge/internal/files"
	"github.com/batchforge/batchforge/internal/lifecycle"
	"github.com/batchforge/batchforge/internal/store"
	"github.com/redis/go-redis/v9"
)

const (
	keyRequestPrefix = "batchforge:request:"
	keyPendingZSet   = "batchforge:pending"
	keyBatchPrefix   = "batchforge:batch:"
	keyFilePrefix    = "batchforge:file:"
	keyFileContent   = "batchforge:file:content:"
	keyTemplatesList = "batchforge:templates:"
	keyTemplateByID  = "batchforge:template:"
)

// claimScript pops up to ARGV[1] ids off the pending zset whose score
// (not_before, or created_at when not_before is null) is <= ARGV[2],
// skipping none (a single Redis instance processes commands
// serially, so there is nothing to SKIP LOCKED against), and marks
// them claimed by ARGV[3].
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', 0, ARGV[1])
for i, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
end
return ids
`)

type Store struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) Close() error { return s.rdb.Close() }

type requestRecord struct {
	State          lifecycle.State `json:"state"`
	ID             string          `json:"id"`
	TemplateID     string          `json:"template_id"`
	BatchID        string          `json:"batch_id"`
	Model          string          `json:"model"`
	RoutedModel    string          `json:"routed_model"`
	CreatedAt      time.Time       `json:"created_at"`
	RetryAttempt   int             `json:"retry_attempt"`
	NotBefore      *time.Time      `json:"not_before,omitempty"`
	DaemonID       string          `json:"daemon_id,omitempty"`
	ClaimedAt      time.Time       `json:"claimed_at,omitempty"`
	StartedAt      time.Time       `json:"started_at,omitempty"`
	CompletedAt    time.Time       `json:"completed_at,omitempty"`
	ResponseStatus uint16          `json:"response_status,omitempty"`
	ResponseBody   string          `json:"response_body,omitempty"`
	Error          string          `json:"error,omitempty"`
	FailedAt       time.Time       `json:"failed_at,omitempty"`
	CanceledAt     time.Time       `json:"canceled_at,omitempty"`
}

func toRecord(r lifecycle.AnyRequest) requestRecord {
	c := r.Common()
	rec := requestRecord{
		State: r.State, ID: c.ID, TemplateID: c.TemplateID, BatchID: c.BatchID,
		Model: c.Model, RoutedModel: c.RoutedModel, CreatedAt: c.CreatedAt,
	}
	switch r.State {
	case lifecycle.StatePending:
		rec.RetryAttempt = r.Pending.RetryAttempt
		rec.NotBefore = r.Pending.NotBefore
	case lifecycle.StateClaimed:
		rec.RetryAttempt = r.Claimed.RetryAttempt
		rec.DaemonID = r.Claimed.DaemonID
		rec.ClaimedAt = r.Claimed.ClaimedAt
	case lifecycle.StateProcessing:
		rec.RetryAttempt = r.Processing.RetryAttempt
		rec.DaemonID = r.Processing.DaemonID
		rec.ClaimedAt = r.Processing.ClaimedAt
		rec.StartedAt = r.Processing.StartedAt
	case lifecycle.StateCompleted:
		rec.ClaimedAt = r.Completed.ClaimedAt
		rec.StartedAt = r.Completed.StartedAt
		rec.CompletedAt = r.Completed.CompletedAt
		rec.ResponseStatus = r.Completed.ResponseStatus
		rec.ResponseBody = r.Completed.ResponseBody
	case lifecycle.StateFailed:
		rec.RetryAttempt = r.Failed.RetryAttempt
		rec.Error = r.Failed.Error
		rec.FailedAt = r.Failed.FailedAt
	case lifecycle.StateCanceled:
		rec.CanceledAt = r.Canceled.CanceledAt
	}
	return rec
}

func (rec requestRecord) toAny() lifecycle.AnyRequest {
	common := lifecycle.Common{
		ID: rec.ID, TemplateID: rec.TemplateID, BatchID: rec.BatchID,
		Model: rec.Model, RoutedModel: rec.RoutedModel, CreatedAt: rec.CreatedAt,
	}
	switch rec.State {
	case lifecycle.StatePending:
		return lifecycle.AsPending(lifecycle.Pending{Common: common, RetryAttempt: rec.RetryAttempt, NotBefore: rec.NotBefore})
	case lifecycle.StateClaimed:
		return lifecycle.AsClaimed(lifecycle.Claimed{Common: common, RetryAttempt: rec.RetryAttempt, DaemonID: rec.DaemonID, ClaimedAt: rec.ClaimedAt})
	case lifecycle.StateProcessing:
		return lifecycle.AsProcessing(lifecycle.Processing{Common: common, RetryAttempt: rec.RetryAttempt, DaemonID: rec.DaemonID, ClaimedAt: rec.ClaimedAt, StartedAt: rec.StartedAt})
	case lifecycle.StateCompleted:
		return lifecycle.AsCompleted(lifecycle.Completed{Common: common, ClaimedAt: rec.ClaimedAt, StartedAt: rec.StartedAt, CompletedAt: rec.CompletedAt, ResponseStatus: rec.ResponseStatus, ResponseBody: rec.ResponseBody})
	case lifecycle.StateFailed:
		return lifecycle.AsFailed(lifecycle.Failed{Common: common, RetryAttempt: rec.RetryAttempt, Error: rec.Error, FailedAt: rec.FailedAt})
	case lifecycle.StateCanceled:
		return lifecycle.AsCanceled(lifecycle.Canceled{Common: common, CanceledAt: rec.CanceledAt})
	default:
		return lifecycle.AnyRequest{}
	}
}

func (s *Store) requestKey(id string) string { return keyRequestPrefix + id }

func (s *Store) Submit(ctx context.Context, p lifecycle.Pending) error {
	key := s.requestKey(p.ID)
	ok, err := s.rdb.SetNX(ctx, key, "", 0).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	if !ok {
		return store.ErrSubmitDuplicate
	}
	rec := toRecord(lifecycle.AsPending(p))
	blob, _ := json.Marshal(rec)
	score := float64(p.CreatedAt.UnixNano())
	if p.NotBefore != nil {
		score = float64(p.NotBefore.UnixNano())
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, key, blob, 0)
	pipe.ZAdd(ctx, keyPendingZSet, redis.Z{Score: score, Member: p.ID})
	if p.BatchID != "" {
		pipe.SAdd(ctx, keyBatchPrefix+p.BatchID+":requests", p.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	return nil
}

func (s *Store) ClaimRequests(ctx context.Context, limit int, daemonID string) ([]lifecycle.Claimed, error) {
	now := time.Now()
	ids, err := claimScript.Run(ctx, s.rdb, []string{keyPendingZSet}, limit, now.UnixNano()).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	claimed := make([]lifecycle.Claimed, 0, len(ids))
	for _, id := range ids {
		rec, err := s.getRecord(ctx, id)
		if err != nil {
			continue
		}
		c := lifecycle.Claimed{
			Common:       lifecycle.Common{ID: rec.ID, TemplateID: rec.TemplateID, BatchID: rec.BatchID, Model: rec.Model, CreatedAt: rec.CreatedAt},
			RetryAttempt: rec.RetryAttempt,
			DaemonID:     daemonID,
			ClaimedAt:    now,
		}
		if err := s.writeRecord(ctx, toRecord(lifecycle.AsClaimed(c))); err != nil {
			continue
		}
		s.rdb.SAdd(ctx, "batchforge:inflight", id)
		claimed = append(claimed, c)
	}
	return claimed, nil
}

func (s *Store) getRecord(ctx context.Context, id string) (requestRecord, error) {
	blob, err := s.rdb.Get(ctx, s.requestKey(id)).Bytes()
	if err == redis.Nil {
		return requestRecord{}, store.ErrNotFound
	}
	if err != nil {
		return requestRecord{}, fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	var rec requestRecord
	if err := json.Unmarshal(blob, &rec); err != nil {
		return requestRecord{}, fmt.Errorf("%w: %v", store.ErrStorageFatal, err)
	}
	return rec, nil
}

func (s *Store) writeRecord(ctx context.Context, rec requestRecord) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageFatal, err)
	}
	if err := s.rdb.Set(ctx, s.requestKey(rec.ID), blob, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	return nil
}

func (s *Store) Persist(ctx context.Context, next lifecycle.AnyRequest) error {
	id := next.Common().ID
	current, err := s.getRecord(ctx, id)
	if err != nil {
		return err
	}
	if err := lifecycle.ValidateTransition(current.State, next.State); err != nil {
		if current.State == next.State {
			return nil
		}
		return store.ErrInvalidState
	}
	rec := toRecord(next)
	switch next.State {
	case lifecycle.StatePending:
		score := float64(next.Pending.CreatedAt.UnixNano())
		if next.Pending.NotBefore != nil {
			score = float64(next.Pending.NotBefore.UnixNano())
		}
		if err := s.rdb.ZAdd(ctx, keyPendingZSet, redis.Z{Score: score, Member: id}).Err(); err != nil {
			return fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
		}
		s.rdb.SRem(ctx, "batchforge:inflight", id)
	case lifecycle.StateProcessing:
		s.rdb.SAdd(ctx, "batchforge:inflight", id)
	case lifecycle.StateCompleted, lifecycle.StateFailed, lifecycle.StateCanceled:
		s.rdb.SRem(ctx, "batchforge:inflight", id)
	}
	return s.writeRecord(ctx, rec)
}

func (s *Store) ViewPending(ctx context.Context, limit int, daemonID string) ([]lifecycle.Pending, error) {
	ids, err := s.rdb.ZRange(ctx, keyPendingZSet, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	var out []lifecycle.Pending
	for _, id := range ids {
		rec, err := s.getRecord(ctx, id)
		if err != nil || rec.State != lifecycle.StatePending {
			continue
		}
		out = append(out, *rec.toAny().Pending)
	}
	return out, nil
}

func (s *Store) GetRequests(ctx context.Context, ids []string) ([]lifecycle.AnyRequest, []error) {
	results := make([]lifecycle.AnyRequest, len(ids))
	errs := make([]error, len(ids))
	for i, id := range ids {
		rec, err := s.getRecord(ctx, id)
		if err != nil {
			errs[i] = err
			continue
		}
		results[i] = rec.toAny()
	}
	return results, errs
}

func (s *Store) ListBatchRequests(ctx context.Context, batchID string) ([]lifecycle.AnyRequest, error) {
	members, err := s.rdb.SMembers(ctx, keyBatchPrefix+batchID+":requests").Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	var out []lifecycle.AnyRequest
	for _, id := range members {
		rec, err := s.getRecord(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, rec.toAny())
	}
	return out, nil
}

func (s *Store) GetBatchStatus(ctx context.Context, batchID string) (batch.Status, error) {
	b, err := s.GetBatch(ctx, batchID)
	if err != nil {
		return batch.Status{}, err
	}
	reqs, err := s.ListBatchRequests(ctx, batchID)
	if err != nil {
		return batch.Status{}, err
	}
	var counts batch.Counts
	var inProgressAt *time.Time
	track := func(t time.Time) {
		if inProgressAt == nil || t.Before(*inProgressAt) {
			tc := t
			inProgressAt = &tc
		}
	}
	for _, r := range reqs {
		counts.Total++
		switch r.State {
		case lifecycle.StatePending:
			counts.Pending++
		case lifecycle.StateClaimed:
			counts.Claimed++
			track(r.Claimed.ClaimedAt)
		case lifecycle.StateProcessing:
			counts.Processing++
			track(r.Processing.ClaimedAt)
		case lifecycle.StateCompleted:
			counts.Completed++
			track(r.Completed.ClaimedAt)
		case lifecycle.StateFailed:
			counts.Failed++
		case lifecycle.StateCanceled:
			counts.Canceled++
		}
	}
	status := batch.Status{Counts: counts, CreatedAt: b.CreatedAt, ExpiresAt: b.ExpiresAt, InProgressAt: inProgressAt}
	if status.Terminal() {
		now := time.Now()
		status.FinalizedAt = &now
	}
	return status, nil
}

func (s *Store) ReclaimStuck(ctx context.Context, claimTimeout, processingTimeout time.Duration) (int, error) {
	// Redis has no secondary index over claimed_at/started_at; this
	// store's ClaimRequests and Persist keep a side-set of in-flight
	// ids (batchforge:inflight), scanned here and compared against
	// each record's own timestamp.
	ids, err := s.rdb.SMembers(ctx, "batchforge:inflight").Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	now := time.Now()
	moved := 0
	for _, id := range ids {
		rec, err := s.getRecord(ctx, id)
		if err != nil {
			continue
		}
		var stuck bool
		switch rec.State {
		case lifecycle.StateClaimed:
			stuck = now.Sub(rec.ClaimedAt) > claimTimeout
		case lifecycle.StateProcessing:
			stuck = now.Sub(rec.StartedAt) > processingTimeout
		}
		if !stuck {
			continue
		}
		notBefore := now
		p := lifecycle.Pending{
			Common:       lifecycle.Common{ID: rec.ID, TemplateID: rec.TemplateID, BatchID: rec.BatchID, Model: rec.Model, CreatedAt: rec.CreatedAt},
			RetryAttempt: rec.RetryAttempt,
			NotBefore:    &notBefore,
		}
		if err := s.Persist(ctx, lifecycle.AsPending(p)); err != nil {
			continue
		}
		s.rdb.SRem(ctx, "batchforge:inflight", id)
		moved++
	}
	return moved, nil
}

func (s *Store) PendingCountByModel(ctx context.Context) (map[string]int, error) {
	ids, err := s.rdb.ZRange(ctx, keyPendingZSet, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	counts := make(map[string]int)
	for _, id := range ids {
		rec, err := s.getRecord(ctx, id)
		if err != nil {
			continue
		}
		counts[rec.Model]++
	}
	return counts, nil
}

func (s *Store) PutBatch(ctx context.Context, b batch.Batch) error {
	blob, _ := json.Marshal(b)
	return s.rdb.Set(ctx, keyBatchPrefix+b.ID, blob, 0).Err()
}

func (s *Store) GetBatch(ctx context.Context, id string) (batch.Batch, error) {
	blob, err := s.rdb.Get(ctx, keyBatchPrefix+id).Bytes()
	if err == redis.Nil {
		return batch.Batch{}, store.ErrNotFound
	}
	if err != nil {
		return batch.Batch{}, fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	var b batch.Batch
	if err := json.Unmarshal(blob, &b); err != nil {
		return batch.Batch{}, fmt.Errorf("%w: %v", store.ErrStorageFatal, err)
	}
	return b, nil
}

func (s *Store) PutFile(ctx context.Context, f files.File, content []byte) error {
	blob, _ := json.Marshal(f)
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keyFilePrefix+f.ID, blob, 0)
	pipe.Set(ctx, keyFileContent+f.ID, content, 0)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	return nil
}

func (s *Store) GetFile(ctx context.Context, id string) (files.File, error) {
	blob, err := s.rdb.Get(ctx, keyFilePrefix+id).Bytes()
	if err == redis.Nil {
		return files.File{}, store.ErrNotFound
	}
	if err != nil {
		return files.File{}, fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	var f files.File
	if err := json.Unmarshal(blob, &f); err != nil {
		return files.File{}, fmt.Errorf("%w: %v", store.ErrStorageFatal, err)
	}
	return f, nil
}

func (s *Store) ReadContent(ctx context.Context, id string) ([]byte, error) {
	f, err := s.GetFile(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.Status != files.FileActive {
		return nil, files.ErrContentUnavailable
	}
	content, err := s.rdb.Get(ctx, keyFileContent+id).Bytes()
	if err == redis.Nil {
		return nil, files.ErrContentUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	return content, nil
}

func (s *Store) SoftDeleteFile(ctx context.Context, id string) error {
	f, err := s.GetFile(ctx, id)
	if err != nil {
		return err
	}
	f.Status = files.FileDeleted
	blob, _ := json.Marshal(f)
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keyFilePrefix+id, blob, 0)
	pipe.Del(ctx, keyFileContent+id)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	return nil
}

func (s *Store) PutTemplates(ctx context.Context, templates []files.RequestTemplate) error {
	pipe := s.rdb.TxPipeline()
	for _, tpl := range templates {
		blob, _ := json.Marshal(tpl)
		pipe.RPush(ctx, keyTemplatesList+tpl.FileID, blob)
		pipe.Set(ctx, keyTemplateByID+tpl.ID, blob, 0)
	}
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	return nil
}

func (s *Store) GetTemplate(ctx context.Context, id string) (files.RequestTemplate, error) {
	blob, err := s.rdb.Get(ctx, keyTemplateByID+id).Bytes()
	if err == redis.Nil {
		return files.RequestTemplate{}, store.ErrNotFound
	}
	if err != nil {
		return files.RequestTemplate{}, fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	var tpl files.RequestTemplate
	if err := json.Unmarshal(blob, &tpl); err != nil {
		return files.RequestTemplate{}, fmt.Errorf("%w: %v", store.ErrStorageFatal, err)
	}
	return tpl, nil
}

func (s *Store) ListTemplates(ctx context.Context, fileID string) ([]files.RequestTemplate, error) {
	blobs, err := s.rdb.LRange(ctx, keyTemplatesList+fileID, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrStorageTransient, err)
	}
	out := make([]files.RequestTemplate, 0, len(blobs))
	for _, blob := range blobs {
		var tpl files.RequestTemplate
		if err := json.Unmarshal([]byte(blob), &tpl); err != nil {
			continue
		}
		out = append(out, tpl)
	}
	return out, nil
}

var _ store.Storage = (*Store)(nil)
