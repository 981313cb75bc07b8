// Copyright 2025 James Ross

// Package query implements the caller-facing query surface (spec C7):
// submit_requests, cancel_requests, get_status, stream_status, and
// the batch-oriented convenience operations layered on top of them.
// Grounded on the teacher's producer (id generation, rate-limited
// submission) and internal/admin (read-side convenience wrappers over
// a storage contract), adapted from filesystem scanning to validated
// HTTP request payloads.
package query

import (
	"context"
	"fmt"
	"time"

	"github.com/batchforge/batchforge/internal/batch"
	"github.com/batchforge/batchforge/internal/files"
	"github.com/batchforge/batchforge/internal/lifecycle"
	"github.com/batchforge/batchforge/internal/obs"
	"github.com/batchforge/batchforge/internal/store"
	"github.com/batchforge/batchforge/internal/stream"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// SubmitItem is one caller-supplied request (spec §4.7, §6's
// "submit request" row): the HTTP tuple plus routing metadata.
type SubmitItem struct {
	Method   string `validate:"required,oneof=GET HEAD POST PUT PATCH DELETE"`
	Path     string `validate:"required"`
	Body     string
	Model    string `validate:"required"`
	APIKey   string
	CustomID string
	BatchID  string `validate:"omitempty"`
}

// SubmitResult is the per-entry outcome of SubmitRequests: exactly
// one of ID or Err is set.
type SubmitResult struct {
	ID  string
	Err error
}

// CancelResult is the per-entry outcome of CancelRequests.
type CancelResult struct {
	ID  string
	Err error
}

// StatusResult is the per-entry outcome of GetStatus.
type StatusResult struct {
	ID      string
	Request lifecycle.AnyRequest
	Err     error
}

// Engine is the query surface's implementation: a thin, validated
// front door over internal/store and internal/stream. It never talks
// to internal/dispatch directly — dispatch belongs to the daemon.
type Engine struct {
	st       store.Storage
	hub      *stream.Hub
	validate *validator.Validate
}

// New constructs a query Engine.
func New(st store.Storage, hub *stream.Hub) *Engine {
	return &Engine{st: st, hub: hub, validate: validator.New()}
}

// SubmitRequests validates and accepts each item independently (spec
// §4.7: "individual failures do not abort the others"). A valid item
// gets a freshly generated id, a stored RequestTemplate, and a Pending
// row.
func (e *Engine) SubmitRequests(ctx context.Context, endpoint string, items []SubmitItem) []SubmitResult {
	out := make([]SubmitResult, len(items))
	now := time.Now()
	for i, item := range items {
		if err := e.validate.Struct(item); err != nil {
			out[i] = SubmitResult{Err: fmt.Errorf("invalid submit item %d: %w", i, err)}
			continue
		}
		id := uuid.NewString()
		tpl := files.RequestTemplate{
			ID:         uuid.NewString(),
			EndpointID: endpoint,
			Method:     item.Method,
			Path:       item.Path,
			Body:       item.Body,
			Model:      item.Model,
			APIKey:     item.APIKey,
			CustomID:   item.CustomID,
			CreatedAt:  now,
		}
		if err := e.st.PutTemplates(ctx, []files.RequestTemplate{tpl}); err != nil {
			out[i] = SubmitResult{Err: fmt.Errorf("store template: %w", err)}
			continue
		}
		p := lifecycle.Pending{
			Common: lifecycle.Common{
				ID:         id,
				TemplateID: tpl.ID,
				BatchID:    item.BatchID,
				Model:      item.Model,
				CreatedAt:  now,
			},
		}
		if err := e.st.Submit(ctx, p); err != nil {
			out[i] = SubmitResult{Err: fmt.Errorf("submit: %w", err)}
			continue
		}
		obs.RequestsSubmitted.Inc()
		e.publish(id, item.BatchID, lifecycle.StatePending)
		out[i] = SubmitResult{ID: id}
	}
	return out
}

// CancelRequests transitions every non-terminal matching id to
// Canceled (spec §4.7, §5's cancellation semantics). not_found and
// already-terminal are per-entry errors, not fatal to the whole call.
func (e *Engine) CancelRequests(ctx context.Context, ids []string) []CancelResult {
	out := make([]CancelResult, len(ids))
	current, errs := e.st.GetRequests(ctx, ids)
	for i, id := range ids {
		if errs[i] != nil {
			out[i] = CancelResult{ID: id, Err: errs[i]}
			continue
		}
		c := current[i]
		if c.State.Terminal() {
			out[i] = CancelResult{ID: id, Err: fmt.Errorf("request %s already terminal (%s)", id, c.State)}
			continue
		}
		canceled := lifecycle.Canceled{Common: c.Common(), CanceledAt: time.Now()}
		if err := e.st.Persist(ctx, lifecycle.AsCanceled(canceled)); err != nil {
			out[i] = CancelResult{ID: id, Err: err}
			continue
		}
		obs.RequestsCanceled.Inc()
		e.publish(id, canceled.BatchID, lifecycle.StateCanceled)
		out[i] = CancelResult{ID: id}
	}
	return out
}

// GetStatus returns the current record for each id (spec §4.7).
func (e *Engine) GetStatus(ctx context.Context, ids []string) []StatusResult {
	out := make([]StatusResult, len(ids))
	results, errs := e.st.GetRequests(ctx, ids)
	for i, id := range ids {
		out[i] = StatusResult{ID: id, Request: results[i], Err: errs[i]}
	}
	return out
}

// StreamEvent is one element of a StreamStatus subscription: either a
// lifecycle transition or a lagged-subscriber notice (spec §4.6).
type StreamEvent struct {
	Request lifecycle.AnyRequest
	Lagged  bool
	Err     error
}

// StreamStatus subscribes to the broadcast hub and returns a channel
// of StreamEvent filtered to ids, plus an unsubscribe func. A nil or
// empty ids slice means "every id" (spec §4.7's Option<Vec<Id>>).
// Filtering happens here, in the subscriber wrapper, not in the Hub
// (spec §4.6).
func (e *Engine) StreamStatus(ctx context.Context, ids []string) (<-chan StreamEvent, func()) {
	filter := make(map[string]bool, len(ids))
	for _, id := range ids {
		filter[id] = true
	}

	raw, unsubscribe := e.hub.Subscribe()
	out := make(chan StreamEvent, 16)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-raw:
				if !ok {
					out <- StreamEvent{Lagged: true, Err: fmt.Errorf("subscriber lagged: dropped from broadcast")}
					return
				}
				if len(filter) > 0 && !filter[ev.RequestID] {
					continue
				}
				results, errs := e.st.GetRequests(ctx, []string{ev.RequestID})
				if errs[0] != nil {
					select {
					case out <- StreamEvent{Err: errs[0]}:
					case <-ctx.Done():
						return
					}
					continue
				}
				select {
				case out <- StreamEvent{Request: results[0]}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, unsubscribe
}

// CreateBatch materializes a Batch plus one Pending request per
// RequestTemplate already stored for fileID (spec §4.7's
// "create_batch(file_id) → batch_id").
func (e *Engine) CreateBatch(ctx context.Context, fileID, endpoint, completionWindow, creatorID string) (string, error) {
	templates, err := e.st.ListTemplates(ctx, fileID)
	if err != nil {
		return "", fmt.Errorf("list templates: %w", err)
	}
	if len(templates) == 0 {
		return "", fmt.Errorf("file %s has no parsed request templates", fileID)
	}

	now := time.Now()
	b, err := batch.NewBatch(uuid.NewString(), fileID, endpoint, completionWindow, now, creatorID)
	if err != nil {
		return "", err
	}
	if err := e.st.PutBatch(ctx, b); err != nil {
		return "", fmt.Errorf("put batch: %w", err)
	}

	for _, tpl := range templates {
		id := uuid.NewString()
		p := lifecycle.Pending{
			Common: lifecycle.Common{ID: id, TemplateID: tpl.ID, BatchID: b.ID, Model: tpl.Model, CreatedAt: now},
		}
		if err := e.st.Submit(ctx, p); err != nil {
			return "", fmt.Errorf("submit batch member %s: %w", tpl.ID, err)
		}
		obs.RequestsSubmitted.Inc()
		e.publish(id, b.ID, lifecycle.StatePending)
	}
	return b.ID, nil
}

// UploadFile stores content as a new File (spec §6's "upload file":
// bytes, filename, purpose, optional expires-seconds → file id) and
// parses it into RequestTemplates, the prerequisite CreateBatch
// requires (spec §6's "create batch" operates on an already-uploaded
// file id).
func (e *Engine) UploadFile(ctx context.Context, filename string, purpose files.Purpose, content []byte, expiresSeconds *int64, uploaderID string) (string, error) {
	now := time.Now()
	id := uuid.NewString()

	var expiresAt *time.Time
	if expiresSeconds != nil {
		t := now.Add(time.Duration(*expiresSeconds) * time.Second)
		expiresAt = &t
	}

	f := files.File{
		ID:          id,
		Filename:    filename,
		ContentType: "application/jsonl",
		SizeBytes:   int64(len(content)),
		StorageKey:  id,
		Purpose:     purpose,
		Status:      files.FileActive,
		ExpiresAt:   expiresAt,
		UploaderID:  uploaderID,
		CreatedAt:   now,
	}
	if err := e.st.PutFile(ctx, f, content); err != nil {
		return "", fmt.Errorf("put file: %w", err)
	}

	templates, err := files.ParseJSONLTemplates(id, content, now, uuid.NewString)
	if err != nil {
		return "", fmt.Errorf("parse templates: %w", err)
	}
	if err := e.st.PutTemplates(ctx, templates); err != nil {
		return "", fmt.Errorf("store templates: %w", err)
	}
	return id, nil
}

// GetFileContent returns a previously uploaded file's raw bytes (spec
// §6's "get file content": id → bytes). Returns files.ErrContentUnavailable
// if the metadata survives but the blob has been soft-deleted or expired.
func (e *Engine) GetFileContent(ctx context.Context, fileID string) ([]byte, error) {
	return e.st.ReadContent(ctx, fileID)
}

// GetBatchStatus returns the derived count tuple for batchID.
func (e *Engine) GetBatchStatus(ctx context.Context, batchID string) (batch.Status, error) {
	return e.st.GetBatchStatus(ctx, batchID)
}

// ListBatchRequests returns every request belonging to batchID.
func (e *Engine) ListBatchRequests(ctx context.Context, batchID string) ([]lifecycle.AnyRequest, error) {
	return e.st.ListBatchRequests(ctx, batchID)
}

func (e *Engine) publish(requestID, batchID string, state lifecycle.State) {
	if e.hub != nil {
		e.hub.Publish(stream.Event{RequestID: requestID, BatchID: batchID, State: state})
	}
}
