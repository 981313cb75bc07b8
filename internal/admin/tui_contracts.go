// Copyright 2025 James Ross
package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/batchforge/batchforge/internal/lifecycle"
	"github.com/batchforge/batchforge/internal/query"
	"github.com/batchforge/batchforge/internal/store"
)

// RequestEvent is one lifecycle transition observed for a single
// request, the batchctl analogue of the teacher's JobEvent used by
// its time-travel debugger — here derived from the live status
// stream rather than a stored event log, since no transition history
// is retained once a row moves on.
type RequestEvent struct {
	At    time.Time
	State lifecycle.State
}

// WatchRequest streams lifecycle transitions for a single request id
// until ctx is canceled or the request reaches a terminal state,
// the batchctl analogue of the teacher's SubscribeJob.
func WatchRequest(ctx context.Context, e *query.Engine, id string) (<-chan RequestEvent, func()) {
	raw, unsubscribe := e.StreamStatus(ctx, []string{id})
	out := make(chan RequestEvent, 8)

	go func() {
		defer close(out)
		for ev := range raw {
			if ev.Err != nil {
				continue
			}
			re := RequestEvent{At: time.Now(), State: ev.Request.State}
			select {
			case out <- re:
			case <-ctx.Done():
				return
			}
			if ev.Request.State.Terminal() {
				return
			}
		}
	}()

	return out, unsubscribe
}

// ResubmitResult is the per-id outcome of Resubmit.
type ResubmitResult struct {
	OldID string
	NewID string
	Err   error
}

// Resubmit re-submits the given terminally-Failed request ids as
// fresh Pending requests, each with a new template copied from the
// old one's method, path, body and API key (custom_id is not carried
// over) and pointed at endpoint, the batchctl
// analogue of the teacher's DLQRequeue: a Failed row that exhausted
// its retries is this domain's dead letter, and "requeuing" it means
// materializing a new request rather than mutating the old one,
// since lifecycle rows never leave their terminal state once reached.
func Resubmit(ctx context.Context, e *query.Engine, st store.Storage, endpoint string, ids []string) []ResubmitResult {
	current := e.GetStatus(ctx, ids)
	out := make([]ResubmitResult, len(ids))
	for i, cur := range current {
		if cur.Err != nil {
			out[i] = ResubmitResult{OldID: ids[i], Err: cur.Err}
			continue
		}
		if cur.Request.State != lifecycle.StateFailed {
			out[i] = ResubmitResult{OldID: ids[i], Err: fmt.Errorf("request %s is not in a failed state (%s)", ids[i], cur.Request.State)}
			continue
		}
		common := cur.Request.Common()
		tpl, err := st.GetTemplate(ctx, common.TemplateID)
		if err != nil {
			out[i] = ResubmitResult{OldID: ids[i], Err: fmt.Errorf("get template: %w", err)}
			continue
		}
		results := e.SubmitRequests(ctx, endpoint, []query.SubmitItem{{
			Method:  tpl.Method,
			Path:    tpl.Path,
			Body:    tpl.Body,
			Model:   common.Model,
			APIKey:  tpl.APIKey,
			BatchID: common.BatchID,
		}})
		out[i] = ResubmitResult{OldID: ids[i], NewID: results[0].ID, Err: results[0].Err}
	}
	return out
}
