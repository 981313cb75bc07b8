// Copyright 2025 James Ross
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/batchforge/batchforge/internal/files"
)

// CannedResponse is one entry in a Mock's response queue for a given
// "{METHOD} {path}" key. Either Result or Err is set, never both.
type CannedResponse struct {
	Result Result
	Err    error

	// Hold, if non-nil, is closed by the test before Send returns, so
	// a test can assert on "exactly C in flight" before releasing a
	// held response (spec §4.3's per-response trigger primitive).
	Hold <-chan struct{}
}

// Mock is the deterministic test double spec §4.3 requires: a queue
// of canned responses keyed by "{METHOD} {path}", an in-flight
// counter, and per-response trigger primitives.
type Mock struct {
	mu        sync.Mutex
	queues    map[string][]CannedResponse
	callCount map[string]int
	inFlight  int64
}

func NewMock() *Mock {
	return &Mock{
		queues:    make(map[string][]CannedResponse),
		callCount: make(map[string]int),
	}
}

func key(method, path string) string { return method + " " + path }

// Enqueue appends a canned response to the queue for method+path.
// Responses for one key are served in FIFO order, one per Send call.
func (m *Mock) Enqueue(method, path string, resp CannedResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(method, path)
	m.queues[k] = append(m.queues[k], resp)
}

// InFlight returns the number of Send calls currently suspended
// (either genuinely running or parked on a Hold channel).
func (m *Mock) InFlight() int64 {
	return atomic.LoadInt64(&m.inFlight)
}

// CallCount returns how many times Send has been called for method+path.
func (m *Mock) CallCount(method, path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount[key(method, path)]
}

func (m *Mock) Send(ctx context.Context, tpl files.RequestTemplate, timeoutMs int64) (Result, error) {
	atomic.AddInt64(&m.inFlight, 1)
	defer atomic.AddInt64(&m.inFlight, -1)

	k := key(tpl.Method, tpl.Path)
	m.mu.Lock()
	q := m.queues[k]
	if len(q) == 0 {
		m.mu.Unlock()
		return Result{}, fmt.Errorf("mock dispatch: no canned response queued for %q", k)
	}
	resp := q[0]
	m.queues[k] = q[1:]
	m.callCount[k]++
	m.mu.Unlock()

	if resp.Hold != nil {
		select {
		case <-resp.Hold:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}

	if resp.Err != nil {
		return Result{}, resp.Err
	}
	return resp.Result, nil
}

var _ Dispatcher = (*Mock)(nil)
