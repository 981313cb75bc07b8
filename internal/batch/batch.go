// Copyright 2025 James Ross

// Package batch models the Batch entity and its derived status view
// (spec §3.1, §4.5). A Batch is immutable once created; "status" is
// never stored, only computed from the member request counts a
// storage backend reports.
package batch

import (
	"fmt"
	"time"
)

// Batch is a logical grouping of requests sharing a deadline and a
// source file. Immutable once created (spec §3.1 invariant 6).
type Batch struct {
	ID             string
	InputFileID    string
	Endpoint       string
	CompletionWindow string // human string, e.g. "24h", parsed once at creation
	CreatedAt      time.Time
	ExpiresAt      time.Time
	CreatorID      string
}

// ParseCompletionWindow parses a human completion-window string
// ("24h", "30m") into a duration. Invalid windows are rejected at
// create_batch time (spec C.4), not silently defaulted.
func ParseCompletionWindow(window string) (time.Duration, error) {
	d, err := time.ParseDuration(window)
	if err != nil {
		return 0, fmt.Errorf("invalid completion window %q: %w", window, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid completion window %q: must be positive", window)
	}
	return d, nil
}

// NewBatch materializes a Batch's immutable fields, including the
// expires_at derived from createdAt + the parsed window.
func NewBatch(id, inputFileID, endpoint, window string, createdAt time.Time, creatorID string) (Batch, error) {
	d, err := ParseCompletionWindow(window)
	if err != nil {
		return Batch{}, err
	}
	return Batch{
		ID:               id,
		InputFileID:      inputFileID,
		Endpoint:         endpoint,
		CompletionWindow: window,
		CreatedAt:        createdAt,
		ExpiresAt:        createdAt.Add(d),
		CreatorID:        creatorID,
	}, nil
}

// Phase labels a Batch's finalized state (spec §4.5). Informative
// names only; the durable shape is the count tuple below.
type Phase string

const (
	PhaseInProgress        Phase = "in_progress"
	PhaseCompleted         Phase = "completed"
	PhaseCompletedWithErrors Phase = "completed_with_errors"
)

// Counts is the per-state request tally a storage backend computes
// for a batch (spec §4.5's derived view).
type Counts struct {
	Total      int
	Pending    int
	Claimed    int
	Processing int
	Completed  int
	Failed     int
	Canceled   int
}

// Status is the full derived view returned by get_batch_status.
type Status struct {
	Counts
	CreatedAt    time.Time
	ExpiresAt    time.Time
	InProgressAt *time.Time // first non-Pending transition, nil if never observed
	FinalizedAt  *time.Time // set once Terminal() becomes true
}

// Terminal reports whether every member request has reached a
// terminal state (spec §4.5: pending + claimed + processing == 0).
// A batch with no member requests (Total == 0) is not terminal.
func (s Status) Terminal() bool {
	return s.Pending+s.Claimed+s.Processing == 0 && s.Total > 0
}

// Phase derives the informative phase label from the count tuple.
func (s Status) Phase() Phase {
	if !s.Terminal() {
		return PhaseInProgress
	}
	if s.Failed == 0 && s.Canceled == 0 {
		return PhaseCompleted
	}
	return PhaseCompletedWithErrors
}
