// Copyright 2025 James Ross

// Package lifecycle models the request state machine (spec C3): a
// tagged-variant encoding where each state carries exactly the fields
// that state owns, so an illegal transition cannot even be constructed
// in memory. Persistence layers (internal/store) may flatten this into
// nullable columns, but every caller inside this module works with the
// variant type, never the flattened row.
package lifecycle

import "time"

// State identifies which arm of AnyRequest is populated.
type State string

const (
	StatePending    State = "pending"
	StateClaimed    State = "claimed"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCanceled   State = "canceled"
)

// Terminal reports whether no outgoing transition is legal from s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	default:
		return false
	}
}

// Common carries the fields every state arm shares: the identity of
// the request and the immutable HTTP tuple it was submitted with.
type Common struct {
	ID            string
	TemplateID    string
	BatchID       string // empty for ad-hoc (non-batch) submissions
	Model         string
	RoutedModel   string // resolved at claim time (spec §3.1 invariant 7); empty until claimed
	CreatedAt     time.Time
}

type Pending struct {
	Common
	RetryAttempt int
	NotBefore    *time.Time
}

type Claimed struct {
	Common
	RetryAttempt int
	DaemonID     string
	ClaimedAt    time.Time
}

type Processing struct {
	Common
	RetryAttempt int
	DaemonID     string
	ClaimedAt    time.Time
	StartedAt    time.Time
}

type Completed struct {
	Common
	ClaimedAt      time.Time
	StartedAt      time.Time
	CompletedAt    time.Time
	ResponseStatus uint16
	ResponseBody   string
}

type Failed struct {
	Common
	RetryAttempt int
	Error        string
	FailedAt     time.Time
}

type Canceled struct {
	Common
	CanceledAt time.Time
}

// AnyRequest is the tagged sum over every state arm. Exactly one of
// the pointer fields is non-nil, selected by State.
type AnyRequest struct {
	State      State
	Pending    *Pending
	Claimed    *Claimed
	Processing *Processing
	Completed  *Completed
	Failed     *Failed
	Canceled   *Canceled
}

// Common returns the shared fields regardless of which arm is set.
func (r AnyRequest) Common() Common {
	switch r.State {
	case StatePending:
		return r.Pending.Common
	case StateClaimed:
		return r.Claimed.Common
	case StateProcessing:
		return r.Processing.Common
	case StateCompleted:
		return r.Completed.Common
	case StateFailed:
		return r.Failed.Common
	case StateCanceled:
		return r.Canceled.Common
	default:
		return Common{}
	}
}

// RetryAttempt returns the retry counter for states that carry one,
// and 0 for Completed/Canceled (which no longer retry).
func (r AnyRequest) RetryAttempt() int {
	switch r.State {
	case StatePending:
		return r.Pending.RetryAttempt
	case StateClaimed:
		return r.Claimed.RetryAttempt
	case StateProcessing:
		return r.Processing.RetryAttempt
	case StateFailed:
		return r.Failed.RetryAttempt
	default:
		return 0
	}
}

func AsPending(p Pending) AnyRequest       { return AnyRequest{State: StatePending, Pending: &p} }
func AsClaimed(c Claimed) AnyRequest       { return AnyRequest{State: StateClaimed, Claimed: &c} }
func AsProcessing(p Processing) AnyRequest { return AnyRequest{State: StateProcessing, Processing: &p} }
func AsCompleted(c Completed) AnyRequest   { return AnyRequest{State: StateCompleted, Completed: &c} }
func AsFailed(f Failed) AnyRequest         { return AnyRequest{State: StateFailed, Failed: &f} }
func AsCanceled(c Canceled) AnyRequest     { return AnyRequest{State: StateCanceled, Canceled: &c} }
