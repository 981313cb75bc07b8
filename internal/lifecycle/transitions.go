// Copyright 2025 James Ross
package lifecycle

import (
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a caller attempts to construct
// a transition that §4.1's table does not allow. The state machine
// here is authoritative; storage backends MUST NOT be relied upon to
// catch illegal transitions (spec §4.2) but may reject them too.
type ErrInvalidTransition struct {
	From State
	To   State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s", e.From, e.To)
}

// legalSuccessors enumerates spec §4.1's transition table.
var legalSuccessors = map[State]map[State]bool{
	StatePending:    {StateClaimed: true, StateCanceled: true},
	StateClaimed:    {StateProcessing: true, StatePending: true, StateCanceled: true},
	StateProcessing: {StateCompleted: true, StateFailed: true, StatePending: true, StateCanceled: true},
	StateFailed:     {StatePending: true},
	StateCompleted:  {},
	StateCanceled:   {},
}

// ValidateTransition reports an error unless from -> to is one of the
// arms in §4.1's table (Canceled is reachable from any non-terminal
// state, encoded as an entry on Pending/Claimed/Processing above).
func ValidateTransition(from, to State) error {
	if legalSuccessors[from][to] {
		return nil
	}
	return &ErrInvalidTransition{From: from, To: to}
}

// Unclaim builds the Pending record for a Claimed->Pending transition
// triggered by a failed non-blocking semaphore acquisition (§4.4 step
// 5d): retry_attempt is preserved verbatim and not_before is not
// bumped, unlike a retry-after-failure re-Pend.
func Unclaim(c Claimed) Pending {
	return Pending{
		Common:       c.Common,
		RetryAttempt: c.RetryAttempt,
		NotBefore:    nil,
	}
}

// StartProcessing builds the Processing record for a Claimed->Processing
// transition taken by the daemon immediately before dispatch.
func StartProcessing(c Claimed, startedAt time.Time) Processing {
	return Processing{
		Common:       c.Common,
		RetryAttempt: c.RetryAttempt,
		DaemonID:     c.DaemonID,
		ClaimedAt:    c.ClaimedAt,
		StartedAt:    startedAt,
	}
}
