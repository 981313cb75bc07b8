// Copyright 2025 James Ross
package lifecycle

import "time"

// EscalationRule substitutes Model for a request's target model once
// the owning batch's deadline is within ThresholdSeconds of the
// decision time (spec §4.4 step 5a).
type EscalationRule struct {
	ThresholdSeconds int64
	Model            string
}

// ResolveRoutedModel implements the escalation gate: if a rule exists
// for originalModel and the batch expires within the rule's threshold,
// the rule's model is returned; otherwise originalModel is unchanged.
// Ad-hoc requests (zero batchExpiresAt) never escalate.
func ResolveRoutedModel(originalModel string, batchExpiresAt time.Time, now time.Time, rule EscalationRule, hasRule bool) string {
	if !hasRule || batchExpiresAt.IsZero() {
		return originalModel
	}
	remaining := batchExpiresAt.Sub(now)
	if remaining <= time.Duration(rule.ThresholdSeconds)*time.Second {
		return rule.Model
	}
	return originalModel
}
