// Package domain defines the core persistence models for the application.
// This file defines the referral lifecycle state machine shared by the
// repository and service layers.
package domain

// Status is the lifecycle state of a referral.
//
// Lifecycle:
//
//	draft   -> pending | failed
//	pending -> unpaid | paid | rejected | failed
//	unpaid  -> paid | rejected
//	failed  -> pending | unpaid        (late gateway success after a decline)
//	paid, rejected -> (terminal)
//
// failed is semi-terminal: it may additionally be superseded by explicit
// re-attribution, which deletes the row rather than transitioning it.
type Status string

const (
	// StatusDraft is a referral created but not yet evaluated for
	// eligibility or amount.
	StatusDraft Status = "draft"
	// StatusPending is an eligible referral with a computed amount that
	// awaits payment confirmation.
	StatusPending Status = "pending"
	// StatusUnpaid is a confirmed conversion whose commission has not yet
	// been paid out to the affiliate.
	StatusUnpaid Status = "unpaid"
	// StatusPaid is a confirmed conversion whose commission was paid out.
	StatusPaid Status = "paid"
	// StatusRejected is a revoked referral (refund/cancellation).
	StatusRejected Status = "rejected"
	// StatusFailed is an ineligible or declined referral, kept for audit.
	StatusFailed Status = "failed"
)

// transitions lists the legal next states for each status.
var transitions = map[Status][]Status{
	StatusDraft:    {StatusPending, StatusFailed},
	StatusPending:  {StatusUnpaid, StatusPaid, StatusRejected, StatusFailed},
	StatusUnpaid:   {StatusPaid, StatusRejected},
	StatusFailed:   {StatusPending, StatusUnpaid},
	StatusPaid:     {},
	StatusRejected: {},
}

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// IsActive reports whether s blocks a new referral for the same
// (context, reference) pair. Draft rows are active too: a draft in flight
// must not be duplicated by a concurrent attempt.
func (s Status) IsActive() bool {
	switch s {
	case StatusDraft, StatusPending, StatusUnpaid, StatusPaid:
		return true
	}
	return false
}

// IsCompleted reports whether s represents a confirmed conversion.
func (s Status) IsCompleted() bool {
	return s == StatusUnpaid || s == StatusPaid
}

// IsTerminal reports whether s is hard-terminal: no transition out of it is
// ever legal, including the late-success correction.
func (s Status) IsTerminal() bool {
	return s == StatusPaid || s == StatusRejected
}

// CanTransition reports whether moving from s to next is a legal lifecycle
// transition.
func (s Status) CanTransition(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}
