// Package services defines the business logic for referral attribution and
// lifecycle management. This file centralizes common service-level error
// values so that they can be consistently returned by service methods and
// checked by callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler/controller layer.
package services

import "errors"

var (
	// ErrReferralNotFound indicates that no referral exists for the
	// requested reference or id.
	ErrReferralNotFound = errors.New("referral not found")

	// ErrNoAttribution is returned when no affiliate earns credit for a
	// transaction: no referral is created and the event is skipped.
	ErrNoAttribution = errors.New("no affiliate attributed")

	// ErrDuplicateActive is returned when an active referral already
	// exists for the (context, reference) pair.
	ErrDuplicateActive = errors.New("active referral already exists for reference")

	// ErrNotReassignable is returned when re-attribution targets a
	// referral that is not in the failed state.
	ErrNotReassignable = errors.New("only failed referrals can be reassigned")

	// ErrNotRevocable is returned when a revoke targets a referral whose
	// state does not permit rejection (paid and rejected are terminal).
	ErrNotRevocable = errors.New("referral cannot be revoked from its current status")

	// ErrNotCompletable is returned when completion targets a referral
	// that was never hydrated to pending (still draft or failed).
	ErrNotCompletable = errors.New("referral is not awaiting completion")
)
