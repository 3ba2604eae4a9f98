// Package fraud implements the eligibility guard: an ordered pipeline of
// independent predicates evaluated against a draft referral and its
// transaction context. The first failing predicate short-circuits the
// pipeline; the referral is moved to failed with the returned reason and no
// later predicate runs.
//
// The checks split into two phases matching the engine's flow: Pre runs
// before the commission is computed (identity and policy checks), Post runs
// on the computed result (description and amount checks). Every failure
// carries a distinct, human-readable reason that is both logged and
// persisted on the referral for later diagnosis.
package fraud

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tbourn/go-referral-backend/internal/config"
)

// Check names the predicate that failed a referral.
type Check string

const (
	// CheckAdapterBlock is a platform-specific precondition, e.g. a
	// subscription switch with the block-on-switch policy enabled.
	CheckAdapterBlock Check = "adapter_block"
	// CheckSelfReferral fires when the customer email belongs to the
	// credited affiliate's own account.
	CheckSelfReferral Check = "self_referral"
	// CheckDuplicateCompleted fires when an unpaid/paid referral already
	// exists for the same (context, reference).
	CheckDuplicateCompleted Check = "duplicate_completed"
	// CheckEmptyDescription fires when every eligible line resolved to an
	// empty description: there is nothing to credit.
	CheckEmptyDescription Check = "empty_description"
	// CheckZeroAmount fires when the computed commission is exactly zero
	// and the ignore-zero-amount policy is enabled.
	CheckZeroAmount Check = "zero_amount"
)

// Result describes a failed check. A nil *Result means the pipeline passed.
type Result struct {
	Check  Check
	Reason string
}

// PreInput is the transaction context available before calculation.
type PreInput struct {
	// AffiliateID is the credited affiliate.
	AffiliateID string
	// AffiliateEmail is the email of the affiliate's own account; empty
	// when the directory has no record for the affiliate.
	AffiliateEmail string
	// CustomerEmail is the transaction's billing email.
	CustomerEmail string
	// SubscriptionSwitch marks a subscription plan-switch transaction.
	SubscriptionSwitch bool
	// ExistingCompleted reports an unpaid/paid referral for the reference.
	ExistingCompleted bool
}

// Pre evaluates the identity and policy checks, in order: adapter
// eligibility, self-referral, duplicate-completed. Failures are logged at
// warn level with the check name.
func Pre(in PreInput, policy config.PolicyConfig, lg zerolog.Logger) *Result {
	if in.SubscriptionSwitch && policy.BlockOnSwitch {
		return failed(lg, CheckAdapterBlock, "subscription switch transactions do not earn referrals")
	}
	if isSelfReferral(in.AffiliateEmail, in.CustomerEmail) {
		return failed(lg, CheckSelfReferral,
			fmt.Sprintf("customer email matches affiliate %s's own account", in.AffiliateID))
	}
	if in.ExistingCompleted {
		return failed(lg, CheckDuplicateCompleted, "a completed referral already exists for this reference")
	}
	return nil
}

// Post evaluates the computed result, in order: empty description, zero
// amount (only when the ignore-zero-amount policy is enabled).
func Post(description string, amount decimal.Decimal, policy config.PolicyConfig, lg zerolog.Logger) *Result {
	if strings.TrimSpace(description) == "" {
		return failed(lg, CheckEmptyDescription, "no eligible line items to credit")
	}
	if policy.IgnoreZeroAmount && amount.IsZero() {
		return failed(lg, CheckZeroAmount, "computed commission is zero")
	}
	return nil
}

// isSelfReferral compares emails case-insensitively; an unknown affiliate
// email never matches.
func isSelfReferral(affiliateEmail, customerEmail string) bool {
	a := strings.TrimSpace(strings.ToLower(affiliateEmail))
	c := strings.TrimSpace(strings.ToLower(customerEmail))
	return a != "" && c != "" && a == c
}

func failed(lg zerolog.Logger, check Check, reason string) *Result {
	lg.Warn().Str("check", string(check)).Str("reason", reason).Msg("referral failed eligibility")
	return &Result{Check: check, Reason: reason}
}
