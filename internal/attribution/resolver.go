// Package attribution decides which affiliate, if any, receives credit for
// an external transaction. The resolver is pure: it never touches persisted
// state, so attribution decisions are deterministic and trivially testable
// against varied policies.
package attribution

import (
	"github.com/tbourn/go-referral-backend/internal/config"
	"github.com/tbourn/go-referral-backend/internal/domain"
)

// Request carries everything the resolver may consider for one transaction.
type Request struct {
	// ManualAffiliateID is an explicit assignment made by an administrator
	// on the transaction's own screen. Highest precedence, but invalid when
	// a completed referral already exists for the reference.
	ManualAffiliateID string
	// Coupons are the discount codes applied to the transaction.
	Coupons []domain.Coupon
	// Tracking is the visitor-side attribution state.
	Tracking domain.TrackingContext
	// ExistingCompleted reports whether an unpaid/paid referral already
	// exists for this (context, reference).
	ExistingCompleted bool
}

// Resolve returns the credited affiliate id for the transaction, or
// ok=false when no affiliate earns credit.
//
// Precedence, highest to lowest:
//  1. Explicit manual assignment (ignored when a completed referral exists).
//  2. A coupon bound to an affiliate.
//  3. The tracking cookie's affiliate, unless credit-last-referrer is
//     disabled and a different affiliate is already credited for the
//     visitor's session (first-referrer-wins yields no attribution).
//
// A missing cookie does not block coupon attribution: a transaction can be
// eligible purely because a bound coupon was used.
func Resolve(req Request, policy config.PolicyConfig) (string, bool) {
	if req.ManualAffiliateID != "" && !req.ExistingCompleted {
		return req.ManualAffiliateID, true
	}

	for _, c := range req.Coupons {
		if c.AffiliateID != "" {
			return c.AffiliateID, true
		}
	}

	cookie := req.Tracking.CookieAffiliateID
	if cookie == "" {
		return "", false
	}
	if !policy.CreditLastReferrer {
		if s := req.Tracking.SessionAffiliateID; s != "" && s != cookie {
			return "", false
		}
	}
	return cookie, true
}
