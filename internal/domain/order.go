// Package domain defines the core persistence models for the application.
// This file defines the normalized transaction snapshot a platform adapter
// hands to the engine. Adapters translate their platform's native order
// object into these value types at the boundary, so the engine never
// branches on which platform produced an event.
package domain

import (
	"github.com/shopspring/decimal"
)

// OrderLine is one line item of the external transaction. The optional rate
// fields carry the platform's per-product configuration through the
// resolution chain: variation-level rate/type, then product-level rate/type,
// then category-level rate. Absent levels fall through to the affiliate or
// site default.
type OrderLine struct {
	ProductID         string           `json:"product_id"`
	VariationID       string           `json:"variation_id,omitempty"`
	Name              string           `json:"name"`
	Total             decimal.Decimal  `json:"total"`
	Tax               decimal.Decimal  `json:"tax"`
	ReferralsDisabled bool             `json:"referrals_disabled,omitempty"`
	VariationRate     *decimal.Decimal `json:"variation_rate,omitempty"`
	VariationRateType string           `json:"variation_rate_type,omitempty"`
	ProductRate       *decimal.Decimal `json:"product_rate,omitempty"`
	ProductRateType   string           `json:"product_rate_type,omitempty"`
	CategoryRate      *decimal.Decimal `json:"category_rate,omitempty"`
}

// Coupon is a discount code applied to the transaction, optionally bound to
// an affiliate. A bound coupon is an attribution source of its own: a
// transaction may convert purely because the customer used an affiliate's
// coupon, with no tracked click at all.
type Coupon struct {
	Code        string `json:"code"`
	AffiliateID string `json:"affiliate_id,omitempty"`
}

// TrackingContext is the visitor-side attribution state at transaction time.
type TrackingContext struct {
	// CookieAffiliateID is the affiliate id carried by the active tracking
	// cookie, if any.
	CookieAffiliateID string `json:"cookie_affiliate_id,omitempty"`
	// SessionAffiliateID is the affiliate already credited for this
	// visitor's session, used by the first-referrer-wins policy.
	SessionAffiliateID string `json:"session_affiliate_id,omitempty"`
	// VisitID links the click that produced the cookie, when known.
	VisitID string `json:"visit_id,omitempty"`
	IP      string `json:"ip,omitempty"`
	URL     string `json:"url,omitempty"`
}

// OrderSnapshot is the engine's view of one external transaction, populated
// by a platform adapter.
type OrderSnapshot struct {
	Lines         []OrderLine     `json:"lines"`
	CustomerEmail string          `json:"customer_email"`
	OrderTotal    decimal.Decimal `json:"order_total"`
	ShippingTotal decimal.Decimal `json:"shipping_total"`
	ShippingTax   decimal.Decimal `json:"shipping_tax"`
	Coupons       []Coupon        `json:"coupons,omitempty"`
	Tracking      TrackingContext `json:"tracking"`
	// AffiliateRate overrides the site default rate for the credited
	// affiliate (affiliate-level step of the resolution chain).
	AffiliateRate *decimal.Decimal `json:"affiliate_rate,omitempty"`
	// SubscriptionSwitch marks transactions produced by a subscription
	// plan switch, which the adapter-eligibility policy may block.
	SubscriptionSwitch bool `json:"subscription_switch,omitempty"`
	// Custom is an adapter-specific key/value bag copied onto the referral.
	Custom map[string]string `json:"custom,omitempty"`
}

// Subtotal returns the sum of line totals, excluding tax and shipping.
func (s OrderSnapshot) Subtotal() decimal.Decimal {
	sub := decimal.Zero
	for _, l := range s.Lines {
		sub = sub.Add(l.Total)
	}
	return sub
}

// LineTax returns the sum of per-line taxes, excluding shipping tax.
func (s OrderSnapshot) LineTax() decimal.Decimal {
	tax := decimal.Zero
	for _, l := range s.Lines {
		tax = tax.Add(l.Tax)
	}
	return tax
}
