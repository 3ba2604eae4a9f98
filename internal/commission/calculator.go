// Package commission computes the monetary amount credited to an affiliate
// for a transaction. The calculator is pure: it reads the normalized order
// snapshot and the site policy, and returns an amount plus the line-item
// detail persisted on the referral.
//
// Two modes exist, selected by policy:
//   - order mode: one commission from the order subtotal.
//   - line mode: a commission per eligible line item, summed.
//
// Shipping and tax inclusion are governed by independent policy flags and
// are applied identically in both modes so the two never drift.
package commission

import (
	"strings"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tbourn/go-referral-backend/internal/config"
	"github.com/tbourn/go-referral-backend/internal/domain"
)

// Result is the computed outcome of a calculation.
type Result struct {
	// Amount is the total commission.
	Amount decimal.Decimal
	// Description is the human-readable summary of eligible line items.
	// Empty when every line is referral-disabled.
	Description string
	// Products is the per-line detail persisted on the referral.
	Products []domain.ReferralProduct
}

// Override adjusts a computed amount after calculation and before
// persistence, e.g. platform-specific surcharge rules. A nil Override leaves
// the amount unchanged.
type Override func(snap domain.OrderSnapshot, amount decimal.Decimal) decimal.Decimal

var hundred = decimal.NewFromInt(100)

// titleCaser normalizes product-name casing for descriptions without
// lowering characters the platform already capitalized.
var titleCaser = cases.Title(language.English, cases.NoLower)

// Calculate computes the commission for snap under policy. The optional
// override runs last, on the summed amount.
func Calculate(snap domain.OrderSnapshot, policy config.PolicyConfig, override Override) Result {
	var res Result
	if policy.RateMode == config.RateModeOrder {
		res = calculateOrder(snap, policy)
	} else {
		res = calculateLines(snap, policy)
	}
	if override != nil {
		res.Amount = override(snap, res.Amount)
	}
	return res
}

// calculateOrder applies one resolved rate to the order-level base amount.
func calculateOrder(snap domain.OrderSnapshot, policy config.PolicyConfig) Result {
	eligible := eligibleLines(snap)

	base := snap.Subtotal()
	if policy.IncludeShipping {
		base = base.Add(snap.ShippingTotal)
	}
	if policy.IncludeTax {
		base = base.Add(snap.LineTax()).Add(snap.ShippingTax)
	}

	rate := policy.DefaultRate
	if snap.AffiliateRate != nil {
		rate = *snap.AffiliateRate
	}

	amount := apply(base, rate, policy.DefaultRateType, policy.RoundDecimals)

	products := make([]domain.ReferralProduct, 0, len(eligible))
	for _, l := range eligible {
		products = append(products, domain.ReferralProduct{
			Name:        l.Name,
			ProductID:   l.ProductID,
			VariationID: l.VariationID,
			Amount:      l.Total,
		})
	}
	return Result{Amount: amount, Description: describe(eligible), Products: products}
}

// calculateLines computes and sums a commission per eligible line.
//
// A line whose adjusted total is zero or negative is skipped unless its
// resolved rate type is flat: a flat commission still applies to a
// zero-priced line (free trials, 100%-discounted items).
func calculateLines(snap domain.OrderSnapshot, policy config.PolicyConfig) Result {
	eligible := eligibleLines(snap)

	// Shipping is prorated evenly across eligible lines.
	share := decimal.Zero
	if policy.IncludeShipping && len(eligible) > 0 {
		share = snap.ShippingTotal.Div(decimal.NewFromInt(int64(len(eligible))))
	}

	total := decimal.Zero
	products := make([]domain.ReferralProduct, 0, len(eligible))
	for _, l := range eligible {
		adj := l.Total
		if policy.IncludeShipping {
			adj = adj.Add(share)
		}
		if policy.IncludeTax {
			adj = adj.Add(l.Tax)
		}

		rate, typ := resolveRate(l, snap, policy)
		if adj.Sign() <= 0 && typ != config.RateTypeFlat {
			continue
		}

		c := apply(adj, rate, typ, policy.RoundDecimals)
		total = total.Add(c)
		products = append(products, domain.ReferralProduct{
			Name:        l.Name,
			ProductID:   l.ProductID,
			VariationID: l.VariationID,
			Amount:      adj,
			Commission:  c,
		})
	}
	return Result{Amount: total, Description: describe(eligible), Products: products}
}

// resolveRate walks the resolution chain for one line. Rate value resolves
// variation > product > category > affiliate > site default; rate type
// resolves independently through the levels that carry one
// (variation > product > site default).
func resolveRate(l domain.OrderLine, snap domain.OrderSnapshot, policy config.PolicyConfig) (decimal.Decimal, config.RateType) {
	rate := policy.DefaultRate
	switch {
	case l.VariationID != "" && l.VariationRate != nil:
		rate = *l.VariationRate
	case l.ProductRate != nil:
		rate = *l.ProductRate
	case l.CategoryRate != nil:
		rate = *l.CategoryRate
	case snap.AffiliateRate != nil:
		rate = *snap.AffiliateRate
	}

	typ := policy.DefaultRateType
	switch {
	case l.VariationID != "" && l.VariationRateType != "":
		typ = config.RateType(l.VariationRateType)
	case l.ProductRateType != "":
		typ = config.RateType(l.ProductRateType)
	}
	return rate, typ
}

// apply computes a single commission from a base amount. Percentage rates
// are scaled and rounded to the configured decimal count; flat rates are
// added as-is.
func apply(base, rate decimal.Decimal, typ config.RateType, decimals int32) decimal.Decimal {
	if typ == config.RateTypeFlat {
		return rate
	}
	return base.Mul(rate).Div(hundred).Round(decimals)
}

// eligibleLines filters out lines flagged referrals-disabled at the product
// or variation level.
func eligibleLines(snap domain.OrderSnapshot) []domain.OrderLine {
	out := make([]domain.OrderLine, 0, len(snap.Lines))
	for _, l := range snap.Lines {
		if l.ReferralsDisabled {
			continue
		}
		out = append(out, l)
	}
	return out
}

// describe joins eligible product names into the referral description.
func describe(lines []domain.OrderLine) string {
	names := make([]string, 0, len(lines))
	for _, l := range lines {
		n := strings.TrimSpace(l.Name)
		if n == "" {
			continue
		}
		names = append(names, titleCaser.String(n))
	}
	return strings.Join(names, ", ")
}
