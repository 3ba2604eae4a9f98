// Package domain defines the persistence models for referrals, visits, and
// gateway payment references. These types are mapped with GORM and form the
// core data layer of the referral backend.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Referral is the central entity: one persisted commission record linking an
// affiliate to exactly one external transaction.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - AffiliateID: identifier of the credited affiliate; indexed.
//   - Context: integration context that produced the referral
//     (e.g. "storefront-a"); part of the active-uniqueness key.
//   - Reference: external transaction identifier, unique within a context.
//   - Status: lifecycle state (see status.go).
//   - Amount: computed commission amount.
//   - OrderTotal: total of the underlying order at attribution time.
//   - Description: human-readable summary of the eligible line items.
//   - Products: structured line-item detail, serialized as JSON.
//   - VisitID: optional link to the tracked click that produced the
//     attribution; set retroactively for reconciled gateway flows.
//   - Custom: adapter-specific key/value bag (e.g. gateway test-mode flag).
//   - FailReason: audit trail for failed referrals; empty otherwise.
//
// Active uniqueness on (context, reference) is enforced by a partial unique
// index created in repo.AutoMigrate: it excludes failed rows so a failed
// attempt can be superseded by re-attribution while an active one cannot.
type Referral struct {
	ID          string            `json:"id"          gorm:"type:char(36);primaryKey"`
	AffiliateID string            `json:"affiliate_id" gorm:"type:varchar(64);not null;index:idx_affiliate_referrals"`
	Context     string            `json:"context"     gorm:"type:varchar(64);not null;index:idx_context_reference,priority:1"`
	Reference   string            `json:"reference"   gorm:"type:varchar(128);not null;index:idx_context_reference,priority:2"`
	Status      Status            `json:"status"      gorm:"type:varchar(16);not null;check:status IN ('draft','pending','unpaid','paid','rejected','failed')"`
	Amount      decimal.Decimal   `json:"amount"      gorm:"type:decimal(20,2);not null;default:0"`
	OrderTotal  decimal.Decimal   `json:"order_total" gorm:"type:decimal(20,2);not null;default:0"`
	Description string            `json:"description" gorm:"type:text"`
	Products    []ReferralProduct `json:"products"    gorm:"serializer:json;type:text"`
	VisitID     *string           `json:"visit_id,omitempty" gorm:"type:char(36)"`
	Custom      map[string]string `json:"custom,omitempty"   gorm:"serializer:json;type:text"`
	FailReason  string            `json:"fail_reason,omitempty" gorm:"type:varchar(255)"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// TableName returns the database table name for Referral.
func (Referral) TableName() string { return "referrals" }

// ReferralProduct is one eligible order line captured on the referral for
// audit and reporting, stored inside the Products JSON column.
type ReferralProduct struct {
	Name        string          `json:"name"`
	ProductID   string          `json:"id"`
	VariationID string          `json:"variation_id,omitempty"`
	Amount      decimal.Decimal `json:"amount"`     // adjusted line total the rate was applied to
	Commission  decimal.Decimal `json:"commission"` // computed commission for this line
}

// Visit represents a single tracked click that may later be associated with
// a referral. Visits are created at click time; the reconciliation path only
// updates AffiliateID/ReferralID/Context on a matched row, never inserts.
//
// The composite index supports the retroactive match: most recent visit by
// (ip, url, affiliate_id), ordered by date.
type Visit struct {
	ID          string    `json:"id"           gorm:"type:char(36);primaryKey"`
	AffiliateID string    `json:"affiliate_id" gorm:"type:varchar(64);not null;index:idx_visit_match,priority:3"`
	IP          string    `json:"ip"           gorm:"type:varchar(45);not null;index:idx_visit_match,priority:1"`
	URL         string    `json:"url"          gorm:"type:varchar(512);not null;index:idx_visit_match,priority:2"`
	Context     string    `json:"context"      gorm:"type:varchar(64)"`
	ReferralID  *string   `json:"referral_id,omitempty" gorm:"type:char(36);index"`
	Date        time.Time `json:"date"         gorm:"not null;index:idx_visit_match,priority:4"`
}

// TableName returns the database table name for Visit.
func (Visit) TableName() string { return "visits" }

// PaymentReference mints the monotonically increasing reference used by the
// gateway reconciliation path. Each checkout session inserts one row and the
// auto-increment primary key becomes the outbound reference, so references
// are unique and ordered without deriving from any externally-controlled
// value.
type PaymentReference struct {
	ID          uint      `gorm:"primaryKey;autoIncrement"`
	AffiliateID string    `gorm:"type:varchar(64);not null"`
	CreatedAt   time.Time `gorm:"autoCreateTime"`
}

// TableName returns the database table name for PaymentReference.
func (PaymentReference) TableName() string { return "payment_references" }
