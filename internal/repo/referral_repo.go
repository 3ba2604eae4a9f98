// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Referral
// model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition. The one rule enforced here is the
// lifecycle state machine itself: status changes go through compare-and-swap
// UPDATEs (WHERE id = ? AND status IN (...)), so a redelivered webhook or a
// concurrent adapter can never double-apply a transition, and the
// active-uniqueness invariant is left to the partial unique index created in
// AutoMigrate rather than application-level locking.
//
// Error semantics:
//   - When a referral is not found, functions return ErrNotFound
//     (an alias of gorm.ErrRecordNotFound).
//   - When inserting a draft collides with an existing active referral for
//     the same (context, reference), InsertDraft returns ErrDuplicateActive.
//   - On other DB errors the raw gorm error is propagated.
package repo

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/tbourn/go-referral-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrDuplicateActive indicates an active (draft/pending/unpaid/paid)
// referral already exists for the (context, reference) pair.
var ErrDuplicateActive = errors.New("active referral already exists for reference")

// ErrStaleStatus indicates a compare-and-swap transition found the referral
// in none of the expected source states.
var ErrStaleStatus = errors.New("referral not in expected status")

// InsertDraft inserts a new draft referral for affiliateID keyed by
// (context, reference). The partial unique index maps a concurrent duplicate
// to ErrDuplicateActive, so exactly one of two racing inserts wins.
func InsertDraft(ctx context.Context, db *gorm.DB, affiliateID, context_, reference string, custom map[string]string) (*domain.Referral, error) {
	r := &domain.Referral{
		ID:          uuid.NewString(),
		AffiliateID: affiliateID,
		Context:     context_,
		Reference:   reference,
		Status:      domain.StatusDraft,
		Amount:      decimal.Zero,
		OrderTotal:  decimal.Zero,
		Custom:      custom,
		CreatedAt:   time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(r).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateActive
		}
		return nil, err
	}
	return r, nil
}

// GetReferral fetches a referral by its surrogate ID, or ErrNotFound.
func GetReferral(ctx context.Context, db *gorm.DB, id string) (*domain.Referral, error) {
	var r domain.Referral
	if err := db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, err
	}
	return &r, nil
}

// GetActiveByReference returns the single non-failed, non-rejected referral
// for (context, reference), or ErrNotFound.
func GetActiveByReference(ctx context.Context, db *gorm.DB, context_, reference string) (*domain.Referral, error) {
	var r domain.Referral
	err := db.WithContext(ctx).
		Where("context = ? AND reference = ? AND status IN ?",
			context_, reference, []domain.Status{domain.StatusDraft, domain.StatusPending, domain.StatusUnpaid, domain.StatusPaid}).
		First(&r).Error
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetByReference returns the referral for (context, reference), preferring a
// non-failed row and falling back to the most recent failed attempt. Returns
// ErrNotFound when no row exists at all.
func GetByReference(ctx context.Context, db *gorm.DB, context_, reference string) (*domain.Referral, error) {
	var r domain.Referral
	err := db.WithContext(ctx).
		Where("context = ? AND reference = ?", context_, reference).
		Order("CASE WHEN status = 'failed' THEN 1 ELSE 0 END, created_at DESC").
		First(&r).Error
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Hydration carries the computed outcome applied to a draft referral.
type Hydration struct {
	Status      domain.Status
	Amount      decimal.Decimal
	OrderTotal  decimal.Decimal
	Description string
	Products    []domain.ReferralProduct
	VisitID     *string
}

// HydrateDraft fills a draft referral with its computed amount and detail and
// advances it to h.Status (pending, or failed for short-circuited drafts).
// Only legal from draft; returns ErrStaleStatus otherwise.
func HydrateDraft(ctx context.Context, db *gorm.DB, id string, h Hydration) error {
	products, err := marshalProducts(h.Products)
	if err != nil {
		return err
	}
	res := db.WithContext(ctx).
		Model(&domain.Referral{}).
		Where("id = ? AND status = ?", id, domain.StatusDraft).
		Updates(map[string]any{
			"status":      h.Status,
			"amount":      h.Amount,
			"order_total": h.OrderTotal,
			"description": h.Description,
			"products":    products,
			"visit_id":    h.VisitID,
			"updated_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStaleStatus
	}
	return nil
}

// AdvanceStatus performs a compare-and-swap transition from any of the
// statuses in from to the status to. It reports whether a row was updated;
// (false, nil) means the referral was in none of the source states, which
// callers treat as either an idempotent no-op or ErrStaleStatus depending on
// the operation.
func AdvanceStatus(ctx context.Context, db *gorm.DB, id string, from []domain.Status, to domain.Status) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.Referral{}).
		Where("id = ? AND status IN ?", id, from).
		Updates(map[string]any{"status": to, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// MarkFailed moves a draft or pending referral to failed with an audit
// reason. Idempotent: marking an already-failed referral succeeds without
// touching the row (the original reason is preserved).
func MarkFailed(ctx context.Context, db *gorm.DB, id, reason string) error {
	res := db.WithContext(ctx).
		Model(&domain.Referral{}).
		Where("id = ? AND status IN ?", id, []domain.Status{domain.StatusDraft, domain.StatusPending}).
		Updates(map[string]any{
			"status":      domain.StatusFailed,
			"fail_reason": reason,
			"updated_at":  time.Now().UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}
	cur, err := GetReferral(ctx, db, id)
	if err != nil {
		return err
	}
	if cur.Status == domain.StatusFailed {
		return nil
	}
	return ErrStaleStatus
}

// SetAmount updates the computed amount and line detail on a referral that is
// being corrected by a late gateway success (failed -> completed path).
func SetAmount(ctx context.Context, db *gorm.DB, id string, amount, orderTotal decimal.Decimal, description string, products []domain.ReferralProduct) error {
	detail, err := marshalProducts(products)
	if err != nil {
		return err
	}
	return db.WithContext(ctx).
		Model(&domain.Referral{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"amount":      amount,
			"order_total": orderTotal,
			"description": description,
			"products":    detail,
			"fail_reason": "",
			"updated_at":  time.Now().UTC(),
		}).Error
}

// SetVisit links a referral to the visit that produced its attribution.
func SetVisit(ctx context.Context, db *gorm.DB, id, visitID string) error {
	return db.WithContext(ctx).
		Model(&domain.Referral{}).
		Where("id = ?", id).
		Updates(map[string]any{"visit_id": visitID, "updated_at": time.Now().UTC()}).Error
}

// DeleteReferral removes a referral row. Used only by re-attribution, which
// replaces a failed row with a fresh draft for the new affiliate.
func DeleteReferral(ctx context.Context, db *gorm.DB, id string) error {
	res := db.WithContext(ctx).Where("id = ?", id).Delete(&domain.Referral{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CountReferralsByAffiliate returns the total number of referrals credited to
// the affiliate. On DB error, it returns the error.
func CountReferralsByAffiliate(ctx context.Context, db *gorm.DB, affiliateID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.Referral{}).
		Where("affiliate_id = ?", affiliateID).
		Count(&total).Error
	return total, err
}

// ListReferralsPage returns a paginated slice of the affiliate's referrals,
// most recent first. Use CountReferralsByAffiliate for pagination metadata.
func ListReferralsPage(ctx context.Context, db *gorm.DB, affiliateID string, offset, limit int) ([]domain.Referral, error) {
	var out []domain.Referral
	err := db.WithContext(ctx).
		Where("affiliate_id = ?", affiliateID).
		Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// marshalProducts serializes line detail for map-based updates. The JSON
// field serializer on the model only runs for struct-based writes, so the
// slice must be encoded here before it reaches database/sql.
func marshalProducts(products []domain.ReferralProduct) (string, error) {
	b, err := json.Marshal(products)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// isUniqueViolation detects unique-constraint violations across drivers.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint") ||
		strings.Contains(low, "constraint failed: unique") ||
		strings.Contains(low, "duplicate key")
}
