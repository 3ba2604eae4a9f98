package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tbourn/go-referral-backend/internal/config"
	"github.com/tbourn/go-referral-backend/internal/domain"
	"github.com/tbourn/go-referral-backend/internal/repo"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:referralsvc_%s?mode=memory&cache=shared", uuid.NewString())

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.Exec("PRAGMA foreign_keys=ON;")
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func testPolicy() config.PolicyConfig {
	return config.PolicyConfig{
		RateMode:           config.RateModeLine,
		DefaultRate:        decimal.RequireFromString("20"),
		DefaultRateType:    config.RateTypePercentage,
		RoundDecimals:      2,
		CreditLastReferrer: true,
		IgnoreZeroAmount:   true,
		RevokeOnRefund:     true,
	}
}

func newService(t *testing.T) *ReferralService {
	t.Helper()
	return &ReferralService{
		DB:     newTestDB(t),
		Policy: testPolicy(),
		Affiliates: StaticDirectory{
			"aff-1": "one@example.com",
			"aff-2": "two@example.com",
		},
	}
}

// snap builds a two-line snapshot tracked to aff-1 via cookie.
func snap() domain.OrderSnapshot {
	return domain.OrderSnapshot{
		Lines: []domain.OrderLine{
			{ProductID: "p1", Name: "course alpha", Total: decimal.RequireFromString("50")},
			{ProductID: "p2", Name: "course beta", Total: decimal.RequireFromString("30")},
		},
		CustomerEmail: "buyer@example.com",
		OrderTotal:    decimal.RequireFromString("80"),
		Tracking:      domain.TrackingContext{CookieAffiliateID: "aff-1"},
	}
}

func TestAddPendingReferral_HappyPath(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	r, err := s.AddPendingReferral(ctx, "storefront-a", "order-1", snap(), "")
	if err != nil {
		t.Fatalf("AddPendingReferral: %v", err)
	}
	if r.Status != domain.StatusPending {
		t.Fatalf("status = %q; want pending", r.Status)
	}
	if r.AffiliateID != "aff-1" {
		t.Fatalf("affiliate = %q; want aff-1 from cookie", r.AffiliateID)
	}
	if !r.Amount.Equal(decimal.RequireFromString("16")) {
		t.Fatalf("amount = %s; want 16 (20%% of 80)", r.Amount)
	}
	if !r.OrderTotal.Equal(decimal.RequireFromString("80")) {
		t.Fatalf("order total = %s; want 80", r.OrderTotal)
	}
	if len(r.Products) != 2 {
		t.Fatalf("products = %d; want 2", len(r.Products))
	}
	if r.Description == "" {
		t.Fatalf("description must be populated from line names")
	}
}

func TestAddPendingReferral_ManualBeatsCookie(t *testing.T) {
	s := newService(t)

	r, err := s.AddPendingReferral(context.Background(), "storefront-a", "order-2", snap(), "aff-2")
	if err != nil {
		t.Fatalf("AddPendingReferral: %v", err)
	}
	if r.AffiliateID != "aff-2" {
		t.Fatalf("affiliate = %q; want manual aff-2", r.AffiliateID)
	}
}

func TestAddPendingReferral_NoAttribution(t *testing.T) {
	s := newService(t)

	sn := snap()
	sn.Tracking = domain.TrackingContext{}
	_, err := s.AddPendingReferral(context.Background(), "storefront-a", "order-3", sn, "")
	if !errors.Is(err, ErrNoAttribution) {
		t.Fatalf("expected ErrNoAttribution, got %v", err)
	}

	// Nothing persisted for the skipped event.
	if _, err := s.GetByReference(context.Background(), "storefront-a", "order-3"); !errors.Is(err, ErrReferralNotFound) {
		t.Fatalf("expected no row, got %v", err)
	}
}

func TestAddPendingReferral_DuplicateActive(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	if _, err := s.AddPendingReferral(ctx, "storefront-a", "order-4", snap(), ""); err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if _, err := s.AddPendingReferral(ctx, "storefront-a", "order-4", snap(), ""); !errors.Is(err, ErrDuplicateActive) {
		t.Fatalf("expected ErrDuplicateActive, got %v", err)
	}
}

func TestAddPendingReferral_DuplicateCompletedRejected(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	if _, err := s.AddPendingReferral(ctx, "storefront-a", "order-5", snap(), ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Complete(ctx, "storefront-a", "order-5"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// A second transaction event for an already-converted reference is
	// rejected before any draft is created.
	if _, err := s.AddPendingReferral(ctx, "storefront-a", "order-5", snap(), ""); !errors.Is(err, ErrDuplicateActive) {
		t.Fatalf("expected ErrDuplicateActive, got %v", err)
	}
}

func TestAddPendingReferral_SelfReferralFails(t *testing.T) {
	s := newService(t)

	sn := snap()
	sn.CustomerEmail = "One@Example.com"
	r, err := s.AddPendingReferral(context.Background(), "storefront-a", "order-6", sn, "")
	if err != nil {
		t.Fatalf("AddPendingReferral: %v", err)
	}
	if r.Status != domain.StatusFailed {
		t.Fatalf("status = %q; want failed", r.Status)
	}
	if r.FailReason == "" {
		t.Fatalf("failed referral must carry an audit reason")
	}
	if !r.Amount.IsZero() {
		t.Fatalf("failed-before-calculation referral must keep amount zero, got %s", r.Amount)
	}
}

func TestAddPendingReferral_ZeroAmountFails(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	sn := snap()
	sn.Lines = []domain.OrderLine{{ProductID: "p1", Name: "freebie", Total: decimal.Zero}}
	sn.OrderTotal = decimal.Zero
	r, err := s.AddPendingReferral(ctx, "storefront-a", "order-7", sn, "")
	if err != nil {
		t.Fatalf("AddPendingReferral: %v", err)
	}
	if r.Status != domain.StatusFailed {
		t.Fatalf("status = %q; want failed for zero commission", r.Status)
	}

	// A failed row does not block a later, valid attempt.
	r2, err := s.AddPendingReferral(ctx, "storefront-a", "order-7", snap(), "")
	if err != nil {
		t.Fatalf("retry after failure: %v", err)
	}
	if r2.Status != domain.StatusPending {
		t.Fatalf("retry status = %q; want pending", r2.Status)
	}
}

func TestComplete_Idempotent(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	if _, err := s.AddPendingReferral(ctx, "storefront-a", "order-8", snap(), ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	first, err := s.Complete(ctx, "storefront-a", "order-8")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if first.Status != domain.StatusUnpaid {
		t.Fatalf("status = %q; want unpaid", first.Status)
	}

	second, err := s.Complete(ctx, "storefront-a", "order-8")
	if err != nil {
		t.Fatalf("redelivered complete: %v", err)
	}
	if second.Status != domain.StatusUnpaid {
		t.Fatalf("redelivery changed status to %q", second.Status)
	}
}

func TestComplete_NotFoundAndFailedOnly(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	if _, err := s.Complete(ctx, "storefront-a", "missing"); !errors.Is(err, ErrReferralNotFound) {
		t.Fatalf("expected ErrReferralNotFound, got %v", err)
	}

	sn := snap()
	sn.CustomerEmail = "one@example.com" // self-referral, leaves only a failed row
	if _, err := s.AddPendingReferral(ctx, "storefront-a", "order-9", sn, ""); err != nil {
		t.Fatalf("create failed row: %v", err)
	}
	if _, err := s.Complete(ctx, "storefront-a", "order-9"); !errors.Is(err, ErrNotCompletable) {
		t.Fatalf("expected ErrNotCompletable for failed-only reference, got %v", err)
	}
}

func TestComplete_HookRejectionRollsBack(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	hookErr := errors.New("ledger rejected the payout")
	s.CompletionHook = func(*domain.Referral) error { return hookErr }

	if _, err := s.AddPendingReferral(ctx, "storefront-a", "order-10", snap(), ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Complete(ctx, "storefront-a", "order-10"); !errors.Is(err, hookErr) {
		t.Fatalf("expected hook error, got %v", err)
	}

	r, err := s.GetByReference(ctx, "storefront-a", "order-10")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r.Status != domain.StatusPending {
		t.Fatalf("status = %q; want pending after rollback", r.Status)
	}

	s.CompletionHook = nil
	if _, err := s.Complete(ctx, "storefront-a", "order-10"); err != nil {
		t.Fatalf("complete after hook removed: %v", err)
	}
}

func TestRevoke(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	if _, err := s.AddPendingReferral(ctx, "storefront-a", "order-11", snap(), ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	r, err := s.Revoke(ctx, "storefront-a", "order-11")
	if err != nil {
		t.Fatalf("revoke pending: %v", err)
	}
	if r.Status != domain.StatusRejected {
		t.Fatalf("status = %q; want rejected", r.Status)
	}

	// Redelivered refund webhook: already rejected is a no-op.
	if _, err := s.Revoke(ctx, "storefront-a", "order-11"); err != nil {
		t.Fatalf("redelivered revoke: %v", err)
	}
}

func TestRevoke_PaidIsTerminal(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	created, err := s.AddPendingReferral(ctx, "storefront-a", "order-12", snap(), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Complete(ctx, "storefront-a", "order-12"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	ok, err := repo.AdvanceStatus(ctx, s.DB, created.ID, []domain.Status{domain.StatusUnpaid}, domain.StatusPaid)
	if err != nil || !ok {
		t.Fatalf("mark paid: ok=%v err=%v", ok, err)
	}

	if _, err := s.Revoke(ctx, "storefront-a", "order-12"); !errors.Is(err, ErrNotRevocable) {
		t.Fatalf("expected ErrNotRevocable for paid, got %v", err)
	}
}

func TestReassign(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	created, err := s.AddPendingReferral(ctx, "storefront-a", "order-13", snap(), "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := repo.MarkFailed(ctx, s.DB, created.ID, "self_referral"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	r, err := s.Reassign(ctx, "storefront-a", "order-13", "aff-2")
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if r.AffiliateID != "aff-2" {
		t.Fatalf("affiliate = %q; want aff-2", r.AffiliateID)
	}
	if r.Status != domain.StatusPending {
		t.Fatalf("status = %q; want pending", r.Status)
	}
	if !r.Amount.Equal(created.Amount) || len(r.Products) != len(created.Products) {
		t.Fatalf("reassigned referral must inherit stored detail: %s vs %s", r.Amount, created.Amount)
	}
	if r.ID == created.ID {
		t.Fatalf("reassignment must mint a fresh referral row")
	}

	// The old row is gone; exactly one referral remains for the reference.
	var n int64
	if err := s.DB.Model(&domain.Referral{}).
		Where("context = ? AND reference = ?", "storefront-a", "order-13").
		Count(&n).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 1 {
		t.Fatalf("rows for reference = %d; want 1", n)
	}
}

func TestReassign_PreCalculationFailureKeepsZeroAmount(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	// A self-referral fails before the commission is computed, so the row
	// carries no amount or line detail.
	sn := snap()
	sn.CustomerEmail = "one@example.com"
	failed, err := s.AddPendingReferral(ctx, "storefront-a", "order-15", sn, "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if failed.Status != domain.StatusFailed || !failed.Amount.IsZero() {
		t.Fatalf("setup: %+v", failed)
	}

	// Re-attribution carries the stored amount as-is; the replacement is
	// pending with amount zero and the admin owns correcting it.
	r, err := s.Reassign(ctx, "storefront-a", "order-15", "aff-2")
	if err != nil {
		t.Fatalf("reassign: %v", err)
	}
	if r.Status != domain.StatusPending {
		t.Fatalf("status = %q; want pending", r.Status)
	}
	if !r.Amount.IsZero() || len(r.Products) != 0 {
		t.Fatalf("pre-calculation failure must reassign with zero detail: %+v", r)
	}
	if r.FailReason != "" {
		t.Fatalf("replacement must not inherit the audit reason, got %q", r.FailReason)
	}
}

func TestReassign_OnlyFromFailed(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	if _, err := s.AddPendingReferral(ctx, "storefront-a", "order-14", snap(), ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Reassign(ctx, "storefront-a", "order-14", "aff-2"); !errors.Is(err, ErrNotReassignable) {
		t.Fatalf("expected ErrNotReassignable, got %v", err)
	}
	if _, err := s.Reassign(ctx, "storefront-a", "missing", "aff-2"); !errors.Is(err, ErrReferralNotFound) {
		t.Fatalf("expected ErrReferralNotFound, got %v", err)
	}
}

func TestListByAffiliate(t *testing.T) {
	s := newService(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := s.AddPendingReferral(ctx, "storefront-a", fmt.Sprintf("order-20%d", i), snap(), ""); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	items, total, err := s.ListByAffiliate(ctx, "aff-1", 1, 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 || len(items) != 3 {
		t.Fatalf("page 1: total=%d len=%d; want 5/3", total, len(items))
	}

	items, total, err = s.ListByAffiliate(ctx, "aff-1", 2, 3)
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if total != 5 || len(items) != 2 {
		t.Fatalf("page 2: total=%d len=%d; want 5/2", total, len(items))
	}

	_, total, err = s.ListByAffiliate(ctx, "aff-9", 1, 3)
	if err != nil || total != 0 {
		t.Fatalf("unknown affiliate: total=%d err=%v", total, err)
	}
}
