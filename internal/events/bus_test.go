package events

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
	"github.com/tbourn/go-referral-backend/internal/services"
)

func TestPublish_DisabledContextRejected(t *testing.T) {
	cfg := config.Config{Integrations: []string{"storefront-a"}}
	d := NewDispatcher(cfg.IntegrationEnabled)

	called := false
	d.Subscribe(TransactionCreated, func(context.Context, Event) error {
		called = true
		return nil
	})

	err := d.Publish(context.Background(), Event{Type: TransactionCreated, Context: "lms-b"})
	if !errors.Is(err, ErrContextDisabled) {
		t.Fatalf("expected ErrContextDisabled, got %v", err)
	}
	if called {
		t.Fatalf("handler must not run for a disabled context")
	}

	if err := d.Publish(context.Background(), Event{Type: TransactionCreated, Context: "storefront-a"}); err != nil {
		t.Fatalf("enabled context: %v", err)
	}
	if !called {
		t.Fatalf("handler must run for an enabled context")
	}
}

func TestPublish_OrderAndErrorAbort(t *testing.T) {
	d := NewDispatcher(nil)

	var order []int
	boom := errors.New("boom")
	d.Subscribe(TransactionConfirmed, func(context.Context, Event) error {
		order = append(order, 1)
		return nil
	})
	d.Subscribe(TransactionConfirmed, func(context.Context, Event) error {
		order = append(order, 2)
		return boom
	})
	d.Subscribe(TransactionConfirmed, func(context.Context, Event) error {
		order = append(order, 3)
		return nil
	})

	err := d.Publish(context.Background(), Event{Type: TransactionConfirmed, Context: "any"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("dispatch order = %v; want [1 2]", order)
	}
}

func TestPublish_NoSubscribersIsNoop(t *testing.T) {
	d := NewDispatcher(nil)
	if err := d.Publish(context.Background(), Event{Type: TransactionRefunded, Context: "x"}); err != nil {
		t.Fatalf("no subscribers: %v", err)
	}
}

func newCoreService(t *testing.T) *services.ReferralService {
	t.Helper()
	dsn := fmt.Sprintf("file:eventsbus_%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return &services.ReferralService{
		DB: db,
		Policy: config.PolicyConfig{
			RateMode:           config.RateModeLine,
			DefaultRate:        decimal.RequireFromString("20"),
			DefaultRateType:    config.RateTypePercentage,
			RoundDecimals:      2,
			CreditLastReferrer: true,
			IgnoreZeroAmount:   true,
			RevokeOnRefund:     true,
		},
	}
}

func TestRegisterCoreHandlers_Lifecycle(t *testing.T) {
	svc := newCoreService(t)
	d := NewDispatcher(nil)
	RegisterCoreHandlers(d, svc, svc.Policy)
	ctx := context.Background()

	sn := domain.OrderSnapshot{
		Lines:      []domain.OrderLine{{ProductID: "p1", Name: "course", Total: decimal.RequireFromString("100")}},
		OrderTotal: decimal.RequireFromString("100"),
		Tracking:   domain.TrackingContext{CookieAffiliateID: "aff-1"},
	}

	if err := d.Publish(ctx, Event{Type: TransactionCreated, Context: "storefront-a", Reference: "order-1", Snapshot: sn}); err != nil {
		t.Fatalf("created: %v", err)
	}
	r, err := svc.GetByReference(ctx, "storefront-a", "order-1")
	if err != nil || r.Status != domain.StatusPending {
		t.Fatalf("after created: %+v err=%v", r, err)
	}

	if err := d.Publish(ctx, Event{Type: TransactionConfirmed, Context: "storefront-a", Reference: "order-1"}); err != nil {
		t.Fatalf("confirmed: %v", err)
	}
	r, _ = svc.GetByReference(ctx, "storefront-a", "order-1")
	if r.Status != domain.StatusUnpaid {
		t.Fatalf("after confirm: %q", r.Status)
	}

	if err := d.Publish(ctx, Event{Type: TransactionRefunded, Context: "storefront-a", Reference: "order-1"}); err != nil {
		t.Fatalf("refunded: %v", err)
	}
	r, _ = svc.GetByReference(ctx, "storefront-a", "order-1")
	if r.Status != domain.StatusRejected {
		t.Fatalf("after refund: %q", r.Status)
	}
}

func TestRegisterCoreHandlers_RevokeGatedByPolicy(t *testing.T) {
	svc := newCoreService(t)
	svc.Policy.RevokeOnRefund = false
	d := NewDispatcher(nil)
	RegisterCoreHandlers(d, svc, svc.Policy)
	ctx := context.Background()

	sn := domain.OrderSnapshot{
		Lines:      []domain.OrderLine{{ProductID: "p1", Name: "course", Total: decimal.RequireFromString("100")}},
		OrderTotal: decimal.RequireFromString("100"),
		Tracking:   domain.TrackingContext{CookieAffiliateID: "aff-1"},
	}
	if err := d.Publish(ctx, Event{Type: TransactionCreated, Context: "storefront-a", Reference: "order-2", Snapshot: sn}); err != nil {
		t.Fatalf("created: %v", err)
	}

	// Refund ignored with the policy off.
	if err := d.Publish(ctx, Event{Type: TransactionRefunded, Context: "storefront-a", Reference: "order-2"}); err != nil {
		t.Fatalf("refunded: %v", err)
	}
	r, _ := svc.GetByReference(ctx, "storefront-a", "order-2")
	if r.Status != domain.StatusPending {
		t.Fatalf("refund must be ignored, got %q", r.Status)
	}

	// Cancellation is gated by the same policy.
	if err := d.Publish(ctx, Event{Type: TransactionCancelled, Context: "storefront-a", Reference: "order-2"}); err != nil {
		t.Fatalf("cancelled: %v", err)
	}
	r, _ = svc.GetByReference(ctx, "storefront-a", "order-2")
	if r.Status != domain.StatusPending {
		t.Fatalf("cancel must be ignored with the policy off, got %q", r.Status)
	}
}

func TestRegisterCoreHandlers_CancelRevokesWithPolicyOn(t *testing.T) {
	svc := newCoreService(t)
	d := NewDispatcher(nil)
	RegisterCoreHandlers(d, svc, svc.Policy)
	ctx := context.Background()

	sn := domain.OrderSnapshot{
		Lines:      []domain.OrderLine{{ProductID: "p1", Name: "course", Total: decimal.RequireFromString("100")}},
		OrderTotal: decimal.RequireFromString("100"),
		Tracking:   domain.TrackingContext{CookieAffiliateID: "aff-1"},
	}
	if err := d.Publish(ctx, Event{Type: TransactionCreated, Context: "storefront-a", Reference: "order-3", Snapshot: sn}); err != nil {
		t.Fatalf("created: %v", err)
	}

	if err := d.Publish(ctx, Event{Type: TransactionCancelled, Context: "storefront-a", Reference: "order-3"}); err != nil {
		t.Fatalf("cancelled: %v", err)
	}
	r, _ := svc.GetByReference(ctx, "storefront-a", "order-3")
	if r.Status != domain.StatusRejected {
		t.Fatalf("after cancel: %q; want rejected", r.Status)
	}
}
