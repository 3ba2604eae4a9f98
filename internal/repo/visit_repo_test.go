package repo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/tbourn/go-referral-backend/internal/domain"
)

func TestCreateAndMatchVisit(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	older := &domain.Visit{
		ID: uuid.NewString(), AffiliateID: "aff-1",
		IP: "203.0.113.7", URL: "https://shop.example/course",
		Date: time.Now().UTC().Add(-2 * time.Hour),
	}
	if err := db.Create(older).Error; err != nil {
		t.Fatalf("seed older visit: %v", err)
	}

	newer, err := CreateVisit(ctx, db, "aff-1", "203.0.113.7", "https://shop.example/course", "")
	if err != nil {
		t.Fatalf("CreateVisit: %v", err)
	}

	got, err := FindMatchingVisit(ctx, db, "203.0.113.7", "https://shop.example/course", "aff-1")
	if err != nil {
		t.Fatalf("FindMatchingVisit: %v", err)
	}
	if got.ID != newer.ID {
		t.Fatalf("expected most recent visit %s, got %s", newer.ID, got.ID)
	}
}

func TestFindMatchingVisit_SkipsLinked(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	v, _ := CreateVisit(ctx, db, "aff-1", "198.51.100.4", "https://shop.example/x", "")
	if err := LinkVisit(ctx, db, v.ID, "aff-1", uuid.NewString(), "gateway"); err != nil {
		t.Fatalf("LinkVisit: %v", err)
	}

	if _, err := FindMatchingVisit(ctx, db, "198.51.100.4", "https://shop.example/x", "aff-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("linked visit must not match again, got %v", err)
	}
}

func TestLinkVisit_MissingRow(t *testing.T) {
	db := newTestDB(t)
	if err := LinkVisit(context.Background(), db, uuid.NewString(), "aff-1", uuid.NewString(), "gateway"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestNextPaymentReference_Monotonic(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	a, err := NextPaymentReference(ctx, db, "aff-1")
	if err != nil {
		t.Fatalf("NextPaymentReference: %v", err)
	}
	b, err := NextPaymentReference(ctx, db, "aff-2")
	if err != nil {
		t.Fatalf("NextPaymentReference: %v", err)
	}
	if b <= a {
		t.Fatalf("references must increase: %d then %d", a, b)
	}
}

func TestNextPaymentReference_ConcurrentMintingUnique(t *testing.T) {
	db := newTestDB(t)
	// A single pooled connection keeps shared-cache sqlite from returning
	// busy errors; the minters still race at the Go level.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	ctx := context.Background()

	const minters = 16
	refs := make(chan uint, minters)
	errs := make(chan error, minters)
	var wg sync.WaitGroup
	for i := 0; i < minters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ref, err := NextPaymentReference(ctx, db, "aff-1")
			if err != nil {
				errs <- err
				return
			}
			refs <- ref
		}()
	}
	wg.Wait()
	close(refs)
	close(errs)

	for err := range errs {
		t.Fatalf("NextPaymentReference: %v", err)
	}
	seen := make(map[uint]bool, minters)
	for ref := range refs {
		if seen[ref] {
			t.Fatalf("reference %d minted twice", ref)
		}
		seen[ref] = true
	}
	if len(seen) != minters {
		t.Fatalf("minted %d unique references; want %d", len(seen), minters)
	}
}
