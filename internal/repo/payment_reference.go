// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file mints gateway payment references from a
// persisted auto-increment counter.
package repo

import (
	"context"

	"gorm.io/gorm"

	"github.com/tbourn/go-referral-backend/internal/domain"
)

// NextPaymentReference allocates the next monotonically increasing reference
// for a gateway checkout session. Each call inserts one counter row; the
// database assigns the auto-increment primary key, so concurrent checkouts
// get distinct, ordered references without application-level locking.
func NextPaymentReference(ctx context.Context, db *gorm.DB, affiliateID string) (uint, error) {
	row := &domain.PaymentReference{AffiliateID: affiliateID}
	if err := db.WithContext(ctx).Create(row).Error; err != nil {
		return 0, err
	}
	return row.ID, nil
}
