// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Visit
// model used by click tracking and reconciliation retro-linking.
package repo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-referral-backend/internal/domain"
)

// CreateVisit inserts a tracked click for affiliateID. The visit is not yet
// linked to any referral; linking happens when a transaction converts.
func CreateVisit(ctx context.Context, db *gorm.DB, affiliateID, ip, url, context_ string) (*domain.Visit, error) {
	v := &domain.Visit{
		ID:          uuid.NewString(),
		AffiliateID: affiliateID,
		IP:          ip,
		URL:         url,
		Context:     context_,
		Date:        time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(v).Error; err != nil {
		return nil, err
	}
	return v, nil
}

// FindMatchingVisit locates the most recent unlinked visit matching the
// tracking context captured at checkout time (ip + url + affiliate), or
// ErrNotFound. Used by reconciliation to retroactively attach the click that
// produced a gateway conversion.
func FindMatchingVisit(ctx context.Context, db *gorm.DB, ip, url, affiliateID string) (*domain.Visit, error) {
	var v domain.Visit
	err := db.WithContext(ctx).
		Where("ip = ? AND url = ? AND affiliate_id = ? AND referral_id IS NULL", ip, url, affiliateID).
		Order("date desc").
		First(&v).Error
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// LinkVisit retroactively stamps a matched visit with the final affiliate,
// referral, and context. It only ever updates an existing row; visits are
// never created from the reconciliation path.
func LinkVisit(ctx context.Context, db *gorm.DB, visitID, affiliateID, referralID, context_ string) error {
	res := db.WithContext(ctx).
		Model(&domain.Visit{}).
		Where("id = ?", visitID).
		Updates(map[string]any{
			"affiliate_id": affiliateID,
			"referral_id":  referralID,
			"context":      context_,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
