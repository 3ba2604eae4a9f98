// Package services – ReferralService
//
// This file implements the ReferralService, which owns the referral
// lifecycle: attributing an affiliate to an incoming transaction, computing
// the commission, running the eligibility guard, and advancing the record
// through its state machine as confirmation signals arrive. Service-level
// errors (e.g. ErrDuplicateActive, ErrNoAttribution, ErrNotReassignable) are
// returned for predictable cases so handlers can map them to HTTP results
// consistently.
//
// Concurrency & atomicity:
//   - Every operation runs inside a transaction. The active-uniqueness
//     invariant itself is enforced by the partial unique index in the repo
//     layer, so two concurrent attempts for the same reference resolve to
//     exactly one draft and one ErrDuplicateActive, never two drafts.
//   - Status transitions are compare-and-swap updates; a redelivered signal
//     finds no row in the expected source state and becomes a no-op.
package services

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-referral-backend/internal/attribution"
	"github.com/tbourn/go-referral-backend/internal/commission"
	"github.com/tbourn/go-referral-backend/internal/config"
	"github.com/tbourn/go-referral-backend/internal/domain"
	"github.com/tbourn/go-referral-backend/internal/fraud"
	"github.com/tbourn/go-referral-backend/internal/repo"
)

// AffiliateDirectory resolves an affiliate id to the email of the account
// that owns it, for the self-referral check. Affiliate accounts live in the
// platform, not in this engine, so the directory is an injected boundary.
type AffiliateDirectory interface {
	// AccountEmail returns the affiliate's account email, or "" when the
	// affiliate is unknown.
	AccountEmail(ctx context.Context, affiliateID string) (string, error)
}

// StaticDirectory is a map-backed AffiliateDirectory, suitable for
// configuration-driven deployments and tests.
type StaticDirectory map[string]string

// AccountEmail implements AffiliateDirectory.
func (d StaticDirectory) AccountEmail(_ context.Context, affiliateID string) (string, error) {
	return d[affiliateID], nil
}

// ReferralService implements the use-cases around referral lifecycle
// management. It is context-aware and opens its own transaction per call.
type ReferralService struct {
	// DB is the database handle used for all referral operations.
	DB *gorm.DB
	// Policy is the immutable site-wide referral policy.
	Policy config.PolicyConfig
	// Affiliates resolves affiliate account emails; nil disables the
	// self-referral check (no directory to compare against).
	Affiliates AffiliateDirectory
	// AmountOverride optionally adjusts the computed amount before it is
	// persisted (platform-specific surcharge rules).
	AmountOverride commission.Override
	// CompletionHook optionally vets a completion after the optimistic
	// status advance; an error rolls the transition back.
	CompletionHook func(*domain.Referral) error
}

// AddPendingReferral runs the full attribution flow for one transaction
// event: resolve the affiliate, create a draft, compute the commission, run
// the eligibility guard, and hydrate the draft to pending.
//
// Outcomes:
//   - (referral, nil) with status pending: the happy path.
//   - (referral, nil) with status failed: an eligibility check failed; the
//     row carries the audit reason.
//   - (nil, ErrNoAttribution): no affiliate earns credit; nothing persisted.
//   - (nil, ErrDuplicateActive): an active referral already exists.
//   - (nil, err) for unexpected DB failures.
func (s *ReferralService) AddPendingReferral(ctx context.Context, context_, reference string, snap domain.OrderSnapshot, manualAffiliateID string) (*domain.Referral, error) {
	lg := log.With().Str("context", context_).Str("reference", reference).Logger()

	var out *domain.Referral
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := repo.GetByReference(ctx, tx, context_, reference)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		existingCompleted := existing != nil && existing.Status.IsCompleted()

		affiliateID, ok := attribution.Resolve(attribution.Request{
			ManualAffiliateID: manualAffiliateID,
			Coupons:           snap.Coupons,
			Tracking:          snap.Tracking,
			ExistingCompleted: existingCompleted,
		}, s.Policy)
		if !ok {
			return ErrNoAttribution
		}

		affiliateEmail := ""
		if s.Affiliates != nil {
			if affiliateEmail, err = s.Affiliates.AccountEmail(ctx, affiliateID); err != nil {
				return err
			}
		}

		pre := fraud.Pre(fraud.PreInput{
			AffiliateID:        affiliateID,
			AffiliateEmail:     affiliateEmail,
			CustomerEmail:      snap.CustomerEmail,
			SubscriptionSwitch: snap.SubscriptionSwitch,
			ExistingCompleted:  existingCompleted,
		}, s.Policy, lg)
		if pre != nil && pre.Check == fraud.CheckDuplicateCompleted {
			// Rejected outright: no new draft for an already-converted
			// reference.
			return ErrDuplicateActive
		}

		draft, err := repo.InsertDraft(ctx, tx, affiliateID, context_, reference, snap.Custom)
		if err != nil {
			if errors.Is(err, repo.ErrDuplicateActive) {
				return ErrDuplicateActive
			}
			return err
		}

		if pre != nil {
			if err := repo.MarkFailed(ctx, tx, draft.ID, pre.Reason); err != nil {
				return err
			}
			out, err = repo.GetReferral(ctx, tx, draft.ID)
			return err
		}

		calc := commission.Calculate(snap, s.Policy, s.AmountOverride)

		if post := fraud.Post(calc.Description, calc.Amount, s.Policy, lg); post != nil {
			if err := repo.MarkFailed(ctx, tx, draft.ID, post.Reason); err != nil {
				return err
			}
			out, err = repo.GetReferral(ctx, tx, draft.ID)
			return err
		}

		var visitID *string
		if v := snap.Tracking.VisitID; v != "" {
			visitID = &v
		}
		if err := repo.HydrateDraft(ctx, tx, draft.ID, repo.Hydration{
			Status:      domain.StatusPending,
			Amount:      calc.Amount,
			OrderTotal:  snap.OrderTotal,
			Description: calc.Description,
			Products:    calc.Products,
			VisitID:     visitID,
		}); err != nil {
			return err
		}

		out, err = repo.GetReferral(ctx, tx, draft.ID)
		if err != nil {
			return err
		}
		lg.Info().
			Str("referral_id", out.ID).
			Str("affiliate_id", out.AffiliateID).
			Str("amount", out.Amount.String()).
			Msg("referral pending")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Complete advances a pending referral to unpaid on confirmed payment.
// Idempotent: completing an already-completed referral returns it unchanged.
// The optimistic advance is rolled back when the completion hook rejects it.
func (s *ReferralService) Complete(ctx context.Context, context_, reference string) (*domain.Referral, error) {
	var out *domain.Referral
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := repo.GetActiveByReference(ctx, tx, context_, reference)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				if _, ferr := repo.GetByReference(ctx, tx, context_, reference); ferr == nil {
					return ErrNotCompletable
				}
				return ErrReferralNotFound
			}
			return err
		}

		if r.Status.IsCompleted() {
			out = r
			return nil
		}
		if r.Status == domain.StatusDraft {
			return ErrNotCompletable
		}

		ok, err := repo.AdvanceStatus(ctx, tx, r.ID, []domain.Status{domain.StatusPending}, domain.StatusUnpaid)
		if err != nil {
			return err
		}
		if !ok {
			// A concurrent completion won the race; re-read and treat as
			// the idempotent no-op it is.
			cur, err := repo.GetReferral(ctx, tx, r.ID)
			if err != nil {
				return err
			}
			if !cur.Status.IsCompleted() {
				return ErrNotCompletable
			}
			out = cur
			return nil
		}

		out, err = repo.GetReferral(ctx, tx, r.ID)
		if err != nil {
			return err
		}
		if s.CompletionHook != nil {
			// An error here aborts the transaction, restoring the prior
			// status.
			if err := s.CompletionHook(out); err != nil {
				return err
			}
		}
		log.Info().Str("referral_id", out.ID).Str("reference", reference).Msg("referral completed")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Revoke rejects a pending or unpaid referral after a refund/cancellation.
// The revoke-on-refund policy gates the call at the call site, not here.
// Idempotent for already-rejected references; paid is terminal.
func (s *ReferralService) Revoke(ctx context.Context, context_, reference string) (*domain.Referral, error) {
	var out *domain.Referral
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := repo.GetByReference(ctx, tx, context_, reference)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrReferralNotFound
			}
			return err
		}

		switch r.Status {
		case domain.StatusRejected:
			out = r
			return nil
		case domain.StatusPending, domain.StatusUnpaid:
			ok, err := repo.AdvanceStatus(ctx, tx, r.ID, []domain.Status{domain.StatusPending, domain.StatusUnpaid}, domain.StatusRejected)
			if err != nil {
				return err
			}
			if !ok {
				return ErrNotRevocable
			}
			out, err = repo.GetReferral(ctx, tx, r.ID)
			if err != nil {
				return err
			}
			log.Info().Str("referral_id", out.ID).Str("reference", reference).Msg("referral revoked")
			return nil
		default:
			// draft, failed, paid
			return ErrNotRevocable
		}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Reassign re-attributes a failed referral to a new affiliate: the failed
// row is deleted and a fresh referral is created under the same reference,
// inheriting the stored order detail so downstream reporting is unaffected.
// The amount is carried as stored: when the original failed before the
// commission was computed (self-referral, adapter block) the replacement is
// pending with amount zero. Re-attribution is an explicit admin correction,
// so the eligibility guard is deliberately not re-run; the admin owns fixing
// the amount if the platform re-sends the transaction.
func (s *ReferralService) Reassign(ctx context.Context, context_, reference, newAffiliateID string) (*domain.Referral, error) {
	var out *domain.Referral
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		r, err := repo.GetByReference(ctx, tx, context_, reference)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return ErrReferralNotFound
			}
			return err
		}
		if r.Status != domain.StatusFailed {
			return ErrNotReassignable
		}

		if err := repo.DeleteReferral(ctx, tx, r.ID); err != nil {
			return err
		}
		draft, err := repo.InsertDraft(ctx, tx, newAffiliateID, context_, reference, r.Custom)
		if err != nil {
			if errors.Is(err, repo.ErrDuplicateActive) {
				return ErrDuplicateActive
			}
			return err
		}
		if err := repo.HydrateDraft(ctx, tx, draft.ID, repo.Hydration{
			Status:      domain.StatusPending,
			Amount:      r.Amount,
			OrderTotal:  r.OrderTotal,
			Description: r.Description,
			Products:    r.Products,
			VisitID:     r.VisitID,
		}); err != nil {
			return err
		}
		out, err = repo.GetReferral(ctx, tx, draft.ID)
		if err != nil {
			return err
		}
		log.Info().
			Str("reference", reference).
			Str("from_affiliate", r.AffiliateID).
			Str("to_affiliate", newAffiliateID).
			Msg("referral reassigned")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RecordVisit stores a tracked click so reconciliation can retroactively
// link it to the referral it produces.
func (s *ReferralService) RecordVisit(ctx context.Context, affiliateID, ip, url, context_ string) (*domain.Visit, error) {
	return repo.CreateVisit(ctx, s.DB, affiliateID, ip, url, context_)
}

// GetByReference returns the referral for (context, reference), preferring
// an active row over a failed attempt.
func (s *ReferralService) GetByReference(ctx context.Context, context_, reference string) (*domain.Referral, error) {
	r, err := repo.GetByReference(ctx, s.DB, context_, reference)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrReferralNotFound
		}
		return nil, err
	}
	return r, nil
}

// ListByAffiliate returns a page of the affiliate's referral history, most
// recent first, with the total count for pagination metadata. Failed rows
// are included so the affiliate can see non-converted attempts.
func (s *ReferralService) ListByAffiliate(ctx context.Context, affiliateID string, page, pageSize int) ([]domain.Referral, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := repo.CountReferralsByAffiliate(ctx, s.DB, affiliateID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Referral{}, 0, nil
	}

	items, err := repo.ListReferralsPage(ctx, s.DB, affiliateID, offset, pageSize)
	return items, total, err
}
