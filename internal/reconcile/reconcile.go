// Package reconcile implements the asynchronous payment-gateway adapter.
//
// A gateway checkout runs outside the platform's normal order flow, so the
// engine mints its own reference up front (MintMetadata) and settles the
// referral later from signed webhook callbacks (HandleSuccess,
// HandleFailure). The reference is an auto-increment counter row, never an
// externally-controlled value, and every callback must present the
// HMAC-SHA256 nonce minted alongside it. A nonce mismatch drops the callback
// without touching any row; it is logged as a security event.
//
// Settlement is reconciliation, not blind application: the callback outcome
// is merged with whatever state the referral reached in the meantime. A late
// success corrects a failed referral; success and failure after a terminal
// paid or rejected state are no-ops.
package reconcile

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/tbourn/go-referral-backend/internal/commission"
	"github.com/tbourn/go-referral-backend/internal/config"
	"github.com/tbourn/go-referral-backend/internal/domain"
	"github.com/tbourn/go-referral-backend/internal/fraud"
	"github.com/tbourn/go-referral-backend/internal/repo"
	"github.com/tbourn/go-referral-backend/internal/services"
)

// ErrInvalidNonce is returned when a callback's nonce does not match the one
// minted for its reference. The callback is dropped with zero mutation.
var ErrInvalidNonce = errors.New("gateway nonce mismatch")

// ErrNoAffiliate is returned when a callback carries no affiliate and no
// prior referral exists for its reference, leaving nothing to settle.
var ErrNoAffiliate = errors.New("no affiliate to credit for gateway reference")

// Metadata is the checkout-session payload handed to the gateway redirect.
type Metadata struct {
	Reference   string `json:"reference"`
	Nonce       string `json:"nonce"`
	AffiliateID string `json:"affiliate_id,omitempty"`
	IP          string `json:"ip,omitempty"`
	URL         string `json:"url,omitempty"`
	TestMode    bool   `json:"test_mode,omitempty"`
}

// SuccessEvent is a confirmed-charge callback from the gateway.
type SuccessEvent struct {
	Reference    string
	Nonce        string
	AffiliateID  string
	BillingEmail string
	Description  string
	Amount       decimal.Decimal // confirmed charge amount
	IP           string
	URL          string
	TestMode     bool
}

// FailureEvent is a declined-charge callback from the gateway.
type FailureEvent struct {
	Reference   string
	Nonce       string
	AffiliateID string
	Reason      string // gateway decline reason, persisted for audit
	IP          string
	URL         string
	TestMode    bool
}

// Adapter reconciles gateway callbacks against the referral store.
type Adapter struct {
	// DB is the database handle shared with the rest of the engine.
	DB *gorm.DB
	// Secret keys the HMAC nonce. Callbacks without a matching nonce are
	// dropped.
	Secret string
	// Context is the integration context gateway referrals are stored
	// under.
	Context string
	// Policy is the site-wide referral policy.
	Policy config.PolicyConfig
	// Affiliates resolves account emails for the self-referral check; nil
	// disables it.
	Affiliates services.AffiliateDirectory
	// AmountOverride optionally adjusts the computed commission.
	AmountOverride commission.Override
}

// MintMetadata allocates the next payment reference and signs it for the
// gateway redirect. The tracking context travels with the metadata so the
// callback can retro-link the originating click.
func (a *Adapter) MintMetadata(ctx context.Context, affiliateID, ip, url string, testMode bool) (*Metadata, error) {
	var ref uint
	err := a.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		ref, err = repo.NextPaymentReference(ctx, tx, affiliateID)
		return err
	})
	if err != nil {
		return nil, err
	}
	reference := strconv.FormatUint(uint64(ref), 10)
	return &Metadata{
		Reference:   reference,
		Nonce:       a.nonce(reference),
		AffiliateID: affiliateID,
		IP:          ip,
		URL:         url,
		TestMode:    testMode,
	}, nil
}

// VerifyNonce reports whether nonce is the HMAC minted for reference. The
// comparison is constant-time.
func (a *Adapter) VerifyNonce(reference, nonce string) bool {
	return hmac.Equal([]byte(a.nonce(reference)), []byte(nonce))
}

func (a *Adapter) nonce(reference string) string {
	mac := hmac.New(sha256.New, []byte(a.Secret))
	mac.Write([]byte(reference))
	return hex.EncodeToString(mac.Sum(nil))
}

// HandleSuccess settles a confirmed gateway charge. Outcomes by prior state:
//   - no referral: create one for the event's affiliate and complete it
//   - pending or draft: complete it with the confirmed amount
//   - failed: correct it back onto the success path (late gateway success)
//   - unpaid/paid: idempotent no-op
//   - rejected: terminal no-op
//
// The most recent unlinked visit matching (ip, url, affiliate) is linked to
// the settled referral.
func (a *Adapter) HandleSuccess(ctx context.Context, ev SuccessEvent) (*domain.Referral, error) {
	lg := log.With().Str("context", a.Context).Str("reference", ev.Reference).Logger()
	if !a.VerifyNonce(ev.Reference, ev.Nonce) {
		lg.Warn().Str("event", "gateway_nonce_mismatch").Msg("dropping gateway success callback")
		return nil, ErrInvalidNonce
	}

	var out *domain.Referral
	err := a.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := repo.GetByReference(ctx, tx, a.Context, ev.Reference)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}

		if existing != nil {
			switch existing.Status {
			case domain.StatusUnpaid, domain.StatusPaid:
				out = existing
				return nil
			case domain.StatusRejected:
				out = existing
				return nil
			}
		}

		affiliateID := ev.AffiliateID
		if existing != nil && existing.AffiliateID != "" {
			affiliateID = existing.AffiliateID
		}
		if affiliateID == "" {
			return ErrNoAffiliate
		}

		res, err := a.checkIdentity(ctx, affiliateID, ev.BillingEmail, lg)
		if err != nil {
			return err
		}
		if res != nil {
			return a.settleFailure(ctx, tx, existing, affiliateID, ev, res.Reason, &out)
		}

		calc := commission.Calculate(a.snapshot(ev), a.Policy, a.AmountOverride)
		if post := fraud.Post(calc.Description, calc.Amount, a.Policy, lg); post != nil {
			return a.settleFailure(ctx, tx, existing, affiliateID, ev, post.Reason, &out)
		}

		var r *domain.Referral
		switch {
		case existing == nil:
			draft, err := repo.InsertDraft(ctx, tx, affiliateID, a.Context, ev.Reference, customBag(ev.TestMode))
			if err != nil {
				return err
			}
			if err := repo.HydrateDraft(ctx, tx, draft.ID, repo.Hydration{
				Status:      domain.StatusPending,
				Amount:      calc.Amount,
				OrderTotal:  ev.Amount,
				Description: calc.Description,
				Products:    calc.Products,
			}); err != nil {
				return err
			}
			r = draft

		case existing.Status == domain.StatusDraft:
			if err := repo.HydrateDraft(ctx, tx, existing.ID, repo.Hydration{
				Status:      domain.StatusPending,
				Amount:      calc.Amount,
				OrderTotal:  ev.Amount,
				Description: calc.Description,
				Products:    calc.Products,
				VisitID:     existing.VisitID,
			}); err != nil {
				return err
			}
			r = existing

		default: // pending or failed
			if err := repo.SetAmount(ctx, tx, existing.ID, calc.Amount, ev.Amount, calc.Description, calc.Products); err != nil {
				return err
			}
			if existing.Status == domain.StatusFailed {
				if ok, err := repo.AdvanceStatus(ctx, tx, existing.ID, []domain.Status{domain.StatusFailed}, domain.StatusPending); err != nil {
					return err
				} else if !ok {
					return repo.ErrStaleStatus
				}
				lg.Info().Str("referral_id", existing.ID).Msg("late gateway success corrected failed referral")
			}
			r = existing
		}

		if ok, err := repo.AdvanceStatus(ctx, tx, r.ID, []domain.Status{domain.StatusPending}, domain.StatusUnpaid); err != nil {
			return err
		} else if !ok {
			return repo.ErrStaleStatus
		}

		if err := a.linkVisit(ctx, tx, r.ID, affiliateID, ev.IP, ev.URL); err != nil {
			return err
		}

		out, err = repo.GetReferral(ctx, tx, r.ID)
		if err != nil {
			return err
		}
		lg.Info().
			Str("referral_id", out.ID).
			Str("amount", out.Amount.String()).
			Msg("gateway charge reconciled")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HandleFailure records a declined gateway charge. A completed or rejected
// referral wins over a late failure callback; anything still in flight is
// failed with the gateway's decline reason. The matching visit is linked
// even for failures so the click history stays complete.
func (a *Adapter) HandleFailure(ctx context.Context, ev FailureEvent) (*domain.Referral, error) {
	lg := log.With().Str("context", a.Context).Str("reference", ev.Reference).Logger()
	if !a.VerifyNonce(ev.Reference, ev.Nonce) {
		lg.Warn().Str("event", "gateway_nonce_mismatch").Msg("dropping gateway failure callback")
		return nil, ErrInvalidNonce
	}

	var out *domain.Referral
	err := a.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := repo.GetByReference(ctx, tx, a.Context, ev.Reference)
		if err != nil && !errors.Is(err, repo.ErrNotFound) {
			return err
		}

		affiliateID := ev.AffiliateID
		if existing != nil && existing.AffiliateID != "" {
			affiliateID = existing.AffiliateID
		}

		switch {
		case existing == nil:
			if affiliateID == "" {
				return ErrNoAffiliate
			}
			draft, err := repo.InsertDraft(ctx, tx, affiliateID, a.Context, ev.Reference, customBag(ev.TestMode))
			if err != nil {
				return err
			}
			if err := repo.MarkFailed(ctx, tx, draft.ID, declineReason(ev.Reason)); err != nil {
				return err
			}
			existing = draft

		case existing.Status == domain.StatusUnpaid || existing.Status == domain.StatusPaid || existing.Status == domain.StatusRejected:
			// Settled state wins over a late decline.
			out = existing
			return nil

		default: // draft, pending, failed
			if err := repo.MarkFailed(ctx, tx, existing.ID, declineReason(ev.Reason)); err != nil {
				return err
			}
		}

		if err := a.linkVisit(ctx, tx, existing.ID, affiliateID, ev.IP, ev.URL); err != nil {
			return err
		}

		out, err = repo.GetReferral(ctx, tx, existing.ID)
		if err != nil {
			return err
		}
		lg.Info().
			Str("referral_id", out.ID).
			Str("reason", out.FailReason).
			Msg("gateway decline recorded")
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// checkIdentity runs the identity-dependent guard with the billing email the
// gateway confirmed, which the original transaction event may not have had.
func (a *Adapter) checkIdentity(ctx context.Context, affiliateID, billingEmail string, lg zerolog.Logger) (*fraud.Result, error) {
	email := ""
	if a.Affiliates != nil {
		var err error
		if email, err = a.Affiliates.AccountEmail(ctx, affiliateID); err != nil {
			return nil, err
		}
	}
	return fraud.Pre(fraud.PreInput{
		AffiliateID:    affiliateID,
		AffiliateEmail: email,
		CustomerEmail:  billingEmail,
	}, a.Policy, lg), nil
}

// snapshot wraps the confirmed charge as a one-line order so the regular
// calculator applies the configured rate to it.
func (a *Adapter) snapshot(ev SuccessEvent) domain.OrderSnapshot {
	name := ev.Description
	if name == "" {
		name = "gateway payment " + ev.Reference
	}
	return domain.OrderSnapshot{
		Lines:         []domain.OrderLine{{ProductID: "gateway-" + ev.Reference, Name: name, Total: ev.Amount}},
		CustomerEmail: ev.BillingEmail,
		OrderTotal:    ev.Amount,
	}
}

// settleFailure persists a guard failure found during success settlement:
// the referral exists (or is created) and carries the audit reason. The
// matching visit is linked even here so the click history stays complete.
func (a *Adapter) settleFailure(ctx context.Context, tx *gorm.DB, existing *domain.Referral, affiliateID string, ev SuccessEvent, reason string, out **domain.Referral) error {
	r := existing
	if r == nil {
		draft, err := repo.InsertDraft(ctx, tx, affiliateID, a.Context, ev.Reference, customBag(ev.TestMode))
		if err != nil {
			return err
		}
		r = draft
	}
	if err := repo.MarkFailed(ctx, tx, r.ID, reason); err != nil {
		return err
	}
	if err := a.linkVisit(ctx, tx, r.ID, affiliateID, ev.IP, ev.URL); err != nil {
		return err
	}
	cur, err := repo.GetReferral(ctx, tx, r.ID)
	if err != nil {
		return err
	}
	*out = cur
	return nil
}

// linkVisit attaches the most recent unlinked click matching the callback's
// tracking context, when there is one.
func (a *Adapter) linkVisit(ctx context.Context, tx *gorm.DB, referralID, affiliateID, ip, url string) error {
	if ip == "" || url == "" || affiliateID == "" {
		return nil
	}
	v, err := repo.FindMatchingVisit(ctx, tx, ip, url, affiliateID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	if err := repo.LinkVisit(ctx, tx, v.ID, affiliateID, referralID, a.Context); err != nil {
		return err
	}
	return repo.SetVisit(ctx, tx, referralID, v.ID)
}

func customBag(testMode bool) map[string]string {
	if !testMode {
		return nil
	}
	return map[string]string{"test_mode": "1"}
}

func declineReason(reason string) string {
	if reason == "" {
		return "gateway declined the charge"
	}
	return fmt.Sprintf("gateway declined the charge: %s", reason)
}
