// Gateway HTTP handlers.
//
// This file exposes the reconciliation surface for the asynchronous payment
// gateway:
//   - POST /checkout/sessions   (mint a signed payment reference)
//   - POST /webhooks/gateway    (success/failure callback, nonce-verified)
//
// The webhook carries the nonce minted at checkout time; a mismatch drops
// the callback without touching any referral row.
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/tbourn/go-referral-backend/internal/domain"
	"github.com/tbourn/go-referral-backend/internal/http/middleware"
	"github.com/tbourn/go-referral-backend/internal/reconcile"
)

// CreateCheckoutSessionRequest is the JSON payload for minting gateway
// checkout metadata.
type CreateCheckoutSessionRequest struct {
	// AffiliateID is the affiliate the visitor was tracked to, if any.
	AffiliateID string `json:"affiliate_id,omitempty" example:"aff-42"`
	// URL is the page the checkout started from, used for visit linking.
	URL string `json:"url,omitempty" example:"https://shop.example/checkout"`
	// TestMode marks gateway test transactions.
	TestMode bool `json:"test_mode,omitempty" example:"false"`
}

// GatewayWebhookRequest is the JSON payload of a gateway callback.
type GatewayWebhookRequest struct {
	// Type is "success" or "failure".
	Type string `json:"type" binding:"required,oneof=success failure" example:"success"`
	// Reference is the payment reference minted at checkout.
	Reference string `json:"reference" binding:"required" example:"1042"`
	// Nonce is the HMAC minted alongside the reference.
	Nonce string `json:"nonce" binding:"required"`
	// AffiliateID echoes the checkout metadata.
	AffiliateID string `json:"affiliate_id,omitempty" example:"aff-42"`
	// BillingEmail is the confirmed billing identity (success only).
	BillingEmail string `json:"billing_email,omitempty" example:"buyer@example.com"`
	// Description optionally names the purchased item.
	Description string `json:"description,omitempty" example:"pro plan"`
	// Amount is the confirmed charge amount (success only).
	Amount decimal.Decimal `json:"amount,omitempty"`
	// Reason is the gateway decline reason (failure only).
	Reason string `json:"reason,omitempty" example:"card_declined"`
	// IP and URL echo the checkout tracking context for visit linking.
	IP       string `json:"ip,omitempty" example:"203.0.113.7"`
	URL      string `json:"url,omitempty" example:"https://shop.example/checkout"`
	TestMode bool   `json:"test_mode,omitempty"`
}

// CreateCheckoutSession godoc
// @ID          createCheckoutSession
// @Summary     Mint gateway checkout metadata
// @Description Allocates the next monotonically increasing payment reference and signs it; the metadata travels with the gateway redirect and comes back in the webhook.
// @Tags        Gateway
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.CreateCheckoutSessionRequest  true  "Checkout context"
//
// @Success     201  {object} reconcile.Metadata
// @Failure     400  {object} handlers.ErrorResponse "Invalid payload"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /checkout/sessions [post]
func (h *Handlers) CreateCheckoutSession(c *gin.Context) {
	var req CreateCheckoutSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	m, err := h.gateway.MintMetadata(c.Request.Context(), strings.TrimSpace(req.AffiliateID), c.ClientIP(), strings.TrimSpace(req.URL), req.TestMode)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusCreated, m)
}

// GatewayWebhook godoc
// @ID          gatewayWebhook
// @Summary     Gateway settlement callback
// @Description Reconciles a success or failure callback against the referral store. Callbacks with an invalid nonce are dropped; callbacks with nothing to settle are acknowledged as skipped.
// @Tags        Gateway
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.GatewayWebhookRequest  true  "Callback payload"
//
// @Success     200  {object} domain.Referral
// @Failure     400  {object} handlers.ErrorResponse "Invalid payload"
// @Failure     401  {object} handlers.ErrorResponse "Nonce mismatch"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /webhooks/gateway [post]
func (h *Handlers) GatewayWebhook(c *gin.Context) {
	var req GatewayWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "type, reference and nonce are required")
		return
	}
	ctx := c.Request.Context()

	var r *domain.Referral
	var err error
	switch req.Type {
	case "success":
		r, err = h.gateway.HandleSuccess(ctx, reconcile.SuccessEvent{
			Reference:    req.Reference,
			Nonce:        req.Nonce,
			AffiliateID:  req.AffiliateID,
			BillingEmail: req.BillingEmail,
			Description:  req.Description,
			Amount:       req.Amount,
			IP:           req.IP,
			URL:          req.URL,
			TestMode:     req.TestMode,
		})
	default:
		r, err = h.gateway.HandleFailure(ctx, reconcile.FailureEvent{
			Reference:   req.Reference,
			Nonce:       req.Nonce,
			AffiliateID: req.AffiliateID,
			Reason:      req.Reason,
			IP:          req.IP,
			URL:         req.URL,
			TestMode:    req.TestMode,
		})
	}
	if err != nil {
		switch {
		case errors.Is(err, reconcile.ErrInvalidNonce):
			fail(c, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid nonce")
		case errors.Is(err, reconcile.ErrNoAffiliate):
			ok(c, http.StatusOK, SkippedResponse{Skipped: true, Reason: "no affiliate to credit"})
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}
	middleware.ObserveReferralOutcome(string(r.Status))
	ok(c, http.StatusOK, r)
}
