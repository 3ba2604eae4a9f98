// Transaction HTTP handlers.
//
// This file exposes the REST endpoints platform adapters call with
// transaction signals:
//   - POST /transactions                                  (submit a snapshot)
//   - POST /transactions/{context}/{reference}/confirm    (payment confirmed)
//   - POST /transactions/{context}/{reference}/refund     (refund/cancel)
//
// Signals are published on the event bus rather than calling the service
// directly, so the enabled-integration gate and any extra subscribers apply
// uniformly. The handler reads the resulting referral back for the response
// body.
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-referral-backend/internal/domain"
	"github.com/tbourn/go-referral-backend/internal/events"
	"github.com/tbourn/go-referral-backend/internal/http/middleware"
	"github.com/tbourn/go-referral-backend/internal/services"
)

// CreateTransactionRequest is the JSON payload for submitting a normalized
// transaction snapshot.
type CreateTransactionRequest struct {
	// Context is the integration context the transaction belongs to.
	Context string `json:"context" binding:"required" example:"storefront-a"`
	// Reference is the external transaction identifier, unique per context.
	Reference string `json:"reference" binding:"required" example:"order-1001"`
	// ManualAffiliateID optionally forces attribution to one affiliate.
	ManualAffiliateID string `json:"manual_affiliate_id,omitempty" example:"aff-42"`
	// Snapshot is the adapter-normalized order.
	Snapshot domain.OrderSnapshot `json:"snapshot" binding:"required"`
}

// SkippedResponse is returned when a transaction yields no referral without
// being an error (nothing to credit).
type SkippedResponse struct {
	Skipped bool   `json:"skipped" example:"true"`
	Reason  string `json:"reason" example:"no affiliate attributed"`
}

// CreateTransaction godoc
// @ID          createTransaction
// @Summary     Submit a transaction for attribution
// @Description Publishes the snapshot as a transaction-created event. On success the (possibly failed) referral is returned; a transaction nobody gets credit for is reported as skipped, not as an error.
// @Tags        Transactions
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.CreateTransactionRequest  true  "Transaction snapshot"
//
// @Success     201  {object} domain.Referral
// @Success     200  {object} handlers.SkippedResponse "Nothing to credit"
// @Failure     400  {object} handlers.ErrorResponse "Invalid payload"
// @Failure     403  {object} handlers.ErrorResponse "Integration context disabled"
// @Failure     409  {object} handlers.ErrorResponse "Active referral already exists"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /transactions [post]
func (h *Handlers) CreateTransaction(c *gin.Context) {
	var req CreateTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}
	ctx := c.Request.Context()

	err := h.bus.Publish(ctx, events.Event{
		Type:              events.TransactionCreated,
		Context:           strings.TrimSpace(req.Context),
		Reference:         strings.TrimSpace(req.Reference),
		Snapshot:          req.Snapshot,
		ManualAffiliateID: strings.TrimSpace(req.ManualAffiliateID),
	})
	if err != nil {
		switch {
		case errors.Is(err, events.ErrContextDisabled):
			fail(c, http.StatusForbidden, ErrCodeContextDisabled, "integration context is disabled")
		case errors.Is(err, services.ErrNoAttribution):
			ok(c, http.StatusOK, SkippedResponse{Skipped: true, Reason: "no affiliate attributed"})
		case errors.Is(err, services.ErrDuplicateActive):
			fail(c, http.StatusConflict, ErrCodeConflict, "active referral already exists for reference")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}

	r, err := h.svc.GetByReference(ctx, strings.TrimSpace(req.Context), strings.TrimSpace(req.Reference))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	middleware.ObserveReferralOutcome(string(r.Status))
	ok(c, http.StatusCreated, r)
}

// ConfirmTransaction godoc
// @ID          confirmTransaction
// @Summary     Confirm a transaction's payment
// @Description Publishes a transaction-confirmed event, completing the pending referral. Redelivery is a no-op.
// @Tags        Transactions
// @Produce     json
//
// @Param       context    path  string  true  "Integration context"    example(storefront-a)
// @Param       reference  path  string  true  "Transaction reference"  example(order-1001)
//
// @Success     200  {object} domain.Referral
// @Failure     403  {object} handlers.ErrorResponse "Integration context disabled"
// @Failure     404  {object} handlers.ErrorResponse "Referral not found"
// @Failure     409  {object} handlers.ErrorResponse "Referral not awaiting completion"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /transactions/{context}/{reference}/confirm [post]
func (h *Handlers) ConfirmTransaction(c *gin.Context) {
	h.publishLifecycle(c, events.TransactionConfirmed)
}

// RefundTransaction godoc
// @ID          refundTransaction
// @Summary     Refund a transaction
// @Description Publishes a transaction-refunded event. The referral is rejected when the revoke-on-refund policy is enabled; otherwise the event is acknowledged and ignored.
// @Tags        Transactions
// @Produce     json
//
// @Param       context    path  string  true  "Integration context"    example(storefront-a)
// @Param       reference  path  string  true  "Transaction reference"  example(order-1001)
//
// @Success     200  {object} domain.Referral
// @Failure     403  {object} handlers.ErrorResponse "Integration context disabled"
// @Failure     404  {object} handlers.ErrorResponse "Referral not found"
// @Failure     409  {object} handlers.ErrorResponse "Referral cannot be revoked"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /transactions/{context}/{reference}/refund [post]
func (h *Handlers) RefundTransaction(c *gin.Context) {
	h.publishLifecycle(c, events.TransactionRefunded)
}

// publishLifecycle publishes a reference-only lifecycle event and responds
// with the referral's current state.
func (h *Handlers) publishLifecycle(c *gin.Context, t events.Type) {
	ctx := c.Request.Context()
	context_ := c.Param("context")
	reference := c.Param("reference")

	err := h.bus.Publish(ctx, events.Event{Type: t, Context: context_, Reference: reference})
	if err != nil {
		switch {
		case errors.Is(err, events.ErrContextDisabled):
			fail(c, http.StatusForbidden, ErrCodeContextDisabled, "integration context is disabled")
		case errors.Is(err, services.ErrReferralNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "referral not found")
		case errors.Is(err, services.ErrNotCompletable):
			fail(c, http.StatusConflict, ErrCodeNotCompletable, "referral is not awaiting completion")
		case errors.Is(err, services.ErrNotRevocable):
			fail(c, http.StatusConflict, ErrCodeNotRevocable, "referral cannot be revoked from its current status")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}

	r, err := h.svc.GetByReference(ctx, context_, reference)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	middleware.ObserveReferralOutcome(string(r.Status))
	ok(c, http.StatusOK, r)
}
