// Referral HTTP handlers.
//
// This file exposes REST endpoints for referral resources:
//   - GET  /referrals/{context}/{reference}            (fetch one)
//   - POST /referrals/{context}/{reference}/reassign   (admin re-attribution)
//   - GET  /affiliates/{id}/referrals                  (list, paginated)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate domain/service errors into HTTP responses.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-referral-backend/internal/domain"
	"github.com/tbourn/go-referral-backend/internal/events"
	"github.com/tbourn/go-referral-backend/internal/reconcile"
	"github.com/tbourn/go-referral-backend/internal/services"
	"github.com/tbourn/go-referral-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// ReferralService defines the lifecycle operations consumed by HTTP handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type ReferralService interface {
	// GetByReference returns the referral for (context, reference).
	GetByReference(ctx context.Context, context_, reference string) (*domain.Referral, error)
	// Reassign re-attributes a failed referral to a new affiliate.
	Reassign(ctx context.Context, context_, reference, newAffiliateID string) (*domain.Referral, error)
	// ListByAffiliate returns a page of the affiliate's referral history.
	ListByAffiliate(ctx context.Context, affiliateID string, page, pageSize int) ([]domain.Referral, int64, error)
	// RecordVisit stores a tracked click.
	RecordVisit(ctx context.Context, affiliateID, ip, url, context_ string) (*domain.Visit, error)
}

// GatewayAdapter defines the reconciliation operations consumed by the
// checkout and webhook endpoints.
type GatewayAdapter interface {
	// MintMetadata allocates a signed payment reference for a checkout.
	MintMetadata(ctx context.Context, affiliateID, ip, url string, testMode bool) (*reconcile.Metadata, error)
	// HandleSuccess settles a confirmed gateway charge.
	HandleSuccess(ctx context.Context, ev reconcile.SuccessEvent) (*domain.Referral, error)
	// HandleFailure records a declined gateway charge.
	HandleFailure(ctx context.Context, ev reconcile.FailureEvent) (*domain.Referral, error)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for transactions, referrals, visits, and
// the gateway reconciliation surface. Transaction signals go through the
// event bus; reads and admin actions hit the service directly.
type Handlers struct {
	svc     ReferralService
	bus     *events.Dispatcher
	gateway GatewayAdapter
}

// New constructs and returns a Handlers instance bound to the given
// dependencies.
func New(svc ReferralService, bus *events.Dispatcher, gateway GatewayAdapter) *Handlers {
	return &Handlers{svc: svc, bus: bus, gateway: gateway}
}

//
// DTOs
//

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListReferralsResponse wraps a page of referrals and pagination information.
type ListReferralsResponse struct {
	Referrals  []domain.Referral `json:"referrals"`
	Pagination Pagination        `json:"pagination"`
}

// ReassignReferralRequest is the JSON payload for admin re-attribution.
type ReassignReferralRequest struct {
	// AffiliateID is the affiliate the failed referral is re-credited to.
	AffiliateID string `json:"affiliate_id" binding:"required" example:"aff-42"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

//
// Handlers
//

// GetReferral godoc
// @ID          getReferral
// @Summary     Fetch a referral
// @Description Returns the referral for an integration context and transaction reference. A failed attempt is returned when no active referral exists.
// @Tags        Referrals
// @Produce     json
//
// @Param       context    path  string  true  "Integration context"     example(storefront-a)
// @Param       reference  path  string  true  "Transaction reference"   example(order-1001)
//
// @Success     200  {object} domain.Referral
// @Failure     404  {object} handlers.ErrorResponse "Referral not found"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /referrals/{context}/{reference} [get]
func (h *Handlers) GetReferral(c *gin.Context) {
	r, err := h.svc.GetByReference(c.Request.Context(), c.Param("context"), c.Param("reference"))
	if err != nil {
		if errors.Is(err, services.ErrReferralNotFound) {
			fail(c, http.StatusNotFound, ErrCodeNotFound, "referral not found")
			return
		}
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, r)
}

// ReassignReferral godoc
// @ID          reassignReferral
// @Summary     Re-attribute a failed referral
// @Description Deletes the failed referral and creates a fresh one for the given affiliate under the same reference, inheriting the stored order detail. The stored amount is carried as-is; a referral that failed before calculation comes back pending with amount zero and is the admin's to correct.
// @Tags        Referrals
// @Accept      json
// @Produce     json
//
// @Param       context    path  string  true  "Integration context"    example(storefront-a)
// @Param       reference  path  string  true  "Transaction reference"  example(order-1001)
// @Param       body       body  handlers.ReassignReferralRequest true "Target affiliate"
//
// @Success     200  {object} domain.Referral
// @Failure     400  {object} handlers.ErrorResponse "Invalid payload"
// @Failure     404  {object} handlers.ErrorResponse "Referral not found"
// @Failure     409  {object} handlers.ErrorResponse "Referral is not failed"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /referrals/{context}/{reference}/reassign [post]
func (h *Handlers) ReassignReferral(c *gin.Context) {
	var req ReassignReferralRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.AffiliateID) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "affiliate_id is required")
		return
	}

	r, err := h.svc.Reassign(c.Request.Context(), c.Param("context"), c.Param("reference"), strings.TrimSpace(req.AffiliateID))
	if err != nil {
		switch {
		case errors.Is(err, services.ErrReferralNotFound):
			fail(c, http.StatusNotFound, ErrCodeNotFound, "referral not found")
		case errors.Is(err, services.ErrNotReassignable):
			fail(c, http.StatusConflict, ErrCodeNotReassignable, "only failed referrals can be reassigned")
		case errors.Is(err, services.ErrDuplicateActive):
			fail(c, http.StatusConflict, ErrCodeConflict, "active referral already exists for reference")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}
	ok(c, http.StatusOK, r)
}

// ListAffiliateReferrals godoc
// @ID          listAffiliateReferrals
// @Summary     List an affiliate's referrals (paginated)
// @Description Returns a page of the affiliate's referral history, most recent first. Failed attempts are included with their audit reason and no amount.
// @Tags        Affiliates
// @Produce     json
//
// @Param       id         path   string  true  "Affiliate ID"    example(aff-42)
// @Param       page       query  int     false "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false "Items per page"  minimum(1) maximum(100) default(20)
//
// @Success     200  {object} handlers.ListReferralsResponse
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /affiliates/{id}/referrals [get]
func (h *Handlers) ListAffiliateReferrals(c *gin.Context) {
	page, pageSize := clampPagination(c)

	items, total, err := h.svc.ListByAffiliate(c.Request.Context(), c.Param("id"), page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListReferralsResponse{
		Referrals: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}
