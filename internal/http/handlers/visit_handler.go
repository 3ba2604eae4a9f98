// Visit HTTP handlers.
//
// This file exposes the REST endpoint for recording tracked clicks:
//   - POST /visits
//
// A visit is stored unlinked; reconciliation later attaches it to the
// referral it converts into.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// CreateVisitRequest is the JSON payload for recording a tracked click.
type CreateVisitRequest struct {
	// AffiliateID is the affiliate whose link was clicked.
	AffiliateID string `json:"affiliate_id" binding:"required" example:"aff-42"`
	// URL is the landing page of the click.
	URL string `json:"url" binding:"required" example:"https://shop.example/course"`
	// IP optionally overrides the client address (trusted adapters only);
	// the request's remote address is used when empty.
	IP string `json:"ip,omitempty" example:"203.0.113.7"`
	// Context optionally records the integration context of the click.
	Context string `json:"context,omitempty" example:"storefront-a"`
}

// CreateVisit godoc
// @ID          createVisit
// @Summary     Record a tracked click
// @Description Stores a visit for the affiliate so a later conversion can be linked back to it.
// @Tags        Visits
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.CreateVisitRequest  true  "Visit payload"
//
// @Success     201  {object} domain.Visit
// @Failure     400  {object} handlers.ErrorResponse "Invalid payload"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /visits [post]
func (h *Handlers) CreateVisit(c *gin.Context) {
	var req CreateVisitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "affiliate_id and url are required")
		return
	}

	ip := strings.TrimSpace(req.IP)
	if ip == "" {
		ip = c.ClientIP()
	}

	v, err := h.svc.RecordVisit(c.Request.Context(), strings.TrimSpace(req.AffiliateID), ip, strings.TrimSpace(req.URL), strings.TrimSpace(req.Context))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusCreated, v)
}
