package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/FireDesk/firegate/internal/middleware"
	"github.com/FireDesk/firegate/internal/model"
	"github.com/FireDesk/firegate/internal/pkg/apperrors"
	"github.com/FireDesk/firegate/internal/router"
)

type FireHandler struct {
	router *router.FireRouter
}

func NewFireHandler(r *router.FireRouter) *FireHandler {
	return &FireHandler{router: r}
}

// Fire submits one trade request through admission. Denials are part of
// the normal contract and come back as an AdmissionResult with the
// matching status code; only malformed input and internal faults go
// through the error middleware.
func (h *FireHandler) Fire(c *gin.Context) {
	acc, ok := middleware.CurrentAccount(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized: missing account context"})
		return
	}

	var req model.TradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// The authenticated account is authoritative for the user id.
	req.UserID = acc.UserID

	result, err := h.router.Submit(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}

	if !result.Approved {
		c.JSON(apperrors.StatusForType(apperrors.ErrorType(result.DenialReason)), result)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ClosePosition records that a dispatched position was closed on the
// terminal, releasing the capacity slot once the user is idle.
func (h *FireHandler) ClosePosition(c *gin.Context) {
	correlationID := c.Param("id")
	if correlationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "correlation id is required"})
		return
	}
	if !h.router.PositionClosed(correlationID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown correlation id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "closed"})
}
