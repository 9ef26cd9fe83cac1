package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/FireDesk/firegate/internal/config"
	"github.com/FireDesk/firegate/internal/model"
	"github.com/FireDesk/firegate/internal/risk"
)

type TelemetryHandler struct {
	risk *risk.Evaluator
	cfg  config.RiskConfig
}

func NewTelemetryHandler(e *risk.Evaluator, cfg config.RiskConfig) *TelemetryHandler {
	return &TelemetryHandler{risk: e, cfg: cfg}
}

// Push ingests one account snapshot from the bridge. Out-of-order
// snapshots are dropped silently; the bridge replays on reconnect.
func (h *TelemetryHandler) Push(c *gin.Context) {
	var snap model.AccountSnapshot
	if err := c.ShouldBindJSON(&snap); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.risk.Ingest(snap)
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

// Verdict reports the current risk verdict for a user.
func (h *TelemetryHandler) Verdict(c *gin.Context) {
	userID := c.Param("user_id")
	if userID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user id is required"})
		return
	}
	c.JSON(http.StatusOK, h.risk.Evaluate(userID))
}

// SuggestSize computes a position size from the user's latest balance
// and the distance to the stop. risk_pct and point_value default from
// config.
func (h *TelemetryHandler) SuggestSize(c *gin.Context) {
	userID := c.Param("user_id")
	snap, ok := h.risk.Snapshot(userID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no telemetry for user"})
		return
	}

	stopPoints, err := strconv.ParseFloat(c.Query("stop_points"), 64)
	if err != nil || stopPoints <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "stop_points must be a positive number"})
		return
	}
	riskPct := h.cfg.DefaultRiskPct
	if raw := c.Query("risk_pct"); raw != "" {
		if riskPct, err = strconv.ParseFloat(raw, 64); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid risk_pct"})
			return
		}
	}
	pointValue := h.cfg.PointValue
	if raw := c.Query("point_value"); raw != "" {
		if pointValue, err = strconv.ParseFloat(raw, 64); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid point_value"})
			return
		}
	}

	size := risk.CalculateSize(snap.Balance, riskPct, stopPoints, pointValue)
	if size <= 0 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "inputs produce no tradable size"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user_id":     userID,
		"balance":     snap.Balance,
		"risk_pct":    riskPct,
		"stop_points": stopPoints,
		"point_value": pointValue,
		"size":        size,
	})
}
