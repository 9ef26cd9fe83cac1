package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/FireDesk/firegate/internal/estop"
	"github.com/FireDesk/firegate/internal/model"
	"github.com/FireDesk/firegate/internal/pool"
	"github.com/FireDesk/firegate/internal/router"
)

// ControlHandler is the operator surface: emergency stops, endpoint
// health, pool administration and the bridge's execution acks.
type ControlHandler struct {
	stops      *estop.Controller
	pool       *pool.Pool
	dispatcher *router.ChannelDispatcher
}

func NewControlHandler(stops *estop.Controller, p *pool.Pool, d *router.ChannelDispatcher) *ControlHandler {
	return &ControlHandler{stops: stops, pool: p, dispatcher: d}
}

type activateStopRequest struct {
	Trigger         string            `json:"trigger" binding:"required"`
	Level           string            `json:"level"`
	UserID          string            `json:"user_id"`
	Reason          string            `json:"reason"`
	RecoverySeconds int               `json:"recovery_seconds"`
	Metadata        map[string]string `json:"metadata"`
}

func (h *ControlHandler) ActivateStop(c *gin.Context) {
	var req activateStopRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	event, err := h.stops.Activate(
		model.StopTrigger(req.Trigger),
		model.StopLevel(req.Level),
		req.UserID,
		req.Reason,
		time.Duration(req.RecoverySeconds)*time.Second,
		req.Metadata,
	)
	if err != nil {
		// The stop may still have taken effect in memory; report both.
		if event != nil {
			c.JSON(http.StatusAccepted, gin.H{"event": event, "warning": err.Error()})
			return
		}
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, event)
}

// DeactivateStop takes ?user_id (empty for the global scope) and
// ?force as query parameters.
func (h *ControlHandler) DeactivateStop(c *gin.Context) {
	force, err := strconv.ParseBool(c.DefaultQuery("force", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "force must be a boolean"})
		return
	}
	if err := h.stops.Deactivate(c.Query("user_id"), force); err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

func (h *ControlHandler) StopState(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"kill_switch": h.stops.KillSwitch(),
		"scopes":      h.stops.State(),
	})
}

type killSwitchRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *ControlHandler) SetKillSwitch(c *gin.Context) {
	var req killSwitchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.stops.SetKillSwitch(req.Enabled)
	c.JSON(http.StatusOK, gin.H{"kill_switch": req.Enabled})
}

type endpointStatusRequest struct {
	Status string `json:"status" binding:"required"`
}

func (h *ControlHandler) SetEndpointStatus(c *gin.Context) {
	id := c.Param("id")
	var req endpointStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	status := model.EndpointStatus(req.Status)
	switch status {
	case model.EndpointActive, model.EndpointInactive, model.EndpointError, model.EndpointMaintenance:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown endpoint status"})
		return
	}
	if !h.pool.MarkEndpointStatus(id, status) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown endpoint"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"endpoint_id": id, "status": status})
}

// FailEndpoint reports an endpoint down and triggers reassignment of
// its users to surviving endpoints of the same tier.
func (h *ControlHandler) FailEndpoint(c *gin.Context) {
	id := c.Param("id")
	if _, ok := h.pool.Endpoint(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown endpoint"})
		return
	}
	moved, stranded := h.pool.HandleEndpointFailure(id)
	c.JSON(http.StatusOK, gin.H{
		"endpoint_id": id,
		"reassigned":  moved,
		"stranded":    stranded,
	})
}

func (h *ControlHandler) PoolStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tiers": h.pool.Stats()})
}

type releaseRequest struct {
	UserID     string `json:"user_id" binding:"required"`
	EndpointID string `json:"endpoint_id"`
}

func (h *ControlHandler) ReleaseAssignment(c *gin.Context) {
	var req releaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	released := h.pool.Release(req.UserID, req.EndpointID)
	c.JSON(http.StatusOK, gin.H{"released": released})
}

// Ack resolves a pending dispatch with the bridge's execution result.
func (h *ControlHandler) Ack(c *gin.Context) {
	var ack model.ExecutionAck
	if err := c.ShouldBindJSON(&ack); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if ack.CorrelationID == "" {
		ack.CorrelationID = c.Param("id")
	}
	if !h.dispatcher.Acknowledge(ack) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no pending dispatch for correlation id"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "acknowledged"})
}
