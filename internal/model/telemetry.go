package model

import "time"

// AccountSnapshot is a point-in-time account state pushed by the
// terminal bridge. Superseded by each newer snapshot per user.
type AccountSnapshot struct {
	UserID        string    `json:"user_id" binding:"required"`
	Balance       float64   `json:"balance"`
	Equity        float64   `json:"equity"`
	Margin        float64   `json:"margin"`
	FreeMargin    float64   `json:"free_margin"`
	MarginLevel   float64   `json:"margin_level"`
	OpenPositions int       `json:"open_positions"`
	ObservedAt    time.Time `json:"observed_at"`
}

// RiskLevel ordered from calm to on-fire.
type RiskLevel string

const (
	RiskNormal   RiskLevel = "normal"
	RiskWarning  RiskLevel = "warning"
	RiskCritical RiskLevel = "critical"
	RiskDanger   RiskLevel = "danger"
)

// RiskAlert is one reason contributing to a verdict.
type RiskAlert struct {
	Code    string  `json:"code"`
	Message string  `json:"message"`
	Value   float64 `json:"value,omitempty"`
}

const (
	AlertMarginLevel    = "MARGIN_LEVEL"
	AlertDrawdown       = "DRAWDOWN"
	AlertFreeMargin     = "FREE_MARGIN"
	AlertPositionLimit  = "POSITION_LIMIT"
	AlertStaleTelemetry = "STALE_TELEMETRY"
)

// RiskVerdict is the evaluator's answer for one user.
type RiskVerdict struct {
	UserID         string      `json:"user_id"`
	Level          RiskLevel   `json:"level"`
	Alerts         []RiskAlert `json:"alerts,omitempty"`
	BlockNewTrades bool        `json:"block_new_trades"`
	DrawdownPct    float64     `json:"drawdown_pct"`
	ObservedAt     time.Time   `json:"observed_at"`
}
