package model

import "time"

// Direction of a trade command.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// FireMode names a quota/cooldown policy for submission frequency.
// Policies themselves live in config; the mode is just the key.
type FireMode string

const (
	FireModeSingle FireMode = "single"
	FireModeScalp  FireMode = "scalp"
	FireModeBurst  FireMode = "burst"
)

// TradeRequest is an approved trade command from the upstream decision
// layer. It is consumed exactly once by the fire router.
type TradeRequest struct {
	RequestID  string    `json:"request_id"`
	UserID     string    `json:"user_id"`
	Symbol     string    `json:"symbol" binding:"required"`
	Direction  Direction `json:"direction" binding:"required"`
	Size       float64   `json:"size" binding:"required,gt=0"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	FireMode   FireMode  `json:"fire_mode"`
}

// DispatchCommand is what actually goes out on an endpoint's channel.
type DispatchCommand struct {
	CorrelationID string    `json:"correlation_id"`
	EndpointID    string    `json:"endpoint_id"`
	UserID        string    `json:"user_id"`
	Symbol        string    `json:"symbol"`
	Direction     Direction `json:"direction"`
	Size          float64   `json:"size"`
	StopLoss      float64   `json:"stop_loss"`
	TakeProfit    float64   `json:"take_profit"`
	IssuedAt      time.Time `json:"issued_at"`
}

// ExecutionAck is the bridge's answer to a dispatched command.
type ExecutionAck struct {
	CorrelationID string  `json:"correlation_id"`
	Success       bool    `json:"success"`
	Ticket        string  `json:"ticket,omitempty"`
	FillPrice     float64 `json:"fill_price,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// AdmissionResult is returned for every submitted trade request.
// DenialReason is empty iff Approved.
type AdmissionResult struct {
	RequestID    string        `json:"request_id"`
	Approved     bool          `json:"approved"`
	DenialReason string        `json:"denial_reason,omitempty"`
	EndpointID   string        `json:"endpoint_id,omitempty"`
	Ticket       string        `json:"ticket,omitempty"`
	RetryAfter   time.Duration `json:"retry_after,omitempty"`
}
