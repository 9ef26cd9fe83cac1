package model

import "time"

// StopLevel of an emergency stop. Severity orders SOFT < HARD < PANIC;
// MAINTENANCE is orthogonal to the severity ladder and always blocks
// while its window is current.
type StopLevel string

const (
	StopSoft        StopLevel = "SOFT"
	StopHard        StopLevel = "HARD"
	StopPanic       StopLevel = "PANIC"
	StopMaintenance StopLevel = "MAINTENANCE"
)

// Severity returns the rank used for escalation decisions.
// MAINTENANCE has no rank on the ladder.
func (l StopLevel) Severity() int {
	switch l {
	case StopSoft:
		return 1
	case StopHard:
		return 2
	case StopPanic:
		return 3
	case StopMaintenance:
		return 0
	default:
		return 0
	}
}

// StopTrigger is the closed taxonomy of things that can pull the cord.
type StopTrigger string

const (
	TriggerManual           StopTrigger = "MANUAL"
	TriggerPanic            StopTrigger = "PANIC"
	TriggerDrawdown         StopTrigger = "DRAWDOWN"
	TriggerNews             StopTrigger = "NEWS"
	TriggerSystemError      StopTrigger = "SYSTEM_ERROR"
	TriggerMarketVolatility StopTrigger = "MARKET_VOLATILITY"
	TriggerBrokerConnection StopTrigger = "BROKER_CONNECTION"
	TriggerAdminOverride    StopTrigger = "ADMIN_OVERRIDE"
	TriggerMaintenance      StopTrigger = "SCHEDULED_MAINTENANCE"
)

// DefaultLevel maps each trigger to the level it activates when the
// caller does not pick one explicitly. The switch is exhaustive over
// the taxonomy; unknown triggers come back false.
func (t StopTrigger) DefaultLevel() (StopLevel, bool) {
	switch t {
	case TriggerManual:
		return StopSoft, true
	case TriggerPanic:
		return StopPanic, true
	case TriggerDrawdown:
		return StopHard, true
	case TriggerNews:
		return StopSoft, true
	case TriggerSystemError:
		return StopHard, true
	case TriggerMarketVolatility:
		return StopSoft, true
	case TriggerBrokerConnection:
		return StopHard, true
	case TriggerAdminOverride:
		return StopPanic, true
	case TriggerMaintenance:
		return StopMaintenance, true
	default:
		return "", false
	}
}

// EmergencyStopEvent is one activation of a stop for a scope.
// UserID empty means the global scope.
type EmergencyStopEvent struct {
	ID           string            `json:"id"`
	Trigger      StopTrigger       `json:"trigger"`
	Level        StopLevel         `json:"level"`
	UserID       string            `json:"user_id,omitempty"`
	Reason       string            `json:"reason"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	ActivatedAt  time.Time         `json:"activated_at"`
	RecoveryTime *time.Time        `json:"recovery_time,omitempty"`
}

// Scope returns the persistence key for the event's scope.
func (e *EmergencyStopEvent) Scope() string {
	if e.UserID == "" {
		return "global"
	}
	return "user:" + e.UserID
}
