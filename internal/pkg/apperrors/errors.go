package apperrors

import (
	"fmt"
	"net/http"
	"time"
)

type ErrorType string

const (
	// Admission denials
	ErrRateLimited    ErrorType = "RATE_LIMITED"
	ErrEmergencyStop  ErrorType = "EMERGENCY_STOP_ACTIVE"
	ErrCooldownActive ErrorType = "COOLDOWN_ACTIVE"
	ErrQuotaExceeded  ErrorType = "QUOTA_EXCEEDED"
	ErrRiskReject     ErrorType = "RISK_LIMIT_BREACHED"
	ErrStaleTelemetry ErrorType = "STALE_TELEMETRY"

	// Resource errors
	ErrCapacityExceeded  ErrorType = "CAPACITY_EXCEEDED"
	ErrAllocationFailed  ErrorType = "ALLOCATION_FAILED"
	ErrEndpointUnhealthy ErrorType = "ENDPOINT_UNHEALTHY"

	// Execution errors
	ErrAckTimeout   ErrorType = "ACK_TIMEOUT"
	ErrBackendError ErrorType = "BACKEND_ERROR"

	// Infrastructure
	ErrConfig             ErrorType = "CONFIG_ERROR"
	ErrBackendUnavailable ErrorType = "BACKEND_UNAVAILABLE"

	// HTTP surface
	ErrAuthFailed     ErrorType = "AUTH_FAILED"
	ErrInvalidRequest ErrorType = "INVALID_REQUEST"
	ErrNotFound       ErrorType = "NOT_FOUND"
	ErrInternal       ErrorType = "INTERNAL_ERROR"
)

// AppError is the standard error struct for the application
type AppError struct {
	Type       ErrorType     `json:"code"`
	Message    string        `json:"message"`
	Suggestion string        `json:"suggestion,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	HTTPStatus int           `json:"-"`
	Cause      error         `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{
		Type:       errType,
		Message:    msg,
		Cause:      cause,
		HTTPStatus: mapTypeToStatus(errType),
		Suggestion: mapTypeToSuggestion(errType),
	}
}

func Newf(errType ErrorType, format string, args ...any) *AppError {
	return New(errType, fmt.Sprintf(format, args...), nil)
}

func NewRateLimited(msg string, retryAfter time.Duration) *AppError {
	e := New(ErrRateLimited, msg, nil)
	e.RetryAfter = retryAfter
	return e
}

func NewRiskReject(msg string) *AppError {
	return New(ErrRiskReject, msg, nil)
}

func NewInvalidRequest(msg string) *AppError {
	return New(ErrInvalidRequest, msg, nil)
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return New(ErrInternal, err.Error(), err)
}

// IsType reports whether err is an AppError of the given type.
func IsType(err error, t ErrorType) bool {
	appErr, ok := err.(*AppError)
	return ok && appErr.Type == t
}

// StatusForType maps an error type to its HTTP status for callers that
// render denial payloads without an AppError in hand.
func StatusForType(t ErrorType) int {
	return mapTypeToStatus(t)
}

func mapTypeToStatus(t ErrorType) int {
	switch t {
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrEmergencyStop, ErrCooldownActive, ErrQuotaExceeded, ErrRiskReject, ErrStaleTelemetry:
		return http.StatusForbidden
	case ErrCapacityExceeded, ErrAllocationFailed, ErrEndpointUnhealthy:
		return http.StatusServiceUnavailable
	case ErrAckTimeout:
		return http.StatusGatewayTimeout
	case ErrBackendError, ErrBackendUnavailable:
		return http.StatusBadGateway
	case ErrConfig, ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrAuthFailed:
		return http.StatusUnauthorized
	case ErrNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func mapTypeToSuggestion(t ErrorType) string {
	switch t {
	case ErrRateLimited:
		return "Slow down and retry after the reported interval."
	case ErrEmergencyStop:
		return "Trading is suspended for this scope. Contact an operator."
	case ErrCooldownActive:
		return "Wait for the fire-mode cooldown to elapse."
	case ErrQuotaExceeded:
		return "Fire-mode window quota reached. Retry in the next window."
	case ErrRiskReject:
		return "Account risk limits breached. Reduce exposure first."
	case ErrStaleTelemetry:
		return "No fresh account telemetry. Check the terminal bridge."
	case ErrCapacityExceeded:
		return "All endpoints of the tier are at capacity. Retry shortly."
	case ErrAckTimeout:
		return "Execution not acknowledged in time. Verify with the broker before retrying."
	case ErrAuthFailed:
		return "Check the gateway API key."
	default:
		return ""
	}
}
