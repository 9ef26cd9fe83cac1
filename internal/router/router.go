package router

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FireDesk/firegate/internal/account"
	"github.com/FireDesk/firegate/internal/estop"
	"github.com/FireDesk/firegate/internal/model"
	"github.com/FireDesk/firegate/internal/pkg/apperrors"
	"github.com/FireDesk/firegate/internal/pkg/logger"
	"github.com/FireDesk/firegate/internal/pkg/metrics"
	"github.com/FireDesk/firegate/internal/pool"
	"github.com/FireDesk/firegate/internal/quota"
	"github.com/FireDesk/firegate/internal/ratelimit"
	"github.com/FireDesk/firegate/internal/risk"
)

// FireRouter is the admission controller: every trade request runs
// the gauntlet rate limit -> emergency stop -> fire-mode quota ->
// risk -> resource allocation, short-circuiting on the first failure,
// and only then goes out on the assigned endpoint's channel.
type FireRouter struct {
	accounts   *account.Manager
	limiter    *ratelimit.Limiter
	stops      *estop.Controller
	quota      *quota.Tracker
	risk       *risk.Evaluator
	pool       *pool.Pool
	dispatcher Dispatcher

	fireLimit  int
	fireWindow time.Duration
	ackTimeout time.Duration

	mu         sync.Mutex
	openTrades map[string]int          // user id -> open position count
	positions  map[string]openPosition // correlation id -> position
}

type openPosition struct {
	userID     string
	endpointID string
}

type Options struct {
	FireLimit  int
	FireWindow time.Duration
	AckTimeout time.Duration
}

func New(accounts *account.Manager, limiter *ratelimit.Limiter, stops *estop.Controller,
	tracker *quota.Tracker, evaluator *risk.Evaluator, p *pool.Pool, dispatcher Dispatcher, opts Options) *FireRouter {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 5 * time.Second
	}
	return &FireRouter{
		accounts:   accounts,
		limiter:    limiter,
		stops:      stops,
		quota:      tracker,
		risk:       evaluator,
		pool:       p,
		dispatcher: dispatcher,
		fireLimit:  opts.FireLimit,
		fireWindow: opts.FireWindow,
		ackTimeout: opts.AckTimeout,
		openTrades: make(map[string]int),
		positions:  make(map[string]openPosition),
	}
}

// Submit runs one trade request through admission and dispatch.
// The result always carries either an approval or a typed denial;
// the error is reserved for malformed requests and internal faults.
func (r *FireRouter) Submit(ctx context.Context, req model.TradeRequest) (*model.AdmissionResult, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Size <= 0 {
		return nil, apperrors.NewInvalidRequest("trade size must be positive")
	}
	acc, ok := r.accounts.ByUserID(req.UserID)
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "unknown user %s", req.UserID)
	}
	if req.FireMode == "" {
		req.FireMode = acc.FireMode
	}
	tier := r.accounts.TierPolicy(acc.Tier)

	// 1. Rate limit on the submitting identity. A limiter backend
	// fault fails open and is logged inside the limiter.
	res, _ := r.limiter.Check(ctx, "fire:"+req.UserID, r.fireLimit, r.fireWindow, true)
	if !res.Allowed {
		return r.deny(req, apperrors.NewRateLimited("fire channel rate limit exceeded", res.RetryAfter)), nil
	}

	// 2. Emergency stop, global scope first.
	if blocked, level := r.stops.Blocked(req.UserID); blocked {
		return r.deny(req, apperrors.Newf(apperrors.ErrEmergencyStop,
			"emergency stop active at level %s", level)), nil
	}

	// 3. Fire-mode cooldown and window quota, atomic per (user, mode).
	if err := r.quota.Reserve(req.UserID, r.accounts.ModePolicy(req.FireMode)); err != nil {
		return r.deny(req, apperrors.Wrap(err)), nil
	}

	// 4. Risk verdict plus the tier's concurrent-trade limit. The slot
	// is reserved in the same critical section as the check, so two
	// concurrent submissions can never both pass the limit; the
	// reservation is rolled back on any later failure.
	verdict := r.risk.Evaluate(req.UserID)
	if verdict.BlockNewTrades {
		return r.deny(req, riskDenial(verdict)), nil
	}
	r.mu.Lock()
	if tier.MaxOpenTrades > 0 && r.openTrades[req.UserID] >= tier.MaxOpenTrades {
		r.mu.Unlock()
		return r.deny(req, apperrors.Newf(apperrors.ErrQuotaExceeded,
			"concurrent trade limit %d reached for tier %s", tier.MaxOpenTrades, tier.Name)), nil
	}
	r.openTrades[req.UserID]++
	r.mu.Unlock()

	// 5. Endpoint allocation.
	asg, err := r.pool.Allocate(req.UserID, acc.Tier, map[string]string{"request_id": req.RequestID})
	if err != nil {
		r.unreserve(req.UserID)
		return r.deny(req, apperrors.Wrap(err)), nil
	}
	endpoint, ok := r.pool.Endpoint(asg.EndpointID)
	if !ok {
		r.unreserve(req.UserID)
		return r.deny(req, apperrors.Newf(apperrors.ErrAllocationFailed,
			"assigned endpoint %s vanished", asg.EndpointID)), nil
	}

	// 6. Dispatch and await the execution ack within the bounded
	// timeout. A stop activating mid-flight lets this command resolve;
	// it only gates the next admission.
	cmd := model.DispatchCommand{
		CorrelationID: req.RequestID,
		EndpointID:    endpoint.ID,
		UserID:        req.UserID,
		Symbol:        req.Symbol,
		Direction:     req.Direction,
		Size:          req.Size,
		StopLoss:      req.StopLoss,
		TakeProfit:    req.TakeProfit,
		IssuedAt:      time.Now(),
	}
	dctx, cancel := context.WithTimeout(ctx, r.ackTimeout)
	ack, err := r.dispatcher.Dispatch(dctx, endpoint, cmd)
	cancel()
	if err != nil {
		r.unreserve(req.UserID)
		r.releaseIfIdle(req.UserID, asg.EndpointID)
		return r.deny(req, apperrors.Wrap(err)), nil
	}
	if !ack.Success {
		r.unreserve(req.UserID)
		r.releaseIfIdle(req.UserID, asg.EndpointID)
		return r.deny(req, apperrors.Newf(apperrors.ErrBackendError,
			"execution failed: %s", ack.Error)), nil
	}

	r.mu.Lock()
	r.positions[cmd.CorrelationID] = openPosition{userID: req.UserID, endpointID: endpoint.ID}
	r.mu.Unlock()

	metrics.AdmissionDecisions.WithLabelValues("approved").Inc()
	logger.Info("trade dispatched",
		"request_id", req.RequestID, "user_id", req.UserID,
		"symbol", req.Symbol, "endpoint_id", endpoint.ID, "ticket", ack.Ticket)

	return &model.AdmissionResult{
		RequestID:  req.RequestID,
		Approved:   true,
		EndpointID: endpoint.ID,
		Ticket:     ack.Ticket,
	}, nil
}

// PositionClosed is the bridge reporting that the position opened by
// a dispatched command is gone. The capacity slot is released once the
// user has no open trades left.
func (r *FireRouter) PositionClosed(correlationID string) bool {
	r.mu.Lock()
	pos, ok := r.positions[correlationID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.positions, correlationID)
	r.openTrades[pos.userID]--
	idle := r.openTrades[pos.userID] <= 0
	if idle {
		delete(r.openTrades, pos.userID)
	}
	r.mu.Unlock()

	if idle {
		r.pool.Release(pos.userID, pos.endpointID)
	}
	logger.Info("position closed", "correlation_id", correlationID, "user_id", pos.userID)
	return true
}

// OpenTrades reports the user's current open-trade count.
func (r *FireRouter) OpenTrades(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openTrades[userID]
}

// unreserve rolls back a trade-slot reservation after a post-check
// failure.
func (r *FireRouter) unreserve(userID string) {
	r.mu.Lock()
	if r.openTrades[userID]--; r.openTrades[userID] <= 0 {
		delete(r.openTrades, userID)
	}
	r.mu.Unlock()
}

func (r *FireRouter) releaseIfIdle(userID, endpointID string) {
	r.mu.Lock()
	idle := r.openTrades[userID] == 0
	r.mu.Unlock()
	if idle {
		r.pool.Release(userID, endpointID)
	}
}

func (r *FireRouter) deny(req model.TradeRequest, appErr *apperrors.AppError) *model.AdmissionResult {
	metrics.AdmissionDecisions.WithLabelValues(string(appErr.Type)).Inc()
	logger.Warn("trade denied",
		"request_id", req.RequestID, "user_id", req.UserID,
		"symbol", req.Symbol, "reason", appErr.Type, "detail", appErr.Message)
	return &model.AdmissionResult{
		RequestID:    req.RequestID,
		Approved:     false,
		DenialReason: string(appErr.Type),
		RetryAfter:   appErr.RetryAfter,
	}
}

func riskDenial(v model.RiskVerdict) *apperrors.AppError {
	for _, a := range v.Alerts {
		if a.Code == model.AlertStaleTelemetry {
			return apperrors.New(apperrors.ErrStaleTelemetry, a.Message, nil)
		}
	}
	msg := "risk limits breached"
	if len(v.Alerts) > 0 {
		msg = v.Alerts[0].Message
	}
	return apperrors.NewRiskReject(msg)
}
