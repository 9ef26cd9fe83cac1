package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/FireDesk/firegate/internal/config"
	"github.com/FireDesk/firegate/internal/model"
	"github.com/FireDesk/firegate/internal/pkg/logger"
	"github.com/FireDesk/firegate/internal/pkg/metrics"
)

// StopRequester lets the evaluator ask for an emergency stop without
// owning stop state. The controller may accept or deduplicate.
type StopRequester interface {
	RequestStop(trigger model.StopTrigger, level model.StopLevel, userID, reason string) error
}

// Evaluator consumes account telemetry and produces a risk verdict per
// user. It owns derived risk state (peak equity, drawdown) and nothing
// else. Telemetry writers and admission readers are decoupled; the
// verdict is eventually consistent within the freshness bound.
type Evaluator struct {
	mu     sync.RWMutex
	states map[string]*userState

	cfg       config.RiskConfig
	freshness time.Duration

	stopper       StopRequester
	positionLimit func(userID string) int

	now func() time.Time
}

type userState struct {
	snap       model.AccountSnapshot
	peakEquity float64
}

func NewEvaluator(cfg config.RiskConfig, freshness time.Duration) *Evaluator {
	return &Evaluator{
		states:    make(map[string]*userState),
		cfg:       cfg,
		freshness: freshness,
		now:       time.Now,
	}
}

// SetStopRequester wires the emergency stop controller in. Optional.
func (e *Evaluator) SetStopRequester(s StopRequester) {
	e.stopper = s
}

// SetPositionLimitFunc injects the per-tier position limit lookup.
func (e *Evaluator) SetPositionLimitFunc(f func(userID string) int) {
	e.positionLimit = f
}

// Ingest records a telemetry snapshot. Snapshots older than the stored
// one are dropped; bridges replay on reconnect.
func (e *Evaluator) Ingest(snap model.AccountSnapshot) {
	if snap.UserID == "" {
		return
	}
	if snap.ObservedAt.IsZero() {
		snap.ObservedAt = e.now()
	}

	e.mu.Lock()
	st, ok := e.states[snap.UserID]
	if !ok {
		st = &userState{}
		e.states[snap.UserID] = st
	}
	if !st.snap.ObservedAt.IsZero() && snap.ObservedAt.Before(st.snap.ObservedAt) {
		e.mu.Unlock()
		logger.Debug("stale snapshot dropped", "user_id", snap.UserID, "observed_at", snap.ObservedAt)
		return
	}
	st.snap = snap
	if snap.Equity > st.peakEquity {
		st.peakEquity = snap.Equity
	}
	peak := st.peakEquity
	e.mu.Unlock()

	// Drawdown breach escalates to the stop controller outside the lock.
	if e.cfg.AutoStopOnDrawdown && e.stopper != nil && peak > 0 {
		dd := (peak - snap.Equity) / peak * 100
		if dd > e.cfg.DrawdownCriticalPct {
			reason := fmt.Sprintf("drawdown %.1f%% exceeds %.1f%%", dd, e.cfg.DrawdownCriticalPct)
			if err := e.stopper.RequestStop(model.TriggerDrawdown, model.StopHard, snap.UserID, reason); err != nil {
				logger.Error("drawdown stop request failed", "user_id", snap.UserID, "error", err)
			}
		}
	}
}

// Evaluate computes the verdict for a user from the latest snapshot.
// Absence of fresh telemetry is never treated as all clear: the user
// is blocked with a STALE_TELEMETRY alert.
func (e *Evaluator) Evaluate(userID string) model.RiskVerdict {
	e.mu.RLock()
	st, ok := e.states[userID]
	var snap model.AccountSnapshot
	var peak float64
	if ok {
		snap = st.snap
		peak = st.peakEquity
	}
	e.mu.RUnlock()

	verdict := model.RiskVerdict{UserID: userID, Level: model.RiskNormal}

	if !ok || e.now().Sub(snap.ObservedAt) > e.freshness {
		verdict.Level = model.RiskWarning
		verdict.BlockNewTrades = true
		verdict.Alerts = append(verdict.Alerts, model.RiskAlert{
			Code:    model.AlertStaleTelemetry,
			Message: "no fresh account telemetry within freshness bound",
		})
		metrics.RiskRejects.WithLabelValues("stale_telemetry").Inc()
		return verdict
	}
	verdict.ObservedAt = snap.ObservedAt

	// Margin level ladder. A margin level of zero means no margin in
	// use, which is not a breach.
	if snap.Margin > 0 {
		switch {
		case snap.MarginLevel < e.cfg.MarginLevelDanger:
			verdict.Level = maxLevel(verdict.Level, model.RiskDanger)
			verdict.Alerts = append(verdict.Alerts, model.RiskAlert{
				Code:    model.AlertMarginLevel,
				Message: fmt.Sprintf("margin level %.1f below danger threshold %.1f", snap.MarginLevel, e.cfg.MarginLevelDanger),
				Value:   snap.MarginLevel,
			})
		case snap.MarginLevel < e.cfg.MarginLevelCritical:
			verdict.Level = maxLevel(verdict.Level, model.RiskCritical)
			verdict.Alerts = append(verdict.Alerts, model.RiskAlert{
				Code:    model.AlertMarginLevel,
				Message: fmt.Sprintf("margin level %.1f below critical threshold %.1f", snap.MarginLevel, e.cfg.MarginLevelCritical),
				Value:   snap.MarginLevel,
			})
		case snap.MarginLevel < e.cfg.MarginLevelWarning:
			verdict.Level = maxLevel(verdict.Level, model.RiskWarning)
			verdict.Alerts = append(verdict.Alerts, model.RiskAlert{
				Code:    model.AlertMarginLevel,
				Message: fmt.Sprintf("margin level %.1f below warning threshold %.1f", snap.MarginLevel, e.cfg.MarginLevelWarning),
				Value:   snap.MarginLevel,
			})
		}
	}

	// Drawdown from peak equity.
	if peak > 0 {
		dd := (peak - snap.Equity) / peak * 100
		verdict.DrawdownPct = dd
		switch {
		case dd > e.cfg.DrawdownCriticalPct:
			verdict.Level = maxLevel(verdict.Level, model.RiskCritical)
			verdict.Alerts = append(verdict.Alerts, model.RiskAlert{
				Code:    model.AlertDrawdown,
				Message: fmt.Sprintf("drawdown %.1f%% exceeds critical %.1f%%", dd, e.cfg.DrawdownCriticalPct),
				Value:   dd,
			})
		case dd > e.cfg.DrawdownWarningPct:
			verdict.Level = maxLevel(verdict.Level, model.RiskWarning)
			verdict.Alerts = append(verdict.Alerts, model.RiskAlert{
				Code:    model.AlertDrawdown,
				Message: fmt.Sprintf("drawdown %.1f%% exceeds warning %.1f%%", dd, e.cfg.DrawdownWarningPct),
				Value:   dd,
			})
		}
	}

	blockFreeMargin := e.cfg.MinFreeMargin > 0 && snap.FreeMargin < e.cfg.MinFreeMargin
	if blockFreeMargin {
		verdict.Alerts = append(verdict.Alerts, model.RiskAlert{
			Code:    model.AlertFreeMargin,
			Message: fmt.Sprintf("free margin %.2f below minimum %.2f", snap.FreeMargin, e.cfg.MinFreeMargin),
			Value:   snap.FreeMargin,
		})
	}

	blockPositions := false
	if e.positionLimit != nil {
		if limit := e.positionLimit(userID); limit > 0 && snap.OpenPositions >= limit {
			blockPositions = true
			verdict.Alerts = append(verdict.Alerts, model.RiskAlert{
				Code:    model.AlertPositionLimit,
				Message: fmt.Sprintf("%d open positions at tier limit %d", snap.OpenPositions, limit),
				Value:   float64(snap.OpenPositions),
			})
		}
	}

	marginCritical := snap.Margin > 0 && snap.MarginLevel < e.cfg.MarginLevelCritical

	verdict.BlockNewTrades = verdict.Level == model.RiskCritical ||
		verdict.Level == model.RiskDanger ||
		marginCritical || blockFreeMargin || blockPositions

	if verdict.BlockNewTrades {
		for _, a := range verdict.Alerts {
			metrics.RiskRejects.WithLabelValues(a.Code).Inc()
		}
	}
	return verdict
}

// Snapshot returns the latest stored snapshot for a user.
func (e *Evaluator) Snapshot(userID string) (model.AccountSnapshot, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.states[userID]
	if !ok {
		return model.AccountSnapshot{}, false
	}
	return st.snap, true
}

var levelRank = map[model.RiskLevel]int{
	model.RiskNormal:   0,
	model.RiskWarning:  1,
	model.RiskCritical: 2,
	model.RiskDanger:   3,
}

func maxLevel(a, b model.RiskLevel) model.RiskLevel {
	if levelRank[b] > levelRank[a] {
		return b
	}
	return a
}
