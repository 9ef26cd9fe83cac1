package estop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/FireDesk/firegate/internal/model"
	"github.com/FireDesk/firegate/internal/pkg/apperrors"
	"github.com/FireDesk/firegate/internal/pkg/logger"
	"github.com/FireDesk/firegate/internal/pkg/metrics"
)

const GlobalScope = "global"

// Record is the persisted state of one scope. Version increments on
// every transition so a restart can tell which write won.
type Record struct {
	Scope       string                    `json:"scope"`
	Version     int64                     `json:"version"`
	Active      *model.EmergencyStopEvent `json:"active,omitempty"`
	Maintenance *model.EmergencyStopEvent `json:"maintenance,omitempty"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// Repo persists stop state so a process restart does not silently
// resume trading while an emergency is unresolved.
type Repo interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context) ([]Record, error)
}

// Controller is the single source of truth for emergency-stop state,
// global and per-user. Reads take a short read lock on the admission
// hot path; writes are rare and exclusive.
type Controller struct {
	mu     sync.RWMutex
	scopes map[string]*scopeState

	repo            Repo
	killSwitch      atomic.Bool
	defaultRecovery time.Duration

	now func() time.Time
}

type scopeState struct {
	active      *model.EmergencyStopEvent
	maintenance *model.EmergencyStopEvent
	version     int64
}

func NewController(repo Repo, defaultRecovery time.Duration) *Controller {
	return &Controller{
		scopes:          make(map[string]*scopeState),
		repo:            repo,
		defaultRecovery: defaultRecovery,
		now:             time.Now,
	}
}

// Restore loads persisted scope state. Called once at startup, before
// any admission traffic.
func (c *Controller) Restore(ctx context.Context) error {
	if c.repo == nil {
		return nil
	}
	recs, err := c.repo.Load(ctx)
	if err != nil {
		return apperrors.New(apperrors.ErrBackendUnavailable, "failed to restore emergency stop state", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range recs {
		c.scopes[rec.Scope] = &scopeState{
			active:      rec.Active,
			maintenance: rec.Maintenance,
			version:     rec.Version,
		}
		if rec.Active != nil {
			logger.Warn("restored active emergency stop",
				"scope", rec.Scope, "level", rec.Active.Level, "trigger", rec.Active.Trigger)
		}
	}
	return nil
}

// SetKillSwitch flips the process-wide override. While set, every
// scope reads as blocked at PANIC regardless of internal state.
func (c *Controller) SetKillSwitch(on bool) {
	c.killSwitch.Store(on)
	if on {
		logger.Warn("kill switch engaged: all trading blocked")
	} else {
		logger.Info("kill switch cleared")
	}
}

func (c *Controller) KillSwitch() bool {
	return c.killSwitch.Load()
}

// Activate moves the scope to ACTIVE(level), or escalates an existing
// activation when the new level is more severe. Re-activating at the
// same or lower level is a no-op that does not reset recovery_time and
// does not write a duplicate event.
func (c *Controller) Activate(trigger model.StopTrigger, level model.StopLevel, userID, reason string, recoveryAfter time.Duration, meta map[string]string) (*model.EmergencyStopEvent, error) {
	if level == "" {
		var ok bool
		level, ok = trigger.DefaultLevel()
		if !ok {
			return nil, apperrors.Newf(apperrors.ErrConfig, "unknown stop trigger %q", trigger)
		}
	}
	if recoveryAfter <= 0 {
		recoveryAfter = c.defaultRecovery
	}

	event := &model.EmergencyStopEvent{
		ID:          uuid.NewString(),
		Trigger:     trigger,
		Level:       level,
		UserID:      userID,
		Reason:      reason,
		Metadata:    meta,
		ActivatedAt: c.now(),
	}
	if recoveryAfter > 0 {
		rt := event.ActivatedAt.Add(recoveryAfter)
		event.RecoveryTime = &rt
	}
	scope := event.Scope()

	c.mu.Lock()
	st, ok := c.scopes[scope]
	if !ok {
		st = &scopeState{}
		c.scopes[scope] = st
	}

	if level == model.StopMaintenance {
		if cur := st.maintenance; cur != nil && c.windowCurrent(cur) {
			c.mu.Unlock()
			logger.Info("maintenance window already active, ignoring", "scope", scope)
			return cur, nil
		}
		st.maintenance = event
	} else {
		if cur := st.active; cur != nil && !c.recovered(cur) && cur.Level.Severity() >= level.Severity() {
			c.mu.Unlock()
			logger.Info("emergency stop already active at same or higher level, ignoring",
				"scope", scope, "current", cur.Level, "requested", level)
			return cur, nil
		}
		st.active = event
	}
	st.version++
	rec := c.recordLocked(scope, st)
	c.mu.Unlock()

	metrics.EstopTransitions.WithLabelValues(scope, string(level), "activate").Inc()
	logger.Warn("emergency stop activated",
		"scope", scope, "level", level, "trigger", trigger, "reason", reason)

	if err := c.persist(rec); err != nil {
		// Fail closed: the stop holds in memory even when the store
		// is down.
		logger.Error("failed to persist emergency stop activation", "scope", scope, "error", err)
		return event, err
	}
	return event, nil
}

// RequestStop implements the risk evaluator's StopRequester. Repeated
// requests for an already-stopped scope deduplicate via Activate's
// idempotence.
func (c *Controller) RequestStop(trigger model.StopTrigger, level model.StopLevel, userID, reason string) error {
	_, err := c.Activate(trigger, level, userID, reason, 0, nil)
	return err
}

// Deactivate returns the scope to INACTIVE. Without force, recovery is
// refused until recovery_time has elapsed. Deactivation that cannot be
// persisted is refused outright: losing a stop across restart is worse
// than staying stopped.
func (c *Controller) Deactivate(userID string, force bool) error {
	scope := GlobalScope
	if userID != "" {
		scope = "user:" + userID
	}

	c.mu.Lock()
	st, ok := c.scopes[scope]
	if !ok || (st.active == nil && st.maintenance == nil) {
		c.mu.Unlock()
		return nil
	}
	if st.active != nil && !force {
		if rt := st.active.RecoveryTime; rt != nil && c.now().Before(*rt) {
			c.mu.Unlock()
			return apperrors.Newf(apperrors.ErrEmergencyStop,
				"recovery refused until %s (use force to override)", rt.Format(time.RFC3339))
		}
	}
	prev := st.active
	prevMaint := st.maintenance
	st.active = nil
	if force {
		st.maintenance = nil
	}
	st.version++
	rec := c.recordLocked(scope, st)
	c.mu.Unlock()

	if err := c.persist(rec); err != nil {
		// Roll the stop back in; the scope stays blocked.
		c.mu.Lock()
		if st2, ok := c.scopes[scope]; ok {
			if st2.active == nil {
				st2.active = prev
			}
			if force && st2.maintenance == nil {
				st2.maintenance = prevMaint
			}
		}
		c.mu.Unlock()
		logger.Error("failed to persist emergency stop deactivation, scope stays stopped",
			"scope", scope, "error", err)
		return apperrors.New(apperrors.ErrBackendUnavailable, "could not persist deactivation", err)
	}

	level := ""
	if prev != nil {
		level = string(prev.Level)
	}
	metrics.EstopTransitions.WithLabelValues(scope, level, "deactivate").Inc()
	logger.Info("emergency stop deactivated", "scope", scope, "forced", force)
	return nil
}

// Blocked is the admission hot path: is this user blocked, and at what
// level. Global scope is consulted first, then the user scope. Expired
// events read as inactive; Sweep cleans them up off the hot path.
func (c *Controller) Blocked(userID string) (bool, model.StopLevel) {
	if c.killSwitch.Load() {
		return true, model.StopPanic
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if blocked, level := c.scopeBlockedLocked(GlobalScope); blocked {
		return true, level
	}
	if userID != "" {
		if blocked, level := c.scopeBlockedLocked("user:" + userID); blocked {
			return true, level
		}
	}
	return false, ""
}

// State reports the current stop state for the control plane.
func (c *Controller) State() []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Record, 0, len(c.scopes))
	for scope, st := range c.scopes {
		if st.active == nil && st.maintenance == nil {
			continue
		}
		out = append(out, c.recordLocked(scope, st))
	}
	return out
}

// Sweep clears events whose recovery time has passed and persists the
// transition. Runs on a ticker.
func (c *Controller) Sweep(now time.Time) int {
	c.mu.Lock()
	var recs []Record
	for scope, st := range c.scopes {
		changed := false
		if st.active != nil && c.recovered(st.active) {
			st.active = nil
			changed = true
		}
		if st.maintenance != nil && !c.windowCurrent(st.maintenance) {
			st.maintenance = nil
			changed = true
		}
		if changed {
			st.version++
			recs = append(recs, c.recordLocked(scope, st))
		}
	}
	c.mu.Unlock()

	for _, rec := range recs {
		metrics.EstopTransitions.WithLabelValues(rec.Scope, "", "expire").Inc()
		logger.Info("emergency stop expired", "scope", rec.Scope)
		if err := c.persist(rec); err != nil {
			logger.Error("failed to persist stop expiry", "scope", rec.Scope, "error", err)
		}
	}
	return len(recs)
}

// caller holds c.mu (read or write)
func (c *Controller) scopeBlockedLocked(scope string) (bool, model.StopLevel) {
	st, ok := c.scopes[scope]
	if !ok {
		return false, ""
	}
	if st.active != nil && !c.recovered(st.active) {
		return true, st.active.Level
	}
	if st.maintenance != nil && c.windowCurrent(st.maintenance) {
		return true, model.StopMaintenance
	}
	return false, ""
}

// recovered reports whether a non-maintenance event has auto-expired.
func (c *Controller) recovered(e *model.EmergencyStopEvent) bool {
	return e.RecoveryTime != nil && !c.now().Before(*e.RecoveryTime)
}

// windowCurrent reports whether a maintenance window is still open.
func (c *Controller) windowCurrent(e *model.EmergencyStopEvent) bool {
	return e.RecoveryTime == nil || c.now().Before(*e.RecoveryTime)
}

// caller holds c.mu
func (c *Controller) recordLocked(scope string, st *scopeState) Record {
	return Record{
		Scope:       scope,
		Version:     st.version,
		Active:      st.active,
		Maintenance: st.maintenance,
		UpdatedAt:   c.now(),
	}
}

func (c *Controller) persist(rec Record) error {
	if c.repo == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return c.repo.Save(ctx, rec)
}
