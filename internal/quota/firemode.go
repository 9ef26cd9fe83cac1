package quota

import (
	"sync"
	"time"

	"github.com/FireDesk/firegate/internal/model"
	"github.com/FireDesk/firegate/internal/pkg/apperrors"
)

// ModePolicy is one fire mode's cooldown and window quota. Policies
// come from config; defaults are not business rules.
type ModePolicy struct {
	Name         model.FireMode
	Cooldown     time.Duration
	MaxPerWindow int
	Window       time.Duration
}

// Tracker holds per-(user, mode) fire state. Check-then-record is one
// critical section per key: two concurrent submissions can never both
// pass the same cooldown or window check.
type Tracker struct {
	mu     sync.RWMutex
	states map[string]*fireState

	now func() time.Time
}

type fireState struct {
	mu            sync.Mutex
	lastFiredAt   time.Time
	windowStart   time.Time
	countInWindow int
}

func NewTracker() *Tracker {
	return &Tracker{
		states: make(map[string]*fireState),
		now:    time.Now,
	}
}

// Reserve records one shot for (user, mode) if both the cooldown and
// the window quota allow it. The shot is consumed even if a later
// admission stage denies the request; refunding would reopen the race
// the atomic reserve closes.
func (t *Tracker) Reserve(userID string, policy ModePolicy) error {
	st := t.state(userID + "|" + string(policy.Name))
	st.mu.Lock()
	defer st.mu.Unlock()

	now := t.now()

	if policy.Cooldown > 0 && !st.lastFiredAt.IsZero() {
		elapsed := now.Sub(st.lastFiredAt)
		if elapsed < policy.Cooldown {
			remaining := policy.Cooldown - elapsed
			e := apperrors.Newf(apperrors.ErrCooldownActive,
				"fire mode %s cooling down for %s", policy.Name, remaining.Round(time.Second))
			e.RetryAfter = remaining
			return e
		}
	}

	if policy.MaxPerWindow > 0 && policy.Window > 0 {
		if st.windowStart.IsZero() || now.Sub(st.windowStart) >= policy.Window {
			st.windowStart = now
			st.countInWindow = 0
		}
		if st.countInWindow >= policy.MaxPerWindow {
			remaining := st.windowStart.Add(policy.Window).Sub(now)
			e := apperrors.Newf(apperrors.ErrQuotaExceeded,
				"fire mode %s window quota %d reached", policy.Name, policy.MaxPerWindow)
			e.RetryAfter = remaining
			return e
		}
		st.countInWindow++
	}

	st.lastFiredAt = now
	return nil
}

// State reports the current counters for (user, mode).
func (t *Tracker) State(userID string, mode model.FireMode) (lastFiredAt time.Time, countInWindow int) {
	st := t.state(userID + "|" + string(mode))
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastFiredAt, st.countInWindow
}

func (t *Tracker) state(key string) *fireState {
	t.mu.RLock()
	st, ok := t.states[key]
	t.mu.RUnlock()
	if ok {
		return st
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok = t.states[key]; ok {
		return st
	}
	st = &fireState{}
	t.states[key] = st
	return st
}
