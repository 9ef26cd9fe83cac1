package account

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/FireDesk/firegate/internal/config"
	"github.com/FireDesk/firegate/internal/model"
	"github.com/FireDesk/firegate/internal/quota"
)

// Account is one submitting identity: an end user of the signal
// platform bound to a tier and a fire mode.
type Account struct {
	UserID   string         `json:"user_id"`
	Name     string         `json:"name"`
	APIKey   string         `json:"api_key"`
	Tier     model.Tier     `json:"tier"`
	FireMode model.FireMode `json:"fire_mode"`
}

// TierPolicy carries the quotas attached to a tier. All numbers are
// configuration, not code constants.
type TierPolicy struct {
	Name          model.Tier
	MaxOpenTrades int
	PositionLimit int
	AssignmentTTL time.Duration
}

// Manager is the registry of accounts, tier policies and fire-mode
// policies, plus the per-account token bucket protecting the HTTP
// surface. State is injected from config; no ambient globals.
type Manager struct {
	mu       sync.RWMutex
	byKey    map[string]*Account // gateway API key -> account
	byUser   map[string]*Account
	limiters map[string]*rate.Limiter // user id -> HTTP limiter

	tiers map[model.Tier]TierPolicy
	modes map[model.FireMode]quota.ModePolicy

	httpQPS   rate.Limit
	httpBurst int

	defaultAccount *Account
}

func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		byKey:     make(map[string]*Account),
		byUser:    make(map[string]*Account),
		limiters:  make(map[string]*rate.Limiter),
		tiers:     make(map[model.Tier]TierPolicy),
		modes:     make(map[model.FireMode]quota.ModePolicy),
		httpQPS:   rate.Limit(cfg.RateLimit.HTTPQPS),
		httpBurst: cfg.RateLimit.HTTPBurst,
	}
	if m.httpQPS == 0 {
		m.httpQPS = rate.Inf
	}
	if m.httpBurst == 0 {
		m.httpBurst = 1
	}

	for _, tc := range cfg.Tiers {
		m.tiers[model.Tier(tc.Name)] = TierPolicy{
			Name:          model.Tier(tc.Name),
			MaxOpenTrades: tc.MaxOpenTrades,
			PositionLimit: tc.PositionLimit,
			AssignmentTTL: time.Duration(tc.AssignmentTTLMin) * time.Minute,
		}
	}
	for _, fm := range cfg.FireModes {
		m.modes[model.FireMode(fm.Name)] = quota.ModePolicy{
			Name:         model.FireMode(fm.Name),
			Cooldown:     time.Duration(fm.CooldownSeconds) * time.Second,
			MaxPerWindow: fm.MaxPerWindow,
			Window:       time.Duration(fm.WindowSeconds) * time.Second,
		}
	}

	for _, ac := range cfg.Accounts {
		acc := &Account{
			UserID:   ac.UserID,
			Name:     ac.Name,
			APIKey:   ac.APIKey,
			Tier:     model.Tier(ac.Tier),
			FireMode: model.FireMode(ac.FireMode),
		}
		if acc.Tier == "" {
			acc.Tier = model.TierStandard
		}
		if acc.FireMode == "" {
			acc.FireMode = model.FireModeSingle
		}
		m.Register(acc)
		if m.defaultAccount == nil {
			m.defaultAccount = acc
		}
	}
	return m
}

func (m *Manager) Register(acc *Account) {
	if acc == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc.APIKey != "" {
		m.byKey[acc.APIKey] = acc
	}
	m.byUser[acc.UserID] = acc
	m.limiters[acc.UserID] = rate.NewLimiter(m.httpQPS, m.httpBurst)
}

func (m *Manager) ByAPIKey(key string) (*Account, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.byKey[key]
	return acc, ok
}

func (m *Manager) ByUserID(userID string) (*Account, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.byUser[userID]
	return acc, ok
}

func (m *Manager) Default() *Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultAccount
}

// HTTPLimiter returns the account's token bucket for the HTTP surface.
func (m *Manager) HTTPLimiter(userID string) *rate.Limiter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.limiters[userID]
}

// TierPolicy resolves a tier; unknown tiers get the standard policy.
func (m *Manager) TierPolicy(tier model.Tier) TierPolicy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if tp, ok := m.tiers[tier]; ok {
		return tp
	}
	return m.tiers[model.TierStandard]
}

// ModePolicy resolves a fire mode; unknown modes fall back to single.
func (m *Manager) ModePolicy(mode model.FireMode) quota.ModePolicy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if mp, ok := m.modes[mode]; ok {
		return mp
	}
	return m.modes[model.FireModeSingle]
}

// PositionLimit is the risk evaluator's per-user lookup.
func (m *Manager) PositionLimit(userID string) int {
	acc, ok := m.ByUserID(userID)
	if !ok {
		return 0
	}
	return m.TierPolicy(acc.Tier).PositionLimit
}
