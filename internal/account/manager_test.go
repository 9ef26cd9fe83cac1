package account

import (
	"testing"

	"github.com/FireDesk/firegate/internal/config"
	"github.com/FireDesk/firegate/internal/model"
)

func testConfig() *config.Config {
	return &config.Config{
		RateLimit: config.RateLimitConfig{HTTPQPS: 10, HTTPBurst: 20},
		Tiers: []config.TierConfig{
			{Name: "standard", MaxOpenTrades: 3, PositionLimit: 10},
			{Name: "premium", MaxOpenTrades: 10, PositionLimit: 40, AssignmentTTLMin: 30},
		},
		FireModes: []config.FireModeConfig{
			{Name: "single", CooldownSeconds: 60, MaxPerWindow: 5, WindowSeconds: 3600},
			{Name: "scalp", CooldownSeconds: 15, MaxPerWindow: 20, WindowSeconds: 3600},
		},
		Accounts: []config.AccountConfig{
			{UserID: "u1", Name: "First", APIKey: "k1", Tier: "premium", FireMode: "scalp"},
			{UserID: "u2", Name: "Second", APIKey: "k2"},
		},
	}
}

func TestLookupByAPIKeyAndUserID(t *testing.T) {
	m := NewManager(testConfig())

	acc, ok := m.ByAPIKey("k1")
	if !ok || acc.UserID != "u1" {
		t.Fatalf("lookup by key failed: %+v ok=%v", acc, ok)
	}
	if _, ok := m.ByAPIKey("bogus"); ok {
		t.Fatal("bogus key must not resolve")
	}
	if acc, ok := m.ByUserID("u2"); !ok || acc.APIKey != "k2" {
		t.Fatalf("lookup by user failed: %+v ok=%v", acc, ok)
	}
}

func TestDefaultsAppliedToSparseAccounts(t *testing.T) {
	m := NewManager(testConfig())

	acc, _ := m.ByUserID("u2")
	if acc.Tier != model.TierStandard {
		t.Fatalf("missing tier should default to standard, got %s", acc.Tier)
	}
	if acc.FireMode != model.FireModeSingle {
		t.Fatalf("missing fire mode should default to single, got %s", acc.FireMode)
	}
}

func TestDefaultAccountIsFirstConfigured(t *testing.T) {
	m := NewManager(testConfig())
	if def := m.Default(); def == nil || def.UserID != "u1" {
		t.Fatalf("expected u1 as default account, got %+v", def)
	}
}

func TestTierPolicyFallback(t *testing.T) {
	m := NewManager(testConfig())

	if tp := m.TierPolicy(model.TierPremium); tp.PositionLimit != 40 {
		t.Fatalf("premium policy wrong: %+v", tp)
	}
	if tp := m.TierPolicy(model.Tier("vip")); tp.PositionLimit != 10 {
		t.Fatalf("unknown tier should fall back to standard: %+v", tp)
	}
}

func TestModePolicyFallback(t *testing.T) {
	m := NewManager(testConfig())

	if mp := m.ModePolicy(model.FireModeScalp); mp.MaxPerWindow != 20 {
		t.Fatalf("scalp policy wrong: %+v", mp)
	}
	if mp := m.ModePolicy(model.FireMode("turbo")); mp.MaxPerWindow != 5 {
		t.Fatalf("unknown mode should fall back to single: %+v", mp)
	}
}

func TestPositionLimitLookup(t *testing.T) {
	m := NewManager(testConfig())

	if got := m.PositionLimit("u1"); got != 40 {
		t.Fatalf("u1 position limit = %d, want 40", got)
	}
	if got := m.PositionLimit("ghost"); got != 0 {
		t.Fatalf("unknown user position limit = %d, want 0", got)
	}
}

func TestHTTPLimiterPerAccount(t *testing.T) {
	m := NewManager(testConfig())

	l1 := m.HTTPLimiter("u1")
	l2 := m.HTTPLimiter("u2")
	if l1 == nil || l2 == nil {
		t.Fatal("registered accounts must have limiters")
	}
	if l1 == l2 {
		t.Fatal("accounts must not share a token bucket")
	}
	if m.HTTPLimiter("ghost") != nil {
		t.Fatal("unknown user must not have a limiter")
	}
}
