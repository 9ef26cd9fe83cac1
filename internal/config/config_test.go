package config

import (
	"testing"
	"time"
)

func validConfig() *Config {
	return &Config{
		RateLimit: RateLimitConfig{FireLimit: 10, FireWindowSeconds: 60},
		Risk: RiskConfig{
			MarginLevelDanger:   100,
			MarginLevelCritical: 150,
			MarginLevelWarning:  200,
			DrawdownCriticalPct: 20,
			DrawdownWarningPct:  10,
			FreshnessSeconds:    30,
		},
		Dispatch:  DispatchConfig{AckTimeoutMs: 5000},
		FireModes: defaultFireModes(),
		Tiers:     defaultTiers(),
		Pool: PoolConfig{Endpoints: []EndpointConfig{
			{ID: "ep-1", Tier: "standard", Capacity: 3},
		}},
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestValidateRejectsUnorderedMarginLadder(t *testing.T) {
	cfg := validConfig()
	cfg.Risk.MarginLevelDanger = 250
	if err := cfg.Validate(); err == nil {
		t.Fatal("danger above warning must be rejected")
	}
}

func TestValidateRejectsInvertedDrawdown(t *testing.T) {
	cfg := validConfig()
	cfg.Risk.DrawdownWarningPct = 30
	if err := cfg.Validate(); err == nil {
		t.Fatal("warning drawdown above critical must be rejected")
	}
}

func TestValidateRejectsZeroFireLimit(t *testing.T) {
	cfg := validConfig()
	cfg.RateLimit.FireLimit = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("zero fire limit must be rejected")
	}
}

func TestValidateRejectsZeroCapacityEndpoint(t *testing.T) {
	cfg := validConfig()
	cfg.Pool.Endpoints[0].Capacity = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("zero capacity endpoint must be rejected")
	}
}

func TestValidateRejectsBadFireMode(t *testing.T) {
	cfg := validConfig()
	cfg.FireModes = append(cfg.FireModes, FireModeConfig{Name: "broken", MaxPerWindow: 0, WindowSeconds: 60})
	if err := cfg.Validate(); err == nil {
		t.Fatal("fire mode without a window quota must be rejected")
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := validConfig()
	if cfg.FireWindow() != time.Minute {
		t.Fatalf("FireWindow = %s", cfg.FireWindow())
	}
	if cfg.AckTimeout() != 5*time.Second {
		t.Fatalf("AckTimeout = %s", cfg.AckTimeout())
	}
	if cfg.Freshness() != 30*time.Second {
		t.Fatalf("Freshness = %s", cfg.Freshness())
	}
}
