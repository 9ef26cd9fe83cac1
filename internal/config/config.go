package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Database  DatabaseConfig   `mapstructure:"database"`
	Redis     RedisConfig      `mapstructure:"redis"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	RateLimit RateLimitConfig  `mapstructure:"rate_limit"`
	Risk      RiskConfig       `mapstructure:"risk"`
	Estop     EstopConfig      `mapstructure:"estop"`
	Pool      PoolConfig       `mapstructure:"pool"`
	Dispatch  DispatchConfig   `mapstructure:"dispatch"`
	Telemetry TelemetryConfig  `mapstructure:"telemetry"`
	FireModes []FireModeConfig `mapstructure:"fire_modes"`
	Tiers     []TierConfig     `mapstructure:"tiers"`
	Accounts  []AccountConfig  `mapstructure:"accounts"`
}

type ServerConfig struct {
	Port     string `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

type AuthConfig struct {
	RequireAPIKey bool   `mapstructure:"require_api_key"`
	AdminKey      string `mapstructure:"admin_key"`
	BridgeKey     string `mapstructure:"bridge_key"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// RateLimitConfig governs the sliding-window limiter on the fire channel.
type RateLimitConfig struct {
	FireLimit         int `mapstructure:"fire_limit"`
	FireWindowSeconds int `mapstructure:"fire_window_seconds"`
	HTTPQPS           int `mapstructure:"http_qps"`
	HTTPBurst         int `mapstructure:"http_burst"`
}

type RiskConfig struct {
	MarginLevelDanger    float64 `mapstructure:"margin_level_danger"`    // below => danger
	MarginLevelCritical  float64 `mapstructure:"margin_level_critical"`  // below => critical
	MarginLevelWarning   float64 `mapstructure:"margin_level_warning"`   // below => warning
	DrawdownCriticalPct  float64 `mapstructure:"drawdown_critical_pct"`  // above => critical
	DrawdownWarningPct   float64 `mapstructure:"drawdown_warning_pct"`   // above => warning
	MinFreeMargin        float64 `mapstructure:"min_free_margin"`
	FreshnessSeconds     int     `mapstructure:"freshness_seconds"`
	AutoStopOnDrawdown   bool    `mapstructure:"auto_stop_on_drawdown"`
	DefaultRiskPct       float64 `mapstructure:"default_risk_pct"` // position sizing, e.g. 0.02
	PointValue           float64 `mapstructure:"point_value"`
}

type EstopConfig struct {
	KillSwitch             bool `mapstructure:"kill_switch"`
	DefaultRecoverySeconds int  `mapstructure:"default_recovery_seconds"`
}

type PoolConfig struct {
	SweepIntervalSeconds int              `mapstructure:"sweep_interval_seconds"`
	Endpoints            []EndpointConfig `mapstructure:"endpoints"`
}

type EndpointConfig struct {
	ID       string `mapstructure:"id"`
	Tier     string `mapstructure:"tier"`
	Capacity int    `mapstructure:"capacity"`
	Address  string `mapstructure:"address"`
}

type DispatchConfig struct {
	AckTimeoutMs int `mapstructure:"ack_timeout_ms"`
	QueueSize    int `mapstructure:"queue_size"`
}

type TelemetryConfig struct {
	BridgeWSURL  string   `mapstructure:"bridge_ws_url"`
	KafkaBrokers []string `mapstructure:"kafka_brokers"`
	KafkaTopic   string   `mapstructure:"kafka_topic"`
	KafkaGroupID string   `mapstructure:"kafka_group_id"`
}

type FireModeConfig struct {
	Name            string `mapstructure:"name"`
	CooldownSeconds int    `mapstructure:"cooldown_seconds"`
	MaxPerWindow    int    `mapstructure:"max_per_window"`
	WindowSeconds   int    `mapstructure:"window_seconds"`
}

type TierConfig struct {
	Name             string `mapstructure:"name"`
	MaxOpenTrades    int    `mapstructure:"max_open_trades"`
	PositionLimit    int    `mapstructure:"position_limit"`
	AssignmentTTLMin int    `mapstructure:"assignment_ttl_minutes"` // 0 = no expiry
}

type AccountConfig struct {
	UserID   string `mapstructure:"user_id"`
	Name     string `mapstructure:"name"`
	APIKey   string `mapstructure:"api_key"`
	Tier     string `mapstructure:"tier"`
	FireMode string `mapstructure:"fire_mode"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	// Environment variables support
	// e.g. FIREGATE_REDIS_ADDR, FIREGATE_ESTOP_KILL_SWITCH
	viper.SetEnvPrefix("firegate")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Defaults
	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.log_level", "info")
	viper.SetDefault("auth.require_api_key", false)
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")

	viper.SetDefault("rate_limit.fire_limit", 10)
	viper.SetDefault("rate_limit.fire_window_seconds", 60)
	viper.SetDefault("rate_limit.http_qps", 10)
	viper.SetDefault("rate_limit.http_burst", 20)

	viper.SetDefault("risk.margin_level_danger", 100.0)
	viper.SetDefault("risk.margin_level_critical", 150.0)
	viper.SetDefault("risk.margin_level_warning", 200.0)
	viper.SetDefault("risk.drawdown_critical_pct", 20.0)
	viper.SetDefault("risk.drawdown_warning_pct", 10.0)
	viper.SetDefault("risk.min_free_margin", 50.0)
	viper.SetDefault("risk.freshness_seconds", 30)
	viper.SetDefault("risk.auto_stop_on_drawdown", true)
	viper.SetDefault("risk.default_risk_pct", 0.02)
	viper.SetDefault("risk.point_value", 1.0)

	viper.SetDefault("estop.kill_switch", false)
	viper.SetDefault("estop.default_recovery_seconds", 300)

	viper.SetDefault("pool.sweep_interval_seconds", 60)
	viper.SetDefault("dispatch.ack_timeout_ms", 5000)
	viper.SetDefault("dispatch.queue_size", 64)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and env vars")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if len(cfg.FireModes) == 0 {
		cfg.FireModes = defaultFireModes()
	}
	if len(cfg.Tiers) == 0 {
		cfg.Tiers = defaultTiers()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects threshold combinations that would make the risk
// ladder non-monotonic or the limiter meaningless.
func (c *Config) Validate() error {
	if c.Risk.MarginLevelDanger > c.Risk.MarginLevelCritical ||
		c.Risk.MarginLevelCritical > c.Risk.MarginLevelWarning {
		return fmt.Errorf("config error: margin level thresholds must order danger <= critical <= warning")
	}
	if c.Risk.DrawdownWarningPct > c.Risk.DrawdownCriticalPct {
		return fmt.Errorf("config error: drawdown warning pct above critical pct")
	}
	if c.RateLimit.FireLimit <= 0 || c.RateLimit.FireWindowSeconds <= 0 {
		return fmt.Errorf("config error: fire rate limit and window must be positive")
	}
	for _, fm := range c.FireModes {
		if fm.MaxPerWindow <= 0 || fm.WindowSeconds <= 0 {
			return fmt.Errorf("config error: fire mode %q needs positive window quota", fm.Name)
		}
	}
	for _, ep := range c.Pool.Endpoints {
		if ep.Capacity <= 0 {
			return fmt.Errorf("config error: endpoint %q needs positive capacity", ep.ID)
		}
	}
	return nil
}

func (c *Config) FireWindow() time.Duration {
	return time.Duration(c.RateLimit.FireWindowSeconds) * time.Second
}

func (c *Config) AckTimeout() time.Duration {
	return time.Duration(c.Dispatch.AckTimeoutMs) * time.Millisecond
}

func (c *Config) Freshness() time.Duration {
	return time.Duration(c.Risk.FreshnessSeconds) * time.Second
}

func defaultFireModes() []FireModeConfig {
	return []FireModeConfig{
		{Name: "single", CooldownSeconds: 60, MaxPerWindow: 5, WindowSeconds: 3600},
		{Name: "scalp", CooldownSeconds: 15, MaxPerWindow: 20, WindowSeconds: 3600},
		{Name: "burst", CooldownSeconds: 5, MaxPerWindow: 10, WindowSeconds: 600},
	}
}

func defaultTiers() []TierConfig {
	return []TierConfig{
		{Name: "standard", MaxOpenTrades: 3, PositionLimit: 10, AssignmentTTLMin: 0},
		{Name: "premium", MaxOpenTrades: 10, PositionLimit: 40, AssignmentTTLMin: 0},
	}
}
