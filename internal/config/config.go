// Package config provides configuration management for the 0DTE decision gate.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied when a key is left unset.
const (
	defaultMaxDailyLoss        = 500.0
	defaultPortfolioDeltaCap   = 50.0
	defaultConfirmationTimeout = 30 // seconds
	defaultFallbackDelta       = 0.5
	defaultAutoExpireTime      = "16:15"
	defaultTimezone            = "America/New_York"
	defaultCleanupInterval     = 5 * time.Minute
	defaultUnderlying          = "SPY"
	defaultUpdateInterval      = 500 * time.Millisecond
	defaultBatchSize           = 50
	defaultMaxRetries          = 3
	defaultRetryDelay          = 5 * time.Second
	defaultConcurrentRequests  = 3
	defaultDashboardPort       = 8080
	defaultMetricsPort         = 9090
	defaultStoragePath         = "session.json"
	defaultBrokerTimeout       = 10 * time.Second
)

// Config represents the complete application configuration.
type Config struct {
	Breakers    map[string]BreakerConfig `yaml:"breakers"`
	Environment EnvironmentConfig        `yaml:"environment"`
	Broker      BrokerConfig             `yaml:"broker"`
	Risk        RiskConfig               `yaml:"risk"`
	Cache       CacheConfig              `yaml:"cache"`
	Streaming   StreamingConfig          `yaml:"streaming"`
	Dashboard   DashboardConfig          `yaml:"dashboard"`
	Metrics     MetricsConfig            `yaml:"metrics"`
	Storage     StorageConfig            `yaml:"storage"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider    string           `yaml:"provider"` // tradier | mock
	APIKey      string           `yaml:"api_key"`
	APIEndpoint string           `yaml:"api_endpoint"`
	AccountID   string           `yaml:"account_id"`
	RateLimits  RateLimitsConfig `yaml:"rate_limits"`
	Timeout     time.Duration    `yaml:"timeout"`
}

// RateLimitsConfig holds per-minute request limits by endpoint category. Zero means provider default.
type RateLimitsConfig struct {
	MarketData int `yaml:"market_data"`
	Trading    int `yaml:"trading"`
	Standard   int `yaml:"standard"`
}

// RiskConfig defines risk management parameters.
type RiskConfig struct {
	MaxDailyLoss        float64 `yaml:"max_daily_loss"`
	PortfolioDeltaCap   float64 `yaml:"portfolio_delta_cap"`
	ConfirmationTimeout int     `yaml:"confirmation_timeout"` // seconds
	FallbackOptionDelta float64 `yaml:"fallback_option_delta"`
}

// CacheConfig defines option chain cache settings.
type CacheConfig struct {
	AutoExpireTime  string        `yaml:"auto_expire_time"` // "HH:MM"
	Timezone        string        `yaml:"timezone"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// StreamingConfig defines the chain refresh loop settings.
type StreamingConfig struct {
	Underlying     string        `yaml:"underlying"`
	UpdateInterval time.Duration `yaml:"update_interval"`
	// LegacyIntervalSeconds is the older spy_chain_update_interval key, in seconds.
	LegacyIntervalSeconds float64       `yaml:"spy_chain_update_interval"`
	AutoReconnect         *bool         `yaml:"auto_reconnect"`
	BatchSize             int           `yaml:"batch_size"`
	MaxRetries            int           `yaml:"max_retries"`
	RetryDelay            time.Duration `yaml:"retry_delay"`
	ConcurrentRequests    int           `yaml:"concurrent_requests"`
}

// BreakerConfig overrides the settings of a named circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// DashboardConfig defines the operator HTTP API settings.
type DashboardConfig struct {
	AuthToken string `yaml:"auth_token"`
	Port      int    `yaml:"port"`
	Enabled   bool   `yaml:"enabled"`
}

// MetricsConfig defines the prometheus endpoint settings.
type MetricsConfig struct {
	Port    int  `yaml:"port"`
	Enabled bool `yaml:"enabled"`
}

// StorageConfig defines storage settings for session data.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	return Parse(data)
}

// Parse expands environment variables in data, decodes it strictly and validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Broker.Provider == "" {
		c.Broker.Provider = "tradier"
	}
	if c.Broker.Timeout == 0 {
		c.Broker.Timeout = defaultBrokerTimeout
	}

	if c.Risk.MaxDailyLoss == 0 {
		c.Risk.MaxDailyLoss = defaultMaxDailyLoss
	}
	if c.Risk.PortfolioDeltaCap == 0 {
		c.Risk.PortfolioDeltaCap = defaultPortfolioDeltaCap
	}
	if c.Risk.ConfirmationTimeout == 0 {
		c.Risk.ConfirmationTimeout = defaultConfirmationTimeout
	}
	if c.Risk.FallbackOptionDelta == 0 {
		c.Risk.FallbackOptionDelta = defaultFallbackDelta
	}

	if c.Cache.AutoExpireTime == "" {
		c.Cache.AutoExpireTime = defaultAutoExpireTime
	}
	if c.Cache.Timezone == "" {
		c.Cache.Timezone = defaultTimezone
	}
	if c.Cache.CleanupInterval == 0 {
		c.Cache.CleanupInterval = defaultCleanupInterval
	}

	s := &c.Streaming
	if s.Underlying == "" {
		s.Underlying = defaultUnderlying
	}
	if s.UpdateInterval == 0 {
		if s.LegacyIntervalSeconds > 0 {
			s.UpdateInterval = time.Duration(s.LegacyIntervalSeconds * float64(time.Second))
		} else {
			s.UpdateInterval = defaultUpdateInterval
		}
	}
	if s.BatchSize == 0 {
		s.BatchSize = defaultBatchSize
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = defaultMaxRetries
	}
	if s.RetryDelay == 0 {
		s.RetryDelay = defaultRetryDelay
	}
	if s.ConcurrentRequests == 0 {
		s.ConcurrentRequests = defaultConcurrentRequests
	}
	if s.AutoReconnect == nil {
		enabled := true
		s.AutoReconnect = &enabled
	}

	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = defaultDashboardPort
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = defaultMetricsPort
	}
	if c.Storage.Path == "" {
		c.Storage.Path = defaultStoragePath
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	// Environment validation
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	// Broker validation
	switch c.Broker.Provider {
	case "tradier":
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required")
		}
		if c.Broker.AccountID == "" {
			return fmt.Errorf("broker.account_id is required")
		}
	case "mock":
		if c.Environment.Mode == "live" {
			return fmt.Errorf("broker.provider 'mock' cannot be used in live mode")
		}
	default:
		return fmt.Errorf("broker.provider must be 'tradier' or 'mock'")
	}
	if c.Broker.RateLimits.MarketData < 0 || c.Broker.RateLimits.Trading < 0 || c.Broker.RateLimits.Standard < 0 {
		return fmt.Errorf("broker.rate_limits must be >= 0")
	}

	// Risk validation
	if c.Risk.MaxDailyLoss <= 0 {
		return fmt.Errorf("risk.max_daily_loss must be > 0")
	}
	if c.Risk.PortfolioDeltaCap <= 0 {
		return fmt.Errorf("risk.portfolio_delta_cap must be > 0")
	}
	if c.Risk.ConfirmationTimeout <= 0 {
		return fmt.Errorf("risk.confirmation_timeout must be > 0")
	}
	if c.Risk.FallbackOptionDelta <= 0 || c.Risk.FallbackOptionDelta > 1 {
		return fmt.Errorf("risk.fallback_option_delta must be in (0,1]")
	}

	// Cache validation
	if _, _, err := parseClock(c.Cache.AutoExpireTime); err != nil {
		return fmt.Errorf("cache.auto_expire_time invalid: %w", err)
	}
	if c.Cache.CleanupInterval < 0 {
		return fmt.Errorf("cache.cleanup_interval must be >= 0")
	}

	// Streaming validation
	if c.Streaming.UpdateInterval <= 0 {
		return fmt.Errorf("streaming.update_interval must be > 0")
	}
	if c.Streaming.BatchSize <= 0 {
		return fmt.Errorf("streaming.batch_size must be > 0")
	}
	if c.Streaming.MaxRetries <= 0 {
		return fmt.Errorf("streaming.max_retries must be > 0")
	}
	if c.Streaming.RetryDelay < 0 {
		return fmt.Errorf("streaming.retry_delay must be >= 0")
	}
	if c.Streaming.ConcurrentRequests <= 0 {
		return fmt.Errorf("streaming.concurrent_requests must be > 0")
	}

	// Breaker validation
	for name, b := range c.Breakers {
		if b.FailureThreshold < 0 || b.SuccessThreshold < 0 || b.RecoveryTimeout < 0 || b.Timeout < 0 {
			return fmt.Errorf("breakers.%s values must be >= 0", name)
		}
	}

	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be between 1 and 65535")
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port must be between 1 and 65535")
	}

	return nil
}

// IsPaperTrading returns true if the gate is configured for paper trading.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// Location returns the configured market timezone with fallbacks for minimal containers.
func (c *Config) Location() *time.Location {
	tz := c.Cache.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		// Try fallback to America/New_York
		if fallbackLoc, err2 := time.LoadLocation(defaultTimezone); err2 == nil {
			return fallbackLoc
		}
		// Final fallback to DST-agnostic FixedZone
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// ExpireCutoff returns the hour and minute of the daily cache expiry.
func (c *Config) ExpireCutoff() (hour, minute int) {
	h, m, err := parseClock(c.Cache.AutoExpireTime)
	if err != nil {
		h, m, _ = parseClock(defaultAutoExpireTime)
	}
	return h, m
}

// ConfirmationTimeout returns the preview token lifetime.
func (c *Config) ConfirmationTimeout() time.Duration {
	return time.Duration(c.Risk.ConfirmationTimeout) * time.Second
}

// AutoReconnect reports whether the streamer keeps retrying after max_retries.
func (c *Config) AutoReconnect() bool {
	return c.Streaming.AutoReconnect == nil || *c.Streaming.AutoReconnect
}

// parseClock parses a "15:04" wall clock string.
func parseClock(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, 0, err
	}
	return t.Hour(), t.Minute(), nil
}
