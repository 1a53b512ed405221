// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure. Monetary and rate
// fields are YAML strings parsed into decimals during Validate; the parsed
// values live in the yaml:"-" fields.
type Config struct {
	App       AppConfig              `yaml:"app"`
	Venues    map[string]VenueConfig `yaml:"venues"`
	Trading   TradingConfig          `yaml:"trading"`
	Rebalance RebalanceConfig        `yaml:"rebalance"`
	Timing    TimingConfig           `yaml:"timing"`
	System    SystemConfig           `yaml:"system"`
	Alerting  AlertingConfig         `yaml:"alerting"`
	Telemetry TelemetryConfig        `yaml:"telemetry"`
	Feed      FeedConfig             `yaml:"feed"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	PrimaryVenue      string   `yaml:"primary_venue"`
	WhitelistedVenues []string `yaml:"whitelisted_venues"`
	DatabasePath      string   `yaml:"database_path"`      // positions + funding payments
	RateDatabasePath  string   `yaml:"rate_database_path"` // collection service's database (read-only)
}

// VenueConfig contains venue-specific configuration
type VenueConfig struct {
	APIKey            string  `yaml:"api_key"`
	SecretKey         string  `yaml:"secret_key"`
	BaseURL           string  `yaml:"base_url"`
	WSURL             string  `yaml:"ws_url"`
	MakerFeeRate      string  `yaml:"maker_fee_rate"`
	TakerFeeRate      string  `yaml:"taker_fee_rate"`
	LimitOffsetBps    string  `yaml:"limit_offset_bps"` // negative crosses the spread
	RequestsPerSecond float64 `yaml:"requests_per_second"`

	MakerFee    decimal.Decimal `yaml:"-"`
	TakerFee    decimal.Decimal `yaml:"-"`
	LimitOffset decimal.Decimal `yaml:"-"`
}

// TradingConfig contains trading parameters
type TradingConfig struct {
	TargetExposurePerSideUSD string `yaml:"target_exposure_per_side_usd"`
	MaxTotalExposureUSD      string `yaml:"max_total_exposure_usd"`
	MaxPositions             int    `yaml:"max_positions"`
	MaxNewPositionsPerCycle  int    `yaml:"max_new_positions_per_cycle"`
	MinNetProfitRate         string `yaml:"min_net_profit_rate"`
	MaxOpenInterestUSD       string `yaml:"max_open_interest_usd"`
	MinVolume24hUSD          string `yaml:"min_volume_24h_usd"`
	RequiredMaxLeverage      int    `yaml:"required_max_leverage"`
	OpportunityLimit         int    `yaml:"opportunity_limit"`
	SlippageThresholdUSD     string `yaml:"slippage_threshold_usd"`
	DepthLevels              int    `yaml:"depth_levels"`
	DryRun                   bool   `yaml:"dry_run"`

	TargetExposure    decimal.Decimal `yaml:"-"`
	MaxTotalExposure  decimal.Decimal `yaml:"-"`
	MinNetProfit      decimal.Decimal `yaml:"-"`
	MaxOpenInterest   decimal.Decimal `yaml:"-"`
	MinVolume24h      decimal.Decimal `yaml:"-"`
	SlippageThreshold decimal.Decimal `yaml:"-"`
}

// RebalanceConfig selects the exit rule set
type RebalanceConfig struct {
	Rule             string `yaml:"rule"` // erosion, flip, age, combined
	ErosionThreshold string `yaml:"erosion_threshold"`
	MaxAgeHours      int    `yaml:"max_age_hours"`
	// OnCloseLegFailure controls the close path when the second leg's market
	// fallback fails: "escalate" leaves pending_close and alerts, "retry"
	// re-attempts once before escalating.
	OnCloseLegFailure string `yaml:"on_close_leg_failure"`

	Erosion decimal.Decimal `yaml:"-"`
}

// TimingConfig contains timing-related settings
type TimingConfig struct {
	CycleIntervalSeconds   int `yaml:"cycle_interval_seconds"`
	OrderTimeoutSeconds    int `yaml:"order_timeout_seconds"`
	PriceCacheTTLSeconds   int `yaml:"price_cache_ttl_seconds"`
	PollIntervalMs         int `yaml:"poll_interval_ms"`
	RollbackTimeoutSeconds int `yaml:"rollback_timeout_seconds"`
	RateMaxAgeSeconds      int `yaml:"rate_max_age_seconds"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel     string `yaml:"log_level"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
}

// AlertingConfig contains alert delivery settings
type AlertingConfig struct {
	WebhookURL string `yaml:"webhook_url"`
	MinLevel   string `yaml:"min_level"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// FeedConfig configures the optional funding-feed subscriber
type FeedConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := os.ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Rebalance.Rule == "" {
		c.Rebalance.Rule = "combined"
	}
	if c.Rebalance.ErosionThreshold == "" {
		c.Rebalance.ErosionThreshold = "0.5"
	}
	if c.Rebalance.MaxAgeHours == 0 {
		c.Rebalance.MaxAgeHours = 168
	}
	if c.Rebalance.OnCloseLegFailure == "" {
		c.Rebalance.OnCloseLegFailure = "escalate"
	}
	if c.Timing.CycleIntervalSeconds == 0 {
		c.Timing.CycleIntervalSeconds = 60
	}
	if c.Timing.OrderTimeoutSeconds == 0 {
		c.Timing.OrderTimeoutSeconds = 30
	}
	if c.Timing.PriceCacheTTLSeconds == 0 {
		c.Timing.PriceCacheTTLSeconds = 5
	}
	if c.Timing.PollIntervalMs == 0 {
		c.Timing.PollIntervalMs = 500
	}
	if c.Timing.RollbackTimeoutSeconds == 0 {
		c.Timing.RollbackTimeoutSeconds = 10
	}
	if c.Timing.RateMaxAgeSeconds == 0 {
		c.Timing.RateMaxAgeSeconds = 3600
	}
	if c.Trading.MaxNewPositionsPerCycle == 0 {
		c.Trading.MaxNewPositionsPerCycle = 1
	}
	if c.Trading.OpportunityLimit == 0 {
		c.Trading.OpportunityLimit = 10
	}
	if c.Trading.DepthLevels == 0 {
		c.Trading.DepthLevels = 20
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	for name, v := range c.Venues {
		if v.LimitOffsetBps == "" {
			v.LimitOffsetBps = "1"
			c.Venues[name] = v
		}
	}
}

// Validate performs comprehensive validation and parses decimal fields.
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateAppConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateVenues(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateTradingConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateRebalanceConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	if len(c.App.WhitelistedVenues) < 2 {
		return ValidationError{
			Field:   "app.whitelisted_venues",
			Value:   c.App.WhitelistedVenues,
			Message: "at least two venues are required for cross-venue arbitrage",
		}
	}
	if c.App.PrimaryVenue != "" && !contains(c.App.WhitelistedVenues, c.App.PrimaryVenue) {
		return ValidationError{
			Field:   "app.primary_venue",
			Value:   c.App.PrimaryVenue,
			Message: "primary venue must be whitelisted",
		}
	}
	if c.App.DatabasePath == "" {
		return ValidationError{
			Field:   "app.database_path",
			Message: "database path is required",
		}
	}
	return nil
}

func (c *Config) validateVenues() error {
	for _, name := range c.App.WhitelistedVenues {
		if name == "mock" {
			continue
		}
		v, exists := c.Venues[name]
		if !exists {
			return ValidationError{
				Field:   "venues",
				Value:   name,
				Message: "venue configuration not found in venues section",
			}
		}

		var err error
		if v.MakerFee, err = parseDecimal(v.MakerFeeRate, "0.0002"); err != nil {
			return ValidationError{Field: fmt.Sprintf("venues.%s.maker_fee_rate", name), Value: v.MakerFeeRate, Message: err.Error()}
		}
		if v.TakerFee, err = parseDecimal(v.TakerFeeRate, "0.0005"); err != nil {
			return ValidationError{Field: fmt.Sprintf("venues.%s.taker_fee_rate", name), Value: v.TakerFeeRate, Message: err.Error()}
		}
		if v.LimitOffset, err = parseDecimal(v.LimitOffsetBps, "1"); err != nil {
			return ValidationError{Field: fmt.Sprintf("venues.%s.limit_offset_bps", name), Value: v.LimitOffsetBps, Message: err.Error()}
		}
		c.Venues[name] = v
	}
	return nil
}

func (c *Config) validateTradingConfig() error {
	var err error
	t := &c.Trading

	if t.TargetExposure, err = parseDecimal(t.TargetExposurePerSideUSD, ""); err != nil || !t.TargetExposure.IsPositive() {
		return ValidationError{
			Field:   "trading.target_exposure_per_side_usd",
			Value:   t.TargetExposurePerSideUSD,
			Message: "must be a positive decimal",
		}
	}
	if t.MaxTotalExposure, err = parseDecimal(t.MaxTotalExposureUSD, ""); err != nil || !t.MaxTotalExposure.IsPositive() {
		return ValidationError{
			Field:   "trading.max_total_exposure_usd",
			Value:   t.MaxTotalExposureUSD,
			Message: "must be a positive decimal",
		}
	}
	if t.MinNetProfit, err = parseDecimal(t.MinNetProfitRate, "0"); err != nil {
		return ValidationError{
			Field:   "trading.min_net_profit_rate",
			Value:   t.MinNetProfitRate,
			Message: err.Error(),
		}
	}
	if t.MaxOpenInterest, err = parseDecimal(t.MaxOpenInterestUSD, "0"); err != nil {
		return ValidationError{
			Field:   "trading.max_open_interest_usd",
			Value:   t.MaxOpenInterestUSD,
			Message: err.Error(),
		}
	}
	if t.MinVolume24h, err = parseDecimal(t.MinVolume24hUSD, "0"); err != nil {
		return ValidationError{
			Field:   "trading.min_volume_24h_usd",
			Value:   t.MinVolume24hUSD,
			Message: err.Error(),
		}
	}
	if t.SlippageThreshold, err = parseDecimal(t.SlippageThresholdUSD, "0"); err != nil {
		return ValidationError{
			Field:   "trading.slippage_threshold_usd",
			Value:   t.SlippageThresholdUSD,
			Message: err.Error(),
		}
	}
	if t.MaxPositions < 1 {
		return ValidationError{
			Field:   "trading.max_positions",
			Value:   t.MaxPositions,
			Message: "must be at least 1",
		}
	}
	if t.MaxNewPositionsPerCycle < 1 {
		return ValidationError{
			Field:   "trading.max_new_positions_per_cycle",
			Value:   t.MaxNewPositionsPerCycle,
			Message: "must be at least 1",
		}
	}
	return nil
}

func (c *Config) validateRebalanceConfig() error {
	validRules := []string{"erosion", "flip", "age", "combined"}
	if !contains(validRules, c.Rebalance.Rule) {
		return ValidationError{
			Field:   "rebalance.rule",
			Value:   c.Rebalance.Rule,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validRules, ", ")),
		}
	}

	var err error
	if c.Rebalance.Erosion, err = parseDecimal(c.Rebalance.ErosionThreshold, "0.5"); err != nil {
		return ValidationError{
			Field:   "rebalance.erosion_threshold",
			Value:   c.Rebalance.ErosionThreshold,
			Message: err.Error(),
		}
	}
	if c.Rebalance.Erosion.LessThanOrEqual(decimal.Zero) || c.Rebalance.Erosion.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return ValidationError{
			Field:   "rebalance.erosion_threshold",
			Value:   c.Rebalance.ErosionThreshold,
			Message: "must be in (0, 1)",
		}
	}

	validPolicies := []string{"escalate", "retry"}
	if !contains(validPolicies, c.Rebalance.OnCloseLegFailure) {
		return ValidationError{
			Field:   "rebalance.on_close_leg_failure",
			Value:   c.Rebalance.OnCloseLegFailure,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validPolicies, ", ")),
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// Duration accessors

func (t TimingConfig) CycleInterval() time.Duration {
	return time.Duration(t.CycleIntervalSeconds) * time.Second
}

func (t TimingConfig) OrderTimeout() time.Duration {
	return time.Duration(t.OrderTimeoutSeconds) * time.Second
}

func (t TimingConfig) PriceCacheTTL() time.Duration {
	return time.Duration(t.PriceCacheTTLSeconds) * time.Second
}

func (t TimingConfig) PollInterval() time.Duration {
	return time.Duration(t.PollIntervalMs) * time.Millisecond
}

func (t TimingConfig) RollbackTimeout() time.Duration {
	return time.Duration(t.RollbackTimeoutSeconds) * time.Second
}

func (t TimingConfig) RateMaxAge() time.Duration {
	return time.Duration(t.RateMaxAgeSeconds) * time.Second
}

// String returns a string representation of the configuration (with sensitive data masked)
func (c *Config) String() string {
	configCopy := *c
	configCopy.Venues = make(map[string]VenueConfig, len(c.Venues))
	for name, v := range c.Venues {
		v.APIKey = maskString(v.APIKey)
		v.SecretKey = maskString(v.SecretKey)
		configCopy.Venues[name] = v
	}

	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

// Helper functions

func parseDecimal(s, fallback string) (decimal.Decimal, error) {
	if s == "" {
		s = fallback
	}
	if s == "" {
		return decimal.Zero, fmt.Errorf("value is required")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("not a valid decimal: %v", err)
	}
	return d, nil
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	cfg := &Config{
		App: AppConfig{
			PrimaryVenue:      "v1",
			WhitelistedVenues: []string{"v1", "v2"},
			DatabasePath:      "arb.db",
			RateDatabasePath:  "rates.db",
		},
		Venues: map[string]VenueConfig{
			"v1": {
				APIKey:         "test_api_key",
				SecretKey:      "test_secret_key",
				MakerFeeRate:   "0.0002",
				TakerFeeRate:   "0.0005",
				LimitOffsetBps: "1",
			},
			"v2": {
				APIKey:         "test_api_key",
				SecretKey:      "test_secret_key",
				MakerFeeRate:   "0.0002",
				TakerFeeRate:   "0.0005",
				LimitOffsetBps: "1",
			},
		},
		Trading: TradingConfig{
			TargetExposurePerSideUSD: "1000",
			MaxTotalExposureUSD:      "10000",
			MaxPositions:             5,
			MaxNewPositionsPerCycle:  1,
			MinNetProfitRate:         "0.0005",
			MaxOpenInterestUSD:       "100000000",
			MinVolume24hUSD:          "1000000",
			RequiredMaxLeverage:      3,
			OpportunityLimit:         10,
			SlippageThresholdUSD:     "5",
			DepthLevels:              20,
		},
		Rebalance: RebalanceConfig{
			Rule:              "combined",
			ErosionThreshold:  "0.5",
			MaxAgeHours:       168,
			OnCloseLegFailure: "escalate",
		},
		System: SystemConfig{
			LogLevel:     "INFO",
			CancelOnExit: true,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}
