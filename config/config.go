package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml values like "30s" parse directly.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Ranker    RankerConfig    `yaml:"ranker"`
	Leverage  LeverageConfig  `yaml:"leverage"`
	Transfer  TransferConfig  `yaml:"transfer"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Venues    VenuesConfig    `yaml:"venues"`
	API       APIConfig       `yaml:"api"`
	Stream    StreamConfig    `yaml:"stream"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type EngineConfig struct {
	Name       string `yaml:"name"`
	Version    string `yaml:"version"`
	QuoteAsset string `yaml:"quote_asset"`
	HistoryCap int    `yaml:"history_cap"`
}

type SchedulerConfig struct {
	FundingRefreshInterval   Duration `yaml:"funding_refresh_interval"`
	LeverageFullHourUTC      int      `yaml:"leverage_full_hour_utc"`
	LeverageTargetedInterval Duration `yaml:"leverage_targeted_interval"`
	PreHourRefreshLead       Duration `yaml:"pre_hour_refresh_lead"`
	SelectLeadMinutes        int      `yaml:"select_lead_minutes"`
	ExecuteLeadSeconds       int      `yaml:"execute_lead_seconds"`
	CloseLagSeconds          int      `yaml:"close_lag_seconds"`
	SlowVenueDelay           Duration `yaml:"slow_venue_delay"`
}

type RankerConfig struct {
	MinFundingDiff     float64 `yaml:"min_funding_diff"`
	MinPnlPercent      float64 `yaml:"min_pnl_percent"`
	MinMinutesToFund   int     `yaml:"min_minutes_to_funding"`
	MaxMinutesToFund   int     `yaml:"max_minutes_to_funding"`
	ImminentWindowMins int     `yaml:"imminent_window_minutes"`
}

type LeverageConfig struct {
	BatchSize         int         `yaml:"batch_size"`
	BatchDelay        Duration    `yaml:"batch_delay"`
	RequestsPerSecond int         `yaml:"requests_per_second"`
	BurstSize         int         `yaml:"burst_size"`
	Retry             RetryConfig `yaml:"retry"`
}

type RetryConfig struct {
	MaxAttempts       int      `yaml:"max_attempts"`
	BaseDelay         Duration `yaml:"base_delay"`
	MaxDelay          Duration `yaml:"max_delay"`
	BackoffMultiplier int      `yaml:"backoff_multiplier"`
}

type TransferConfig struct {
	CapitalFraction  float64            `yaml:"capital_fraction"`
	PollInterval     Duration           `yaml:"poll_interval"`
	MaxPollAttempts  int                `yaml:"max_poll_attempts"`
	DustTolerance    float64            `yaml:"dust_tolerance"`
	DefaultNetwork   string             `yaml:"default_network"`
	NetworkOverrides map[string]string  `yaml:"network_overrides"`
	MinWithdrawal    map[string]float64 `yaml:"min_withdrawal"`
	DepositAddresses map[string]string  `yaml:"deposit_addresses"`
}

type ExecutorConfig struct {
	StopLossPercent   float64  `yaml:"stop_loss_percent"`
	TakeProfitPercent float64  `yaml:"take_profit_percent"`
	SettleWait        Duration `yaml:"settle_wait"`
}

type VenuesConfig struct {
	Binance VenueCredentials `yaml:"binance"`
	Bybit   VenueCredentials `yaml:"bybit"`
	Okx     VenueCredentials `yaml:"okx"`
}

type VenueCredentials struct {
	Enabled    bool   `yaml:"enabled"`
	APIKey     string `yaml:"api_key"`
	APISecret  string `yaml:"api_secret"`
	Passphrase string `yaml:"passphrase"`
}

type APIConfig struct {
	Address string `yaml:"address"`
}

type StreamConfig struct {
	Enabled        bool     `yaml:"enabled"`
	URL            string   `yaml:"url"`
	ReconnectDelay Duration `yaml:"reconnect_delay"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// applyEnvOverrides lets credentials come from the environment instead of the
// config file so keys never need to be committed.
func applyEnvOverrides(cfg *Config) {
	override := func(dst *string, env string) {
		if v := os.Getenv(env); v != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	override(&cfg.Venues.Binance.APIKey, "BINANCE_API_KEY")
	override(&cfg.Venues.Binance.APISecret, "BINANCE_API_SECRET")
	override(&cfg.Venues.Bybit.APIKey, "BYBIT_API_KEY")
	override(&cfg.Venues.Bybit.APISecret, "BYBIT_API_SECRET")
	override(&cfg.Venues.Okx.APIKey, "OKX_API_KEY")
	override(&cfg.Venues.Okx.APISecret, "OKX_API_SECRET")
	override(&cfg.Venues.Okx.Passphrase, "OKX_PASSPHRASE")
}

func validateConfig(cfg *Config) error {
	if cfg.Engine.Name == "" {
		return fmt.Errorf("engine.name is required")
	}
	if cfg.Engine.Version == "" {
		return fmt.Errorf("engine.version is required")
	}
	if cfg.Engine.QuoteAsset == "" {
		cfg.Engine.QuoteAsset = "USDT"
	}
	if cfg.Engine.HistoryCap <= 0 {
		cfg.Engine.HistoryCap = 100
	}

	if cfg.Scheduler.FundingRefreshInterval <= 0 {
		return fmt.Errorf("scheduler.funding_refresh_interval must be greater than 0")
	}
	if cfg.Scheduler.LeverageFullHourUTC < 0 || cfg.Scheduler.LeverageFullHourUTC > 23 {
		return fmt.Errorf("scheduler.leverage_full_hour_utc must be between 0 and 23")
	}
	if cfg.Scheduler.LeverageTargetedInterval <= 0 {
		return fmt.Errorf("scheduler.leverage_targeted_interval must be greater than 0")
	}
	if cfg.Scheduler.SelectLeadMinutes <= 0 {
		return fmt.Errorf("scheduler.select_lead_minutes must be greater than 0")
	}

	if cfg.Ranker.MinFundingDiff < 0 {
		return fmt.Errorf("ranker.min_funding_diff must not be negative")
	}
	if cfg.Ranker.MaxMinutesToFund <= cfg.Ranker.MinMinutesToFund {
		return fmt.Errorf("ranker.max_minutes_to_funding must exceed ranker.min_minutes_to_funding")
	}

	if cfg.Leverage.BatchSize <= 0 {
		return fmt.Errorf("leverage.batch_size must be greater than 0")
	}
	if cfg.Leverage.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("leverage.retry.max_attempts must be greater than 0")
	}

	if cfg.Transfer.CapitalFraction <= 0 || cfg.Transfer.CapitalFraction > 1 {
		return fmt.Errorf("transfer.capital_fraction must be in (0, 1]")
	}
	if cfg.Transfer.PollInterval <= 0 {
		return fmt.Errorf("transfer.poll_interval must be greater than 0")
	}
	if cfg.Transfer.MaxPollAttempts <= 0 {
		return fmt.Errorf("transfer.max_poll_attempts must be greater than 0")
	}
	if cfg.Transfer.DefaultNetwork == "" {
		return fmt.Errorf("transfer.default_network is required")
	}

	if cfg.Executor.StopLossPercent <= 0 {
		return fmt.Errorf("executor.stop_loss_percent must be greater than 0")
	}
	if cfg.Executor.TakeProfitPercent <= 0 {
		return fmt.Errorf("executor.take_profit_percent must be greater than 0")
	}

	if cfg.API.Address == "" {
		cfg.API.Address = "0.0.0.0:8080"
	}

	return nil
}
