// Package config loads and validates the monitor's configuration.
//
// Configuration is read from a YAML file via viper, unmarshalled into typed
// structs and validated before any component starts. Defaults are applied in
// code so a minimal config file only needs the values that differ from them.
package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ExchangeConfig defines the upstream exchange endpoints.
type ExchangeConfig struct {
	RestBaseURL string `mapstructure:"restBaseUrl" validate:"required,url"`
	WSBaseURL   string `mapstructure:"wsBaseUrl" validate:"required"`
}

// SymbolsConfig controls the monitored symbol universe.
//
// When Whitelist is non-empty it is used verbatim; otherwise the universe is
// fetched from the exchange's instrument list and truncated to MaxSymbols
// (0 means no truncation).
type SymbolsConfig struct {
	Whitelist  []string `mapstructure:"whitelist"`
	MaxSymbols int      `mapstructure:"maxSymbols"`
}

// StreamConfig controls the websocket ingestion layer.
type StreamConfig struct {
	MaxPerSocket int `mapstructure:"maxPerSocket" validate:"gt=0"`
	HeartbeatSec int `mapstructure:"heartbeatSec" validate:"gt=0"`
	RotateHours  int `mapstructure:"rotateHours" validate:"gt=0"`
}

// SurgeConfig holds the rolling-window trigger parameters.
type SurgeConfig struct {
	WindowMinutes   int     `mapstructure:"windowMinutes" validate:"gt=0"`
	ThresholdUsd    float64 `mapstructure:"thresholdUsd" validate:"gt=0"`
	CooldownSec     int     `mapstructure:"cooldownSec" validate:"gt=0"`
	MarketCapMaxUsd float64 `mapstructure:"marketCapMaxUsd"`
	Strategies      []string `mapstructure:"strategies"`
	Tiers           []Tier   `mapstructure:"tiers"`
}

// Tier describes one market-cap/turnover band for the tiered strategy.
type Tier struct {
	MarketCapMaxUsd float64 `mapstructure:"marketCapMaxUsd"`
	TurnoverMinUsd  float64 `mapstructure:"turnoverMinUsd"`
}

// StoreConfig controls candle retention.
type StoreConfig struct {
	RetentionHours int `mapstructure:"retentionHours" validate:"gt=0"`
}

// IntegrityConfig controls the gap-detection and repair engine.
//
// BulkRepairRatio and BoundaryMarginMinutes are empirical tuning knobs
// rather than invariants, so they are configurable.
type IntegrityConfig struct {
	CheckIntervalMinutes  int     `mapstructure:"checkIntervalMinutes" validate:"gt=0"`
	RefreshRecentMinutes  int     `mapstructure:"refreshRecentMinutes" validate:"gte=0"`
	BoundaryMarginMinutes int     `mapstructure:"boundaryMarginMinutes" validate:"gte=0"`
	BulkRepairRatio       float64 `mapstructure:"bulkRepairRatio" validate:"gt=0,lte=1"`
	SymbolBatchSize       int     `mapstructure:"symbolBatchSize" validate:"gt=0"`
	BatchPauseMs          int     `mapstructure:"batchPauseMs" validate:"gte=0"`
	RangePauseMs          int     `mapstructure:"rangePauseMs" validate:"gte=0"`
}

// RestConfig controls the rate-limited REST history client.
type RestConfig struct {
	MaxWeight  int `mapstructure:"maxWeight" validate:"gt=0"`
	WindowSec  int `mapstructure:"windowSec" validate:"gt=0"`
	TimeoutSec int `mapstructure:"timeoutSec" validate:"gt=0"`
	MaxRetries int `mapstructure:"maxRetries" validate:"gt=0"`
}

// AlertProviderConfig configures one alert delivery sink.
type AlertProviderConfig struct {
	Provider string `mapstructure:"provider" validate:"required"`
	URL      string `mapstructure:"url"`
}

// OpsConfig controls the operator HTTP endpoints.
type OpsConfig struct {
	ListenAddr string `mapstructure:"listenAddr"`
}

// Config is the root configuration for the monitor process.
type Config struct {
	LogLevel  string                `mapstructure:"logLevel"`
	Exchange  ExchangeConfig        `mapstructure:"exchange"`
	Symbols   SymbolsConfig         `mapstructure:"symbols"`
	Stream    StreamConfig          `mapstructure:"stream"`
	Surge     SurgeConfig           `mapstructure:"surge"`
	Store     StoreConfig           `mapstructure:"store"`
	Integrity IntegrityConfig       `mapstructure:"integrity"`
	Rest      RestConfig            `mapstructure:"rest"`
	Alerts    []AlertProviderConfig `mapstructure:"alerts"`
	Ops       OpsConfig             `mapstructure:"ops"`
}

// setDefaults registers the default value for every tunable.
func setDefaults(v *viper.Viper) {
	v.SetDefault("logLevel", "info")

	v.SetDefault("exchange.restBaseUrl", "https://fapi.binance.com")
	v.SetDefault("exchange.wsBaseUrl", "wss://fstream.binance.com")

	v.SetDefault("symbols.maxSymbols", 60)

	v.SetDefault("stream.maxPerSocket", 80)
	v.SetDefault("stream.heartbeatSec", 120)
	v.SetDefault("stream.rotateHours", 23)

	v.SetDefault("surge.windowMinutes", 5)
	v.SetDefault("surge.thresholdUsd", 5_000_000)
	v.SetDefault("surge.cooldownSec", 1800)
	v.SetDefault("surge.marketCapMaxUsd", 0)
	v.SetDefault("surge.strategies", []string{"default"})

	v.SetDefault("store.retentionHours", 12)

	v.SetDefault("integrity.checkIntervalMinutes", 5)
	v.SetDefault("integrity.refreshRecentMinutes", 0)
	v.SetDefault("integrity.boundaryMarginMinutes", 2)
	v.SetDefault("integrity.bulkRepairRatio", 0.5)
	v.SetDefault("integrity.symbolBatchSize", 10)
	v.SetDefault("integrity.batchPauseMs", 100)
	v.SetDefault("integrity.rangePauseMs", 200)

	v.SetDefault("rest.maxWeight", 2000)
	v.SetDefault("rest.windowSec", 60)
	v.SetDefault("rest.timeoutSec", 10)
	v.SetDefault("rest.maxRetries", 3)

	v.SetDefault("ops.listenAddr", "")
}

// Load reads, unmarshals and validates the configuration file at path.
//
// An empty path falls back to "config.yaml" in the working directory.
// Configuration failures here are the only process-fatal startup errors the
// monitor recognizes besides an empty symbol universe.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}
