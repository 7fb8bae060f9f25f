package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func Test_Load_DefaultsApplied(t *testing.T) {
	// A minimal file only overrides what it mentions.
	path := writeConfig(t, `
surge:
  thresholdUsd: 2500000
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "https://fapi.binance.com", cfg.Exchange.RestBaseURL)
	assert.Equal(t, "wss://fstream.binance.com", cfg.Exchange.WSBaseURL)
	assert.Equal(t, 80, cfg.Stream.MaxPerSocket)
	assert.Equal(t, 120, cfg.Stream.HeartbeatSec)
	assert.Equal(t, 23, cfg.Stream.RotateHours)
	assert.Equal(t, 5, cfg.Surge.WindowMinutes)
	assert.Equal(t, float64(2_500_000), cfg.Surge.ThresholdUsd)
	assert.Equal(t, 1800, cfg.Surge.CooldownSec)
	assert.Equal(t, []string{"default"}, cfg.Surge.Strategies)
	assert.Equal(t, 12, cfg.Store.RetentionHours)
	assert.Equal(t, 5, cfg.Integrity.CheckIntervalMinutes)
	assert.Equal(t, 0.5, cfg.Integrity.BulkRepairRatio)
	assert.Equal(t, 2, cfg.Integrity.BoundaryMarginMinutes)
	assert.Equal(t, 2000, cfg.Rest.MaxWeight)
	assert.Equal(t, 60, cfg.Rest.WindowSec)
}

func Test_Load_FullOverride(t *testing.T) {
	path := writeConfig(t, `
logLevel: debug
symbols:
  whitelist: [BTCUSDT, ETHUSDT]
  maxSymbols: 2
surge:
  windowMinutes: 3
  thresholdUsd: 1000000
  cooldownSec: 600
  marketCapMaxUsd: 500000000
  strategies: [default, tiered]
  tiers:
    - marketCapMaxUsd: 100000000
      turnoverMinUsd: 2000000
    - marketCapMaxUsd: 1000000000
      turnoverMinUsd: 10000000
integrity:
  refreshRecentMinutes: 3
  bulkRepairRatio: 0.7
alerts:
  - provider: console
  - provider: webhook
    url: https://hooks.example.com/notify
ops:
  listenAddr: ":8081"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Symbols.Whitelist)
	assert.Equal(t, 3, cfg.Surge.WindowMinutes)
	assert.Equal(t, []string{"default", "tiered"}, cfg.Surge.Strategies)
	require.Len(t, cfg.Surge.Tiers, 2)
	assert.Equal(t, float64(100_000_000), cfg.Surge.Tiers[0].MarketCapMaxUsd)
	assert.Equal(t, float64(2_000_000), cfg.Surge.Tiers[0].TurnoverMinUsd)
	assert.Equal(t, 3, cfg.Integrity.RefreshRecentMinutes)
	assert.Equal(t, 0.7, cfg.Integrity.BulkRepairRatio)
	require.Len(t, cfg.Alerts, 2)
	assert.Equal(t, "webhook", cfg.Alerts[1].Provider)
	assert.Equal(t, ":8081", cfg.Ops.ListenAddr)
}

func Test_Load_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"non-positive window", "surge:\n  windowMinutes: 0\n"},
		{"negative threshold", "surge:\n  thresholdUsd: -1\n"},
		{"bad rest base url", "exchange:\n  restBaseUrl: not-a-url\n"},
		{"ratio above one", "integrity:\n  bulkRepairRatio: 1.5\n"},
		{"zero sockets", "stream:\n  maxPerSocket: 0\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func Test_Load_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
