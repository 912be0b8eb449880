package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "paper-trading.events", cfg.Kafka.Topic)
	assert.Equal(t, "100000", cfg.InitialBalance().String())
	assert.Equal(t, 5*time.Second, cfg.SettlementQuoteTimeout())
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel())
	assert.Zero(t, cfg.Trading.MaxShortPerUnderlying)
}

func TestLoad_YAMLWithEnvOverride(t *testing.T) {
	path := writeFile(t, `
server:
  port: "9000"
kafka:
  brokers: ["k1:9092"]
  topic: ledger
trading:
  initial_balance: "25000.00"
  max_short_per_underlying: 20
logging:
  level: debug
`)
	t.Setenv("KAFKA_BROKERS", "a:9092, b:9092")
	t.Setenv("MAX_SHORT_PER_CONTRACT", "5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "ledger", cfg.Kafka.Topic)
	assert.Equal(t, "25000", cfg.InitialBalance().String())
	assert.EqualValues(t, 20, cfg.Trading.MaxShortPerUnderlying)
	assert.EqualValues(t, 5, cfg.Trading.MaxShortPerContract)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel())
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad balance": "trading:\n  initial_balance: \"-5\"\n",
		"bad port":    "server:\n  port: http\n",
		"bad level":   "logging:\n  level: loud\n",
		"bad limit":   "trading:\n  max_short_per_contract: -1\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestMarketLocation_Fallback(t *testing.T) {
	cfg := &Config{Trading: TradingConfig{MarketTimezone: "Not/AZone"}}
	loc := cfg.MarketLocation()
	_, offset := time.Date(2024, 1, 2, 12, 0, 0, 0, loc).Zone()
	assert.Equal(t, -5*60*60, offset)
}
