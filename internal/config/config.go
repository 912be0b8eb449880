// Package config loads service configuration from an optional YAML file
// overlaid by environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Quotes   QuoteConfig    `yaml:"quotes"`
	Auth     AuthConfig     `yaml:"auth"`
	Trading  TradingConfig  `yaml:"trading"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port                   string `yaml:"port"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
}

// DatabaseConfig selects PostgreSQL when URL is set; otherwise the service
// runs on the in-memory store.
type DatabaseConfig struct {
	URL            string `yaml:"url"`
	MigrateOnStart bool   `yaml:"migrate_on_start"`
}

type RedisConfig struct {
	URL                string `yaml:"url"`
	ContractTTLSeconds int    `yaml:"contract_ttl_seconds"`
	QuoteTTLSeconds    int    `yaml:"quote_ttl_seconds"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type QuoteConfig struct {
	BaseURL        string `yaml:"base_url"`
	APIKey         string `yaml:"api_key"`
	APIKeyHeader   string `yaml:"api_key_header"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// AuthConfig enables bearer-token identity when JWTSecret is set.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type TradingConfig struct {
	InitialBalance                string `yaml:"initial_balance"`
	MarketTimezone                string `yaml:"market_timezone"`
	SettlementQuoteTimeoutSeconds int    `yaml:"settlement_quote_timeout_seconds"`
	MaxShortPerContract           int64  `yaml:"max_short_per_contract"`
	MaxShortPerUnderlying         int64  `yaml:"max_short_per_underlying"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads the YAML file at path (skipped when path is empty), applies
// environment overrides and defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	setDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Server.Port, "PORT")
	setString(&cfg.Database.URL, "DATABASE_URL")
	setBool(&cfg.Database.MigrateOnStart, "MIGRATE_ON_START")
	setString(&cfg.Redis.URL, "REDIS_URL")
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitList(v)
	}
	setString(&cfg.Kafka.Topic, "KAFKA_TOPIC")
	setString(&cfg.Quotes.BaseURL, "QUOTE_BASE_URL")
	setString(&cfg.Quotes.APIKey, "QUOTE_API_KEY")
	setString(&cfg.Auth.JWTSecret, "JWT_SECRET")
	setString(&cfg.Trading.InitialBalance, "INITIAL_BALANCE")
	setString(&cfg.Trading.MarketTimezone, "MARKET_TIMEZONE")
	setInt64(&cfg.Trading.MaxShortPerContract, "MAX_SHORT_PER_CONTRACT")
	setInt64(&cfg.Trading.MaxShortPerUnderlying, "MAX_SHORT_PER_UNDERLYING")
	setString(&cfg.Logging.Level, "LOG_LEVEL")
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.ShutdownTimeoutSeconds == 0 {
		cfg.Server.ShutdownTimeoutSeconds = 10
	}
	if cfg.Redis.ContractTTLSeconds == 0 {
		cfg.Redis.ContractTTLSeconds = 24 * 60 * 60
	}
	if cfg.Redis.QuoteTTLSeconds == 0 {
		cfg.Redis.QuoteTTLSeconds = 15
	}
	if cfg.Kafka.Topic == "" {
		cfg.Kafka.Topic = "paper-trading.events"
	}
	if cfg.Quotes.TimeoutSeconds == 0 {
		cfg.Quotes.TimeoutSeconds = 10
	}
	if cfg.Trading.InitialBalance == "" {
		cfg.Trading.InitialBalance = "100000.00"
	}
	if cfg.Trading.MarketTimezone == "" {
		cfg.Trading.MarketTimezone = "America/New_York"
	}
	if cfg.Trading.SettlementQuoteTimeoutSeconds == 0 {
		cfg.Trading.SettlementQuoteTimeoutSeconds = 5
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func (c *Config) Validate() error {
	if _, err := strconv.Atoi(c.Server.Port); err != nil {
		return fmt.Errorf("invalid server.port %q: %w", c.Server.Port, err)
	}
	b, err := decimal.NewFromString(c.Trading.InitialBalance)
	if err != nil || !b.IsPositive() {
		return fmt.Errorf("trading.initial_balance must be a positive decimal, got %q", c.Trading.InitialBalance)
	}
	if c.Trading.MaxShortPerContract < 0 || c.Trading.MaxShortPerUnderlying < 0 {
		return fmt.Errorf("trading short limits must not be negative")
	}
	if c.Trading.SettlementQuoteTimeoutSeconds < 0 {
		return fmt.Errorf("trading.settlement_quote_timeout_seconds must not be negative")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", c.Logging.Level)
	}
	return nil
}

// InitialBalance is the starting cash for new accounts.
func (c *Config) InitialBalance() decimal.Decimal {
	return decimal.RequireFromString(c.Trading.InitialBalance)
}

// MarketLocation is the time zone whose calendar date decides expiry.
func (c *Config) MarketLocation() *time.Location {
	loc, err := time.LoadLocation(c.Trading.MarketTimezone)
	if err != nil {
		loc = time.FixedZone("EST", -5*60*60)
	}
	return loc
}

func (c *Config) SettlementQuoteTimeout() time.Duration {
	return time.Duration(c.Trading.SettlementQuoteTimeoutSeconds) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

func (c *Config) QuoteTimeout() time.Duration {
	return time.Duration(c.Quotes.TimeoutSeconds) * time.Second
}

func (c *Config) ContractCacheTTL() time.Duration {
	return time.Duration(c.Redis.ContractTTLSeconds) * time.Second
}

func (c *Config) QuoteCacheTTL() time.Duration {
	return time.Duration(c.Redis.QuoteTTLSeconds) * time.Second
}

// LogLevel maps logging.level to a slog level.
func (c *Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		*dst = v
	}
}

func setInt64(dst *int64, key string) {
	if v, err := strconv.ParseInt(os.Getenv(key), 10, 64); err == nil {
		*dst = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
