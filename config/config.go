// Package config loads and validates the engine configuration from a JSON
// file with environment variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	ServerConfig     ServerConfig     `json:"server"`
	DatabaseConfig   DatabaseConfig   `json:"database"`
	RedisConfig      RedisConfig      `json:"redis"`
	LoggingConfig    LoggingConfig    `json:"logging"`
	MarketDataConfig MarketDataConfig `json:"market_data"`
	PredictorConfig  PredictorConfig  `json:"predictor"`
	ThresholdConfig  ThresholdConfig  `json:"adaptive_threshold"`
	SignalConfig     SignalConfig     `json:"signals"`
	TradingConfig    TradingConfig    `json:"trading"`
	EngineConfig     EngineConfig     `json:"engine"`
}

type ServerConfig struct {
	Port        int    `json:"port" validate:"gt=0,lte=65535"`
	MetricsAddr string `json:"metrics_addr"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
	// WriteTimeout bounds synchronous saves on the decision path; slower
	// writes fall back to the async retry queue.
	WriteTimeoutMs int `json:"write_timeout_ms" validate:"gt=0"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type LoggingConfig struct {
	Level      string `json:"level"` // debug, info, warn, error
	Output     string `json:"output"`
	JSONFormat bool   `json:"json_format"`
}

type MarketDataConfig struct {
	PrimaryURL            string `json:"primary_url"`
	SecondaryURL          string `json:"secondary_url"`
	CandleInterval        string `json:"candle_interval" validate:"required"`
	RequestTimeoutMs      int    `json:"request_timeout_ms" validate:"gt=0"`
	MaxRetries            int    `json:"max_retries" validate:"gte=0"`
	FailoverAfterFailures int    `json:"failover_after_failures" validate:"gt=0"`
	RecoverySuccesses     int    `json:"recovery_successes" validate:"gt=0"`
	ProbeIntervalSec      int    `json:"probe_interval_sec" validate:"gt=0"`
}

type PredictorConfig struct {
	// Kind selects the backing strategy: rule, ensemble, mock.
	Kind      string `json:"kind" validate:"oneof=rule ensemble mock"`
	TimeoutMs int    `json:"timeout_ms" validate:"gt=0"`
}

type ThresholdConfig struct {
	TargetSignalsPer24h int     `json:"target_signals_per_24h" validate:"gt=0"`
	MinThreshold        float64 `json:"min_threshold" validate:"gt=0,lt=1"`
	MaxThreshold        float64 `json:"max_threshold" validate:"gt=0,lt=1"`
	AdjustmentRate      float64 `json:"adjustment_rate" validate:"gt=0,lt=1"`
	LowBand             float64 `json:"low_band" validate:"gt=0"`
	HighBand            float64 `json:"high_band" validate:"gt=0"`
}

type SignalConfig struct {
	// DedupCooldown suppresses repeated same-direction signals inside one
	// decision interval.
	DedupCooldownMin int `json:"dedup_cooldown_min" validate:"gt=0"`
	// TTL after which an unconsumed ACTIVE signal expires.
	TTLMin int `json:"ttl_min" validate:"gt=0"`
}

// TierConfig holds the TP/SL ladder percentages for a symbol.
type TierConfig struct {
	TP1Pct         float64    `json:"tp1_pct" validate:"gt=0"`
	TP2Pct         float64    `json:"tp2_pct" validate:"gt=0"`
	TP3Pct         float64    `json:"tp3_pct" validate:"gt=0"`
	StopPct        float64    `json:"stop_pct" validate:"gt=0"`
	CloseFractions [3]float64 `json:"close_fractions"`
}

type TradingConfig struct {
	Symbols               []string              `json:"symbols" validate:"min=1"`
	Tiers                 TierConfig            `json:"tiers"`
	PerSymbolTiers        map[string]TierConfig `json:"per_symbol_tiers"`
	MaxRiskPerTrade       float64               `json:"max_risk_per_trade" validate:"gt=0,lt=1"`
	MaxOpenPerSymbol      int                   `json:"max_open_per_symbol" validate:"gt=0"`
	DemoBalance           float64               `json:"demo_balance" validate:"gt=0"`
	CloseRetryMax         int                   `json:"close_retry_max" validate:"gt=0"`
	CloseRetryIntervalSec int                   `json:"close_retry_interval_sec" validate:"gt=0"`
}

type EngineConfig struct {
	DecisionIntervalMin  int `json:"decision_interval_min" validate:"gt=0"`
	PriceTickIntervalSec int `json:"price_tick_interval_sec" validate:"gt=0"`
	ShutdownGraceSec     int `json:"shutdown_grace_sec" validate:"gt=0"`
}

// Default returns the configuration the demo system ships with.
func Default() *Config {
	return &Config{
		ServerConfig: ServerConfig{Port: 8080, MetricsAddr: ":9100"},
		DatabaseConfig: DatabaseConfig{
			Host: "localhost", Port: 5432, User: "trader", Database: "tradingbot",
			SSLMode: "disable", WriteTimeoutMs: 2000,
		},
		RedisConfig:   RedisConfig{Enabled: true, Addr: "localhost:6379"},
		LoggingConfig: LoggingConfig{Level: "info", Output: "stdout", JSONFormat: true},
		MarketDataConfig: MarketDataConfig{
			PrimaryURL:            "https://api.coinex.com/v1",
			SecondaryURL:          "https://api.binance.com",
			CandleInterval:        "4h",
			RequestTimeoutMs:      10000,
			MaxRetries:            2,
			FailoverAfterFailures: 3,
			RecoverySuccesses:     5,
			ProbeIntervalSec:      30,
		},
		PredictorConfig: PredictorConfig{Kind: "rule", TimeoutMs: 5000},
		ThresholdConfig: ThresholdConfig{
			TargetSignalsPer24h: 5,
			MinThreshold:        0.5,
			MaxThreshold:        0.85,
			AdjustmentRate:      0.05,
			LowBand:             0.6,
			HighBand:            1.4,
		},
		SignalConfig: SignalConfig{DedupCooldownMin: 240, TTLMin: 240},
		TradingConfig: TradingConfig{
			Symbols:               []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "DOGEUSDT"},
			Tiers:                 TierConfig{TP1Pct: 0.03, TP2Pct: 0.05, TP3Pct: 0.08, StopPct: 0.02, CloseFractions: [3]float64{0.5, 0.3, 0.2}},
			MaxRiskPerTrade:       0.02,
			MaxOpenPerSymbol:      1,
			DemoBalance:           100.0,
			CloseRetryMax:         5,
			CloseRetryIntervalSec: 10,
		},
		EngineConfig: EngineConfig{DecisionIntervalMin: 240, PriceTickIntervalSec: 5, ShutdownGraceSec: 10},
	}
}

// Load reads the config file (CONFIG_PATH or ./config.json), applies
// environment overrides and validates. Missing file falls back to defaults.
func Load() (*Config, error) {
	cfg := Default()

	path := getEnvOrDefault("CONFIG_PATH", "config.json")
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.RedisConfig.Addr = getEnvOrDefault("REDIS_ADDR", cfg.RedisConfig.Addr)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", cfg.ServerConfig.Port)
	cfg.MarketDataConfig.PrimaryURL = getEnvOrDefault("MARKET_PRIMARY_URL", cfg.MarketDataConfig.PrimaryURL)
	cfg.MarketDataConfig.SecondaryURL = getEnvOrDefault("MARKET_SECONDARY_URL", cfg.MarketDataConfig.SecondaryURL)
	cfg.PredictorConfig.Kind = getEnvOrDefault("PREDICTOR_KIND", cfg.PredictorConfig.Kind)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

// Validate checks structural and cross-field constraints that apply to the
// whole process. Per-symbol ladder problems are not fatal here; they are
// reported by ValidSymbols so the bad symbol can be excluded from trading.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.ThresholdConfig.MinThreshold >= c.ThresholdConfig.MaxThreshold {
		return fmt.Errorf("invalid configuration: min_threshold %.2f must be below max_threshold %.2f",
			c.ThresholdConfig.MinThreshold, c.ThresholdConfig.MaxThreshold)
	}
	if c.ThresholdConfig.LowBand >= c.ThresholdConfig.HighBand {
		return fmt.Errorf("invalid configuration: low_band %.2f must be below high_band %.2f",
			c.ThresholdConfig.LowBand, c.ThresholdConfig.HighBand)
	}
	if err := c.TradingConfig.Tiers.check(); err != nil {
		return fmt.Errorf("invalid configuration: default tiers: %w", err)
	}
	return nil
}

func (t TierConfig) check() error {
	if err := validate.Struct(t); err != nil {
		return err
	}
	if !(t.TP1Pct < t.TP2Pct && t.TP2Pct < t.TP3Pct) {
		return fmt.Errorf("take-profit ladder must be strictly increasing: tp1=%.4f tp2=%.4f tp3=%.4f",
			t.TP1Pct, t.TP2Pct, t.TP3Pct)
	}
	sum := t.CloseFractions[0] + t.CloseFractions[1] + t.CloseFractions[2]
	for _, f := range t.CloseFractions {
		if f <= 0 || f > 1 {
			return fmt.Errorf("close fractions must be in (0,1]: %v", t.CloseFractions)
		}
	}
	if sum > 1.0000001 {
		return fmt.Errorf("close fractions sum %.4f exceeds 1", sum)
	}
	return nil
}

// TiersFor returns the ladder for a symbol, falling back to the defaults.
func (c *Config) TiersFor(symbol string) TierConfig {
	if t, ok := c.TradingConfig.PerSymbolTiers[symbol]; ok {
		return t
	}
	return c.TradingConfig.Tiers
}

// ValidSymbols filters the configured symbols down to those whose ladder
// validates; a symbol with a broken override is excluded rather than traded
// in an inconsistent state.
func (c *Config) ValidSymbols() (symbols []string, excluded map[string]error) {
	excluded = make(map[string]error)
	for _, s := range c.TradingConfig.Symbols {
		if err := c.TiersFor(s).check(); err != nil {
			excluded[s] = err
			continue
		}
		symbols = append(symbols, s)
	}
	return symbols, excluded
}

// Convenience duration accessors.

func (c *Config) WriteTimeout() time.Duration { return msDur(c.DatabaseConfig.WriteTimeoutMs) }
func (c *Config) DecisionInterval() time.Duration {
	return time.Duration(c.EngineConfig.DecisionIntervalMin) * time.Minute
}
func (c *Config) PriceTickInterval() time.Duration {
	return time.Duration(c.EngineConfig.PriceTickIntervalSec) * time.Second
}
func (c *Config) DedupCooldown() time.Duration {
	return time.Duration(c.SignalConfig.DedupCooldownMin) * time.Minute
}
func (c *Config) SignalTTL() time.Duration {
	return time.Duration(c.SignalConfig.TTLMin) * time.Minute
}
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.EngineConfig.ShutdownGraceSec) * time.Second
}

func msDur(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
