// Package config loads application configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Storage
	SQLitePath string `env:"SQLITE_PATH" envDefault:"data/tickvault.db"`

	// Sources
	DukascopyBaseURL string        `env:"DUKASCOPY_BASE_URL" envDefault:"https://datafeed.dukascopy.com/datafeed"`
	BinanceBaseURL   string        `env:"BINANCE_BASE_URL" envDefault:"https://api.binance.us"`
	BinanceAPIKey    string        `env:"BINANCE_API_KEY"`
	BinanceSecret    string        `env:"BINANCE_API_SECRET"`
	HTTPTimeout      time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`
	RetryAttempts    int           `env:"RETRY_ATTEMPTS" envDefault:"3"`
	RetryBackoff     time.Duration `env:"RETRY_BACKOFF" envDefault:"1s"`

	// Manager
	FetchConcurrency int `env:"FETCH_CONCURRENCY" envDefault:"8"`

	// Optional Redis result cache. Disabled when the address is empty.
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	RedisTTL      time.Duration `env:"REDIS_TTL" envDefault:"15m"`

	// Observability
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Scheduled sync. Series are SYMBOL/timeframe/lookback, e.g.
	// "EURUSD/tick/24h" or "BTCUSDT/1h/72h".
	SyncSpec   string   `env:"SYNC_SPEC" envDefault:"@every 15m"`
	SyncSeries []string `env:"SYNC_SERIES" envSeparator:","`
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	// Missing .env is fine; the environment may be set by the host.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if cfg.FetchConcurrency <= 0 {
		return nil, fmt.Errorf("FETCH_CONCURRENCY must be positive, got %d", cfg.FetchConcurrency)
	}
	if cfg.RetryAttempts <= 0 {
		return nil, fmt.Errorf("RETRY_ATTEMPTS must be positive, got %d", cfg.RetryAttempts)
	}
	return cfg, nil
}

// RedisEnabled reports whether the optional result cache is configured.
func (c *Config) RedisEnabled() bool { return c.RedisAddr != "" }
