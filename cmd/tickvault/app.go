package main

import (
	"fmt"
	"log/slog"
	"time"

	"tickvault/config"
	"tickvault/internal/logger"
	"tickvault/internal/manager"
	"tickvault/internal/metrics"
	"tickvault/internal/source"
	"tickvault/internal/source/binance"
	"tickvault/internal/source/dukascopy"
	"tickvault/internal/store/rediscache"
	"tickvault/internal/store/sqlite"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "tickvault",
	Short:        "Historical market data downloader and local cache",
	Long:         "tickvault fetches tick and OHLCV history from Dukascopy and Binance,\ncaches it in a local SQLite file with coverage tracking, and serves\nread-through queries that only hit the network for missing ranges.",
	SilenceUsage: true,
}

// app wires config, store, sources and manager for one command run.
type app struct {
	cfg   *config.Config
	log   *slog.Logger
	store *sqlite.Store
	cache *rediscache.Cache
	reg   *prometheus.Registry
	met   *metrics.Metrics
	mgr   *manager.Manager
}

func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.Init("tickvault", logger.ParseLevel(cfg.LogLevel))

	reg := prometheus.NewRegistry()
	met := metrics.New(reg)

	st, err := sqlite.New(sqlite.Config{
		DBPath: cfg.SQLitePath,
		OnCommit: func(d time.Duration) {
			met.SQLiteCommitDur.Observe(d.Seconds())
		},
	}, log)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	retry := source.RetryPolicy{Attempts: cfg.RetryAttempts, Backoff: cfg.RetryBackoff}
	duka := dukascopy.New(dukascopy.Config{
		BaseURL: cfg.DukascopyBaseURL,
		Timeout: cfg.HTTPTimeout,
		Retry:   retry,
	}, log)
	bin := binance.New(binance.Config{
		BaseURL: cfg.BinanceBaseURL,
		Timeout: cfg.HTTPTimeout,
		Retry:   retry,
		Credentials: source.StaticCredentials{
			Key:    cfg.BinanceAPIKey,
			Secret: cfg.BinanceSecret,
		},
	}, log)

	var cache *rediscache.Cache
	if cfg.RedisEnabled() {
		cache, err = rediscache.New(rediscache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.RedisTTL,
		}, log)
		if err != nil {
			// The cache is an accelerator; a dead Redis must not take
			// the CLI down.
			log.Warn("redis unavailable, continuing without cache", slog.Any("error", err))
			cache = nil
		}
	}

	mgr, err := manager.New(manager.Options{
		Store:       st,
		Sources:     []source.Source{duka, bin},
		Cache:       cache,
		Metrics:     met,
		Concurrency: cfg.FetchConcurrency,
		Log:         log,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &app{cfg: cfg, log: log, store: st, cache: cache, reg: reg, met: met, mgr: mgr}, nil
}

func (a *app) Close() {
	if a.cache != nil {
		a.cache.Close()
	}
	a.store.Close()
}

// parseTime accepts RFC3339 or a plain UTC date.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("bad time %q: want RFC3339 or YYYY-MM-DD", s)
}

// rangeFlags holds the --from/--to pair shared by the data commands.
type rangeFlags struct {
	from, to string
}

func (f *rangeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.from, "from", "", "range start, RFC3339 or YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&f.to, "to", "", "range end, exclusive (required)")
	cmd.MarkFlagRequired("from")
	cmd.MarkFlagRequired("to")
}

func (f *rangeFlags) parse() (start, end time.Time, err error) {
	if start, err = parseTime(f.from); err != nil {
		return
	}
	end, err = parseTime(f.to)
	return
}
