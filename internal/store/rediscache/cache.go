// Package rediscache is an optional read cache in front of the SQLite
// store. Fully-resolved query results are kept under a per-series
// generation counter; bumping the generation on writes and deletes makes
// stale entries unreachable and lets them age out via TTL.
package rediscache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"tickvault/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const defaultTTL = 15 * time.Minute

// Config configures the cache connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Cache wraps a Redis client. All operations are best-effort: a Redis
// failure degrades to a cache miss, never to a request failure.
type Cache struct {
	client *goredis.Client
	ttl    time.Duration
	log    *slog.Logger
}

// New connects and pings the server.
func New(cfg Config, log *slog.Logger) (*Cache, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = defaultTTL
	}
	log.Info("redis cache connected", slog.String("addr", cfg.Addr))
	return &Cache{client: client, ttl: ttl, log: log}, nil
}

type payload struct {
	Bars  []model.Bar  `json:"bars,omitempty"`
	Ticks []model.Tick `json:"ticks,omitempty"`
}

func genKey(symbol string, tf model.Timeframe) string {
	return "tickvault:gen:" + symbol + ":" + string(tf)
}

func (c *Cache) generation(ctx context.Context, symbol string, tf model.Timeframe) string {
	gen, err := c.client.Get(ctx, genKey(symbol, tf)).Result()
	if err != nil {
		return "0"
	}
	return gen
}

func (c *Cache) queryKey(ctx context.Context, req model.DataRequest) string {
	tf := req.SeriesTimeframe()
	return fmt.Sprintf("tickvault:q:%s:%s:%s:%s:%d:%d",
		c.generation(ctx, req.Symbol, tf),
		req.Symbol, tf, req.DataType, req.Start.UnixMilli(), req.End.UnixMilli())
}

// Get returns the cached result for req, if present.
func (c *Cache) Get(ctx context.Context, req model.DataRequest) ([]model.Bar, []model.Tick, bool) {
	raw, err := c.client.Get(ctx, c.queryKey(ctx, req)).Bytes()
	if err != nil {
		return nil, nil, false
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.log.Debug("cache entry corrupt, ignoring", slog.Any("error", err))
		return nil, nil, false
	}
	return p.Bars, p.Ticks, true
}

// Set stores a fully-resolved result for req.
func (c *Cache) Set(ctx context.Context, req model.DataRequest, bars []model.Bar, ticks []model.Tick) {
	raw, err := json.Marshal(payload{Bars: bars, Ticks: ticks})
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.queryKey(ctx, req), raw, c.ttl).Err(); err != nil {
		c.log.Debug("cache set failed", slog.Any("error", err))
	}
}

// Invalidate bumps the series generation, orphaning all cached results
// for (symbol, tf).
func (c *Cache) Invalidate(ctx context.Context, symbol string, tf model.Timeframe) {
	if err := c.client.Incr(ctx, genKey(symbol, tf)).Err(); err != nil {
		c.log.Debug("cache invalidate failed", slog.Any("error", err))
	}
}

// Close releases the client.
func (c *Cache) Close() error { return c.client.Close() }
