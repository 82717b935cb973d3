// Package source defines the provider abstraction for remote market data
// and the shared retry policy its implementations use.
package source

import (
	"context"
	"time"

	"tickvault/internal/model"
)

// Source fetches raw market data from a remote provider. Implementations
// do network I/O only; persistence belongs to the store.
type Source interface {
	Name() string

	// SupportsSymbol reports whether the provider carries the symbol.
	SupportsSymbol(symbol string) bool

	// SupportsTimeframe reports whether bars of tf are natively
	// available from the provider.
	SupportsTimeframe(tf model.Timeframe) bool

	// HasTicks reports whether the provider serves raw tick data.
	HasTicks() bool

	// FetchBars returns bars with open times in [start, end), ordered.
	FetchBars(ctx context.Context, symbol string, start, end time.Time, tf model.Timeframe) ([]model.Bar, error)

	// FetchTicks returns ticks with timestamps in [start, end), ordered.
	FetchTicks(ctx context.Context, symbol string, start, end time.Time) ([]model.Tick, error)
}

// Supports reports whether src can satisfy a (symbol, timeframe) pair,
// counting tick-derived bars as supported.
func Supports(src Source, symbol string, tf model.Timeframe) bool {
	if !src.SupportsSymbol(symbol) {
		return false
	}
	if tf == model.TFTick {
		return src.HasTicks()
	}
	return src.SupportsTimeframe(tf) || src.HasTicks()
}

// CredentialProvider supplies API credentials to a source at construction
// time, keeping the hosting environment out of the fetch path.
type CredentialProvider interface {
	Credentials() (key, secret string)
}

// StaticCredentials is a fixed key/secret pair, typically loaded from the
// environment by config.
type StaticCredentials struct {
	Key    string
	Secret string
}

func (c StaticCredentials) Credentials() (string, string) { return c.Key, c.Secret }

// NoCredentials is for providers that need none.
type NoCredentials struct{}

func (NoCredentials) Credentials() (string, string) { return "", "" }
