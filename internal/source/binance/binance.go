// Package binance fetches historical OHLCV klines from the Binance REST
// API. All spec timeframes are natively available; tick data is not
// served by the public API.
package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"tickvault/internal/model"
	"tickvault/internal/source"
)

const (
	defaultBaseURL = "https://api.binance.us"
	klineLimit     = 1000
)

// fallbackSymbols is used when the exchangeInfo endpoint cannot be
// reached; the common USD(T) pairs keep capability checks working offline.
var fallbackSymbols = []string{
	"BTCUSDT", "ETHUSDT", "ADAUSDT", "DOTUSDT", "LINKUSDT",
	"LTCUSDT", "XRPUSDT", "BCHUSD", "XLMUSDT", "UNIUSDT",
}

// Config configures the Binance source.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	Retry       source.RetryPolicy
	Credentials source.CredentialProvider
}

// Source implements source.Source for Binance klines.
type Source struct {
	client  *http.Client
	baseURL string
	retry   source.RetryPolicy
	creds   source.CredentialProvider
	log     *slog.Logger

	symbolsOnce sync.Once
	symbols     map[string]struct{}
}

// New creates a Binance source. Credentials are optional; the klines
// endpoint is public, but the API key header raises rate limits.
func New(cfg Config, log *slog.Logger) *Source {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = source.DefaultRetryPolicy
	}
	if cfg.Credentials == nil {
		cfg.Credentials = source.NoCredentials{}
	}
	return &Source{
		client:  &http.Client{Timeout: cfg.Timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		retry:   cfg.Retry,
		creds:   cfg.Credentials,
		log:     log,
	}
}

func (s *Source) Name() string { return "binance" }

func normalize(symbol string) string {
	return strings.ToUpper(strings.NewReplacer("/", "", "-", "", "_", "").Replace(symbol))
}

// SupportsSymbol checks the symbol against the exchange listing, fetched
// lazily once and falling back to a static pair list when unreachable.
func (s *Source) SupportsSymbol(symbol string) bool {
	s.symbolsOnce.Do(s.loadSymbols)
	_, ok := s.symbols[normalize(symbol)]
	return ok
}

func (s *Source) loadSymbols() {
	s.symbols = make(map[string]struct{})
	listed, err := s.fetchExchangeSymbols(context.Background())
	if err != nil {
		s.log.Warn("exchange info unavailable, using fallback symbol list", slog.Any("error", err))
		listed = fallbackSymbols
	}
	for _, sym := range listed {
		s.symbols[sym] = struct{}{}
	}
}

func (s *Source) fetchExchangeSymbols(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/v3/exchangeInfo", nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("binance exchange info: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("binance exchange info: status %d", resp.StatusCode)
	}

	var info struct {
		Symbols []struct {
			Symbol string `json:"symbol"`
			Status string `json:"status"`
		} `json:"symbols"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("binance exchange info decode: %w", err)
	}

	var out []string
	for _, sym := range info.Symbols {
		if sym.Status == "TRADING" {
			out = append(out, sym.Symbol)
		}
	}
	sort.Strings(out)
	return out, nil
}

// SupportsTimeframe: every bar timeframe maps 1:1 onto a kline interval.
func (s *Source) SupportsTimeframe(tf model.Timeframe) bool { return tf.IsBar() }

// HasTicks is false: the public REST API serves no raw quote ticks.
func (s *Source) HasTicks() bool { return false }

// FetchTicks is unsupported.
func (s *Source) FetchTicks(context.Context, string, time.Time, time.Time) ([]model.Tick, error) {
	return nil, fmt.Errorf("binance: public API serves no tick data")
}

// FetchBars pages through /api/v3/klines until [start, end) is exhausted.
func (s *Source) FetchBars(ctx context.Context, symbol string, start, end time.Time, tf model.Timeframe) ([]model.Bar, error) {
	if !tf.IsBar() {
		return nil, fmt.Errorf("%w: binance cannot serve timeframe %q", model.ErrInvalidRequest, tf)
	}
	sym := normalize(symbol)

	var bars []model.Bar
	cursor := start.UnixMilli()
	endMS := end.UnixMilli()
	for cursor < endMS {
		page, err := s.fetchKlines(ctx, sym, tf, cursor, endMS)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		bars = append(bars, page...)
		cursor = page[len(page)-1].OpenTime.UnixMilli() + 1
		if len(page) < klineLimit {
			break
		}
	}

	// The API clamps to closed klines; drop anything at or past end.
	out := bars[:0]
	for _, b := range bars {
		if b.OpenTime.UnixMilli() >= endMS {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (s *Source) fetchKlines(ctx context.Context, symbol string, tf model.Timeframe, startMS, endMS int64) ([]model.Bar, error) {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("interval", string(tf))
	q.Set("startTime", strconv.FormatInt(startMS, 10))
	q.Set("endTime", strconv.FormatInt(endMS-1, 10)) // API range is inclusive
	q.Set("limit", strconv.Itoa(klineLimit))
	u := s.baseURL + "/api/v3/klines?" + q.Encode()

	var bars []model.Bar
	err := source.WithRetry(ctx, s.Name(), s.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		if key, _ := s.creds.Credentials(); key != "" {
			req.Header.Set("X-MBX-APIKEY", key)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			return source.Transient(fmt.Errorf("binance fetch: %w", err))
		}
		defer resp.Body.Close()

		if source.RetryableStatus(resp.StatusCode) {
			io.Copy(io.Discard, resp.Body)
			return source.Transient(fmt.Errorf("binance fetch: status %d", resp.StatusCode))
		}
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("binance fetch: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		}

		bars, err = parseKlines(resp.Body, symbol, tf)
		return err
	})
	return bars, err
}

// parseKlines decodes the kline response: a JSON array of arrays, each
// [openTime, "open", "high", "low", "close", "volume", closeTime, ...].
func parseKlines(r io.Reader, symbol string, tf model.Timeframe) ([]model.Bar, error) {
	var rows [][]json.RawMessage
	if err := json.NewDecoder(r).Decode(&rows); err != nil {
		return nil, fmt.Errorf("binance klines decode: %w", err)
	}

	bars := make([]model.Bar, 0, len(rows))
	for i, row := range rows {
		if len(row) < 6 {
			return nil, fmt.Errorf("binance kline %d: %d fields, need 6", i, len(row))
		}
		var openMS int64
		if err := json.Unmarshal(row[0], &openMS); err != nil {
			return nil, fmt.Errorf("binance kline %d open time: %w", i, err)
		}
		b := model.Bar{
			Symbol:    symbol,
			Timeframe: tf,
			OpenTime:  time.UnixMilli(openMS).UTC(),
		}
		for j, dst := range []*float64{&b.Open, &b.High, &b.Low, &b.Close, &b.Volume} {
			var s string
			if err := json.Unmarshal(row[j+1], &s); err != nil {
				return nil, fmt.Errorf("binance kline %d field %d: %w", i, j+1, err)
			}
			v, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, fmt.Errorf("binance kline %d field %d: %w", i, j+1, err)
			}
			*dst = v
		}
		// Weekly and monthly klines are calendar-aligned, so only the
		// price invariants are checked, not bucket alignment.
		if b.High < b.Open || b.High < b.Close || b.Low > b.Open || b.Low > b.Close {
			return nil, fmt.Errorf("binance kline %d @ %d: high/low outside open/close", i, openMS)
		}
		if i > 0 && !bars[i-1].OpenTime.Before(b.OpenTime) {
			return nil, fmt.Errorf("binance kline %d @ %d: open times not increasing", i, openMS)
		}
		bars = append(bars, b)
	}
	return bars, nil
}
