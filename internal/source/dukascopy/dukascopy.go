// Package dukascopy fetches historical tick data from the Dukascopy
// datafeed. Ticks are published as one LZMA-compressed .bi5 file per
// symbol and hour; bars are not natively available and are derived by the
// resampler downstream.
package dukascopy

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"sort"
	"strings"
	"time"

	"tickvault/internal/model"
	"tickvault/internal/source"

	"github.com/ulikunitz/xz/lzma"
)

const defaultBaseURL = "https://datafeed.dukascopy.com/datafeed"

// recordSize is the fixed width of one tick record inside a .bi5 file:
// uint32 millisecond offset, float32 ask, float32 bid, float32 ask volume,
// float32 bid volume, all big-endian.
const recordSize = 20

// Symbol universe served by the datafeed, by instrument class.
var (
	forexPairs = []string{
		"EURUSD", "GBPUSD", "USDJPY", "USDCHF", "AUDUSD", "USDCAD", "NZDUSD",
		"EURGBP", "EURJPY", "EURCHF", "EURAUD", "EURCAD", "EURNZD",
		"GBPJPY", "GBPCHF", "GBPAUD", "GBPCAD", "GBPNZD",
		"AUDJPY", "AUDCHF", "AUDCAD", "AUDNZD",
		"CADJPY", "CADCHF", "NZDJPY", "NZDCHF", "NZDCAD",
		"CHFJPY", "USDCNH", "USDSEK", "USDNOK", "USDDKK", "USDPLN",
	}
	metals = []string{"XAUUSD", "XAGUSD", "XPTUSD", "XPDUSD"}
	crypto = []string{
		"BTCUSD", "ETHUSD", "LTCUSD", "XRPUSD", "BCHUSD", "ADAUSD",
		"DOTUSD", "LINKUSD", "XLMUSD", "EOSUSD",
	}
)

// Config configures the Dukascopy source.
type Config struct {
	BaseURL string        // datafeed root, defaults to the public feed
	Timeout time.Duration // per-HTTP-call ceiling
	Retry   source.RetryPolicy
}

// Source implements source.Source for the Dukascopy datafeed. The feed is
// anonymous; no credentials are required.
type Source struct {
	client  *http.Client
	baseURL string
	retry   source.RetryPolicy
	symbols map[string]struct{}
	log     *slog.Logger
}

// New creates a Dukascopy source.
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
	symbols := make(map[string]struct{})
	for _, group := range [][]string{forexPairs, metals, crypto} {
		for _, s := range group {
			symbols[s] = struct{}{}
		}
	}
	return &Source{
		client:  &http.Client{Timeout: cfg.Timeout},
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		retry:   cfg.Retry,
		symbols: symbols,
		log:     log,
	}
}

func (s *Source) Name() string { return "dukascopy" }

func normalize(symbol string) string {
	return strings.ToUpper(strings.NewReplacer("/", "", "-", "", "_", "").Replace(symbol))
}

func (s *Source) SupportsSymbol(symbol string) bool {
	_, ok := s.symbols[normalize(symbol)]
	return ok
}

// SupportsTimeframe is always false: the datafeed only serves ticks.
func (s *Source) SupportsTimeframe(model.Timeframe) bool { return false }

func (s *Source) HasTicks() bool { return true }

// Symbols returns the supported symbol universe, sorted.
func (s *Source) Symbols() []string {
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// FetchBars is not natively supported; callers resample ticks instead.
func (s *Source) FetchBars(context.Context, string, time.Time, time.Time, model.Timeframe) ([]model.Bar, error) {
	return nil, fmt.Errorf("dukascopy: no native bar data, resample from ticks")
}

// FetchTicks downloads and decodes every hour file overlapping
// [start, end) and returns the ticks inside the range, ordered by time.
// Missing hour files (weekends, market holidays) yield no ticks.
func (s *Source) FetchTicks(ctx context.Context, symbol string, start, end time.Time) ([]model.Tick, error) {
	sym := normalize(symbol)
	if !s.SupportsSymbol(sym) {
		return nil, fmt.Errorf("%w: dukascopy does not carry %q", model.ErrInvalidRequest, symbol)
	}

	var ticks []model.Tick
	for hour := start.UTC().Truncate(time.Hour); hour.Before(end); hour = hour.Add(time.Hour) {
		hourTicks, err := s.fetchHour(ctx, sym, hour)
		if err != nil {
			return nil, err
		}
		for _, t := range hourTicks {
			if t.Time.Before(start) || !t.Time.Before(end) {
				continue
			}
			ticks = append(ticks, t)
		}
	}
	if err := model.ValidateTicks(ticks); err != nil {
		return nil, fmt.Errorf("dukascopy: %w", err)
	}
	return ticks, nil
}

func (s *Source) fetchHour(ctx context.Context, symbol string, hour time.Time) ([]model.Tick, error) {
	url := s.hourURL(symbol, hour)

	var ticks []model.Tick
	err := source.WithRetry(ctx, s.Name(), s.retry, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := s.client.Do(req)
		if err != nil {
			return source.Transient(fmt.Errorf("dukascopy fetch %s: %w", url, err))
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			// No file for this hour: market closed, not an error.
			ticks = nil
			return nil
		case source.RetryableStatus(resp.StatusCode):
			io.Copy(io.Discard, resp.Body)
			return source.Transient(fmt.Errorf("dukascopy fetch %s: status %d", url, resp.StatusCode))
		case resp.StatusCode != http.StatusOK:
			return fmt.Errorf("dukascopy fetch %s: status %d", url, resp.StatusCode)
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return source.Transient(fmt.Errorf("dukascopy read %s: %w", url, err))
		}
		ticks, err = DecodeBi5(bytes.NewReader(body), symbol, hour)
		if err != nil {
			return fmt.Errorf("dukascopy decode %s: %w", url, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(ticks) > 0 {
		s.log.Debug("hour file decoded",
			slog.String("symbol", symbol),
			slog.Time("hour", hour),
			slog.Int("ticks", len(ticks)))
	}
	return ticks, nil
}

// hourURL builds the datafeed path for one symbol-hour. The feed numbers
// months from zero.
func (s *Source) hourURL(symbol string, hour time.Time) string {
	return fmt.Sprintf("%s/%s/%04d/%02d/%02d/%02dh_ticks.bi5",
		s.baseURL, symbol, hour.Year(), int(hour.Month())-1, hour.Day(), hour.Hour())
}

// DecodeBi5 decompresses an LZMA .bi5 stream and parses its fixed-width
// tick records. Empty input decodes to no ticks.
func DecodeBi5(r io.Reader, symbol string, hourStart time.Time) ([]model.Tick, error) {
	lr, err := lzma.NewReader(r)
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("lzma header: %w", err)
	}

	var ticks []model.Tick
	buf := make([]byte, recordSize)
	for {
		_, err := io.ReadFull(lr, buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("truncated tick record: %w", err)
		}
		offsetMS := binary.BigEndian.Uint32(buf[0:4])
		ask := math.Float32frombits(binary.BigEndian.Uint32(buf[4:8]))
		bid := math.Float32frombits(binary.BigEndian.Uint32(buf[8:12]))
		askVol := math.Float32frombits(binary.BigEndian.Uint32(buf[12:16]))
		bidVol := math.Float32frombits(binary.BigEndian.Uint32(buf[16:20]))

		ticks = append(ticks, model.Tick{
			Symbol:    symbol,
			Time:      hourStart.Add(time.Duration(offsetMS) * time.Millisecond),
			Bid:       float64(bid),
			Ask:       float64(ask),
			BidVolume: float64(bidVol),
			AskVolume: float64(askVol),
		})
	}
	return ticks, nil
}
