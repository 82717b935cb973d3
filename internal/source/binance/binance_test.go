package binance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"tickvault/internal/model"
	"tickvault/internal/source"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func klineJSON(openMS int64, o, h, l, c, v float64) string {
	closeMS := openMS + 59_999
	return fmt.Sprintf(`[%d,"%v","%v","%v","%v","%v",%d,"0",0,"0","0","0"]`,
		openMS, o, h, l, c, v, closeMS)
}

func TestFetchBars_ParsesKlines(t *testing.T) {
	open := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/klines" {
			http.NotFound(w, r)
			return
		}
		if got := r.URL.Query().Get("interval"); got != "1m" {
			t.Errorf("interval = %q", got)
		}
		fmt.Fprintf(w, "[%s,%s]",
			klineJSON(open.UnixMilli(), 100, 110, 90, 105, 12),
			klineJSON(open.Add(time.Minute).UnixMilli(), 105, 106, 101, 102, 7))
	}))
	defer srv.Close()

	s := New(Config{BaseURL: srv.URL, Retry: source.RetryPolicy{Attempts: 1}}, discardLogger())
	bars, err := s.FetchBars(context.Background(), "BTCUSDT", open, open.Add(2*time.Minute), model.TF1m)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("expected 2 bars, got %d", len(bars))
	}
	b := bars[0]
	if b.Open != 100 || b.High != 110 || b.Low != 90 || b.Close != 105 || b.Volume != 12 {
		t.Errorf("bar values: %+v", b)
	}
	if !b.OpenTime.Equal(open) || b.Timeframe != model.TF1m || b.Symbol != "BTCUSDT" {
		t.Errorf("bar identity: %+v", b)
	}
}

func TestFetchBars_Paginates(t *testing.T) {
	open := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		startMS, _ := strconv.ParseInt(r.URL.Query().Get("startTime"), 10, 64)
		// The API returns interval-aligned klines at or after startTime.
		if rem := startMS % time.Minute.Milliseconds(); rem != 0 {
			startMS += time.Minute.Milliseconds() - rem
		}
		// First page: klineLimit bars; second page: one final bar.
		w.Write([]byte("["))
		n := 1
		if calls == 1 {
			n = klineLimit
		}
		for i := 0; i < n; i++ {
			if i > 0 {
				w.Write([]byte(","))
			}
			ms := startMS + int64(i)*time.Minute.Milliseconds()
			io.WriteString(w, klineJSON(ms, 1, 2, 0.5, 1.5, 1))
		}
		w.Write([]byte("]"))
	}))
	defer srv.Close()

	s := New(Config{BaseURL: srv.URL, Retry: source.RetryPolicy{Attempts: 1}}, discardLogger())
	end := open.Add(time.Duration(klineLimit+1) * time.Minute)
	bars, err := s.FetchBars(context.Background(), "BTCUSDT", open, end, model.TF1m)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected 2 pages, got %d", calls)
	}
	if len(bars) != klineLimit+1 {
		t.Errorf("expected %d bars, got %d", klineLimit+1, len(bars))
	}
	// Pages must be contiguous, no duplicate at the boundary.
	for i := 1; i < len(bars); i++ {
		if !bars[i].OpenTime.Equal(bars[i-1].OpenTime.Add(time.Minute)) {
			t.Fatalf("gap or duplicate at index %d: %s after %s", i, bars[i].OpenTime, bars[i-1].OpenTime)
		}
	}
}

func TestFetchBars_RateLimitRetried(t *testing.T) {
	open := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprintf(w, "[%s]", klineJSON(open.UnixMilli(), 1, 2, 0.5, 1.5, 1))
	}))
	defer srv.Close()

	s := New(Config{BaseURL: srv.URL, Retry: source.RetryPolicy{Attempts: 2, Backoff: time.Millisecond}}, discardLogger())
	bars, err := s.FetchBars(context.Background(), "BTCUSDT", open, open.Add(time.Minute), model.TF1m)
	if err != nil {
		t.Fatalf("fetch after retry: %v", err)
	}
	if calls != 2 || len(bars) != 1 {
		t.Errorf("calls = %d, bars = %d", calls, len(bars))
	}
}

func TestFetchBars_PersistentFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := New(Config{BaseURL: srv.URL, Retry: source.RetryPolicy{Attempts: 2, Backoff: time.Millisecond}}, discardLogger())
	open := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	_, err := s.FetchBars(context.Background(), "BTCUSDT", open, open.Add(time.Minute), model.TF1m)

	var unavailable *model.SourceUnavailableError
	if !errors.As(err, &unavailable) {
		t.Fatalf("expected SourceUnavailableError, got %v", err)
	}
}

func TestSupportsSymbol_FallbackWhenExchangeInfoDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	s := New(Config{BaseURL: srv.URL}, discardLogger())
	if !s.SupportsSymbol("BTCUSDT") {
		t.Error("fallback list must include BTCUSDT")
	}
	if s.SupportsSymbol("EURUSD") {
		t.Error("EURUSD is not on the fallback list")
	}
}

func TestSupportsSymbol_FromExchangeInfo(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v3/exchangeInfo" {
			io.WriteString(w, `{"symbols":[{"symbol":"SOLUSDT","status":"TRADING"},{"symbol":"OLDCOIN","status":"BREAK"}]}`)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	s := New(Config{BaseURL: srv.URL}, discardLogger())
	if !s.SupportsSymbol("SOLUSDT") || !s.SupportsSymbol("sol/usdt") {
		t.Error("listed TRADING symbol must be supported")
	}
	if s.SupportsSymbol("OLDCOIN") {
		t.Error("non-TRADING symbol must be rejected")
	}
}

func TestFetchBars_RejectsMalformedKlines(t *testing.T) {
	open := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	var body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, body)
	}))
	defer srv.Close()

	s := New(Config{BaseURL: srv.URL, Retry: source.RetryPolicy{Attempts: 1}}, discardLogger())

	// High below the close.
	body = "[" + klineJSON(open.UnixMilli(), 100, 101, 90, 105, 12) + "]"
	if _, err := s.FetchBars(context.Background(), "BTCUSDT", open, open.Add(time.Minute), model.TF1m); err == nil {
		t.Fatal("kline with high below close accepted")
	}

	// Low above the open.
	body = "[" + klineJSON(open.UnixMilli(), 100, 110, 102, 105, 12) + "]"
	if _, err := s.FetchBars(context.Background(), "BTCUSDT", open, open.Add(time.Minute), model.TF1m); err == nil {
		t.Fatal("kline with low above open accepted")
	}

	// Open times out of order.
	body = fmt.Sprintf("[%s,%s]",
		klineJSON(open.Add(time.Minute).UnixMilli(), 100, 110, 90, 105, 12),
		klineJSON(open.UnixMilli(), 100, 110, 90, 105, 12))
	if _, err := s.FetchBars(context.Background(), "BTCUSDT", open, open.Add(2*time.Minute), model.TF1m); err == nil {
		t.Fatal("out-of-order klines accepted")
	}
}
