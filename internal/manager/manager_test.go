package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"tickvault/internal/model"
	"tickvault/internal/source"
	"tickvault/internal/store/sqlite"
)

type timeRange struct {
	start, end time.Time
}

// fakeSource synthesizes deterministic data for any requested range and
// records every fetch it serves.
type fakeSource struct {
	name    string
	symbols map[string]bool
	native  bool // serves bars natively
	hasTick bool

	mu        sync.Mutex
	barCalls  []timeRange
	tickCalls []timeRange
	failAt    time.Time // fetches starting at or after this instant fail
	onFetch   func()    // runs once a fetch is in flight
}

var _ source.Source = (*fakeSource)(nil)

func (f *fakeSource) Name() string                 { return f.name }
func (f *fakeSource) SupportsSymbol(s string) bool { return f.symbols[s] }
func (f *fakeSource) HasTicks() bool               { return f.hasTick }

func (f *fakeSource) SupportsTimeframe(tf model.Timeframe) bool {
	return f.native && tf.IsBar()
}

func (f *fakeSource) shouldFail(start time.Time) bool {
	return !f.failAt.IsZero() && !start.Before(f.failAt)
}

func (f *fakeSource) FetchBars(ctx context.Context, symbol string, start, end time.Time, tf model.Timeframe) ([]model.Bar, error) {
	f.mu.Lock()
	f.barCalls = append(f.barCalls, timeRange{start, end})
	fail := f.shouldFail(start)
	f.mu.Unlock()
	if f.onFetch != nil {
		f.onFetch()
	}
	if fail {
		return nil, &model.SourceUnavailableError{Source: f.name, Err: errors.New("injected outage")}
	}
	return genBars(symbol, tf, start, end), nil
}

func (f *fakeSource) FetchTicks(ctx context.Context, symbol string, start, end time.Time) ([]model.Tick, error) {
	f.mu.Lock()
	f.tickCalls = append(f.tickCalls, timeRange{start, end})
	fail := f.shouldFail(start)
	f.mu.Unlock()
	if f.onFetch != nil {
		f.onFetch()
	}
	if fail {
		return nil, &model.SourceUnavailableError{Source: f.name, Err: errors.New("injected outage")}
	}
	return genTicks(symbol, start, end), nil
}

// genBars emits one bar per bucket with fixed OHLCV values.
func genBars(symbol string, tf model.Timeframe, start, end time.Time) []model.Bar {
	var bars []model.Bar
	for t := tf.Truncate(start); t.Before(end); t = t.Add(tf.Duration()) {
		if t.Before(start) {
			continue
		}
		bars = append(bars, model.Bar{
			Symbol: symbol, Timeframe: tf, OpenTime: t,
			Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 1,
		})
	}
	return bars
}

// genTicks emits two ticks per minute: bid 1.0 at :00 and bid 2.0 at :30.
func genTicks(symbol string, start, end time.Time) []model.Tick {
	var ticks []model.Tick
	for t := start; t.Before(end); t = t.Add(time.Minute) {
		ticks = append(ticks,
			model.Tick{Symbol: symbol, Time: t, Bid: 1.0, Ask: 1.1, BidVolume: 1, AskVolume: 1},
			model.Tick{Symbol: symbol, Time: t.Add(30 * time.Second), Bid: 2.0, Ask: 2.1, BidVolume: 1, AskVolume: 1},
		)
	}
	return ticks
}

func newTestManager(t *testing.T, srcs ...source.Source) (*Manager, *sqlite.Store) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	st, err := sqlite.New(sqlite.Config{DBPath: filepath.Join(t.TempDir(), "test.db")}, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	m, err := New(Options{Store: st, Sources: srcs, Log: log, Concurrency: 4})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return m, st
}

func barsRequest(symbol string, tf model.Timeframe, start, end time.Time) model.DataRequest {
	return model.DataRequest{Symbol: symbol, Start: start, End: end, Timeframe: tf, DataType: model.DataTypeBars}
}

func TestFetchBarsFillsOnlyMissingRange(t *testing.T) {
	base := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	src := &fakeSource{name: "fake", symbols: map[string]bool{"BTCUSDT": true}, native: true}
	m, st := newTestManager(t, src)
	ctx := context.Background()

	// Seed the first half hour so only [10:30, 11:00) is missing.
	seedEnd := base.Add(30 * time.Minute)
	seed := genBars("BTCUSDT", model.TF1m, base, seedEnd)
	err := st.WriteBars(ctx, seed, model.CoverageRange{
		Symbol: "BTCUSDT", Timeframe: model.TF1m, Start: base, End: seedEnd,
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	res, err := m.Fetch(ctx, barsRequest("BTCUSDT", model.TF1m, base, base.Add(time.Hour)))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(res.Bars) != 60 {
		t.Fatalf("got %d bars, want 60", len(res.Bars))
	}
	for i := 1; i < len(res.Bars); i++ {
		if !res.Bars[i].OpenTime.After(res.Bars[i-1].OpenTime) {
			t.Fatalf("bars not ordered at %d", i)
		}
	}
	if len(src.barCalls) != 1 {
		t.Fatalf("got %d source calls, want 1", len(src.barCalls))
	}
	call := src.barCalls[0]
	if !call.start.Equal(seedEnd) || !call.end.Equal(base.Add(time.Hour)) {
		t.Fatalf("fetched [%s, %s), want [%s, %s)", call.start, call.end, seedEnd, base.Add(time.Hour))
	}

	// Second identical request is served entirely from the store.
	if _, err := m.Fetch(ctx, barsRequest("BTCUSDT", model.TF1m, base, base.Add(time.Hour))); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if len(src.barCalls) != 1 {
		t.Fatalf("refetch hit the source: %d calls", len(src.barCalls))
	}
}

func TestFetchBarsFromTickOnlySource(t *testing.T) {
	base := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	src := &fakeSource{name: "ticksrc", symbols: map[string]bool{"EURUSD": true}, hasTick: true}
	m, _ := newTestManager(t, src)
	ctx := context.Background()

	res, err := m.Fetch(ctx, barsRequest("EURUSD", model.TF1m, base, base.Add(10*time.Minute)))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(res.Bars) != 10 {
		t.Fatalf("got %d bars, want 10", len(res.Bars))
	}
	b := res.Bars[0]
	// Bid-price bars: open 1.0, close 2.0; volume sums bid and ask sizes
	// over both ticks.
	if b.Open != 1.0 || b.High != 2.0 || b.Low != 1.0 || b.Close != 2.0 || b.Volume != 4 {
		t.Fatalf("unexpected bar %+v", b)
	}
	if len(src.tickCalls) != 1 {
		t.Fatalf("got %d tick fetches, want 1", len(src.tickCalls))
	}

	// The raw ticks were persisted alongside the derived bars, so a tick
	// request over the same range never goes back to the source.
	tickReq := model.DataRequest{
		Symbol: "EURUSD", Start: base, End: base.Add(10 * time.Minute), DataType: model.DataTypeTicks,
	}
	tres, err := m.Fetch(ctx, tickReq)
	if err != nil {
		t.Fatalf("tick fetch: %v", err)
	}
	if len(tres.Ticks) != 20 {
		t.Fatalf("got %d ticks, want 20", len(tres.Ticks))
	}
	if len(src.tickCalls) != 1 {
		t.Fatalf("tick request hit the source: %d calls", len(src.tickCalls))
	}
}

func TestFetchPartialFailure(t *testing.T) {
	base := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	src := &fakeSource{
		name:    "flaky",
		symbols: map[string]bool{"BTCUSDT": true},
		native:  true,
		failAt:  base.Add(40 * time.Minute),
	}
	m, st := newTestManager(t, src)
	ctx := context.Background()

	// Coverage [10:20, 10:40) splits the request into two gaps; the
	// second one falls in the outage window.
	seed := genBars("BTCUSDT", model.TF1m, base.Add(20*time.Minute), base.Add(40*time.Minute))
	err := st.WriteBars(ctx, seed, model.CoverageRange{
		Symbol: "BTCUSDT", Timeframe: model.TF1m,
		Start: base.Add(20 * time.Minute), End: base.Add(40 * time.Minute),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	res, err := m.Fetch(ctx, barsRequest("BTCUSDT", model.TF1m, base, base.Add(time.Hour)))
	var partial *model.PartialResultError
	if !errors.As(err, &partial) {
		t.Fatalf("got err %v, want PartialResultError", err)
	}
	if len(partial.Unresolved) != 1 {
		t.Fatalf("got %d unresolved ranges, want 1", len(partial.Unresolved))
	}
	u := partial.Unresolved[0]
	if !u.Start.Equal(base.Add(40*time.Minute)) || !u.End.Equal(base.Add(time.Hour)) {
		t.Fatalf("unresolved [%s, %s), want [10:40, 11:00)", u.Start, u.End)
	}
	// Everything outside the failed range is still returned.
	if len(res.Bars) != 40 {
		t.Fatalf("got %d bars, want 40", len(res.Bars))
	}

	// Once the outage clears, a retry fetches only the failed range.
	src.mu.Lock()
	src.failAt = time.Time{}
	calls := len(src.barCalls)
	src.mu.Unlock()

	res, err = m.Fetch(ctx, barsRequest("BTCUSDT", model.TF1m, base, base.Add(time.Hour)))
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(res.Bars) != 60 {
		t.Fatalf("got %d bars after retry, want 60", len(res.Bars))
	}
	src.mu.Lock()
	newCalls := src.barCalls[calls:]
	src.mu.Unlock()
	if len(newCalls) != 1 || !newCalls[0].start.Equal(base.Add(40*time.Minute)) {
		t.Fatalf("retry calls %+v, want single fetch from 10:40", newCalls)
	}
}

func TestValidateRequest(t *testing.T) {
	base := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	src := &fakeSource{name: "fake", symbols: map[string]bool{"BTCUSDT": true}, native: true}
	m, _ := newTestManager(t, src)

	cases := []struct {
		name string
		req  model.DataRequest
	}{
		{"unknown symbol", barsRequest("DOGEUSDT", model.TF1m, base, base.Add(time.Hour))},
		{"inverted range", barsRequest("BTCUSDT", model.TF1m, base.Add(time.Hour), base)},
		{"ticks from bar-only source", model.DataRequest{
			Symbol: "BTCUSDT", Start: base, End: base.Add(time.Hour), DataType: model.DataTypeTicks,
		}},
		{"bars without timeframe", model.DataRequest{
			Symbol: "BTCUSDT", Start: base, End: base.Add(time.Hour), DataType: model.DataTypeBars,
		}},
	}
	for _, tc := range cases {
		if err := m.ValidateRequest(tc.req); !errors.Is(err, model.ErrInvalidRequest) {
			t.Errorf("%s: got %v, want ErrInvalidRequest", tc.name, err)
		}
	}

	ok := barsRequest("BTCUSDT", model.TF1m, base, base.Add(time.Hour))
	if err := m.ValidateRequest(ok); err != nil {
		t.Errorf("valid request rejected: %v", err)
	}
}

func TestDeleteDropsSeriesAndRefetches(t *testing.T) {
	base := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	src := &fakeSource{name: "fake", symbols: map[string]bool{"BTCUSDT": true}, native: true}
	m, st := newTestManager(t, src)
	ctx := context.Background()

	req := barsRequest("BTCUSDT", model.TF1m, base, base.Add(time.Hour))
	if _, err := m.Fetch(ctx, req); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if err := m.Delete(ctx, "BTCUSDT", model.TF1m); err != nil {
		t.Fatalf("delete: %v", err)
	}
	cov, err := st.Coverage(ctx, "BTCUSDT", model.TF1m)
	if err != nil {
		t.Fatalf("coverage: %v", err)
	}
	if len(cov) != 0 {
		t.Fatalf("coverage not empty after delete: %+v", cov)
	}

	if _, err := m.Fetch(ctx, req); err != nil {
		t.Fatalf("refetch: %v", err)
	}
	if len(src.barCalls) != 2 {
		t.Fatalf("got %d source calls, want 2", len(src.barCalls))
	}
}

func TestSourcePriorityOrder(t *testing.T) {
	base := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	// Both sources carry the symbol; the first in the slice must win.
	primary := &fakeSource{name: "primary", symbols: map[string]bool{"BTCUSDT": true}, hasTick: true}
	secondary := &fakeSource{name: "secondary", symbols: map[string]bool{"BTCUSDT": true}, native: true}
	m, _ := newTestManager(t, primary, secondary)

	req := model.DataRequest{
		Symbol: "BTCUSDT", Start: base, End: base.Add(time.Minute), DataType: model.DataTypeTicks,
	}
	if _, err := m.Fetch(context.Background(), req); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(primary.tickCalls) != 1 || len(secondary.tickCalls) != 0 {
		t.Fatalf("priority violated: primary=%d secondary=%d", len(primary.tickCalls), len(secondary.tickCalls))
	}

	// Priority is by source order, not by native timeframe support: the
	// tick source wins the bar request too and the bars are derived from
	// the ticks already cached above.
	bres, err := m.Fetch(context.Background(), barsRequest("BTCUSDT", model.TF1m, base, base.Add(time.Minute)))
	if err != nil {
		t.Fatalf("bar fetch: %v", err)
	}
	if len(bres.Bars) != 1 {
		t.Fatalf("got %d bars, want 1", len(bres.Bars))
	}
	if len(secondary.barCalls) != 0 {
		t.Fatalf("secondary called for bars despite primary supporting the symbol")
	}
}

func TestFetchBarsWidensTickRangeToBucketEdges(t *testing.T) {
	base := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	src := &fakeSource{name: "ticksrc", symbols: map[string]bool{"EURUSD": true}, hasTick: true}
	m, st := newTestManager(t, src)
	ctx := context.Background()

	// A mid-bucket request; the tick fetch must cover whole buckets so
	// the edge bars aggregate complete data.
	start := base.Add(30 * time.Second)
	end := base.Add(5*time.Minute + 30*time.Second)
	res, err := m.Fetch(ctx, barsRequest("EURUSD", model.TF1m, start, end))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	if len(src.tickCalls) != 1 {
		t.Fatalf("got %d tick fetches, want 1", len(src.tickCalls))
	}
	call := src.tickCalls[0]
	if !call.start.Equal(base) || !call.end.Equal(base.Add(6*time.Minute)) {
		t.Fatalf("tick fetch [%s, %s), want [10:00, 10:06)", call.start, call.end)
	}

	// Bars strictly inside the request window.
	if len(res.Bars) != 5 {
		t.Fatalf("got %d bars, want 5", len(res.Bars))
	}

	// The trailing edge bucket was aggregated from both of its ticks,
	// not just the ones before the request end.
	edge, err := st.QueryBars(ctx, "EURUSD", model.TF1m, base.Add(5*time.Minute), base.Add(6*time.Minute))
	if err != nil {
		t.Fatalf("query edge bar: %v", err)
	}
	if len(edge) != 1 {
		t.Fatalf("got %d edge bars, want 1", len(edge))
	}
	if b := edge[0]; b.Open != 1.0 || b.Close != 2.0 || b.Volume != 4 {
		t.Fatalf("edge bar incomplete: %+v", b)
	}
}

func TestFetchCancelledMidGapDiscardsResults(t *testing.T) {
	base := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	src := &fakeSource{name: "fake", symbols: map[string]bool{"BTCUSDT": true}, native: true}
	m, st := newTestManager(t, src)
	ctx := context.Background()

	// Coverage in the middle splits the request into two gaps.
	seed := genBars("BTCUSDT", model.TF1m, base.Add(20*time.Minute), base.Add(40*time.Minute))
	err := st.WriteBars(ctx, seed, model.CoverageRange{
		Symbol: "BTCUSDT", Timeframe: model.TF1m,
		Start: base.Add(20 * time.Minute), End: base.Add(40 * time.Minute),
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	// The context is cancelled while the fetches are in flight; their
	// results must be discarded, not persisted.
	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	src.onFetch = cancel

	_, err = m.Fetch(fetchCtx, barsRequest("BTCUSDT", model.TF1m, base, base.Add(time.Hour)))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got err %v, want context.Canceled", err)
	}

	cov, err := st.Coverage(ctx, "BTCUSDT", model.TF1m)
	if err != nil {
		t.Fatalf("coverage: %v", err)
	}
	if len(cov) != 1 {
		t.Fatalf("got %d coverage ranges, want just the seed", len(cov))
	}
	if !cov[0].Start.Equal(base.Add(20*time.Minute)) || !cov[0].End.Equal(base.Add(40*time.Minute)) {
		t.Fatalf("coverage extended by cancelled fetch: %+v", cov[0])
	}
	bars, err := st.QueryBars(ctx, "BTCUSDT", model.TF1m, base.Add(20*time.Minute), base.Add(40*time.Minute))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(bars) != 20 {
		t.Fatalf("got %d bars, want the 20 seeded ones", len(bars))
	}
}

func TestConcurrentRequestsKeepCoverageMinimal(t *testing.T) {
	base := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	src := &fakeSource{name: "fake", symbols: map[string]bool{"BTCUSDT": true}, native: true}
	m, st := newTestManager(t, src)
	ctx := context.Background()

	// Overlapping windows over one series, fetched concurrently. Writes
	// for the series are serialized by the store, so coverage must end
	// up as a single coalesced range with one row per bucket.
	const n = 6
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := base.Add(time.Duration(i) * 10 * time.Minute)
			_, errs[i] = m.Fetch(ctx, barsRequest("BTCUSDT", model.TF1m, start, start.Add(20*time.Minute)))
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}

	cov, err := st.Coverage(ctx, "BTCUSDT", model.TF1m)
	if err != nil {
		t.Fatalf("coverage: %v", err)
	}
	if len(cov) != 1 {
		t.Fatalf("got %d coverage ranges, want 1 coalesced: %+v", len(cov), cov)
	}
	if !cov[0].Start.Equal(base) || !cov[0].End.Equal(base.Add(70*time.Minute)) {
		t.Fatalf("coverage [%s, %s), want [10:00, 11:10)", cov[0].Start, cov[0].End)
	}
	bars, err := st.QueryBars(ctx, "BTCUSDT", model.TF1m, base, base.Add(70*time.Minute))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(bars) != 70 {
		t.Fatalf("got %d bars, want 70 without duplicates", len(bars))
	}
}
