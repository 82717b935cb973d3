// Package manager orchestrates read-through caching: it answers data
// requests from the local store, fetches only the missing sub-ranges from
// remote sources, resamples tick data when a provider has no native bars,
// and persists everything it fetched before responding.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tickvault/internal/metrics"
	"tickvault/internal/model"
	"tickvault/internal/resample"
	"tickvault/internal/source"
	"tickvault/internal/store/rediscache"
	"tickvault/internal/store/sqlite"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultConcurrency = 8

// Options wires a Manager.
type Options struct {
	Store   *sqlite.Store
	Sources []source.Source // priority order, first match wins

	// Cache is an optional Redis layer in front of the store.
	Cache *rediscache.Cache

	// Metrics may be nil; an unexported registry is used then.
	Metrics *metrics.Metrics

	// Concurrency bounds parallel gap fetches per request.
	Concurrency int

	Log *slog.Logger
}

// Result carries the records resolved for one request. Exactly one of
// Bars and Ticks is populated, matching the request's data type.
type Result struct {
	Request model.DataRequest
	Bars    []model.Bar
	Ticks   []model.Tick
}

// Manager serves data requests against the store and sources.
type Manager struct {
	store       *sqlite.Store
	sources     []source.Source
	cache       *rediscache.Cache
	met         *metrics.Metrics
	log         *slog.Logger
	concurrency int
}

// New builds a Manager from opts.
func New(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("manager: store is required")
	}
	if len(opts.Sources) == 0 {
		return nil, errors.New("manager: at least one source is required")
	}
	met := opts.Metrics
	if met == nil {
		met = metrics.New(prometheus.NewRegistry())
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Manager{
		store:       opts.Store,
		sources:     opts.Sources,
		cache:       opts.Cache,
		met:         met,
		log:         log,
		concurrency: concurrency,
	}, nil
}

// ValidateRequest reports whether req is well formed and at least one
// source can serve it. All failures wrap model.ErrInvalidRequest.
func (m *Manager) ValidateRequest(req model.DataRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	tf := req.SeriesTimeframe()
	if m.pickSource(req.Symbol, tf) == nil {
		return fmt.Errorf("%w: no source serves %s %s", model.ErrInvalidRequest, req.Symbol, tf)
	}
	return nil
}

// Fetch resolves req. Missing sub-ranges are fetched concurrently and
// persisted before the store is queried for the final answer, so the
// result always reflects exactly what is now cached. If some gaps could
// not be filled, the partial result is returned together with a
// *model.PartialResultError listing the unresolved ranges.
func (m *Manager) Fetch(ctx context.Context, req model.DataRequest) (*Result, error) {
	began := time.Now()
	if err := m.ValidateRequest(req); err != nil {
		return nil, err
	}
	tf := req.SeriesTimeframe()
	m.met.FetchRequests.WithLabelValues(string(req.DataType)).Inc()
	defer func() {
		m.met.FetchDuration.Observe(time.Since(began).Seconds())
	}()

	if m.cache != nil {
		if bars, ticks, ok := m.cache.Get(ctx, req); ok {
			m.met.CacheHits.Inc()
			return &Result{Request: req, Bars: bars, Ticks: ticks}, nil
		}
	}

	covered, err := m.store.Coverage(ctx, req.Symbol, tf)
	if err != nil {
		return nil, err
	}
	gaps := model.SubtractRanges(req.Symbol, tf, req.Start, req.End, covered)

	var unresolved []model.CoverageRange
	if len(gaps) == 0 {
		m.met.CacheHits.Inc()
	} else {
		m.met.CacheMisses.Inc()
		m.met.GapsDetected.Add(float64(len(gaps)))
		unresolved = m.fillGaps(ctx, req, gaps)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	res := &Result{Request: req}
	switch req.DataType {
	case model.DataTypeTicks:
		res.Ticks, err = m.store.QueryTicks(ctx, req.Symbol, req.Start, req.End)
	default:
		res.Bars, err = m.store.QueryBars(ctx, req.Symbol, req.Timeframe, req.Start, req.End)
	}
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	if len(unresolved) > 0 {
		m.met.PartialResults.Inc()
		return res, &model.PartialResultError{Unresolved: unresolved}
	}
	if m.cache != nil {
		m.cache.Set(ctx, req, res.Bars, res.Ticks)
	}
	return res, nil
}

// Delete drops one series and its coverage. Deleting an absent series is
// a no-op.
func (m *Manager) Delete(ctx context.Context, symbol string, tf model.Timeframe) error {
	if err := m.store.Delete(ctx, symbol, tf); err != nil {
		return err
	}
	m.met.CoverageSpan.WithLabelValues(symbol, string(tf)).Set(0)
	m.invalidate(symbol, tf)
	return nil
}

// Info summarizes every stored series.
func (m *Manager) Info(ctx context.Context) ([]sqlite.SeriesInfo, error) {
	return m.store.Info(ctx)
}

// pickSource returns the first source, in priority order, that can serve
// (symbol, tf), or nil.
func (m *Manager) pickSource(symbol string, tf model.Timeframe) source.Source {
	for _, src := range m.sources {
		if source.Supports(src, symbol, tf) {
			return src
		}
	}
	return nil
}

// fillGaps fetches and persists every gap, at most m.concurrency at a
// time, and returns the ranges that failed. Failures never abort the
// sibling fetches.
func (m *Manager) fillGaps(ctx context.Context, req model.DataRequest, gaps []model.CoverageRange) []model.CoverageRange {
	sem := make(chan struct{}, m.concurrency)
	errs := make([]error, len(gaps))

	var wg sync.WaitGroup
	for i, gap := range gaps {
		// Cancellation stops dispatching further gaps; in-flight ones
		// notice the context themselves.
		if err := ctx.Err(); err != nil {
			errs[i] = err
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, gap model.CoverageRange) {
			defer wg.Done()
			defer func() { <-sem }()
			errs[i] = m.fillGap(ctx, req, gap)
		}(i, gap)
	}
	wg.Wait()

	var unresolved []model.CoverageRange
	for i, err := range errs {
		if err == nil {
			m.met.GapsFilled.Inc()
			continue
		}
		m.log.Warn("gap unresolved",
			slog.String("symbol", req.Symbol),
			slog.String("timeframe", string(req.SeriesTimeframe())),
			slog.Time("start", gaps[i].Start),
			slog.Time("end", gaps[i].End),
			slog.Any("error", err))
		unresolved = append(unresolved, gaps[i])
	}
	return unresolved
}

// fillGap fetches one gap from the chosen source and persists it. A
// cancelled context after the fetch discards the records instead of
// persisting a possibly truncated batch.
func (m *Manager) fillGap(ctx context.Context, req model.DataRequest, gap model.CoverageRange) error {
	tf := req.SeriesTimeframe()
	src := m.pickSource(req.Symbol, tf)

	if req.DataType == model.DataTypeTicks {
		ticks, err := m.fetchTicks(ctx, src, req.Symbol, gap.Start, gap.End)
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := m.store.WriteTicks(ctx, ticks, gap); err != nil {
			return err
		}
		m.met.RecordsStored.WithLabelValues("ticks").Add(float64(len(ticks)))
		m.met.CoverageSpan.WithLabelValues(req.Symbol, string(model.TFTick)).Add(gap.End.Sub(gap.Start).Seconds())
		m.invalidate(req.Symbol, model.TFTick)
		return nil
	}

	var (
		bars []model.Bar
		err  error
	)
	if src.SupportsTimeframe(req.Timeframe) {
		m.met.SourceRequests.WithLabelValues(src.Name()).Inc()
		bars, err = src.FetchBars(ctx, req.Symbol, gap.Start, gap.End, req.Timeframe)
		if err != nil {
			m.met.GapFailures.WithLabelValues(src.Name()).Inc()
			return err
		}
	} else {
		bars, err = m.barsFromTicks(ctx, src, req.Symbol, req.Timeframe, gap)
		if err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.store.WriteBars(ctx, bars, gap); err != nil {
		return err
	}
	m.met.RecordsStored.WithLabelValues("bars").Add(float64(len(bars)))
	m.met.CoverageSpan.WithLabelValues(req.Symbol, string(req.Timeframe)).Add(gap.End.Sub(gap.Start).Seconds())
	m.invalidate(req.Symbol, req.Timeframe)
	return nil
}

// barsFromTicks derives bars for a tick-only provider. The tick range is
// widened to bucket boundaries so edge bars aggregate their full bucket.
// Ticks already cached for the range are reused; a remote fetch persists
// the raw ticks too, so later tick requests for the same range hit the
// store.
func (m *Manager) barsFromTicks(ctx context.Context, src source.Source, symbol string, tf model.Timeframe, gap model.CoverageRange) ([]model.Bar, error) {
	wide := gap
	wide.Start = tf.Truncate(gap.Start)
	if end := tf.Truncate(gap.End); end.Before(gap.End) {
		wide.End = end.Add(tf.Duration())
	}
	ticks, err := m.ticksFor(ctx, src, symbol, wide)
	if err != nil {
		return nil, err
	}
	return resample.TicksToBars(ticks, tf)
}

func (m *Manager) ticksFor(ctx context.Context, src source.Source, symbol string, gap model.CoverageRange) ([]model.Tick, error) {
	covered, err := m.store.Coverage(ctx, symbol, model.TFTick)
	if err != nil {
		return nil, err
	}
	for _, r := range covered {
		if r.Contains(gap.Start, gap.End) {
			return m.store.QueryTicks(ctx, symbol, gap.Start, gap.End)
		}
	}

	ticks, err := m.fetchTicks(ctx, src, symbol, gap.Start, gap.End)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	tickRange := model.CoverageRange{
		Symbol:    symbol,
		Timeframe: model.TFTick,
		Start:     gap.Start,
		End:       gap.End,
	}
	if err := m.store.WriteTicks(ctx, ticks, tickRange); err != nil {
		return nil, err
	}
	m.met.RecordsStored.WithLabelValues("ticks").Add(float64(len(ticks)))
	m.met.CoverageSpan.WithLabelValues(symbol, string(model.TFTick)).Add(gap.End.Sub(gap.Start).Seconds())
	m.invalidate(symbol, model.TFTick)
	return ticks, nil
}

func (m *Manager) fetchTicks(ctx context.Context, src source.Source, symbol string, start, end time.Time) ([]model.Tick, error) {
	m.met.SourceRequests.WithLabelValues(src.Name()).Inc()
	ticks, err := src.FetchTicks(ctx, symbol, start, end)
	if err != nil {
		m.met.GapFailures.WithLabelValues(src.Name()).Inc()
		return nil, err
	}
	return ticks, nil
}

// invalidate bumps the Redis generation for a series after a write or
// delete. Best-effort with its own deadline so a slow cache never stalls
// the request path.
func (m *Manager) invalidate(symbol string, tf model.Timeframe) {
	if m.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m.cache.Invalidate(ctx, symbol, tf)
}
