// Package scheduler keeps configured series warm by periodically fetching
// the trailing lookback window through the manager, so interactive
// requests hit local coverage instead of the remote sources.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"tickvault/internal/manager"
	"tickvault/internal/metrics"
	"tickvault/internal/model"

	"github.com/robfig/cron/v3"
)

// Series is one sync target: a symbol and timeframe refreshed over a
// trailing window.
type Series struct {
	Symbol    string
	Timeframe model.Timeframe // TFTick for tick series
	Lookback  time.Duration
}

// ParseSeries parses "SYMBOL/timeframe/lookback", e.g. "EURUSD/tick/24h"
// or "BTCUSDT/1h/72h".
func ParseSeries(s string) (Series, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return Series{}, fmt.Errorf("series %q: want SYMBOL/timeframe/lookback", s)
	}
	tf, err := model.ParseTimeframe(parts[1])
	if err != nil {
		return Series{}, fmt.Errorf("series %q: %w", s, err)
	}
	lookback, err := time.ParseDuration(parts[2])
	if err != nil || lookback <= 0 {
		return Series{}, fmt.Errorf("series %q: bad lookback %q", s, parts[2])
	}
	return Series{Symbol: parts[0], Timeframe: tf, Lookback: lookback}, nil
}

// Scheduler runs periodic sync passes on a cron spec.
type Scheduler struct {
	cron   *cron.Cron
	mgr    *manager.Manager
	met    *metrics.Metrics
	log    *slog.Logger
	series []Series
}

// New builds a scheduler firing Sync on the given cron spec.
func New(mgr *manager.Manager, met *metrics.Metrics, log *slog.Logger, spec string, series []Series) (*Scheduler, error) {
	s := &Scheduler{
		cron:   cron.New(),
		mgr:    mgr,
		met:    met,
		log:    log,
		series: series,
	}
	if _, err := s.cron.AddFunc(spec, func() { s.Sync(context.Background()) }); err != nil {
		return nil, fmt.Errorf("cron spec %q: %w", spec, err)
	}
	return s, nil
}

// Start begins firing on schedule.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the schedule; the returned context is done when any running
// pass has finished.
func (s *Scheduler) Stop() context.Context { return s.cron.Stop() }

// Sync refreshes every configured series once. A failing series never
// blocks the others; partial results are only worth a warning since the
// next pass retries the hole.
func (s *Scheduler) Sync(ctx context.Context) {
	s.met.SyncRuns.Inc()
	now := time.Now().UTC()

	for _, sr := range s.series {
		req := syncRequest(sr, now)
		_, err := s.mgr.Fetch(ctx, req)

		var partial *model.PartialResultError
		switch {
		case err == nil:
			s.log.Debug("series synced",
				slog.String("symbol", sr.Symbol),
				slog.String("timeframe", string(sr.Timeframe)))
		case errors.As(err, &partial):
			s.log.Warn("series sync left holes",
				slog.String("symbol", sr.Symbol),
				slog.String("timeframe", string(sr.Timeframe)),
				slog.Int("unresolved", len(partial.Unresolved)))
		default:
			s.log.Error("series sync failed",
				slog.String("symbol", sr.Symbol),
				slog.String("timeframe", string(sr.Timeframe)),
				slog.Any("error", err))
		}
	}
}

// syncRequest ends the window at the last closed bucket so the pass never
// caches a bucket that is still forming.
func syncRequest(sr Series, now time.Time) model.DataRequest {
	req := model.DataRequest{Symbol: sr.Symbol}
	if sr.Timeframe == model.TFTick {
		req.DataType = model.DataTypeTicks
		req.End = now.Truncate(time.Minute)
	} else {
		req.DataType = model.DataTypeBars
		req.Timeframe = sr.Timeframe
		req.End = sr.Timeframe.Truncate(now)
	}
	req.Start = req.End.Add(-sr.Lookback)
	return req
}
