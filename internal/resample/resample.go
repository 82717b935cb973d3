// Package resample converts tick streams and fine-grained bars into
// coarser OHLCV bars. Buckets are left-closed, right-open and aligned to
// exact multiples of the timeframe duration since epoch, so output is a
// pure function of the input records and the target timeframe.
package resample

import (
	"fmt"

	"tickvault/internal/model"
)

// TicksToBars buckets ticks into tf-aligned bars. Open, high, low and
// close are taken from the bid price; volume is the sum of bid and ask
// volumes. Buckets with no ticks produce no bar. Input must be ordered by
// timestamp.
func TicksToBars(ticks []model.Tick, tf model.Timeframe) ([]model.Bar, error) {
	if !tf.IsBar() {
		return nil, fmt.Errorf("%w: cannot resample ticks into %q", model.ErrIncompatibleTimeframe, tf)
	}
	var bars []model.Bar
	for _, t := range ticks {
		bucket := tf.Truncate(t.Time)
		vol := t.BidVolume + t.AskVolume
		if n := len(bars); n > 0 && bars[n-1].OpenTime.Equal(bucket) {
			b := &bars[n-1]
			if t.Bid > b.High {
				b.High = t.Bid
			}
			if t.Bid < b.Low {
				b.Low = t.Bid
			}
			b.Close = t.Bid
			b.Volume += vol
			continue
		}
		bars = append(bars, model.Bar{
			Symbol:    t.Symbol,
			Timeframe: tf,
			OpenTime:  bucket,
			Open:      t.Bid,
			High:      t.Bid,
			Low:       t.Bid,
			Close:     t.Bid,
			Volume:    vol,
		})
	}
	return bars, nil
}

// BarsToBars aggregates bars into a coarser timeframe. The target must be
// an exact integer multiple of the source timeframe, otherwise
// ErrIncompatibleTimeframe is returned. Input must be ordered by open time
// and share one source timeframe.
func BarsToBars(bars []model.Bar, target model.Timeframe) ([]model.Bar, error) {
	if len(bars) == 0 {
		return nil, nil
	}
	src := bars[0].Timeframe
	if !target.IsMultipleOf(src) {
		return nil, fmt.Errorf("%w: %s is not an integer multiple of %s",
			model.ErrIncompatibleTimeframe, target, src)
	}
	var out []model.Bar
	for _, b := range bars {
		if b.Timeframe != src {
			return nil, fmt.Errorf("%w: mixed source timeframes %s and %s",
				model.ErrIncompatibleTimeframe, src, b.Timeframe)
		}
		bucket := target.Truncate(b.OpenTime)
		if n := len(out); n > 0 && out[n-1].OpenTime.Equal(bucket) {
			agg := &out[n-1]
			if b.High > agg.High {
				agg.High = b.High
			}
			if b.Low < agg.Low {
				agg.Low = b.Low
			}
			agg.Close = b.Close
			agg.Volume += b.Volume
			continue
		}
		out = append(out, model.Bar{
			Symbol:    b.Symbol,
			Timeframe: target,
			OpenTime:  bucket,
			Open:      b.Open,
			High:      b.High,
			Low:       b.Low,
			Close:     b.Close,
			Volume:    b.Volume,
		})
	}
	return out, nil
}
