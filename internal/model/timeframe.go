package model

import (
	"fmt"
	"time"
)

// Timeframe is a bar aggregation interval, e.g. "1m", "4h", "1d".
// The special value TFTick identifies raw tick series in the store.
type Timeframe string

const (
	TFTick Timeframe = "tick"
	TF1m   Timeframe = "1m"
	TF3m   Timeframe = "3m"
	TF5m   Timeframe = "5m"
	TF15m  Timeframe = "15m"
	TF30m  Timeframe = "30m"
	TF1h   Timeframe = "1h"
	TF2h   Timeframe = "2h"
	TF4h   Timeframe = "4h"
	TF6h   Timeframe = "6h"
	TF8h   Timeframe = "8h"
	TF12h  Timeframe = "12h"
	TF1d   Timeframe = "1d"
	TF3d   Timeframe = "3d"
	TF1w   Timeframe = "1w"
	TF1M   Timeframe = "1M"
)

// tfDurations maps bar timeframes to fixed durations. Weeks are 7 days and
// months are 30 days so that bucket alignment stays a pure function of the
// Unix timestamp.
var tfDurations = map[Timeframe]time.Duration{
	TF1m:  time.Minute,
	TF3m:  3 * time.Minute,
	TF5m:  5 * time.Minute,
	TF15m: 15 * time.Minute,
	TF30m: 30 * time.Minute,
	TF1h:  time.Hour,
	TF2h:  2 * time.Hour,
	TF4h:  4 * time.Hour,
	TF6h:  6 * time.Hour,
	TF8h:  8 * time.Hour,
	TF12h: 12 * time.Hour,
	TF1d:  24 * time.Hour,
	TF3d:  72 * time.Hour,
	TF1w:  7 * 24 * time.Hour,
	TF1M:  30 * 24 * time.Hour,
}

// Timeframes lists all supported bar timeframes in ascending duration order.
var Timeframes = []Timeframe{
	TF1m, TF3m, TF5m, TF15m, TF30m,
	TF1h, TF2h, TF4h, TF6h, TF8h, TF12h,
	TF1d, TF3d, TF1w, TF1M,
}

// ParseTimeframe converts a string like "15m" into a Timeframe.
// "tick" is accepted and maps to TFTick.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if tf == TFTick {
		return tf, nil
	}
	if _, ok := tfDurations[tf]; !ok {
		return "", fmt.Errorf("%w: unknown timeframe %q", ErrInvalidRequest, s)
	}
	return tf, nil
}

// Valid reports whether tf is a known bar timeframe or TFTick.
func (tf Timeframe) Valid() bool {
	if tf == TFTick {
		return true
	}
	_, ok := tfDurations[tf]
	return ok
}

// IsBar reports whether tf denotes a bar series (anything but TFTick).
func (tf Timeframe) IsBar() bool {
	_, ok := tfDurations[tf]
	return ok
}

// Duration returns the fixed duration of a bar timeframe. TFTick and
// unknown values return 0.
func (tf Timeframe) Duration() time.Duration {
	return tfDurations[tf]
}

// Truncate aligns t down to the start of its tf bucket. Alignment is done
// on Unix milliseconds so that bucket starts are exact multiples of the
// timeframe duration since epoch, regardless of calendar.
func (tf Timeframe) Truncate(t time.Time) time.Time {
	d := tf.Duration().Milliseconds()
	if d <= 0 {
		return t.UTC()
	}
	ms := t.UnixMilli()
	rem := ms % d
	if rem < 0 {
		// Floor division: pre-epoch timestamps still align downward.
		rem += d
	}
	return time.UnixMilli(ms - rem).UTC()
}

// IsMultipleOf reports whether tf is an exact integer multiple of src,
// which is the precondition for aggregating src bars into tf bars.
func (tf Timeframe) IsMultipleOf(src Timeframe) bool {
	td, sd := tf.Duration(), src.Duration()
	if td <= 0 || sd <= 0 {
		return false
	}
	return td >= sd && td%sd == 0
}

func (tf Timeframe) String() string { return string(tf) }
