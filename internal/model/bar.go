package model

import (
	"fmt"
	"time"
)

// Bar is one OHLCV candle. OpenTime is the bucket start (UTC), aligned to
// an exact multiple of the timeframe duration since epoch.
type Bar struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	OpenTime  time.Time `json:"open_time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Validate checks the bar's intrinsic invariants.
func (b Bar) Validate() error {
	if b.Symbol == "" {
		return fmt.Errorf("bar: empty symbol")
	}
	if !b.Timeframe.IsBar() {
		return fmt.Errorf("bar %s: invalid timeframe %q", b.Symbol, b.Timeframe)
	}
	if !b.Timeframe.Truncate(b.OpenTime).Equal(b.OpenTime) {
		return fmt.Errorf("bar %s %s: open time %s not aligned to bucket",
			b.Symbol, b.Timeframe, b.OpenTime.Format(time.RFC3339))
	}
	if b.High < b.Open || b.High < b.Close {
		return fmt.Errorf("bar %s %s @ %s: high %v below open/close",
			b.Symbol, b.Timeframe, b.OpenTime.Format(time.RFC3339), b.High)
	}
	if b.Low > b.Open || b.Low > b.Close {
		return fmt.Errorf("bar %s %s @ %s: low %v above open/close",
			b.Symbol, b.Timeframe, b.OpenTime.Format(time.RFC3339), b.Low)
	}
	return nil
}

// CloseTime returns the exclusive end of the bar's bucket.
func (b Bar) CloseTime() time.Time {
	return b.OpenTime.Add(b.Timeframe.Duration())
}
