package model

import (
	"fmt"
	"time"
)

// Tick is a single bid/ask quote with millisecond UTC timestamp.
type Tick struct {
	Symbol    string    `json:"symbol"`
	Time      time.Time `json:"time"` // UTC, millisecond precision
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	BidVolume float64   `json:"bid_volume"`
	AskVolume float64   `json:"ask_volume"`
}

// Validate checks the tick's intrinsic invariants.
func (t Tick) Validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("tick: empty symbol")
	}
	if t.Bid <= 0 || t.Ask <= 0 {
		return fmt.Errorf("tick %s @ %s: non-positive price (bid=%v ask=%v)",
			t.Symbol, t.Time.Format(time.RFC3339Nano), t.Bid, t.Ask)
	}
	return nil
}

// ValidateTicks checks a fetched batch: every tick valid and timestamps
// non-decreasing.
func ValidateTicks(ticks []Tick) error {
	for i, t := range ticks {
		if err := t.Validate(); err != nil {
			return err
		}
		if i > 0 && t.Time.Before(ticks[i-1].Time) {
			return fmt.Errorf("tick batch: timestamps not monotonic at index %d (%s < %s)",
				i, t.Time.Format(time.RFC3339Nano), ticks[i-1].Time.Format(time.RFC3339Nano))
		}
	}
	return nil
}
