package resample

import (
	"errors"
	"reflect"
	"testing"
	"time"

	"tickvault/internal/model"
)

func tick(sec int, bid float64) model.Tick {
	base := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	return model.Tick{
		Symbol:    "EURUSD",
		Time:      base.Add(time.Duration(sec) * time.Second),
		Bid:       bid,
		Ask:       bid + 0.0002,
		BidVolume: 1.0,
		AskVolume: 0.5,
	}
}

func TestTicksToBars_BucketsAndOHLCV(t *testing.T) {
	ticks := []model.Tick{
		// minute 10:00
		tick(0, 1.1000),
		tick(20, 1.1010),
		tick(59, 1.0990),
		// minute 10:02 (10:01 empty, must be omitted)
		tick(125, 1.1005),
	}

	bars, err := TicksToBars(ticks, model.TF1m)
	if err != nil {
		t.Fatalf("TicksToBars: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("expected 2 bars, got %d: %+v", len(bars), bars)
	}

	first := bars[0]
	if !first.OpenTime.Equal(time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("first bar open time = %s", first.OpenTime)
	}
	if first.Open != 1.1000 || first.Close != 1.0990 {
		t.Errorf("open/close = %v/%v, want 1.1000/1.0990", first.Open, first.Close)
	}
	if first.High != 1.1010 || first.Low != 1.0990 {
		t.Errorf("high/low = %v/%v, want 1.1010/1.0990", first.High, first.Low)
	}
	if first.Volume != 4.5 { // 3 ticks * (1.0 + 0.5)
		t.Errorf("volume = %v, want 4.5", first.Volume)
	}

	if !bars[1].OpenTime.Equal(time.Date(2024, 2, 1, 10, 2, 0, 0, time.UTC)) {
		t.Errorf("second bar open time = %s, want 10:02", bars[1].OpenTime)
	}

	for _, b := range bars {
		if err := b.Validate(); err != nil {
			t.Errorf("resampled bar invalid: %v", err)
		}
	}
}

func TestTicksToBars_Deterministic(t *testing.T) {
	ticks := []model.Tick{tick(0, 1.2), tick(10, 1.3), tick(70, 1.25)}
	a, err := TicksToBars(ticks, model.TF1m)
	if err != nil {
		t.Fatal(err)
	}
	b, err := TicksToBars(ticks, model.TF1m)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a, b) {
		t.Errorf("resampling not deterministic:\n%+v\n%+v", a, b)
	}
}

func TestTicksToBars_RejectsTickTimeframe(t *testing.T) {
	if _, err := TicksToBars([]model.Tick{tick(0, 1.0)}, model.TFTick); !errors.Is(err, model.ErrIncompatibleTimeframe) {
		t.Errorf("expected ErrIncompatibleTimeframe, got %v", err)
	}
}

func minuteBar(i int, open, high, low, close_, vol float64) model.Bar {
	openTime := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC).Add(time.Duration(i) * time.Minute)
	return model.Bar{
		Symbol: "BTCUSDT", Timeframe: model.TF1m, OpenTime: openTime,
		Open: open, High: high, Low: low, Close: close_, Volume: vol,
	}
}

func TestBarsToBars_SixtyMinutesIntoOneHour(t *testing.T) {
	var bars []model.Bar
	for i := 0; i < 60; i++ {
		bars = append(bars, minuteBar(i, 100+float64(i), 110+float64(i), 90+float64(i), 105+float64(i), 2))
	}

	hourly, err := BarsToBars(bars, model.TF1h)
	if err != nil {
		t.Fatalf("BarsToBars: %v", err)
	}
	if len(hourly) != 1 {
		t.Fatalf("expected 1 hourly bar, got %d", len(hourly))
	}

	h := hourly[0]
	if h.Open != 100 {
		t.Errorf("open = %v, want first bar's open 100", h.Open)
	}
	if h.Close != 105+59 {
		t.Errorf("close = %v, want last bar's close %v", h.Close, 105+59)
	}
	if h.High != 110+59 {
		t.Errorf("high = %v, want max of highs %v", h.High, 110+59)
	}
	if h.Low != 90 {
		t.Errorf("low = %v, want min of lows 90", h.Low)
	}
	if h.Volume != 120 {
		t.Errorf("volume = %v, want sum 120", h.Volume)
	}
	if !h.OpenTime.Equal(time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("open time = %s, want 09:00", h.OpenTime)
	}
}

func TestBarsToBars_NonMultipleFails(t *testing.T) {
	bars := []model.Bar{minuteBar(0, 1, 2, 0.5, 1.5, 1)}
	bars[0].Timeframe = model.TF1h
	bars[0].OpenTime = model.TF1h.Truncate(bars[0].OpenTime)

	if _, err := BarsToBars(bars, model.TF15m); !errors.Is(err, model.ErrIncompatibleTimeframe) {
		t.Errorf("expected ErrIncompatibleTimeframe, got %v", err)
	}
}

func TestBarsToBars_Empty(t *testing.T) {
	out, err := BarsToBars(nil, model.TF1h)
	if err != nil || out != nil {
		t.Errorf("empty input: got %v, %v", out, err)
	}
}
