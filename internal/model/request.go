package model

import (
	"fmt"
	"time"
)

// DataType selects between tick and bar series.
type DataType string

const (
	DataTypeBars  DataType = "bars"
	DataTypeTicks DataType = "ticks"
)

// ParseDataType converts a string into a DataType.
func ParseDataType(s string) (DataType, error) {
	switch DataType(s) {
	case DataTypeBars:
		return DataTypeBars, nil
	case DataTypeTicks:
		return DataTypeTicks, nil
	}
	return "", fmt.Errorf("%w: unknown data type %q", ErrInvalidRequest, s)
}

// DataRequest describes one query: a symbol, a half-open UTC time range,
// a timeframe and the series kind. Constructed per call and discarded
// after the response.
type DataRequest struct {
	Symbol    string
	Start     time.Time
	End       time.Time
	Timeframe Timeframe
	DataType  DataType
}

// SeriesTimeframe returns the timeframe under which the requested series
// is stored: the bar timeframe for bars, TFTick for ticks.
func (r DataRequest) SeriesTimeframe() Timeframe {
	if r.DataType == DataTypeTicks {
		return TFTick
	}
	return r.Timeframe
}

// Validate rejects malformed requests. All failures wrap ErrInvalidRequest.
func (r DataRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidRequest)
	}
	if !r.Start.Before(r.End) {
		return fmt.Errorf("%w: start %s not before end %s", ErrInvalidRequest,
			r.Start.Format(time.RFC3339), r.End.Format(time.RFC3339))
	}
	switch r.DataType {
	case DataTypeBars:
		if !r.Timeframe.IsBar() {
			return fmt.Errorf("%w: timeframe %q not valid for bars", ErrInvalidRequest, r.Timeframe)
		}
	case DataTypeTicks:
		if r.Timeframe != TFTick && r.Timeframe != "" {
			return fmt.Errorf("%w: tick requests take no bar timeframe (got %q)", ErrInvalidRequest, r.Timeframe)
		}
	default:
		return fmt.Errorf("%w: unknown data type %q", ErrInvalidRequest, r.DataType)
	}
	return nil
}
