package model

import (
	"sort"
	"time"
)

// CoverageRange is a half-open interval [Start, End) known to be fully
// persisted for a (symbol, timeframe) series. Per-series coverage is kept
// minimal: no two stored ranges overlap or touch.
type CoverageRange struct {
	Symbol    string    `json:"symbol"`
	Timeframe Timeframe `json:"timeframe"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

// IsZero reports whether the range is empty or inverted.
func (r CoverageRange) IsZero() bool {
	return !r.Start.Before(r.End)
}

// Contains reports whether [start, end) lies entirely inside r.
func (r CoverageRange) Contains(start, end time.Time) bool {
	return !r.Start.After(start) && !r.End.Before(end)
}

// Overlaps reports whether r intersects [start, end).
func (r CoverageRange) Overlaps(start, end time.Time) bool {
	return r.Start.Before(end) && start.Before(r.End)
}

// mergeable reports whether two ranges overlap or are adjacent.
func mergeable(a, b CoverageRange) bool {
	return !a.Start.After(b.End) && !b.Start.After(a.End)
}

// MergeRanges coalesces overlapping and adjacent ranges into a minimal,
// sorted interval set. Symbol/timeframe are taken from the first input;
// callers only merge ranges of one series.
func MergeRanges(ranges []CoverageRange) []CoverageRange {
	if len(ranges) == 0 {
		return nil
	}
	sorted := make([]CoverageRange, len(ranges))
	copy(sorted, ranges)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start.Before(sorted[j].Start) })

	out := []CoverageRange{sorted[0]}
	for _, r := range sorted[1:] {
		last := &out[len(out)-1]
		if mergeable(*last, r) {
			if r.End.After(last.End) {
				last.End = r.End
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

// SubtractRanges computes the gaps of [start, end) not covered by the
// given ranges. covered must be sorted and non-overlapping (as returned by
// MergeRanges or the store). The result carries the series identity of the
// request.
func SubtractRanges(symbol string, tf Timeframe, start, end time.Time, covered []CoverageRange) []CoverageRange {
	var gaps []CoverageRange
	cursor := start
	for _, r := range covered {
		if !r.Overlaps(cursor, end) {
			continue
		}
		if r.Start.After(cursor) {
			gaps = append(gaps, CoverageRange{Symbol: symbol, Timeframe: tf, Start: cursor, End: r.Start})
		}
		if r.End.After(cursor) {
			cursor = r.End
		}
		if !cursor.Before(end) {
			return gaps
		}
	}
	if cursor.Before(end) {
		gaps = append(gaps, CoverageRange{Symbol: symbol, Timeframe: tf, Start: cursor, End: end})
	}
	return gaps
}
