package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidRequest marks malformed or unfulfillable requests.
	// Never retried.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrNotFound is returned by store queries against ranges with no
	// overlapping coverage.
	ErrNotFound = errors.New("no cached data for requested range")

	// ErrIncompatibleTimeframe is returned when the target timeframe is
	// not an integer multiple of the source timeframe.
	ErrIncompatibleTimeframe = errors.New("incompatible timeframe")
)

// SourceUnavailableError wraps a provider failure that survived the retry
// budget.
type SourceUnavailableError struct {
	Source string
	Err    error
}

func (e *SourceUnavailableError) Error() string {
	return fmt.Sprintf("source %s unavailable: %v", e.Source, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// PartialResultError reports that some gap sub-ranges could not be filled.
// The caller still receives every record that was resolved; Unresolved
// lists exactly the ranges that failed.
type PartialResultError struct {
	Unresolved []CoverageRange
}

func (e *PartialResultError) Error() string {
	parts := make([]string, len(e.Unresolved))
	for i, r := range e.Unresolved {
		parts[i] = fmt.Sprintf("[%s, %s)", r.Start.Format("2006-01-02T15:04:05Z"), r.End.Format("2006-01-02T15:04:05Z"))
	}
	return fmt.Sprintf("partial result: %d unresolved range(s): %s",
		len(e.Unresolved), strings.Join(parts, ", "))
}
