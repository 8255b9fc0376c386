// Package store defines the append-only dataset store used by the publisher.
//
// A store holds the derived rows of one dataset together with its high-water
// mark: the latest date written. The mark only moves through AppendAfter, which
// writes rows and advances the mark atomically.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/cpi-ingest/pkg/timeseries"
)

var (
	// ErrStoreWrite indicates an append did not complete. The high-water mark is
	// unchanged and the same period can be retried.
	ErrStoreWrite = errors.New("store write failed")

	// ErrStaleHighWaterMark indicates the mark moved since the caller read it.
	ErrStaleHighWaterMark = errors.New("stale high-water mark")

	// ErrInvalidInput is returned when rows do not satisfy the append contract.
	ErrInvalidInput = errors.New("invalid input")
)

// Store is an append-only dataset with a high-water mark.
type Store interface {
	// ReadHighWaterMark returns the latest written date. ok is false when the
	// dataset is empty.
	ReadHighWaterMark(ctx context.Context) (hwm time.Time, ok bool, err error)

	// AppendAfter writes rows and advances the mark to the latest row date, as
	// long as the current mark still equals after (zero time for an empty
	// dataset). All rows must be dated after it. Failures wrap ErrStoreWrite.
	AppendAfter(ctx context.Context, after time.Time, rows []timeseries.DerivedRow) error

	// Rows returns the dataset ordered by date, then by insertion order.
	Rows(ctx context.Context) ([]timeseries.DerivedRow, error)
}

// CheckAppend validates rows against the expected mark and returns the new mark.
func CheckAppend(after time.Time, rows []timeseries.DerivedRow) (time.Time, error) {
	if len(rows) == 0 {
		return time.Time{}, fmt.Errorf("%w: no rows", ErrInvalidInput)
	}

	var next time.Time
	for _, r := range rows {
		if r.Series == "" {
			return time.Time{}, fmt.Errorf("%w: row at %s has no series", ErrInvalidInput, r.Date.Format("2006-01-02"))
		}
		if !after.IsZero() && !r.Date.After(after) {
			return time.Time{}, fmt.Errorf("%w: row %s at %s is not after %s",
				ErrInvalidInput, r.Series, r.Date.Format("2006-01-02"), after.Format("2006-01-02"))
		}
		if r.Date.After(next) {
			next = r.Date
		}
	}
	return timeseries.MonthStart(next), nil
}

// SameMark reports whether a stored mark matches the caller's expectation.
func SameMark(expected time.Time, current time.Time, ok bool) bool {
	if !ok {
		return expected.IsZero()
	}
	return !expected.IsZero() && current.Equal(expected)
}

// WriteError wraps cause as a write failure for dataset.
func WriteError(dataset string, cause error) error {
	return fmt.Errorf("%w: dataset %s: %w", ErrStoreWrite, dataset, cause)
}
