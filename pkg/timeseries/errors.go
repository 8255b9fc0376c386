package timeseries

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrEmptySeries is returned when a requested series has no observations in
	// range. Callers polling for a release treat it as "not yet published".
	ErrEmptySeries = errors.New("empty series")

	// ErrIndexMismatch is returned when tables to be merged do not share an
	// identical date index.
	ErrIndexMismatch = errors.New("date index mismatch")

	// ErrDuplicateColumn is returned when tables to be merged share a column name.
	ErrDuplicateColumn = errors.New("duplicate column")
)

// EmptySeriesError names the series that came back without observations.
type EmptySeriesError struct {
	SeriesIDs []string
	Range     DateRange
}

// Error implements the error interface.
func (e *EmptySeriesError) Error() string {
	return fmt.Sprintf("no observations for series [%s] in %d-%d",
		strings.Join(e.SeriesIDs, ", "), e.Range.StartYear, e.Range.EndYear)
}

// Is matches ErrEmptySeries.
func (e *EmptySeriesError) Is(target error) bool {
	return target == ErrEmptySeries
}

func indexMismatch(i int, want, got []time.Time) error {
	return fmt.Errorf("%w: table %d has %d dates (%s), expected %d (%s)",
		ErrIndexMismatch, i, len(got), spanString(got), len(want), spanString(want))
}

func spanString(dates []time.Time) string {
	if len(dates) == 0 {
		return "empty"
	}
	return dates[0].Format("2006-01") + ".." + dates[len(dates)-1].Format("2006-01")
}
