// Package timeseries holds the monthly series data model shared by the
// fetcher, the publication gate, the metric deriver and the dataset stores.
package timeseries

import (
	"fmt"
	"time"
)

// Series identifies one upstream series and the column name it is stored under.
type Series struct {
	// ID is the upstream series identifier (e.g. "CUUR0000SA0").
	ID string `json:"id"`

	// Name is the display name used as the table column.
	Name string `json:"name"`
}

// DateRange is an inclusive range of calendar years.
type DateRange struct {
	StartYear int
	EndYear   int
}

// Validate checks that the range is well formed.
func (r DateRange) Validate() error {
	if r.StartYear <= 0 || r.EndYear <= 0 {
		return fmt.Errorf("invalid year range %d-%d", r.StartYear, r.EndYear)
	}
	if r.StartYear > r.EndYear {
		return fmt.Errorf("start year %d after end year %d", r.StartYear, r.EndYear)
	}
	return nil
}

// LookbackRange returns the range covering target's year and the preceding
// lookbackYears years. At least one previous year is always included so a
// January target still has a prior period.
func LookbackRange(target time.Time, lookbackYears int) DateRange {
	if lookbackYears < 1 {
		lookbackYears = 1
	}
	return DateRange{
		StartYear: target.Year() - lookbackYears,
		EndYear:   target.Year(),
	}
}

// SeriesRequest is one request for a set of series over a year range.
// Series order defines column order.
type SeriesRequest struct {
	Series []Series
	Range  DateRange
}

// IDs returns the upstream identifiers in request order.
func (r SeriesRequest) IDs() []string {
	ids := make([]string, len(r.Series))
	for i, s := range r.Series {
		ids[i] = s.ID
	}
	return ids
}

// Validate checks that ids and names are unique and non-empty.
func (r SeriesRequest) Validate() error {
	if len(r.Series) == 0 {
		return fmt.Errorf("series request is empty")
	}
	ids := make(map[string]struct{}, len(r.Series))
	names := make(map[string]struct{}, len(r.Series))
	for _, s := range r.Series {
		if s.ID == "" || s.Name == "" {
			return fmt.Errorf("series id and name are required (got %q/%q)", s.ID, s.Name)
		}
		if _, dup := ids[s.ID]; dup {
			return fmt.Errorf("duplicate series id %q", s.ID)
		}
		if _, dup := names[s.Name]; dup {
			return fmt.Errorf("duplicate series name %q", s.Name)
		}
		ids[s.ID] = struct{}{}
		names[s.Name] = struct{}{}
	}
	return r.Range.Validate()
}

// Partition splits a request into chunks of at most quota series, all sharing
// the same date range. Chunk order follows series order.
func Partition(req SeriesRequest, quota int) ([]SeriesRequest, error) {
	if quota <= 0 {
		return nil, fmt.Errorf("chunk quota must be positive (got %d)", quota)
	}

	chunks := make([]SeriesRequest, 0, (len(req.Series)+quota-1)/quota)
	for start := 0; start < len(req.Series); start += quota {
		end := min(start+quota, len(req.Series))
		series := make([]Series, end-start)
		copy(series, req.Series[start:end])
		chunks = append(chunks, SeriesRequest{Series: series, Range: req.Range})
	}
	return chunks, nil
}

// Observation is a single monthly value of one series.
type Observation struct {
	Date   time.Time
	Series string
	Value  float64
}

// DerivedRow is one derived metric value, stored in the dataset.
type DerivedRow struct {
	Date   time.Time `json:"date"`
	Series string    `json:"series"`
	Value  float64   `json:"value"`
}

// MonthStart normalizes t to the first day of its month at UTC midnight.
func MonthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// PreviousMonth returns the first day of the month before now. CPI for month M
// is released during month M+1, so this is the period a cycle normally waits for.
func PreviousMonth(now time.Time) time.Time {
	return MonthStart(now).AddDate(0, -1, 0)
}

// ParseMonth parses "2006-01" or "2006-01-02" into a month start.
func ParseMonth(s string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", "2006-01"} {
		if t, err := time.Parse(layout, s); err == nil {
			return MonthStart(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("parse month %q: expected YYYY-MM or YYYY-MM-DD", s)
}
