package timeseries

import (
	"fmt"
	"sort"
	"time"
)

// Table is a wide, date-ascending table of monthly values: one row per date,
// one column per series. Cells may be missing.
type Table struct {
	dates   []time.Time
	index   map[int]int
	columns []column
}

type column struct {
	name    string
	values  []float64
	present []bool
}

// monthKey maps a date to a comparable month number.
func monthKey(t time.Time) int {
	return t.Year()*12 + int(t.Month()) - 1
}

// FromObservations builds a table with the given column order from a set of
// observations. The index is the ascending union of all observation dates.
// Observations for unknown columns or repeated (date, series) pairs are errors.
func FromObservations(columns []string, obs []Observation) (*Table, error) {
	seen := make(map[int]time.Time)
	for _, o := range obs {
		seen[monthKey(o.Date)] = MonthStart(o.Date)
	}
	dates := make([]time.Time, 0, len(seen))
	for _, d := range seen {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	t := newTable(dates)
	colIdx := make(map[string]int, len(columns))
	for _, name := range columns {
		if _, dup := colIdx[name]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateColumn, name)
		}
		colIdx[name] = len(t.columns)
		t.columns = append(t.columns, column{
			name:    name,
			values:  make([]float64, len(dates)),
			present: make([]bool, len(dates)),
		})
	}

	for _, o := range obs {
		ci, ok := colIdx[o.Series]
		if !ok {
			return nil, fmt.Errorf("observation for unknown column %q", o.Series)
		}
		ri := t.index[monthKey(o.Date)]
		c := &t.columns[ci]
		if c.present[ri] {
			return nil, fmt.Errorf("duplicate observation for %q at %s", o.Series, o.Date.Format("2006-01"))
		}
		c.values[ri] = o.Value
		c.present[ri] = true
	}
	return t, nil
}

func newTable(dates []time.Time) *Table {
	t := &Table{
		dates: dates,
		index: make(map[int]int, len(dates)),
	}
	for i, d := range dates {
		t.index[monthKey(d)] = i
	}
	return t
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.dates)
}

// Dates returns a copy of the date index.
func (t *Table) Dates() []time.Time {
	out := make([]time.Time, len(t.dates))
	copy(out, t.dates)
	return out
}

// Columns returns the column names in table order.
func (t *Table) Columns() []string {
	names := make([]string, len(t.columns))
	for i, c := range t.columns {
		names[i] = c.name
	}
	return names
}

// HasDate reports whether date is part of the index.
func (t *Table) HasDate(date time.Time) bool {
	_, ok := t.index[monthKey(date)]
	return ok
}

// Complete reports whether date is in the index and every column has a value there.
func (t *Table) Complete(date time.Time) bool {
	ri, ok := t.index[monthKey(date)]
	if !ok || len(t.columns) == 0 {
		return false
	}
	for _, c := range t.columns {
		if !c.present[ri] {
			return false
		}
	}
	return true
}

// Value returns the cell for (date, column).
func (t *Table) Value(date time.Time, name string) (float64, bool) {
	ri, ok := t.index[monthKey(date)]
	if !ok {
		return 0, false
	}
	for _, c := range t.columns {
		if c.name == name {
			return c.values[ri], c.present[ri]
		}
	}
	return 0, false
}

// Last returns the most recent date in the index.
func (t *Table) Last() (time.Time, bool) {
	if len(t.dates) == 0 {
		return time.Time{}, false
	}
	return t.dates[len(t.dates)-1], true
}

// ColumnValues returns the cells of one column in date order.
func (t *Table) ColumnValues(name string) (values []float64, present []bool, ok bool) {
	for _, c := range t.columns {
		if c.name == name {
			values = make([]float64, len(c.values))
			present = make([]bool, len(c.present))
			copy(values, c.values)
			copy(present, c.present)
			return values, present, true
		}
	}
	return nil, nil, false
}
