package timeseries

import (
	"fmt"
	"time"
)

// Merge concatenates tables column-wise. Every table must carry exactly the same
// date index; a mismatch is reported as ErrIndexMismatch and never repaired by
// reindexing.
// Columns keep input order; a name appearing twice is ErrDuplicateColumn.
func Merge(tables ...*Table) (*Table, error) {
	if len(tables) == 0 {
		return nil, fmt.Errorf("merge: no tables")
	}

	base := tables[0].dates
	for i, t := range tables[1:] {
		if !sameIndex(base, t.dates) {
			return nil, indexMismatch(i+1, base, t.dates)
		}
	}

	out := newTable(tables[0].Dates())
	names := make(map[string]struct{})
	for _, t := range tables {
		for _, c := range t.columns {
			if _, dup := names[c.name]; dup {
				return nil, fmt.Errorf("%w: %q", ErrDuplicateColumn, c.name)
			}
			names[c.name] = struct{}{}

			values := make([]float64, len(c.values))
			present := make([]bool, len(c.present))
			copy(values, c.values)
			copy(present, c.present)
			out.columns = append(out.columns, column{name: c.name, values: values, present: present})
		}
	}
	return out, nil
}

func sameIndex(a, b []time.Time) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if monthKey(a[i]) != monthKey(b[i]) {
			return false
		}
	}
	return true
}
