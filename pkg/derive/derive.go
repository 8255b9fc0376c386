// Package derive turns a wide table of index levels into long-form
// period-over-period percent changes.
package derive

import (
	"sort"

	"github.com/Sternrassler/cpi-ingest/pkg/timeseries"
	"github.com/shopspring/decimal"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// PercentChange computes (v[t] / v[t-1] - 1) * 100 for every column, comparing
// each row with the immediately preceding row of the date-ascending table.
// Rows with no current value, no prior value or a zero prior value are dropped.
// Output is ordered by date, ties in table column order.
func PercentChange(table *timeseries.Table) []timeseries.DerivedRow {
	dates := table.Dates()
	columns := table.Columns()

	type keyed struct {
		row timeseries.DerivedRow
		col int
	}
	var out []keyed

	for ci, name := range columns {
		values, present, _ := table.ColumnValues(name)
		for ri := 1; ri < len(dates); ri++ {
			if !present[ri] || !present[ri-1] || values[ri-1] == 0 {
				continue
			}
			out = append(out, keyed{
				row: timeseries.DerivedRow{
					Date:   dates[ri],
					Series: name,
					Value:  pctChange(values[ri-1], values[ri]),
				},
				col: ci,
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].row.Date.Equal(out[j].row.Date) {
			return out[i].row.Date.Before(out[j].row.Date)
		}
		return out[i].col < out[j].col
	})

	rows := make([]timeseries.DerivedRow, len(out))
	for i, k := range out {
		rows[i] = k.row
	}
	return rows
}

// pctChange is evaluated in decimal so that e.g. 100 -> 110 yields exactly 10.
func pctChange(prev, cur float64) float64 {
	p := decimal.NewFromFloat(prev)
	c := decimal.NewFromFloat(cur)
	return c.Div(p).Sub(one).Mul(hundred).InexactFloat64()
}
