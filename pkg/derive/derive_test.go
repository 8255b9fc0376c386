package derive

import (
	"testing"
	"time"

	"github.com/Sternrassler/cpi-ingest/pkg/timeseries"
)

func month(year int, m time.Month) time.Time {
	return time.Date(year, m, 1, 0, 0, 0, 0, time.UTC)
}

func table(t *testing.T, cols []string, obs []timeseries.Observation) *timeseries.Table {
	t.Helper()
	tbl, err := timeseries.FromObservations(cols, obs)
	if err != nil {
		t.Fatalf("FromObservations() error = %v", err)
	}
	return tbl
}

func TestPercentChange_TwoPoints(t *testing.T) {
	tbl := table(t, []string{"a"}, []timeseries.Observation{
		{Date: month(2023, time.May), Series: "a", Value: 100},
		{Date: month(2023, time.June), Series: "a", Value: 110},
	})

	rows := PercentChange(tbl)
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
	if !rows[0].Date.Equal(month(2023, time.June)) || rows[0].Series != "a" || rows[0].Value != 10.0 {
		t.Errorf("row = %+v, want (2023-06-01, a, 10.0)", rows[0])
	}
}

func TestPercentChange_SinglePoint(t *testing.T) {
	tbl := table(t, []string{"a"}, []timeseries.Observation{
		{Date: month(2023, time.June), Series: "a", Value: 110},
	})
	if rows := PercentChange(tbl); len(rows) != 0 {
		t.Errorf("len(rows) = %d, want 0", len(rows))
	}
}

func TestPercentChange_OrderingAndGaps(t *testing.T) {
	// b is missing April, so May has no prior value for b.
	tbl := table(t, []string{"b", "a"}, []timeseries.Observation{
		{Date: month(2023, time.April), Series: "a", Value: 50},
		{Date: month(2023, time.May), Series: "a", Value: 100},
		{Date: month(2023, time.June), Series: "a", Value: 110},
		{Date: month(2023, time.May), Series: "b", Value: 200},
		{Date: month(2023, time.June), Series: "b", Value: 210},
	})

	rows := PercentChange(tbl)
	want := []timeseries.DerivedRow{
		{Date: month(2023, time.May), Series: "a", Value: 100},
		{Date: month(2023, time.June), Series: "b", Value: 5},
		{Date: month(2023, time.June), Series: "a", Value: 10},
	}
	if len(rows) != len(want) {
		t.Fatalf("rows = %+v, want %+v", rows, want)
	}
	for i := range want {
		if !rows[i].Date.Equal(want[i].Date) || rows[i].Series != want[i].Series || rows[i].Value != want[i].Value {
			t.Errorf("row %d = %+v, want %+v", i, rows[i], want[i])
		}
	}
}

func TestPercentChange_ZeroPrior(t *testing.T) {
	tbl := table(t, []string{"a"}, []timeseries.Observation{
		{Date: month(2023, time.May), Series: "a", Value: 0},
		{Date: month(2023, time.June), Series: "a", Value: 5},
	})
	if rows := PercentChange(tbl); len(rows) != 0 {
		t.Errorf("rows = %+v, want none", rows)
	}
}

func TestPercentChange_Negative(t *testing.T) {
	tbl := table(t, []string{"a"}, []timeseries.Observation{
		{Date: month(2023, time.May), Series: "a", Value: 200},
		{Date: month(2023, time.June), Series: "a", Value: 199},
	})
	rows := PercentChange(tbl)
	if len(rows) != 1 || rows[0].Value != -0.5 {
		t.Errorf("rows = %+v, want single -0.5", rows)
	}
}
