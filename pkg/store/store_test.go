package store

import (
	"errors"
	"testing"
	"time"

	"github.com/Sternrassler/cpi-ingest/pkg/timeseries"
)

func month(year int, m time.Month) time.Time {
	return time.Date(year, m, 1, 0, 0, 0, 0, time.UTC)
}

func TestCheckAppend(t *testing.T) {
	may, june, july := month(2023, time.May), month(2023, time.June), month(2023, time.July)

	tests := []struct {
		name    string
		after   time.Time
		rows    []timeseries.DerivedRow
		want    time.Time
		wantErr bool
	}{
		{
			name:  "first append",
			after: time.Time{},
			rows:  []timeseries.DerivedRow{{Date: may, Series: "a", Value: 1}},
			want:  may,
		},
		{
			name:  "advances to latest row",
			after: may,
			rows:  []timeseries.DerivedRow{{Date: july, Series: "a"}, {Date: june, Series: "b"}},
			want:  july,
		},
		{
			name:    "row at mark",
			after:   june,
			rows:    []timeseries.DerivedRow{{Date: june, Series: "a"}},
			wantErr: true,
		},
		{
			name:    "no rows",
			after:   may,
			wantErr: true,
		},
		{
			name:    "missing series",
			after:   may,
			rows:    []timeseries.DerivedRow{{Date: june}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CheckAppend(tt.after, tt.rows)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidInput) {
					t.Errorf("CheckAppend() error = %v, want ErrInvalidInput", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("CheckAppend() error = %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("CheckAppend() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSameMark(t *testing.T) {
	may := month(2023, time.May)

	if !SameMark(time.Time{}, time.Time{}, false) {
		t.Error("empty dataset should match zero expectation")
	}
	if SameMark(may, time.Time{}, false) {
		t.Error("empty dataset should not match a non-zero expectation")
	}
	if !SameMark(may, may, true) {
		t.Error("equal marks should match")
	}
	if SameMark(time.Time{}, may, true) {
		t.Error("written dataset should not match zero expectation")
	}
}

func TestWriteError(t *testing.T) {
	err := WriteError("cpi-u", ErrStaleHighWaterMark)
	if !errors.Is(err, ErrStoreWrite) || !errors.Is(err, ErrStaleHighWaterMark) {
		t.Errorf("WriteError() = %v, should match both sentinels", err)
	}
}
