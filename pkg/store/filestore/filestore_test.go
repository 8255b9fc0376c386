package filestore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Sternrassler/cpi-ingest/pkg/store"
	"github.com/Sternrassler/cpi-ingest/pkg/store/storetest"
	"github.com/Sternrassler/cpi-ingest/pkg/timeseries"
	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	may  = time.Date(2023, time.May, 1, 0, 0, 0, 0, time.UTC)
	june = time.Date(2023, time.June, 1, 0, 0, 0, 0, time.UTC)
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := New(t.TempDir(), "test")
		require.NoError(t, err)
		return s
	})
}

func TestStore_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := New(dir, "cpi")
	require.NoError(t, err)
	require.NoError(t, first.AppendAfter(ctx, time.Time{}, []timeseries.DerivedRow{
		{Date: may, Series: "a", Value: 303.294},
		{Date: may, Series: "b", Value: 0.0025},
	}))

	second, err := New(dir, "cpi")
	require.NoError(t, err)

	hwm, ok, err := second.ReadHighWaterMark(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, hwm.Equal(may), "hwm = %v, want %v", hwm, may)

	require.NoError(t, second.AppendAfter(ctx, may, []timeseries.DerivedRow{{Date: june, Series: "a", Value: 303.841}}))

	// A writer holding the old mark is rejected.
	err = first.AppendAfter(ctx, may, []timeseries.DerivedRow{{Date: june, Series: "b", Value: 1}})
	assert.ErrorIs(t, err, store.ErrStaleHighWaterMark)

	rows, err := first.Rows(ctx)
	require.NoError(t, err)
	assert.Equal(t, []timeseries.DerivedRow{
		{Date: may, Series: "a", Value: 303.294},
		{Date: may, Series: "b", Value: 0.0025},
		{Date: june, Series: "a", Value: 303.841},
	}, rows)
}

func TestNew_InvalidDataset(t *testing.T) {
	for _, name := range []string{"", "../cpi", "a/b", `a\b`, ".hidden"} {
		t.Run(name, func(t *testing.T) {
			_, err := New(t.TempDir(), name)
			assert.Error(t, err)
		})
	}
}

func TestStore_CorruptFile(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"wrong header", "when,what,how much\n"},
		{"bad date", "date,series,value\n2023-13-01,a,1\n"},
		{"bad value", "date,series,value\n2023-06-01,a,high\n"},
		{"short record", "date,series,value\n2023-06-01,a\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := New(t.TempDir(), "cpi")
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(s.Path(), []byte(tt.content), 0o644))

			_, _, err = s.ReadHighWaterMark(context.Background())
			assert.ErrorIs(t, err, ErrCorruptDataset)

			err = s.AppendAfter(context.Background(), time.Time{}, []timeseries.DerivedRow{{Date: june, Series: "a"}})
			assert.ErrorIs(t, err, store.ErrStoreWrite)

			// The file is left as found.
			got, err := os.ReadFile(s.Path())
			require.NoError(t, err)
			assert.Equal(t, tt.content, string(got))
		})
	}
}

func TestAppendAfter_LockHeldElsewhere(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir, "cpi")
	require.NoError(t, err)
	s.LockTimeout = 100 * time.Millisecond

	other := flock.New(filepath.Join(dir, "cpi.csv.lock"))
	locked, err := other.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	t.Cleanup(func() { _ = other.Unlock() })

	err = s.AppendAfter(context.Background(), time.Time{}, []timeseries.DerivedRow{{Date: june, Series: "a"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrStoreWrite), "error = %v", err)

	_, ok, err := s.ReadHighWaterMark(context.Background())
	require.NoError(t, err)
	assert.False(t, ok, "mark must not move while another writer holds the lock")

	require.NoError(t, other.Unlock())
	assert.NoError(t, s.AppendAfter(context.Background(), time.Time{}, []timeseries.DerivedRow{{Date: june, Series: "a"}}))
}
