// Package storetest provides a behavioural test suite shared by all store
// backends.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/cpi-ingest/pkg/store"
	"github.com/Sternrassler/cpi-ingest/pkg/timeseries"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. Each call must return an independent dataset.
type Factory func(t *testing.T) store.Store

func month(year int, m time.Month) time.Time {
	return time.Date(year, m, 1, 0, 0, 0, 0, time.UTC)
}

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("EmptyDataset", func(t *testing.T) { testEmpty(t, newStore(t)) })
	t.Run("AppendAdvancesMark", func(t *testing.T) { testAppend(t, newStore(t)) })
	t.Run("StaleMarkRejected", func(t *testing.T) { testStale(t, newStore(t)) })
	t.Run("InvalidRowsRejected", func(t *testing.T) { testInvalid(t, newStore(t)) })
	t.Run("ConcurrentAppendSingleWinner", func(t *testing.T) { testConcurrent(t, newStore(t)) })
}

func testEmpty(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, ok, err := s.ReadHighWaterMark(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	rows, err := s.Rows(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func testAppend(t *testing.T, s store.Store) {
	ctx := context.Background()
	may, june := month(2023, time.May), month(2023, time.June)

	first := []timeseries.DerivedRow{
		{Date: may, Series: "all items", Value: 0.1},
		{Date: may, Series: "food", Value: 0.2},
	}
	require.NoError(t, s.AppendAfter(ctx, time.Time{}, first))

	hwm, ok, err := s.ReadHighWaterMark(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, hwm.Equal(may), "hwm = %v, want %v", hwm, may)

	second := []timeseries.DerivedRow{
		{Date: june, Series: "all items", Value: 10},
		{Date: june, Series: "food", Value: 5},
	}
	require.NoError(t, s.AppendAfter(ctx, may, second))

	hwm, _, err = s.ReadHighWaterMark(ctx)
	require.NoError(t, err)
	assert.True(t, hwm.Equal(june), "hwm = %v, want %v", hwm, june)

	rows, err := s.Rows(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.True(t, rows[0].Date.Equal(may))
	assert.True(t, rows[3].Date.Equal(june))

	byKey := make(map[string]float64)
	for _, r := range rows {
		byKey[r.Date.Format("2006-01")+"/"+r.Series] = r.Value
	}
	assert.InDelta(t, 10.0, byKey["2023-06/all items"], 1e-9)
	assert.InDelta(t, 5.0, byKey["2023-06/food"], 1e-9)
}

func testStale(t *testing.T, s store.Store) {
	ctx := context.Background()
	may, june := month(2023, time.May), month(2023, time.June)

	require.NoError(t, s.AppendAfter(ctx, time.Time{}, []timeseries.DerivedRow{{Date: may, Series: "a", Value: 1}}))

	// Caller still believes the dataset is empty.
	err := s.AppendAfter(ctx, time.Time{}, []timeseries.DerivedRow{{Date: june, Series: "a", Value: 2}})
	assert.ErrorIs(t, err, store.ErrStoreWrite)
	assert.ErrorIs(t, err, store.ErrStaleHighWaterMark)

	hwm, _, err := s.ReadHighWaterMark(ctx)
	require.NoError(t, err)
	assert.True(t, hwm.Equal(may), "mark must be unchanged after a failed write")

	rows, err := s.Rows(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func testInvalid(t *testing.T, s store.Store) {
	ctx := context.Background()
	may := month(2023, time.May)

	require.NoError(t, s.AppendAfter(ctx, time.Time{}, []timeseries.DerivedRow{{Date: may, Series: "a", Value: 1}}))

	err := s.AppendAfter(ctx, may, []timeseries.DerivedRow{{Date: may, Series: "a", Value: 2}})
	assert.ErrorIs(t, err, store.ErrStoreWrite)
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	err = s.AppendAfter(ctx, may, nil)
	assert.ErrorIs(t, err, store.ErrInvalidInput)

	rows, err := s.Rows(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func testConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	june := month(2023, time.June)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.AppendAfter(ctx, time.Time{}, []timeseries.DerivedRow{{Date: june, Series: "a", Value: float64(i)}})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, store.ErrStoreWrite)
	}
	assert.Equal(t, 1, succeeded, "exactly one writer should win")

	rows, err := s.Rows(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
