package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Sternrassler/cpi-ingest/pkg/store"
	"github.com/Sternrassler/cpi-ingest/pkg/store/storetest"
	"github.com/Sternrassler/cpi-ingest/pkg/timeseries"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return New("test")
	})
}

func TestStore_FailNext(t *testing.T) {
	s := New("test")
	s.FailNext = errors.New("disk full")

	june := time.Date(2023, time.June, 1, 0, 0, 0, 0, time.UTC)
	err := s.AppendAfter(context.Background(), time.Time{}, []timeseries.DerivedRow{{Date: june, Series: "a"}})
	if !errors.Is(err, store.ErrStoreWrite) {
		t.Fatalf("AppendAfter() error = %v, want ErrStoreWrite", err)
	}
	if _, ok, _ := s.ReadHighWaterMark(context.Background()); ok {
		t.Error("mark should not be set after a failed write")
	}

	// Failure is one-shot.
	if err := s.AppendAfter(context.Background(), time.Time{}, []timeseries.DerivedRow{{Date: june, Series: "a"}}); err != nil {
		t.Errorf("AppendAfter() error = %v", err)
	}
}
