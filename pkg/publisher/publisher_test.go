package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Sternrassler/cpi-ingest/pkg/store"
	"github.com/Sternrassler/cpi-ingest/pkg/store/memory"
	"github.com/Sternrassler/cpi-ingest/pkg/timeseries"
)

func month(year int, m time.Month) time.Time {
	return time.Date(year, m, 1, 0, 0, 0, 0, time.UTC)
}

var (
	may  = month(2023, time.May)
	june = month(2023, time.June)
)

func seeded(t *testing.T) *memory.Store {
	t.Helper()
	s := memory.New("test")
	if err := s.AppendAfter(context.Background(), time.Time{}, []timeseries.DerivedRow{{Date: may, Series: "a", Value: 0.1}}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return s
}

func derived() []timeseries.DerivedRow {
	return []timeseries.DerivedRow{
		{Date: may, Series: "a", Value: 0.1},
		{Date: june, Series: "a", Value: 10},
		{Date: june, Series: "b", Value: 5},
	}
}

func TestPublish_WritesTargetRows(t *testing.T) {
	s := seeded(t)
	p := New()

	n, err := p.Publish(context.Background(), derived(), june, s)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if n != 2 {
		t.Errorf("written = %d, want 2", n)
	}

	hwm, _, _ := s.ReadHighWaterMark(context.Background())
	if !hwm.Equal(june) {
		t.Errorf("hwm = %v, want %v", hwm, june)
	}
	rows, _ := s.Rows(context.Background())
	if len(rows) != 3 {
		t.Errorf("dataset has %d rows, want 3", len(rows))
	}
}

func TestPublish_Idempotent(t *testing.T) {
	s := seeded(t)
	p := New()
	ctx := context.Background()

	if _, err := p.Publish(ctx, derived(), june, s); err != nil {
		t.Fatalf("first Publish() error = %v", err)
	}
	n, err := p.Publish(ctx, derived(), june, s)
	if err != nil {
		t.Fatalf("second Publish() error = %v", err)
	}
	if n != 0 {
		t.Errorf("second publish wrote %d rows, want 0", n)
	}
	rows, _ := s.Rows(ctx)
	if len(rows) != 3 {
		t.Errorf("dataset has %d rows, want 3", len(rows))
	}
}

func TestPublish_MarkAheadOfTarget(t *testing.T) {
	s := seeded(t)
	p := New()

	n, err := p.Publish(context.Background(), derived(), month(2023, time.April), s)
	if err != nil || n != 0 {
		t.Errorf("Publish() = %d, %v; want 0, nil", n, err)
	}
}

func TestPublish_EmptyDataset(t *testing.T) {
	s := memory.New("test")
	p := New()

	n, err := p.Publish(context.Background(), derived(), june, s)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if n != 2 {
		t.Errorf("written = %d, want 2", n)
	}
}

func TestPublish_NoRows(t *testing.T) {
	s := seeded(t)
	p := New()

	_, err := p.Publish(context.Background(), derived(), month(2023, time.July), s)
	if !errors.Is(err, ErrNoRows) {
		t.Errorf("Publish() error = %v, want ErrNoRows", err)
	}
	hwm, _, _ := s.ReadHighWaterMark(context.Background())
	if !hwm.Equal(may) {
		t.Errorf("hwm = %v, want unchanged %v", hwm, may)
	}
}

func TestPublish_StoreFailureLeavesMark(t *testing.T) {
	s := seeded(t)
	s.FailNext = errors.New("connection reset")
	p := New()

	n, err := p.Publish(context.Background(), derived(), june, s)
	if !errors.Is(err, store.ErrStoreWrite) {
		t.Fatalf("Publish() error = %v, want ErrStoreWrite", err)
	}
	if n != 0 {
		t.Errorf("written = %d, want 0", n)
	}

	hwm, _, _ := s.ReadHighWaterMark(context.Background())
	if !hwm.Equal(may) {
		t.Errorf("hwm = %v, want unchanged %v", hwm, may)
	}

	// The next cycle retries the same period.
	if n, err := p.Publish(context.Background(), derived(), june, s); err != nil || n != 2 {
		t.Errorf("retry Publish() = %d, %v; want 2, nil", n, err)
	}
}

func TestPublish_ConcurrentSingleWrite(t *testing.T) {
	s := seeded(t)
	p := New()

	const callers = 10
	var wg sync.WaitGroup
	written := make([]int, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			written[i], errs[i] = p.Publish(context.Background(), derived(), june, s)
		}(i)
	}
	wg.Wait()

	total := 0
	for i := range written {
		if errs[i] != nil {
			t.Errorf("caller %d error = %v", i, errs[i])
		}
		total += written[i]
	}
	if total != 2 {
		t.Errorf("total written = %d, want 2", total)
	}
}
