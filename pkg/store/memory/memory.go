// Package memory provides an in-process dataset store for tests and one-shot runs.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Sternrassler/cpi-ingest/pkg/store"
	"github.com/Sternrassler/cpi-ingest/pkg/timeseries"
)

const backend = "memory"

// Store is an in-memory implementation of store.Store.
type Store struct {
	dataset string

	mu   sync.RWMutex
	rows []timeseries.DerivedRow
	hwm  time.Time
	set  bool

	// FailNext makes the next AppendAfter fail with this error (for tests).
	FailNext error
}

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New(dataset string) *Store {
	return &Store{dataset: dataset}
}

// ReadHighWaterMark returns the latest written date.
func (s *Store) ReadHighWaterMark(ctx context.Context) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hwm, s.set, nil
}

// AppendAfter appends rows if the mark still equals after.
func (s *Store) AppendAfter(ctx context.Context, after time.Time, rows []timeseries.DerivedRow) error {
	next, err := store.CheckAppend(after, rows)
	if err != nil {
		store.Errors.WithLabelValues(backend, "append").Inc()
		return store.WriteError(s.dataset, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return store.WriteError(s.dataset, err)
	}
	if s.FailNext != nil {
		err := s.FailNext
		s.FailNext = nil
		store.Errors.WithLabelValues(backend, "append").Inc()
		return store.WriteError(s.dataset, err)
	}
	if !store.SameMark(after, s.hwm, s.set) {
		store.StaleWrites.WithLabelValues(backend).Inc()
		return store.WriteError(s.dataset, store.ErrStaleHighWaterMark)
	}

	s.rows = append(s.rows, rows...)
	s.hwm, s.set = next, true
	store.RowsWritten.WithLabelValues(backend).Add(float64(len(rows)))
	return nil
}

// Rows returns a copy of the dataset ordered by date.
func (s *Store) Rows(ctx context.Context) ([]timeseries.DerivedRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]timeseries.DerivedRow, len(s.rows))
	copy(out, s.rows)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}
