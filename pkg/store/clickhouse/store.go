package clickhouse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/cpi-ingest/pkg/store"
	"github.com/Sternrassler/cpi-ingest/pkg/timeseries"
)

const backend = "clickhouse"

// Store implements store.Store using ClickHouse for one dataset.
//
// ClickHouse has no row locks, so the check-then-insert is serialized by a
// mutex. Writers in other processes are not coordinated.
type Store struct {
	conn    *Conn
	dataset string
	mu      sync.Mutex
}

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// New creates a store for dataset.
func New(conn *Conn, dataset string) *Store {
	if conn == nil {
		panic("clickhouse connection cannot be nil")
	}
	return &Store{conn: conn, dataset: dataset}
}

// ReadHighWaterMark returns the latest period written for the dataset.
func (s *Store) ReadHighWaterMark(ctx context.Context) (time.Time, bool, error) {
	var (
		latest time.Time
		count  uint64
	)
	err := s.conn.QueryRow(ctx, `
		SELECT max(period), count()
		FROM cpi_derived_rows
		WHERE dataset = ?
	`, s.dataset).Scan(&latest, &count)
	if err != nil {
		store.Errors.WithLabelValues(backend, "read_hwm").Inc()
		return time.Time{}, false, fmt.Errorf("read high-water mark for %s: %w", s.dataset, err)
	}
	if count == 0 {
		return time.Time{}, false, nil
	}
	return timeseries.MonthStart(latest), true, nil
}

// AppendAfter inserts rows as one batch if the mark still equals after.
func (s *Store) AppendAfter(ctx context.Context, after time.Time, rows []timeseries.DerivedRow) error {
	if _, err := store.CheckAppend(after, rows); err != nil {
		store.Errors.WithLabelValues(backend, "append").Inc()
		return store.WriteError(s.dataset, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok, err := s.ReadHighWaterMark(ctx)
	if err != nil {
		return store.WriteError(s.dataset, err)
	}
	if !store.SameMark(after, current, ok) {
		store.StaleWrites.WithLabelValues(backend).Inc()
		return store.WriteError(s.dataset, store.ErrStaleHighWaterMark)
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO cpi_derived_rows (dataset, period, series, value)
	`)
	if err != nil {
		store.Errors.WithLabelValues(backend, "append").Inc()
		return store.WriteError(s.dataset, fmt.Errorf("prepare batch: %w", err))
	}

	for _, r := range rows {
		if err := batch.Append(s.dataset, r.Date, r.Series, r.Value); err != nil {
			_ = batch.Abort()
			store.Errors.WithLabelValues(backend, "append").Inc()
			return store.WriteError(s.dataset, fmt.Errorf("append to batch: %w", err))
		}
	}

	if err := batch.Send(); err != nil {
		store.Errors.WithLabelValues(backend, "append").Inc()
		return store.WriteError(s.dataset, fmt.Errorf("send batch: %w", err))
	}

	store.RowsWritten.WithLabelValues(backend).Add(float64(len(rows)))
	return nil
}

// Rows returns the dataset ordered by date, then insertion time.
func (s *Store) Rows(ctx context.Context) ([]timeseries.DerivedRow, error) {
	rows, err := s.conn.Query(ctx, `
		SELECT period, series, value
		FROM cpi_derived_rows
		WHERE dataset = ?
		ORDER BY period ASC, inserted_at ASC
	`, s.dataset)
	if err != nil {
		store.Errors.WithLabelValues(backend, "rows").Inc()
		return nil, fmt.Errorf("query rows for %s: %w", s.dataset, err)
	}
	defer rows.Close()

	var out []timeseries.DerivedRow
	for rows.Next() {
		var r timeseries.DerivedRow
		if err := rows.Scan(&r.Date, &r.Series, &r.Value); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r.Date = timeseries.MonthStart(r.Date)
		out = append(out, r)
	}
	return out, rows.Err()
}
