package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/cpi-ingest/pkg/store"
	"github.com/Sternrassler/cpi-ingest/pkg/timeseries"
	"github.com/jackc/pgx/v5"
)

const backend = "postgres"

// Store is a PostgreSQL implementation of store.Store for one dataset.
// Uses two tables:
//   - cpi_derived_rows: append-only rows keyed by (dataset, period, series)
//   - cpi_high_water_marks: one lockable row per dataset
type Store struct {
	pool    *Pool
	dataset string
}

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// New creates a store for dataset.
func New(pool *Pool, dataset string) *Store {
	if pool == nil {
		panic("postgres pool cannot be nil")
	}
	return &Store{pool: pool, dataset: dataset}
}

// ReadHighWaterMark returns the latest written date.
func (s *Store) ReadHighWaterMark(ctx context.Context) (time.Time, bool, error) {
	var hwm *time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT hwm FROM cpi_high_water_marks WHERE dataset = $1
	`, s.dataset).Scan(&hwm)
	if err != nil {
		if isNotFoundError(err) {
			return time.Time{}, false, nil
		}
		store.Errors.WithLabelValues(backend, "read_hwm").Inc()
		return time.Time{}, false, fmt.Errorf("read high-water mark for %s: %w", s.dataset, err)
	}
	if hwm == nil {
		return time.Time{}, false, nil
	}
	return toUTC(*hwm), true, nil
}

// AppendAfter inserts rows and advances the mark in one transaction. The mark
// row is locked with SELECT ... FOR UPDATE so concurrent writers serialize.
func (s *Store) AppendAfter(ctx context.Context, after time.Time, rows []timeseries.DerivedRow) error {
	next, err := store.CheckAppend(after, rows)
	if err != nil {
		store.Errors.WithLabelValues(backend, "append").Inc()
		return store.WriteError(s.dataset, err)
	}

	err = pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO cpi_high_water_marks (dataset, hwm)
			VALUES ($1, NULL)
			ON CONFLICT (dataset) DO NOTHING
		`, s.dataset); err != nil {
			return fmt.Errorf("ensure mark row: %w", err)
		}

		var current *time.Time
		if err := tx.QueryRow(ctx, `
			SELECT hwm FROM cpi_high_water_marks WHERE dataset = $1 FOR UPDATE
		`, s.dataset).Scan(&current); err != nil {
			return fmt.Errorf("lock mark row: %w", err)
		}

		var cur time.Time
		if current != nil {
			cur = toUTC(*current)
		}
		if !store.SameMark(after, cur, current != nil) {
			store.StaleWrites.WithLabelValues(backend).Inc()
			return store.ErrStaleHighWaterMark
		}

		copyRows := make([][]any, len(rows))
		for i, r := range rows {
			copyRows[i] = []any{s.dataset, r.Date, r.Series, r.Value}
		}
		if _, err := tx.CopyFrom(ctx,
			pgx.Identifier{"cpi_derived_rows"},
			[]string{"dataset", "period", "series", "value"},
			pgx.CopyFromRows(copyRows),
		); err != nil {
			if isDuplicateKeyError(err) {
				return fmt.Errorf("%w: duplicate (period, series): %v", store.ErrInvalidInput, err)
			}
			return fmt.Errorf("copy rows: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE cpi_high_water_marks
			SET hwm = $2, updated_at = NOW()
			WHERE dataset = $1
		`, s.dataset, next); err != nil {
			return fmt.Errorf("advance mark: %w", err)
		}
		return nil
	})
	if err != nil {
		store.Errors.WithLabelValues(backend, "append").Inc()
		return store.WriteError(s.dataset, err)
	}

	store.RowsWritten.WithLabelValues(backend).Add(float64(len(rows)))
	return nil
}

// Rows returns the dataset ordered by date, then insertion order.
func (s *Store) Rows(ctx context.Context) ([]timeseries.DerivedRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT period, series, value
		FROM cpi_derived_rows
		WHERE dataset = $1
		ORDER BY period ASC, id ASC
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
		r.Date = toUTC(r.Date)
		out = append(out, r)
	}
	return out, rows.Err()
}

func toUTC(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
