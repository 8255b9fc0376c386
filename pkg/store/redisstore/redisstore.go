// Package redisstore implements the dataset store on Redis.
//
// Rows are kept as JSON entries in a list, the mark as a date string. Appends
// run under WATCH on the mark key and commit in a MULTI/EXEC block, so the rows
// and the mark move together or not at all.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/Sternrassler/cpi-ingest/pkg/store"
	"github.com/Sternrassler/cpi-ingest/pkg/timeseries"
	"github.com/redis/go-redis/v9"
)

const backend = "redis"

// KeyPrefix namespaces all dataset keys.
const KeyPrefix = "cpi:dataset:"

const dateLayout = "2006-01-02"

// ErrInvalidEntry indicates a stored row or mark could not be decoded.
var ErrInvalidEntry = errors.New("invalid dataset entry")

// Store is a Redis implementation of store.Store for one dataset.
type Store struct {
	redis   *redis.Client
	dataset string
}

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// New creates a store for dataset.
func New(redisClient *redis.Client, dataset string) *Store {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	return &Store{
		redis:   redisClient,
		dataset: dataset,
	}
}

func (s *Store) rowsKey() string { return KeyPrefix + s.dataset + ":rows" }
func (s *Store) hwmKey() string  { return KeyPrefix + s.dataset + ":hwm" }

type entry struct {
	Date   string  `json:"date"`
	Series string  `json:"series"`
	Value  float64 `json:"value"`
}

// ReadHighWaterMark returns the latest written date.
func (s *Store) ReadHighWaterMark(ctx context.Context) (time.Time, bool, error) {
	hwm, ok, err := readMark(ctx, s.redis, s.hwmKey())
	if err != nil {
		store.Errors.WithLabelValues(backend, "read_hwm").Inc()
		return time.Time{}, false, fmt.Errorf("read high-water mark for %s: %w", s.dataset, err)
	}
	return hwm, ok, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func readMark(ctx context.Context, c getter, key string) (time.Time, bool, error) {
	raw, err := c.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("redis get: %w", err)
	}
	hwm, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("%w: mark %q: %v", ErrInvalidEntry, raw, err)
	}
	return hwm, true, nil
}

// AppendAfter pushes rows and sets the mark atomically. A concurrent change of
// the mark aborts the transaction with ErrStaleHighWaterMark.
func (s *Store) AppendAfter(ctx context.Context, after time.Time, rows []timeseries.DerivedRow) error {
	next, err := store.CheckAppend(after, rows)
	if err != nil {
		store.Errors.WithLabelValues(backend, "append").Inc()
		return store.WriteError(s.dataset, err)
	}

	values := make([]any, len(rows))
	for i, r := range rows {
		data, err := json.Marshal(entry{Date: r.Date.Format(dateLayout), Series: r.Series, Value: r.Value})
		if err != nil {
			return store.WriteError(s.dataset, fmt.Errorf("marshal row: %w", err))
		}
		values[i] = data
	}

	rowsKey, hwmKey := s.rowsKey(), s.hwmKey()
	err = s.redis.Watch(ctx, func(tx *redis.Tx) error {
		current, ok, err := readMark(ctx, tx, hwmKey)
		if err != nil {
			return err
		}
		if !store.SameMark(after, current, ok) {
			return store.ErrStaleHighWaterMark
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, rowsKey, values...)
			pipe.Set(ctx, hwmKey, next.Format(dateLayout), 0)
			return nil
		})
		return err
	}, hwmKey)

	if err != nil {
		if errors.Is(err, redis.TxFailedErr) {
			err = store.ErrStaleHighWaterMark
		}
		if errors.Is(err, store.ErrStaleHighWaterMark) {
			store.StaleWrites.WithLabelValues(backend).Inc()
		} else {
			store.Errors.WithLabelValues(backend, "append").Inc()
		}
		return store.WriteError(s.dataset, err)
	}

	store.RowsWritten.WithLabelValues(backend).Add(float64(len(rows)))
	return nil
}

// Rows returns the dataset ordered by date, then insertion order.
func (s *Store) Rows(ctx context.Context) ([]timeseries.DerivedRow, error) {
	raw, err := s.redis.LRange(ctx, s.rowsKey(), 0, -1).Result()
	if err != nil {
		store.Errors.WithLabelValues(backend, "rows").Inc()
		return nil, fmt.Errorf("redis lrange: %w", err)
	}

	out := make([]timeseries.DerivedRow, 0, len(raw))
	for _, item := range raw {
		var e entry
		if err := json.Unmarshal([]byte(item), &e); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
		}
		date, err := time.Parse(dateLayout, e.Date)
		if err != nil {
			return nil, fmt.Errorf("%w: date %q: %v", ErrInvalidEntry, e.Date, err)
		}
		out = append(out, timeseries.DerivedRow{Date: date, Series: e.Series, Value: e.Value})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// Delete removes the dataset. Used by tests and operators resetting a dataset.
func (s *Store) Delete(ctx context.Context) error {
	if err := s.redis.Del(ctx, s.rowsKey(), s.hwmKey()).Err(); err != nil {
		store.Errors.WithLabelValues(backend, "delete").Inc()
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
