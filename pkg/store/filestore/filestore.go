// Package filestore keeps each dataset in a CSV file on local disk.
//
// The file holds one row per line (date, series, value) under a header. The
// high-water mark is the latest date in the file. Appends rewrite the file to a
// temporary name and rename it over the original, so readers see either the
// old or the new dataset. Writers in different processes are serialized by an
// advisory lock on <dataset>.csv.lock.
package filestore

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/cpi-ingest/pkg/store"
	"github.com/Sternrassler/cpi-ingest/pkg/timeseries"
	"github.com/gofrs/flock"
)

const (
	backend = "file"

	dateLayout = "2006-01-02"

	// DefaultLockTimeout bounds how long an append waits for another writer.
	DefaultLockTimeout = 10 * time.Second

	lockRetryDelay = 50 * time.Millisecond
)

var header = []string{"date", "series", "value"}

// ErrCorruptDataset is returned when the dataset file cannot be parsed.
var ErrCorruptDataset = errors.New("corrupt dataset file")

// Store is a CSV file implementation of store.Store.
type Store struct {
	dataset string
	path    string
	lock    *flock.Flock

	// LockTimeout bounds the wait for the cross-process lock.
	LockTimeout time.Duration

	mu sync.Mutex
}

// Compile-time interface check.
var _ store.Store = (*Store)(nil)

// New returns the store for dataset under dir, creating dir if needed.
func New(dir, dataset string) (*Store, error) {
	if dataset == "" || dataset != filepath.Base(dataset) || strings.ContainsAny(dataset, `/\`) || strings.HasPrefix(dataset, ".") {
		return nil, fmt.Errorf("invalid dataset name %q", dataset)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	path := filepath.Join(dir, dataset+".csv")
	return &Store{
		dataset:     dataset,
		path:        path,
		lock:        flock.New(path + ".lock"),
		LockTimeout: DefaultLockTimeout,
	}, nil
}

// Path returns the dataset file.
func (s *Store) Path() string {
	return s.path
}

// ReadHighWaterMark returns the latest date in the file.
func (s *Store) ReadHighWaterMark(ctx context.Context) (time.Time, bool, error) {
	if err := ctx.Err(); err != nil {
		return time.Time{}, false, err
	}
	rows, err := s.read()
	if err != nil {
		store.Errors.WithLabelValues(backend, "read_hwm").Inc()
		return time.Time{}, false, err
	}
	hwm, ok := mark(rows)
	return hwm, ok, nil
}

// AppendAfter appends rows if the mark still equals after.
func (s *Store) AppendAfter(ctx context.Context, after time.Time, rows []timeseries.DerivedRow) error {
	if _, err := store.CheckAppend(after, rows); err != nil {
		store.Errors.WithLabelValues(backend, "append").Inc()
		return store.WriteError(s.dataset, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lockCtx, cancel := context.WithTimeout(ctx, s.LockTimeout)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil || !locked {
		store.Errors.WithLabelValues(backend, "lock").Inc()
		if err == nil {
			err = fmt.Errorf("lock %s not acquired", s.lock.Path())
		}
		return store.WriteError(s.dataset, err)
	}
	defer s.lock.Unlock()

	current, err := s.read()
	if err != nil {
		store.Errors.WithLabelValues(backend, "append").Inc()
		return store.WriteError(s.dataset, err)
	}
	hwm, ok := mark(current)
	if !store.SameMark(after, hwm, ok) {
		store.StaleWrites.WithLabelValues(backend).Inc()
		return store.WriteError(s.dataset, store.ErrStaleHighWaterMark)
	}

	if err := s.write(append(current, rows...)); err != nil {
		store.Errors.WithLabelValues(backend, "append").Inc()
		return store.WriteError(s.dataset, err)
	}

	store.RowsWritten.WithLabelValues(backend).Add(float64(len(rows)))
	return nil
}

// Rows returns the dataset ordered by date, then by insertion order.
func (s *Store) Rows(ctx context.Context) ([]timeseries.DerivedRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.read()
	if err != nil {
		store.Errors.WithLabelValues(backend, "rows").Inc()
		return nil, err
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Date.Before(rows[j].Date) })
	return rows, nil
}

func mark(rows []timeseries.DerivedRow) (time.Time, bool) {
	var hwm time.Time
	for _, r := range rows {
		if r.Date.After(hwm) {
			hwm = r.Date
		}
	}
	if len(rows) == 0 {
		return time.Time{}, false
	}
	return timeseries.MonthStart(hwm), true
}

// read loads the file; a missing file is an empty dataset.
func (s *Store) read() ([]timeseries.DerivedRow, error) {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open dataset %s: %w", s.dataset, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = len(header)

	var rows []timeseries.DerivedRow
	for line := 1; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrCorruptDataset, s.path, err)
		}
		if line == 1 {
			if strings.Join(rec, ",") != strings.Join(header, ",") {
				return nil, fmt.Errorf("%w: %s: unexpected header %v", ErrCorruptDataset, s.path, rec)
			}
			continue
		}

		date, err := time.Parse(dateLayout, rec[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %s line %d: %w", ErrCorruptDataset, s.path, line, err)
		}
		value, err := strconv.ParseFloat(rec[2], 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s line %d: %w", ErrCorruptDataset, s.path, line, err)
		}
		rows = append(rows, timeseries.DerivedRow{Date: date, Series: rec[1], Value: value})
	}
	return rows, nil
}

// write replaces the file with rows.
func (s *Store) write(rows []timeseries.DerivedRow) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+s.dataset+"-*.csv")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := csv.NewWriter(tmp)
	if err := w.Write(header); err != nil {
		tmp.Close()
		return fmt.Errorf("write header: %w", err)
	}
	for _, r := range rows {
		rec := []string{
			r.Date.UTC().Format(dateLayout),
			r.Series,
			strconv.FormatFloat(r.Value, 'g', -1, 64),
		}
		if err := w.Write(rec); err != nil {
			tmp.Close()
			return fmt.Errorf("write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		tmp.Close()
		return fmt.Errorf("flush rows: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync dataset: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close dataset: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace dataset: %w", err)
	}
	return nil
}
