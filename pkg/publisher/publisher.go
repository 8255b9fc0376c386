// Package publisher appends the derived rows for a target month to a dataset
// store exactly once.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/cpi-ingest/pkg/store"
	"github.com/Sternrassler/cpi-ingest/pkg/timeseries"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for publishing.
var (
	publishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cpi_publish_total",
		Help: "Total publish calls by outcome (written, up_to_date, no_rows, error)",
	}, []string{"outcome"})

	publishRowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cpi_publish_rows_total",
		Help: "Total derived rows written by the publisher",
	})
)

// ErrNoRows is returned when no derived row exists for the target month.
var ErrNoRows = errors.New("no rows for target")

// Publisher serializes all dataset writes made through it.
type Publisher struct {
	mu     sync.Mutex
	logger zerolog.Logger
}

// New creates a publisher.
func New() *Publisher {
	return &Publisher{
		logger: log.With().Str("component", "publisher").Logger(),
	}
}

// Publish writes the rows dated target unless the store already covers target.
// It returns the number of rows written; 0 means the dataset was up to date.
// Rows for other dates are ignored.
func (p *Publisher) Publish(ctx context.Context, rows []timeseries.DerivedRow, target time.Time, s store.Store) (int, error) {
	target = timeseries.MonthStart(target)

	p.mu.Lock()
	defer p.mu.Unlock()

	hwm, ok, err := s.ReadHighWaterMark(ctx)
	if err != nil {
		publishTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("publish %s: %w", target.Format("2006-01"), err)
	}

	if ok && !hwm.Before(target) {
		publishTotal.WithLabelValues("up_to_date").Inc()
		p.logger.Info().
			Str("target", target.Format("2006-01-02")).
			Str("high_water_mark", hwm.Format("2006-01-02")).
			Msg("Dataset already up to date")
		return 0, nil
	}

	selected := make([]timeseries.DerivedRow, 0, len(rows))
	for _, r := range rows {
		if timeseries.MonthStart(r.Date).Equal(target) {
			selected = append(selected, r)
		}
	}
	if len(selected) == 0 {
		publishTotal.WithLabelValues("no_rows").Inc()
		return 0, fmt.Errorf("publish %s: %w", target.Format("2006-01"), ErrNoRows)
	}

	var after time.Time
	if ok {
		after = hwm
	}
	if err := s.AppendAfter(ctx, after, selected); err != nil {
		publishTotal.WithLabelValues("error").Inc()
		p.logger.Error().
			Err(err).
			Str("target", target.Format("2006-01-02")).
			Int("rows", len(selected)).
			Msg("Append failed")
		return 0, fmt.Errorf("publish %s: %w", target.Format("2006-01"), err)
	}

	publishTotal.WithLabelValues("written").Inc()
	publishRowsTotal.Add(float64(len(selected)))
	p.logger.Info().
		Str("target", target.Format("2006-01-02")).
		Int("rows_written", len(selected)).
		Msg("Rows published")

	return len(selected), nil
}
