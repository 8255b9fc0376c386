// Package pipeline runs ingestion cycles: wait for a month to be published,
// derive percent changes and append them to the family's dataset.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Sternrassler/cpi-ingest/pkg/derive"
	"github.com/Sternrassler/cpi-ingest/pkg/gate"
	"github.com/Sternrassler/cpi-ingest/pkg/logging"
	"github.com/Sternrassler/cpi-ingest/pkg/publisher"
	"github.com/Sternrassler/cpi-ingest/pkg/store"
	"github.com/Sternrassler/cpi-ingest/pkg/timeseries"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for ingestion cycles.
var (
	cycleRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cpi_cycle_runs_total",
		Help: "Total ingestion cycles by family and outcome (written, up_to_date, timeout, error, cancelled)",
	}, []string{"family", "outcome"})

	cycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cpi_cycle_duration_seconds",
		Help:    "Ingestion cycle duration in seconds by family",
		Buckets: []float64{1, 10, 60, 300, 900, 3600, 7200},
	}, []string{"family"})

	cycleLastSuccess = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "cpi_cycle_last_success_timestamp_seconds",
		Help: "Unix time of the last successful cycle by family",
	}, []string{"family"})
)

// Fetcher fetches a table of the given series over a year range.
type Fetcher interface {
	Fetch(ctx context.Context, series []timeseries.Series, rng timeseries.DateRange) (*timeseries.Table, error)
}

// StoreFunc returns the store holding a family's dataset.
type StoreFunc func(dataset string) (store.Store, error)

// Config holds cycle configuration.
type Config struct {
	// LookbackYears of history fetched before the target's year.
	LookbackYears int

	// Gate is the publication polling budget.
	Gate gate.Config

	// Now returns the current time; defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig returns the default cycle configuration.
func DefaultConfig() Config {
	return Config{
		LookbackYears: 1,
		Gate:          gate.DefaultConfig(),
		Now:           time.Now,
	}
}

// Result summarizes one cycle.
type Result struct {
	Family      string        `json:"family"`
	Target      time.Time     `json:"target"`
	Attempts    int           `json:"attempts"`
	RowsWritten int           `json:"rows_written"`
	Duration    time.Duration `json:"duration_ns"`
}

// Cycle wires fetcher, gate, deriver and publisher together.
type Cycle struct {
	fetcher   Fetcher
	publisher *publisher.Publisher
	stores    StoreFunc
	config    Config
	logger    zerolog.Logger
}

// NewCycle creates a cycle runner. All datasets written through it share the
// publisher, so writes are serialized.
func NewCycle(fetcher Fetcher, stores StoreFunc, cfg Config) (*Cycle, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if stores == nil {
		return nil, fmt.Errorf("store factory is required")
	}
	if err := cfg.Gate.Validate(); err != nil {
		return nil, fmt.Errorf("gate config: %w", err)
	}
	if cfg.LookbackYears < 1 {
		cfg.LookbackYears = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Cycle{
		fetcher:   fetcher,
		publisher: publisher.New(),
		stores:    stores,
		config:    cfg,
		logger:    logging.NewLogger("pipeline"),
	}, nil
}

// Run executes one cycle for family. A zero target resolves to the family's
// pinned target or the previous calendar month.
func (c *Cycle) Run(ctx context.Context, family Family, target time.Time) (res Result, err error) {
	start := c.config.Now()
	res = Result{Family: family.Name}

	if err := family.Validate(); err != nil {
		return res, err
	}

	target, err = family.ResolveTarget(target, start)
	if err != nil {
		return res, err
	}
	res.Target = target

	logger := logging.ForFamily(c.logger, family.Name, target.Format("2006-01")).
		With().Int("series_count", len(family.Series)).Logger()

	defer func() {
		res.Duration = c.config.Now().Sub(start)
		cycleDuration.WithLabelValues(family.Name).Observe(res.Duration.Seconds())
	}()

	ds, err := c.stores(family.Name)
	if err != nil {
		cycleRunsTotal.WithLabelValues(family.Name, "error").Inc()
		return res, fmt.Errorf("open dataset %s: %w", family.Name, err)
	}

	rng := timeseries.LookbackRange(target, c.config.LookbackYears)
	fetch := func(ctx context.Context) (*timeseries.Table, error) {
		return c.fetcher.Fetch(ctx, family.Series, rng)
	}

	logger.Info().Msg("Cycle started")

	table, gres, err := gate.AwaitPublication(ctx, fetch, target, c.config.Gate)
	res.Attempts = gres.Attempts
	if err != nil {
		cycleRunsTotal.WithLabelValues(family.Name, outcome(err)).Inc()
		logger.Error().Err(err).Int("attempt", gres.Attempts).Msg("Cycle failed waiting for publication")
		return res, fmt.Errorf("family %s: %w", family.Name, err)
	}

	rows := derive.PercentChange(table)

	written, err := c.publisher.Publish(ctx, rows, target, ds)
	res.RowsWritten = written
	if err != nil {
		cycleRunsTotal.WithLabelValues(family.Name, outcome(err)).Inc()
		logger.Error().Err(err).Msg("Cycle failed publishing")
		return res, fmt.Errorf("family %s: %w", family.Name, err)
	}

	if written == 0 {
		cycleRunsTotal.WithLabelValues(family.Name, "up_to_date").Inc()
	} else {
		cycleRunsTotal.WithLabelValues(family.Name, "written").Inc()
	}
	cycleLastSuccess.WithLabelValues(family.Name).SetToCurrentTime()

	logger.Info().
		Int("attempt", gres.Attempts).
		Int("rows_written", written).
		Msg("Cycle complete")

	return res, nil
}

// RunAll runs one independent cycle per family concurrently. Each family's
// gate waits on its own; a failure in one family does not stop the others.
func (c *Cycle) RunAll(ctx context.Context, catalog Catalog, target time.Time) ([]Result, error) {
	results := make([]Result, len(catalog.Families))
	errs := make([]error, len(catalog.Families))

	var wg sync.WaitGroup
	for i, family := range catalog.Families {
		wg.Add(1)
		go func(i int, family Family) {
			defer wg.Done()
			results[i], errs[i] = c.Run(ctx, family, target)
		}(i, family)
	}
	wg.Wait()

	return results, errors.Join(errs...)
}

func outcome(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "cancelled"
	case errors.Is(err, gate.ErrPublicationTimeout):
		return "timeout"
	default:
		return "error"
	}
}
