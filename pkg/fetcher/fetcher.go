// Package fetcher retrieves monthly observations for a set of series from the
// upstream API and assembles them into one date-aligned table.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/cpi-ingest/pkg/batch"
	"github.com/Sternrassler/cpi-ingest/pkg/client"
	"github.com/Sternrassler/cpi-ingest/pkg/timeseries"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Prometheus metrics for series fetching.
var (
	fetchChunksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cpi_fetch_chunks_total",
		Help: "Total chunk requests by outcome (ok, empty, error)",
	}, []string{"outcome"})

	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cpi_fetch_duration_seconds",
		Help:    "Duration of a complete multi-chunk fetch in seconds",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	fetchObservationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cpi_fetch_observations_total",
		Help: "Total monthly observations parsed from upstream responses",
	})
)

// DefaultChunkSize is the per-call series limit for registered BLS v2 users.
const DefaultChunkSize = 50

// Upstream is the subset of the API client the fetcher needs.
type Upstream interface {
	PostTimeseries(ctx context.Context, body client.TimeseriesRequest) (*client.TimeseriesResponse, error)
}

// Config holds fetcher configuration.
type Config struct {
	// ChunkSize is the maximum number of series per upstream call.
	ChunkSize int

	// MaxConcurrency bounds parallel chunk calls.
	MaxConcurrency int

	// ChunkTimeout bounds a single chunk call including client retries.
	ChunkTimeout time.Duration
}

// DefaultConfig returns the default fetcher configuration.
func DefaultConfig() Config {
	bc := batch.DefaultConfig()
	return Config{
		ChunkSize:      DefaultChunkSize,
		MaxConcurrency: bc.MaxConcurrency,
		ChunkTimeout:   bc.Timeout,
	}
}

// Fetcher issues chunked series requests and merges the results.
type Fetcher struct {
	upstream Upstream
	config   Config
	logger   zerolog.Logger
}

// New creates a fetcher.
func New(upstream Upstream, cfg Config) (*Fetcher, error) {
	if upstream == nil {
		return nil, fmt.Errorf("upstream is required")
	}
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk_size must be > 0 (got %d)", cfg.ChunkSize)
	}

	return &Fetcher{
		upstream: upstream,
		config:   cfg,
		logger:   log.With().Str("component", "fetcher").Logger(),
	}, nil
}

// Fetch requests every series over the year range, ChunkSize series per call,
// and returns one table with a column per series in request order.
//
// A series that is absent from the response or has no monthly observations in
// range fails the fetch with a *timeseries.EmptySeriesError. Upstream failures
// match client.ErrUpstreamUnavailable. Chunk tables with differing date indices
// fail with timeseries.ErrIndexMismatch.
func (f *Fetcher) Fetch(ctx context.Context, series []timeseries.Series, rng timeseries.DateRange) (*timeseries.Table, error) {
	req := timeseries.SeriesRequest{Series: series, Range: rng}
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid series request: %w", err)
	}

	chunks, err := timeseries.Partition(req, f.config.ChunkSize)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		fetchDuration.Observe(time.Since(start).Seconds())
	}()

	f.logger.Debug().
		Int("series_count", len(series)).
		Int("chunks", len(chunks)).
		Int("start_year", rng.StartYear).
		Int("end_year", rng.EndYear).
		Msg("Fetching series")

	bf := batch.NewBatchFetcher[*timeseries.Table](
		batch.ChunkFetcherFunc[*timeseries.Table](func(ctx context.Context, index int) (*timeseries.Table, error) {
			return f.fetchChunk(ctx, chunks[index])
		}),
		batch.Config{MaxConcurrency: f.config.MaxConcurrency, Timeout: f.config.ChunkTimeout},
	)

	tables, err := bf.FetchAll(ctx, len(chunks))
	if err != nil {
		return nil, err
	}

	merged, err := timeseries.Merge(tables...)
	if err != nil {
		return nil, fmt.Errorf("merge %d chunks for [%s]: %w", len(tables), strings.Join(req.IDs(), ", "), err)
	}
	return merged, nil
}

// fetchChunk performs one upstream call and builds the chunk's table.
func (f *Fetcher) fetchChunk(ctx context.Context, chunk timeseries.SeriesRequest) (*timeseries.Table, error) {
	resp, err := f.upstream.PostTimeseries(ctx, client.TimeseriesRequest{
		SeriesID:  chunk.IDs(),
		StartYear: strconv.Itoa(chunk.Range.StartYear),
		EndYear:   strconv.Itoa(chunk.Range.EndYear),
	})
	if err != nil {
		fetchChunksTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("fetch series [%s]: %w", strings.Join(chunk.IDs(), ", "), err)
	}

	table, err := buildTable(chunk, resp)
	if err != nil {
		if errors.Is(err, timeseries.ErrEmptySeries) {
			fetchChunksTotal.WithLabelValues("empty").Inc()
		} else {
			fetchChunksTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	fetchChunksTotal.WithLabelValues("ok").Inc()
	return table, nil
}

// buildTable converts a response into a table whose index is the sorted union
// of the chunk's observation dates.
func buildTable(chunk timeseries.SeriesRequest, resp *client.TimeseriesResponse) (*timeseries.Table, error) {
	byID := make(map[string]client.SeriesResult, len(resp.Results.Series))
	for _, s := range resp.Results.Series {
		byID[s.SeriesID] = s
	}

	names := make([]string, len(chunk.Series))
	var obs []timeseries.Observation
	var empty []string

	for i, s := range chunk.Series {
		names[i] = s.Name

		result, ok := byID[s.ID]
		if !ok {
			empty = append(empty, s.ID)
			continue
		}

		parsed, err := parseSeries(s, result.Data)
		if err != nil {
			return nil, err
		}
		if len(parsed) == 0 {
			empty = append(empty, s.ID)
			continue
		}
		obs = append(obs, parsed...)
	}

	if len(empty) > 0 {
		return nil, &timeseries.EmptySeriesError{SeriesIDs: empty, Range: chunk.Range}
	}

	fetchObservationsTotal.Add(float64(len(obs)))
	return timeseries.FromObservations(names, obs)
}

// parseSeries keeps monthly data points (periods M01..M12) and parses their
// values. Missing values ("-" or empty) are skipped.
func parseSeries(s timeseries.Series, data []client.DataPoint) ([]timeseries.Observation, error) {
	out := make([]timeseries.Observation, 0, len(data))
	for _, dp := range data {
		month, ok := parsePeriod(dp.Period)
		if !ok {
			continue
		}

		year, err := strconv.Atoi(dp.Year)
		if err != nil {
			return nil, malformed(s.ID, dp, "year")
		}

		raw := strings.TrimSpace(dp.Value)
		if raw == "" || raw == "-" {
			continue
		}
		value, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, malformed(s.ID, dp, "value")
		}

		out = append(out, timeseries.Observation{
			Date:   time.Date(year, month, 1, 0, 0, 0, 0, time.UTC),
			Series: s.Name,
			Value:  value.InexactFloat64(),
		})
	}
	return out, nil
}

// parsePeriod maps "M01".."M12" to a month. M13 (annual average) and
// non-monthly periods are rejected.
func parsePeriod(period string) (time.Month, bool) {
	if len(period) != 3 || period[0] != 'M' {
		return 0, false
	}
	n, err := strconv.Atoi(period[1:])
	if err != nil || n < 1 || n > 12 {
		return 0, false
	}
	return time.Month(n), true
}

func malformed(id string, dp client.DataPoint, field string) error {
	return &client.UpstreamError{
		StatusCode: 200,
		ErrorClass: client.ErrorClassEnvelope,
		Message:    fmt.Sprintf("series %s %s %s: unparseable %s", id, dp.Year, dp.Period, field),
	}
}
