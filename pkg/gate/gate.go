// Package gate polls the upstream until the observation for a target month is
// published, with a bounded attempt budget and backoff between attempts.
package gate

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/Sternrassler/cpi-ingest/pkg/client"
	"github.com/Sternrassler/cpi-ingest/pkg/timeseries"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for publication polling.
var (
	gateAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cpi_gate_attempts_total",
		Help: "Total publication polling attempts by outcome (published, pending, error)",
	}, []string{"outcome"})

	gateWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cpi_gate_wait_seconds",
		Help:    "Total time spent waiting for a publication, in seconds",
		Buckets: []float64{1, 60, 300, 900, 1800, 3600, 7200, 21600},
	})

	gateTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cpi_gate_timeouts_total",
		Help: "Total number of publication waits that exhausted their attempt budget",
	})
)

// ErrPublicationTimeout is returned when the attempt budget is exhausted before
// the target month is published.
var ErrPublicationTimeout = errors.New("publication timeout")

// TimeoutError carries the context of an exhausted publication wait.
type TimeoutError struct {
	Target   time.Time
	Attempts int
	LastErr  error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("target %s not published after %d attempts", e.Target.Format("2006-01-02"), e.Attempts)
	if e.LastErr != nil {
		msg += ": last error: " + e.LastErr.Error()
	}
	return msg
}

// Unwrap exposes ErrPublicationTimeout and the last attempt's error.
func (e *TimeoutError) Unwrap() []error {
	if e.LastErr == nil {
		return []error{ErrPublicationTimeout}
	}
	return []error{ErrPublicationTimeout, e.LastErr}
}

// FetchFunc fetches the current table for the polled series.
type FetchFunc func(ctx context.Context) (*timeseries.Table, error)

// Config holds the polling budget.
type Config struct {
	// MaxAttempts is the number of fetch calls before giving up (>= 1).
	MaxAttempts int

	// InitialBackoff is the wait after the first unsuccessful attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the wait between attempts.
	MaxBackoff time.Duration

	// Multiplier grows the wait after each attempt. 1.0 means a fixed delay.
	Multiplier float64

	// Jitter is the relative randomization applied to each wait (0.2 = ±20%).
	Jitter float64
}

// DefaultConfig polls every 5 minutes for one hour.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    12,
		InitialBackoff: 5 * time.Minute,
		MaxBackoff:     30 * time.Minute,
		Multiplier:     1.0,
	}
}

// Validate checks the polling budget.
func (c Config) Validate() error {
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be >= 1 (got %d)", c.MaxAttempts)
	}
	if c.InitialBackoff < 0 || c.MaxBackoff < 0 {
		return fmt.Errorf("backoff must not be negative")
	}
	if c.Multiplier < 1.0 {
		return fmt.Errorf("multiplier must be >= 1.0 (got %v)", c.Multiplier)
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		return fmt.Errorf("jitter must be in [0, 1) (got %v)", c.Jitter)
	}
	return nil
}

// Result describes a successful wait.
type Result struct {
	Attempts int
	Waited   time.Duration
}

// AwaitPublication calls fetch until the returned table has a value for every
// column at target, waiting between attempts.
//
// Empty series and upstream unavailability mean "not yet published" and are
// retried. Any other fetch error is returned immediately. Exhausting the budget
// returns a *TimeoutError. Cancellation is observed before each attempt, after
// it and during each wait, never mid-call: fetch receives a context that is not
// cancelled with ctx, and its result is discarded once ctx is done.
func AwaitPublication(ctx context.Context, fetch FetchFunc, target time.Time, cfg Config) (*timeseries.Table, Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, Result{}, err
	}

	target = timeseries.MonthStart(target)
	logger := log.With().
		Str("component", "gate").
		Str("target", target.Format("2006-01-02")).
		Logger()

	start := time.Now()
	backoff := cfg.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, Result{Attempts: attempt - 1, Waited: time.Since(start)}, fmt.Errorf("await publication of %s: %w", target.Format("2006-01"), err)
		}

		// An attempt in flight runs to completion; cancellation is honored after it.
		table, err := fetch(context.WithoutCancel(ctx))
		if cerr := ctx.Err(); cerr != nil {
			return nil, Result{Attempts: attempt, Waited: time.Since(start)}, fmt.Errorf("await publication of %s: %w", target.Format("2006-01"), cerr)
		}

		switch {
		case err == nil && table.Complete(target):
			gateAttemptsTotal.WithLabelValues("published").Inc()
			waited := time.Since(start)
			gateWaitSeconds.Observe(waited.Seconds())
			logger.Info().
				Int("attempt", attempt).
				Dur("waited", waited).
				Msg("Target published")
			return table, Result{Attempts: attempt, Waited: waited}, nil

		case err == nil:
			gateAttemptsTotal.WithLabelValues("pending").Inc()
			lastErr = nil
			logger.Debug().Int("attempt", attempt).Msg("Target not yet published")

		case retryable(err):
			gateAttemptsTotal.WithLabelValues("pending").Inc()
			lastErr = err
			logger.Debug().Err(err).Int("attempt", attempt).Msg("Publication check failed, will retry")

		default:
			gateAttemptsTotal.WithLabelValues("error").Inc()
			return nil, Result{Attempts: attempt, Waited: time.Since(start)}, fmt.Errorf("await publication of %s (attempt %d): %w", target.Format("2006-01"), attempt, err)
		}

		if attempt == cfg.MaxAttempts {
			break
		}

		wait := jitter(backoff, cfg.Jitter)
		logger.Info().
			Int("attempt", attempt).
			Int("max_attempts", cfg.MaxAttempts).
			Dur("backoff", wait).
			Msg("Waiting for publication")

		if err := sleep(ctx, wait); err != nil {
			return nil, Result{Attempts: attempt, Waited: time.Since(start)}, fmt.Errorf("await publication of %s: %w", target.Format("2006-01"), err)
		}

		backoff = time.Duration(float64(backoff) * cfg.Multiplier)
		if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}

	gateTimeoutsTotal.Inc()
	logger.Warn().
		Err(lastErr).
		Int("attempts", cfg.MaxAttempts).
		Msg("Publication wait exhausted")

	return nil, Result{Attempts: cfg.MaxAttempts, Waited: time.Since(start)}, &TimeoutError{
		Target:   target,
		Attempts: cfg.MaxAttempts,
		LastErr:  lastErr,
	}
}

func retryable(err error) bool {
	return errors.Is(err, timeseries.ErrEmptySeries) || errors.Is(err, client.ErrUpstreamUnavailable)
}

func jitter(d time.Duration, ratio float64) time.Duration {
	if ratio == 0 || d <= 0 {
		return d
	}
	return time.Duration(float64(d) * (1 - ratio + rand.Float64()*2*ratio))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
