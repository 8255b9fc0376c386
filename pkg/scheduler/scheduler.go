// Package scheduler triggers ingestion cycles on a cron schedule, one
// independent job per family.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Sternrassler/cpi-ingest/pkg/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var schedulerSkipsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cpi_scheduler_skipped_runs_total",
	Help: "Total runs skipped because the family's previous cycle was still running",
}, []string{"family"})

var (
	// ErrUnknownFamily is returned when triggering a family that is not scheduled.
	ErrUnknownFamily = errors.New("unknown family")

	// ErrAlreadyRunning is returned when a family's cycle is in progress.
	ErrAlreadyRunning = errors.New("cycle already running")
)

// Runner runs one ingestion cycle.
type Runner interface {
	Run(ctx context.Context, family pipeline.Family, target time.Time) (pipeline.Result, error)
}

// Status is the last known state of a family's job.
type Status struct {
	Family     string          `json:"family"`
	Schedule   string          `json:"schedule"`
	Running    bool            `json:"running"`
	NextRun    time.Time       `json:"next_run"`
	LastStart  time.Time       `json:"last_start,omitempty"`
	LastResult pipeline.Result `json:"last_result"`
	LastError  string          `json:"last_error,omitempty"`
}

type job struct {
	family  pipeline.Family
	spec    string
	entryID cron.EntryID

	running bool
	start   time.Time
	result  pipeline.Result
	err     error
}

// Scheduler owns the cron loop and the per-family job state.
type Scheduler struct {
	cron   *cron.Cron
	runner Runner
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*job
}

// New creates a scheduler. Schedules use the standard five-field cron syntax
// and may carry a CRON_TZ= prefix.
func New(runner Runner) *Scheduler {
	if runner == nil {
		panic("runner cannot be nil")
	}

	logger := log.With().Str("component", "scheduler").Logger()
	cronLogger := cron.PrintfLogger(&logger)

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger)),
		),
		runner: runner,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
}

// AddFamily schedules family's cycle.
func (s *Scheduler) AddFamily(spec string, family pipeline.Family) error {
	if err := family.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[family.Name]; exists {
		return fmt.Errorf("family %s already scheduled", family.Name)
	}

	j := &job{family: family, spec: spec}
	id, err := s.cron.AddFunc(spec, func() {
		if err := s.start(j); errors.Is(err, ErrAlreadyRunning) {
			schedulerSkipsTotal.WithLabelValues(family.Name).Inc()
			s.logger.Warn().Str("family", family.Name).Msg("Previous cycle still running, skipping")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule family %s: %w", family.Name, err)
	}
	j.entryID = id
	s.jobs[family.Name] = j

	s.logger.Info().
		Str("family", family.Name).
		Str("schedule", spec).
		Msg("Family scheduled")

	return nil
}

// Start starts the cron loop.
func (s *Scheduler) Start() {
	s.logger.Info().Int("families", len(s.jobs)).Msg("Starting scheduler")
	s.cron.Start()
}

// Stop stops the cron loop, cancels running cycles and waits for them to return.
func (s *Scheduler) Stop() {
	s.logger.Info().Msg("Stopping scheduler")
	<-s.cron.Stop().Done()

	// start checks the context and calls wg.Add under mu.
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
}

// Trigger starts a family's cycle now, outside its schedule.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownFamily, name)
	}
	return s.start(j)
}

// start launches a cycle for j unless one is already running.
func (s *Scheduler) start(j *job) error {
	s.mu.Lock()
	if j.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return s.ctx.Err()
	}
	j.running = true
	j.start = time.Now()
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		res, err := s.runner.Run(s.ctx, j.family, time.Time{})
		if err != nil {
			s.logger.Error().Err(err).Str("family", j.family.Name).Msg("Scheduled cycle failed")
		}

		s.mu.Lock()
		j.running = false
		j.result = res
		j.err = err
		s.mu.Unlock()
	}()
	return nil
}

// Status returns the state of every scheduled family, sorted by name.
func (s *Scheduler) Status() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Status, 0, len(s.jobs))
	for name, j := range s.jobs {
		st := Status{
			Family:     name,
			Schedule:   j.spec,
			Running:    j.running,
			NextRun:    s.cron.Entry(j.entryID).Next,
			LastStart:  j.start,
			LastResult: j.result,
		}
		if j.err != nil {
			st.LastError = j.err.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Family < out[k].Family })
	return out
}
