package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Prometheus metrics for daily quota tracking.
var (
	quotaCallsUsed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cpi_upstream_quota_calls_used",
		Help: "Upstream calls issued in the current UTC day",
	})

	quotaBlocksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cpi_upstream_quota_blocks_total",
		Help: "Total number of requests refused because the daily quota was spent",
	})

	quotaWarningsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cpi_upstream_quota_warnings_total",
		Help: "Total number of requests issued while the daily quota was nearly spent",
	})
)

// keyTTL keeps yesterday's counter around long enough to be inspected.
const keyTTL = 48 * time.Hour

// Tracker counts upstream calls per UTC day and gates requests once the
// configured daily limit is reached.
type Tracker struct {
	redis  *redis.Client
	limit  int
	logger zerolog.Logger
	now    func() time.Time
}

// NewTracker creates a new quota tracker. A limit <= 0 disables gating; calls
// are still counted.
func NewTracker(redisClient *redis.Client, dailyLimit int, logger zerolog.Logger) *Tracker {
	return &Tracker{
		redis:  redisClient,
		limit:  dailyLimit,
		logger: logger,
		now:    time.Now,
	}
}

// GetState retrieves today's quota usage from Redis.
// Returns a zero-usage state if no calls were recorded today.
func (t *Tracker) GetState(ctx context.Context) (*QuotaState, error) {
	now := t.now()

	used, err := t.redis.Get(ctx, dayKey(now)).Int()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("get calls used: %w", err)
	}

	state := &QuotaState{
		CallsUsed:  used,
		DailyLimit: t.limit,
		ResetAt:    nextReset(now),
		LastUpdate: now,
	}
	state.UpdateHealth()
	return state, nil
}

// RecordCall increments today's counter and returns the updated state.
func (t *Tracker) RecordCall(ctx context.Context) (*QuotaState, error) {
	now := t.now()
	key := dayKey(now)

	pipe := t.redis.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("record call in redis: %w", err)
	}

	state := &QuotaState{
		CallsUsed:  int(incr.Val()),
		DailyLimit: t.limit,
		ResetAt:    nextReset(now),
		LastUpdate: now,
	}
	state.UpdateHealth()

	quotaCallsUsed.Set(float64(state.CallsUsed))

	t.logger.Debug().
		Int("calls_used", state.CallsUsed).
		Int("daily_limit", state.DailyLimit).
		Bool("is_healthy", state.IsHealthy).
		Msg("Upstream quota updated")

	return state, nil
}

// ShouldAllowRequest checks whether another call fits in today's quota.
// Returns false once the limit is reached. Near the limit the request is
// allowed but a warning is logged.
func (t *Tracker) ShouldAllowRequest(ctx context.Context) (bool, error) {
	state, err := t.GetState(ctx)
	if err != nil {
		return false, fmt.Errorf("get quota state: %w", err)
	}

	if state.NeedsCriticalBlock() {
		t.logger.Error().
			Int("calls_used", state.CallsUsed).
			Int("daily_limit", state.DailyLimit).
			Dur("wait_duration", state.TimeUntilReset()).
			Msg("Daily upstream quota spent - blocking request")

		quotaBlocksTotal.Inc()
		return false, nil
	}

	if state.NeedsThrottling() {
		t.logger.Warn().
			Int("calls_used", state.CallsUsed).
			Int("remaining", state.Remaining()).
			Msg("Daily upstream quota nearly spent")

		quotaWarningsTotal.Inc()
	}

	return true, nil
}
