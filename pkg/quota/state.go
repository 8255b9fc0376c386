// Package quota tracks the upstream daily request quota.
// The count of calls issued today is kept in Redis so that every process
// sharing one registration key sees the same budget.
package quota

import (
	"time"
)

// RedisKeyPrefix prefixes the per-day call counter key.
// Full key: bls:quota:calls:2006-01-02
const RedisKeyPrefix = "bls:quota:calls:"

// Thresholds for quota decisions, as a fraction of the daily limit.
const (
	// WarningRatio marks the quota as nearly spent.
	WarningRatio = 0.9

	// HealthyRatio is the usage below which no warnings are logged.
	HealthyRatio = 0.5
)

// QuotaState represents today's usage of the daily call quota.
type QuotaState struct {
	// CallsUsed is the number of upstream calls issued since the day started (UTC).
	CallsUsed int `json:"calls_used"`

	// DailyLimit is the configured number of calls allowed per day.
	DailyLimit int `json:"daily_limit"`

	// ResetAt is the start of the next UTC day.
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when this state was read or written.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true while usage is below HealthyRatio of the limit.
	IsHealthy bool `json:"is_healthy"`
}

// Remaining returns the calls left today, never negative.
func (s *QuotaState) Remaining() int {
	if s.CallsUsed >= s.DailyLimit {
		return 0
	}
	return s.DailyLimit - s.CallsUsed
}

// NeedsCriticalBlock returns true once the daily limit has been reached.
func (s *QuotaState) NeedsCriticalBlock() bool {
	return s.DailyLimit > 0 && s.CallsUsed >= s.DailyLimit
}

// NeedsThrottling returns true when usage crossed WarningRatio but the limit
// has not been reached yet.
func (s *QuotaState) NeedsThrottling() bool {
	if s.DailyLimit <= 0 {
		return false
	}
	return float64(s.CallsUsed) >= float64(s.DailyLimit)*WarningRatio && !s.NeedsCriticalBlock()
}

// TimeUntilReset returns the duration until the quota resets.
// Returns 0 if the reset time has already passed.
func (s *QuotaState) TimeUntilReset() time.Duration {
	duration := time.Until(s.ResetAt)
	if duration < 0 {
		return 0
	}
	return duration
}

// UpdateHealth updates IsHealthy from CallsUsed and DailyLimit.
func (s *QuotaState) UpdateHealth() {
	s.IsHealthy = s.DailyLimit <= 0 || float64(s.CallsUsed) < float64(s.DailyLimit)*HealthyRatio
}

// dayKey returns the Redis key of the counter for the UTC day containing t.
func dayKey(t time.Time) string {
	return RedisKeyPrefix + t.UTC().Format("2006-01-02")
}

// nextReset returns the start of the UTC day after t.
func nextReset(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}
