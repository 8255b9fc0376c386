package quota

import (
	"testing"
	"time"
)

func TestQuotaState_NeedsCriticalBlock(t *testing.T) {
	tests := []struct {
		name     string
		used     int
		limit    int
		expected bool
	}{
		{name: "well below limit", used: 10, limit: 500, expected: false},
		{name: "one below limit", used: 499, limit: 500, expected: false},
		{name: "at limit", used: 500, limit: 500, expected: true},
		{name: "above limit", used: 510, limit: 500, expected: true},
		{name: "gating disabled", used: 10000, limit: 0, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := &QuotaState{CallsUsed: tt.used, DailyLimit: tt.limit}
			if got := state.NeedsCriticalBlock(); got != tt.expected {
				t.Errorf("NeedsCriticalBlock() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestQuotaState_NeedsThrottling(t *testing.T) {
	tests := []struct {
		name     string
		used     int
		expected bool
	}{
		{name: "healthy", used: 100, expected: false},
		{name: "just below warning", used: 449, expected: false},
		{name: "at warning", used: 450, expected: true},
		{name: "critical is not throttling", used: 500, expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			state := &QuotaState{CallsUsed: tt.used, DailyLimit: 500}
			if got := state.NeedsThrottling(); got != tt.expected {
				t.Errorf("NeedsThrottling() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestQuotaState_Remaining(t *testing.T) {
	state := &QuotaState{CallsUsed: 120, DailyLimit: 500}
	if got := state.Remaining(); got != 380 {
		t.Errorf("Remaining() = %d, want 380", got)
	}
	state.CallsUsed = 600
	if got := state.Remaining(); got != 0 {
		t.Errorf("Remaining() = %d, want 0", got)
	}
}

func TestQuotaState_UpdateHealth(t *testing.T) {
	state := &QuotaState{CallsUsed: 249, DailyLimit: 500}
	state.UpdateHealth()
	if !state.IsHealthy {
		t.Error("249/500 should be healthy")
	}
	state.CallsUsed = 250
	state.UpdateHealth()
	if state.IsHealthy {
		t.Error("250/500 should not be healthy")
	}
}

func TestQuotaState_TimeUntilReset(t *testing.T) {
	past := &QuotaState{ResetAt: time.Now().Add(-time.Minute)}
	if got := past.TimeUntilReset(); got != 0 {
		t.Errorf("TimeUntilReset() = %v, want 0", got)
	}
	future := &QuotaState{ResetAt: time.Now().Add(time.Hour)}
	if got := future.TimeUntilReset(); got <= 59*time.Minute {
		t.Errorf("TimeUntilReset() = %v, want ~1h", got)
	}
}

func TestDayKeyAndReset(t *testing.T) {
	at := time.Date(2023, time.June, 30, 23, 59, 0, 0, time.UTC)
	if got := dayKey(at); got != "bls:quota:calls:2023-06-30" {
		t.Errorf("dayKey() = %q", got)
	}
	want := time.Date(2023, time.July, 1, 0, 0, 0, 0, time.UTC)
	if got := nextReset(at); !got.Equal(want) {
		t.Errorf("nextReset() = %v, want %v", got, want)
	}
}
