package engine

import (
	"testing"
	"time"
)

func TestBackoffExponentialGrowth(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		Jitter:      0,
	}

	for _, tc := range []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{0, time.Second}, // clamped to attempt 1
	} {
		if got := policy.Backoff(tc.attempt); got != tc.want {
			t.Errorf("Backoff(%d): expected %v, got %v", tc.attempt, tc.want, got)
		}
	}
}

func TestBackoffCappedAtMaxDelay(t *testing.T) {
	policy := RetryPolicy{
		MaxAttempts: 10,
		BaseDelay:   time.Second,
		MaxDelay:    5 * time.Second,
		Jitter:      0,
	}

	if got := policy.Backoff(8); got != 5*time.Second {
		t.Errorf("Expected backoff capped at 5s, got %v", got)
	}
}

func TestBackoffJitterBounds(t *testing.T) {
	policy := DefaultRetryPolicy()

	// 25% jitter around 2s: every sample must land in [1.75s, 2.25s].
	lo := 1750 * time.Millisecond
	hi := 2250 * time.Millisecond
	for i := 0; i < 200; i++ {
		got := policy.Backoff(2)
		if got < lo || got > hi {
			t.Fatalf("Backoff(2) sample %v outside [%v, %v]", got, lo, hi)
		}
	}
}

func TestDefaultRetryPolicy(t *testing.T) {
	policy := DefaultRetryPolicy()
	if policy.MaxAttempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", policy.MaxAttempts)
	}
	if policy.BaseDelay != time.Second || policy.MaxDelay != time.Minute {
		t.Errorf("Unexpected delay bounds: %v / %v", policy.BaseDelay, policy.MaxDelay)
	}
}

func TestPhaseBudgetsFor(t *testing.T) {
	budgets := DefaultPhaseBudgets()

	// The pure phases get a single attempt; everything else the default
	// budget.
	for _, phase := range []Phase{PhaseAssess, PhaseIdentify} {
		if got := budgets.For(phase).MaxAttempts; got != 1 {
			t.Errorf("For(%s): expected 1 attempt, got %d", phase, got)
		}
	}
	for _, phase := range []Phase{PhaseConstruct, PhaseOrchestrate, PhaseExecute, PhaseVerify, PhaseValidate} {
		if got := budgets.For(phase).MaxAttempts; got != 3 {
			t.Errorf("For(%s): expected 3 attempts, got %d", phase, got)
		}
	}
}

func TestPhaseBudgetsForClampsAttempts(t *testing.T) {
	budgets := PhaseBudgets{
		Default: RetryPolicy{MaxAttempts: 0, BaseDelay: time.Second},
		Overrides: map[Phase]RetryPolicy{
			PhaseConstruct: {MaxAttempts: -1, BaseDelay: time.Second},
		},
	}

	// A budget that would run zero attempts is clamped to one so every
	// phase always executes.
	if got := budgets.For(PhaseAssess).MaxAttempts; got != 1 {
		t.Errorf("For(%s): expected clamped 1 attempt, got %d", PhaseAssess, got)
	}
	if got := budgets.For(PhaseConstruct).MaxAttempts; got != 1 {
		t.Errorf("For(%s): expected clamped 1 attempt, got %d", PhaseConstruct, got)
	}
}
