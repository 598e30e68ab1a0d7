package engine

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy bounds phase retries for transient provisioning errors.
// Validation and configuration failures are never retried. The documented
// material leaves budget and curve as tunables, so every field is
// configurable; the defaults below are the shipped policy.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget per phase, including the
	// first attempt.
	MaxAttempts int

	// BaseDelay is the backoff delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration

	// Jitter is the fraction of the delay randomized (+/- Jitter/2).
	Jitter float64
}

// DefaultRetryPolicy is the shipped retry policy: 3 attempts, exponential
// doubling from 1s, capped at 1 minute, with 25% jitter.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    time.Minute,
		Jitter:      0.25,
	}
}

// Backoff returns the delay before retry number attempt (1-based: the delay
// after the first failed attempt is Backoff(1)).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}

	if p.Jitter > 0 {
		jitter := time.Duration(float64(delay) * p.Jitter)
		delay = delay - jitter/2 + time.Duration(rand.Int63n(int64(jitter)+1))
	}

	return delay
}

// PhaseBudgets maps phases to retry policies, falling back to Default for
// phases without an explicit entry.
type PhaseBudgets struct {
	// Default applies to phases without an override.
	Default RetryPolicy

	// Overrides are per-phase policies.
	Overrides map[Phase]RetryPolicy
}

// DefaultPhaseBudgets returns the shipped per-phase budgets. Pure phases
// get a single attempt since nothing transient can occur in them.
func DefaultPhaseBudgets() PhaseBudgets {
	single := DefaultRetryPolicy()
	single.MaxAttempts = 1

	return PhaseBudgets{
		Default: DefaultRetryPolicy(),
		Overrides: map[Phase]RetryPolicy{
			PhaseAssess:   single,
			PhaseIdentify: single,
		},
	}
}

// For returns the retry policy for a phase. MaxAttempts is clamped to at
// least 1 so a misconfigured budget can never produce a phase that runs
// zero attempts.
func (b PhaseBudgets) For(phase Phase) RetryPolicy {
	p, ok := b.Overrides[phase]
	if !ok {
		p = b.Default
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	return p
}
