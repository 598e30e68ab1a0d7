package engine

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Verifier is the post-execution verification and validation engine. It
// polls the deployed worker until the required number of consecutive health
// checks pass (bounded by the configured timeout) and evaluates requirement
// compliance through the RequirementChecker.
type Verifier struct {
	health       HealthChecker
	requirements RequirementChecker
	interval     time.Duration
	log          zerolog.Logger
	clock        func() time.Time
}

// NewVerifier creates a verifier. interval is the delay between health
// polls; zero selects the 2s default.
func NewVerifier(health HealthChecker, requirements RequirementChecker, interval time.Duration, logger zerolog.Logger) *Verifier {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Verifier{
		health:       health,
		requirements: requirements,
		interval:     interval,
		log:          logger.With().Str("component", "verifier").Logger(),
		clock:        time.Now,
	}
}

// Health polls workerURL until reqs.MinHealthChecks consecutive checks pass
// or reqs.HealthTimeout elapses. The returned output is always usable; a
// failed verification sets Healthy false with a detail string.
func (v *Verifier) Health(ctx context.Context, session *OrchestrationSession, workerURL string, reqs Requirements) VerifyOutput {
	required := reqs.MinHealthChecks
	if required <= 0 {
		required = 1
	}
	timeout := reqs.HealthTimeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out := VerifyOutput{}
	consecutive := 0

	for {
		err := v.health.Check(pollCtx, workerURL)
		if err == nil {
			consecutive++
			out.ChecksPassed++
			if consecutive >= required {
				out.Healthy = true
				v.log.Info().
					Str("session_id", session.ID).
					Str("worker_url", workerURL).
					Int("checks", out.ChecksPassed).
					Msg("Worker verified healthy")
				return out
			}
		} else {
			consecutive = 0
			out.Detail = err.Error()
			v.log.Debug().Err(err).
				Str("session_id", session.ID).
				Str("worker_url", workerURL).
				Msg("Health check failed, will retry")
		}

		select {
		case <-pollCtx.Done():
			if out.Detail == "" {
				out.Detail = pollCtx.Err().Error()
			}
			out.Detail = "health verification timed out: " + out.Detail
			return out
		case <-time.After(v.interval):
		}
	}
}

// Compliance evaluates the deployed result against the session's business
// requirements. A nil RequirementChecker passes trivially.
func (v *Verifier) Compliance(ctx context.Context, cfg DomainConfig, reqs Requirements, deployed ExecuteOutput) (*ValidateOutput, error) {
	if v.requirements == nil {
		return &ValidateOutput{Compliant: true}, nil
	}
	return v.requirements.Check(ctx, cfg, reqs, deployed)
}
