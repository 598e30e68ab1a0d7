package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openverge/openverge/pkg/telemetry"
)

// Lifecycle event types published to the EventPublisher.
const (
	EventSessionStarted    = "session.started"
	EventSessionResumed    = "session.resumed"
	EventSessionCompleted  = "session.completed"
	EventSessionFailed     = "session.failed"
	EventPhaseStarted      = "phase.started"
	EventPhaseSucceeded    = "phase.succeeded"
	EventPhaseFailed       = "phase.failed"
	EventPhaseRetried      = "phase.retried"
	EventRollbackExecuted  = "rollback.executed"
	EventVerificationWarn  = "verification.warning"
)

// Config assembles an Orchestrator's dependencies.
type Config struct {
	// Store is the durable state store.
	Store StateStore

	// Collaborators are the real Provisioning Collaborators. Dry-run
	// sessions substitute simulated ones automatically.
	Collaborators Collaborators

	// Artifacts inspects worker bundles during Identify.
	Artifacts ArtifactVerifier

	// Health probes deployed workers during Verify.
	Health HealthChecker

	// Requirements evaluates compliance during Validate. Optional.
	Requirements RequirementChecker

	// Events receives lifecycle events. Optional.
	Events EventPublisher

	// Metrics records orchestration metrics. Optional.
	Metrics *telemetry.Metrics

	// Logger is the base logger; component loggers derive from it.
	Logger zerolog.Logger

	// Concurrency bounds parallel domain sessions (default 3, max 5).
	Concurrency int

	// PhaseTimeout bounds each collaborator call (default 5m).
	PhaseTimeout time.Duration

	// PollInterval is the Verify health poll interval (default 2s).
	PollInterval time.Duration

	// Budgets are the per-phase retry budgets (default DefaultPhaseBudgets).
	Budgets *PhaseBudgets

	// Owner identifies this orchestrator instance for session claims.
	// Defaults to a random identifier.
	Owner string
}

// DeployOptions are the per-call options for Deploy.
type DeployOptions struct {
	// Concurrency overrides the configured concurrency bound when > 0,
	// capped at 5 like the configured bound.
	Concurrency int

	// DryRun simulates all collaborator calls while still producing the
	// full phase record, audit and bridge trail.
	DryRun bool
}

// Orchestrator is the multi-domain coordinator. It fans out one session per
// requested domain under a bounded concurrency limit, drives the state
// manager, data bridge and rollback ledger for each session, and aggregates
// results. Phases within a session are strictly sequential; sessions for
// different domains are fully isolated from one another.
type Orchestrator struct {
	store   StateStore
	bridge  *DataBridge
	state   *StateManager
	runner  *phaseRunner
	dryrun  *phaseRunner
	events  EventPublisher
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	log     zerolog.Logger

	concurrency  int
	phaseTimeout time.Duration
	budgets      PhaseBudgets
	owner        string
}

// NewOrchestrator creates an orchestrator from cfg.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Store == nil {
		return nil, NewValidationError("store is required", nil)
	}
	if cfg.Artifacts == nil {
		return nil, NewValidationError("artifact verifier is required", nil)
	}
	if cfg.Health == nil {
		return nil, NewValidationError("health checker is required", nil)
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 3
	}
	if concurrency > 5 {
		concurrency = 5
	}

	phaseTimeout := cfg.PhaseTimeout
	if phaseTimeout <= 0 {
		phaseTimeout = 5 * time.Minute
	}

	budgets := DefaultPhaseBudgets()
	if cfg.Budgets != nil {
		budgets = *cfg.Budgets
	}

	owner := cfg.Owner
	if owner == "" {
		owner = "orchestrator-" + uuid.New().String()[:8]
	}

	log := cfg.Logger.With().Str("component", "orchestrator").Logger()
	bridge := NewDataBridge(cfg.Store, cfg.Logger)
	verifier := NewVerifier(cfg.Health, cfg.Requirements, cfg.PollInterval, cfg.Logger)

	o := &Orchestrator{
		store:        cfg.Store,
		bridge:       bridge,
		state:        NewStateManager(cfg.Store, cfg.Logger),
		events:       cfg.Events,
		metrics:      cfg.Metrics,
		tracer:       otel.Tracer("github.com/openverge/openverge/pkg/engine"),
		log:          log,
		concurrency:  concurrency,
		phaseTimeout: phaseTimeout,
		budgets:      budgets,
		owner:        owner,
	}

	o.runner = &phaseRunner{
		bridge:    bridge,
		ledger:    NewLedger(cfg.Store, compensators(cfg.Collaborators), cfg.Logger),
		collabs:   cfg.Collaborators,
		artifacts: cfg.Artifacts,
		verifier:  verifier,
		metrics:   cfg.Metrics,
		log:       cfg.Logger.With().Str("component", "phase-runner").Logger(),
	}

	// Dry-run sessions get a simulated health checker and a trivially
	// passing compliance check alongside the simulated collaborators:
	// nothing external may be touched, including the worker URL.
	simulated := DryRunCollaborators()
	o.dryrun = &phaseRunner{
		bridge:    bridge,
		ledger:    NewLedger(cfg.Store, compensators(simulated), cfg.Logger),
		collabs:   simulated,
		artifacts: cfg.Artifacts,
		verifier:  NewVerifier(dryRunHealth{}, nil, 10*time.Millisecond, cfg.Logger),
		metrics:   cfg.Metrics,
		log:       cfg.Logger.With().Str("component", "phase-runner").Bool("dry_run", true).Logger(),
	}

	return o, nil
}

// compensators maps rollback action kinds to collaborator compensate calls.
func compensators(c Collaborators) map[ActionKind]Compensator {
	return map[ActionKind]Compensator{
		ActionDeleteDatabase: CompensatorFunc(func(ctx context.Context, payload json.RawMessage) error {
			var p struct {
				DatabaseID string `json:"database_id"`
			}
			if err := json.Unmarshal(payload, &p); err != nil {
				return fmt.Errorf("failed to decode delete-database payload: %w", err)
			}
			return c.Database.Compensate(ctx, p.DatabaseID)
		}),
		ActionRevokeSecret: CompensatorFunc(func(ctx context.Context, payload json.RawMessage) error {
			var p struct {
				Refs []SecretRef `json:"refs"`
			}
			if err := json.Unmarshal(payload, &p); err != nil {
				return fmt.Errorf("failed to decode revoke-secret payload: %w", err)
			}
			return c.Secrets.Compensate(ctx, p.Refs)
		}),
		ActionRemoveWorker: CompensatorFunc(func(ctx context.Context, payload json.RawMessage) error {
			var p struct {
				DeploymentID string `json:"deployment_id"`
			}
			if err := json.Unmarshal(payload, &p); err != nil {
				return fmt.Errorf("failed to decode remove-worker payload: %w", err)
			}
			return c.Deployer.Compensate(ctx, p.DeploymentID)
		}),
	}
}

// Deploy runs one session per domain configuration, bounded by the
// concurrency limit, and returns one result per config in input order.
func (o *Orchestrator) Deploy(ctx context.Context, configs []DomainConfig, opts DeployOptions) []SessionResult {
	limit := o.concurrency
	if opts.Concurrency > 0 {
		limit = opts.Concurrency
		if limit > 5 {
			limit = 5
		}
	}

	results := make([]SessionResult, len(configs))
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup

	for i := range configs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			results[i] = o.runDomain(ctx, configs[i], opts.DryRun)
		}(i)
	}

	wg.Wait()
	return results
}

// Resume continues an interrupted session from the phase following its last
// Success record, using the configuration persisted at session creation.
// Exactly one concurrent resumer wins; the rest fail fast with a recovery
// conflict.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) SessionResult {
	cfg, err := o.store.GetDomainConfig(ctx, sessionID)
	if err != nil {
		return failedResult(sessionID, "", NewInternalError("load session config", err).WithSession(sessionID))
	}
	return o.ResumeWithConfig(ctx, sessionID, *cfg)
}

// ResumeWithConfig is Resume with a caller-supplied configuration, used
// when the persisted bundle must be re-hydrated with raw secret values
// (which are never stored).
func (o *Orchestrator) ResumeWithConfig(ctx context.Context, sessionID string, cfg DomainConfig) SessionResult {
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return failedResult(sessionID, cfg.Domain, NewInternalError("load session", err).WithSession(sessionID))
	}

	if session.Status.IsTerminal() {
		return failedResult(sessionID, cfg.Domain,
			NewValidationError(fmt.Sprintf("session is already %s", session.Status), nil).WithSession(sessionID))
	}

	return o.runSession(ctx, session, cfg, true)
}

// RecoverInterrupted flips sessions left Pending or Running by a previous
// process into AwaitingRecovery so they become resumable. Called once at
// startup before any deploy or resume.
func (o *Orchestrator) RecoverInterrupted(ctx context.Context) ([]string, error) {
	var recovered []string
	for _, status := range []SessionStatus{StatusPending, StatusRunning} {
		s := status
		sessions, err := o.store.ListSessions(ctx, &s)
		if err != nil {
			return nil, NewInternalError("list interrupted sessions", err)
		}
		for _, session := range sessions {
			if err := o.state.SetStatus(ctx, session, StatusAwaitingRecovery, o.owner,
				"in-flight session discovered at startup"); err != nil {
				return nil, err
			}
			recovered = append(recovered, session.ID)
		}
	}
	return recovered, nil
}

// GetAuditTrail returns the full audit trail for a session.
func (o *Orchestrator) GetAuditTrail(ctx context.Context, sessionID string) ([]*AuditEntry, error) {
	return o.store.ListAudit(ctx, sessionID)
}

// SessionsAwaitingRecovery enumerates resumable sessions.
func (o *Orchestrator) SessionsAwaitingRecovery(ctx context.Context) ([]string, error) {
	return o.bridge.SessionsAwaitingRecovery(ctx)
}

// runDomain creates or resumes the session for one domain configuration.
func (o *Orchestrator) runDomain(ctx context.Context, cfg DomainConfig, dryRun bool) SessionResult {
	// Recovery check first: an awaiting session for the same domain key
	// is resumed instead of starting a fresh attempt.
	status := StatusAwaitingRecovery
	awaiting, err := o.store.ListSessions(ctx, &status)
	if err != nil {
		return failedResult("", cfg.Domain, NewInternalError("recovery check", err))
	}
	for _, s := range awaiting {
		if s.Domain == cfg.Domain && s.Customer == cfg.Customer && s.Environment == cfg.Environment {
			return o.runSession(ctx, s, cfg, true)
		}
	}

	session, err := o.state.CreateSession(ctx, cfg, o.owner, dryRun)
	if err != nil {
		return failedResult("", cfg.Domain, err)
	}

	return o.runSession(ctx, session, cfg, false)
}

// runSession drives one session through its remaining phases.
func (o *Orchestrator) runSession(ctx context.Context, session *OrchestrationSession, cfg DomainConfig, resuming bool) SessionResult {
	result := SessionResult{SessionID: session.ID, Domain: session.Domain}

	claimed, err := o.store.ClaimSession(ctx, session.ID, o.owner)
	if err != nil {
		return failedResult(session.ID, session.Domain, NewInternalError("claim session", err).WithSession(session.ID))
	}
	if !claimed {
		// Another process owns the session: fail fast, no rollback, the
		// session itself is untouched.
		conflict := NewConflictError("session is claimed by another orchestrator", nil).WithSession(session.ID)
		result.Status = session.Status
		result.Errors = append(result.Errors, toSessionError(conflict, ""))
		return result
	}
	defer func() {
		_ = o.store.ReleaseSession(context.WithoutCancel(ctx), session.ID, o.owner)
	}()

	sessionCtx, span := o.tracer.Start(ctx, "session",
		trace.WithAttributes(
			attribute.String("session.id", session.ID),
			attribute.String("session.domain", session.Domain),
			attribute.Bool("session.dry_run", session.DryRun),
		))
	defer span.End()

	runner := o.runner
	if session.DryRun {
		runner = o.dryrun
	}

	start := Lifecycle[0]
	if resuming {
		next, done, err := o.bridge.ResumePoint(sessionCtx, session.ID)
		if err != nil {
			return o.finishFailed(sessionCtx, session, runner, result, err)
		}
		if done {
			// Every phase already completed; only the terminal status was
			// lost. Close the session out without re-executing anything.
			if err := o.state.SetStatus(sessionCtx, session, StatusCompleted, o.owner, "recovered completed session"); err != nil {
				return o.finishFailed(sessionCtx, session, runner, result, err)
			}
			result.Status = StatusCompleted
			return result
		}
		start = next
		o.skipCompleted(sessionCtx, session, start)
		o.publish(sessionCtx, session, EventSessionResumed, "", "resuming at phase "+string(start))
	} else {
		o.publish(sessionCtx, session, EventSessionStarted, "", "session started")
	}

	if o.metrics != nil {
		o.metrics.RecordSessionStarted(session.Domain)
	}

	var warnings []string

	for idx := start.Index(); idx < len(Lifecycle); idx++ {
		phase := Lifecycle[idx]

		// Cancellation is only observed between phases; an in-flight
		// phase runs to completion so its side effect is never left
		// unguarded.
		if ctx.Err() != nil {
			cancelErr := (&OrchestrationError{
				Class:   ClassInternal,
				Code:    CodeCancelled,
				Message: "session cancelled before phase " + string(phase),
				Err:     ctx.Err(),
			}).WithSession(session.ID)
			return o.rollbackAndFinish(sessionCtx, session, runner, result, cancelErr, StatusCancelled)
		}

		if err := o.state.Transition(sessionCtx, session, phase, o.owner); err != nil {
			return o.finishFailed(sessionCtx, session, runner, result, err)
		}
		o.publish(sessionCtx, session, EventPhaseStarted, phase, "phase started")

		res, err := o.runPhase(sessionCtx, session, cfg, runner, phase)
		if err != nil {
			result.Errors = append(result.Errors, toSessionError(err, phase))
			if IsValidation(err) {
				// Nothing executed; fail without draining.
				return o.finishFailed(sessionCtx, session, runner, result, err)
			}
			return o.rollbackAndFinish(sessionCtx, session, runner, result, err, StatusFailed)
		}

		warnings = append(warnings, res.warnings...)
		for _, w := range res.warnings {
			o.publish(sessionCtx, session, EventVerificationWarn, phase, w)
			_ = o.store.AppendAudit(sessionCtx, &AuditEntry{
				SessionID: session.ID,
				Timestamp: time.Now(),
				Actor:     o.owner,
				Action:    AuditVerificationWarning,
				Detail:    w,
			})
		}
		o.publish(sessionCtx, session, EventPhaseSucceeded, phase, "phase succeeded")
	}

	finalStatus := StatusCompleted
	detail := "all phases completed"
	if len(warnings) > 0 {
		// Verification findings downgrade the session instead of rolling
		// back a reachable deployment.
		finalStatus = StatusCompletedWithWarnings
		detail = fmt.Sprintf("completed with %d warnings", len(warnings))
	}

	if err := o.state.SetStatus(sessionCtx, session, finalStatus, o.owner, detail); err != nil {
		return o.finishFailed(sessionCtx, session, runner, result, err)
	}

	result.Status = finalStatus
	result.Warnings = warnings
	result.WorkerURL = o.workerURL(sessionCtx, session.ID)
	o.publish(sessionCtx, session, EventSessionCompleted, "", detail)
	if o.metrics != nil {
		o.metrics.RecordSessionCompleted(string(finalStatus))
	}

	return result
}

// runPhase executes one phase with its retry budget. Each attempt appends
// its own PhaseRecord; on success the output is persisted to the bridge
// before the Success record is written.
func (o *Orchestrator) runPhase(ctx context.Context, session *OrchestrationSession, cfg DomainConfig, runner *phaseRunner, phase Phase) (*phaseResult, error) {
	policy := o.budgets.For(phase)

	phaseCtx, span := o.tracer.Start(ctx, "phase."+string(phase),
		trace.WithAttributes(attribute.String("session.id", session.ID)))
	defer span.End()

	var lastErr error

	for {
		attempt, err := o.state.NextAttempt(phaseCtx, session.ID, phase)
		if err != nil {
			return nil, err
		}
		if attempt > policy.MaxAttempts {
			break
		}

		started := time.Now()

		// The attempt gets its own timeout but deliberately not the
		// caller's cancellation: a mid-phase cancel must let the attempt
		// finish so the rollback action for its side effect gets pushed.
		attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(phaseCtx), o.phaseTimeout)
		res, runErr := runner.run(attemptCtx, session, cfg, phase)
		cancel()

		if runErr == nil {
			if _, putErr := o.bridge.Put(phaseCtx, session.ID, phase, res.output); putErr != nil {
				// A failed put must not silently lose the result: the
				// whole phase is treated as failed and retried.
				runErr = NewTransientError("phase output not persisted", putErr).
					WithCode(CodeBridgeFailed).WithPhase(phase).WithSession(session.ID)
			}
		}

		finished := time.Now()
		record := &PhaseRecord{
			SessionID: session.ID,
			Phase:     phase,
			Attempt:   attempt,
			StartedAt: started,
			FinishedAt: &finished,
		}
		if runErr == nil {
			record.Outcome = OutcomeSuccess
			raw, _ := json.Marshal(res.output)
			record.Output = raw
		} else {
			record.Outcome = OutcomeFailure
			record.ErrorDetail = runErr.Error()
		}

		if err := o.state.RecordAttempt(phaseCtx, record, o.owner); err != nil {
			return nil, err
		}
		if o.metrics != nil {
			o.metrics.ObservePhaseDuration(string(phase), string(record.Outcome), finished.Sub(started).Seconds())
		}

		if runErr == nil {
			return res, nil
		}

		lastErr = runErr
		if !IsRetryable(runErr) || attempt >= policy.MaxAttempts {
			break
		}

		backoff := policy.Backoff(attempt)
		o.log.Warn().Err(runErr).
			Str("session_id", session.ID).
			Str("phase", string(phase)).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Msg("Phase attempt failed, retrying")
		o.publish(phaseCtx, session, EventPhaseRetried, phase,
			fmt.Sprintf("attempt %d/%d failed: %v", attempt, policy.MaxAttempts, runErr))
		if o.metrics != nil {
			o.metrics.RecordRetry(string(phase))
		}

		select {
		case <-time.After(backoff):
		case <-phaseCtx.Done():
			return nil, lastErr
		}
	}

	o.publish(ctx, session, EventPhaseFailed, phase, fmt.Sprintf("phase failed: %v", lastErr))
	return nil, lastErr
}

// rollbackAndFinish drains the ledger and closes the session. The terminal
// status is RolledBack when at least one compensation executed, otherwise
// the supplied fallback (Failed or Cancelled).
func (o *Orchestrator) rollbackAndFinish(ctx context.Context, session *OrchestrationSession, runner *phaseRunner, result SessionResult, cause error, fallback SessionStatus) SessionResult {
	// Draining proceeds even when the caller's context is gone; leaving
	// side effects unguarded is worse than finishing late.
	drainCtx := context.WithoutCancel(ctx)

	report, err := runner.ledger.Drain(drainCtx, session.ID)
	if err != nil {
		result.Errors = append(result.Errors, toSessionError(err, ""))
	}

	status := fallback
	detail := fmt.Sprintf("cause: %v", cause)
	if report != nil {
		result.Errors = append(result.Errors, report.Failures...)
		if report.Executed > 0 && status == StatusFailed {
			status = StatusRolledBack
			detail = fmt.Sprintf("%d compensations executed, cause: %v", report.Executed, cause)
		}
		if o.metrics != nil {
			o.metrics.RecordRollback(report.Executed, len(report.Failures))
		}
	}

	if err := o.state.SetStatus(drainCtx, session, status, o.owner, detail); err != nil {
		result.Errors = append(result.Errors, toSessionError(err, ""))
	}

	result.Status = status
	o.publish(drainCtx, session, EventSessionFailed, "", detail)
	if o.metrics != nil {
		o.metrics.RecordSessionCompleted(string(status))
	}
	return result
}

// finishFailed closes the session as Failed without draining (validation
// and internal bookkeeping failures before any side effect).
func (o *Orchestrator) finishFailed(ctx context.Context, session *OrchestrationSession, runner *phaseRunner, result SessionResult, cause error) SessionResult {
	if result.Status == "" {
		result.Status = StatusFailed
	}
	if len(result.Errors) == 0 {
		result.Errors = append(result.Errors, toSessionError(cause, session.CurrentPhase))
	}

	if !session.Status.IsTerminal() {
		if err := o.state.SetStatus(context.WithoutCancel(ctx), session, StatusFailed, o.owner,
			fmt.Sprintf("cause: %v", cause)); err != nil {
			result.Errors = append(result.Errors, toSessionError(err, ""))
		}
	}
	result.Status = StatusFailed
	o.publish(ctx, session, EventSessionFailed, "", cause.Error())
	if o.metrics != nil {
		o.metrics.RecordSessionCompleted(string(StatusFailed))
	}
	return result
}

// skipCompleted appends Skipped records for phases that already succeeded,
// so the recovery replay is visible in the record trail without ever
// re-executing a collaborator call.
func (o *Orchestrator) skipCompleted(ctx context.Context, session *OrchestrationSession, resumeAt Phase) {
	now := time.Now()
	for _, phase := range Lifecycle {
		if phase.Index() >= resumeAt.Index() {
			break
		}
		attempt, err := o.state.NextAttempt(ctx, session.ID, phase)
		if err != nil {
			o.log.Warn().Err(err).Str("session_id", session.ID).Msg("Failed to number skip record")
			return
		}
		finished := now
		_ = o.state.RecordAttempt(ctx, &PhaseRecord{
			SessionID:  session.ID,
			Phase:      phase,
			Attempt:    attempt,
			Outcome:    OutcomeSkipped,
			StartedAt:  now,
			FinishedAt: &finished,
		}, o.owner)
	}
}

// workerURL reads the Execute output, if present, for the final result.
func (o *Orchestrator) workerURL(ctx context.Context, sessionID string) string {
	var out ExecuteOutput
	if err := o.bridge.Get(ctx, sessionID, PhaseExecute, &out); err != nil {
		return ""
	}
	return out.WorkerURL
}

func (o *Orchestrator) publish(ctx context.Context, session *OrchestrationSession, eventType string, phase Phase, message string) {
	if o.events == nil {
		return
	}
	o.events.Publish(ctx, LifecycleEvent{
		Type:      eventType,
		SessionID: session.ID,
		Domain:    session.Domain,
		Phase:     phase,
		Message:   message,
		Timestamp: time.Now(),
	})
}

func toSessionError(err error, phase Phase) SessionError {
	se := SessionError{
		Phase:   phase,
		Class:   Classify(err),
		Message: err.Error(),
	}
	var oe *OrchestrationError
	if errors.As(err, &oe) {
		se.Code = oe.Code
		if oe.Phase != "" {
			se.Phase = oe.Phase
		}
	}
	return se
}

func failedResult(sessionID, domain string, err error) SessionResult {
	return SessionResult{
		SessionID: sessionID,
		Domain:    domain,
		Status:    StatusFailed,
		Errors:    []SessionError{toSessionError(err, "")},
	}
}
