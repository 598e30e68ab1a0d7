package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// StateManager owns the per-domain session state machine. All session
// mutations flow through it, and every mutation appends exactly one audit
// entry atomically with the state change: both are committed in a single
// store transaction or neither is.
type StateManager struct {
	store StateStore
	log   zerolog.Logger
	clock func() time.Time
}

// NewStateManager creates a state manager over the given store.
func NewStateManager(store StateStore, logger zerolog.Logger) *StateManager {
	return &StateManager{
		store: store,
		log:   logger.With().Str("component", "state-manager").Logger(),
		clock: time.Now,
	}
}

// CreateSession creates a new pending session for a domain deployment
// attempt and records its creation in the audit trail.
func (m *StateManager) CreateSession(ctx context.Context, cfg DomainConfig, actor string, dryRun bool) (*OrchestrationSession, error) {
	now := m.clock()
	session := &OrchestrationSession{
		ID:           uuid.New().String(),
		Domain:       cfg.Domain,
		Customer:     cfg.Customer,
		Environment:  cfg.Environment,
		CurrentPhase: Lifecycle[0],
		Status:       StatusPending,
		DryRun:       dryRun,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	audit := &AuditEntry{
		SessionID: session.ID,
		Timestamp: now,
		Actor:     actor,
		Action:    AuditSessionCreated,
		Detail:    fmt.Sprintf("domain=%s customer=%s environment=%s dry_run=%v", cfg.Domain, cfg.Customer, cfg.Environment, dryRun),
	}

	if err := m.store.CreateSession(ctx, session, cfg, audit); err != nil {
		return nil, NewInternalError("create session", err)
	}

	m.log.Info().
		Str("session_id", session.ID).
		Str("domain", session.Domain).
		Bool("dry_run", dryRun).
		Msg("Session created")

	return session, nil
}

// Transition moves the session into phase. The transition is permitted only
// when the preceding phase's latest record has outcome Success, or the
// session is in AwaitingRecovery and phase is its resume point. Any other
// request fails with an InvalidTransition error.
func (m *StateManager) Transition(ctx context.Context, session *OrchestrationSession, phase Phase, actor string) error {
	if session.Status.IsTerminal() {
		return m.invalidTransition(session, phase, "session is terminal")
	}
	if !phase.Valid() {
		return m.invalidTransition(session, phase, "unknown phase")
	}

	if err := m.checkOrder(ctx, session, phase); err != nil {
		return err
	}

	resumed := session.Status == StatusAwaitingRecovery

	session.CurrentPhase = phase
	session.Status = StatusRunning
	session.UpdatedAt = m.clock()

	action := AuditPhaseStarted
	detail := fmt.Sprintf("phase=%s", phase)
	if resumed {
		action = AuditSessionResumed
		detail = fmt.Sprintf("resumed at phase=%s", phase)
	}

	audit := &AuditEntry{
		SessionID: session.ID,
		Timestamp: session.UpdatedAt,
		Actor:     actor,
		Action:    action,
		Detail:    detail,
	}

	if err := m.store.UpdateSession(ctx, session, audit); err != nil {
		return NewInternalError("persist phase transition", err).
			WithPhase(phase).WithSession(session.ID)
	}

	return nil
}

// SetStatus moves the session into a new status and audits the change. The
// transition is rejected when the session is already terminal.
func (m *StateManager) SetStatus(ctx context.Context, session *OrchestrationSession, status SessionStatus, actor, detail string) error {
	if session.Status.IsTerminal() && session.Status != status {
		return m.invalidTransition(session, session.CurrentPhase,
			fmt.Sprintf("cannot move terminal status %s to %s", session.Status, status))
	}

	session.Status = status
	session.UpdatedAt = m.clock()

	audit := &AuditEntry{
		SessionID: session.ID,
		Timestamp: session.UpdatedAt,
		Actor:     actor,
		Action:    AuditStatusChanged,
		Detail:    fmt.Sprintf("status=%s %s", status, detail),
	}

	if err := m.store.UpdateSession(ctx, session, audit); err != nil {
		return NewInternalError("persist status change", err).WithSession(session.ID)
	}

	return nil
}

// RecordAttempt appends one phase attempt record and audits its outcome.
func (m *StateManager) RecordAttempt(ctx context.Context, record *PhaseRecord, actor string) error {
	if err := m.store.AppendPhaseRecord(ctx, record); err != nil {
		return NewInternalError("append phase record", err).
			WithPhase(record.Phase).WithSession(record.SessionID)
	}

	action := AuditPhaseSucceeded
	detail := fmt.Sprintf("phase=%s attempt=%d", record.Phase, record.Attempt)
	switch record.Outcome {
	case OutcomeFailure:
		action = AuditPhaseFailed
		detail += " error=" + record.ErrorDetail
	case OutcomeSkipped:
		action = AuditPhaseSkipped
	}

	if err := m.store.AppendAudit(ctx, &AuditEntry{
		SessionID: record.SessionID,
		Timestamp: m.clock(),
		Actor:     actor,
		Action:    action,
		Detail:    detail,
	}); err != nil {
		return NewInternalError("audit phase attempt", err).WithSession(record.SessionID)
	}

	return nil
}

// NextAttempt returns the next attempt number for a phase, counting
// existing records.
func (m *StateManager) NextAttempt(ctx context.Context, sessionID string, phase Phase) (int, error) {
	records, err := m.store.ListPhaseRecords(ctx, sessionID)
	if err != nil {
		return 0, NewInternalError("list phase records", err).WithSession(sessionID)
	}

	attempt := 1
	for _, r := range records {
		if r.Phase == phase && r.Attempt >= attempt {
			attempt = r.Attempt + 1
		}
	}
	return attempt, nil
}

// checkOrder enforces the lifecycle ordering invariant: a record for phase
// N cannot exist without a Success record for phase N-1, except during
// recovery replay.
func (m *StateManager) checkOrder(ctx context.Context, session *OrchestrationSession, phase Phase) error {
	idx := phase.Index()
	if idx == 0 {
		return nil
	}

	records, err := m.store.ListPhaseRecords(ctx, session.ID)
	if err != nil {
		return NewInternalError("list phase records", err).WithSession(session.ID)
	}

	prev := Lifecycle[idx-1]
	var latest *PhaseRecord
	for _, r := range records {
		if r.Phase == prev {
			latest = r
		}
	}

	if latest != nil && latest.Outcome == OutcomeSuccess {
		return nil
	}

	if session.Status == StatusAwaitingRecovery {
		// Recovery resolves to the phase following the last completed one;
		// the bridge, not the record set, is authoritative there.
		last, ok, err := m.store.LatestCompletedPhase(ctx, session.ID)
		if err != nil {
			return NewInternalError("resolve resume point", err).WithSession(session.ID)
		}
		if ok && last.Index() == idx-1 {
			return nil
		}
	}

	return m.invalidTransition(session, phase,
		fmt.Sprintf("phase %s has no success record", prev))
}

func (m *StateManager) invalidTransition(session *OrchestrationSession, phase Phase, reason string) error {
	m.log.Warn().
		Str("session_id", session.ID).
		Str("status", string(session.Status)).
		Str("phase", string(phase)).
		Str("reason", reason).
		Msg("Invalid transition rejected")

	return (&OrchestrationError{
		Class:   ClassInternal,
		Code:    CodeInvalidTransition,
		Message: "invalid transition: " + reason,
	}).WithPhase(phase).WithSession(session.ID)
}
