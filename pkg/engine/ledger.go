package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
)

// Compensator executes one kind of compensating action during a ledger
// drain. Compensations must be idempotent (delete-if-exists semantics)
// because recovery may re-attempt a drain that was interrupted mid-way.
type Compensator interface {
	Compensate(ctx context.Context, payload json.RawMessage) error
}

// CompensatorFunc adapts a function to the Compensator interface.
type CompensatorFunc func(ctx context.Context, payload json.RawMessage) error

// Compensate implements Compensator.
func (f CompensatorFunc) Compensate(ctx context.Context, payload json.RawMessage) error {
	return f(ctx, payload)
}

// Ledger is the append-only stack of compensating actions for a session.
// Push and Drain are the only entry points: phases push an action right
// after performing a reversible side effect, and the orchestrator drains
// the stack in reverse push order on terminal failure.
type Ledger struct {
	store        StateStore
	compensators map[ActionKind]Compensator
	log          zerolog.Logger
	clock        func() time.Time
}

// NewLedger creates a rollback ledger over the given store. Compensators
// map action kinds to the collaborator call that undoes them.
func NewLedger(store StateStore, compensators map[ActionKind]Compensator, logger zerolog.Logger) *Ledger {
	return &Ledger{
		store:        store,
		compensators: compensators,
		log:          logger.With().Str("component", "rollback-ledger").Logger(),
		clock:        time.Now,
	}
}

// Push records a compensating action for a side effect that was just
// performed. Push never fails silently: when the ledger cannot persist the
// action, the side effect is unguarded, so Push compensates it immediately
// in the same call and returns a classified error. The caller must then
// treat the side effect itself as failed.
func (l *Ledger) Push(ctx context.Context, sessionID string, kind ActionKind, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return NewInternalError("marshal rollback payload", err).WithSession(sessionID)
	}

	action := &RollbackAction{
		SessionID: sessionID,
		Kind:      kind,
		Payload:   raw,
		CreatedAt: l.clock(),
	}

	if err := l.store.PushRollbackAction(ctx, action); err != nil {
		l.log.Error().Err(err).
			Str("session_id", sessionID).
			Str("kind", string(kind)).
			Msg("Ledger push failed, compensating side effect immediately")

		if compErr := l.execute(ctx, action); compErr != nil {
			// The side effect is now both unrecorded and uncompensated.
			// Surface both failures; manual cleanup is required.
			return NewCompensationError("ledger push failed and immediate compensation failed", compErr).
				WithSession(sessionID)
		}
		return NewInternalError("failed to record rollback action, side effect compensated", err).
			WithSession(sessionID)
	}

	l.log.Debug().
		Str("session_id", sessionID).
		Str("kind", string(kind)).
		Int64("sequence", action.Sequence).
		Msg("Rollback action recorded")

	return nil
}

// DrainReport summarizes one ledger drain.
type DrainReport struct {
	// Executed is the number of compensations that ran successfully.
	Executed int

	// Failures lists compensation failures. The drain continues past
	// failures to maximize partial cleanup.
	Failures []SessionError
}

// Drain pops and executes unexecuted actions in LIFO order, marking each as
// executed. Compensation failures are audited individually and the drain
// continues to the next action; a full best-effort drain beats giving up
// early. Draining an already-drained ledger is a no-op.
func (l *Ledger) Drain(ctx context.Context, sessionID string) (*DrainReport, error) {
	actions, err := l.store.ListRollbackActions(ctx, sessionID, false)
	if err != nil {
		return nil, NewInternalError("list rollback actions", err).WithSession(sessionID)
	}

	report := &DrainReport{}
	if len(actions) == 0 {
		return report, nil
	}

	if err := l.store.AppendAudit(ctx, &AuditEntry{
		SessionID: sessionID,
		Timestamp: l.clock(),
		Actor:     "rollback-ledger",
		Action:    AuditRollbackStarted,
		Detail:    "draining compensating actions",
	}); err != nil {
		return nil, NewInternalError("audit rollback start", err).WithSession(sessionID)
	}

	// Reverse chronological order: undo the most recent side effect first.
	for i := len(actions) - 1; i >= 0; i-- {
		action := actions[i]

		if err := l.execute(ctx, action); err != nil {
			l.log.Warn().Err(err).
				Str("session_id", sessionID).
				Str("kind", string(action.Kind)).
				Int64("sequence", action.Sequence).
				Msg("Compensation failed, continuing drain")

			report.Failures = append(report.Failures, SessionError{
				Class:   ClassCompensation,
				Code:    CodeCompensationFailed,
				Message: err.Error(),
			})

			_ = l.store.AppendAudit(ctx, &AuditEntry{
				SessionID: sessionID,
				Timestamp: l.clock(),
				Actor:     "rollback-ledger",
				Action:    AuditCompensationFailed,
				Detail:    string(action.Kind) + ": " + err.Error(),
			})
			continue
		}

		if err := l.store.MarkRollbackExecuted(ctx, sessionID, action.Sequence); err != nil {
			return report, NewInternalError("mark rollback action executed", err).WithSession(sessionID)
		}
		report.Executed++

		_ = l.store.AppendAudit(ctx, &AuditEntry{
			SessionID: sessionID,
			Timestamp: l.clock(),
			Actor:     "rollback-ledger",
			Action:    AuditRollbackExecuted,
			Detail:    string(action.Kind),
		})
	}

	l.log.Info().
		Str("session_id", sessionID).
		Int("executed", report.Executed).
		Int("failed", len(report.Failures)).
		Msg("Rollback ledger drained")

	return report, nil
}

func (l *Ledger) execute(ctx context.Context, action *RollbackAction) error {
	comp, ok := l.compensators[action.Kind]
	if !ok {
		return NewCompensationError("no compensator registered for kind "+string(action.Kind), nil)
	}
	return comp.Compensate(ctx, action.Payload)
}
