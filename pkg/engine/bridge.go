package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// DataBridge is the durable, versioned store of per-phase outputs. It is
// the only channel through which one phase's result reaches the next, which
// keeps every phase a pure function of (DomainConfig, prior outputs) and
// makes resumption after a restart an exact skip-ahead rather than a
// re-discovery.
type DataBridge struct {
	store StateStore
	log   zerolog.Logger
}

// NewDataBridge creates a Data Bridge over the given store.
func NewDataBridge(store StateStore, logger zerolog.Logger) *DataBridge {
	return &DataBridge{
		store: store,
		log:   logger.With().Str("component", "data-bridge").Logger(),
	}
}

// Put persists a phase output and returns its version. A failed Put must be
// treated by the caller as a phase failure: the phase is retried whole, the
// result is never partially persisted.
func (b *DataBridge) Put(ctx context.Context, sessionID string, phase Phase, output any) (int64, error) {
	payload, err := json.Marshal(output)
	if err != nil {
		return 0, NewInternalError("marshal phase output", err).WithPhase(phase).WithSession(sessionID)
	}

	version, err := b.store.PutBridgeEntry(ctx, sessionID, phase, payload)
	if err != nil {
		return 0, NewInternalError("persist phase output", err).
			WithCode(CodeBridgeFailed).WithPhase(phase).WithSession(sessionID)
	}

	b.log.Debug().
		Str("session_id", sessionID).
		Str("phase", string(phase)).
		Int64("version", version).
		Msg("Phase output persisted")

	return version, nil
}

// Get reads the latest output of a phase into out. Returns ErrNotFound when
// the phase has not completed for this session.
func (b *DataBridge) Get(ctx context.Context, sessionID string, phase Phase, out any) error {
	return b.GetVersion(ctx, sessionID, phase, 0, out)
}

// GetVersion reads a specific output version into out. Version 0 means
// latest.
func (b *DataBridge) GetVersion(ctx context.Context, sessionID string, phase Phase, version int64, out any) error {
	payload, err := b.store.GetBridgeEntry(ctx, sessionID, phase, version)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return NewInternalError(fmt.Sprintf("decode %s output", phase), err).
			WithPhase(phase).WithSession(sessionID)
	}

	return nil
}

// LatestCompletedPhase reconstructs the last successfully-completed phase of
// a session. ok is false when no phase has completed yet.
func (b *DataBridge) LatestCompletedPhase(ctx context.Context, sessionID string) (Phase, bool, error) {
	return b.store.LatestCompletedPhase(ctx, sessionID)
}

// ResumePoint returns the phase a recovered session should resume at: the
// phase following the last completed one, or the first lifecycle phase when
// nothing has completed. done is true when the lifecycle already finished.
func (b *DataBridge) ResumePoint(ctx context.Context, sessionID string) (next Phase, done bool, err error) {
	last, ok, err := b.LatestCompletedPhase(ctx, sessionID)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return Lifecycle[0], false, nil
	}

	next, ok = last.Next()
	if !ok {
		return "", true, nil
	}
	return next, false, nil
}

// SessionsAwaitingRecovery enumerates sessions that were in flight when the
// process stopped and can be resumed.
func (b *DataBridge) SessionsAwaitingRecovery(ctx context.Context) ([]string, error) {
	status := StatusAwaitingRecovery
	sessions, err := b.store.ListSessions(ctx, &status)
	if err != nil {
		return nil, fmt.Errorf("failed to list recoverable sessions: %w", err)
	}

	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	return ids, nil
}
