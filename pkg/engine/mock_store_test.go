package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// In-memory StateStore for engine tests. Mirrors the sqlite store's
// semantics: copies in and out, ErrNotFound on missing rows, monotonic
// versions and sequences per session.
type memStore struct {
	mu       sync.Mutex
	order    []string
	sessions map[string]*OrchestrationSession
	configs  map[string]DomainConfig
	claims   map[string]string
	records  map[string][]*PhaseRecord
	bridge   map[string]map[Phase][]json.RawMessage
	rollback map[string][]*RollbackAction
	audit    map[string][]*AuditEntry
	auditSeq int64

	// Failure injection.
	pushErr error
}

func newMemStore() *memStore {
	return &memStore{
		sessions: make(map[string]*OrchestrationSession),
		configs:  make(map[string]DomainConfig),
		claims:   make(map[string]string),
		records:  make(map[string][]*PhaseRecord),
		bridge:   make(map[string]map[Phase][]json.RawMessage),
		rollback: make(map[string][]*RollbackAction),
		audit:    make(map[string][]*AuditEntry),
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func (m *memStore) CreateSession(_ context.Context, session *OrchestrationSession, cfg DomainConfig, audit *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.ID]; ok {
		return fmt.Errorf("session %s already exists", session.ID)
	}
	copied := *session
	m.sessions[session.ID] = &copied
	m.configs[session.ID] = cfg
	m.order = append(m.order, session.ID)
	m.appendAuditLocked(audit)
	return nil
}

func (m *memStore) GetDomainConfig(_ context.Context, sessionID string) (*DomainConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[sessionID]
	if !ok {
		return nil, fmt.Errorf("config for session %s: %w", sessionID, ErrNotFound)
	}
	return &cfg, nil
}

func (m *memStore) GetSession(_ context.Context, id string) (*OrchestrationSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	copied := *s
	return &copied, nil
}

func (m *memStore) UpdateSession(_ context.Context, session *OrchestrationSession, audit *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[session.ID]; !ok {
		return fmt.Errorf("session %s: %w", session.ID, ErrNotFound)
	}
	copied := *session
	m.sessions[session.ID] = &copied
	m.appendAuditLocked(audit)
	return nil
}

func (m *memStore) ListSessions(_ context.Context, status *SessionStatus) ([]*OrchestrationSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*OrchestrationSession
	for _, id := range m.order {
		s := m.sessions[id]
		if status != nil && s.Status != *status {
			continue
		}
		copied := *s
		out = append(out, &copied)
	}
	return out, nil
}

func (m *memStore) ClaimSession(_ context.Context, id, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if holder, ok := m.claims[id]; ok && holder != owner {
		return false, nil
	}
	m.claims[id] = owner
	return true, nil
}

func (m *memStore) ReleaseSession(_ context.Context, id, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.claims[id] == owner {
		delete(m.claims, id)
	}
	return nil
}

func (m *memStore) AppendPhaseRecord(_ context.Context, record *PhaseRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := *record
	m.records[record.SessionID] = append(m.records[record.SessionID], &copied)
	return nil
}

func (m *memStore) ListPhaseRecords(_ context.Context, sessionID string) ([]*PhaseRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*PhaseRecord, 0, len(m.records[sessionID]))
	for _, r := range m.records[sessionID] {
		copied := *r
		out = append(out, &copied)
	}
	return out, nil
}

func (m *memStore) PutBridgeEntry(_ context.Context, sessionID string, phase Phase, payload json.RawMessage) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bridge[sessionID] == nil {
		m.bridge[sessionID] = make(map[Phase][]json.RawMessage)
	}
	m.bridge[sessionID][phase] = append(m.bridge[sessionID][phase], append(json.RawMessage(nil), payload...))
	return int64(len(m.bridge[sessionID][phase])), nil
}

func (m *memStore) GetBridgeEntry(_ context.Context, sessionID string, phase Phase, version int64) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.bridge[sessionID][phase]
	if len(entries) == 0 {
		return nil, fmt.Errorf("bridge entry %s/%s: %w", sessionID, phase, ErrNotFound)
	}
	if version == 0 {
		return entries[len(entries)-1], nil
	}
	if version < 1 || int(version) > len(entries) {
		return nil, fmt.Errorf("bridge entry %s/%s version %d: %w", sessionID, phase, version, ErrNotFound)
	}
	return entries[version-1], nil
}

func (m *memStore) LatestCompletedPhase(_ context.Context, sessionID string) (Phase, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	latest := -1
	for phase := range m.bridge[sessionID] {
		if idx := phase.Index(); idx > latest {
			latest = idx
		}
	}
	if latest < 0 {
		return "", false, nil
	}
	return Lifecycle[latest], true, nil
}

func (m *memStore) PushRollbackAction(_ context.Context, action *RollbackAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pushErr != nil {
		return m.pushErr
	}
	action.Sequence = int64(len(m.rollback[action.SessionID]) + 1)
	copied := *action
	m.rollback[action.SessionID] = append(m.rollback[action.SessionID], &copied)
	return nil
}

func (m *memStore) ListRollbackActions(_ context.Context, sessionID string, includeExecuted bool) ([]*RollbackAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*RollbackAction
	for _, a := range m.rollback[sessionID] {
		if !includeExecuted && a.Executed {
			continue
		}
		copied := *a
		out = append(out, &copied)
	}
	return out, nil
}

func (m *memStore) MarkRollbackExecuted(_ context.Context, sessionID string, sequence int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, a := range m.rollback[sessionID] {
		if a.Sequence == sequence {
			a.Executed = true
			return nil
		}
	}
	return fmt.Errorf("rollback action %s/%d: %w", sessionID, sequence, ErrNotFound)
}

func (m *memStore) AppendAudit(_ context.Context, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.appendAuditLocked(entry)
	return nil
}

func (m *memStore) ListAudit(_ context.Context, sessionID string) ([]*AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*AuditEntry, 0, len(m.audit[sessionID]))
	for _, e := range m.audit[sessionID] {
		copied := *e
		out = append(out, &copied)
	}
	return out, nil
}

func (m *memStore) appendAuditLocked(entry *AuditEntry) {
	if entry == nil {
		return
	}
	m.auditSeq++
	entry.ID = m.auditSeq
	copied := *entry
	m.audit[entry.SessionID] = append(m.audit[entry.SessionID], &copied)
}

// auditActions returns the ordered action names for a session.
func (m *memStore) auditActions(sessionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.audit[sessionID]))
	for _, e := range m.audit[sessionID] {
		out = append(out, e.Action)
	}
	return out
}
