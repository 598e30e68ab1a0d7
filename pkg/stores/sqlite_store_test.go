package stores

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/openverge/openverge/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

func testSession(id string) *engine.OrchestrationSession {
	now := time.Now().UTC().Truncate(time.Second)
	return &engine.OrchestrationSession{
		ID:           id,
		Domain:       "app.example.com",
		Customer:     "acme",
		Environment:  "prod",
		CurrentPhase: engine.PhaseAssess,
		Status:       engine.StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func createTestSession(t *testing.T, store *SQLiteStore, id string) *engine.OrchestrationSession {
	t.Helper()

	session := testSession(id)
	audit := &engine.AuditEntry{
		SessionID: id,
		Timestamp: session.CreatedAt,
		Actor:     "test",
		Action:    engine.AuditSessionCreated,
	}
	cfg := engine.DomainConfig{
		Domain:      session.Domain,
		Customer:    session.Customer,
		Environment: session.Environment,
	}
	if err := store.CreateSession(context.Background(), session, cfg, audit); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}
	return session
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	// Check that tables exist by querying them
	tables := []string{"sessions", "session_claims", "phase_records", "bridge_entries", "rollback_actions", "audit"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

// TestSessionCRUD tests session create, get, update and list
func TestSessionCRUD(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	session := createTestSession(t, store, "sess-1")

	got, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if got.Domain != session.Domain {
		t.Errorf("expected domain %s, got %s", session.Domain, got.Domain)
	}
	if got.Status != engine.StatusPending {
		t.Errorf("expected status %s, got %s", engine.StatusPending, got.Status)
	}

	got.CurrentPhase = engine.PhaseIdentify
	got.Status = engine.StatusRunning
	got.UpdatedAt = time.Now().UTC()
	audit := &engine.AuditEntry{
		SessionID: got.ID,
		Timestamp: got.UpdatedAt,
		Actor:     "test",
		Action:    engine.AuditPhaseStarted,
		Detail:    "entering identify",
	}
	if err := store.UpdateSession(ctx, got, audit); err != nil {
		t.Fatalf("failed to update session: %v", err)
	}

	updated, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to get updated session: %v", err)
	}
	if updated.CurrentPhase != engine.PhaseIdentify {
		t.Errorf("expected phase %s, got %s", engine.PhaseIdentify, updated.CurrentPhase)
	}
	if updated.Status != engine.StatusRunning {
		t.Errorf("expected status %s, got %s", engine.StatusRunning, updated.Status)
	}

	running := engine.StatusRunning
	sessions, err := store.ListSessions(ctx, &running)
	if err != nil {
		t.Fatalf("failed to list sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 running session, got %d", len(sessions))
	}

	pending := engine.StatusPending
	sessions, err = store.ListSessions(ctx, &pending)
	if err != nil {
		t.Fatalf("failed to list sessions: %v", err)
	}
	if len(sessions) != 0 {
		t.Errorf("expected 0 pending sessions, got %d", len(sessions))
	}

	// Audit entries written with the mutations are readable.
	entries, err := store.ListAudit(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to list audit: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(entries))
	}
	if entries[0].Action != engine.AuditSessionCreated {
		t.Errorf("expected first audit action %s, got %s", engine.AuditSessionCreated, entries[0].Action)
	}
}

// TestSessionNotFound tests that missing sessions return ErrNotFound
func TestSessionNotFound(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	_, err := store.GetSession(context.Background(), "missing")
	if !engine.IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

// TestDomainConfigRoundTrip tests that stored config is readable for resume
func TestDomainConfigRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	session := createTestSession(t, store, "sess-cfg")

	cfg, err := store.GetDomainConfig(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to get domain config: %v", err)
	}
	if cfg.Domain != session.Domain {
		t.Errorf("expected domain %s, got %s", session.Domain, cfg.Domain)
	}
	if cfg.Customer != session.Customer {
		t.Errorf("expected customer %s, got %s", session.Customer, cfg.Customer)
	}
}

// TestClaimSession tests the advisory resume lock
func TestClaimSession(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	session := createTestSession(t, store, "sess-claim")

	ok, err := store.ClaimSession(ctx, session.ID, "owner-a")
	if err != nil {
		t.Fatalf("failed to claim session: %v", err)
	}
	if !ok {
		t.Fatal("expected first claim to succeed")
	}

	// A second owner must not steal the claim.
	ok, err = store.ClaimSession(ctx, session.ID, "owner-b")
	if err != nil {
		t.Fatalf("failed to claim session: %v", err)
	}
	if ok {
		t.Fatal("expected second claim by different owner to fail")
	}

	// The holder can re-claim.
	ok, err = store.ClaimSession(ctx, session.ID, "owner-a")
	if err != nil {
		t.Fatalf("failed to re-claim session: %v", err)
	}
	if !ok {
		t.Fatal("expected re-claim by holder to succeed")
	}

	if err := store.ReleaseSession(ctx, session.ID, "owner-a"); err != nil {
		t.Fatalf("failed to release session: %v", err)
	}

	ok, err = store.ClaimSession(ctx, session.ID, "owner-b")
	if err != nil {
		t.Fatalf("failed to claim released session: %v", err)
	}
	if !ok {
		t.Fatal("expected claim after release to succeed")
	}
}

// TestPhaseRecords tests append-only phase attempt records
func TestPhaseRecords(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	session := createTestSession(t, store, "sess-records")

	finished := time.Now().UTC()
	records := []*engine.PhaseRecord{
		{
			SessionID:   session.ID,
			Phase:       engine.PhaseAssess,
			Attempt:     1,
			Outcome:     engine.OutcomeFailure,
			ErrorDetail: "transient: upstream timeout",
			StartedAt:   finished.Add(-2 * time.Second),
			FinishedAt:  &finished,
		},
		{
			SessionID:  session.ID,
			Phase:      engine.PhaseAssess,
			Attempt:    2,
			Outcome:    engine.OutcomeSuccess,
			Output:     json.RawMessage(`{"config_hash":"abc"}`),
			StartedAt:  finished,
			FinishedAt: &finished,
		},
	}
	for _, r := range records {
		if err := store.AppendPhaseRecord(ctx, r); err != nil {
			t.Fatalf("failed to append phase record: %v", err)
		}
	}

	got, err := store.ListPhaseRecords(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to list phase records: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 phase records, got %d", len(got))
	}
	if got[0].Attempt != 1 || got[0].Outcome != engine.OutcomeFailure {
		t.Errorf("unexpected first record: attempt=%d outcome=%s", got[0].Attempt, got[0].Outcome)
	}
	if got[1].Attempt != 2 || got[1].Outcome != engine.OutcomeSuccess {
		t.Errorf("unexpected second record: attempt=%d outcome=%s", got[1].Attempt, got[1].Outcome)
	}
	if string(got[1].Output) != `{"config_hash":"abc"}` {
		t.Errorf("unexpected output: %s", got[1].Output)
	}
}

// TestBridgeVersioning tests versioned bridge entries per phase
func TestBridgeVersioning(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	session := createTestSession(t, store, "sess-bridge")

	v1, err := store.PutBridgeEntry(ctx, session.ID, engine.PhaseAssess, json.RawMessage(`{"n":1}`))
	if err != nil {
		t.Fatalf("failed to put bridge entry: %v", err)
	}
	if v1 != 1 {
		t.Errorf("expected version 1, got %d", v1)
	}

	v2, err := store.PutBridgeEntry(ctx, session.ID, engine.PhaseAssess, json.RawMessage(`{"n":2}`))
	if err != nil {
		t.Fatalf("failed to put bridge entry: %v", err)
	}
	if v2 != 2 {
		t.Errorf("expected version 2, got %d", v2)
	}

	// Version 0 resolves to the latest entry.
	latest, err := store.GetBridgeEntry(ctx, session.ID, engine.PhaseAssess, 0)
	if err != nil {
		t.Fatalf("failed to get latest bridge entry: %v", err)
	}
	if string(latest) != `{"n":2}` {
		t.Errorf("expected latest payload, got %s", latest)
	}

	first, err := store.GetBridgeEntry(ctx, session.ID, engine.PhaseAssess, 1)
	if err != nil {
		t.Fatalf("failed to get bridge entry v1: %v", err)
	}
	if string(first) != `{"n":1}` {
		t.Errorf("expected first payload, got %s", first)
	}

	_, err = store.GetBridgeEntry(ctx, session.ID, engine.PhaseConstruct, 0)
	if !engine.IsNotFound(err) {
		t.Errorf("expected not-found for missing phase, got %v", err)
	}
}

// TestLatestCompletedPhase tests lifecycle-ordered phase resolution
func TestLatestCompletedPhase(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	session := createTestSession(t, store, "sess-latest")

	_, ok, err := store.LatestCompletedPhase(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to get latest phase: %v", err)
	}
	if ok {
		t.Fatal("expected no completed phase for fresh session")
	}

	for _, phase := range []engine.Phase{engine.PhaseAssess, engine.PhaseIdentify, engine.PhaseConstruct} {
		if _, err := store.PutBridgeEntry(ctx, session.ID, phase, json.RawMessage(`{}`)); err != nil {
			t.Fatalf("failed to put bridge entry: %v", err)
		}
	}

	phase, ok, err := store.LatestCompletedPhase(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to get latest phase: %v", err)
	}
	if !ok {
		t.Fatal("expected a completed phase")
	}
	if phase != engine.PhaseConstruct {
		t.Errorf("expected phase %s, got %s", engine.PhaseConstruct, phase)
	}
}

// TestRollbackActions tests the append-only rollback ledger rows
func TestRollbackActions(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	session := createTestSession(t, store, "sess-rollback")

	kinds := []engine.ActionKind{engine.ActionDeleteDatabase, engine.ActionRevokeSecret, engine.ActionRemoveWorker}
	for _, kind := range kinds {
		action := &engine.RollbackAction{
			SessionID: session.ID,
			Kind:      kind,
			Payload:   json.RawMessage(`{}`),
			CreatedAt: time.Now().UTC(),
		}
		if err := store.PushRollbackAction(ctx, action); err != nil {
			t.Fatalf("failed to push rollback action: %v", err)
		}
	}

	actions, err := store.ListRollbackActions(ctx, session.ID, false)
	if err != nil {
		t.Fatalf("failed to list rollback actions: %v", err)
	}
	if len(actions) != 3 {
		t.Fatalf("expected 3 actions, got %d", len(actions))
	}
	for i, action := range actions {
		if action.Sequence != int64(i+1) {
			t.Errorf("expected sequence %d, got %d", i+1, action.Sequence)
		}
		if action.Kind != kinds[i] {
			t.Errorf("expected kind %s, got %s", kinds[i], action.Kind)
		}
	}

	if err := store.MarkRollbackExecuted(ctx, session.ID, 3); err != nil {
		t.Fatalf("failed to mark rollback executed: %v", err)
	}

	pending, err := store.ListRollbackActions(ctx, session.ID, false)
	if err != nil {
		t.Fatalf("failed to list pending actions: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("expected 2 pending actions, got %d", len(pending))
	}

	all, err := store.ListRollbackActions(ctx, session.ID, true)
	if err != nil {
		t.Fatalf("failed to list all actions: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 total actions, got %d", len(all))
	}
	if !all[2].Executed {
		t.Error("expected third action to be marked executed")
	}
}

func TestConnPoolConfigApplied(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path:            ":memory:",
		MaxOpenConns:    7,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	defer store.Close()

	if got := store.db.Stats().MaxOpenConnections; got != 7 {
		t.Errorf("expected 7 max open connections, got %d", got)
	}
}

func TestConnPoolDefaults(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	defer store.Close()

	if got := store.db.Stats().MaxOpenConnections; got != 25 {
		t.Errorf("expected default 25 max open connections, got %d", got)
	}
}
