package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testDomainConfig(domain string) DomainConfig {
	return DomainConfig{
		Domain:      domain,
		Customer:    "acme",
		Environment: "dev",
		Service: ServiceDescriptor{
			Name:         "api",
			ArtifactPath: "/tmp/api.wasm",
			Database:     &DatabaseSpec{Name: "appdb"},
			Secrets:      []SecretSpec{{Name: "api-key", Value: "hunter2"}},
			Routes:       []string{domain + "/*"},
		},
		Requirements: Requirements{MinHealthChecks: 1, HealthTimeout: time.Second},
	}
}

func recordSuccess(t *testing.T, mgr *StateManager, sessionID string, phase Phase) {
	t.Helper()
	finished := time.Now()
	err := mgr.RecordAttempt(context.Background(), &PhaseRecord{
		SessionID:  sessionID,
		Phase:      phase,
		Attempt:    1,
		Outcome:    OutcomeSuccess,
		StartedAt:  finished,
		FinishedAt: &finished,
	}, "test")
	if err != nil {
		t.Fatalf("RecordAttempt(%s) failed: %v", phase, err)
	}
}

func TestCreateSession(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	mgr := NewStateManager(store, testLogger())

	cfg := testDomainConfig("shop.example.com")
	session, err := mgr.CreateSession(ctx, cfg, "tester", false)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if session.ID == "" {
		t.Error("Expected a generated session ID")
	}
	if session.Status != StatusPending {
		t.Errorf("Expected pending status, got %s", session.Status)
	}
	if session.CurrentPhase != PhaseAssess {
		t.Errorf("Expected first phase %s, got %s", PhaseAssess, session.CurrentPhase)
	}
	if session.Domain != cfg.Domain || session.Customer != cfg.Customer || session.Environment != cfg.Environment {
		t.Errorf("Session keys do not match config: %+v", session)
	}

	stored, err := store.GetDomainConfig(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetDomainConfig failed: %v", err)
	}
	if stored.Domain != cfg.Domain || stored.Service.Name != cfg.Service.Name {
		t.Errorf("Persisted config does not match: %+v", stored)
	}

	actions := store.auditActions(session.ID)
	if len(actions) != 1 || actions[0] != AuditSessionCreated {
		t.Errorf("Expected a single session.created audit, got %v", actions)
	}
}

func TestTransitionEnforcesPhaseOrder(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	mgr := NewStateManager(store, testLogger())

	session, err := mgr.CreateSession(ctx, testDomainConfig("shop.example.com"), "tester", false)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if err := mgr.Transition(ctx, session, PhaseAssess, "tester"); err != nil {
		t.Fatalf("Transition to assess failed: %v", err)
	}
	if session.Status != StatusRunning {
		t.Errorf("Expected running status, got %s", session.Status)
	}

	// Skipping ahead without a success record for the preceding phase is
	// rejected.
	err = mgr.Transition(ctx, session, PhaseConstruct, "tester")
	if err == nil {
		t.Fatal("Expected transition to construct to be rejected")
	}
	var oe *OrchestrationError
	if !errors.As(err, &oe) || oe.Code != CodeInvalidTransition {
		t.Errorf("Expected invalid transition code, got %v", err)
	}

	recordSuccess(t, mgr, session.ID, PhaseAssess)
	if err := mgr.Transition(ctx, session, PhaseIdentify, "tester"); err != nil {
		t.Fatalf("Transition to identify after assess success failed: %v", err)
	}
}

func TestTransitionUnknownPhase(t *testing.T) {
	ctx := context.Background()
	mgr := NewStateManager(newMemStore(), testLogger())

	session, err := mgr.CreateSession(ctx, testDomainConfig("shop.example.com"), "tester", false)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if err := mgr.Transition(ctx, session, Phase("deploy"), "tester"); err == nil {
		t.Fatal("Expected unknown phase to be rejected")
	}
}

func TestTransitionTerminalSessionRejected(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	mgr := NewStateManager(store, testLogger())

	session, err := mgr.CreateSession(ctx, testDomainConfig("shop.example.com"), "tester", false)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := mgr.SetStatus(ctx, session, StatusFailed, "tester", "boom"); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	if err := mgr.Transition(ctx, session, PhaseAssess, "tester"); err == nil {
		t.Fatal("Expected transition on a terminal session to be rejected")
	}
}

func TestSetStatusTerminalGuard(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	mgr := NewStateManager(store, testLogger())

	session, err := mgr.CreateSession(ctx, testDomainConfig("shop.example.com"), "tester", false)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	if err := mgr.SetStatus(ctx, session, StatusCompleted, "tester", "done"); err != nil {
		t.Fatalf("SetStatus to completed failed: %v", err)
	}
	if err := mgr.SetStatus(ctx, session, StatusFailed, "tester", "late failure"); err == nil {
		t.Fatal("Expected terminal status mutation to be rejected")
	}

	// Re-asserting the same terminal status is permitted (idempotent close).
	if err := mgr.SetStatus(ctx, session, StatusCompleted, "tester", "done again"); err != nil {
		t.Errorf("Re-asserting terminal status failed: %v", err)
	}
}

func TestRecordAttemptAuditsOutcome(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	mgr := NewStateManager(store, testLogger())

	session, err := mgr.CreateSession(ctx, testDomainConfig("shop.example.com"), "tester", false)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	finished := time.Now()
	for _, tc := range []struct {
		outcome PhaseOutcome
		action  string
	}{
		{OutcomeSuccess, AuditPhaseSucceeded},
		{OutcomeFailure, AuditPhaseFailed},
		{OutcomeSkipped, AuditPhaseSkipped},
	} {
		record := &PhaseRecord{
			SessionID:  session.ID,
			Phase:      PhaseAssess,
			Attempt:    1,
			Outcome:    tc.outcome,
			StartedAt:  finished,
			FinishedAt: &finished,
		}
		if tc.outcome == OutcomeFailure {
			record.ErrorDetail = "provisioning timed out"
		}
		if err := mgr.RecordAttempt(ctx, record, "tester"); err != nil {
			t.Fatalf("RecordAttempt(%s) failed: %v", tc.outcome, err)
		}

		actions := store.auditActions(session.ID)
		if actions[len(actions)-1] != tc.action {
			t.Errorf("Outcome %s: expected audit %s, got %s", tc.outcome, tc.action, actions[len(actions)-1])
		}
	}
}

func TestNextAttempt(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	mgr := NewStateManager(store, testLogger())

	attempt, err := mgr.NextAttempt(ctx, "s1", PhaseConstruct)
	if err != nil {
		t.Fatalf("NextAttempt failed: %v", err)
	}
	if attempt != 1 {
		t.Errorf("Expected first attempt 1, got %d", attempt)
	}

	finished := time.Now()
	for i := 1; i <= 2; i++ {
		if err := store.AppendPhaseRecord(ctx, &PhaseRecord{
			SessionID:  "s1",
			Phase:      PhaseConstruct,
			Attempt:    i,
			Outcome:    OutcomeFailure,
			StartedAt:  finished,
			FinishedAt: &finished,
		}); err != nil {
			t.Fatalf("AppendPhaseRecord failed: %v", err)
		}
	}

	attempt, err = mgr.NextAttempt(ctx, "s1", PhaseConstruct)
	if err != nil {
		t.Fatalf("NextAttempt failed: %v", err)
	}
	if attempt != 3 {
		t.Errorf("Expected attempt 3 after two records, got %d", attempt)
	}

	// Other phases count independently.
	attempt, err = mgr.NextAttempt(ctx, "s1", PhaseExecute)
	if err != nil {
		t.Fatalf("NextAttempt failed: %v", err)
	}
	if attempt != 1 {
		t.Errorf("Expected attempt 1 for an untouched phase, got %d", attempt)
	}
}

func TestAwaitingRecoveryResumesAtBridgePhase(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	mgr := NewStateManager(store, testLogger())
	bridge := NewDataBridge(store, testLogger())

	session, err := mgr.CreateSession(ctx, testDomainConfig("shop.example.com"), "tester", false)
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	// Outputs through construct survive; the phase records were lost with
	// the previous process. The bridge is authoritative for the resume
	// point.
	for _, phase := range []Phase{PhaseAssess, PhaseIdentify, PhaseConstruct} {
		if _, err := bridge.Put(ctx, session.ID, phase, map[string]string{"phase": string(phase)}); err != nil {
			t.Fatalf("Put(%s) failed: %v", phase, err)
		}
	}
	if err := mgr.SetStatus(ctx, session, StatusAwaitingRecovery, "tester", "restart"); err != nil {
		t.Fatalf("SetStatus failed: %v", err)
	}

	// Skipping past the resume point stays forbidden even in recovery.
	if err := mgr.Transition(ctx, session, PhaseExecute, "tester"); err == nil {
		t.Fatal("Expected transition past the resume point to be rejected")
	}

	if err := mgr.Transition(ctx, session, PhaseOrchestrate, "tester"); err != nil {
		t.Fatalf("Transition to the resume point failed: %v", err)
	}

	actions := store.auditActions(session.ID)
	if actions[len(actions)-1] != AuditSessionResumed {
		t.Errorf("Expected session.resumed audit, got %s", actions[len(actions)-1])
	}
}
