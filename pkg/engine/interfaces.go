package engine

import (
	"context"
	"encoding/json"
	"time"
)

// StateStore is the durable persistence contract backing the engine. One
// durable record set per session, keyed by session ID, readable after
// process restart. Implemented by pkg/stores.
type StateStore interface {
	// CreateSession persists a new session, its domain configuration and
	// its creation audit entry, atomically. Raw secret values are excluded
	// from the persisted configuration by construction.
	CreateSession(ctx context.Context, session *OrchestrationSession, cfg DomainConfig, audit *AuditEntry) error

	// GetDomainConfig retrieves the configuration a session was created
	// with, for resumption after restart.
	GetDomainConfig(ctx context.Context, sessionID string) (*DomainConfig, error)

	// GetSession retrieves a session by ID. Returns ErrNotFound when the
	// session does not exist.
	GetSession(ctx context.Context, id string) (*OrchestrationSession, error)

	// UpdateSession persists a session mutation together with its audit
	// entry, atomically. Both succeed or both roll back.
	UpdateSession(ctx context.Context, session *OrchestrationSession, audit *AuditEntry) error

	// ListSessions lists sessions, optionally filtered by status.
	ListSessions(ctx context.Context, status *SessionStatus) ([]*OrchestrationSession, error)

	// ClaimSession takes the per-session advisory resume lock. It returns
	// false when another owner already holds the claim.
	ClaimSession(ctx context.Context, id, owner string) (bool, error)

	// ReleaseSession releases the advisory lock held by owner.
	ReleaseSession(ctx context.Context, id, owner string) error

	// AppendPhaseRecord appends one phase attempt record. Records are
	// write-once and never mutated.
	AppendPhaseRecord(ctx context.Context, record *PhaseRecord) error

	// ListPhaseRecords lists all phase records for a session in append
	// order.
	ListPhaseRecords(ctx context.Context, sessionID string) ([]*PhaseRecord, error)

	// PutBridgeEntry writes a versioned phase output and returns the new
	// version (monotonic per session+phase).
	PutBridgeEntry(ctx context.Context, sessionID string, phase Phase, payload json.RawMessage) (int64, error)

	// GetBridgeEntry reads a phase output. Version 0 means latest.
	// Returns ErrNotFound when no entry exists.
	GetBridgeEntry(ctx context.Context, sessionID string, phase Phase, version int64) (json.RawMessage, error)

	// LatestCompletedPhase returns the last phase with a persisted bridge
	// entry for the session, in lifecycle order. ok is false when no phase
	// has completed.
	LatestCompletedPhase(ctx context.Context, sessionID string) (phase Phase, ok bool, err error)

	// PushRollbackAction appends a rollback action, assigning the next
	// sequence number for the session.
	PushRollbackAction(ctx context.Context, action *RollbackAction) error

	// ListRollbackActions lists a session's rollback actions in ascending
	// sequence order.
	ListRollbackActions(ctx context.Context, sessionID string, includeExecuted bool) ([]*RollbackAction, error)

	// MarkRollbackExecuted marks one action as executed.
	MarkRollbackExecuted(ctx context.Context, sessionID string, sequence int64) error

	// AppendAudit appends one audit entry outside a session mutation.
	AppendAudit(ctx context.Context, entry *AuditEntry) error

	// ListAudit returns the full audit trail for a session in append order.
	ListAudit(ctx context.Context, sessionID string) ([]*AuditEntry, error)
}

// DatabaseResult is the outcome of database provisioning.
type DatabaseResult struct {
	// DatabaseID identifies the created database for later compensation.
	DatabaseID string `json:"database_id"`

	// Endpoint is the connection endpoint for the worker.
	Endpoint string `json:"endpoint"`
}

// DatabaseProvisioner provisions and tears down backing databases.
// Apply is idempotent: re-applying an already-provisioned spec returns the
// existing database. Compensate is delete-if-exists.
type DatabaseProvisioner interface {
	Apply(ctx context.Context, cfg DomainConfig, spec DatabaseSpec) (*DatabaseResult, error)
	Compensate(ctx context.Context, databaseID string) error
}

// SecretResult is the outcome of secret distribution.
type SecretResult struct {
	// Refs are opaque references to the distributed secrets.
	Refs []SecretRef `json:"refs"`
}

// SecretDistributor distributes and revokes secrets. Raw values never pass
// back to the engine; only refs do. Compensate is revoke-if-exists.
type SecretDistributor interface {
	Apply(ctx context.Context, cfg DomainConfig, specs []SecretSpec) (*SecretResult, error)
	Compensate(ctx context.Context, refs []SecretRef) error
}

// DeploySpec is the input to worker deployment, assembled by the Execute
// phase from prior phase outputs.
type DeploySpec struct {
	// WorkerName is the derived worker name from Identify.
	WorkerName string `json:"worker_name"`

	// Artifact is the inspected bundle from Identify.
	Artifact ArtifactInfo `json:"artifact"`

	// DatabaseEndpoint is the Construct output endpoint, if any.
	DatabaseEndpoint string `json:"database_endpoint,omitempty"`

	// SecretRefs are the Orchestrate output references.
	SecretRefs []SecretRef `json:"secret_refs,omitempty"`

	// Routes are the URL patterns the worker serves.
	Routes []string `json:"routes,omitempty"`
}

// DeployResult is the outcome of a worker deployment.
type DeployResult struct {
	// DeploymentID identifies the deployment for later compensation.
	DeploymentID string `json:"deployment_id"`

	// WorkerURL is the public worker endpoint.
	WorkerURL string `json:"worker_url"`
}

// WorkerDeployer deploys and removes edge workers. Implementations must
// surface quota/transient failures as transient errors and structural
// rejections as configuration errors so the orchestrator can decide retry
// versus fail. Compensate is remove-if-exists.
type WorkerDeployer interface {
	Apply(ctx context.Context, cfg DomainConfig, spec DeploySpec) (*DeployResult, error)
	Compensate(ctx context.Context, deploymentID string) error
}

// Collaborators bundles the three Provisioning Collaborators a session
// drives. Each phase calls at most one of them.
type Collaborators struct {
	Database DatabaseProvisioner
	Secrets  SecretDistributor
	Deployer WorkerDeployer
}

// ArtifactVerifier inspects a worker bundle during Identify.
type ArtifactVerifier interface {
	// Verify inspects the bundle at path and returns its metadata. WASM
	// bundles are compile-checked before any side effect is performed.
	Verify(ctx context.Context, path string) (*ArtifactInfo, error)
}

// HealthChecker probes a deployed worker during Verify.
type HealthChecker interface {
	Check(ctx context.Context, workerURL string) error
}

// RequirementChecker evaluates requirement compliance during Validate.
// Implemented by pkg/policy.
type RequirementChecker interface {
	Check(ctx context.Context, cfg DomainConfig, reqs Requirements, deployed ExecuteOutput) (*ValidateOutput, error)
}

// EventPublisher receives lifecycle events from the orchestrator. Publish
// must not block phase execution; implementations buffer or drop.
type EventPublisher interface {
	Publish(ctx context.Context, event LifecycleEvent)
}

// LifecycleEvent is one orchestration lifecycle event, fanned out for
// observers. The audit trail, not the event stream, is the durable record.
type LifecycleEvent struct {
	// Type is the event type (see pkg/events for the constants).
	Type string `json:"type"`

	// SessionID is the session the event belongs to.
	SessionID string `json:"session_id"`

	// Domain is the session's domain.
	Domain string `json:"domain"`

	// Phase is the related phase, if any.
	Phase Phase `json:"phase,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
}
