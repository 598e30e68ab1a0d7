package engine

import (
	"encoding/json"
	"time"
)

// Phase identifies one of the seven fixed lifecycle phases a deployment
// session moves through. Phases are strictly ordered; there is no skipping
// except the recovery resume rule.
type Phase string

const (
	// PhaseAssess validates the domain configuration. No side effects.
	PhaseAssess Phase = "assess"

	// PhaseIdentify derives deployment requirements and inspects the
	// service artifact. No side effects.
	PhaseIdentify Phase = "identify"

	// PhaseConstruct provisions the backing database via the Database
	// Provisioner collaborator.
	PhaseConstruct Phase = "construct"

	// PhaseOrchestrate distributes secrets via the Secret Distributor
	// collaborator.
	PhaseOrchestrate Phase = "orchestrate"

	// PhaseExecute deploys the worker via the Worker Deployer collaborator.
	PhaseExecute Phase = "execute"

	// PhaseVerify runs post-deployment health checks.
	PhaseVerify Phase = "verify"

	// PhaseValidate checks the deployed result against the business
	// requirements captured during Identify.
	PhaseValidate Phase = "validate"
)

// Lifecycle is the fixed phase order. Every session walks this slice front
// to back; recovery resumes at the phase following the last Success record.
var Lifecycle = []Phase{
	PhaseAssess,
	PhaseIdentify,
	PhaseConstruct,
	PhaseOrchestrate,
	PhaseExecute,
	PhaseVerify,
	PhaseValidate,
}

// Index returns the position of the phase in the lifecycle, or -1 if the
// phase is unknown.
func (p Phase) Index() int {
	for i, ph := range Lifecycle {
		if ph == p {
			return i
		}
	}
	return -1
}

// Next returns the phase following p, or ("", false) when p is the final
// phase or unknown.
func (p Phase) Next() (Phase, bool) {
	i := p.Index()
	if i < 0 || i >= len(Lifecycle)-1 {
		return "", false
	}
	return Lifecycle[i+1], true
}

// Valid reports whether p is one of the seven lifecycle phases.
func (p Phase) Valid() bool {
	return p.Index() >= 0
}

// SessionStatus represents the lifecycle status of an orchestration session.
type SessionStatus string

const (
	// StatusPending indicates the session has been created but no phase
	// has started yet.
	StatusPending SessionStatus = "pending"

	// StatusRunning indicates a phase is currently executing.
	StatusRunning SessionStatus = "running"

	// StatusAwaitingRecovery is the pseudo-state entered when an in-flight
	// session is discovered after a process restart. It resolves to the
	// phase following the last Success record as soon as a resumer claims
	// the session.
	StatusAwaitingRecovery SessionStatus = "awaiting_recovery"

	// StatusCompleted indicates all seven phases succeeded.
	StatusCompleted SessionStatus = "completed"

	// StatusCompletedWithWarnings indicates the deployment succeeded but
	// Verify or Validate reported failures. The artifact exists and is
	// reachable, so no rollback is performed.
	StatusCompletedWithWarnings SessionStatus = "completed_with_warnings"

	// StatusFailed indicates a phase failed before any compensations were
	// required (nothing to undo).
	StatusFailed SessionStatus = "failed"

	// StatusRolledBack indicates a phase failed and the Rollback Ledger
	// was drained to undo prior side effects.
	StatusRolledBack SessionStatus = "rolled_back"

	// StatusCancelled indicates the session was cancelled between phases.
	StatusCancelled SessionStatus = "cancelled"
)

// IsTerminal reports whether the status permits no further mutation.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithWarnings, StatusFailed,
		StatusRolledBack, StatusCancelled:
		return true
	}
	return false
}

// OrchestrationSession is one attempt to carry a single domain's deployment
// through the full phase lifecycle. It is owned exclusively by the
// orchestrator and mutated only through StateManager transition calls.
type OrchestrationSession struct {
	// ID is the unique session identifier, generated at session start.
	ID string `json:"id"`

	// Domain is the fully-qualified domain being deployed.
	Domain string `json:"domain"`

	// Customer is the customer the domain belongs to.
	Customer string `json:"customer"`

	// Environment is the target environment (e.g. "dev", "prod").
	Environment string `json:"environment"`

	// CurrentPhase is the phase the session is in or about to enter.
	CurrentPhase Phase `json:"current_phase"`

	// Status is the lifecycle status of the session.
	Status SessionStatus `json:"status"`

	// DryRun indicates collaborator calls are simulated for this session.
	DryRun bool `json:"dry_run"`

	// CreatedAt is when the session was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the session was last mutated.
	UpdatedAt time.Time `json:"updated_at"`
}

// PhaseOutcome classifies the result of one phase attempt.
type PhaseOutcome string

const (
	// OutcomeSuccess indicates the attempt completed and its output was
	// persisted to the Data Bridge.
	OutcomeSuccess PhaseOutcome = "success"

	// OutcomeFailure indicates the attempt failed.
	OutcomeFailure PhaseOutcome = "failure"

	// OutcomeSkipped indicates the phase was skipped during recovery
	// replay because a Success record already exists.
	OutcomeSkipped PhaseOutcome = "skipped"
)

// PhaseRecord is the append-only record of a single phase attempt. Retries
// create new records; existing records are never mutated.
type PhaseRecord struct {
	// SessionID is the session this record belongs to.
	SessionID string `json:"session_id"`

	// Phase is the lifecycle phase that was attempted.
	Phase Phase `json:"phase"`

	// Attempt is the 1-based attempt number within the phase.
	Attempt int `json:"attempt"`

	// Outcome is the result of this attempt.
	Outcome PhaseOutcome `json:"outcome"`

	// Output is the structured phase output, if the attempt succeeded.
	Output json.RawMessage `json:"output,omitempty"`

	// ErrorDetail is the classified error string, if the attempt failed.
	ErrorDetail string `json:"error_detail,omitempty"`

	// StartedAt is when the attempt started.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt is when the attempt finished.
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// RollbackAction records a compensating action for a reversible side effect.
// Actions are pushed immediately after the side effect is performed, before
// control returns to the orchestrator, so no side effect is ever unguarded.
type RollbackAction struct {
	// SessionID is the session this action belongs to.
	SessionID string `json:"session_id"`

	// Sequence is the monotonic push order within the session. Drain
	// executes actions in descending sequence.
	Sequence int64 `json:"sequence"`

	// Kind selects the compensator (delete-database, revoke-secret,
	// remove-worker).
	Kind ActionKind `json:"kind"`

	// Payload is the kind-specific compensation record.
	Payload json.RawMessage `json:"payload"`

	// Executed reports whether the compensation has run. Compensations are
	// idempotent, so a re-drain after an interrupted drain is safe.
	Executed bool `json:"executed"`

	// CreatedAt is when the action was pushed.
	CreatedAt time.Time `json:"created_at"`
}

// ActionKind identifies the compensator for a rollback action.
type ActionKind string

const (
	// ActionDeleteDatabase undoes database provisioning.
	ActionDeleteDatabase ActionKind = "delete-database"

	// ActionRevokeSecret undoes secret distribution.
	ActionRevokeSecret ActionKind = "revoke-secret"

	// ActionRemoveWorker undoes a worker deployment.
	ActionRemoveWorker ActionKind = "remove-worker"
)

// AuditEntry is one entry in the append-only compliance trail. Entries are
// never deleted; rollback adds entries, it does not erase history.
type AuditEntry struct {
	// ID is assigned by the store on append.
	ID int64 `json:"id"`

	// SessionID is the session the entry belongs to.
	SessionID string `json:"session_id"`

	// Timestamp is when the audited action occurred.
	Timestamp time.Time `json:"timestamp"`

	// Actor identifies who or what performed the action (orchestrator
	// instance, CLI user).
	Actor string `json:"actor"`

	// Action is a short machine-readable action name.
	Action string `json:"action"`

	// Detail is a human-readable description of the action.
	Detail string `json:"detail,omitempty"`
}

// Audit action names.
const (
	AuditSessionCreated      = "session.created"
	AuditSessionResumed      = "session.resumed"
	AuditPhaseStarted        = "phase.started"
	AuditPhaseSucceeded      = "phase.succeeded"
	AuditPhaseFailed         = "phase.failed"
	AuditPhaseSkipped        = "phase.skipped"
	AuditStatusChanged       = "session.status_changed"
	AuditRollbackStarted     = "rollback.started"
	AuditRollbackExecuted    = "rollback.action_executed"
	AuditCompensationFailed  = "rollback.compensation_failed"
	AuditVerificationWarning = "verification.warning"
)

// SecretRef is an opaque reference to a distributed secret. Raw secret
// values never appear in phase output or orchestrator memory; they live
// only inside the Secret Distributor collaborator.
type SecretRef struct {
	// Name is the logical secret name from the service descriptor.
	Name string `json:"name"`

	// Ref is the opaque backend reference.
	Ref string `json:"ref"`
}

// DomainConfig is the structured configuration bundle for one domain
// deployment, produced upstream by the input collector.
type DomainConfig struct {
	// Domain is the fully-qualified domain to deploy.
	Domain string `json:"domain"`

	// Customer is the owning customer identifier.
	Customer string `json:"customer"`

	// Environment is the target environment.
	Environment string `json:"environment"`

	// Service describes the deployable service.
	Service ServiceDescriptor `json:"service"`

	// Requirements are the business requirements checked during Validate.
	Requirements Requirements `json:"requirements"`
}

// ServiceDescriptor describes the deployable edge service.
type ServiceDescriptor struct {
	// Name is the service name, used to derive resource names.
	Name string `json:"name"`

	// ArtifactPath is the local path to the worker bundle. Bundles ending
	// in .wasm are compile-checked during Identify.
	ArtifactPath string `json:"artifact_path"`

	// Database describes the backing database to provision, if any.
	Database *DatabaseSpec `json:"database,omitempty"`

	// Secrets lists the secrets to distribute to the worker.
	Secrets []SecretSpec `json:"secrets,omitempty"`

	// Routes are the URL patterns the worker serves.
	Routes []string `json:"routes,omitempty"`
}

// DatabaseSpec describes the database a deployment needs.
type DatabaseSpec struct {
	// Name is the logical database name; the provisioner derives the
	// physical name from it plus domain and environment.
	Name string `json:"name"`

	// Migrate indicates schema migrations should run after creation.
	Migrate bool `json:"migrate,omitempty"`
}

// SecretSpec describes a single secret to distribute.
type SecretSpec struct {
	// Name is the logical secret name.
	Name string `json:"name"`

	// Value is the raw secret material. It is consumed by the Secret
	// Distributor during Orchestrate and never persisted by the engine.
	Value string `json:"-"`
}

// Requirements are the business requirements for a deployment, consumed by
// the Verify and Validate phases.
type Requirements struct {
	// MinHealthChecks is the number of consecutive successful health
	// checks Verify must observe.
	MinHealthChecks int `json:"min_health_checks,omitempty"`

	// HealthTimeout bounds the Verify polling loop.
	HealthTimeout time.Duration `json:"health_timeout,omitempty"`

	// Policies names the compliance policies Validate evaluates against
	// the Execute output. Empty means built-in policies only.
	Policies []string `json:"policies,omitempty"`
}

// SessionError is one caller-visible error from a session: a phase failure
// or a compensation failure, tagged with its classification so callers can
// distinguish "never started" from "rolled back" from "rollback incomplete".
type SessionError struct {
	// Phase is the phase the error occurred in, if phase-scoped.
	Phase Phase `json:"phase,omitempty"`

	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Code is the machine-readable error code.
	Code string `json:"code,omitempty"`

	// Message is the human-readable error description.
	Message string `json:"message"`
}

// SessionResult is the final outcome of one domain's session, returned by
// Deploy and Resume.
type SessionResult struct {
	// SessionID is the session identifier.
	SessionID string `json:"session_id"`

	// Domain is the domain the session deployed.
	Domain string `json:"domain"`

	// Status is the terminal session status.
	Status SessionStatus `json:"status"`

	// WorkerURL is the deployed worker endpoint, when Execute succeeded.
	WorkerURL string `json:"worker_url,omitempty"`

	// Errors lists phase and compensation failures in occurrence order.
	Errors []SessionError `json:"errors,omitempty"`

	// Warnings lists non-fatal verification and validation findings.
	Warnings []string `json:"warnings,omitempty"`
}

// Phase output payloads, persisted to the Data Bridge. Every phase is a
// pure function of (DomainConfig, prior phase outputs).

// AssessOutput is the Assess phase output.
type AssessOutput struct {
	// ConfigHash fingerprints the validated configuration so a resumed
	// session can detect a changed bundle.
	ConfigHash string `json:"config_hash"`
}

// ArtifactInfo describes the inspected worker bundle.
type ArtifactInfo struct {
	// Path is the local bundle path.
	Path string `json:"path"`

	// SHA256 is the bundle content digest.
	SHA256 string `json:"sha256"`

	// SizeBytes is the bundle size.
	SizeBytes int64 `json:"size_bytes"`

	// WASM indicates the bundle was verified as a WebAssembly module.
	WASM bool `json:"wasm"`
}

// IdentifyOutput is the Identify phase output.
type IdentifyOutput struct {
	// Requirements are the effective requirements, with defaults applied.
	Requirements Requirements `json:"requirements"`

	// Artifact is the inspected worker bundle.
	Artifact ArtifactInfo `json:"artifact"`

	// WorkerName is the derived name for the deployed worker.
	WorkerName string `json:"worker_name"`
}

// ConstructOutput is the Construct phase output.
type ConstructOutput struct {
	// DatabaseID identifies the provisioned database, empty when the
	// service declares no database.
	DatabaseID string `json:"database_id,omitempty"`

	// Endpoint is the database connection endpoint.
	Endpoint string `json:"endpoint,omitempty"`
}

// OrchestrateOutput is the Orchestrate phase output.
type OrchestrateOutput struct {
	// SecretRefs are the opaque references to the distributed secrets.
	SecretRefs []SecretRef `json:"secret_refs,omitempty"`
}

// ExecuteOutput is the Execute phase output.
type ExecuteOutput struct {
	// DeploymentID identifies the worker deployment.
	DeploymentID string `json:"deployment_id"`

	// WorkerURL is the public worker endpoint.
	WorkerURL string `json:"worker_url"`
}

// VerifyOutput is the Verify phase output.
type VerifyOutput struct {
	// Healthy reports whether the required consecutive checks passed.
	Healthy bool `json:"healthy"`

	// ChecksPassed is the number of successful checks observed.
	ChecksPassed int `json:"checks_passed"`

	// Detail describes a failed verification.
	Detail string `json:"detail,omitempty"`
}

// ValidateOutput is the Validate phase output.
type ValidateOutput struct {
	// Compliant reports whether all requirement policies passed.
	Compliant bool `json:"compliant"`

	// Violations lists policy violations, if any.
	Violations []string `json:"violations,omitempty"`
}
