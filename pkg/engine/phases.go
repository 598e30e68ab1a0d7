package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openverge/openverge/pkg/telemetry"
)

// phaseRunner executes the body of each lifecycle phase. Every phase reads
// its inputs from the Data Bridge, performs its work (calling at most one
// Provisioning Collaborator), and hands its output back to the orchestrator
// for persistence. Side-effecting phases push a rollback action immediately
// after the side effect, before returning control.
type phaseRunner struct {
	bridge    *DataBridge
	ledger    *Ledger
	collabs   Collaborators
	artifacts ArtifactVerifier
	verifier  *Verifier
	metrics   *telemetry.Metrics
	log       zerolog.Logger
}

func (r *phaseRunner) recordCall(collaborator string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	r.metrics.RecordCollaboratorCall(collaborator, outcome)
}

// phaseResult carries a phase's output plus any non-fatal findings. Only
// Verify and Validate produce warnings; their failures are reported, not
// treated as rollback triggers.
type phaseResult struct {
	output   any
	warnings []string
}

func (r *phaseRunner) run(ctx context.Context, session *OrchestrationSession, cfg DomainConfig, phase Phase) (*phaseResult, error) {
	switch phase {
	case PhaseAssess:
		return r.assess(ctx, session, cfg)
	case PhaseIdentify:
		return r.identify(ctx, session, cfg)
	case PhaseConstruct:
		return r.construct(ctx, session, cfg)
	case PhaseOrchestrate:
		return r.orchestrate(ctx, session, cfg)
	case PhaseExecute:
		return r.execute(ctx, session, cfg)
	case PhaseVerify:
		return r.verify(ctx, session, cfg)
	case PhaseValidate:
		return r.validate(ctx, session, cfg)
	}
	return nil, NewInternalError("unknown phase "+string(phase), nil).WithSession(session.ID)
}

// assess validates the domain configuration. Nothing has executed yet, so
// failures here are fatal without retry or rollback.
func (r *phaseRunner) assess(_ context.Context, session *OrchestrationSession, cfg DomainConfig) (*phaseResult, error) {
	var problems []string
	if cfg.Domain == "" {
		problems = append(problems, "domain is required")
	}
	if cfg.Customer == "" {
		problems = append(problems, "customer is required")
	}
	if cfg.Environment == "" {
		problems = append(problems, "environment is required")
	}
	if cfg.Service.Name == "" {
		problems = append(problems, "service name is required")
	}
	if cfg.Service.ArtifactPath == "" {
		problems = append(problems, "service artifact path is required")
	}
	for i, s := range cfg.Service.Secrets {
		if s.Name == "" {
			problems = append(problems, fmt.Sprintf("secret %d has no name", i))
		}
	}

	if len(problems) > 0 {
		return nil, NewValidationError(strings.Join(problems, "; "), nil).
			WithPhase(PhaseAssess).WithSession(session.ID)
	}

	canonical, err := json.Marshal(cfg)
	if err != nil {
		return nil, NewInternalError("fingerprint config", err).WithSession(session.ID)
	}
	sum := sha256.Sum256(canonical)

	return &phaseResult{output: AssessOutput{ConfigHash: hex.EncodeToString(sum[:])}}, nil
}

// identify derives the effective requirements, inspects the worker bundle
// and names the worker. Still no side effects.
func (r *phaseRunner) identify(ctx context.Context, session *OrchestrationSession, cfg DomainConfig) (*phaseResult, error) {
	reqs := cfg.Requirements
	if reqs.MinHealthChecks <= 0 {
		reqs.MinHealthChecks = 1
	}
	if reqs.HealthTimeout <= 0 {
		reqs.HealthTimeout = time.Minute
	}

	info, err := r.artifacts.Verify(ctx, cfg.Service.ArtifactPath)
	if err != nil {
		return nil, NewConfigurationError("worker bundle rejected", err).
			WithPhase(PhaseIdentify).WithSession(session.ID)
	}

	worker := fmt.Sprintf("%s-%s-%s", cfg.Service.Name, cfg.Customer, cfg.Environment)

	return &phaseResult{output: IdentifyOutput{
		Requirements: reqs,
		Artifact:     *info,
		WorkerName:   worker,
	}}, nil
}

// construct provisions the backing database. The delete-database action is
// pushed before the phase returns so the side effect is never unguarded.
func (r *phaseRunner) construct(ctx context.Context, session *OrchestrationSession, cfg DomainConfig) (*phaseResult, error) {
	if cfg.Service.Database == nil {
		return &phaseResult{output: ConstructOutput{}}, nil
	}

	result, err := r.collabs.Database.Apply(ctx, cfg, *cfg.Service.Database)
	r.recordCall("database", err)
	if err != nil {
		return nil, wrapCollaboratorError(err, "database provisioning failed", PhaseConstruct, session.ID)
	}

	if err := r.ledger.Push(ctx, session.ID, ActionDeleteDatabase, map[string]string{
		"database_id": result.DatabaseID,
	}); err != nil {
		return nil, err
	}

	return &phaseResult{output: ConstructOutput{
		DatabaseID: result.DatabaseID,
		Endpoint:   result.Endpoint,
	}}, nil
}

// orchestrate distributes the service secrets and records references only;
// the raw values never travel further than the distributor call.
func (r *phaseRunner) orchestrate(ctx context.Context, session *OrchestrationSession, cfg DomainConfig) (*phaseResult, error) {
	if len(cfg.Service.Secrets) == 0 {
		return &phaseResult{output: OrchestrateOutput{}}, nil
	}

	result, err := r.collabs.Secrets.Apply(ctx, cfg, cfg.Service.Secrets)
	r.recordCall("secrets", err)
	if err != nil {
		return nil, wrapCollaboratorError(err, "secret distribution failed", PhaseOrchestrate, session.ID)
	}

	if err := r.ledger.Push(ctx, session.ID, ActionRevokeSecret, map[string]any{
		"refs": result.Refs,
	}); err != nil {
		return nil, err
	}

	return &phaseResult{output: OrchestrateOutput{SecretRefs: result.Refs}}, nil
}

// execute deploys the worker, assembling the deploy spec purely from prior
// phase outputs read back through the bridge.
func (r *phaseRunner) execute(ctx context.Context, session *OrchestrationSession, cfg DomainConfig) (*phaseResult, error) {
	var identify IdentifyOutput
	if err := r.bridge.Get(ctx, session.ID, PhaseIdentify, &identify); err != nil {
		return nil, NewInternalError("read identify output", err).WithPhase(PhaseExecute).WithSession(session.ID)
	}
	var construct ConstructOutput
	if err := r.bridge.Get(ctx, session.ID, PhaseConstruct, &construct); err != nil {
		return nil, NewInternalError("read construct output", err).WithPhase(PhaseExecute).WithSession(session.ID)
	}
	var orchestrate OrchestrateOutput
	if err := r.bridge.Get(ctx, session.ID, PhaseOrchestrate, &orchestrate); err != nil {
		return nil, NewInternalError("read orchestrate output", err).WithPhase(PhaseExecute).WithSession(session.ID)
	}

	spec := DeploySpec{
		WorkerName:       identify.WorkerName,
		Artifact:         identify.Artifact,
		DatabaseEndpoint: construct.Endpoint,
		SecretRefs:       orchestrate.SecretRefs,
		Routes:           cfg.Service.Routes,
	}

	result, err := r.collabs.Deployer.Apply(ctx, cfg, spec)
	r.recordCall("deployer", err)
	if err != nil {
		return nil, wrapCollaboratorError(err, "worker deployment failed", PhaseExecute, session.ID)
	}

	if err := r.ledger.Push(ctx, session.ID, ActionRemoveWorker, map[string]string{
		"deployment_id": result.DeploymentID,
	}); err != nil {
		return nil, err
	}

	return &phaseResult{output: ExecuteOutput{
		DeploymentID: result.DeploymentID,
		WorkerURL:    result.WorkerURL,
	}}, nil
}

// verify health-checks the deployed worker. A failed verification is a
// warning, not a rollback trigger: by this point DNS and live traffic may
// already depend on the deployment.
func (r *phaseRunner) verify(ctx context.Context, session *OrchestrationSession, cfg DomainConfig) (*phaseResult, error) {
	identify, execute, err := r.readDeployed(ctx, session, PhaseVerify)
	if err != nil {
		return nil, err
	}

	out := r.verifier.Health(ctx, session, execute.WorkerURL, identify.Requirements)

	res := &phaseResult{output: out}
	if !out.Healthy {
		res.warnings = append(res.warnings, "verification failed: "+out.Detail)
	}
	return res, nil
}

// validate checks requirement compliance. Same reporting-only policy as
// verify.
func (r *phaseRunner) validate(ctx context.Context, session *OrchestrationSession, cfg DomainConfig) (*phaseResult, error) {
	identify, execute, err := r.readDeployed(ctx, session, PhaseValidate)
	if err != nil {
		return nil, err
	}

	out, err := r.verifier.Compliance(ctx, cfg, identify.Requirements, *execute)
	if err != nil {
		return nil, NewInternalError("requirement check failed", err).
			WithPhase(PhaseValidate).WithSession(session.ID)
	}

	res := &phaseResult{output: *out}
	for _, v := range out.Violations {
		res.warnings = append(res.warnings, "requirement violation: "+v)
	}
	return res, nil
}

func (r *phaseRunner) readDeployed(ctx context.Context, session *OrchestrationSession, phase Phase) (*IdentifyOutput, *ExecuteOutput, error) {
	var identify IdentifyOutput
	if err := r.bridge.Get(ctx, session.ID, PhaseIdentify, &identify); err != nil {
		return nil, nil, NewInternalError("read identify output", err).WithPhase(phase).WithSession(session.ID)
	}
	var execute ExecuteOutput
	if err := r.bridge.Get(ctx, session.ID, PhaseExecute, &execute); err != nil {
		return nil, nil, NewInternalError("read execute output", err).WithPhase(phase).WithSession(session.ID)
	}
	return &identify, &execute, nil
}

// wrapCollaboratorError classifies a raw collaborator error at the phase
// boundary. Collaborator errors never escape unclassified.
func wrapCollaboratorError(err error, message string, phase Phase, sessionID string) error {
	var oe *OrchestrationError
	switch Classify(err) {
	case ClassTransient:
		oe = NewTransientError(message, err)
	case ClassConfiguration:
		oe = NewConfigurationError(message, err)
	case ClassValidation:
		oe = NewValidationError(message, err)
	default:
		oe = NewConfigurationError(message, err)
	}
	return oe.WithCode(CodeProvisioningFailed).WithPhase(phase).WithSession(sessionID)
}
