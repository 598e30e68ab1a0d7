package engine

import (
	"context"
	"fmt"
)

// Dry-run collaborators simulate successful applies without touching any
// external system. Deployments in dry-run mode still produce the complete
// phase record, audit and bridge trail; only the collaborator side effects
// are replaced. Compensations are no-ops for the same reason.

type dryRunDatabase struct{}

func (dryRunDatabase) Apply(_ context.Context, cfg DomainConfig, spec DatabaseSpec) (*DatabaseResult, error) {
	return &DatabaseResult{
		DatabaseID: fmt.Sprintf("dryrun-db-%s-%s", spec.Name, cfg.Environment),
		Endpoint:   "postgres://dry-run.invalid/" + spec.Name,
	}, nil
}

func (dryRunDatabase) Compensate(context.Context, string) error { return nil }

type dryRunSecrets struct{}

func (dryRunSecrets) Apply(_ context.Context, cfg DomainConfig, specs []SecretSpec) (*SecretResult, error) {
	refs := make([]SecretRef, 0, len(specs))
	for _, s := range specs {
		refs = append(refs, SecretRef{
			Name: s.Name,
			Ref:  fmt.Sprintf("dryrun://%s/%s/%s", cfg.Domain, cfg.Environment, s.Name),
		})
	}
	return &SecretResult{Refs: refs}, nil
}

func (dryRunSecrets) Compensate(context.Context, []SecretRef) error { return nil }

type dryRunDeployer struct{}

func (dryRunDeployer) Apply(_ context.Context, cfg DomainConfig, spec DeploySpec) (*DeployResult, error) {
	return &DeployResult{
		DeploymentID: "dryrun-deploy-" + spec.WorkerName,
		WorkerURL:    "https://" + cfg.Domain + "/__dry-run",
	}, nil
}

func (dryRunDeployer) Compensate(context.Context, string) error { return nil }

// dryRunHealth always reports healthy. The fabricated dry-run worker URL
// resolves nowhere, so Verify must not poll it with the real checker.
type dryRunHealth struct{}

func (dryRunHealth) Check(context.Context, string) error { return nil }

// DryRunCollaborators returns the simulated collaborator set used for
// dry-run sessions.
func DryRunCollaborators() Collaborators {
	return Collaborators{
		Database: dryRunDatabase{},
		Secrets:  dryRunSecrets{},
		Deployer: dryRunDeployer{},
	}
}
