package policy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openverge/openverge/pkg/engine"
)

func testChecker(t *testing.T) *Checker {
	t.Helper()
	c, err := NewChecker(zerolog.Nop())
	if err != nil {
		t.Fatalf("failed to create checker: %v", err)
	}
	return c
}

func compliantConfig() engine.DomainConfig {
	return engine.DomainConfig{
		Domain:      "app.example.com",
		Customer:    "acme",
		Environment: "prod",
		Service: engine.ServiceDescriptor{
			Name:   "app",
			Routes: []string{"/*"},
		},
	}
}

func compliantDeployment() engine.ExecuteOutput {
	return engine.ExecuteOutput{
		DeploymentID: "dep-1",
		WorkerURL:    "https://app.example.com",
	}
}

func TestCheckCompliantDeployment(t *testing.T) {
	c := testChecker(t)

	out, err := c.Check(context.Background(), compliantConfig(), engine.Requirements{}, compliantDeployment())
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !out.Compliant {
		t.Errorf("expected compliant deployment, violations: %v", out.Violations)
	}
}

func TestCheckNoRoutes(t *testing.T) {
	c := testChecker(t)

	cfg := compliantConfig()
	cfg.Service.Routes = nil

	out, err := c.Check(context.Background(), cfg, engine.Requirements{}, compliantDeployment())
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if out.Compliant {
		t.Fatal("expected violation for worker without routes")
	}
	if len(out.Violations) != 1 || !strings.Contains(out.Violations[0], "serves no routes") {
		t.Errorf("unexpected violations: %v", out.Violations)
	}
}

func TestCheckInsecureWorkerURL(t *testing.T) {
	c := testChecker(t)

	deployed := compliantDeployment()
	deployed.WorkerURL = "http://app.example.com"

	out, err := c.Check(context.Background(), compliantConfig(), engine.Requirements{}, deployed)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if out.Compliant {
		t.Fatal("expected violation for non-HTTPS worker URL")
	}
}

func TestCheckSelectedPoliciesOnly(t *testing.T) {
	c := testChecker(t)

	// Insecure URL, but only the routes policy is selected.
	deployed := compliantDeployment()
	deployed.WorkerURL = "http://app.example.com"
	reqs := engine.Requirements{Policies: []string{PolicyRoutesPresent}}

	out, err := c.Check(context.Background(), compliantConfig(), reqs, deployed)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !out.Compliant {
		t.Errorf("expected compliance with only routes policy selected, violations: %v", out.Violations)
	}
}

func TestCheckUnknownPolicyIsViolation(t *testing.T) {
	c := testChecker(t)

	reqs := engine.Requirements{Policies: []string{"no_such_policy"}}
	out, err := c.Check(context.Background(), compliantConfig(), reqs, compliantDeployment())
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if out.Compliant {
		t.Fatal("expected violation for unknown policy name")
	}
	if !strings.Contains(out.Violations[0], "unknown policy") {
		t.Errorf("unexpected violation: %v", out.Violations)
	}
}

func TestAddCustomPolicy(t *testing.T) {
	c := testChecker(t)
	ctx := context.Background()

	custom := Policy{
		Name: "no_dev_in_prod",
		Rego: `package custom.no_dev_in_prod

deny contains msg if {
	input.environment == "prod"
	contains(input.service.name, "dev")
	msg := "dev service deployed to prod"
}
`,
	}
	if err := c.Add(ctx, custom); err != nil {
		t.Fatalf("failed to add policy: %v", err)
	}

	cfg := compliantConfig()
	cfg.Service.Name = "app-dev"
	reqs := engine.Requirements{Policies: []string{"no_dev_in_prod"}}

	out, err := c.Check(ctx, cfg, reqs, compliantDeployment())
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if out.Compliant {
		t.Fatal("expected custom policy violation")
	}
}

func TestAddRejectsBrokenRego(t *testing.T) {
	c := testChecker(t)

	err := c.Add(context.Background(), Policy{Name: "broken", Rego: "this is not rego"})
	if err == nil {
		t.Fatal("expected compile error")
	}
}

func TestLoaderLoadDir(t *testing.T) {
	dir := t.TempDir()
	rego := `# Denies everything.
package custom.deny_all

deny contains msg if {
	true
	msg := "denied"
}
`
	if err := os.WriteFile(filepath.Join(dir, "deny_all.rego"), []byte(rego), 0o644); err != nil {
		t.Fatalf("failed to write policy file: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644); err != nil {
		t.Fatalf("failed to write extra file: %v", err)
	}

	l := NewLoader(zerolog.Nop())
	policies, err := l.LoadDir(dir)
	if err != nil {
		t.Fatalf("failed to load dir: %v", err)
	}
	if len(policies) != 1 {
		t.Fatalf("expected 1 policy, got %d", len(policies))
	}
	if policies[0].Name != "deny_all" {
		t.Errorf("expected policy name deny_all, got %s", policies[0].Name)
	}
	if policies[0].Description != "Denies everything." {
		t.Errorf("unexpected description: %q", policies[0].Description)
	}

	c := testChecker(t)
	if err := l.LoadInto(context.Background(), dir, c); err != nil {
		t.Fatalf("failed to load into checker: %v", err)
	}

	reqs := engine.Requirements{Policies: []string{"deny_all"}}
	out, err := c.Check(context.Background(), compliantConfig(), reqs, compliantDeployment())
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if out.Compliant {
		t.Fatal("expected deny_all violation")
	}
}
