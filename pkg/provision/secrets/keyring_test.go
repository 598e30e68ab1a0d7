package secrets

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/zalando/go-keyring"

	"github.com/openverge/openverge/pkg/engine"
)

func testConfig() engine.DomainConfig {
	return engine.DomainConfig{
		Domain:      "app.example.com",
		Customer:    "acme",
		Environment: "prod",
	}
}

func TestApplyAndCompensate(t *testing.T) {
	keyring.MockInit()
	d := NewDistributor("", zerolog.Nop())
	ctx := context.Background()
	cfg := testConfig()

	specs := []engine.SecretSpec{
		{Name: "API_KEY", Value: "k1"},
		{Name: "DB_PASSWORD", Value: "k2"},
	}

	result, err := d.Apply(ctx, cfg, specs)
	if err != nil {
		t.Fatalf("failed to apply secrets: %v", err)
	}
	if len(result.Refs) != 2 {
		t.Fatalf("expected 2 refs, got %d", len(result.Refs))
	}
	for i, ref := range result.Refs {
		if ref.Name != specs[i].Name {
			t.Errorf("expected ref name %s, got %s", specs[i].Name, ref.Name)
		}
	}

	// Values are stored under the deployment-scoped service name.
	value, err := keyring.Get("openverge:acme:prod:app.example.com", "API_KEY")
	if err != nil {
		t.Fatalf("failed to read back secret: %v", err)
	}
	if value != "k1" {
		t.Errorf("expected value k1, got %s", value)
	}

	if err := d.Compensate(ctx, result.Refs); err != nil {
		t.Fatalf("failed to compensate: %v", err)
	}
	if _, err := keyring.Get("openverge:acme:prod:app.example.com", "API_KEY"); err == nil {
		t.Error("expected secret to be revoked")
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	keyring.MockInit()
	d := NewDistributor("", zerolog.Nop())
	ctx := context.Background()
	cfg := testConfig()

	specs := []engine.SecretSpec{{Name: "API_KEY", Value: "v1"}}
	if _, err := d.Apply(ctx, cfg, specs); err != nil {
		t.Fatalf("first apply failed: %v", err)
	}

	specs[0].Value = "v2"
	result, err := d.Apply(ctx, cfg, specs)
	if err != nil {
		t.Fatalf("second apply failed: %v", err)
	}
	if len(result.Refs) != 1 {
		t.Fatalf("expected 1 ref, got %d", len(result.Refs))
	}

	value, err := keyring.Get("openverge:acme:prod:app.example.com", "API_KEY")
	if err != nil {
		t.Fatalf("failed to read back secret: %v", err)
	}
	if value != "v2" {
		t.Errorf("expected overwritten value v2, got %s", value)
	}
}

func TestCompensateMissingSecretSucceeds(t *testing.T) {
	keyring.MockInit()
	d := NewDistributor("", zerolog.Nop())

	refs := []engine.SecretRef{
		{Name: "GONE", Ref: "keyring://openverge:acme:prod:app.example.com/GONE"},
	}
	if err := d.Compensate(context.Background(), refs); err != nil {
		t.Errorf("expected revoke of missing secret to succeed, got %v", err)
	}
}

func TestCompensateMalformedRef(t *testing.T) {
	keyring.MockInit()
	d := NewDistributor("", zerolog.Nop())

	refs := []engine.SecretRef{{Name: "BAD", Ref: "vault://nope"}}
	err := d.Compensate(context.Background(), refs)
	if err == nil {
		t.Fatal("expected error for malformed ref")
	}
	if engine.Classify(err) != engine.ClassCompensation {
		t.Errorf("expected compensation class, got %s", engine.Classify(err))
	}
}

func TestParseRef(t *testing.T) {
	service, user, err := parseRef("keyring://svc:a:b/NAME")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if service != "svc:a:b" || user != "NAME" {
		t.Errorf("unexpected parse result: %s / %s", service, user)
	}

	for _, bad := range []string{"keyring://", "keyring:///NAME", "keyring://svc/", "other://svc/NAME"} {
		if _, _, err := parseRef(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}
