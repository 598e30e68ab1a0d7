package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openverge/openverge/pkg/engine"
)

// Loader parses and validates deployment bundles.
type Loader struct {
	validator *validator.Validate

	// lookupEnv resolves from_env secret values. Overridable for tests.
	lookupEnv func(string) (string, bool)
}

// NewLoader creates a new bundle loader.
func NewLoader() *Loader {
	return &Loader{
		validator: validator.New(),
		lookupEnv: os.LookupEnv,
	}
}

// Load reads, parses and validates the bundle at path. Relative artifact
// paths are resolved against the bundle file's directory.
func (l *Loader) Load(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bundle: %w", err)
	}

	bundle, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("bundle %s: %w", path, err)
	}

	baseDir := filepath.Dir(path)
	for i := range bundle.Deployments {
		artifact := bundle.Deployments[i].Service.Artifact
		if !filepath.IsAbs(artifact) {
			bundle.Deployments[i].Service.Artifact = filepath.Join(baseDir, artifact)
		}
	}

	return bundle, nil
}

// Parse parses and validates bundle content.
func (l *Loader) Parse(data []byte) (*Bundle, error) {
	bundle := &Bundle{}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(bundle); err != nil {
		return nil, fmt.Errorf("failed to parse bundle: %w", err)
	}

	if err := l.validator.Struct(bundle); err != nil {
		return nil, fmt.Errorf("bundle validation failed: %w", err)
	}

	seen := make(map[string]bool, len(bundle.Deployments))
	for _, d := range bundle.Deployments {
		if seen[d.Domain] {
			return nil, fmt.Errorf("duplicate domain %s in bundle", d.Domain)
		}
		seen[d.Domain] = true
	}

	return bundle, nil
}

// DomainConfigs converts every deployment in the bundle into an engine
// domain configuration, resolving secret values.
func (l *Loader) DomainConfigs(bundle *Bundle) ([]engine.DomainConfig, error) {
	configs := make([]engine.DomainConfig, 0, len(bundle.Deployments))
	for _, d := range bundle.Deployments {
		cfg, err := l.domainConfig(bundle, d)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, nil
}

func (l *Loader) domainConfig(bundle *Bundle, d Deployment) (engine.DomainConfig, error) {
	cfg := engine.DomainConfig{
		Domain:      d.Domain,
		Customer:    bundle.Customer,
		Environment: bundle.Environment,
		Service: engine.ServiceDescriptor{
			Name:         d.Service.Name,
			ArtifactPath: d.Service.Artifact,
			Routes:       d.Service.Routes,
		},
		Requirements: resolveRequirements(bundle.Defaults.Requirements, d.Requirements),
	}

	if d.Service.Database != nil {
		cfg.Service.Database = &engine.DatabaseSpec{
			Name:    d.Service.Database.Name,
			Migrate: d.Service.Database.Migrate,
		}
	}

	for _, sc := range d.Service.Secrets {
		value := sc.Value
		if sc.FromEnv != "" {
			v, ok := l.lookupEnv(sc.FromEnv)
			if !ok {
				return engine.DomainConfig{}, fmt.Errorf("secret %s for %s: environment variable %s is not set", sc.Name, d.Domain, sc.FromEnv)
			}
			value = v
		}
		cfg.Service.Secrets = append(cfg.Service.Secrets, engine.SecretSpec{
			Name:  sc.Name,
			Value: value,
		})
	}

	return cfg, nil
}

// resolveRequirements layers a deployment override over the bundle defaults.
func resolveRequirements(defaults RequirementsConfig, override *RequirementsConfig) engine.Requirements {
	reqs := engine.Requirements{
		MinHealthChecks: defaults.MinHealthChecks,
		HealthTimeout:   time.Duration(defaults.HealthTimeout),
		Policies:        defaults.Policies,
	}
	if override == nil {
		return reqs
	}
	if override.MinHealthChecks != 0 {
		reqs.MinHealthChecks = override.MinHealthChecks
	}
	if override.HealthTimeout != 0 {
		reqs.HealthTimeout = time.Duration(override.HealthTimeout)
	}
	if override.Policies != nil {
		reqs.Policies = override.Policies
	}
	return reqs
}
