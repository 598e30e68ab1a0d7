package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "2m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Bundle is the top-level deployment bundle document.
type Bundle struct {
	// Version is the bundle format version. Only version 1 is supported.
	Version int `yaml:"version" validate:"required,eq=1"`

	// Customer is the owning customer identifier.
	Customer string `yaml:"customer" validate:"required"`

	// Environment is the target environment (e.g. "dev", "prod").
	Environment string `yaml:"environment" validate:"required"`

	// Defaults apply to every deployment unless overridden.
	Defaults Defaults `yaml:"defaults,omitempty"`

	// Deployments lists the domains to deploy.
	Deployments []Deployment `yaml:"deployments" validate:"required,min=1,dive"`
}

// Defaults holds bundle-wide defaults.
type Defaults struct {
	// Requirements are the default verification requirements.
	Requirements RequirementsConfig `yaml:"requirements,omitempty"`
}

// Deployment describes one domain deployment.
type Deployment struct {
	// Domain is the fully-qualified domain to deploy.
	Domain string `yaml:"domain" validate:"required,fqdn"`

	// Service describes the deployable service.
	Service ServiceConfig `yaml:"service" validate:"required"`

	// Requirements override the bundle defaults for this deployment.
	Requirements *RequirementsConfig `yaml:"requirements,omitempty"`
}

// ServiceConfig describes the deployable edge service.
type ServiceConfig struct {
	// Name is the service name, used to derive resource names.
	Name string `yaml:"name" validate:"required,hostname_rfc1123"`

	// Artifact is the local path to the worker bundle.
	Artifact string `yaml:"artifact" validate:"required"`

	// Routes are the URL patterns the worker serves.
	Routes []string `yaml:"routes,omitempty"`

	// Database describes the backing database to provision, if any.
	Database *DatabaseConfig `yaml:"database,omitempty"`

	// Secrets lists the secrets to distribute to the worker.
	Secrets []SecretConfig `yaml:"secrets,omitempty" validate:"dive"`
}

// DatabaseConfig describes the database a deployment needs.
type DatabaseConfig struct {
	// Name is the logical database name.
	Name string `yaml:"name" validate:"required,hostname_rfc1123"`

	// Migrate indicates schema migrations should run after creation.
	Migrate bool `yaml:"migrate,omitempty"`
}

// SecretConfig declares one secret to distribute. The value comes either
// inline or from an environment variable; exactly one of the two must be set.
type SecretConfig struct {
	// Name is the logical secret name.
	Name string `yaml:"name" validate:"required"`

	// Value is the inline secret material. Prefer FromEnv for anything
	// checked into version control.
	Value string `yaml:"value,omitempty" validate:"required_without=FromEnv,excluded_with=FromEnv"`

	// FromEnv names the environment variable to read the value from.
	FromEnv string `yaml:"from_env,omitempty" validate:"required_without=Value,excluded_with=Value"`
}

// RequirementsConfig holds the verification and validation requirements.
type RequirementsConfig struct {
	// MinHealthChecks is the number of consecutive successful health
	// checks required before a deployment is considered healthy.
	MinHealthChecks int `yaml:"min_health_checks,omitempty" validate:"omitempty,min=1,max=100"`

	// HealthTimeout bounds the health polling loop.
	HealthTimeout Duration `yaml:"health_timeout,omitempty"`

	// Policies names the compliance policies to evaluate after deployment.
	Policies []string `yaml:"policies,omitempty"`
}
