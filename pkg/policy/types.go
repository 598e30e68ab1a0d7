package policy

import (
	"github.com/openverge/openverge/pkg/engine"
)

// Policy is one named Rego compliance policy. A policy package exposes a
// deny set; every element of the set is reported as a violation.
type Policy struct {
	// Name selects the policy from a deployment's requirements.
	Name string `json:"name"`

	// Description explains what the policy checks.
	Description string `json:"description,omitempty"`

	// Rego is the policy source.
	Rego string `json:"rego"`

	// Builtin marks policies shipped with the binary.
	Builtin bool `json:"builtin"`
}

// Input is the document policies evaluate against.
type Input struct {
	// Domain, Customer and Environment identify the deployment.
	Domain      string `json:"domain"`
	Customer    string `json:"customer"`
	Environment string `json:"environment"`

	// Service is the deployed service descriptor.
	Service engine.ServiceDescriptor `json:"service"`

	// Deployment is the Execute phase result being validated.
	Deployment engine.ExecuteOutput `json:"deployment"`
}

// Builtin policy names.
const (
	PolicyRoutesPresent  = "routes_present"
	PolicyWorkerHTTPS    = "worker_https"
	PolicyProdNoInlineDB = "prod_named_database"
)

// Builtins returns the policies shipped with the binary.
func Builtins() []Policy {
	return []Policy{
		{
			Name:        PolicyRoutesPresent,
			Description: "every deployed worker must serve at least one route",
			Builtin:     true,
			Rego: `package openverge.routes_present

deny contains msg if {
	count(input.service.routes) == 0
	msg := sprintf("worker for %s serves no routes", [input.domain])
}
`,
		},
		{
			Name:        PolicyWorkerHTTPS,
			Description: "worker URLs must be served over HTTPS",
			Builtin:     true,
			Rego: `package openverge.worker_https

deny contains msg if {
	not startswith(input.deployment.worker_url, "https://")
	msg := sprintf("worker URL %s is not HTTPS", [input.deployment.worker_url])
}
`,
		},
		{
			Name:        PolicyProdNoInlineDB,
			Description: "production deployments with a database must name it explicitly",
			Builtin:     true,
			Rego: `package openverge.prod_named_database

deny contains msg if {
	input.environment == "prod"
	input.service.database
	input.service.database.name == ""
	msg := "production database has no name"
}
`,
		},
	}
}
