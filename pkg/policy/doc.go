// Package policy evaluates requirement compliance for deployed workers
// using Rego policies. Built-in policies cover the common deployment
// requirements; operators can layer their own .rego files on top and have
// them hot-reloaded while the orchestrator runs.
package policy
