// Package engine implements the OpenVerge orchestration core: the
// seven-phase deployment lifecycle (Assess -> Identify -> Construct ->
// Orchestrate -> Execute -> Verify -> Validate), the per-domain session
// state machine, the versioned Data Bridge for cross-phase state, and the
// Rollback Ledger that guarantees a compensating action for every
// externally-visible side effect.
//
// The engine never provisions anything itself. Database creation, secret
// distribution and worker deployment are delegated to Provisioning
// Collaborators (see interfaces.go), each exposing an idempotent Apply and
// a Compensate operation. The engine's job is to drive them in order,
// persist every intermediate result durably, and be able to resume or roll
// back after any interruption.
package engine
