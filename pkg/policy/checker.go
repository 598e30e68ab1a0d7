package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"

	"github.com/openverge/openverge/pkg/engine"
)

// Checker evaluates requirement policies. It implements
// engine.RequirementChecker.
type Checker struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	log      zerolog.Logger
}

type compiledPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

// NewChecker creates a checker with the built-in policies loaded.
func NewChecker(logger zerolog.Logger) (*Checker, error) {
	c := &Checker{
		policies: make(map[string]*compiledPolicy),
		log:      logger.With().Str("component", "policy-checker").Logger(),
	}

	for _, p := range Builtins() {
		if err := c.compile(context.Background(), p); err != nil {
			return nil, fmt.Errorf("failed to compile builtin policy %s: %w", p.Name, err)
		}
	}

	return c, nil
}

// Add compiles and registers a policy, replacing any previous policy with
// the same name.
func (c *Checker) Add(ctx context.Context, p Policy) error {
	return c.compile(ctx, p)
}

// Names returns the registered policy names in sorted order.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.policies))
	for name := range c.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check evaluates the deployment against the requirement policies. An empty
// policy list selects every built-in policy. Unknown policy names are
// reported as violations rather than errors so a typo in a bundle cannot
// tear down an otherwise healthy deployment.
func (c *Checker) Check(ctx context.Context, cfg engine.DomainConfig, reqs engine.Requirements, deployed engine.ExecuteOutput) (*engine.ValidateOutput, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	input := Input{
		Domain:      cfg.Domain,
		Customer:    cfg.Customer,
		Environment: cfg.Environment,
		Service:     cfg.Service,
		Deployment:  deployed,
	}

	selected := reqs.Policies
	if len(selected) == 0 {
		for name, cp := range c.policies {
			if cp.policy.Builtin {
				selected = append(selected, name)
			}
		}
		sort.Strings(selected)
	}

	var violations []string
	for _, name := range selected {
		cp, ok := c.policies[name]
		if !ok {
			violations = append(violations, fmt.Sprintf("unknown policy %q", name))
			continue
		}

		vs, err := c.evaluate(ctx, cp, input)
		if err != nil {
			return nil, engine.NewInternalError(fmt.Sprintf("policy %s evaluation failed", name), err)
		}
		violations = append(violations, vs...)
	}

	c.log.Debug().
		Str("domain", cfg.Domain).
		Int("policies", len(selected)).
		Int("violations", len(violations)).
		Msg("compliance evaluated")

	return &engine.ValidateOutput{
		Compliant:  len(violations) == 0,
		Violations: violations,
	}, nil
}

func (c *Checker) compile(ctx context.Context, p Policy) error {
	pkg := packageName(p.Rego)
	query, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(fmt.Sprintf("data.%s.deny", pkg)),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare policy %s: %w", p.Name, err)
	}

	c.mu.Lock()
	c.policies[p.Name] = &compiledPolicy{policy: p, query: query}
	c.mu.Unlock()
	return nil
}

func (c *Checker) evaluate(ctx context.Context, cp *compiledPolicy, input Input) ([]string, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}

	var violations []string
	for _, result := range results {
		for _, expr := range result.Expressions {
			denySet, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, d := range denySet {
				if msg, ok := d.(string); ok {
					violations = append(violations, msg)
				} else {
					violations = append(violations, fmt.Sprintf("%v", d))
				}
			}
		}
	}
	return violations, nil
}

// packageName extracts the package declaration from Rego source.
func packageName(source string) string {
	for _, line := range strings.Split(source, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "openverge.policies"
}
