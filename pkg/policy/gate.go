package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"

	"github.com/openlift/openlift/pkg/engine"
)

// Gate evaluates rego policies against built plans. It implements
// engine.PlanGate: a blocking violation rejects the plan before any
// provisioning runs.
type Gate struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

// compiledPolicy pairs a policy with its prepared deny query.
type compiledPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

// NewGate creates a gate preloaded with the built-in guardrails.
func NewGate(logger zerolog.Logger) (*Gate, error) {
	g := &Gate{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-gate").Logger(),
	}
	for _, p := range builtinPolicies() {
		if err := g.add(context.Background(), p); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
	}
	return g, nil
}

// LoadPaths compiles and adds every .rego file reachable from the
// given paths. A policy with the same name as an existing one replaces
// it, so projects can override the built-ins.
func (g *Gate) LoadPaths(ctx context.Context, paths []string) error {
	policies, err := loadFromPaths(g.logger, paths)
	if err != nil {
		return err
	}
	for _, p := range policies {
		if err := g.add(ctx, p); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
	}
	g.logger.Info().Int("count", len(policies)).Msg("Policies loaded")
	return nil
}

// Policies returns the loaded policy names, sorted.
func (g *Gate) Policies() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.policies))
	for name := range g.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (g *Gate) add(ctx context.Context, p Policy) error {
	pkg := extractPackageName(p.Rego)
	query, err := rego.New(
		rego.Module(p.Name, p.Rego),
		rego.Query(fmt.Sprintf("data.%s.deny", pkg)),
	).PrepareForEval(ctx)
	if err != nil {
		return err
	}

	g.mu.Lock()
	g.policies[p.Name] = &compiledPolicy{policy: p, query: query}
	g.mu.Unlock()
	return nil
}

// CheckPlan implements engine.PlanGate. Blocking violations come back
// as a validation error listing every violated rule; warnings are
// logged and let the plan through.
func (g *Gate) CheckPlan(ctx context.Context, env engine.EnvironmentInfo, plan *engine.Plan) error {
	decision, err := g.Evaluate(ctx, env, plan)
	if err != nil {
		return err
	}

	for _, v := range decision.Violations {
		if v.Severity.blocking() {
			continue
		}
		g.logger.Warn().
			Str("policy", v.Policy).
			Str("resource", v.Resource).
			Str("environment", env.Name).
			Msg(v.Message)
	}

	if decision.Allowed {
		return nil
	}

	var msgs []string
	for _, v := range decision.Violations {
		if v.Severity.blocking() {
			msgs = append(msgs, fmt.Sprintf("%s: %s", v.Policy, v.Message))
		}
	}
	return engine.NewValidationError(
		fmt.Sprintf("plan rejected by policy: %s", strings.Join(msgs, "; ")), nil,
	).WithEnvironment(env.Name)
}

// Evaluate runs every enabled policy against the plan and aggregates
// the outcome without deciding anything beyond Allowed.
func (g *Gate) Evaluate(ctx context.Context, env engine.EnvironmentInfo, plan *engine.Plan) (*Decision, error) {
	start := time.Now()
	input := buildInput(env, plan)

	g.mu.RLock()
	compiled := make([]*compiledPolicy, 0, len(g.policies))
	for _, cp := range g.policies {
		if cp.policy.Enabled {
			compiled = append(compiled, cp)
		}
	}
	g.mu.RUnlock()
	sort.Slice(compiled, func(i, j int) bool { return compiled[i].policy.Name < compiled[j].policy.Name })

	decision := &Decision{Allowed: true}
	for _, cp := range compiled {
		decision.EvaluatedPolicies = append(decision.EvaluatedPolicies, cp.policy.Name)

		results, err := cp.query.Eval(ctx, rego.EvalInput(input))
		if err != nil {
			return nil, fmt.Errorf("policy %s evaluation failed: %w", cp.policy.Name, err)
		}
		for _, result := range results {
			for _, expr := range result.Expressions {
				denySet, ok := expr.Value.([]interface{})
				if !ok {
					continue
				}
				for _, d := range denySet {
					v := newViolation(cp.policy, d)
					decision.Violations = append(decision.Violations, v)
					if v.Severity.blocking() {
						decision.Allowed = false
					}
				}
			}
		}
	}

	decision.Duration = time.Since(start)
	g.logger.Debug().
		Str("environment", env.Name).
		Int("violations", len(decision.Violations)).
		Bool("allowed", decision.Allowed).
		Dur("duration", decision.Duration).
		Msg("Plan policy evaluation completed")
	return decision, nil
}

// buildInput projects the plan into the rego input document.
func buildInput(env engine.EnvironmentInfo, plan *engine.Plan) *planInput {
	doc := planDoc{
		Destroy:          plan.Destroy,
		AllowDestructive: plan.AllowDestructive,
		Actions:          make([]actionInput, 0, len(plan.Actions)),
	}
	for _, a := range plan.Actions {
		doc.Actions = append(doc.Actions, actionInput{
			Type:        string(a.Type),
			Key:         a.Key,
			Destructive: a.Type.Destructive(),
		})
	}
	return &planInput{
		Environment: environmentInput{Name: env.Name, Tier: string(env.Tier)},
		Plan:        doc,
	}
}

// newViolation maps one deny result to a Violation. String members
// carry just a message; object members may set their own severity and
// resource.
func newViolation(p Policy, result interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}
	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if res, ok := r["resource"].(string); ok {
			v.Resource = res
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}

// extractPackageName reads the package declaration from rego source.
func extractPackageName(src string) string {
	for _, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "openlift.policies"
}
