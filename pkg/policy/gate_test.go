package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openlift/openlift/pkg/engine"
)

func newGate(t *testing.T) *Gate {
	t.Helper()
	g, err := NewGate(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewGate failed: %v", err)
	}
	return g
}

func plan(destroy, allowDestructive bool, actions ...*engine.Action) *engine.Plan {
	return &engine.Plan{
		Environment:      "prod",
		Destroy:          destroy,
		AllowDestructive: allowDestructive,
		Actions:          actions,
	}
}

func TestGateDeniesDestructiveInProduction(t *testing.T) {
	g := newGate(t)
	env := engine.EnvironmentInfo{Name: "prod", Tier: engine.TierProduction}
	p := plan(false, false,
		&engine.Action{Type: engine.ActionCreate, Key: "postgres.db"},
		&engine.Action{Type: engine.ActionReplace, Key: "bucket.assets"},
	)

	err := g.CheckPlan(context.Background(), env, p)
	if !engine.IsValidation(err) {
		t.Fatalf("Expected rejection, got %v", err)
	}

	decision, derr := g.Evaluate(context.Background(), env, p)
	if derr != nil {
		t.Fatalf("Evaluate failed: %v", derr)
	}
	if decision.Allowed {
		t.Fatal("Expected disallowed decision")
	}
	var found bool
	for _, v := range decision.Violations {
		if v.Policy == "production-destructive" && v.Resource == "bucket.assets" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected a production-destructive violation for bucket.assets, got %+v", decision.Violations)
	}
}

func TestGateAllowsDestructiveWithOptIn(t *testing.T) {
	g := newGate(t)
	env := engine.EnvironmentInfo{Name: "prod", Tier: engine.TierProduction}
	p := plan(false, true, &engine.Action{Type: engine.ActionReplace, Key: "bucket.assets"})

	if err := g.CheckPlan(context.Background(), env, p); err != nil {
		t.Fatalf("Expected opt-in to pass, got %v", err)
	}
}

func TestGateIgnoresDestructiveInDevelopment(t *testing.T) {
	g := newGate(t)
	env := engine.EnvironmentInfo{Name: "dev", Tier: engine.TierDevelopment}
	p := plan(true, false, &engine.Action{Type: engine.ActionDestroy, Key: "postgres.db"})

	if err := g.CheckPlan(context.Background(), env, p); err != nil {
		t.Fatalf("Expected development teardown to pass, got %v", err)
	}
}

func TestGateDeniesProductionTeardown(t *testing.T) {
	g := newGate(t)
	env := engine.EnvironmentInfo{Name: "prod", Tier: engine.TierProduction}
	p := plan(true, false, &engine.Action{Type: engine.ActionDestroy, Key: "postgres.db"})

	decision, err := g.Evaluate(context.Background(), env, p)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if decision.Allowed {
		t.Fatal("Expected teardown denied")
	}
	var critical bool
	for _, v := range decision.Violations {
		if v.Policy == "production-teardown" && v.Severity == SeverityCritical {
			critical = true
		}
	}
	if !critical {
		t.Errorf("Expected a critical production-teardown violation, got %+v", decision.Violations)
	}
}

func TestGateOrphanWarningDoesNotBlock(t *testing.T) {
	g := newGate(t)
	env := engine.EnvironmentInfo{Name: "dev", Tier: engine.TierDevelopment}
	p := plan(false, false, &engine.Action{Type: engine.ActionOrphan, Key: "bucket.stale", Batch: -1})

	decision, err := g.Evaluate(context.Background(), env, p)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !decision.Allowed {
		t.Fatal("Expected warnings not to block the plan")
	}
	if len(decision.Violations) != 1 || decision.Violations[0].Severity != SeverityWarning {
		t.Errorf("Expected one warning, got %+v", decision.Violations)
	}
	if err := g.CheckPlan(context.Background(), env, p); err != nil {
		t.Errorf("Expected CheckPlan to pass, got %v", err)
	}
}

func TestGateLoadsProjectPolicies(t *testing.T) {
	dir := t.TempDir()
	src := `package custom.naming

import rego.v1

deny contains violation if {
	some action in input.plan.actions
	contains(action.key, "_")
	violation := {
		"message": sprintf("%s uses underscores", [action.key]),
		"severity": "error",
		"resource": action.key,
	}
}
`
	if err := os.WriteFile(filepath.Join(dir, "naming.rego"), []byte(src), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	g := newGate(t)
	if err := g.LoadPaths(context.Background(), []string{dir}); err != nil {
		t.Fatalf("LoadPaths failed: %v", err)
	}

	names := g.Policies()
	var loaded bool
	for _, n := range names {
		if n == "naming" {
			loaded = true
		}
	}
	if !loaded {
		t.Fatalf("Expected naming policy loaded, got %v", names)
	}

	env := engine.EnvironmentInfo{Name: "dev", Tier: engine.TierDevelopment}
	p := plan(false, false, &engine.Action{Type: engine.ActionCreate, Key: "app.my_service"})
	if err := g.CheckPlan(context.Background(), env, p); !engine.IsValidation(err) {
		t.Fatalf("Expected custom policy rejection, got %v", err)
	}
}
