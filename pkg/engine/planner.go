package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/openlift/openlift/pkg/state"
)

// PlanOptions modifies plan construction.
type PlanOptions struct {
	// AllowDestructive records the operator's explicit consent to
	// destructive actions; policy gating reads it off the plan.
	AllowDestructive bool
}

// Planner diffs declared resources against recorded state and produces
// an ordered action plan. Planning only reads the store; validation and
// plan errors surface before any side effect.
type Planner struct {
	store    state.Store
	registry *Registry
	logger   zerolog.Logger
}

// NewPlanner creates a planner over a state store and adapter registry.
func NewPlanner(store state.Store, registry *Registry, logger zerolog.Logger) *Planner {
	return &Planner{
		store:    store,
		registry: registry,
		logger:   logger.With().Str("component", "planner").Logger(),
	}
}

// Plan computes the actions needed to reconcile the environment's
// recorded state with the declared resource set.
func (p *Planner) Plan(ctx context.Context, environment string, declared []DeclaredResource, opts PlanOptions) (*Plan, error) {
	keys, deps, err := validateDeclared(declared)
	if err != nil {
		return nil, err
	}

	graph := newDepGraph(keys, deps)
	if cycle := graph.detectCycle(); cycle != nil {
		return nil, NewPlanError(
			fmt.Sprintf("dependency cycle: %s", formatCycle(cycle)), nil,
		).WithEnvironment(environment)
	}

	snap, err := p.store.ReadSnapshot(ctx, environment)
	if err != nil {
		return nil, fmt.Errorf("failed to read state for %s: %w", environment, err)
	}

	byKey := make(map[string]*DeclaredResource, len(declared))
	for i := range declared {
		byKey[declared[i].Key()] = &declared[i]
	}

	// Diff declared resources against their records.
	actions := make(map[string]*Action, len(declared))
	for _, key := range keys {
		d := byKey[key]
		action, err := p.diff(d, snap.Resources[key], deps[key])
		if err != nil {
			return nil, err
		}
		actions[key] = action
	}

	plan := &Plan{
		Environment:      environment,
		SnapshotVersion:  snap.Version,
		AllowDestructive: opts.AllowDestructive,
		CreatedAt:        time.Now().UTC(),
	}

	// Batch executable actions level by level. Levels are computed over
	// the full declared graph so ordering survives NOOP intermediaries.
	batch := 0
	for _, level := range graph.levels() {
		var executable []*Action
		for _, key := range level {
			action := actions[key]
			plan.Actions = append(plan.Actions, action)
			if action.Executable() {
				action.Batch = batch
				executable = append(executable, action)
			}
		}
		if len(executable) > 0 {
			plan.Batches = append(plan.Batches, executable)
			batch++
		}
	}

	// Flag recorded resources no longer declared. Orphans are reported,
	// never executed.
	for _, key := range sortedRecordKeys(snap) {
		rec := snap.Resources[key]
		if byKey[key] != nil || rec.Status == state.StatusDeleted {
			continue
		}
		plan.Actions = append(plan.Actions, &Action{
			Type:     ActionOrphan,
			Key:      key,
			Batch:    -1,
			Recorded: rec,
		})
	}

	p.logger.Debug().
		Str("environment", environment).
		Int("actions", len(plan.Actions)).
		Int("batches", len(plan.Batches)).
		Msg("Plan computed")
	return plan, nil
}

// diff decides the action for one declared resource.
func (p *Planner) diff(d *DeclaredResource, rec *state.Record, deps []string) (*Action, error) {
	inputs, err := state.EncodeInputs(d.Inputs)
	if err != nil {
		return nil, NewValidationError("failed to encode declared inputs", err).WithResource(d.Key())
	}
	hash := state.HashInputs(inputs)

	action := &Action{
		Key:          d.Key(),
		Batch:        -1,
		Declared:     d,
		Recorded:     rec,
		Dependencies: deps,
	}

	switch {
	case rec == nil || rec.Status == state.StatusDeleted:
		action.Type = ActionCreate
	case rec.Status != state.StatusCreated:
		// Error or interrupted record: retry from scratch. Last-applied
		// state carries enough to make the retry idempotent.
		action.Type = ActionCreate
	case rec.InputsHash == hash:
		action.Type = ActionNoop
	case p.registry.Updatable(d.Type):
		action.Type = ActionUpdate
	default:
		action.Type = ActionReplace
	}
	return action, nil
}

// DestroyPlan produces a reverse-order teardown plan over the full
// recorded state of the environment. Destruction is always this
// explicit path, never a by-product of reconciliation planning.
func (p *Planner) DestroyPlan(ctx context.Context, environment string, opts PlanOptions) (*Plan, error) {
	snap, err := p.store.ReadSnapshot(ctx, environment)
	if err != nil {
		return nil, fmt.Errorf("failed to read state for %s: %w", environment, err)
	}

	keys := make([]string, 0, len(snap.Resources))
	for _, key := range sortedRecordKeys(snap) {
		if snap.Resources[key].Status != state.StatusDeleted {
			keys = append(keys, key)
		}
	}

	// Dependency edges come from the records themselves; targets that
	// are gone from the snapshot no longer constrain ordering.
	live := make(map[string]bool, len(keys))
	for _, key := range keys {
		live[key] = true
	}
	deps := make(map[string][]string, len(keys))
	for _, key := range keys {
		for _, dep := range snap.Resources[key].Dependencies {
			if live[dep] {
				deps[key] = append(deps[key], dep)
			}
		}
	}

	graph := newDepGraph(keys, deps)
	if cycle := graph.detectCycle(); cycle != nil {
		return nil, NewPlanError(
			fmt.Sprintf("dependency cycle in recorded state: %s", formatCycle(cycle)), nil,
		).WithEnvironment(environment)
	}

	plan := &Plan{
		Environment:      environment,
		SnapshotVersion:  snap.Version,
		Destroy:          true,
		AllowDestructive: opts.AllowDestructive,
		CreatedAt:        time.Now().UTC(),
	}

	// Dependents tear down before their dependencies.
	for batch, level := range graph.reverse().levels() {
		var actions []*Action
		for _, key := range level {
			action := &Action{
				Type:     ActionDestroy,
				Key:      key,
				Batch:    batch,
				Recorded: snap.Resources[key],
			}
			plan.Actions = append(plan.Actions, action)
			actions = append(actions, action)
		}
		plan.Batches = append(plan.Batches, actions)
	}
	return plan, nil
}

// validateDeclared checks the declared set and returns the
// declaration-ordered keys plus the per-key dependency lists, explicit
// and reference-implied merged.
func validateDeclared(declared []DeclaredResource) ([]string, map[string][]string, error) {
	keys := make([]string, 0, len(declared))
	seen := make(map[string]bool, len(declared))

	for i := range declared {
		d := &declared[i]
		if d.Type == "" {
			return nil, nil, NewValidationError(fmt.Sprintf("resource %d has empty type", i), nil)
		}
		if d.Name == "" {
			return nil, nil, NewValidationError(fmt.Sprintf("resource %d (%s) has empty name", i, d.Type), nil)
		}
		key := d.Key()
		if seen[key] {
			return nil, nil, NewValidationError(fmt.Sprintf("duplicate resource %s", key), nil).WithResource(key)
		}
		seen[key] = true
		keys = append(keys, key)

		if d.Service && d.ArtifactRef == "" {
			return nil, nil, NewValidationError("service declares no artifact reference", nil).WithResource(key)
		}
	}

	deps := make(map[string][]string, len(declared))
	for i := range declared {
		d := &declared[i]
		key := d.Key()

		merged := make([]string, 0, len(d.DependsOn))
		present := make(map[string]bool)
		for _, dep := range d.DependsOn {
			if !present[dep] {
				present[dep] = true
				merged = append(merged, dep)
			}
		}
		for _, dep := range collectRefs(d.Inputs) {
			if !present[dep] {
				present[dep] = true
				merged = append(merged, dep)
			}
		}

		for _, dep := range merged {
			if !seen[dep] {
				return nil, nil, NewPlanError(
					fmt.Sprintf("%s references undeclared resource %s", key, dep), nil,
				).WithResource(key)
			}
		}
		deps[key] = merged
	}
	return keys, deps, nil
}

// collectRefs walks an input document and returns the resource keys of
// every dependency reference, in encounter order.
func collectRefs(v any) []string {
	var refs []string
	walkInputs(v, func(value any) {
		if key, _, ok := ParseRef(value); ok {
			refs = append(refs, key)
		}
	})
	return refs
}

// walkInputs visits every leaf value of a nested input document. Maps
// are visited in sorted key order for determinism.
func walkInputs(v any, visit func(any)) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walkInputs(t[k], visit)
		}
	case []any:
		for _, item := range t {
			walkInputs(item, visit)
		}
	default:
		visit(v)
	}
}

// sortedRecordKeys returns the snapshot's resource keys in sorted order.
func sortedRecordKeys(snap *state.Snapshot) []string {
	keys := make([]string, 0, len(snap.Resources))
	for key := range snap.Resources {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
