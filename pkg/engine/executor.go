package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openlift/openlift/pkg/lock"
	"github.com/openlift/openlift/pkg/state"
	"github.com/openlift/openlift/pkg/telemetry"
)

// resourceLockTTL bounds how long a crashed worker can wedge a single
// resource. Batch execution renews nothing at this granularity; actions
// that outlive the TTL are already covered by the environment lock.
const resourceLockTTL = 2 * time.Minute

// Executor runs a plan batch by batch: bounded parallelism inside a
// batch, a full barrier between batches so later batches can consume
// outputs recorded by earlier ones. State is persisted per resource via
// optimistic-concurrency writes; the apply as a whole is never a
// transaction.
type Executor struct {
	store       state.Store
	locks       *lock.Manager
	registry    *Registry
	metrics     *telemetry.Metrics
	tracer      *telemetry.Tracer
	maxParallel int
	logger      zerolog.Logger
}

// NewExecutor creates an executor. maxParallel bounds the worker pool
// per batch; values below one fall back to the default of 8.
func NewExecutor(store state.Store, locks *lock.Manager, registry *Registry, metrics *telemetry.Metrics, tracer *telemetry.Tracer, maxParallel int, logger zerolog.Logger) *Executor {
	if maxParallel <= 0 {
		maxParallel = 8
	}
	if tracer == nil {
		tracer, _ = telemetry.NewTracer(telemetry.TracingConfig{}, "openlift", "dev")
	}
	return &Executor{
		store:       store,
		locks:       locks,
		registry:    registry,
		metrics:     metrics,
		tracer:      tracer,
		maxParallel: maxParallel,
		logger:      logger.With().Str("component", "executor").Logger(),
	}
}

// applyRun is the mutable state of one apply invocation.
type applyRun struct {
	executor    *Executor
	environment string
	plan        *Plan

	mu       sync.Mutex
	snap     *state.Snapshot
	version  int64
	report   *Report
	failed   map[string]bool
	skipped  map[string]bool
	graph    *depGraph
}

// Apply executes a reconciliation plan against the environment.
// Cancellation stops new actions immediately, lets in-flight adapter
// calls finish so their outcome is recorded, and skips the rest.
func (e *Executor) Apply(ctx context.Context, environment string, plan *Plan) (*Report, error) {
	if plan.Destroy {
		return nil, NewInternalError("Apply called with a destroy plan", nil)
	}
	return e.run(ctx, environment, plan)
}

// Destroy executes a teardown plan produced by DestroyPlan.
func (e *Executor) Destroy(ctx context.Context, environment string, plan *Plan) (*Report, error) {
	if !plan.Destroy {
		return nil, NewInternalError("Destroy called with a reconciliation plan", nil)
	}
	return e.run(ctx, environment, plan)
}

func (e *Executor) run(ctx context.Context, environment string, plan *Plan) (*Report, error) {
	if plan.Environment != environment {
		return nil, NewInternalError(
			fmt.Sprintf("plan targets %s, apply targets %s", plan.Environment, environment), nil)
	}

	snap, err := e.store.ReadSnapshot(ctx, environment)
	if err != nil {
		return nil, fmt.Errorf("failed to read state for %s: %w", environment, err)
	}
	if snap.Version != plan.SnapshotVersion {
		e.metrics.RecordVersionConflict(environment)
		return nil, NewVersionConflictError(
			fmt.Sprintf("state moved from version %d to %d since planning; re-plan against fresh state",
				plan.SnapshotVersion, snap.Version), nil,
		).WithEnvironment(environment)
	}

	run := &applyRun{
		executor:    e,
		environment: environment,
		plan:        plan,
		snap:        snap,
		version:     snap.Version,
		failed:      make(map[string]bool),
		skipped:     make(map[string]bool),
		graph:       planGraph(plan),
		report: &Report{
			Environment: environment,
			StartedAt:   time.Now().UTC(),
		},
	}

	e.metrics.RecordApplyStarted(environment)
	e.logger.Info().
		Str("environment", environment).
		Int("batches", len(plan.Batches)).
		Bool("destroy", plan.Destroy).
		Msg("Apply started")

	// NOOP and ORPHAN entries are part of the report but never executed.
	for _, action := range plan.Actions {
		switch action.Type {
		case ActionNoop:
			run.report.add(ReportEntry{Key: action.Key, Action: action.Type, Outcome: OutcomeNoop})
		case ActionOrphan:
			run.report.add(ReportEntry{Key: action.Key, Action: action.Type, Outcome: OutcomeOrphaned})
		}
	}

	cancelled := false
	for _, batch := range plan.Batches {
		if cancelled || ctx.Err() != nil {
			cancelled = true
			run.skipBatch(batch, "apply cancelled")
			continue
		}
		run.executeBatch(ctx, batch)
		if ctx.Err() != nil {
			cancelled = true
		}
	}

	run.report.CompletedAt = time.Now().UTC()

	status := "succeeded"
	if run.report.Failed > 0 || run.report.Skipped > 0 {
		status = "partial"
		if run.report.Created+run.report.Updated+run.report.Deleted == 0 && run.report.Failed > 0 {
			status = "failed"
		}
	}
	e.metrics.RecordApplyCompleted(environment, status, run.report.CompletedAt.Sub(run.report.StartedAt))
	e.logger.Info().
		Str("environment", environment).
		Str("status", status).
		Int("created", run.report.Created).
		Int("updated", run.report.Updated).
		Int("noop", run.report.Noop).
		Int("failed", run.report.Failed).
		Int("skipped", run.report.Skipped).
		Int("deleted", run.report.Deleted).
		Msg("Apply finished")

	if cancelled {
		return run.report, context.Cause(ctx)
	}
	return run.report, nil
}

// executeBatch runs one batch through a bounded worker pool and waits
// for every action to terminate before returning.
func (r *applyRun) executeBatch(ctx context.Context, batch []*Action) {
	workers := r.executor.maxParallel
	if len(batch) < workers {
		workers = len(batch)
	}

	queue := make(chan *Action, len(batch))
	for _, action := range batch {
		queue <- action
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for action := range queue {
				// Stop starting new actions once cancelled; in-flight
				// ones drain naturally.
				if ctx.Err() != nil {
					r.skip(action, "apply cancelled")
					continue
				}
				if blocked, dep := r.blockedBy(action); blocked {
					r.skip(action, fmt.Sprintf("dependency %s did not complete", dep))
					continue
				}
				r.executeAction(ctx, action)
			}
		}()
	}
	wg.Wait()
}

// blockedBy reports whether any transitive dependency of the action
// failed or was skipped, and names the first offender. The walk crosses
// NOOP intermediaries, which terminate without ever being marked.
func (r *applyRun) blockedBy(action *Action) (bool, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := map[string]bool{action.Key: true}
	stack := append([]string(nil), r.graph.deps[action.Key]...)
	for len(stack) > 0 {
		dep := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[dep] {
			continue
		}
		seen[dep] = true
		if r.failed[dep] || r.skipped[dep] {
			return true, dep
		}
		stack = append(stack, r.graph.deps[dep]...)
	}
	return false, ""
}

// executeAction drives one action end to end: per-resource lock,
// adapter call, atomic state write.
func (r *applyRun) executeAction(ctx context.Context, action *Action) {
	e := r.executor
	logger := e.logger.With().
		Str("environment", r.environment).
		Str("resource", action.Key).
		Str("operation", string(action.Type)).
		Logger()
	started := time.Now()

	ctx, span := e.tracer.StartActionSpan(ctx, action.Key, resourceType(action), string(action.Type))
	defer span.End()

	handle, err := e.locks.Acquire(ctx, lock.ResourceLock(r.environment, action.Key), resourceLockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrLockHeld) {
			e.metrics.RecordLockConflict(lock.ResourceLock(r.environment, action.Key))
			err = NewLockConflictError("resource is locked by another operation", err).WithResource(action.Key)
		}
		telemetry.RecordError(span, err)
		r.fail(ctx, action, err, time.Since(started))
		return
	}
	// Release must reach the store even after the operation context is
	// cancelled, or the lock leaks until TTL expiry.
	defer func() {
		if rerr := e.locks.Release(context.WithoutCancel(ctx), handle); rerr != nil {
			logger.Warn().Err(rerr).Msg("Failed to release resource lock")
		}
	}()

	var outcome Outcome
	switch action.Type {
	case ActionDestroy:
		outcome, err = r.destroyResource(ctx, action)
	default:
		outcome, err = r.provisionResource(ctx, action)
	}
	duration := time.Since(started)

	if err != nil {
		telemetry.RecordError(span, err)
		r.fail(ctx, action, err, duration)
		return
	}
	telemetry.RecordSuccess(span)

	r.mu.Lock()
	r.report.add(ReportEntry{Key: action.Key, Action: action.Type, Outcome: outcome, Duration: duration})
	r.mu.Unlock()
	e.metrics.RecordAction(string(action.Type), string(outcome), resourceType(action), duration)
	logger.Info().Dur("duration", duration).Str("outcome", string(outcome)).Msg("Action completed")
}

// provisionResource handles CREATE, UPDATE, and REPLACE.
func (r *applyRun) provisionResource(ctx context.Context, action *Action) (Outcome, error) {
	e := r.executor
	d := action.Declared

	adapter, err := e.registry.Lookup(d.Type)
	if err != nil {
		return "", err
	}

	resolved, inputsRaw, err := r.resolveInputs(d)
	if err != nil {
		return "", err
	}

	// REPLACE tears the old incarnation down first.
	if action.Type == ActionReplace && action.Recorded != nil && action.Recorded.ProviderID != "" {
		callStart := time.Now()
		if err := adapter.Destroy(ctx, d.Type, action.Recorded.ProviderID); err != nil {
			e.metrics.RecordAdapterError(d.Type, "destroy")
			return "", NewProvisioningError("failed to destroy old incarnation", err).WithResource(action.Key)
		}
		e.metrics.RecordAdapterCall(d.Type, "destroy", time.Since(callStart))
	}

	callStart := time.Now()
	result, err := adapter.Apply(ctx, d.Type, resolved)
	e.metrics.RecordAdapterCall(d.Type, "apply", time.Since(callStart))
	if err != nil {
		e.metrics.RecordAdapterError(d.Type, "apply")
		return "", NewProvisioningError("adapter apply failed", err).WithResource(action.Key)
	}

	now := time.Now().UTC()
	rec := &state.Record{
		Type:         d.Type,
		Name:         d.Name,
		Inputs:       inputsRaw,
		InputsHash:   state.HashInputs(inputsRaw),
		Outputs:      result.Outputs,
		ProviderID:   result.ProviderID,
		Status:       state.StatusCreated,
		Dependencies: action.Dependencies,
		Service:      d.Service,
		ArtifactRef:  d.ArtifactRef,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if prev := action.Recorded; prev != nil {
		if !prev.CreatedAt.IsZero() {
			rec.CreatedAt = prev.CreatedAt
		}
		rec.DeploymentID = prev.DeploymentID
	}
	if d.Service {
		rec.DeploymentID++
	}

	if err := r.persist(ctx, rec); err != nil {
		return "", err
	}

	if action.Type == ActionCreate {
		return OutcomeCreated, nil
	}
	return OutcomeUpdated, nil
}

// destroyResource handles DESTROY. The record stays in the snapshot
// with status deleted; the snapshot is the record of everything ever
// provisioned in the environment.
func (r *applyRun) destroyResource(ctx context.Context, action *Action) (Outcome, error) {
	e := r.executor
	rec := action.Recorded

	adapter, err := e.registry.Lookup(rec.Type)
	if err != nil {
		return "", err
	}

	if rec.ProviderID != "" {
		callStart := time.Now()
		if err := adapter.Destroy(ctx, rec.Type, rec.ProviderID); err != nil {
			e.metrics.RecordAdapterError(rec.Type, "destroy")
			return "", NewProvisioningError("adapter destroy failed", err).WithResource(action.Key)
		}
		e.metrics.RecordAdapterCall(rec.Type, "destroy", time.Since(callStart))
	}

	updated := *rec
	updated.Status = state.StatusDeleted
	updated.StatusDetail = ""
	updated.Outputs = nil
	updated.ProviderID = ""
	updated.UpdatedAt = time.Now().UTC()

	if err := r.persist(ctx, &updated); err != nil {
		return "", err
	}
	return OutcomeDeleted, nil
}

// resolveInputs substitutes dependency references in the declared
// inputs with recorded outputs and returns both the resolved map and
// the canonical encoding of the declaration the diff hashes against.
func (r *applyRun) resolveInputs(d *DeclaredResource) (map[string]any, json.RawMessage, error) {
	inputsRaw, err := state.EncodeInputs(d.Inputs)
	if err != nil {
		return nil, nil, NewValidationError("failed to encode declared inputs", err).WithResource(d.Key())
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	resolved, err := resolveValue(d.Inputs, r.snap)
	if err != nil {
		return nil, nil, NewProvisioningError("failed to resolve dependency outputs", err).WithResource(d.Key())
	}
	m, _ := resolved.(map[string]any)
	return m, inputsRaw, nil
}

// resolveValue walks a nested input document, replacing reference
// strings with the referenced record's output value.
func resolveValue(v any, snap *state.Snapshot) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			resolved, err := resolveValue(item, snap)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			resolved, err := resolveValue(item, snap)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		key, output, ok := ParseRef(v)
		if !ok {
			return v, nil
		}
		rec := snap.Resources[key]
		if rec == nil {
			return nil, fmt.Errorf("dependency %s has no state record", key)
		}
		value, present := rec.Outputs[output]
		if !present {
			return nil, fmt.Errorf("dependency %s has no output %q", key, output)
		}
		return value, nil
	}
}

// persist writes one record into the snapshot with the version read at
// plan time carried forward. The environment lock makes external
// conflicts an abort condition, not a retry loop.
func (r *applyRun) persist(ctx context.Context, rec *state.Record) error {
	// A finished adapter call must be recorded even when the operation
	// context was cancelled mid-apply; an unrecorded outcome is
	// untracked infrastructure.
	ctx = context.WithoutCancel(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	r.snap.Put(rec)
	newVersion, err := r.executor.store.WriteSnapshot(ctx, r.environment, r.snap, r.version)
	if err != nil {
		if errors.Is(err, state.ErrVersionConflict) {
			r.executor.metrics.RecordVersionConflict(r.environment)
			return NewVersionConflictError("state was written by another process mid-apply", err).
				WithEnvironment(r.environment).WithResource(rec.Key())
		}
		return fmt.Errorf("failed to persist %s: %w", rec.Key(), err)
	}
	r.version = newVersion
	r.snap.Version = newVersion
	return nil
}

// fail records a failed action and persists the error status so a
// partial run is never silently lost.
func (r *applyRun) fail(ctx context.Context, action *Action, cause error, duration time.Duration) {
	e := r.executor
	e.logger.Error().
		Err(cause).
		Str("environment", r.environment).
		Str("resource", action.Key).
		Str("operation", string(action.Type)).
		Msg("Action failed")

	// Persist status=error with the raw payload. Destroy failures keep
	// the old record fields so a re-run can still find the provider ID.
	rec := action.Recorded
	if rec == nil && action.Declared != nil {
		d := action.Declared
		inputsRaw, _ := state.EncodeInputs(d.Inputs)
		rec = &state.Record{
			Type:         d.Type,
			Name:         d.Name,
			Inputs:       inputsRaw,
			InputsHash:   state.HashInputs(inputsRaw),
			Dependencies: action.Dependencies,
			Service:      d.Service,
			ArtifactRef:  d.ArtifactRef,
			CreatedAt:    time.Now().UTC(),
		}
	}
	if rec != nil {
		updated := *rec
		updated.Status = state.StatusError
		updated.StatusDetail = cause.Error()
		updated.UpdatedAt = time.Now().UTC()
		if err := r.persist(ctx, &updated); err != nil {
			e.logger.Error().Err(err).Str("resource", action.Key).Msg("Failed to persist error status")
		}
	}

	r.mu.Lock()
	r.failed[action.Key] = true
	r.report.add(ReportEntry{
		Key:      action.Key,
		Action:   action.Type,
		Outcome:  OutcomeFailed,
		Error:    cause.Error(),
		Duration: duration,
	})
	r.mu.Unlock()
	e.metrics.RecordAction(string(action.Type), string(OutcomeFailed), resourceType(action), duration)
}

// skip records an action that was never attempted.
func (r *applyRun) skip(action *Action, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipped[action.Key] = true
	r.report.add(ReportEntry{
		Key:     action.Key,
		Action:  action.Type,
		Outcome: OutcomeSkipped,
		Error:   reason,
	})
}

// skipBatch marks every action of a batch skipped.
func (r *applyRun) skipBatch(batch []*Action, reason string) {
	for _, action := range batch {
		r.skip(action, reason)
	}
}

// planGraph rebuilds the dependency graph of a plan for runtime skip
// decisions. Transitive dependents of a failure are blocked through
// intermediate levels because the intermediate is itself marked.
func planGraph(plan *Plan) *depGraph {
	keys := make([]string, 0, len(plan.Actions))
	deps := make(map[string][]string, len(plan.Actions))
	for _, action := range plan.Actions {
		if action.Type == ActionOrphan {
			continue
		}
		keys = append(keys, action.Key)
		deps[action.Key] = action.Dependencies
	}
	if plan.Destroy {
		// Destroy plans run against reversed edges.
		return newDepGraph(keys, deps).reverse()
	}
	return newDepGraph(keys, deps)
}

func resourceType(action *Action) string {
	if action.Declared != nil {
		return action.Declared.Type
	}
	if action.Recorded != nil {
		return action.Recorded.Type
	}
	return ""
}
