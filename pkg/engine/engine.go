package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openlift/openlift/pkg/lock"
	"github.com/openlift/openlift/pkg/state"
	"github.com/openlift/openlift/pkg/telemetry"
)

// PlanGate inspects a plan before execution and rejects it before any
// side effect. Policy engines implement it.
type PlanGate interface {
	CheckPlan(ctx context.Context, env EnvironmentInfo, plan *Plan) error
}

// Options configures an Engine.
type Options struct {
	Store    state.Store
	Locks    *lock.Manager
	Registry *Registry

	// Gate optionally vets plans before execution.
	Gate PlanGate

	// Metrics defaults to a no-op collector when nil.
	Metrics *telemetry.Metrics

	// Tracer defaults to a no-op tracer when nil.
	Tracer *telemetry.Tracer

	// MaxParallel bounds the executor worker pool per batch.
	MaxParallel int

	// LockTTL is the environment lock TTL; the keepalive renews at a
	// third of it. Defaults to 90 seconds.
	LockTTL time.Duration

	Logger zerolog.Logger
}

// Engine is the orchestration facade: it brackets planning and
// execution with the environment lock and wires policy gating,
// metrics, and tracing around the core components.
type Engine struct {
	store    state.Store
	locks    *lock.Manager
	registry *Registry
	planner  *Planner
	executor *Executor
	promoter *Promoter
	gate     PlanGate
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	lockTTL  time.Duration
	logger   zerolog.Logger
}

// New creates an engine from options.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if opts.Locks == nil {
		return nil, fmt.Errorf("engine: lock manager is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("engine: adapter registry is required")
	}
	if opts.Metrics == nil {
		opts.Metrics, _ = telemetry.NewMetrics(telemetry.MetricsConfig{})
	}
	if opts.Tracer == nil {
		opts.Tracer, _ = telemetry.NewTracer(telemetry.TracingConfig{}, "openlift", "dev")
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 90 * time.Second
	}

	return &Engine{
		store:    opts.Store,
		locks:    opts.Locks,
		registry: opts.Registry,
		planner:  NewPlanner(opts.Store, opts.Registry, opts.Logger),
		executor: NewExecutor(opts.Store, opts.Locks, opts.Registry, opts.Metrics, opts.Tracer, opts.MaxParallel, opts.Logger),
		promoter: NewPromoter(opts.Store, opts.Locks, opts.Registry, opts.Metrics, opts.Logger),
		gate:     opts.Gate,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		lockTTL:  opts.LockTTL,
		logger:   opts.Logger.With().Str("component", "engine").Logger(),
	}, nil
}

// CreateEnvironment records a new, empty environment. It fails when the
// environment already exists.
func (e *Engine) CreateEnvironment(ctx context.Context, name string) error {
	snap := state.NewSnapshot(name)
	snap.TakenAt = time.Now().UTC()
	if _, err := e.store.WriteSnapshot(ctx, name, snap, 0); err != nil {
		if errors.Is(err, state.ErrVersionConflict) {
			return NewValidationError(fmt.Sprintf("environment %s already exists", name), nil)
		}
		return fmt.Errorf("failed to create environment %s: %w", name, err)
	}
	e.logger.Info().Str("environment", name).Msg("Environment created")
	return nil
}

// DeleteEnvironment removes an environment's state. It refuses while
// live resources are recorded; run Down first.
func (e *Engine) DeleteEnvironment(ctx context.Context, name string) error {
	snap, err := e.store.ReadSnapshot(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to read state for %s: %w", name, err)
	}

	live := 0
	for _, rec := range snap.Resources {
		if rec.Status != state.StatusDeleted {
			live++
		}
	}
	if live > 0 {
		return NewValidationError(
			fmt.Sprintf("environment %s still records %d live resources; destroy them first", name, live), nil)
	}

	if err := e.store.DeleteSnapshot(ctx, name); err != nil {
		return fmt.Errorf("failed to delete environment %s: %w", name, err)
	}
	e.logger.Info().Str("environment", name).Msg("Environment deleted")
	return nil
}

// ListEnvironments lists the environments recorded in the backend.
func (e *Engine) ListEnvironments(ctx context.Context) ([]string, error) {
	return e.store.ListEnvironments(ctx)
}

// Preview computes a plan without holding the environment lock or
// executing anything. Optimistic concurrency catches a stale preview at
// apply time.
func (e *Engine) Preview(ctx context.Context, env EnvironmentInfo, source Source, opts PlanOptions) (*Plan, error) {
	ctx, span := e.tracer.StartPlanSpan(ctx, env.Name)
	defer span.End()

	declared, err := source.Resources(ctx, env.Name)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	plan, err := e.planner.Plan(ctx, env.Name, declared, opts)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.RecordSuccess(span)
	return plan, nil
}

// Up plans and applies the declared resources under the environment
// lock with keepalive renewal. Losing the lock mid-apply cancels the
// apply: remaining actions are skipped, in-flight ones drain, and the
// conflict surfaces as the returned error.
func (e *Engine) Up(ctx context.Context, env EnvironmentInfo, source Source, opts PlanOptions) (*Report, error) {
	return e.locked(ctx, env.Name, func(ctx context.Context) (*Report, error) {
		ctx, span := e.tracer.StartApplySpan(ctx, env.Name)
		defer span.End()

		declared, err := source.Resources(ctx, env.Name)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		plan, err := e.planner.Plan(ctx, env.Name, declared, opts)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		if err := e.checkGate(ctx, env, plan); err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}

		report, err := e.executor.Apply(ctx, env.Name, plan)
		if err != nil {
			telemetry.RecordError(span, err)
			return report, err
		}
		telemetry.RecordSuccess(span)
		return report, nil
	})
}

// Down plans and executes a full teardown of the environment under the
// environment lock.
func (e *Engine) Down(ctx context.Context, env EnvironmentInfo, opts PlanOptions) (*Report, error) {
	return e.locked(ctx, env.Name, func(ctx context.Context) (*Report, error) {
		ctx, span := e.tracer.StartApplySpan(ctx, env.Name)
		defer span.End()

		plan, err := e.planner.DestroyPlan(ctx, env.Name, opts)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		if err := e.checkGate(ctx, env, plan); err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}

		report, err := e.executor.Destroy(ctx, env.Name, plan)
		if err != nil {
			telemetry.RecordError(span, err)
			return report, err
		}
		telemetry.RecordSuccess(span)
		return report, nil
	})
}

// Promote promotes one service between environments.
func (e *Engine) Promote(ctx context.Context, service, from, to string) (*PromotionResult, error) {
	ctx, span := e.tracer.StartPromoteSpan(ctx, service, from, to)
	defer span.End()

	result, err := e.promoter.Promote(ctx, service, from, to)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	telemetry.RecordSuccess(span)
	return result, nil
}

// PromoteAll promotes the listed services (or all recorded services)
// between environments, one independent cycle each.
func (e *Engine) PromoteAll(ctx context.Context, services []string, from, to string) (*PromotionReport, error) {
	return e.promoter.PromoteAll(ctx, services, from, to)
}

// checkGate runs the policy gate when one is configured.
func (e *Engine) checkGate(ctx context.Context, env EnvironmentInfo, plan *Plan) error {
	if e.gate == nil {
		return nil
	}
	return e.gate.CheckPlan(ctx, env, plan)
}

// locked brackets fn with the environment lock. A background keepalive
// renews the lock at a third of its TTL; a failed renewal cancels fn's
// context so the operation aborts rather than continuing without
// exclusivity.
func (e *Engine) locked(ctx context.Context, environment string, fn func(context.Context) (*Report, error)) (*Report, error) {
	lockName := lock.EnvironmentLock(environment)
	handle, err := e.locks.Acquire(ctx, lockName, e.lockTTL)
	if err != nil {
		if errors.Is(err, lock.ErrLockHeld) {
			e.metrics.RecordLockConflict(lockName)
			return nil, NewLockConflictError(
				fmt.Sprintf("environment %s is locked by another operation", environment), err,
			).WithEnvironment(environment)
		}
		return nil, err
	}

	lost, stopKeepalive := e.locks.Keepalive(ctx, handle)
	opCtx, cancel := context.WithCancelCause(ctx)
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		select {
		case <-lost:
			cancel(NewLockConflictError(
				fmt.Sprintf("lost the %s lock mid-operation; re-run against fresh state", environment),
				lock.ErrLockLost))
		case <-opCtx.Done():
		}
	}()

	report, err := fn(opCtx)

	cancel(nil)
	stopKeepalive()
	<-watchDone

	// The operator's interrupt cancels ctx; the release still has to
	// land or the environment stays locked until TTL expiry.
	if rerr := e.locks.Release(context.WithoutCancel(ctx), handle); rerr != nil && !errors.Is(rerr, lock.ErrLockLost) {
		e.logger.Warn().Err(rerr).Str("lock", lockName).Msg("Failed to release environment lock")
	}
	return report, err
}
