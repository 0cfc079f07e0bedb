package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openlift/openlift/pkg/lock"
	"github.com/openlift/openlift/pkg/state"
	"github.com/openlift/openlift/pkg/telemetry"
)

// cancelSensitiveStore fails every call once its context is cancelled,
// the way backends built on database/sql or the AWS SDK behave. The
// plain memory store ignores contexts entirely.
type cancelSensitiveStore struct {
	state.Store
}

func (s *cancelSensitiveStore) ReadSnapshot(ctx context.Context, environment string) (*state.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.ReadSnapshot(ctx, environment)
}

func (s *cancelSensitiveStore) WriteSnapshot(ctx context.Context, environment string, snap *state.Snapshot, expectedVersion int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.Store.WriteSnapshot(ctx, environment, snap, expectedVersion)
}

func (s *cancelSensitiveStore) DeleteSnapshot(ctx context.Context, environment string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.DeleteSnapshot(ctx, environment)
}

func (s *cancelSensitiveStore) ListEnvironments(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.Store.ListEnvironments(ctx)
}

func (s *cancelSensitiveStore) GetLock(ctx context.Context, name string) (*state.LockRecord, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	return s.Store.GetLock(ctx, name)
}

func (s *cancelSensitiveStore) PutLock(ctx context.Context, name string, rec *state.LockRecord, expectedVersion int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return s.Store.PutLock(ctx, name, rec, expectedVersion)
}

func (s *cancelSensitiveStore) DeleteLock(ctx context.Context, name string, expectedVersion int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.DeleteLock(ctx, name, expectedVersion)
}

// fakeAdapter is a scriptable provisioning adapter. By default every
// apply succeeds and returns a provider ID plus a host output.
type fakeAdapter struct {
	mu        sync.Mutex
	applyFn   func(resourceType string, inputs map[string]any) (*ApplyResult, error)
	destroyFn func(resourceType, providerID string) error
	applies   []fakeApplyCall
	destroys  []string
}

type fakeApplyCall struct {
	resourceType string
	inputs       map[string]any
}

func (f *fakeAdapter) Apply(_ context.Context, resourceType string, inputs map[string]any) (*ApplyResult, error) {
	f.mu.Lock()
	f.applies = append(f.applies, fakeApplyCall{resourceType: resourceType, inputs: inputs})
	fn := f.applyFn
	f.mu.Unlock()

	if fn != nil {
		return fn(resourceType, inputs)
	}
	return &ApplyResult{
		ProviderID: "pid-" + resourceType,
		Outputs:    map[string]any{"host": resourceType + ".internal"},
	}, nil
}

func (f *fakeAdapter) Destroy(_ context.Context, resourceType, providerID string) error {
	f.mu.Lock()
	f.destroys = append(f.destroys, providerID)
	fn := f.destroyFn
	f.mu.Unlock()

	if fn != nil {
		return fn(resourceType, providerID)
	}
	return nil
}

func (f *fakeAdapter) applyCalls() []fakeApplyCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fakeApplyCall(nil), f.applies...)
}

func (f *fakeAdapter) destroyCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.destroys...)
}

// harness wires the engine components over a memory store and one
// shared fake adapter registered for the test resource types.
type harness struct {
	store    state.Store
	locks    *lock.Manager
	registry *Registry
	adapter  *fakeAdapter
	planner  *Planner
	executor *Executor
	promoter *Promoter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithStore(t, state.NewMemoryStore())
}

func newHarnessWithStore(t *testing.T, store state.Store) *harness {
	t.Helper()
	locks := lock.NewManager(store, "", zerolog.Nop())
	registry := NewRegistry()
	adapter := &fakeAdapter{}
	registry.Register("postgres", adapter, true)
	registry.Register("container", adapter, true)
	registry.Register("bucket", adapter, false)
	registry.Register("app", adapter, true)

	metrics := noopMetrics()
	return &harness{
		store:    store,
		locks:    locks,
		registry: registry,
		adapter:  adapter,
		planner:  NewPlanner(store, registry, zerolog.Nop()),
		executor: NewExecutor(store, locks, registry, metrics, nil, 4, zerolog.Nop()),
		promoter: NewPromoter(store, locks, registry, metrics, zerolog.Nop()),
	}
}

func noopMetrics() *telemetry.Metrics {
	m, err := telemetry.NewMetrics(telemetry.MetricsConfig{})
	if err != nil {
		panic(err)
	}
	return m
}

func (h *harness) createEnvironment(t *testing.T, name string) {
	t.Helper()
	if _, err := h.store.WriteSnapshot(context.Background(), name, state.NewSnapshot(name), 0); err != nil {
		t.Fatalf("Failed to create environment %s: %v", name, err)
	}
}

func (h *harness) planAndApply(t *testing.T, environment string, declared []DeclaredResource) *Report {
	t.Helper()
	ctx := context.Background()
	plan, err := h.planner.Plan(ctx, environment, declared, PlanOptions{})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	report, err := h.executor.Apply(ctx, environment, plan)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	return report
}

func TestApplySubstitutesDependencyOutputs(t *testing.T) {
	h := newHarness(t)
	h.createEnvironment(t, "dev")

	declared := []DeclaredResource{
		{Type: "postgres", Name: "db", Inputs: map[string]any{"size": "small"}},
		{Type: "container", Name: "api", Inputs: map[string]any{"db_host": "${postgres.db:host}"}},
	}

	report := h.planAndApply(t, "dev", declared)
	if report.Created != 2 {
		t.Fatalf("Expected 2 created, got %+v", report)
	}

	var apiCall *fakeApplyCall
	calls := h.adapter.applyCalls()
	for i := range calls {
		if calls[i].resourceType == "container" {
			apiCall = &calls[i]
		}
	}
	if apiCall == nil {
		t.Fatal("Expected the container adapter to be invoked")
	}
	if got := apiCall.inputs["db_host"]; got != "postgres.internal" {
		t.Errorf("Expected db_host resolved to postgres.internal, got %v", got)
	}

	snap, err := h.store.ReadSnapshot(context.Background(), "dev")
	if err != nil {
		t.Fatalf("ReadSnapshot failed: %v", err)
	}
	db := snap.Resources["postgres.db"]
	if db == nil || db.Status != state.StatusCreated {
		t.Fatalf("Expected postgres.db recorded as created, got %+v", db)
	}
	if db.Outputs["host"] != "postgres.internal" {
		t.Errorf("Expected recorded host output, got %v", db.Outputs)
	}
}

func TestApplyPartialFailure(t *testing.T) {
	h := newHarness(t)
	h.createEnvironment(t, "dev")
	ctx := context.Background()

	h.adapter.applyFn = func(resourceType string, inputs map[string]any) (*ApplyResult, error) {
		if resourceType == "container" {
			return nil, fmt.Errorf("image pull failed")
		}
		return &ApplyResult{ProviderID: "pid-" + resourceType, Outputs: map[string]any{"host": resourceType + ".internal"}}, nil
	}

	declared := []DeclaredResource{
		{Type: "postgres", Name: "db", Inputs: map[string]any{"size": "small"}},
		{Type: "container", Name: "api", Inputs: map[string]any{"db_host": "${postgres.db:host}"}},
	}
	plan, err := h.planner.Plan(ctx, "dev", declared, PlanOptions{})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	report, err := h.executor.Apply(ctx, "dev", plan)
	if err != nil {
		t.Fatalf("Apply returned error: %v", err)
	}

	if report.Created != 1 || report.Failed != 1 {
		t.Fatalf("Expected db created and api failed, got %+v", report)
	}
	if entry := report.Get("container.api"); entry.Outcome != OutcomeFailed || entry.Error == "" {
		t.Errorf("Expected failed entry with error payload, got %+v", entry)
	}

	// Both outcomes are persisted: the partial run is never silently lost.
	snap, err := h.store.ReadSnapshot(ctx, "dev")
	if err != nil {
		t.Fatalf("ReadSnapshot failed: %v", err)
	}
	if snap.Resources["postgres.db"].Status != state.StatusCreated {
		t.Error("Expected postgres.db persisted as created")
	}
	api := snap.Resources["container.api"]
	if api == nil || api.Status != state.StatusError {
		t.Fatalf("Expected container.api persisted as error, got %+v", api)
	}
	if api.StatusDetail == "" {
		t.Error("Expected the raw error payload preserved on the record")
	}

	// A re-apply retries only the failed resource.
	h.adapter.applyFn = nil
	replan, err := h.planner.Plan(ctx, "dev", declared, PlanOptions{})
	if err != nil {
		t.Fatalf("Re-plan failed: %v", err)
	}
	if got := replan.Get("postgres.db").Type; got != ActionNoop {
		t.Errorf("Expected NOOP for postgres.db, got %s", got)
	}
	if got := replan.Get("container.api").Type; got != ActionCreate {
		t.Errorf("Expected CREATE retry for container.api, got %s", got)
	}
	retry, err := h.executor.Apply(ctx, "dev", replan)
	if err != nil {
		t.Fatalf("Retry apply failed: %v", err)
	}
	if retry.Created != 1 || retry.Noop != 1 || retry.Failed != 0 {
		t.Errorf("Expected clean retry, got %+v", retry)
	}
}

func TestApplySkipsTransitiveDependents(t *testing.T) {
	h := newHarness(t)
	h.createEnvironment(t, "dev")
	ctx := context.Background()

	h.adapter.applyFn = func(resourceType string, inputs map[string]any) (*ApplyResult, error) {
		if resourceType == "postgres" {
			return nil, fmt.Errorf("quota exceeded")
		}
		return &ApplyResult{ProviderID: "pid-" + resourceType, Outputs: map[string]any{"host": "h"}}, nil
	}

	declared := []DeclaredResource{
		{Type: "postgres", Name: "db"},
		{Type: "container", Name: "api", DependsOn: []string{"postgres.db"}},
		{Type: "container", Name: "worker", DependsOn: []string{"container.api"}},
		{Type: "bucket", Name: "assets"},
	}
	plan, err := h.planner.Plan(ctx, "dev", declared, PlanOptions{})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	report, err := h.executor.Apply(ctx, "dev", plan)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if report.Get("postgres.db").Outcome != OutcomeFailed {
		t.Error("Expected postgres.db failed")
	}
	if report.Get("container.api").Outcome != OutcomeSkipped {
		t.Error("Expected container.api skipped after its dependency failed")
	}
	if report.Get("container.worker").Outcome != OutcomeSkipped {
		t.Error("Expected container.worker skipped transitively")
	}
	// Independent resources continue.
	if report.Get("bucket.assets").Outcome != OutcomeCreated {
		t.Error("Expected independent bucket.assets created")
	}
}

func TestApplyReplaceDestroysOldIncarnation(t *testing.T) {
	h := newHarness(t)
	h.createEnvironment(t, "dev")

	declared := []DeclaredResource{
		{Type: "bucket", Name: "assets", Inputs: map[string]any{"region": "eu-west-1"}},
	}
	h.planAndApply(t, "dev", declared)

	declared[0].Inputs["region"] = "us-east-1"
	report := h.planAndApply(t, "dev", declared)

	if report.Updated != 1 {
		t.Fatalf("Expected replace reported as updated, got %+v", report)
	}
	destroys := h.adapter.destroyCalls()
	if len(destroys) != 1 || destroys[0] != "pid-bucket" {
		t.Errorf("Expected old incarnation pid-bucket destroyed, got %v", destroys)
	}
}

func TestApplyCancellation(t *testing.T) {
	h := newHarness(t)
	h.createEnvironment(t, "dev")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel while the first batch is in flight; the in-flight action
	// drains and is recorded, the next batch is skipped.
	h.adapter.applyFn = func(resourceType string, inputs map[string]any) (*ApplyResult, error) {
		if resourceType == "postgres" {
			cancel()
		}
		return &ApplyResult{ProviderID: "pid-" + resourceType, Outputs: map[string]any{"host": "h"}}, nil
	}

	declared := []DeclaredResource{
		{Type: "postgres", Name: "db"},
		{Type: "container", Name: "api", DependsOn: []string{"postgres.db"}},
	}
	plan, err := h.planner.Plan(ctx, "dev", declared, PlanOptions{})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	report, err := h.executor.Apply(ctx, "dev", plan)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}

	if report.Get("postgres.db").Outcome != OutcomeCreated {
		t.Error("Expected in-flight postgres.db to finish and be recorded")
	}
	if report.Get("container.api").Outcome != OutcomeSkipped {
		t.Error("Expected container.api skipped after cancellation")
	}
}

func TestApplyCancellationPersistsStatusAndFreesLocks(t *testing.T) {
	h := newHarnessWithStore(t, &cancelSensitiveStore{Store: state.NewMemoryStore()})
	h.createEnvironment(t, "dev")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h.adapter.applyFn = func(resourceType string, inputs map[string]any) (*ApplyResult, error) {
		if resourceType == "postgres" {
			cancel()
		}
		return &ApplyResult{ProviderID: "pid-" + resourceType, Outputs: map[string]any{"host": "h"}}, nil
	}

	declared := []DeclaredResource{
		{Type: "postgres", Name: "db"},
		{Type: "container", Name: "api", DependsOn: []string{"postgres.db"}},
	}
	plan, err := h.planner.Plan(ctx, "dev", declared, PlanOptions{})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	report, err := h.executor.Apply(ctx, "dev", plan)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if report.Get("postgres.db").Outcome != OutcomeCreated {
		t.Error("Expected in-flight postgres.db to finish and be recorded")
	}

	// The drained action's status reached the store although every
	// store call with the cancelled context fails.
	snap, err := h.store.ReadSnapshot(context.Background(), "dev")
	if err != nil {
		t.Fatalf("ReadSnapshot failed: %v", err)
	}
	rec := snap.Resources["postgres.db"]
	if rec == nil || rec.Status != state.StatusCreated {
		t.Fatalf("Expected postgres.db persisted as created, got %+v", rec)
	}

	// The resource lock was released, not leaked until TTL expiry.
	other := lock.NewManager(h.store, "other-process", zerolog.Nop())
	handle, err := other.Acquire(context.Background(), lock.ResourceLock("dev", "postgres.db"), time.Minute)
	if err != nil {
		t.Fatalf("Expected the resource lock free after apply, got %v", err)
	}
	if err := other.Release(context.Background(), handle); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
}

func TestApplyStalePlanVersionConflict(t *testing.T) {
	h := newHarness(t)
	h.createEnvironment(t, "dev")
	ctx := context.Background()

	declared := []DeclaredResource{{Type: "postgres", Name: "db"}}
	plan, err := h.planner.Plan(ctx, "dev", declared, PlanOptions{})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	// Another writer moves the state between plan and apply.
	snap, err := h.store.ReadSnapshot(ctx, "dev")
	if err != nil {
		t.Fatalf("ReadSnapshot failed: %v", err)
	}
	if _, err := h.store.WriteSnapshot(ctx, "dev", snap, snap.Version); err != nil {
		t.Fatalf("WriteSnapshot failed: %v", err)
	}

	_, err = h.executor.Apply(ctx, "dev", plan)
	if CodeOf(err) != ErrCodeVersionConflict {
		t.Fatalf("Expected VERSION_CONFLICT, got %v", err)
	}
	if len(h.adapter.applyCalls()) != 0 {
		t.Error("Expected no adapter calls from a stale plan")
	}
}

func TestDestroyMarksRecordsDeleted(t *testing.T) {
	h := newHarness(t)
	h.createEnvironment(t, "dev")
	ctx := context.Background()

	declared := []DeclaredResource{
		{Type: "postgres", Name: "db"},
		{Type: "container", Name: "api", DependsOn: []string{"postgres.db"}},
	}
	h.planAndApply(t, "dev", declared)

	plan, err := h.planner.DestroyPlan(ctx, "dev", PlanOptions{AllowDestructive: true})
	if err != nil {
		t.Fatalf("DestroyPlan failed: %v", err)
	}
	report, err := h.executor.Destroy(ctx, "dev", plan)
	if err != nil {
		t.Fatalf("Destroy failed: %v", err)
	}
	if report.Deleted != 2 {
		t.Fatalf("Expected 2 deleted, got %+v", report)
	}

	snap, err := h.store.ReadSnapshot(ctx, "dev")
	if err != nil {
		t.Fatalf("ReadSnapshot failed: %v", err)
	}
	for key, rec := range snap.Resources {
		if rec.Status != state.StatusDeleted {
			t.Errorf("Expected %s marked deleted, got %s", key, rec.Status)
		}
	}

	// A destroyed environment replans everything as CREATE.
	replan, err := h.planner.Plan(ctx, "dev", declared, PlanOptions{})
	if err != nil {
		t.Fatalf("Re-plan failed: %v", err)
	}
	for _, action := range replan.Actions {
		if action.Type != ActionCreate {
			t.Errorf("Expected CREATE after destroy for %s, got %s", action.Key, action.Type)
		}
	}
}

func TestApplyIdempotentSecondRun(t *testing.T) {
	h := newHarness(t)
	h.createEnvironment(t, "dev")

	declared := []DeclaredResource{
		{Type: "postgres", Name: "db", Inputs: map[string]any{"size": "small"}},
		{Type: "container", Name: "api", Inputs: map[string]any{"db_host": "${postgres.db:host}"}},
	}
	h.planAndApply(t, "dev", declared)
	calls := len(h.adapter.applyCalls())

	report := h.planAndApply(t, "dev", declared)
	if report.Noop != 2 || report.Created != 0 {
		t.Fatalf("Expected all NOOP on second apply, got %+v", report)
	}
	if len(h.adapter.applyCalls()) != calls {
		t.Error("Expected no adapter calls on a NOOP apply")
	}
}
