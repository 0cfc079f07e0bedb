package engine

import (
	"context"
	"regexp"
	"time"

	"github.com/openlift/openlift/pkg/state"
)

// ActionType describes what the planner decided for one resource.
type ActionType string

const (
	// ActionCreate provisions a resource absent from recorded state.
	ActionCreate ActionType = "CREATE"

	// ActionUpdate changes a resource in place. Only for resource types
	// whose adapter supports in-place update.
	ActionUpdate ActionType = "UPDATE"

	// ActionReplace destroys and re-creates a resource whose inputs
	// changed but whose type cannot update in place.
	ActionReplace ActionType = "REPLACE"

	// ActionNoop leaves a resource untouched: recorded last-applied
	// inputs match the declaration.
	ActionNoop ActionType = "NOOP"

	// ActionOrphan flags a recorded resource no longer declared. Orphans
	// are reported for operator confirmation and never destroyed as a
	// by-product of planning; destruction is always a separate explicit
	// command over the full recorded state.
	ActionOrphan ActionType = "ORPHAN"

	// ActionDestroy tears a resource down. Only produced by destroy
	// plans, never by reconciliation plans.
	ActionDestroy ActionType = "DESTROY"
)

// Destructive reports whether the action tears down provisioned
// infrastructure.
func (a ActionType) Destructive() bool {
	return a == ActionReplace || a == ActionDestroy
}

// EnvironmentTier controls default sizing and security policy for an
// environment.
type EnvironmentTier string

const (
	TierDevelopment EnvironmentTier = "development"
	TierProduction  EnvironmentTier = "production"
)

// EnvironmentInfo identifies the environment an operation targets.
type EnvironmentInfo struct {
	Name string
	Tier EnvironmentTier
}

// DeclaredResource is one resource as declared by a resource graph
// source, before any diff against recorded state.
type DeclaredResource struct {
	// Type is the resource type tag used to select an adapter.
	Type string `json:"type"`

	// Name is the resource name, unique per type within an environment.
	Name string `json:"name"`

	// Inputs are the declared input parameters. String values of the
	// form ${<resource-key>:<output>} are dependency references,
	// resolved from the dependency's recorded outputs at apply time.
	Inputs map[string]any `json:"inputs,omitempty"`

	// DependsOn lists resource keys this resource explicitly depends
	// on, in addition to dependencies implied by input references.
	DependsOn []string `json:"depends_on,omitempty"`

	// Service marks a deployable service carrying an artifact.
	Service bool `json:"service,omitempty"`

	// ArtifactRef points at the build artifact for a service.
	ArtifactRef string `json:"artifact_ref,omitempty"`
}

// Key returns the stable (type, name) identity of the resource.
func (d *DeclaredResource) Key() string {
	return state.Key(d.Type, d.Name)
}

// Source produces the declared resource set for an environment.
// Implementations range from a YAML manifest loader to generated
// program scans; the engine never inspects how the set was built.
type Source interface {
	Resources(ctx context.Context, environment string) ([]DeclaredResource, error)
}

// refPattern matches dependency references inside declared inputs:
// ${<resource-key>:<output>}.
var refPattern = regexp.MustCompile(`^\$\{([A-Za-z0-9_][A-Za-z0-9_.-]*):([A-Za-z0-9_][A-Za-z0-9_.-]*)\}$`)

// ParseRef splits a dependency reference value into the referenced
// resource key and output name. ok is false when v is not a reference.
func ParseRef(v any) (resourceKey, output string, ok bool) {
	s, isString := v.(string)
	if !isString {
		return "", "", false
	}
	m := refPattern.FindStringSubmatch(s)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// Action is one planned operation on one resource.
type Action struct {
	// Type is the planned operation.
	Type ActionType `json:"type"`

	// Key is the resource key the action operates on.
	Key string `json:"key"`

	// Batch is the index of the concurrency batch the action belongs
	// to. Actions in the same batch have no dependency edges between
	// them. -1 for actions that are never executed (NOOP, ORPHAN).
	Batch int `json:"batch"`

	// Declared is the declared resource. Nil for ORPHAN and DESTROY.
	Declared *DeclaredResource `json:"declared,omitempty"`

	// Recorded is the resource's current state record. Nil for CREATE.
	Recorded *state.Record `json:"recorded,omitempty"`

	// Dependencies are the resource keys this action waits for,
	// explicit plus reference-implied.
	Dependencies []string `json:"dependencies,omitempty"`
}

// Executable reports whether the action performs provisioning work.
func (a *Action) Executable() bool {
	switch a.Type {
	case ActionCreate, ActionUpdate, ActionReplace, ActionDestroy:
		return true
	default:
		return false
	}
}

// Plan is an ordered sequence of concurrency batches derived from
// diffing declared resources against recorded state.
type Plan struct {
	// Environment is the environment the plan targets.
	Environment string `json:"environment"`

	// SnapshotVersion is the state version the plan was computed
	// against. Apply writes carry it forward as the expected version.
	SnapshotVersion int64 `json:"snapshot_version"`

	// Actions lists every action in topological order, including NOOP
	// and ORPHAN entries that are never executed.
	Actions []*Action `json:"actions"`

	// Batches groups the executable actions: batch N never starts until
	// every action in batch N-1 has terminated.
	Batches [][]*Action `json:"-"`

	// Destroy marks a plan produced by DestroyPlan.
	Destroy bool `json:"destroy,omitempty"`

	// AllowDestructive records that the operator explicitly asked for
	// destructive actions; policy gating reads it.
	AllowDestructive bool `json:"allow_destructive,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Get returns the action for a resource key, or nil.
func (p *Plan) Get(key string) *Action {
	for _, a := range p.Actions {
		if a.Key == key {
			return a
		}
	}
	return nil
}

// Changes reports whether the plan contains any executable action.
func (p *Plan) Changes() bool {
	for _, a := range p.Actions {
		if a.Executable() {
			return true
		}
	}
	return false
}

// Orphans returns the keys of recorded resources no longer declared.
func (p *Plan) Orphans() []string {
	var keys []string
	for _, a := range p.Actions {
		if a.Type == ActionOrphan {
			keys = append(keys, a.Key)
		}
	}
	return keys
}

// Outcome is the terminal status of one resource in an apply report.
type Outcome string

const (
	OutcomeCreated  Outcome = "created"
	OutcomeUpdated  Outcome = "updated"
	OutcomeNoop     Outcome = "noop"
	OutcomeFailed   Outcome = "failed"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeOrphaned Outcome = "orphaned"
	OutcomeDeleted  Outcome = "deleted"
)

// ReportEntry records the final status of one resource after an apply.
type ReportEntry struct {
	Key      string        `json:"key"`
	Action   ActionType    `json:"action"`
	Outcome  Outcome       `json:"outcome"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// Report is the result of an apply or destroy. It always lists every
// resource's final status, regardless of overall success: an apply is
// never an all-or-nothing transaction, because provisioning side
// effects are not atomic across resources.
type Report struct {
	Environment string        `json:"environment"`
	Entries     []ReportEntry `json:"entries"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`

	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Noop     int `json:"noop"`
	Failed   int `json:"failed"`
	Skipped  int `json:"skipped"`
	Orphaned int `json:"orphaned"`
	Deleted  int `json:"deleted"`
}

// add appends an entry and maintains the outcome counters.
func (r *Report) add(e ReportEntry) {
	r.Entries = append(r.Entries, e)
	switch e.Outcome {
	case OutcomeCreated:
		r.Created++
	case OutcomeUpdated:
		r.Updated++
	case OutcomeNoop:
		r.Noop++
	case OutcomeFailed:
		r.Failed++
	case OutcomeSkipped:
		r.Skipped++
	case OutcomeOrphaned:
		r.Orphaned++
	case OutcomeDeleted:
		r.Deleted++
	}
}

// Get returns the entry for a resource key, or nil.
func (r *Report) Get(key string) *ReportEntry {
	for i := range r.Entries {
		if r.Entries[i].Key == key {
			return &r.Entries[i]
		}
	}
	return nil
}

// Succeeded reports whether the apply completed without failed or
// skipped resources. CLI commands exit non-zero when it is false.
func (r *Report) Succeeded() bool {
	return r.Failed == 0 && r.Skipped == 0
}
