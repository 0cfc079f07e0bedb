package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ApplyResult is what a provisioning adapter returns on success.
type ApplyResult struct {
	// ProviderID is the provider-assigned identifier of the resource.
	ProviderID string

	// Outputs are the resource's output key-values (connection info).
	Outputs map[string]any
}

// Adapter executes provisioning for one or more resource types. It is
// the sole boundary to infrastructure-specific modules: whether an
// implementation shells out to an IaC module or calls cloud APIs
// directly is invisible to the engine.
type Adapter interface {
	// Apply creates or updates a resource from its resolved inputs and
	// returns the provider ID and outputs, or a provisioning failure.
	Apply(ctx context.Context, resourceType string, inputs map[string]any) (*ApplyResult, error)

	// Destroy tears down the resource identified by providerID.
	Destroy(ctx context.Context, resourceType string, providerID string) error
}

// DeploymentAdapter is optionally implemented by adapters whose
// resource types carry a deployable artifact. Promotion calls
// UpdateDeployment instead of a full Apply so only the
// deployment-specific step runs.
type DeploymentAdapter interface {
	UpdateDeployment(ctx context.Context, resourceType, providerID, artifactRef string, inputs map[string]any) (*ApplyResult, error)
}

// registration pairs an adapter with its per-type capabilities.
type registration struct {
	adapter   Adapter
	updatable bool
}

// Registry maps resource type tags to provisioning adapters. The
// planner consults it for update capability; the executor and promoter
// consult it for the adapter itself.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]registration)}
}

// Register binds a resource type to an adapter. updatable declares
// whether the type supports in-place update; types without it get
// REPLACE instead of UPDATE when inputs change. Re-registering a type
// overwrites the previous binding.
func (r *Registry) Register(resourceType string, adapter Adapter, updatable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[resourceType] = registration{adapter: adapter, updatable: updatable}
}

// Lookup returns the adapter for a resource type.
func (r *Registry) Lookup(resourceType string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[resourceType]
	if !ok {
		return nil, NewValidationError(fmt.Sprintf("no adapter registered for resource type %q", resourceType), nil)
	}
	return reg.adapter, nil
}

// Updatable reports whether a resource type supports in-place update.
// Unknown types report false; Lookup is where unknown types fail.
func (r *Registry) Updatable(resourceType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[resourceType].updatable
}

// Types returns the registered resource types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
