package state

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle status of a resource recorded in a snapshot.
type Status string

const (
	// StatusPending indicates the resource is declared but not yet provisioned.
	StatusPending Status = "pending"

	// StatusCreated indicates the resource was provisioned successfully.
	StatusCreated Status = "created"

	// StatusUpdating indicates an in-place update is in progress.
	StatusUpdating Status = "updating"

	// StatusError indicates the last provisioning attempt failed.
	StatusError Status = "error"

	// StatusDeleted indicates the resource was destroyed.
	StatusDeleted Status = "deleted"
)

// Validate checks if the status is one of the known lifecycle states.
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusCreated, StatusUpdating, StatusError, StatusDeleted:
		return nil
	default:
		return fmt.Errorf("invalid resource status: %s", s)
	}
}

// Key identifies a resource inside an environment by its stable
// (type, name) pair.
func Key(resourceType, name string) string {
	return resourceType + "." + name
}

// Record is one resource entry in an environment snapshot.
type Record struct {
	// Type is the resource type tag (e.g. "postgres", "bucket", "service").
	Type string `json:"type"`

	// Name is the declared resource name, unique per type in the environment.
	Name string `json:"name"`

	// Inputs are the last-applied input parameters, canonical JSON.
	Inputs json.RawMessage `json:"inputs,omitempty"`

	// InputsHash is the SHA-256 of Inputs, used for cheap diffing.
	InputsHash string `json:"inputs_hash,omitempty"`

	// Outputs are the provider-returned key-values (connection info).
	Outputs map[string]any `json:"outputs,omitempty"`

	// ProviderID is the provider-assigned identifier, if any.
	ProviderID string `json:"provider_id,omitempty"`

	// Status is the recorded lifecycle status.
	Status Status `json:"status"`

	// StatusDetail carries the raw error payload when Status is error.
	StatusDetail string `json:"status_detail,omitempty"`

	// Dependencies are the keys of resources this one depends on.
	Dependencies []string `json:"dependencies,omitempty"`

	// Service marks deployable services, which carry a deployment
	// identifier and artifact reference and are the unit of promotion.
	Service bool `json:"service,omitempty"`

	// DeploymentID is the monotonically increasing deployment identifier.
	DeploymentID int64 `json:"deployment_id,omitempty"`

	// ArtifactRef points at the build artifact currently live.
	ArtifactRef string `json:"artifact_ref,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the (type, name) key of this record.
func (r *Record) Key() string {
	return Key(r.Type, r.Name)
}

// HashInputs returns the canonical SHA-256 hex digest of an input
// document. Two input maps that marshal to the same JSON hash equally
// (encoding/json emits map keys in sorted order).
func HashInputs(inputs json.RawMessage) string {
	sum := sha256.Sum256(inputs)
	return hex.EncodeToString(sum[:])
}

// EncodeInputs marshals an input map to its canonical JSON form, the
// representation records store and hashes are computed over.
func EncodeInputs(inputs map[string]any) (json.RawMessage, error) {
	raw, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode inputs: %w", err)
	}
	return raw, nil
}

// Snapshot is the serialized state of every resource in an environment
// at a point in time. Version is the optimistic-concurrency token: a
// write must present the version it was read at.
//
// Unknown top-level document fields are preserved across a
// read-modify-write cycle so newer writers do not strip fields added by
// future versions.
type Snapshot struct {
	// Environment is the environment this snapshot belongs to.
	Environment string

	// Version is the monotonically increasing snapshot serial.
	Version int64

	// Resources maps resource keys (type.name) to their records.
	Resources map[string]*Record

	// TakenAt is when this snapshot version was written.
	TakenAt time.Time

	// unknown carries top-level fields this version does not model.
	unknown map[string]json.RawMessage
}

// NewSnapshot returns an empty snapshot for an environment.
func NewSnapshot(environment string) *Snapshot {
	return &Snapshot{
		Environment: environment,
		Resources:   make(map[string]*Record),
	}
}

// Get returns the record for a (type, name) pair, or nil.
func (s *Snapshot) Get(resourceType, name string) *Record {
	return s.Resources[Key(resourceType, name)]
}

// Put inserts or replaces a record.
func (s *Snapshot) Put(r *Record) {
	if s.Resources == nil {
		s.Resources = make(map[string]*Record)
	}
	s.Resources[r.Key()] = r
}

// Clone returns a deep copy of the snapshot via a JSON round trip.
func (s *Snapshot) Clone() (*Snapshot, error) {
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to clone snapshot: %w", err)
	}
	out := &Snapshot{}
	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("failed to clone snapshot: %w", err)
	}
	return out, nil
}

// snapshot document field names.
const (
	fieldEnvironment = "environment"
	fieldVersion     = "version"
	fieldResources   = "resources"
	fieldTakenAt     = "taken_at"
)

// MarshalJSON writes the snapshot document, merging back any unknown
// fields captured at read time.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	doc := make(map[string]json.RawMessage, len(s.unknown)+4)
	for k, v := range s.unknown {
		doc[k] = v
	}

	var err error
	if doc[fieldEnvironment], err = json.Marshal(s.Environment); err != nil {
		return nil, err
	}
	if doc[fieldVersion], err = json.Marshal(s.Version); err != nil {
		return nil, err
	}
	if doc[fieldResources], err = json.Marshal(s.Resources); err != nil {
		return nil, err
	}
	if doc[fieldTakenAt], err = json.Marshal(s.TakenAt); err != nil {
		return nil, err
	}

	return json.Marshal(doc)
}

// UnmarshalJSON reads the snapshot document, stashing unknown top-level
// fields for the next write.
func (s *Snapshot) UnmarshalJSON(data []byte) error {
	doc := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}

	if raw, ok := doc[fieldEnvironment]; ok {
		if err := json.Unmarshal(raw, &s.Environment); err != nil {
			return err
		}
		delete(doc, fieldEnvironment)
	}
	if raw, ok := doc[fieldVersion]; ok {
		if err := json.Unmarshal(raw, &s.Version); err != nil {
			return err
		}
		delete(doc, fieldVersion)
	}
	if raw, ok := doc[fieldResources]; ok {
		if err := json.Unmarshal(raw, &s.Resources); err != nil {
			return err
		}
		delete(doc, fieldResources)
	}
	if raw, ok := doc[fieldTakenAt]; ok {
		if err := json.Unmarshal(raw, &s.TakenAt); err != nil {
			return err
		}
		delete(doc, fieldTakenAt)
	}

	if s.Resources == nil {
		s.Resources = make(map[string]*Record)
	}
	if len(doc) > 0 {
		s.unknown = doc
	}
	return nil
}

// LockRecord is a named mutex record stored alongside state.
type LockRecord struct {
	// Name is the lock name (environment or environment/resource scoped).
	Name string `json:"name"`

	// Holder identifies the process holding the lock.
	Holder string `json:"holder"`

	// AcquiredAt is when the lock was acquired or last renewed.
	AcquiredAt time.Time `json:"acquired_at"`

	// TTLSeconds bounds how long the record stays live without renewal.
	TTLSeconds int64 `json:"ttl_seconds"`
}

// TTL returns the record TTL as a duration.
func (l *LockRecord) TTL() time.Duration {
	return time.Duration(l.TTLSeconds) * time.Second
}

// Expired reports whether the record is stale and reclaimable at now.
func (l *LockRecord) Expired(now time.Time) bool {
	return now.After(l.AcquiredAt.Add(l.TTL()))
}
