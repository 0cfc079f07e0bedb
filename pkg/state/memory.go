package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and lift dev.
// It applies the same version discipline as the durable backends.
type MemoryStore struct {
	mu        sync.Mutex
	snapshots map[string]*versionedDoc
	locks     map[string]*versionedDoc
}

type versionedDoc struct {
	version int64
	data    []byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string]*versionedDoc),
		locks:     make(map[string]*versionedDoc),
	}
}

// ReadSnapshot returns the current snapshot of an environment.
func (m *MemoryStore) ReadSnapshot(_ context.Context, environment string) (*Snapshot, error) {
	if err := validName(environment); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.snapshots[environment]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEnvironmentNotFound, environment)
	}

	snap := &Snapshot{}
	if err := json.Unmarshal(doc.data, snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot for %s: %w", environment, err)
	}
	snap.Version = doc.version
	return snap, nil
}

// WriteSnapshot replaces the snapshot if the stored version matches.
func (m *MemoryStore) WriteSnapshot(_ context.Context, environment string, snap *Snapshot, expectedVersion int64) (int64, error) {
	if err := validName(environment); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	if doc, ok := m.snapshots[environment]; ok {
		current = doc.version
	}
	if current != expectedVersion {
		return 0, fmt.Errorf("%w: environment %s at version %d, write expected %d",
			ErrVersionConflict, environment, current, expectedVersion)
	}

	next := expectedVersion + 1
	snap.Environment = environment
	snap.Version = next
	snap.TakenAt = time.Now().UTC()

	data, err := json.Marshal(snap)
	if err != nil {
		return 0, fmt.Errorf("failed to encode snapshot for %s: %w", environment, err)
	}

	m.snapshots[environment] = &versionedDoc{version: next, data: data}
	return next, nil
}

// DeleteSnapshot removes an environment's snapshot.
func (m *MemoryStore) DeleteSnapshot(_ context.Context, environment string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.snapshots[environment]; !ok {
		return fmt.Errorf("%w: %s", ErrEnvironmentNotFound, environment)
	}
	delete(m.snapshots, environment)
	return nil
}

// ListEnvironments returns environment names in sorted order.
func (m *MemoryStore) ListEnvironments(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.snapshots))
	for name := range m.snapshots {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// GetLock returns a lock record and its version.
func (m *MemoryStore) GetLock(_ context.Context, name string) (*LockRecord, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.locks[name]
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrLockNotFound, name)
	}

	rec := &LockRecord{}
	if err := json.Unmarshal(doc.data, rec); err != nil {
		return nil, 0, fmt.Errorf("failed to decode lock record %s: %w", name, err)
	}
	return rec, doc.version, nil
}

// PutLock writes a lock record as a conditional write.
func (m *MemoryStore) PutLock(_ context.Context, name string, rec *LockRecord, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var current int64
	if doc, ok := m.locks[name]; ok {
		current = doc.version
	}
	if current != expectedVersion {
		return 0, fmt.Errorf("%w: lock %s at version %d, write expected %d",
			ErrVersionConflict, name, current, expectedVersion)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("failed to encode lock record %s: %w", name, err)
	}

	next := expectedVersion + 1
	m.locks[name] = &versionedDoc{version: next, data: data}
	return next, nil
}

// DeleteLock removes a lock record if the version matches.
func (m *MemoryStore) DeleteLock(_ context.Context, name string, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, ok := m.locks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrLockNotFound, name)
	}
	if doc.version != expectedVersion {
		return fmt.Errorf("%w: lock %s at version %d, delete expected %d",
			ErrVersionConflict, name, doc.version, expectedVersion)
	}
	delete(m.locks, name)
	return nil
}

// Close is a no-op for the memory store.
func (m *MemoryStore) Close() error {
	return nil
}
