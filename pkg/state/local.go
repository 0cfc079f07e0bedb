package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// LocalStore persists one JSON document per environment under a root
// directory, plus lock records under locks/. Documents are replaced by
// temp-file + rename so a reader never observes a partial write; writer
// exclusion across processes uses an O_EXCL sentinel file.
type LocalStore struct {
	root string
}

// NewLocalStore creates a file-backed store rooted at dir.
func NewLocalStore(dir string) (*LocalStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("state: backend path is required")
	}
	for _, sub := range []string{"envs", "locks"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	return &LocalStore{root: dir}, nil
}

func (l *LocalStore) envPath(environment string) string {
	return filepath.Join(l.root, "envs", environment+".json")
}

func (l *LocalStore) lockPath(name string) string {
	return filepath.Join(l.root, "locks", name+".json")
}

// lockDoc is the on-disk envelope for a versioned lock record.
type lockDoc struct {
	Version int64       `json:"version"`
	Record  *LockRecord `json:"record"`
}

// withSentinel runs fn while holding an exclusive sentinel file next to
// path. The sentinel bounds the read-compare-write window against other
// processes on the same filesystem.
func withSentinel(ctx context.Context, path string, fn func() error) error {
	sentinel := path + ".lock"
	deadline := time.Now().Add(2 * time.Second)
	for {
		f, err := os.OpenFile(sentinel, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_ = f.Close()
			break
		}
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create write sentinel: %w", err)
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("state: write sentinel %s held too long", sentinel)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	defer os.Remove(sentinel)
	return fn()
}

// writeAtomic replaces path with data via temp file + rename.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// ReadSnapshot returns the current snapshot of an environment.
func (l *LocalStore) ReadSnapshot(_ context.Context, environment string) (*Snapshot, error) {
	if err := validName(environment); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(l.envPath(environment))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrEnvironmentNotFound, environment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot for %s: %w", environment, err)
	}

	snap := &Snapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot for %s: %w", environment, err)
	}
	return snap, nil
}

// WriteSnapshot replaces the snapshot if the stored version matches.
func (l *LocalStore) WriteSnapshot(ctx context.Context, environment string, snap *Snapshot, expectedVersion int64) (int64, error) {
	if err := validName(environment); err != nil {
		return 0, err
	}

	path := l.envPath(environment)
	var newVersion int64
	err := withSentinel(ctx, path, func() error {
		var current int64
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			current = 0
		case err != nil:
			return fmt.Errorf("failed to read snapshot for %s: %w", environment, err)
		default:
			existing := &Snapshot{}
			if err := json.Unmarshal(data, existing); err != nil {
				return fmt.Errorf("failed to decode snapshot for %s: %w", environment, err)
			}
			current = existing.Version
		}

		if current != expectedVersion {
			return fmt.Errorf("%w: environment %s at version %d, write expected %d",
				ErrVersionConflict, environment, current, expectedVersion)
		}

		newVersion = expectedVersion + 1
		snap.Environment = environment
		snap.Version = newVersion
		snap.TakenAt = time.Now().UTC()

		out, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode snapshot for %s: %w", environment, err)
		}
		return writeAtomic(path, out)
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

// DeleteSnapshot removes an environment's snapshot.
func (l *LocalStore) DeleteSnapshot(_ context.Context, environment string) error {
	if err := validName(environment); err != nil {
		return err
	}
	err := os.Remove(l.envPath(environment))
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrEnvironmentNotFound, environment)
	}
	return err
}

// ListEnvironments returns environment names in sorted order.
func (l *LocalStore) ListEnvironments(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(l.root, "envs"))
	if err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(names)
	return names, nil
}

// GetLock returns a lock record and its version.
func (l *LocalStore) GetLock(_ context.Context, name string) (*LockRecord, int64, error) {
	if err := validName(name); err != nil {
		return nil, 0, err
	}

	data, err := os.ReadFile(l.lockPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, fmt.Errorf("%w: %s", ErrLockNotFound, name)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read lock record %s: %w", name, err)
	}

	doc := &lockDoc{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, 0, fmt.Errorf("failed to decode lock record %s: %w", name, err)
	}
	return doc.Record, doc.Version, nil
}

// PutLock writes a lock record as a conditional write.
func (l *LocalStore) PutLock(ctx context.Context, name string, rec *LockRecord, expectedVersion int64) (int64, error) {
	if err := validName(name); err != nil {
		return 0, err
	}

	path := l.lockPath(name)
	var newVersion int64
	err := withSentinel(ctx, path, func() error {
		var current int64
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			current = 0
		case err != nil:
			return fmt.Errorf("failed to read lock record %s: %w", name, err)
		default:
			doc := &lockDoc{}
			if err := json.Unmarshal(data, doc); err != nil {
				return fmt.Errorf("failed to decode lock record %s: %w", name, err)
			}
			current = doc.Version
		}

		if current != expectedVersion {
			return fmt.Errorf("%w: lock %s at version %d, write expected %d",
				ErrVersionConflict, name, current, expectedVersion)
		}

		newVersion = expectedVersion + 1
		out, err := json.Marshal(&lockDoc{Version: newVersion, Record: rec})
		if err != nil {
			return fmt.Errorf("failed to encode lock record %s: %w", name, err)
		}
		return writeAtomic(path, out)
	})
	if err != nil {
		return 0, err
	}
	return newVersion, nil
}

// DeleteLock removes a lock record if the version matches.
func (l *LocalStore) DeleteLock(ctx context.Context, name string, expectedVersion int64) error {
	if err := validName(name); err != nil {
		return err
	}

	path := l.lockPath(name)
	return withSentinel(ctx, path, func() error {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrLockNotFound, name)
		}
		if err != nil {
			return fmt.Errorf("failed to read lock record %s: %w", name, err)
		}

		doc := &lockDoc{}
		if err := json.Unmarshal(data, doc); err != nil {
			return fmt.Errorf("failed to decode lock record %s: %w", name, err)
		}
		if doc.Version != expectedVersion {
			return fmt.Errorf("%w: lock %s at version %d, delete expected %d",
				ErrVersionConflict, name, doc.Version, expectedVersion)
		}
		return os.Remove(path)
	})
}

// Close is a no-op for the local store.
func (l *LocalStore) Close() error {
	return nil
}
