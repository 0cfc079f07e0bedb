package state

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrVersionConflict is returned when a snapshot or lock write
	// presents a version that no longer matches the stored one. The
	// caller must re-read and re-plan; retrying the stale write would
	// clobber a concurrent writer.
	ErrVersionConflict = errors.New("state: version conflict")

	// ErrEnvironmentNotFound is returned when reading an environment
	// that has no snapshot.
	ErrEnvironmentNotFound = errors.New("state: environment not found")

	// ErrLockNotFound is returned when reading a lock record that does
	// not exist.
	ErrLockNotFound = errors.New("state: lock not found")
)

// Store is the persistence contract every backend implements.
//
// Snapshot writes are compare-and-swap: expectedVersion must equal the
// stored version (0 for a first write) or the write fails with
// ErrVersionConflict. A successful write increments the version by
// exactly one and is atomic from a reader's perspective.
//
// Lock records follow the same discipline so the lock manager can
// acquire by conditional write: PutLock with expectedVersion 0 creates
// only if absent.
type Store interface {
	// ReadSnapshot returns the current snapshot of an environment.
	// The returned snapshot carries its version.
	ReadSnapshot(ctx context.Context, environment string) (*Snapshot, error)

	// WriteSnapshot replaces the environment snapshot if the stored
	// version equals expectedVersion, returning the new version.
	WriteSnapshot(ctx context.Context, environment string, snap *Snapshot, expectedVersion int64) (int64, error)

	// DeleteSnapshot removes an environment's snapshot.
	DeleteSnapshot(ctx context.Context, environment string) error

	// ListEnvironments returns the names of environments with snapshots.
	ListEnvironments(ctx context.Context) ([]string, error)

	// GetLock returns the lock record and its version.
	GetLock(ctx context.Context, name string) (*LockRecord, int64, error)

	// PutLock writes a lock record if the stored version equals
	// expectedVersion (0 creates only if absent), returning the new
	// version.
	PutLock(ctx context.Context, name string, rec *LockRecord, expectedVersion int64) (int64, error)

	// DeleteLock removes a lock record if the stored version matches.
	DeleteLock(ctx context.Context, name string, expectedVersion int64) error

	// Close releases backend resources.
	Close() error
}

// Open creates a Store from a backend URI.
func Open(ctx context.Context, backendURI string) (Store, error) {
	u, err := url.Parse(backendURI)
	if err != nil {
		return nil, fmt.Errorf("invalid backend URI %q: %w", backendURI, err)
	}

	switch u.Scheme {
	case "mem":
		return NewMemoryStore(), nil
	case "file":
		return NewLocalStore(localPath(u))
	case "sqlite":
		s, err := NewSQLiteStore(localPath(u))
		if err != nil {
			return nil, err
		}
		if err := s.Init(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case "s3":
		prefix := strings.TrimPrefix(u.Path, "/")
		return NewS3Store(ctx, u.Host, prefix)
	default:
		return nil, fmt.Errorf("unsupported backend scheme %q", u.Scheme)
	}
}

// localPath rebuilds the filesystem path of a file-style URI. A
// relative path such as file://.lift/state parses with its first
// segment as the URL host, so host and path are rejoined.
func localPath(u *url.URL) string {
	if u.Opaque != "" {
		return u.Opaque
	}
	return u.Host + u.Path
}

// validName rejects environment and lock names that would escape the
// backend namespace (path separators and relative segments).
func validName(name string) error {
	if name == "" {
		return fmt.Errorf("state: empty name")
	}
	if strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return fmt.Errorf("state: invalid name %q", name)
	}
	return nil
}
