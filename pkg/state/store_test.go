package state

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// storeBackends builds each backend against a fresh location so the
// whole contract suite runs over every implementation.
func storeBackends(t *testing.T) map[string]Store {
	t.Helper()

	local, err := NewLocalStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}

	sqlite, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := sqlite.Init(context.Background()); err != nil {
		t.Fatalf("SQLite Init failed: %v", err)
	}

	return map[string]Store{
		"memory": NewMemoryStore(),
		"local":  local,
		"sqlite": sqlite,
		"s3":     NewS3StoreWithClient(newFakeS3Client(), "test-bucket", "team/app"),
	}
}

func TestStoreSnapshotVersioning(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()

			if _, err := store.ReadSnapshot(ctx, "dev"); !errors.Is(err, ErrEnvironmentNotFound) {
				t.Fatalf("Expected ErrEnvironmentNotFound, got %v", err)
			}

			// Version 0 creates.
			v, err := store.WriteSnapshot(ctx, "dev", NewSnapshot("dev"), 0)
			if err != nil {
				t.Fatalf("Create write failed: %v", err)
			}
			if v != 1 {
				t.Fatalf("Expected version 1, got %d", v)
			}

			// Creating again conflicts.
			if _, err := store.WriteSnapshot(ctx, "dev", NewSnapshot("dev"), 0); !errors.Is(err, ErrVersionConflict) {
				t.Fatalf("Expected ErrVersionConflict on duplicate create, got %v", err)
			}

			snap, err := store.ReadSnapshot(ctx, "dev")
			if err != nil {
				t.Fatalf("ReadSnapshot failed: %v", err)
			}
			if snap.Version != 1 || snap.Environment != "dev" {
				t.Fatalf("Unexpected snapshot: version %d, environment %s", snap.Version, snap.Environment)
			}

			snap.Put(&Record{Type: "postgres", Name: "db", Status: StatusCreated})
			v, err = store.WriteSnapshot(ctx, "dev", snap, 1)
			if err != nil {
				t.Fatalf("Update write failed: %v", err)
			}
			if v != 2 {
				t.Fatalf("Expected version 2, got %d", v)
			}

			// A stale writer presenting version 1 conflicts.
			stale := NewSnapshot("dev")
			if _, err := store.WriteSnapshot(ctx, "dev", stale, 1); !errors.Is(err, ErrVersionConflict) {
				t.Fatalf("Expected ErrVersionConflict for stale write, got %v", err)
			}

			// The record survives and the version is intact.
			snap, err = store.ReadSnapshot(ctx, "dev")
			if err != nil {
				t.Fatalf("ReadSnapshot failed: %v", err)
			}
			if snap.Version != 2 {
				t.Errorf("Expected version 2 after rejected write, got %d", snap.Version)
			}
			if rec := snap.Get("postgres", "db"); rec == nil || rec.Status != StatusCreated {
				t.Errorf("Expected postgres.db preserved, got %+v", rec)
			}
		})
	}
}

func TestStoreListAndDelete(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()

			for _, env := range []string{"prod", "dev"} {
				if _, err := store.WriteSnapshot(ctx, env, NewSnapshot(env), 0); err != nil {
					t.Fatalf("Create %s failed: %v", env, err)
				}
			}

			envs, err := store.ListEnvironments(ctx)
			if err != nil {
				t.Fatalf("ListEnvironments failed: %v", err)
			}
			if len(envs) != 2 || envs[0] != "dev" || envs[1] != "prod" {
				t.Fatalf("Expected sorted [dev prod], got %v", envs)
			}

			if err := store.DeleteSnapshot(ctx, "dev"); err != nil {
				t.Fatalf("DeleteSnapshot failed: %v", err)
			}
			if _, err := store.ReadSnapshot(ctx, "dev"); !errors.Is(err, ErrEnvironmentNotFound) {
				t.Errorf("Expected dev gone, got %v", err)
			}
			if err := store.DeleteSnapshot(ctx, "dev"); !errors.Is(err, ErrEnvironmentNotFound) {
				t.Errorf("Expected second delete to fail, got %v", err)
			}

			// Deletion frees the name for a fresh create at version 0.
			if _, err := store.WriteSnapshot(ctx, "dev", NewSnapshot("dev"), 0); err != nil {
				t.Errorf("Recreate after delete failed: %v", err)
			}
		})
	}
}

func TestStoreLockRecords(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()

			if _, _, err := store.GetLock(ctx, "env:dev"); !errors.Is(err, ErrLockNotFound) {
				t.Fatalf("Expected ErrLockNotFound, got %v", err)
			}

			rec := &LockRecord{Name: "env:dev", Holder: "worker-1", AcquiredAt: time.Now().UTC(), TTLSeconds: 60}
			v, err := store.PutLock(ctx, "env:dev", rec, 0)
			if err != nil {
				t.Fatalf("PutLock failed: %v", err)
			}
			if v != 1 {
				t.Fatalf("Expected lock version 1, got %d", v)
			}

			// A competing create loses.
			competing := &LockRecord{Name: "env:dev", Holder: "worker-2", AcquiredAt: time.Now().UTC(), TTLSeconds: 60}
			if _, err := store.PutLock(ctx, "env:dev", competing, 0); !errors.Is(err, ErrVersionConflict) {
				t.Fatalf("Expected ErrVersionConflict for competing create, got %v", err)
			}

			got, version, err := store.GetLock(ctx, "env:dev")
			if err != nil {
				t.Fatalf("GetLock failed: %v", err)
			}
			if got.Holder != "worker-1" || version != 1 {
				t.Fatalf("Expected worker-1 at version 1, got %s at %d", got.Holder, version)
			}

			// Renewal rewrites at the held version.
			rec.AcquiredAt = time.Now().UTC()
			if v, err = store.PutLock(ctx, "env:dev", rec, 1); err != nil || v != 2 {
				t.Fatalf("Renewal failed: version %d, err %v", v, err)
			}

			if err := store.DeleteLock(ctx, "env:dev", 1); !errors.Is(err, ErrVersionConflict) {
				t.Fatalf("Expected stale delete to conflict, got %v", err)
			}
			if err := store.DeleteLock(ctx, "env:dev", 2); err != nil {
				t.Fatalf("DeleteLock failed: %v", err)
			}
			if _, _, err := store.GetLock(ctx, "env:dev"); !errors.Is(err, ErrLockNotFound) {
				t.Errorf("Expected the lock gone, got %v", err)
			}
		})
	}
}

func TestStoreRejectsUnsafeNames(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			defer store.Close()
			ctx := context.Background()

			for _, env := range []string{"", "..", "a/b", "a\\b"} {
				if _, err := store.WriteSnapshot(ctx, env, NewSnapshot(env), 0); err == nil {
					t.Errorf("Expected %q rejected", env)
				}
			}
		})
	}
}

func TestOpenBackendURIs(t *testing.T) {
	ctx := context.Background()

	mem, err := Open(ctx, "mem://")
	if err != nil {
		t.Fatalf("Open mem:// failed: %v", err)
	}
	if _, ok := mem.(*MemoryStore); !ok {
		t.Errorf("Expected a memory store, got %T", mem)
	}

	local, err := Open(ctx, "file://"+t.TempDir())
	if err != nil {
		t.Fatalf("Open file:// failed: %v", err)
	}
	if _, ok := local.(*LocalStore); !ok {
		t.Errorf("Expected a local store, got %T", local)
	}
	local.Close()

	if _, err := Open(ctx, "redis://localhost"); err == nil {
		t.Error("Expected unsupported scheme to fail")
	}
}

func TestOpenRelativeFileURI(t *testing.T) {
	// A relative path parses with its first segment as the URL host;
	// the store must land under the working directory, not at /state.
	t.Chdir(t.TempDir())
	ctx := context.Background()

	store, err := Open(ctx, "file://.lift/state")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer store.Close()

	if _, err := store.WriteSnapshot(ctx, "dev", NewSnapshot("dev"), 0); err != nil {
		t.Fatalf("WriteSnapshot failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(".lift", "state", "envs", "dev.json")); err != nil {
		t.Errorf("Expected state under .lift/state: %v", err)
	}
}
