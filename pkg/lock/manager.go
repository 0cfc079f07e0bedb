// Package lock provides distributed mutual exclusion for plan, apply,
// and promotion operations. Locks are small versioned records in the
// state store's namespace, so acquisition is a compare-and-swap write:
// it succeeds only if no live (non-expired) record exists. A record is
// stale and reclaimable once now exceeds acquired_at + ttl, which
// bounds the damage of a crashed holder; long operations must renew
// and must treat a lost lock as a fatal abort.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openlift/openlift/pkg/state"
)

var (
	// ErrLockHeld is returned when another holder owns a live lock.
	ErrLockHeld = errors.New("lock: already held")

	// ErrLockLost is returned when a renew or release discovers the
	// record was reclaimed by someone else. The operation holding the
	// lock must abort; partial continuation under a lost lock is never
	// safe.
	ErrLockLost = errors.New("lock: lost")
)

// Handle represents a held lock.
type Handle struct {
	name       string
	holder     string
	version    int64
	acquiredAt time.Time
	ttl        time.Duration
}

// Name returns the lock name.
func (h *Handle) Name() string { return h.name }

// Holder returns the holder ID that acquired the lock.
func (h *Handle) Holder() string { return h.holder }

// Manager acquires and releases named locks backed by a state store.
type Manager struct {
	store  state.Store
	holder string
	logger zerolog.Logger
	now    func() time.Time
}

// NewManager creates a lock manager. holder identifies this process to
// other collaborators; an empty holder gets a generated UUID.
func NewManager(store state.Store, holder string, logger zerolog.Logger) *Manager {
	if holder == "" {
		holder = uuid.New().String()
	}
	return &Manager{
		store:  store,
		holder: holder,
		logger: logger.With().Str("component", "lock-manager").Logger(),
		now:    time.Now,
	}
}

// Holder returns this manager's holder ID.
func (m *Manager) Holder() string { return m.holder }

// Acquire takes the named lock with the given TTL. It fails with
// ErrLockHeld if another holder's record is still live; an expired
// record is reclaimed in place.
func (m *Manager) Acquire(ctx context.Context, name string, ttl time.Duration) (*Handle, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock: non-positive ttl %s", ttl)
	}

	now := m.now().UTC()
	var expected int64

	rec, version, err := m.store.GetLock(ctx, name)
	switch {
	case err == nil:
		if !rec.Expired(now) {
			return nil, fmt.Errorf("%w: %s held by %s since %s",
				ErrLockHeld, name, rec.Holder, rec.AcquiredAt.Format(time.RFC3339))
		}
		m.logger.Warn().
			Str("lock", name).
			Str("stale_holder", rec.Holder).
			Time("acquired_at", rec.AcquiredAt).
			Msg("Reclaiming expired lock")
		expected = version
	case errors.Is(err, state.ErrLockNotFound):
		expected = 0
	default:
		return nil, fmt.Errorf("failed to read lock %s: %w", name, err)
	}

	newRec := &state.LockRecord{
		Name:       name,
		Holder:     m.holder,
		AcquiredAt: now,
		TTLSeconds: int64(ttl / time.Second),
	}
	newVersion, err := m.store.PutLock(ctx, name, newRec, expected)
	if err != nil {
		if errors.Is(err, state.ErrVersionConflict) {
			// Lost the acquisition race to a concurrent caller.
			return nil, fmt.Errorf("%w: %s", ErrLockHeld, name)
		}
		return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}

	m.logger.Debug().Str("lock", name).Dur("ttl", ttl).Msg("Lock acquired")
	return &Handle{
		name:       name,
		holder:     m.holder,
		version:    newVersion,
		acquiredAt: now,
		ttl:        ttl,
	}, nil
}

// Renew extends the lock by rewriting the record at the held version.
// A version mismatch means the record was reclaimed: ErrLockLost.
func (m *Manager) Renew(ctx context.Context, h *Handle) error {
	now := m.now().UTC()
	rec := &state.LockRecord{
		Name:       h.name,
		Holder:     h.holder,
		AcquiredAt: now,
		TTLSeconds: int64(h.ttl / time.Second),
	}
	newVersion, err := m.store.PutLock(ctx, h.name, rec, h.version)
	if err != nil {
		if errors.Is(err, state.ErrVersionConflict) || errors.Is(err, state.ErrLockNotFound) {
			return fmt.Errorf("%w: %s", ErrLockLost, h.name)
		}
		return fmt.Errorf("failed to renew lock %s: %w", h.name, err)
	}
	h.version = newVersion
	h.acquiredAt = now
	return nil
}

// Release drops the lock. Releasing a lock that was reclaimed returns
// ErrLockLost so callers can surface that the run lost exclusivity.
func (m *Manager) Release(ctx context.Context, h *Handle) error {
	err := m.store.DeleteLock(ctx, h.name, h.version)
	if err != nil {
		if errors.Is(err, state.ErrVersionConflict) || errors.Is(err, state.ErrLockNotFound) {
			return fmt.Errorf("%w: %s", ErrLockLost, h.name)
		}
		return fmt.Errorf("failed to release lock %s: %w", h.name, err)
	}
	m.logger.Debug().Str("lock", h.name).Msg("Lock released")
	return nil
}

// Keepalive renews the lock in the background at a third of its TTL.
// The returned channel is closed if a renewal fails (the lock is lost);
// stop terminates the keepalive goroutine.
func (m *Manager) Keepalive(ctx context.Context, h *Handle) (lost <-chan struct{}, stop func()) {
	lostCh := make(chan struct{})
	kctx, cancel := context.WithCancel(ctx)

	interval := h.ttl / 3
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-kctx.Done():
				return
			case <-ticker.C:
				if err := m.Renew(kctx, h); err != nil {
					if kctx.Err() != nil {
						return
					}
					m.logger.Error().Err(err).Str("lock", h.name).Msg("Lock renewal failed")
					close(lostCh)
					return
				}
			}
		}
	}()

	return lostCh, cancel
}

// EnvironmentLock returns the lock name guarding a whole environment.
func EnvironmentLock(environment string) string {
	return "env:" + environment
}

// ResourceLock returns the lock name guarding one resource in an
// environment.
func ResourceLock(environment, resourceKey string) string {
	return "res:" + environment + ":" + resourceKey
}
