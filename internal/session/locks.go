// ABOUTME: Per-session exclusive locks with background orphan reclamation
// ABOUTME: Serializes agent turns per session key across the worker pool

package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Liveness answers whether a session key is still live. Implemented by
// Registry; split out so the lock table can be tested in isolation.
type Liveness interface {
	IsActive(key string) bool
}

// lockEntry is one per-key exclusive lock. sem is a one-slot semaphore so
// acquisition can be aborted by context cancellation.
type lockEntry struct {
	sem      chan struct{}
	lastUsed time.Time // guarded by the table mutex
}

// LockTable maps session keys to exclusive locks, created on demand.
// A background sweep reclaims entries for keys no longer live: free entries
// immediately, held ones only after an idle threshold (forced, logged).
// Force removal never invalidates an in-flight holder; its release simply
// drains a semaphore nothing else references anymore.
type LockTable struct {
	mu       sync.Mutex
	entries  map[string]*lockEntry
	liveness Liveness

	sweepInterval time.Duration
	orphanIdle    time.Duration
	logger        *slog.Logger

	done   chan struct{}
	closed bool
}

// NewLockTable creates a lock table and starts its background sweep.
func NewLockTable(liveness Liveness, sweepInterval, orphanIdle time.Duration, logger *slog.Logger) *LockTable {
	if logger == nil {
		logger = slog.Default()
	}
	t := &LockTable{
		entries:       make(map[string]*lockEntry),
		liveness:      liveness,
		sweepInterval: sweepInterval,
		orphanIdle:    orphanIdle,
		logger:        logger.With("component", "lock-table"),
		done:          make(chan struct{}),
	}
	go t.sweep()
	return t
}

// Acquire takes the exclusive lock for the given session key, blocking until
// it is available or the context is canceled. The returned release function
// must be called on every exit path.
func (t *LockTable) Acquire(ctx context.Context, key string) (release func(), err error) {
	t.mu.Lock()
	e, ok := t.entries[key]
	if !ok {
		e = &lockEntry{sem: make(chan struct{}, 1)}
		t.entries[key] = e
	}
	e.lastUsed = time.Now()
	t.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			e.lastUsed = time.Now()
			t.mu.Unlock()
			<-e.sem
		})
	}, nil
}

// Len returns the number of lock entries currently held in the table.
func (t *LockTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Close stops the background sweep. Safe to call multiple times.
func (t *LockTable) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		close(t.done)
		t.closed = true
	}
}

func (t *LockTable) sweep() {
	ticker := time.NewTicker(t.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.runSweep()
		case <-t.done:
			return
		}
	}
}

// runSweep removes lock entries whose session is no longer live. This is
// best-effort housekeeping, not a correctness path: the worst outcome of a
// missed pass is a transient lock-table size overshoot.
func (t *LockTable) runSweep() {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for key, e := range t.entries {
		if t.liveness.IsActive(key) {
			continue
		}

		select {
		case e.sem <- struct{}{}:
			// Uncontended: safe to drop right away.
			<-e.sem
			delete(t.entries, key)
		default:
			// Held. Only force-remove once it has been idle past the
			// orphan threshold.
			if now.Sub(e.lastUsed) > t.orphanIdle {
				delete(t.entries, key)
				t.logger.Warn("force-removed orphaned session lock",
					"session_id", key,
					"idle", now.Sub(e.lastUsed),
				)
			}
		}
	}
}
