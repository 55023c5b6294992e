// ABOUTME: Registry of live sessions with bounded capacity, eviction and branching
// ABOUTME: Guarantees one canonical in-memory instance per session key

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	persistAttempts = 3
	persistBackoff  = 100 * time.Millisecond
)

// Registry owns the bounded set of live sessions. It is the only writer of
// session lifecycle state; conversation history and token counters belong to
// whoever holds the session's lock.
type Registry struct {
	mu       sync.RWMutex
	live     map[string]*Session
	store    Store
	capacity int
	timeout  time.Duration
	logger   *slog.Logger
}

// NewRegistry creates a registry backed by the given durable store.
// capacity bounds the live set; timeout is the idle duration after which a
// session is eligible for expiry eviction.
func NewRegistry(store Store, capacity int, timeout time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		live:     make(map[string]*Session),
		store:    store,
		capacity: capacity,
		timeout:  timeout,
		logger:   logger.With("component", "session-registry"),
	}
}

// GetOrCreate returns the canonical live session for the given identity,
// loading it from the durable store or constructing it fresh as needed.
// Concurrent callers racing on the same key converge on one instance.
func (r *Registry) GetOrCreate(ctx context.Context, channelID, senderID string) (*Session, error) {
	key := Key(channelID, senderID)

	r.mu.RLock()
	s, ok := r.live[key]
	r.mu.RUnlock()
	if ok {
		s.Touch()
		return s, nil
	}

	// Not resident: resolve a candidate outside the registry lock so a slow
	// store read never blocks unrelated keys.
	candidate, err := r.resolve(ctx, channelID, senderID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.live[key]; ok {
		// Lost the insertion race; the candidate is discarded.
		r.mu.Unlock()
		existing.Touch()
		return existing, nil
	}
	if len(r.live) >= r.capacity {
		r.evictLocked()
	}
	r.live[key] = candidate
	r.mu.Unlock()

	candidate.Touch()
	return candidate, nil
}

// resolve loads a stored session if one exists and is still Active,
// otherwise constructs a fresh one. A session that expired out-of-process
// is treated as fresh.
func (r *Registry) resolve(ctx context.Context, channelID, senderID string) (*Session, error) {
	key := Key(channelID, senderID)

	stored, err := r.store.GetSession(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		return New(channelID, senderID), nil
	case err != nil:
		return nil, fmt.Errorf("loading session %s: %w", key, err)
	}

	if stored.State != StateActive {
		return New(channelID, senderID), nil
	}
	return stored, nil
}

// Persist saves the session with bounded retry and exponential backoff.
// Cancellation aborts immediately; exhausting all attempts surfaces the
// last failure.
func (r *Registry) Persist(ctx context.Context, s *Session) error {
	var lastErr error
	delay := persistBackoff

	for attempt := 1; attempt <= persistAttempts; attempt++ {
		lastErr = r.store.SaveSession(ctx, s.Snapshot())
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil || errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}

		r.logger.Warn("session persist failed",
			"session_id", s.ID,
			"attempt", attempt,
			"error", lastErr,
		)
		if attempt == persistAttempts {
			break
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
	}

	return fmt.Errorf("persisting session %s after %d attempts: %w", s.ID, persistAttempts, lastErr)
}

// Branch snapshots the session's current history under a new unique branch
// id, persists it, and returns the id.
func (r *Registry) Branch(ctx context.Context, s *Session, name string) (string, error) {
	now := time.Now()
	b := &Branch{
		ID:        BranchID(s.ID, name, now),
		SessionID: s.ID,
		Name:      name,
		CreatedAt: now,
		History:   s.HistoryCopy(),
	}
	if err := r.store.SaveBranch(ctx, b); err != nil {
		return "", fmt.Errorf("saving branch %s: %w", b.ID, err)
	}

	r.logger.Info("session branched", "session_id", s.ID, "branch_id", b.ID, "name", name)
	return b.ID, nil
}

// RestoreBranch replaces the live session's history with the branch's
// snapshot. Returns false without mutating anything if the branch is missing
// or belongs to a different session. The branch itself persists for reuse.
func (r *Registry) RestoreBranch(ctx context.Context, s *Session, branchID string) (bool, error) {
	b, err := r.store.LoadBranch(ctx, branchID)
	if errors.Is(err, ErrBranchNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("loading branch %s: %w", branchID, err)
	}
	if b.SessionID != s.ID {
		return false, nil
	}

	s.ReplaceHistory(b.History)
	r.logger.Info("session restored from branch", "session_id", s.ID, "branch_id", branchID)
	return true, nil
}

// ListBranches returns all branches recorded for the given session id.
func (r *Registry) ListBranches(ctx context.Context, sessionID string) ([]*Branch, error) {
	return r.store.ListBranches(ctx, sessionID)
}

// DeleteBranch removes a branch from durable storage.
func (r *Registry) DeleteBranch(ctx context.Context, branchID string) error {
	return r.store.DeleteBranch(ctx, branchID)
}

// IsActive reports whether a session with the given key is currently live.
func (r *Registry) IsActive(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.live[key]
	return ok
}

// ActiveCount returns the number of live sessions.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

// Close flushes every live session to the store best-effort and empties the
// live set. Meant to be called once at shutdown; returns the last flush
// failure, if any.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.live))
	for _, s := range r.live {
		sessions = append(sessions, s)
	}
	r.live = make(map[string]*Session)
	r.mu.Unlock()

	var lastErr error
	for _, s := range sessions {
		if err := r.store.SaveSession(ctx, s.Snapshot()); err != nil {
			r.logger.Warn("flushing session at shutdown failed", "session_id", s.ID, "error", err)
			lastErr = err
		}
	}
	return lastErr
}

// evictLocked makes room for a new session. Expiry eviction runs first so
// genuinely stale work goes before anything recently touched; LRU eviction is
// the fallback under sustained load. Must be called with mu held.
//
// Eviction can race an in-flight holder of the session's lock: the holder
// keeps working with its in-memory reference and its eventual Persist
// overwrites the possibly-stale snapshot flushed here.
func (r *Registry) evictLocked() {
	cutoff := time.Now().Add(-r.timeout)
	for key, s := range r.live {
		if s.LastActive().Before(cutoff) {
			r.removeLocked(key, s, "expired")
		}
	}

	// Bounded so concurrent mutation can never spin this loop forever.
	for i := 0; i <= r.capacity && len(r.live) >= r.capacity; i++ {
		key, s := r.oldestLocked()
		if s == nil {
			return
		}
		r.removeLocked(key, s, "capacity")
	}
}

// oldestLocked finds the least recently active live session. Must be called
// with mu held.
func (r *Registry) oldestLocked() (string, *Session) {
	var (
		oldestKey string
		oldest    *Session
	)
	for key, s := range r.live {
		if oldest == nil || s.LastActive().Before(oldest.LastActive()) {
			oldestKey = key
			oldest = s
		}
	}
	return oldestKey, oldest
}

// removeLocked drops a session from the live set, marks it Expired and
// flushes its last state best-effort in the background. Must be called with
// mu held.
func (r *Registry) removeLocked(key string, s *Session, reason string) {
	delete(r.live, key)
	s.MarkExpired()

	r.logger.Info("session evicted", "session_id", key, "reason", reason)

	// Detached: eviction never blocks on storage latency.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.store.SaveSession(ctx, s.Snapshot()); err != nil {
			r.logger.Warn("best-effort persist of evicted session failed",
				"session_id", key,
				"error", err,
			)
		}
	}()
}
