// ABOUTME: Sliding-window per-sender rate limiting middleware
// ABOUTME: Bounds window-map growth with an opportunistic every-Nth-message sweep

package middleware

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const rateWindowSpan = time.Minute

// rateWindow tracks the message timestamps for one channel+sender identity
// within the trailing window, plus a last-seen time for idle eviction.
type rateWindow struct {
	mu       sync.Mutex
	stamps   []time.Time
	lastSeen time.Time
}

// prune drops timestamps older than the window span. Must be called with
// the window's mutex held.
func (w *rateWindow) prune(now time.Time) {
	cutoff := now.Add(-rateWindowSpan)
	i := 0
	for i < len(w.stamps) && w.stamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.stamps = append(w.stamps[:0], w.stamps[i:]...)
	}
}

// RateLimiter short-circuits senders exceeding a per-minute message cap.
// Every sweepEvery processed messages it prunes all windows and drops ones
// that are empty and idle past the TTL, so one-shot senders cannot grow the
// map without bound.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[string]*rateWindow

	maxPerMinute int
	sweepEvery   uint64
	windowTTL    time.Duration

	processed atomic.Uint64
}

// NewRateLimiter creates a rate limiter allowing maxPerMinute messages per
// identity. sweepEvery and windowTTL bound idle-window growth; zero values
// select the defaults (256 messages, 10 minutes).
func NewRateLimiter(maxPerMinute int, sweepEvery int, windowTTL time.Duration) *RateLimiter {
	if sweepEvery <= 0 {
		sweepEvery = 256
	}
	if windowTTL <= 0 {
		windowTTL = 10 * time.Minute
	}
	return &RateLimiter{
		windows:      make(map[string]*rateWindow),
		maxPerMinute: maxPerMinute,
		sweepEvery:   uint64(sweepEvery),
		windowTTL:    windowTTL,
	}
}

// Handle checks the sender's sliding window. At or over the cap the message
// is short-circuited and the new timestamp is not recorded, so a flooding
// sender does not extend their own penalty.
func (rl *RateLimiter) Handle(ctx context.Context, mc *Context, next func() error) error {
	w := rl.window(mc.ChannelID + ":" + mc.SenderID)
	now := time.Now()

	w.mu.Lock()
	w.lastSeen = now
	w.prune(now)
	limited := len(w.stamps) >= rl.maxPerMinute
	if !limited {
		w.stamps = append(w.stamps, now)
	}
	w.mu.Unlock()

	if n := rl.processed.Add(1); n%rl.sweepEvery == 0 {
		rl.sweepAll(now)
	}

	if limited {
		mc.ShortCircuit(fmt.Sprintf("You're sending messages too fast. Limit is %d per minute - please wait a moment.", rl.maxPerMinute))
		return nil
	}
	return next()
}

// WindowCount returns the number of tracked identities.
func (rl *RateLimiter) WindowCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}

func (rl *RateLimiter) window(key string) *rateWindow {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[key]
	if !ok {
		w = &rateWindow{}
		rl.windows[key] = w
	}
	return w
}

// sweepAll prunes expired timestamps from every window and removes windows
// that are both empty and idle beyond the TTL. Each window's own mutex is
// taken while pruning, so a sweep never races a concurrent append for the
// same identity.
func (rl *RateLimiter) sweepAll(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, w := range rl.windows {
		w.mu.Lock()
		w.prune(now)
		stale := len(w.stamps) == 0 && now.Sub(w.lastSeen) > rl.windowTTL
		w.mu.Unlock()

		if stale {
			delete(rl.windows, key)
		}
	}
}
