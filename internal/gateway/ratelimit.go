package gateway

import (
	"sync"
	"time"
)

// RateLimitConfig bounds outbound sends per destination.
type RateLimitConfig struct {
	MaxPerWindow int
	Window       time.Duration
	// Buffer pads the computed wait to avoid boundary races where a send is
	// admitted a few milliseconds before the provider window actually rolls.
	Buffer time.Duration

	MaxTimestampsPerDestination int
	MaxTrackedDestinations      int
}

func (c RateLimitConfig) withDefaults() RateLimitConfig {
	if c.MaxPerWindow <= 0 {
		c.MaxPerWindow = 5
	}
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	if c.Buffer <= 0 {
		c.Buffer = 250 * time.Millisecond
	}
	if c.MaxTimestampsPerDestination <= 0 {
		c.MaxTimestampsPerDestination = 50
	}
	if c.MaxTrackedDestinations <= 0 {
		c.MaxTrackedDestinations = 5000
	}
	return c
}

// minAdmitWait is the floor for any non-zero wait returned by Admit.
const minAdmitWait = 250 * time.Millisecond

type rateEntry struct {
	// timestamps is ordered oldest-first; every access prunes entries older
	// than the window.
	timestamps   []time.Time
	lastActivity time.Time
}

// RateLimitWindow tracks recent sends per destination and answers how long a
// caller must wait before the next send is admitted.
//
// It is safe for concurrent use.
type RateLimitWindow struct {
	mu    sync.Mutex
	cfg   RateLimitConfig
	dests map[string]*rateEntry
}

func NewRateLimitWindow(cfg RateLimitConfig) *RateLimitWindow {
	return &RateLimitWindow{
		cfg:   cfg.withDefaults(),
		dests: map[string]*rateEntry{},
	}
}

// Apply swaps limits at runtime. Existing per-destination history is kept.
func (w *RateLimitWindow) Apply(cfg RateLimitConfig) {
	w.mu.Lock()
	w.cfg = cfg.withDefaults()
	w.mu.Unlock()
}

// Admit reports how long the caller must wait before a send to dest would be
// allowed. Zero means the send may proceed now. Unknown destinations have no
// history and are always admitted.
func (w *RateLimitWindow) Admit(dest string) time.Duration {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()

	e := w.dests[dest]
	if e == nil {
		return 0
	}
	e.lastActivity = now
	w.pruneLocked(e, now)
	if len(e.timestamps) < w.cfg.MaxPerWindow {
		return 0
	}
	oldest := e.timestamps[len(e.timestamps)-w.cfg.MaxPerWindow]
	wait := w.cfg.Window - now.Sub(oldest) + w.cfg.Buffer
	if wait < minAdmitWait {
		wait = minAdmitWait
	}
	return wait
}

// RecordSend appends a send timestamp for dest. Called after a successful
// transport send.
func (w *RateLimitWindow) RecordSend(dest string) {
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()

	e := w.dests[dest]
	if e == nil {
		e = &rateEntry{lastActivity: now}
		w.dests[dest] = e
		w.evictLocked(now)
	}
	e.lastActivity = now
	w.pruneLocked(e, now)
	e.timestamps = append(e.timestamps, now)

	// One hot channel must not grow its history without bound.
	if max := w.cfg.MaxTimestampsPerDestination; len(e.timestamps) > max {
		e.timestamps = append(e.timestamps[:0], e.timestamps[len(e.timestamps)-max:]...)
	}
}

// Len reports the number of tracked destinations.
func (w *RateLimitWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.dests)
}

// PruneIdle drops destinations with no activity for maxIdle. Run periodically
// by the janitor so long-dead channels don't pin memory between sends.
func (w *RateLimitWindow) PruneIdle(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	removed := 0
	for k, e := range w.dests {
		if e == nil || now.Sub(e.lastActivity) > maxIdle {
			delete(w.dests, k)
			removed++
		}
	}
	return removed
}

func (w *RateLimitWindow) pruneLocked(e *rateEntry, now time.Time) {
	cutoff := now.Add(-w.cfg.Window)
	i := 0
	for i < len(e.timestamps) && e.timestamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		e.timestamps = append(e.timestamps[:0], e.timestamps[i:]...)
	}
}

// evictLocked enforces the destination cap, dropping the entries that have
// been quiet the longest.
func (w *RateLimitWindow) evictLocked(now time.Time) {
	max := w.cfg.MaxTrackedDestinations
	for len(w.dests) > max {
		var (
			oldestKey string
			oldestAt  time.Time
			found     bool
		)
		for k, e := range w.dests {
			at := now
			if e != nil {
				at = e.lastActivity
			}
			if !found || at.Before(oldestAt) {
				oldestKey, oldestAt, found = k, at, true
			}
		}
		if !found {
			return
		}
		delete(w.dests, oldestKey)
	}
}
