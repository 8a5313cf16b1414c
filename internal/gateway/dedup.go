package gateway

import (
	"context"
	"sync"
	"time"
)

// DedupConfig bounds the inbound-event dedup cache.
type DedupConfig struct {
	Retention  time.Duration
	MaxEntries int
	// Persist mirrors dedup records through the store so redelivery across a
	// process restart is still suppressed.
	Persist bool
}

func (c DedupConfig) withDefaults() DedupConfig {
	if c.Retention <= 0 {
		c.Retention = 10 * time.Minute
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 5000
	}
	return c
}

// DedupStore is the narrow persistence surface the tracker needs. The storage
// package's Store satisfies it.
type DedupStore interface {
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	PutDedup(ctx context.Context, key string, until time.Time) error
}

type dedupWrite struct {
	key   string
	until time.Time
}

// DedupTracker records (channelKey, eventID) pairs so redelivered events can
// be discarded. Upstream transports (Slack Socket Mode, the Discord gateway)
// are documented to redeliver events on reconnect; without this the same
// message would be answered more than once.
//
// It is safe for concurrent use.
type DedupTracker struct {
	mu      sync.Mutex
	cfg     DedupConfig
	seen    map[string]time.Time // key -> seenAt
	deleted map[string]time.Time // delete notifications, same retention

	store     DedupStore
	persistCh chan dedupWrite
}

func NewDedupTracker(cfg DedupConfig, store DedupStore) *DedupTracker {
	cfg = cfg.withDefaults()
	t := &DedupTracker{
		cfg:     cfg,
		seen:    map[string]time.Time{},
		deleted: map[string]time.Time{},
		store:   store,
	}
	if cfg.Persist && store != nil {
		t.persistCh = make(chan dedupWrite, 1024)
	}
	return t
}

func (t *DedupTracker) Apply(cfg DedupConfig) {
	t.mu.Lock()
	t.cfg = cfg.withDefaults()
	t.mu.Unlock()
}

func dedupPairKey(channelKey, eventID string) string {
	return channelKey + "\x00" + eventID
}

// IsDuplicate reports whether (channelKey, eventID) has been seen before (or
// was deleted). The first call for a pair records it and returns false; every
// later call before eviction returns true.
func (t *DedupTracker) IsDuplicate(ctx context.Context, channelKey, eventID string) bool {
	if eventID == "" {
		return false
	}
	key := dedupPairKey(channelKey, eventID)
	now := time.Now()

	t.mu.Lock()
	cfg := t.cfg
	if at, ok := t.deleted[key]; ok && now.Sub(at) < cfg.Retention {
		t.mu.Unlock()
		return true
	}
	if at, ok := t.seen[key]; ok && now.Sub(at) < cfg.Retention {
		t.mu.Unlock()
		return true
	}
	// Claim the pair before releasing the lock: a concurrent delivery of the
	// same event must see it as already recorded, store lookup still pending.
	t.seen[key] = now
	t.purgeLocked(now)
	persist := cfg.Persist
	st := t.store
	t.mu.Unlock()

	// Persistent check (best-effort): suppress redelivery across restarts.
	// Keep the lookup tight; a slow store must not stall the event pump.
	if persist && st != nil {
		cctx, cancel := context.WithTimeout(orBackground(ctx), 25*time.Millisecond)
		until, ok, err := st.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			return true
		}
	}

	if persist && st != nil && t.persistCh != nil {
		select {
		case t.persistCh <- dedupWrite{key: key, until: now.Add(cfg.Retention)}:
		default:
		}
	}
	return false
}

// MarkDeleted records a provider delete notification so late-arriving
// duplicates or edits of the deleted message are suppressed.
func (t *DedupTracker) MarkDeleted(channelKey, eventID string) {
	if eventID == "" {
		return
	}
	key := dedupPairKey(channelKey, eventID)
	now := time.Now()
	t.mu.Lock()
	t.deleted[key] = now
	t.purgeLocked(now)
	t.mu.Unlock()
}

// Len reports tracked seen entries (deleted set excluded).
func (t *DedupTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}

// PurgeExpired drops entries past retention. The same purge runs amortized on
// insert; the janitor calls this so an idle gateway drains too.
func (t *DedupTracker) PurgeExpired() int {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	before := len(t.seen) + len(t.deleted)
	t.purgeLocked(now)
	return before - len(t.seen) - len(t.deleted)
}

// Run drains best-effort persistent dedup writes. Started under the gateway
// supervisor when persistence is enabled.
func (t *DedupTracker) Run(ctx context.Context) {
	ch := t.persistCh
	if ch == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			st := t.store
			if st == nil {
				continue
			}
			cctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
			_ = st.PutDedup(cctx, w.key, w.until)
			cancel()
		}
	}
}

func (t *DedupTracker) purgeLocked(now time.Time) {
	cfg := t.cfg
	for k, at := range t.seen {
		if now.Sub(at) >= cfg.Retention {
			delete(t.seen, k)
		}
	}
	for k, at := range t.deleted {
		if now.Sub(at) >= cfg.Retention {
			delete(t.deleted, k)
		}
	}
	// Still over cap after TTL purge: evict oldest-first.
	evictOldest(t.seen, cfg.MaxEntries)
	evictOldest(t.deleted, cfg.MaxEntries)
}

func evictOldest(m map[string]time.Time, max int) {
	for len(m) > max {
		var (
			minKey string
			minAt  time.Time
			found  bool
		)
		for k, at := range m {
			if !found || at.Before(minAt) {
				minKey, minAt, found = k, at, true
			}
		}
		if !found {
			return
		}
		delete(m, minKey)
	}
}

func orBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
