package gateway

import (
	"fmt"
	"testing"
	"time"
)

func TestAdmitUnknownDestination(t *testing.T) {
	t.Parallel()
	w := NewRateLimitWindow(RateLimitConfig{})
	if wait := w.Admit("chan-1"); wait != 0 {
		t.Fatalf("Admit on unknown destination = %v, want 0", wait)
	}
	if w.Len() != 0 {
		t.Fatalf("Admit must not create an entry; Len = %d", w.Len())
	}
}

func TestAdmitUnderLimit(t *testing.T) {
	t.Parallel()
	w := NewRateLimitWindow(RateLimitConfig{MaxPerWindow: 3, Window: time.Minute})
	w.RecordSend("c")
	w.RecordSend("c")
	if wait := w.Admit("c"); wait != 0 {
		t.Fatalf("Admit under limit = %v, want 0", wait)
	}
}

func TestAdmitAtLimit(t *testing.T) {
	t.Parallel()
	w := NewRateLimitWindow(RateLimitConfig{MaxPerWindow: 2, Window: time.Minute, Buffer: 100 * time.Millisecond})
	w.RecordSend("c")
	w.RecordSend("c")

	wait := w.Admit("c")
	if wait <= 0 {
		t.Fatalf("Admit at limit = %v, want > 0", wait)
	}
	// Wait is bounded by window + buffer.
	if wait > time.Minute+100*time.Millisecond {
		t.Fatalf("Admit wait %v exceeds window + buffer", wait)
	}
}

func TestAdmitAfterWindowRolls(t *testing.T) {
	t.Parallel()
	w := NewRateLimitWindow(RateLimitConfig{MaxPerWindow: 2, Window: 80 * time.Millisecond, Buffer: time.Millisecond})
	w.RecordSend("c")
	w.RecordSend("c")
	if wait := w.Admit("c"); wait <= 0 {
		t.Fatalf("expected wait at limit, got %v", wait)
	}

	time.Sleep(120 * time.Millisecond)
	if wait := w.Admit("c"); wait != 0 {
		t.Fatalf("Admit after window rolled = %v, want 0", wait)
	}
}

func TestAdmitWaitFloor(t *testing.T) {
	t.Parallel()
	// Window nearly expired: computed wait would be tiny, the floor applies.
	w := NewRateLimitWindow(RateLimitConfig{MaxPerWindow: 1, Window: 60 * time.Millisecond, Buffer: time.Millisecond})
	w.RecordSend("c")
	time.Sleep(50 * time.Millisecond)

	wait := w.Admit("c")
	if wait != 0 && wait < minAdmitWait {
		t.Fatalf("non-zero wait %v below floor %v", wait, minAdmitWait)
	}
}

func TestDestinationEvictionBound(t *testing.T) {
	t.Parallel()
	w := NewRateLimitWindow(RateLimitConfig{MaxTrackedDestinations: 10})
	for i := 0; i < 25; i++ {
		w.RecordSend(fmt.Sprintf("chan-%d", i))
	}
	if got := w.Len(); got > 10 {
		t.Fatalf("tracked destinations = %d, want <= 10", got)
	}
	// The most recent destination must have survived eviction.
	w.mu.Lock()
	_, ok := w.dests["chan-24"]
	w.mu.Unlock()
	if !ok {
		t.Fatal("most recent destination was evicted")
	}
}

func TestTimestampHistoryBound(t *testing.T) {
	t.Parallel()
	w := NewRateLimitWindow(RateLimitConfig{MaxPerWindow: 100, Window: time.Hour, MaxTimestampsPerDestination: 5})
	for i := 0; i < 20; i++ {
		w.RecordSend("c")
	}
	w.mu.Lock()
	n := len(w.dests["c"].timestamps)
	w.mu.Unlock()
	if n > 5 {
		t.Fatalf("timestamp history = %d, want <= 5", n)
	}
}

func TestPruneIdle(t *testing.T) {
	t.Parallel()
	w := NewRateLimitWindow(RateLimitConfig{})
	w.RecordSend("a")
	w.RecordSend("b")
	time.Sleep(20 * time.Millisecond)

	if removed := w.PruneIdle(time.Hour); removed != 0 {
		t.Fatalf("PruneIdle removed %d fresh entries", removed)
	}
	if removed := w.PruneIdle(time.Millisecond); removed != 2 {
		t.Fatalf("PruneIdle removed %d, want 2", removed)
	}
	if w.Len() != 0 {
		t.Fatalf("Len after prune = %d, want 0", w.Len())
	}
}

func TestApplyKeepsHistory(t *testing.T) {
	t.Parallel()
	w := NewRateLimitWindow(RateLimitConfig{MaxPerWindow: 1, Window: time.Minute})
	w.RecordSend("c")
	if wait := w.Admit("c"); wait <= 0 {
		t.Fatalf("expected wait before Apply, got %v", wait)
	}

	w.Apply(RateLimitConfig{MaxPerWindow: 5, Window: time.Minute})
	if wait := w.Admit("c"); wait != 0 {
		t.Fatalf("Admit after raising limit = %v, want 0", wait)
	}
}
