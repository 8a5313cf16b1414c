package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "chatgate/pkg/logx"
)

func openTestStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "store")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if st == nil {
		t.Fatal("Open returned nil store for file driver")
	}
	return st
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", "  None "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil {
			t.Fatalf("Open(%q): %v", driver, err)
		}
		if st != nil {
			t.Fatalf("Open(%q) returned a store", driver)
		}
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver accepted")
	}
}

func TestFileDedupRoundtrip(t *testing.T) {
	t.Parallel()
	st := openTestStore(t, t.TempDir())
	defer st.Close()
	ctx := context.Background()

	until := time.Now().Add(time.Hour)
	if err := st.PutDedup(ctx, "chan\x00ev-1", until); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}

	got, ok, err := st.GetDedup(ctx, "chan\x00ev-1")
	if err != nil || !ok {
		t.Fatalf("GetDedup: %v %v", ok, err)
	}
	// File backend stores unix millis.
	if got.UnixMilli() != until.UnixMilli() {
		t.Fatalf("until = %v, want %v", got, until)
	}

	if _, ok, err := st.GetDedup(ctx, "missing"); err != nil || ok {
		t.Fatalf("missing key: %v %v", ok, err)
	}
}

func TestFileDedupSurvivesReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	st := openTestStore(t, dir)
	until := time.Now().Add(time.Hour)
	if err := st.PutDedup(ctx, "k1", until); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	if err := st.PutDedup(ctx, "expired", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("PutDedup: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st = openTestStore(t, dir)
	defer st.Close()

	if _, ok, err := st.GetDedup(ctx, "k1"); err != nil || !ok {
		t.Fatalf("k1 lost across reopen: %v %v", ok, err)
	}
	// Expired records are dropped on load.
	if _, ok, _ := st.GetDedup(ctx, "expired"); ok {
		t.Fatal("expired record survived reopen")
	}
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if len(sc.Bytes()) > 0 {
			n++
		}
	}
	return n
}

func TestFileDeliveryAppendAndPrune(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st := openTestStore(t, dir)
	defer st.Close()
	ctx := context.Background()

	now := time.Now()
	old := DeliveryEntry{At: now.Add(-48 * time.Hour), Platform: "telegram", Destination: "100", Status: "sent", Attempts: 1}
	fresh := DeliveryEntry{At: now, Platform: "slack", Destination: "C123", Status: "failed", Attempts: 4, Error: "permission: not in channel"}
	for _, e := range []DeliveryEntry{old, fresh} {
		if err := st.AppendDelivery(ctx, e); err != nil {
			t.Fatalf("AppendDelivery: %v", err)
		}
	}

	path := filepath.Join(dir, "store.deliveries.jsonl")
	if got := countLines(t, path); got != 2 {
		t.Fatalf("delivery lines = %d, want 2", got)
	}

	removed, err := st.PruneDeliveries(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneDeliveries: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if got := countLines(t, path); got != 1 {
		t.Fatalf("delivery lines after prune = %d, want 1", got)
	}

	// The surviving line is the fresh one, and the log still accepts appends.
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var rec struct {
		Platform string `json:"platform"`
		Status   string `json:"status"`
	}
	if err := json.Unmarshal(b, &rec); err != nil {
		t.Fatalf("surviving line not valid JSON: %v", err)
	}
	if rec.Platform != "slack" || rec.Status != "failed" {
		t.Fatalf("surviving record = %+v", rec)
	}

	if err := st.AppendDelivery(ctx, fresh); err != nil {
		t.Fatalf("append after prune: %v", err)
	}
	if got := countLines(t, path); got != 2 {
		t.Fatalf("delivery lines after re-append = %d, want 2", got)
	}
}

func TestFileCompaction(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	st := openTestStore(t, dir)
	defer st.Close()
	ctx := context.Background()

	until := time.Now().Add(time.Hour)
	// Enough writes to cross the compaction threshold at least once.
	for i := 0; i < 1100; i++ {
		key := "k" + string(rune('a'+i%26)) + "-" + time.Now().Format("150405.000000000")
		if err := st.PutDedup(ctx, key, until); err != nil {
			t.Fatalf("PutDedup: %v", err)
		}
	}

	snap := filepath.Join(dir, "store.dedup.snapshot.json")
	if _, err := os.Stat(snap); err != nil {
		t.Fatalf("snapshot not written: %v", err)
	}
}
