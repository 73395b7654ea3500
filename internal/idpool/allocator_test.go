package idpool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/fenilsonani/mailpull/internal/logging"
	"github.com/fenilsonani/mailpull/internal/metrics"
	"github.com/fenilsonani/mailpull/internal/storage"
	"github.com/fenilsonani/mailpull/internal/storage/metadata"
)

func setupAllocator(t *testing.T) (*Allocator, *metadata.DB) {
	t.Helper()

	db, err := metadata.OpenAndMigrate(context.Background(), filepath.Join(t.TempDir(), ".sync.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return New(db, logging.Discard()), db
}

func smallWords() *WordLists {
	return &WordLists{
		Adjectives: []string{"cold", "blue"},
		Nouns:      []string{"lamp", "frog"},
	}
}

func TestInit_Idempotent(t *testing.T) {
	ctx := context.Background()
	a, _ := setupAllocator(t)

	n, err := a.Init(ctx, smallWords())
	if err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if n != 4 {
		t.Errorf("Init considered %d ids, want 4", n)
	}

	if _, err := a.Init(ctx, smallWords()); err != nil {
		t.Fatalf("second Init failed: %v", err)
	}

	stats, err := a.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats != (storage.PoolStats{Free: 4, Used: 0, Total: 4}) {
		t.Errorf("Stats = %+v", stats)
	}
	if got := testutil.ToFloat64(metrics.IDPoolFree); got != 4 {
		t.Errorf("IDPoolFree = %v, want 4", got)
	}
}

func TestEnsureSeeded(t *testing.T) {
	ctx := context.Background()
	a, _ := setupAllocator(t)

	seeded, err := a.EnsureSeeded(ctx)
	if err != nil {
		t.Fatalf("EnsureSeeded failed: %v", err)
	}
	if !seeded {
		t.Fatal("Expected an empty pool to be seeded")
	}

	words, err := Embedded()
	if err != nil {
		t.Fatalf("Embedded failed: %v", err)
	}
	stats, _ := a.Stats(ctx)
	if stats.Total != words.Size() {
		t.Errorf("Total = %d, want %d", stats.Total, words.Size())
	}

	seeded, err = a.EnsureSeeded(ctx)
	if err != nil {
		t.Fatalf("EnsureSeeded failed: %v", err)
	}
	if seeded {
		t.Error("A populated pool should not be reseeded")
	}
}

func TestAllocate_Exhaustion(t *testing.T) {
	ctx := context.Background()
	a, _ := setupAllocator(t)

	if _, err := a.Init(ctx, smallWords()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	seen := make(map[string]bool)
	for i, remote := range []string{"R1", "R2", "R3", "R4"} {
		id, err := a.Allocate(ctx, remote)
		if err != nil {
			t.Fatalf("Allocate %d failed: %v", i, err)
		}
		if seen[id] {
			t.Fatalf("id %s allocated twice", id)
		}
		seen[id] = true
	}

	before := testutil.ToFloat64(metrics.IDPoolExhausted)
	_, err := a.Allocate(ctx, "R5")
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("Allocate on full pool = %v, want ErrPoolExhausted", err)
	}
	if got := testutil.ToFloat64(metrics.IDPoolExhausted); got != before+1 {
		t.Errorf("IDPoolExhausted = %v, want %v", got, before+1)
	}

	freed, _, err := a.Lookup(ctx, "R2")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	ok, err := a.Free(ctx, freed)
	if err != nil || !ok {
		t.Fatalf("Free = %v, %v", ok, err)
	}

	id, err := a.Allocate(ctx, "R5")
	if err != nil {
		t.Fatalf("Allocate after free failed: %v", err)
	}
	if id != freed {
		t.Errorf("Allocate = %s, want the freed id %s", id, freed)
	}
	if _, err := a.Allocate(ctx, "R6"); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("Expected pool exhausted again, got %v", err)
	}
}

func TestResolveAndLookup(t *testing.T) {
	ctx := context.Background()
	a, _ := setupAllocator(t)
	a.Init(ctx, smallWords())

	id, err := a.Allocate(ctx, "R1")
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}

	remote, ok, err := a.Resolve(ctx, id)
	if err != nil || !ok || remote != "R1" {
		t.Errorf("Resolve(%s) = %q, %v, %v", id, remote, ok, err)
	}
	got, ok, err := a.Lookup(ctx, "R1")
	if err != nil || !ok || got != id {
		t.Errorf("Lookup(R1) = %q, %v, %v", got, ok, err)
	}

	if _, ok, _ := a.Resolve(ctx, "warm-sock"); ok {
		t.Error("Resolve of unknown id should not be found")
	}
	if _, ok, _ := a.Lookup(ctx, "R404"); ok {
		t.Error("Lookup of unknown remote id should not be found")
	}

	used, err := a.Used(ctx)
	if err != nil {
		t.Fatalf("Used failed: %v", err)
	}
	if len(used) != 1 || used[0].ShortID != id || used[0].MessageRemoteID != "R1" {
		t.Errorf("Used = %+v", used)
	}
}

func TestFree_Unknown(t *testing.T) {
	a, _ := setupAllocator(t)

	ok, err := a.Free(context.Background(), "warm-sock")
	if err != nil {
		t.Fatalf("Free failed: %v", err)
	}
	if ok {
		t.Error("Free of unknown id should report false")
	}
}

func TestReap(t *testing.T) {
	ctx := context.Background()
	a, db := setupAllocator(t)
	a.Init(ctx, smallWords())

	kept, _ := a.Allocate(ctx, "R1")
	stuck, _ := a.Allocate(ctx, "R2")

	rec := &storage.SyncRecord{
		LocalID:  kept,
		RemoteID: "R1",
		Folder:   "inbox",
		SyncedAt: storage.Timestamp(time.Now()),
	}
	if err := db.UpsertMessage(ctx, rec); err != nil {
		t.Fatalf("UpsertMessage failed: %v", err)
	}

	// Nothing is older than an hour yet
	freed, err := a.Reap(ctx, time.Hour)
	if err != nil {
		t.Fatalf("Reap failed: %v", err)
	}
	if len(freed) != 0 {
		t.Errorf("Reap(1h) freed %v, want none", freed)
	}

	freed, err = a.Reap(ctx, -time.Minute)
	if err != nil {
		t.Fatalf("Reap failed: %v", err)
	}
	if len(freed) != 1 || freed[0] != stuck {
		t.Errorf("Reap freed %v, want [%s]", freed, stuck)
	}

	stats, _ := a.Stats(ctx)
	if stats.Used != 1 || stats.Free != 3 {
		t.Errorf("Stats after reap = %+v", stats)
	}
}

func TestEmbeddedWordLists(t *testing.T) {
	words, err := Embedded()
	if err != nil {
		t.Fatalf("Embedded failed: %v", err)
	}
	if len(words.Adjectives) < 50 || len(words.Nouns) < 50 {
		t.Errorf("embedded lists too small: %d adjectives, %d nouns", len(words.Adjectives), len(words.Nouns))
	}
	for _, w := range append(words.Adjectives, words.Nouns...) {
		if w == "" {
			t.Fatal("embedded list contains an empty word")
		}
	}
}

func TestLoadWordLists(t *testing.T) {
	dir := t.TempDir()

	good := filepath.Join(dir, "words.yaml")
	os.WriteFile(good, []byte("adjectives: [swift, calm]\nnouns: [swift, otter]\n"), 0600)

	words, err := LoadWordLists(good)
	if err != nil {
		t.Fatalf("LoadWordLists failed: %v", err)
	}
	if words.Size() != 3 {
		t.Errorf("Size = %d, want 3 (swift-swift excluded)", words.Size())
	}

	empty := filepath.Join(dir, "empty.yaml")
	os.WriteFile(empty, []byte("adjectives: [swift]\n"), 0600)
	if _, err := LoadWordLists(empty); err == nil {
		t.Error("Expected error for missing nouns")
	}

	if _, err := LoadWordLists(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}
