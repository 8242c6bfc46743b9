package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/denizumutdereli/scenelink/pkg/concurrency"
	"github.com/denizumutdereli/scenelink/pkg/core"
	"github.com/denizumutdereli/scenelink/pkg/journal"
	"github.com/denizumutdereli/scenelink/pkg/persistence"
	"github.com/denizumutdereli/scenelink/pkg/preset"
	"github.com/denizumutdereli/scenelink/pkg/protocol"
	"github.com/denizumutdereli/scenelink/pkg/scene/memscene"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func setupTestDaemon(t *testing.T, mutate func(*Options)) (*DaemonManager, *memscene.World, *persistence.Store) {
	t.Helper()
	store, err := persistence.NewStore(t.TempDir(), true)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	store.SetFsync(false)

	w := memscene.New()
	memscene.Seed(w)

	loop := concurrency.NewHostLoop(context.Background(), 5*time.Millisecond, 16, nil)
	t.Cleanup(loop.Stop)

	opts := Options{World: w, Store: store, SnapshotInterval: time.Hour}
	if mutate != nil {
		mutate(&opts)
	}
	return NewDaemonManager(loop, opts, nil), w, store
}

func TestFlushSnapshotSkipsUnchangedWorld(t *testing.T) {
	dm, w, store := setupTestDaemon(t, nil)

	if !dm.FlushSnapshot() {
		t.Fatal("first flush should write")
	}
	if dm.FlushSnapshot() {
		t.Fatal("unchanged world should not be written again")
	}

	a, _ := w.FindActor("Cube1", core.MatchExact)
	w.SetLocation(a, core.Vec3{X: 7})
	if !dm.FlushSnapshot() {
		t.Fatal("changed world should be written")
	}

	snap, err := store.Load(WorldSnapshot)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.Version != w.Version() {
		t.Fatalf("stored version %d, world at %d", snap.Version, w.Version())
	}

	stats := dm.Stats()
	if stats["flushes"].(uint64) != 2 || stats["skipped"].(uint64) != 1 {
		t.Fatalf("unexpected stats: %v", stats)
	}
}

func TestFlushWorksAfterLoopStopped(t *testing.T) {
	dm, _, store := setupTestDaemon(t, nil)
	dm.loop.Stop()

	if !dm.FlushSnapshot() {
		t.Fatal("flush should fall back to a direct snapshot")
	}
	if !store.Exists(WorldSnapshot) {
		t.Fatal("snapshot file missing")
	}
}

func TestDaemonManagerStartStop(t *testing.T) {
	dm, w, store := setupTestDaemon(t, func(o *Options) { o.SnapshotInterval = 10 * time.Millisecond })
	dm.Start()

	a, _ := w.FindActor("Cube1", core.MatchExact)
	w.SetLocation(a, core.Vec3{Y: 3})

	deadline := time.Now().Add(3 * time.Second)
	for {
		if v, ok := store.LastVersion(WorldSnapshot); ok && v == w.Version() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("periodic snapshot never happened")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Stop should complete without deadlock
	done := make(chan struct{})
	go func() {
		dm.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop should complete within timeout")
	}
}

func TestStopWritesFinalSnapshot(t *testing.T) {
	dm, w, store := setupTestDaemon(t, nil)
	dm.Start()

	a, _ := w.FindActor("Chair_01", core.MatchExact)
	w.SetScale(a, core.Vec3{X: 2, Y: 2, Z: 2})
	dm.Stop()

	snap, err := store.Load(WorldSnapshot)
	if err != nil {
		t.Fatalf("final snapshot missing: %v", err)
	}
	if snap.Version != w.Version() {
		t.Fatalf("final snapshot at %d, world at %d", snap.Version, w.Version())
	}
}

func TestWatchDaemonIndexesPresets(t *testing.T) {
	w := memscene.New()
	memscene.Seed(w)
	dir := filepath.Join(t.TempDir(), "ScenePresets")
	codec := preset.NewCodec(dir, w, nil)
	if _, _, err := codec.Save("lobby"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cat := preset.NewCatalog(dir, nil)
	dm := NewDaemonManager(nil, Options{Catalog: cat}, nil)
	dm.Start()
	defer dm.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for {
		if e, ok := cat.Get("lobby"); ok && e.Valid {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("catalog never indexed the preset")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPruneDaemonBoundsJournal(t *testing.T) {
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		j.Record(ctx, protocol.Entry{Server: "editor", Verb: "GET_SCALE", Line: "GET_SCALE Cube1", OK: true, At: time.Now()})
	}

	dm := NewDaemonManager(nil, Options{Journal: j, JournalKeep: 3, PruneInterval: 10 * time.Millisecond}, nil)
	dm.Start()

	deadline := time.Now().Add(3 * time.Second)
	for {
		n, err := j.Count(ctx)
		if err != nil {
			t.Fatalf("Count: %v", err)
		}
		if n == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("journal still holds %d rows", n)
		}
		time.Sleep(10 * time.Millisecond)
	}
	dm.Stop()

	if dm.Stats()["pruned"].(int64) != 7 {
		t.Fatalf("pruned = %v, want 7", dm.Stats()["pruned"])
	}
}

func TestDaemonManagerSetIntervals(t *testing.T) {
	dm, _, _ := setupTestDaemon(t, nil)
	dm.SetIntervals(10*time.Second, 0)

	stats := dm.Stats()
	if stats["snapshot_interval"] != "10s" {
		t.Fatalf("snapshot_interval = %v", stats["snapshot_interval"])
	}
	if stats["prune_interval"] != "10m0s" {
		t.Fatalf("prune_interval should keep its default, got %v", stats["prune_interval"])
	}
}
