// Package daemon runs the background workers of scenelinkd: the world
// snapshot flusher, the preset directory watcher and the journal pruner.
package daemon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/denizumutdereli/scenelink/pkg/concurrency"
	"github.com/denizumutdereli/scenelink/pkg/journal"
	"github.com/denizumutdereli/scenelink/pkg/persistence"
	"github.com/denizumutdereli/scenelink/pkg/preset"
	"github.com/denizumutdereli/scenelink/pkg/scene/memscene"
)

// WorldSnapshot is the snapshot name of the live world.
const WorldSnapshot = "world"

// Snapshotter is the world the flusher persists.
type Snapshotter interface {
	Snapshot() *memscene.Snapshot
	Version() uint64
}

// Options selects the workers to run. Nil dependencies disable theirs.
type Options struct {
	World            Snapshotter
	Store            *persistence.Store
	SnapshotInterval time.Duration

	Catalog *preset.Catalog

	Journal       *journal.Journal
	JournalKeep   int
	PruneInterval time.Duration
}

// DaemonManager manages all background daemons
type DaemonManager struct {
	loop *concurrency.HostLoop
	opts Options

	intervalMu sync.RWMutex

	// Stats
	statsMu   sync.Mutex
	flushes   uint64
	skipped   uint64
	failures  uint64
	pruned    int64
	lastFlush time.Time

	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDaemonManager creates a new daemon manager. Snapshots are captured
// on loop so they never interleave with a command.
func NewDaemonManager(loop *concurrency.HostLoop, opts Options, logger *zap.Logger) *DaemonManager {
	if opts.SnapshotInterval <= 0 {
		opts.SnapshotInterval = 30 * time.Second
	}
	if opts.PruneInterval <= 0 {
		opts.PruneInterval = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &DaemonManager{
		loop:   loop,
		opts:   opts,
		logger: logger.With(zap.String("component", "daemon")),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start starts the configured daemons.
func (dm *DaemonManager) Start() {
	if dm.opts.World != nil && dm.opts.Store != nil {
		dm.wg.Add(1)
		go dm.snapshotDaemon()
	}
	if dm.opts.Catalog != nil {
		dm.wg.Add(1)
		go dm.watchDaemon()
	}
	if dm.opts.Journal != nil && dm.opts.JournalKeep > 0 {
		dm.wg.Add(1)
		go dm.pruneDaemon()
	}
	dm.logger.Info("daemon manager started")
}

// Stop stops all daemons and writes a final snapshot.
func (dm *DaemonManager) Stop() {
	dm.cancel()
	dm.wg.Wait()
	dm.logger.Info("daemon manager stopped")
}

// snapshotDaemon persists the world whenever its version moved.
func (dm *DaemonManager) snapshotDaemon() {
	defer dm.wg.Done()

	for dm.waitInterval(dm.getSnapshotInterval()) {
		dm.FlushSnapshot()
	}

	// Final flush on shutdown
	dm.FlushSnapshot()
}

// FlushSnapshot saves the world if it changed since the last save and
// reports whether a file was written.
func (dm *DaemonManager) FlushSnapshot() bool {
	snap := dm.capture()
	if snap == nil {
		return false
	}
	if last, ok := dm.opts.Store.LastVersion(WorldSnapshot); ok && last == snap.Version {
		dm.statsMu.Lock()
		dm.skipped++
		dm.statsMu.Unlock()
		return false
	}
	if err := dm.opts.Store.Save(WorldSnapshot, snap); err != nil {
		dm.statsMu.Lock()
		dm.failures++
		dm.statsMu.Unlock()
		dm.logger.Error("snapshot save failed", zap.Error(err))
		return false
	}

	dm.statsMu.Lock()
	dm.flushes++
	dm.lastFlush = time.Now()
	dm.statsMu.Unlock()
	dm.logger.Debug("world snapshot saved", zap.Uint64("version", snap.Version))
	return true
}

// capture snapshots on the host loop, or directly once the loop is gone.
func (dm *DaemonManager) capture() *memscene.Snapshot {
	if dm.loop != nil {
		v, err := dm.loop.Do(concurrency.OpSnapshot, func() (any, error) {
			return dm.opts.World.Snapshot(), nil
		})
		if err == nil {
			if snap, ok := v.(*memscene.Snapshot); ok {
				return snap
			}
		}
	}
	return dm.opts.World.Snapshot()
}

// watchDaemon keeps the preset catalog in sync with the directory.
func (dm *DaemonManager) watchDaemon() {
	defer dm.wg.Done()

	for {
		err := dm.opts.Catalog.Watch(dm.ctx)
		if err == nil {
			return
		}
		dm.logger.Warn("preset watcher stopped", zap.Error(err))
		if !dm.waitInterval(5 * time.Second) {
			return
		}
	}
}

// pruneDaemon bounds the journal to the newest rows.
func (dm *DaemonManager) pruneDaemon() {
	defer dm.wg.Done()

	for dm.waitInterval(dm.getPruneInterval()) {
		n, err := dm.opts.Journal.Prune(dm.ctx, dm.opts.JournalKeep)
		if err != nil {
			if dm.ctx.Err() == nil {
				dm.logger.Warn("journal prune failed", zap.Error(err))
			}
			continue
		}
		if n > 0 {
			dm.statsMu.Lock()
			dm.pruned += n
			dm.statsMu.Unlock()
			dm.logger.Debug("journal pruned", zap.Int64("rows", n))
		}
	}
}

func (dm *DaemonManager) waitInterval(interval time.Duration) bool {
	timer := time.NewTimer(interval)
	defer timer.Stop()
	select {
	case <-dm.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (dm *DaemonManager) getSnapshotInterval() time.Duration {
	dm.intervalMu.RLock()
	defer dm.intervalMu.RUnlock()
	return dm.opts.SnapshotInterval
}

func (dm *DaemonManager) getPruneInterval() time.Duration {
	dm.intervalMu.RLock()
	defer dm.intervalMu.RUnlock()
	return dm.opts.PruneInterval
}

// SetIntervals configures daemon intervals. Non-positive values are ignored.
func (dm *DaemonManager) SetIntervals(snapshot, prune time.Duration) {
	dm.intervalMu.Lock()
	defer dm.intervalMu.Unlock()
	if snapshot > 0 {
		dm.opts.SnapshotInterval = snapshot
	}
	if prune > 0 {
		dm.opts.PruneInterval = prune
	}
}

// Stats returns daemon statistics
func (dm *DaemonManager) Stats() map[string]any {
	dm.intervalMu.RLock()
	out := map[string]any{
		"snapshot_interval": dm.opts.SnapshotInterval.String(),
		"prune_interval":    dm.opts.PruneInterval.String(),
	}
	dm.intervalMu.RUnlock()

	dm.statsMu.Lock()
	out["flushes"] = dm.flushes
	out["skipped"] = dm.skipped
	out["failures"] = dm.failures
	out["pruned"] = dm.pruned
	out["last_flush"] = dm.lastFlush
	dm.statsMu.Unlock()
	return out
}
