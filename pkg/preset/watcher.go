package preset

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Entry describes one preset file on disk.
type Entry struct {
	Name    string    `json:"name"`
	Actors  int       `json:"actors"`
	Valid   bool      `json:"valid"`
	Error   string    `json:"error,omitempty"`
	ModTime time.Time `json:"mod_time"`
}

// Catalog keeps an index of the presets directory, refreshed from
// filesystem events while Watch runs.
type Catalog struct {
	dir    string
	logger *zap.Logger

	mu       sync.RWMutex
	entries  map[string]Entry
	events   int
	onChange func(name string, removed bool)
}

// NewCatalog creates a catalog for dir.
func NewCatalog(dir string, logger *zap.Logger) *Catalog {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Catalog{dir: dir, logger: logger, entries: make(map[string]Entry)}
}

// OnChange registers a callback run after a preset is indexed or removed.
func (c *Catalog) OnChange(fn func(name string, removed bool)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Rescan rebuilds the index from the directory contents.
func (c *Catalog) Rescan() error {
	files, err := os.ReadDir(c.dir)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	fresh := make(map[string]Entry, len(files))
	for _, f := range files {
		if f.IsDir() || filepath.Ext(f.Name()) != fileExt {
			continue
		}
		e := c.inspect(filepath.Join(c.dir, f.Name()))
		fresh[e.Name] = e
	}
	c.mu.Lock()
	c.entries = fresh
	c.mu.Unlock()
	return nil
}

// Entries returns the indexed presets sorted by name.
func (c *Catalog) Entries() []Entry {
	c.mu.RLock()
	out := make([]Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns one indexed preset.
func (c *Catalog) Get(name string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	return e, ok
}

// Stats returns watcher counters.
func (c *Catalog) Stats() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return map[string]any{
		"dir":     c.dir,
		"presets": len(c.entries),
		"events":  c.events,
	}
}

func (c *Catalog) inspect(path string) Entry {
	name := strings.TrimSuffix(filepath.Base(path), fileExt)
	e := Entry{Name: name}
	if info, err := os.Stat(path); err == nil {
		e.ModTime = info.ModTime()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		e.Error = err.Error()
		return e
	}
	doc, err := Decode(data)
	if err != nil {
		e.Error = err.Error()
		return e
	}
	e.Valid = true
	e.Actors = len(doc.Actors)
	return e
}

// Watch indexes the directory and follows changes until ctx is done.
// The directory is created if missing.
func (c *Catalog) Watch(ctx context.Context) error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(c.dir); err != nil {
		return err
	}
	if err := c.Rescan(); err != nil {
		c.logger.Warn("preset rescan failed", zap.Error(err))
	}
	c.logger.Info("watching presets", zap.String("dir", c.dir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			c.handle(ev)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn("preset watcher error", zap.Error(err))
		}
	}
}

func (c *Catalog) handle(ev fsnotify.Event) {
	if filepath.Ext(ev.Name) != fileExt {
		return
	}
	name := strings.TrimSuffix(filepath.Base(ev.Name), fileExt)

	var removed bool
	switch {
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		if _, err := os.Stat(ev.Name); err == nil {
			return
		}
		removed = true
	case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
	default:
		return
	}

	c.mu.Lock()
	c.events++
	if removed {
		delete(c.entries, name)
	} else {
		c.entries[name] = c.inspect(ev.Name)
	}
	fn := c.onChange
	c.mu.Unlock()

	c.logger.Debug("preset changed", zap.String("preset", name), zap.Bool("removed", removed))
	if fn != nil {
		fn(name, removed)
	}
}
