// Package registry tracks the connection managers running in the process
// and publishes a manifest so clients can discover their ports.
package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ManifestFile is the manifest name under the data directory.
const ManifestFile = "servers.json"

var (
	// ErrAlreadyRegistered is returned when a name or port is held by a
	// different server instance.
	ErrAlreadyRegistered = errors.New("server already registered")
	ErrNotRegistered     = errors.New("server not registered")
)

// Server is what the registry needs from a connection manager.
type Server interface {
	Name() string
	Addr() string
	InstanceID() string
	BlockedMode() string
	StartedAt() time.Time
}

// Entry is one manifest record.
type Entry struct {
	Name        string    `json:"name"`
	Addr        string    `json:"addr"`
	InstanceID  string    `json:"instance_id"`
	StartedAt   time.Time `json:"started_at"`
	BlockedMode string    `json:"blocked_mode"`
}

// Registry owns the servers of the process.
type Registry struct {
	servers  map[string]Server
	order    []string
	mu       sync.RWMutex
	filePath string
}

// New creates a registry. With an empty dataPath no manifest is written.
func New(dataPath string) (*Registry, error) {
	r := &Registry{servers: make(map[string]Server)}
	if dataPath == "" {
		return r, nil
	}
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create registry path: %w", err)
	}
	r.filePath = filepath.Join(dataPath, ManifestFile)
	return r, nil
}

// Register adds s. Registering the same instance again is a no-op.
func (r *Registry) Register(s Server) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := s.Name()
	if cur, ok := r.servers[name]; ok {
		if cur.InstanceID() == s.InstanceID() {
			return nil
		}
		return fmt.Errorf("%w: name %s", ErrAlreadyRegistered, name)
	}
	for _, other := range r.servers {
		if samePort(other.Addr(), s.Addr()) {
			return fmt.Errorf("%w: %s and %s both use %s", ErrAlreadyRegistered, other.Name(), name, s.Addr())
		}
	}

	r.servers[name] = s
	r.order = append(r.order, name)

	if err := r.save(); err != nil {
		delete(r.servers, name)
		r.order = r.order[:len(r.order)-1]
		return fmt.Errorf("failed to persist: %w", err)
	}
	return nil
}

// samePort reports a clash between two configured addresses. Ephemeral
// ports never clash.
func samePort(a, b string) bool {
	_, pa, errA := net.SplitHostPort(a)
	_, pb, errB := net.SplitHostPort(b)
	if errA != nil || errB != nil || pa == "0" || pb == "0" {
		return false
	}
	return pa == pb
}

// Get returns a server by name.
func (r *Registry) Get(name string) (Server, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[name]
	return s, ok
}

// List returns servers in registration order.
func (r *Registry) List() []Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Server, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.servers[name])
	}
	return out
}

// Entries returns manifest records in registration order.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entriesLocked()
}

// Unregister removes a server.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.servers[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, name)
	}
	delete(r.servers, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return r.save()
}

// Count returns the number of registered servers.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}

// Refresh rewrites the manifest, e.g. after servers bound their ports.
func (r *Registry) Refresh() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.save()
}

// ── Persistence ──────────────────────────────────────────────

func (r *Registry) entriesLocked() []Entry {
	entries := make([]Entry, 0, len(r.order))
	for _, name := range r.order {
		s := r.servers[name]
		entries = append(entries, Entry{
			Name:        name,
			Addr:        s.Addr(),
			InstanceID:  s.InstanceID(),
			StartedAt:   s.StartedAt(),
			BlockedMode: s.BlockedMode(),
		})
	}
	return entries
}

func (r *Registry) save() error {
	if r.filePath == "" {
		return nil
	}
	data, err := json.MarshalIndent(r.entriesLocked(), "", "  ")
	if err != nil {
		return err
	}

	tmpPath := r.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return err
	}

	return os.Rename(tmpPath, r.filePath)
}

// ReadManifest loads the manifest written by a running daemon. A missing
// file yields no entries.
func ReadManifest(dataPath string) ([]Entry, error) {
	data, err := os.ReadFile(filepath.Join(dataPath, ManifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Lookup finds a manifest entry by name.
func Lookup(entries []Entry, name string) (Entry, bool) {
	for _, e := range entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}
