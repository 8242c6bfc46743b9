package persistence

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/denizumutdereli/scenelink/pkg/scene/memscene"
)

const (
	snapExt   = ".snap"
	backupExt = ".bak"
)

// Store keeps named world snapshots under a directory. Each save keeps
// the previous file as a backup that Load falls back to when the current
// one fails its checksum.
type Store struct {
	basePath string
	codec    *Codec
	fsync    bool

	mu sync.Mutex

	// Stats
	totalWrites uint64
	totalReads  uint64
	recovered   uint64
	lastWrite   time.Time
	lastVersion map[string]uint64
}

// NewStore creates a store rooted at basePath.
func NewStore(basePath string, compress bool) (*Store, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}
	return &Store{
		basePath:    basePath,
		codec:       NewCodec(compress),
		fsync:       true,
		lastVersion: make(map[string]uint64),
	}, nil
}

// SetFsync toggles fsync on writes.
func (s *Store) SetFsync(on bool) {
	s.mu.Lock()
	s.fsync = on
	s.mu.Unlock()
}

func (s *Store) path(name string) string {
	return filepath.Join(s.basePath, name+snapExt)
}

// Save persists a snapshot under name.
func (s *Store) Save(name string, snap *memscene.Snapshot) error {
	data, err := s.codec.Encode(name, snap)
	if err != nil {
		return fmt.Errorf("encode failed: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.path(name)
	if _, err := os.Stat(p); err == nil {
		if err := os.Rename(p, p+backupExt); err != nil {
			return fmt.Errorf("backup failed: %w", err)
		}
	}
	if err := s.writeAtomically(p, data, 0644); err != nil {
		return fmt.Errorf("write failed: %w", err)
	}
	s.totalWrites++
	s.lastWrite = time.Now()
	s.lastVersion[name] = snap.Version
	return nil
}

// Load reads a snapshot, falling back to the backup when the current file
// is corrupt. The loaded version counts as saved.
func (s *Store) Load(name string) (*memscene.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap, err := s.read(s.path(name))
	if err == nil {
		s.totalReads++
		s.lastVersion[name] = snap.Version
		return snap, nil
	}
	if !errors.Is(err, ErrCorrupt) {
		return nil, err
	}

	backup, berr := s.read(s.path(name) + backupExt)
	if berr != nil {
		return nil, fmt.Errorf("%w (backup: %v)", err, berr)
	}
	s.totalReads++
	s.recovered++
	s.lastVersion[name] = backup.Version
	return backup, nil
}

func (s *Store) read(p string) (*memscene.Snapshot, error) {
	data, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("read failed: %w", err)
	}
	_, snap, err := s.codec.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(p), err)
	}
	return snap, nil
}

// Exists reports whether a snapshot exists.
func (s *Store) Exists(name string) bool {
	_, err := os.Stat(s.path(name))
	return err == nil
}

// Delete removes a snapshot and its backup.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range []string{s.path(name), s.path(name) + backupExt} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	delete(s.lastVersion, name)
	return nil
}

// List returns stored snapshot names.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), snapExt) {
			names = append(names, strings.TrimSuffix(e.Name(), snapExt))
		}
	}
	sort.Strings(names)
	return names, nil
}

// LastVersion returns the world version last saved under name.
func (s *Store) LastVersion(name string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.lastVersion[name]
	return v, ok
}

func (s *Store) writeAtomically(path string, data []byte, perm os.FileMode) error {
	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}

	if s.fsync {
		if err := f.Sync(); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return err
		}
	}

	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}

	if s.fsync {
		return syncDir(filepath.Dir(path))
	}
	return nil
}

func syncDir(path string) error {
	if runtime.GOOS == "windows" {
		// Windows does not support fsync on directories in this mode.
		return nil
	}

	d, err := os.Open(path)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// Stats returns persistence statistics
func (s *Store) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]any{
		"base_path":    s.basePath,
		"total_writes": s.totalWrites,
		"total_reads":  s.totalReads,
		"recovered":    s.recovered,
		"last_write":   s.lastWrite,
		"fsync":        s.fsync,
	}
}
