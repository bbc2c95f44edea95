// Package file implements the local file backend (C4): a per-function
// directory, advisory-locked binary entries, atomic-by-rename writes,
// and best-effort filesystem-watch invalidation of an in-process read
// cache. Grounded on cachier's pickle core for semantics and on
// moby-moby's pkg/lock + fsnotify for the locking/watch mechanics.
package file

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/vnykmshr/memoize-go/internal/entry"
	"github.com/vnykmshr/memoize-go/internal/fingerprint"
	"github.com/vnykmshr/memoize-go/internal/store"
)

// readCacheSize bounds the in-process read-through cache. It is not a
// user-tunable eviction policy — it exists purely to avoid re-reading
// and re-locking a file on every Get within one process; entries are
// actively invalidated on write and on a watcher-reported change long
// before capacity pressure would evict them in normal use.
const readCacheSize = 256

// Config configures a file-backed Store.
type Config struct {
	// Root is the directory under which every function gets its own
	// subdirectory. Defaults to $XDG_CACHE_HOME/memoize-go, falling
	// back to os.UserCacheDir()/memoize-go.
	Root string

	// SeparateFiles selects per-entry files (one file per key) instead
	// of a single file holding every key for the function.
	SeparateFiles bool

	// Watch enables the fsnotify-based invalidation of the in-process
	// read cache. Disabling it is a single-process optimization that
	// trades cross-process staleness for avoiding inotify pressure.
	Watch bool

	Logger *log.Logger
}

func (c Config) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Default()
}

// DefaultRoot resolves the default cache root the same way the Python
// original does (XDG, then a portable per-user fallback).
func DefaultRoot() string {
	if xdg := os.Getenv("XDG_CACHE_HOME"); xdg != "" {
		return filepath.Join(xdg, "memoize-go")
	}
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "memoize-go")
	}
	return filepath.Join(os.TempDir(), "memoize-go")
}

const (
	dataFileName = "data"
	lockSidecar  = "data.lock"
)

// Store is the file-backed store.Store implementation scoped to one
// function identity.
type Store struct {
	dir     string
	cfg     Config
	watcher *dirWatcher

	readCache *lru.Cache[fingerprint.Key, *entry.Entry]

	// mu guards the in-process read cache invalidation path described
	// in spec §5: "in-process caches ... are guarded by a per-function
	// lock."
	mu sync.Mutex
}

// New constructs a file Store rooted at cfg.Root (or its default) for
// the given function identity.
func New(funcID string, cfg Config) (*Store, error) {
	root := cfg.Root
	if root == "" {
		root = DefaultRoot()
	}
	dir := filepath.Join(root, functionDirName(funcID))
	if err := ensureDir(dir); err != nil {
		return nil, fmt.Errorf("%w: create cache dir %s: %v", store.ErrBackendUnavailable, dir, err)
	}

	cache, err := lru.New[fingerprint.Key, *entry.Entry](readCacheSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
	}

	s := &Store{dir: dir, cfg: cfg, readCache: cache}
	if cfg.Watch {
		s.watcher = newDirWatcher(dir, cfg.logger(), s.onFileChanged)
	}
	return s, nil
}

// CacheDir implements store.DirPather.
func (s *Store) CacheDir() string { return s.dir }

func (s *Store) onFileChanged(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.SeparateFiles {
		base := filepath.Base(name)
		base = strings.TrimSuffix(base, ".lock")
		s.readCache.Remove(fingerprint.Key(decodeEntryFileName(base)))
		return
	}
	// Single-file mode: one file backs every key, so any change
	// invalidates the whole read cache.
	s.readCache.Purge()
}

func decodeEntryFileName(name string) string {
	b, err := hex.DecodeString(name)
	if err != nil {
		return name
	}
	return string(b)
}

func (s *Store) dataPath() string {
	return filepath.Join(s.dir, dataFileName)
}

func (s *Store) entryPath(key fingerprint.Key) string {
	return filepath.Join(s.dir, entryFileName(string(key)))
}

// --- single-file mode helpers -------------------------------------------

// readAllLocked reads the single-file map assuming the caller already
// holds dataPath's lock.
func (s *Store) readAllLocked() (map[fingerprint.Key]*entry.Entry, error) {
	data, err := os.ReadFile(s.dataPath())
	if errors.Is(err, fs.ErrNotExist) {
		return map[fingerprint.Key]*entry.Entry{}, nil
	}
	if err != nil {
		return nil, err
	}
	m, err := decodeMap(data)
	if err != nil {
		// Corrupt file: treated as absent, not a hard failure.
		s.cfg.logger().Printf("memoize: file backend: corrupt cache file %s treated as empty: %v", s.dataPath(), err)
		return map[fingerprint.Key]*entry.Entry{}, nil
	}
	return m, nil
}

func (s *Store) loadAll() (map[fingerprint.Key]*entry.Entry, error) {
	l, err := lockFile(lockPathFor(s.dataPath()))
	if err != nil {
		return nil, err
	}
	defer l.Close()
	return s.readAllLocked()
}

// saveAllLocked writes the single-file map assuming the caller already
// holds dataPath's lock.
func (s *Store) saveAllLocked(m map[fingerprint.Key]*entry.Entry) error {
	data, err := encodeMap(m)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrSerialization, err)
	}
	return atomicWrite(s.dataPath(), data)
}

func (s *Store) saveAll(m map[fingerprint.Key]*entry.Entry) error {
	l, err := lockFile(lockPathFor(s.dataPath()))
	if err != nil {
		return err
	}
	defer l.Close()
	return s.saveAllLocked(m)
}

// --- per-entry mode helpers ----------------------------------------------

// readEntryLocked reads one entry file assuming the caller already
// holds its lock.
func (s *Store) readEntryLocked(path string) (*entry.Entry, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	e, err := entry.Decode(data)
	if err != nil {
		s.cfg.logger().Printf("memoize: file backend: corrupt entry file %s treated as absent: %v", path, err)
		return nil, nil
	}
	return e, nil
}

func (s *Store) loadEntryFile(key fingerprint.Key) (*entry.Entry, error) {
	path := s.entryPath(key)
	l, err := lockFile(path)
	if err != nil {
		return nil, err
	}
	defer l.Close()
	return s.readEntryLocked(path)
}

// saveEntryFileLocked writes one entry file assuming the caller already
// holds its lock.
func (s *Store) saveEntryFileLocked(path string, e *entry.Entry) error {
	data, err := entry.Encode(e)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrSerialization, err)
	}
	return atomicWrite(path, data)
}

func (s *Store) saveEntryFile(key fingerprint.Key, e *entry.Entry) error {
	path := s.entryPath(key)
	l, err := lockFile(path)
	if err != nil {
		return err
	}
	defer l.Close()
	return s.saveEntryFileLocked(path, e)
}

// claim acquires the single lock covering key — the per-entry file lock
// in separate-files mode, the shared data-file lock otherwise — reads
// the current entry under it, and lets mutate decide the next state.
// Holding one lock across the read and the conditional write is what
// makes MarkInFlight/MarkStale's check-then-write atomic against every
// other process racing the same key (spec.md §4.4: "mark_in_flight
// writes a record ... under the same lock").
func (s *Store) claim(key fingerprint.Key, mutate func(existing *entry.Entry) (next *entry.Entry, acquired bool)) (bool, error) {
	if s.cfg.SeparateFiles {
		path := s.entryPath(key)
		l, err := lockFile(path)
		if err != nil {
			return false, fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
		}
		defer l.Close()

		existing, err := s.readEntryLocked(path)
		if err != nil {
			return false, fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
		}
		next, acquired := mutate(existing)
		if next != nil {
			if err := s.saveEntryFileLocked(path, next); err != nil {
				return false, err
			}
		}
		return acquired, nil
	}

	l, err := lockFile(lockPathFor(s.dataPath()))
	if err != nil {
		return false, fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
	}
	defer l.Close()

	m, err := s.readAllLocked()
	if err != nil {
		return false, fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
	}
	existing := m[key]
	next, acquired := mutate(existing)
	if next != nil {
		m[key] = next
		if err := s.saveAllLocked(m); err != nil {
			return false, err
		}
	}
	return acquired, nil
}

// --- store.Store ----------------------------------------------------------

func (s *Store) Get(_ context.Context, key fingerprint.Key) (*entry.Entry, bool, error) {
	s.mu.Lock()
	if e, ok := s.readCache.Get(key); ok {
		s.mu.Unlock()
		return e, true, nil
	}
	s.mu.Unlock()

	e, err := s.read(key)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
	}
	if e == nil {
		return nil, false, nil
	}

	s.mu.Lock()
	s.readCache.Add(key, e)
	s.mu.Unlock()
	return e, true, nil
}

func (s *Store) read(key fingerprint.Key) (*entry.Entry, error) {
	if s.cfg.SeparateFiles {
		return s.loadEntryFile(key)
	}
	m, err := s.loadAll()
	if err != nil {
		return nil, err
	}
	return m[key], nil
}

func (s *Store) Put(_ context.Context, key fingerprint.Key, value []byte, ts time.Time) error {
	e := &entry.Entry{Value: value, Timestamp: ts, Completed: true}
	if err := s.write(key, e); err != nil {
		return err
	}
	s.invalidate(key)
	return nil
}

func (s *Store) write(key fingerprint.Key, e *entry.Entry) error {
	if s.cfg.SeparateFiles {
		return s.saveEntryFile(key, e)
	}
	m, err := s.loadAll()
	if err != nil {
		return err
	}
	m[key] = e
	return s.saveAll(m)
}

func (s *Store) invalidate(key fingerprint.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.SeparateFiles {
		s.readCache.Remove(key)
	} else {
		s.readCache.Purge()
	}
}

func (s *Store) MarkInFlight(_ context.Context, key fingerprint.Key, owner string) (bool, error) {
	acquired, err := s.claim(key, func(existing *entry.Entry) (*entry.Entry, bool) {
		if existing != nil && existing.InFlight {
			return nil, false
		}
		e := &entry.Entry{InFlight: true, LeaseOwner: owner, LeaseAt: time.Now()}
		if existing != nil {
			e.Value = existing.Value
			e.Timestamp = existing.Timestamp
			e.Completed = existing.Completed
		}
		return e, true
	})
	if err != nil {
		return false, err
	}
	if acquired {
		s.invalidate(key)
	}
	return acquired, nil
}

func (s *Store) ClearInFlight(_ context.Context, key fingerprint.Key, _ string) error {
	e, err := s.read(key)
	if err != nil {
		return fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
	}
	if e == nil {
		return nil
	}
	e.InFlight = false
	e.LeaseOwner = ""
	if err := s.write(key, e); err != nil {
		return err
	}
	s.invalidate(key)
	return nil
}

func (s *Store) MarkStale(_ context.Context, key fingerprint.Key) (bool, error) {
	acquired, err := s.claim(key, func(existing *entry.Entry) (*entry.Entry, bool) {
		if existing == nil || existing.Stale {
			return nil, false
		}
		next := *existing
		next.Stale = true
		return &next, true
	})
	if err != nil {
		return false, err
	}
	if acquired {
		s.invalidate(key)
	}
	return acquired, nil
}

func (s *Store) Clear(_ context.Context, key fingerprint.Key) error {
	if s.cfg.SeparateFiles {
		if err := os.Remove(s.entryPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
		}
		_ = os.Remove(lockPathFor(s.entryPath(key)))
	} else {
		m, err := s.loadAll()
		if err != nil {
			return fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
		}
		delete(m, key)
		if err := s.saveAll(m); err != nil {
			return err
		}
	}
	s.invalidate(key)
	return nil
}

func (s *Store) ClearAll(_ context.Context) error {
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
	}
	if err := ensureDir(s.dir); err != nil {
		return fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
	}
	s.mu.Lock()
	s.readCache.Purge()
	s.mu.Unlock()
	return nil
}

// pollBackoff bounds the exponential backoff WaitUntilReady uses
// between polls, per spec §4.4: "polls with exponential backoff
// (bounded)."
const (
	pollStart = 10 * time.Millisecond
	pollCap   = 500 * time.Millisecond

	// defaultWait is the file backend's built-in bounded poll used when
	// the caller passes timeout<=0. Unlike the shared backend, the file
	// backend never waits unboundedly by default (spec.md §5: "the file
	// backend defaults to a small bounded poll-until-ready on
	// in-flight").
	defaultWait = 2 * time.Second
)

func (s *Store) WaitUntilReady(ctx context.Context, key fingerprint.Key, timeout time.Duration) (*entry.Entry, error) {
	if timeout <= 0 {
		timeout = defaultWait
	}
	deadline := time.Now().Add(timeout)
	backoff := pollStart

	for {
		e, err := s.read(key)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", store.ErrBackendUnavailable, err)
		}
		if e != nil && !e.InFlight {
			return e, nil
		}
		if time.Now().After(deadline) {
			return nil, store.ErrWaitTimeout
		}

		var changed <-chan struct{}
		if s.watcher != nil {
			changed = s.watcher.Changed()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-changed:
			// Filesystem notification fired; re-check immediately.
		case <-time.After(backoff):
			backoff *= 2
			if backoff > pollCap {
				backoff = pollCap
			}
		}
	}
}

func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func decodeMap(data []byte) (map[fingerprint.Key]*entry.Entry, error) {
	var raw map[string][]byte
	if err := msgpack.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	m := make(map[fingerprint.Key]*entry.Entry, len(raw))
	for k, v := range raw {
		e, err := entry.Decode(v)
		if err != nil {
			continue // corrupt individual entry: skip, not fatal for the whole file
		}
		m[fingerprint.Key(k)] = e
	}
	return m, nil
}

func encodeMap(m map[fingerprint.Key]*entry.Entry) ([]byte, error) {
	raw := make(map[string][]byte, len(m))
	for k, e := range m {
		data, err := entry.Encode(e)
		if err != nil {
			return nil, err
		}
		raw[string(k)] = data
	}
	return msgpack.Marshal(raw)
}
