package diagcache

import (
	"container/list"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
)

// keyLockStripes is the number of mutexes same-key operations are spread over.
const keyLockStripes = 64

// graphFileName is the file-backed dependency graph kept inside the store root.
const graphFileName = "graph.msgpack"

// Store is the persistent, size-bounded LRU store of rendered artifacts.
// Entries live under root so that removing root resets the cache entirely.
type Store struct {
	root     string
	fs       afero.Fs
	nowFunc  NowFunc
	maxBytes int64
	compress bool
	logger   *slog.Logger

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	mu    sync.Mutex // guards lru, index and size
	lru   *list.List // front is most recently used
	index map[Fingerprint]*list.Element
	size  int64

	keyLocks [keyLockStripes]sync.Mutex
}

// lruItem is the in-memory view of one stored entry.
type lruItem struct {
	key        Fingerprint
	storedSize int64
}

// Open opens (or creates) a store at the given root directory and rebuilds
// its access-order index from the manifests found there.
// Problems with root or options are reported as ConfigurationError.
func Open(root string, options ...Option) (*Store, error) {
	s := &Store{
		root:     root,
		fs:       afero.NewOsFs(),
		nowFunc:  time.Now,
		compress: true,
		logger:   slog.New(slog.DiscardHandler),
		lru:      list.New(),
		index:    make(map[Fingerprint]*list.Element),
	}

	for _, option := range options {
		option(s)
	}

	if strings.TrimSpace(root) == "" {
		return nil, &ConfigurationError{Field: "cache.dir", Err: errors.New("store root cannot be empty")}
	}
	if s.maxBytes < 0 {
		return nil, &ConfigurationError{Field: "cache.maxSize", Err: fmt.Errorf("must be >= 0, got %d", s.maxBytes)}
	}

	if info, err := s.fs.Stat(root); err == nil && !info.IsDir() {
		return nil, &ConfigurationError{Field: "cache.dir", Err: fmt.Errorf("%s is not a directory", root)}
	}
	if err := s.fs.MkdirAll(s.manifestDir(), dirPermissions); err != nil {
		return nil, &ConfigurationError{Field: "cache.dir", Err: fmt.Errorf("failed to create manifests directory: %w", err)}
	}
	if err := s.fs.MkdirAll(s.objectsDir(), dirPermissions); err != nil {
		return nil, &ConfigurationError{Field: "cache.dir", Err: fmt.Errorf("failed to create objects directory: %w", err)}
	}

	var err error
	if s.encoder, err = zstd.NewWriter(nil); err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	if s.decoder, err = zstd.NewReader(nil); err != nil {
		_ = s.encoder.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	s.sweepTempFiles()
	if err := s.rebuildIndex(); err != nil {
		_ = s.Close()
		return nil, &StorageError{Op: "open", Path: root, Err: err}
	}
	s.evictOverBudget()

	return s, nil
}

// OpenTemp creates a temporary in-memory store for testing.
func OpenTemp(options ...Option) *Store {
	options = append([]Option{WithFs(afero.NewMemMapFs())}, options...)
	s, err := Open("/diagcache", options...)
	if err != nil {
		panic(fmt.Sprintf("failed to create temp store: %v", err))
	}
	return s
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

// Fs returns the filesystem the store writes to.
func (s *Store) Fs() afero.Fs { return s.fs }

// GraphStore returns a file-backed GraphStore located inside the store root.
func (s *Store) GraphStore() *FileGraphStore {
	return NewFileGraphStore(s.fs, filepath.Join(s.root, graphFileName))
}

// Close releases the compression resources.
func (s *Store) Close() error {
	if s.decoder != nil {
		s.decoder.Close()
	}
	if s.encoder != nil {
		return s.encoder.Close()
	}
	return nil
}

// rebuildIndex loads every manifest and orders the LRU list by access time.
// Entries whose manifest cannot be read are removed.
func (s *Store) rebuildIndex() error {
	type seen struct {
		key        Fingerprint
		storedSize int64
		accessedAt time.Time
	}
	var items []seen
	var corrupt []Fingerprint

	err := s.walkManifestFiles(func(m *manifest) error {
		items = append(items, seen{key: m.Key, storedSize: m.StoredSize, accessedAt: m.AccessedAt})
		return nil
	}, func(path string, key Fingerprint, err error) {
		s.logger.Warn("dropping unreadable manifest", "path", path, "error", err)
		corrupt = append(corrupt, key)
	})
	if err != nil {
		return err
	}

	// Unreadable entries would otherwise sit on disk outside the size budget.
	for _, key := range corrupt {
		if _, err := s.removeByHash(key); err != nil {
			s.logger.Warn("failed to remove corrupt cache entry", "key", key.Short(), "error", err)
		}
	}

	// Oldest first, so pushing to the front leaves the newest at the front.
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].accessedAt.Equal(items[j].accessedAt) {
			return items[i].key < items[j].key
		}
		return items[i].accessedAt.Before(items[j].accessedAt)
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		s.index[it.key] = s.lru.PushFront(&lruItem{key: it.key, storedSize: it.storedSize})
		s.size += it.storedSize
	}
	return nil
}

// sweepTempFiles removes temp files left behind by a crashed writer.
func (s *Store) sweepTempFiles() {
	now := s.now()
	_ = afero.Walk(s.fs, s.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if strings.Contains(filepath.Base(path), tempMarker) && now.Sub(info.ModTime()) >= staleTempAge {
			if rmErr := s.fs.Remove(path); rmErr == nil {
				s.logger.Debug("removed orphaned temp file", "path", path)
			}
		}
		return nil
	})
}

// keyLock returns the mutex serializing operations on key.
func (s *Store) keyLock(key Fingerprint) *sync.Mutex {
	return &s.keyLocks[xxhash.Sum64String(string(key))%keyLockStripes]
}

// touch marks key as most recently used.
func (s *Store) touch(key Fingerprint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.index[key]; ok {
		s.lru.MoveToFront(elem)
	}
}

// track records key in the index with the given stored size.
func (s *Store) track(key Fingerprint, storedSize int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if elem, ok := s.index[key]; ok {
		item := elem.Value.(*lruItem)
		s.size -= item.storedSize
		item.storedSize = storedSize
		s.lru.MoveToFront(elem)
	} else {
		s.index[key] = s.lru.PushFront(&lruItem{key: key, storedSize: storedSize})
	}
	s.size += storedSize
}

// untrack drops key from the index, reporting whether it was present.
func (s *Store) untrack(key Fingerprint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.index[key]
	if !ok {
		return false
	}
	s.size -= elem.Value.(*lruItem).storedSize
	s.lru.Remove(elem)
	delete(s.index, key)
	return true
}

// evictOverBudget removes least recently used entries until the store fits
// in maxBytes. It must be called without holding any key lock.
func (s *Store) evictOverBudget() {
	if s.maxBytes == 0 {
		return
	}
	for {
		s.mu.Lock()
		if s.size <= s.maxBytes || s.lru.Len() == 0 {
			s.mu.Unlock()
			return
		}
		victim := s.lru.Back().Value.(*lruItem).key
		s.mu.Unlock()

		if _, err := s.Evict(victim); err != nil {
			s.logger.Warn("cache eviction failed", "key", victim.Short(), "error", err)
			// Drop it from the index anyway so the loop makes progress.
			s.untrack(victim)
			continue
		}
		s.logger.Debug("evicted cache entry", "key", victim.Short())
	}
}

// manifestDir returns the path to the manifests directory.
func (s *Store) manifestDir() string {
	return filepath.Join(s.root, "manifests")
}

// objectsDir returns the path to the objects directory.
func (s *Store) objectsDir() string {
	return filepath.Join(s.root, "objects")
}

// manifestPath returns the path to a manifest file for a given key.
func (s *Store) manifestPath(key Fingerprint) string {
	if len(key) < 2 {
		panic(fmt.Sprintf("key hash too short: %s", key))
	}
	return filepath.Join(s.manifestDir(), string(key[:2]), string(key)+".json")
}

// objectPath returns the path to the artifact file for a given key.
func (s *Store) objectPath(key Fingerprint) string {
	if len(key) < 2 {
		panic(fmt.Sprintf("key hash too short: %s", key))
	}
	return filepath.Join(s.objectsDir(), string(key[:2]), string(key)+".bin")
}

// now returns the current time.
func (s *Store) now() time.Time {
	return s.nowFunc()
}
