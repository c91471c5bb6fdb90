package diagcache

import (
	"container/list"
	"errors"
	"fmt"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"
)

// Get retrieves the entry stored under key.
// Returns (entry, true, nil) on a hit and (nil, false, nil) on a miss.
// Read failures return a StorageError; callers should treat them as a miss.
// A corrupt entry is evicted before the error is returned.
func (s *Store) Get(key Fingerprint) (*CacheEntry, bool, error) {
	if key.IsZero() {
		return nil, false, nil
	}

	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	_, known := s.index[key]
	s.mu.Unlock()
	if !known {
		return nil, false, nil
	}

	m, err := s.loadManifest(key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Removed behind our back, e.g. by another process.
			s.untrack(key)
			return nil, false, nil
		}
		s.dropCorrupt(key)
		return nil, false, &StorageError{Op: "get", Path: s.manifestPath(key), Err: err}
	}

	stored, err := afero.ReadFile(s.fs, s.objectPath(key))
	if err != nil {
		s.dropCorrupt(key)
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, &StorageError{Op: "get", Path: s.objectPath(key), Err: fmt.Errorf("%w: artifact missing", ErrCorruptEntry)}
		}
		return nil, false, &StorageError{Op: "get", Path: s.objectPath(key), Err: err}
	}

	artifact, err := s.decodeArtifact(stored, m)
	if err != nil {
		s.dropCorrupt(key)
		return nil, false, &StorageError{Op: "get", Path: s.objectPath(key), Err: err}
	}

	// Update access time; failing to persist it only skews eviction order.
	m.AccessedAt = s.now()
	if err := s.saveManifest(m); err != nil {
		s.logger.Warn("failed to update manifest access time", "key", key.Short(), "error", err)
	}
	s.touch(key)

	return &CacheEntry{
		Key:                    m.Key,
		Artifact:               artifact,
		ArtifactSize:           m.ArtifactSize,
		StoredSize:             m.StoredSize,
		MediaType:              m.MediaType,
		DependencyFingerprints: append([]Fingerprint(nil), m.Dependencies...),
		RenderTime:             m.renderTime(),
		CreatedAt:              m.CreatedAt,
		AccessedAt:             m.AccessedAt,
	}, true, nil
}

// Put stores entry under key, replacing any previous entry (last write wins).
// The artifact is written first, then the manifest; both via temp file and
// rename. On failure nothing is left behind and a StorageError is returned;
// callers should carry on without caching.
func (s *Store) Put(key Fingerprint, entry *CacheEntry) error {
	if len(key) < 2 {
		return &StorageError{Op: "put", Err: fmt.Errorf("invalid key %q", key)}
	}
	if entry == nil {
		return &StorageError{Op: "put", Path: string(key), Err: errors.New("nil entry")}
	}

	if err := s.put(key, entry); err != nil {
		return err
	}

	s.evictOverBudget()
	return nil
}

func (s *Store) put(key Fingerprint, entry *CacheEntry) error {
	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	stored, compressed := s.encodeArtifact(entry.Artifact)

	now := s.now()
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	m := &manifest{
		Key:          key,
		Dependencies: dedupFingerprints(entry.DependencyFingerprints),
		MediaType:    entry.MediaType,
		ArtifactSize: int64(len(entry.Artifact)),
		StoredSize:   int64(len(stored)),
		Compressed:   compressed,
		Checksum:     xxhash.Sum64(entry.Artifact),
		RenderTimeMs: entry.RenderTimeMillis(),
		CreatedAt:    createdAt,
		AccessedAt:   now,
	}

	objectPath := s.objectPath(key)
	if err := writeFileAtomic(s.fs, objectPath, stored); err != nil {
		return &StorageError{Op: "put", Path: objectPath, Err: err}
	}
	if err := s.saveManifest(m); err != nil {
		// An artifact without a manifest is unreachable; don't leave it around.
		_ = s.fs.Remove(objectPath)
		s.untrack(key)
		return &StorageError{Op: "put", Path: s.manifestPath(key), Err: err}
	}

	s.track(key, m.StoredSize)
	return nil
}

// Evict removes the entry stored under key and reports whether it existed.
func (s *Store) Evict(key Fingerprint) (bool, error) {
	if len(key) < 2 {
		return false, nil
	}

	lock := s.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	existed, err := s.removeByHash(key)
	if err != nil {
		return existed, &StorageError{Op: "evict", Path: string(key), Err: err}
	}
	if s.untrack(key) {
		existed = true
	}
	return existed, nil
}

// Has reports whether key is present in the index. It does not validate
// the stored artifact.
func (s *Store) Has(key Fingerprint) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[key]
	return ok
}

// StoredSize returns the on-disk size recorded for key.
func (s *Store) StoredSize(key Fingerprint) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	elem, ok := s.index[key]
	if !ok {
		return 0, false
	}
	return elem.Value.(*lruItem).storedSize, true
}

// SizeBytes returns the total stored size of all artifacts.
func (s *Store) SizeBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Len()
}

// Keys returns all keys, most recently used first.
func (s *Store) Keys() []Fingerprint {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]Fingerprint, 0, s.lru.Len())
	for e := s.lru.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*lruItem).key)
	}
	return keys
}

// Clear removes all entries, including the file-backed dependency graph.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.RemoveAll(s.manifestDir()); err != nil {
		return &StorageError{Op: "clear", Path: s.manifestDir(), Err: err}
	}
	if err := s.fs.RemoveAll(s.objectsDir()); err != nil {
		return &StorageError{Op: "clear", Path: s.objectsDir(), Err: err}
	}
	if err := s.fs.Remove(s.GraphStore().Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return &StorageError{Op: "clear", Path: s.GraphStore().Path(), Err: err}
	}

	if err := s.fs.MkdirAll(s.manifestDir(), dirPermissions); err != nil {
		return &StorageError{Op: "clear", Path: s.manifestDir(), Err: err}
	}
	if err := s.fs.MkdirAll(s.objectsDir(), dirPermissions); err != nil {
		return &StorageError{Op: "clear", Path: s.objectsDir(), Err: err}
	}

	s.lru.Init()
	s.index = make(map[Fingerprint]*list.Element)
	s.size = 0
	return nil
}

// dropCorrupt removes an unreadable entry so the next lookup is a clean miss.
func (s *Store) dropCorrupt(key Fingerprint) {
	if _, err := s.removeByHash(key); err != nil {
		s.logger.Warn("failed to remove corrupt cache entry", "key", key.Short(), "error", err)
	}
	s.untrack(key)
}

// removeByHash removes the manifest and artifact files of key.
// Callers must hold the key lock.
func (s *Store) removeByHash(key Fingerprint) (bool, error) {
	existed := false

	manifestPath := s.manifestPath(key)
	if exists, _ := afero.Exists(s.fs, manifestPath); exists {
		existed = true
		if err := s.fs.Remove(manifestPath); err != nil {
			return existed, fmt.Errorf("failed to remove manifest: %w", err)
		}
	}

	objectPath := s.objectPath(key)
	if exists, _ := afero.Exists(s.fs, objectPath); exists {
		existed = true
		if err := s.fs.Remove(objectPath); err != nil {
			return existed, fmt.Errorf("failed to remove artifact: %w", err)
		}
	}

	return existed, nil
}
