package diagcache

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// StoreStats describes the persisted contents of a Store.
type StoreStats struct {
	Entries      int           // Total number of cache entries
	StoredSize   int64         // Bytes occupied by artifacts on disk
	ArtifactSize int64         // Bytes of the artifacts before compression
	MaxBytes     int64         // Configured budget, 0 when unbounded
	OldestEntry  time.Duration // Age of the oldest entry
	NewestEntry  time.Duration // Age of the newest entry
}

// EntryInfo summarizes one stored entry without loading its artifact.
type EntryInfo struct {
	Key          Fingerprint
	CreatedAt    time.Time
	AccessedAt   time.Time
	ArtifactSize int64
	StoredSize   int64
	Dependencies int
}

// Stats returns statistics about the store contents.
func (s *Store) Stats() (StoreStats, error) {
	stats := StoreStats{MaxBytes: s.maxBytes}
	var oldest, newest time.Time

	err := s.walkManifests(func(m *manifest) error {
		stats.Entries++
		stats.StoredSize += m.StoredSize
		stats.ArtifactSize += m.ArtifactSize

		if oldest.IsZero() || m.CreatedAt.Before(oldest) {
			oldest = m.CreatedAt
		}
		if newest.IsZero() || m.CreatedAt.After(newest) {
			newest = m.CreatedAt
		}
		return nil
	})
	if err != nil {
		return StoreStats{}, &StorageError{Op: "stats", Path: s.root, Err: err}
	}

	now := s.now()
	if !oldest.IsZero() {
		stats.OldestEntry = now.Sub(oldest)
	}
	if !newest.IsZero() {
		stats.NewestEntry = now.Sub(newest)
	}

	return stats, nil
}

// Entries lists all stored entries ordered by key.
func (s *Store) Entries() ([]EntryInfo, error) {
	var entries []EntryInfo

	err := s.walkManifests(func(m *manifest) error {
		entries = append(entries, EntryInfo{
			Key:          m.Key,
			CreatedAt:    m.CreatedAt,
			AccessedAt:   m.AccessedAt,
			ArtifactSize: m.ArtifactSize,
			StoredSize:   m.StoredSize,
			Dependencies: len(m.Dependencies),
		})
		return nil
	})
	if err != nil {
		return nil, &StorageError{Op: "entries", Path: s.root, Err: err}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

// Prune removes entries created more than olderThan ago.
// Returns the number of entries removed.
func (s *Store) Prune(olderThan time.Duration) (int, error) {
	cutoff := s.now().Add(-olderThan)
	return s.pruneWhere(func(m *manifest) bool {
		return m.CreatedAt.Before(cutoff)
	})
}

// PruneUnused removes entries not accessed within notAccessedSince.
// Returns the number of entries removed.
func (s *Store) PruneUnused(notAccessedSince time.Duration) (int, error) {
	cutoff := s.now().Add(-notAccessedSince)
	return s.pruneWhere(func(m *manifest) bool {
		return m.AccessedAt.Before(cutoff)
	})
}

func (s *Store) pruneWhere(match func(*manifest) bool) (int, error) {
	var toRemove []Fingerprint
	err := s.walkManifests(func(m *manifest) error {
		if match(m) {
			toRemove = append(toRemove, m.Key)
		}
		return nil
	})
	if err != nil {
		return 0, &StorageError{Op: "prune", Path: s.root, Err: err}
	}

	count := 0
	for _, key := range toRemove {
		if _, err := s.Evict(key); err != nil {
			return count, fmt.Errorf("failed to remove entry %s: %w", key.Short(), err)
		}
		count++
	}
	return count, nil
}

// walkManifests walks all manifest files and calls fn for each readable one.
// Corrupted manifests are skipped.
func (s *Store) walkManifests(fn func(m *manifest) error) error {
	return s.walkManifestFiles(fn, func(path string, _ Fingerprint, err error) {
		s.logger.Warn("skipping unreadable manifest", "path", path, "error", err)
	})
}

// walkManifestFiles is walkManifests with a hook for manifests that exist
// but cannot be loaded.
func (s *Store) walkManifestFiles(fn func(m *manifest) error, unreadable func(path string, key Fingerprint, err error)) error {
	return afero.Walk(s.fs, s.manifestDir(), func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			return nil
		}

		// Only process .json files
		if !strings.HasSuffix(path, ".json") {
			return nil
		}

		key := Fingerprint(strings.TrimSuffix(filepath.Base(path), ".json"))
		if len(key) < 2 {
			return nil
		}

		m, err := s.loadManifest(key)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				unreadable(path, key, err)
			}
			return nil
		}

		return fn(m)
	})
}
