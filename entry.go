package diagcache

import (
	"time"
)

// CacheEntry is one cached build artifact plus the metadata needed for
// invalidation and reporting. Entries returned by the Store are owned by the
// caller; the Store never edits a persisted entry in place, Put replaces it.
type CacheEntry struct {
	Key Fingerprint

	// Artifact holds the rendered bytes (SVG, PNG...).
	Artifact []byte
	// ArtifactSize is len(Artifact) before compression.
	ArtifactSize int64
	// StoredSize is the number of bytes the artifact occupies in the store.
	StoredSize int64
	MediaType  string

	// DependencyFingerprints is the ordered set of input fingerprints the
	// artifact was built from.
	DependencyFingerprints []Fingerprint

	// RenderTime is how long the original, uncached render took.
	RenderTime time.Duration
	CreatedAt  time.Time
	AccessedAt time.Time
}

// NewCacheEntry builds an entry for a freshly rendered artifact.
// Duplicate dependency fingerprints are dropped, order is preserved.
func NewCacheEntry(key Fingerprint, artifact []byte, deps []Fingerprint, renderTime time.Duration) *CacheEntry {
	return &CacheEntry{
		Key:                    key,
		Artifact:               artifact,
		ArtifactSize:           int64(len(artifact)),
		DependencyFingerprints: dedupFingerprints(deps),
		RenderTime:             renderTime,
	}
}

// RenderTimeMillis returns RenderTime in milliseconds.
func (e *CacheEntry) RenderTimeMillis() float64 {
	return float64(e.RenderTime) / float64(time.Millisecond)
}

// Age returns how long ago the entry was created, relative to now.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// DependsOn reports whether fp is one of the entry's dependency fingerprints.
func (e *CacheEntry) DependsOn(fp Fingerprint) bool {
	for _, d := range e.DependencyFingerprints {
		if d == fp {
			return true
		}
	}
	return false
}

// SameDependencies reports whether the entry was built from exactly the
// given set of dependency fingerprints, ignoring order and duplicates.
func (e *CacheEntry) SameDependencies(fps []Fingerprint) bool {
	want := dedupFingerprints(fps)
	if len(want) != len(e.DependencyFingerprints) {
		return false
	}
	have := make(map[Fingerprint]struct{}, len(e.DependencyFingerprints))
	for _, fp := range e.DependencyFingerprints {
		have[fp] = struct{}{}
	}
	for _, fp := range want {
		if _, ok := have[fp]; !ok {
			return false
		}
	}
	return true
}

func dedupFingerprints(fps []Fingerprint) []Fingerprint {
	if len(fps) == 0 {
		return nil
	}
	seen := make(map[Fingerprint]struct{}, len(fps))
	out := make([]Fingerprint, 0, len(fps))
	for _, fp := range fps {
		if _, ok := seen[fp]; ok {
			continue
		}
		seen[fp] = struct{}{}
		out = append(out, fp)
	}
	return out
}
