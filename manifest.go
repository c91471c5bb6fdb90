package diagcache

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/afero"
)

// manifest is the JSON metadata stored next to each cached artifact.
type manifest struct {
	Key          Fingerprint   `json:"key"`
	Dependencies []Fingerprint `json:"dependencies,omitempty"`
	MediaType    string        `json:"mediaType,omitempty"`

	ArtifactSize int64  `json:"artifactSize"`
	StoredSize   int64  `json:"storedSize"`
	Compressed   bool   `json:"compressed"`
	Checksum     uint64 `json:"checksum"` // xxhash64 of the uncompressed artifact

	RenderTimeMs float64   `json:"renderTimeMs"`
	CreatedAt    time.Time `json:"createdAt"`
	AccessedAt   time.Time `json:"accessedAt"`
}

func (m *manifest) renderTime() time.Duration {
	return time.Duration(m.RenderTimeMs * float64(time.Millisecond))
}

// saveManifest writes a manifest atomically.
func (s *Store) saveManifest(m *manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	if err := writeFileAtomic(s.fs, s.manifestPath(m.Key), data); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// loadManifest reads a manifest without touching its access time.
func (s *Store) loadManifest(key Fingerprint) (*manifest, error) {
	data, err := afero.ReadFile(s.fs, s.manifestPath(key))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal manifest: %w", err)
	}
	if m.Key != key {
		return nil, fmt.Errorf("manifest key %s does not match %s", m.Key.Short(), key.Short())
	}

	return &m, nil
}
