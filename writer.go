package diagcache

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"
)

const (
	dirPermissions  = 0o755
	filePermissions = 0o644

	// tempMarker is part of every temp file name; Open sweeps leftovers.
	tempMarker = ".tmp-"

	// staleTempAge is how old a temp file must be before Open treats it as
	// abandoned. Younger ones may belong to another process writing now.
	staleTempAge = 10 * time.Minute
)

// writeFileAtomic writes data to a temp file next to path and renames it into
// place. The temp file never survives a failed write.
func writeFileAtomic(fs afero.Fs, path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, dirPermissions); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+tempMarker+"*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = fs.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err = fs.Chmod(tmpName, filePermissions); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err = fs.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// encodeArtifact returns the bytes to store for artifact and whether they are
// zstd-compressed. Compression is skipped when it would not save space.
func (s *Store) encodeArtifact(artifact []byte) ([]byte, bool) {
	if !s.compress || len(artifact) == 0 {
		return artifact, false
	}
	compressed := s.encoder.EncodeAll(artifact, make([]byte, 0, len(artifact)/2))
	if len(compressed) >= len(artifact) {
		return artifact, false
	}
	return compressed, true
}

// decodeArtifact reverses encodeArtifact and verifies the checksum.
func (s *Store) decodeArtifact(stored []byte, m *manifest) ([]byte, error) {
	artifact := stored
	if m.Compressed {
		var err error
		artifact, err = s.decoder.DecodeAll(stored, make([]byte, 0, m.ArtifactSize))
		if err != nil {
			return nil, fmt.Errorf("%w: decompress: %v", ErrCorruptEntry, err)
		}
	}
	if int64(len(artifact)) != m.ArtifactSize || xxhash.Sum64(artifact) != m.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch for %s", ErrCorruptEntry, m.Key.Short())
	}
	return artifact, nil
}
