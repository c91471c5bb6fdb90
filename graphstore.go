package diagcache

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/vmihailenco/msgpack/v5"
)

// graphSchemaVersion is bumped whenever the snapshot layout changes; older
// snapshots are discarded rather than misread.
const graphSchemaVersion = 1

type graphSnapshot struct {
	Version int                `msgpack:"version"`
	Records []DependencyRecord `msgpack:"records"`
}

// FileGraphStore keeps the dependency graph as a single msgpack snapshot.
type FileGraphStore struct {
	fs   afero.Fs
	path string
}

var _ GraphStore = (*FileGraphStore)(nil)

// NewFileGraphStore returns a store writing to path on fs.
func NewFileGraphStore(fs afero.Fs, path string) *FileGraphStore {
	return &FileGraphStore{fs: fs, path: path}
}

// Path returns the snapshot location.
func (f *FileGraphStore) Path() string { return f.path }

// LoadRecords reads the snapshot. A missing file is an empty graph.
func (f *FileGraphStore) LoadRecords(ctx context.Context) ([]DependencyRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := afero.ReadFile(f.fs, f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, &StorageError{Op: "load", Path: f.path, Err: err}
	}

	var snap graphSnapshot
	if err := msgpack.Unmarshal(data, &snap); err != nil {
		return nil, &StorageError{Op: "load", Path: f.path, Err: fmt.Errorf("decode graph: %w", err)}
	}
	if snap.Version != graphSchemaVersion {
		return nil, nil
	}
	return snap.Records, nil
}

// SaveRecords atomically replaces the snapshot.
func (f *FileGraphStore) SaveRecords(ctx context.Context, records []DependencyRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := msgpack.Marshal(graphSnapshot{Version: graphSchemaVersion, Records: records})
	if err != nil {
		return &StorageError{Op: "save", Path: f.path, Err: fmt.Errorf("encode graph: %w", err)}
	}
	if err := writeFileAtomic(f.fs, f.path, data); err != nil {
		return &StorageError{Op: "save", Path: f.path, Err: err}
	}
	return nil
}

// Close is a no-op; the snapshot is written on every save.
func (f *FileGraphStore) Close() error {
	return nil
}

// asStorageError wraps err unless it already is a StorageError.
func asStorageError(op string, err error) error {
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
