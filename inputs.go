package diagcache

import (
	"bytes"
	"fmt"
	"hash"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

// input is a live dependency whose content feeds a dependency fingerprint.
type input interface {
	hash(h hash.Hash, fs afero.Fs) error
	String() string
}

// fileInput represents a single file input.
type fileInput struct {
	path string
}

func (f fileInput) hash(h hash.Hash, fs afero.Fs) error {
	data, err := afero.ReadFile(fs, f.path)
	if err != nil {
		return fmt.Errorf("file %s: %w", f.path, err)
	}
	_, err = hashFile(bytes.NewReader(data), h)
	return err
}

func (f fileInput) String() string {
	return fmt.Sprintf("file:%s", f.path)
}

// globInput represents a glob pattern input, such as a glossary split over
// several files.
type globInput struct {
	pattern string
}

func (g globInput) hash(h hash.Hash, fs afero.Fs) error {
	matches, err := expandGlob(g.pattern, fs)
	if err != nil {
		return fmt.Errorf("glob %s: %w", g.pattern, err)
	}

	// Sort for deterministic ordering
	sort.Strings(matches)

	fmt.Fprintf(h, "%d", len(matches))
	for _, match := range matches {
		h.Write([]byte(filepath.ToSlash(match)))
		data, err := afero.ReadFile(fs, match)
		if err != nil {
			return fmt.Errorf("glob match %s: %w", match, err)
		}
		if _, err := hashFile(bytes.NewReader(data), h); err != nil {
			return err
		}
	}

	return nil
}

func (g globInput) String() string {
	return fmt.Sprintf("glob:%s", g.pattern)
}

// dirInput represents a directory input, walked recursively.
type dirInput struct {
	path    string
	exclude []string
}

func (d dirInput) hash(h hash.Hash, fs afero.Fs) error {
	var files []string
	err := afero.Walk(fs, d.path, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		// Check exclusions (basename only)
		for _, pattern := range d.exclude {
			matched, err := filepath.Match(pattern, filepath.Base(path))
			if err != nil {
				return fmt.Errorf("invalid exclude pattern %s: %w", pattern, err)
			}
			if matched {
				return nil
			}
		}

		files = append(files, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("dir %s: %w", d.path, err)
	}

	sort.Strings(files)

	fmt.Fprintf(h, "%d", len(files))
	for _, file := range files {
		rel, err := filepath.Rel(d.path, file)
		if err != nil {
			rel = file
		}
		h.Write([]byte(filepath.ToSlash(rel)))
		data, err := afero.ReadFile(fs, file)
		if err != nil {
			return fmt.Errorf("dir file %s: %w", file, err)
		}
		if _, err := hashFile(bytes.NewReader(data), h); err != nil {
			return err
		}
	}

	return nil
}

func (d dirInput) String() string {
	if len(d.exclude) == 0 {
		return fmt.Sprintf("dir:%s", d.path)
	}
	return fmt.Sprintf("dir:%s(exclude:%s)", d.path, strings.Join(d.exclude, ","))
}

// bytesInput represents in-memory content, e.g. a generated stylesheet.
type bytesInput struct {
	data []byte
}

func (b bytesInput) hash(h hash.Hash, fs afero.Fs) error {
	_, err := hashFile(bytes.NewReader(b.data), h)
	return err
}

func (b bytesInput) String() string {
	return fmt.Sprintf("bytes:%d", len(b.data))
}

// InputSet names the live inputs (stylesheets, glossaries, templates) that
// build units declare as dependencies, and memoizes their fingerprints for
// the duration of one build. Register inputs before the first call to
// Fingerprint; registering an ID again replaces it and drops its memo.
type InputSet struct {
	hasher *Hasher
	fs     afero.Fs

	mu     sync.Mutex
	inputs map[string]input
	memo   map[string]Fingerprint
}

// InputOption configures an InputSet.
type InputOption func(*InputSet)

// WithInputFs sets the filesystem inputs are read from.
func WithInputFs(fs afero.Fs) InputOption {
	return func(s *InputSet) {
		s.fs = fs
	}
}

// NewInputSet creates an empty InputSet. A nil hasher uses the default digest.
func NewInputSet(hasher *Hasher, opts ...InputOption) *InputSet {
	if hasher == nil {
		hasher = NewHasher(nil)
	}
	s := &InputSet{
		hasher: hasher,
		fs:     afero.NewOsFs(),
		inputs: make(map[string]input),
		memo:   make(map[string]Fingerprint),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InputSet) add(id string, in input) *InputSet {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inputs[id] = in
	delete(s.memo, id)
	return s
}

// File registers a single file under id.
func (s *InputSet) File(id, path string) *InputSet {
	return s.add(id, fileInput{path: path})
}

// Glob registers every file matching pattern under id. Patterns support **.
func (s *InputSet) Glob(id, pattern string) *InputSet {
	return s.add(id, globInput{pattern: pattern})
}

// Dir registers all files below path under id. exclude patterns match
// basenames only.
func (s *InputSet) Dir(id, path string, exclude ...string) *InputSet {
	return s.add(id, dirInput{path: path, exclude: exclude})
}

// Bytes registers in-memory content under id. The slice is copied.
func (s *InputSet) Bytes(id string, data []byte) *InputSet {
	return s.add(id, bytesInput{data: append([]byte(nil), data...)})
}

// Has reports whether id was registered.
func (s *InputSet) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inputs[id]
	return ok
}

// IDs returns the registered input IDs in sorted order.
func (s *InputSet) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.inputs))
	for id := range s.inputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Describe returns the human readable form of an input, e.g. "file:theme.css".
func (s *InputSet) Describe(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if in, ok := s.inputs[id]; ok {
		return in.String()
	}
	return ""
}

// Fingerprint returns the current fingerprint of the input registered as id.
func (s *InputSet) Fingerprint(id string) (Fingerprint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if fp, ok := s.memo[id]; ok {
		return fp, nil
	}
	in, ok := s.inputs[id]
	if !ok {
		return "", &HashingError{Input: id, Err: ErrUnknownInput}
	}

	fp, err := s.hasher.digest(func(h hash.Hash) error {
		// Write input string representation for better determinism
		h.Write([]byte(in.String()))
		return in.hash(h, s.fs)
	})
	if err != nil {
		return "", &HashingError{Input: id, Err: err}
	}

	s.memo[id] = fp
	return fp, nil
}

// Fingerprints resolves ids in one call. The first failure is returned.
func (s *InputSet) Fingerprints(ids []string) (map[string]Fingerprint, error) {
	out := make(map[string]Fingerprint, len(ids))
	for _, id := range ids {
		fp, err := s.Fingerprint(id)
		if err != nil {
			return nil, err
		}
		out[id] = fp
	}
	return out, nil
}
