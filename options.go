package diagcache

import (
	"log/slog"

	"github.com/spf13/afero"
)

// Option defines a function that configures a Store.
type Option func(*Store)

// WithFs sets a custom filesystem for the store.
// This is primarily useful for testing with in-memory filesystems.
//
// Example:
//
//	store, err := diagcache.Open(".diagcache", diagcache.WithFs(afero.NewMemMapFs()))
func WithFs(fs afero.Fs) Option {
	return func(s *Store) {
		s.fs = fs
	}
}

// WithNowFunc sets a custom time function for the store.
// This is primarily useful for testing with deterministic timestamps.
func WithNowFunc(nowFunc NowFunc) Option {
	return func(s *Store) {
		s.nowFunc = nowFunc
	}
}

// WithMaxBytes bounds the total stored artifact size. When a Put pushes the
// store over the limit, least recently used entries are evicted until it
// fits again. 0 means unbounded; negative values are rejected by Open.
func WithMaxBytes(n int64) Option {
	return func(s *Store) {
		s.maxBytes = n
	}
}

// WithCompression toggles zstd compression of stored artifacts (default on).
func WithCompression(enabled bool) Option {
	return func(s *Store) {
		s.compress = enabled
	}
}

// WithLogger sets the logger used for degraded-mode warnings.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}
