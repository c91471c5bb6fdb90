// Package render provides diagcache.Renderer implementations: external
// command-line tools, a headless browser for Mermaid, and a Mux that picks
// one per diagram kind.
package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/gophersatwork/diagcache"
)

// Sentinel errors for rendering.
var (
	ErrUnsupportedRenderer = errors.New("unsupported renderer")
	ErrToolNotFound        = errors.New("render tool not found")
	ErrToolFailed          = errors.New("render tool failed")
	ErrEmptyOutput         = errors.New("renderer produced no output")
	ErrBrowserConnect      = errors.New("failed to connect to browser")
	ErrBrowserRender       = errors.New("browser render failed")
)

// Mux dispatches to a Renderer by RenderConfig.Renderer.
type Mux struct {
	renderers map[string]diagcache.Renderer
}

var _ diagcache.Renderer = (*Mux)(nil)

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{renderers: make(map[string]diagcache.Renderer)}
}

// Handle registers r for the renderer kind, replacing any previous one.
func (m *Mux) Handle(kind string, r diagcache.Renderer) *Mux {
	m.renderers[kind] = r
	return m
}

// Kinds returns the registered renderer kinds, sorted.
func (m *Mux) Kinds() []string {
	kinds := make([]string, 0, len(m.renderers))
	for k := range m.renderers {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Render implements diagcache.Renderer.
func (m *Mux) Render(ctx context.Context, content []byte, cfg diagcache.RenderConfig) ([]byte, error) {
	r, ok := m.renderers[cfg.Renderer]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedRenderer, cfg.Renderer)
	}
	out, err := r.Render(ctx, content, cfg)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyOutput, cfg.Renderer)
	}
	return out, nil
}

// Close closes every registered renderer that holds resources. A renderer
// registered under several kinds is closed once.
func (m *Mux) Close() error {
	var errs []error
	closed := make(map[io.Closer]struct{})
	for _, kind := range m.Kinds() {
		c, ok := m.renderers[kind].(io.Closer)
		if !ok {
			continue
		}
		if _, done := closed[c]; done {
			continue
		}
		closed[c] = struct{}{}
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s renderer: %w", kind, err))
		}
	}
	return errors.Join(errs...)
}
