// Package config loads the diagcache YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-yaml"

	"github.com/gophersatwork/diagcache"
)

// Sentinel errors for config operations.
var (
	ErrConfigNotFound = errors.New("config file not found")
	ErrConfigParse    = errors.New("failed to parse config")
	ErrInputTooLarge  = errors.New("config exceeds maximum size")
)

// Environment overrides, applied after the file is read.
const (
	EnvDir     = "DIAGCACHE_DIR"
	EnvMaxSize = "DIAGCACHE_MAX_SIZE"
)

// MaxInputSize limits config files to prevent memory exhaustion.
var MaxInputSize = 1 << 20

// Graph backends.
const (
	GraphFile   = "file"
	GraphSQLite = "sqlite"
)

// Render engines.
const (
	EngineCommand = "command"
	EngineBrowser = "browser"
)

// Config holds all configuration of a diagcache build.
type Config struct {
	Cache  CacheConfig  `yaml:"cache"`
	Render RenderConfig `yaml:"render"`
}

// CacheConfig defines where and how artifacts are cached.
type CacheConfig struct {
	Dir      string `yaml:"dir"`
	MaxSize  string `yaml:"maxSize"`  // "512MiB", "1GB"; "0" = unbounded
	Compress bool   `yaml:"compress"` // zstd-compress stored artifacts
	Graph    string `yaml:"graph"`    // "file" or "sqlite"
}

// RenderConfig defines renderer defaults shared by all diagrams.
type RenderConfig struct {
	Theme   string  `yaml:"theme"`
	Format  string  `yaml:"format"` // "svg" or "png"
	Scale   float64 `yaml:"scale"`
	Timeout string  `yaml:"timeout"` // Go duration, "0" disables
	Workers int     `yaml:"workers"` // 0 = auto

	Mermaid  ToolConfig `yaml:"mermaid"`
	PlantUML ToolConfig `yaml:"plantuml"`
	Graphviz ToolConfig `yaml:"graphviz"`
}

// ToolConfig describes how one diagram kind is rendered.
type ToolConfig struct {
	Command string `yaml:"command"` // executable looked up in PATH
	Version string `yaml:"version"` // part of every fingerprint; bump to invalidate
	Engine  string `yaml:"engine"`  // "command" (default) or "browser" (mermaid only)
	Script  string `yaml:"script"`  // mermaid.js bundle for the browser engine
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Cache: CacheConfig{
			Dir:      ".diagcache",
			MaxSize:  "512MiB",
			Compress: true,
			Graph:    GraphFile,
		},
		Render: RenderConfig{
			Theme:    "default",
			Format:   diagcache.FormatSVG,
			Scale:    1,
			Timeout:  "30s",
			Mermaid:  ToolConfig{Command: "mmdc", Engine: EngineCommand},
			PlantUML: ToolConfig{Command: "plantuml", Engine: EngineCommand},
			Graphviz: ToolConfig{Command: "dot", Engine: EngineCommand},
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path yields the defaults. Every failure is a
// *diagcache.ConfigurationError.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- config path is user-provided
		if err != nil {
			if os.IsNotExist(err) {
				return nil, &diagcache.ConfigurationError{Field: "config", Err: fmt.Errorf("%w: %s", ErrConfigNotFound, path)}
			}
			return nil, &diagcache.ConfigurationError{Field: "config", Err: fmt.Errorf("reading config file: %w", err)}
		}
		if err := Parse(data, cfg); err != nil {
			return nil, err
		}
	}

	cfg.ApplyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, rejecting unknown fields. Keys absent from
// data keep the values already in cfg.
func Parse(data []byte, cfg *Config) error {
	if len(data) > MaxInputSize {
		return &diagcache.ConfigurationError{
			Field: "config",
			Err:   fmt.Errorf("%w: %d bytes (max %d)", ErrInputTooLarge, len(data), MaxInputSize),
		}
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil
	}
	if err := yaml.UnmarshalWithOptions(data, cfg, yaml.Strict()); err != nil {
		return &diagcache.ConfigurationError{Field: "config", Err: fmt.Errorf("%w: %v", ErrConfigParse, err)}
	}
	return nil
}

// ApplyEnv overrides fields from the environment.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvDir); ok && v != "" {
		c.Cache.Dir = v
	}
	if v, ok := lookup(EnvMaxSize); ok && v != "" {
		c.Cache.MaxSize = v
	}
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(field string, format string, args ...any) {
		errs = append(errs, &diagcache.ConfigurationError{Field: field, Err: fmt.Errorf(format, args...)})
	}

	if strings.TrimSpace(c.Cache.Dir) == "" {
		invalid("cache.dir", "cannot be empty")
	}
	if _, err := c.Cache.MaxBytes(); err != nil {
		invalid("cache.maxSize", "%v", err)
	}
	switch c.Cache.Graph {
	case GraphFile, GraphSQLite:
	default:
		invalid("cache.graph", "invalid value %q (must be %s or %s)", c.Cache.Graph, GraphFile, GraphSQLite)
	}

	switch c.Render.Format {
	case diagcache.FormatSVG, diagcache.FormatPNG:
	default:
		invalid("render.format", "invalid value %q (must be svg or png)", c.Render.Format)
	}
	if c.Render.Scale <= 0 || c.Render.Scale > 10 {
		invalid("render.scale", "must be in (0, 10], got %g", c.Render.Scale)
	}
	if _, err := c.Render.RenderTimeout(); err != nil {
		invalid("render.timeout", "%v", err)
	}
	if c.Render.Workers < 0 || c.Render.Workers > diagcache.MaxWorkers*4 {
		invalid("render.workers", "must be between 0 and %d, got %d", diagcache.MaxWorkers*4, c.Render.Workers)
	}

	tools := []struct {
		name string
		tool ToolConfig
	}{
		{"render.mermaid", c.Render.Mermaid},
		{"render.plantuml", c.Render.PlantUML},
		{"render.graphviz", c.Render.Graphviz},
	}
	for _, t := range tools {
		switch t.tool.Engine {
		case "", EngineCommand:
			if t.tool.Command == "" {
				invalid(t.name+".command", "required for the command engine")
			}
		case EngineBrowser:
			if t.name != "render.mermaid" {
				invalid(t.name+".engine", "browser engine only supports mermaid")
			}
		default:
			invalid(t.name+".engine", "invalid value %q (must be %s or %s)", t.tool.Engine, EngineCommand, EngineBrowser)
		}
	}

	return diagcache.NewValidationError(errs)
}

// MaxBytes parses MaxSize. Empty and "0" mean unbounded.
func (c CacheConfig) MaxBytes() (int64, error) {
	s := strings.TrimSpace(c.MaxSize)
	if s == "" || s == "0" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", c.MaxSize, err)
	}
	if n > uint64(1<<62) {
		return 0, fmt.Errorf("size %q too large", c.MaxSize)
	}
	return int64(n), nil
}

// RenderTimeout parses Timeout. Empty and "0" disable the limit.
func (c RenderConfig) RenderTimeout() (time.Duration, error) {
	s := strings.TrimSpace(c.Timeout)
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", c.Timeout, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("must not be negative, got %s", d)
	}
	return d, nil
}

// Tool returns the settings for a renderer kind.
func (c RenderConfig) Tool(renderer string) (ToolConfig, bool) {
	switch renderer {
	case diagcache.RendererMermaid:
		return c.Mermaid, true
	case diagcache.RendererPlantUML:
		return c.PlantUML, true
	case diagcache.RendererGraphviz:
		return c.Graphviz, true
	default:
		return ToolConfig{}, false
	}
}

// BaseRenderConfig returns the fingerprint-relevant settings for renderer.
func (c RenderConfig) BaseRenderConfig(renderer string) diagcache.RenderConfig {
	tool, _ := c.Tool(renderer)
	return diagcache.RenderConfig{
		Renderer:        renderer,
		RendererVersion: tool.Version,
		Theme:           c.Theme,
		Format:          c.Format,
		Scale:           c.Scale,
	}
}
