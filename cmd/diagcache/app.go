package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/gophersatwork/diagcache"
	"github.com/gophersatwork/diagcache/internal/config"
	"github.com/gophersatwork/diagcache/internal/graphstore/sqlite"
	"github.com/gophersatwork/diagcache/internal/render"
)

// sqliteGraphFile is the graph database name inside the cache directory.
const sqliteGraphFile = "graph.db"

// newRenderer builds the renderer for a configuration. Tests replace it.
var newRenderer = defaultRenderer

// app holds the components a command works with.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	store      *diagcache.Store
	graphStore diagcache.GraphStore
	graph      *diagcache.Graph
}

// openApp loads configuration and opens the store and dependency graph.
// A graph that cannot be loaded is replaced by an empty one.
func openApp(ctx context.Context, flags *globalFlags, stderr io.Writer, adjust func(*config.Config)) (*app, error) {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return nil, err
	}
	if adjust != nil {
		adjust(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	level := slog.LevelInfo
	if flags.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	maxBytes, err := cfg.Cache.MaxBytes()
	if err != nil {
		return nil, &diagcache.ConfigurationError{Field: "cache.maxSize", Err: err}
	}

	store, err := diagcache.Open(cfg.Cache.Dir,
		diagcache.WithMaxBytes(maxBytes),
		diagcache.WithCompression(cfg.Cache.Compress),
		diagcache.WithLogger(logger),
	)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, store: store}

	switch cfg.Cache.Graph {
	case config.GraphSQLite:
		gs, err := sqlite.Open(filepath.Join(cfg.Cache.Dir, sqliteGraphFile))
		if err != nil {
			logger.Warn("dependency graph unavailable, building without incremental state", "error", err)
		} else {
			a.graphStore = gs
		}
	default:
		a.graphStore = store.GraphStore()
	}

	a.graph, err = diagcache.OpenGraph(ctx, a.graphStore, diagcache.WithGraphLogger(logger))
	if err != nil {
		logger.Warn("failed to load dependency graph, starting empty", "error", err)
	}

	return a, nil
}

// close flushes the graph and releases the store.
func (a *app) close(ctx context.Context) {
	if err := a.graph.Close(ctx); err != nil {
		a.logger.Warn("failed to save dependency graph", "error", err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("failed to close cache store", "error", err)
	}
}

// defaultRenderer wires one renderer per diagram kind.
func defaultRenderer(cfg config.RenderConfig, logger *slog.Logger) diagcache.Renderer {
	cmd := render.NewCommand(
		render.WithCommandLogger(logger),
		render.WithTool(diagcache.RendererMermaid, render.MermaidCLI(cfg.Mermaid.Command)),
		render.WithTool(diagcache.RendererPlantUML, render.PlantUML(cfg.PlantUML.Command)),
		render.WithTool(diagcache.RendererGraphviz, render.Graphviz(cfg.Graphviz.Command)),
	)

	mux := render.NewMux().
		Handle(diagcache.RendererPlantUML, cmd).
		Handle(diagcache.RendererGraphviz, cmd)

	if cfg.Mermaid.Engine == config.EngineBrowser {
		timeout, _ := cfg.RenderTimeout()
		mux.Handle(diagcache.RendererMermaid, render.NewBrowser(cfg.Mermaid.Script, timeout))
	} else {
		mux.Handle(diagcache.RendererMermaid, cmd)
	}
	return mux
}
