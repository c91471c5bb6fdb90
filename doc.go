/*
Package diagcache provides a content-addressed diagram cache and incremental build planner
for Markdown-to-PDF pipelines.

Rendering a diagram (Mermaid, PlantUML, Graphviz) means starting a headless browser or a
subprocess and usually dominates build time. diagcache makes sure each distinct diagram is
rendered once: identical blocks share one artifact, unchanged diagrams are served from disk
on the next build, and only the outputs whose inputs changed are rebuilt.

# Overview

diagcache is built from four parts:
  - Hasher - turns diagram source plus render configuration into a Fingerprint
  - Store - a persistent, size-bounded LRU store of rendered artifacts
  - Graph - records which input fingerprints each output was built from
  - Planner - splits a build into cache hits and renders, and runs the renders on a bounded worker pool

CacheStats accumulates hits, misses, render time saved and size reduction for one build.

# Fingerprints

A Fingerprint is a hex digest (BLAKE3-256 by default) over the diagram source followed by the
canonical form of its RenderConfig. The content is length-prefixed so that no split of bytes
between source and configuration can collide:

	h := diagcache.NewHasher(nil)
	fp, err := h.Fingerprint([]byte("graph TD; A-->B"), diagcache.RenderConfig{
	    Renderer:        diagcache.RendererMermaid,
	    RendererVersion: "10.9.1",
	    Theme:           "default",
	    Format:          diagcache.FormatSVG,
	    Scale:           1,
	})

Changing any configuration field, including the renderer version, yields a different fingerprint.

# Basic Usage

Opening a store and a graph:

	store, err := diagcache.Open(".diagcache", diagcache.WithMaxBytes(512<<20))
	if err != nil {
	    log.Fatalf("Failed to open cache: %v", err)
	}
	defer store.Close()

	graph, err := diagcache.OpenGraph(ctx, store.GraphStore())
	if err != nil {
	    // The graph is still usable, it just starts empty.
	    log.Printf("dependency graph unavailable: %v", err)
	}
	defer graph.Close(ctx)

Declaring live inputs that diagrams depend on:

	inputs := diagcache.NewInputSet(nil).
	    File("css", "theme.css").
	    Glob("glossary", "glossary/*.yaml")

Planning a build:

	planner := diagcache.NewPlanner(store, graph, renderer, diagcache.WithRenderTimeout(30*time.Second))
	stats := diagcache.NewCacheStats()

	plan, err := planner.Plan(ctx, units, inputs, stats)
	if err != nil {
	    log.Fatalf("Invalid build request: %v", err)
	}
	for _, u := range plan.Failed() {
	    log.Printf("warning: %s: %v", u.OutputID, u.Err)
	}
	fmt.Println(stats.Report())

A failed unit never aborts the plan; the other units still get their artifacts.

# Hits

A unit is served from the store when its output was recorded with the same input fingerprints,
or when the stored entry for its fingerprint was built from exactly the same inputs by another
output. Units with identical source and configuration in the same plan are rendered once; the
first counts as a miss, the others as hits.

# File Structure

The store uses the following directory structure:

	.diagcache/
	├── manifests/
	│   └── [first 2 chars of fingerprint]/
	│       └── [fingerprint].json
	├── objects/
	│   └── [first 2 chars of fingerprint]/
	│       └── [fingerprint].bin
	└── graph.msgpack

Objects are zstd-compressed when that saves space and carry an xxHash checksum in their
manifest. All writes go through a temp file and a rename.

# Error Handling

The package defines the following error types:

  - HashingError: an input could not be fingerprinted; fails one unit
  - StorageError: a store or graph read/write failed; reads degrade to misses
  - RenderError: a render failed or timed out (wraps ErrRenderTimeout)
  - ConfigurationError: invalid store root or option
  - ValidationError: a malformed build request, with one error per problem
*/
package diagcache
