package diagcache_test

import (
	"context"
	"fmt"
	"log"
	"strings"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/gophersatwork/diagcache"
	"github.com/spf13/afero"
)

func exampleNow() time.Time {
	return time.Date(2020, 3, 1, 0, 0, 0, 0, time.UTC)
}

// fakeMermaid pretends to be a diagram renderer.
func fakeMermaid(ctx context.Context, content []byte, cfg diagcache.RenderConfig) ([]byte, error) {
	return []byte(fmt.Sprintf("<svg data-theme=%q>%s</svg>", cfg.Theme, content)), nil
}

func exampleConfig() diagcache.RenderConfig {
	return diagcache.RenderConfig{
		Renderer:        diagcache.RendererMermaid,
		RendererVersion: "10.9.1",
		Theme:           "default",
		Format:          diagcache.FormatSVG,
		Scale:           1,
	}
}

// TestDocumentationSite builds two documents sharing a stylesheet, then edits
// the stylesheet and checks only the dependent diagrams are rebuilt.
func TestDocumentationSite(t *testing.T) {
	isDebug := false // Set to true when you want to troubleshoot issues visually.
	memFs := afero.NewMemMapFs()
	ctx := context.Background()

	store, err := diagcache.Open(".diagcache", diagcache.WithFs(memFs), diagcache.WithNowFunc(exampleNow))
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer store.Close()

	graph, err := diagcache.OpenGraph(ctx, store.GraphStore(), diagcache.WithGraphNowFunc(exampleNow))
	if err != nil {
		log.Fatalf("Failed to open graph: %v", err)
	}

	if err := afero.WriteFile(memFs, "theme.css", []byte("svg { font-family: serif }"), 0o644); err != nil {
		log.Fatalf("Failed to write stylesheet: %v", err)
	}

	units := []diagcache.BuildUnit{
		{OutputID: "intro.md#diagram-0", Content: []byte("graph TD; A-->B"), Config: exampleConfig(), DependencyIDs: []string{"css"}},
		{OutputID: "intro.md#diagram-1", Content: []byte("pie; \"a\": 1"), Config: exampleConfig()},
		{OutputID: "usage.md#diagram-0", Content: []byte("graph TD; A-->B"), Config: exampleConfig(), DependencyIDs: []string{"css"}},
	}
	if isDebug {
		spew.Dump(units)
	}

	planner := diagcache.NewPlanner(store, graph, diagcache.RendererFunc(fakeMermaid))

	inputs := diagcache.NewInputSet(nil, diagcache.WithInputFs(memFs)).File("css", "theme.css")
	stats := diagcache.NewCacheStats()
	plan, err := planner.Plan(ctx, units, inputs, stats)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if isDebug {
		spew.Dump(plan.Units)
	}
	if stats.Misses() != 2 || stats.Hits() != 1 {
		t.Fatalf("first build: %d misses, %d hits; want 2/1", stats.Misses(), stats.Hits())
	}

	// Edit the stylesheet.
	if err := afero.WriteFile(memFs, "theme.css", []byte("svg { font-family: sans-serif }"), 0o644); err != nil {
		log.Fatalf("Failed to write stylesheet: %v", err)
	}
	inputs = diagcache.NewInputSet(nil, diagcache.WithInputFs(memFs)).File("css", "theme.css")

	cssFp, err := inputs.Fingerprint("css")
	if err != nil {
		t.Fatal(err)
	}
	stale := graph.StaleOutputs(map[string]diagcache.Fingerprint{"css": cssFp})
	if got := strings.Join(stale, ","); got != "intro.md#diagram-0,usage.md#diagram-0" {
		t.Errorf("StaleOutputs = %s", got)
	}

	stats.Reset()
	plan, err = planner.Plan(ctx, units, inputs, stats)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if isDebug {
		spew.Dump(stats.Snapshot())
	}

	for _, u := range plan.Units {
		want := diagcache.StatusHit
		if u.OutputID == "intro.md#diagram-0" {
			want = diagcache.StatusRendered
		}
		if u.Status != want {
			t.Errorf("%s: status %s, want %s", u.OutputID, u.Status, want)
		}
	}

	// The graph survives a restart.
	if err := graph.Close(ctx); err != nil {
		t.Fatalf("Failed to close graph: %v", err)
	}
	reopened, err := diagcache.OpenGraph(ctx, store.GraphStore())
	if err != nil {
		t.Fatalf("Failed to reopen graph: %v", err)
	}
	if reopened.Len() != 3 {
		t.Errorf("reopened graph has %d records, want 3", reopened.Len())
	}
}

func ExamplePlanner_Plan() {
	store := diagcache.OpenTemp()
	defer store.Close()

	planner := diagcache.NewPlanner(store, nil, diagcache.RendererFunc(fakeMermaid), diagcache.WithWorkers(2))

	var units []diagcache.BuildUnit
	for i := range 4 {
		units = append(units, diagcache.BuildUnit{
			OutputID: fmt.Sprintf("guide.md#diagram-%d", i),
			Content:  []byte("sequenceDiagram; Alice->>Bob: hi"),
			Config:   exampleConfig(),
		})
	}

	stats := diagcache.NewCacheStats()
	plan, err := planner.Plan(context.Background(), units, nil, stats)
	if err != nil {
		log.Fatal(err)
	}

	for _, u := range plan.Units {
		fmt.Println(u.OutputID, u.Status)
	}
	fmt.Printf("%d/%d served from cache\n", stats.Hits(), stats.Lookups())
	// Output:
	// guide.md#diagram-0 rendered
	// guide.md#diagram-1 hit
	// guide.md#diagram-2 hit
	// guide.md#diagram-3 hit
	// 3/4 served from cache
}

func ExampleCacheStats_Report() {
	stats := diagcache.NewCacheStats()
	fmt.Println(stats.Report())

	stats.RecordMiss(120*time.Millisecond, 2048)
	stats.RecordHit(120*time.Millisecond, 2048, 512)
	fmt.Println(stats.Report())
	// Output:
	// No diagrams cached.
	// Diagram cache: 50.0% hit ratio (1/2)
	// Time saved: 120.0ms
	// Size reduction: 37.5%
}

func ExampleHasher_Fingerprint() {
	h := diagcache.NewHasher(nil)

	light, _ := h.Fingerprint([]byte("graph TD; A-->B"), exampleConfig())
	cfg := exampleConfig()
	cfg.Theme = "dark"
	dark, _ := h.Fingerprint([]byte("graph TD; A-->B"), cfg)

	fmt.Println(len(light), light == dark)
	// Output: 64 false
}
