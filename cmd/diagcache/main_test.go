package main

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/gophersatwork/diagcache"
	"github.com/gophersatwork/diagcache/internal/config"
)

const fourIdentical = "# Doc\n\n" +
	"```mermaid\ngraph TD; A-->B\n```\n\n" +
	"```mermaid\ngraph TD; A-->B\n```\n\n" +
	"```mermaid\ngraph TD; A-->B\n```\n\n" +
	"```mermaid\ngraph TD; A-->B\n```\n"

// fakeRenderer counts calls and echoes the source as the artifact.
type fakeRenderer struct {
	calls atomic.Int32
	fail  string
}

func (f *fakeRenderer) Render(_ context.Context, content []byte, cfg diagcache.RenderConfig) ([]byte, error) {
	f.calls.Add(1)
	if f.fail != "" && strings.Contains(string(content), f.fail) {
		return nil, errors.New("syntax error")
	}
	return []byte("<svg>" + string(content) + "</svg>"), nil
}

// setup points the CLI at a fresh cache directory and a fake renderer.
func setup(t *testing.T) (dir string, fake *fakeRenderer) {
	t.Helper()
	dir = t.TempDir()
	t.Setenv(config.EnvDir, filepath.Join(dir, "cache"))
	t.Setenv(config.EnvMaxSize, "")

	fake = &fakeRenderer{}
	old := newRenderer
	newRenderer = func(config.RenderConfig, *slog.Logger) diagcache.Renderer { return fake }
	t.Cleanup(func() { newRenderer = old })
	return dir, fake
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func execute(t *testing.T, args ...string) (code int, stdout, stderr string) {
	t.Helper()
	var out, errOut bytes.Buffer
	code = run(context.Background(), args, &out, &errOut)
	return code, out.String(), errOut.String()
}

func TestBuild_IdenticalBlocksRenderOnce(t *testing.T) {
	dir, fake := setup(t)
	doc := filepath.Join(dir, "doc.md")
	writeFile(t, doc, fourIdentical)
	out := filepath.Join(dir, "out")

	code, stdout, stderr := execute(t, "build", "--verbose", "--out", out, doc)
	if code != ExitSuccess {
		t.Fatalf("expected exit 0, got %d: %s", code, stderr)
	}
	if got := fake.calls.Load(); got != 1 {
		t.Errorf("expected 1 render, got %d", got)
	}
	if !strings.Contains(stdout, "Diagram cache: 75.0% hit ratio (3/4)") {
		t.Errorf("unexpected report:\n%s", stdout)
	}

	entries, err := os.ReadDir(out)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 4 {
		t.Errorf("expected 4 artifacts, got %d", len(entries))
	}

	// Second build is served entirely from cache.
	code, stdout, stderr = execute(t, "build", "--verbose", "--out", out, doc)
	if code != ExitSuccess {
		t.Fatalf("expected exit 0, got %d: %s", code, stderr)
	}
	if got := fake.calls.Load(); got != 1 {
		t.Errorf("expected no further renders, got %d total", got)
	}
	if !strings.Contains(stdout, "Diagram cache: 100.0% hit ratio (4/4)") {
		t.Errorf("unexpected report:\n%s", stdout)
	}
}

func TestBuild_StylesheetChangeInvalidates(t *testing.T) {
	dir, fake := setup(t)
	doc := filepath.Join(dir, "doc.md")
	css := filepath.Join(dir, "theme.css")
	writeFile(t, doc, "```dot\ndigraph { a -> b }\n```\n")
	writeFile(t, css, "svg { color: red }")

	for i := 0; i < 2; i++ {
		if code, _, stderr := execute(t, "build", "--css", css, "--out", filepath.Join(dir, "out"), doc); code != ExitSuccess {
			t.Fatalf("build %d failed: %s", i, stderr)
		}
	}
	if got := fake.calls.Load(); got != 1 {
		t.Fatalf("expected 1 render before the change, got %d", got)
	}

	writeFile(t, css, "svg { color: blue }")
	if code, _, stderr := execute(t, "build", "--css", css, "--out", filepath.Join(dir, "out"), doc); code != ExitSuccess {
		t.Fatalf("build failed: %s", stderr)
	}
	if got := fake.calls.Load(); got != 2 {
		t.Errorf("expected a re-render after the stylesheet changed, got %d renders", got)
	}
}

func TestBuild_PartialFailureWarns(t *testing.T) {
	dir, fake := setup(t)
	fake.fail = "broken"
	doc := filepath.Join(dir, "doc.md")
	writeFile(t, doc, "```mermaid\ngraph TD; ok\n```\n\n```mermaid\nbroken\n```\n")

	code, stdout, stderr := execute(t, "build", "--out", filepath.Join(dir, "out"), doc)
	if code != ExitSuccess {
		t.Fatalf("partial failure should not fail the build, got %d: %s", code, stderr)
	}
	if !strings.Contains(stderr, "warning: ") || !strings.Contains(stderr, "#diagram-2") {
		t.Errorf("expected a warning for diagram 2, got:\n%s", stderr)
	}
	if !strings.Contains(stdout, "Rendered 1 of 2 diagrams") {
		t.Errorf("unexpected summary:\n%s", stdout)
	}
}

func TestBuild_NoDiagrams(t *testing.T) {
	dir, _ := setup(t)
	doc := filepath.Join(dir, "doc.md")
	writeFile(t, doc, "# Nothing to draw\n")

	code, stdout, _ := execute(t, "build", doc)
	if code != ExitSuccess {
		t.Fatalf("expected exit 0, got %d", code)
	}
	if !strings.Contains(stdout, "No diagrams found.") {
		t.Errorf("unexpected output:\n%s", stdout)
	}
}

func TestExitCodes(t *testing.T) {
	dir, _ := setup(t)
	badConfig := filepath.Join(dir, "bad.yaml")
	writeFile(t, badConfig, "render:\n  format: gif\n")

	tests := []struct {
		name string
		args []string
		want int
	}{
		{"missing argument", []string{"build"}, ExitConfig},
		{"unknown flag", []string{"build", "--bogus", "x.md"}, ExitConfig},
		{"invalid config", []string{"cache", "stats", "--config", badConfig}, ExitConfig},
		{"invalid format flag", []string{"build", "--format", "gif", filepath.Join(dir, "x.md")}, ExitConfig},
		{"missing document", []string{"build", filepath.Join(dir, "missing.md")}, ExitConfig},
		{"prune without criteria", []string{"cache", "prune"}, ExitConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := execute(t, tt.args...)
			if code != tt.want {
				t.Errorf("expected exit %d, got %d: %s", tt.want, code, stderr)
			}
		})
	}
}

func TestExitCodeFor(t *testing.T) {
	if got := exitCodeFor(nil); got != ExitSuccess {
		t.Errorf("nil: got %d", got)
	}
	if got := exitCodeFor(errors.New("boom")); got != ExitGeneral {
		t.Errorf("plain error: got %d", got)
	}
	wrapped := &diagcache.ConfigurationError{Field: "cache.dir", Err: errors.New("empty")}
	if got := exitCodeFor(wrapped); got != ExitConfig {
		t.Errorf("configuration error: got %d", got)
	}
}

func TestCacheCommands(t *testing.T) {
	dir, _ := setup(t)
	doc := filepath.Join(dir, "doc.md")
	writeFile(t, doc, "```mermaid\ngraph TD; A\n```\n\n```dot\ndigraph { x }\n```\n")

	if code, _, stderr := execute(t, "build", "--out", filepath.Join(dir, "out"), doc); code != ExitSuccess {
		t.Fatalf("build failed: %s", stderr)
	}

	_, stdout, _ := execute(t, "cache", "stats")
	if !strings.Contains(stdout, "Entries:") || !strings.Contains(stdout, "2\n") {
		t.Errorf("expected 2 entries in stats:\n%s", stdout)
	}
	if !strings.Contains(stdout, "Graph records:") {
		t.Errorf("expected graph records in stats:\n%s", stdout)
	}

	code, stdout, _ := execute(t, "cache", "prune", "--unused", "24h")
	if code != ExitSuccess || !strings.Contains(stdout, "Pruned 0 cache entries") {
		t.Errorf("fresh entries should survive prune, got %d:\n%s", code, stdout)
	}

	code, stdout, _ = execute(t, "cache", "clear")
	if code != ExitSuccess || !strings.Contains(stdout, "Cleared 2 cache entries.") {
		t.Errorf("unexpected clear output (%d):\n%s", code, stdout)
	}

	_, stdout, _ = execute(t, "cache", "stats")
	if !strings.Contains(stdout, "Graph records:  0") {
		t.Errorf("graph should be empty after clear:\n%s", stdout)
	}
}

func TestDeps(t *testing.T) {
	dir, _ := setup(t)
	doc := filepath.Join(dir, "doc.md")
	css := filepath.Join(dir, "theme.css")
	writeFile(t, doc, "```mermaid\ngraph TD; A\n```\n")
	writeFile(t, css, "a{}")

	if code, _, stderr := execute(t, "build", "--css", css, "--out", filepath.Join(dir, "out"), doc); code != ExitSuccess {
		t.Fatalf("build failed: %s", stderr)
	}

	_, stdout, _ := execute(t, "deps", "css", "--css", css)
	if !strings.Contains(stdout, "#diagram-1") || !strings.Contains(stdout, "fresh") {
		t.Errorf("expected fresh dependent:\n%s", stdout)
	}

	writeFile(t, css, "b{}")
	_, stdout, _ = execute(t, "deps", "css", "--css", css)
	if !strings.Contains(stdout, "stale") {
		t.Errorf("expected stale dependent:\n%s", stdout)
	}

	_, stdout, _ = execute(t, "deps", "glossary")
	if !strings.Contains(stdout, "No diagrams depend on glossary.") {
		t.Errorf("unexpected output:\n%s", stdout)
	}
}

func TestArtifactName(t *testing.T) {
	tests := []struct {
		id, format, want string
	}{
		{"docs/guide.md#diagram-2", "svg", "docs_guide.md-diagram-2.svg"},
		{"./a.md#diagram-1", "png", "a.md-diagram-1.png"},
		{"a.md#diagram-1", "", "a.md-diagram-1.svg"},
	}
	for _, tt := range tests {
		if got := artifactName(tt.id, tt.format); got != tt.want {
			t.Errorf("artifactName(%q, %q) = %q, want %q", tt.id, tt.format, got, tt.want)
		}
	}
}
