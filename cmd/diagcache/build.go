package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/gophersatwork/diagcache"
	"github.com/gophersatwork/diagcache/internal/config"
	"github.com/gophersatwork/diagcache/internal/markdown"
)

// Input IDs that diagrams declare as dependencies.
const (
	inputCSS      = "css"
	inputGlossary = "glossary"
)

// buildFlags holds the flags of the build command.
type buildFlags struct {
	out      string
	css      string
	glossary string
	theme    string
	format   string
	workers  int
	timeout  time.Duration
	noCache  bool
}

func newBuildCmd(global *globalFlags) *cobra.Command {
	var flags buildFlags

	cmd := &cobra.Command{
		Use:   "build <markdown>...",
		Short: "Render every diagram of the given Markdown files",
		Args:  requireArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, global, &flags, args)
		},
	}

	bindBuildFlags(cmd.Flags(), &flags)
	return cmd
}

// bindBuildFlags registers the build flags on f.
func bindBuildFlags(f *pflag.FlagSet, flags *buildFlags) {
	f.StringVarP(&flags.out, "out", "o", "diagrams", "directory for rendered artifacts")
	f.StringVar(&flags.css, "css", "", "stylesheet the diagrams depend on")
	f.StringVar(&flags.glossary, "glossary", "", "glossary files the diagrams depend on (glob, ** allowed)")
	f.StringVar(&flags.theme, "theme", "", "renderer theme (overrides config)")
	f.StringVar(&flags.format, "format", "", "artifact format: svg or png (overrides config)")
	f.IntVarP(&flags.workers, "workers", "w", 0, "concurrent renders (0 = auto)")
	f.DurationVar(&flags.timeout, "timeout", 0, "per-diagram render timeout (overrides config)")
	f.BoolVar(&flags.noCache, "no-cache", false, "ignore cached artifacts and render everything")
}

func runBuild(cmd *cobra.Command, global *globalFlags, flags *buildFlags, docs []string) error {
	ctx := cmd.Context()
	stdout, stderr := cmd.OutOrStdout(), cmd.ErrOrStderr()
	changed := cmd.Flags().Changed

	a, err := openApp(ctx, global, stderr, func(cfg *config.Config) {
		if changed("theme") {
			cfg.Render.Theme = flags.theme
		}
		if changed("format") {
			cfg.Render.Format = flags.format
		}
		if changed("workers") {
			cfg.Render.Workers = flags.workers
		}
		if changed("timeout") {
			cfg.Render.Timeout = flags.timeout.String()
		}
	})
	if err != nil {
		return err
	}
	defer a.close(ctx)

	hasher := diagcache.NewHasher(nil)
	inputs := diagcache.NewInputSet(hasher)
	var deps []string
	if flags.css != "" {
		inputs.File(inputCSS, flags.css)
		deps = append(deps, inputCSS)
	}
	if flags.glossary != "" {
		inputs.Glob(inputGlossary, flags.glossary)
		deps = append(deps, inputGlossary)
	}

	units, err := collectUnits(docs, a.cfg.Render, deps)
	if err != nil {
		return err
	}
	if len(units) == 0 {
		fmt.Fprintln(stdout, "No diagrams found.")
		return nil
	}

	renderer := newRenderer(a.cfg.Render, a.logger)
	if c, ok := renderer.(io.Closer); ok {
		defer c.Close()
	}

	timeout, _ := a.cfg.Render.RenderTimeout()
	planner := diagcache.NewPlanner(a.store, a.graph, renderer,
		diagcache.WithHasher(hasher),
		diagcache.WithWorkers(a.cfg.Render.Workers),
		diagcache.WithRenderTimeout(timeout),
		diagcache.WithNoCache(flags.noCache),
		diagcache.WithPlannerLogger(a.logger),
	)

	stats := diagcache.NewCacheStats()
	plan, err := planner.Plan(ctx, units, inputs, stats)
	if err != nil {
		return err
	}

	written, err := writeArtifacts(flags.out, plan, a.cfg.Render.Format)
	if err != nil {
		return err
	}

	for _, u := range plan.Failed() {
		fmt.Fprintf(stderr, "warning: %s: %v\n", u.OutputID, u.Err)
	}
	fmt.Fprintf(stdout, "Rendered %d of %d diagrams into %s\n", written, len(units), flags.out)
	if global.verbose {
		fmt.Fprintln(stdout, stats.Report())
	}
	return nil
}

// collectUnits extracts the diagrams of every document.
func collectUnits(docs []string, rc config.RenderConfig, deps []string) ([]diagcache.BuildUnit, error) {
	extractor := markdown.NewExtractor()

	var units []diagcache.BuildUnit
	for _, doc := range docs {
		source, err := os.ReadFile(doc) // #nosec G304 -- documents are user-provided
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, &usageError{err: fmt.Errorf("reading %s: %w", doc, err)}
			}
			return nil, fmt.Errorf("reading %s: %w", doc, err)
		}
		diagrams := extractor.Extract(source)
		units = append(units, markdown.Units(filepath.ToSlash(filepath.Clean(doc)), diagrams, rc.BaseRenderConfig, deps)...)
	}
	return units, nil
}

// writeArtifacts stores every available artifact under dir and returns how
// many were written.
func writeArtifacts(dir string, plan *diagcache.BuildPlan, format string) (int, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("creating output directory: %w", err)
	}

	written := 0
	for _, u := range plan.Units {
		artifact, ok := plan.Artifact(u.OutputID)
		if !ok {
			continue
		}
		path := filepath.Join(dir, artifactName(u.OutputID, format))
		if err := os.WriteFile(path, artifact, 0o644); err != nil {
			return written, fmt.Errorf("writing %s: %w", path, err)
		}
		written++
	}
	return written, nil
}

var artifactNameReplacer = strings.NewReplacer("/", "_", "\\", "_", "#", "-", ":", "_", " ", "_")

// artifactName flattens an output ID into a file name,
// e.g. "docs/guide.md#diagram-2" -> "docs_guide.md-diagram-2.svg".
func artifactName(outputID, format string) string {
	if format == "" {
		format = diagcache.FormatSVG
	}
	return artifactNameReplacer.Replace(strings.TrimPrefix(outputID, "./")) + "." + format
}

// requireArgs returns a cobra.PositionalArgs demanding at least n arguments.
func requireArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) < n {
			return &usageError{err: fmt.Errorf("%s requires at least %d argument(s)", cmd.Name(), n)}
		}
		return nil
	}
}
