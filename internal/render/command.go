package render

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gophersatwork/diagcache"
)

// maxStderr bounds how much tool output ends up in an error message.
const maxStderr = 2048

// waitDelay is how long a killed tool may take to release its pipes.
const waitDelay = 2 * time.Second

// Tool describes how to invoke one external renderer.
type Tool struct {
	// Command is the executable, resolved through PATH.
	Command string
	// Args builds the argument list. in and out are paths inside a private
	// temp directory; with Stdio they are still set but unused.
	Args func(in, out string, cfg diagcache.RenderConfig) []string
	// Stdio tools read the source on stdin and write the artifact to stdout.
	Stdio bool
}

// MermaidCLI returns the mmdc tool.
func MermaidCLI(command string) Tool {
	return Tool{
		Command: command,
		Args: func(in, out string, cfg diagcache.RenderConfig) []string {
			args := []string{"--quiet", "-i", in, "-o", out}
			if cfg.Theme != "" {
				args = append(args, "-t", cfg.Theme)
			}
			if cfg.Scale > 0 {
				args = append(args, "-s", strconv.FormatFloat(cfg.Scale, 'g', -1, 64))
			}
			return args
		},
	}
}

// PlantUML returns the plantuml tool in pipe mode.
func PlantUML(command string) Tool {
	return Tool{
		Command: command,
		Args: func(_, _ string, cfg diagcache.RenderConfig) []string {
			return []string{"-t" + formatOf(cfg), "-pipe"}
		},
		Stdio: true,
	}
}

// Graphviz returns the dot tool.
func Graphviz(command string) Tool {
	return Tool{
		Command: command,
		Args: func(in, out string, cfg diagcache.RenderConfig) []string {
			args := []string{"-T" + formatOf(cfg), "-o", out}
			if cfg.Scale > 0 && cfg.Scale != 1 {
				args = append(args, "-Gdpi="+strconv.Itoa(int(96*cfg.Scale)))
			}
			return append(args, in)
		},
	}
}

func formatOf(cfg diagcache.RenderConfig) string {
	if cfg.Format == "" {
		return diagcache.FormatSVG
	}
	return cfg.Format
}

// Command renders diagrams by running external tools. Each render gets its
// own temp directory, removed on every exit path, and runs in its own process
// group which is killed when ctx ends.
type Command struct {
	tools   map[string]Tool
	tempDir string
	logger  *slog.Logger
}

var _ diagcache.Renderer = (*Command)(nil)

// CommandOption configures a Command renderer.
type CommandOption func(*Command)

// WithTool registers the tool used for a renderer kind.
func WithTool(kind string, tool Tool) CommandOption {
	return func(c *Command) {
		c.tools[kind] = tool
	}
}

// WithTempDir sets the parent directory for per-render temp directories.
func WithTempDir(dir string) CommandOption {
	return func(c *Command) {
		c.tempDir = dir
	}
}

// WithCommandLogger sets the logger for tool diagnostics.
func WithCommandLogger(logger *slog.Logger) CommandOption {
	return func(c *Command) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewCommand creates a Command renderer with no tools registered.
func NewCommand(opts ...CommandOption) *Command {
	c := &Command{
		tools:  make(map[string]Tool),
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Render implements diagcache.Renderer.
func (c *Command) Render(ctx context.Context, content []byte, cfg diagcache.RenderConfig) (artifact []byte, err error) {
	tool, ok := c.tools[cfg.Renderer]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedRenderer, cfg.Renderer)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := exec.LookPath(tool.Command)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrToolNotFound, tool.Command, err)
	}

	dir, err := os.MkdirTemp(c.tempDir, "diagcache-render-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp dir: %w", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			c.logger.Warn("failed to remove render temp dir", "dir", dir, "error", rmErr)
		}
	}()

	in := filepath.Join(dir, "input."+cfg.Renderer)
	out := filepath.Join(dir, "output."+formatOf(cfg))
	if !tool.Stdio {
		if err := os.WriteFile(in, content, 0o600); err != nil {
			return nil, fmt.Errorf("writing diagram source: %w", err)
		}
	}

	cmd := exec.CommandContext(ctx, path, tool.Args(in, out, cfg)...) // #nosec G204 -- tool comes from configuration
	cmd.Dir = dir
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		killProcessGroup(cmd.Process.Pid)
		return cmd.Process.Kill()
	}
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stderr = &stderr
	if tool.Stdio {
		cmd.Stdin = bytes.NewReader(content)
		cmd.Stdout = &stdout
	}

	start := time.Now()
	runErr := cmd.Run()
	c.logger.Debug("render tool finished", "tool", tool.Command, "duration", time.Since(start), "error", runErr)

	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %s: %v%s", ErrToolFailed, tool.Command, runErr, stderrSuffix(stderr.Bytes()))
	}

	if tool.Stdio {
		artifact = stdout.Bytes()
	} else {
		artifact, err = os.ReadFile(out)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s wrote nothing%s", ErrEmptyOutput, tool.Command, stderrSuffix(stderr.Bytes()))
			}
			return nil, fmt.Errorf("reading render output: %w", err)
		}
	}
	if len(artifact) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyOutput, tool.Command)
	}
	return artifact, nil
}

func stderrSuffix(stderr []byte) string {
	s := strings.TrimSpace(string(stderr))
	if s == "" {
		return ""
	}
	if len(s) > maxStderr {
		s = s[:maxStderr] + "..."
	}
	return ": " + s
}
