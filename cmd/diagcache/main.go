// Command diagcache renders the diagrams embedded in Markdown documents,
// reusing cached artifacts across builds.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
)

// Version is set at build time via ldflags.
var Version = "dev"

func main() {
	// Error ignored: maxprocs.Set only fails if GOMAXPROCS env is invalid,
	// in which case Go runtime defaults apply.
	_, _ = maxprocs.Set(maxprocs.Logger(func(string, ...interface{}) {}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the CLI and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(stderr, "Error:", err)
		return exitCodeFor(err)
	}
	return ExitSuccess
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	verbose    bool
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	var flags globalFlags

	root := &cobra.Command{
		Use:           "diagcache",
		Short:         "Render Markdown diagrams with a persistent artifact cache",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "path to diagcache.yaml")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging and cache report")

	root.AddCommand(
		newBuildCmd(&flags),
		newCacheCmd(&flags),
		newDepsCmd(&flags),
	)
	return root
}
