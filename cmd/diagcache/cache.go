package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newCacheCmd(global *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the artifact cache",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show cache statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, global, cmd.ErrOrStderr(), nil)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			stats, err := a.store.Stats()
			if err != nil {
				return err
			}

			budget := "unbounded"
			if stats.MaxBytes > 0 {
				budget = humanize.IBytes(uint64(stats.MaxBytes))
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Directory:\t%s\n", a.store.Root())
			fmt.Fprintf(w, "Entries:\t%d\n", stats.Entries)
			fmt.Fprintf(w, "Stored size:\t%s (budget %s)\n", humanize.IBytes(uint64(stats.StoredSize)), budget)
			fmt.Fprintf(w, "Artifact size:\t%s\n", humanize.IBytes(uint64(stats.ArtifactSize)))
			if stats.Entries > 0 {
				now := time.Now()
				fmt.Fprintf(w, "Oldest entry:\t%s\n", humanize.RelTime(now.Add(-stats.OldestEntry), now, "ago", "from now"))
				fmt.Fprintf(w, "Newest entry:\t%s\n", humanize.RelTime(now.Add(-stats.NewestEntry), now, "ago", "from now"))
			}
			fmt.Fprintf(w, "Graph records:\t%d\n", a.graph.Len())
			return w.Flush()
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached artifact and the dependency graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, global, cmd.ErrOrStderr(), nil)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			n := a.store.Len()
			if err := a.store.Clear(); err != nil {
				return err
			}
			for _, out := range a.graph.Outputs() {
				a.graph.Forget(out)
			}
			if err := a.graph.Flush(ctx); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d cache entries.\n", n)
			return nil
		},
	}

	var olderThan, unused time.Duration
	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove old or unused cache entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 && unused <= 0 {
				return &usageError{err: errors.New("prune requires --older-than or --unused")}
			}

			ctx := cmd.Context()
			a, err := openApp(ctx, global, cmd.ErrOrStderr(), nil)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			removed := 0
			if olderThan > 0 {
				n, err := a.store.Prune(olderThan)
				removed += n
				if err != nil {
					return err
				}
			}
			if unused > 0 {
				n, err := a.store.PruneUnused(unused)
				removed += n
				if err != nil {
					return err
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d cache entries, %s remaining.\n",
				removed, humanize.IBytes(uint64(a.store.SizeBytes())))
			return nil
		},
	}
	pruneCmd.Flags().DurationVar(&olderThan, "older-than", 0, "remove entries created longer ago than this")
	pruneCmd.Flags().DurationVar(&unused, "unused", 0, "remove entries not used for this long")

	cmd.AddCommand(statsCmd, clearCmd, pruneCmd)
	return cmd
}
