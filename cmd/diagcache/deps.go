package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/gophersatwork/diagcache"
)

func newDepsCmd(global *globalFlags) *cobra.Command {
	var css, glossary string

	cmd := &cobra.Command{
		Use:   "deps <input-id>",
		Short: "List the diagrams that depend on an input",
		Long: `List the diagrams recorded as depending on an input ("css", "glossary").
Pass the same --css/--glossary as the build to see which of them are stale.`,
		Args: requireArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := openApp(ctx, global, cmd.ErrOrStderr(), nil)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			id := args[0]
			inputs := diagcache.NewInputSet(nil)
			if css != "" {
				inputs.File(inputCSS, css)
			}
			if glossary != "" {
				inputs.Glob(inputGlossary, glossary)
			}

			var current diagcache.Fingerprint
			if inputs.Has(id) {
				current, err = inputs.Fingerprint(id)
				if err != nil {
					return err
				}
			}

			outputs := a.graph.DependentsOfInput(id)
			if len(outputs) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "No diagrams depend on %s.\n", id)
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "OUTPUT\tRECORDED\tSTATUS")
			for _, out := range outputs {
				rec, _ := a.graph.Lookup(out)
				recorded := recordedFingerprint(rec, id)
				fmt.Fprintf(w, "%s\t%s\t%s\n", out, recorded.Short(), depStatus(recorded, current))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&css, "css", "", "current stylesheet, to compare against")
	cmd.Flags().StringVar(&glossary, "glossary", "", "current glossary glob, to compare against")
	return cmd
}

func recordedFingerprint(rec diagcache.DependencyRecord, id string) diagcache.Fingerprint {
	for _, d := range rec.Dependencies {
		if d.ID == id {
			return d.Fingerprint
		}
	}
	return ""
}

func depStatus(recorded, current diagcache.Fingerprint) string {
	switch {
	case current.IsZero():
		return "unknown"
	case recorded == current:
		return "fresh"
	default:
		return "stale"
	}
}
