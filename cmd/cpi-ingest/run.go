package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/Sternrassler/cpi-ingest/pkg/pipeline"
	"github.com/spf13/cobra"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	var family, target string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one ingestion cycle for every family, or for --family",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := parseTarget(target)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			catalog, err := a.families(family)
			if err != nil {
				return err
			}
			stores, err := a.openStores(ctx)
			if err != nil {
				return err
			}
			cycle, err := a.newCycle(stores)
			if err != nil {
				return err
			}

			results, runErr := cycle.RunAll(ctx, catalog, t)
			if err := printResults(cmd.OutOrStdout(), results); err != nil {
				return err
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&family, "family", "", "only run this family")
	cmd.Flags().StringVar(&target, "target", "", "target month (YYYY-MM); defaults to each family's pinned or previous month")
	return cmd
}

func printResults(w io.Writer, results []pipeline.Result) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FAMILY\tTARGET\tATTEMPTS\tROWS\tDURATION")
	for _, r := range results {
		target := "-"
		if !r.Target.IsZero() {
			target = r.Target.Format("2006-01")
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", r.Family, target, r.Attempts, r.RowsWritten, r.Duration.Round(time.Millisecond))
	}
	return tw.Flush()
}
