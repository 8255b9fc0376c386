package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newHWMCmd(opts *rootOptions) *cobra.Command {
	var family string

	cmd := &cobra.Command{
		Use:   "hwm",
		Short: "Print the high-water mark of each family's dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.requirePersistedState(); err != nil {
				return err
			}
			catalog, err := a.families(family)
			if err != nil {
				return err
			}
			stores, err := a.openStores(ctx)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FAMILY\tHIGH-WATER MARK")
			for _, f := range catalog.Families {
				s, err := stores(f.Name)
				if err != nil {
					return err
				}
				hwm, ok, err := s.ReadHighWaterMark(ctx)
				if err != nil {
					return fmt.Errorf("read high-water mark of %s: %w", f.Name, err)
				}
				mark := "none"
				if ok {
					mark = hwm.Format("2006-01")
				}
				fmt.Fprintf(tw, "%s\t%s\n", f.Name, mark)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&family, "family", "", "only print this family")
	return cmd
}

func newShowCmd(opts *rootOptions) *cobra.Command {
	var family string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the derived rows stored for a family",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.requirePersistedState(); err != nil {
				return err
			}
			catalog, err := a.families(family)
			if err != nil {
				return err
			}
			stores, err := a.openStores(ctx)
			if err != nil {
				return err
			}
			s, err := stores(catalog.Families[0].Name)
			if err != nil {
				return err
			}
			rows, err := s.Rows(ctx)
			if err != nil {
				return fmt.Errorf("read rows of %s: %w", family, err)
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DATE\tSERIES\tPCT_CHANGE")
			for _, r := range rows {
				fmt.Fprintf(tw, "%s\t%s\t%.4f\n", r.Date.Format("2006-01"), r.Series, r.Value)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVar(&family, "family", "", "family whose dataset to print")
	_ = cmd.MarkFlagRequired("family")
	return cmd
}
