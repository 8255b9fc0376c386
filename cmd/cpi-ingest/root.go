package main

import (
	"fmt"
	"time"

	"github.com/Sternrassler/cpi-ingest/pkg/config"
	"github.com/Sternrassler/cpi-ingest/pkg/logging"
	"github.com/Sternrassler/cpi-ingest/pkg/timeseries"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	envFiles []string
	cfg      *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "cpi-ingest",
		Short:        "Ingest CPI releases into incremental datasets",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.envFiles...)
			if err != nil {
				return err
			}
			logging.Setup(logging.Config{
				Level:   logging.LogLevel(cfg.LogLevel),
				Pretty:  cfg.LogPretty,
				Output:  cmd.ErrOrStderr(),
				Service: "cpi-ingest",
			})
			opts.cfg = cfg
			return nil
		},
	}

	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", nil, "env files to load before reading the environment")

	cmd.AddCommand(
		newRunCmd(opts),
		newServeCmd(opts),
		newHWMCmd(opts),
		newShowCmd(opts),
	)
	return cmd
}

// parseTarget parses an optional --target flag value.
func parseTarget(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := timeseries.ParseMonth(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --target: %w", err)
	}
	return t, nil
}
