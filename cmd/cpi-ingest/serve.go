package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Sternrassler/cpi-ingest/pkg/scheduler"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run cycles on a cron schedule and expose health and metrics endpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			stores, err := a.openStores(ctx)
			if err != nil {
				return err
			}
			cycle, err := a.newCycle(stores)
			if err != nil {
				return err
			}

			sched := scheduler.New(cycle)
			for _, f := range a.catalog.Families {
				if err := sched.AddFamily(opts.cfg.Schedule, f); err != nil {
					return err
				}
			}
			sched.Start()
			defer sched.Stop()

			srv := &http.Server{
				Addr:              ":" + opts.cfg.MetricsPort,
				Handler:           newRouter(sched),
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info().Str("addr", srv.Addr).Msg("Starting HTTP server")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case <-ctx.Done():
				a.logger.Info().Msg("Shutdown signal received")
			case err := <-errCh:
				if err != nil {
					return err
				}
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}
