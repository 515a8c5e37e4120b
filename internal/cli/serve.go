package cli

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/Dhoini/billing-sync/internal/app"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCommand(opts *options) *cobra.Command {
	var noDrift bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook receiver, workers, retry scanner, outbox relay and drift auditor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer func() {
				if err := a.Close(); err != nil {
					log.Warnw("Failed to release resources", "error", err)
				}
			}()

			a.SystemMetrics.WatchQueue("dispatcher", a.Dispatcher.Pending)
			a.SystemMetrics.StartRecording(15 * time.Second)
			defer a.SystemMetrics.Stop()

			g, gctx := errgroup.WithContext(ctx)
			g.Go(a.Server.Start)
			g.Go(func() error { return a.Dispatcher.Run(gctx) })
			g.Go(func() error { return a.Scanner.Run(gctx) })
			g.Go(func() error { return a.Relay.Run(gctx) })
			if cfg.Drift.Enabled && !noDrift {
				g.Go(func() error { return a.Auditor.Run(gctx) })
			}

			// Graceful shutdown: по сигналу или при падении любого компонента
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
				defer cancel()
				if err := a.Server.Shutdown(shutdownCtx); err != nil {
					log.Errorw("Server forced to shutdown", "error", err)
					return err
				}
				return nil
			})

			log.Infow("Billing sync started", "port", cfg.App.Port, "env", cfg.App.Env, "storage", cfg.Database.Driver)
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			log.Info("Server stopped gracefully")
			return nil
		},
	}
	cmd.Flags().BoolVar(&noDrift, "no-drift", false, "do not run the periodic drift auditor")
	return cmd
}

