package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	appLog "mirrorcal/internal/log"
	"mirrorcal/internal/web"
)

func newServeCmd(opts *rootOptions, version string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and HTTP API",
		Long:  "Poll every configured instance on its interval and serve subscriptions, settings and agendas over HTTP until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			appLog.Info("mirrorcal starting", "version", version)
			appLog.Info("effective config",
				"listen", cfg.Listen,
				"timezone", cfg.Timezone,
				"data_dir", cfg.DataDir,
				"instances", len(cfg.Instances),
				"update_interval", cfg.UpdateInterval.String(),
				"update_interval_hidden", cfg.UpdateIntervalHidden.String(),
				"cache_ttl", cfg.CacheTTL.String(),
			)

			a, err := newApp(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a.scheduler.Start()
			srv := web.NewServer(cfg, a.store, a.board, a.scheduler)
			serveErr := srv.Run(ctx)
			if serveErr != nil {
				appLog.Error("HTTP server failed", serveErr)
			}

			stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := a.scheduler.Stop(stopCtx); err != nil {
				appLog.Warn("scheduler did not stop cleanly", err)
			}
			appLog.Info("mirrorcal exiting")
			return serveErr
		},
	}
}
