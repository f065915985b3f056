// Package cli implements the mirrorcal command line.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"mirrorcal/internal/config"
	"mirrorcal/internal/display"
	"mirrorcal/internal/feed"
	"mirrorcal/internal/ics"
	appLog "mirrorcal/internal/log"
	"mirrorcal/internal/model"
	"mirrorcal/internal/resilience/retry"
	"mirrorcal/internal/scheduler"
	"mirrorcal/internal/store"
)

const defaultConfigPath = "/etc/mirrorcal/config.yaml"

// Execute runs the root command.
func Execute(version string) error {
	return newRootCmd(version).Execute()
}

type rootOptions struct {
	configPath string
	listen     string
	logLevel   string
}

func newRootCmd(version string) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "mirrorcal",
		Short:         "Calendar aggregation for smart mirror displays",
		Long:          "mirrorcal polls iCal subscriptions per display instance and serves the merged agenda over HTTP.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath, "path to config file")
	cmd.PersistentFlags().StringVar(&opts.listen, "listen", "", "HTTP listen address (overrides config)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug|info|warn|error (overrides config)")

	cmd.AddCommand(
		newServeCmd(opts, version),
		newOnceCmd(opts),
	)
	return cmd
}

// loadConfig reads the config file, applies flag overrides and sets up
// logging.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", o.configPath, err)
	}
	if o.listen != "" {
		cfg.Listen = o.listen
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	appLog.Init(os.Stderr, cfg.LogFormat, appLog.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// app is the wired pipeline shared by serve and once.
type app struct {
	board     *display.Board
	store     *store.FileStore
	scheduler *scheduler.Scheduler
}

func newApp(cfg *config.Config) (*app, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	st, err := store.New(cfg.DataDir, cfg.DefaultSettings())
	if err != nil {
		return nil, err
	}
	for _, inst := range cfg.Instances {
		seeds := make([]model.Subscription, 0, len(inst.Calendars))
		for _, cal := range inst.Calendars {
			seeds = append(seeds, cal.Subscription())
		}
		n, err := st.Seed(inst.ID, seeds)
		if err != nil {
			return nil, fmt.Errorf("seed instance %q: %w", inst.ID, err)
		}
		if n > 0 {
			appLog.Info("seeded calendars from config", "instance", inst.ID, "added", n)
		}
	}

	board := display.NewBoard()
	fetcher := ics.NewFetcher(cfg.FetchTimeout, ics.WithRateLimit(cfg.FetchRatePerSec, 1))
	normalizer := ics.Normalizer{Location: loc, LookaheadDays: cfg.LookaheadDays}
	orch := feed.New(fetcher, normalizer,
		feed.WithCacheTTL(cfg.CacheTTL),
		feed.WithRetry(retry.FeedFetchConfig(cfg.FetchRetries)),
		feed.WithSink(board),
	)

	sched := scheduler.New(orch, st, scheduler.Config{
		Interval:       cfg.UpdateInterval,
		HiddenInterval: cfg.UpdateIntervalHidden,
	})
	for _, inst := range cfg.Instances {
		if err := sched.Add(inst.ID, inst.Hidden); err != nil {
			return nil, fmt.Errorf("schedule instance %q: %w", inst.ID, err)
		}
	}

	return &app{
		board:     board,
		store:     st,
		scheduler: sched,
	}, nil
}
