package cli

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"mirrorcal/internal/display"
	"mirrorcal/internal/model"
)

func newOnceCmd(opts *rootOptions) *cobra.Command {
	var (
		instanceID string
		format     string
	)
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run one poll cycle and print the agenda",
		Long:  "Fetch every subscription of one instance, aggregate them and write the result to stdout as JSON or iCalendar.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "ics" {
				return errors.New("--format must be json or ics")
			}
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cfg)
			if err != nil {
				return err
			}

			events, err := a.scheduler.RunOnce(cmd.Context(), instanceID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if format == "ics" {
				err := display.EncodeICS(out, events, time.Now())
				if errors.Is(err, display.ErrNoEvents) {
					return nil
				}
				return err
			}
			if events == nil {
				events = []model.Event{}
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(events)
		},
	}
	cmd.Flags().StringVar(&instanceID, "instance", "default", "instance id to poll")
	cmd.Flags().StringVar(&format, "format", "json", "output format: json|ics")
	return cmd
}
