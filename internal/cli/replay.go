package cli

import (
	"encoding/json"

	"github.com/Dhoini/billing-sync/internal/app"
	"github.com/spf13/cobra"
)

func newReplayCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <event_id>",
		Short: "Requeue a stored webhook event and process it once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			a, err := app.New(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			rec, err := a.Queries.Replay(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}
}
