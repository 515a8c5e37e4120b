package cli

import (
	"encoding/json"

	"github.com/Dhoini/billing-sync/internal/app"
	"github.com/Dhoini/billing-sync/internal/domain"
	"github.com/spf13/cobra"
)

func newAuditCommand(opts *options) *cobra.Command {
	var ids []string

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Compare local subscriptions with Stripe and repair drift",
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			var records []domain.ReconciliationRecord
			if len(ids) == 0 {
				records, err = a.Auditor.AuditSample(cmd.Context())
			} else {
				resolved := make([]string, 0, len(ids))
				for _, id := range ids {
					remoteID, rerr := a.Auditor.ResolveID(cmd.Context(), id)
					if rerr != nil {
						return rerr
					}
					resolved = append(resolved, remoteID)
				}
				records, err = a.Auditor.AuditBatch(cmd.Context(), resolved)
			}
			if err != nil {
				return err
			}

			drifted := 0
			for _, r := range records {
				if r.Drifted() {
					drifted++
				}
			}
			log.Infow("Audit finished", "checked", len(records), "drifted", drifted)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(records)
		},
	}
	cmd.Flags().StringSliceVarP(&ids, "subscription", "s", nil, "local id or Stripe id of a subscription to audit (repeatable); samples the oldest audited when omitted")
	return cmd
}
