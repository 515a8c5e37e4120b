package cli

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/Dhoini/billing-sync/internal/app"
	"github.com/Dhoini/billing-sync/internal/repository/postgres"
	"github.com/spf13/cobra"
)

var errMemoryDriver = errors.New("migrations require database.driver=postgres")

func newMigrateCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}

	run := func(fn func(cmd *cobra.Command, m *postgres.Migrator) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := opts.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			if cfg.Database.Driver != "postgres" {
				return errMemoryDriver
			}
			return app.Migrate(cfg.Database.DSN, log, func(m *postgres.Migrator) error { return fn(cmd, m) })
		}
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE:  run(func(_ *cobra.Command, m *postgres.Migrator) error { return m.Up() }),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back every migration",
			RunE:  run(func(_ *cobra.Command, m *postgres.Migrator) error { return m.Down() }),
		},
		&cobra.Command{
			Use:   "goto <version>",
			Short: "Migrate up or down to the given version",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				version, err := strconv.ParseUint(args[0], 10, 32)
				if err != nil {
					return fmt.Errorf("invalid version %q: %w", args[0], err)
				}
				return run(func(_ *cobra.Command, m *postgres.Migrator) error { return m.Goto(uint(version)) })(cmd, args)
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Print the current schema version",
			RunE: run(func(cmd *cobra.Command, m *postgres.Migrator) error {
				st, err := m.Status()
				if err != nil {
					return err
				}
				if !st.Applied {
					_, err = fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "version=%d dirty=%t\n", st.Version, st.Dirty)
				return err
			}),
		},
	)
	return cmd
}
