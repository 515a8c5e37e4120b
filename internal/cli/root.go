package cli

import (
	"fmt"
	"os"

	"github.com/Dhoini/billing-sync/internal/config"
	"github.com/Dhoini/billing-sync/pkg/logger"
	"github.com/spf13/cobra"
)

// options общие флаги всех команд
type options struct {
	configPath string
	logLevel   string
	jsonLogs   bool
}

// NewRootCommand создает корневую команду billing-sync
func NewRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "billing-sync",
		Short:         "Keeps local subscription state in sync with Stripe",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv("BILLING_SYNC_CONFIG"), "path to YAML config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override app.log_level (debug, info, warn, error)")
	root.PersistentFlags().BoolVar(&opts.jsonLogs, "json-logs", false, "emit JSON logs")

	root.AddCommand(
		newServeCommand(opts),
		newMigrateCommand(opts),
		newReplayCommand(opts),
		newAuditCommand(opts),
	)
	return root
}

// Execute запускает CLI и возвращает код выхода
func Execute() int {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}

// load читает конфигурацию и создает логгер
func (o *options) load() (*config.Config, *logger.Logger, error) {
	cfg, err := config.LoadConfig(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	level := cfg.App.LogLevel
	if o.logLevel != "" {
		level = o.logLevel
	}
	var log *logger.Logger
	if o.jsonLogs || cfg.App.Env == "production" {
		log = logger.NewJSON(logger.ParseLevel(level))
	} else {
		log = logger.New(logger.ParseLevel(level))
	}
	return cfg, log, nil
}
