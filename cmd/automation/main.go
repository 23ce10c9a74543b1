package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iago/crm-automation/internal/config"
	"github.com/iago/crm-automation/internal/logging"
)

type rootOptions struct {
	envFiles []string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "automation",
		Short: "Pipeline automation scheduler for the service-shop CRM",
		Long: `Schedules delayed automations when leads, invoices and estimates
change, and fires them from a worker pool once they are due.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringSliceVar(&opts.envFiles, "env-file", []string{".env", ".env.local"},
		"dotenv files to load; variables already set in the environment win")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newSweepCommand(opts))
	return cmd
}

// loadRuntime reads dotenv files and the environment, then builds the logger.
func loadRuntime(opts *rootOptions) (config.Config, *zap.SugaredLogger, error) {
	dotenvErr := config.LoadDotEnv(opts.envFiles...)
	cfg := config.Load()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return cfg, nil, fmt.Errorf("build logger: %w", err)
	}
	if dotenvErr != nil {
		logger.Warnw("failed loading env files", logging.FieldError, dotenvErr)
	}
	return cfg, logger, nil
}
