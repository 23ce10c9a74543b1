package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/iago/crm-automation/internal/jobs"
	"github.com/iago/crm-automation/internal/metrics"
)

func newSweepCommand(opts *rootOptions) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Delete finished automation records older than RETENTION_DAYS and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadRuntime(opts)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			st := setupStores(ctx, cfg, logger)
			defer st.close()

			sweeper := jobs.NewSweeper(jobs.SweeperDependencies{
				Ledger:    st.ledger,
				Retention: cfg.Retention(),
				Metrics:   metrics.New(),
				Logger:    logger,
			})
			deleted, err := sweeper.Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d records\n", deleted)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Minute, "abort the sweep after this long")
	return cmd
}
