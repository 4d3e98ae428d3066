package main

import (
	"fmt"

	"github.com/flaboy/aira-checkout/pkg/commence"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one reconciliation pass over abandoned PENDING orders",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		app, err := commence.Start(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer app.Close()

		report, err := app.Sweeper.SweepOnce(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d paid=%d failed=%d skipped=%d\n",
			report.Scanned, report.Paid, report.Failed, report.Skipped)
		return nil
	},
}
