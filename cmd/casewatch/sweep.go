package main

import (
	"github.com/spf13/cobra"

	"github.com/t77yq/casewatch/internal/app"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run every background job once and exit",
	Long: `Runs occurrence processing, the SLA check, the outbox relay and notification
delivery once, in that order. Useful when an external scheduler drives casewatch.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := setup()
		if err != nil {
			return err
		}
		defer logger.Sync()

		a, err := app.New(cmd.Context(), logger, cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		return a.Sweep(cmd.Context())
	},
}
