package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/t77yq/casewatch/internal/app"
)

var (
	requeueOccurrences   bool
	requeueNotifications bool
	requeueIDs           []int64
	requeueExtraRetries  int
)

var requeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Return dead occurrences or failed notifications to the queue",
	Example: `  casewatch requeue --occurrences
  casewatch requeue --notifications --ids 12,13 --extra-retries 2`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if requeueOccurrences == requeueNotifications {
			return errors.New("exactly one of --occurrences or --notifications is required")
		}

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

		var n int64
		if requeueOccurrences {
			n, err = a.Processor.Requeue(cmd.Context(), requeueIDs)
		} else {
			n, err = a.Delivery.Requeue(cmd.Context(), requeueIDs, requeueExtraRetries)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "requeued %d\n", n)
		return nil
	},
}

func init() {
	requeueCmd.Flags().BoolVar(&requeueOccurrences, "occurrences", false, "requeue DEAD alert occurrences")
	requeueCmd.Flags().BoolVar(&requeueNotifications, "notifications", false, "requeue FAILED notifications")
	requeueCmd.Flags().Int64SliceVar(&requeueIDs, "ids", nil, "ids to requeue (default all)")
	requeueCmd.Flags().IntVar(&requeueExtraRetries, "extra-retries", 1, "additional attempts for requeued notifications")
}
