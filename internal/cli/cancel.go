package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"followup/internal/domain"
)

var (
	cancelSequences     []string
	cancelReason        string
	cancelLeadResponded bool
)

func init() {
	rootCmd.AddCommand(cancelCmd)
	cancelCmd.Flags().StringSliceVar(&cancelSequences, "sequence", nil, "only cancel tasks of these sequences")
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "admin cancelled", "reason recorded on cancelled tasks")
	cancelCmd.Flags().BoolVar(&cancelLeadResponded, "lead-responded", false, "record the cancellation as a lead reply")
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <session-id>",
	Short: "Cancel a session's pending follow-ups",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := context.Background()
		var res domain.CancellationResult
		if cancelLeadResponded {
			res, err = a.engine.HandleResponse(ctx, args[0])
		} else {
			res, err = a.engine.CancelPending(ctx, args[0], cancelSequences, cancelReason)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cancelled %d task(s) for session %s (%s)\n", res.CancelledCount, res.SessionID, res.Reason)
		for _, id := range res.CancelledIDs {
			fmt.Fprintln(cmd.OutOrStdout(), "  "+id)
		}
		return nil
	},
}
