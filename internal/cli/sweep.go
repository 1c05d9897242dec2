package cli

import (
	"context"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sweepCmd)
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Execute all due follow-ups once and print the result",
	Long: `Run a single sweep: fail abandoned claims, then claim, render and deliver every
task whose scheduled time has passed. Useful from an external cron.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.sweeper.ExecuteDueTasksNow(context.Background())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}
