package cli

import (
	"context"

	"github.com/spf13/cobra"

	"followup/internal/domain"
)

var (
	triggerLead     string
	triggerSequence string
	triggerContext  domain.TemplateContext
)

func init() {
	rootCmd.AddCommand(triggerCmd)
	f := triggerCmd.Flags()
	f.StringVar(&triggerLead, "lead", "", "lead id (required)")
	f.StringVar(&triggerSequence, "sequence", "lead_followup", "sequence name")
	f.StringVar(&triggerContext.LeadName, "lead-name", "", "lead name for templates")
	f.StringVar(&triggerContext.AgentName, "agent-name", "", "agent name for templates")
	f.StringVar(&triggerContext.CompanyName, "company", "", "company name for templates")
	f.StringVar(&triggerContext.LastTopic, "topic", "", "last conversation topic")
	f.StringVar(&triggerContext.AppointmentAt, "appointment-at", "", "appointment time, as it should read in messages")
	triggerCmd.MarkFlagRequired("lead")
}

var triggerCmd = &cobra.Command{
	Use:   "trigger <session-id>",
	Short: "Start a follow-up sequence for a session",
	Example: `  followupd trigger sess-42 --lead lead-7 --lead-name Ana --agent-name Sam
  followupd trigger sess-43 --lead lead-8 --sequence appointment_reminder \
      --lead-name Ben --appointment-at "Tuesday 10:00"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		var tc *domain.TemplateContext
		if triggerContext.LeadName != "" {
			tc = &triggerContext
		}
		tasks, err := a.engine.Instantiate(context.Background(), args[0], triggerLead, triggerSequence, tc)
		if err != nil {
			return err
		}
		return writeTaskTable(cmd.OutOrStdout(), tasks)
	},
}
