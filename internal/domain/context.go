package domain

import (
	"fmt"
	"strings"
)

type UseCase string

const (
	UseCaseLeadFollowUp        UseCase = "lead_followup"
	UseCaseAppointmentReminder UseCase = "appointment_reminder"
	UseCaseReengagement        UseCase = "reengagement"
)

// TemplateContext holds the fields a message template may reference.
// Which fields are mandatory depends on UseCase.
type TemplateContext struct {
	UseCase       UseCase  `json:"use_case"`
	LeadName      string   `json:"lead_name"`
	AgentName     string   `json:"agent_name,omitempty"`
	CompanyName   string   `json:"company_name,omitempty"`
	LastTopic     string   `json:"last_topic,omitempty"`
	AppointmentAt string   `json:"appointment_at,omitempty"`
	PriorTurns    []string `json:"prior_turns,omitempty"`
}

var requiredFields = map[UseCase][]string{
	UseCaseLeadFollowUp:        {"lead_name", "agent_name"},
	UseCaseAppointmentReminder: {"lead_name", "appointment_at"},
	UseCaseReengagement:        {"lead_name"},
}

// Validate checks the use case is known and its required fields are set.
func (c TemplateContext) Validate() error {
	fields, ok := requiredFields[c.UseCase]
	if !ok {
		return fmt.Errorf("%w: unknown use case %q", ErrInvalidContext, c.UseCase)
	}
	var missing []string
	for _, f := range fields {
		if strings.TrimSpace(c.field(f)) == "" {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s requires %s", ErrInvalidContext, c.UseCase, strings.Join(missing, ", "))
	}
	return nil
}

// LastTurn returns the most recent prior turn, or "".
func (c TemplateContext) LastTurn() string {
	if len(c.PriorTurns) == 0 {
		return ""
	}
	return c.PriorTurns[len(c.PriorTurns)-1]
}

func (c TemplateContext) field(name string) string {
	switch name {
	case "lead_name":
		return c.LeadName
	case "agent_name":
		return c.AgentName
	case "company_name":
		return c.CompanyName
	case "last_topic":
		return c.LastTopic
	case "appointment_at":
		return c.AppointmentAt
	}
	return ""
}
