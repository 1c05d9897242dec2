// Package sequence loads and instantiates follow-up sequence definitions.
package sequence

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"followup/internal/domain"
)

// Definition is an ordered outreach plan. Instances snapshot it, so a
// definition may change after instantiation without affecting live tasks.
type Definition struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description,omitempty"`
	UseCase     domain.UseCase `yaml:"use_case" json:"use_case"`
	Steps       []Step         `yaml:"steps" json:"steps"`
	Source      string         `yaml:"-" json:"source"`
}

type Step struct {
	Delay    int    `yaml:"delay" json:"delay"`
	Unit     string `yaml:"unit" json:"unit"`
	Template string `yaml:"template" json:"template"`
}

// MaxDelayMinutes is the longest step delay a time.Duration can hold.
const MaxDelayMinutes = int(math.MaxInt64 / time.Minute)

// Normalize converts a delay to minutes.
func Normalize(value int, unit string) (int, error) {
	var factor int
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "minute", "minutes":
		factor = 1
	case "hour", "hours":
		factor = 60
	case "day", "days":
		factor = 60 * 24
	default:
		return 0, fmt.Errorf("%w: %q", domain.ErrInvalidDelayUnit, unit)
	}
	if value > MaxDelayMinutes/factor {
		return 0, fmt.Errorf("%w: delay %d %s exceeds %d minutes", domain.ErrInvalidDefinition, value, unit, MaxDelayMinutes)
	}
	return value * factor, nil
}

// Validate checks every step has a positive delay, a known unit and a
// template that parses.
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("%w: name is required", domain.ErrInvalidDefinition)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: %s has no steps", domain.ErrInvalidDefinition, d.Name)
	}
	for i, step := range d.Steps {
		if step.Delay <= 0 {
			return fmt.Errorf("%w: %s step %d: delay must be positive", domain.ErrInvalidDefinition, d.Name, i+1)
		}
		if _, err := Normalize(step.Delay, step.Unit); err != nil {
			return fmt.Errorf("%s step %d: %w", d.Name, i+1, err)
		}
		if strings.TrimSpace(step.Template) == "" {
			return fmt.Errorf("%w: %s step %d: template is empty", domain.ErrInvalidDefinition, d.Name, i+1)
		}
		if _, err := ParseTemplate(d.Name, step.Template); err != nil {
			return fmt.Errorf("%w: %s step %d: %v", domain.ErrInvalidDefinition, d.Name, i+1, err)
		}
	}
	return nil
}

// Instantiate expands the definition into one task per step. Position 1 is
// scheduled relative to now; the rest stay pending without a due time.
func (d *Definition) Instantiate(sessionID, leadID string, now time.Time) ([]domain.FollowUpTask, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%w: session id is required", domain.ErrInvalidDefinition)
	}
	now = now.UTC()
	tasks := make([]domain.FollowUpTask, 0, len(d.Steps))
	for i, step := range d.Steps {
		minutes, _ := Normalize(step.Delay, step.Unit)
		t := domain.FollowUpTask{
			ID:                 "fut_" + uuid.NewString(),
			SessionID:          sessionID,
			LeadID:             leadID,
			SequenceName:       d.Name,
			SequencePosition:   i + 1,
			TotalSequenceSteps: len(d.Steps),
			Status:             domain.StatusPending,
			DelayMinutes:       minutes,
			OriginalDelay:      step.Delay,
			OriginalUnit:       step.Unit,
			MessageTemplate:    step.Template,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if i == 0 {
			due := now.Add(time.Duration(minutes) * time.Minute)
			t.Status = domain.StatusScheduled
			t.ScheduledAt = &due
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}
