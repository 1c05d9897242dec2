package delivery

import (
	"context"

	"github.com/rs/zerolog"

	"followup/internal/domain"
	"followup/internal/logging"
)

// Log writes messages to the log instead of sending them. Useful for local
// runs and dry runs.
type Log struct {
	logger zerolog.Logger
}

func NewLog() *Log {
	return &Log{logger: logging.Component("delivery")}
}

func (l *Log) Deliver(_ context.Context, msg domain.Message) (domain.Receipt, error) {
	l.logger.Info().
		Str("task_id", msg.TaskID).
		Str("session_id", msg.SessionID).
		Str("lead_id", msg.LeadID).
		Str("sequence", msg.Sequence).
		Int("position", msg.Position).
		Str("message", msg.Body).
		Msg("follow-up message")
	return domain.Receipt{Delivered: true, ProviderID: "log-" + msg.TaskID}, nil
}
