// Package scheduler decides when follow-up tasks are due, advances
// sequences, cancels them on lead replies and sweeps due work in the
// background.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"followup/internal/domain"
	"followup/internal/logging"
	"followup/internal/queue"
	"followup/internal/sequence"
)

// ReasonLeadResponded is recorded on tasks cancelled by a lead reply.
const ReasonLeadResponded = "lead responded"

// Engine is the authority on what is due and what follows an execution.
type Engine struct {
	repo     queue.Repository
	registry *sequence.Registry
	now      func() time.Time
	logger   zerolog.Logger
}

type Option func(*Engine)

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func NewEngine(repo queue.Repository, registry *sequence.Registry, opts ...Option) *Engine {
	e := &Engine{
		repo:     repo,
		registry: registry,
		now:      time.Now,
		logger:   logging.Component("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Now() time.Time { return e.now().UTC() }

// Instantiate expands the named sequence into tasks for a session and stores
// them, together with the session's template context when tc is non-nil.
func (e *Engine) Instantiate(ctx context.Context, sessionID, leadID, sequenceName string, tc *domain.TemplateContext) ([]domain.FollowUpTask, error) {
	def, err := e.registry.Get(sequenceName)
	if err != nil {
		return nil, err
	}
	if tc != nil {
		if tc.UseCase == "" {
			tc.UseCase = def.UseCase
		}
		if err := tc.Validate(); err != nil {
			return nil, err
		}
	}
	tasks, err := def.Instantiate(sessionID, leadID, e.Now())
	if err != nil {
		return nil, err
	}
	if err := e.repo.CreateSequence(ctx, tasks, tc); err != nil {
		return nil, err
	}
	e.logger.Info().
		Str("session_id", sessionID).
		Str("lead_id", leadID).
		Str("sequence", sequenceName).
		Int("steps", len(tasks)).
		Time("first_due", *tasks[0].ScheduledAt).
		Msg("sequence instantiated")
	return tasks, nil
}

// DueTasks returns scheduled tasks due at now. It has no side effects.
func (e *Engine) DueTasks(ctx context.Context, now time.Time) ([]domain.FollowUpTask, error) {
	tasks, err := e.repo.DueTasks(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return tasks, nil
}

// Advance schedules the next position after task executed. It returns the
// next due time, or nil when the sequence ended or was cancelled.
func (e *Engine) Advance(ctx context.Context, task domain.FollowUpTask) (*time.Time, error) {
	if task.Status != domain.StatusExecuted || task.ExecutedAt == nil {
		return nil, fmt.Errorf("advance %s: task has not executed", task.ID)
	}
	if task.IsLast() {
		e.logger.Info().Str("session_id", task.SessionID).Str("sequence", task.SequenceName).Msg("sequence completed")
		return nil, nil
	}
	due, err := e.repo.ScheduleNext(ctx, task.SessionID, task.SequencePosition+1, *task.ExecutedAt)
	if err != nil {
		return nil, fmt.Errorf("advance %s: %w", task.ID, err)
	}
	if due == nil {
		e.logger.Info().
			Str("session_id", task.SessionID).
			Int("position", task.SequencePosition+1).
			Msg("next step not pending; sequence stopped")
		return nil, nil
	}
	e.logger.Debug().
		Str("session_id", task.SessionID).
		Int("position", task.SequencePosition+1).
		Time("due", *due).
		Msg("next step scheduled")
	return due, nil
}

// SessionTasks lists a session's tasks in position order.
func (e *Engine) SessionTasks(ctx context.Context, sessionID string) ([]domain.FollowUpTask, error) {
	tasks, err := e.repo.ListSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}
	return tasks, nil
}

// TaskEvents returns the status transitions of one of the session's tasks,
// oldest first.
func (e *Engine) TaskEvents(ctx context.Context, sessionID, taskID string) ([]domain.TaskEvent, error) {
	task, err := e.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.SessionID != sessionID {
		return nil, fmt.Errorf("%w: task %s in session %s", domain.ErrNotFound, taskID, sessionID)
	}
	events, err := e.repo.Events(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = []domain.TaskEvent{}
	}
	return events, nil
}

// PutContext stores the template context later renders of the session use.
// An empty use case is taken from the session's sequence.
func (e *Engine) PutContext(ctx context.Context, sessionID string, tc domain.TemplateContext) error {
	if tc.UseCase == "" {
		tasks, err := e.SessionTasks(ctx, sessionID)
		if err != nil {
			return err
		}
		def, err := e.registry.Get(tasks[0].SequenceName)
		if err != nil {
			return fmt.Errorf("%w: cannot infer use case: %v", domain.ErrInvalidContext, err)
		}
		tc.UseCase = def.UseCase
	}
	if err := tc.Validate(); err != nil {
		return err
	}
	if err := e.repo.PutSessionContext(ctx, sessionID, tc, e.Now()); err != nil {
		return err
	}
	e.logger.Debug().Str("session_id", sessionID).Str("use_case", string(tc.UseCase)).Msg("session context stored")
	return nil
}

// RecentTasks lists tasks newest first, optionally filtered by status.
func (e *Engine) RecentTasks(ctx context.Context, status domain.Status, limit int) ([]domain.FollowUpTask, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return e.repo.ListRecentTasks(ctx, status, limit)
}

// Statistics aggregates tasks created in the last daysBack days.
func (e *Engine) Statistics(ctx context.Context, daysBack int) (domain.Statistics, error) {
	if daysBack <= 0 {
		daysBack = 7
	}
	since := e.Now().AddDate(0, 0, -daysBack)
	stats, err := e.repo.Statistics(ctx, since)
	if err != nil {
		return stats, err
	}
	stats.DaysBack = daysBack
	return stats, nil
}

// RecoverAbandoned fails tasks that have been executing longer than
// claimTimeout, e.g. after a crash mid-delivery.
func (e *Engine) RecoverAbandoned(ctx context.Context, claimTimeout time.Duration) (int, error) {
	now := e.Now()
	n, err := e.repo.RecoverStale(ctx, now.Add(-claimTimeout), now)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if n > 0 {
		e.logger.Warn().Int("recovered", n).Dur("claim_timeout", claimTimeout).Msg("failed abandoned executing tasks")
	}
	return n, nil
}
