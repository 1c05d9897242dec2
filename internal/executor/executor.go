// Package executor runs a single due follow-up task.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"followup/internal/domain"
	"followup/internal/logging"
	"followup/internal/sequence"
)

// Deliverer hands a rendered message to a channel.
type Deliverer interface {
	Deliver(ctx context.Context, msg domain.Message) (domain.Receipt, error)
}

// ContextProvider supplies the fields templates render against.
type ContextProvider interface {
	RenderContext(ctx context.Context, sessionID string) (domain.TemplateContext, error)
}

// Store is the subset of the task store the executor mutates.
type Store interface {
	Claim(ctx context.Context, id string, now time.Time) (domain.FollowUpTask, error)
	Succeed(ctx context.Context, id string, now time.Time) error
	Fail(ctx context.Context, id, errStr string, now time.Time) error
}

// Advancer schedules the step after an executed task.
type Advancer interface {
	Advance(ctx context.Context, task domain.FollowUpTask) (*time.Time, error)
}

type Config struct {
	// DeliveryTimeout bounds a single delivery call. Default: 30 seconds.
	DeliveryTimeout time.Duration
	Now             func() time.Time
}

type Executor struct {
	store    Store
	contexts ContextProvider
	delivery Deliverer
	advancer Advancer
	timeout  time.Duration
	now      func() time.Time
	logger   zerolog.Logger
}

func New(cfg Config, store Store, contexts ContextProvider, delivery Deliverer, advancer Advancer) *Executor {
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Executor{
		store:    store,
		contexts: contexts,
		delivery: delivery,
		advancer: advancer,
		timeout:  cfg.DeliveryTimeout,
		now:      cfg.Now,
		logger:   logging.Component("executor"),
	}
}

// Execute claims, renders, delivers and records one task. Render and
// delivery failures are recorded on the task and reported in the result,
// not returned. The returned error is ErrAlreadyClaimed when another worker
// owns the task, or a store error.
func (e *Executor) Execute(ctx context.Context, task domain.FollowUpTask) (res domain.ExecutionResult, err error) {
	start := time.Now()
	res = domain.ExecutionResult{TaskID: task.ID, SessionID: task.SessionID, Position: task.SequencePosition, Status: task.Status}
	defer func() { res.Duration = time.Since(start).String() }()

	claimed, err := e.store.Claim(ctx, task.ID, e.now().UTC())
	if err != nil {
		res.Error = err.Error()
		if errors.Is(err, domain.ErrAlreadyClaimed) {
			res.Skipped = true
			e.logger.Debug().Str("task_id", task.ID).Msg("task already claimed; skipping")
		}
		return res, err
	}
	res.Status = domain.StatusExecuting

	// Once claimed the task runs to completion even if the caller stops.
	runCtx := context.WithoutCancel(ctx)

	body, err := e.render(runCtx, claimed)
	if err != nil {
		return e.fail(runCtx, claimed, res, err)
	}

	dctx, cancel := context.WithTimeout(runCtx, e.timeout)
	receipt, err := e.delivery.Deliver(dctx, domain.Message{
		TaskID:    claimed.ID,
		SessionID: claimed.SessionID,
		LeadID:    claimed.LeadID,
		Sequence:  claimed.SequenceName,
		Position:  claimed.SequencePosition,
		Body:      body,
	})
	cancel()
	if err == nil && !receipt.Delivered {
		err = errors.New(receipt.Error)
		if receipt.Error == "" {
			err = errors.New("not delivered")
		}
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", e.timeout, err)
		}
		return e.fail(runCtx, claimed, res, fmt.Errorf("%w: %v", domain.ErrDeliveryFailure, err))
	}

	executedAt := e.now().UTC()
	if err := e.store.Succeed(runCtx, claimed.ID, executedAt); err != nil {
		res.Error = err.Error()
		return res, fmt.Errorf("record success of %s: %w", claimed.ID, err)
	}
	claimed.Status = domain.StatusExecuted
	claimed.ExecutedAt = &executedAt
	res.Status = domain.StatusExecuted
	res.Success = true
	res.ExecutedAt = &executedAt

	next, err := e.advancer.Advance(runCtx, claimed)
	if err != nil {
		res.Error = err.Error()
		e.logger.Error().Err(err).Str("task_id", claimed.ID).Msg("failed to schedule next step")
	}
	res.NextScheduledAt = next

	e.logger.Info().
		Str("task_id", claimed.ID).
		Str("session_id", claimed.SessionID).
		Int("position", claimed.SequencePosition).
		Str("provider_id", receipt.ProviderID).
		Msg("follow-up delivered")
	return res, nil
}

func (e *Executor) render(ctx context.Context, task domain.FollowUpTask) (string, error) {
	tc, err := e.contexts.RenderContext(ctx, task.SessionID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidContext, err)
	}
	if err := tc.Validate(); err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s#%d", task.SequenceName, task.SequencePosition)
	return sequence.Render(name, task.MessageTemplate, tc)
}

func (e *Executor) fail(ctx context.Context, task domain.FollowUpTask, res domain.ExecutionResult, cause error) (domain.ExecutionResult, error) {
	res.Error = cause.Error()
	if err := e.store.Fail(ctx, task.ID, cause.Error(), e.now().UTC()); err != nil {
		e.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to record task failure")
		return res, fmt.Errorf("record failure of %s: %w", task.ID, err)
	}
	res.Status = domain.StatusFailed
	e.logger.Warn().
		Err(cause).
		Str("task_id", task.ID).
		Str("session_id", task.SessionID).
		Int("position", task.SequencePosition).
		Msg("follow-up failed")
	return res, nil
}
