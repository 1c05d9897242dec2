package scheduler

import (
	"context"
	"fmt"
	"strings"

	"followup/internal/domain"
)

// HandleResponse cancels the rest of a session's sequence after the lead
// replied. A task already executing is allowed to finish, but nothing after
// it will be scheduled.
func (e *Engine) HandleResponse(ctx context.Context, sessionID string) (domain.CancellationResult, error) {
	return e.CancelPending(ctx, sessionID, nil, ReasonLeadResponded)
}

// CancelPending cancels a session's pending and scheduled tasks, restricted
// to sequenceNames when non-empty.
func (e *Engine) CancelPending(ctx context.Context, sessionID string, sequenceNames []string, reason string) (domain.CancellationResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "cancelled"
	}
	res := domain.CancellationResult{SessionID: sessionID, Reason: reason, CancelledIDs: []string{}}

	exists, err := e.repo.SessionExists(ctx, sessionID)
	if err != nil {
		return res, err
	}
	if !exists {
		return res, fmt.Errorf("%w: session %s", domain.ErrNotFound, sessionID)
	}

	ids, err := e.repo.CancelSession(ctx, sessionID, sequenceNames, reason, e.Now())
	if err != nil {
		return res, fmt.Errorf("cancel session %s: %w", sessionID, err)
	}
	res.CancelledIDs = ids
	res.CancelledCount = len(ids)

	e.logger.Info().
		Str("session_id", sessionID).
		Str("reason", reason).
		Strs("sequences", sequenceNames).
		Int("cancelled", len(ids)).
		Msg("pending follow-ups cancelled")
	return res, nil
}
