package worker

import (
	"context"
	"sync"

	"followup/internal/domain"
)

// Handler executes one task and reports the outcome.
type Handler func(ctx context.Context, task domain.FollowUpTask) domain.ExecutionResult

// Pool runs handlers with bounded concurrency.
type Pool struct {
	size int
}

func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{size: size}
}

func (p *Pool) Size() int { return p.size }

// Run executes h for each task, at most p.size at a time, and returns the
// results in task order. Once ctx is done no further task is started; those
// are reported as skipped. Handlers already running are not interrupted.
func (p *Pool) Run(ctx context.Context, tasks []domain.FollowUpTask, h Handler) []domain.ExecutionResult {
	results := make([]domain.ExecutionResult, len(tasks))
	sem := make(chan struct{}, p.size)
	var wg sync.WaitGroup

	for i, tk := range tasks {
		select {
		case <-ctx.Done():
		case sem <- struct{}{}:
		}
		if ctx.Err() != nil {
			for j := i; j < len(tasks); j++ {
				results[j] = skipped(tasks[j], "sweep stopped")
			}
			break
		}
		wg.Add(1)
		go func(i int, tk domain.FollowUpTask) {
			defer func() { <-sem }()
			defer wg.Done()
			results[i] = h(ctx, tk)
		}(i, tk)
	}
	wg.Wait()
	return results
}

func skipped(t domain.FollowUpTask, reason string) domain.ExecutionResult {
	return domain.ExecutionResult{
		TaskID:    t.ID,
		SessionID: t.SessionID,
		Position:  t.SequencePosition,
		Status:    t.Status,
		Skipped:   true,
		Error:     reason,
	}
}
