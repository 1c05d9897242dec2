package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"followup/internal/domain"
)

func TestInstantiateSchedulesOnlyFirstStep(t *testing.T) {
	h := newHarness(t, time.Second)
	tasks := h.instantiate(t, "s1")

	require.Len(t, tasks, 3)
	require.True(t, tasks[0].ScheduledAt.Equal(t0.Add(10*time.Minute)))
	require.Nil(t, tasks[1].ScheduledAt)
	require.Nil(t, tasks[2].ScheduledAt)

	_, err := h.engine.Instantiate(context.Background(), "s1", "lead", "demo", leadContext())
	require.ErrorIs(t, err, domain.ErrSequenceExists)

	_, err = h.engine.Instantiate(context.Background(), "s2", "lead", "nope", nil)
	require.ErrorIs(t, err, domain.ErrUnknownSequence)

	_, err = h.engine.Instantiate(context.Background(), "s3", "lead", "appointment_reminder",
		&domain.TemplateContext{LeadName: "Ana"})
	require.ErrorIs(t, err, domain.ErrInvalidContext)
}

func TestExecuteAdvancesNextStep(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	h.instantiate(t, "s1")

	res, err := h.sweeper.ExecuteDueTasksNow(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Due, "nothing is due before the first delay")

	h.clock.Advance(11 * time.Minute)
	res, err = h.sweeper.ExecuteDueTasksNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Executed)
	require.Len(t, res.Tasks, 1)

	tasks := h.session(t, "s1")
	require.Equal(t, domain.StatusExecuted, tasks[0].Status)
	require.NotNil(t, tasks[0].ExecutedAt)
	require.Equal(t, domain.StatusScheduled, tasks[1].Status)
	require.True(t, tasks[1].ScheduledAt.Equal(tasks[0].ExecutedAt.Add(2*time.Hour)))
	require.Nil(t, tasks[2].ScheduledAt)
	require.True(t, res.Tasks[0].NextScheduledAt.Equal(*tasks[1].ScheduledAt))

	msgs := h.delivery.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "Hi Ana, step one", msgs[0].Body)
	require.Equal(t, "s1", msgs[0].SessionID)
}

func TestAtMostOneDueTaskPerSession(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	h.instantiate(t, "s1")

	for step := 0; step < 3; step++ {
		require.Equal(t, 1, dueCount(h.session(t, "s1")), "step %d", step)
		h.clock.Advance(48 * time.Hour)
		res, err := h.sweeper.ExecuteDueTasksNow(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, res.Executed, "one task per sweep even when long overdue")
	}

	tasks := h.session(t, "s1")
	require.Zero(t, dueCount(tasks))
	for _, task := range tasks {
		require.Equal(t, domain.StatusExecuted, task.Status)
	}
	require.Len(t, h.delivery.Messages(), 3)
}

func TestDueTasksIsSideEffectFree(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	h.instantiate(t, "s1")
	h.instantiate(t, "s2")
	now := t0.Add(time.Hour)

	first, err := h.engine.DueTasks(ctx, now)
	require.NoError(t, err)
	second, err := h.engine.DueTasks(ctx, now)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Equal(t, first, second)
	require.Equal(t, domain.StatusScheduled, h.session(t, "s1")[0].Status)
}

func TestHandleResponseCancelsRemaining(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	h.instantiate(t, "s1")

	h.clock.Advance(11 * time.Minute)
	_, err := h.sweeper.ExecuteDueTasksNow(ctx)
	require.NoError(t, err)

	res, err := h.engine.HandleResponse(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 2, res.CancelledCount)
	require.Len(t, res.CancelledIDs, 2)
	require.Equal(t, ReasonLeadResponded, res.Reason)

	tasks := h.session(t, "s1")
	require.Equal(t, domain.StatusExecuted, tasks[0].Status)
	require.Equal(t, domain.StatusCancelled, tasks[1].Status)
	require.Equal(t, domain.StatusCancelled, tasks[2].Status)
	require.Equal(t, ReasonLeadResponded, tasks[2].CancelReason)

	h.clock.Advance(72 * time.Hour)
	sweep, err := h.sweeper.ExecuteDueTasksNow(ctx)
	require.NoError(t, err)
	require.Zero(t, sweep.Due)

	again, err := h.engine.HandleResponse(ctx, "s1")
	require.NoError(t, err)
	require.Zero(t, again.CancelledCount)

	_, err = h.engine.HandleResponse(ctx, "unknown")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestHandleResponseWhileExecuting(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	ctx := context.Background()
	h.instantiate(t, "s1")
	h.delivery.block = make(chan struct{})
	h.delivery.entered = make(chan struct{}, 1)
	h.clock.Advance(11 * time.Minute)

	done := make(chan domain.SweepResult, 1)
	go func() {
		res, _ := h.sweeper.ExecuteDueTasksNow(ctx)
		done <- res
	}()
	<-h.delivery.entered

	cancel, err := h.engine.HandleResponse(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, 2, cancel.CancelledCount, "executing task is not cancelled")

	close(h.delivery.block)
	res := <-done
	require.Equal(t, 1, res.Executed)
	require.Nil(t, res.Tasks[0].NextScheduledAt)

	tasks := h.session(t, "s1")
	require.Equal(t, domain.StatusExecuted, tasks[0].Status)
	require.Equal(t, domain.StatusCancelled, tasks[1].Status)
	require.Nil(t, tasks[1].ScheduledAt)
}

func TestConcurrentExecuteSameTask(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	tasks := h.instantiate(t, "s1")
	h.clock.Advance(11 * time.Minute)

	var wg sync.WaitGroup
	results := make([]domain.ExecutionResult, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.exec.Execute(ctx, tasks[0])
		}(i)
	}
	wg.Wait()

	var executed, claimed int
	for i := range errs {
		switch {
		case errs[i] == nil && results[i].Success:
			executed++
		case errors.Is(errs[i], domain.ErrAlreadyClaimed):
			require.True(t, results[i].Skipped)
			claimed++
		default:
			t.Fatalf("unexpected outcome: %+v %v", results[i], errs[i])
		}
	}
	require.Equal(t, 1, executed)
	require.Equal(t, 1, claimed)
	require.Len(t, h.delivery.Messages(), 1)

	events, err := h.repo.Events(ctx, tasks[0].ID)
	require.NoError(t, err)
	require.Len(t, events, 2)
}

func TestDeliveryFailureStallsSequence(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	h.instantiate(t, "s1")
	h.delivery.setErr(errChannelDown)
	h.clock.Advance(11 * time.Minute)

	res, err := h.sweeper.ExecuteDueTasksNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.Zero(t, res.Executed)
	require.Contains(t, res.Tasks[0].Error, "channel unavailable")

	tasks := h.session(t, "s1")
	require.Equal(t, domain.StatusFailed, tasks[0].Status)
	require.Contains(t, tasks[0].LastError, domain.ErrDeliveryFailure.Error())
	require.Equal(t, domain.StatusPending, tasks[1].Status)
	require.Nil(t, tasks[1].ScheduledAt)

	h.delivery.setErr(nil)
	h.clock.Advance(72 * time.Hour)
	res, err = h.sweeper.ExecuteDueTasksNow(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Due, "a failed step is not retried or skipped")
}

func TestDeliveryRefusedIsFailure(t *testing.T) {
	h := newHarness(t, time.Second)
	h.instantiate(t, "s1")
	h.delivery.refuse = "number blocked"
	h.clock.Advance(11 * time.Minute)

	res, err := h.sweeper.ExecuteDueTasksNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.Contains(t, h.session(t, "s1")[0].LastError, "number blocked")
}

func TestDeliveryTimeoutIsFailure(t *testing.T) {
	h := newHarness(t, 50*time.Millisecond)
	h.instantiate(t, "s1")
	h.delivery.block = make(chan struct{})
	h.delivery.entered = make(chan struct{}, 1)
	h.clock.Advance(11 * time.Minute)

	res, err := h.sweeper.ExecuteDueTasksNow(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.Contains(t, res.Tasks[0].Error, "timed out")
}

func TestRenderFailureMarksFailed(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	_, err := h.engine.Instantiate(ctx, "s1", "lead", "demo", nil)
	require.NoError(t, err)
	h.clock.Advance(11 * time.Minute)

	res, err := h.sweeper.ExecuteDueTasksNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Failed)
	require.False(t, res.Tasks[0].Success)
	require.Empty(t, h.delivery.Messages())

	tasks := h.session(t, "s1")
	require.Equal(t, domain.StatusFailed, tasks[0].Status)
	require.Contains(t, tasks[0].LastError, domain.ErrInvalidContext.Error())
}

func TestSweepIsolatesPerTaskFailures(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	h.instantiate(t, "good")
	_, err := h.engine.Instantiate(ctx, "bad", "lead", "demo", nil)
	require.NoError(t, err)
	h.clock.Advance(11 * time.Minute)

	res, err := h.sweeper.ExecuteDueTasksNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Due)
	require.Equal(t, 1, res.Executed)
	require.Equal(t, 1, res.Failed)

	stats := h.sweeper.Stats()
	require.Equal(t, int64(1), stats.Sweeps)
	require.Equal(t, int64(1), stats.Executed)
	require.Equal(t, int64(1), stats.Failed)
}

func TestSweepAbortsWhenStoreUnavailable(t *testing.T) {
	h := newHarness(t, time.Second)
	require.NoError(t, h.db.Close())

	_, err := h.sweeper.ExecuteDueTasksNow(context.Background())
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	require.Equal(t, int64(1), h.sweeper.Stats().Aborted)
}

func TestCancelPendingBySequenceName(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	h.instantiate(t, "s1")

	res, err := h.engine.CancelPending(ctx, "s1", []string{"reengagement"}, "admin")
	require.NoError(t, err)
	require.Zero(t, res.CancelledCount)

	res, err = h.engine.CancelPending(ctx, "s1", []string{"demo"}, "  ")
	require.NoError(t, err)
	require.Equal(t, 3, res.CancelledCount)
	require.Equal(t, "cancelled", res.Reason)
}

func TestStatisticsThroughEngine(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	h.instantiate(t, "s1")
	h.instantiate(t, "s2")
	h.clock.Advance(11 * time.Minute)
	_, err := h.sweeper.ExecuteDueTasksNow(ctx)
	require.NoError(t, err)
	_, err = h.engine.HandleResponse(ctx, "s2")
	require.NoError(t, err)

	stats, err := h.engine.Statistics(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 7, stats.DaysBack)
	require.Equal(t, 6, stats.Total)
	require.Equal(t, 2, stats.ByStatus[domain.StatusExecuted])
	require.Equal(t, 1, stats.ByStatus[domain.StatusScheduled])
	require.Equal(t, 1, stats.ByStatus[domain.StatusPending])
	require.Equal(t, 2, stats.ByStatus[domain.StatusCancelled])
	require.Equal(t, 6, stats.BySequenceName["demo"])
	require.InDelta(t, 660.0, stats.AverageCompletionSeconds, 0.001)
}

func TestRecoverAbandonedBeforeSweep(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	tasks := h.instantiate(t, "s1")
	h.clock.Advance(11 * time.Minute)
	_, err := h.repo.Claim(ctx, tasks[0].ID, h.clock.Now())
	require.NoError(t, err)

	h.clock.Advance(time.Hour)
	res, err := h.sweeper.ExecuteDueTasksNow(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Recovered)
	require.Equal(t, domain.StatusFailed, h.session(t, "s1")[0].Status)
}

func TestTaskEventsScopedToSession(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	tasks := h.instantiate(t, "s1")
	h.instantiate(t, "s2")

	events, err := h.engine.TaskEvents(ctx, "s1", tasks[1].ID)
	require.NoError(t, err)
	require.NotNil(t, events)
	require.Empty(t, events)

	_, err = h.engine.HandleResponse(ctx, "s1")
	require.NoError(t, err)
	events, err = h.engine.TaskEvents(ctx, "s1", tasks[1].ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, domain.StatusPending, events[0].From)
	require.Equal(t, domain.StatusCancelled, events[0].To)
	require.Equal(t, ReasonLeadResponded, events[0].Reason)

	_, err = h.engine.TaskEvents(ctx, "s2", tasks[1].ID)
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.engine.TaskEvents(ctx, "s1", "fut_missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}
