package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"followup/internal/delivery"
	"followup/internal/domain"
	"followup/internal/executor"
	"followup/internal/queue"
	"followup/internal/scheduler"
	"followup/internal/sequence"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	srv   *httptest.Server
	clock *testClock
}

func setupServer(t *testing.T) *testEnv {
	t.Helper()
	db, err := queue.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := queue.NewSQLiteRepo(db)

	registry := sequence.NewRegistry("", zerolog.Nop())
	require.NoError(t, registry.Load())
	require.NoError(t, registry.Add(&sequence.Definition{
		Name:    "long_template",
		UseCase: domain.UseCaseReengagement,
		Steps:   []sequence.Step{{Delay: 1, Unit: "hour", Template: "Hello {{.LeadName}}! " + strings.Repeat("x", 150)}},
	}))

	clock := &testClock{now: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)}
	engine := scheduler.NewEngine(repo, registry, scheduler.WithClock(clock.Now))
	exec := executor.New(executor.Config{DeliveryTimeout: time.Second, Now: clock.Now}, repo, repo, delivery.NewLog(), engine)
	sweeper := scheduler.NewSweeper(scheduler.DefaultSweeperConfig(), engine, exec)

	srv := httptest.NewServer(NewServer(engine, sweeper, registry))
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, clock: clock}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (e *testEnv) startLeadFollowUp(t *testing.T, session string) {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/api/follow-ups/session/"+session+"/sequence", map[string]any{
		"lead_id":       "lead-" + session,
		"sequence_name": "lead_followup",
		"context":       map[string]any{"lead_name": "Ana", "agent_name": "Sam"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestStartSequence(t *testing.T) {
	env := setupServer(t)
	path := "/api/follow-ups/session/s1/sequence"

	resp := env.do(t, http.MethodPost, path, map[string]any{
		"lead_id": "lead-1", "sequence_name": "lead_followup",
		"context": map[string]any{"lead_name": "Ana", "agent_name": "Sam"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	tasks := decodeBody[[]domain.FollowUpTask](t, resp)
	require.Len(t, tasks, 3)
	require.Equal(t, domain.StatusScheduled, tasks[0].Status)

	resp = env.do(t, http.MethodPost, path, map[string]any{"lead_id": "lead-1", "sequence_name": "lead_followup"})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/follow-ups/session/s2/sequence", map[string]any{"lead_id": "l", "sequence_name": "nope"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/follow-ups/session/s3/sequence", map[string]any{"sequence_name": "lead_followup"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodPost, "/api/follow-ups/session/s4/sequence", map[string]any{
		"lead_id": "l", "sequence_name": "lead_followup", "context": map[string]any{"lead_name": "Ana"},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSessionTasks(t *testing.T) {
	env := setupServer(t)
	env.startLeadFollowUp(t, "s1")

	resp := env.do(t, http.MethodGet, "/api/follow-ups/session/s1/tasks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	tasks := decodeBody[[]domain.FollowUpTask](t, resp)
	require.Len(t, tasks, 3)
	for i, task := range tasks {
		require.Equal(t, i+1, task.SequencePosition)
	}

	resp = env.do(t, http.MethodGet, "/api/follow-ups/session/missing/tasks", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestExecuteDueTasksAndLeadResponse(t *testing.T) {
	env := setupServer(t)
	env.startLeadFollowUp(t, "s1")

	env.clock.Advance(31 * time.Minute)
	resp := env.do(t, http.MethodPost, "/api/follow-ups/execute-due-tasks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	sweep := decodeBody[domain.SweepResult](t, resp)
	require.Equal(t, 1, sweep.Due)
	require.Equal(t, 1, sweep.Executed)

	resp = env.do(t, http.MethodPost, "/api/follow-ups/session/s1/simulate-lead-response", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cancel := decodeBody[domain.CancellationResult](t, resp)
	require.Equal(t, 2, cancel.CancelledCount)
	require.Equal(t, scheduler.ReasonLeadResponded, cancel.Reason)

	resp = env.do(t, http.MethodPost, "/api/follow-ups/session/unknown/simulate-lead-response", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	_, err := buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	require.Contains(t, buf.String(), "followup_tasks_executed_total 1")
}

func TestTaskEvents(t *testing.T) {
	env := setupServer(t)
	env.startLeadFollowUp(t, "s1")
	env.startLeadFollowUp(t, "s2")

	resp := env.do(t, http.MethodGet, "/api/follow-ups/session/s1/tasks", nil)
	tasks := decodeBody[[]domain.FollowUpTask](t, resp)
	first := tasks[0].ID
	eventsPath := "/api/follow-ups/session/s1/tasks/" + first + "/events"

	resp = env.do(t, http.MethodGet, eventsPath, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, decodeBody[[]domain.TaskEvent](t, resp))

	env.clock.Advance(31 * time.Minute)
	resp = env.do(t, http.MethodPost, "/api/follow-ups/execute-due-tasks", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = env.do(t, http.MethodGet, eventsPath, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := decodeBody[[]domain.TaskEvent](t, resp)
	require.Len(t, events, 2)
	require.Equal(t, domain.StatusScheduled, events[0].From)
	require.Equal(t, domain.StatusExecuting, events[0].To)
	require.Equal(t, domain.StatusExecuting, events[1].From)
	require.Equal(t, domain.StatusExecuted, events[1].To)
	for _, e := range events {
		require.Equal(t, first, e.TaskID)
		require.Equal(t, "s1", e.SessionID)
	}

	resp = env.do(t, http.MethodGet, "/api/follow-ups/session/s2/tasks/"+first+"/events", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/api/follow-ups/session/s1/tasks/fut_missing/events", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelTasksBySequence(t *testing.T) {
	env := setupServer(t)
	env.startLeadFollowUp(t, "s1")

	resp := env.do(t, http.MethodPost, "/api/follow-ups/session/s1/cancel-tasks", map[string]any{
		"task_types": []string{"appointment_reminder"}, "reason": "wrong type",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Zero(t, decodeBody[domain.CancellationResult](t, resp).CancelledCount)

	resp = env.do(t, http.MethodPost, "/api/follow-ups/session/s1/cancel-tasks", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	res := decodeBody[domain.CancellationResult](t, resp)
	require.Equal(t, 3, res.CancelledCount)
	require.Equal(t, "admin cancelled", res.Reason)
}

func TestPutContext(t *testing.T) {
	env := setupServer(t)
	resp := env.do(t, http.MethodPost, "/api/follow-ups/session/s1/sequence", map[string]any{
		"lead_id": "l", "sequence_name": "appointment_reminder",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = env.do(t, http.MethodPut, "/api/follow-ups/session/s1/context", map[string]any{"lead_name": "Ana"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "appointment_at is required for reminders")

	resp = env.do(t, http.MethodPut, "/api/follow-ups/session/s1/context", map[string]any{
		"lead_name": "Ana", "appointment_at": "Tuesday 10:00",
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = env.do(t, http.MethodPut, "/api/follow-ups/session/nobody/context", map[string]any{"lead_name": "Ana"})
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAllTasks(t *testing.T) {
	env := setupServer(t)
	env.startLeadFollowUp(t, "s1")
	resp := env.do(t, http.MethodPost, "/api/follow-ups/session/s2/sequence", map[string]any{
		"lead_id": "l", "sequence_name": "long_template",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	type listing struct {
		Tasks []taskSummary `json:"tasks"`
		Count int           `json:"count"`
	}
	resp = env.do(t, http.MethodGet, "/api/follow-ups/all-tasks?status=scheduled", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[listing](t, resp)
	require.Equal(t, 2, got.Count)
	for _, task := range got.Tasks {
		require.Equal(t, domain.StatusScheduled, task.Status)
		require.LessOrEqual(t, len([]rune(task.MessageTemplate)), templatePreviewLen+3)
	}

	resp = env.do(t, http.MethodGet, "/api/follow-ups/all-tasks?limit=2", nil)
	require.Equal(t, 2, decodeBody[listing](t, resp).Count)

	resp = env.do(t, http.MethodGet, "/api/follow-ups/all-tasks?status=bogus", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = env.do(t, http.MethodGet, "/api/follow-ups/all-tasks?limit=9999", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStats(t *testing.T) {
	env := setupServer(t)
	env.startLeadFollowUp(t, "s1")

	resp := env.do(t, http.MethodGet, "/api/follow-ups/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	st := decodeBody[domain.Statistics](t, resp)
	require.Equal(t, 7, st.DaysBack)
	require.Equal(t, 3, st.Total)
	require.Equal(t, 1, st.ByStatus[domain.StatusScheduled])
	require.Equal(t, 2, st.ByStatus[domain.StatusPending])

	resp = env.do(t, http.MethodGet, "/api/follow-ups/stats?days_back=abc", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSequencesAndHealth(t *testing.T) {
	env := setupServer(t)
	resp := env.do(t, http.MethodGet, "/api/follow-ups/sequences", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defs := decodeBody[[]sequence.Definition](t, resp)
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	require.Contains(t, names, "lead_followup")
	require.Contains(t, names, "long_template")

	resp = env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTruncate(t *testing.T) {
	require.Equal(t, "short", truncate("short", 10))
	require.Equal(t, "héllo...", truncate("héllo wörld", 5))
}
