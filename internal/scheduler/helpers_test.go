package scheduler

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"followup/internal/domain"
	"followup/internal/executor"
	"followup/internal/queue"
	"followup/internal/sequence"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeDelivery records messages. When block is set, each call signals
// entered and waits for block to close.
type fakeDelivery struct {
	mu       sync.Mutex
	messages []domain.Message
	err      error
	refuse   string
	block    chan struct{}
	entered  chan struct{}
}

func (d *fakeDelivery) Deliver(ctx context.Context, msg domain.Message) (domain.Receipt, error) {
	if d.block != nil {
		d.entered <- struct{}{}
		select {
		case <-d.block:
		case <-ctx.Done():
			return domain.Receipt{}, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return domain.Receipt{}, d.err
	}
	if d.refuse != "" {
		return domain.Receipt{Delivered: false, Error: d.refuse}, nil
	}
	d.messages = append(d.messages, msg)
	return domain.Receipt{Delivered: true, ProviderID: "msg-" + msg.TaskID}, nil
}

func (d *fakeDelivery) Messages() []domain.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.Message(nil), d.messages...)
}

func (d *fakeDelivery) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

type harness struct {
	db       *sql.DB
	repo     queue.Repository
	registry *sequence.Registry
	engine   *Engine
	exec     *executor.Executor
	sweeper  *Sweeper
	delivery *fakeDelivery
	clock    *fakeClock
}

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, deliveryTimeout time.Duration) *harness {
	t.Helper()
	db, err := queue.Open(filepath.Join(t.TempDir(), "followup.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := queue.NewSQLiteRepo(db)
	registry := sequence.NewRegistry("", zerolog.Nop())
	require.NoError(t, registry.Load())
	require.NoError(t, registry.Add(&sequence.Definition{
		Name:    "demo",
		UseCase: domain.UseCaseLeadFollowUp,
		Steps: []sequence.Step{
			{Delay: 10, Unit: "minutes", Template: "Hi {{.LeadName}}, step one"},
			{Delay: 2, Unit: "hours", Template: "Hi {{.LeadName}}, step two"},
			{Delay: 1, Unit: "days", Template: "Bye from {{.AgentName}}"},
		},
	}))

	clock := &fakeClock{now: t0}
	engine := NewEngine(repo, registry, WithClock(clock.Now))
	delivery := &fakeDelivery{}
	exec := executor.New(executor.Config{DeliveryTimeout: deliveryTimeout, Now: clock.Now}, repo, repo, delivery, engine)
	sweeper := NewSweeper(SweeperConfig{Interval: time.Second}, engine, exec)

	return &harness{
		db: db, repo: repo, registry: registry, engine: engine, exec: exec,
		sweeper: sweeper, delivery: delivery, clock: clock,
	}
}

func leadContext() *domain.TemplateContext {
	return &domain.TemplateContext{UseCase: domain.UseCaseLeadFollowUp, LeadName: "Ana", AgentName: "Sam"}
}

func (h *harness) instantiate(t *testing.T, session string) []domain.FollowUpTask {
	t.Helper()
	tasks, err := h.engine.Instantiate(context.Background(), session, "lead-"+session, "demo", leadContext())
	require.NoError(t, err)
	return tasks
}

func (h *harness) session(t *testing.T, session string) []domain.FollowUpTask {
	t.Helper()
	tasks, err := h.engine.SessionTasks(context.Background(), session)
	require.NoError(t, err)
	return tasks
}

// dueCount counts tasks of a session that are scheduled or further along
// without being terminal.
func dueCount(tasks []domain.FollowUpTask) int {
	n := 0
	for _, t := range tasks {
		if t.Status == domain.StatusScheduled || t.Status == domain.StatusExecuting {
			n++
		}
	}
	return n
}

var errChannelDown = errors.New("channel unavailable")
