package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"followup/internal/domain"
	"followup/internal/logging"
	"followup/internal/worker"
)

var (
	ErrSweeperAlreadyRunning = errors.New("sweeper already running")
	ErrSweeperNotRunning     = errors.New("sweeper not running")
)

// TaskExecutor runs one due task.
type TaskExecutor interface {
	Execute(ctx context.Context, task domain.FollowUpTask) (domain.ExecutionResult, error)
}

type SweeperConfig struct {
	// Interval between background sweeps. Default: 60 seconds; cron
	// granularity is one second.
	Interval time.Duration

	// Concurrency is how many due tasks execute at once. Default: 1.
	Concurrency int

	// ClaimTimeout after which an executing task is considered abandoned.
	// Default: 10 minutes.
	ClaimTimeout time.Duration
}

func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:     60 * time.Second,
		Concurrency:  1,
		ClaimTimeout: 10 * time.Minute,
	}
}

type SweeperStats struct {
	Running     bool       `json:"running"`
	Interval    string     `json:"interval"`
	Sweeps      int64      `json:"sweeps"`
	Aborted     int64      `json:"aborted"`
	Executed    int64      `json:"executed"`
	Failed      int64      `json:"failed"`
	Skipped     int64      `json:"skipped"`
	LastSweepAt *time.Time `json:"last_sweep_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
}

// Sweeper periodically executes due tasks. A sweep that overruns the
// interval causes the next tick to be skipped rather than overlapped.
type Sweeper struct {
	engine *Engine
	exec   TaskExecutor
	pool   *worker.Pool
	cfg    SweeperConfig
	logger zerolog.Logger

	running atomic.Bool
	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc

	sweeps, aborted, executed, failed, skipped atomic.Int64
	statsMu                                    sync.Mutex
	lastSweepAt                                *time.Time
	lastError                                  string
}

func NewSweeper(cfg SweeperConfig, engine *Engine, exec TaskExecutor) *Sweeper {
	def := DefaultSweeperConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.ClaimTimeout <= 0 {
		cfg.ClaimTimeout = def.ClaimTimeout
	}
	return &Sweeper{
		engine: engine,
		exec:   exec,
		pool:   worker.NewPool(cfg.Concurrency),
		cfg:    cfg,
		logger: logging.Component("sweeper"),
	}
}

// Start begins background sweeping every interval (the configured one when
// interval is zero). Cancelling ctx has the same effect on claims as Stop.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.CompareAndSwap(false, true) {
		return ErrSweeperAlreadyRunning
	}
	if interval > 0 {
		s.statsMu.Lock()
		s.cfg.Interval = interval
		s.statsMu.Unlock()
	}

	runCtx, cancel := context.WithCancel(ctx)
	cl := logging.CronLogger{L: s.logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	c.Schedule(cron.Every(s.cfg.Interval), cron.FuncJob(func() { s.runScheduled(runCtx) }))
	c.Start()
	s.cron, s.cancel = c, cancel

	s.logger.Info().
		Dur("interval", s.cfg.Interval).
		Int("concurrency", s.pool.Size()).
		Msg("sweeper started")
	return nil
}

// Stop prevents new claims and waits for the in-flight sweep, whose
// currently claimed tasks are allowed to finish.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.CompareAndSwap(true, false) {
		return ErrSweeperNotRunning
	}

	s.logger.Info().Msg("sweeper stopping")
	s.cancel()
	<-s.cron.Stop().Done()
	s.cron, s.cancel = nil, nil
	s.logger.Info().Msg("sweeper stopped")
	return nil
}

func (s *Sweeper) Running() bool { return s.running.Load() }

// ExecuteDueTasksNow runs one sweep synchronously.
func (s *Sweeper) ExecuteDueTasksNow(ctx context.Context) (domain.SweepResult, error) {
	return s.sweep(ctx)
}

func (s *Sweeper) runScheduled(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	res, err := s.sweep(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("sweep aborted; retrying next interval")
		return
	}
	if res.Due > 0 || res.Recovered > 0 {
		s.logger.Info().
			Int("due", res.Due).
			Int("executed", res.Executed).
			Int("failed", res.Failed).
			Int("skipped", res.Skipped).
			Dur("took", res.FinishedAt.Sub(res.StartedAt)).
			Msg("sweep finished")
	}
}

func (s *Sweeper) sweep(ctx context.Context) (domain.SweepResult, error) {
	now := s.engine.Now()
	res := domain.SweepResult{StartedAt: now, Tasks: []domain.ExecutionResult{}}

	recovered, err := s.engine.RecoverAbandoned(ctx, s.cfg.ClaimTimeout)
	if err != nil {
		return s.abort(res, err)
	}
	res.Recovered = recovered

	tasks, err := s.engine.DueTasks(ctx, now)
	if err != nil {
		return s.abort(res, err)
	}
	res.Due = len(tasks)

	results := s.pool.Run(ctx, tasks, func(ctx context.Context, task domain.FollowUpTask) domain.ExecutionResult {
		r, err := s.exec.Execute(ctx, task)
		switch {
		case err == nil, errors.Is(err, domain.ErrAlreadyClaimed):
		case errors.Is(err, context.Canceled):
			// stopped before the claim landed; the task is untouched
			r.Skipped = true
		default:
			s.logger.Error().Err(err).Str("task_id", task.ID).Msg("task execution error")
		}
		return r
	})
	for _, r := range results {
		res.Add(r)
	}
	res.FinishedAt = s.engine.Now()

	s.sweeps.Add(1)
	s.executed.Add(int64(res.Executed))
	s.failed.Add(int64(res.Failed))
	s.skipped.Add(int64(res.Skipped))
	s.statsMu.Lock()
	s.lastSweepAt = &res.FinishedAt
	s.lastError = ""
	s.statsMu.Unlock()
	return res, nil
}

func (s *Sweeper) abort(res domain.SweepResult, err error) (domain.SweepResult, error) {
	res.FinishedAt = s.engine.Now()
	s.aborted.Add(1)
	s.statsMu.Lock()
	s.lastSweepAt = &res.FinishedAt
	s.lastError = err.Error()
	s.statsMu.Unlock()
	return res, err
}

func (s *Sweeper) Stats() SweeperStats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return SweeperStats{
		Running:     s.running.Load(),
		Interval:    s.cfg.Interval.String(),
		Sweeps:      s.sweeps.Load(),
		Aborted:     s.aborted.Load(),
		Executed:    s.executed.Load(),
		Failed:      s.failed.Load(),
		Skipped:     s.skipped.Load(),
		LastSweepAt: s.lastSweepAt,
		LastError:   s.lastError,
	}
}
