package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"followup/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS follow_up_tasks (
  id TEXT PRIMARY KEY,
  session_id TEXT NOT NULL,
  lead_id TEXT NOT NULL,
  sequence_name TEXT NOT NULL,
  sequence_position INTEGER NOT NULL,
  total_sequence_steps INTEGER NOT NULL,
  status TEXT NOT NULL CHECK(status IN ('pending','scheduled','executing','executed','cancelled','failed')),
  delay_minutes INTEGER NOT NULL,
  original_delay INTEGER NOT NULL,
  original_unit TEXT NOT NULL,
  scheduled_at DATETIME,
  executed_at DATETIME,
  claimed_at DATETIME,
  message_template TEXT NOT NULL,
  last_error TEXT,
  cancel_reason TEXT,
  created_at DATETIME NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_fut_session_position ON follow_up_tasks(session_id, sequence_position);
CREATE INDEX IF NOT EXISTS idx_fut_due ON follow_up_tasks(status, scheduled_at);
CREATE INDEX IF NOT EXISTS idx_fut_lead ON follow_up_tasks(lead_id);
CREATE INDEX IF NOT EXISTS idx_fut_created ON follow_up_tasks(created_at);
CREATE TABLE IF NOT EXISTS task_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  task_id TEXT NOT NULL,
  session_id TEXT NOT NULL,
  from_status TEXT NOT NULL,
  to_status TEXT NOT NULL,
  reason TEXT,
  error TEXT,
  created_at DATETIME NOT NULL,
  FOREIGN KEY(task_id) REFERENCES follow_up_tasks(id)
);
CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id);
CREATE TABLE IF NOT EXISTS session_contexts (
  session_id TEXT PRIMARY KEY,
  use_case TEXT NOT NULL,
  lead_name TEXT NOT NULL DEFAULT '',
  agent_name TEXT NOT NULL DEFAULT '',
  company_name TEXT NOT NULL DEFAULT '',
  last_topic TEXT NOT NULL DEFAULT '',
  appointment_at TEXT NOT NULL DEFAULT '',
  prior_turns TEXT NOT NULL DEFAULT '[]',
  updated_at DATETIME NOT NULL
);
`
	_, err := db.Exec(schema)
	return err
}

// Open opens the SQLite database at path and ensures the schema.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

type Repository interface {
	CreateSequence(ctx context.Context, tasks []domain.FollowUpTask, tc *domain.TemplateContext) error
	Get(ctx context.Context, id string) (domain.FollowUpTask, error)
	ListSession(ctx context.Context, sessionID string) ([]domain.FollowUpTask, error)
	ListRecentTasks(ctx context.Context, status domain.Status, limit int) ([]domain.FollowUpTask, error)
	SessionExists(ctx context.Context, sessionID string) (bool, error)
	Events(ctx context.Context, taskID string) ([]domain.TaskEvent, error)

	DueTasks(ctx context.Context, now time.Time) ([]domain.FollowUpTask, error)
	Claim(ctx context.Context, id string, now time.Time) (domain.FollowUpTask, error)
	Succeed(ctx context.Context, id string, now time.Time) error
	Fail(ctx context.Context, id, errStr string, now time.Time) error
	ScheduleNext(ctx context.Context, sessionID string, position int, from time.Time) (*time.Time, error)
	CancelSession(ctx context.Context, sessionID string, sequenceNames []string, reason string, now time.Time) ([]string, error)
	RecoverStale(ctx context.Context, claimedBefore, now time.Time) (int, error)

	Statistics(ctx context.Context, since time.Time) (domain.Statistics, error)

	PutSessionContext(ctx context.Context, sessionID string, tc domain.TemplateContext, now time.Time) error
	RenderContext(ctx context.Context, sessionID string) (domain.TemplateContext, error)
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

const taskColumns = `id,session_id,lead_id,sequence_name,sequence_position,total_sequence_steps,status,delay_minutes,original_delay,original_unit,scheduled_at,executed_at,claimed_at,message_template,last_error,cancel_reason,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(s rowScanner) (domain.FollowUpTask, error) {
	var t domain.FollowUpTask
	var scheduledAt, executedAt, claimedAt sql.NullTime
	var lastErr, cancelReason sql.NullString
	if err := s.Scan(&t.ID, &t.SessionID, &t.LeadID, &t.SequenceName, &t.SequencePosition, &t.TotalSequenceSteps,
		&t.Status, &t.DelayMinutes, &t.OriginalDelay, &t.OriginalUnit, &scheduledAt, &executedAt, &claimedAt,
		&t.MessageTemplate, &lastErr, &cancelReason, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return domain.FollowUpTask{}, err
	}
	t.ScheduledAt = timePtr(scheduledAt)
	t.ExecutedAt = timePtr(executedAt)
	t.ClaimedAt = timePtr(claimedAt)
	t.LastError = lastErr.String
	t.CancelReason = cancelReason.String
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	v := nt.Time.UTC()
	return &v
}

func (r *sqliteRepo) queryTasks(ctx context.Context, query string, args ...any) ([]domain.FollowUpTask, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.FollowUpTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func appendEvent(ctx context.Context, ex execer, taskID, sessionID string, from, to domain.Status, reason, errStr string, now time.Time) error {
	_, err := ex.ExecContext(ctx, `
INSERT INTO task_events(task_id, session_id, from_status, to_status, reason, error, created_at) VALUES (?,?,?,?,?,?,?)`,
		taskID, sessionID, string(from), string(to), reason, errStr, now.UTC())
	if err != nil {
		return fmt.Errorf("insert task event: %w", err)
	}
	return nil
}

// CreateSequence stores every task of one sequence instance, plus the
// session's template context when given, in a single transaction.
func (r *sqliteRepo) CreateSequence(ctx context.Context, tasks []domain.FollowUpTask, tc *domain.TemplateContext) (err error) {
	if len(tasks) == 0 {
		return fmt.Errorf("%w: no tasks", domain.ErrInvalidDefinition)
	}
	sessionID := tasks[0].SessionID

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var existing int
	if err = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM follow_up_tasks WHERE session_id=?`, sessionID).Scan(&existing); err != nil {
		return err
	}
	if existing > 0 {
		err = fmt.Errorf("%w: %s", domain.ErrSequenceExists, sessionID)
		return err
	}

	for _, t := range tasks {
		var scheduledAt any
		if t.ScheduledAt != nil {
			scheduledAt = t.ScheduledAt.UTC()
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO follow_up_tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?,NULL,NULL,?,NULL,NULL,?,?)`,
			t.ID, t.SessionID, t.LeadID, t.SequenceName, t.SequencePosition, t.TotalSequenceSteps, string(t.Status),
			t.DelayMinutes, t.OriginalDelay, t.OriginalUnit, scheduledAt, t.MessageTemplate, t.CreatedAt.UTC(), t.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert task %d: %w", t.SequencePosition, err)
		}
	}

	if tc != nil {
		if err = putContext(ctx, tx, sessionID, *tc, tasks[0].CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.FollowUpTask, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM follow_up_tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.FollowUpTask{}, fmt.Errorf("%w: task %s", domain.ErrNotFound, id)
	}
	return t, err
}

func (r *sqliteRepo) ListSession(ctx context.Context, sessionID string) ([]domain.FollowUpTask, error) {
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM follow_up_tasks WHERE session_id=? ORDER BY sequence_position`, sessionID)
}

func (r *sqliteRepo) ListRecentTasks(ctx context.Context, status domain.Status, limit int) ([]domain.FollowUpTask, error) {
	if status == "" {
		return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM follow_up_tasks ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	}
	return r.queryTasks(ctx, `SELECT `+taskColumns+` FROM follow_up_tasks WHERE status=? ORDER BY created_at DESC, id DESC LIMIT ?`, string(status), limit)
}

func (r *sqliteRepo) SessionExists(ctx context.Context, sessionID string) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM follow_up_tasks WHERE session_id=?`, sessionID).Scan(&n)
	return n > 0, err
}

func (r *sqliteRepo) Events(ctx context.Context, taskID string) ([]domain.TaskEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id,task_id,session_id,from_status,to_status,reason,error,created_at
FROM task_events WHERE task_id=? ORDER BY id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.TaskEvent
	for rows.Next() {
		var e domain.TaskEvent
		var reason, errStr sql.NullString
		if err := rows.Scan(&e.ID, &e.TaskID, &e.SessionID, &e.From, &e.To, &reason, &errStr, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Reason, e.Error = reason.String, errStr.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// DueTasks is read-only: scheduled tasks whose due time has passed, oldest
// first with id as tie-break.
func (r *sqliteRepo) DueTasks(ctx context.Context, now time.Time) ([]domain.FollowUpTask, error) {
	return r.queryTasks(ctx, `
SELECT `+taskColumns+` FROM follow_up_tasks
WHERE status='scheduled' AND scheduled_at <= ?
ORDER BY scheduled_at ASC, id ASC`, now.UTC())
}

// transition moves a task between statuses only if it is still in from.
func (r *sqliteRepo) transition(ctx context.Context, id string, from, to domain.Status, set string, args []any, reason, errStr string, now time.Time) (ok bool, err error) {
	if !domain.CanTransition(from, to) {
		return false, fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil || !ok {
			_ = tx.Rollback()
		}
	}()

	query := `UPDATE follow_up_tasks SET status=?, updated_at=?` + set + ` WHERE id=? AND status=?`
	params := append([]any{string(to), now.UTC()}, args...)
	params = append(params, id, string(from))
	res, err := tx.ExecContext(ctx, query, params...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n != 1 {
		return false, nil
	}

	var sessionID string
	if err = tx.QueryRowContext(ctx, `SELECT session_id FROM follow_up_tasks WHERE id=?`, id).Scan(&sessionID); err != nil {
		return false, err
	}
	if err = appendEvent(ctx, tx, id, sessionID, from, to, reason, errStr, now); err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

// Claim atomically moves a task from scheduled to executing. Exactly one
// caller wins; the others get ErrAlreadyClaimed.
func (r *sqliteRepo) Claim(ctx context.Context, id string, now time.Time) (domain.FollowUpTask, error) {
	ok, err := r.transition(ctx, id, domain.StatusScheduled, domain.StatusExecuting, `, claimed_at=?`, []any{now.UTC()}, "claimed", "", now)
	if err != nil {
		return domain.FollowUpTask{}, err
	}
	if !ok {
		if _, err := r.Get(ctx, id); err != nil {
			return domain.FollowUpTask{}, err
		}
		return domain.FollowUpTask{}, fmt.Errorf("%w: %s", domain.ErrAlreadyClaimed, id)
	}
	return r.Get(ctx, id)
}

func (r *sqliteRepo) Succeed(ctx context.Context, id string, now time.Time) error {
	ok, err := r.transition(ctx, id, domain.StatusExecuting, domain.StatusExecuted, `, executed_at=?, last_error=NULL`, []any{now.UTC()}, "delivered", "", now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("task %s is not executing", id)
	}
	return nil
}

func (r *sqliteRepo) Fail(ctx context.Context, id, errStr string, now time.Time) error {
	ok, err := r.transition(ctx, id, domain.StatusExecuting, domain.StatusFailed, `, last_error=?`, []any{errStr}, "execution failed", errStr, now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("task %s is not executing", id)
	}
	return nil
}

// ScheduleNext gives the task at position its due time, measured from
// `from`. It does nothing (nil, nil) unless that task is still pending and
// no task of the session has been cancelled.
func (r *sqliteRepo) ScheduleNext(ctx context.Context, sessionID string, position int, from time.Time) (due *time.Time, err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil || due == nil {
			_ = tx.Rollback()
		}
	}()

	var id string
	var status domain.Status
	var delay int
	err = tx.QueryRowContext(ctx, `
SELECT id, status, delay_minutes FROM follow_up_tasks WHERE session_id=? AND sequence_position=?`,
		sessionID, position).Scan(&id, &status, &delay)
	if errors.Is(err, sql.ErrNoRows) {
		err = fmt.Errorf("%w: session %s position %d", domain.ErrNotFound, sessionID, position)
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if status != domain.StatusPending {
		return nil, nil
	}

	at := from.UTC().Add(time.Duration(delay) * time.Minute)
	res, err := tx.ExecContext(ctx, `
UPDATE follow_up_tasks SET status='scheduled', scheduled_at=?, updated_at=?
WHERE id=? AND status='pending'
  AND NOT EXISTS (SELECT 1 FROM follow_up_tasks WHERE session_id=? AND status='cancelled')`,
		at, from.UTC(), id, sessionID)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n != 1 {
		return nil, nil
	}
	if err = appendEvent(ctx, tx, id, sessionID, domain.StatusPending, domain.StatusScheduled, "predecessor executed", "", from); err != nil {
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return &at, nil
}

// CancelSession cancels every pending or scheduled task of a session in one
// statement, optionally restricted to some sequence names. Executing tasks
// are left alone.
func (r *sqliteRepo) CancelSession(ctx context.Context, sessionID string, sequenceNames []string, reason string, now time.Time) (ids []string, err error) {
	query := `
UPDATE follow_up_tasks SET status='cancelled', cancel_reason=?, updated_at=?
WHERE session_id=? AND status IN ('pending','scheduled')`
	args := []any{reason, now.UTC(), sessionID}
	if len(sequenceNames) > 0 {
		query += ` AND sequence_name IN (?` + strings.Repeat(",?", len(sequenceNames)-1) + `)`
		for _, n := range sequenceNames {
			args = append(args, n)
		}
	}
	// scheduled_at is only ever set on tasks that left pending, so it tells
	// us the prior status.
	query += ` RETURNING id, scheduled_at IS NOT NULL`

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	type cancelled struct {
		id   string
		from domain.Status
	}
	var got []cancelled
	for rows.Next() {
		var c cancelled
		var wasScheduled bool
		if err = rows.Scan(&c.id, &wasScheduled); err != nil {
			rows.Close()
			return nil, err
		}
		c.from = domain.StatusPending
		if wasScheduled {
			c.from = domain.StatusScheduled
		}
		got = append(got, c)
	}
	if err = rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	ids = make([]string, 0, len(got))
	for _, c := range got {
		if err = appendEvent(ctx, tx, c.id, sessionID, c.from, domain.StatusCancelled, reason, "", now); err != nil {
			return nil, err
		}
		ids = append(ids, c.id)
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// RecoverStale fails tasks whose claim is older than claimedBefore; their
// worker is presumed dead. Status never moves backwards, so they are not
// requeued.
func (r *sqliteRepo) RecoverStale(ctx context.Context, claimedBefore, now time.Time) (n int, err error) {
	const msg = "claim abandoned"
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.QueryContext(ctx, `
UPDATE follow_up_tasks SET status='failed', last_error=?, updated_at=?
WHERE status='executing' AND claimed_at < ?
RETURNING id, session_id`, msg, now.UTC(), claimedBefore.UTC())
	if err != nil {
		return 0, err
	}
	var recovered [][2]string
	for rows.Next() {
		var pair [2]string
		if err = rows.Scan(&pair[0], &pair[1]); err != nil {
			rows.Close()
			return 0, err
		}
		recovered = append(recovered, pair)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return 0, err
	}

	for _, p := range recovered {
		if err = appendEvent(ctx, tx, p[0], p[1], domain.StatusExecuting, domain.StatusFailed, "recovered", msg, now); err != nil {
			return 0, err
		}
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return len(recovered), nil
}

// Statistics aggregates tasks created at or after since. Rows that fail to
// scan are excluded and counted as malformed; unknown statuses count as
// failed.
func (r *sqliteRepo) Statistics(ctx context.Context, since time.Time) (domain.Statistics, error) {
	stats := domain.Statistics{
		Since:          since.UTC(),
		ByStatus:       make(map[domain.Status]int, len(domain.AllStatuses)),
		BySequenceName: make(map[string]int),
	}
	for _, s := range domain.AllStatuses {
		stats.ByStatus[s] = 0
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT status, sequence_name, created_at, executed_at
FROM follow_up_tasks WHERE created_at >= ?`, since.UTC())
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	var completed int
	var totalSeconds float64
	for rows.Next() {
		var status, name sql.NullString
		var createdAt time.Time
		var executedAt sql.NullTime
		if err := rows.Scan(&status, &name, &createdAt, &executedAt); err != nil {
			stats.Malformed++
			continue
		}
		st := domain.Status(status.String)
		if !st.Valid() {
			st = domain.StatusFailed
		}
		stats.Total++
		stats.ByStatus[st]++
		stats.BySequenceName[name.String]++
		if st == domain.StatusExecuted && executedAt.Valid {
			d := executedAt.Time.Sub(createdAt).Seconds()
			if d >= 0 {
				totalSeconds += d
				completed++
			}
		}
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}
	if completed > 0 {
		stats.AverageCompletionSeconds = totalSeconds / float64(completed)
	}
	return stats, nil
}

func putContext(ctx context.Context, ex execer, sessionID string, tc domain.TemplateContext, now time.Time) error {
	turns, err := json.Marshal(tc.PriorTurns)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, `
INSERT INTO session_contexts (session_id,use_case,lead_name,agent_name,company_name,last_topic,appointment_at,prior_turns,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(session_id) DO UPDATE SET
  use_case=excluded.use_case, lead_name=excluded.lead_name, agent_name=excluded.agent_name,
  company_name=excluded.company_name, last_topic=excluded.last_topic, appointment_at=excluded.appointment_at,
  prior_turns=excluded.prior_turns, updated_at=excluded.updated_at`,
		sessionID, string(tc.UseCase), tc.LeadName, tc.AgentName, tc.CompanyName, tc.LastTopic, tc.AppointmentAt, string(turns), now.UTC())
	if err != nil {
		return fmt.Errorf("store session context: %w", err)
	}
	return nil
}

func (r *sqliteRepo) PutSessionContext(ctx context.Context, sessionID string, tc domain.TemplateContext, now time.Time) error {
	return putContext(ctx, r.db, sessionID, tc, now)
}

// RenderContext returns the stored template context of a session.
func (r *sqliteRepo) RenderContext(ctx context.Context, sessionID string) (domain.TemplateContext, error) {
	var tc domain.TemplateContext
	var turns string
	err := r.db.QueryRowContext(ctx, `
SELECT use_case,lead_name,agent_name,company_name,last_topic,appointment_at,prior_turns
FROM session_contexts WHERE session_id=?`, sessionID).
		Scan(&tc.UseCase, &tc.LeadName, &tc.AgentName, &tc.CompanyName, &tc.LastTopic, &tc.AppointmentAt, &turns)
	if errors.Is(err, sql.ErrNoRows) {
		return tc, fmt.Errorf("%w: no context for session %s", domain.ErrNotFound, sessionID)
	}
	if err != nil {
		return tc, err
	}
	if turns != "" {
		if err := json.Unmarshal([]byte(turns), &tc.PriorTurns); err != nil {
			return tc, fmt.Errorf("decode prior turns: %w", err)
		}
	}
	return tc, nil
}
