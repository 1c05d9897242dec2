package domain

import "time"

type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusExecuting Status = "executing"
	StatusExecuted  Status = "executed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusScheduled: {},
		StatusCancelled: {},
	},
	StatusScheduled: {
		StatusExecuting: {},
		StatusCancelled: {},
	},
	StatusExecuting: {
		StatusExecuted: {},
		StatusFailed:   {},
	},
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to Status) bool {
	_, ok := allowedTransitions[from][to]
	return ok
}

// Terminal statuses have no outgoing transitions.
func (s Status) Terminal() bool {
	return len(allowedTransitions[s]) == 0
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusScheduled, StatusExecuting, StatusExecuted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// AllStatuses lists every status in state machine order.
var AllStatuses = []Status{
	StatusPending, StatusScheduled, StatusExecuting, StatusExecuted, StatusCancelled, StatusFailed,
}

// FollowUpTask is one step of one sequence instance for a session.
type FollowUpTask struct {
	ID                 string     `json:"id"`
	SessionID          string     `json:"session_id"`
	LeadID             string     `json:"lead_id"`
	SequenceName       string     `json:"sequence_name"`
	SequencePosition   int        `json:"sequence_position"`
	TotalSequenceSteps int        `json:"total_sequence_steps"`
	Status             Status     `json:"status"`
	DelayMinutes       int        `json:"delay_minutes"`
	OriginalDelay      int        `json:"original_delay"`
	OriginalUnit       string     `json:"original_unit"`
	ScheduledAt        *time.Time `json:"scheduled_at"`
	ExecutedAt         *time.Time `json:"executed_at"`
	ClaimedAt          *time.Time `json:"claimed_at,omitempty"`
	MessageTemplate    string     `json:"message_template"`
	LastError          string     `json:"last_error,omitempty"`
	CancelReason       string     `json:"cancel_reason,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// IsLast reports whether the task is the final step of its sequence.
func (t FollowUpTask) IsLast() bool {
	return t.SequencePosition >= t.TotalSequenceSteps
}

// TaskEvent is one recorded status transition.
type TaskEvent struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	SessionID string    `json:"session_id"`
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Reason    string    `json:"reason,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is what the executor hands to the delivery collaborator.
type Message struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
	LeadID    string `json:"lead_id"`
	Sequence  string `json:"sequence_name"`
	Position  int    `json:"sequence_position"`
	Body      string `json:"body"`
}

// Receipt is the delivery collaborator's answer.
type Receipt struct {
	Delivered  bool   `json:"delivered"`
	ProviderID string `json:"provider_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

type ExecutionResult struct {
	TaskID          string     `json:"task_id"`
	SessionID       string     `json:"session_id"`
	Position        int        `json:"sequence_position"`
	Status          Status     `json:"status"`
	Success         bool       `json:"success"`
	Skipped         bool       `json:"skipped,omitempty"`
	Error           string     `json:"error,omitempty"`
	ExecutedAt      *time.Time `json:"executed_at,omitempty"`
	NextScheduledAt *time.Time `json:"next_scheduled_at,omitempty"`
	Duration        string     `json:"duration"`
}

// SweepResult aggregates one pass over the due tasks.
type SweepResult struct {
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt time.Time         `json:"finished_at"`
	Due        int               `json:"due"`
	Executed   int               `json:"executed"`
	Failed     int               `json:"failed"`
	Skipped    int               `json:"skipped"`
	Recovered  int               `json:"recovered"`
	Tasks      []ExecutionResult `json:"tasks"`
}

// Add folds one execution outcome into the counters.
func (r *SweepResult) Add(res ExecutionResult) {
	switch {
	case res.Skipped:
		r.Skipped++
	case res.Success:
		r.Executed++
	default:
		r.Failed++
	}
	r.Tasks = append(r.Tasks, res)
}

type CancellationResult struct {
	SessionID      string   `json:"session_id"`
	Reason         string   `json:"reason"`
	CancelledCount int      `json:"cancelled_count"`
	CancelledIDs   []string `json:"cancelled_task_ids"`
}

type Statistics struct {
	DaysBack                 int            `json:"days_back"`
	Since                    time.Time      `json:"since"`
	Total                    int            `json:"total"`
	ByStatus                 map[Status]int `json:"by_status"`
	BySequenceName           map[string]int `json:"by_sequence_name"`
	AverageCompletionSeconds float64        `json:"average_completion_seconds"`
	Malformed                int            `json:"malformed"`
}
