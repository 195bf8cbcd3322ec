package models

import (
	"encoding/json"
	"time"
)

// Status enumerates task lifecycle states persisted in scheduled_calls.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every valid status.
var AllStatuses = []Status{StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled}

// TerminalStatuses are the states a task can be deleted from without force.
var TerminalStatuses = []Status{StatusCompleted, StatusFailed, StatusCancelled}

// ParseStatus validates s against the known statuses.
func ParseStatus(s string) (Status, bool) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// CanCancel reports whether a task in this state may move to cancelled.
func (s Status) CanCancel() bool {
	return s == StatusPending || s == StatusProcessing
}

// CanReschedule reports whether a task in this state may return to pending.
func (s Status) CanReschedule() bool {
	return s == StatusFailed || s == StatusCancelled
}

// Terminal reports whether the task is finished from the runner's point of view.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Event types written to call_logs.
const (
	EventScheduled = "scheduled"
	EventCancelled = "cancelled"
	EventCompleted = "completed"
	EventFailed    = "failed"
)

const (
	DefaultPriority   = 3
	MinPriority       = 1
	MaxPriority       = 5
	DefaultMaxRetries = 3
	MaxRetriesCeiling = 10
)

// Task is a deferred call or broadcast persisted in scheduled_calls.
type Task struct {
	ID          int64           `json:"id"`
	Service     Service         `json:"service"`
	Payload     Payload         `json:"data"`
	ScheduledAt time.Time       `json:"scheduled_at"`
	Status      Status          `json:"status"`
	Priority    int             `json:"priority"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	LastError   *string         `json:"last_error,omitempty"`
	ExecutedAt  *time.Time      `json:"executed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	UserID      *int64          `json:"user_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`

	// PayloadErr is set when the stored document could not be decoded.
	PayloadErr error `json:"-"`
}

// TaskLog is an append-only row in call_logs.
type TaskLog struct {
	ID             int64           `json:"id"`
	TaskID         int64           `json:"scheduled_call_id"`
	EventType      string          `json:"event_type"`
	EventTimestamp time.Time       `json:"event_timestamp"`
	APIResponse    json.RawMessage `json:"api_response,omitempty"`
	ErrorCode      *string         `json:"error_code,omitempty"`
	ErrorMessage   *string         `json:"error_message,omitempty"`
	ResponseTimeMS *int            `json:"response_time_ms,omitempty"`
	AttemptNumber  *int            `json:"attempt_number,omitempty"`
}

// Attempt describes the outcome of one dispatch, recorded by the runner.
type Attempt struct {
	At        time.Time
	Elapsed   time.Duration
	Response  json.RawMessage
	ErrorCode string
	Error     string
}

// JobRun is a row in cron_job_logs.
type JobRun struct {
	JobName    string    `json:"job_name"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Status     string    `json:"status"`
	Processed  int64     `json:"processed"`
	Succeeded  int64     `json:"succeeded"`
	Error      string    `json:"error,omitempty"`
}

// Event is a row in events_history.
type Event struct {
	UserID  *int64          `json:"user_id,omitempty"`
	Action  string          `json:"action"`
	Route   string          `json:"route"`
	Method  string          `json:"method"`
	IP      string          `json:"ip"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func StringPtr(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func IntPtr(v int) *int { return &v }
