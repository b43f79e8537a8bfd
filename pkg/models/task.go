package models

import (
	"encoding/json"
	"time"
)

// TaskState is the scheduler-owned state of a task.
type TaskState string

// Task states. Transitions are monotone except Routed → Pending, which is
// allowed when routing is retried.
const (
	TaskPending   TaskState = "pending"
	TaskRouted    TaskState = "routed"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
	TaskExpired   TaskState = "expired"
)

// Terminal reports whether the state accepts no further transitions.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCancelled, TaskExpired:
		return true
	}
	return false
}

// taskTransitions encodes the legal task state machine paths.
var taskTransitions = map[TaskState][]TaskState{
	TaskPending: {TaskRouted, TaskCancelled, TaskExpired, TaskFailed},
	TaskRouted:  {TaskRunning, TaskPending, TaskCancelled, TaskExpired, TaskFailed},
	TaskRunning: {TaskSucceeded, TaskFailed, TaskCancelled, TaskExpired, TaskPending},
}

// CanTransition reports whether moving from s to next is legal.
func (s TaskState) CanTransition(next TaskState) bool {
	for _, allowed := range taskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TaskPriority orders tasks for routing eligibility.
type TaskPriority string

// Task priorities.
const (
	PriorityLow    TaskPriority = "low"
	PriorityNormal TaskPriority = "normal"
	PriorityHigh   TaskPriority = "high"
)

// BackoffPolicy controls retry spacing for retryable failures.
type BackoffPolicy struct {
	Base time.Duration `json:"base" yaml:"base"`
	Max  time.Duration `json:"max" yaml:"max"`
}

// Task is the scheduler's unit of work.
type Task struct {
	TaskID         string          `json:"task_id"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Capability     string          `json:"capability"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Priority       TaskPriority    `json:"priority"`
	CorrelationID  string          `json:"correlation_id"`
	SubmittedAt    time.Time       `json:"submitted_at"`
	Deadline       time.Time       `json:"deadline"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	Backoff        BackoffPolicy   `json:"backoff_policy"`
	State          TaskState       `json:"state"`
	StateReason    string          `json:"state_reason,omitempty"`
	OwnerAgent     string          `json:"owner_agent,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	ResultRef      string          `json:"result_ref,omitempty"`
	CompletedAt    time.Time       `json:"completed_at,omitzero"`
}

// TaskResult is the tagged outcome an agent returns for a handled task.
// Exactly one of Result or ErrorKind is meaningful.
type TaskResult struct {
	Result    json.RawMessage `json:"result,omitempty"`
	ErrorKind ErrorKind       `json:"error_kind,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Failed reports whether the result carries an error.
func (r *TaskResult) Failed() bool {
	return r.ErrorKind != ""
}

// TaskSpec is the external submission shape accepted by the scheduler.
type TaskSpec struct {
	Capability     string          `json:"capability"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Priority       TaskPriority    `json:"priority,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Deadline       time.Time       `json:"deadline,omitzero"`
	MaxAttempts    int             `json:"max_attempts,omitempty"`
}
