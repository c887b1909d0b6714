package models

import "time"

type SessionStatus string

const (
	ExecutingSessionStatus SessionStatus = "EXECUTING"
	PausedSessionStatus    SessionStatus = "PAUSED"
	CompletedSessionStatus SessionStatus = "COMPLETED"
	FailedSessionStatus    SessionStatus = "FAILED"
	CancelledSessionStatus SessionStatus = "CANCELLED"
)

// IsTerminal reports whether the session has finished for good.
func (s SessionStatus) IsTerminal() bool {
	return s == CompletedSessionStatus || s == FailedSessionStatus || s == CancelledSessionStatus
}

// SessionRecord is the durable history row for one execution session.
type SessionRecord struct {
	ID        int64         `json:"id" db:"id"`
	SessionID string        `json:"session_id" db:"session_id"`
	RequestID string        `json:"request_id" db:"request_id"`
	PlanID    string        `json:"plan_id" db:"plan_id"`
	Project   string        `json:"project" db:"project"`
	Status    SessionStatus `json:"status" db:"status"`
	CreatedAt time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt time.Time     `json:"updated_at" db:"updated_at"`
}

// TaskLog tracks the history of task transitions for auditing.
type TaskLog struct {
	ID        int64     `json:"id" db:"id"`
	RequestID string    `json:"request_id" db:"request_id"`
	TaskID    string    `json:"task_id" db:"task_id"`
	WorkerID  string    `json:"worker_id,omitempty" db:"worker_id"`
	Status    string    `json:"status" db:"status"`
	Message   string    `json:"message,omitempty" db:"message"`
	LoggedAt  time.Time `json:"logged_at" db:"logged_at"`
}
