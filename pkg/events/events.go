// Package events carries the lifecycle events emitted during plan execution.
// Consumers observe these events; they carry no control authority back into
// the scheduler.
package events

import (
	"time"

	"github.com/ikoceski/planflow/pkg/models"
)

type Type string

const (
	TaskStarted     Type = "task:started"
	TaskCompleted   Type = "task:completed"
	TaskFailed      Type = "task:failed"
	WorkerCreated   Type = "worker:created"
	WorkerIdle      Type = "worker:idle"
	ProgressUpdate  Type = "progress:update"
	PlanFailed      Type = "plan:failed"
	PlanGroupFailed Type = "plan:group_failed"
)

// Progress is the aggregate task count snapshot attached to
// progress:update events.
type Progress struct {
	TotalTasks     int `json:"total_tasks"`
	PendingTasks   int `json:"pending_tasks"`
	RunningTasks   int `json:"running_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks"`
	SkippedTasks   int `json:"skipped_tasks"`
}

// Event is a single lifecycle notification. Only the fields relevant for the
// event's Type are populated.
type Event struct {
	Type        Type                `json:"type"`
	RequestID   string              `json:"request_id,omitempty"`
	TaskID      string              `json:"task_id,omitempty"`
	WorkerID    string              `json:"worker_id,omitempty"`
	Error       string              `json:"error,omitempty"`
	GroupIndex  int                 `json:"group_index,omitempty"`
	FailedCount int                 `json:"failed_count,omitempty"`
	Reason      string              `json:"reason,omitempty"`
	Progress    *Progress           `json:"progress,omitempty"`
	Merge       *models.MergeResult `json:"merge,omitempty"`
	At          time.Time           `json:"at"`
}
