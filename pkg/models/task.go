package models

import "time"

type TaskStatus string

const (
	PendingTaskStatus   TaskStatus = "PENDING"
	RunningTaskStatus   TaskStatus = "RUNNING"
	CompletedTaskStatus TaskStatus = "COMPLETED"
	FailedTaskStatus    TaskStatus = "FAILED"
	SkippedTaskStatus   TaskStatus = "SKIPPED"
)

// IsTerminal reports whether a task in this status is done for the run.
// A terminal task is never re-dispatched except through an explicit retry
// or skip command that first clears its terminal state.
func (s TaskStatus) IsTerminal() bool {
	return s == CompletedTaskStatus || s == FailedTaskStatus || s == SkippedTaskStatus
}

type TaskType string

const (
	CodeTaskType      TaskType = "code"
	ConfigTaskType    TaskType = "config"
	TestTaskType      TaskType = "test"
	RefactorTaskType  TaskType = "refactor"
	DocsTaskType      TaskType = "docs"
	IntegrateTaskType TaskType = "integrate"
)

type Complexity string

const (
	LowComplexity    Complexity = "low"
	MediumComplexity Complexity = "medium"
	HighComplexity   Complexity = "high"
)

// TaskOutcome captures what the executor reported for a finished task.
type TaskOutcome struct {
	Success   bool   `json:"success"`
	TestsRun  bool   `json:"tests_run"`
	TestsPass bool   `json:"tests_pass"`
	Error     string `json:"error,omitempty"` // executor-reported failure, not a scheduler fault
}

// Task represents a single code-generation unit within an ExecutionPlan.
type Task struct {
	ID                string        `json:"id"`
	Name              string        `json:"name"`
	Type              TaskType      `json:"type"`
	Complexity        Complexity    `json:"complexity"`
	Files             []string      `json:"files,omitempty"`      // files this task is expected to touch
	DependsOn         []string      `json:"depends_on,omitempty"` // task IDs that must finish first
	NeedsTest         bool          `json:"needs_test"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	EstimatedCost     float64       `json:"estimated_cost"`

	// Runtime fields, populated by the coordinator.
	Status      TaskStatus   `json:"status"`
	WorkerID    string       `json:"worker_id,omitempty"`
	StartedAt   *time.Time   `json:"started_at,omitempty"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Outcome     *TaskOutcome `json:"outcome,omitempty"`
}
