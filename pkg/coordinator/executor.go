package coordinator

import (
	"context"
	"time"

	"github.com/ikoceski/planflow/pkg/models"
	"github.com/ikoceski/planflow/pkg/vcs"
)

// Logger defines the logging interface accepted by the coordinator.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// TaskResult is what the external executor reports for one task.
type TaskResult struct {
	Success   bool             `json:"success"`
	Changes   []vcs.FileChange `json:"changes,omitempty"`
	Decisions []string         `json:"decisions,omitempty"`
	TestsRun  bool             `json:"tests_run"`
	TestsPass bool             `json:"tests_pass"`
	Error     string           `json:"error,omitempty"`
}

// TaskExecutor performs the actual content generation for a task. It is an
// external collaborator: the coordinator treats a returned error, a panic,
// or a context timeout all as {Success: false} and never lets them unwind
// the scheduler.
type TaskExecutor interface {
	Execute(ctx context.Context, task models.Task, workerID string) (TaskResult, error)
}

// TaskExecutorFunc adapts a function to the TaskExecutor interface.
type TaskExecutorFunc func(ctx context.Context, task models.Task, workerID string) (TaskResult, error)

func (f TaskExecutorFunc) Execute(ctx context.Context, task models.Task, workerID string) (TaskResult, error) {
	return f(ctx, task, workerID)
}

// Config controls the scheduling policies of a Coordinator.
type Config struct {
	// MaxWorkers bounds the number of concurrently executing tasks.
	MaxWorkers int

	// TaskTimeout is the per-task deadline; an expired task is treated as a
	// failure and its branch rolled back. Zero disables the timeout.
	TaskTimeout time.Duration

	// SkipOnFailure lets a failed task be recorded without blocking
	// advancement to the next parallel group.
	SkipOnFailure bool

	// StopOnGroupFailure halts the whole plan when every task in a group
	// fails: the whole-group-dead circuit breaker.
	StopOnGroupFailure bool

	// AllowSkippedDeps treats a skipped dependency as satisfied.
	AllowSkippedDeps bool
}

// DefaultConfig returns the default scheduling configuration.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:       5,
		TaskTimeout:      10 * time.Minute,
		AllowSkippedDeps: true,
	}
}

// ExecutionResult summarizes a finished (or halted) run.
type ExecutionResult struct {
	PlanID    string            `json:"plan_id"`
	RequestID string            `json:"request_id"`
	Status    models.PlanStatus `json:"status"`
	Completed int               `json:"completed"`
	Failed    int               `json:"failed"`
	Skipped   int               `json:"skipped"`
	Cancelled bool              `json:"cancelled"`
}
