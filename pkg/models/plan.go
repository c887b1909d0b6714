package models

import (
	"time"

	"github.com/pkg/errors"
)

type PlanStatus string

const (
	ReadyPlanStatus     PlanStatus = "READY"
	ExecutingPlanStatus PlanStatus = "EXECUTING"
	CompletedPlanStatus PlanStatus = "COMPLETED"
	FailedPlanStatus    PlanStatus = "FAILED"
	PausedPlanStatus    PlanStatus = "PAUSED"
)

// ExecutionPlan is the dependency graph of tasks produced by an external
// planner, together with its precomputed topological leveling. The plan is
// immutable once created; only the runtime fields of its tasks change.
type ExecutionPlan struct {
	ID        string `json:"id"`
	RequestID string `json:"request_id"` // the change request this plan belongs to
	Tasks     []Task `json:"tasks"`

	// ParallelGroups is an ordered list of task-id sets. All tasks in group i
	// depend only on tasks in groups < i and may execute concurrently.
	ParallelGroups [][]string `json:"parallel_groups"`

	EstimatedCost     float64       `json:"estimated_cost"`
	EstimatedDuration time.Duration `json:"estimated_duration"`

	Status      PlanStatus `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Task returns a pointer to the task with the given ID, or nil.
func (p *ExecutionPlan) Task(id string) *Task {
	for i := range p.Tasks {
		if p.Tasks[i].ID == id {
			return &p.Tasks[i]
		}
	}
	return nil
}

// GroupOf returns the index of the parallel group containing the task,
// or -1 if the task appears in no group.
func (p *ExecutionPlan) GroupOf(taskID string) int {
	for i, group := range p.ParallelGroups {
		for _, id := range group {
			if id == taskID {
				return i
			}
		}
	}
	return -1
}

// Validate checks the structural invariants the coordinator relies on:
// every task appears in exactly one parallel group, the union of groups
// equals the task set, every dependency resolves to a strictly earlier
// group, and no two tasks within a group depend on each other.
func (p *ExecutionPlan) Validate() error {
	if p.ID == "" {
		return errors.New("plan has no id")
	}
	if len(p.Tasks) == 0 {
		return errors.New("plan has no tasks")
	}

	taskGroup := make(map[string]int, len(p.Tasks))
	for gi, group := range p.ParallelGroups {
		for _, id := range group {
			if prev, seen := taskGroup[id]; seen {
				return errors.Errorf("task %s appears in groups %d and %d", id, prev, gi)
			}
			taskGroup[id] = gi
		}
	}

	for i := range p.Tasks {
		task := &p.Tasks[i]
		gi, ok := taskGroup[task.ID]
		if !ok {
			return errors.Errorf("task %s is not assigned to any parallel group", task.ID)
		}
		for _, dep := range task.DependsOn {
			dg, ok := taskGroup[dep]
			if !ok {
				return errors.Errorf("task %s depends on unknown task %s", task.ID, dep)
			}
			if dg >= gi {
				return errors.Errorf("task %s (group %d) depends on %s (group %d); dependencies must live in an earlier group",
					task.ID, gi, dep, dg)
			}
		}
	}

	if len(taskGroup) != len(p.Tasks) {
		return errors.Errorf("parallel groups reference %d tasks but the plan has %d", len(taskGroup), len(p.Tasks))
	}
	return nil
}

// DerivePlanStatus computes the plan status as a pure function of task
// statuses. With skipOnFailure enabled, failed tasks are absorbed and do not
// prevent a COMPLETED result.
func DerivePlanStatus(tasks []Task, skipOnFailure bool) PlanStatus {
	anyRunning := false
	anyFailed := false
	anyPending := false
	for i := range tasks {
		switch tasks[i].Status {
		case RunningTaskStatus:
			anyRunning = true
		case FailedTaskStatus:
			anyFailed = true
		case PendingTaskStatus:
			anyPending = true
		}
	}
	switch {
	case anyRunning:
		return ExecutingPlanStatus
	case anyFailed && !skipOnFailure:
		return FailedPlanStatus
	case anyPending:
		return ReadyPlanStatus
	default:
		return CompletedPlanStatus
	}
}
