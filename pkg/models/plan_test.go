package models_test

import (
	"testing"

	"github.com/ikoceski/planflow/pkg/models"
	"github.com/stretchr/testify/assert"
)

func twoGroupPlan() *models.ExecutionPlan {
	return &models.ExecutionPlan{
		ID:        "plan-1",
		RequestID: "req-1",
		Tasks: []models.Task{
			{ID: "a", Name: "a"},
			{ID: "b", Name: "b", DependsOn: []string{"a"}},
			{ID: "c", Name: "c", DependsOn: []string{"a"}},
		},
		ParallelGroups: [][]string{{"a"}, {"b", "c"}},
	}
}

func TestPlanValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*models.ExecutionPlan)
		wantErr string
	}{
		{
			name:   "valid plan",
			mutate: func(p *models.ExecutionPlan) {},
		},
		{
			name:    "missing id",
			mutate:  func(p *models.ExecutionPlan) { p.ID = "" },
			wantErr: "no id",
		},
		{
			name:    "no tasks",
			mutate:  func(p *models.ExecutionPlan) { p.Tasks = nil },
			wantErr: "no tasks",
		},
		{
			name: "task in two groups",
			mutate: func(p *models.ExecutionPlan) {
				p.ParallelGroups = [][]string{{"a"}, {"b", "c", "a"}}
			},
			wantErr: "appears in groups",
		},
		{
			name: "task missing from groups",
			mutate: func(p *models.ExecutionPlan) {
				p.ParallelGroups = [][]string{{"a"}, {"b"}}
			},
			wantErr: "not assigned to any parallel group",
		},
		{
			name: "dependency in same group",
			mutate: func(p *models.ExecutionPlan) {
				p.ParallelGroups = [][]string{{"a", "b"}, {"c"}}
			},
			wantErr: "earlier group",
		},
		{
			name: "unknown dependency",
			mutate: func(p *models.ExecutionPlan) {
				p.Tasks[1].DependsOn = []string{"missing"}
			},
			wantErr: "unknown task",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := twoGroupPlan()
			tt.mutate(plan)
			err := plan.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestPlanLookups(t *testing.T) {
	plan := twoGroupPlan()

	assert.Equal(t, "b", plan.Task("b").ID)
	assert.Nil(t, plan.Task("missing"))

	assert.Equal(t, 0, plan.GroupOf("a"))
	assert.Equal(t, 1, plan.GroupOf("c"))
	assert.Equal(t, -1, plan.GroupOf("missing"))
}

func TestDerivePlanStatus(t *testing.T) {
	tasks := func(statuses ...models.TaskStatus) []models.Task {
		out := make([]models.Task, len(statuses))
		for i, s := range statuses {
			out[i] = models.Task{ID: string(rune('a' + i)), Status: s}
		}
		return out
	}

	tests := []struct {
		name          string
		tasks         []models.Task
		skipOnFailure bool
		want          models.PlanStatus
	}{
		{
			name:  "running wins over everything",
			tasks: tasks(models.CompletedTaskStatus, models.RunningTaskStatus, models.FailedTaskStatus),
			want:  models.ExecutingPlanStatus,
		},
		{
			name:  "failure without skip",
			tasks: tasks(models.CompletedTaskStatus, models.FailedTaskStatus),
			want:  models.FailedPlanStatus,
		},
		{
			name:          "failure absorbed by skip",
			tasks:         tasks(models.CompletedTaskStatus, models.FailedTaskStatus),
			skipOnFailure: true,
			want:          models.CompletedPlanStatus,
		},
		{
			name:  "pending remains ready",
			tasks: tasks(models.CompletedTaskStatus, models.PendingTaskStatus),
			want:  models.ReadyPlanStatus,
		},
		{
			name:  "all terminal and clean",
			tasks: tasks(models.CompletedTaskStatus, models.SkippedTaskStatus),
			want:  models.CompletedPlanStatus,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, models.DerivePlanStatus(tt.tasks, tt.skipOnFailure))
		})
	}
}

func TestTaskStatusIsTerminal(t *testing.T) {
	assert.True(t, models.CompletedTaskStatus.IsTerminal())
	assert.True(t, models.FailedTaskStatus.IsTerminal())
	assert.True(t, models.SkippedTaskStatus.IsTerminal())
	assert.False(t, models.PendingTaskStatus.IsTerminal())
	assert.False(t, models.RunningTaskStatus.IsTerminal())
}
