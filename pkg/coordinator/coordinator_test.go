package coordinator_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ikoceski/planflow/pkg/coordinator"
	"github.com/ikoceski/planflow/pkg/events"
	"github.com/ikoceski/planflow/pkg/models"
	"github.com/ikoceski/planflow/pkg/statestore"
	"github.com/ikoceski/planflow/pkg/vcs"
	"github.com/stretchr/testify/assert"
)

type testLogger struct{}

func (l *testLogger) Infof(format string, args ...interface{})  {}
func (l *testLogger) Errorf(format string, args ...interface{}) {}

type fixture struct {
	coord    *coordinator.Coordinator
	branches *vcs.BranchController
	client   *vcs.MemoryClient
	store    *statestore.FileStore
	emitter  *events.Emitter
}

func newFixture(t *testing.T, cfg coordinator.Config, exec coordinator.TaskExecutor) *fixture {
	logger := &testLogger{}
	client := vcs.NewMemoryClient("main")
	branches := vcs.NewBranchController(client, "main", logger)
	store := statestore.NewFileStore(t.TempDir())
	emitter := events.NewEmitter()
	return &fixture{
		coord:    coordinator.New(cfg, exec, branches, store, emitter, logger),
		branches: branches,
		client:   client,
		store:    store,
		emitter:  emitter,
	}
}

// recordingStore wraps a snapshot store and remembers every state Save was
// handed and every error it returned.
type recordingStore struct {
	statestore.Store
	mu       sync.Mutex
	saved    []*models.ExecutionState
	saveErrs []error
}

func (r *recordingStore) Save(project string, state *models.ExecutionState) error {
	err := r.Store.Save(project, state)
	r.mu.Lock()
	r.saved = append(r.saved, state)
	r.saveErrs = append(r.saveErrs, err)
	r.mu.Unlock()
	return err
}

func newRecordingFixture(t *testing.T, cfg coordinator.Config, exec coordinator.TaskExecutor) (*coordinator.Coordinator, *recordingStore, *vcs.MemoryClient) {
	logger := &testLogger{}
	client := vcs.NewMemoryClient("main")
	branches := vcs.NewBranchController(client, "main", logger)
	store := &recordingStore{Store: statestore.NewFileStore(t.TempDir())}
	coord := coordinator.New(cfg, exec, branches, store, events.NewEmitter(), logger)
	return coord, store, client
}

// succeedWith returns an executor that writes one file per task and records
// the order of execution.
func succeedWith(order *[]string, mu *sync.Mutex) coordinator.TaskExecutorFunc {
	return func(ctx context.Context, task models.Task, workerID string) (coordinator.TaskResult, error) {
		if mu != nil {
			mu.Lock()
			*order = append(*order, task.ID)
			mu.Unlock()
		}
		return coordinator.TaskResult{
			Success: true,
			Changes: []vcs.FileChange{{Path: task.ID + ".go", Content: "content of " + task.ID + "\n"}},
		}, nil
	}
}

func diamondPlan() *models.ExecutionPlan {
	return &models.ExecutionPlan{
		ID:        "plan-1",
		RequestID: "req-1",
		Tasks: []models.Task{
			{ID: "a", Name: "a"},
			{ID: "b", Name: "b", DependsOn: []string{"a"}},
			{ID: "c", Name: "c", DependsOn: []string{"a"}},
		},
		ParallelGroups: [][]string{{"a"}, {"b", "c"}},
		CreatedAt:      time.Now(),
	}
}

func TestStartHappyPath(t *testing.T) {
	var order []string
	var mu sync.Mutex
	f := newFixture(t, coordinator.DefaultConfig(), succeedWith(&order, &mu))

	result, err := f.coord.Start(context.Background(), diamondPlan(), "proj")
	assert.NoError(t, err)
	assert.Equal(t, models.CompletedPlanStatus, result.Status)
	assert.Equal(t, 3, result.Completed)
	assert.Zero(t, result.Failed)
	assert.Zero(t, result.Skipped)

	// Group order: a strictly before b and c.
	assert.Equal(t, "a", order[0])
	assert.ElementsMatch(t, []string{"b", "c"}, order[1:])

	// All changes merged onto the integration branch.
	for _, id := range []string{"a", "b", "c"} {
		content, err := f.client.ReadFile(context.Background(), "main", id+".go")
		assert.NoError(t, err)
		assert.Equal(t, "content of "+id+"\n", content)
	}

	// No leftover worker branches after clean merges.
	branches, err := f.client.Branches(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, []string{"main"}, branches)

	// The final checkpoint records everything as terminal.
	state, err := f.store.Load("proj")
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, state.Completed)
}

func TestStartRejectsInvalidPlan(t *testing.T) {
	f := newFixture(t, coordinator.DefaultConfig(), succeedWith(nil, nil))
	plan := diamondPlan()
	plan.ParallelGroups = [][]string{{"a"}}

	_, err := f.coord.Start(context.Background(), plan, "proj")
	assert.ErrorContains(t, err, "invalid plan")
}

func TestFailedDependencySkipsDependents(t *testing.T) {
	cfg := coordinator.DefaultConfig()
	cfg.SkipOnFailure = true

	exec := coordinator.TaskExecutorFunc(func(ctx context.Context, task models.Task, workerID string) (coordinator.TaskResult, error) {
		if task.ID == "a" {
			return coordinator.TaskResult{Success: false, Error: "generation failed"}, nil
		}
		return coordinator.TaskResult{Success: true}, nil
	})
	f := newFixture(t, cfg, exec)

	result, err := f.coord.Start(context.Background(), diamondPlan(), "proj")
	assert.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, 2, result.Skipped)
	assert.Zero(t, result.Completed)
	// Failures are absorbed when skipping is enabled.
	assert.Equal(t, models.CompletedPlanStatus, result.Status)

	for _, task := range f.coord.TasksWithStatus() {
		switch task.ID {
		case "a":
			assert.Equal(t, models.FailedTaskStatus, task.Status)
			assert.Equal(t, "generation failed", task.Outcome.Error)
		default:
			assert.Equal(t, models.SkippedTaskStatus, task.Status)
		}
	}
}

func TestFailureHaltsWithoutSkip(t *testing.T) {
	cfg := coordinator.DefaultConfig()
	cfg.SkipOnFailure = false

	exec := coordinator.TaskExecutorFunc(func(ctx context.Context, task models.Task, workerID string) (coordinator.TaskResult, error) {
		return coordinator.TaskResult{Success: false, Error: "boom"}, nil
	})
	f := newFixture(t, cfg, exec)

	var planFailed bool
	f.emitter.Subscribe(events.PlanFailed, func(ev events.Event) { planFailed = true })

	result, err := f.coord.Start(context.Background(), diamondPlan(), "proj")
	assert.NoError(t, err)
	assert.Equal(t, models.FailedPlanStatus, result.Status)
	assert.Equal(t, 1, result.Failed)
	assert.True(t, planFailed)

	// Later groups never dispatched.
	for _, task := range f.coord.TasksWithStatus() {
		if task.ID != "a" {
			assert.Equal(t, models.PendingTaskStatus, task.Status)
		}
	}
}

func TestStopOnGroupFailure(t *testing.T) {
	cfg := coordinator.DefaultConfig()
	cfg.SkipOnFailure = true
	cfg.StopOnGroupFailure = true

	exec := coordinator.TaskExecutorFunc(func(ctx context.Context, task models.Task, workerID string) (coordinator.TaskResult, error) {
		if strings.HasPrefix(task.ID, "g0") {
			return coordinator.TaskResult{Success: false, Error: "dead"}, nil
		}
		return coordinator.TaskResult{Success: true}, nil
	})
	f := newFixture(t, cfg, exec)

	var groupFailed *events.Event
	f.emitter.Subscribe(events.PlanGroupFailed, func(ev events.Event) { groupFailed = &ev })

	plan := &models.ExecutionPlan{
		ID:        "plan-cb",
		RequestID: "req-cb",
		Tasks: []models.Task{
			{ID: "g0x"}, {ID: "g0y"},
			{ID: "g1x", DependsOn: []string{"g0x"}},
		},
		ParallelGroups: [][]string{{"g0x", "g0y"}, {"g1x"}},
		CreatedAt:      time.Now(),
	}

	result, err := f.coord.Start(context.Background(), plan, "proj")
	assert.NoError(t, err)
	assert.Equal(t, models.FailedPlanStatus, result.Status)
	assert.Equal(t, 2, result.Failed)

	// The circuit breaker fired for group 0 with both failures counted.
	assert.NotNil(t, groupFailed)
	assert.Equal(t, 0, groupFailed.GroupIndex)
	assert.Equal(t, 2, groupFailed.FailedCount)

	// The next group never ran, not even the skip bookkeeping.
	assert.Equal(t, models.PendingTaskStatus, f.coord.TasksWithStatus()[2].Status)
}

func TestWorkerPoolBound(t *testing.T) {
	cfg := coordinator.DefaultConfig()
	cfg.MaxWorkers = 2

	var mu sync.Mutex
	inFlight, peak := 0, 0
	exec := coordinator.TaskExecutorFunc(func(ctx context.Context, task models.Task, workerID string) (coordinator.TaskResult, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return coordinator.TaskResult{Success: true}, nil
	})
	f := newFixture(t, cfg, exec)

	plan := &models.ExecutionPlan{
		ID:        "plan-pool",
		RequestID: "req-pool",
		Tasks: []models.Task{
			{ID: "t1"}, {ID: "t2"}, {ID: "t3"}, {ID: "t4"}, {ID: "t5"},
		},
		ParallelGroups: [][]string{{"t1", "t2", "t3", "t4", "t5"}},
		CreatedAt:      time.Now(),
	}

	result, err := f.coord.Start(context.Background(), plan, "proj")
	assert.NoError(t, err)
	assert.Equal(t, 5, result.Completed)
	assert.LessOrEqual(t, peak, 2)
	assert.GreaterOrEqual(t, peak, 1)
}

func TestExecutorPanicIsFailure(t *testing.T) {
	cfg := coordinator.DefaultConfig()
	cfg.SkipOnFailure = true

	exec := coordinator.TaskExecutorFunc(func(ctx context.Context, task models.Task, workerID string) (coordinator.TaskResult, error) {
		panic("executor bug")
	})
	f := newFixture(t, cfg, exec)

	plan := &models.ExecutionPlan{
		ID: "plan-panic", RequestID: "req-panic",
		Tasks:          []models.Task{{ID: "a"}},
		ParallelGroups: [][]string{{"a"}},
		CreatedAt:      time.Now(),
	}

	result, err := f.coord.Start(context.Background(), plan, "proj")
	assert.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	task := f.coord.TasksWithStatus()[0]
	assert.Equal(t, models.FailedTaskStatus, task.Status)
	assert.Contains(t, task.Outcome.Error, "executor panic")
}

func TestTaskTimeout(t *testing.T) {
	cfg := coordinator.DefaultConfig()
	cfg.SkipOnFailure = true
	cfg.TaskTimeout = 30 * time.Millisecond

	exec := coordinator.TaskExecutorFunc(func(ctx context.Context, task models.Task, workerID string) (coordinator.TaskResult, error) {
		<-ctx.Done()
		return coordinator.TaskResult{}, ctx.Err()
	})
	f := newFixture(t, cfg, exec)

	plan := &models.ExecutionPlan{
		ID: "plan-timeout", RequestID: "req-timeout",
		Tasks:          []models.Task{{ID: "slow"}},
		ParallelGroups: [][]string{{"slow"}},
		CreatedAt:      time.Now(),
	}

	result, err := f.coord.Start(context.Background(), plan, "proj")
	assert.NoError(t, err)
	assert.Equal(t, 1, result.Failed)
	assert.Contains(t, f.coord.TasksWithStatus()[0].Outcome.Error, "context deadline exceeded")
}

func TestFailedTaskBranchRolledBack(t *testing.T) {
	cfg := coordinator.DefaultConfig()
	cfg.SkipOnFailure = true

	exec := coordinator.TaskExecutorFunc(func(ctx context.Context, task models.Task, workerID string) (coordinator.TaskResult, error) {
		return coordinator.TaskResult{Success: false, Error: "nope"}, nil
	})
	f := newFixture(t, cfg, exec)

	plan := &models.ExecutionPlan{
		ID: "plan-rb", RequestID: "req-rb",
		Tasks:          []models.Task{{ID: "a"}},
		ParallelGroups: [][]string{{"a"}},
		CreatedAt:      time.Now(),
	}

	_, err := f.coord.Start(context.Background(), plan, "proj")
	assert.NoError(t, err)

	// The worker branch is gone and nothing reached the integration branch.
	branches, err := f.client.Branches(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, []string{"main"}, branches)
}

func TestMergeConflictLeavesTaskCompleted(t *testing.T) {
	cfg := coordinator.DefaultConfig()
	cfg.MaxWorkers = 2

	// Barrier: both tasks fork their branches before either merges, so the
	// second merge must conflict.
	var barrier sync.WaitGroup
	barrier.Add(2)
	exec := coordinator.TaskExecutorFunc(func(ctx context.Context, task models.Task, workerID string) (coordinator.TaskResult, error) {
		barrier.Done()
		barrier.Wait()
		return coordinator.TaskResult{
			Success: true,
			Changes: []vcs.FileChange{{Path: "shared.go", Content: "from " + task.ID + "\n"}},
		}, nil
	})
	f := newFixture(t, cfg, exec)
	f.client.SeedFile("main", "shared.go", "base\n")

	plan := &models.ExecutionPlan{
		ID: "plan-conflict", RequestID: "req-conflict",
		Tasks:          []models.Task{{ID: "a"}, {ID: "b"}},
		ParallelGroups: [][]string{{"a", "b"}},
		CreatedAt:      time.Now(),
	}

	result, err := f.coord.Start(context.Background(), plan, "proj")
	assert.NoError(t, err)
	// Both tasks completed: the conflict blocks integration, not the task.
	assert.Equal(t, 2, result.Completed)
	assert.Equal(t, models.CompletedPlanStatus, result.Status)

	conflicts := f.branches.PendingConflicts()
	assert.Len(t, conflicts, 1)
	assert.Contains(t, []string{"a", "b"}, conflicts[0].TaskID)
	assert.Equal(t, []string{"shared.go"}, conflicts[0].Files)

	// Resolving integrates the held-back work.
	merge, err := f.branches.ResolveConflict(context.Background(), conflicts[0].ID, models.Resolution{Kind: models.KeepWorkerResolution})
	assert.NoError(t, err)
	assert.True(t, merge.Success)
	assert.Empty(t, f.branches.PendingConflicts())
}

func TestPauseBlocksDispatch(t *testing.T) {
	cfg := coordinator.DefaultConfig()
	cfg.MaxWorkers = 1

	started := make(chan string, 3)
	release := make(chan struct{})
	exec := coordinator.TaskExecutorFunc(func(ctx context.Context, task models.Task, workerID string) (coordinator.TaskResult, error) {
		started <- task.ID
		<-release
		return coordinator.TaskResult{Success: true}, nil
	})
	f := newFixture(t, cfg, exec)

	plan := &models.ExecutionPlan{
		ID: "plan-pause", RequestID: "req-pause",
		Tasks:          []models.Task{{ID: "a"}, {ID: "b", DependsOn: []string{"a"}}},
		ParallelGroups: [][]string{{"a"}, {"b"}},
		CreatedAt:      time.Now(),
	}

	done := make(chan coordinator.ExecutionResult, 1)
	go func() {
		result, _ := f.coord.Start(context.Background(), plan, "proj")
		done <- result
	}()

	// a is in flight; pause, then let it finish.
	assert.Equal(t, "a", <-started)
	f.coord.Pause()
	release <- struct{}{}

	// b must not dispatch while paused.
	select {
	case id := <-started:
		t.Fatalf("task %s dispatched while paused", id)
	case <-time.After(100 * time.Millisecond):
	}
	assert.True(t, f.coord.Paused())

	f.coord.Unpause()
	assert.Equal(t, "b", <-started)
	release <- struct{}{}

	result := <-done
	assert.Equal(t, 2, result.Completed)
	assert.Equal(t, models.CompletedPlanStatus, result.Status)
}

func TestCancelAbortsRun(t *testing.T) {
	cfg := coordinator.DefaultConfig()
	cfg.SkipOnFailure = true

	started := make(chan struct{}, 1)
	exec := coordinator.TaskExecutorFunc(func(ctx context.Context, task models.Task, workerID string) (coordinator.TaskResult, error) {
		started <- struct{}{}
		<-ctx.Done()
		return coordinator.TaskResult{}, ctx.Err()
	})
	f := newFixture(t, cfg, exec)

	done := make(chan coordinator.ExecutionResult, 1)
	go func() {
		result, _ := f.coord.Start(context.Background(), diamondPlan(), "proj")
		done <- result
	}()

	<-started
	f.coord.Cancel()

	result := <-done
	assert.True(t, result.Cancelled)
	assert.Equal(t, models.FailedPlanStatus, result.Status)

	// Cancellation cleans up all worker branches.
	branches, err := f.client.Branches(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, []string{"main"}, branches)
}

func TestResumeSkipsFinishedTasks(t *testing.T) {
	var order []string
	var mu sync.Mutex
	f := newFixture(t, coordinator.DefaultConfig(), succeedWith(&order, &mu))

	plan := diamondPlan()
	plan.Tasks[0].Status = models.CompletedTaskStatus
	assert.NoError(t, f.store.Save("proj", &models.ExecutionState{
		PlanID:     plan.ID,
		RequestID:  plan.RequestID,
		Plan:       plan,
		Completed:  []string{"a"},
		Failed:     []string{},
		Skipped:    []string{},
		GroupIndex: 1,
	}))

	result, err := f.coord.Resume(context.Background(), "proj")
	assert.NoError(t, err)
	assert.Equal(t, models.CompletedPlanStatus, result.Status)
	assert.Equal(t, 3, result.Completed)

	// Only the remaining group ran.
	assert.NotContains(t, order, "a")
	assert.ElementsMatch(t, []string{"b", "c"}, order)
}

func TestResumeWithoutSnapshot(t *testing.T) {
	f := newFixture(t, coordinator.DefaultConfig(), succeedWith(nil, nil))
	_, err := f.coord.Resume(context.Background(), "missing")
	assert.ErrorContains(t, err, "load snapshot")
}

func TestRetryTask(t *testing.T) {
	cfg := coordinator.DefaultConfig()
	cfg.SkipOnFailure = true

	var mu sync.Mutex
	attempts := map[string]int{}
	exec := coordinator.TaskExecutorFunc(func(ctx context.Context, task models.Task, workerID string) (coordinator.TaskResult, error) {
		mu.Lock()
		attempts[task.ID]++
		n := attempts[task.ID]
		mu.Unlock()
		if task.ID == "b" && n == 1 {
			return coordinator.TaskResult{Success: false, Error: "flaky"}, nil
		}
		return coordinator.TaskResult{
			Success: true,
			Changes: []vcs.FileChange{{Path: task.ID + ".go", Content: "ok\n"}},
		}, nil
	})
	f := newFixture(t, cfg, exec)

	plan := &models.ExecutionPlan{
		ID: "plan-retry", RequestID: "req-retry",
		Tasks:          []models.Task{{ID: "a"}, {ID: "b"}},
		ParallelGroups: [][]string{{"a", "b"}},
		CreatedAt:      time.Now(),
	}

	result, err := f.coord.Start(context.Background(), plan, "proj")
	assert.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	// Retrying a non-failed task is a no-op.
	assert.False(t, f.coord.RetryTask(context.Background(), "a"))
	assert.False(t, f.coord.RetryTask(context.Background(), "missing"))

	// Retrying the failed task succeeds on the second attempt and merges.
	assert.True(t, f.coord.RetryTask(context.Background(), "b"))
	content, err := f.client.ReadFile(context.Background(), "main", "b.go")
	assert.NoError(t, err)
	assert.Equal(t, "ok\n", content)

	progress := f.coord.Status()
	assert.Equal(t, 2, progress.CompletedTasks)
	assert.Zero(t, progress.FailedTasks)
}

func TestSkipTask(t *testing.T) {
	cfg := coordinator.DefaultConfig()
	cfg.SkipOnFailure = true

	exec := coordinator.TaskExecutorFunc(func(ctx context.Context, task models.Task, workerID string) (coordinator.TaskResult, error) {
		if task.ID == "b" {
			return coordinator.TaskResult{Success: false, Error: "broken"}, nil
		}
		return coordinator.TaskResult{Success: true}, nil
	})
	f := newFixture(t, cfg, exec)

	plan := &models.ExecutionPlan{
		ID: "plan-skip", RequestID: "req-skip",
		Tasks:          []models.Task{{ID: "a"}, {ID: "b"}},
		ParallelGroups: [][]string{{"a", "b"}},
		CreatedAt:      time.Now(),
	}

	_, err := f.coord.Start(context.Background(), plan, "proj")
	assert.NoError(t, err)

	assert.ErrorContains(t, f.coord.SkipTask("a"), "not failed")
	assert.ErrorContains(t, f.coord.SkipTask("missing"), "unknown task")

	assert.NoError(t, f.coord.SkipTask("b"))
	progress := f.coord.Status()
	assert.Equal(t, 1, progress.SkippedTasks)
	assert.Zero(t, progress.FailedTasks)
}

func TestLifecycleEvents(t *testing.T) {
	var mu sync.Mutex
	var seen []events.Type
	f := newFixture(t, coordinator.DefaultConfig(), succeedWith(nil, nil))
	f.emitter.SubscribeAll(func(ev events.Event) {
		mu.Lock()
		seen = append(seen, ev.Type)
		mu.Unlock()
	})

	plan := &models.ExecutionPlan{
		ID: "plan-ev", RequestID: "req-ev",
		Tasks:          []models.Task{{ID: "a"}},
		ParallelGroups: [][]string{{"a"}},
		CreatedAt:      time.Now(),
	}
	_, err := f.coord.Start(context.Background(), plan, "proj")
	assert.NoError(t, err)

	assert.Contains(t, seen, events.WorkerCreated)
	assert.Contains(t, seen, events.TaskStarted)
	assert.Contains(t, seen, events.TaskCompleted)
	assert.Contains(t, seen, events.WorkerIdle)
	assert.Contains(t, seen, events.ProgressUpdate)

	// started comes before completed for the same task.
	var startedIdx, completedIdx int
	for i, typ := range seen {
		if typ == events.TaskStarted {
			startedIdx = i
		}
		if typ == events.TaskCompleted {
			completedIdx = i
		}
	}
	assert.Less(t, startedIdx, completedIdx)
}

func TestRunningCostAccumulates(t *testing.T) {
	cfg := coordinator.DefaultConfig()
	cfg.SkipOnFailure = true

	exec := coordinator.TaskExecutorFunc(func(ctx context.Context, task models.Task, workerID string) (coordinator.TaskResult, error) {
		return coordinator.TaskResult{Success: task.ID != "b", Error: "x"}, nil
	})
	f := newFixture(t, cfg, exec)

	plan := &models.ExecutionPlan{
		ID: "plan-cost", RequestID: "req-cost",
		Tasks: []models.Task{
			{ID: "a", EstimatedCost: 1.5},
			{ID: "b", EstimatedCost: 2.0},
		},
		ParallelGroups: [][]string{{"a", "b"}},
		CreatedAt:      time.Now(),
	}

	_, err := f.coord.Start(context.Background(), plan, "proj")
	assert.NoError(t, err)

	// Completed and failed tasks both consumed budget.
	state, err := f.store.Load("proj")
	assert.NoError(t, err)
	assert.InDelta(t, 3.5, state.RunningCost, 0.001)
}

func TestStartDefaultsZeroValueTaskStatus(t *testing.T) {
	var order []string
	var mu sync.Mutex
	f := newFixture(t, coordinator.DefaultConfig(), succeedWith(&order, &mu))

	// Plans built in code carry no explicit task status; the zero value
	// means pending and every task must still dispatch.
	plan := &models.ExecutionPlan{
		ID: "plan-zero", RequestID: "req-zero",
		Tasks: []models.Task{
			{ID: "t1"}, {ID: "t2"}, {ID: "t3"}, {ID: "t4"},
			{ID: "t5", DependsOn: []string{"t1"}}, {ID: "t6", DependsOn: []string{"t2"}},
		},
		ParallelGroups: [][]string{{"t1", "t2", "t3", "t4"}, {"t5", "t6"}},
		CreatedAt:      time.Now(),
	}
	for _, task := range plan.Tasks {
		assert.Empty(t, task.Status)
	}

	result, err := f.coord.Start(context.Background(), plan, "proj")
	assert.NoError(t, err)
	assert.Equal(t, 6, result.Completed)

	mu.Lock()
	assert.Len(t, order, 6)
	mu.Unlock()
	for _, task := range f.coord.TasksWithStatus() {
		assert.Equal(t, models.CompletedTaskStatus, task.Status)
	}
}

func TestCheckpointPersistsDetachedPlan(t *testing.T) {
	exec := succeedWith(nil, nil)
	coord, store, _ := newRecordingFixture(t, coordinator.DefaultConfig(), exec)

	plan := diamondPlan()
	_, err := coord.Start(context.Background(), plan, "proj")
	assert.NoError(t, err)

	// Snapshots never alias the live plan: Save marshals outside the
	// scheduler lock while worker goroutines mutate task fields.
	store.mu.Lock()
	defer store.mu.Unlock()
	assert.NotEmpty(t, store.saved)
	for _, state := range store.saved {
		assert.NotSame(t, plan, state.Plan)
		assert.NotSame(t, &plan.Tasks[0], &state.Plan.Tasks[0])
	}
}

func TestRetryTaskAvoidsStaleCheckpoints(t *testing.T) {
	cfg := coordinator.DefaultConfig()
	cfg.SkipOnFailure = true

	var mu sync.Mutex
	attempts := map[string]int{}
	exec := coordinator.TaskExecutorFunc(func(ctx context.Context, task models.Task, workerID string) (coordinator.TaskResult, error) {
		mu.Lock()
		attempts[task.ID]++
		n := attempts[task.ID]
		mu.Unlock()
		if task.ID == "b" && n == 1 {
			return coordinator.TaskResult{Success: false, Error: "flaky"}, nil
		}
		return coordinator.TaskResult{Success: true}, nil
	})
	coord, store, _ := newRecordingFixture(t, cfg, exec)

	plan := &models.ExecutionPlan{
		ID: "plan-retry-ckpt", RequestID: "req-retry-ckpt",
		Tasks:          []models.Task{{ID: "a"}, {ID: "b"}},
		ParallelGroups: [][]string{{"a", "b"}},
		CreatedAt:      time.Now(),
	}

	_, err := coord.Start(context.Background(), plan, "proj")
	assert.NoError(t, err)
	assert.True(t, coord.RetryTask(context.Background(), "b"))

	// Every checkpoint passed the store's monotonic guard, including those
	// written around the retry.
	store.mu.Lock()
	for _, serr := range store.saveErrs {
		assert.NoError(t, serr)
	}
	store.mu.Unlock()

	// The retry outcome reached disk.
	state, err := store.Load("proj")
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, state.Completed)
	assert.Empty(t, state.Failed)
}

func TestTaskCompletedCarriesMergeResult(t *testing.T) {
	var mu sync.Mutex
	var merges []*models.MergeResult
	f := newFixture(t, coordinator.DefaultConfig(), succeedWith(nil, nil))
	f.emitter.Subscribe(events.TaskCompleted, func(ev events.Event) {
		mu.Lock()
		merges = append(merges, ev.Merge)
		mu.Unlock()
	})

	_, err := f.coord.Start(context.Background(), diamondPlan(), "proj")
	assert.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, merges, 3)
	var seqs []int
	for _, merge := range merges {
		assert.NotNil(t, merge)
		assert.True(t, merge.Success)
		seqs = append(seqs, merge.Sequence)
	}
	assert.ElementsMatch(t, []int{1, 2, 3}, seqs)
}
