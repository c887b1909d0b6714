// Package coordinator contains the group-by-group scheduler that drives plan
// execution: it allocates bounded worker slots, invokes the pluggable task
// executor, applies branch merges, checkpoints progress after every
// meaningful transition and emits lifecycle events.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ikoceski/planflow/pkg/events"
	"github.com/ikoceski/planflow/pkg/models"
	"github.com/ikoceski/planflow/pkg/statestore"
	"github.com/ikoceski/planflow/pkg/vcs"
)

// Coordinator executes one plan for one project. Groups are processed
// strictly in order; tasks within the active group run concurrently up to
// MaxWorkers. All scheduling state is guarded by a single mutex; the
// blocking work (executor calls, branch operations) happens outside it.
type Coordinator struct {
	cfg      Config
	executor TaskExecutor
	branches *vcs.BranchController
	store    statestore.Store
	emitter  *events.Emitter
	logger   Logger

	mu            sync.Mutex
	cond          *sync.Cond
	plan          *models.ExecutionPlan
	project       string
	completed     map[string]struct{}
	failed        map[string]struct{}
	skipped       map[string]struct{}
	running       map[string]string // task ID -> worker ID
	groupIndex    int
	runningCost   float64
	paused        bool
	cancelled     bool
	started       bool
	planFailed    bool
	workerCreated map[string]bool
	cancelRun     context.CancelFunc
}

func New(
	cfg Config,
	executor TaskExecutor,
	branches *vcs.BranchController,
	store statestore.Store,
	emitter *events.Emitter,
	logger Logger,
) *Coordinator {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultConfig().MaxWorkers
	}
	c := &Coordinator{
		cfg:           cfg,
		executor:      executor,
		branches:      branches,
		store:         store,
		emitter:       emitter,
		logger:        logger,
		completed:     make(map[string]struct{}),
		failed:        make(map[string]struct{}),
		skipped:       make(map[string]struct{}),
		running:       make(map[string]string),
		workerCreated: make(map[string]bool),
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Start verifies the plan's structural invariants and executes it to a
// terminal state. It blocks until the run finishes, is cancelled, or halts
// on a group failure.
func (c *Coordinator) Start(ctx context.Context, plan *models.ExecutionPlan, project string) (ExecutionResult, error) {
	if err := plan.Validate(); err != nil {
		return ExecutionResult{}, errors.Wrap(err, "invalid plan")
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ExecutionResult{}, errors.New("coordinator already started")
	}
	c.started = true
	c.plan = plan
	c.project = project
	now := time.Now()
	plan.Status = models.ExecutingPlanStatus
	plan.StartedAt = &now
	// A freshly built plan usually carries zero-valued task statuses; they
	// mean pending.
	for i := range plan.Tasks {
		if plan.Tasks[i].Status == "" {
			plan.Tasks[i].Status = models.PendingTaskStatus
		}
	}
	c.mu.Unlock()

	c.checkpoint()
	return c.run(ctx)
}

// Resume reconstructs the coordinator from the project's persisted snapshot
// and continues from the recorded group index. Tasks already in a terminal
// set are not re-run; tasks recorded as running at crash time go back to
// pending.
func (c *Coordinator) Resume(ctx context.Context, project string) (ExecutionResult, error) {
	state, err := c.store.Load(project)
	if err != nil {
		return ExecutionResult{}, errors.Wrap(err, "load snapshot")
	}
	if state.Plan == nil {
		return ExecutionResult{}, errors.New("snapshot carries no plan")
	}
	plan := state.Plan
	if err := plan.Validate(); err != nil {
		return ExecutionResult{}, errors.Wrap(err, "invalid persisted plan")
	}

	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ExecutionResult{}, errors.New("coordinator already started")
	}
	c.started = true
	c.plan = plan
	c.project = project
	c.groupIndex = state.GroupIndex
	c.paused = state.Paused
	c.runningCost = state.RunningCost

	for _, id := range state.Completed {
		c.completed[id] = struct{}{}
	}
	for _, id := range state.Failed {
		c.failed[id] = struct{}{}
	}
	for _, id := range state.Skipped {
		c.skipped[id] = struct{}{}
	}
	for i := range plan.Tasks {
		task := &plan.Tasks[i]
		switch {
		case contains(c.completed, task.ID):
			task.Status = models.CompletedTaskStatus
		case contains(c.failed, task.ID):
			task.Status = models.FailedTaskStatus
		case contains(c.skipped, task.ID):
			task.Status = models.SkippedTaskStatus
		default:
			task.Status = models.PendingTaskStatus
			task.WorkerID = ""
			task.StartedAt = nil
		}
	}
	plan.Status = models.ExecutingPlanStatus
	c.mu.Unlock()

	c.logger.Infof("Resuming plan %s for project %s from group %d (%d done)",
		plan.ID, project, state.GroupIndex, state.TerminalCount())
	return c.run(ctx)
}

func (c *Coordinator) run(ctx context.Context) (ExecutionResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.cancelRun = cancel
	c.mu.Unlock()

	// A cancelled parent context must also wake a paused dispatch loop.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-runCtx.Done():
			c.cond.Broadcast()
		case <-watchDone:
		}
	}()

	groups := c.plan.ParallelGroups
	for gi := c.currentGroup(); gi < len(groups); gi++ {
		c.setGroup(gi)
		c.checkpoint()

		c.runGroup(runCtx, gi)

		if c.isCancelled() || runCtx.Err() != nil {
			break
		}

		groupSize, groupFailed := c.groupOutcome(gi)
		if c.cfg.StopOnGroupFailure && groupSize > 0 && groupFailed == groupSize {
			reason := fmt.Sprintf("all %d tasks in group %d failed", groupSize, gi)
			c.logger.Errorf("Halting plan %s: %s", c.plan.ID, reason)
			c.markPlanFailed()
			c.emit(events.Event{
				Type:        events.PlanGroupFailed,
				GroupIndex:  gi,
				FailedCount: groupFailed,
				Reason:      reason,
			})
			c.emit(events.Event{Type: events.PlanFailed, Error: reason})
			break
		}
		if !c.cfg.SkipOnFailure && groupFailed > 0 {
			reason := fmt.Sprintf("%d task(s) failed in group %d", groupFailed, gi)
			c.markPlanFailed()
			c.emit(events.Event{Type: events.PlanFailed, Error: reason})
			break
		}
	}

	return c.finalize(runCtx), nil
}

// runGroup dispatches every pending task of the group to the worker pool
// and blocks until all of them reach a terminal status. The pause flag is
// checked between dispatch cycles: in-flight tasks still complete, further
// dispatch is suspended.
func (c *Coordinator) runGroup(ctx context.Context, gi int) {
	group := c.plan.ParallelGroups[gi]

	slots := make(chan string, c.cfg.MaxWorkers)
	for i := 0; i < c.cfg.MaxWorkers; i++ {
		slots <- fmt.Sprintf("worker-%s", uuid.NewString()[:8])
	}

	var wg sync.WaitGroup
	for _, taskID := range group {
		if !c.waitWhilePaused(ctx) {
			break
		}
		if !c.isPending(taskID) {
			continue
		}
		if unmet, ok := c.unmetDependency(taskID); ok {
			c.markSkipped(taskID, fmt.Sprintf("dependency %s did not complete", unmet))
			c.checkpoint()
			c.emitProgress()
			continue
		}

		select {
		case workerID := <-slots:
			wg.Add(1)
			go func(taskID, workerID string) {
				defer wg.Done()
				c.runTask(ctx, taskID, workerID)
				slots <- workerID
			}(taskID, workerID)
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	wg.Wait()
}

// runTask drives one task through its full lifecycle: branch assignment,
// executor invocation, commit and merge on success, rollback on failure,
// checkpoint and events on the terminal transition.
func (c *Coordinator) runTask(ctx context.Context, taskID, workerID string) {
	c.mu.Lock()
	task := c.plan.Task(taskID)
	now := time.Now()
	task.Status = models.RunningTaskStatus
	task.WorkerID = workerID
	task.StartedAt = &now
	task.CompletedAt = nil
	c.running[taskID] = workerID
	firstUse := !c.workerCreated[workerID]
	c.workerCreated[workerID] = true
	taskCopy := *task
	c.mu.Unlock()

	if firstUse {
		c.emit(events.Event{Type: events.WorkerCreated, WorkerID: workerID})
	}
	c.emit(events.Event{Type: events.TaskStarted, TaskID: taskID, WorkerID: workerID})
	c.emitProgress()

	res, merge := c.executeOnBranch(ctx, taskCopy, workerID)

	if res.Success {
		c.markCompleted(taskID, res)
		c.checkpoint()
		c.emit(events.Event{Type: events.TaskCompleted, TaskID: taskID, Merge: merge})
	} else {
		c.markFailed(taskID, res)
		c.checkpoint()
		c.emit(events.Event{Type: events.TaskFailed, TaskID: taskID, Error: res.Error})
	}
	c.emitProgress()
	c.emit(events.Event{Type: events.WorkerIdle, WorkerID: workerID})
}

// executeOnBranch runs the executor for the task on the worker's isolated
// branch and integrates or rolls back the result. Every failure path is
// captured into the returned TaskResult; nothing propagates as an error.
// The merge outcome travels with the task:completed event.
func (c *Coordinator) executeOnBranch(ctx context.Context, task models.Task, workerID string) (TaskResult, *models.MergeResult) {
	if _, err := c.branches.CreateWorkerBranch(ctx, workerID); err != nil {
		c.logger.Errorf("Failed to create branch for worker %s: %v", workerID, err)
		return TaskResult{Success: false, Error: err.Error()}, nil
	}

	res := c.invokeExecutor(ctx, task, workerID)
	if !res.Success {
		c.rollbackWorker(ctx, workerID)
		return res, nil
	}

	message := fmt.Sprintf("%s: %s", task.ID, task.Name)
	if err := c.branches.CommitChanges(ctx, workerID, res.Changes, message); err != nil {
		c.logger.Errorf("Failed to commit task %s: %v", task.ID, err)
		c.rollbackWorker(ctx, workerID)
		return TaskResult{Success: false, Error: err.Error()}, nil
	}

	merge, err := c.branches.MergeWorkerBranch(ctx, workerID)
	if err != nil {
		c.logger.Errorf("Merge of task %s failed unexpectedly: %v", task.ID, err)
		c.rollbackWorker(ctx, workerID)
		return TaskResult{Success: false, Error: err.Error()}, nil
	}

	if merge.Success {
		if err := c.branches.DeleteWorkerBranch(ctx, workerID); err != nil {
			c.logger.Errorf("Failed to delete merged branch of worker %s: %v", workerID, err)
		}
	} else {
		// The conflict blocks only this worker's integration; the task's own
		// work succeeded and the conflict is surfaced for resolution.
		c.branches.TagConflicts(workerID, task.ID)
		c.logger.Infof("Task %s completed with a pending merge conflict on %v", task.ID, merge.ConflictingFiles)
	}
	return res, &merge
}

// invokeExecutor calls the external executor with the per-task deadline.
// A panic, a returned error and a timeout are all equivalent to a reported
// failure.
func (c *Coordinator) invokeExecutor(ctx context.Context, task models.Task, workerID string) (res TaskResult) {
	execCtx := ctx
	if c.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, c.cfg.TaskTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf("Executor panicked on task %s: %v", task.ID, r)
			res = TaskResult{Success: false, Error: fmt.Sprintf("executor panic: %v", r)}
		}
	}()

	res, err := c.executor.Execute(execCtx, task, workerID)
	if err != nil {
		return TaskResult{Success: false, Error: err.Error()}
	}
	if !res.Success && res.Error == "" {
		res.Error = "executor reported failure without a message"
	}
	return res
}

func (c *Coordinator) rollbackWorker(ctx context.Context, workerID string) {
	if err := c.branches.RollbackWorkerBranch(ctx, workerID); err != nil {
		c.logger.Errorf("Failed to roll back branch of worker %s: %v", workerID, err)
	}
	if err := c.branches.DeleteWorkerBranch(ctx, workerID); err != nil {
		c.logger.Errorf("Failed to delete branch of worker %s: %v", workerID, err)
	}
}

// Pause suspends dispatch of further tasks after the current cycle.
// In-flight tasks still complete. Pausing an already-paused coordinator is
// a no-op.
func (c *Coordinator) Pause() {
	c.mu.Lock()
	already := c.paused
	c.paused = true
	c.mu.Unlock()
	if !already {
		c.logger.Infof("Paused plan execution for project %s", c.project)
		c.checkpoint()
	}
}

// Unpause resumes dispatch. Idempotent.
func (c *Coordinator) Unpause() {
	c.mu.Lock()
	already := !c.paused
	c.paused = false
	c.mu.Unlock()
	c.cond.Broadcast()
	if !already {
		c.logger.Infof("Resumed plan execution for project %s", c.project)
		c.checkpoint()
	}
}

// Cancel aborts all outstanding work and marks the run terminated. It is
// idempotent and always followed by best-effort branch cleanup when the run
// loop exits.
func (c *Coordinator) Cancel() {
	c.mu.Lock()
	if c.cancelled {
		c.mu.Unlock()
		return
	}
	c.cancelled = true
	cancel := c.cancelRun
	c.mu.Unlock()

	c.cond.Broadcast()
	if cancel != nil {
		cancel()
	}
	c.logger.Infof("Cancelled plan execution for project %s", c.project)
}

// RetryTask clears a failed task back to pending and re-dispatches it
// outside the normal group flow, reporting whether it ultimately succeeded.
// Calling it for a task that is not in failed status, or that is currently
// running, is a no-op returning false.
func (c *Coordinator) RetryTask(ctx context.Context, taskID string) bool {
	c.mu.Lock()
	if c.plan == nil {
		c.mu.Unlock()
		return false
	}
	task := c.plan.Task(taskID)
	if task == nil || task.Status != models.FailedTaskStatus {
		c.mu.Unlock()
		return false
	}
	if _, isRunning := c.running[taskID]; isRunning {
		c.mu.Unlock()
		return false
	}
	task.Status = models.PendingTaskStatus
	task.Outcome = nil
	task.CompletedAt = nil
	delete(c.failed, taskID)
	c.mu.Unlock()

	// No checkpoint here: the terminal count just shrank by one, which the
	// store's monotonic guard would reject. runTask writes one as soon as
	// the retry settles.
	workerID := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
	c.runTask(ctx, taskID, workerID)

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plan.Task(taskID).Status == models.CompletedTaskStatus
}

// SkipTask marks a failed task as skipped without re-executing it.
func (c *Coordinator) SkipTask(taskID string) error {
	c.mu.Lock()
	if c.plan == nil {
		c.mu.Unlock()
		return errors.New("no plan loaded")
	}
	task := c.plan.Task(taskID)
	if task == nil {
		c.mu.Unlock()
		return errors.Errorf("unknown task %s", taskID)
	}
	if _, isRunning := c.running[taskID]; isRunning {
		c.mu.Unlock()
		return errors.Errorf("task %s is currently running", taskID)
	}
	if task.Status != models.FailedTaskStatus {
		c.mu.Unlock()
		return errors.Errorf("task %s is not failed (status %s)", taskID, task.Status)
	}
	task.Status = models.SkippedTaskStatus
	delete(c.failed, taskID)
	c.skipped[taskID] = struct{}{}
	c.mu.Unlock()

	c.checkpoint()
	c.emitProgress()
	c.logger.Infof("Skipped task %s", taskID)
	return nil
}

// Status returns the aggregate task counts of the run.
func (c *Coordinator) Status() events.Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.plan == nil {
		return events.Progress{}
	}
	return c.progressLocked()
}

// TasksWithStatus returns a copy of the live task list with runtime fields
// populated.
func (c *Coordinator) TasksWithStatus() []models.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.plan == nil {
		return nil
	}
	out := make([]models.Task, len(c.plan.Tasks))
	copy(out, c.plan.Tasks)
	return out
}

// Paused reports whether dispatch is currently suspended.
func (c *Coordinator) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// ---- internal helpers ----

func (c *Coordinator) waitWhilePaused(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.paused && !c.cancelled && ctx.Err() == nil {
		c.cond.Wait()
	}
	return !c.cancelled && ctx.Err() == nil
}

func (c *Coordinator) isPending(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	task := c.plan.Task(taskID)
	return task != nil && task.Status == models.PendingTaskStatus
}

// unmetDependency returns a dependency that blocks the task from ever
// dispatching in this run: one that failed, or was skipped while skipped
// dependencies are not accepted.
func (c *Coordinator) unmetDependency(taskID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task := c.plan.Task(taskID)
	for _, dep := range task.DependsOn {
		if _, ok := c.completed[dep]; ok {
			continue
		}
		if c.cfg.AllowSkippedDeps {
			if _, ok := c.skipped[dep]; ok {
				continue
			}
		}
		return dep, true
	}
	return "", false
}

func (c *Coordinator) markCompleted(taskID string, res TaskResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task := c.plan.Task(taskID)
	now := time.Now()
	task.Status = models.CompletedTaskStatus
	task.CompletedAt = &now
	task.Outcome = &models.TaskOutcome{
		Success:   true,
		TestsRun:  res.TestsRun,
		TestsPass: res.TestsPass,
	}
	c.completed[taskID] = struct{}{}
	c.runningCost += task.EstimatedCost
	delete(c.running, taskID)
}

func (c *Coordinator) markFailed(taskID string, res TaskResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task := c.plan.Task(taskID)
	now := time.Now()
	task.Status = models.FailedTaskStatus
	task.CompletedAt = &now
	task.Outcome = &models.TaskOutcome{
		Success:   false,
		TestsRun:  res.TestsRun,
		TestsPass: res.TestsPass,
		Error:     res.Error,
	}
	c.failed[taskID] = struct{}{}
	c.runningCost += task.EstimatedCost
	delete(c.running, taskID)
}

func (c *Coordinator) markSkipped(taskID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	task := c.plan.Task(taskID)
	now := time.Now()
	task.Status = models.SkippedTaskStatus
	task.CompletedAt = &now
	task.Outcome = &models.TaskOutcome{Success: false, Error: reason}
	c.skipped[taskID] = struct{}{}
	c.logger.Infof("Skipping task %s: %s", taskID, reason)
}

func (c *Coordinator) markPlanFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.planFailed = true
}

func (c *Coordinator) groupOutcome(gi int) (size, failed int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	group := c.plan.ParallelGroups[gi]
	for _, taskID := range group {
		if _, ok := c.failed[taskID]; ok {
			failed++
		}
	}
	return len(group), failed
}

func (c *Coordinator) currentGroup() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.groupIndex
}

func (c *Coordinator) setGroup(gi int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groupIndex = gi
}

func (c *Coordinator) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled
}

func (c *Coordinator) finalize(ctx context.Context) ExecutionResult {
	c.mu.Lock()
	now := time.Now()
	c.plan.CompletedAt = &now
	switch {
	case c.cancelled:
		c.plan.Status = models.FailedPlanStatus
	case c.planFailed:
		c.plan.Status = models.FailedPlanStatus
	default:
		c.plan.Status = models.DerivePlanStatus(c.plan.Tasks, c.cfg.SkipOnFailure)
	}
	result := ExecutionResult{
		PlanID:    c.plan.ID,
		RequestID: c.plan.RequestID,
		Status:    c.plan.Status,
		Completed: len(c.completed),
		Failed:    len(c.failed),
		Skipped:   len(c.skipped),
		Cancelled: c.cancelled,
	}
	cancelled := c.cancelled
	c.mu.Unlock()

	c.checkpoint()
	if cancelled {
		// Cleanup is best-effort: the session is already terminal.
		c.branches.CleanupAllWorkerBranches(context.WithoutCancel(ctx))
	}
	c.logger.Infof("Plan %s finished with status %s (%d completed, %d failed, %d skipped)",
		result.PlanID, result.Status, result.Completed, result.Failed, result.Skipped)
	return result
}

// checkpoint persists the current scheduling state. A failed write is
// logged and the run continues; only resumability for this checkpoint is
// lost, not the run itself.
func (c *Coordinator) checkpoint() {
	c.mu.Lock()
	if c.plan == nil {
		c.mu.Unlock()
		return
	}
	// Snapshot a detached copy: Save marshals outside the lock, and the live
	// task slice is still being mutated by worker goroutines.
	planCopy := *c.plan
	planCopy.Tasks = append([]models.Task(nil), c.plan.Tasks...)
	state := &models.ExecutionState{
		Version:     models.StateVersion,
		PlanID:      c.plan.ID,
		RequestID:   c.plan.RequestID,
		Plan:        &planCopy,
		Completed:   setToSlice(c.completed),
		Failed:      setToSlice(c.failed),
		Skipped:     setToSlice(c.skipped),
		GroupIndex:  c.groupIndex,
		Paused:      c.paused,
		RunningCost: c.runningCost,
	}
	project := c.project
	c.mu.Unlock()

	if err := c.store.Save(project, state); err != nil {
		c.logger.Errorf("Failed to write checkpoint for project %s: %v", project, err)
	}
}

func (c *Coordinator) progressLocked() events.Progress {
	p := events.Progress{TotalTasks: len(c.plan.Tasks)}
	for i := range c.plan.Tasks {
		switch c.plan.Tasks[i].Status {
		case models.PendingTaskStatus:
			p.PendingTasks++
		case models.RunningTaskStatus:
			p.RunningTasks++
		case models.CompletedTaskStatus:
			p.CompletedTasks++
		case models.FailedTaskStatus:
			p.FailedTasks++
		case models.SkippedTaskStatus:
			p.SkippedTasks++
		}
	}
	return p
}

func (c *Coordinator) emitProgress() {
	c.mu.Lock()
	p := c.progressLocked()
	c.mu.Unlock()
	c.emit(events.Event{Type: events.ProgressUpdate, Progress: &p})
}

func (c *Coordinator) emit(ev events.Event) {
	if c.emitter == nil {
		return
	}
	ev.RequestID = c.plan.RequestID
	ev.At = time.Now()
	c.emitter.Emit(ev)
}

func contains(set map[string]struct{}, id string) bool {
	_, ok := set[id]
	return ok
}

func setToSlice(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}
