// Package session ties a plan execution to its lifecycle surface: a
// Session owns the coordinator run for one change request, the Manager
// enforces the one-active-session-per-request rule and drives crash
// recovery at startup.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/ikoceski/planflow/pkg/coordinator"
	"github.com/ikoceski/planflow/pkg/events"
	"github.com/ikoceski/planflow/pkg/models"
	"github.com/ikoceski/planflow/pkg/vcs"
)

// Session is one live (or finished) execution of a plan. The coordinator
// runs in its own goroutine; Wait blocks until it reaches a terminal state.
type Session struct {
	ID        string
	RequestID string
	PlanID    string
	Project   string
	CreatedAt time.Time

	coord    *coordinator.Coordinator
	branches *vcs.BranchController

	mu     sync.Mutex
	status models.SessionStatus
	result coordinator.ExecutionResult
	runErr error
	done   chan struct{}
}

// Status returns the session's current lifecycle status.
func (s *Session) Status() models.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Wait blocks until the session reaches a terminal status or the context
// expires, and returns the run summary.
func (s *Session) Wait(ctx context.Context) (coordinator.ExecutionResult, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		return coordinator.ExecutionResult{}, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result, s.runErr
}

// Done exposes the completion channel for select-based callers.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Progress returns the session's aggregate task counts.
func (s *Session) Progress() events.Progress {
	return s.coord.Status()
}

// Tasks returns a snapshot of the plan's tasks with runtime fields.
func (s *Session) Tasks() []models.Task {
	return s.coord.TasksWithStatus()
}

// PendingConflicts lists merge conflicts awaiting human resolution.
func (s *Session) PendingConflicts() []models.PendingConflict {
	return s.branches.PendingConflicts()
}

// ResolveConflict applies a resolution to one of the session's pending
// merge conflicts.
func (s *Session) ResolveConflict(ctx context.Context, conflictID string, res models.Resolution) (models.MergeResult, error) {
	return s.branches.ResolveConflict(ctx, conflictID, res)
}

// SetSuggestedMerge attaches proposed content for a conflicting file so an
// accept_suggested resolution has something to apply.
func (s *Session) SetSuggestedMerge(conflictID, file, content string) error {
	return s.branches.SetSuggestedMerge(conflictID, file, content)
}

func (s *Session) setStatus(status models.SessionStatus) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
}

func (s *Session) finish(result coordinator.ExecutionResult, err error, status models.SessionStatus) {
	s.mu.Lock()
	s.result = result
	s.runErr = err
	s.status = status
	s.mu.Unlock()
	close(s.done)
}
