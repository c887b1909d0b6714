package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ikoceski/planflow/pkg/coordinator"
	"github.com/ikoceski/planflow/pkg/events"
	"github.com/ikoceski/planflow/pkg/models"
	"github.com/ikoceski/planflow/pkg/statestore"
	"github.com/ikoceski/planflow/pkg/vcs"
)

// Logger defines the logging interface accepted by the session manager.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// HistoryStore records session and task transitions durably. It is optional;
// a nil store disables history.
type HistoryStore interface {
	SaveSession(ctx context.Context, rec models.SessionRecord) (int64, error)
	ListSessions(ctx context.Context) ([]models.SessionRecord, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus) error
	SaveTaskLog(ctx context.Context, log models.TaskLog) error
}

// ErrSessionExists is returned when a request already has a live session.
var ErrSessionExists = errors.New("an active session already exists for this request")

// ErrSessionNotFound is returned when no session matches the request.
var ErrSessionNotFound = errors.New("no session for this request")

// Manager owns all sessions of a process. One request may have at most one
// non-terminal session at a time; starting a second one fails fast.
type Manager struct {
	cfg       coordinator.Config
	executor  coordinator.TaskExecutor
	client    vcs.Client
	snapshots statestore.Store
	history   HistoryStore
	emitter   *events.Emitter
	logger    Logger

	// IntegrationBranch is the branch worker results merge into.
	integration string

	mu       sync.Mutex
	sessions map[string]*Session // request ID -> latest session
}

type ManagerOptions struct {
	Config            coordinator.Config
	Executor          coordinator.TaskExecutor
	Client            vcs.Client
	Snapshots         statestore.Store
	History           HistoryStore
	Emitter           *events.Emitter
	Logger            Logger
	IntegrationBranch string
}

func NewManager(opts ManagerOptions) *Manager {
	integration := opts.IntegrationBranch
	if integration == "" {
		integration = "main"
	}
	m := &Manager{
		cfg:         opts.Config,
		executor:    opts.Executor,
		client:      opts.Client,
		snapshots:   opts.Snapshots,
		history:     opts.History,
		emitter:     opts.Emitter,
		logger:      opts.Logger,
		integration: integration,
		sessions:    make(map[string]*Session),
	}
	if m.history != nil && m.emitter != nil {
		m.subscribeTaskLogs()
	}
	return m
}

// subscribeTaskLogs mirrors task lifecycle events into the history store.
func (m *Manager) subscribeTaskLogs() {
	record := func(status string) events.Handler {
		return func(ev events.Event) {
			log := models.TaskLog{
				RequestID: ev.RequestID,
				TaskID:    ev.TaskID,
				WorkerID:  ev.WorkerID,
				Status:    status,
				Message:   ev.Error,
			}
			if err := m.history.SaveTaskLog(context.Background(), log); err != nil {
				m.logger.Errorf("Failed to record task log for %s: %v", ev.TaskID, err)
			}
		}
	}
	m.emitter.Subscribe(events.TaskStarted, record("started"))
	m.emitter.Subscribe(events.TaskCompleted, record("completed"))
	m.emitter.Subscribe(events.TaskFailed, record("failed"))
}

// Start begins executing the plan for its request. It returns immediately;
// the run proceeds in the background and the returned session's Wait
// reports the outcome.
func (m *Manager) Start(ctx context.Context, plan *models.ExecutionPlan, project string) (*Session, error) {
	if err := plan.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid plan")
	}

	s, err := m.register(plan.RequestID, plan.ID, project)
	if err != nil {
		return nil, err
	}

	m.recordSession(ctx, s)
	m.launch(ctx, s, func(runCtx context.Context) (coordinator.ExecutionResult, error) {
		return s.coord.Start(runCtx, plan, project)
	})
	return s, nil
}

// register builds a session with its own coordinator and branch controller
// and claims the request slot, enforcing the single-active-session rule.
func (m *Manager) register(requestID, planID, project string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.sessions[requestID]; ok && !existing.Status().IsTerminal() {
		return nil, ErrSessionExists
	}

	branches := vcs.NewBranchController(m.client, m.integration, m.logger)
	coord := coordinator.New(m.cfg, m.executor, branches, m.snapshots, m.emitter, m.logger)

	s := &Session{
		ID:        uuid.NewString(),
		RequestID: requestID,
		PlanID:    planID,
		Project:   project,
		CreatedAt: time.Now(),
		coord:     coord,
		branches:  branches,
		status:    models.ExecutingSessionStatus,
		done:      make(chan struct{}),
	}
	m.sessions[requestID] = s
	return s, nil
}

// launch runs the coordinator in a goroutine and settles the session's
// terminal status when it returns.
func (m *Manager) launch(ctx context.Context, s *Session, run func(context.Context) (coordinator.ExecutionResult, error)) {
	go func() {
		result, err := run(context.WithoutCancel(ctx))

		status := models.CompletedSessionStatus
		switch {
		case err != nil:
			status = models.FailedSessionStatus
			m.logger.Errorf("Session %s failed: %v", s.ID, err)
		case result.Cancelled:
			status = models.CancelledSessionStatus
		case result.Status == models.FailedPlanStatus:
			status = models.FailedSessionStatus
		case result.Status == models.CompletedPlanStatus:
			status = models.CompletedSessionStatus
		default:
			// The run loop returned without finishing all groups (paused and
			// cancelled contexts aside, this should not happen).
			status = models.PausedSessionStatus
		}
		s.finish(result, err, status)
		m.updateStatus(context.Background(), s, status)

		// A completed run no longer needs its snapshot; the history rows are
		// the audit trail. Failed and cancelled runs keep theirs so the work
		// already done survives a later retry.
		if status == models.CompletedSessionStatus {
			if derr := m.snapshots.Delete(s.Project); derr != nil {
				m.logger.Errorf("Failed to delete snapshot for project %s: %v", s.Project, derr)
			}
		}
	}()
}

// Get returns the latest session for the request.
func (m *Manager) Get(requestID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[requestID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Sessions returns all sessions known to the manager.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Pause suspends dispatch for the request's session. Idempotent; pausing a
// terminal session is an error.
func (m *Manager) Pause(ctx context.Context, requestID string) error {
	s, err := m.Get(requestID)
	if err != nil {
		return err
	}
	if s.Status().IsTerminal() {
		return errors.Errorf("session for request %s already finished", requestID)
	}
	s.coord.Pause()
	s.setStatus(models.PausedSessionStatus)
	m.updateStatus(ctx, s, models.PausedSessionStatus)
	return nil
}

// Resume lifts a pause. Idempotent; resuming a terminal session is an error.
func (m *Manager) Resume(ctx context.Context, requestID string) error {
	s, err := m.Get(requestID)
	if err != nil {
		return err
	}
	if s.Status().IsTerminal() {
		return errors.Errorf("session for request %s already finished", requestID)
	}
	s.coord.Unpause()
	s.setStatus(models.ExecutingSessionStatus)
	m.updateStatus(ctx, s, models.ExecutingSessionStatus)
	return nil
}

// Cancel aborts the request's session. Cancelling an already-terminal
// session is a no-op.
func (m *Manager) Cancel(ctx context.Context, requestID string) error {
	s, err := m.Get(requestID)
	if err != nil {
		return err
	}
	if s.Status().IsTerminal() {
		return nil
	}
	s.coord.Cancel()
	return nil
}

// RetryTask re-runs a failed task of the request's session outside the
// group flow and reports whether it succeeded this time.
func (m *Manager) RetryTask(ctx context.Context, requestID, taskID string) (bool, error) {
	s, err := m.Get(requestID)
	if err != nil {
		return false, err
	}
	return s.coord.RetryTask(ctx, taskID), nil
}

// SkipTask marks a failed task of the request's session as skipped.
func (m *Manager) SkipTask(requestID, taskID string) error {
	s, err := m.Get(requestID)
	if err != nil {
		return err
	}
	return s.coord.SkipTask(taskID)
}

// GetRecoverableState loads the persisted snapshot for a project without
// starting anything, for inspection before recovery.
func (m *Manager) GetRecoverableState(project string) (*models.ExecutionState, error) {
	return m.snapshots.Load(project)
}

// RecoverAll scans the snapshot store and revives every project that has a
// persisted execution. Recovered sessions always come back paused: a
// snapshot that still says executing means the previous process died
// mid-run, and a human should confirm before work resumes. Recovery errors
// are logged per project and never abort the scan.
func (m *Manager) RecoverAll(ctx context.Context) []*Session {
	var recovered []*Session
	projects, err := m.snapshots.ListProjects()
	if err != nil {
		m.logger.Errorf("Recovery scan failed: %v", err)
	}
	for _, project := range projects {
		s, err := m.recoverProject(ctx, project)
		if err != nil {
			m.logger.Errorf("Could not recover project %s: %v", project, err)
			continue
		}
		recovered = append(recovered, s)
	}

	m.demoteOrphanedSessions(ctx)
	return recovered
}

// demoteOrphanedSessions settles history rows still marked executing whose
// project has no snapshot to resume from: the previous process died before
// the first checkpoint (or the snapshot is gone), so the row would stay
// executing forever. They are conservatively demoted to paused.
func (m *Manager) demoteOrphanedSessions(ctx context.Context) {
	if m.history == nil {
		return
	}
	records, err := m.history.ListSessions(ctx)
	if err != nil {
		m.logger.Errorf("Could not scan session history: %v", err)
		return
	}
	for _, rec := range records {
		if rec.Status != models.ExecutingSessionStatus {
			continue
		}
		has, err := m.snapshots.Has(rec.Project)
		if err != nil {
			m.logger.Errorf("Could not check snapshot for project %s: %v", rec.Project, err)
			continue
		}
		if has {
			continue
		}
		m.logger.Infof("Demoting orphaned session %s (project %s) to paused", rec.SessionID, rec.Project)
		if err := m.history.UpdateSessionStatus(ctx, rec.SessionID, models.PausedSessionStatus); err != nil {
			m.logger.Errorf("Failed to demote session %s: %v", rec.SessionID, err)
		}
	}
}

func (m *Manager) recoverProject(ctx context.Context, project string) (*Session, error) {
	state, err := m.snapshots.Load(project)
	if err != nil {
		return nil, errors.Wrap(err, "load snapshot")
	}
	if state.Plan == nil {
		return nil, errors.New("snapshot carries no plan")
	}

	// Demote to paused before resuming so the coordinator blocks instead of
	// dispatching straight away.
	if !state.Paused {
		state.Paused = true
		if err := m.snapshots.Save(project, state); err != nil {
			m.logger.Errorf("Failed to persist paused flag for project %s: %v", project, err)
		}
	}

	s, err := m.register(state.RequestID, state.PlanID, project)
	if err != nil {
		return nil, err
	}
	s.setStatus(models.PausedSessionStatus)

	m.logger.Infof("Recovered project %s (plan %s, %d tasks done), paused awaiting resume",
		project, state.PlanID, state.TerminalCount())
	m.recordSession(ctx, s)
	m.updateStatus(ctx, s, models.PausedSessionStatus)
	m.launch(ctx, s, func(runCtx context.Context) (coordinator.ExecutionResult, error) {
		return s.coord.Resume(runCtx, project)
	})
	return s, nil
}

func (m *Manager) recordSession(ctx context.Context, s *Session) {
	if m.history == nil {
		return
	}
	rec := models.SessionRecord{
		SessionID: s.ID,
		RequestID: s.RequestID,
		PlanID:    s.PlanID,
		Project:   s.Project,
		Status:    s.Status(),
	}
	if _, err := m.history.SaveSession(ctx, rec); err != nil {
		m.logger.Errorf("Failed to record session %s: %v", s.ID, err)
	}
}

func (m *Manager) updateStatus(ctx context.Context, s *Session, status models.SessionStatus) {
	if m.history == nil {
		return
	}
	if err := m.history.UpdateSessionStatus(ctx, s.ID, status); err != nil {
		m.logger.Errorf("Failed to update history for session %s: %v", s.ID, err)
	}
}
