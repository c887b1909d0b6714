package vcs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ikoceski/planflow/pkg/models"
)

// BranchController owns the branch-per-worker concurrency discipline for one
// session: each worker edits files only on its own branch, and merges onto
// the integration branch are strictly serialized. The integration branch is
// the single shared resource; the merge mutex is the one place true mutual
// exclusion is required.
type BranchController struct {
	client      Client
	integration string
	prefix      string
	logger      Logger

	// mergeMu serializes merges across all workers in the session.
	mergeMu  sync.Mutex
	mergeSeq int

	mu        sync.Mutex
	branches  map[string]*models.WorkerBranch // worker ID -> branch
	forkRefs  map[string]string               // worker ID -> fork ref
	conflicts map[string]*models.PendingConflict
}

func NewBranchController(client Client, integration string, logger Logger) *BranchController {
	return &BranchController{
		client:      client,
		integration: integration,
		prefix:      "planflow/",
		logger:      logger,
		branches:    make(map[string]*models.WorkerBranch),
		forkRefs:    make(map[string]string),
		conflicts:   make(map[string]*models.PendingConflict),
	}
}

// IntegrationBranch returns the name of the shared integration branch.
func (b *BranchController) IntegrationBranch() string {
	return b.integration
}

// CreateWorkerBranch gives the worker an isolated branch forked from the
// integration branch. Calling it again for a worker that already owns an
// active branch returns the existing branch name.
func (b *BranchController) CreateWorkerBranch(ctx context.Context, workerID string) (string, error) {
	b.mu.Lock()
	if wb, ok := b.branches[workerID]; ok {
		if wb.Status == models.ActiveBranchStatus {
			name := wb.Name
			b.mu.Unlock()
			return name, nil
		}
		b.mu.Unlock()
		// A merged or conflicted leftover; clear it so the worker forks fresh
		// from the current integration state.
		if err := b.DeleteWorkerBranch(ctx, workerID); err != nil {
			return "", err
		}
	} else {
		b.mu.Unlock()
	}

	name := fmt.Sprintf("%sworker-%s", b.prefix, workerID)
	forkRef, err := b.client.CreateBranch(ctx, name, b.integration)
	if err != nil {
		return "", errors.Wrapf(err, "create branch for worker %s", workerID)
	}

	b.mu.Lock()
	b.branches[workerID] = &models.WorkerBranch{
		Name:      name,
		WorkerID:  workerID,
		Status:    models.ActiveBranchStatus,
		CreatedAt: time.Now(),
	}
	b.forkRefs[workerID] = forkRef
	b.mu.Unlock()

	b.logger.Infof("Worker %s assigned branch %s", workerID, name)
	return name, nil
}

// CommitChanges records the executor-produced file changes as one commit on
// the worker's branch.
func (b *BranchController) CommitChanges(ctx context.Context, workerID string, changes []FileChange, message string) error {
	wb, _, err := b.workerBranch(workerID)
	if err != nil {
		return err
	}
	if err := b.client.Commit(ctx, wb.Name, message, changes); err != nil {
		return errors.Wrapf(err, "commit on %s", wb.Name)
	}

	b.mu.Lock()
	wb.CommitCount++
	b.mu.Unlock()
	return nil
}

// MergeWorkerBranch integrates the worker's branch onto the integration
// branch. Merges are serialized: at most one is in flight across the whole
// session. A conflicting merge produces an unsuccessful MergeResult plus a
// PendingConflict carrying both file versions; it is not an error.
func (b *BranchController) MergeWorkerBranch(ctx context.Context, workerID string) (models.MergeResult, error) {
	wb, forkRef, err := b.workerBranch(workerID)
	if err != nil {
		return models.MergeResult{}, err
	}

	b.mergeMu.Lock()
	defer b.mergeMu.Unlock()

	b.mergeSeq++
	result := models.MergeResult{
		WorkerID: workerID,
		Branch:   wb.Name,
		Sequence: b.mergeSeq,
		MergedAt: time.Now(),
	}

	changed, err := b.client.ChangedFiles(ctx, wb.Name, forkRef)
	if err != nil {
		return result, errors.Wrapf(err, "diff %s", wb.Name)
	}

	mergeErr := b.client.Merge(ctx, wb.Name, b.integration)
	if mergeErr == nil {
		result.Success = true
		result.AutoResolved = true
		b.mu.Lock()
		wb.Status = models.MergedBranchStatus
		wb.ChangedFiles = len(changed)
		b.mu.Unlock()
		b.logger.Infof("Merged %s into %s (seq %d, %d files)", wb.Name, b.integration, result.Sequence, len(changed))
		return result, nil
	}

	var conflict *ConflictError
	if !errors.As(mergeErr, &conflict) {
		return result, errors.Wrapf(mergeErr, "merge %s into %s", wb.Name, b.integration)
	}

	result.Success = false
	result.NeedsHumanReview = true
	result.Conflict = conflict.Error()
	result.ConflictingFiles = conflict.Files

	pending := &models.PendingConflict{
		ID:        uuid.NewString(),
		WorkerID:  workerID,
		Branch:    wb.Name,
		Files:     conflict.Files,
		Versions:  make(map[string]models.ConflictVersions, len(conflict.Files)),
		Merge:     result,
		CreatedAt: time.Now(),
	}
	for _, file := range conflict.Files {
		current, err := b.client.ReadFile(ctx, b.integration, file)
		if err != nil && !errors.Is(err, ErrFileNotFound) {
			b.logger.Errorf("Failed to read %s from %s: %v", file, b.integration, err)
		}
		worker, err := b.client.ReadFile(ctx, wb.Name, file)
		if err != nil && !errors.Is(err, ErrFileNotFound) {
			b.logger.Errorf("Failed to read %s from %s: %v", file, wb.Name, err)
		}
		pending.Versions[file] = models.ConflictVersions{Current: current, Worker: worker}
	}

	b.mu.Lock()
	wb.Status = models.ConflictBranchStatus
	wb.ConflictingFiles = conflict.Files
	b.conflicts[pending.ID] = pending
	b.mu.Unlock()

	b.logger.Infof("Merge of %s conflicts on %d files, awaiting resolution", wb.Name, len(conflict.Files))
	return result, nil
}

// RollbackWorkerBranch discards all of the worker's commits back to the
// branch's fork point.
func (b *BranchController) RollbackWorkerBranch(ctx context.Context, workerID string) error {
	wb, forkRef, err := b.workerBranch(workerID)
	if err != nil {
		return err
	}
	if err := b.client.Reset(ctx, wb.Name, forkRef); err != nil {
		return errors.Wrapf(err, "rollback %s", wb.Name)
	}

	b.mu.Lock()
	wb.CommitCount = 0
	b.mu.Unlock()
	b.logger.Infof("Rolled back branch %s to %s", wb.Name, forkRef)
	return nil
}

// DeleteWorkerBranch removes the worker's branch. The worker receives a
// fresh branch at its next task.
func (b *BranchController) DeleteWorkerBranch(ctx context.Context, workerID string) error {
	wb, _, err := b.workerBranch(workerID)
	if err != nil {
		return err
	}
	if err := b.client.DeleteBranch(ctx, wb.Name); err != nil && !errors.Is(err, ErrBranchNotFound) {
		return errors.Wrapf(err, "delete %s", wb.Name)
	}

	b.mu.Lock()
	delete(b.branches, workerID)
	delete(b.forkRefs, workerID)
	b.mu.Unlock()
	return nil
}

// CleanupAllWorkerBranches deletes every remaining worker branch. Failures
// are logged, not escalated: cleanup runs when the session is already
// terminal.
func (b *BranchController) CleanupAllWorkerBranches(ctx context.Context) {
	b.mu.Lock()
	workerIDs := make([]string, 0, len(b.branches))
	for id := range b.branches {
		workerIDs = append(workerIDs, id)
	}
	b.mu.Unlock()

	for _, id := range workerIDs {
		if err := b.DeleteWorkerBranch(ctx, id); err != nil {
			b.logger.Errorf("Failed to clean up branch for worker %s: %v", id, err)
		}
	}
}

// Branches returns a snapshot of all tracked worker branches.
func (b *BranchController) Branches() []models.WorkerBranch {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.WorkerBranch, 0, len(b.branches))
	for _, wb := range b.branches {
		out = append(out, *wb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PendingConflicts returns the unresolved merge conflicts of this session.
func (b *BranchController) PendingConflicts() []models.PendingConflict {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.PendingConflict, 0, len(b.conflicts))
	for _, c := range b.conflicts {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// TagConflicts stamps the originating task onto every pending conflict of
// the worker, so a surfaced conflict can be traced back to the task whose
// merge produced it.
func (b *BranchController) TagConflicts(workerID, taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conflicts {
		if c.WorkerID == workerID && c.TaskID == "" {
			c.TaskID = taskID
		}
	}
}

// SetSuggestedMerge attaches an externally produced suggested merge for one
// conflicting file. The suggestion becomes selectable through the
// accept_suggested resolution.
func (b *BranchController) SetSuggestedMerge(conflictID, file, content string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	pending, ok := b.conflicts[conflictID]
	if !ok {
		return errors.Errorf("unknown conflict %s", conflictID)
	}
	versions, ok := pending.Versions[file]
	if !ok {
		return errors.Errorf("file %s is not part of conflict %s", file, conflictID)
	}
	versions.Suggested = content
	pending.Versions[file] = versions
	return nil
}

// ResolveConflict applies a resolution decision to a pending conflict: the
// chosen contents are committed directly onto the integration branch, the
// worker branch is marked merged and deleted, and the conflict is cleared.
func (b *BranchController) ResolveConflict(ctx context.Context, conflictID string, res models.Resolution) (models.MergeResult, error) {
	b.mu.Lock()
	pending, ok := b.conflicts[conflictID]
	if !ok {
		b.mu.Unlock()
		return models.MergeResult{}, errors.Errorf("unknown conflict %s", conflictID)
	}
	workerID := pending.WorkerID
	b.mu.Unlock()

	changes := make([]FileChange, 0, len(pending.Files))
	for _, file := range pending.Files {
		versions := pending.Versions[file]
		var content string
		switch res.Kind {
		case models.KeepCurrentResolution:
			continue // integration branch already holds this version
		case models.KeepWorkerResolution:
			content = versions.Worker
		case models.CombineBothResolution:
			content = versions.Current + "\n" + versions.Worker
		case models.AcceptSuggestedResolution:
			if versions.Suggested == "" {
				return models.MergeResult{}, errors.Errorf("conflict %s has no suggested merge for %s", conflictID, file)
			}
			content = versions.Suggested
		default:
			return models.MergeResult{}, errors.Errorf("unknown resolution kind %q", res.Kind)
		}
		changes = append(changes, FileChange{Path: file, Content: content})
	}

	b.mergeMu.Lock()
	defer b.mergeMu.Unlock()

	if len(changes) > 0 {
		message := fmt.Sprintf("resolve conflict with %s (%s)", pending.Branch, res.Kind)
		if err := b.client.Commit(ctx, b.integration, message, changes); err != nil {
			return models.MergeResult{}, errors.Wrapf(err, "apply resolution for conflict %s", conflictID)
		}
	}

	b.mergeSeq++
	result := models.MergeResult{
		Success:      true,
		WorkerID:     workerID,
		Branch:       pending.Branch,
		AutoResolved: false,
		Sequence:     b.mergeSeq,
		MergedAt:     time.Now(),
	}

	b.mu.Lock()
	if wb, ok := b.branches[workerID]; ok {
		wb.Status = models.MergedBranchStatus
		wb.ConflictingFiles = nil
	}
	delete(b.conflicts, conflictID)
	b.mu.Unlock()

	if err := b.DeleteWorkerBranch(ctx, workerID); err != nil {
		b.logger.Errorf("Failed to delete branch after resolving conflict %s: %v", conflictID, err)
	}
	b.logger.Infof("Resolved conflict %s via %s", conflictID, res.Kind)
	return result, nil
}

// MergeSequence returns the number of merge operations performed so far.
func (b *BranchController) MergeSequence() int {
	b.mergeMu.Lock()
	defer b.mergeMu.Unlock()
	return b.mergeSeq
}

func (b *BranchController) workerBranch(workerID string) (*models.WorkerBranch, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	wb, ok := b.branches[workerID]
	if !ok {
		return nil, "", errors.Errorf("worker %s owns no branch", workerID)
	}
	return wb, b.forkRefs[workerID], nil
}
