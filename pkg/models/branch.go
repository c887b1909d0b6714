package models

import "time"

type BranchStatus string

const (
	ActiveBranchStatus   BranchStatus = "ACTIVE"
	MergedBranchStatus   BranchStatus = "MERGED"
	ConflictBranchStatus BranchStatus = "CONFLICT"
	PendingBranchStatus  BranchStatus = "PENDING"
)

// WorkerBranch tracks the isolated branch owned by a single worker during a
// run. A branch is created when the worker is assigned its first task and is
// deleted on cleanup: run completion, task failure rollback, or explicit
// termination.
type WorkerBranch struct {
	Name             string       `json:"name"`
	WorkerID         string       `json:"worker_id"`
	Status           BranchStatus `json:"status"`
	CommitCount      int          `json:"commit_count"`
	ChangedFiles     int          `json:"changed_files"`
	ConflictingFiles []string     `json:"conflicting_files,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

// MergeResult describes a single attempt to integrate a worker branch onto
// the integration branch. It is ephemeral: emitted as an event and attached
// to a PendingConflict when human review is required, never persisted.
type MergeResult struct {
	Success          bool      `json:"success"`
	WorkerID         string    `json:"worker_id"`
	Branch           string    `json:"branch"`
	AutoResolved     bool      `json:"auto_resolved"`
	NeedsHumanReview bool      `json:"needs_human_review"`
	Conflict         string    `json:"conflict,omitempty"`
	ConflictingFiles []string  `json:"conflicting_files,omitempty"`
	Sequence         int       `json:"sequence"` // monotonic merge counter within a session
	MergedAt         time.Time `json:"merged_at"`
}
