package models

import "time"

type ResolutionKind string

const (
	KeepCurrentResolution     ResolutionKind = "keep_current"
	KeepWorkerResolution      ResolutionKind = "keep_worker"
	CombineBothResolution     ResolutionKind = "combine_both"
	AcceptSuggestedResolution ResolutionKind = "accept_suggested"
)

// ConflictVersions holds the competing contents of one conflicting file:
// the integration-branch version, the worker-branch version, and an optional
// externally supplied suggested merge.
type ConflictVersions struct {
	Current   string `json:"current"`
	Worker    string `json:"worker"`
	Suggested string `json:"suggested,omitempty"`
}

// PendingConflict is a merge failure awaiting an explicit resolution
// decision. It blocks only the owning worker's integration, never the run.
type PendingConflict struct {
	ID        string                      `json:"id"`
	TaskID    string                      `json:"task_id,omitempty"`
	WorkerID  string                      `json:"worker_id"`
	Branch    string                      `json:"branch"`
	Files     []string                    `json:"files"`
	Versions  map[string]ConflictVersions `json:"versions"`
	Merge     MergeResult                 `json:"merge"`
	CreatedAt time.Time                   `json:"created_at"`
}

// Resolution is the decision supplied by a human or upstream policy for a
// PendingConflict.
type Resolution struct {
	Kind ResolutionKind `json:"kind"`
}
