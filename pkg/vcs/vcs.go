// Package vcs provides the version-control concurrency layer: an isolated
// branch per worker, commits of executor-produced changes, strictly
// serialized merges onto the integration branch, conflict detection and
// rollback. The merge-serialization and conflict logic is written against a
// narrow Client interface so it can be exercised with the in-memory
// implementation as well as the git binary.
package vcs

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// Logger is the logging contract accepted by this package. Satisfied by
// *logrus.Logger and by no-op test loggers.
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// FileChange is a single file edit produced by a task executor.
type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// ErrBranchNotFound is returned for operations on branches that do not exist.
var ErrBranchNotFound = errors.New("branch not found")

// ErrFileNotFound is returned when reading a path absent from a branch.
var ErrFileNotFound = errors.New("file not found")

// ConflictError reports a merge that could not be applied automatically.
type ConflictError struct {
	From  string
	Into  string
	Files []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("merge of %s into %s conflicts on: %s", e.From, e.Into, strings.Join(e.Files, ", "))
}

// Client is the minimal branch-level contract the concurrency layer needs.
// Every call takes a context; implementations must be safe for concurrent
// use by multiple workers.
type Client interface {
	// CreateBranch creates a new branch at `from` and returns a fork ref
	// that later identifies the branch's fork point for rollback and diffs.
	CreateBranch(ctx context.Context, name, from string) (forkRef string, err error)

	// DeleteBranch removes the branch. Deleting a missing branch returns
	// ErrBranchNotFound.
	DeleteBranch(ctx context.Context, name string) error

	// Commit records the given file changes as one commit on the branch.
	Commit(ctx context.Context, branch, message string, changes []FileChange) error

	// Merge integrates `from` into `into`. A conflicting merge leaves `into`
	// untouched and returns a *ConflictError listing the conflicting files.
	Merge(ctx context.Context, from, into string) error

	// Reset discards all commits on the branch back to ref.
	Reset(ctx context.Context, branch, ref string) error

	// ReadFile returns the content of path as committed on the branch.
	ReadFile(ctx context.Context, branch, path string) (string, error)

	// ChangedFiles lists files that differ between ref and the branch tip.
	ChangedFiles(ctx context.Context, branch, ref string) ([]string, error)

	// CommitCount returns the number of commits on branch since ref.
	CommitCount(ctx context.Context, branch, ref string) (int, error)

	// Branches lists all branch names.
	Branches(ctx context.Context) ([]string, error)
}
