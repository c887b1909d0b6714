// Package statestore persists execution snapshots for crash-safe resume.
package statestore

import (
	"github.com/pkg/errors"

	"github.com/ikoceski/planflow/pkg/models"
)

// ErrNotFound is returned when no snapshot exists for a project.
var ErrNotFound = errors.New("no persisted execution state")

// ErrStaleSnapshot is returned when a save would regress the progress
// already on disk. Checkpoints are monotonically advancing.
var ErrStaleSnapshot = errors.New("stale snapshot: persisted state is further ahead")

// Store is the persistence contract used by the coordinator for
// checkpointing and by the recovery routine at startup. The snapshot for a
// given project has a single writer: the owning session.
type Store interface {
	// Save writes the snapshot to the project's well-known location.
	Save(project string, state *models.ExecutionState) error

	// Load reads the project's snapshot; ErrNotFound if there is none.
	Load(project string) (*models.ExecutionState, error)

	// Has reports whether a recoverable snapshot exists for the project.
	Has(project string) (bool, error)

	// Delete removes the snapshot after a confirmed terminal success.
	Delete(project string) error

	// ListProjects returns every project that currently has a snapshot.
	// Used by the startup recovery scan.
	ListProjects() ([]string, error)
}
