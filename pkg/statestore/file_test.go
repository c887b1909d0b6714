package statestore_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ikoceski/planflow/pkg/models"
	"github.com/ikoceski/planflow/pkg/statestore"
	"github.com/stretchr/testify/assert"
)

func sampleState() *models.ExecutionState {
	return &models.ExecutionState{
		PlanID:    "plan-1",
		RequestID: "req-1",
		Plan: &models.ExecutionPlan{
			ID:        "plan-1",
			RequestID: "req-1",
			Tasks: []models.Task{
				{ID: "a", Status: models.CompletedTaskStatus},
				{ID: "b", Status: models.PendingTaskStatus},
			},
			ParallelGroups: [][]string{{"a"}, {"b"}},
			CreatedAt:      time.Now(),
		},
		Completed:  []string{"a"},
		Failed:     []string{},
		Skipped:    []string{},
		GroupIndex: 1,
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	store := statestore.NewFileStore(t.TempDir())

	assert.NoError(t, store.Save("proj", sampleState()))

	loaded, err := store.Load("proj")
	assert.NoError(t, err)
	assert.Equal(t, "plan-1", loaded.PlanID)
	assert.Equal(t, []string{"a"}, loaded.Completed)
	assert.Equal(t, 1, loaded.GroupIndex)
	assert.Equal(t, models.StateVersion, loaded.Version)
	assert.False(t, loaded.UpdatedAt.IsZero())
	assert.Len(t, loaded.Plan.Tasks, 2)
}

func TestFileStoreLoadMissing(t *testing.T) {
	store := statestore.NewFileStore(t.TempDir())
	_, err := store.Load("nope")
	assert.ErrorIs(t, err, statestore.ErrNotFound)
}

func TestFileStoreHas(t *testing.T) {
	store := statestore.NewFileStore(t.TempDir())

	ok, err := store.Has("proj")
	assert.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, store.Save("proj", sampleState()))
	ok, err = store.Has("proj")
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestFileStoreDelete(t *testing.T) {
	store := statestore.NewFileStore(t.TempDir())
	assert.NoError(t, store.Save("proj", sampleState()))

	assert.NoError(t, store.Delete("proj"))
	_, err := store.Load("proj")
	assert.ErrorIs(t, err, statestore.ErrNotFound)

	// Deleting an absent snapshot is not an error.
	assert.NoError(t, store.Delete("proj"))
}

func TestFileStoreMonotonicGuard(t *testing.T) {
	store := statestore.NewFileStore(t.TempDir())

	ahead := sampleState()
	ahead.Completed = []string{"a", "b"}
	assert.NoError(t, store.Save("proj", ahead))

	// A snapshot with fewer terminal tasks for the same plan is a regression.
	behind := sampleState()
	behind.Completed = []string{"a"}
	assert.ErrorIs(t, store.Save("proj", behind), statestore.ErrStaleSnapshot)

	// Equal progress is allowed (pause flag flips, cost updates).
	equal := sampleState()
	equal.Completed = []string{"a", "b"}
	equal.Paused = true
	assert.NoError(t, store.Save("proj", equal))

	// A different plan restarts the guard.
	fresh := sampleState()
	fresh.PlanID = "plan-2"
	fresh.Plan.ID = "plan-2"
	fresh.Completed = []string{}
	assert.NoError(t, store.Save("proj", fresh))
}

func TestFileStoreDefaultsForSparseSnapshot(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "proj")
	assert.NoError(t, os.MkdirAll(dir, 0o755))

	// A snapshot written by an older version, missing most fields.
	sparse := `{"plan":{"id":"p1","request_id":"r1","tasks":[{"id":"a"}],"parallel_groups":[["a"]]}}`
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "execution-state.json"), []byte(sparse), 0o644))

	store := statestore.NewFileStore(root)
	loaded, err := store.Load("proj")
	assert.NoError(t, err)
	assert.Equal(t, models.StateVersion, loaded.Version)
	assert.Equal(t, "p1", loaded.PlanID)
	assert.Equal(t, "r1", loaded.RequestID)
	assert.NotNil(t, loaded.Completed)
	assert.NotNil(t, loaded.Failed)
	assert.NotNil(t, loaded.Skipped)
	assert.Equal(t, 0, loaded.GroupIndex)
}

func TestFileStoreAtomicWrite(t *testing.T) {
	root := t.TempDir()
	store := statestore.NewFileStore(root)

	assert.NoError(t, store.Save("proj", sampleState()))

	// No temp file left behind after a successful save.
	entries, err := os.ReadDir(filepath.Join(root, "proj"))
	assert.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, "execution-state.json", entries[0].Name())
}

func TestFileStoreListProjects(t *testing.T) {
	store := statestore.NewFileStore(t.TempDir())

	projects, err := store.ListProjects()
	assert.NoError(t, err)
	assert.Empty(t, projects)

	assert.NoError(t, store.Save("alpha", sampleState()))
	assert.NoError(t, store.Save("beta", sampleState()))

	projects, err = store.ListProjects()
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"alpha", "beta"}, projects)
}

func TestFileStoreListProjectsMissingRoot(t *testing.T) {
	store := statestore.NewFileStore(filepath.Join(t.TempDir(), "never-created"))
	projects, err := store.ListProjects()
	assert.NoError(t, err)
	assert.Empty(t, projects)
}
