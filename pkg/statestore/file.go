package statestore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ikoceski/planflow/pkg/models"
)

const stateFileName = "execution-state.json"

// FileStore keeps one JSON snapshot per project under
// <root>/<project>/execution-state.json. Writes are atomic (temp file then
// rename) so a crash mid-checkpoint never corrupts the previous snapshot.
type FileStore struct {
	root string
	mu   sync.Mutex
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: root}
}

func (f *FileStore) path(project string) string {
	return filepath.Join(f.root, project, stateFileName)
}

func (f *FileStore) Save(project string, state *models.ExecutionState) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if existing, err := f.load(project); err == nil {
		// Reject regressions: a checkpoint may only grow the terminal sets
		// for the same plan.
		if existing.PlanID == state.PlanID && existing.TerminalCount() > state.TerminalCount() {
			return ErrStaleSnapshot
		}
	}

	state.Version = models.StateVersion
	state.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal execution state")
	}

	target := f.path(project)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Wrap(err, "create state directory")
	}

	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "write temp snapshot")
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(err, "rename temp snapshot")
	}
	return nil
}

func (f *FileStore) Load(project string) (*models.ExecutionState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load(project)
}

func (f *FileStore) load(project string) (*models.ExecutionState, error) {
	data, err := os.ReadFile(f.path(project))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read snapshot")
	}

	var state models.ExecutionState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, errors.Wrap(err, "unmarshal snapshot")
	}
	state.Normalize()
	return &state, nil
}

func (f *FileStore) Has(project string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, err := os.Stat(f.path(project))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "stat snapshot")
	}
	return true, nil
}

func (f *FileStore) ListProjects() ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entries, err := os.ReadDir(f.root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read state root")
	}

	var projects []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(f.path(entry.Name())); err == nil {
			projects = append(projects, entry.Name())
		}
	}
	return projects, nil
}

func (f *FileStore) Delete(project string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.path(project))
	if os.IsNotExist(err) {
		return nil
	}
	return errors.Wrap(err, "delete snapshot")
}
