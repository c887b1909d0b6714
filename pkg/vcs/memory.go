package vcs

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// MemoryClient is an in-memory Client used by scheduler tests and examples.
// Each branch is a full snapshot of file contents; a merge applies the
// worker's edits three-way against the branch's fork snapshot and reports a
// conflict when both sides changed the same file in different ways.
type MemoryClient struct {
	mu       sync.Mutex
	branches map[string]map[string]string // branch -> path -> content
	refs     map[string]map[string]string // fork ref -> frozen snapshot
	forks    map[string]map[string]string // branch -> its fork snapshot
	commits  map[string]int
	nextRef  int
}

func NewMemoryClient(defaultBranch string) *MemoryClient {
	return &MemoryClient{
		branches: map[string]map[string]string{defaultBranch: {}},
		refs:     make(map[string]map[string]string),
		forks:    make(map[string]map[string]string),
		commits:  make(map[string]int),
	}
}

// SeedFile writes a file directly onto a branch, bypassing commits. Intended
// for test setup only.
func (m *MemoryClient) SeedFile(branch, path, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.branches[branch] == nil {
		m.branches[branch] = make(map[string]string)
	}
	m.branches[branch][path] = content
}

func (m *MemoryClient) CreateBranch(ctx context.Context, name, from string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	base, ok := m.branches[from]
	if !ok {
		return "", errors.Wrapf(ErrBranchNotFound, "create %s from %s", name, from)
	}
	if _, exists := m.branches[name]; exists {
		return "", errors.Errorf("branch %s already exists", name)
	}

	m.branches[name] = copyFiles(base)
	m.nextRef++
	ref := fmt.Sprintf("ref-%d", m.nextRef)
	m.refs[ref] = copyFiles(base)
	m.forks[name] = m.refs[ref]
	m.commits[name] = 0
	return ref, nil
}

func (m *MemoryClient) DeleteBranch(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.branches[name]; !ok {
		return errors.Wrap(ErrBranchNotFound, name)
	}
	delete(m.branches, name)
	delete(m.forks, name)
	delete(m.commits, name)
	return nil
}

func (m *MemoryClient) Commit(ctx context.Context, branch, message string, changes []FileChange) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	files, ok := m.branches[branch]
	if !ok {
		return errors.Wrap(ErrBranchNotFound, branch)
	}
	for _, ch := range changes {
		files[ch.Path] = ch.Content
	}
	m.commits[branch]++
	return nil
}

func (m *MemoryClient) Merge(ctx context.Context, from, into string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.branches[from]
	if !ok {
		return errors.Wrap(ErrBranchNotFound, from)
	}
	dst, ok := m.branches[into]
	if !ok {
		return errors.Wrap(ErrBranchNotFound, into)
	}
	base := m.forkSnapshotLocked(from)

	var conflicts []string
	applied := make(map[string]string)
	for path, srcContent := range src {
		baseContent, inBase := base[path]
		if inBase && srcContent == baseContent {
			continue // untouched by the worker
		}
		dstContent, inDst := dst[path]
		dstChanged := (inDst && (!inBase || dstContent != baseContent)) || (!inDst && inBase)
		if dstChanged && dstContent != srcContent {
			conflicts = append(conflicts, path)
			continue
		}
		applied[path] = srcContent
	}

	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return &ConflictError{From: from, Into: into, Files: conflicts}
	}

	for path, content := range applied {
		dst[path] = content
	}
	m.commits[into]++
	// The merge advances the common ancestor of the two branches, so refresh
	// the source branch's fork snapshot to the new integration state.
	if _, ok := m.forks[from]; ok {
		m.forks[from] = copyFiles(dst)
	}
	return nil
}

func (m *MemoryClient) Reset(ctx context.Context, branch, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.branches[branch]; !ok {
		return errors.Wrap(ErrBranchNotFound, branch)
	}
	snap, ok := m.refs[ref]
	if !ok {
		return errors.Errorf("unknown ref %s", ref)
	}
	m.branches[branch] = copyFiles(snap)
	m.commits[branch] = 0
	return nil
}

func (m *MemoryClient) ReadFile(ctx context.Context, branch, path string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	files, ok := m.resolveLocked(branch)
	if !ok {
		return "", errors.Wrap(ErrBranchNotFound, branch)
	}
	content, ok := files[path]
	if !ok {
		return "", errors.Wrapf(ErrFileNotFound, "%s on %s", path, branch)
	}
	return content, nil
}

func (m *MemoryClient) ChangedFiles(ctx context.Context, branch, ref string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	files, ok := m.branches[branch]
	if !ok {
		return nil, errors.Wrap(ErrBranchNotFound, branch)
	}
	base, ok := m.resolveLocked(ref)
	if !ok {
		return nil, errors.Errorf("unknown ref %s", ref)
	}

	changed := make([]string, 0)
	for path, content := range files {
		if baseContent, inBase := base[path]; !inBase || baseContent != content {
			changed = append(changed, path)
		}
	}
	for path := range base {
		if _, still := files[path]; !still {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed, nil
}

func (m *MemoryClient) CommitCount(ctx context.Context, branch, ref string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.branches[branch]; !ok {
		return 0, errors.Wrap(ErrBranchNotFound, branch)
	}
	return m.commits[branch], nil
}

func (m *MemoryClient) Branches(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.branches))
	for name := range m.branches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// resolveLocked resolves a branch name or fork ref to its file map.
func (m *MemoryClient) resolveLocked(nameOrRef string) (map[string]string, bool) {
	if files, ok := m.branches[nameOrRef]; ok {
		return files, true
	}
	if snap, ok := m.refs[nameOrRef]; ok {
		return snap, true
	}
	return nil, false
}

// forkSnapshotLocked returns the snapshot recorded when the branch was
// created, or an empty map if the branch was never forked.
func (m *MemoryClient) forkSnapshotLocked(branch string) map[string]string {
	if snap, ok := m.forks[branch]; ok {
		return snap
	}
	return map[string]string{}
}

func copyFiles(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
