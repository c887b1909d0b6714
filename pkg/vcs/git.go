package vcs

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// GitClient implements Client by shelling out to the git binary. All
// operations run against a single working tree, so the client serializes
// them internally; true isolation between workers comes from the branches
// themselves, not from the working tree.
type GitClient struct {
	repoDir       string
	defaultBranch string
	logger        Logger

	mu sync.Mutex
}

func NewGitClient(repoDir, defaultBranch string, logger Logger) *GitClient {
	return &GitClient{
		repoDir:       repoDir,
		defaultBranch: defaultBranch,
		logger:        logger,
	}
}

func (g *GitClient) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.repoDir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), errors.Wrapf(err, "git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (g *GitClient) CreateBranch(ctx context.Context, name, from string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	forkRef, err := g.run(ctx, "rev-parse", from)
	if err != nil {
		return "", err
	}
	if _, err := g.run(ctx, "branch", name, from); err != nil {
		return "", err
	}
	g.logger.Infof("Created branch %s at %s", name, strings.TrimSpace(forkRef))
	return strings.TrimSpace(forkRef), nil
}

func (g *GitClient) DeleteBranch(ctx context.Context, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	// Never delete the branch we are standing on.
	if _, err := g.run(ctx, "checkout", g.defaultBranch); err != nil {
		return err
	}
	if out, err := g.run(ctx, "branch", "-D", name); err != nil {
		if strings.Contains(out, "not found") {
			return errors.Wrap(ErrBranchNotFound, name)
		}
		return err
	}
	return nil
}

func (g *GitClient) Commit(ctx context.Context, branch, message string, changes []FileChange) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.run(ctx, "checkout", branch); err != nil {
		return err
	}
	for _, ch := range changes {
		path := filepath.Join(g.repoDir, ch.Path)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return errors.Wrapf(err, "mkdir for %s", ch.Path)
		}
		if err := os.WriteFile(path, []byte(ch.Content), 0o644); err != nil {
			return errors.Wrapf(err, "write %s", ch.Path)
		}
	}
	if _, err := g.run(ctx, "add", "-A"); err != nil {
		return err
	}
	if _, err := g.run(ctx, "commit", "--allow-empty", "-m", message); err != nil {
		return err
	}
	return nil
}

func (g *GitClient) Merge(ctx context.Context, from, into string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.run(ctx, "checkout", into); err != nil {
		return err
	}
	if _, err := g.run(ctx, "merge", "--no-ff", from, "-m", "merge "+from); err == nil {
		return nil
	}

	// The merge did not apply cleanly; collect the unmerged paths and
	// restore the integration branch before reporting.
	out, filesErr := g.run(ctx, "diff", "--name-only", "--diff-filter=U")
	var files []string
	if filesErr == nil {
		for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
			if line != "" {
				files = append(files, line)
			}
		}
	}
	if _, abortErr := g.run(ctx, "merge", "--abort"); abortErr != nil {
		g.logger.Errorf("Failed to abort conflicted merge of %s into %s: %v", from, into, abortErr)
	}
	return &ConflictError{From: from, Into: into, Files: files}
}

func (g *GitClient) Reset(ctx context.Context, branch, ref string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, err := g.run(ctx, "checkout", branch); err != nil {
		return err
	}
	if _, err := g.run(ctx, "reset", "--hard", ref); err != nil {
		return err
	}
	return nil
}

func (g *GitClient) ReadFile(ctx context.Context, branch, path string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	out, err := g.run(ctx, "show", branch+":"+path)
	if err != nil {
		if strings.Contains(out, "does not exist") || strings.Contains(out, "exists on disk, but not in") {
			return "", errors.Wrapf(ErrFileNotFound, "%s on %s", path, branch)
		}
		return "", err
	}
	return out, nil
}

func (g *GitClient) ChangedFiles(ctx context.Context, branch, ref string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	out, err := g.run(ctx, "diff", "--name-only", ref, branch)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

func (g *GitClient) CommitCount(ctx context.Context, branch, ref string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	out, err := g.run(ctx, "rev-list", "--count", ref+".."+branch)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(out))
}

func (g *GitClient) Branches(ctx context.Context) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	out, err := g.run(ctx, "branch", "--format=%(refname:short)")
	if err != nil {
		return nil, err
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}
