package worktree

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/benodiwal/medusa/internal/common/errors"
	"github.com/benodiwal/medusa/internal/common/logger"
)

// Provenance is the source repository state a task workspace was forked from.
type Provenance struct {
	Commit string `json:"commit"`
	Branch string `json:"branch"`
}

// Repo is a handle on one source repository.
type Repo struct {
	m       *Manager
	root    string
	gitDir  string
	scratch string
	logger  *logger.Logger
}

// Root returns the repository's top-level directory.
func (r *Repo) Root() string { return r.root }

// WorkspacePath returns where taskID's workspace lives, whether or not it exists.
func (r *Repo) WorkspacePath(taskID string) string {
	return filepath.Join(r.scratch, taskID)
}

// Exists reports whether taskID's workspace directory is present.
func (r *Repo) Exists(taskID string) bool {
	info, err := os.Stat(r.WorkspacePath(taskID))
	return err == nil && info.IsDir()
}

// CaptureBaseProvenance reads the source repository's HEAD commit and
// branch. Call it before Create so the base is the tip the task forked from.
func (r *Repo) CaptureBaseProvenance(ctx context.Context) (Provenance, error) {
	commit, err := r.m.git(ctx, r.root, "rev-parse", "HEAD")
	if err != nil {
		return Provenance{}, fmt.Errorf("read HEAD of %s: %w", r.root, err)
	}
	branch, err := r.CurrentBranch(ctx)
	if err != nil {
		return Provenance{}, err
	}
	return Provenance{Commit: strings.TrimSpace(commit), Branch: branch}, nil
}

// CurrentBranch returns the branch checked out in the source repository.
func (r *Repo) CurrentBranch(ctx context.Context) (string, error) {
	out, err := r.m.git(ctx, r.root, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("read current branch of %s: %w", r.root, err)
	}
	return strings.TrimSpace(out), nil
}

// Create returns a healthy workspace for taskID on branch, reusing an
// existing healthy one and replacing an unhealthy one. New workspaces are
// rooted at the source repository's current HEAD.
func (r *Repo) Create(ctx context.Context, taskID, branch string) (string, error) {
	if !validTaskID(taskID) {
		return "", fmt.Errorf("invalid task id %q", taskID)
	}
	if !IsValidBranchName(branch) {
		return "", fmt.Errorf("invalid branch name %q", branch)
	}

	unlock, err := r.m.lockRepo(ctx, r.root)
	if err != nil {
		return "", err
	}
	defer unlock()

	log := r.logger.WithTaskID(taskID)
	if err := r.ensureScratch(); err != nil {
		return "", err
	}

	path := r.WorkspacePath(taskID)
	if r.Exists(taskID) {
		if r.IsHealthy(ctx, path) {
			log.Info("reusing existing worktree", zap.String("path", path))
			return path, nil
		}
		log.Warn("worktree is unhealthy, recreating", zap.String("path", path))
		r.removeDir(ctx, path)
	}

	// Drop registrations whose directories were deleted out from under git.
	if _, err := r.m.git(ctx, r.root, "worktree", "prune"); err != nil {
		log.Debug("worktree prune failed", zap.Error(err))
	}

	_, addErr := r.m.git(ctx, r.root, "worktree", "add", "-b", branch, path, "HEAD")
	if addErr != nil {
		log.Info("worktree add with new branch failed, retrying with existing branch",
			zap.String("branch", branch),
			zap.String("output", stderrOf(addErr)))

		if _, err := r.m.git(ctx, r.root, "worktree", "add", path, branch); err != nil {
			output := stderrOf(addErr) + "\n" + stderrOf(err)
			log.Error("failed to create worktree", zap.String("output", output))
			return "", &apperrors.WorktreeCreationError{TaskID: taskID, Branch: branch, Output: output, Err: err}
		}
	}

	log.Info("created worktree", zap.String("path", path), zap.String("branch", branch))
	return path, nil
}

// IsHealthy reports whether path is a usable linked worktree: the directory
// exists, its .git file points at a gitdir, and git status succeeds in it.
func (r *Repo) IsHealthy(ctx context.Context, path string) bool {
	return IsValidWorkspace(ctx, path)
}

// IsValidWorkspace is IsHealthy without a repository handle.
func IsValidWorkspace(ctx context.Context, path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return false
	}
	data, err := os.ReadFile(filepath.Join(path, ".git"))
	if err != nil || !strings.HasPrefix(strings.TrimSpace(string(data)), "gitdir:") {
		return false
	}
	cmd := gitCommand(ctx, path, "status", "--porcelain")
	return cmd.Run() == nil
}

// Remove deletes taskID's workspace. It is a no-op when the workspace is absent.
func (r *Repo) Remove(ctx context.Context, taskID string) error {
	if !validTaskID(taskID) {
		return fmt.Errorf("invalid task id %q", taskID)
	}
	unlock, err := r.m.lockRepo(ctx, r.root)
	if err != nil {
		return err
	}
	defer unlock()

	path := r.WorkspacePath(taskID)
	if !r.Exists(taskID) {
		return nil
	}
	r.removeDir(ctx, path)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("failed to remove worktree %s", path)
	}
	r.logger.WithTaskID(taskID).Info("removed worktree", zap.String("path", path))
	return nil
}

// removeDir force-removes a worktree, falling back to deleting the
// directory and pruning git's registration.
func (r *Repo) removeDir(ctx context.Context, path string) {
	_, err := r.m.git(ctx, r.root, "worktree", "remove", "--force", path)
	if err == nil {
		return
	}
	r.logger.Debug("git worktree remove failed, deleting directory",
		zap.String("path", path), zap.String("output", stderrOf(err)))
	if err := os.RemoveAll(path); err != nil {
		r.logger.Warn("failed to delete worktree directory", zap.String("path", path), zap.Error(err))
	}
	if _, err := r.m.git(ctx, r.root, "worktree", "prune"); err != nil {
		r.logger.Warn("worktree prune failed", zap.Error(err))
	}
}

// DeleteBranch deletes branch from the source repository. A branch that
// does not exist counts as deleted.
func (r *Repo) DeleteBranch(ctx context.Context, branch string) error {
	if !IsValidBranchName(branch) {
		return fmt.Errorf("invalid branch name %q", branch)
	}
	unlock, err := r.m.lockRepo(ctx, r.root)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := r.m.git(ctx, r.root, "branch", "-D", branch); err != nil {
		if strings.Contains(stderrOf(err), "not found") {
			return nil
		}
		return fmt.Errorf("delete branch %s: %w", branch, err)
	}
	r.logger.Info("deleted branch", zap.String("branch", branch))
	return nil
}

// Reconcile removes workspaces under the scratch directory whose task id
// is not in keep, then prunes stale registrations. It returns the removed ids.
func (r *Repo) Reconcile(ctx context.Context, keep map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(r.scratch)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read scratch dir: %w", err)
	}

	var removed []string
	for _, e := range entries {
		if !e.IsDir() || keep[e.Name()] || !validTaskID(e.Name()) {
			continue
		}
		if err := r.Remove(ctx, e.Name()); err != nil {
			r.logger.Warn("failed to remove orphaned worktree", zap.String("task_id", e.Name()), zap.Error(err))
			continue
		}
		removed = append(removed, e.Name())
	}
	if _, err := r.m.git(ctx, r.root, "worktree", "prune"); err != nil {
		r.logger.Warn("worktree prune failed", zap.Error(err))
	}
	return removed, nil
}

// ensureScratch creates the scratch directory and adds it to info/exclude.
func (r *Repo) ensureScratch() error {
	if err := os.MkdirAll(r.scratch, 0o755); err != nil {
		return fmt.Errorf("create scratch dir: %w", err)
	}

	pattern := "/" + strings.Trim(filepath.ToSlash(r.m.config.ScratchDir), "/") + "/"
	excludePath := filepath.Join(r.gitDir, "info", "exclude")

	if f, err := os.Open(excludePath); err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			if strings.TrimSpace(scanner.Text()) == pattern {
				_ = f.Close()
				return nil
			}
		}
		_ = f.Close()
	}

	if err := os.MkdirAll(filepath.Dir(excludePath), 0o755); err != nil {
		return fmt.Errorf("create info dir: %w", err)
	}
	f, err := os.OpenFile(excludePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", excludePath, err)
	}
	defer func() { _ = f.Close() }()
	if _, err := fmt.Fprintf(f, "\n# medusa task workspaces\n%s\n", pattern); err != nil {
		return fmt.Errorf("write %s: %w", excludePath, err)
	}
	return nil
}
