// Package worktree manages per-task isolated git worktrees: creation with
// health-checked reuse, base provenance, scoped diffs, conflict-safe merges
// and removal.
//
// Workspaces live under <repo>/<ScratchDir>/<taskID>; the scratch directory
// is listed in the repository's info/exclude so it never shows up as an
// untracked change in the source tree.
package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	apperrors "github.com/benodiwal/medusa/internal/common/errors"
	"github.com/benodiwal/medusa/internal/common/logger"
)

// Manager opens repositories and serializes git operations per repository.
type Manager struct {
	config Config
	logger *logger.Logger

	repoLocks  map[string]chan struct{}
	repoLockMu sync.Mutex
}

// NewManager creates a new worktree manager.
func NewManager(cfg Config, log *logger.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		config:    cfg,
		logger:    log.WithComponent("worktree-manager"),
		repoLocks: make(map[string]chan struct{}),
	}, nil
}

// Config returns the validated configuration.
func (m *Manager) Config() Config { return m.config }

// BranchName returns the branch name assigned to taskID.
func (m *Manager) BranchName(taskID string) string { return m.config.BranchName(taskID) }

// Open returns a handle on the repository containing repoPath. It fails
// with *errors.RepositoryError when repoPath is not inside a git work tree.
func (m *Manager) Open(ctx context.Context, repoPath string) (*Repo, error) {
	if repoPath == "" {
		return nil, &apperrors.RepositoryError{Path: repoPath, Err: fmt.Errorf("empty path")}
	}
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, &apperrors.RepositoryError{Path: repoPath, Err: err}
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, &apperrors.RepositoryError{Path: repoPath, Err: err}
	}
	if !info.IsDir() {
		return nil, &apperrors.RepositoryError{Path: repoPath, Err: fmt.Errorf("not a directory")}
	}

	out, err := m.git(ctx, abs, "rev-parse", "--show-toplevel")
	if err != nil {
		return nil, &apperrors.RepositoryError{Path: repoPath, Err: fmt.Errorf("%s", stderrOf(err))}
	}
	root := strings.TrimSpace(out)

	commonDir, err := m.git(ctx, root, "rev-parse", "--git-common-dir")
	if err != nil {
		return nil, &apperrors.RepositoryError{Path: repoPath, Err: fmt.Errorf("%s", stderrOf(err))}
	}
	gitDir := strings.TrimSpace(commonDir)
	if !filepath.IsAbs(gitDir) {
		gitDir = filepath.Join(root, gitDir)
	}

	return &Repo{
		m:       m,
		root:    root,
		gitDir:  gitDir,
		scratch: filepath.Join(root, filepath.FromSlash(m.config.ScratchDir)),
		logger:  m.logger.WithFields(zap.String("repo", root)),
	}, nil
}

// lockRepo serializes mutating git operations on one repository. It gives
// up with *errors.LockError when ctx ends first.
func (m *Manager) lockRepo(ctx context.Context, root string) (func(), error) {
	m.repoLockMu.Lock()
	ch, ok := m.repoLocks[root]
	if !ok {
		ch = make(chan struct{}, 1)
		m.repoLocks[root] = ch
	}
	m.repoLockMu.Unlock()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, &apperrors.LockError{Resource: root, Err: ctx.Err()}
	}
}

// IsValidWorkspace reports whether path is a usable git work tree.
func (m *Manager) IsValidWorkspace(ctx context.Context, path string) bool {
	return IsValidWorkspace(ctx, path)
}

// RemoveWorkspace removes taskID's workspace from the repository at repoPath.
func (m *Manager) RemoveWorkspace(ctx context.Context, repoPath, taskID string) error {
	repo, err := m.Open(ctx, repoPath)
	if err != nil {
		return err
	}
	return repo.Remove(ctx, taskID)
}
