package worktree

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// HasUncommittedChanges reports whether the task workspace has staged,
// unstaged or untracked changes.
func (r *Repo) HasUncommittedChanges(ctx context.Context, taskID string) (bool, error) {
	dir, err := r.workspace(taskID)
	if err != nil {
		return false, err
	}
	out, err := r.m.git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("status of workspace %s: %w", taskID, err)
	}
	return strings.TrimSpace(out) != "", nil
}

// CommitAll stages everything in the task workspace and commits it.
func (r *Repo) CommitAll(ctx context.Context, taskID, message string) error {
	dir, err := r.workspace(taskID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("commit message is required")
	}
	if _, err := r.m.git(ctx, dir, "add", "-A"); err != nil {
		return fmt.Errorf("stage changes in workspace %s: %w", taskID, err)
	}
	if _, err := r.m.git(ctx, dir, "commit", "--no-verify", "-m", message); err != nil {
		return fmt.Errorf("commit in workspace %s: %w", taskID, err)
	}
	r.logger.WithTaskID(taskID).Info("committed workspace changes")
	return nil
}

// AmendLastCommit rewrites the message of the task branch's last commit,
// which must come after baseCommit.
func (r *Repo) AmendLastCommit(ctx context.Context, taskID, baseCommit, message string) error {
	dir, err := r.workspace(taskID)
	if err != nil {
		return err
	}
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("commit message is required")
	}
	commits, err := r.CommitsSince(ctx, taskID, baseCommit)
	if err != nil {
		return err
	}
	if len(commits) == 0 {
		return fmt.Errorf("task %s has no commits to amend", taskID)
	}
	if _, err := r.m.git(ctx, dir, "commit", "--amend", "--no-verify", "--only", "-m", message); err != nil {
		return fmt.Errorf("amend commit in workspace %s: %w", taskID, err)
	}
	r.logger.WithTaskID(taskID).Info("amended last commit", zap.String("previous", commits[0].ShortHash))
	return nil
}
