package worktree

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	apperrors "github.com/benodiwal/medusa/internal/common/errors"
)

// Merge checks out targetBranch in the source repository and merges
// taskBranch into it with a merge commit. On conflict the merge is aborted,
// leaving the repository as it was, and *errors.MergeConflictError lists
// the conflicting files.
func (r *Repo) Merge(ctx context.Context, taskBranch, targetBranch string) error {
	if !IsValidBranchName(taskBranch) {
		return fmt.Errorf("invalid branch name %q", taskBranch)
	}
	if !IsValidBranchName(targetBranch) {
		return fmt.Errorf("invalid branch name %q", targetBranch)
	}

	unlock, err := r.m.lockRepo(ctx, r.root)
	if err != nil {
		return err
	}
	defer unlock()

	log := r.logger.WithFields(zap.String("task_branch", taskBranch), zap.String("target_branch", targetBranch))

	if _, err := r.m.git(ctx, r.root, "checkout", targetBranch); err != nil {
		return fmt.Errorf("checkout %s: %w", targetBranch, err)
	}

	if _, mergeErr := r.m.git(ctx, r.root, "merge", "--no-ff", "--no-commit", taskBranch); mergeErr != nil {
		files := r.conflictedFiles(ctx)
		r.abortMerge(ctx)
		if len(files) > 0 {
			log.Warn("merge conflicts, aborted", zap.Strings("files", files))
			return apperrors.NewMergeConflictError(taskBranch, targetBranch, files)
		}
		return fmt.Errorf("merge %s into %s: %w", taskBranch, targetBranch, mergeErr)
	}

	if !r.mergeInProgress(ctx) {
		log.Info("nothing to merge, target already contains task branch")
		return nil
	}

	msg := fmt.Sprintf("Merge branch '%s' into %s", taskBranch, targetBranch)
	if _, err := r.m.git(ctx, r.root, "commit", "--no-verify", "-m", msg); err != nil {
		r.abortMerge(ctx)
		return fmt.Errorf("commit merge of %s: %w", taskBranch, err)
	}

	log.Info("merged task branch")
	return nil
}

func (r *Repo) conflictedFiles(ctx context.Context) []string {
	out, err := r.m.git(ctx, r.root, "-c", "core.quotePath=false", "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		r.logger.Warn("failed to list conflicted files", zap.Error(err))
		return nil
	}
	files := splitLines(out)
	sort.Strings(files)
	return files
}

func (r *Repo) mergeInProgress(ctx context.Context) bool {
	_, err := r.m.git(ctx, r.root, "rev-parse", "-q", "--verify", "MERGE_HEAD")
	return err == nil
}

// abortMerge restores the pre-merge state, falling back to reset --merge.
func (r *Repo) abortMerge(ctx context.Context) {
	if !r.mergeInProgress(ctx) {
		return
	}
	if _, err := r.m.git(context.WithoutCancel(ctx), r.root, "merge", "--abort"); err != nil {
		r.logger.Warn("merge --abort failed, resetting", zap.String("output", stderrOf(err)))
		if _, err := r.m.git(context.WithoutCancel(ctx), r.root, "reset", "--merge"); err != nil {
			r.logger.Error("failed to reset merge state", zap.Error(err))
		}
	}
}
