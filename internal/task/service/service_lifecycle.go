package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/benodiwal/medusa/internal/agent/session"
	apperrors "github.com/benodiwal/medusa/internal/common/errors"
	"github.com/benodiwal/medusa/internal/common/logger"
	"github.com/benodiwal/medusa/internal/task/models"
	"github.com/benodiwal/medusa/internal/worktree"
)

// StartAgent moves a Backlog or InProgress task to InProgress with a live
// agent in its workspace. The base provenance is captured from the source
// repository before the workspace is created and is never recaptured for a
// task that already has one. If the agent fails to start the task keeps
// its previous status.
func (s *Service) StartAgent(ctx context.Context, taskID string) (_ *models.Task, err error) {
	ctx, end, err := s.begin(ctx, "StartAgent", taskID)
	if err != nil {
		return nil, err
	}
	defer end(&err)

	task, err := s.loadMutable(ctx, taskID, "start agent")
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusBacklog && task.Status != models.TaskStatusInProgress {
		return nil, &apperrors.InvalidStateError{TaskID: taskID, Op: "start agent", Status: string(task.Status)}
	}
	log := s.logger.WithContext(ctx).WithTaskID(taskID)

	repo, err := s.openRepo(ctx, task)
	if err != nil {
		return nil, err
	}

	baseCommit, baseBranch := models.Deref(task.BaseCommit), models.Deref(task.BaseBranch)
	if baseCommit == "" {
		prov, err := repo.CaptureBaseProvenance(ctx)
		if err != nil {
			return nil, err
		}
		baseCommit, baseBranch = prov.Commit, prov.Branch
	}

	branch := models.Deref(task.Branch)
	if branch == "" {
		branch = s.worktrees.BranchName(taskID)
	}
	// A branch left by an earlier failed start forked from an older HEAD;
	// reusing it would put upstream commits inside the task's diff.
	if models.Deref(task.BaseCommit) == "" && task.StartedAt == nil && !repo.Exists(taskID) {
		if err := repo.DeleteBranch(ctx, branch); err != nil {
			log.Warn("failed to delete stale task branch", zap.String("branch", branch), zap.Error(err))
		}
	}
	workspace, err := repo.Create(ctx, taskID, branch)
	if err != nil {
		return nil, err
	}

	handle, err := s.agents.Start(ctx, session.StartRequest{
		TaskID:        taskID,
		RepoPath:      task.ProjectPath,
		WorkspacePath: workspace,
		Branch:        branch,
		BaseCommit:    baseCommit,
		BaseBranch:    baseBranch,
		InitialPrompt: initialPrompt(task),
	})
	if err != nil {
		// The session manager has already removed the workspace.
		if task.WorktreePath != nil {
			task.WorktreePath = nil
			task.AgentPID = nil
			if saveErr := s.save(ctx, task); saveErr != nil {
				log.Warn("failed to record failed start", zap.Error(saveErr))
			}
		}
		return nil, err
	}

	now := s.now()
	task.Status = models.TaskStatusInProgress
	task.Branch = models.StringPtr(branch)
	task.WorktreePath = models.StringPtr(workspace)
	task.BaseCommit = models.StringPtr(baseCommit)
	task.BaseBranch = models.StringPtr(baseBranch)
	pid := handle.PID
	task.AgentPID = &pid
	if handle.SessionID != "" {
		task.SessionID = models.StringPtr(handle.SessionID)
	}
	if task.StartedAt == nil {
		task.StartedAt = &now
	}
	task.CompletedAt = nil
	if err := s.save(ctx, task); err != nil {
		return nil, err
	}

	log.Info("agent started for task",
		zap.String("branch", branch),
		zap.String("base_commit", baseCommit),
		zap.Bool("resumed", handle.Resumed))
	return task, nil
}

// SendMessage forwards text to the task's running agent.
func (s *Service) SendMessage(ctx context.Context, taskID, text string) (err error) {
	ctx, end, err := s.begin(ctx, "SendMessage", taskID)
	if err != nil {
		return err
	}
	defer end(&err)

	if _, err := s.loadMutable(ctx, taskID, "send message"); err != nil {
		return err
	}
	return s.agents.SendMessage(ctx, taskID, text)
}

// StopAgent stops the task's agent. The workspace is kept.
func (s *Service) StopAgent(ctx context.Context, taskID string) (_ *models.Task, err error) {
	ctx, end, err := s.begin(ctx, "StopAgent", taskID)
	if err != nil {
		return nil, err
	}
	defer end(&err)

	task, err := s.loadMutable(ctx, taskID, "stop agent")
	if err != nil {
		return nil, err
	}
	if err := s.agents.Stop(ctx, taskID); err != nil {
		return nil, err
	}
	task.AgentPID = nil
	if err := s.save(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// CleanupAgent stops the task's agent and removes its workspace. The task
// branch survives, so a later StartAgent picks the work back up.
func (s *Service) CleanupAgent(ctx context.Context, taskID string) (_ *models.Task, err error) {
	ctx, end, err := s.begin(ctx, "CleanupAgent", taskID)
	if err != nil {
		return nil, err
	}
	defer end(&err)

	task, err := s.loadMutable(ctx, taskID, "cleanup agent")
	if err != nil {
		return nil, err
	}
	if err := s.agents.Cleanup(ctx, taskID, task.ProjectPath); err != nil {
		return nil, err
	}
	task.AgentPID = nil
	task.WorktreePath = nil
	if err := s.save(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// SendToReview moves an InProgress task to Review. The agent is stopped and
// any uncommitted work is committed, by the agent itself when it can and by
// a direct commit otherwise. The changed files and summary are recorded.
func (s *Service) SendToReview(ctx context.Context, taskID string) (_ *models.Task, err error) {
	ctx, end, err := s.begin(ctx, "SendToReview", taskID)
	if err != nil {
		return nil, err
	}
	defer end(&err)

	task, err := s.loadMutable(ctx, taskID, "send to review")
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusInProgress {
		return nil, &apperrors.InvalidStateError{TaskID: taskID, Op: "send to review", Status: string(task.Status)}
	}
	log := s.logger.WithContext(ctx).WithTaskID(taskID)

	if err := s.agents.Stop(ctx, taskID); err != nil {
		log.Warn("failed to stop agent before review", zap.Error(err))
	}
	task.AgentPID = nil

	repo, err := s.openRepo(ctx, task)
	if err != nil {
		return nil, err
	}
	if repo.Exists(taskID) {
		dirty, err := repo.HasUncommittedChanges(ctx, taskID)
		if err != nil {
			return nil, err
		}
		if dirty {
			if err := s.commitPending(ctx, repo, task, log); err != nil {
				return nil, err
			}
		}
		s.captureChanges(ctx, repo, task, log)
	}

	task.Status = models.TaskStatusReview
	if err := s.save(ctx, task); err != nil {
		return nil, err
	}
	log.Info("task sent to review", zap.Int("files_changed", len(task.FilesChanged)))
	return task, nil
}

// commitPending asks the agent to commit the workspace and falls back to
// committing everything itself when the agent fails or leaves changes behind.
func (s *Service) commitPending(ctx context.Context, repo *worktree.Repo, task *models.Task, log *logger.Logger) error {
	workspace := repo.WorkspacePath(task.ID)
	if _, err := s.agents.RunOneShot(ctx, workspace, commitPrompt(task)); err != nil {
		log.Warn("agent commit failed, committing directly", zap.Error(err))
	} else {
		dirty, err := repo.HasUncommittedChanges(ctx, task.ID)
		if err == nil && !dirty {
			log.Info("agent committed pending changes")
			return nil
		}
		log.Warn("agent left uncommitted changes, committing directly", zap.Error(err))
	}
	if err := repo.CommitAll(ctx, task.ID, fallbackCommitMessage(task)); err != nil {
		return fmt.Errorf("commit pending changes: %w", err)
	}
	return nil
}

// captureChanges records the changed files and summary while the workspace
// still exists.
func (s *Service) captureChanges(ctx context.Context, repo *worktree.Repo, task *models.Task, log *logger.Logger) {
	base := models.Deref(task.BaseCommit)
	if files, err := repo.DiffAllChanges(ctx, task.ID, base); err != nil {
		log.Warn("failed to list changed files", zap.Error(err))
	} else {
		task.FilesChanged = files
	}
	if summary, err := repo.Summary(ctx, task.ID, base); err != nil {
		log.Warn("failed to summarize changes", zap.Error(err))
	} else {
		task.DiffSummary = models.StringPtr(summary)
	}
}

// Merge reintegrates a Review task into its base branch and marks it Done.
// On conflict the target is left untouched and the task stays in Review.
func (s *Service) Merge(ctx context.Context, taskID string) (_ *models.Task, err error) {
	ctx, end, err := s.begin(ctx, "Merge", taskID)
	if err != nil {
		return nil, err
	}
	defer end(&err)

	task, err := s.loadMutable(ctx, taskID, "merge")
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusReview {
		return nil, &apperrors.InvalidStateError{TaskID: taskID, Op: "merge", Status: string(task.Status)}
	}
	log := s.logger.WithContext(ctx).WithTaskID(taskID)

	repo, err := s.openRepo(ctx, task)
	if err != nil {
		return nil, err
	}

	target := models.Deref(task.BaseBranch)
	if target == "" {
		// Tasks recorded before base branches were tracked merge into
		// whatever the source repository has checked out.
		target, err = repo.CurrentBranch(ctx)
		if err != nil {
			return nil, err
		}
		log.Warn("task has no recorded base branch, merging into current branch", zap.String("target", target))
	}
	branch := models.Deref(task.Branch)
	if branch == "" {
		branch = s.worktrees.BranchName(taskID)
	}

	if repo.Exists(taskID) {
		s.captureChanges(ctx, repo, task, log)
	}
	if err := s.agents.Stop(ctx, taskID); err != nil {
		log.Warn("failed to stop agent before merge", zap.Error(err))
	}

	if err := repo.Merge(ctx, branch, target); err != nil {
		return nil, err
	}

	if err := repo.Remove(ctx, taskID); err != nil {
		log.Warn("failed to remove workspace after merge", zap.Error(err))
	}
	if err := repo.DeleteBranch(ctx, branch); err != nil {
		log.Warn("failed to delete task branch after merge", zap.String("branch", branch), zap.Error(err))
	}
	s.agents.Forget(taskID)

	now := s.now()
	task.Status = models.TaskStatusDone
	task.CompletedAt = &now
	task.WorktreePath = nil
	task.AgentPID = nil
	task.BaseBranch = models.StringPtr(target)
	if err := s.save(ctx, task); err != nil {
		return nil, err
	}
	log.Info("task merged", zap.String("branch", branch), zap.String("target", target))
	return task, nil
}

// Reject returns a task to Backlog. The agent is stopped, the workspace and
// branch are removed, every execution-derived field is cleared and the
// session log is deleted.
func (s *Service) Reject(ctx context.Context, taskID string) (_ *models.Task, err error) {
	ctx, end, err := s.begin(ctx, "Reject", taskID)
	if err != nil {
		return nil, err
	}
	defer end(&err)

	task, err := s.loadMutable(ctx, taskID, "reject")
	if err != nil {
		return nil, err
	}
	log := s.logger.WithContext(ctx).WithTaskID(taskID)

	if err := s.agents.Stop(ctx, taskID); err != nil {
		log.Warn("failed to stop agent", zap.Error(err))
	}

	repo, err := s.openRepo(ctx, task)
	if err != nil {
		return nil, err
	}
	if err := repo.Remove(ctx, taskID); err != nil {
		return nil, err
	}
	if task.Branch != nil {
		if err := repo.DeleteBranch(ctx, *task.Branch); err != nil {
			log.Warn("failed to delete task branch", zap.String("branch", *task.Branch), zap.Error(err))
		}
	}
	if err := s.agents.DeleteSession(taskID); err != nil {
		return nil, fmt.Errorf("delete session: %w", err)
	}

	task.ClearExecution()
	task.Status = models.TaskStatusBacklog
	if err := s.save(ctx, task); err != nil {
		return nil, err
	}
	log.Info("task rejected")
	return task, nil
}

// AmendCommit rewrites the message of the last commit on a Review task's branch.
func (s *Service) AmendCommit(ctx context.Context, taskID, message string) (_ *models.Task, err error) {
	ctx, end, err := s.begin(ctx, "AmendCommit", taskID)
	if err != nil {
		return nil, err
	}
	defer end(&err)

	if strings.TrimSpace(message) == "" {
		return nil, fmt.Errorf("commit message is required")
	}
	task, err := s.loadMutable(ctx, taskID, "amend commit")
	if err != nil {
		return nil, err
	}
	if task.Status != models.TaskStatusReview {
		return nil, &apperrors.InvalidStateError{TaskID: taskID, Op: "amend commit", Status: string(task.Status)}
	}
	repo, err := s.openRepo(ctx, task)
	if err != nil {
		return nil, err
	}
	if err := repo.AmendLastCommit(ctx, taskID, models.Deref(task.BaseCommit), message); err != nil {
		return nil, err
	}
	s.captureChanges(ctx, repo, task, s.logger.WithContext(ctx).WithTaskID(taskID))
	if err := s.save(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

func initialPrompt(task *models.Task) string {
	if strings.TrimSpace(task.Description) == "" {
		return task.Title
	}
	return task.Title + "\n\n" + task.Description
}

func commitPrompt(task *models.Task) string {
	message := task.Title
	if line := firstLine(task.Description); line != "" {
		message += "\n\n" + line
	}
	return "Stage and commit all current changes in this repository with git. " +
		"Do not make any other changes. Use this commit message:\n\n" + message
}

func fallbackCommitMessage(task *models.Task) string {
	return fmt.Sprintf("medusa: %s (task %s)", task.Title, shortID(task.ID))
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
