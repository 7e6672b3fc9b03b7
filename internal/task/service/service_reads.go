package service

import (
	"context"

	"github.com/benodiwal/medusa/internal/task/models"
)

// Output returns the task's session transcript.
func (s *Service) Output(ctx context.Context, taskID string) ([]string, error) {
	if _, err := s.repo.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return s.agents.Output(taskID)
}

// ChangedFiles lists every file the task changed since its base commit,
// including untracked new files. Once the workspace is gone the list
// recorded at review or merge is returned.
func (s *Service) ChangedFiles(ctx context.Context, taskID string) ([]string, error) {
	task, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	repo, err := s.openRepo(ctx, task)
	if err != nil {
		return nil, err
	}
	if !repo.Exists(taskID) {
		return task.FilesChanged, nil
	}
	return repo.DiffAllChanges(ctx, taskID, models.Deref(task.BaseCommit))
}

// FileDiff returns the patch of one file against the task's base commit.
func (s *Service) FileDiff(ctx context.Context, taskID, file string) (string, error) {
	task, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return "", err
	}
	repo, err := s.openRepo(ctx, task)
	if err != nil {
		return "", err
	}
	return repo.FileDiff(ctx, taskID, file, models.Deref(task.BaseCommit))
}

// HasUncommittedChanges reports whether the task's workspace is dirty. A
// task without a workspace has none.
func (s *Service) HasUncommittedChanges(ctx context.Context, taskID string) (bool, error) {
	task, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	repo, err := s.openRepo(ctx, task)
	if err != nil {
		return false, err
	}
	if !repo.Exists(taskID) {
		return false, nil
	}
	return repo.HasUncommittedChanges(ctx, taskID)
}

// Commits lists the commits on the task branch since its base, newest first.
func (s *Service) Commits(ctx context.Context, taskID string) ([]models.TaskCommit, error) {
	task, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	repo, err := s.openRepo(ctx, task)
	if err != nil {
		return nil, err
	}
	if !repo.Exists(taskID) {
		return nil, nil
	}
	return repo.CommitsSince(ctx, taskID, models.Deref(task.BaseCommit))
}

// HasActiveSession reports whether an agent is running for the task.
func (s *Service) HasActiveSession(ctx context.Context, taskID string) (bool, error) {
	if _, err := s.repo.Get(ctx, taskID); err != nil {
		return false, err
	}
	return s.agents.HasActiveSession(taskID), nil
}

// Reconcile removes scratch workspaces of the project that no live task owns.
func (s *Service) Reconcile(ctx context.Context, projectPath string) ([]string, error) {
	tasks, err := s.ListTasks(ctx, projectPath)
	if err != nil {
		return nil, err
	}
	keep := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.Status == models.TaskStatusInProgress || t.Status == models.TaskStatusReview {
			keep[t.ID] = true
		}
	}
	repo, err := s.worktrees.Open(ctx, projectPath)
	if err != nil {
		return nil, err
	}
	return repo.Reconcile(ctx, keep)
}
