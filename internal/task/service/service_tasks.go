package service

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/benodiwal/medusa/internal/task/models"
)

// CreateTask creates a Backlog task against the repository at req.ProjectPath.
func (s *Service) CreateTask(ctx context.Context, req *CreateTaskRequest) (*models.Task, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, fmt.Errorf("task title is required")
	}
	if req.ProjectPath == "" {
		return nil, fmt.Errorf("project path is required")
	}
	projectPath, err := filepath.Abs(req.ProjectPath)
	if err != nil {
		return nil, fmt.Errorf("resolve project path: %w", err)
	}
	if _, err := s.worktrees.Open(ctx, projectPath); err != nil {
		return nil, err
	}

	now := s.now()
	task := &models.Task{
		ID:          uuid.New().String(),
		Title:       title,
		Description: req.Description,
		Status:      models.TaskStatusBacklog,
		ProjectPath: projectPath,
		CreatedAt:   now,
	}
	if err := s.save(ctx, task); err != nil {
		return nil, err
	}
	s.logger.Info("task created", zap.String("task_id", task.ID), zap.String("project", projectPath))
	return task, nil
}

// UpdateTask edits the title or description of a task that is not Done.
func (s *Service) UpdateTask(ctx context.Context, taskID string, req *UpdateTaskRequest) (_ *models.Task, err error) {
	ctx, end, err := s.begin(ctx, "UpdateTask", taskID)
	if err != nil {
		return nil, err
	}
	defer end(&err)

	task, err := s.loadMutable(ctx, taskID, "update")
	if err != nil {
		return nil, err
	}
	if req.Title != nil {
		title := strings.TrimSpace(*req.Title)
		if title == "" {
			return nil, fmt.Errorf("task title is required")
		}
		task.Title = title
	}
	if req.Description != nil {
		task.Description = *req.Description
	}
	if err := s.save(ctx, task); err != nil {
		return nil, err
	}
	return task, nil
}

// GetTask retrieves a task by ID
func (s *Service) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	return s.repo.Get(ctx, taskID)
}

// ListTasks lists the tasks of one project, or every task when projectPath is empty.
func (s *Service) ListTasks(ctx context.Context, projectPath string) ([]*models.Task, error) {
	if projectPath == "" {
		return s.repo.List(ctx)
	}
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return nil, fmt.Errorf("resolve project path: %w", err)
	}
	return s.repo.ListByProject(ctx, abs)
}

// DeleteTask stops the task's agent, removes its workspace, branch and
// session files, and deletes the record. Cleanup steps are best-effort.
func (s *Service) DeleteTask(ctx context.Context, taskID string) (err error) {
	ctx, end, err := s.begin(ctx, "DeleteTask", taskID)
	if err != nil {
		return err
	}
	defer end(&err)

	task, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return err
	}
	return s.deleteTask(ctx, task)
}

func (s *Service) deleteTask(ctx context.Context, task *models.Task) error {
	log := s.logger.WithContext(ctx).WithTaskID(task.ID)

	if err := s.agents.Stop(ctx, task.ID); err != nil {
		log.Warn("failed to stop agent", zap.Error(err))
	}
	s.agents.Forget(task.ID)

	if task.Status != models.TaskStatusDone {
		if repo, err := s.openRepo(ctx, task); err != nil {
			log.Warn("failed to open repository for cleanup", zap.Error(err))
		} else {
			if err := repo.Remove(ctx, task.ID); err != nil {
				log.Warn("failed to remove workspace", zap.Error(err))
			}
			if task.Branch != nil {
				if err := repo.DeleteBranch(ctx, *task.Branch); err != nil {
					log.Warn("failed to delete branch", zap.String("branch", *task.Branch), zap.Error(err))
				}
			}
		}
	}
	if err := s.agents.DeleteSession(task.ID); err != nil {
		log.Warn("failed to delete session files", zap.Error(err))
	}

	if err := s.repo.Delete(ctx, task.ID); err != nil {
		return err
	}
	log.Info("task deleted")
	return nil
}

// ClearCompleted deletes every Done task of a project and returns how many
// were removed.
func (s *Service) ClearCompleted(ctx context.Context, projectPath string) (int, error) {
	tasks, err := s.ListTasks(ctx, projectPath)
	if err != nil {
		return 0, err
	}
	cleared := 0
	for _, t := range tasks {
		if t.Status != models.TaskStatusDone {
			continue
		}
		if err := s.DeleteTask(ctx, t.ID); err != nil {
			return cleared, fmt.Errorf("delete task %s: %w", t.ID, err)
		}
		cleared++
	}
	return cleared, nil
}
