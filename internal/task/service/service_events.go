package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/benodiwal/medusa/internal/events"
	"github.com/benodiwal/medusa/internal/events/bus"
	"github.com/benodiwal/medusa/internal/task/models"
)

// publishTaskUpdated publishes the task's current state to the event bus
func (s *Service) publishTaskUpdated(ctx context.Context, task *models.Task) {
	if s.eventBus == nil {
		return
	}
	data := map[string]any{
		"task_id":      task.ID,
		"title":        task.Title,
		"status":       string(task.Status),
		"project_path": task.ProjectPath,
		"updated_at":   task.UpdatedAt.Format(time.RFC3339),
	}
	if task.Branch != nil {
		data["branch"] = *task.Branch
	}
	if task.AgentPID != nil {
		data["agent_pid"] = *task.AgentPID
	}
	if len(task.FilesChanged) > 0 {
		data["files_changed"] = task.FilesChanged
	}

	event := bus.NewEvent(events.TaskUpdated, "task-service", data)
	if err := s.eventBus.Publish(ctx, events.TaskUpdatedSubject(task.ID), event); err != nil {
		s.logger.Warn("failed to publish task event", zap.String("task_id", task.ID), zap.Error(err))
	}
}
