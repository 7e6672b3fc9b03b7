// Package repository persists task records.
package repository

import (
	"context"

	"github.com/benodiwal/medusa/internal/task/models"
)

// Repository is the task store used by the lifecycle controller. Get returns
// a *errors.TaskNotFoundError for unknown ids.
type Repository interface {
	Get(ctx context.Context, id string) (*models.Task, error)
	Upsert(ctx context.Context, task *models.Task) error
	Delete(ctx context.Context, id string) error
	ListByProject(ctx context.Context, projectPath string) ([]*models.Task, error)
	List(ctx context.Context) ([]*models.Task, error)
	Close() error
}
