package repository

import (
	"context"
	"sort"
	"sync"

	apperrors "github.com/benodiwal/medusa/internal/common/errors"
	"github.com/benodiwal/medusa/internal/task/models"
)

// MemoryRepository is an in-process Repository. Records are copied on the
// way in and out so callers never share state with the store.
type MemoryRepository struct {
	mu    sync.RWMutex
	tasks map[string]*models.Task
}

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tasks: make(map[string]*models.Task)}
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*models.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	task, ok := r.tasks[id]
	if !ok {
		return nil, &apperrors.TaskNotFoundError{TaskID: id}
	}
	return task.Clone(), nil
}

func (r *MemoryRepository) Upsert(_ context.Context, task *models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID] = task.Clone()
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; !ok {
		return &apperrors.TaskNotFoundError{TaskID: id}
	}
	delete(r.tasks, id)
	return nil
}

func (r *MemoryRepository) ListByProject(_ context.Context, projectPath string) ([]*models.Task, error) {
	return r.list(func(t *models.Task) bool { return t.ProjectPath == projectPath }), nil
}

func (r *MemoryRepository) List(_ context.Context) ([]*models.Task, error) {
	return r.list(func(*models.Task) bool { return true }), nil
}

func (r *MemoryRepository) Close() error { return nil }

func (r *MemoryRepository) list(keep func(*models.Task) bool) []*models.Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
