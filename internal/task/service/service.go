// Package service is the task lifecycle controller. It drives a task from
// Backlog through InProgress and Review to Done, coordinating the worktree
// service and the agent session manager, and keeps the task record in step.
package service

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/benodiwal/medusa/internal/agent/session"
	apperrors "github.com/benodiwal/medusa/internal/common/errors"
	"github.com/benodiwal/medusa/internal/common/logger"
	"github.com/benodiwal/medusa/internal/events/bus"
	"github.com/benodiwal/medusa/internal/task/models"
	"github.com/benodiwal/medusa/internal/task/repository"
	"github.com/benodiwal/medusa/internal/tracing"
	"github.com/benodiwal/medusa/internal/worktree"
)

// Worktrees opens source repositories and names task branches.
type Worktrees interface {
	Open(ctx context.Context, repoPath string) (*worktree.Repo, error)
	BranchName(taskID string) string
}

// Agents runs the agent process for each task.
type Agents interface {
	Start(ctx context.Context, req session.StartRequest) (*session.Handle, error)
	SendMessage(ctx context.Context, taskID, text string) error
	Stop(ctx context.Context, taskID string) error
	Cleanup(ctx context.Context, taskID, repoPath string) error
	Forget(taskID string)
	DeleteSession(taskID string) error
	Output(taskID string) ([]string, error)
	HasActiveSession(taskID string) bool
	RunOneShot(ctx context.Context, dir, prompt string) (string, error)
	SetSessionIDListener(fn session.SessionIDListener)
	Shutdown(ctx context.Context) error
}

// Service provides task lifecycle operations.
type Service struct {
	repo      repository.Repository
	worktrees Worktrees
	agents    Agents
	eventBus  bus.EventBus
	logger    *logger.Logger
	tracer    trace.Tracer
	locks     *taskLocks
	now       func() time.Time
}

// New creates the controller and subscribes it to session id announcements.
// eventBus may be nil.
func New(repo repository.Repository, worktrees Worktrees, agents Agents, eventBus bus.EventBus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	s := &Service{
		repo:      repo,
		worktrees: worktrees,
		agents:    agents,
		eventBus:  eventBus,
		logger:    log.WithComponent("task-service"),
		tracer:    tracing.Tracer("medusa/task-service"),
		locks:     newTaskLocks(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	agents.SetSessionIDListener(s.recordSessionID)
	return s
}

// Shutdown stops every running agent.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.agents.Shutdown(ctx)
}

// begin takes the task's command lock and opens a span. The returned func
// must be deferred with a pointer to the caller's named error.
func (s *Service) begin(ctx context.Context, op, taskID string) (context.Context, func(*error), error) {
	ctx, span := s.tracer.Start(ctx, "task."+op, trace.WithAttributes(attribute.String("task.id", taskID)))
	unlock, err := s.locks.lock(ctx, taskID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.End()
		return ctx, nil, err
	}
	return ctx, func(errp *error) {
		unlock()
		if errp != nil && *errp != nil {
			span.RecordError(*errp)
			span.SetStatus(codes.Error, (*errp).Error())
		}
		span.End()
	}, nil
}

// loadMutable fetches a task that is not Done.
func (s *Service) loadMutable(ctx context.Context, taskID, op string) (*models.Task, error) {
	task, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task.Status == models.TaskStatusDone {
		return nil, &apperrors.TaskImmutableError{TaskID: taskID, Op: op}
	}
	return task, nil
}

func (s *Service) save(ctx context.Context, task *models.Task) error {
	task.UpdatedAt = s.now()
	if err := s.repo.Upsert(ctx, task); err != nil {
		return err
	}
	s.publishTaskUpdated(ctx, task)
	return nil
}

func (s *Service) openRepo(ctx context.Context, task *models.Task) (*worktree.Repo, error) {
	return s.worktrees.Open(ctx, task.ProjectPath)
}

// recordSessionID stores an announced session id on the task record while
// the task is still running.
func (s *Service) recordSessionID(taskID, sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	unlock, err := s.locks.lock(ctx, taskID)
	if err != nil {
		s.logger.WithTaskID(taskID).Warn("failed to record session id", zap.Error(err))
		return
	}
	defer unlock()

	task, err := s.repo.Get(ctx, taskID)
	if err != nil {
		s.logger.WithTaskID(taskID).Warn("failed to record session id", zap.Error(err))
		return
	}
	if task.Status != models.TaskStatusInProgress || models.Deref(task.SessionID) == sessionID {
		return
	}
	task.SessionID = models.StringPtr(sessionID)
	if err := s.save(ctx, task); err != nil {
		s.logger.WithTaskID(taskID).Warn("failed to record session id", zap.Error(err))
	}
}

// taskLocks serializes commands per task id.
type taskLocks struct {
	mu    sync.Mutex
	locks map[string]*taskLock
}

type taskLock struct {
	ch   chan struct{}
	refs int
}

func newTaskLocks() *taskLocks {
	return &taskLocks{locks: make(map[string]*taskLock)}
}

func (l *taskLocks) lock(ctx context.Context, taskID string) (func(), error) {
	l.mu.Lock()
	tl, ok := l.locks[taskID]
	if !ok {
		tl = &taskLock{ch: make(chan struct{}, 1)}
		l.locks[taskID] = tl
	}
	tl.refs++
	l.mu.Unlock()

	select {
	case tl.ch <- struct{}{}:
		return func() {
			<-tl.ch
			l.release(taskID, tl)
		}, nil
	case <-ctx.Done():
		l.release(taskID, tl)
		return nil, &apperrors.LockError{Resource: "task " + taskID, Err: ctx.Err()}
	}
}

func (l *taskLocks) release(taskID string, tl *taskLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	tl.refs--
	if tl.refs == 0 {
		delete(l.locks, taskID)
	}
}
