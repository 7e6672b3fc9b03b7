// Package errors defines the error kinds surfaced by the worktree, agent
// session and task lifecycle layers.
//
// Each kind is a struct type so callers can match it with errors.As and
// read its context (task id, tool output, conflicting files). Code and
// HTTPStatus translate a kind for transport layers.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error codes as constants
const (
	CodeRepository       = "REPOSITORY_ERROR"
	CodeWorktreeCreation = "WORKTREE_CREATION_FAILED"
	CodeMergeConflict    = "MERGE_CONFLICT"
	CodeAgentSpawn       = "AGENT_SPAWN_FAILED"
	CodeNoActiveSession  = "NO_ACTIVE_SESSION"
	CodeTaskImmutable    = "TASK_IMMUTABLE"
	CodeTaskNotFound     = "TASK_NOT_FOUND"
	CodeLock             = "LOCK_CONTENTION"
	CodeInvalidState     = "INVALID_STATE"
	CodeInternal         = "INTERNAL_ERROR"
)

// RepositoryError reports that a path is not a usable git repository.
type RepositoryError struct {
	Path string
	Err  error
}

func (e *RepositoryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("not a git repository: %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("not a git repository: %s", e.Path)
}

func (e *RepositoryError) Unwrap() error { return e.Err }

// WorktreeCreationError reports a failed `git worktree add`, including the
// fallback attempt against an existing branch.
type WorktreeCreationError struct {
	TaskID string
	Branch string
	Output string
	Err    error
}

func (e *WorktreeCreationError) Error() string {
	msg := fmt.Sprintf("failed to create worktree for task %s on branch %s", e.TaskID, e.Branch)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *WorktreeCreationError) Unwrap() error { return e.Err }

// MergeConflictError reports a merge that was aborted because of conflicts.
// The target repository has been restored to its pre-merge state.
type MergeConflictError struct {
	TaskBranch   string
	TargetBranch string
	Files        []string
	Steps        []string
}

func (e *MergeConflictError) Error() string {
	return fmt.Sprintf("merge of %s into %s conflicts in %d file(s): %s",
		e.TaskBranch, e.TargetBranch, len(e.Files), strings.Join(e.Files, ", "))
}

// NewMergeConflictError builds a MergeConflictError with manual resolution steps.
func NewMergeConflictError(taskBranch, targetBranch string, files []string) *MergeConflictError {
	return &MergeConflictError{
		TaskBranch:   taskBranch,
		TargetBranch: targetBranch,
		Files:        files,
		Steps: []string{
			fmt.Sprintf("git checkout %s", targetBranch),
			fmt.Sprintf("git merge --no-ff %s", taskBranch),
			"resolve the conflicts in: " + strings.Join(files, ", "),
			"git add <resolved files>",
			"git commit",
		},
	}
}

// AgentSpawnError reports that the agent executable was missing or failed
// to launch. The task workspace has already been removed.
type AgentSpawnError struct {
	TaskID  string
	Command string
	Err     error
}

func (e *AgentSpawnError) Error() string {
	return fmt.Sprintf("failed to start agent %q for task %s: %v", e.Command, e.TaskID, e.Err)
}

func (e *AgentSpawnError) Unwrap() error { return e.Err }

// NoActiveSessionError reports a message sent to a task with no live agent.
type NoActiveSessionError struct {
	TaskID string
}

func (e *NoActiveSessionError) Error() string {
	return fmt.Sprintf("no active agent session for task %s", e.TaskID)
}

// TaskImmutableError reports a mutation attempted on a Done task.
type TaskImmutableError struct {
	TaskID string
	Op     string
}

func (e *TaskImmutableError) Error() string {
	return fmt.Sprintf("task %s is done and cannot be modified (%s)", e.TaskID, e.Op)
}

// TaskNotFoundError reports an unknown task id.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.TaskID)
}

// LockError reports that a shared lock could not be acquired before the
// caller gave up. Retrying is expected to succeed.
type LockError struct {
	Resource string
	Err      error
}

func (e *LockError) Error() string {
	return fmt.Sprintf("could not acquire lock on %s: %v", e.Resource, e.Err)
}

func (e *LockError) Unwrap() error { return e.Err }

// InvalidStateError reports an operation not allowed from the task's current status.
type InvalidStateError struct {
	TaskID string
	Op     string
	Status string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("cannot %s task %s in status %s", e.Op, e.TaskID, e.Status)
}

// Code returns the stable code for err's kind, or CodeInternal.
func Code(err error) string {
	var (
		repoErr     *RepositoryError
		createErr   *WorktreeCreationError
		conflictErr *MergeConflictError
		spawnErr    *AgentSpawnError
		sessionErr  *NoActiveSessionError
		immutable   *TaskImmutableError
		notFound    *TaskNotFoundError
		lockErr     *LockError
		stateErr    *InvalidStateError
	)
	switch {
	case errors.As(err, &conflictErr):
		return CodeMergeConflict
	case errors.As(err, &notFound):
		return CodeTaskNotFound
	case errors.As(err, &immutable):
		return CodeTaskImmutable
	case errors.As(err, &stateErr):
		return CodeInvalidState
	case errors.As(err, &sessionErr):
		return CodeNoActiveSession
	case errors.As(err, &spawnErr):
		return CodeAgentSpawn
	case errors.As(err, &createErr):
		return CodeWorktreeCreation
	case errors.As(err, &repoErr):
		return CodeRepository
	case errors.As(err, &lockErr):
		return CodeLock
	default:
		return CodeInternal
	}
}

// HTTPStatus maps err's kind to an HTTP status code.
func HTTPStatus(err error) int {
	switch Code(err) {
	case CodeTaskNotFound:
		return http.StatusNotFound
	case CodeMergeConflict, CodeTaskImmutable, CodeInvalidState, CodeNoActiveSession:
		return http.StatusConflict
	case CodeRepository:
		return http.StatusBadRequest
	case CodeLock:
		return http.StatusServiceUnavailable
	case CodeAgentSpawn, CodeWorktreeCreation:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// IsNotFound reports whether err is a TaskNotFoundError.
func IsNotFound(err error) bool {
	var notFound *TaskNotFoundError
	return errors.As(err, &notFound)
}
