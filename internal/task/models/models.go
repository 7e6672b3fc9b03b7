// Package models holds the task record and its value types.
package models

import "time"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusBacklog    TaskStatus = "backlog"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusReview     TaskStatus = "review"
	TaskStatusDone       TaskStatus = "done"
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusBacklog, TaskStatusInProgress, TaskStatusReview, TaskStatusDone:
		return true
	}
	return false
}

// Task is one unit of agent work against a source repository.
//
// Branch, WorktreePath, BaseCommit, BaseBranch, AgentPID, SessionID,
// StartedAt, CompletedAt, FilesChanged and DiffSummary are execution-derived:
// they are populated while a task runs and reset when it is rejected.
type Task struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Status       TaskStatus `json:"status"`
	ProjectPath  string     `json:"project_path"`
	Branch       *string    `json:"branch,omitempty"`
	WorktreePath *string    `json:"worktree_path,omitempty"`
	BaseCommit   *string    `json:"base_commit,omitempty"`
	BaseBranch   *string    `json:"base_branch,omitempty"`
	AgentPID     *int       `json:"agent_pid,omitempty"`
	SessionID    *string    `json:"session_id,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	FilesChanged []string   `json:"files_changed,omitempty"`
	DiffSummary  *string    `json:"diff_summary,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ClearExecution resets every execution-derived field to its initial null.
func (t *Task) ClearExecution() {
	t.Branch = nil
	t.WorktreePath = nil
	t.BaseCommit = nil
	t.BaseBranch = nil
	t.AgentPID = nil
	t.SessionID = nil
	t.StartedAt = nil
	t.CompletedAt = nil
	t.FilesChanged = nil
	t.DiffSummary = nil
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	c := *t
	c.Branch = cloneString(t.Branch)
	c.WorktreePath = cloneString(t.WorktreePath)
	c.BaseCommit = cloneString(t.BaseCommit)
	c.BaseBranch = cloneString(t.BaseBranch)
	c.SessionID = cloneString(t.SessionID)
	c.DiffSummary = cloneString(t.DiffSummary)
	if t.AgentPID != nil {
		pid := *t.AgentPID
		c.AgentPID = &pid
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		c.StartedAt = &ts
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	if t.FilesChanged != nil {
		c.FilesChanged = append([]string(nil), t.FilesChanged...)
	}
	return &c
}

// TaskCommit is one commit on a task branch since its base.
type TaskCommit struct {
	Hash      string    `json:"hash"`
	ShortHash string    `json:"short_hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	Date      time.Time `json:"date"`
}

// StringPtr returns a pointer to s, or nil for the empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Deref returns *s, or "" when s is nil.
func Deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
