package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	apperrors "github.com/benodiwal/medusa/internal/common/errors"
	"github.com/benodiwal/medusa/internal/db"
	"github.com/benodiwal/medusa/internal/task/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	title         TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL,
	project_path  TEXT NOT NULL,
	branch        TEXT,
	worktree_path TEXT,
	base_commit   TEXT,
	base_branch   TEXT,
	agent_pid     INTEGER,
	session_id    TEXT,
	started_at    TIMESTAMP,
	completed_at  TIMESTAMP,
	files_changed TEXT NOT NULL DEFAULT '[]',
	diff_summary  TEXT,
	created_at    TIMESTAMP NOT NULL,
	updated_at    TIMESTAMP NOT NULL
)`

const indexes = `CREATE INDEX IF NOT EXISTS idx_tasks_project_path ON tasks(project_path)`

const selectColumns = `id, title, description, status, project_path, branch, worktree_path,
	base_commit, base_branch, agent_pid, session_id, started_at, completed_at,
	files_changed, diff_summary, created_at, updated_at`

// taskRow is the storage shape of models.Task.
type taskRow struct {
	ID           string     `db:"id"`
	Title        string     `db:"title"`
	Description  string     `db:"description"`
	Status       string     `db:"status"`
	ProjectPath  string     `db:"project_path"`
	Branch       *string    `db:"branch"`
	WorktreePath *string    `db:"worktree_path"`
	BaseCommit   *string    `db:"base_commit"`
	BaseBranch   *string    `db:"base_branch"`
	AgentPID     *int       `db:"agent_pid"`
	SessionID    *string    `db:"session_id"`
	StartedAt    *time.Time `db:"started_at"`
	CompletedAt  *time.Time `db:"completed_at"`
	FilesChanged string     `db:"files_changed"`
	DiffSummary  *string    `db:"diff_summary"`
	CreatedAt    time.Time  `db:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"`
}

func (r *taskRow) toModel() *models.Task {
	t := &models.Task{
		ID:           r.ID,
		Title:        r.Title,
		Description:  r.Description,
		Status:       models.TaskStatus(r.Status),
		ProjectPath:  r.ProjectPath,
		Branch:       r.Branch,
		WorktreePath: r.WorktreePath,
		BaseCommit:   r.BaseCommit,
		BaseBranch:   r.BaseBranch,
		AgentPID:     r.AgentPID,
		SessionID:    r.SessionID,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		DiffSummary:  r.DiffSummary,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	var files []string
	if err := json.Unmarshal([]byte(r.FilesChanged), &files); err == nil && len(files) > 0 {
		t.FilesChanged = files
	}
	return t
}

// SQLRepository stores tasks through sqlx on SQLite or PostgreSQL.
type SQLRepository struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader
}

// NewSQLRepository creates the repository and its schema on pool.
func NewSQLRepository(pool *db.Pool) (*SQLRepository, error) {
	repo := &SQLRepository{db: pool.Writer(), ro: pool.Reader()}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

func (r *SQLRepository) initSchema() error {
	if _, err := r.db.Exec(schema); err != nil {
		return err
	}
	_, err := r.db.Exec(indexes)
	return err
}

func (r *SQLRepository) Get(ctx context.Context, id string) (*models.Task, error) {
	var row taskRow
	err := r.ro.GetContext(ctx, &row, r.ro.Rebind(`SELECT `+selectColumns+` FROM tasks WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &apperrors.TaskNotFoundError{TaskID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return row.toModel(), nil
}

func (r *SQLRepository) Upsert(ctx context.Context, task *models.Task) error {
	files := task.FilesChanged
	if files == nil {
		files = []string{}
	}
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("encode files_changed: %w", err)
	}

	_, err = r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO tasks (id, title, description, status, project_path, branch, worktree_path,
			base_commit, base_branch, agent_pid, session_id, started_at, completed_at,
			files_changed, diff_summary, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			status = excluded.status,
			project_path = excluded.project_path,
			branch = excluded.branch,
			worktree_path = excluded.worktree_path,
			base_commit = excluded.base_commit,
			base_branch = excluded.base_branch,
			agent_pid = excluded.agent_pid,
			session_id = excluded.session_id,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			files_changed = excluded.files_changed,
			diff_summary = excluded.diff_summary,
			updated_at = excluded.updated_at
	`),
		task.ID, task.Title, task.Description, string(task.Status), task.ProjectPath,
		task.Branch, task.WorktreePath, task.BaseCommit, task.BaseBranch, task.AgentPID,
		task.SessionID, task.StartedAt, task.CompletedAt, string(filesJSON), task.DiffSummary,
		task.CreatedAt.UTC(), task.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", task.ID, err)
	}
	return nil
}

func (r *SQLRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM tasks WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &apperrors.TaskNotFoundError{TaskID: id}
	}
	return nil
}

func (r *SQLRepository) ListByProject(ctx context.Context, projectPath string) ([]*models.Task, error) {
	return r.query(ctx, `SELECT `+selectColumns+` FROM tasks WHERE project_path = ? ORDER BY created_at, id`, projectPath)
}

func (r *SQLRepository) List(ctx context.Context) ([]*models.Task, error) {
	return r.query(ctx, `SELECT `+selectColumns+` FROM tasks ORDER BY created_at, id`)
}

// Close is a no-op; the pool is owned by the caller.
func (r *SQLRepository) Close() error { return nil }

func (r *SQLRepository) query(ctx context.Context, query string, args ...any) ([]*models.Task, error) {
	var rows []taskRow
	if err := r.ro.SelectContext(ctx, &rows, r.ro.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	out := make([]*models.Task, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}
