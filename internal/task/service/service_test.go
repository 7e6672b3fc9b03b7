//go:build !windows

package service

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benodiwal/medusa/internal/agent/session"
	apperrors "github.com/benodiwal/medusa/internal/common/errors"
	"github.com/benodiwal/medusa/internal/common/logger"
	"github.com/benodiwal/medusa/internal/events"
	"github.com/benodiwal/medusa/internal/events/bus"
	"github.com/benodiwal/medusa/internal/task/models"
	"github.com/benodiwal/medusa/internal/task/repository"
	"github.com/benodiwal/medusa/internal/worktree"
)

// The fake agent understands "edit:<path>" messages, writing the message
// line into <path> inside its workspace. Run with -p it commits everything
// when FAKE_AGENT_COMMIT=1 and fails otherwise.
const fakeAgentScript = `#!/bin/sh
if [ "$1" = "--dangerously-skip-permissions" ] && [ "$2" = "-p" ]; then
  if [ "$FAKE_AGENT_COMMIT" = "1" ]; then
    git add -A && git commit -q -m "agent: tidy commit"
    exit $?
  fi
  echo "agent unavailable" >&2
  exit 1
fi
printf '%s\n' "$*" >> "$FAKE_AGENT_ARGS"
echo '{"type":"system","subtype":"init","session_id":"sess-42"}'
while IFS= read -r line; do
  f=$(printf '%s' "$line" | sed -n 's/.*edit:\([a-zA-Z0-9_./-]*\).*/\1/p')
  if [ -n "$f" ]; then
    mkdir -p "$(dirname "$f")"
    printf '%s\n' "$line" > "$f"
  fi
  echo '{"type":"assistant","message":"ack"}'
done
`

type harness struct {
	svc      *Service
	repo     *repository.MemoryRepository
	agents   *session.Manager
	store    *session.FileStore
	bus      *bus.MemoryEventBus
	dir      string
	argsFile string
}

type harnessOption func(*session.Config)

func withAgentCommit(cfg *session.Config) {
	cfg.Env = append(cfg.Env, "FAKE_AGENT_COMMIT=1")
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake agent is a shell script")
	}
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	dir := setupGitRepo(t)
	tmp := t.TempDir()
	script := filepath.Join(tmp, "fake-agent")
	require.NoError(t, os.WriteFile(script, []byte(fakeAgentScript), 0o755))
	argsFile := filepath.Join(tmp, "args.log")

	log := logger.NewNop()
	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	worktrees, err := worktree.NewManager(worktree.Config{}, log)
	require.NoError(t, err)
	store, err := session.NewFileStore(filepath.Join(tmp, "data"))
	require.NoError(t, err)

	cfg := session.DefaultConfig()
	cfg.Command = script
	cfg.Env = []string{"FAKE_AGENT_ARGS=" + argsFile}
	cfg.StopTimeout = 2 * time.Second
	for _, opt := range opts {
		opt(&cfg)
	}
	agents, err := session.NewManager(cfg, store, worktrees, eventBus, log)
	require.NoError(t, err)

	repo := repository.NewMemoryRepository()
	svc := New(repo, worktrees, agents, eventBus, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})

	return &harness{svc: svc, repo: repo, agents: agents, store: store, bus: eventBus, dir: dir, argsFile: argsFile}
}

func setupGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	git(t, dir, "init", "-q")
	git(t, dir, "symbolic-ref", "HEAD", "refs/heads/main")
	git(t, dir, "config", "user.email", "test@example.com")
	git(t, dir, "config", "user.name", "Test")
	git(t, dir, "config", "commit.gpgsign", "false")
	writeFile(t, dir, "README.md", "# test\n")
	writeFile(t, dir, "src/a.py", "print('a')\n")
	git(t, dir, "add", "-A")
	git(t, dir, "commit", "-q", "-m", "initial")
	return dir
}

func git(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
	return strings.TrimSpace(string(out))
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func (h *harness) createTask(t *testing.T, title string) *models.Task {
	t.Helper()
	task, err := h.svc.CreateTask(context.Background(), &CreateTaskRequest{
		Title:       title,
		Description: "do the thing",
		ProjectPath: h.dir,
	})
	require.NoError(t, err)
	return task
}

// agentRuns waits for the fake agent to log n invocations and returns their
// argument lines.
func (h *harness) agentRuns(t *testing.T, n int) []string {
	t.Helper()
	var runs []string
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(h.argsFile)
		if err != nil {
			return false
		}
		runs = strings.Split(strings.TrimSpace(string(data)), "\n")
		return len(runs) >= n
	}, 5*time.Second, 20*time.Millisecond, "agent never logged %d run(s)", n)
	return runs
}

// startAndEdit starts the task's agent and has it write file.
func (h *harness) startAndEdit(t *testing.T, taskID, file, note string) *models.Task {
	t.Helper()
	ctx := context.Background()
	task, err := h.svc.StartAgent(ctx, taskID)
	require.NoError(t, err)
	require.NoError(t, h.svc.SendMessage(ctx, taskID, "edit:"+file+" "+note))

	target := filepath.Join(*task.WorktreePath, filepath.FromSlash(file))
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(target)
		return err == nil && strings.Contains(string(data), "edit:"+file+" "+note)
	}, 5*time.Second, 20*time.Millisecond, "agent never wrote %s", file)
	return task
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t, withAgentCommit)
	ctx := context.Background()
	task := h.createTask(t, "fix-bug")
	assert.Equal(t, models.TaskStatusBacklog, task.Status)

	head := git(t, h.dir, "rev-parse", "HEAD")
	started := h.startAndEdit(t, task.ID, "src/b.py", "add a test")
	assert.Equal(t, models.TaskStatusInProgress, started.Status)
	assert.Equal(t, head, *started.BaseCommit)
	assert.Equal(t, "main", *started.BaseBranch)
	assert.Equal(t, "medusa/task-"+task.ID[:8], *started.Branch)
	assert.DirExists(t, *started.WorktreePath)
	assert.NotNil(t, started.AgentPID)
	assert.NotNil(t, started.StartedAt)

	// Unrelated work on the source branch after the task forked.
	writeFile(t, h.dir, "docs/later.md", "later\n")
	git(t, h.dir, "add", "-A")
	git(t, h.dir, "commit", "-q", "-m", "unrelated")

	active, err := h.svc.HasActiveSession(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, active)

	output, err := h.svc.Output(ctx, task.ID)
	require.NoError(t, err)
	assert.Contains(t, strings.Join(output, "\n"), `"content":"edit:src/b.py add a test"`)

	dirty, err := h.svc.HasUncommittedChanges(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, dirty)
	files, err := h.svc.ChangedFiles(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"src/b.py"}, files)
	patch, err := h.svc.FileDiff(ctx, task.ID, "src/b.py")
	require.NoError(t, err)
	assert.Contains(t, patch, "+++ b/src/b.py")
	assert.Contains(t, patch, "edit:src/b.py add a test")

	reviewed, err := h.svc.SendToReview(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusReview, reviewed.Status)
	assert.Equal(t, []string{"src/b.py"}, reviewed.FilesChanged)
	assert.Nil(t, reviewed.AgentPID)
	require.NotNil(t, reviewed.DiffSummary)
	assert.Contains(t, *reviewed.DiffSummary, "agent: tidy commit")

	commits, err := h.svc.Commits(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, "agent: tidy commit", commits[0].Message)

	merged, err := h.svc.Merge(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusDone, merged.Status)
	assert.NotEmpty(t, merged.FilesChanged)
	assert.NotNil(t, merged.CompletedAt)
	assert.Nil(t, merged.WorktreePath)
	assert.NoDirExists(t, *started.WorktreePath)
	assert.Empty(t, git(t, h.dir, "branch", "--list", *started.Branch))
	assert.FileExists(t, filepath.Join(h.dir, "src", "b.py"))
	assert.Empty(t, git(t, h.dir, "status", "--porcelain"))

	// Done is read-only.
	var immutable *apperrors.TaskImmutableError
	_, err = h.svc.StartAgent(ctx, task.ID)
	require.ErrorAs(t, err, &immutable)
	_, err = h.svc.Reject(ctx, task.ID)
	require.ErrorAs(t, err, &immutable)
	require.ErrorAs(t, h.svc.SendMessage(ctx, task.ID, "more"), &immutable)
	_, err = h.svc.UpdateTask(ctx, task.ID, &UpdateTaskRequest{Description: models.StringPtr("x")})
	require.ErrorAs(t, err, &immutable)
}

func TestSendToReview_FallsBackToDirectCommit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.createTask(t, "fallback")
	h.startAndEdit(t, task.ID, "notes.txt", "hello")

	reviewed, err := h.svc.SendToReview(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusReview, reviewed.Status)

	commits, err := h.svc.Commits(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, "medusa: fallback (task "+task.ID[:8]+")", commits[0].Message)

	dirty, err := h.svc.HasUncommittedChanges(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, dirty)
}

func TestMerge_Conflict(t *testing.T) {
	h := newHarness(t, withAgentCommit)
	ctx := context.Background()

	first := h.createTask(t, "first")
	second := h.createTask(t, "second")
	h.startAndEdit(t, first.ID, "src/a.py", "one")
	h.startAndEdit(t, second.ID, "src/a.py", "two")

	_, err := h.svc.SendToReview(ctx, first.ID)
	require.NoError(t, err)
	_, err = h.svc.SendToReview(ctx, second.ID)
	require.NoError(t, err)

	_, err = h.svc.Merge(ctx, first.ID)
	require.NoError(t, err)
	headAfterFirst := git(t, h.dir, "rev-parse", "HEAD")

	_, err = h.svc.Merge(ctx, second.ID)
	var conflict *apperrors.MergeConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, []string{"src/a.py"}, conflict.Files)

	assert.Equal(t, headAfterFirst, git(t, h.dir, "rev-parse", "HEAD"))
	assert.Empty(t, git(t, h.dir, "status", "--porcelain"))

	stillInReview, err := h.svc.GetTask(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusReview, stillInReview.Status)
	assert.NotNil(t, stillInReview.WorktreePath)
}

func TestReject_ClearsEverything(t *testing.T) {
	h := newHarness(t, withAgentCommit)
	ctx := context.Background()
	task := h.createTask(t, "reject me")
	started := h.startAndEdit(t, task.ID, "src/c.py", "nope")

	require.Eventually(t, func() bool {
		got, err := h.svc.GetTask(ctx, task.ID)
		return err == nil && models.Deref(got.SessionID) == "sess-42"
	}, 5*time.Second, 20*time.Millisecond)

	_, err := h.svc.SendToReview(ctx, task.ID)
	require.NoError(t, err)

	rejected, err := h.svc.Reject(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusBacklog, rejected.Status)
	assert.Nil(t, rejected.Branch)
	assert.Nil(t, rejected.WorktreePath)
	assert.Nil(t, rejected.BaseCommit)
	assert.Nil(t, rejected.BaseBranch)
	assert.Nil(t, rejected.AgentPID)
	assert.Nil(t, rejected.SessionID)
	assert.Nil(t, rejected.StartedAt)
	assert.Nil(t, rejected.CompletedAt)
	assert.Nil(t, rejected.FilesChanged)
	assert.Nil(t, rejected.DiffSummary)

	assert.NoDirExists(t, *started.WorktreePath)
	assert.NoFileExists(t, h.store.LogPath(task.ID))
	assert.Empty(t, git(t, h.dir, "branch", "--list", *started.Branch))

	output, err := h.svc.Output(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, output)

	// A rejected task starts over from the current tip.
	restarted, err := h.svc.StartAgent(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, git(t, h.dir, "rev-parse", "HEAD"), *restarted.BaseCommit)
}

func TestStartAgent_ResumesAfterExternalKill(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.createTask(t, "resume me")

	started, err := h.svc.StartAgent(ctx, task.ID)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		got, err := h.svc.GetTask(ctx, task.ID)
		return err == nil && models.Deref(got.SessionID) == "sess-42"
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, syscall.Kill(*started.AgentPID, syscall.SIGKILL))
	require.Eventually(t, func() bool {
		return !h.agents.HasActiveSession(task.ID)
	}, 5*time.Second, 20*time.Millisecond)

	// The source branch moves on; the resumed task keeps its base.
	writeFile(t, h.dir, "docs/x.md", "x\n")
	git(t, h.dir, "add", "-A")
	git(t, h.dir, "commit", "-q", "-m", "moved on")

	resumed, err := h.svc.StartAgent(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInProgress, resumed.Status)
	assert.Equal(t, *started.BaseCommit, *resumed.BaseCommit)
	assert.Equal(t, *started.WorktreePath, *resumed.WorktreePath)
	assert.NotEqual(t, *started.AgentPID, *resumed.AgentPID)

	runs := h.agentRuns(t, 2)
	require.Len(t, runs, 2)
	assert.NotContains(t, runs[0], "--resume")
	assert.True(t, strings.HasSuffix(runs[1], "--resume sess-42"), "args: %q", runs[1])

	lines, err := h.store.Load(task.ID)
	require.NoError(t, err)
	prompts := 0
	for _, l := range lines {
		if strings.Contains(l, `"content":"resume me`) {
			prompts++
		}
	}
	assert.Equal(t, 1, prompts, "the original prompt is never re-sent")
}

func TestStartAgent_FailedSpawnStaysInBacklog(t *testing.T) {
	h := newHarness(t, func(cfg *session.Config) { cfg.Command = "/no/such/agent" })
	ctx := context.Background()
	task := h.createTask(t, "doomed")

	_, err := h.svc.StartAgent(ctx, task.ID)
	var spawnErr *apperrors.AgentSpawnError
	require.ErrorAs(t, err, &spawnErr)

	got, err := h.svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusBacklog, got.Status)
	assert.Nil(t, got.WorktreePath)
	assert.Nil(t, got.BaseCommit)

	repo, err := h.svc.worktrees.Open(ctx, h.dir)
	require.NoError(t, err)
	assert.False(t, repo.Exists(task.ID), "no orphaned workspace after a failed start")
}

func TestStartAgent_RetryAfterFailedStartForksFromCurrentHead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.createTask(t, "retry")

	// A failed start leaves the task branch behind without a workspace.
	repo, err := h.svc.worktrees.Open(ctx, h.dir)
	require.NoError(t, err)
	_, err = repo.Create(ctx, task.ID, h.svc.worktrees.BranchName(task.ID))
	require.NoError(t, err)
	require.NoError(t, repo.Remove(ctx, task.ID))

	writeFile(t, h.dir, "README.md", "moved on\n")
	git(t, h.dir, "add", "-A")
	git(t, h.dir, "commit", "-q", "-m", "upstream")
	head := git(t, h.dir, "rev-parse", "HEAD")

	started, err := h.svc.StartAgent(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, head, *started.BaseCommit)
	assert.Equal(t, head, git(t, *started.WorktreePath, "rev-parse", "HEAD"))

	files, err := h.svc.ChangedFiles(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, files, "upstream commits must not show up as task changes")
}

func TestMerge_LegacyTaskUsesCurrentBranch(t *testing.T) {
	h := newHarness(t, withAgentCommit)
	ctx := context.Background()
	task := h.createTask(t, "legacy")
	h.startAndEdit(t, task.ID, "legacy.txt", "old")
	_, err := h.svc.SendToReview(ctx, task.ID)
	require.NoError(t, err)

	// Simulate a record written before base branches were tracked.
	stored, err := h.repo.Get(ctx, task.ID)
	require.NoError(t, err)
	stored.BaseBranch = nil
	require.NoError(t, h.repo.Upsert(ctx, stored))

	git(t, h.dir, "checkout", "-q", "-b", "develop")
	merged, err := h.svc.Merge(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "develop", *merged.BaseBranch)
	assert.FileExists(t, filepath.Join(h.dir, "legacy.txt"))
	assert.Equal(t, "develop", git(t, h.dir, "rev-parse", "--abbrev-ref", "HEAD"))
}

func TestInvalidTransitions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.createTask(t, "states")

	var invalid *apperrors.InvalidStateError
	_, err := h.svc.SendToReview(ctx, task.ID)
	require.ErrorAs(t, err, &invalid)
	_, err = h.svc.Merge(ctx, task.ID)
	require.ErrorAs(t, err, &invalid)
	_, err = h.svc.AmendCommit(ctx, task.ID, "msg")
	require.ErrorAs(t, err, &invalid)

	var noSession *apperrors.NoActiveSessionError
	require.ErrorAs(t, h.svc.SendMessage(ctx, task.ID, "hello?"), &noSession)

	var notFound *apperrors.TaskNotFoundError
	_, err = h.svc.GetTask(ctx, "missing")
	require.ErrorAs(t, err, &notFound)
	_, err = h.svc.StartAgent(ctx, "missing")
	require.ErrorAs(t, err, &notFound)
}

func TestCreateTask_Validation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreateTask(ctx, &CreateTaskRequest{Title: " ", ProjectPath: h.dir})
	assert.Error(t, err)

	_, err = h.svc.CreateTask(ctx, &CreateTaskRequest{Title: "x", ProjectPath: t.TempDir()})
	var repoErr *apperrors.RepositoryError
	require.ErrorAs(t, err, &repoErr)
}

func TestAmendCommit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.createTask(t, "amend")
	h.startAndEdit(t, task.ID, "a.txt", "x")
	_, err := h.svc.SendToReview(ctx, task.ID)
	require.NoError(t, err)

	amended, err := h.svc.AmendCommit(ctx, task.ID, "feat: better message")
	require.NoError(t, err)
	assert.Contains(t, *amended.DiffSummary, "feat: better message")

	commits, err := h.svc.Commits(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, "feat: better message", commits[0].Message)
}

func TestDeleteAndClearCompleted(t *testing.T) {
	h := newHarness(t, withAgentCommit)
	ctx := context.Background()

	done := h.createTask(t, "done")
	h.startAndEdit(t, done.ID, "done.txt", "x")
	_, err := h.svc.SendToReview(ctx, done.ID)
	require.NoError(t, err)
	_, err = h.svc.Merge(ctx, done.ID)
	require.NoError(t, err)

	running := h.createTask(t, "running")
	started, err := h.svc.StartAgent(ctx, running.ID)
	require.NoError(t, err)
	backlog := h.createTask(t, "backlog")

	cleared, err := h.svc.ClearCompleted(ctx, h.dir)
	require.NoError(t, err)
	assert.Equal(t, 1, cleared)

	tasks, err := h.svc.ListTasks(ctx, h.dir)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	require.NoError(t, h.svc.DeleteTask(ctx, running.ID))
	assert.False(t, h.agents.HasActiveSession(running.ID))
	assert.NoDirExists(t, *started.WorktreePath)
	assert.NoFileExists(t, h.store.LogPath(running.ID))

	tasks, err = h.svc.ListTasks(ctx, h.dir)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, backlog.ID, tasks[0].ID)
}

func TestCleanupAgent_KeepsBranch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	task := h.createTask(t, "cleanup")
	started := h.startAndEdit(t, task.ID, "keep.txt", "x")

	cleaned, err := h.svc.CleanupAgent(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInProgress, cleaned.Status)
	assert.Nil(t, cleaned.WorktreePath)
	assert.NoDirExists(t, *started.WorktreePath)
	assert.NotEmpty(t, git(t, h.dir, "branch", "--list", *started.Branch))

	stopped, err := h.svc.StopAgent(ctx, task.ID)
	require.NoError(t, err)
	assert.Nil(t, stopped.AgentPID)
}

func TestTaskEventsArePublished(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	received := make(chan string, 16)
	_, err := h.bus.Subscribe(events.TaskUpdated+".*", func(_ context.Context, ev *bus.Event) error {
		received <- ev.Data["status"].(string)
		return nil
	})
	require.NoError(t, err)

	task := h.createTask(t, "events")
	_, err = h.svc.StartAgent(ctx, task.ID)
	require.NoError(t, err)

	var seen []string
	require.Eventually(t, func() bool {
		for {
			select {
			case s := <-received:
				seen = append(seen, s)
			default:
				return len(seen) >= 2
			}
		}
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, string(models.TaskStatusBacklog), seen[0])
	assert.Equal(t, string(models.TaskStatusInProgress), seen[1])
}

func TestReconcile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	task := h.createTask(t, "live")
	_, err := h.svc.StartAgent(ctx, task.ID)
	require.NoError(t, err)

	repo, err := h.svc.worktrees.Open(ctx, h.dir)
	require.NoError(t, err)
	_, err = repo.Create(ctx, "orphan", "medusa/task-orphan")
	require.NoError(t, err)

	removed, err := h.svc.Reconcile(ctx, h.dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"orphan"}, removed)
	assert.True(t, repo.Exists(task.ID))
}

func TestTaskLocks(t *testing.T) {
	locks := newTaskLocks()
	unlock, err := locks.lock(context.Background(), "t1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = locks.lock(ctx, "t1")
	var lockErr *apperrors.LockError
	require.ErrorAs(t, err, &lockErr)

	other, err := locks.lock(context.Background(), "t2")
	require.NoError(t, err)
	other()

	unlock()
	again, err := locks.lock(context.Background(), "t1")
	require.NoError(t, err)
	again()
	assert.Empty(t, locks.locks)
}
