// Package session runs one long-lived coding agent process per task inside
// its workspace. It streams the agent's newline-delimited JSON output to a
// durable per-task log, an in-memory ring and the event bus, forwards user
// turns to the agent's stdin, and resumes prior sessions by id across
// restarts.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/benodiwal/medusa/internal/common/errors"
	"github.com/benodiwal/medusa/internal/common/logger"
	"github.com/benodiwal/medusa/internal/events"
	"github.com/benodiwal/medusa/internal/events/bus"
)

const eventSource = "agent-session"

// outputDrainDelay is how long output may stay open after the agent exits.
const outputDrainDelay = 2 * time.Second

// Config controls how agent processes are launched.
type Config struct {
	Command        string
	Args           []string
	ResumeFlag     string
	OneShotArgs    []string
	OneShotTimeout time.Duration
	MaxOutputLines int
	TrimLines      int
	// Env entries (KEY=VALUE) are appended to the server's environment.
	Env []string
	// StopTimeout is how long Stop waits after SIGTERM before SIGKILL.
	StopTimeout time.Duration
}

// DefaultConfig returns the settings for the claude CLI in stream-json mode.
func DefaultConfig() Config {
	return Config{
		Command: "claude",
		Args: []string{
			"--verbose",
			"--output-format", "stream-json",
			"--input-format", "stream-json",
			"--dangerously-skip-permissions",
		},
		ResumeFlag:     "--resume",
		OneShotArgs:    []string{"--dangerously-skip-permissions", "-p"},
		OneShotTimeout: 120 * time.Second,
		MaxOutputLines: 10000,
		TrimLines:      2000,
		StopTimeout:    5 * time.Second,
	}
}

// Workspaces is the part of the worktree service the session manager
// depends on: a preflight check and compensation on failed starts.
type Workspaces interface {
	IsValidWorkspace(ctx context.Context, path string) bool
	RemoveWorkspace(ctx context.Context, repoPath, taskID string) error
}

// SessionIDListener is told when an agent announces a new session id.
type SessionIDListener func(taskID, sessionID string)

// StartRequest describes the agent to launch for a task.
type StartRequest struct {
	TaskID        string
	RepoPath      string
	WorkspacePath string
	Branch        string
	BaseCommit    string
	BaseBranch    string
	InitialPrompt string
}

// Manager owns the table of live agent processes.
type Manager struct {
	cfg        Config
	store      Store
	workspaces Workspaces
	bus        bus.EventBus
	logger     *logger.Logger

	// mu guards procs only. It is never held while a process is spawned,
	// signalled or written to.
	mu    sync.Mutex
	procs map[string]*agentProcess

	listenerMu sync.RWMutex
	listener   SessionIDListener

	owners sync.WaitGroup
}

// NewManager creates a session manager. eventBus may be nil.
func NewManager(cfg Config, store Store, workspaces Workspaces, eventBus bus.EventBus, log *logger.Logger) (*Manager, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("agent command is required")
	}
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if workspaces == nil {
		return nil, fmt.Errorf("workspaces are required")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.OneShotTimeout <= 0 {
		cfg.OneShotTimeout = 120 * time.Second
	}
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		cfg:        cfg,
		store:      store,
		workspaces: workspaces,
		bus:        eventBus,
		logger:     log.WithComponent("agent-session"),
		procs:      make(map[string]*agentProcess),
	}, nil
}

// SetSessionIDListener registers fn to be called, on its own goroutine,
// whenever an agent announces a session id.
func (m *Manager) SetSessionIDListener(fn SessionIDListener) {
	m.listenerMu.Lock()
	m.listener = fn
	m.listenerMu.Unlock()
}

func (m *Manager) lookup(taskID string) *agentProcess {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.procs[taskID]
}

// Start launches the agent for req.TaskID in req.WorkspacePath. When a
// session id is on file the agent resumes that session and the initial
// prompt is not sent again. Starting a task whose agent is still alive
// returns the existing handle.
//
// On failure the task workspace is removed and *errors.AgentSpawnError is
// returned.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*Handle, error) {
	if !validTaskID(req.TaskID) {
		return nil, fmt.Errorf("invalid task id %q", req.TaskID)
	}

	m.mu.Lock()
	if existing, ok := m.procs[req.TaskID]; ok && existing.alive() {
		m.mu.Unlock()
		return existing.handle(), nil
	}
	p := &agentProcess{
		taskID:     req.TaskID,
		repoPath:   req.RepoPath,
		workspace:  req.WorkspacePath,
		branch:     req.Branch,
		baseCommit: req.BaseCommit,
		baseBranch: req.BaseBranch,
		startedAt:  time.Now().UTC(),
		events:     make(chan procEvent, 256),
		done:       make(chan struct{}),
		status:     StatusStarting,
		ring:       newLineRing(m.cfg.MaxOutputLines, m.cfg.TrimLines),
	}
	m.procs[req.TaskID] = p
	m.mu.Unlock()

	log := m.logger.WithTaskID(req.TaskID)
	if err := m.spawn(ctx, p, req, log); err != nil {
		m.mu.Lock()
		if m.procs[req.TaskID] == p {
			delete(m.procs, req.TaskID)
		}
		m.mu.Unlock()

		log.Error("failed to start agent", zap.Error(err))
		if rmErr := m.workspaces.RemoveWorkspace(ctx, req.RepoPath, req.TaskID); rmErr != nil {
			log.Warn("failed to remove workspace after failed start", zap.Error(rmErr))
		}
		return nil, &apperrors.AgentSpawnError{TaskID: req.TaskID, Command: m.cfg.Command, Err: err}
	}
	return p.handle(), nil
}

func (m *Manager) spawn(ctx context.Context, p *agentProcess, req StartRequest, log *logger.Logger) error {
	path, err := exec.LookPath(m.cfg.Command)
	if err != nil {
		return fmt.Errorf("agent executable not found: %w", err)
	}
	if !m.workspaces.IsValidWorkspace(ctx, req.WorkspacePath) {
		return fmt.Errorf("workspace %s is not a valid git worktree", req.WorkspacePath)
	}

	sessionID, err := m.store.LoadSessionID(req.TaskID)
	if err != nil {
		log.Warn("failed to read saved session id, starting fresh", zap.Error(err))
		sessionID = ""
	}

	cmd := exec.Command(path, m.buildArgs(sessionID)...)
	cmd.Dir = req.WorkspacePath
	cmd.Env = append(os.Environ(), m.cfg.Env...)
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	// Output goes through io.Pipe so Wait returns once the agent exits, even
	// when a grandchild still holds stdout open. WaitDelay bounds the drain.
	stdout, stdoutW := io.Pipe()
	stderr, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.WaitDelay = outputDrainDelay
	if err := cmd.Start(); err != nil {
		_ = stdoutW.Close()
		_ = stderrW.Close()
		return fmt.Errorf("start agent: %w", err)
	}
	pid := cmd.Process.Pid

	p.cmd = cmd
	p.mu.Lock()
	p.pid = pid
	p.sessionID = sessionID
	p.resumed = sessionID != ""
	stoppedEarly := p.status == StatusStopped
	if !stoppedEarly {
		p.status = StatusRunning
		p.stdin = stdin
	}
	p.mu.Unlock()
	if stoppedEarly {
		_ = stdin.Close()
	}

	m.owners.Add(1)
	go m.own(p, log)

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		p.readLines(stdout, evStdout)
	}()
	go func() {
		defer readers.Done()
		p.readLines(stderr, evStderr)
	}()
	go func() {
		err := cmd.Wait()
		if errors.Is(err, exec.ErrWaitDelay) {
			// The agent exited cleanly; whatever still holds its output is
			// left over from its process group.
			log.Warn("agent output still open after exit, killing process group", zap.Int("pid", pid))
			_ = killProcessGroup(pid)
			err = nil
		}
		_ = stdoutW.Close()
		_ = stderrW.Close()
		readers.Wait()
		p.events <- procEvent{kind: evExit, err: err}
	}()

	log.Info("agent started",
		zap.Int("pid", pid),
		zap.String("workspace", req.WorkspacePath),
		zap.Bool("resumed", sessionID != ""))

	if stoppedEarly {
		_ = terminateProcessGroup(pid)
		return nil
	}
	m.publishStatus(p)

	if sessionID == "" && req.InitialPrompt != "" {
		if err := m.SendMessage(ctx, req.TaskID, req.InitialPrompt); err != nil {
			_ = m.Stop(context.WithoutCancel(ctx), req.TaskID)
			return fmt.Errorf("send initial prompt: %w", err)
		}
	}
	return nil
}

func (m *Manager) buildArgs(sessionID string) []string {
	args := slices.Clone(m.cfg.Args)
	if sessionID != "" && m.cfg.ResumeFlag != "" {
		args = append(args, m.cfg.ResumeFlag, sessionID)
	}
	return args
}

// own is the single goroutine that mutates p's output state.
func (m *Manager) own(p *agentProcess, log *logger.Logger) {
	defer m.owners.Done()
	for {
		ev := <-p.events
		switch ev.kind {
		case evStdout:
			if id, ok := ParseSessionID(ev.line); ok {
				m.captureSessionID(p, id, log)
			}
			if err := m.appendLine(p, ev.line, "stdout"); err != nil {
				log.Warn("failed to persist agent output", zap.Error(err))
			}
		case evStderr:
			log.Debug("agent stderr", zap.String("line", ev.line))
			m.publish(events.AgentOutputSubject(p.taskID), events.AgentOutput, map[string]any{
				"task_id":  p.taskID,
				"stream":   "stderr",
				"line":     ev.line,
				"is_error": true,
			})
		case evInput:
			ev.ack <- m.appendLine(p, ev.line, "stdin")
		case evExit:
			m.finish(p, ev.err, log)
			close(p.done)
			return
		}
	}
}

// appendLine writes line to the durable log first, then the ring and the bus.
func (m *Manager) appendLine(p *agentProcess, line, stream string) error {
	err := m.store.Append(p.taskID, line)
	p.mu.Lock()
	p.ring.push(line)
	p.mu.Unlock()
	m.publish(events.AgentOutputSubject(p.taskID), events.AgentOutput, map[string]any{
		"task_id":  p.taskID,
		"stream":   stream,
		"line":     line,
		"is_error": false,
	})
	return err
}

func (m *Manager) captureSessionID(p *agentProcess, id string, log *logger.Logger) {
	p.mu.Lock()
	changed := p.sessionID != id
	p.sessionID = id
	p.mu.Unlock()
	if !changed {
		return
	}
	if err := m.store.SaveSessionID(p.taskID, id); err != nil {
		log.Warn("failed to save session id", zap.Error(err))
	}
	log.Info("agent session established", zap.String("session_id", id))

	m.listenerMu.RLock()
	fn := m.listener
	m.listenerMu.RUnlock()
	if fn != nil {
		go fn(p.taskID, id)
	}
}

func (m *Manager) finish(p *agentProcess, waitErr error, log *logger.Logger) {
	code := exitCodeOf(waitErr)
	p.mu.Lock()
	p.stdin = nil
	p.exitCode = &code
	switch {
	case p.status == StatusStopped:
	case waitErr == nil:
		p.status = StatusCompleted
	default:
		p.status = StatusFailed
	}
	status := p.status
	p.mu.Unlock()

	if status == StatusFailed {
		log.Warn("agent exited with error", zap.Int("exit_code", code), zap.Error(waitErr))
	} else {
		log.Info("agent exited", zap.String("status", string(status)), zap.Int("exit_code", code))
	}
	m.publishStatus(p)
}

// SendMessage writes text to the agent as one user turn. The turn is in the
// durable log before it reaches the agent. It fails with
// *errors.NoActiveSessionError when no agent is running for taskID.
func (m *Manager) SendMessage(ctx context.Context, taskID, text string) error {
	p := m.lookup(taskID)
	if p == nil {
		return &apperrors.NoActiveSessionError{TaskID: taskID}
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	w := p.stdinWriter()
	if w == nil {
		return &apperrors.NoActiveSessionError{TaskID: taskID}
	}
	frame, err := UserMessageFrame(text)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	ack := make(chan error, 1)
	if !p.post(procEvent{kind: evInput, line: frame, ack: ack}) {
		return &apperrors.NoActiveSessionError{TaskID: taskID}
	}
	select {
	case err := <-ack:
		if err != nil {
			m.logger.WithTaskID(taskID).Warn("failed to persist user message", zap.Error(err))
		}
	case <-p.done:
		return &apperrors.NoActiveSessionError{TaskID: taskID}
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := w.Write([]byte(frame + "\n")); err != nil {
		return fmt.Errorf("write to agent: %w", err)
	}
	return nil
}

// Stop closes the agent's stdin, sends SIGTERM to its process group and
// marks it stopped. If the agent has not exited after StopTimeout it is
// killed. Stopping a task with no live agent is a no-op.
func (m *Manager) Stop(ctx context.Context, taskID string) error {
	p := m.lookup(taskID)
	if p == nil {
		return nil
	}

	p.mu.Lock()
	if p.status.Terminal() {
		p.mu.Unlock()
		return nil
	}
	p.status = StatusStopped
	stdin := p.stdin
	p.stdin = nil
	pid := p.pid
	p.mu.Unlock()

	log := m.logger.WithTaskID(taskID)
	if stdin != nil {
		if err := stdin.Close(); err != nil {
			log.Debug("failed to close agent stdin", zap.Error(err))
		}
	}
	if pid == 0 {
		// Still spawning; spawn terminates it once the pid is known.
		return nil
	}
	if err := terminateProcessGroup(pid); err != nil {
		log.Debug("failed to signal agent", zap.Int("pid", pid), zap.Error(err))
	}
	log.Info("agent stop requested", zap.Int("pid", pid))

	timer := time.NewTimer(m.cfg.StopTimeout)
	defer timer.Stop()
	select {
	case <-p.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	log.Warn("agent did not exit after SIGTERM, killing", zap.Int("pid", pid))
	if err := killProcessGroup(pid); err != nil {
		log.Debug("failed to kill agent", zap.Int("pid", pid), zap.Error(err))
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cleanup stops the agent, removes its workspace and forgets the process.
func (m *Manager) Cleanup(ctx context.Context, taskID, repoPath string) error {
	if err := m.Stop(ctx, taskID); err != nil {
		return err
	}
	if err := m.workspaces.RemoveWorkspace(ctx, repoPath, taskID); err != nil {
		return fmt.Errorf("remove workspace: %w", err)
	}
	m.Forget(taskID)
	return nil
}

// Forget drops a finished process from the table.
func (m *Manager) Forget(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.procs[taskID]; ok && !p.alive() {
		delete(m.procs, taskID)
	}
}

// DeleteSession forgets the task's process and removes its session log and
// session id, so the next start is a fresh session.
func (m *Manager) DeleteSession(taskID string) error {
	if p := m.lookup(taskID); p != nil && p.alive() {
		return fmt.Errorf("agent for task %s is still running", taskID)
	}
	m.Forget(taskID)
	return m.store.Delete(taskID)
}

// Output returns the task's transcript: the in-memory ring when it holds
// lines, otherwise the durable log.
func (m *Manager) Output(taskID string) ([]string, error) {
	if p := m.lookup(taskID); p != nil {
		p.mu.Lock()
		lines := p.ring.snapshot()
		p.mu.Unlock()
		if len(lines) > 0 {
			return lines, nil
		}
	}
	return m.store.Load(taskID)
}

// Get returns the handle for taskID's agent, if the table has one.
func (m *Manager) Get(taskID string) (*Handle, bool) {
	p := m.lookup(taskID)
	if p == nil {
		return nil, false
	}
	return p.handle(), true
}

// List returns every process in the table, ordered by task id.
func (m *Manager) List() []*Handle {
	m.mu.Lock()
	procs := make([]*agentProcess, 0, len(m.procs))
	for _, p := range m.procs {
		procs = append(procs, p)
	}
	m.mu.Unlock()

	handles := make([]*Handle, 0, len(procs))
	for _, p := range procs {
		handles = append(handles, p.handle())
	}
	slices.SortFunc(handles, func(a, b *Handle) int { return strings.Compare(a.TaskID, b.TaskID) })
	return handles
}

// HasActiveSession reports whether an agent is alive for taskID.
func (m *Manager) HasActiveSession(taskID string) bool {
	p := m.lookup(taskID)
	return p != nil && p.alive()
}

// SessionID returns the live session id, falling back to the one on file.
func (m *Manager) SessionID(taskID string) (string, error) {
	if p := m.lookup(taskID); p != nil {
		if h := p.handle(); h.SessionID != "" {
			return h.SessionID, nil
		}
	}
	return m.store.LoadSessionID(taskID)
}

// RunOneShot runs the agent once in dir with prompt in non-interactive mode
// and returns its combined output. It is bounded by OneShotTimeout.
func (m *Manager) RunOneShot(ctx context.Context, dir, prompt string) (string, error) {
	path, err := exec.LookPath(m.cfg.Command)
	if err != nil {
		return "", fmt.Errorf("agent executable not found: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, m.cfg.OneShotTimeout)
	defer cancel()

	args := append(slices.Clone(m.cfg.OneShotArgs), prompt)
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), m.cfg.Env...)
	setProcGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd.Process.Pid) }
	cmd.WaitDelay = time.Second

	out, err := cmd.CombinedOutput()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return string(out), fmt.Errorf("one-shot agent run: %w", ctxErr)
	}
	if err != nil {
		return string(out), fmt.Errorf("one-shot agent run: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// StopAll stops every live agent concurrently.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	var ids []string
	for id, p := range m.procs {
		if p.alive() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, id := range ids {
		g.Go(func() error { return m.Stop(ctx, id) })
	}
	return g.Wait()
}

// Shutdown stops every agent and waits for their output to drain.
func (m *Manager) Shutdown(ctx context.Context) error {
	err := m.StopAll(ctx)
	drained := make(chan struct{})
	go func() {
		m.owners.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}
	return err
}

func (m *Manager) publishStatus(p *agentProcess) {
	h := p.handle()
	data := map[string]any{
		"task_id": h.TaskID,
		"status":  string(h.Status),
		"pid":     h.PID,
	}
	if h.ExitCode != nil {
		data["exit_code"] = *h.ExitCode
	}
	m.publish(events.AgentStatusSubject(h.TaskID), events.AgentStatus, data)
}

func (m *Manager) publish(subject, eventType string, data map[string]any) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(context.Background(), subject, bus.NewEvent(eventType, eventSource, data)); err != nil {
		m.logger.Debug("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
