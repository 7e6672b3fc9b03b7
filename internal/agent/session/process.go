package session

import (
	"bufio"
	"errors"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// Status is the lifecycle state of an agent process.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether the process has finished.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// Handle is a point-in-time view of one agent process.
type Handle struct {
	TaskID        string    `json:"task_id"`
	PID           int       `json:"pid"`
	Status        Status    `json:"status"`
	RepoPath      string    `json:"repo_path"`
	WorkspacePath string    `json:"workspace_path"`
	Branch        string    `json:"branch"`
	BaseCommit    string    `json:"base_commit"`
	BaseBranch    string    `json:"base_branch"`
	SessionID     string    `json:"session_id,omitempty"`
	Resumed       bool      `json:"resumed"`
	StartedAt     time.Time `json:"started_at"`
	ExitCode      *int      `json:"exit_code,omitempty"`
}

type eventKind int

const (
	evStdout eventKind = iota
	evStderr
	evInput
	evExit
)

// procEvent is the unit of work handed to a process's owner goroutine.
type procEvent struct {
	kind eventKind
	line string
	err  error      // evExit: result of cmd.Wait
	ack  chan error // evInput: signalled once the line is logged
}

// agentProcess is one running agent. Readers and the exit watcher never
// touch its state; they send procEvents to the owner goroutine, which is the
// single writer of status, session id and the output ring.
type agentProcess struct {
	taskID     string
	repoPath   string
	workspace  string
	branch     string
	baseCommit string
	baseBranch string
	startedAt  time.Time

	cmd    *exec.Cmd
	events chan procEvent
	done   chan struct{}

	// writeMu serializes user turns written to stdin.
	writeMu sync.Mutex

	mu        sync.Mutex
	pid       int
	stdin     io.WriteCloser
	status    Status
	exitCode  *int
	sessionID string
	resumed   bool
	ring      *lineRing
}

func (p *agentProcess) handle() *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := &Handle{
		TaskID:        p.taskID,
		PID:           p.pid,
		Status:        p.status,
		RepoPath:      p.repoPath,
		WorkspacePath: p.workspace,
		Branch:        p.branch,
		BaseCommit:    p.baseCommit,
		BaseBranch:    p.baseBranch,
		SessionID:     p.sessionID,
		Resumed:       p.resumed,
		StartedAt:     p.startedAt,
	}
	if p.exitCode != nil {
		code := *p.exitCode
		h.ExitCode = &code
	}
	return h
}

func (p *agentProcess) alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.status.Terminal()
}

func (p *agentProcess) currentStatus() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *agentProcess) stdinWriter() io.WriteCloser {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stdin
}

// post hands ev to the owner goroutine unless it has already exited.
func (p *agentProcess) post(ev procEvent) bool {
	select {
	case p.events <- ev:
		return true
	case <-p.done:
		return false
	}
}

// readLines forwards every line of r to the owner goroutine as kind.
func (p *agentProcess) readLines(r io.Reader, kind eventKind) {
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			p.post(procEvent{kind: kind, line: line})
		}
		if err != nil {
			return
		}
	}
}

// exitCodeOf extracts the process exit code from a cmd.Wait result.
func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
