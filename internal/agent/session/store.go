package session

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// Store persists the session log and resumable session id of each task.
type Store interface {
	Append(taskID, line string) error
	Load(taskID string) ([]string, error)
	SaveSessionID(taskID, sessionID string) error
	LoadSessionID(taskID string) (string, error)
	Delete(taskID string) error
}

// FileStore keeps one append-only <task>.jsonl log and one <task>.session_id
// file per task under <dataDir>/sessions.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the sessions directory under dataDir.
func NewFileStore(dataDir string) (*FileStore, error) {
	dir := filepath.Join(dataDir, "sessions")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the sessions directory.
func (s *FileStore) Dir() string { return s.dir }

// LogPath returns the session log path for taskID.
func (s *FileStore) LogPath(taskID string) string {
	return filepath.Join(s.dir, taskID+".jsonl")
}

func (s *FileStore) sessionIDPath(taskID string) string {
	return filepath.Join(s.dir, taskID+".session_id")
}

// Append writes line to the end of taskID's log. Appends are serialized,
// so the file order is the call order.
func (s *FileStore) Append(taskID, line string) error {
	if !validTaskID(taskID) {
		return fmt.Errorf("invalid task id %q", taskID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.LogPath(taskID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open session log: %w", err)
	}
	_, werr := io.WriteString(f, strings.TrimRight(line, "\r\n")+"\n")
	cerr := f.Close()
	if werr != nil {
		return fmt.Errorf("append session log: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("close session log: %w", cerr)
	}
	return nil
}

// Load returns every line of taskID's log in order, or nil when there is none.
func (s *FileStore) Load(taskID string) ([]string, error) {
	if !validTaskID(taskID) {
		return nil, fmt.Errorf("invalid task id %q", taskID)
	}
	f, err := os.Open(s.LogPath(taskID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var lines []string
	r := bufio.NewReader(f)
	for {
		line, err := r.ReadString('\n')
		if line = strings.TrimRight(line, "\r\n"); line != "" {
			lines = append(lines, line)
		}
		if errors.Is(err, io.EOF) {
			return lines, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read session log: %w", err)
		}
	}
}

// SaveSessionID records the resumable session id for taskID.
func (s *FileStore) SaveSessionID(taskID, sessionID string) error {
	if !validTaskID(taskID) {
		return fmt.Errorf("invalid task id %q", taskID)
	}
	tmp := s.sessionIDPath(taskID) + ".tmp"
	if err := os.WriteFile(tmp, []byte(sessionID), 0o600); err != nil {
		return fmt.Errorf("write session id: %w", err)
	}
	if err := os.Rename(tmp, s.sessionIDPath(taskID)); err != nil {
		return fmt.Errorf("write session id: %w", err)
	}
	return nil
}

// LoadSessionID returns the recorded session id, or "" when there is none.
func (s *FileStore) LoadSessionID(taskID string) (string, error) {
	if !validTaskID(taskID) {
		return "", fmt.Errorf("invalid task id %q", taskID)
	}
	data, err := os.ReadFile(s.sessionIDPath(taskID))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read session id: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// Delete removes taskID's log and session id files.
func (s *FileStore) Delete(taskID string) error {
	if !validTaskID(taskID) {
		return fmt.Errorf("invalid task id %q", taskID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, p := range []string{s.LogPath(taskID), s.sessionIDPath(taskID)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var validTaskIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

func validTaskID(id string) bool {
	return id != "" && len(id) <= 128 && !strings.Contains(id, "..") && validTaskIDRegex.MatchString(id)
}
