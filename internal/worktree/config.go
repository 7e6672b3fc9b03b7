package worktree

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Config holds configuration for the worktree manager.
type Config struct {
	// ScratchDir is where task workspaces live, relative to the repository root.
	// Default: .medusa/worktrees
	ScratchDir string

	// BranchPrefix prefixes generated task branch names.
	// Default: medusa/task-
	BranchPrefix string

	// DefaultBranch is the diff base used when a task has no recorded base commit.
	// Default: main
	DefaultBranch string
}

const (
	DefaultScratchDir    = ".medusa/worktrees"
	DefaultBranchPrefix  = "medusa/task-"
	DefaultDefaultBranch = "main"

	// branchIDLen is how much of the task id goes into a generated branch name.
	branchIDLen = 8
)

// Validate fills defaults and rejects unusable values.
func (c *Config) Validate() error {
	if c.ScratchDir == "" {
		c.ScratchDir = DefaultScratchDir
	}
	if c.BranchPrefix == "" {
		c.BranchPrefix = DefaultBranchPrefix
	}
	if c.DefaultBranch == "" {
		c.DefaultBranch = DefaultDefaultBranch
	}
	if filepath.IsAbs(c.ScratchDir) || strings.Contains(filepath.ToSlash(c.ScratchDir), "..") {
		return fmt.Errorf("scratch dir must be a relative path inside the repository: %q", c.ScratchDir)
	}
	if !IsValidBranchName(strings.TrimSuffix(c.BranchPrefix, "/") + "x") {
		return fmt.Errorf("invalid branch prefix %q", c.BranchPrefix)
	}
	return nil
}

// BranchName returns the branch assigned to a task: the prefix followed by
// the first eight characters of the task id.
func (c *Config) BranchName(taskID string) string {
	id := taskID
	if len(id) > branchIDLen {
		id = id[:branchIDLen]
	}
	return c.BranchPrefix + id
}

var validBranchNameRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._/-]*$`)

// IsValidBranchName reports whether branch is safe to pass to git.
func IsValidBranchName(branch string) bool {
	if branch == "" || len(branch) > 255 {
		return false
	}
	if strings.Contains(branch, "..") || strings.HasSuffix(branch, ".lock") || strings.HasSuffix(branch, "/") {
		return false
	}
	return validBranchNameRegex.MatchString(branch)
}

var validTaskIDRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// validTaskID reports whether id can be used as a single path component.
func validTaskID(id string) bool {
	return id != "" && len(id) <= 128 && !strings.Contains(id, "..") && validTaskIDRegex.MatchString(id)
}
