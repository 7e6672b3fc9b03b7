package worktree

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/benodiwal/medusa/internal/task/models"
)

// ErrWorkspaceNotFound is returned by reads against a task with no workspace.
var ErrWorkspaceNotFound = errors.New("workspace not found")

// workspace returns taskID's workspace path, or ErrWorkspaceNotFound.
func (r *Repo) workspace(taskID string) (string, error) {
	if !validTaskID(taskID) {
		return "", fmt.Errorf("invalid task id %q", taskID)
	}
	if !r.Exists(taskID) {
		return "", fmt.Errorf("%w: task %s", ErrWorkspaceNotFound, taskID)
	}
	return r.WorkspacePath(taskID), nil
}

func (r *Repo) diffBase(baseCommit string) string {
	if baseCommit != "" {
		return baseCommit
	}
	return r.m.config.DefaultBranch
}

// DiffAllChanges lists every file the task changed relative to baseCommit:
// tracked changes (committed or not) plus untracked new files. An empty
// baseCommit diffs against the configured default branch.
func (r *Repo) DiffAllChanges(ctx context.Context, taskID, baseCommit string) ([]string, error) {
	dir, err := r.workspace(taskID)
	if err != nil {
		return nil, err
	}
	base := r.diffBase(baseCommit)

	var tracked, untracked string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out, err := r.m.git(gctx, dir, "-c", "core.quotePath=false", "diff", "--name-only", base, "--")
		if err != nil {
			return fmt.Errorf("diff against %s: %w", base, err)
		}
		tracked = out
		return nil
	})
	g.Go(func() error {
		out, err := r.m.git(gctx, dir, "-c", "core.quotePath=false", "ls-files", "--others", "--exclude-standard")
		if err != nil {
			return fmt.Errorf("list untracked files: %w", err)
		}
		untracked = out
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	files := make([]string, 0)
	for _, f := range append(splitLines(tracked), splitLines(untracked)...) {
		if !seen[f] {
			seen[f] = true
			files = append(files, f)
		}
	}
	sort.Strings(files)
	return files, nil
}

// FileDiff returns the unified diff of one file against baseCommit. A file
// absent from the base with no diff output from git (untracked) gets a
// synthesized all-lines-added patch.
func (r *Repo) FileDiff(ctx context.Context, taskID, file, baseCommit string) (string, error) {
	dir, err := r.workspace(taskID)
	if err != nil {
		return "", err
	}
	rel, err := cleanRelPath(file)
	if err != nil {
		return "", err
	}
	base := r.diffBase(baseCommit)

	out, err := r.m.git(ctx, dir, "diff", base, "--", rel)
	if err != nil {
		return "", fmt.Errorf("diff %s against %s: %w", rel, base, err)
	}
	if strings.TrimSpace(out) != "" {
		return out, nil
	}

	if _, err := r.m.git(ctx, dir, "cat-file", "-e", base+":"+rel); err == nil {
		return "", nil
	}
	content, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel)))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rel, err)
	}
	return newFilePatch(rel, content), nil
}

// newFilePatch renders content as a unified diff creating path.
func newFilePatch(path string, content []byte) string {
	var b strings.Builder
	fmt.Fprintf(&b, "diff --git a/%s b/%s\n", path, path)
	b.WriteString("new file mode 100644\n")
	if bytes.IndexByte(content, 0) >= 0 {
		fmt.Fprintf(&b, "Binary files /dev/null and b/%s differ\n", path)
		return b.String()
	}
	if len(content) == 0 {
		return b.String()
	}

	text := string(content)
	noFinalNewline := !strings.HasSuffix(text, "\n")
	lines := strings.Split(strings.TrimSuffix(text, "\n"), "\n")

	b.WriteString("--- /dev/null\n")
	fmt.Fprintf(&b, "+++ b/%s\n", path)
	fmt.Fprintf(&b, "@@ -0,0 +1,%d @@\n", len(lines))
	for _, line := range lines {
		b.WriteString("+")
		b.WriteString(line)
		b.WriteString("\n")
	}
	if noFinalNewline {
		b.WriteString("\\ No newline at end of file\n")
	}
	return b.String()
}

// cleanRelPath rejects absolute paths and paths escaping the workspace.
func cleanRelPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty file path")
	}
	slash := filepath.ToSlash(filepath.Clean(p))
	if filepath.IsAbs(p) || slash == ".." || strings.HasPrefix(slash, "../") {
		return "", fmt.Errorf("file path %q is outside the workspace", p)
	}
	return slash, nil
}

// CommitsSince lists the task branch's commits after baseCommit, newest first.
func (r *Repo) CommitsSince(ctx context.Context, taskID, baseCommit string) ([]models.TaskCommit, error) {
	dir, err := r.workspace(taskID)
	if err != nil {
		return nil, err
	}
	base := r.diffBase(baseCommit)

	out, err := r.m.git(ctx, dir, "log", "--format=%H%x1f%h%x1f%s%x1f%an%x1f%aI", base+"..HEAD")
	if err != nil {
		return nil, fmt.Errorf("log since %s: %w", base, err)
	}

	commits := make([]models.TaskCommit, 0)
	for _, line := range splitLines(out) {
		parts := strings.Split(line, "\x1f")
		if len(parts) != 5 {
			continue
		}
		date, _ := time.Parse(time.RFC3339, parts[4])
		commits = append(commits, models.TaskCommit{
			Hash:      parts[0],
			ShortHash: parts[1],
			Message:   parts[2],
			Author:    parts[3],
			Date:      date,
		})
	}
	return commits, nil
}

// Summary describes the task's changes since baseCommit: git's one-line
// shortstat followed by the one-line log of the task's commits.
func (r *Repo) Summary(ctx context.Context, taskID, baseCommit string) (string, error) {
	dir, err := r.workspace(taskID)
	if err != nil {
		return "", err
	}
	base := r.diffBase(baseCommit)

	stat, err := r.m.git(ctx, dir, "diff", "--shortstat", base)
	if err != nil {
		return "", fmt.Errorf("shortstat against %s: %w", base, err)
	}
	log, err := r.m.git(ctx, dir, "log", "--oneline", base+"..HEAD")
	if err != nil {
		return "", fmt.Errorf("log since %s: %w", base, err)
	}

	summary := strings.TrimSpace(stat)
	if summary == "" {
		summary = "no changes"
	}
	if l := strings.TrimSpace(log); l != "" {
		summary += "\n\n" + l
	}
	return summary, nil
}
