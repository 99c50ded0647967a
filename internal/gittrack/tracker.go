// Package gittrack observes git workspace state alongside runs. Every
// git invocation is best-effort: a failing command yields empty output,
// never an error, so a broken or absent git setup cannot take a run
// down.
package gittrack

import (
	"context"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/drover/drover/internal/events"
	"github.com/drover/drover/internal/session/models"
)

// defaultCheckpointMessage names stashes created without an explicit
// message.
const defaultCheckpointMessage = "drover checkpoint"

// State is one observation of the repository.
type State struct {
	CommitHash     string
	Branch         string
	DirtyFiles     []string
	StagedFiles    []string
	UntrackedFiles []string
	DiffStat       string
	IsGitRepo      bool
}

// FileChange describes one changed file since HEAD.
type FileChange struct {
	Path         string `json:"path"`
	ChangeType   string `json:"change_type"` // added, modified
	LinesAdded   int    `json:"lines_added"`
	LinesRemoved int    `json:"lines_removed"`
}

// Tracker snapshots one working directory for one run.
type Tracker struct {
	workingDir string
	sessionID  string
	runID      string

	mu        sync.Mutex
	isRepo    *bool
	lastState *State
}

// New creates a tracker bound to a run.
func New(workingDir, sessionID, runID string) *Tracker {
	if abs, err := filepath.Abs(workingDir); err == nil {
		workingDir = abs
	}
	return &Tracker{workingDir: workingDir, sessionID: sessionID, runID: runID}
}

// IsGitRepo reports whether the working directory is inside a git
// working tree. The answer is cached after the first probe.
func (t *Tracker) IsGitRepo(ctx context.Context) bool {
	t.mu.Lock()
	if t.isRepo != nil {
		cached := *t.isRepo
		t.mu.Unlock()
		return cached
	}
	t.mu.Unlock()

	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--git-dir")
	cmd.Dir = t.workingDir
	ok := cmd.Run() == nil

	t.mu.Lock()
	t.isRepo = &ok
	t.mu.Unlock()
	return ok
}

// Snapshot captures the current repository state as a git.snapshot
// event plus the row to persist. dirty_files folds untracked files in;
// the payload keeps them separate. diff_stat stays empty on the first
// snapshot so the baseline observation carries no noise.
func (t *Tracker) Snapshot(ctx context.Context) (*events.Event, *models.GitSnapshot) {
	state := t.state(ctx)

	t.mu.Lock()
	diffStat := ""
	if t.lastState != nil && state.IsGitRepo {
		diffStat = state.DiffStat
	}
	t.lastState = state
	t.mu.Unlock()

	dirty := append(append([]string{}, state.DirtyFiles...), state.UntrackedFiles...)

	event := events.New(events.GitSnapshot, t.sessionID, t.runID, map[string]any{
		"commit_hash":     state.CommitHash,
		"branch":          state.Branch,
		"dirty_files":     dirty,
		"staged_files":    state.StagedFiles,
		"diff_stat":       diffStat,
		"untracked_files": state.UntrackedFiles,
		"is_git_repo":     state.IsGitRepo,
	})

	snapshot := &models.GitSnapshot{
		EventID:     event.ID,
		RunID:       t.runID,
		CommitHash:  state.CommitHash,
		Branch:      state.Branch,
		DirtyFiles:  dirty,
		StagedFiles: state.StagedFiles,
		DiffStat:    diffStat,
	}
	return event, snapshot
}

// FileChanges lists modified files (diff --numstat) plus untracked
// files (ls-files --others).
func (t *Tracker) FileChanges(ctx context.Context) []FileChange {
	if !t.IsGitRepo(ctx) {
		return nil
	}

	var changes []FileChange
	for _, line := range splitLines(t.runGit(ctx, "diff", "--numstat")) {
		parts := strings.Split(line, "\t")
		if len(parts) < 3 {
			continue
		}
		changes = append(changes, FileChange{
			Path:         parts[2],
			ChangeType:   "modified",
			LinesAdded:   numstatCount(parts[0]),
			LinesRemoved: numstatCount(parts[1]),
		})
	}

	for _, path := range splitLines(t.runGit(ctx, "ls-files", "--others", "--exclude-standard")) {
		changes = append(changes, FileChange{Path: path, ChangeType: "added"})
	}
	return changes
}

// FileDiff returns the unified diff for one file.
func (t *Tracker) FileDiff(ctx context.Context, path string) string {
	if !t.IsGitRepo(ctx) {
		return ""
	}
	return t.runGit(ctx, "diff", "--", path)
}

// Checkpoint stashes current changes as a named restore point. Returns
// "" when there was nothing to stash or the directory is not a repo.
func (t *Tracker) Checkpoint(ctx context.Context, message string) string {
	if !t.IsGitRepo(ctx) {
		return ""
	}
	if message == "" {
		message = defaultCheckpointMessage
	}
	out := t.runGit(ctx, "stash", "push", "-m", message)
	if strings.Contains(out, "No local changes") {
		return ""
	}
	return out
}

// Restore pops the most recent checkpoint.
func (t *Tracker) Restore(ctx context.Context) bool {
	if !t.IsGitRepo(ctx) {
		return false
	}
	out := t.runGit(ctx, "stash", "pop")
	return !strings.Contains(strings.ToLower(out), "error")
}

// state runs the four observation commands concurrently and parses the
// porcelain status.
func (t *Tracker) state(ctx context.Context) *State {
	if !t.IsGitRepo(ctx) {
		return &State{IsGitRepo: false}
	}

	var commitHash, branch, status, diffStat string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { commitHash = t.runGit(gctx, "rev-parse", "HEAD"); return nil })
	g.Go(func() error { branch = t.runGit(gctx, "rev-parse", "--abbrev-ref", "HEAD"); return nil })
	// Porcelain output is positional; trimming would eat the first
	// line's leading status column.
	g.Go(func() error { status = t.runGitRaw(gctx, "status", "--porcelain"); return nil })
	g.Go(func() error { diffStat = t.runGit(gctx, "diff", "--stat"); return nil })
	_ = g.Wait()

	state := &State{
		CommitHash: commitHash,
		Branch:     branch,
		DiffStat:   diffStat,
		IsGitRepo:  true,
	}

	for _, line := range splitLines(status) {
		if len(line) < 3 {
			continue
		}
		code := line[:2]
		path := line[3:]
		if code[0] != ' ' && code[0] != '?' {
			state.StagedFiles = append(state.StagedFiles, path)
		}
		if code[1] != ' ' && code[1] != '?' {
			state.DirtyFiles = append(state.DirtyFiles, path)
		}
		if code == "??" {
			state.UntrackedFiles = append(state.UntrackedFiles, path)
		}
	}
	return state
}

// runGit executes a git command in the working directory and returns
// stripped stdout; any failure returns "".
func (t *Tracker) runGit(ctx context.Context, args ...string) string {
	return strings.TrimSpace(t.runGitRaw(ctx, args...))
}

func (t *Tracker) runGitRaw(ctx context.Context, args ...string) string {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = t.workingDir
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return string(out)
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// numstatCount parses one numstat column; binary files report "-".
func numstatCount(s string) int {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}
