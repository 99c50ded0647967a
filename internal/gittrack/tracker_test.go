package gittrack

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drover/drover/internal/events"
)

// initRepo creates a throwaway git repository with one commit.
func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runGit(t, dir, "init", "-b", "main")
	runGit(t, dir, "config", "user.email", "test@example.com")
	runGit(t, dir, "config", "user.name", "Test")
	writeFile(t, dir, "README.md", "hello\n")
	runGit(t, dir, "add", ".")
	runGit(t, dir, "commit", "-m", "initial")
	return dir
}

func runGit(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestSnapshotOutsideRepo(t *testing.T) {
	tracker := New(t.TempDir(), "sess", "run")
	ctx := context.Background()

	assert.False(t, tracker.IsGitRepo(ctx))

	event, snapshot := tracker.Snapshot(ctx)
	assert.Equal(t, events.GitSnapshot, event.Type)
	assert.Equal(t, false, event.Payload["is_git_repo"])
	assert.Empty(t, event.Payload["commit_hash"])
	assert.Empty(t, snapshot.DirtyFiles)
	assert.Empty(t, snapshot.StagedFiles)
}

func TestSnapshotClassifiesStatus(t *testing.T) {
	dir := initRepo(t)
	tracker := New(dir, "sess", "run")
	ctx := context.Background()

	require.True(t, tracker.IsGitRepo(ctx))

	// modified in worktree, staged change, and an untracked file
	writeFile(t, dir, "README.md", "hello changed\n")
	writeFile(t, dir, "staged.txt", "staged\n")
	runGit(t, dir, "add", "staged.txt")
	writeFile(t, dir, "new.txt", "untracked\n")

	event, snapshot := tracker.Snapshot(ctx)

	assert.Equal(t, "main", event.Payload["branch"])
	assert.NotEmpty(t, event.Payload["commit_hash"])
	assert.Equal(t, true, event.Payload["is_git_repo"])

	dirty, _ := event.Payload["dirty_files"].([]string)
	assert.Contains(t, dirty, "README.md", "worktree-modified file is dirty")
	assert.Contains(t, dirty, "new.txt", "untracked files fold into dirty_files")

	staged, _ := event.Payload["staged_files"].([]string)
	assert.Equal(t, []string{"staged.txt"}, staged)

	untracked, _ := event.Payload["untracked_files"].([]string)
	assert.Equal(t, []string{"new.txt"}, untracked)

	// first snapshot carries no diff stat baseline
	assert.Equal(t, "", event.Payload["diff_stat"])
	assert.Equal(t, snapshot.RunID, "run")
	assert.Equal(t, snapshot.EventID, event.ID)

	// second snapshot computes the diff stat
	event2, _ := tracker.Snapshot(ctx)
	assert.Contains(t, event2.Payload["diff_stat"], "README.md")
}

func TestFileChangesAndDiff(t *testing.T) {
	dir := initRepo(t)
	tracker := New(dir, "sess", "run")
	ctx := context.Background()

	writeFile(t, dir, "README.md", "hello\nsecond line\n")
	writeFile(t, dir, "new.txt", "untracked\n")

	changes := tracker.FileChanges(ctx)
	require.Len(t, changes, 2)

	byPath := map[string]FileChange{}
	for _, c := range changes {
		byPath[c.Path] = c
	}
	assert.Equal(t, "modified", byPath["README.md"].ChangeType)
	assert.Equal(t, 1, byPath["README.md"].LinesAdded)
	assert.Equal(t, "added", byPath["new.txt"].ChangeType)

	diff := tracker.FileDiff(ctx, "README.md")
	assert.Contains(t, diff, "+second line")
	assert.Empty(t, tracker.FileDiff(ctx, "missing.txt"))
}

func TestCheckpointAndRestore(t *testing.T) {
	dir := initRepo(t)
	tracker := New(dir, "sess", "run")
	ctx := context.Background()

	// nothing to stash
	assert.Empty(t, tracker.Checkpoint(ctx, ""))

	writeFile(t, dir, "README.md", "checkpoint me\n")
	out := tracker.Checkpoint(ctx, "before risky step")
	assert.NotEmpty(t, out)

	// worktree is clean again after the stash
	data, err := os.ReadFile(filepath.Join(dir, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))

	require.True(t, tracker.Restore(ctx))
	data, err = os.ReadFile(filepath.Join(dir, "README.md"))
	require.NoError(t, err)
	assert.Equal(t, "checkpoint me\n", string(data))
}

func TestNonRepoOperationsAreSafe(t *testing.T) {
	tracker := New(t.TempDir(), "sess", "run")
	ctx := context.Background()

	assert.Nil(t, tracker.FileChanges(ctx))
	assert.Empty(t, tracker.FileDiff(ctx, "any.txt"))
	assert.Empty(t, tracker.Checkpoint(ctx, "msg"))
	assert.False(t, tracker.Restore(ctx))
}
