package vcs

import (
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"muxsnap/internal/checkpoint"
)

// initTestRepo creates a repository with one committed file and returns its
// path. Tests are skipped when the git binary is unavailable.
func initTestRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git binary not available")
	}

	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}

	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	run("add", "README.md")
	run("commit", "-m", "initial")
	return dir
}

func TestGitInspector_Status_CleanRepo(t *testing.T) {
	dir := initTestRepo(t)
	g := NewGitInspector()

	state, err := g.Status(dir)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if state.Branch != "main" {
		t.Errorf("Branch = %q, want main", state.Branch)
	}
	if state.Commit == "" {
		t.Error("Commit not resolved")
	}
	if state.IsDirty {
		t.Error("clean repo reported dirty")
	}
	if state.StagedCount+state.UnstagedCount+state.UntrackedCount != 0 {
		t.Errorf("clean repo reported changes: %+v", state)
	}
}

func TestGitInspector_Status_DirtyRepo(t *testing.T) {
	dir := initTestRepo(t)
	g := NewGitInspector()

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("changed\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "new.txt"), []byte("untracked\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	state, err := g.Status(dir)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !state.IsDirty {
		t.Error("dirty repo reported clean")
	}
	if state.UnstagedCount == 0 {
		t.Errorf("modified file not counted: %+v", state)
	}
	if state.UntrackedCount != 1 {
		t.Errorf("UntrackedCount = %d, want 1", state.UntrackedCount)
	}
}

func TestGitInspector_Status_NotARepository(t *testing.T) {
	g := NewGitInspector()

	_, err := g.Status(t.TempDir())
	if err == nil {
		t.Fatal("expected error outside a repository")
	}
	if !errors.Is(err, checkpoint.ErrNoRepository) {
		t.Errorf("error %v does not wrap ErrNoRepository", err)
	}
}

func TestGitInspector_DiffPatch(t *testing.T) {
	dir := initTestRepo(t)
	g := NewGitInspector()

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("changed\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	patch, err := g.DiffPatch(dir)
	if err != nil {
		t.Fatalf("DiffPatch: %v", err)
	}
	if !strings.Contains(patch, "diff --git") || !strings.Contains(patch, "README.md") {
		t.Errorf("unexpected patch: %q", patch)
	}
}
