// Package vcs reads git repository state for checkpoint capture. It uses
// go-git to classify file status and shells out to git for branch, commit
// and diff, because go-git does not handle worktrees correctly.
package vcs

import (
	"bytes"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	git "github.com/go-git/go-git/v5"

	"muxsnap/internal/checkpoint"
)

// GitInspector implements checkpoint.VCSInspector against local git
// repositories. The zero value is ready to use.
type GitInspector struct{}

// NewGitInspector returns a GitInspector.
func NewGitInspector() *GitInspector {
	return &GitInspector{}
}

// Status returns the repository state of dir. A directory that is not inside
// a repository reports checkpoint.ErrNoRepository (wrapped); callers treat
// that as "nothing to capture", not a failure.
func (g *GitInspector) Status(dir string) (checkpoint.GitState, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		if errors.Is(err, git.ErrRepositoryNotExists) {
			return checkpoint.GitState{}, fmt.Errorf("%s: %w", dir, checkpoint.ErrNoRepository)
		}
		return checkpoint.GitState{}, fmt.Errorf("open repository at %s: %w", dir, err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return checkpoint.GitState{}, fmt.Errorf("get worktree: %w", err)
	}
	status, err := worktree.Status()
	if err != nil {
		return checkpoint.GitState{}, fmt.Errorf("get status: %w", err)
	}

	state := checkpoint.GitState{IsDirty: !status.IsClean()}
	for _, fileStatus := range status {
		if fileStatus.Staging == git.Untracked && fileStatus.Worktree == git.Untracked {
			state.UntrackedCount++
			continue
		}
		if fileStatus.Staging != git.Unmodified {
			state.StagedCount++
		}
		if fileStatus.Worktree != git.Unmodified {
			state.UnstagedCount++
		}
	}

	// Branch and commit come from the git binary; failures here are
	// tolerable (empty repo, detached HEAD) and leave the fields empty.
	if branch, err := currentBranch(dir); err == nil {
		state.Branch = branch
	}
	if commit, err := runGit(dir, "rev-parse", "HEAD"); err == nil {
		state.Commit = commit
	}

	return state, nil
}

// DiffPatch returns the combined staged and unstaged diff against HEAD,
// suitable for later application with git apply.
func (g *GitInspector) DiffPatch(dir string) (string, error) {
	patch, err := runGit(dir, "diff", "HEAD")
	if err == nil {
		return patch, nil
	}

	// A repository with no commits has no HEAD to diff against; fall back
	// to the staged diff so freshly-added files still produce a patch.
	patch, fallbackErr := runGit(dir, "diff", "--cached")
	if fallbackErr != nil {
		return "", fmt.Errorf("generate diff: %w", err)
	}
	return patch, nil
}

// currentBranch resolves the checked-out branch name. A detached HEAD has no
// branch and reads as empty.
func currentBranch(dir string) (string, error) {
	branch, err := runGit(dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	if branch == "HEAD" {
		return "", errors.New("HEAD is detached")
	}
	return branch, nil
}

// runGit executes one git subcommand in dir and returns trimmed stdout.
func runGit(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("git %s: %w, stderr: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimSpace(stdout.String()), nil
}
