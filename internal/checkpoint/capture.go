// internal/checkpoint/capture.go
package checkpoint

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog"
)

// DefaultScrollbackLines is how much pane history Capture records when no
// limit is configured.
const DefaultScrollbackLines = 2000

// ErrNoRepository is returned (wrapped) by a VCSInspector when the working
// directory is not under version control. Capture treats it as "no git
// state" rather than a failure.
var ErrNoRepository = errors.New("not a git repository")

// SessionInspector supplies live multiplexer state: pane list, titles,
// sizes, active index and scrollback text on demand.
type SessionInspector interface {
	Inspect(sessionName string) (SessionState, error)
	CapturePane(sessionName, paneID string, lines int) (string, error)
}

// VCSInspector supplies version-control state for a working directory and
// can produce a unified diff of the working tree.
type VCSInspector interface {
	Status(dir string) (GitState, error)
	DiffPatch(dir string) (string, error)
}

// Capturer builds checkpoints from live session and VCS state and resolves
// user-supplied references to stored checkpoints.
type Capturer struct {
	storage         *Storage
	sessions        SessionInspector
	vcs             VCSInspector
	scrollbackLines int
	log             zerolog.Logger
}

// CapturerOption configures a Capturer.
type CapturerOption func(*Capturer)

// WithSessionInspector sets the multiplexer adapter used by Capture.
func WithSessionInspector(si SessionInspector) CapturerOption {
	return func(c *Capturer) { c.sessions = si }
}

// WithVCS sets the version-control adapter used by Capture.
func WithVCS(v VCSInspector) CapturerOption {
	return func(c *Capturer) { c.vcs = v }
}

// WithScrollbackLines bounds how much pane history Capture records.
func WithScrollbackLines(n int) CapturerOption {
	return func(c *Capturer) { c.scrollbackLines = n }
}

// WithLogger sets the capturer's logger (a no-op logger by default).
func WithLogger(log zerolog.Logger) CapturerOption {
	return func(c *Capturer) { c.log = log }
}

// NewCapturer creates a Capturer backed by default storage.
func NewCapturer(opts ...CapturerOption) *Capturer {
	return NewCapturerWithStorage(NewStorage(), opts...)
}

// NewCapturerWithStorage creates a Capturer backed by the given storage.
func NewCapturerWithStorage(storage *Storage, opts ...CapturerOption) *Capturer {
	c := &Capturer{
		storage:         storage,
		scrollbackLines: DefaultScrollbackLines,
		log:             zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Storage returns the storage backing this capturer.
func (c *Capturer) Storage() *Storage { return c.storage }

// Capture snapshots a live session into a new checkpoint: pane layout,
// per-pane scrollback, and (when workingDir is set) version-control state.
// The returned checkpoint has already been persisted.
func (c *Capturer) Capture(sessionName, workingDir, name string) (*Checkpoint, error) {
	if c.sessions == nil {
		return nil, errors.New("no session inspector configured")
	}

	state, err := c.sessions.Inspect(sessionName)
	if err != nil {
		return nil, fmt.Errorf("inspect session %q: %w", sessionName, err)
	}

	cp := &Checkpoint{
		Version:     CurrentVersion,
		ID:          GenerateID(name),
		Name:        name,
		SessionName: sessionName,
		WorkingDir:  workingDir,
		CreatedAt:   time.Now(),
	}

	for i := range state.Panes {
		pane := &state.Panes[i]
		content, err := c.sessions.CapturePane(sessionName, pane.ID, c.scrollbackLines)
		if err != nil {
			return nil, fmt.Errorf("capture pane %s: %w", pane.ID, err)
		}
		rel, err := c.storage.SaveScrollback(sessionName, cp.ID, strconv.Itoa(pane.Index), content)
		if err != nil {
			return nil, err
		}
		pane.ScrollbackFile = rel
	}

	if workingDir != "" && c.vcs != nil {
		gitState, err := c.captureGitState(workingDir, sessionName, cp.ID)
		if err != nil {
			return nil, err
		}
		cp.Git = gitState
	}

	cp.Session = state
	cp.PaneCount = len(state.Panes)

	if err := c.storage.Save(cp); err != nil {
		return nil, err
	}

	c.log.Info().
		Str("session", sessionName).
		Str("checkpoint", cp.ID).
		Int("panes", cp.PaneCount).
		Msg("checkpoint captured")
	return cp, nil
}

// captureGitState queries the VCS adapter and, when the tree is dirty,
// writes a unified diff patch next to the checkpoint. A directory that is
// not a repository yields an empty GitState; any other VCS failure is hard
// and non-retryable.
func (c *Capturer) captureGitState(workingDir, sessionName, checkpointID string) (GitState, error) {
	state, err := c.vcs.Status(workingDir)
	if err != nil {
		if errors.Is(err, ErrNoRepository) {
			return GitState{}, nil
		}
		return GitState{}, fmt.Errorf("git status for %s: %w", workingDir, err)
	}

	if state.IsDirty {
		patch, err := c.vcs.DiffPatch(workingDir)
		if err != nil {
			return GitState{}, fmt.Errorf("git diff for %s: %w", workingDir, err)
		}
		if patch != "" {
			rel, err := c.storage.SaveGitPatch(sessionName, checkpointID, patch)
			if err != nil {
				return GitState{}, err
			}
			state.PatchFile = rel
		}
	}

	return state, nil
}

// List returns all checkpoints for a session, newest first. Equal timestamps
// fall back to descending lexical ID, which the ID format makes
// chronological.
func (c *Capturer) List(sessionName string) ([]*Checkpoint, error) {
	checkpoints, err := c.storage.List(sessionName)
	if err != nil {
		return nil, err
	}
	sort.Slice(checkpoints, func(i, j int) bool {
		if !checkpoints[i].CreatedAt.Equal(checkpoints[j].CreatedAt) {
			return checkpoints[i].CreatedAt.After(checkpoints[j].CreatedAt)
		}
		return checkpoints[i].ID > checkpoints[j].ID
	})
	return checkpoints, nil
}

// GetLatest returns the newest checkpoint for a session.
func (c *Capturer) GetLatest(sessionName string) (*Checkpoint, error) {
	checkpoints, err := c.List(sessionName)
	if err != nil {
		return nil, err
	}
	if len(checkpoints) == 0 {
		return nil, fmt.Errorf("no checkpoints found for session %q", sessionName)
	}
	return checkpoints[0], nil
}

// GetByIndex returns the n-th checkpoint counting from newest, 1-indexed:
// n=1 is the latest.
func (c *Capturer) GetByIndex(sessionName string, n int) (*Checkpoint, error) {
	if n <= 0 {
		return nil, fmt.Errorf("checkpoint index must be >= 1, got %d", n)
	}
	checkpoints, err := c.List(sessionName)
	if err != nil {
		return nil, err
	}
	if n > len(checkpoints) {
		return nil, fmt.Errorf("checkpoint index %d out of range: session %q has %d", n, sessionName, len(checkpoints))
	}
	return checkpoints[n-1], nil
}

// FindByPattern returns checkpoints whose name (case-insensitive) or ID
// matches the pattern. Patterns may use glob wildcards (* and ?); a plain
// pattern matches a name exactly or an ID by prefix. No matches is an empty
// result, not an error.
func (c *Capturer) FindByPattern(sessionName, pattern string) ([]*Checkpoint, error) {
	checkpoints, err := c.List(sessionName)
	if err != nil {
		return nil, err
	}

	matches := []*Checkpoint{}
	if strings.ContainsAny(pattern, "*?[") {
		g, err := glob.Compile(strings.ToLower(pattern))
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		for _, cp := range checkpoints {
			if g.Match(strings.ToLower(cp.Name)) || g.Match(strings.ToLower(cp.ID)) {
				matches = append(matches, cp)
			}
		}
		return matches, nil
	}

	for _, cp := range checkpoints {
		if strings.EqualFold(cp.Name, pattern) || strings.HasPrefix(cp.ID, pattern) {
			matches = append(matches, cp)
		}
	}
	return matches, nil
}

// ParseCheckpointRef resolves a user-supplied reference to one checkpoint.
// Resolution order: the keywords last/latest; ~ or ~N (N-th newest); exact
// ID; exact case-insensitive name; glob pattern. Each later step is strictly
// more permissive, and a pattern matching more than one checkpoint is an
// error rather than a guess.
func (c *Capturer) ParseCheckpointRef(sessionName, ref string) (*Checkpoint, error) {
	switch strings.ToLower(ref) {
	case "last", "latest":
		return c.GetLatest(sessionName)
	}

	if strings.HasPrefix(ref, "~") {
		n := 1
		if rest := ref[1:]; rest != "" {
			parsed, err := strconv.Atoi(rest)
			if err != nil {
				return nil, fmt.Errorf("invalid checkpoint reference %q: expected ~N with numeric N", ref)
			}
			n = parsed
		}
		return c.GetByIndex(sessionName, n)
	}

	checkpoints, err := c.List(sessionName)
	if err != nil {
		return nil, err
	}

	for _, cp := range checkpoints {
		if cp.ID == ref {
			return cp, nil
		}
	}

	for _, cp := range checkpoints {
		if cp.Name != "" && strings.EqualFold(cp.Name, ref) {
			return cp, nil
		}
	}

	matches, err := c.FindByPattern(sessionName, ref)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no checkpoint found matching %q in session %q", ref, sessionName)
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, m := range matches {
			ids[i] = m.ID
		}
		return nil, fmt.Errorf("ambiguous checkpoint reference %q: matches %s", ref, strings.Join(ids, ", "))
	}
}
