// internal/checkpoint/capture_test.go
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type fakeSessionInspector struct {
	state       SessionState
	scrollbacks map[string]string
	inspectErr  error
	captureErr  error
}

func (f *fakeSessionInspector) Inspect(sessionName string) (SessionState, error) {
	if f.inspectErr != nil {
		return SessionState{}, f.inspectErr
	}
	return f.state, nil
}

func (f *fakeSessionInspector) CapturePane(sessionName, paneID string, lines int) (string, error) {
	if f.captureErr != nil {
		return "", f.captureErr
	}
	return f.scrollbacks[paneID], nil
}

type fakeVCS struct {
	state     GitState
	patch     string
	statusErr error
	diffErr   error
}

func (f *fakeVCS) Status(dir string) (GitState, error) {
	if f.statusErr != nil {
		return GitState{}, f.statusErr
	}
	return f.state, nil
}

func (f *fakeVCS) DiffPatch(dir string) (string, error) {
	if f.diffErr != nil {
		return "", f.diffErr
	}
	return f.patch, nil
}

func saveTestCheckpoint(t *testing.T, storage *Storage, session, id, name string, createdAt time.Time) {
	t.Helper()
	cp := &Checkpoint{
		ID: id, Name: name, SessionName: session,
		CreatedAt: createdAt, Session: SessionState{},
	}
	if err := storage.Save(cp); err != nil {
		t.Fatalf("Save(%s): %v", id, err)
	}
}

func TestCapturer_Capture(t *testing.T) {
	storage := NewStorageWithDir(t.TempDir())
	session := "capture-session"

	inspector := &fakeSessionInspector{
		state: SessionState{
			Layout:          "main-vertical",
			ActivePaneIndex: 0,
			Panes: []PaneState{
				{ID: "%0", Index: 0, Title: "agent", AgentType: "cc", Width: 120, Height: 40},
				{ID: "%1", Index: 1, Title: "shell", Width: 120, Height: 40},
			},
		},
		scrollbacks: map[string]string{
			"%0": "agent output\nmore output",
			"%1": "$ ls\nREADME.md",
		},
	}
	vcs := &fakeVCS{
		state: GitState{Branch: "main", Commit: "abc123", IsDirty: true, UnstagedCount: 1},
		patch: "diff --git a/README.md b/README.md\n",
	}

	c := NewCapturerWithStorage(storage, WithSessionInspector(inspector), WithVCS(vcs))

	cp, err := c.Capture(session, "/tmp/project", "before-deploy")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}

	if cp.PaneCount != 2 {
		t.Errorf("PaneCount = %d, want 2", cp.PaneCount)
	}
	if cp.Git.PatchFile != GitPatchFile {
		t.Errorf("PatchFile = %q, want %q", cp.Git.PatchFile, GitPatchFile)
	}
	for _, pane := range cp.Session.Panes {
		if pane.ScrollbackFile == "" {
			t.Errorf("pane %s has no scrollback file", pane.ID)
			continue
		}
		path := filepath.Join(storage.CheckpointDir(session, cp.ID), pane.ScrollbackFile)
		if _, err := os.Stat(path); err != nil {
			t.Errorf("scrollback file for pane %s missing: %v", pane.ID, err)
		}
	}

	// A freshly captured checkpoint must verify clean.
	result := cp.Verify(storage)
	if !result.Valid {
		t.Errorf("Verify after Capture: Valid = false; errors: %v", result.Errors)
	}

	patch, err := storage.LoadGitPatch(session, cp.ID)
	if err != nil {
		t.Fatalf("LoadGitPatch: %v", err)
	}
	if !strings.Contains(patch, "diff --git") {
		t.Errorf("unexpected patch content: %q", patch)
	}
}

func TestCapturer_Capture_OutsideRepository(t *testing.T) {
	storage := NewStorageWithDir(t.TempDir())
	inspector := &fakeSessionInspector{state: SessionState{}}
	vcs := &fakeVCS{statusErr: fmt.Errorf("open /tmp/nowhere: %w", ErrNoRepository)}

	c := NewCapturerWithStorage(storage, WithSessionInspector(inspector), WithVCS(vcs))

	cp, err := c.Capture("plain-session", "/tmp/nowhere", "")
	if err != nil {
		t.Fatalf("Capture outside a repository should succeed: %v", err)
	}
	if cp.Git.Branch != "" || cp.Git.IsDirty {
		t.Errorf("expected empty git state, got %+v", cp.Git)
	}
}

func TestCapturer_CaptureGitState_HardFailure(t *testing.T) {
	storage := NewStorageWithDir(t.TempDir())
	inspector := &fakeSessionInspector{state: SessionState{}}
	vcs := &fakeVCS{statusErr: errors.New("git rev-parse HEAD: exit status 128")}

	c := NewCapturerWithStorage(storage, WithSessionInspector(inspector), WithVCS(vcs))

	if _, err := c.Capture("broken-session", "/tmp/broken", ""); err == nil {
		t.Error("Capture should propagate VCS failures")
	}
}

func TestCapturer_FindByPattern(t *testing.T) {
	storage := NewStorageWithDir(t.TempDir())
	capturer := NewCapturerWithStorage(storage)
	session := "find-session"

	checkpoints := []struct {
		id   string
		name string
	}{
		{"20260101-100000-0001-alpha", "alpha"},
		{"20260101-110000-0002-beta-release", "beta-release"},
		{"20260101-120000-0003-alpha-final", "alpha-final"},
	}
	for _, c := range checkpoints {
		saveTestCheckpoint(t, storage, session, c.id, c.name, time.Now())
	}

	tests := []struct {
		name    string
		pattern string
		want    int
	}{
		{"exact name match", "alpha", 1},
		{"case insensitive name", "ALPHA", 1},
		{"id prefix", "20260101-100000", 1},
		{"wildcard name", "alpha*", 2},
		{"wildcard suffix", "*release", 1},
		{"single char wildcard", "alph?", 1},
		{"no match", "nonexistent", 0},
		{"all wildcard", "*", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			matches, err := capturer.FindByPattern(session, tt.pattern)
			if err != nil {
				t.Fatalf("FindByPattern(%q): %v", tt.pattern, err)
			}
			if len(matches) != tt.want {
				t.Errorf("FindByPattern(%q) returned %d matches, want %d", tt.pattern, len(matches), tt.want)
			}
		})
	}
}

func TestCapturer_FindByPattern_NoSession(t *testing.T) {
	capturer := NewCapturerWithStorage(NewStorageWithDir(t.TempDir()))

	matches, err := capturer.FindByPattern("nonexistent", "anything")
	if err != nil {
		t.Fatalf("FindByPattern on nonexistent session: %v", err)
	}
	if len(matches) != 0 {
		t.Errorf("expected 0 matches, got %d", len(matches))
	}
}

func TestCapturer_List_NewestFirst(t *testing.T) {
	storage := NewStorageWithDir(t.TempDir())
	capturer := NewCapturerWithStorage(storage)
	session := "list-session"

	times := []time.Time{
		time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 1, 11, 0, 0, 0, time.UTC),
	}
	for i, ts := range times {
		id := fmt.Sprintf("20260101-%02d0000-000%d-cp", ts.Hour(), i)
		saveTestCheckpoint(t, storage, session, id, fmt.Sprintf("cp-%d", i), ts)
	}

	list, err := capturer.List(session)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("List returned %d, want 3", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].CreatedAt.Before(list[i].CreatedAt) {
			t.Errorf("not newest-first at %d: %v before %v", i, list[i-1].CreatedAt, list[i].CreatedAt)
		}
	}
}

func TestCapturer_GetLatest(t *testing.T) {
	storage := NewStorageWithDir(t.TempDir())
	capturer := NewCapturerWithStorage(storage)
	session := "latest-session"

	saveTestCheckpoint(t, storage, session, "20260101-100000-0001-old", "old",
		time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC))
	saveTestCheckpoint(t, storage, session, "20260101-120000-0002-new", "new",
		time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))

	latest, err := capturer.GetLatest(session)
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if latest.Name != "new" {
		t.Errorf("GetLatest().Name = %q, want new", latest.Name)
	}
}

func TestCapturer_GetLatest_NoCheckpoints(t *testing.T) {
	capturer := NewCapturerWithStorage(NewStorageWithDir(t.TempDir()))

	_, err := capturer.GetLatest("empty-session")
	if err == nil {
		t.Fatal("GetLatest should error with no checkpoints")
	}
	if !strings.Contains(err.Error(), "no checkpoints") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCapturer_GetByIndex(t *testing.T) {
	storage := NewStorageWithDir(t.TempDir())
	capturer := NewCapturerWithStorage(storage)
	session := "idx-session"

	names := []string{"oldest", "middle", "newest"}
	for i, name := range names {
		id := fmt.Sprintf("20260101-%02d0000-000%d-%s", 10+i, i, name)
		saveTestCheckpoint(t, storage, session, id, name,
			time.Date(2026, 1, 1, 10+i, 0, 0, 0, time.UTC))
	}

	tests := []struct {
		index    int
		wantName string
		wantErr  bool
	}{
		{1, "newest", false},
		{2, "middle", false},
		{3, "oldest", false},
		{0, "", true},
		{4, "", true},
		{-1, "", true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("index_%d", tt.index), func(t *testing.T) {
			cp, err := capturer.GetByIndex(session, tt.index)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("GetByIndex(%d): %v", tt.index, err)
			}
			if cp.Name != tt.wantName {
				t.Errorf("GetByIndex(%d).Name = %q, want %q", tt.index, cp.Name, tt.wantName)
			}
		})
	}
}

func TestCapturer_ParseCheckpointRef_Keywords(t *testing.T) {
	storage := NewStorageWithDir(t.TempDir())
	capturer := NewCapturerWithStorage(storage)
	session := "ref-session"

	saveTestCheckpoint(t, storage, session, "20260101-120000-0001-mycp", "mycp", time.Now())

	for _, kw := range []string{"last", "latest", "~1", "~", "LAST", "Latest"} {
		t.Run(kw, func(t *testing.T) {
			got, err := capturer.ParseCheckpointRef(session, kw)
			if err != nil {
				t.Fatalf("ParseCheckpointRef(%q): %v", kw, err)
			}
			if got.Name != "mycp" {
				t.Errorf("ParseCheckpointRef(%q).Name = %q, want mycp", kw, got.Name)
			}
		})
	}
}

func TestCapturer_ParseCheckpointRef_TildeN(t *testing.T) {
	storage := NewStorageWithDir(t.TempDir())
	capturer := NewCapturerWithStorage(storage)
	session := "tilde-session"

	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("20260101-%02d0000-000%d-cp%d", 10+i, i, i)
		saveTestCheckpoint(t, storage, session, id, fmt.Sprintf("cp%d", i),
			time.Date(2026, 1, 1, 10+i, 0, 0, 0, time.UTC))
	}

	got, err := capturer.ParseCheckpointRef(session, "~2")
	if err != nil {
		t.Fatalf("ParseCheckpointRef(~2): %v", err)
	}
	if got.Name != "cp1" {
		t.Errorf("~2 resolved to %q, want cp1", got.Name)
	}

	got, err = capturer.ParseCheckpointRef(session, "~3")
	if err != nil {
		t.Fatalf("ParseCheckpointRef(~3): %v", err)
	}
	if got.Name != "cp0" {
		t.Errorf("~3 resolved to %q, want cp0", got.Name)
	}
}

func TestCapturer_ParseCheckpointRef_ExactID(t *testing.T) {
	storage := NewStorageWithDir(t.TempDir())
	capturer := NewCapturerWithStorage(storage)
	session := "exact-session"

	exactID := "20260101-120000-0001-exact"
	saveTestCheckpoint(t, storage, session, exactID, "exact", time.Now())

	got, err := capturer.ParseCheckpointRef(session, exactID)
	if err != nil {
		t.Fatalf("ParseCheckpointRef(exact ID): %v", err)
	}
	if got.ID != exactID {
		t.Errorf("got ID=%q, want %q", got.ID, exactID)
	}
}

func TestCapturer_ParseCheckpointRef_ExactNameBeatsPattern(t *testing.T) {
	storage := NewStorageWithDir(t.TempDir())
	capturer := NewCapturerWithStorage(storage)
	session := "name-session"

	saveTestCheckpoint(t, storage, session, "20260101-100000-0001-alpha", "alpha",
		time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC))
	saveTestCheckpoint(t, storage, session, "20260101-120000-0002-alpha-final", "alpha-final",
		time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))

	// "alpha" resolves exactly even though "alpha*" would be ambiguous.
	got, err := capturer.ParseCheckpointRef(session, "alpha")
	if err != nil {
		t.Fatalf("ParseCheckpointRef(alpha): %v", err)
	}
	if got.Name != "alpha" {
		t.Errorf("got Name=%q, want alpha", got.Name)
	}

	if _, err := capturer.ParseCheckpointRef(session, "alpha*"); err == nil {
		t.Error("expected ambiguous error for alpha*")
	} else if !strings.Contains(err.Error(), "ambiguous") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCapturer_ParseCheckpointRef_NotFound(t *testing.T) {
	storage := NewStorageWithDir(t.TempDir())
	capturer := NewCapturerWithStorage(storage)
	session := "notfound-session"

	saveTestCheckpoint(t, storage, session, "20260101-120000-0001-existing", "existing", time.Now())

	_, err := capturer.ParseCheckpointRef(session, "nonexistent-ref")
	if err == nil {
		t.Fatal("expected error for non-matching ref")
	}
	if !strings.Contains(err.Error(), "no checkpoint found") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCapturer_ParseCheckpointRef_InvalidTilde(t *testing.T) {
	storage := NewStorageWithDir(t.TempDir())
	capturer := NewCapturerWithStorage(storage)
	session := "invalid-session"

	saveTestCheckpoint(t, storage, session, "20260101-120000-0001-x", "x", time.Now())

	_, err := capturer.ParseCheckpointRef(session, "~abc")
	if err == nil {
		t.Fatal("expected error for ~abc")
	}
	if !strings.Contains(err.Error(), "invalid checkpoint reference") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestGenerateID_Format(t *testing.T) {
	id := GenerateID("My Deploy!")
	parts := strings.Split(id, "-")
	if len(parts) < 3 {
		t.Fatalf("GenerateID produced %q, want <date>-<time>-<disambiguator>[-label]", id)
	}
	if len(parts[0]) != 8 || len(parts[1]) != 6 {
		t.Errorf("unexpected timestamp prefix in %q", id)
	}
	if !strings.HasSuffix(id, "-my-deploy") {
		t.Errorf("expected sanitized label suffix, got %q", id)
	}

	if a, b := GenerateID("x"), GenerateID("x"); a == b {
		t.Errorf("two IDs generated back to back collided: %q", a)
	}
}
