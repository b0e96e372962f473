package muxsnap

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"muxsnap/internal/checkpoint"
	"muxsnap/internal/config"
)

type stubSessions struct {
	state       checkpoint.SessionState
	scrollbacks map[string]string
}

func (s *stubSessions) Inspect(sessionName string) (checkpoint.SessionState, error) {
	return s.state, nil
}

func (s *stubSessions) CapturePane(sessionName, paneID string, lines int) (string, error) {
	return s.scrollbacks[paneID], nil
}

type stubVCS struct {
	state     checkpoint.GitState
	patch     string
	statusErr error
}

func (s *stubVCS) Status(dir string) (checkpoint.GitState, error) {
	if s.statusErr != nil {
		return checkpoint.GitState{}, s.statusErr
	}
	return s.state, nil
}

func (s *stubVCS) DiffPatch(dir string) (string, error) { return s.patch, nil }

func testEngine(t *testing.T, sessions *stubSessions, gitState *stubVCS) *Engine {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Root = filepath.Join(dir, "checkpoints")
	cfg.IndexPath = filepath.Join(dir, "index.db")
	cfg.Logging.Level = "error"

	e, err := New(cfg, WithSessions(sessions), WithVCS(gitState))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func twoPane() *stubSessions {
	return &stubSessions{
		state: checkpoint.SessionState{
			Layout: "tiled",
			Panes: []checkpoint.PaneState{
				{ID: "%0", Index: 0, Title: "agent", Width: 120, Height: 40},
				{ID: "%1", Index: 1, Title: "shell", Width: 120, Height: 40},
			},
		},
		scrollbacks: map[string]string{
			"%0": "running tests\nall green",
			"%1": "$ make\nok",
		},
	}
}

func TestEngine_CaptureResolveVerify(t *testing.T) {
	e := testEngine(t, twoPane(), &stubVCS{
		state: checkpoint.GitState{Branch: "main", Commit: "abc", IsDirty: true, UnstagedCount: 1},
		patch: "diff --git a/f b/f\n",
	})
	session := "work"

	cp, err := e.Capture(session, "/tmp/project", "milestone")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if cp.PaneCount != 2 {
		t.Errorf("PaneCount = %d, want 2", cp.PaneCount)
	}

	for _, ref := range []string{"last", "milestone", cp.ID, "mile*"} {
		got, err := e.Resolve(session, ref)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", ref, err)
		}
		if got.ID != cp.ID {
			t.Errorf("Resolve(%q) = %s, want %s", ref, got.ID, cp.ID)
		}
	}

	result, err := e.Verify(session, "last")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !result.Valid {
		t.Errorf("fresh capture failed verification: %v", result.Errors)
	}

	results, err := e.VerifySession(session)
	if err != nil {
		t.Fatalf("VerifySession: %v", err)
	}
	if len(results) != 1 || !results[cp.ID].Valid {
		t.Errorf("VerifySession = %v", results)
	}
}

func TestEngine_CaptureIncremental(t *testing.T) {
	sessions := twoPane()
	e := testEngine(t, sessions, &stubVCS{state: checkpoint.GitState{Branch: "main", Commit: "abc"}})
	session := "work"

	if _, err := e.Capture(session, "/tmp/project", "base"); err != nil {
		t.Fatalf("Capture: %v", err)
	}

	// New output in one pane, one new pane.
	sessions.scrollbacks["%0"] = "running tests\nall green\nnew failure"
	sessions.state.Panes = append(sessions.state.Panes,
		checkpoint.PaneState{ID: "%2", Index: 2, Title: "logs", Width: 120, Height: 40})
	sessions.scrollbacks["%2"] = "tail"

	inc, err := e.CaptureIncremental(session, "last", "mid-task")
	if err != nil {
		t.Fatalf("CaptureIncremental: %v", err)
	}
	if len(inc.Changes.PaneChanges) != 2 {
		t.Errorf("pane changes = %+v, want 2 entries", inc.Changes.PaneChanges)
	}

	list, err := e.ListIncrementals(session)
	if err != nil {
		t.Fatalf("ListIncrementals: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("got %d incrementals, want 1", len(list))
	}

	view, err := e.Reconstruct(list[0])
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	if view.PaneCount != 3 {
		t.Errorf("reconstructed PaneCount = %d, want 3", view.PaneCount)
	}
}

func TestEngine_CaptureIncremental_VCSFailure(t *testing.T) {
	gitState := &stubVCS{state: checkpoint.GitState{Branch: "main", Commit: "abc", IsDirty: true, UnstagedCount: 1}}
	e := testEngine(t, twoPane(), gitState)
	session := "work"

	if _, err := e.Capture(session, "/tmp/project", "base"); err != nil {
		t.Fatalf("Capture: %v", err)
	}

	// The repository breaks after the base capture; the incremental must
	// surface that rather than record a delta against empty git state.
	gitState.statusErr = errors.New("git rev-parse HEAD: exit status 128")

	if _, err := e.CaptureIncremental(session, "last", "mid-task"); err == nil {
		t.Fatal("CaptureIncremental should propagate VCS failures")
	}

	list, err := e.ListIncrementals(session)
	if err != nil {
		t.Fatalf("ListIncrementals: %v", err)
	}
	if len(list) != 0 {
		t.Errorf("failed incremental was persisted: %+v", list)
	}
}

func TestEngine_CaptureIncremental_OutsideRepository(t *testing.T) {
	gitState := &stubVCS{statusErr: fmt.Errorf("open /tmp/project: %w", checkpoint.ErrNoRepository)}
	e := testEngine(t, twoPane(), gitState)
	session := "work"

	if _, err := e.Capture(session, "/tmp/project", "base"); err != nil {
		t.Fatalf("Capture: %v", err)
	}

	inc, err := e.CaptureIncremental(session, "last", "still-no-repo")
	if err != nil {
		t.Fatalf("CaptureIncremental outside a repository should succeed: %v", err)
	}
	if inc.Changes.GitChange != nil {
		t.Errorf("expected no git change, got %+v", inc.Changes.GitChange)
	}
}

func TestEngine_ExportImport(t *testing.T) {
	source := testEngine(t, twoPane(), &stubVCS{})
	session := "work"

	cp, err := source.Capture(session, "", "portable")
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}

	var buf bytes.Buffer
	if err := source.Export(session, "last", &buf); err != nil {
		t.Fatalf("Export: %v", err)
	}

	dest := testEngine(t, twoPane(), &stubVCS{})
	id, err := dest.Import(session, &buf)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if id != cp.ID {
		t.Errorf("imported ID = %s, want %s", id, cp.ID)
	}

	got, err := dest.Resolve(session, "portable")
	if err != nil {
		t.Fatalf("Resolve after Import: %v", err)
	}
	if got.ID != cp.ID {
		t.Errorf("Resolve = %s, want %s", got.ID, cp.ID)
	}
}

func TestEngine_UnwatchUnknownSession(t *testing.T) {
	e := testEngine(t, twoPane(), &stubVCS{})
	// Must not panic.
	e.UnwatchSession("never-watched")
}

func TestEngine_WatchUnwatchConcurrent(t *testing.T) {
	e := testEngine(t, twoPane(), &stubVCS{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		session := fmt.Sprintf("work-%d", i)
		dir := t.TempDir()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.WatchSession(session, dir); err != nil {
				t.Errorf("WatchSession(%s): %v", session, err)
				return
			}
			e.UnwatchSession(session)
		}()
	}
	wg.Wait()
}
