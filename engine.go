// Package muxsnap captures, verifies and resolves checkpoints of tmux
// sessions. Engine is the top-level entry point; it wires configuration,
// logging, storage, the sqlite catalog and the tmux/git adapters together.
package muxsnap

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"muxsnap/internal/checkpoint"
	"muxsnap/internal/config"
	"muxsnap/internal/index"
	"muxsnap/internal/logger"
	"muxsnap/internal/tmux"
	"muxsnap/internal/vcs"
	"muxsnap/internal/watcher"
)

// Engine owns one configured muxsnap instance.
type Engine struct {
	cfg      *config.Config
	log      zerolog.Logger
	logClose io.Closer

	storage  *checkpoint.Storage
	catalog  *index.Index
	capturer *checkpoint.Capturer
	creator  *checkpoint.IncrementalCreator
	resolver *checkpoint.IncrementalResolver

	sessions checkpoint.SessionInspector
	vcs      checkpoint.VCSInspector

	watcherMu sync.Mutex
	watchers  map[string]*watcher.ActivityWatcher
}

// Option overrides part of an Engine's wiring.
type Option func(*Engine)

// WithSessions replaces the tmux-backed session inspector.
func WithSessions(si checkpoint.SessionInspector) Option {
	return func(e *Engine) { e.sessions = si }
}

// WithVCS replaces the git-backed VCS inspector.
func WithVCS(vi checkpoint.VCSInspector) Option {
	return func(e *Engine) { e.vcs = vi }
}

// New builds an Engine from cfg. A nil cfg means the defaults.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	log, logClose, err := logger.New(logger.Options{
		Level:  cfg.Logging.Level,
		File:   cfg.Logging.File,
		Pretty: cfg.Logging.Pretty,
	})
	if err != nil {
		return nil, err
	}

	storage := checkpoint.NewStorageWithDir(cfg.Root)
	storage.SetLogger(log)

	e := &Engine{
		cfg:      cfg,
		log:      log,
		logClose: logClose,
		storage:  storage,
		sessions: tmux.NewInspector(),
		vcs:      vcs.NewGitInspector(),
		watchers: make(map[string]*watcher.ActivityWatcher),
	}
	for _, opt := range opts {
		opt(e)
	}

	if cfg.IndexPath != "" {
		catalog, err := index.Open(cfg.IndexPath)
		if err != nil {
			e.close()
			return nil, fmt.Errorf("open index: %w", err)
		}
		e.catalog = catalog
		storage.AttachIndex(catalog)
	}

	e.capturer = checkpoint.NewCapturerWithStorage(storage,
		checkpoint.WithSessionInspector(e.sessions),
		checkpoint.WithVCS(e.vcs),
		checkpoint.WithScrollbackLines(cfg.ScrollbackLines),
		checkpoint.WithLogger(log),
	)
	e.creator = checkpoint.NewIncrementalCreatorWithStorage(storage)
	e.creator.SetLogger(log)
	e.resolver = checkpoint.NewIncrementalResolverWithStorage(storage)

	return e, nil
}

// LoadEngine builds an Engine from the config file at path (empty means the
// default location).
func LoadEngine(path string) (*Engine, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return New(cfg)
}

// Storage exposes the underlying checkpoint storage.
func (e *Engine) Storage() *checkpoint.Storage { return e.storage }

// Capture snapshots a live tmux session.
func (e *Engine) Capture(sessionName, workingDir, name string) (*checkpoint.Checkpoint, error) {
	return e.capturer.Capture(sessionName, workingDir, name)
}

// CaptureIncremental records the delta between a base checkpoint (named by
// any reference Resolve accepts) and the session's current state.
func (e *Engine) CaptureIncremental(sessionName, baseRef, description string) (*checkpoint.IncrementalCheckpoint, error) {
	base, err := e.capturer.ParseCheckpointRef(sessionName, baseRef)
	if err != nil {
		return nil, err
	}

	current, err := e.sessions.Inspect(sessionName)
	if err != nil {
		return nil, fmt.Errorf("inspect session %s: %w", sessionName, err)
	}

	scrollbacks := make(map[string]string, len(current.Panes))
	for _, pane := range current.Panes {
		content, err := e.sessions.CapturePane(sessionName, pane.ID, e.cfg.ScrollbackLines)
		if err != nil {
			return nil, fmt.Errorf("capture pane %s: %w", pane.ID, err)
		}
		scrollbacks[pane.ID] = content
	}

	// Same policy as full capture: outside a repository there is simply no
	// git state, but any other VCS failure is hard and must surface rather
	// than record a bogus delta against the base's git fields.
	gitState := checkpoint.GitState{}
	if base.WorkingDir != "" {
		state, err := e.vcs.Status(base.WorkingDir)
		if err != nil && !errors.Is(err, checkpoint.ErrNoRepository) {
			return nil, fmt.Errorf("git status for %s: %w", base.WorkingDir, err)
		}
		if err == nil {
			gitState = state
		}
	}

	return e.creator.Create(base, current, gitState, scrollbacks, description)
}

// Resolve turns a checkpoint reference (ID, name, pattern, last, ~N) into a
// stored checkpoint.
func (e *Engine) Resolve(sessionName, ref string) (*checkpoint.Checkpoint, error) {
	return e.capturer.ParseCheckpointRef(sessionName, ref)
}

// List returns a session's checkpoints, newest first.
func (e *Engine) List(sessionName string) ([]*checkpoint.Checkpoint, error) {
	return e.capturer.List(sessionName)
}

// ListIncrementals returns a session's incremental checkpoints, newest first.
func (e *Engine) ListIncrementals(sessionName string) ([]*checkpoint.IncrementalCheckpoint, error) {
	return e.resolver.ListIncrementals(sessionName)
}

// Reconstruct materializes the checkpoint view an incremental describes.
func (e *Engine) Reconstruct(inc *checkpoint.IncrementalCheckpoint) (*checkpoint.Checkpoint, error) {
	return e.resolver.Reconstruct(inc)
}

// Verify runs full integrity verification on one checkpoint.
func (e *Engine) Verify(sessionName, ref string) (*checkpoint.IntegrityResult, error) {
	cp, err := e.Resolve(sessionName, ref)
	if err != nil {
		return nil, err
	}
	return cp.Verify(e.storage), nil
}

// VerifySession verifies every checkpoint in a session.
func (e *Engine) VerifySession(sessionName string) (map[string]*checkpoint.IntegrityResult, error) {
	return checkpoint.VerifyAll(e.storage, sessionName)
}

// Export writes one checkpoint as a compressed archive.
func (e *Engine) Export(sessionName, ref string, w io.Writer) error {
	cp, err := e.Resolve(sessionName, ref)
	if err != nil {
		return err
	}
	return e.storage.Export(sessionName, cp.ID, w)
}

// Import unpacks an exported archive into a session and returns the imported
// checkpoint's ID.
func (e *Engine) Import(sessionName string, r io.Reader) (string, error) {
	id, err := e.storage.Import(sessionName, r)
	if err != nil {
		return "", err
	}
	if e.catalog != nil {
		if cp, loadErr := e.storage.Load(sessionName, id); loadErr == nil {
			if recErr := e.catalog.Record(cp); recErr != nil {
				e.log.Warn().Err(recErr).Str("checkpoint", id).Msg("index record failed")
			}
		}
	}
	return id, nil
}

// WatchSession captures an incremental checkpoint against the latest full
// checkpoint whenever workingDir settles after filesystem activity. Returns
// an error if the session is already being watched.
func (e *Engine) WatchSession(sessionName, workingDir string) error {
	e.watcherMu.Lock()
	defer e.watcherMu.Unlock()

	if _, exists := e.watchers[sessionName]; exists {
		return fmt.Errorf("session %s is already watched", sessionName)
	}

	quiet := time.Duration(e.cfg.Watcher.DebounceMs) * time.Millisecond
	w, err := watcher.New(workingDir, quiet, func(watcher.Activity) {
		if _, err := e.CaptureIncremental(sessionName, "last", "auto"); err != nil {
			e.log.Warn().Err(err).Str("session", sessionName).Msg("auto capture failed")
		}
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", workingDir, err)
	}
	w.SetLogger(e.log)

	if err := w.Start(); err != nil {
		w.Close()
		return err
	}
	e.watchers[sessionName] = w
	e.log.Info().Str("session", sessionName).Str("dir", workingDir).Msg("watching session")
	return nil
}

// UnwatchSession stops auto-capture for a session. Unknown sessions are a
// no-op.
func (e *Engine) UnwatchSession(sessionName string) {
	e.watcherMu.Lock()
	defer e.watcherMu.Unlock()

	if w, ok := e.watchers[sessionName]; ok {
		w.Close()
		delete(e.watchers, sessionName)
	}
}

// Close releases watchers, the catalog and the log file.
func (e *Engine) Close() error {
	return e.close()
}

func (e *Engine) close() error {
	var firstErr error

	e.watcherMu.Lock()
	for name, w := range e.watchers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(e.watchers, name)
	}
	e.watcherMu.Unlock()

	if e.catalog != nil {
		if err := e.catalog.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		e.catalog = nil
	}
	if e.logClose != nil {
		if err := e.logClose.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		e.logClose = nil
	}
	return firstErr
}
