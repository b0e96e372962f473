// Package watcher triggers checkpoint capture when a watched working
// directory goes quiet after a burst of filesystem activity. Events are
// coalesced: one capture per quiet period, not one per file.
package watcher

import (
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Activity summarizes one coalesced burst of filesystem events.
type Activity struct {
	// Paths are the distinct files touched during the burst.
	Paths []string

	// LastEvent is when the burst's final event arrived.
	LastEvent time.Time
}

// ActivityWatcher watches one working directory and invokes a callback once
// activity has settled for the configured quiet period.
type ActivityWatcher struct {
	dir      string
	quiet    time.Duration
	onActive func(Activity)
	fsw      *fsnotify.Watcher
	log      zerolog.Logger

	mu      sync.Mutex
	timer   *time.Timer
	touched map[string]struct{}
	lastAt  time.Time
	started bool
	closed  bool

	done chan struct{}
}

// New creates a watcher over dir. The callback fires on a background
// goroutine after quiet elapses with no further events.
func New(dir string, quiet time.Duration, onActive func(Activity)) (*ActivityWatcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}

	return &ActivityWatcher{
		dir:      dir,
		quiet:    quiet,
		onActive: onActive,
		fsw:      fsw,
		log:      zerolog.Nop(),
		touched:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}, nil
}

// SetLogger replaces the watcher logger (a no-op logger by default).
func (w *ActivityWatcher) SetLogger(log zerolog.Logger) { w.log = log }

// AddDir watches an additional directory.
func (w *ActivityWatcher) AddDir(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("watcher is closed")
	}
	return w.fsw.Add(dir)
}

// Start begins delivering activity callbacks.
func (w *ActivityWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return errors.New("watcher is closed")
	}
	if w.started {
		return errors.New("watcher already started")
	}
	w.started = true
	go w.loop()
	return nil
}

// Close stops the watcher. A pending quiet-period callback is cancelled.
func (w *ActivityWatcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.started {
		close(w.done)
	}
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	return w.fsw.Close()
}

func (w *ActivityWatcher) loop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("watch error")
		case <-w.done:
			return
		}
	}
}

func (w *ActivityWatcher) handle(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if ignored(event.Name) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	w.touched[event.Name] = struct{}{}
	w.lastAt = time.Now()

	// Restart the quiet-period timer; the callback fires only once events
	// stop arriving.
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.quiet, w.fire)
}

func (w *ActivityWatcher) fire() {
	w.mu.Lock()
	if w.closed || len(w.touched) == 0 {
		w.mu.Unlock()
		return
	}
	activity := Activity{
		Paths:     make([]string, 0, len(w.touched)),
		LastEvent: w.lastAt,
	}
	for path := range w.touched {
		activity.Paths = append(activity.Paths, path)
	}
	w.touched = make(map[string]struct{})
	w.timer = nil
	w.mu.Unlock()

	w.log.Debug().Int("paths", len(activity.Paths)).Msg("activity settled")
	w.onActive(activity)
}

// ignored filters noise that should never trigger a capture: git object
// churn, editor swap files, and muxsnap's own checkpoint tree.
func ignored(path string) bool {
	base := filepath.Base(path)
	if strings.HasSuffix(base, ".swp") || strings.HasSuffix(base, "~") {
		return true
	}
	sep := string(filepath.Separator)
	if strings.Contains(path, sep+".git"+sep) {
		return true
	}
	return strings.Contains(path, sep+".muxsnap"+sep)
}
