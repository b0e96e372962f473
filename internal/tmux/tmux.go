// Package tmux reads live session state from a running tmux server. It
// implements checkpoint.SessionInspector by shelling out to the tmux binary;
// there is no stable library protocol for the tmux control socket.
package tmux

import (
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"muxsnap/internal/checkpoint"
)

// paneFormat is the list-panes format string. Fields are pipe-separated;
// tmux escapes nothing, but none of these fields can contain a pipe except
// the title, which is why the title is last.
const paneFormat = "#{pane_id}|#{pane_index}|#{pane_width}|#{pane_height}|#{pane_active}|#{pane_title}"

// Inspector reads tmux session and pane state.
type Inspector struct {
	// bin is the tmux executable, "tmux" unless overridden.
	bin string
}

// NewInspector returns an Inspector using the tmux binary on PATH.
func NewInspector() *Inspector {
	return &Inspector{bin: "tmux"}
}

// Inspect returns the pane arrangement of a session.
func (ti *Inspector) Inspect(sessionName string) (checkpoint.SessionState, error) {
	out, err := ti.run("list-panes", "-t", sessionName, "-F", paneFormat)
	if err != nil {
		return checkpoint.SessionState{}, fmt.Errorf("list panes for session %s: %w", sessionName, err)
	}

	state, err := parsePaneList(out)
	if err != nil {
		return checkpoint.SessionState{}, fmt.Errorf("parse panes for session %s: %w", sessionName, err)
	}

	if layout, err := ti.run("display-message", "-p", "-t", sessionName, "#{window_layout}"); err == nil {
		state.Layout = layout
	}
	return state, nil
}

// CapturePane returns up to lines of scrollback plus the visible screen of
// one pane. Trailing blank lines tmux pads the screen with are stripped.
func (ti *Inspector) CapturePane(sessionName, paneID string, lines int) (string, error) {
	target := paneID
	if !strings.HasPrefix(paneID, "%") {
		target = sessionName + "." + paneID
	}

	out, err := ti.run("capture-pane", "-p", "-t", target, "-S", fmt.Sprintf("-%d", lines))
	if err != nil {
		return "", fmt.Errorf("capture pane %s: %w", paneID, err)
	}
	return strings.TrimRight(out, "\n"), nil
}

// SessionExists reports whether the tmux server knows a session by name.
func (ti *Inspector) SessionExists(sessionName string) bool {
	_, err := ti.run("has-session", "-t", sessionName)
	return err == nil
}

// ListSessions returns the names of all sessions on the server. A server
// that is not running yields an empty result.
func (ti *Inspector) ListSessions() ([]string, error) {
	out, err := ti.run("list-sessions", "-F", "#{session_name}")
	if err != nil {
		if strings.Contains(err.Error(), "no server running") {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// run executes one tmux subcommand and returns trimmed stdout.
func (ti *Inspector) run(args ...string) (string, error) {
	cmd := exec.Command(ti.bin, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("tmux %s: %w, stderr: %s", strings.Join(args, " "), err, strings.TrimSpace(stderr.String()))
	}
	return strings.TrimRight(stdout.String(), "\n"), nil
}

// parsePaneList converts list-panes output in paneFormat into session state.
func parsePaneList(out string) (checkpoint.SessionState, error) {
	var state checkpoint.SessionState
	if out == "" {
		return state, nil
	}

	for _, line := range strings.Split(out, "\n") {
		pane, active, err := parsePaneLine(line)
		if err != nil {
			return checkpoint.SessionState{}, err
		}
		if active {
			state.ActivePaneIndex = len(state.Panes)
		}
		state.Panes = append(state.Panes, pane)
	}
	return state, nil
}

// parsePaneLine parses one paneFormat line. The title may itself contain
// pipes, so the line is split into at most six fields.
func parsePaneLine(line string) (checkpoint.PaneState, bool, error) {
	fields := strings.SplitN(line, "|", 6)
	if len(fields) != 6 {
		return checkpoint.PaneState{}, false, fmt.Errorf("malformed pane line: %q", line)
	}

	index, err := strconv.Atoi(fields[1])
	if err != nil {
		return checkpoint.PaneState{}, false, fmt.Errorf("pane index in %q: %w", line, err)
	}
	width, err := strconv.Atoi(fields[2])
	if err != nil {
		return checkpoint.PaneState{}, false, fmt.Errorf("pane width in %q: %w", line, err)
	}
	height, err := strconv.Atoi(fields[3])
	if err != nil {
		return checkpoint.PaneState{}, false, fmt.Errorf("pane height in %q: %w", line, err)
	}

	pane := checkpoint.PaneState{
		ID:     fields[0],
		Index:  index,
		Width:  width,
		Height: height,
		Title:  fields[5],
	}
	return pane, fields[4] == "1", nil
}
