// internal/checkpoint/models.go
package checkpoint

import "time"

// CurrentVersion is the current checkpoint format version.
const CurrentVersion = 1

// MinVersion is the minimum checkpoint format version this code can read.
const MinVersion = 1

// IncrementalVersion is the incremental checkpoint format version.
const IncrementalVersion = 1

// File names inside a checkpoint directory. Other tooling reads this layout,
// so these are part of the on-disk contract.
const (
	MetadataFile            = "metadata.json"
	SessionFile             = "session.json"
	PanesDir                = "panes"
	GitPatchFile            = "changes.patch"
	IncrementalDirName      = "incremental"
	IncrementalMetadataFile = "metadata.json"
)

// Checkpoint is a complete snapshot of one multiplexer session at a point in
// time. Once saved it is treated as immutable.
type Checkpoint struct {
	Version     int          `json:"version"`
	ID          string       `json:"id"`
	Name        string       `json:"name,omitempty"`
	SessionName string       `json:"session_name"`
	WorkingDir  string       `json:"working_dir,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	Session     SessionState `json:"session"`
	Git         GitState     `json:"git"`

	// PaneCount duplicates len(Session.Panes) so consistency checks can run
	// against metadata alone.
	PaneCount int `json:"pane_count"`
}

// SessionState describes the pane arrangement of a session.
type SessionState struct {
	Layout          string      `json:"layout,omitempty"`
	ActivePaneIndex int         `json:"active_pane_index"`
	Panes           []PaneState `json:"panes"`
}

// PaneState describes a single pane. ScrollbackFile is relative to the
// checkpoint directory and empty when no scrollback was captured.
type PaneState struct {
	ID             string `json:"id"`
	Index          int    `json:"index"`
	Title          string `json:"title,omitempty"`
	AgentType      string `json:"agent_type,omitempty"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	ScrollbackFile string `json:"scrollback_file,omitempty"`
}

// GitState records version-control status at capture time. PatchFile is set
// only when the working tree was dirty and a patch was written.
type GitState struct {
	Branch         string `json:"branch,omitempty"`
	Commit         string `json:"commit,omitempty"`
	IsDirty        bool   `json:"is_dirty"`
	StagedCount    int    `json:"staged_count"`
	UnstagedCount  int    `json:"unstaged_count"`
	UntrackedCount int    `json:"untracked_count"`
	PatchFile      string `json:"patch_file,omitempty"`
}

// IncrementalCheckpoint records only the delta from a base checkpoint. It
// references, but does not own, its base.
type IncrementalCheckpoint struct {
	Version          int                `json:"version"`
	ID               string             `json:"id"`
	SessionName      string             `json:"session_name"`
	BaseCheckpointID string             `json:"base_checkpoint_id"`
	BaseTimestamp    time.Time          `json:"base_timestamp,omitempty"`
	CreatedAt        time.Time          `json:"created_at"`
	Description      string             `json:"description,omitempty"`
	Changes          IncrementalChanges `json:"changes"`
}

// IncrementalChanges groups everything that differs from the base. All three
// fields are empty when nothing changed; a zero-change incremental is legal.
type IncrementalChanges struct {
	PaneChanges   map[string]PaneChange `json:"pane_changes,omitempty"`
	GitChange     *GitStateChange       `json:"git_change,omitempty"`
	SessionChange *SessionStateChange   `json:"session_change,omitempty"`
}

// PaneChange describes how one pane differs from the base. A pane is never
// both Added and Removed. NewLines counts scrollback lines beyond the base's
// captured content.
type PaneChange struct {
	Added     bool   `json:"added,omitempty"`
	Removed   bool   `json:"removed,omitempty"`
	AgentType string `json:"agent_type,omitempty"`
	Title     string `json:"title,omitempty"`
	NewLines  int    `json:"new_lines,omitempty"`
}

// GitStateChange carries only the git fields that differ from the base.
// A zero field means "unchanged", which collapses with "changed to empty";
// see DESIGN.md before altering this shape.
type GitStateChange struct {
	Branch       string `json:"branch,omitempty"`
	Commit       string `json:"commit,omitempty"`
	DirtyChanged bool   `json:"dirty_changed,omitempty"`
	IsDirty      bool   `json:"is_dirty,omitempty"`
}

// SessionStateChange records layout-level differences. Pane-level detail
// lives in PaneChanges, not here.
type SessionStateChange struct {
	Layout          string `json:"layout,omitempty"`
	ActivePaneIndex int    `json:"active_pane_index"`
	PaneCount       int    `json:"pane_count"`
}
