// internal/checkpoint/incremental.go
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// fallbackLineBytes is the assumed line width when a pane has no base
// scrollback to average over. Only used by StorageSavings estimates.
const fallbackLineBytes = 80

// IncrementalCreator computes delta checkpoints against a stored base.
type IncrementalCreator struct {
	storage *Storage
	log     zerolog.Logger
}

// NewIncrementalCreator creates a creator backed by default storage.
func NewIncrementalCreator() *IncrementalCreator {
	return NewIncrementalCreatorWithStorage(NewStorage())
}

// NewIncrementalCreatorWithStorage creates a creator backed by the given
// storage.
func NewIncrementalCreatorWithStorage(storage *Storage) *IncrementalCreator {
	return &IncrementalCreator{storage: storage, log: zerolog.Nop()}
}

// SetLogger replaces the creator's logger (a no-op logger by default).
func (ic *IncrementalCreator) SetLogger(log zerolog.Logger) { ic.log = log }

// incrementalDir returns the directory an incremental checkpoint lives in.
func (ic *IncrementalCreator) incrementalDir(sessionName, incrementalID string) string {
	return ic.storage.IncrementalDir(sessionName, incrementalID)
}

// Create computes the delta between a base checkpoint and the current
// session state and persists it as an incremental checkpoint. scrollbacks
// maps pane ID to that pane's current scrollback text. An identical state
// produces a legal zero-change incremental.
func (ic *IncrementalCreator) Create(base *Checkpoint, current SessionState, currentGit GitState, scrollbacks map[string]string, description string) (*IncrementalCheckpoint, error) {
	if base == nil {
		return nil, errors.New("incremental checkpoint requires a base")
	}

	inc := &IncrementalCheckpoint{
		Version:          IncrementalVersion,
		ID:               GenerateID(description),
		SessionName:      base.SessionName,
		BaseCheckpointID: base.ID,
		BaseTimestamp:    base.CreatedAt,
		CreatedAt:        time.Now(),
		Description:      description,
	}

	paneChanges, err := ic.computePaneChanges(base, current, scrollbacks)
	if err != nil {
		return nil, err
	}
	if len(paneChanges) > 0 {
		inc.Changes.PaneChanges = paneChanges
	}
	inc.Changes.GitChange = ic.computeGitChange(base.Git, currentGit)
	inc.Changes.SessionChange = ic.computeSessionChange(base.Session, current)

	if err := ic.storage.SaveIncremental(inc); err != nil {
		return nil, err
	}

	ic.log.Info().
		Str("session", inc.SessionName).
		Str("incremental", inc.ID).
		Str("base", base.ID).
		Int("pane_changes", len(paneChanges)).
		Msg("incremental checkpoint created")
	return inc, nil
}

// computePaneChanges diffs the current pane set against the base's.
func (ic *IncrementalCreator) computePaneChanges(base *Checkpoint, current SessionState, scrollbacks map[string]string) (map[string]PaneChange, error) {
	basePanes := make(map[string]PaneState, len(base.Session.Panes))
	for _, pane := range base.Session.Panes {
		basePanes[pane.ID] = pane
	}

	changes := make(map[string]PaneChange)
	for _, pane := range current.Panes {
		basePane, exists := basePanes[pane.ID]
		if !exists {
			changes[pane.ID] = PaneChange{
				Added:     true,
				AgentType: pane.AgentType,
				Title:     pane.Title,
				NewLines:  countLines(scrollbacks[pane.ID]),
			}
			continue
		}

		var change PaneChange
		changed := false
		if pane.Title != basePane.Title {
			change.Title = pane.Title
			changed = true
		}
		if pane.AgentType != basePane.AgentType {
			change.AgentType = pane.AgentType
			changed = true
		}

		baseContent, err := ic.baseScrollback(base, basePane)
		if err != nil {
			return nil, err
		}
		if diff := computeScrollbackDiff(baseContent, scrollbacks[pane.ID]); diff != "" {
			change.NewLines = countLines(diff)
			changed = true
		}

		if changed {
			changes[pane.ID] = change
		}
	}

	currentIDs := make(map[string]bool, len(current.Panes))
	for _, pane := range current.Panes {
		currentIDs[pane.ID] = true
	}
	for id := range basePanes {
		if !currentIDs[id] {
			changes[id] = PaneChange{Removed: true}
		}
	}

	return changes, nil
}

// baseScrollback loads a base pane's captured scrollback. A pane with no
// capture, or whose file has since gone missing, reads as empty; other I/O
// failures propagate.
func (ic *IncrementalCreator) baseScrollback(base *Checkpoint, pane PaneState) (string, error) {
	if pane.ScrollbackFile == "" {
		return "", nil
	}
	content, err := ic.storage.LoadScrollback(base.SessionName, base.ID, pane.ScrollbackFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("base scrollback for pane %s: %w", pane.ID, err)
	}
	return content, nil
}

// computeScrollbackDiff returns the line-based suffix of current beyond
// base's captured content. An empty base means everything is new; a current
// shorter than base (the pane scrolled back or was cleared) diffs to empty,
// never to reconstructed garbage.
func computeScrollbackDiff(base, current string) string {
	if current == "" {
		return ""
	}
	if base == "" {
		return current
	}

	baseCount := len(strings.Split(base, "\n"))
	currentLines := strings.Split(current, "\n")
	if len(currentLines) <= baseCount {
		return ""
	}
	return strings.Join(currentLines[baseCount:], "\n")
}

// computeGitChange returns the git fields that differ between base and
// current, or nil when branch, commit and dirty flag are all unchanged.
// Only the differing fields are populated.
func (ic *IncrementalCreator) computeGitChange(base, current GitState) *GitStateChange {
	change := &GitStateChange{}
	changed := false

	if base.Branch != current.Branch {
		change.Branch = current.Branch
		changed = true
	}
	if base.Commit != current.Commit {
		change.Commit = current.Commit
		changed = true
	}
	if base.IsDirty != current.IsDirty {
		change.DirtyChanged = true
		change.IsDirty = current.IsDirty
		changed = true
	}

	if !changed {
		return nil
	}
	return change
}

// computeSessionChange returns nil iff layout, active pane index and pane
// count are all identical. Pane-level detail is PaneChanges' job.
func (ic *IncrementalCreator) computeSessionChange(base, current SessionState) *SessionStateChange {
	if base.Layout == current.Layout &&
		base.ActivePaneIndex == current.ActivePaneIndex &&
		len(base.Panes) == len(current.Panes) {
		return nil
	}
	return &SessionStateChange{
		Layout:          current.Layout,
		ActivePaneIndex: current.ActivePaneIndex,
		PaneCount:       len(current.Panes),
	}
}

// removePaneByID returns a new slice without the matching pane. An absent
// ID is a no-op, never an error.
func removePaneByID(panes []PaneState, id string) []PaneState {
	out := make([]PaneState, 0, len(panes))
	for _, pane := range panes {
		if pane.ID != id {
			out = append(out, pane)
		}
	}
	return out
}

// countLines counts newline-delimited lines; empty input has zero lines.
func countLines(s string) int {
	if s == "" {
		return 0
	}
	return len(strings.Split(s, "\n"))
}

// StorageSavings estimates how many bytes this incremental avoided storing
// compared to a fresh full checkpoint, and the percentage saved. Delta text
// is not persisted, so new-line cost is estimated from the base pane's mean
// line length. Reporting only; nothing correctness-critical reads this.
func (inc *IncrementalCheckpoint) StorageSavings(storage *Storage) (int64, float64, error) {
	base, err := storage.Load(inc.SessionName, inc.BaseCheckpointID)
	if err != nil {
		return 0, 0, fmt.Errorf("load base checkpoint %s: %w", inc.BaseCheckpointID, err)
	}

	basePanes := make(map[string]PaneState, len(base.Session.Panes))
	for _, pane := range base.Session.Panes {
		basePanes[pane.ID] = pane
	}

	paneBytes := func(pane PaneState) (int64, int) {
		if pane.ScrollbackFile == "" {
			return 0, 0
		}
		content, err := storage.LoadScrollback(base.SessionName, base.ID, pane.ScrollbackFile)
		if err != nil {
			return 0, 0
		}
		return int64(len(content)), countLines(content)
	}

	var fullCost, incCost int64

	// Panes touched by this incremental: a full checkpoint would re-store
	// base content plus the new tail; the incremental stores only the tail.
	for _, paneID := range sortedKeys(inc.Changes.PaneChanges) {
		change := inc.Changes.PaneChanges[paneID]
		if change.Removed {
			continue
		}

		var baseSize int64
		var baseLines int
		if pane, ok := basePanes[paneID]; ok {
			baseSize, baseLines = paneBytes(pane)
		}

		avg := int64(fallbackLineBytes)
		if baseLines > 0 {
			avg = baseSize / int64(baseLines)
		}
		delta := int64(change.NewLines) * avg

		fullCost += baseSize + delta
		incCost += delta
	}

	// Untouched base panes would be re-stored wholesale by a full
	// checkpoint; the incremental stores nothing for them.
	for _, pane := range base.Session.Panes {
		if _, touched := inc.Changes.PaneChanges[pane.ID]; touched {
			continue
		}
		size, _ := paneBytes(pane)
		fullCost += size
	}

	saved := fullCost - incCost
	if fullCost == 0 {
		return saved, 0, nil
	}
	return saved, float64(saved) / float64(fullCost) * 100, nil
}

func sortedKeys(m map[string]PaneChange) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// IncrementalResolver reloads stored incremental checkpoints and
// reconstructs checkpoint views from them.
type IncrementalResolver struct {
	storage *Storage
}

// NewIncrementalResolver creates a resolver backed by default storage.
func NewIncrementalResolver() *IncrementalResolver {
	return NewIncrementalResolverWithStorage(NewStorage())
}

// NewIncrementalResolverWithStorage creates a resolver backed by the given
// storage.
func NewIncrementalResolverWithStorage(storage *Storage) *IncrementalResolver {
	return &IncrementalResolver{storage: storage}
}

// loadIncremental reads one incremental checkpoint's metadata.
func (ir *IncrementalResolver) loadIncremental(sessionName, incrementalID string) (*IncrementalCheckpoint, error) {
	path := filepath.Join(ir.storage.IncrementalDir(sessionName, incrementalID), IncrementalMetadataFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read incremental metadata: %w", err)
	}

	var inc IncrementalCheckpoint
	if err := json.Unmarshal(data, &inc); err != nil {
		return nil, fmt.Errorf("unmarshal incremental metadata: %w", err)
	}
	return &inc, nil
}

// Load reads one incremental checkpoint by ID.
func (ir *IncrementalResolver) Load(sessionName, incrementalID string) (*IncrementalCheckpoint, error) {
	return ir.loadIncremental(sessionName, incrementalID)
}

// ListIncrementals returns every incremental checkpoint for a session,
// newest first. A session (or incremental namespace) that does not exist
// yields an empty result, not an error.
func (ir *IncrementalResolver) ListIncrementals(sessionName string) ([]*IncrementalCheckpoint, error) {
	dir := filepath.Join(ir.storage.SessionDir(sessionName), IncrementalDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read incremental dir: %w", err)
	}

	var incrementals []*IncrementalCheckpoint
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		inc, err := ir.loadIncremental(sessionName, entry.Name())
		if err != nil {
			continue
		}
		incrementals = append(incrementals, inc)
	}

	sort.Slice(incrementals, func(i, j int) bool {
		if !incrementals[i].CreatedAt.Equal(incrementals[j].CreatedAt) {
			return incrementals[i].CreatedAt.After(incrementals[j].CreatedAt)
		}
		return incrementals[i].ID > incrementals[j].ID
	})
	return incrementals, nil
}

// Reconstruct applies an incremental's recorded changes on top of its base
// and returns the resulting checkpoint view: pane set, titles, layout and
// git fields as of the incremental. Scrollback bodies are not part of the
// incremental format, so the view references the base's captures.
func (ir *IncrementalResolver) Reconstruct(inc *IncrementalCheckpoint) (*Checkpoint, error) {
	base, err := ir.storage.Load(inc.SessionName, inc.BaseCheckpointID)
	if err != nil {
		return nil, fmt.Errorf("base checkpoint %s: %w", inc.BaseCheckpointID, err)
	}

	view := *base
	view.ID = inc.ID
	view.CreatedAt = inc.CreatedAt

	panes := append([]PaneState(nil), base.Session.Panes...)
	nextIndex := 0
	for _, pane := range panes {
		if pane.Index >= nextIndex {
			nextIndex = pane.Index + 1
		}
	}

	for _, paneID := range sortedKeys(inc.Changes.PaneChanges) {
		change := inc.Changes.PaneChanges[paneID]
		switch {
		case change.Removed:
			panes = removePaneByID(panes, paneID)
		case change.Added:
			panes = append(panes, PaneState{
				ID:        paneID,
				Index:     nextIndex,
				Title:     change.Title,
				AgentType: change.AgentType,
			})
			nextIndex++
		default:
			for i := range panes {
				if panes[i].ID != paneID {
					continue
				}
				if change.Title != "" {
					panes[i].Title = change.Title
				}
				if change.AgentType != "" {
					panes[i].AgentType = change.AgentType
				}
			}
		}
	}
	view.Session.Panes = panes
	view.PaneCount = len(panes)

	if sc := inc.Changes.SessionChange; sc != nil {
		if sc.Layout != "" {
			view.Session.Layout = sc.Layout
		}
		view.Session.ActivePaneIndex = sc.ActivePaneIndex
	}

	if gc := inc.Changes.GitChange; gc != nil {
		if gc.Branch != "" {
			view.Git.Branch = gc.Branch
		}
		if gc.Commit != "" {
			view.Git.Commit = gc.Commit
		}
		if gc.DirtyChanged {
			view.Git.IsDirty = gc.IsDirty
		}
	}

	return &view, nil
}
