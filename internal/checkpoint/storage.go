// internal/checkpoint/storage.go
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Index receives catalog updates when checkpoints are saved or deleted.
// Implemented by internal/index; kept as an interface here so storage does
// not depend on the database layer.
type Index interface {
	Record(cp *Checkpoint) error
	Remove(sessionName, checkpointID string) error
}

// Storage manages the on-disk checkpoint tree:
//
//	<root>/<session>/<checkpointID>/{metadata.json,session.json,panes/,changes.patch}
//	<root>/<session>/incremental/<incrementalID>/metadata.json
//
// All writes are atomic (temp file + rename). Storage performs no locking:
// distinct (session, ID) pairs touch disjoint subtrees and are safe to use
// concurrently, but two writers sharing an ID are not.
type Storage struct {
	baseDir string
	index   Index
	log     zerolog.Logger
}

// NewStorage creates a Storage rooted at the default location,
// ~/.muxsnap/checkpoints (the working directory if no home is resolvable).
func NewStorage() *Storage {
	return NewStorageWithDir(DefaultRoot())
}

// NewStorageWithDir creates a Storage rooted at baseDir.
func NewStorageWithDir(baseDir string) *Storage {
	return &Storage{baseDir: baseDir, log: zerolog.Nop()}
}

// DefaultRoot returns the default checkpoint root directory.
func DefaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".muxsnap", "checkpoints")
	}
	return filepath.Join(home, ".muxsnap", "checkpoints")
}

// AttachIndex wires a catalog that Save and Delete keep current. Index
// failures are logged, never fatal: the directory tree is the source of
// truth and the index is derived state.
func (s *Storage) AttachIndex(idx Index) { s.index = idx }

// SetLogger replaces the storage logger (a no-op logger by default).
func (s *Storage) SetLogger(log zerolog.Logger) { s.log = log }

// Root returns the base directory of the checkpoint tree.
func (s *Storage) Root() string { return s.baseDir }

// SessionDir returns the directory holding all checkpoints for a session.
func (s *Storage) SessionDir(sessionName string) string {
	return filepath.Join(s.baseDir, sessionName)
}

// CheckpointDir returns the directory for one checkpoint.
func (s *Storage) CheckpointDir(sessionName, checkpointID string) string {
	return filepath.Join(s.baseDir, sessionName, checkpointID)
}

// IncrementalDir returns the directory for one incremental checkpoint.
func (s *Storage) IncrementalDir(sessionName, incrementalID string) string {
	return filepath.Join(s.baseDir, sessionName, IncrementalDirName, incrementalID)
}

// PanesDirPath returns the directory holding a checkpoint's scrollback files.
func (s *Storage) PanesDirPath(sessionName, checkpointID string) string {
	return filepath.Join(s.CheckpointDir(sessionName, checkpointID), PanesDir)
}

// Save persists checkpoint metadata and session state. Scrollback and git
// patch files are written separately via SaveScrollback and SaveGitPatch.
func (s *Storage) Save(cp *Checkpoint) error {
	if cp.ID == "" {
		return errors.New("checkpoint has no ID")
	}
	if cp.SessionName == "" {
		return errors.New("checkpoint has no session name")
	}
	if cp.Version == 0 {
		cp.Version = CurrentVersion
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}

	dir := s.CheckpointDir(cp.SessionName, cp.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	if err := s.writeJSON(filepath.Join(dir, MetadataFile), cp); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := s.writeJSON(filepath.Join(dir, SessionFile), cp.Session); err != nil {
		return fmt.Errorf("write session state: %w", err)
	}

	if s.index != nil {
		if err := s.index.Record(cp); err != nil {
			s.log.Warn().Err(err).Str("checkpoint", cp.ID).Msg("index record failed")
		}
	}

	s.log.Debug().Str("session", cp.SessionName).Str("checkpoint", cp.ID).Msg("checkpoint saved")
	return nil
}

// Load reads a checkpoint's metadata back from disk.
func (s *Storage) Load(sessionName, checkpointID string) (*Checkpoint, error) {
	path := filepath.Join(s.CheckpointDir(sessionName, checkpointID), MetadataFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &cp, nil
}

// List returns every checkpoint stored for a session, in directory order.
// A session with no checkpoints (or no directory at all) yields an empty
// result, not an error. Entries with unreadable metadata are skipped.
func (s *Storage) List(sessionName string) ([]*Checkpoint, error) {
	entries, err := os.ReadDir(s.SessionDir(sessionName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session dir: %w", err)
	}

	var checkpoints []*Checkpoint
	for _, entry := range entries {
		if !entry.IsDir() || entry.Name() == IncrementalDirName {
			continue
		}
		cp, err := s.Load(sessionName, entry.Name())
		if err != nil {
			s.log.Warn().Err(err).Str("entry", entry.Name()).Msg("skipping unreadable checkpoint")
			continue
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, nil
}

// Delete removes a checkpoint's directory subtree.
func (s *Storage) Delete(sessionName, checkpointID string) error {
	if err := os.RemoveAll(s.CheckpointDir(sessionName, checkpointID)); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	if s.index != nil {
		if err := s.index.Remove(sessionName, checkpointID); err != nil {
			s.log.Warn().Err(err).Str("checkpoint", checkpointID).Msg("index remove failed")
		}
	}
	return nil
}

// SaveScrollback writes one pane's scrollback and returns the path relative
// to the checkpoint directory, suitable for PaneState.ScrollbackFile.
func (s *Storage) SaveScrollback(sessionName, checkpointID, paneKey, content string) (string, error) {
	rel := filepath.Join(PanesDir, "pane__"+paneKey+".txt")
	dir := s.CheckpointDir(sessionName, checkpointID)
	if err := os.MkdirAll(filepath.Join(dir, PanesDir), 0o755); err != nil {
		return "", fmt.Errorf("create panes dir: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, rel), []byte(content)); err != nil {
		return "", fmt.Errorf("write scrollback: %w", err)
	}
	return rel, nil
}

// LoadScrollback reads a scrollback file by its checkpoint-relative path.
func (s *Storage) LoadScrollback(sessionName, checkpointID, relPath string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.CheckpointDir(sessionName, checkpointID), relPath))
	if err != nil {
		return "", fmt.Errorf("read scrollback: %w", err)
	}
	return string(data), nil
}

// SaveGitPatch writes the working-tree diff and returns its relative path.
func (s *Storage) SaveGitPatch(sessionName, checkpointID, patch string) (string, error) {
	dir := s.CheckpointDir(sessionName, checkpointID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create checkpoint dir: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, GitPatchFile), []byte(patch)); err != nil {
		return "", fmt.Errorf("write git patch: %w", err)
	}
	return GitPatchFile, nil
}

// LoadGitPatch reads a checkpoint's git patch.
func (s *Storage) LoadGitPatch(sessionName, checkpointID string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.CheckpointDir(sessionName, checkpointID), GitPatchFile))
	if err != nil {
		return "", fmt.Errorf("read git patch: %w", err)
	}
	return string(data), nil
}

// SaveIncremental persists an incremental checkpoint's metadata under the
// session's incremental namespace.
func (s *Storage) SaveIncremental(inc *IncrementalCheckpoint) error {
	if inc.ID == "" {
		return errors.New("incremental checkpoint has no ID")
	}
	if inc.SessionName == "" {
		return errors.New("incremental checkpoint has no session name")
	}
	if inc.Version == 0 {
		inc.Version = IncrementalVersion
	}
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = time.Now()
	}

	dir := s.IncrementalDir(inc.SessionName, inc.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create incremental dir: %w", err)
	}
	if err := s.writeJSON(filepath.Join(dir, IncrementalMetadataFile), inc); err != nil {
		return fmt.Errorf("write incremental metadata: %w", err)
	}
	return nil
}

// writeJSON marshals v with indentation and writes it atomically.
func (s *Storage) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, data)
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place, so readers never observe a partial file.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// fileExists reports whether path names an existing file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
