// internal/checkpoint/integrity.go
package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// hashPrefixLen is how much of a SHA-256 digest mismatch messages show.
// Full 64-char digests make the output unreadable; a 16-char prefix is
// plenty to compare by eye.
const hashPrefixLen = 16

// IntegrityResult aggregates the findings of one verification run. Checks
// never short-circuit: every discoverable problem lands in Errors or
// Warnings so a single call gives the complete picture.
type IntegrityResult struct {
	// Valid is SchemaValid && FilesPresent && ConsistencyValid. Checksum
	// state is deliberately excluded: not every checkpoint carries a
	// manifest, so that layer is verified separately via VerifyManifest.
	Valid bool `json:"valid"`

	SchemaValid      bool `json:"schema_valid"`
	FilesPresent     bool `json:"files_present"`
	ChecksumsValid   bool `json:"checksums_valid"`
	ConsistencyValid bool `json:"consistency_valid"`

	Errors   []string          `json:"errors,omitempty"`
	Warnings []string          `json:"warnings,omitempty"`
	Details  map[string]string `json:"details,omitempty"`

	// Manifest echoes the manifest used for checksum verification, if any.
	Manifest *FileManifest `json:"manifest,omitempty"`
}

// FileManifest maps checkpoint-relative file paths to SHA-256 hex digests.
type FileManifest struct {
	Files     map[string]string `json:"files"`
	CreatedAt string            `json:"created_at,omitempty"`
}

// Verify runs the schema, file-presence and consistency passes and
// aggregates their findings. Each pass runs regardless of earlier failures.
func (c *Checkpoint) Verify(storage *Storage) *IntegrityResult {
	result := &IntegrityResult{
		Valid:            true,
		SchemaValid:      true,
		FilesPresent:     true,
		ChecksumsValid:   true,
		ConsistencyValid: true,
		Errors:           []string{},
		Warnings:         []string{},
		Details:          make(map[string]string),
	}

	dir := storage.CheckpointDir(c.SessionName, c.ID)

	c.validateSchema(result)
	c.checkFiles(dir, result)
	c.validateConsistency(result)

	result.Valid = result.SchemaValid && result.FilesPresent && result.ConsistencyValid
	return result
}

// validateSchema checks version bounds and required-field presence. Missing
// optional fields only warn.
func (c *Checkpoint) validateSchema(result *IntegrityResult) {
	if c.Version < MinVersion || c.Version > CurrentVersion {
		result.SchemaValid = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("unsupported version %d (supported: %d-%d)", c.Version, MinVersion, CurrentVersion))
	}

	if c.ID == "" {
		result.SchemaValid = false
		result.Errors = append(result.Errors, "missing checkpoint ID")
	}
	if c.SessionName == "" {
		result.SchemaValid = false
		result.Errors = append(result.Errors, "missing session_name")
	}
	if c.CreatedAt.IsZero() {
		result.SchemaValid = false
		result.Errors = append(result.Errors, "missing or invalid created_at timestamp")
	}

	if c.Name == "" {
		result.Warnings = append(result.Warnings, "checkpoint has no name (referenced by ID only)")
	}
	if c.WorkingDir == "" {
		result.Warnings = append(result.Warnings, "checkpoint has no working_dir")
	}
	if len(c.Session.Panes) == 0 {
		result.Warnings = append(result.Warnings, "checkpoint has no panes captured")
	}

	result.Details["version"] = strconv.Itoa(c.Version)
	result.Details["id"] = c.ID
	result.Details["session"] = c.SessionName
}

// checkFiles verifies that every file the metadata references exists. All
// missing files are reported, not just the first.
func (c *Checkpoint) checkFiles(dir string, result *IntegrityResult) {
	if !fileExists(filepath.Join(dir, MetadataFile)) {
		result.FilesPresent = false
		result.Errors = append(result.Errors, "missing "+MetadataFile)
	}
	if !fileExists(filepath.Join(dir, SessionFile)) {
		result.FilesPresent = false
		result.Errors = append(result.Errors, "missing "+SessionFile)
	}

	for _, pane := range c.Session.Panes {
		if pane.ScrollbackFile == "" {
			continue
		}
		if !fileExists(filepath.Join(dir, pane.ScrollbackFile)) {
			result.FilesPresent = false
			result.Errors = append(result.Errors,
				fmt.Sprintf("missing scrollback file for pane %s: %s", pane.ID, pane.ScrollbackFile))
		}
	}

	if c.Git.PatchFile != "" && !fileExists(filepath.Join(dir, c.Git.PatchFile)) {
		result.FilesPresent = false
		result.Errors = append(result.Errors, "missing git patch file: "+c.Git.PatchFile)
	}

	result.Details["panes_dir"] = filepath.Join(dir, PanesDir)
	result.Details["files_checked"] = strconv.Itoa(2 + len(c.Session.Panes))
}

// validateConsistency checks internal agreement between denormalized fields
// and the session state they summarize.
func (c *Checkpoint) validateConsistency(result *IntegrityResult) {
	if c.PaneCount != len(c.Session.Panes) {
		result.ConsistencyValid = false
		result.Errors = append(result.Errors,
			fmt.Sprintf("pane_count (%d) does not match actual panes (%d)", c.PaneCount, len(c.Session.Panes)))
	}

	if n := len(c.Session.Panes); n > 0 {
		if idx := c.Session.ActivePaneIndex; idx < 0 || idx >= n {
			result.ConsistencyValid = false
			result.Errors = append(result.Errors,
				fmt.Sprintf("active_pane_index (%d) out of range (0-%d)", idx, n-1))
		}
	}

	for _, pane := range c.Session.Panes {
		if pane.Width <= 0 || pane.Height <= 0 {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("pane %s has invalid dimensions: %dx%d", pane.ID, pane.Width, pane.Height))
		}
	}

	if c.Git.IsDirty && c.Git.StagedCount+c.Git.UnstagedCount+c.Git.UntrackedCount == 0 {
		result.Warnings = append(result.Warnings, "git marked as dirty but no changes counted")
	}

	result.Details["pane_count"] = strconv.Itoa(len(c.Session.Panes))
	result.Details["has_git_state"] = strconv.FormatBool(c.Git.Branch != "")
}

// GenerateManifest hashes every file the checkpoint references. Files that
// do not exist are skipped silently, so the manifest covers whatever is
// currently on disk, but any other read failure aborts.
func (c *Checkpoint) GenerateManifest(storage *Storage) (*FileManifest, error) {
	dir := storage.CheckpointDir(c.SessionName, c.ID)
	manifest := &FileManifest{
		Files:     make(map[string]string),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}

	addFile := func(relPath string) error {
		hash, err := hashFile(filepath.Join(dir, relPath))
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return fmt.Errorf("hashing %s: %w", relPath, err)
		}
		manifest.Files[relPath] = hash
		return nil
	}

	if err := addFile(MetadataFile); err != nil {
		return nil, err
	}
	if err := addFile(SessionFile); err != nil {
		return nil, err
	}
	for _, pane := range c.Session.Panes {
		if pane.ScrollbackFile == "" {
			continue
		}
		if err := addFile(pane.ScrollbackFile); err != nil {
			return nil, err
		}
	}
	if c.Git.PatchFile != "" {
		if err := addFile(c.Git.PatchFile); err != nil {
			return nil, err
		}
	}

	return manifest, nil
}

// VerifyManifest recomputes the hash of every manifest entry. Missing files
// and mismatches both fail the result; a nil or empty manifest means there
// is nothing to verify, which is a warning rather than a failure. Entries
// are checked in sorted order so output is deterministic.
func (c *Checkpoint) VerifyManifest(storage *Storage, manifest *FileManifest) *IntegrityResult {
	result := &IntegrityResult{
		Valid:          true,
		ChecksumsValid: true,
		Errors:         []string{},
		Details:        make(map[string]string),
		Manifest:       manifest,
	}

	if manifest == nil || len(manifest.Files) == 0 {
		result.Warnings = append(result.Warnings, "no manifest provided, skipping checksum verification")
		return result
	}

	paths := make([]string, 0, len(manifest.Files))
	for relPath := range manifest.Files {
		paths = append(paths, relPath)
	}
	sort.Strings(paths)

	dir := storage.CheckpointDir(c.SessionName, c.ID)
	verified, failed := 0, 0

	for _, relPath := range paths {
		expected := manifest.Files[relPath]
		actual, err := hashFile(filepath.Join(dir, relPath))
		if err != nil {
			if os.IsNotExist(err) {
				result.Errors = append(result.Errors, "file missing: "+relPath)
			} else {
				result.Errors = append(result.Errors, fmt.Sprintf("error reading %s: %v", relPath, err))
			}
			failed++
			continue
		}

		if actual != expected {
			result.Errors = append(result.Errors,
				fmt.Sprintf("checksum mismatch: %s (expected %s, got %s)",
					relPath, truncateHash(expected), truncateHash(actual)))
			failed++
		} else {
			verified++
		}
	}

	if failed > 0 {
		result.Valid = false
		result.ChecksumsValid = false
	}

	result.Details["verified"] = strconv.Itoa(verified)
	result.Details["failed"] = strconv.Itoa(failed)
	result.Details["total"] = strconv.Itoa(len(manifest.Files))
	return result
}

// QuickCheck is a cheap validity probe: version bounds, required fields,
// and the presence of metadata.json. No file contents are read. All
// failures are combined into one error.
func (c *Checkpoint) QuickCheck(storage *Storage) error {
	var errs []string

	if c.Version < MinVersion || c.Version > CurrentVersion {
		errs = append(errs, fmt.Sprintf("unsupported version: %d", c.Version))
	}
	if c.ID == "" {
		errs = append(errs, "missing checkpoint ID")
	}
	if c.SessionName == "" {
		errs = append(errs, "missing session_name")
	}

	dir := storage.CheckpointDir(c.SessionName, c.ID)
	if !fileExists(filepath.Join(dir, MetadataFile)) {
		errs = append(errs, "missing "+MetadataFile)
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.New("checkpoint validation failed: " + strings.Join(errs, "; "))
}

// VerifyAll verifies every checkpoint in a session independently; one bad
// checkpoint never aborts verification of the rest.
func VerifyAll(storage *Storage, sessionName string) (map[string]*IntegrityResult, error) {
	checkpoints, err := storage.List(sessionName)
	if err != nil {
		return nil, err
	}

	results := make(map[string]*IntegrityResult, len(checkpoints))
	for _, cp := range checkpoints {
		results[cp.ID] = cp.Verify(storage)
	}
	return results, nil
}

// hashFile streams a file through SHA-256 and returns the hex digest. The
// file is never buffered whole, so arbitrarily large scrollback captures
// are fine.
func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func truncateHash(hash string) string {
	if len(hash) <= hashPrefixLen {
		return hash
	}
	return hash[:hashPrefixLen] + "..."
}
