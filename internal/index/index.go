// Package index maintains a sqlite catalog of saved checkpoints so listing
// and name search never have to walk the directory tree. The tree remains
// the source of truth; the catalog can always be rebuilt from it.
package index

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"muxsnap/internal/checkpoint"
)

// Entry is one catalog row.
type Entry struct {
	ID          string
	Name        string
	SessionName string
	WorkingDir  string
	CreatedAt   time.Time
	PaneCount   int
	GitBranch   string
}

// Index wraps the sqlite catalog. It implements checkpoint.Index.
type Index struct {
	db *sql.DB
}

// Open creates or opens the catalog at path.
func Open(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}

	idx := &Index{db: db}
	if err := idx.init(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

// init creates the catalog schema.
func (idx *Index) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT NOT NULL,
		session_name TEXT NOT NULL,
		name TEXT,
		working_dir TEXT,
		created_at INTEGER NOT NULL,
		pane_count INTEGER NOT NULL DEFAULT 0,
		git_branch TEXT,
		PRIMARY KEY (session_name, id)
	);

	CREATE INDEX IF NOT EXISTS idx_checkpoints_session ON checkpoints(session_name, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_name ON checkpoints(name);
	`
	if _, err := idx.db.Exec(schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// Record upserts one checkpoint's catalog row.
func (idx *Index) Record(cp *checkpoint.Checkpoint) error {
	_, err := idx.db.Exec(`
		INSERT INTO checkpoints (id, session_name, name, working_dir, created_at, pane_count, git_branch)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_name, id) DO UPDATE SET
			name = excluded.name,
			working_dir = excluded.working_dir,
			created_at = excluded.created_at,
			pane_count = excluded.pane_count,
			git_branch = excluded.git_branch`,
		cp.ID, cp.SessionName, cp.Name, cp.WorkingDir, cp.CreatedAt.UnixMilli(), cp.PaneCount, cp.Git.Branch)
	if err != nil {
		return fmt.Errorf("record checkpoint %s: %w", cp.ID, err)
	}
	return nil
}

// Remove deletes one checkpoint's catalog row. Removing an unknown row is a
// no-op.
func (idx *Index) Remove(sessionName, checkpointID string) error {
	_, err := idx.db.Exec(`DELETE FROM checkpoints WHERE session_name = ? AND id = ?`, sessionName, checkpointID)
	if err != nil {
		return fmt.Errorf("remove checkpoint %s: %w", checkpointID, err)
	}
	return nil
}

// BySession returns a session's catalog entries, newest first.
func (idx *Index) BySession(sessionName string) ([]Entry, error) {
	rows, err := idx.db.Query(`
		SELECT id, session_name, name, working_dir, created_at, pane_count, git_branch
		FROM checkpoints WHERE session_name = ?
		ORDER BY created_at DESC, id DESC`, sessionName)
	if err != nil {
		return nil, fmt.Errorf("query session %s: %w", sessionName, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Recent returns the newest entries across all sessions, up to limit.
func (idx *Index) Recent(limit int) ([]Entry, error) {
	rows, err := idx.db.Query(`
		SELECT id, session_name, name, working_dir, created_at, pane_count, git_branch
		FROM checkpoints
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// SearchByName returns entries whose name matches the sqlite LIKE pattern,
// newest first. Use % and _ as wildcards.
func (idx *Index) SearchByName(pattern string) ([]Entry, error) {
	rows, err := idx.db.Query(`
		SELECT id, session_name, name, working_dir, created_at, pane_count, git_branch
		FROM checkpoints WHERE name LIKE ?
		ORDER BY created_at DESC, id DESC`, pattern)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", pattern, err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Rebuild repopulates a session's rows from the directory tree. Existing
// rows for the session are dropped first.
func (idx *Index) Rebuild(storage *checkpoint.Storage, sessionName string) error {
	checkpoints, err := storage.List(sessionName)
	if err != nil {
		return fmt.Errorf("list session %s: %w", sessionName, err)
	}

	tx, err := idx.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM checkpoints WHERE session_name = ?`, sessionName); err != nil {
		return fmt.Errorf("clear session %s: %w", sessionName, err)
	}
	for _, cp := range checkpoints {
		_, err := tx.Exec(`
			INSERT INTO checkpoints (id, session_name, name, working_dir, created_at, pane_count, git_branch)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			cp.ID, cp.SessionName, cp.Name, cp.WorkingDir, cp.CreatedAt.UnixMilli(), cp.PaneCount, cp.Git.Branch)
		if err != nil {
			return fmt.Errorf("insert checkpoint %s: %w", cp.ID, err)
		}
	}
	return tx.Commit()
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var name, workingDir, branch sql.NullString
		var createdAt int64
		if err := rows.Scan(&e.ID, &e.SessionName, &name, &workingDir, &createdAt, &e.PaneCount, &branch); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Name = name.String
		e.WorkingDir = workingDir.String
		e.GitBranch = branch.String
		e.CreatedAt = time.UnixMilli(createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
