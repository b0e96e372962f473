// internal/checkpoint/export.go
package checkpoint

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// Export streams one checkpoint directory to w as a zstd-compressed tar
// archive. The stored tree itself stays uncompressed; the archive is an
// interchange format for moving checkpoints between machines.
func (s *Storage) Export(sessionName, checkpointID string, w io.Writer) error {
	dir := s.CheckpointDir(sessionName, checkpointID)
	if _, err := os.Stat(dir); err != nil {
		return fmt.Errorf("checkpoint %s: %w", checkpointID, err)
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		hdr := &tar.Header{
			Name:    filepath.ToSlash(filepath.Join(checkpointID, rel)),
			Mode:    0o644,
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		tw.Close()
		zw.Close()
		return fmt.Errorf("archive checkpoint %s: %w", checkpointID, err)
	}

	if err := tw.Close(); err != nil {
		zw.Close()
		return fmt.Errorf("finalize archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finalize compression: %w", err)
	}
	return nil
}

// Import unpacks an exported archive under a session root and returns the
// checkpoint ID it contained. Entries that would escape the session
// directory are rejected.
func (s *Storage) Import(sessionName string, r io.Reader) (string, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return "", fmt.Errorf("create zstd reader: %w", err)
	}
	defer zr.Close()

	sessionDir := s.SessionDir(sessionName)
	tr := tar.NewReader(zr)
	checkpointID := ""

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := filepath.FromSlash(hdr.Name)
		if filepath.IsAbs(name) || strings.Contains(name, "..") {
			return "", fmt.Errorf("unsafe archive entry: %s", hdr.Name)
		}
		if checkpointID == "" {
			checkpointID = firstPathElement(name)
		}

		target := filepath.Join(sessionDir, name)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", fmt.Errorf("create import dir: %w", err)
		}

		data, err := io.ReadAll(tr)
		if err != nil {
			return "", fmt.Errorf("read archive entry %s: %w", hdr.Name, err)
		}
		if err := writeFileAtomic(target, data); err != nil {
			return "", fmt.Errorf("write %s: %w", hdr.Name, err)
		}
	}

	if checkpointID == "" {
		return "", errors.New("archive contains no checkpoint files")
	}
	return checkpointID, nil
}

func firstPathElement(path string) string {
	for {
		dir := filepath.Dir(path)
		if dir == "." || dir == string(filepath.Separator) {
			return path
		}
		path = dir
	}
}
