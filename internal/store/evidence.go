package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EvidenceWriter stores evidence JPEGs under one directory.
// Files are named THREAT_YYYYmmdd_HHMMSS_<8 hex>.jpg and written atomically.
type EvidenceWriter struct {
	dir string
}

// NewEvidenceWriter creates the directory if needed
func NewEvidenceWriter(dir string) (*EvidenceWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create evidence directory: %w", err)
	}
	return &EvidenceWriter{dir: dir}, nil
}

// Dir returns the evidence directory
func (w *EvidenceWriter) Dir() string {
	return w.dir
}

// Save writes data to a fresh file and returns its path.
// The file is fsynced and renamed into place, so a returned path always names a complete image.
func (w *EvidenceWriter) Save(data []byte, ts time.Time) (string, error) {
	name := EvidenceName(ts)
	final := filepath.Join(w.dir, name)

	tmp, err := os.CreateTemp(w.dir, ".tmp-"+name+"-*")
	if err != nil {
		return "", fmt.Errorf("failed to create evidence file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return "", fmt.Errorf("failed to write evidence: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return "", fmt.Errorf("failed to sync evidence: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to close evidence file: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to publish evidence: %w", err)
	}
	syncDir(w.dir)
	return final, nil
}

// Open resolves an evidence file name (not a path) inside the directory
func (w *EvidenceWriter) Open(name string) (*os.File, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return nil, ErrNotFound
	}
	f, err := os.Open(filepath.Join(w.dir, name))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return f, err
}

// EvidenceName builds the timestamp-derived unique file name
func EvidenceName(ts time.Time) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("THREAT_%s_%s.jpg", ts.Format("20060102_150405"), suffix)
}

// syncDir flushes the rename to disk. Not all platforms support it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	d.Sync()
	d.Close()
}
