// Package snapshot stores the annotated frame of each confirmed batch.
package snapshot

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Writer saves JPEG snapshots under a base directory, one subdirectory per day.
type Writer struct {
	basePath     string
	filesWritten atomic.Uint64
	bytesWritten atomic.Uint64
}

// NewWriter creates basePath if needed.
func NewWriter(basePath string) (*Writer, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &Writer{basePath: basePath}, nil
}

// Save writes data and returns its path relative to the base directory.
func (w *Writer) Save(data []byte, label string, at time.Time) (string, error) {
	day := at.UTC().Format("20060102")
	dir := filepath.Join(w.basePath, day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	name := fmt.Sprintf("event_%s_%s_%s.jpg",
		sanitize(label),
		at.UTC().Format("150405.000"),
		uuid.NewString()[:8],
	)
	rel := filepath.Join(day, name)
	full := filepath.Join(w.basePath, rel)

	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("failed to finalize snapshot: %w", err)
	}

	w.filesWritten.Add(1)
	w.bytesWritten.Add(uint64(len(data)))
	return filepath.ToSlash(rel), nil
}

// Open returns the absolute path for a relative snapshot path, refusing
// paths that escape the base directory.
func (w *Writer) Open(rel string) (string, error) {
	full := filepath.Join(w.basePath, filepath.FromSlash(rel))
	back, err := filepath.Rel(w.basePath, full)
	if err != nil || back == ".." || len(back) > 2 && back[:3] == ".."+string(filepath.Separator) {
		return "", fmt.Errorf("invalid snapshot path %q", rel)
	}
	return full, nil
}

// Stats returns files and bytes written since start.
func (w *Writer) Stats() (files, bytes uint64) {
	return w.filesWritten.Load(), w.bytesWritten.Load()
}

func sanitize(label string) string {
	s := unsafeChars.ReplaceAllString(label, "_")
	if s == "" {
		return "unknown"
	}
	return s
}
