// Package artifacts persists task output (screenshots) on local disk,
// one directory per task.
package artifacts

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Artifact describes one stored file.
type Artifact struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Store writes and lists per-task artifact files under a base directory.
type Store struct {
	baseDir string
}

// NewStore creates the base directory if needed.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create artifacts directory: %w", err)
	}
	return &Store{baseDir: baseDir}, nil
}

// SaveScreenshot writes a PNG under the task's directory and returns its
// path. File names carry the label and a UTC timestamp so repeated
// captures under the same label never collide.
func (s *Store) SaveScreenshot(taskID, label string, data []byte) (string, error) {
	dir := filepath.Join(s.baseDir, taskID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create task directory: %w", err)
	}

	name := fmt.Sprintf("%s-%s.png", sanitizeLabel(label), time.Now().UTC().Format("20060102T150405.000"))
	path := filepath.Join(dir, name)

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write screenshot: %w", err)
	}
	return path, nil
}

// List returns the artifacts stored for a task, oldest first. A task with
// no artifacts yields an empty list, not an error.
func (s *Store) List(taskID string) ([]Artifact, error) {
	dir := filepath.Join(s.baseDir, taskID)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read task directory: %w", err)
	}

	artifacts := make([]Artifact, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		artifacts = append(artifacts, Artifact{
			Name:      entry.Name(),
			Path:      filepath.Join(dir, entry.Name()),
			SizeBytes: info.Size(),
			CreatedAt: info.ModTime().UTC(),
		})
	}
	return artifacts, nil
}

// Remove deletes all artifacts for a task.
func (s *Store) Remove(taskID string) error {
	return os.RemoveAll(filepath.Join(s.baseDir, taskID))
}

// sanitizeLabel keeps file names portable: spaces become dashes and
// anything outside [a-zA-Z0-9._-] is dropped.
func sanitizeLabel(label string) string {
	if label == "" {
		return "step"
	}
	label = strings.ReplaceAll(label, " ", "-")
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-', r == '_', r == '.':
			return r
		}
		return -1
	}, label)
}
