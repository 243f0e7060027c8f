// Package sandbox confines each paired client's file operations to its
// own directory under the storage root. Every operation resolves the
// client-supplied path first; nothing below this package ever touches
// the filesystem with an unresolved path.
package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrAccessDenied      = errors.New("sandbox: access denied")
	ErrFileNotFound      = errors.New("sandbox: file not found")
	ErrDirectoryNotFound = errors.New("sandbox: directory not found")
	ErrNotADirectory     = errors.New("sandbox: not a directory")
)

// Entry describes one immediate child of a listed directory.
type Entry struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"` // relative to the client's root
	Type       string    `json:"type"` // "file" or "directory"
	Size       int64     `json:"size"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// Sandbox resolves client-relative paths under storageRoot/client_files.
type Sandbox struct {
	storageRoot string
}

func New(storageRoot string) *Sandbox {
	return &Sandbox{storageRoot: storageRoot}
}

// Root returns the sandbox root directory for a client.
func (s *Sandbox) Root(clientID string) string {
	return filepath.Join(s.storageRoot, "client_files", clientID)
}

// EnsureRoot creates the client's sandbox root if it does not exist.
// Called once at successful authentication.
func (s *Sandbox) EnsureRoot(clientID string) error {
	if err := os.MkdirAll(s.Root(clientID), 0755); err != nil {
		return fmt.Errorf("create sandbox root: %w", err)
	}
	return nil
}

// Resolve maps a client-relative path to an absolute path inside the
// client's root. Absolute paths and any parent-traversal segment are
// rejected before the join, so the result is always a descendant of
// the root.
func (s *Sandbox) Resolve(clientID, requested string) (string, error) {
	// Normalize separators so a Windows-style path cannot hide a
	// traversal from the segment check.
	normalized := strings.ReplaceAll(requested, "\\", "/")

	if strings.HasPrefix(normalized, "/") || filepath.IsAbs(requested) {
		return "", ErrAccessDenied
	}
	for _, seg := range strings.Split(normalized, "/") {
		if seg == ".." {
			return "", ErrAccessDenied
		}
	}

	cleaned := filepath.Clean(filepath.FromSlash(normalized))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", ErrAccessDenied
	}

	return filepath.Join(s.Root(clientID), cleaned), nil
}

// Read returns the full contents of the resolved file as text.
func (s *Sandbox) Read(clientID, requested string) (string, error) {
	path, err := s.Resolve(clientID, requested)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrFileNotFound
		}
		return "", fmt.Errorf("read %s: %w", requested, err)
	}
	return string(data), nil
}

// Write overwrites the resolved file, creating intermediate directories
// as needed.
func (s *Sandbox) Write(clientID, requested, content string) error {
	path, err := s.Resolve(clientID, requested)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("write %s: %w", requested, err)
	}
	return nil
}

// List returns the immediate children of the resolved directory.
func (s *Sandbox) List(clientID, requested string) ([]Entry, error) {
	path, err := s.Resolve(clientID, requested)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrDirectoryNotFound
		}
		return nil, fmt.Errorf("stat %s: %w", requested, err)
	}
	if !info.IsDir() {
		return nil, ErrNotADirectory
	}

	dirEntries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", requested, err)
	}

	entries := make([]Entry, 0, len(dirEntries))
	for _, de := range dirEntries {
		entry := Entry{
			Name: de.Name(),
			Path: filepath.ToSlash(filepath.Join(filepath.FromSlash(requested), de.Name())),
			Type: "file",
		}
		if de.IsDir() {
			entry.Type = "directory"
		}
		if fi, err := de.Info(); err == nil {
			entry.Size = fi.Size()
			entry.ModifiedAt = fi.ModTime()
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Delete removes the resolved file. Directories are not removed by this
// operation.
func (s *Sandbox) Delete(clientID, requested string) error {
	path, err := s.Resolve(clientID, requested)
	if err != nil {
		return err
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return ErrFileNotFound
		}
		return fmt.Errorf("stat %s: %w", requested, err)
	}

	// os.Remove never recurses, so a populated directory fails here
	// and surfaces as a file error to the client.
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("delete %s: %w", requested, err)
	}
	return nil
}
