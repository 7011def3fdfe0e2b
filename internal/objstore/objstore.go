// Package objstore stores raw and converted document payloads outside the
// relational database, addressed by opaque refs. The filesystem
// implementation keeps blobs under a single root with fanout directories;
// refs are relative paths and never escape the root.
package objstore

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a ref does not resolve to a stored blob.
var ErrNotFound = errors.New("objstore: not found")

// Store persists blobs by ref. Implementations must be safe for concurrent
// use.
type Store interface {
	// Put writes data under a fresh ref and returns it. name is advisory and
	// only influences the ref's extension.
	Put(name string, data []byte) (string, error)

	// Get returns the blob stored under ref, or ErrNotFound.
	Get(ref string) ([]byte, error)

	// Delete removes the blob under ref. Deleting a missing ref is not an
	// error.
	Delete(ref string) error
}

// FS is the filesystem-backed Store.
type FS struct {
	root string
}

// NewFS creates (if needed) and opens a filesystem store rooted at dir.
func NewFS(dir string) (*FS, error) {
	if dir == "" {
		return nil, fmt.Errorf("objstore: a root directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("objstore: could not create %s: %w", dir, err)
	}
	return &FS{root: dir}, nil
}

// DefaultRoot returns the default blob directory, ~/.kbase/blobs.
func DefaultRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("objstore: could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".kbase", "blobs"), nil
}

// Put writes data under a random ref of the form "ab/cdef...<ext>", where the
// two-character prefix fans blobs out across subdirectories.
func (s *FS) Put(name string, data []byte) (string, error) {
	var raw [16]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("objstore: generate ref: %w", err)
	}
	id := hex.EncodeToString(raw[:])

	ext := filepath.Ext(name)
	if len(ext) > 16 || strings.ContainsAny(ext, "/\\") {
		ext = ""
	}
	ref := filepath.Join(id[:2], id[2:]+ext)

	path := filepath.Join(s.root, ref)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("objstore: create fanout dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("objstore: write %s: %w", ref, err)
	}
	return ref, nil
}

// Get returns the blob under ref.
func (s *FS) Get(ref string) ([]byte, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("objstore: read %s: %w", ref, err)
	}
	return data, nil
}

// Delete removes the blob under ref, tolerating absence.
func (s *FS) Delete(ref string) error {
	path, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("objstore: delete %s: %w", ref, err)
	}
	return nil
}

// resolve maps a ref to an absolute path, rejecting anything that would
// escape the store root.
func (s *FS) resolve(ref string) (string, error) {
	if ref == "" {
		return "", ErrNotFound
	}
	cleaned := filepath.Clean(ref)
	if filepath.IsAbs(cleaned) || strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("objstore: invalid ref %q", ref)
	}
	return filepath.Join(s.root, cleaned), nil
}
