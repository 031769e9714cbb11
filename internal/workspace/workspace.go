// Package workspace owns the on-disk layout under the work root:
//
//	<root>/<asset_id>/source<ext>
//	<root>/<asset_id>/<label>.m3u8
//	<root>/<asset_id>/<label>_NNN.ts
//	<root>/<asset_id>/master.m3u8
//
// Paths stored in the catalog are relative to the root.
package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

const lockName = ".vodpipe.lock"

var (
	// ErrInvalidName is returned for asset ids or file names that would
	// escape their directory.
	ErrInvalidName = errors.New("invalid workspace name")
	// ErrLocked is returned by Lock when another process owns the root.
	ErrLocked = errors.New("work root is locked by another process")
)

// Workspace resolves asset paths beneath a single root directory.
type Workspace struct {
	root string
	lock *flock.Flock
}

// New creates root if needed and returns a Workspace for it.
func New(root string) (*Workspace, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("work root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve work root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create work root: %w", err)
	}
	return &Workspace{root: abs, lock: flock.New(filepath.Join(abs, lockName))}, nil
}

// Root returns the absolute work root.
func (w *Workspace) Root() string {
	return w.root
}

// Lock takes an exclusive advisory lock on the work root so two processes
// never encode into the same tree. It does not block.
func (w *Workspace) Lock() error {
	ok, err := w.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire work root lock: %w", err)
	}
	if !ok {
		return ErrLocked
	}
	return nil
}

// Unlock releases the lock taken by Lock.
func (w *Workspace) Unlock() error {
	return w.lock.Unlock()
}

// AssetDir returns the directory for an asset without creating it.
func (w *Workspace) AssetDir(assetID string) (string, error) {
	if !validName(assetID) {
		return "", fmt.Errorf("%w: asset id %q", ErrInvalidName, assetID)
	}
	return filepath.Join(w.root, assetID), nil
}

// EnsureAssetDir returns the asset directory, creating it if needed.
func (w *Workspace) EnsureAssetDir(assetID string) (string, error) {
	dir, err := w.AssetDir(assetID)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create asset dir: %w", err)
	}
	return dir, nil
}

// Resolve maps an (asset id, file name) pair from a request to an absolute
// path. Names containing separators or dot segments are rejected.
func (w *Workspace) Resolve(assetID, filename string) (string, error) {
	dir, err := w.AssetDir(assetID)
	if err != nil {
		return "", err
	}
	if !validName(filename) {
		return "", fmt.Errorf("%w: file %q", ErrInvalidName, filename)
	}
	return filepath.Join(dir, filename), nil
}

// Rel returns path relative to the root using forward slashes, the form
// persisted in the catalog.
func (w *Workspace) Rel(path string) (string, error) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return "", err
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s is outside the work root", ErrInvalidName, path)
	}
	return filepath.ToSlash(rel), nil
}

// Abs is the inverse of Rel.
func (w *Workspace) Abs(rel string) string {
	return filepath.Join(w.root, filepath.FromSlash(rel))
}

func validName(name string) bool {
	if name == "" || name == "." || name == ".." || strings.HasPrefix(name, ".") {
		return false
	}
	if strings.ContainsAny(name, `/\`) || strings.ContainsRune(name, 0) {
		return false
	}
	return filepath.Base(name) == name
}
