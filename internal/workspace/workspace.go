// Package workspace bootstraps and locates the on-disk workspace: the
// .stoneforge directory that holds the store, worktree checkouts, sync
// state, and the starter config.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/stoneforge-ai/stoneforge/internal/common/config"
	"github.com/stoneforge-ai/stoneforge/internal/entity"
)

const (
	// DirName is the marker directory at the workspace root.
	DirName = ".stoneforge"
	// DBFile is the sqlite store inside the marker directory.
	DBFile = "stoneforge.db"
	// WorktreesDir holds per-task git worktree checkouts.
	WorktreesDir = ".worktrees"
	// SyncDir holds external sync scratch state.
	SyncDir = "sync"
	// ConfigFile is the starter config written at the workspace root.
	ConfigFile = "stoneforge.yaml"
)

// Workspace is a located workspace root.
type Workspace struct {
	// Root is the directory that contains the .stoneforge marker.
	Root string
}

// Dir returns the marker directory path.
func (w *Workspace) Dir() string {
	return filepath.Join(w.Root, DirName)
}

// DBPath returns the sqlite store path.
func (w *Workspace) DBPath() string {
	return filepath.Join(w.Dir(), DBFile)
}

// WorktreesPath returns the worktree checkout directory.
func (w *Workspace) WorktreesPath() string {
	return filepath.Join(w.Dir(), WorktreesDir)
}

// SyncPath returns the external sync scratch directory.
func (w *Workspace) SyncPath() string {
	return filepath.Join(w.Dir(), SyncDir)
}

// ConfigPath returns the workspace config file path.
func (w *Workspace) ConfigPath() string {
	return filepath.Join(w.Root, ConfigFile)
}

// Init creates a workspace under root: the .stoneforge directory with
// its worktree and sync subdirectories, plus a starter stoneforge.yaml.
// Initializing an existing workspace fails.
func Init(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	w := &Workspace{Root: abs}

	if _, err := os.Stat(w.Dir()); err == nil {
		return nil, &entity.AlreadyExistsError{Kind: "workspace", Key: abs}
	}

	for _, dir := range []string{w.Dir(), w.WorktreesPath(), w.SyncPath()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create workspace directory: %w", err)
		}
	}
	if _, err := os.Stat(w.ConfigPath()); os.IsNotExist(err) {
		if err := config.WriteDefault(w.ConfigPath()); err != nil {
			return nil, fmt.Errorf("write starter config: %w", err)
		}
	}
	return w, nil
}

// Open locates the workspace that owns dir, walking parent directories
// until a .stoneforge marker is found.
func Open(dir string) (*Workspace, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve directory: %w", err)
	}
	for current := abs; ; {
		marker := filepath.Join(current, DirName)
		if info, err := os.Stat(marker); err == nil && info.IsDir() {
			return &Workspace{Root: current}, nil
		}
		parent := filepath.Dir(current)
		if parent == current {
			return nil, entity.NewNotFoundError("workspace", abs)
		}
		current = parent
	}
}
