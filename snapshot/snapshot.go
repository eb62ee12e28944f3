// Copyright 2026 The Txup Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"

	"github.com/txup-project/txup/lib/config"
)

// BaseDefault is the base selector naming the current default
// snapshot.
const BaseDefault = "default"

// ErrNotFound reports that a snapshot identifier is unknown to the
// backend.
var ErrNotFound = errors.New("snapshot not found")

// Snapshot describes one copy-on-write filesystem tree.
type Snapshot struct {
	// ID is the backend's persistent identifier for the snapshot.
	ID string

	// ParentID is the snapshot this one was branched from. Empty when
	// the backend does not record ancestry for listed snapshots.
	ParentID string

	// Path is where the snapshot's root is reachable on the host.
	Path string

	// ReadOnly reports whether the snapshot rejects writes.
	ReadOnly bool

	// Default reports whether this is the snapshot the system will
	// boot next. At most one snapshot is default at any time.
	Default bool
}

// Manager creates, resolves, promotes, and deletes copy-on-write
// snapshots. It is the sole owner of snapshot existence and of the
// system's default-snapshot pointer.
type Manager interface {
	// Create branches a new writable snapshot from base. An empty
	// base or [BaseDefault] branches from the current default.
	// Returns ErrNotFound when base names an unknown snapshot.
	Create(base string) (*Snapshot, error)

	// Open resolves an existing identifier. Returns ErrNotFound when
	// the identifier is unknown.
	Open(id string) (*Snapshot, error)

	// SetDefault atomically makes id the default boot snapshot,
	// demoting the prior default. The swap is delegated to the
	// backend's own atomic primitive: a crash mid-operation never
	// leaves the system with zero or two defaults.
	SetDefault(id string) error

	// Delete irreversibly discards the snapshot and its writable
	// data. Deleting an unknown or already-deleted identifier is a
	// no-op so that resumed cleanup can retry safely.
	Delete(id string) error

	// List enumerates all snapshots known to the backend.
	List() ([]*Snapshot, error)
}

// New constructs the Manager selected by the configuration.
func New(cfg config.SnapshotConfig, logger *slog.Logger) (Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch cfg.Backend {
	case config.Snapper:
		return newSnapperManager(cfg.Root, logger), nil
	case config.Btrfs:
		return newBtrfsManager(cfg.Root, cfg.Subvolume, logger), nil
	default:
		return nil, fmt.Errorf("unknown snapshot backend %q", cfg.Backend)
	}
}

// runCommand invokes a backend tool and returns its combined output.
// Backends hold this as a field so tests can substitute a fake.
type runCommand func(name string, args ...string) ([]byte, error)

func runTool(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// parseID checks that an identifier is a bare snapshot number. Both
// backends number snapshots; anything else (especially path
// separators) is rejected before it reaches a command line.
func parseID(id string) (int, error) {
	n, err := strconv.Atoi(id)
	if err != nil || n < 0 || len(id) > 1 && id[0] == '0' {
		return 0, fmt.Errorf("invalid snapshot identifier %q", id)
	}
	return n, nil
}
