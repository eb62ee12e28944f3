// Copyright 2026 The Txup Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// btrfsManager drives snapshots through btrfs-progs against a
// dedicated snapshots subvolume. Each snapshot lives at
// <subvolume>/<number>/snapshot; the number is the transaction
// identifier and is allocated monotonically from the directory
// listing, so identifiers survive across process invocations.
type btrfsManager struct {
	root      string
	subvolume string
	logger    *slog.Logger
	run       runCommand
}

func newBtrfsManager(root, subvolume string, logger *slog.Logger) *btrfsManager {
	return &btrfsManager{
		root:      root,
		subvolume: subvolume,
		logger:    logger,
		run:       runTool,
	}
}

func (m *btrfsManager) btrfs(args ...string) ([]byte, error) {
	out, err := m.run("btrfs", args...)
	if err != nil {
		return nil, fmt.Errorf("btrfs %s failed: %w, output: %s",
			strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

func (m *btrfsManager) Create(base string) (*Snapshot, error) {
	basePath, baseID, err := m.resolveBase(base)
	if err != nil {
		return nil, err
	}

	next, err := m.nextID()
	if err != nil {
		return nil, err
	}

	id := strconv.Itoa(next)
	dir := filepath.Join(m.subvolume, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating snapshot directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, "snapshot")
	if _, err := m.btrfs("subvolume", "snapshot", basePath, path); err != nil {
		// The empty numbered directory must not linger: a later
		// Create would otherwise still allocate past it, but List
		// would report a snapshot with no subvolume behind it.
		_ = os.Remove(dir)
		return nil, err
	}

	m.logger.Debug("created snapshot", "id", id, "base", baseID)

	return &Snapshot{
		ID:       id,
		ParentID: baseID,
		Path:     path,
	}, nil
}

func (m *btrfsManager) Open(id string) (*Snapshot, error) {
	if _, err := parseID(id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	path := filepath.Join(m.subvolume, id, "snapshot")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
	}

	defaultID, _ := m.defaultID()
	return &Snapshot{
		ID:      id,
		Path:    path,
		Default: id == defaultID,
	}, nil
}

func (m *btrfsManager) SetDefault(id string) error {
	snap, err := m.Open(id)
	if err != nil {
		return err
	}
	// set-default is a single superblock pointer update inside the
	// kernel; it either happens or it does not.
	if _, err := m.btrfs("subvolume", "set-default", snap.Path); err != nil {
		return err
	}
	m.logger.Info("set default snapshot", "id", id)
	return nil
}

func (m *btrfsManager) Delete(id string) error {
	if _, err := parseID(id); err != nil {
		return nil
	}
	dir := filepath.Join(m.subvolume, id)
	path := filepath.Join(dir, "snapshot")

	if _, err := os.Stat(path); err == nil {
		if _, err := m.btrfs("subvolume", "delete", path); err != nil {
			return err
		}
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing snapshot directory %s: %w", dir, err)
	}
	m.logger.Debug("deleted snapshot", "id", id)
	return nil
}

func (m *btrfsManager) List() ([]*Snapshot, error) {
	ids, err := m.listIDs()
	if err != nil {
		return nil, err
	}
	defaultID, _ := m.defaultID()

	var snapshots []*Snapshot
	for _, n := range ids {
		id := strconv.Itoa(n)
		snapshots = append(snapshots, &Snapshot{
			ID:      id,
			Path:    filepath.Join(m.subvolume, id, "snapshot"),
			Default: id == defaultID,
		})
	}
	return snapshots, nil
}

// resolveBase maps the caller's base selector to the subvolume path
// and identifier to branch from.
func (m *btrfsManager) resolveBase(base string) (path, id string, err error) {
	if base == "" || base == BaseDefault {
		id, err = m.defaultID()
		if err != nil {
			return "", "", err
		}
		if id == "" {
			// No numbered snapshot is default yet: branch from the
			// filesystem root itself (first transaction on a fresh
			// system).
			return m.root, "", nil
		}
	} else {
		id = base
	}

	snap, err := m.Open(id)
	if err != nil {
		return "", "", err
	}
	return snap.Path, snap.ID, nil
}

// nextID allocates one past the highest existing snapshot number.
func (m *btrfsManager) nextID() (int, error) {
	ids, err := m.listIDs()
	if err != nil {
		return 0, err
	}
	next := 1
	for _, n := range ids {
		if n >= next {
			next = n + 1
		}
	}
	return next, nil
}

func (m *btrfsManager) listIDs() ([]int, error) {
	entries, err := os.ReadDir(m.subvolume)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading snapshots subvolume %s: %w", m.subvolume, err)
	}

	var ids []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		n, err := strconv.Atoi(entry.Name())
		if err != nil || n <= 0 {
			continue
		}
		ids = append(ids, n)
	}
	return ids, nil
}

// defaultID resolves the current default snapshot number, or "" when
// the default subvolume is not one of our numbered snapshots.
func (m *btrfsManager) defaultID() (string, error) {
	out, err := m.btrfs("subvolume", "get-default", m.root)
	if err != nil {
		return "", err
	}
	return parseGetDefault(string(out), filepath.Base(m.subvolume)), nil
}

// parseGetDefault extracts the snapshot number from `btrfs subvolume
// get-default` output, e.g.
//
//	ID 272 gen 43 top level 5 path @snapshots/3/snapshot
//
// Returns "" when the default path does not match the
// <subvolume>/<number>/snapshot layout.
func parseGetDefault(out, subvolumeName string) string {
	fields := strings.Fields(strings.TrimSpace(out))
	path := ""
	for i, field := range fields {
		if field == "path" && i+1 < len(fields) {
			path = fields[i+1]
		}
	}
	if path == "" {
		return ""
	}

	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part != subvolumeName || i+2 >= len(parts) {
			continue
		}
		if parts[i+2] != "snapshot" {
			continue
		}
		if _, err := strconv.Atoi(parts[i+1]); err == nil {
			return parts[i+1]
		}
	}
	return ""
}
