// Copyright 2026 The Txup Authors
// SPDX-License-Identifier: Apache-2.0

package txn

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sys/unix"
)

// mountSpec describes one mount inside the transaction environment.
type mountSpec struct {
	source string
	dest   string // absolute path inside the snapshot
	fstype string // empty for bind mounts
	flags  uintptr
}

// mountOps is the syscall surface of MountSet, separated so tests can
// record mounts instead of performing them.
type mountOps interface {
	Mount(source, target, fstype string, flags uintptr, data string) error
	Unmount(target string, flags int) error
}

type unixMountOps struct{}

func (unixMountOps) Mount(source, target, fstype string, flags uintptr, data string) error {
	return unix.Mount(source, target, fstype, flags, data)
}

func (unixMountOps) Unmount(target string, flags int) error {
	return unix.Unmount(target, flags)
}

// MountSet builds and tears down the bind-mount environment that
// makes a snapshot behave like a runnable root. /proc and /sys are
// always mounted fresh; the configured bind directories are mapped
// from the host read-write.
type MountSet struct {
	root    string
	specs   []mountSpec
	mounted []string // targets in mount order
	logger  *slog.Logger
	ops     mountOps
}

// NewMountSet plans the environment for the snapshot rooted at root.
// bindDirs are host directories exposed inside it. Specs are ordered
// so parent mount points come before nested ones.
func NewMountSet(root string, bindDirs []string, logger *slog.Logger) *MountSet {
	if logger == nil {
		logger = slog.Default()
	}

	specs := []mountSpec{
		{source: "proc", dest: "/proc", fstype: "proc"},
		{source: "sysfs", dest: "/sys", fstype: "sysfs"},
	}
	for _, dir := range bindDirs {
		specs = append(specs, mountSpec{
			source: dir,
			dest:   dir,
			flags:  unix.MS_BIND | unix.MS_REC,
		})
	}

	// Parents before children: shallower destinations first, then
	// lexicographic for a stable plan.
	sort.SliceStable(specs, func(i, j int) bool {
		di := strings.Count(filepath.Clean(specs[i].dest), "/")
		dj := strings.Count(filepath.Clean(specs[j].dest), "/")
		if di != dj {
			return di < dj
		}
		return specs[i].dest < specs[j].dest
	})

	return &MountSet{
		root:   root,
		specs:  specs,
		logger: logger,
		ops:    unixMountOps{},
	}
}

// Prepare performs the planned mounts in order. On failure partway
// through, everything already mounted is torn down in reverse order
// before the error is returned, so no mount outlives a failed
// preparation.
func (m *MountSet) Prepare() error {
	for _, spec := range m.specs {
		target := filepath.Join(m.root, spec.dest)
		if err := os.MkdirAll(target, 0755); err != nil {
			m.rollback()
			return fmt.Errorf("creating mount point %s: %w", target, err)
		}
		if err := m.ops.Mount(spec.source, target, spec.fstype, spec.flags, ""); err != nil {
			m.rollback()
			return fmt.Errorf("mounting %s on %s: %w", spec.source, target, err)
		}
		m.mounted = append(m.mounted, target)
		m.logger.Debug("mounted", "source", spec.source, "target", target)
	}
	return nil
}

// Teardown unmounts in strict reverse order of mounting. Targets that
// are already unmounted are logged and skipped, so a second call (or
// a teardown resumed after partial prior cleanup) is a no-op rather
// than an error. Busy mounts fall back to a lazy detach.
func (m *MountSet) Teardown() error {
	var firstErr error
	var stuck []string
	for i := len(m.mounted) - 1; i >= 0; i-- {
		if err := m.unmount(m.mounted[i]); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			stuck = append(stuck, m.mounted[i])
		}
	}
	// Targets that would not unmount stay recorded, in mount order,
	// so a retried teardown attempts them again instead of losing
	// track of them.
	for i, j := 0, len(stuck)-1; i < j; i, j = i+1, j-1 {
		stuck[i], stuck[j] = stuck[j], stuck[i]
	}
	m.mounted = stuck
	return firstErr
}

func (m *MountSet) unmount(target string) error {
	err := m.ops.Unmount(target, 0)
	if err == nil {
		m.logger.Debug("unmounted", "target", target)
		return nil
	}
	if errors.Is(err, unix.EINVAL) || errors.Is(err, unix.ENOENT) {
		// Not mounted (any more). Absorbed so cleanup can be retried.
		m.logger.Debug("already unmounted", "target", target)
		return nil
	}
	if errors.Is(err, unix.EBUSY) {
		if lazyErr := m.ops.Unmount(target, unix.MNT_DETACH); lazyErr == nil {
			m.logger.Warn("mount busy, detached lazily", "target", target)
			return nil
		}
	}
	return fmt.Errorf("unmounting %s: %w", target, err)
}

// rollback is Teardown for a failed Prepare; errors are logged only,
// the Prepare error is the one worth propagating.
func (m *MountSet) rollback() {
	if err := m.Teardown(); err != nil {
		m.logger.Error("cleanup after failed prepare", "error", err)
	}
}
