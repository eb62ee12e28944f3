// Copyright 2026 The Txup Authors
// SPDX-License-Identifier: Apache-2.0

package snapshot

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
)

// snapperManager drives snapshots through the snapper command-line
// tool. Snapshot numbers are snapper's own, so transaction identifiers
// stay valid across process invocations and reboots.
type snapperManager struct {
	root   string
	logger *slog.Logger
	run    runCommand
}

func newSnapperManager(root string, logger *slog.Logger) *snapperManager {
	return &snapperManager{
		root:   root,
		logger: logger,
		run:    runTool,
	}
}

// snapper invokes the tool with --no-dbus so it works from early boot
// and inside minimal environments.
func (m *snapperManager) snapper(args ...string) ([]byte, error) {
	argv := append([]string{"--no-dbus", "--root", m.root}, args...)
	out, err := m.run("snapper", argv...)
	if err != nil {
		return nil, fmt.Errorf("snapper %s failed: %w, output: %s",
			strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

func (m *snapperManager) Create(base string) (*Snapshot, error) {
	resolved, err := m.resolveBase(base)
	if err != nil {
		return nil, err
	}

	out, err := m.snapper("create",
		"--from", resolved,
		"--read-write",
		"--print-number",
		"--description", "txup transaction")
	if err != nil {
		return nil, err
	}

	id := strings.TrimSpace(string(out))
	if _, err := parseID(id); err != nil {
		return nil, fmt.Errorf("unexpected snapper create output %q", strings.TrimSpace(string(out)))
	}

	m.logger.Debug("created snapshot", "id", id, "base", resolved)

	return &Snapshot{
		ID:       id,
		ParentID: resolved,
		Path:     m.snapshotPath(id),
	}, nil
}

func (m *snapperManager) Open(id string) (*Snapshot, error) {
	if _, err := parseID(id); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	snapshots, err := m.List()
	if err != nil {
		return nil, err
	}
	for _, snap := range snapshots {
		if snap.ID == id {
			return snap, nil
		}
	}
	return nil, fmt.Errorf("snapshot %s: %w", id, ErrNotFound)
}

func (m *snapperManager) SetDefault(id string) error {
	if _, err := m.Open(id); err != nil {
		return err
	}
	// snapper's default modification is the backend's atomic
	// pointer swap; there is no multi-step fallback here.
	if _, err := m.snapper("modify", "--default", id); err != nil {
		return err
	}
	m.logger.Info("set default snapshot", "id", id)
	return nil
}

func (m *snapperManager) Delete(id string) error {
	if _, err := parseID(id); err != nil {
		return nil
	}
	if _, err := m.Open(id); err != nil {
		if errors.Is(err, ErrNotFound) {
			m.logger.Debug("snapshot already deleted", "id", id)
			return nil
		}
		return err
	}
	if _, err := m.snapper("delete", id); err != nil {
		return err
	}
	m.logger.Debug("deleted snapshot", "id", id)
	return nil
}

func (m *snapperManager) List() ([]*Snapshot, error) {
	out, err := m.snapper("--csvout", "list", "--columns", "number,default,read-only")
	if err != nil {
		return nil, err
	}
	return parseSnapperList(out, m.root)
}

// resolveBase maps the caller's base selector to a snapper number.
func (m *snapperManager) resolveBase(base string) (string, error) {
	if base != "" && base != BaseDefault {
		if _, err := m.Open(base); err != nil {
			return "", err
		}
		return base, nil
	}

	snapshots, err := m.List()
	if err != nil {
		return "", err
	}
	for _, snap := range snapshots {
		if snap.Default {
			return snap.ID, nil
		}
	}
	return "", fmt.Errorf("no default snapshot: %w", ErrNotFound)
}

func (m *snapperManager) snapshotPath(id string) string {
	return filepath.Join(m.root, ".snapshots", id, "snapshot")
}

// parseSnapperList parses `snapper --csvout list` output. The first
// line is the header; snapshot 0 is snapper's placeholder for the
// running system and is skipped.
func parseSnapperList(out []byte, root string) ([]*Snapshot, error) {
	var snapshots []*Snapshot

	scanner := bufio.NewScanner(bytes.NewReader(out))
	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if first {
			first = false
			continue
		}

		fields := strings.Split(line, ",")
		if len(fields) < 3 {
			return nil, fmt.Errorf("malformed snapper list line %q", line)
		}
		number := fields[0]
		if _, err := strconv.Atoi(number); err != nil {
			return nil, fmt.Errorf("malformed snapshot number in line %q", line)
		}
		if number == "0" {
			continue
		}

		snapshots = append(snapshots, &Snapshot{
			ID:       number,
			Path:     filepath.Join(root, ".snapshots", number, "snapshot"),
			Default:  fields[1] == "yes",
			ReadOnly: fields[2] == "yes",
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading snapper list output: %w", err)
	}

	return snapshots, nil
}
