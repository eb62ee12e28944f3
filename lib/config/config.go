// Copyright 2026 The Txup Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Backend identifies the copy-on-write snapshot backend.
type Backend string

const (
	// Snapper drives snapshots through the snapper command-line tool.
	Snapper Backend = "snapper"
	// Btrfs drives snapshots through btrfs-progs directly.
	Btrfs Backend = "btrfs"
)

// Config is the master configuration for txup.
type Config struct {
	// Lockfile is the path of the advisory lock that serializes
	// engine instances system-wide.
	Lockfile string `yaml:"lockfile"`

	// Shell is executed inside the transaction when a command verb
	// is given no arguments.
	Shell string `yaml:"shell"`

	// Snapshot configures the copy-on-write backend.
	Snapshot SnapshotConfig `yaml:"snapshot"`

	// Mounts configures the isolation environment built over a
	// transaction's snapshot.
	Mounts MountsConfig `yaml:"mounts"`
}

// SnapshotConfig configures the copy-on-write backend.
type SnapshotConfig struct {
	// Backend selects the snapshot tooling: "snapper" or "btrfs".
	Backend Backend `yaml:"backend"`

	// Root is the filesystem root the backend operates on.
	Root string `yaml:"root"`

	// Subvolume is the subvolume that holds numbered snapshots.
	// Used by the btrfs backend only.
	Subvolume string `yaml:"subvolume"`
}

// MountsConfig configures the isolation mount set.
type MountsConfig struct {
	// BindDirs are host directories bind-mounted read-write into the
	// transaction environment, in addition to the always-present
	// /proc and /sys kernel filesystems. Order is normalized so that
	// parent mount points are mounted before nested ones.
	BindDirs []string `yaml:"bind_dirs"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Lockfile: "/var/run/txup.lock",
		Shell:    "/bin/sh",
		Snapshot: SnapshotConfig{
			Backend:   Snapper,
			Root:      "/",
			Subvolume: "/@snapshots",
		},
		Mounts: MountsConfig{
			BindDirs: []string{"/dev", "/run", "/var/log", "/root", "/tmp"},
		},
	}
}

// SystemPath is the configuration file consulted when TXUP_CONFIG is
// unset.
const SystemPath = "/etc/txup/txup.yaml"

// Load loads configuration from the TXUP_CONFIG environment variable,
// then from [SystemPath], then falls back to the built-in defaults.
// Unlike a config file path given explicitly, a missing system file is
// not an error: the defaults describe a standard snapper system.
func Load() (*Config, error) {
	if path := os.Getenv("TXUP_CONFIG"); path != "" {
		return LoadFile(path)
	}
	if _, err := os.Stat(SystemPath); err == nil {
		return LoadFile(SystemPath)
	}
	return Default(), nil
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth: environment variables
// do not override individual values. Values absent from the file keep
// their defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	switch c.Snapshot.Backend {
	case Snapper, Btrfs:
	default:
		return fmt.Errorf("unknown snapshot backend %q (want %q or %q)",
			c.Snapshot.Backend, Snapper, Btrfs)
	}
	if c.Lockfile == "" {
		return fmt.Errorf("lockfile must not be empty")
	}
	if c.Snapshot.Root == "" {
		return fmt.Errorf("snapshot.root must not be empty")
	}
	if c.Snapshot.Backend == Btrfs && c.Snapshot.Subvolume == "" {
		return fmt.Errorf("snapshot.subvolume is required for the btrfs backend")
	}
	return nil
}
