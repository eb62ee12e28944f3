// Copyright 2026 The Txup Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Lockfile != "/var/run/txup.lock" {
		t.Errorf("expected lockfile=/var/run/txup.lock, got %s", cfg.Lockfile)
	}
	if cfg.Snapshot.Backend != Snapper {
		t.Errorf("expected backend=snapper, got %s", cfg.Snapshot.Backend)
	}
	if cfg.Snapshot.Root != "/" {
		t.Errorf("expected snapshot root=/, got %s", cfg.Snapshot.Root)
	}
	if len(cfg.Mounts.BindDirs) == 0 {
		t.Error("expected default bind dirs, got none")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config does not validate: %v", err)
	}
}

func TestLoad_DefaultsWithoutEnv(t *testing.T) {
	t.Setenv("TXUP_CONFIG", "")
	os.Unsetenv("TXUP_CONFIG")
	if _, err := os.Stat(SystemPath); err == nil {
		t.Skipf("%s exists on this machine", SystemPath)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Snapshot.Backend != Snapper {
		t.Errorf("expected default backend, got %s", cfg.Snapshot.Backend)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txup.yaml")
	if err := os.WriteFile(path, []byte("shell: /bin/bash\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TXUP_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Shell != "/bin/bash" {
		t.Errorf("expected shell from TXUP_CONFIG file, got %s", cfg.Shell)
	}
}

func TestLoadFile_Overrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txup.yaml")
	content := `
lockfile: /run/lock/txup.lock
snapshot:
  backend: btrfs
  root: /sysroot
  subvolume: /sysroot/@snapshots
mounts:
  bind_dirs: [/dev, /run]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}

	if cfg.Lockfile != "/run/lock/txup.lock" {
		t.Errorf("expected overridden lockfile, got %s", cfg.Lockfile)
	}
	if cfg.Snapshot.Backend != Btrfs {
		t.Errorf("expected backend=btrfs, got %s", cfg.Snapshot.Backend)
	}
	if cfg.Snapshot.Root != "/sysroot" {
		t.Errorf("expected root=/sysroot, got %s", cfg.Snapshot.Root)
	}
	// Values absent from the file keep their defaults.
	if cfg.Shell != "/bin/sh" {
		t.Errorf("expected default shell, got %s", cfg.Shell)
	}
	if len(cfg.Mounts.BindDirs) != 2 {
		t.Errorf("expected 2 bind dirs, got %v", cfg.Mounts.BindDirs)
	}
}

func TestLoadFile_UnknownBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "txup.yaml")
	content := "snapshot:\n  backend: zfs\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	_, err := LoadFile(path)
	if err == nil {
		t.Fatal("expected error for unknown backend, got nil")
	}
	if !strings.Contains(err.Error(), "unknown snapshot backend") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestValidate_BtrfsRequiresSubvolume(t *testing.T) {
	cfg := Default()
	cfg.Snapshot.Backend = Btrfs
	cfg.Snapshot.Subvolume = ""

	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for btrfs without subvolume, got nil")
	}
}
