// Copyright 2026 The Txup Authors
// SPDX-License-Identifier: Apache-2.0

// Package snapshot manages copy-on-write filesystem snapshots.
//
// The [Manager] interface is the only place txup touches the
// underlying copy-on-write subsystem. Two backends exist: one driving
// the snapper command-line tool (the standard setup on snapper-managed
// roots) and one driving btrfs-progs directly against a dedicated
// snapshots subvolume. Both shell out to their tool and parse its
// machine-readable output; neither reimplements the copy-on-write
// layer itself.
//
// Snapshot identifiers are the backend's own persistent numbering, so
// an identifier returned by one process invocation resolves to the
// same snapshot in any later invocation.
package snapshot
