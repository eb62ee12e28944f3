// Copyright 2026 The Txup Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"testing"

	"github.com/txup-project/txup/snapshot"
)

func TestRun_Version(t *testing.T) {
	for _, args := range [][]string{
		{"--version"},
		{"--version", "--verbose"},
	} {
		if err := run(args); err != nil {
			t.Errorf("run(%v) failed: %v", args, err)
		}
	}
}

func TestSortSnapshots(t *testing.T) {
	snapshots := []*snapshot.Snapshot{
		{ID: "10"},
		{ID: "2"},
		{ID: "1"},
		{ID: "21"},
	}
	sortSnapshots(snapshots)

	want := []string{"1", "2", "10", "21"}
	for i, id := range want {
		if snapshots[i].ID != id {
			t.Fatalf("position %d: got %q, want %q", i, snapshots[i].ID, id)
		}
	}
}
