// Copyright 2026 The Txup Authors
// SPDX-License-Identifier: Apache-2.0

package txn

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"testing"

	"github.com/txup-project/txup/snapshot"
)

// fakeManager is an in-memory snapshot.Manager with one default
// snapshot pre-seeded.
type fakeManager struct {
	snapshots map[string]*snapshot.Snapshot
	nextID    int
	deleted   []string
	events    *[]string

	failCreate     error
	failSetDefault error
}

func newFakeManager() *fakeManager {
	return &fakeManager{
		snapshots: map[string]*snapshot.Snapshot{
			"1": {ID: "1", Path: "/snapshots/1/snapshot", Default: true},
		},
		nextID: 2,
	}
}

func (m *fakeManager) Create(base string) (*snapshot.Snapshot, error) {
	if m.failCreate != nil {
		return nil, m.failCreate
	}
	parent := base
	if base == "" || base == snapshot.BaseDefault {
		parent = ""
		for _, snap := range m.snapshots {
			if snap.Default {
				parent = snap.ID
			}
		}
		if parent == "" {
			return nil, snapshot.ErrNotFound
		}
	} else if _, ok := m.snapshots[base]; !ok {
		return nil, snapshot.ErrNotFound
	}

	id := strconv.Itoa(m.nextID)
	m.nextID++
	snap := &snapshot.Snapshot{
		ID:       id,
		ParentID: parent,
		Path:     "/snapshots/" + id + "/snapshot",
	}
	m.snapshots[id] = snap
	return snap, nil
}

func (m *fakeManager) Open(id string) (*snapshot.Snapshot, error) {
	snap, ok := m.snapshots[id]
	if !ok {
		return nil, snapshot.ErrNotFound
	}
	copied := *snap
	return &copied, nil
}

func (m *fakeManager) SetDefault(id string) error {
	if m.events != nil {
		*m.events = append(*m.events, "set-default")
	}
	if m.failSetDefault != nil {
		return m.failSetDefault
	}
	if _, ok := m.snapshots[id]; !ok {
		return snapshot.ErrNotFound
	}
	for _, snap := range m.snapshots {
		snap.Default = snap.ID == id
	}
	return nil
}

func (m *fakeManager) Delete(id string) error {
	delete(m.snapshots, id)
	m.deleted = append(m.deleted, id)
	return nil
}

func (m *fakeManager) List() ([]*snapshot.Snapshot, error) {
	var out []*snapshot.Snapshot
	for _, snap := range m.snapshots {
		out = append(out, snap)
	}
	return out, nil
}

func (m *fakeManager) defaultCount() (count int, id string) {
	for _, snap := range m.snapshots {
		if snap.Default {
			count++
			id = snap.ID
		}
	}
	return count, id
}

// fakeMounter records environment lifecycle calls.
type fakeMounter struct {
	root        string
	prepared    int
	tornDown    int
	failPrepare error
	events      *[]string
}

func (m *fakeMounter) Prepare() error {
	m.prepared++
	if m.events != nil {
		*m.events = append(*m.events, "prepare")
	}
	return m.failPrepare
}

func (m *fakeMounter) Teardown() error {
	m.tornDown++
	if m.events != nil {
		*m.events = append(*m.events, "teardown")
	}
	return nil
}

// fakeCommandRunner returns a scripted exit status.
type fakeCommandRunner struct {
	status  int
	err     error
	mode    string
	gotRoot string
	gotArgv []string
}

func (r *fakeCommandRunner) RunChroot(ctx context.Context, mountPath string, argv []string) (int, error) {
	r.mode, r.gotRoot, r.gotArgv = "chroot", mountPath, argv
	return r.status, r.err
}

func (r *fakeCommandRunner) RunHost(ctx context.Context, mountPath string, argv []string) (int, error) {
	r.mode, r.gotRoot, r.gotArgv = "host", mountPath, argv
	return r.status, r.err
}

type testTx struct {
	tx      *Transaction
	manager *fakeManager
	mounter *fakeMounter
	runner  *fakeCommandRunner
	events  []string
}

func newTestTx(t *testing.T) *testTx {
	t.Helper()
	env := &testTx{
		manager: newFakeManager(),
		mounter: &fakeMounter{},
		runner:  &fakeCommandRunner{},
	}
	env.mounter.events = &env.events
	env.manager.events = &env.events

	tx, err := New(Config{
		Manager: env.manager,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Runner:  env.runner,
		NewMounter: func(root string) Mounter {
			env.mounter.root = root
			return env.mounter
		},
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	env.tx = tx
	return env
}

func TestInit_OpensFromDefault(t *testing.T) {
	env := newTestTx(t)

	if err := env.tx.Init(""); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	if env.tx.State() != StateOpen {
		t.Errorf("expected state open, got %s", env.tx.State())
	}
	if env.tx.ID() != "2" {
		t.Errorf("expected id 2, got %s", env.tx.ID())
	}
	snap := env.manager.snapshots["2"]
	if snap.ParentID != "1" {
		t.Errorf("expected branch from default snapshot 1, got %s", snap.ParentID)
	}
	if env.mounter.root != snap.Path {
		t.Errorf("environment built at %s, want %s", env.mounter.root, snap.Path)
	}
	if env.mounter.prepared != 1 {
		t.Errorf("expected one Prepare, got %d", env.mounter.prepared)
	}
}

func TestInit_ExplicitBase(t *testing.T) {
	env := newTestTx(t)
	env.manager.snapshots["5"] = &snapshot.Snapshot{ID: "5", Path: "/snapshots/5/snapshot"}

	if err := env.tx.Init("5"); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if got := env.manager.snapshots[env.tx.ID()].ParentID; got != "5" {
		t.Errorf("expected parent 5, got %s", got)
	}
}

func TestInit_PrepareFailureRollsBack(t *testing.T) {
	env := newTestTx(t)
	env.mounter.failPrepare = errors.New("mount failed")

	err := env.tx.Init("")
	if err == nil {
		t.Fatal("expected Init to fail")
	}
	if env.tx.State() != StateUninitialized {
		t.Errorf("expected state uninitialized, got %s", env.tx.State())
	}
	// The partially created snapshot must not survive.
	if len(env.manager.deleted) != 1 || env.manager.deleted[0] != "2" {
		t.Errorf("expected snapshot 2 rolled back, deleted=%v", env.manager.deleted)
	}
}

func TestInit_UnknownBase(t *testing.T) {
	env := newTestTx(t)

	err := env.tx.Init("99")
	if !errors.Is(err, snapshot.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if env.mounter.prepared != 0 {
		t.Error("environment must not be prepared when snapshot creation fails")
	}
}

func TestResume(t *testing.T) {
	env := newTestTx(t)
	env.manager.snapshots["7"] = &snapshot.Snapshot{ID: "7", Path: "/snapshots/7/snapshot"}

	if err := env.tx.Resume("7"); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if env.tx.ID() != "7" {
		t.Errorf("expected id 7, got %s", env.tx.ID())
	}
	if env.tx.MountPath() != "/snapshots/7/snapshot" {
		t.Errorf("unexpected mount path %s", env.tx.MountPath())
	}
}

func TestResume_Unknown(t *testing.T) {
	env := newTestTx(t)

	err := env.tx.Resume("99")
	if !errors.Is(err, snapshot.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestResume_ReadOnlySnapshot(t *testing.T) {
	env := newTestTx(t)
	env.manager.snapshots["3"] = &snapshot.Snapshot{ID: "3", Path: "/snapshots/3/snapshot", ReadOnly: true}

	if err := env.tx.Resume("3"); err == nil {
		t.Fatal("expected error resuming a read-only snapshot")
	}
	if env.mounter.prepared != 0 {
		t.Error("environment must not be prepared for a read-only snapshot")
	}
}

func TestResume_PrepareFailureKeepsSnapshot(t *testing.T) {
	env := newTestTx(t)
	env.manager.snapshots["7"] = &snapshot.Snapshot{ID: "7", Path: "/snapshots/7/snapshot"}
	env.mounter.failPrepare = errors.New("mount failed")

	if err := env.tx.Resume("7"); err == nil {
		t.Fatal("expected Resume to fail")
	}
	// Unlike Init, Resume did not create the snapshot and must not
	// destroy it.
	if len(env.manager.deleted) != 0 {
		t.Errorf("resumed snapshot must survive a failed prepare, deleted=%v", env.manager.deleted)
	}
}

func TestExecute_RequiresOpen(t *testing.T) {
	env := newTestTx(t)

	if _, err := env.tx.Execute(context.Background(), []string{"true"}); !errors.Is(err, ErrNotOpen) {
		t.Errorf("expected ErrNotOpen, got %v", err)
	}
	if _, err := env.tx.CallExt(context.Background(), []string{"true"}); !errors.Is(err, ErrNotOpen) {
		t.Errorf("expected ErrNotOpen, got %v", err)
	}
	if err := env.tx.Finalize(); !errors.Is(err, ErrNotOpen) {
		t.Errorf("expected ErrNotOpen, got %v", err)
	}
}

func TestExecute_ReturnsChildStatusWithoutStateChange(t *testing.T) {
	env := newTestTx(t)
	env.runner.status = 42

	if err := env.tx.Init(""); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	status, err := env.tx.Execute(context.Background(), []string{"/bin/false"})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if status != 42 {
		t.Errorf("expected status 42, got %d", status)
	}
	if env.runner.mode != "chroot" {
		t.Errorf("expected chroot execution, got %s", env.runner.mode)
	}
	if env.runner.gotRoot != env.tx.MountPath() {
		t.Errorf("command ran against %s, want %s", env.runner.gotRoot, env.tx.MountPath())
	}
	// A non-zero status is data, not a state transition.
	if env.tx.State() != StateOpen {
		t.Errorf("expected state open after non-zero status, got %s", env.tx.State())
	}
}

func TestCallExt_RunsInHostNamespace(t *testing.T) {
	env := newTestTx(t)

	if err := env.tx.Init(""); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if _, err := env.tx.CallExt(context.Background(), []string{"ls", "{}"}); err != nil {
		t.Fatalf("CallExt failed: %v", err)
	}
	if env.runner.mode != "host" {
		t.Errorf("expected host execution, got %s", env.runner.mode)
	}
}

func TestFinalize_PromotesAtomicallyAfterTeardown(t *testing.T) {
	env := newTestTx(t)

	if err := env.tx.Init(""); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	id := env.tx.ID()

	if err := env.tx.Finalize(); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	if env.tx.State() != StateFinalized {
		t.Errorf("expected state finalized, got %s", env.tx.State())
	}
	count, defaultID := env.manager.defaultCount()
	if count != 1 || defaultID != id {
		t.Errorf("expected exactly one default (%s), got %d defaults (last %s)", id, count, defaultID)
	}
	// Mounts must be gone before promotion.
	want := []string{"prepare", "teardown", "set-default"}
	if len(env.events) != len(want) {
		t.Fatalf("expected events %v, got %v", want, env.events)
	}
	for i := range want {
		if env.events[i] != want[i] {
			t.Fatalf("expected events %v, got %v", want, env.events)
		}
	}

	// Close after finalize must not discard anything.
	if err := env.tx.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if len(env.manager.deleted) != 0 {
		t.Errorf("finalized snapshot must survive Close, deleted=%v", env.manager.deleted)
	}
}

func TestFinalize_PromotionFailureLeavesOldDefault(t *testing.T) {
	env := newTestTx(t)
	env.manager.failSetDefault = errors.New("backend unavailable")

	if err := env.tx.Init(""); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := env.tx.Finalize(); err == nil {
		t.Fatal("expected Finalize to fail")
	}

	count, defaultID := env.manager.defaultCount()
	if count != 1 || defaultID != "1" {
		t.Errorf("previous default must be untouched, got %d defaults (last %s)", count, defaultID)
	}
	if env.tx.State() != StateOpen {
		t.Errorf("expected state open after failed promotion, got %s", env.tx.State())
	}
}

func TestClose_DiscardsWithoutKeep(t *testing.T) {
	env := newTestTx(t)

	if err := env.tx.Init(""); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	id := env.tx.ID()

	if err := env.tx.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if env.tx.State() != StateAborted {
		t.Errorf("expected state aborted, got %s", env.tx.State())
	}
	if len(env.manager.deleted) != 1 || env.manager.deleted[0] != id {
		t.Errorf("expected snapshot %s discarded, deleted=%v", id, env.manager.deleted)
	}
	if env.mounter.tornDown != 1 {
		t.Errorf("expected one teardown, got %d", env.mounter.tornDown)
	}
}

func TestClose_KeepRetainsSnapshot(t *testing.T) {
	env := newTestTx(t)

	if err := env.tx.Init(""); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	id := env.tx.ID()
	env.tx.Keep()

	if err := env.tx.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if len(env.manager.deleted) != 0 {
		t.Errorf("kept snapshot must not be deleted, deleted=%v", env.manager.deleted)
	}
	if _, ok := env.manager.snapshots[id]; !ok {
		t.Error("kept snapshot disappeared from the backend")
	}
	if env.mounter.tornDown != 1 {
		t.Errorf("environment must still be torn down, got %d teardowns", env.mounter.tornDown)
	}
}

func TestClose_Idempotent(t *testing.T) {
	env := newTestTx(t)

	if err := env.tx.Init(""); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := env.tx.Close(); err != nil {
		t.Fatalf("first Close failed: %v", err)
	}
	if err := env.tx.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if len(env.manager.deleted) != 1 {
		t.Errorf("expected exactly one delete, got %v", env.manager.deleted)
	}
	if env.mounter.tornDown != 1 {
		t.Errorf("expected exactly one teardown, got %d", env.mounter.tornDown)
	}
}

func TestResumability_AcrossHandles(t *testing.T) {
	env := newTestTx(t)

	// First invocation: open and keep.
	if err := env.tx.Init(""); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	id := env.tx.ID()
	path := env.tx.MountPath()
	env.tx.Keep()
	if err := env.tx.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Second invocation: a fresh handle over the same backend.
	second, err := New(Config{
		Manager:    env.manager,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Runner:     env.runner,
		NewMounter: func(root string) Mounter { return &fakeMounter{root: root} },
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := second.Resume(id); err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if second.MountPath() != path {
		t.Errorf("resumed mount path %s, want %s", second.MountPath(), path)
	}

	// Abort path: close without keep deletes exactly this snapshot.
	if err := second.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, ok := env.manager.snapshots[id]; ok {
		t.Error("aborted snapshot must be deleted")
	}
}

func TestNew_RequiresManager(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for missing manager")
	}
}
