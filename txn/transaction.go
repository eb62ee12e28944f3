// Copyright 2026 The Txup Authors
// SPDX-License-Identifier: Apache-2.0

package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/txup-project/txup/snapshot"
)

// State is a transaction's lifecycle position.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateOpen          State = "open"
	StateFinalized     State = "finalized"
	StateAborted       State = "aborted"
)

// ErrNotOpen reports an operation that requires an open transaction.
var ErrNotOpen = errors.New("transaction is not open")

// Mounter is the isolation environment's lifecycle as seen by a
// transaction. The production implementation is [MountSet].
type Mounter interface {
	Prepare() error
	Teardown() error
}

// CommandRunner executes caller commands; see [Runner].
type CommandRunner interface {
	RunChroot(ctx context.Context, mountPath string, argv []string) (int, error)
	RunHost(ctx context.Context, mountPath string, argv []string) (int, error)
}

// Config holds the collaborators of a Transaction.
type Config struct {
	// Manager owns snapshot existence and the default pointer.
	Manager snapshot.Manager

	// Shell is run when a command verb receives no arguments.
	Shell string

	// BindDirs are the host directories exposed inside the
	// transaction environment.
	BindDirs []string

	// Logger for transaction lifecycle events.
	Logger *slog.Logger

	// NewMounter overrides isolation environment construction.
	// Nil means the real [MountSet] over BindDirs.
	NewMounter func(root string) Mounter

	// Runner overrides command execution. Nil means a [Runner] with
	// Shell and Logger.
	Runner CommandRunner
}

// Transaction is one unit of work against a single branched snapshot:
// opened by Init or Resume, advanced by Execute/CallExt, and ended by
// Finalize or by Close without Keep.
type Transaction struct {
	manager snapshot.Manager
	logger  *slog.Logger
	runner  CommandRunner
	mounter func(root string) Mounter

	state  State
	snap   *snapshot.Snapshot
	mounts Mounter
	keep   bool
	closed bool
}

// New creates a transaction handle in StateUninitialized.
func New(cfg Config) (*Transaction, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("snapshot manager is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	runner := cfg.Runner
	if runner == nil {
		runner = &Runner{Shell: cfg.Shell, Logger: logger}
	}
	mounter := cfg.NewMounter
	if mounter == nil {
		bindDirs := cfg.BindDirs
		mounter = func(root string) Mounter {
			return NewMountSet(root, bindDirs, logger)
		}
	}

	return &Transaction{
		manager: cfg.Manager,
		logger:  logger,
		runner:  runner,
		mounter: mounter,
		state:   StateUninitialized,
	}, nil
}

// ID returns the transaction's identifier: the backing snapshot's id,
// valid as a resume key in any later process invocation. Empty before
// Init/Resume.
func (t *Transaction) ID() string {
	if t.snap == nil {
		return ""
	}
	return t.snap.ID
}

// MountPath returns where the transaction's root is reachable. Empty
// before Init/Resume.
func (t *Transaction) MountPath() string {
	if t.snap == nil {
		return ""
	}
	return t.snap.Path
}

// State returns the transaction's lifecycle position.
func (t *Transaction) State() State {
	return t.state
}

// Init opens the transaction over a fresh snapshot branched from
// base (empty or "default" selects the current default snapshot).
// On any failure the partially created snapshot is deleted before the
// error is returned.
func (t *Transaction) Init(base string) error {
	if t.state != StateUninitialized {
		return fmt.Errorf("cannot init a transaction in state %s", t.state)
	}

	snap, err := t.manager.Create(base)
	if err != nil {
		return fmt.Errorf("creating snapshot: %w", err)
	}

	mounts := t.mounter(snap.Path)
	if err := mounts.Prepare(); err != nil {
		if delErr := t.manager.Delete(snap.ID); delErr != nil {
			t.logger.Error("rolling back snapshot after failed prepare",
				"id", snap.ID, "error", delErr)
		}
		return fmt.Errorf("preparing transaction environment: %w", err)
	}

	t.snap = snap
	t.mounts = mounts
	t.state = StateOpen
	t.logger.Info("transaction opened", "id", snap.ID, "base", snap.ParentID, "path", snap.Path)
	return nil
}

// Resume opens the transaction over the existing snapshot id, as a
// later process invocation continuing work opened earlier. The
// snapshot is left in place if environment preparation fails.
func (t *Transaction) Resume(id string) error {
	if t.state != StateUninitialized {
		return fmt.Errorf("cannot resume a transaction in state %s", t.state)
	}

	snap, err := t.manager.Open(id)
	if err != nil {
		return fmt.Errorf("resuming transaction %s: %w", id, err)
	}
	if snap.ReadOnly {
		return fmt.Errorf("transaction %s: snapshot is read-only and cannot be resumed", id)
	}

	mounts := t.mounter(snap.Path)
	if err := mounts.Prepare(); err != nil {
		return fmt.Errorf("preparing transaction environment: %w", err)
	}

	t.snap = snap
	t.mounts = mounts
	t.state = StateOpen
	t.logger.Info("transaction resumed", "id", snap.ID, "path", snap.Path)
	return nil
}

// Execute runs argv chrooted into the transaction and returns the
// child's exit status. The transaction state is unchanged: whether a
// non-zero status dooms the snapshot is the caller's decision, made
// through Finalize, Keep, or Close.
func (t *Transaction) Execute(ctx context.Context, argv []string) (int, error) {
	if t.closed || t.state != StateOpen {
		return 0, fmt.Errorf("%w (state %s)", ErrNotOpen, t.state)
	}
	return t.runner.RunChroot(ctx, t.snap.Path, argv)
}

// CallExt runs argv in the host namespace with every literal "{}"
// replaced by the transaction's mount path. Same non-mutating
// semantics as Execute.
func (t *Transaction) CallExt(ctx context.Context, argv []string) (int, error) {
	if t.closed || t.state != StateOpen {
		return 0, fmt.Errorf("%w (state %s)", ErrNotOpen, t.state)
	}
	return t.runner.RunHost(ctx, t.snap.Path, argv)
}

// Finalize commits the transaction: the environment is torn down
// completely, then the snapshot is promoted to default in a single
// atomic step. Any failure before promotion leaves the previous
// default untouched and the transaction open.
func (t *Transaction) Finalize() error {
	if t.closed || t.state != StateOpen {
		return fmt.Errorf("%w (state %s)", ErrNotOpen, t.state)
	}

	// Promotion must not happen while bind mounts can still pin the
	// snapshot's tree busy.
	if err := t.mounts.Teardown(); err != nil {
		return fmt.Errorf("tearing down transaction environment: %w", err)
	}

	if err := t.manager.SetDefault(t.snap.ID); err != nil {
		return fmt.Errorf("promoting snapshot %s: %w", t.snap.ID, err)
	}

	t.state = StateFinalized
	t.logger.Info("transaction finalized", "id", t.snap.ID)
	return nil
}

// Keep marks the open transaction to be retained by Close, so it can
// be resumed by a later invocation instead of being discarded.
func (t *Transaction) Keep() {
	t.keep = true
}

// Close releases the in-memory handle. An open transaction has its
// environment torn down; unless Keep was called, its snapshot is then
// deleted (the abandon path that disposes of failed executes and of
// aborts). Close is idempotent and does not disturb finalized
// transactions.
func (t *Transaction) Close() error {
	if t.closed || t.state != StateOpen {
		t.closed = true
		return nil
	}
	t.closed = true

	if err := t.mounts.Teardown(); err != nil {
		// Deletion would fail with the tree pinned; report and leave
		// the snapshot resumable for another cleanup attempt.
		return fmt.Errorf("tearing down transaction environment: %w", err)
	}

	if t.keep {
		// The snapshot stays open on disk, to be resumed later.
		t.logger.Info("transaction kept for later resumption", "id", t.snap.ID)
		return nil
	}

	if err := t.manager.Delete(t.snap.ID); err != nil {
		return fmt.Errorf("discarding snapshot %s: %w", t.snap.ID, err)
	}
	t.state = StateAborted
	t.logger.Info("transaction discarded", "id", t.snap.ID)
	return nil
}
