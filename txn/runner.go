// Copyright 2026 The Txup Authors
// SPDX-License-Identifier: Apache-2.0

package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
)

// chrootPath is the search path for commands inside a transaction,
// used both to resolve argv[0] against the snapshot tree and as the
// child's PATH.
const chrootPath = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"

// Runner executes caller commands for a transaction, either chrooted
// into the snapshot or in the host namespace with the snapshot path
// substituted into the arguments.
//
// A child's non-zero exit status is a successfully observed result and
// is returned as data; an error return means the engine failed to run
// the command at all (fork/exec failure). The two are never conflated.
type Runner struct {
	// Shell is executed when a command is empty.
	Shell string

	// Logger for command lifecycle events.
	Logger *slog.Logger
}

// RunChroot runs argv with its root confined to mountPath. An empty
// argv runs the shell interactively. Returns the child's exit status
// verbatim; signal deaths map to 128+signal.
func (r *Runner) RunChroot(ctx context.Context, mountPath string, argv []string) (int, error) {
	if len(argv) == 0 {
		argv = []string{r.shell()}
	}

	// argv[0] must resolve against the snapshot tree, not the host: a
	// command the transaction just installed exists only inside the
	// snapshot.
	name, err := lookPathChroot(mountPath, argv[0])
	if err != nil {
		return 0, err
	}

	cmd := exec.CommandContext(ctx, name, argv[1:]...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Chroot: mountPath}
	cmd.Dir = "/"
	// Minimal environment: the snapshot's own profile scripts decide
	// the rest once the shell starts.
	cmd.Env = []string{
		"PATH=" + chrootPath,
		"TERM=" + os.Getenv("TERM"),
	}

	r.logger().Info("running command in transaction", "root", mountPath, "command", argv)
	return r.wait(cmd)
}

// RunHost runs argv in the host namespace, with every literal "{}"
// token in the arguments replaced by mountPath. Returns the child's
// exit status verbatim.
func (r *Runner) RunHost(ctx context.Context, mountPath string, argv []string) (int, error) {
	if len(argv) == 0 {
		argv = []string{r.shell()}
	}
	argv = substituteMountPath(argv, mountPath)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	r.logger().Info("running command against transaction", "root", mountPath, "command", argv)
	return r.wait(cmd)
}

// wait starts the child with passed-through stdio and returns its exit
// status. The child stays in the engine's process group so terminal
// signals reach it directly.
func (r *Runner) wait(cmd *exec.Cmd) (int, error) {
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal()), nil
		}
		return exitErr.ExitCode(), nil
	}
	return 0, fmt.Errorf("starting %s: %w", cmd.Path, err)
}

func (r *Runner) shell() string {
	if r.Shell != "" {
		return r.Shell
	}
	return "/bin/sh"
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// lookPathChroot resolves a command name against the snapshot tree
// rooted at root and returns its in-chroot absolute path. Names
// containing a path separator are taken as-is, interpreted relative
// to the chroot like any exec would.
func lookPathChroot(root, name string) (string, error) {
	if strings.Contains(name, "/") {
		return name, nil
	}
	for _, dir := range strings.Split(chrootPath, ":") {
		candidate := filepath.Join(dir, name)
		info, err := os.Stat(filepath.Join(root, candidate))
		if err != nil || info.IsDir() || info.Mode()&0111 == 0 {
			continue
		}
		return candidate, nil
	}
	return "", fmt.Errorf("%s: executable file not found in transaction", name)
}

// substituteMountPath replaces every literal "{}" in the arguments
// with the transaction's mount path.
func substituteMountPath(argv []string, mountPath string) []string {
	out := make([]string, len(argv))
	for i, arg := range argv {
		out[i] = strings.ReplaceAll(arg, "{}", mountPath)
	}
	return out
}

// ExitError carries a child's non-zero exit status through the driver
// so it can terminate with exactly that code without an extra error
// message.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.Code)
}

// IsExitError checks if an error is an ExitError and returns the code.
func IsExitError(err error) (int, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code, true
	}
	return 0, false
}
