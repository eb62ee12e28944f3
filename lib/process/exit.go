// Copyright 2026 The Txup Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"fmt"
	"os"
)

// Fatal writes "error: err" to stderr and exits with code 1. Use it in
// main() for errors from run() where the structured logger may not be
// initialized.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// Exit terminates the process with the given code. It exists so that
// commands propagating a child's exit status verbatim have a single,
// greppable call site for process termination.
func Exit(code int) {
	os.Exit(code)
}
