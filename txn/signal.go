// Copyright 2026 The Txup Authors
// SPDX-License-Identifier: Apache-2.0

package txn

import (
	"log/slog"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// RelaySignals installs handlers for the usual termination signals
// that log and otherwise do nothing. Child commands run in the
// engine's process group, so the terminal delivers the signal to them
// directly; the engine's own state is deliberately left alone. An
// interrupted transaction stays open on disk and is resumed, closed,
// or aborted by a later invocation rather than torn down mid-flight.
//
// The returned stop function uninstalls the handlers.
func RelaySignals(logger *slog.Logger) (stop func()) {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, unix.SIGINT, unix.SIGHUP, unix.SIGQUIT, unix.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for sig := range ch {
			logger.Debug("received signal, leaving transaction state to the caller",
				"signal", sig.String())
		}
	}()

	return func() {
		signal.Stop(ch)
		close(ch)
		<-done
	}
}
