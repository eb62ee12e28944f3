// Copyright 2026 The Txup Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/txup-project/txup/lib/config"
	"github.com/txup-project/txup/lib/process"
	"github.com/txup-project/txup/lib/version"
	"github.com/txup-project/txup/snapshot"
	"github.com/txup-project/txup/txn"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if code, ok := txn.IsExitError(err); ok {
			process.Exit(code)
		}
		process.Fatal(err)
	}
}

func printUsage() {
	fmt.Print(`txup - transactional updates for copy-on-write root filesystems

USAGE
    txup [options] <command> [args...]

COMMANDS
    execute [<command>...]       Open a new transaction, run the command inside
                                 it, and promote the snapshot to the new default
                                 on success; any non-zero exit discards the
                                 snapshot again. Without a command an
                                 interactive shell is opened.
    open                         Open a new transaction and print its ID.
    call <id> [<command>...]     Run the command inside the transaction's
                                 chroot environment, resuming the transaction
                                 with the given ID; propagates the command's
                                 exit status and keeps the snapshot either way.
    callext <id> [<command>...]  Like call, but the command runs in the host
                                 system with every '{}' replaced by the
                                 transaction's mount directory.
    close <id>                   Promote the transaction's snapshot to the new
                                 default.
    abort <id>                   Discard the transaction's snapshot.
    rollback <id>                Make an existing snapshot the default again.
    snapshots                    List snapshots known to the backend.

OPTIONS
    -c, --continue[=<id>]  Base the new transaction on the given snapshot
                           (default: the current default snapshot)
        --config <path>    Configuration file (default: $TXUP_CONFIG)
    -q, --quiet            Decrease verbosity
    -v, --verbose          Increase verbosity
    -V, --version          Print version and exit
    -h, --help             Show this help
`)
}

func run(args []string) error {
	flags := pflag.NewFlagSet("txup", pflag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.Usage = printUsage

	base := flags.StringP("continue", "c", "", "base snapshot for new transactions")
	configPath := flags.String("config", "", "configuration file")
	quiet := flags.BoolP("quiet", "q", false, "decrease verbosity")
	verbose := flags.BoolP("verbose", "v", false, "increase verbosity")
	showVersion := flags.BoolP("version", "V", false, "print version and exit")
	flags.Lookup("continue").NoOptDefVal = snapshot.BaseDefault

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *showVersion {
		if *verbose {
			fmt.Println("txup " + version.Full())
		} else {
			fmt.Println("txup " + version.Info())
		}
		return nil
	}

	rest := flags.Args()
	if len(rest) == 0 {
		printUsage()
		return fmt.Errorf("missing command")
	}

	logger := newLogger(*quiet, *verbose)
	slog.SetDefault(logger)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	// Nothing may touch snapshots or the default pointer before the
	// lock is held.
	lock, err := txn.AcquireLock(cfg.Lockfile)
	if err != nil {
		return err
	}
	defer lock.Release()

	stop := txn.RelaySignals(logger)
	defer stop()

	manager, err := snapshot.New(cfg.Snapshot, logger)
	if err != nil {
		return err
	}

	logger.Debug("txup started", "version", version.Info(), "command", rest)

	ctx := context.Background()
	verb, rest := rest[0], rest[1:]
	switch verb {
	case "execute":
		return executeCmd(ctx, cfg, manager, logger, *base, rest)
	case "open":
		return openCmd(cfg, manager, logger, *base)
	case "call":
		return callCmd(ctx, cfg, manager, logger, rest, false)
	case "callext":
		return callCmd(ctx, cfg, manager, logger, rest, true)
	case "close":
		return closeCmd(cfg, manager, logger, rest)
	case "abort":
		return abortCmd(cfg, manager, logger, rest)
	case "rollback":
		return rollbackCmd(manager, rest)
	case "snapshots":
		return snapshotsCmd(manager)
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", verb)
	}
}

// newLogger builds the process logger: human-readable on a terminal,
// JSON when stderr is piped into journald or a log collector.
func newLogger(quiet, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if quiet {
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	options := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if term.IsTerminal(int(os.Stderr.Fd())) {
		handler = slog.NewTextHandler(os.Stderr, options)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, options)
	}
	return slog.New(handler)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func newTransaction(cfg *config.Config, manager snapshot.Manager, logger *slog.Logger) (*txn.Transaction, error) {
	return txn.New(txn.Config{
		Manager:  manager,
		Shell:    cfg.Shell,
		BindDirs: cfg.Mounts.BindDirs,
		Logger:   logger,
	})
}

// closeQuietly disposes of a transaction on paths where another error
// is already propagating.
func closeQuietly(tx *txn.Transaction, logger *slog.Logger) {
	if err := tx.Close(); err != nil {
		logger.Error("closing transaction", "error", err)
	}
}

// executeCmd implements "execute": init, run, and either finalize or
// discard. The snapshot never survives a failed command.
func executeCmd(ctx context.Context, cfg *config.Config, manager snapshot.Manager, logger *slog.Logger, base string, argv []string) error {
	tx, err := newTransaction(cfg, manager, logger)
	if err != nil {
		return err
	}
	if err := tx.Init(base); err != nil {
		return err
	}
	defer closeQuietly(tx, logger)

	status, err := tx.Execute(ctx, argv)
	if err != nil {
		return err
	}
	if status != 0 {
		return fmt.Errorf("application returned with exit status %d", status)
	}

	return tx.Finalize()
}

// openCmd implements "open": init, print the transaction ID, and keep
// the snapshot for later call/close/abort invocations.
func openCmd(cfg *config.Config, manager snapshot.Manager, logger *slog.Logger, base string) error {
	tx, err := newTransaction(cfg, manager, logger)
	if err != nil {
		return err
	}
	if err := tx.Init(base); err != nil {
		return err
	}

	fmt.Printf("ID: %s\n", tx.ID())
	tx.Keep()
	return tx.Close()
}

// callCmd implements "call" and "callext": resume, run, keep. The
// snapshot stays around for inspection and retry even when the
// command fails; its exit status is propagated verbatim.
func callCmd(ctx context.Context, cfg *config.Config, manager snapshot.Manager, logger *slog.Logger, args []string, host bool) error {
	if len(args) < 1 {
		printUsage()
		return fmt.Errorf("missing transaction ID")
	}
	id, argv := args[0], args[1:]

	tx, err := newTransaction(cfg, manager, logger)
	if err != nil {
		return err
	}
	if err := tx.Resume(id); err != nil {
		return err
	}
	tx.Keep()

	var status int
	if host {
		status, err = tx.CallExt(ctx, argv)
	} else {
		status, err = tx.Execute(ctx, argv)
	}
	if err != nil {
		closeQuietly(tx, logger)
		return err
	}

	if err := tx.Close(); err != nil {
		return err
	}
	if status != 0 {
		return &txn.ExitError{Code: status}
	}
	return nil
}

// closeCmd implements "close": resume and finalize. A failed finalize
// leaves the snapshot open and resumable rather than discarding it.
func closeCmd(cfg *config.Config, manager snapshot.Manager, logger *slog.Logger, args []string) error {
	if len(args) < 1 {
		printUsage()
		return fmt.Errorf("missing transaction ID")
	}

	tx, err := newTransaction(cfg, manager, logger)
	if err != nil {
		return err
	}
	if err := tx.Resume(args[0]); err != nil {
		return err
	}
	tx.Keep()
	defer closeQuietly(tx, logger)

	return tx.Finalize()
}

// abortCmd implements "abort": resume and close without keeping,
// which deletes the snapshot through the same discard path a failed
// execute uses.
func abortCmd(cfg *config.Config, manager snapshot.Manager, logger *slog.Logger, args []string) error {
	if len(args) < 1 {
		printUsage()
		return fmt.Errorf("missing transaction ID")
	}

	tx, err := newTransaction(cfg, manager, logger)
	if err != nil {
		return err
	}
	if err := tx.Resume(args[0]); err != nil {
		return err
	}
	return tx.Close()
}

// rollbackCmd implements "rollback": promote an existing snapshot
// back to default without opening a transaction around it.
func rollbackCmd(manager snapshot.Manager, args []string) error {
	if len(args) < 1 {
		printUsage()
		return fmt.Errorf("missing snapshot ID")
	}
	return manager.SetDefault(args[0])
}

// sortSnapshots orders snapshots by numeric ID where both IDs are
// numbers, falling back to lexicographic order otherwise.
func sortSnapshots(snapshots []*snapshot.Snapshot) {
	sort.Slice(snapshots, func(i, j int) bool {
		a, errA := strconv.Atoi(snapshots[i].ID)
		b, errB := strconv.Atoi(snapshots[j].ID)
		if errA != nil || errB != nil {
			return snapshots[i].ID < snapshots[j].ID
		}
		return a < b
	})
}

// snapshotsCmd implements "snapshots": list what the backend knows.
func snapshotsCmd(manager snapshot.Manager) error {
	snapshots, err := manager.List()
	if err != nil {
		return err
	}

	sortSnapshots(snapshots)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tDEFAULT\tREAD-ONLY\tPATH")
	for _, snap := range snapshots {
		marker := ""
		if snap.Default {
			marker = "*"
		}
		readOnly := ""
		if snap.ReadOnly {
			readOnly = "ro"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", snap.ID, marker, readOnly, snap.Path)
	}
	return w.Flush()
}
