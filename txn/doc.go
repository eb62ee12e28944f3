// Copyright 2026 The Txup Authors
// SPDX-License-Identifier: Apache-2.0

// Package txn implements the transaction engine: the lifecycle that
// takes a copy-on-write snapshot from creation through command
// execution to atomic promotion or disposal.
//
// A [Transaction] moves through open → execute (zero or more times,
// possibly across separate process invocations) → finalize or abort.
// The snapshot identifier is the resume key: no in-memory state
// survives between invocations, so everything needed to continue a
// transaction is recoverable from the snapshot backend.
//
// [MountSet] builds the bind-mount environment that makes a snapshot
// behave like a bootable root, [Runner] executes commands chrooted
// into it or against it from the host, and [Lock] serializes engine
// instances system-wide.
package txn
