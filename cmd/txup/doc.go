// Copyright 2026 The Txup Authors
// SPDX-License-Identifier: Apache-2.0

// Txup applies changes to a system with a copy-on-write root filesystem
// inside atomic transactions. Every transaction branches a read-write
// snapshot from a base snapshot, runs commands chrooted into it, and
// either promotes the snapshot to the new default or discards it again.
// Transactions survive process exits: open prints an ID that later
// call, close, and abort invocations resume.
package main
