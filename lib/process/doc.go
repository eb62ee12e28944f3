// Copyright 2026 The Txup Authors
// SPDX-License-Identifier: Apache-2.0

// Package process provides binary entrypoint helpers for the txup
// command. These functions centralize the raw stderr I/O that happens
// before the structured logger is initialized or after an
// unrecoverable error in main().
package process
