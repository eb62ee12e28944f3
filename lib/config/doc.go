// Copyright 2026 The Txup Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for txup.
//
// Configuration is loaded from a single file specified by either the
// TXUP_CONFIG environment variable (via [Load]) or a --config flag
// (via [LoadFile]). There is no ~/.config discovery and no automatic
// file search; values absent from the file keep the built-in defaults
// returned by [Default], which describe a standard snapper-managed
// system rooted at /.
package config
