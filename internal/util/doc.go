// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared across calma.
//
// # Key Functions
//
// File Operations:
//   - AtomicWriteFile: crash-safe file writing with fsync and rename
//
// Text:
//   - Truncate: display-width aware truncation with an ellipsis
//   - SingleLine: collapses newlines for one-line previews
//
// # Usage
//
//	err := util.AtomicWriteFile(path, data, 0600)
//	label := util.Truncate(util.SingleLine(conv.Title), 28)
package util
