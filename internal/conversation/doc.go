// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package conversation holds the conversation data model and the repository
// that owns every conversation in the process.
//
// All mutations are keyed by conversation id, never by list position, so a
// reply streaming into one conversation cannot land in another when the list
// is reordered or pruned underneath it. Each mutation writes the full snapshot
// back to the injected storage.Store before returning.
package conversation
