// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage provides the key → blob persistence used by calma.
//
// The conversation repository depends only on the Store interface, so the
// backing medium can be swapped without touching conversation logic.
//
// # Key Types
//
//   - Store: minimal Get/Set/Close contract over opaque byte blobs
//   - MemoryStore: in-process map, used by tests and ephemeral sessions
//   - FileStore: one JSON file per key, written atomically
//   - SQLiteStore: a kv table through the pure Go SQLite driver
//   - BoltStore: a single bucket in a bbolt database
//
// # Usage
//
//	store, err := storage.Open(storage.BackendFile, dataDir)
//	convs := storage.Load(store, "conversations", []Conversation{}, logger)
//	err = storage.Save(store, "conversations", convs)
//
// Every Save replaces the previous blob entirely; nothing is merged.
package storage
