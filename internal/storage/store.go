// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// =============================================================================
// STORE CONTRACT
// =============================================================================

// Store persists opaque blobs by key. Implementations must be safe for
// concurrent use.
type Store interface {
	// Get returns the blob stored under key, or ErrNotFound.
	Get(key string) ([]byte, error)

	// Set replaces the blob stored under key.
	Set(key string, value []byte) error

	// Close releases any underlying handle.
	Close() error
}

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

// Open creates a store for the named backend. location is a directory for
// the file backend and a database path for sqlite and bolt; it is ignored
// for memory.
func Open(backend, location string) (Store, error) {
	switch strings.ToLower(backend) {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile, "":
		return NewFileStore(location)
	case BackendSQLite:
		return NewSQLiteStore(location)
	case BackendBolt:
		return NewBoltStore(location)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

// =============================================================================
// TYPED HELPERS
// =============================================================================

// Load decodes the JSON blob under key into a T. A missing key yields def.
// Unreadable or malformed content is logged and also yields def, so a corrupt
// blob resets to the default instead of failing startup.
func Load[T any](s Store, key string, def T, logger *zap.Logger) T {
	data, err := s.Get(key)
	if err != nil {
		if !errors.Is(err, ErrNotFound) && logger != nil {
			logger.Warn("failed to read stored state, using default",
				zap.String("key", key), zap.Error(err))
		}
		return def
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		if logger != nil {
			logger.Warn("malformed stored state, resetting to default",
				zap.String("key", key), zap.Int("bytes", len(data)), zap.Error(err))
		}
		return def
	}
	return v
}

// Save encodes v as JSON and overwrites the blob under key.
func Save[T any](s Store, key string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %q: %w", key, err)
	}
	if err := s.Set(key, data); err != nil {
		return fmt.Errorf("failed to store %q: %w", key, err)
	}
	return nil
}

// validateKey rejects keys that cannot map onto a single file name.
func validateKey(key string) error {
	if key == "" {
		return &StoreError{Message: "empty key"}
	}
	if strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return &StoreError{Message: "invalid key " + key}
	}
	return nil
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrNotFound is returned by Get when no blob exists for the key.
// Use errors.Is(err, ErrNotFound) to check for this error.
var ErrNotFound = &StoreError{Message: "key not found"}

// StoreError represents a storage-related error.
type StoreError struct {
	Message string
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return e.Message
}

// Is implements errors.Is support for comparing store errors.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}
