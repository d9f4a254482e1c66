// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides configuration loading and management for calma.
//
// Supports both TOML and JSON configuration formats, with defaults, .env
// files, environment variable overrides, and validation that reports every
// bad field at once.
//
// # Key Types
//
//   - Config: main configuration structure
//   - ClientConfig: chat and title endpoints used by the client
//   - ProviderConfig: upstream model for `calma serve`
//   - StoreConfig: persistence backend and directory
//   - PersonaWatcher: hot-reloaded persona prompt
//
// # Configuration Precedence
//
// Configuration is loaded from (in order of precedence):
//   - Environment variables (CALMA_*, GROQ_API_KEY, ...), including .env files
//   - --config path, or ~/.calma/config.toml, or ~/.calma/config.json
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    return err
//	}
//	store, err := storage.Open(cfg.Store.Backend, location)
package config
