// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the calma proxy: a small HTTP API that prepends the
// persona prompt to a conversation and relays the upstream model's reply as
// plain text.
//
// # Endpoints
//
//   - POST /api/chat       - streaming reply, text/plain, flushed per delta
//   - POST /generate-title - {"title": "..."} for the first turns of a conversation
//   - GET  /health         - health check
//
// # Request Validation
//
//   - Body limited to 1 MiB
//   - 1 to 100 messages, each at most 100000 bytes
//   - Roles limited to user and assistant; clients cannot inject a system prompt
//
// # Key Types
//
//   - Server: gin engine, upstream provider and HTTP lifecycle
//   - Options: port, persona source, CORS origins and upstream timeout
//
// # Usage
//
//	srv := server.New(p, server.Options{Port: 8787, Persona: personaFn}, logger)
//	if err := srv.Run(ctx); err != nil {
//		logger.Fatal("server failed", zap.Error(err))
//	}
package server
