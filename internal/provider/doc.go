// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider adapts upstream model vendors to one streaming interface.
//
// # Key Types
//
//   - Provider: streams text deltas for a role-mapped message history
//   - OpenAI: OpenAI-compatible /chat/completions over SSE (Groq, OpenAI)
//   - Ollama: local /api/chat over newline-delimited JSON
//   - Gemini: Google GenAI SDK
//
// Callers always pass the full history, persona first.
package provider
