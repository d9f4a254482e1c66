// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chatapi is the HTTP client for the calma proxy.
//
// It speaks two endpoints: the primary chat endpoint, which answers with a
// chunked plain-text body, and the title endpoint under the secondary API
// base URL, which answers with {"title": "..."}.
package chatapi
