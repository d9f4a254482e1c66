// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream turns a chunked plain-text response body into a sequence of
// growing text snapshots.
//
// The chat endpoint relays the model's output as raw UTF-8 with no framing,
// so a chunk boundary may fall inside a multi-byte rune. The Reducer carries
// incomplete runes into the next read and only ever emits valid text.
package stream
