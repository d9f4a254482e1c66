// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export renders a conversation as a standalone document.
//
// # Supported Formats
//
//   - Markdown: YAML frontmatter plus one section per message
//   - JSON: the conversation document, machine readable
//   - YAML: the same document as YAML
//   - HTML: a single self-contained page
//
// Typing placeholders of a reply still streaming are never exported.
//
// # Usage
//
//	exp, err := export.New("md", export.DefaultOptions())
//	if err != nil {
//	    return err
//	}
//	data, err := exp.Export(conv)
package export
