// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jeranaias/calma/internal/conversation"
	"github.com/jeranaias/calma/internal/util"
)

// Generator is stamped into exported metadata.
const Generator = "calma"

// =============================================================================
// EXPORT INTERFACE
// =============================================================================

// Exporter converts a conversation into one document format.
type Exporter interface {
	// Export converts a conversation to the target format and returns the content.
	Export(conv conversation.Conversation) ([]byte, error)

	// FileExtension returns the file extension, e.g. ".md".
	FileExtension() string

	// MimeType returns the MIME type for the exported format.
	MimeType() string
}

// =============================================================================
// EXPORT OPTIONS
// =============================================================================

// Options configures export behavior.
type Options struct {
	// IncludeMetadata adds the frontmatter or header block.
	IncludeMetadata bool

	// Now stamps the export time. Default: time.Now
	Now func() time.Time
}

// DefaultOptions returns default export options.
func DefaultOptions() *Options {
	return &Options{IncludeMetadata: true, Now: time.Now}
}

func (o *Options) now() time.Time {
	if o == nil || o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

// Formats lists the accepted format names.
var Formats = []string{"md", "json", "yaml", "html"}

// New returns the exporter for format. Common aliases are accepted.
func New(format string, opts *Options) (Exporter, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	switch strings.ToLower(format) {
	case "md", "markdown":
		return NewMarkdownExporter(opts), nil
	case "json":
		return NewJSONExporter(opts), nil
	case "yaml", "yml":
		return NewYAMLExporter(opts), nil
	case "html", "htm":
		return NewHTMLExporter(opts), nil
	default:
		return nil, fmt.Errorf("unsupported export format %q (want one of %s)", format, strings.Join(Formats, ", "))
	}
}

// =============================================================================
// DOCUMENT MODEL
// =============================================================================

// Document is the serialisable form shared by the JSON and YAML exporters.
type Document struct {
	ID             string            `json:"id" yaml:"id"`
	Title          string            `json:"title" yaml:"title"`
	Date           string            `json:"date" yaml:"date"`
	TitleGenerated bool              `json:"titleGenerated" yaml:"title_generated"`
	Exported       string            `json:"exported,omitempty" yaml:"exported,omitempty"`
	Generator      string            `json:"generator,omitempty" yaml:"generator,omitempty"`
	Messages       []DocumentMessage `json:"messages" yaml:"messages"`
}

// DocumentMessage is one finalized message.
type DocumentMessage struct {
	From string `json:"from" yaml:"from"`
	Name string `json:"name" yaml:"name"`
	Text string `json:"text" yaml:"text"`
}

// newDocument builds a Document, dropping typing placeholders.
func newDocument(conv conversation.Conversation, opts *Options) Document {
	doc := Document{
		ID:             conv.ID,
		Title:          conv.Title,
		Date:           conv.Date,
		TitleGenerated: conv.TitleGenerated,
		Messages:       []DocumentMessage{},
	}
	if opts.IncludeMetadata {
		doc.Exported = opts.now().Format(time.RFC3339)
		doc.Generator = Generator
	}
	for _, m := range conv.Messages {
		if m.IsTyping {
			continue
		}
		doc.Messages = append(doc.Messages, DocumentMessage{
			From: string(m.Sender),
			Name: m.Sender.DisplayName(),
			Text: m.Text,
		})
	}
	return doc
}

// =============================================================================
// EXPORT FUNCTIONS
// =============================================================================

// Filename suggests a file name for conv in the exporter's format.
func Filename(conv conversation.Conversation, exporter Exporter) string {
	return fmt.Sprintf("calma_%s_%s%s", sanitizeFilename(conv.Title), conv.ID, exporter.FileExtension())
}

// ExportToFile exports conv and writes it to path. An empty path writes to
// Filename(conv, exporter) in dir. Returns the written path.
func ExportToFile(conv conversation.Conversation, exporter Exporter, dir, path string) (string, error) {
	content, err := exporter.Export(conv)
	if err != nil {
		return "", fmt.Errorf("export failed: %w", err)
	}

	if path == "" {
		if dir == "" {
			dir = "."
		}
		path = filepath.Join(dir, Filename(conv, exporter))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	if err := util.AtomicWriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// sanitizeFilename removes or replaces characters that are invalid in filenames.
func sanitizeFilename(s string) string {
	const maxLen = 50
	runes := []rune(strings.TrimSpace(s))
	if len(runes) > maxLen {
		runes = runes[:maxLen]
	}

	result := make([]rune, 0, len(runes))
	for _, r := range runes {
		switch {
		case strings.ContainsRune(`/\:*?"<>|`, r):
			result = append(result, '-')
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			result = append(result, '_')
		case r < 32 || r == 127:
			result = append(result, '-')
		default:
			result = append(result, r)
		}
	}

	if len(result) == 0 {
		return "conversation"
	}
	return string(result)
}
