// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"bytes"
	"html/template"

	"github.com/jeranaias/calma/internal/conversation"
)

// =============================================================================
// HTML EXPORTER
// =============================================================================

// HTMLExporter exports conversations to a single HTML page with embedded CSS.
type HTMLExporter struct {
	options *Options
}

// NewHTMLExporter creates a new HTML exporter.
func NewHTMLExporter(opts *Options) *HTMLExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &HTMLExporter{options: opts}
}

var pageTemplate = template.Must(template.New("page").Parse(`<!DOCTYPE html>
<html lang="es">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<meta name="generator" content="calma">
<title>{{.Title}}</title>
<style>
body { font-family: system-ui, sans-serif; background: #f4f1ee; color: #2d2a26; margin: 0; }
.container { max-width: 720px; margin: 0 auto; padding: 24px; }
header h1 { font-size: 1.4rem; margin-bottom: 4px; }
header p { color: #7a746d; margin-top: 0; }
.msg { border-radius: 12px; padding: 10px 14px; margin: 10px 0; white-space: pre-wrap; }
.msg .who { font-size: 0.8rem; font-weight: 600; color: #7a746d; margin-bottom: 4px; }
.user { background: #dcefe4; margin-left: 15%; }
.bot { background: #ffffff; margin-right: 15%; }
footer { color: #7a746d; font-size: 0.8rem; margin-top: 24px; }
</style>
</head>
<body>
<div class="container">
<header>
<h1>{{.Title}}</h1>
{{if .Date}}<p>{{.Date}}</p>{{end}}
</header>
<main>
{{range .Messages}}<div class="msg {{.From}}"><div class="who">{{.Name}}</div>{{.Text}}</div>
{{end}}</main>
{{if .Exported}}<footer>Exportado desde calma · {{.Exported}}</footer>{{end}}
</div>
</body>
</html>
`))

// Export converts a conversation to HTML. All message text is escaped.
func (e *HTMLExporter) Export(conv conversation.Conversation) ([]byte, error) {
	var buf bytes.Buffer
	if err := pageTemplate.Execute(&buf, newDocument(conv, e.options)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// FileExtension returns the file extension for HTML.
func (e *HTMLExporter) FileExtension() string {
	return ".html"
}

// MimeType returns the MIME type for HTML.
func (e *HTMLExporter) MimeType() string {
	return "text/html"
}
