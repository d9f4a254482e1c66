// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/jeranaias/calma/internal/conversation"
	"github.com/jeranaias/calma/internal/logging"
)

// Ollama streams from a local Ollama server.
type Ollama struct {
	opts Options
}

// NewOllama creates an Ollama provider. No API key is needed.
func NewOllama(opts Options) *Ollama {
	opts.Logger = logging.OrNop(opts.Logger)
	return &Ollama{opts: opts}
}

// Name implements Provider.
func (p *Ollama) Name() string { return NameOllama }

// Model implements Provider.
func (p *Ollama) Model() string { return p.opts.Model }

type ollamaRequest struct {
	Model    string                    `json:"model"`
	Messages []conversation.APIMessage `json:"messages"`
	Stream   bool                      `json:"stream"`
}

type ollamaChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// Stream implements Provider.
func (p *Ollama) Stream(ctx context.Context, messages []conversation.APIMessage, onDelta DeltaFunc) error {
	body, err := json.Marshal(ollamaRequest{Model: p.opts.Model, Messages: messages, Stream: true})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.opts.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.opts.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return upstreamError(NameOllama, resp)
	}

	p.opts.Logger.Debug("upstream stream opened",
		zap.String("provider", NameOllama),
		zap.String("model", p.opts.Model))

	reader := bufio.NewReader(resp.Body)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			var chunk ollamaChunk
			if jerr := json.Unmarshal(line, &chunk); jerr == nil {
				if chunk.Error != "" {
					return &Error{Provider: NameOllama, Message: chunk.Error}
				}
				if chunk.Message.Content != "" {
					if derr := onDelta(chunk.Message.Content); derr != nil {
						return derr
					}
				}
				if chunk.Done {
					return nil
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("ollama: stream read failed: %w", err)
		}
	}
}
