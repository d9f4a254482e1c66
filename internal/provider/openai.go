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
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/calma/internal/conversation"
	"github.com/jeranaias/calma/internal/logging"
)

// OpenAI streams from an OpenAI-compatible /chat/completions endpoint.
type OpenAI struct {
	name string
	opts Options
}

// NewOpenAI creates an OpenAI-compatible provider under the given name.
func NewOpenAI(name string, opts Options) (*OpenAI, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%s: %w", name, ErrNotConfigured)
	}
	opts.Logger = logging.OrNop(opts.Logger)
	return &OpenAI{name: name, opts: opts}, nil
}

// Name implements Provider.
func (p *OpenAI) Name() string { return p.name }

// Model implements Provider.
func (p *OpenAI) Model() string { return p.opts.Model }

type openAIRequest struct {
	Model    string                    `json:"model"`
	Messages []conversation.APIMessage `json:"messages"`
	Stream   bool                      `json:"stream"`
}

type openAIChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type openAIErrorBody struct {
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Stream implements Provider.
func (p *OpenAI) Stream(ctx context.Context, messages []conversation.APIMessage, onDelta DeltaFunc) error {
	body, err := json.Marshal(openAIRequest{Model: p.opts.Model, Messages: messages, Stream: true})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.opts.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.opts.APIKey)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	start := time.Now()
	resp, err := p.opts.HTTPClient.Do(req)
	// Keep the key out of anything that logs the request later.
	req.Header.Del("Authorization")
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return upstreamError(p.name, resp)
	}

	p.opts.Logger.Debug("upstream stream opened",
		zap.String("provider", p.name),
		zap.String("model", p.opts.Model),
		zap.Duration("ttfb", time.Since(start)))

	reader := newSSEReader(resp.Body)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		data, err := reader.next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: stream read failed: %w", p.name, err)
		}
		if bytes.Equal(data, []byte("[DONE]")) {
			return nil
		}

		var chunk openAIChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			// Skip malformed events.
			continue
		}
		if chunk.Error != nil {
			return &Error{Provider: p.name, Message: chunk.Error.Message}
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			if err := onDelta(choice.Delta.Content); err != nil {
				return err
			}
		}
	}
}

// =============================================================================
// SSE READER
// =============================================================================

// sseReader returns the data payload of each Server-Sent Event.
type sseReader struct {
	reader *bufio.Reader
}

func newSSEReader(r io.Reader) *sseReader {
	return &sseReader{reader: bufio.NewReader(r)}
}

// next returns the joined data lines of the next event, or io.EOF.
func (s *sseReader) next() ([]byte, error) {
	var dataLines [][]byte

	for {
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			if err == io.EOF {
				if len(dataLines) > 0 {
					return bytes.Join(dataLines, []byte("\n")), nil
				}
				if line = bytes.TrimRight(line, "\r\n"); bytes.HasPrefix(line, []byte("data:")) {
					return sseValue(line), nil
				}
				return nil, io.EOF
			}
			return nil, err
		}

		line = bytes.TrimRight(line, "\r\n")

		// A blank line ends the event.
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		if bytes.HasPrefix(line, []byte("data:")) {
			dataLines = append(dataLines, sseValue(line))
		}
		// event:, id:, retry: and comments are ignored.
	}
}

// sseValue returns a data: line's value. A single space after the colon is
// dropped; the rest is payload.
func sseValue(line []byte) []byte {
	return bytes.TrimPrefix(line[len("data:"):], []byte(" "))
}

// upstreamError builds an *Error from a non-200 response.
func upstreamError(name string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := http.StatusText(resp.StatusCode)

	var parsed openAIErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		msg = parsed.Error.Message
	} else if len(bytes.TrimSpace(body)) > 0 {
		msg = string(bytes.TrimSpace(body))
	}
	return &Error{Provider: name, Status: resp.StatusCode, Message: msg}
}
