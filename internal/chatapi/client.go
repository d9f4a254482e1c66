// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/calma/internal/conversation"
)

const (
	// TitlePath is appended to the API base URL for title requests.
	TitlePath = "/generate-title"

	// DefaultTitleTimeout bounds a title request.
	DefaultTitleTimeout = 30 * time.Second

	// maxTitleResponse caps the title response body.
	maxTitleResponse = 64 * 1024

	// maxErrorBody caps how much of an error body is kept for logs.
	maxErrorBody = 512
)

var (
	// sharedStreamingClient has no overall timeout; streams are bounded by context.
	sharedStreamingClient = &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        20,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
)

// ErrNoTitle is returned when the title endpoint answers without a usable title.
var ErrNoTitle = errors.New("no title produced")

// StatusError reports a non-2xx response.
type StatusError struct {
	Endpoint string
	Status   int
	Body     string
}

// Error implements the error interface.
func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s returned status %d: %s", e.Endpoint, e.Status, e.Body)
	}
	return fmt.Sprintf("%s returned status %d", e.Endpoint, e.Status)
}

// =============================================================================
// CLIENT
// =============================================================================

// Client talks to the chat and title endpoints.
type Client struct {
	chatURL      string
	apiURL       string
	httpClient   *http.Client
	titleTimeout time.Duration
	logger       *zap.Logger
}

// NewClient creates a client. chatURL is the full primary endpoint; apiURL is
// the base URL the title path is appended to.
func NewClient(chatURL, apiURL string) *Client {
	return &Client{
		chatURL:      chatURL,
		apiURL:       strings.TrimRight(apiURL, "/"),
		httpClient:   sharedStreamingClient,
		titleTimeout: DefaultTitleTimeout,
		logger:       zap.NewNop(),
	}
}

// WithHTTPClient overrides the HTTP client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.httpClient = hc
	return c
}

// WithLogger sets the logger.
func (c *Client) WithLogger(l *zap.Logger) *Client {
	if l != nil {
		c.logger = l
	}
	return c
}

// WithTitleTimeout overrides the title request timeout.
func (c *Client) WithTitleTimeout(d time.Duration) *Client {
	c.titleTimeout = d
	return c
}

// ChatURL returns the primary endpoint.
func (c *Client) ChatURL() string {
	return c.chatURL
}

// chatRequest is the body of both endpoints.
type chatRequest struct {
	Messages []conversation.APIMessage `json:"messages"`
}

type titleResponse struct {
	Title *string `json:"title"`
}

// =============================================================================
// CHAT
// =============================================================================

// OpenChat posts the history to the chat endpoint and returns the streaming
// body. The caller must close it. The request is bound to ctx.
func (c *Client) OpenChat(ctx context.Context, messages []conversation.APIMessage) (io.ReadCloser, error) {
	resp, err := c.post(ctx, c.chatURL, messages, "text/plain")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, statusError("chat", resp)
	}
	return resp.Body, nil
}

// =============================================================================
// TITLE
// =============================================================================

// GenerateTitle asks the title endpoint to name a conversation. The raw title
// is returned untrimmed; ErrNoTitle covers a missing or empty title field.
func (c *Client) GenerateTitle(ctx context.Context, messages []conversation.APIMessage) (string, error) {
	if c.titleTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.titleTimeout)
		defer cancel()
	}

	resp, err := c.post(ctx, c.apiURL+TitlePath, messages, "application/json")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", statusError("title", resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTitleResponse))
	if err != nil {
		return "", fmt.Errorf("failed to read title response: %w", err)
	}

	var tr titleResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("failed to parse title response: %w", err)
	}
	if tr.Title == nil || strings.TrimSpace(*tr.Title) == "" {
		return "", ErrNoTitle
	}
	return *tr.Title, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func (c *Client) post(ctx context.Context, url string, messages []conversation.APIMessage, accept string) (*http.Response, error) {
	if messages == nil {
		messages = []conversation.APIMessage{}
	}
	body, err := json.Marshal(chatRequest{Messages: messages})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("request failed", zap.String("url", url), zap.Error(err))
		return nil, fmt.Errorf("request failed: %w", err)
	}
	c.logger.Debug("request sent",
		zap.String("url", url),
		zap.Int("messages", len(messages)),
		zap.Int("status", resp.StatusCode),
		zap.Duration("latency", time.Since(start)))
	return resp, nil
}

func statusError(endpoint string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{
		Endpoint: endpoint,
		Status:   resp.StatusCode,
		Body:     strings.TrimSpace(string(body)),
	}
}
