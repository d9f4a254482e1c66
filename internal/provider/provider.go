// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/calma/internal/conversation"
	"github.com/jeranaias/calma/internal/logging"
)

// Provider names.
const (
	NameGroq   = "groq"
	NameOpenAI = "openai"
	NameOllama = "ollama"
	NameGemini = "gemini"
)

// Default endpoints and models per provider.
const (
	DefaultGroqURL     = "https://api.groq.com/openai/v1"
	DefaultOpenAIURL   = "https://api.openai.com/v1"
	DefaultOllamaURL   = "http://127.0.0.1:11434"
	DefaultGroqModel   = "llama-3.1-8b-instant"
	DefaultOpenAIModel = "gpt-4o-mini"
	DefaultOllamaModel = "llama3.1"
	DefaultGeminiModel = "gemini-2.0-flash"
)

// DeltaFunc receives each text delta. Returning an error aborts the stream.
type DeltaFunc func(delta string) error

// Provider streams a reply for a message history.
type Provider interface {
	// Name returns the provider name.
	Name() string

	// Model returns the model identifier used for requests.
	Model() string

	// Stream sends messages upstream and calls onDelta for each text delta in
	// order. It returns when the upstream stream ends or ctx is done.
	Stream(ctx context.Context, messages []conversation.APIMessage, onDelta DeltaFunc) error
}

// Options configures a provider.
type Options struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// ErrNotConfigured indicates a provider that needs an API key has none.
var ErrNotConfigured = errors.New("provider API key not configured")

// Error reports a failed upstream call.
type Error struct {
	Provider string
	Status   int
	Message  string
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: upstream status %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

var (
	// sharedStreamingClient has no timeout; requests are bounded by context.
	sharedStreamingClient = &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
)

// New creates the named provider.
func New(ctx context.Context, name string, opts Options) (Provider, error) {
	if opts.HTTPClient == nil {
		opts.HTTPClient = sharedStreamingClient
	}
	opts.Logger = logging.OrNop(opts.Logger)

	switch strings.ToLower(name) {
	case NameGroq, "":
		return NewOpenAI(NameGroq, withDefaults(opts, DefaultGroqURL, DefaultGroqModel))
	case NameOpenAI:
		return NewOpenAI(NameOpenAI, withDefaults(opts, DefaultOpenAIURL, DefaultOpenAIModel))
	case NameOllama:
		return NewOllama(withDefaults(opts, DefaultOllamaURL, DefaultOllamaModel)), nil
	case NameGemini:
		return NewGemini(ctx, withDefaults(opts, "", DefaultGeminiModel))
	default:
		return nil, fmt.Errorf("unknown provider %q", name)
	}
}

func withDefaults(opts Options, baseURL, model string) Options {
	if opts.BaseURL == "" {
		opts.BaseURL = baseURL
	}
	if opts.Model == "" {
		opts.Model = model
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return opts
}

// Complete streams a reply and returns it whole.
func Complete(ctx context.Context, p Provider, messages []conversation.APIMessage) (string, error) {
	var sb strings.Builder
	err := p.Stream(ctx, messages, func(delta string) error {
		sb.WriteString(delta)
		return nil
	})
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}
