// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package title names conversations once they have enough history.
//
// The Trigger is evaluated after each committed exchange. It is detached from
// the exchange: a slow or failing title call never delays or rolls back the
// reply that triggered it.
package title

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/jeranaias/calma/internal/conversation"
)

// Threshold is the message count at which a conversation gets a title, and
// the number of leading messages sent to the title endpoint.
const Threshold = 6

// RetryPolicy decides what happens after a failed title request.
type RetryPolicy string

const (
	// RetryEveryMessage retries on every later qualifying commit.
	RetryEveryMessage RetryPolicy = "every-message"

	// RetryOnce allows at most one attempt per conversation per process.
	RetryOnce RetryPolicy = "once"
)

// ParseRetryPolicy validates a policy name. Empty selects RetryEveryMessage.
func ParseRetryPolicy(s string) (RetryPolicy, error) {
	switch RetryPolicy(strings.ToLower(strings.TrimSpace(s))) {
	case "", RetryEveryMessage:
		return RetryEveryMessage, nil
	case RetryOnce:
		return RetryOnce, nil
	default:
		return "", fmt.Errorf("unknown title retry policy %q", s)
	}
}

// Generator produces a raw title from role-mapped messages.
type Generator interface {
	GenerateTitle(ctx context.Context, messages []conversation.APIMessage) (string, error)
}

// Setter applies a generated title.
type Setter interface {
	SetTitle(id, title string) error
}

// =============================================================================
// TRIGGER
// =============================================================================

// Trigger fires title requests for conversations that reach Threshold.
type Trigger struct {
	gen    Generator
	repo   Setter
	policy RetryPolicy
	logger *zap.Logger
	ctx    context.Context

	mu        sync.Mutex
	inFlight  map[string]bool
	attempted map[string]bool

	wg sync.WaitGroup
}

// NewTrigger creates a trigger. ctx bounds every detached request; cancel it
// on shutdown.
func NewTrigger(ctx context.Context, gen Generator, repo Setter, policy RetryPolicy, logger *zap.Logger) *Trigger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == "" {
		policy = RetryEveryMessage
	}
	return &Trigger{
		gen:       gen,
		repo:      repo,
		policy:    policy,
		logger:    logger,
		ctx:       ctx,
		inFlight:  make(map[string]bool),
		attempted: make(map[string]bool),
	}
}

// Evaluate starts a title request for conv when it qualifies and reports
// whether one was started. It never blocks on the request.
func (t *Trigger) Evaluate(conv conversation.Conversation) bool {
	if conv.TitleGenerated || len(conv.Messages) < Threshold {
		return false
	}

	t.mu.Lock()
	if t.inFlight[conv.ID] || (t.policy == RetryOnce && t.attempted[conv.ID]) {
		t.mu.Unlock()
		return false
	}
	t.inFlight[conv.ID] = true
	t.attempted[conv.ID] = true
	t.mu.Unlock()

	messages := conversation.ToAPIMessages(conv.Messages[:Threshold])

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer func() {
			t.mu.Lock()
			delete(t.inFlight, conv.ID)
			t.mu.Unlock()
		}()
		t.run(conv.ID, messages)
	}()
	return true
}

// Wait blocks until every started request has finished.
func (t *Trigger) Wait() {
	t.wg.Wait()
}

func (t *Trigger) run(id string, messages []conversation.APIMessage) {
	raw, err := t.gen.GenerateTitle(t.ctx, messages)
	if err != nil {
		t.logger.Warn("title generation failed",
			zap.String("conversation", id),
			zap.String("retry", string(t.policy)),
			zap.Error(err))
		return
	}

	title := Clean(raw)
	if title == "" {
		t.logger.Warn("title generation returned an empty title", zap.String("conversation", id))
		return
	}

	if err := t.repo.SetTitle(id, title); err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			// Deleted while the request was in flight.
			t.logger.Debug("dropping title for deleted conversation", zap.String("conversation", id))
			return
		}
		t.logger.Warn("failed to store title", zap.String("conversation", id), zap.Error(err))
		return
	}
	t.logger.Info("conversation titled", zap.String("conversation", id), zap.String("title", title))
}

// Clean trims whitespace and surrounding quote characters and normalises the
// result to NFC.
func Clean(raw string) string {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, `"'`)
	s = strings.TrimSpace(s)
	return norm.NFC.String(s)
}
