// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/time/rate"
)

// DefaultMaxFPS caps redraws driven by streamed replies.
const DefaultMaxFPS = 30

// RefreshMsg asks the model to reload from the repository.
type RefreshMsg struct{}

// =============================================================================
// REFRESHER
// =============================================================================

// Refresher coalesces controller updates into paced redraws. Any number of
// Notify calls between two redraws produce a single RefreshMsg, and the last
// update is never dropped.
type Refresher struct {
	dirty   chan struct{}
	limiter *rate.Limiter
}

// NewRefresher creates a refresher allowing at most maxFPS redraws a second.
func NewRefresher(maxFPS int) *Refresher {
	if maxFPS <= 0 {
		maxFPS = DefaultMaxFPS
	}
	return &Refresher{
		dirty:   make(chan struct{}, 1),
		limiter: rate.NewLimiter(rate.Every(time.Second/time.Duration(maxFPS)), 1),
	}
}

// Notify marks the view stale. It never blocks, so it is safe to register
// as a controller update callback.
func (r *Refresher) Notify(string) {
	select {
	case r.dirty <- struct{}{}:
	default:
	}
}

// Next returns a command that delivers the next RefreshMsg, or nil once ctx
// is done. The model re-issues it after each refresh.
func (r *Refresher) Next(ctx context.Context) tea.Cmd {
	return func() tea.Msg {
		select {
		case <-ctx.Done():
			return nil
		case <-r.dirty:
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return nil
		}
		return RefreshMsg{}
	}
}
