// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// =============================================================================
// PERSONA WATCHER
// =============================================================================

// DefaultPersonaDebounce coalesces the burst of events an editor save produces.
const DefaultPersonaDebounce = 200 * time.Millisecond

// PersonaWatcher serves the current persona prompt and re-reads its file when
// it changes on disk.
type PersonaWatcher struct {
	path     string
	fallback string
	debounce time.Duration
	logger   *zap.Logger

	mu      sync.RWMutex
	current string
}

// NewPersonaWatcher reads path once and returns a watcher serving its
// contents. An empty path serves fallback forever.
func NewPersonaWatcher(path, fallback string, logger *zap.Logger) (*PersonaWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &PersonaWatcher{
		path:     path,
		fallback: fallback,
		debounce: DefaultPersonaDebounce,
		logger:   logger,
		current:  fallback,
	}
	if path == "" {
		return w, nil
	}
	text, err := readPersona(path)
	if err != nil {
		return nil, err
	}
	w.current = text
	return w, nil
}

// Persona returns the prompt in effect.
func (w *PersonaWatcher) Persona() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Run watches the persona file until ctx is done. The parent directory is
// watched so editors that replace the file by rename are followed.
func (w *PersonaWatcher) Run(ctx context.Context) error {
	if w.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create persona watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(w.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(target), err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.reload()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("persona watcher error", zap.Error(err))
		}
	}
}

// reload swaps in the file's contents. A missing or empty file keeps the
// previous prompt.
func (w *PersonaWatcher) reload() {
	text, err := readPersona(w.path)
	if err != nil {
		w.logger.Warn("persona reload failed, keeping previous prompt",
			zap.String("path", w.path), zap.Error(err))
		return
	}
	w.mu.Lock()
	w.current = text
	w.mu.Unlock()
	w.logger.Info("persona reloaded", zap.String("path", w.path), zap.Int("bytes", len(text)))
}

func readPersona(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read persona file: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", fmt.Errorf("persona file %s is empty", path)
	}
	return text, nil
}
