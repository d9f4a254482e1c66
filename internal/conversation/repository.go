// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package conversation

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/calma/internal/storage"
)

// Persisted keys.
const (
	KeyConversations = "conversations"
	KeyActive        = "activeConversationId"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotFound is returned when a conversation id is unknown.
	ErrNotFound = &Error{Message: "conversation not found"}

	// ErrEmptyLog is returned by ReplaceLastMessage on a conversation without messages.
	ErrEmptyLog = &Error{Message: "conversation has no messages"}
)

// Error represents a repository error.
type Error struct {
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Is implements errors.Is support for comparing repository errors.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Message == t.Message
}

// =============================================================================
// REPOSITORY
// =============================================================================

// Repository owns the ordered conversation list (most recent first) and the
// active pointer. It is safe for concurrent use.
type Repository struct {
	mu sync.Mutex

	store  storage.Store
	logger *zap.Logger
	now    func() time.Time

	conversations []Conversation
	active        string
	lastID        int64

	listenersMu sync.RWMutex
	listeners   []func()
}

// Option configures a Repository.
type Option func(*Repository)

// WithClock overrides the time source used for ids and dates.
func WithClock(now func() time.Time) Option {
	return func(r *Repository) {
		r.now = now
	}
}

// NewRepository loads the persisted snapshot from store. Missing or malformed
// state yields an empty repository.
func NewRepository(store storage.Store, logger *zap.Logger, opts ...Option) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Repository{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.conversations = storage.Load(store, KeyConversations, []Conversation{}, logger)
	active := storage.Load(store, KeyActive, "", logger)

	recovered := 0
	for i := range r.conversations {
		c := &r.conversations[i]
		if c.Messages == nil {
			c.Messages = []Message{}
		}
		if c.IsStreaming() {
			// The process exited mid-stream; the reply will never arrive.
			c.Messages[len(c.Messages)-1] = BotMessage(ErrorText)
			recovered++
		}
		if id, err := strconv.ParseInt(c.ID, 10, 64); err == nil && id > r.lastID {
			r.lastID = id
		}
	}
	if r.indexOf(active) >= 0 {
		r.active = active
	}

	if recovered > 0 {
		logger.Info("finalized interrupted replies", zap.Int("count", recovered))
		if err := r.persistLocked(); err != nil {
			logger.Warn("failed to persist recovered conversations", zap.Error(err))
		}
	}

	logger.Debug("conversation repository loaded",
		zap.Int("conversations", len(r.conversations)),
		zap.String("active", r.active))
	return r
}

// OnChange registers fn to run after every committed mutation. Callbacks run
// outside the repository lock.
func (r *Repository) OnChange(fn func()) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// =============================================================================
// MUTATIONS
// =============================================================================

// Create inserts a new empty conversation at the head of the list, makes it
// active and returns its id.
func (r *Repository) Create() (string, error) {
	r.mu.Lock()
	id := r.nextIDLocked()
	r.conversations = append([]Conversation{newConversation(id, r.now())}, r.conversations...)
	r.active = id
	err := r.persistLocked()
	r.mu.Unlock()

	r.logger.Debug("conversation created", zap.String("id", id))
	r.notify()
	return id, err
}

// AppendMessage appends msg to the conversation's log.
func (r *Repository) AppendMessage(id string, msg Message) error {
	return r.mutate(id, func(c *Conversation) error {
		c.Messages = append(c.Messages, msg)
		return nil
	})
}

// ReplaceLastMessage overwrites the final entry of the conversation's log.
func (r *Repository) ReplaceLastMessage(id string, msg Message) error {
	return r.mutate(id, func(c *Conversation) error {
		if len(c.Messages) == 0 {
			return ErrEmptyLog
		}
		c.Messages[len(c.Messages)-1] = msg
		return nil
	})
}

// SetTitle sets the title and marks it as generated.
func (r *Repository) SetTitle(id, title string) error {
	return r.mutate(id, func(c *Conversation) error {
		c.Title = title
		c.TitleGenerated = true
		return nil
	})
}

// Delete removes a conversation. Unknown ids are ignored. The active pointer
// is left alone; callers clear it when they delete the active conversation.
func (r *Repository) Delete(id string) error {
	r.mu.Lock()
	idx := r.indexOf(id)
	if idx < 0 {
		r.mu.Unlock()
		return nil
	}
	r.conversations = append(r.conversations[:idx], r.conversations[idx+1:]...)
	err := r.persistLocked()
	r.mu.Unlock()

	r.logger.Debug("conversation deleted", zap.String("id", id))
	r.notify()
	return err
}

// SelectActive switches the active conversation. An empty id means a pending
// new conversation. Unknown ids return ErrNotFound and leave the pointer as is.
func (r *Repository) SelectActive(id string) error {
	r.mu.Lock()
	if id != "" && r.indexOf(id) < 0 {
		r.mu.Unlock()
		return ErrNotFound
	}
	if r.active == id {
		r.mu.Unlock()
		return nil
	}
	r.active = id
	err := r.persistLocked()
	r.mu.Unlock()

	r.notify()
	return err
}

// mutate applies fn to the conversation under the lock and persists.
func (r *Repository) mutate(id string, fn func(c *Conversation) error) error {
	r.mu.Lock()
	idx := r.indexOf(id)
	if idx < 0 {
		r.mu.Unlock()
		return ErrNotFound
	}
	if err := fn(&r.conversations[idx]); err != nil {
		r.mu.Unlock()
		return err
	}
	err := r.persistLocked()
	r.mu.Unlock()

	r.notify()
	return err
}

// =============================================================================
// QUERIES
// =============================================================================

// List returns a copy of every conversation, most recent first.
func (r *Repository) List() []Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Conversation, len(r.conversations))
	for i, c := range r.conversations {
		out[i] = c.Clone()
	}
	return out
}

// Get returns a copy of the conversation with the given id.
func (r *Repository) Get(id string) (Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexOf(id)
	if idx < 0 {
		return Conversation{}, false
	}
	return r.conversations[idx].Clone(), true
}

// ActiveID returns the active conversation id, or "" when none is active.
func (r *Repository) ActiveID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Active returns a copy of the active conversation.
func (r *Repository) Active() (Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := r.indexOf(r.active)
	if idx < 0 {
		return Conversation{}, false
	}
	return r.conversations[idx].Clone(), true
}

// Len returns the number of conversations.
func (r *Repository) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conversations)
}

// =============================================================================
// HELPERS
// =============================================================================

// nextIDLocked returns a decimal millisecond timestamp, bumped past the last
// issued id when the clock has not advanced.
func (r *Repository) nextIDLocked() string {
	id := r.now().UnixMilli()
	if id <= r.lastID {
		id = r.lastID + 1
	}
	r.lastID = id
	return strconv.FormatInt(id, 10)
}

func (r *Repository) indexOf(id string) int {
	if id == "" {
		return -1
	}
	for i := range r.conversations {
		if r.conversations[i].ID == id {
			return i
		}
	}
	return -1
}

// persistLocked writes the full snapshot. Callers hold r.mu.
func (r *Repository) persistLocked() error {
	if err := storage.Save(r.store, KeyConversations, r.conversations); err != nil {
		r.logger.Error("failed to persist conversations", zap.Error(err))
		return fmt.Errorf("persist conversations: %w", err)
	}
	if err := storage.Save(r.store, KeyActive, r.active); err != nil {
		r.logger.Error("failed to persist active conversation", zap.Error(err))
		return fmt.Errorf("persist active conversation: %w", err)
	}
	return nil
}

func (r *Repository) notify() {
	r.listenersMu.RLock()
	listeners := append([]func(){}, r.listeners...)
	r.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn()
	}
}
