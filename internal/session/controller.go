// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/jeranaias/calma/internal/conversation"
	"github.com/jeranaias/calma/internal/stream"
)

var (
	// ErrEmptyMessage is returned when the submitted text is blank.
	ErrEmptyMessage = errors.New("message is empty")

	// ErrBusy is returned when a reply is still streaming into the conversation.
	ErrBusy = errors.New("a reply is still streaming in this conversation")
)

// =============================================================================
// STATE
// =============================================================================

// State is the controller's position in the session state machine.
type State int

const (
	NoActiveConversation State = iota
	Viewing
	Sending
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case NoActiveConversation:
		return "NoActiveConversation"
	case Viewing:
		return "Viewing"
	case Sending:
		return "Sending"
	default:
		return "Unknown"
	}
}

// =============================================================================
// COLLABORATORS
// =============================================================================

// ChatClient opens a streaming reply for a role-mapped history.
type ChatClient interface {
	OpenChat(ctx context.Context, messages []conversation.APIMessage) (io.ReadCloser, error)
}

// TitleEvaluator is consulted after each successful exchange.
type TitleEvaluator interface {
	Evaluate(conv conversation.Conversation) bool
}

// =============================================================================
// CONTROLLER
// =============================================================================

// Controller orchestrates one chat session.
type Controller struct {
	repo    *conversation.Repository
	chat    ChatClient
	titles  TitleEvaluator
	reducer stream.Reducer
	logger  *zap.Logger

	mu       sync.Mutex
	input    string
	inFlight map[string]*Exchange

	listenersMu sync.RWMutex
	listeners   []func(id string)

	wg sync.WaitGroup
}

// NewController creates a controller. titles may be nil to disable naming.
func NewController(repo *conversation.Repository, chat ChatClient, titles TitleEvaluator, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		repo:     repo,
		chat:     chat,
		titles:   titles,
		reducer:  stream.Reducer{Logger: logger},
		logger:   logger,
		inFlight: make(map[string]*Exchange),
	}
}

// Repository returns the underlying repository.
func (c *Controller) Repository() *conversation.Repository {
	return c.repo
}

// OnUpdate registers fn to run whenever a conversation changes through the
// controller. id is the affected conversation, or "" for selection changes.
func (c *Controller) OnUpdate(fn func(id string)) {
	c.listenersMu.Lock()
	defer c.listenersMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// State reports the current state and the active conversation id.
func (c *Controller) State() (State, string) {
	id := c.repo.ActiveID()
	if id == "" {
		return NoActiveConversation, ""
	}
	c.mu.Lock()
	_, sending := c.inFlight[id]
	c.mu.Unlock()
	if sending {
		return Sending, id
	}
	return Viewing, id
}

// StartNew clears the active pointer. The conversation itself is created
// lazily by the next Send.
func (c *Controller) StartNew() error {
	if err := c.repo.SelectActive(""); err != nil {
		return err
	}
	c.notify("")
	return nil
}

// Select makes id the active conversation. Unknown ids return
// conversation.ErrNotFound and leave the state unchanged.
func (c *Controller) Select(id string) error {
	if err := c.repo.SelectActive(id); err != nil {
		return err
	}
	c.notify(id)
	return nil
}

// Delete removes a conversation, clearing the active pointer if it was active.
// Unknown ids are ignored.
func (c *Controller) Delete(id string) error {
	wasActive := c.repo.ActiveID() == id
	if err := c.repo.Delete(id); err != nil {
		return err
	}
	if wasActive {
		if err := c.repo.SelectActive(""); err != nil {
			return err
		}
	}
	c.notify(id)
	return nil
}

// SetInput replaces the draft text.
func (c *Controller) SetInput(text string) {
	c.mu.Lock()
	c.input = text
	c.mu.Unlock()
}

// Input returns the draft text.
func (c *Controller) Input() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.input
}

// Submit sends the draft. The draft is cleared as soon as the exchange
// starts, not when it completes. A blank draft is left untouched.
func (c *Controller) Submit(ctx context.Context) (*Exchange, error) {
	c.mu.Lock()
	text := c.input
	if strings.TrimSpace(text) == "" {
		c.mu.Unlock()
		return nil, ErrEmptyMessage
	}
	c.input = ""
	c.mu.Unlock()

	ex, err := c.Send(ctx, text)
	if err != nil {
		// Give the draft back so nothing typed is lost.
		c.mu.Lock()
		if c.input == "" {
			c.input = text
		}
		c.mu.Unlock()
	}
	return ex, err
}

// Send appends text and a typing placeholder to the active conversation,
// creating one first when none is active, and streams the reply in the
// background. When Send returns, both messages are already in the repository.
func (c *Controller) Send(ctx context.Context, text string) (*Exchange, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	id := c.repo.ActiveID()
	if id == "" {
		created, err := c.repo.Create()
		if err != nil {
			// Kept in memory; the next successful write persists it.
			c.logger.Warn("failed to persist new conversation", zap.Error(err))
		}
		id = created
	}

	c.mu.Lock()
	if _, busy := c.inFlight[id]; busy {
		c.mu.Unlock()
		return nil, ErrBusy
	}
	ex := newExchange(id)
	c.inFlight[id] = ex
	c.mu.Unlock()

	conv, ok := c.repo.Get(id)
	if !ok {
		c.finish(ex)
		return nil, conversation.ErrNotFound
	}
	history := append(conversation.ToAPIMessages(conv.Messages),
		conversation.APIMessage{Role: conversation.SenderUser.Role(), Content: text})

	if err := c.repo.AppendMessage(id, conversation.UserMessage(text)); errors.Is(err, conversation.ErrNotFound) {
		c.finish(ex)
		return nil, err
	}
	if err := c.repo.AppendMessage(id, conversation.Placeholder("")); errors.Is(err, conversation.ErrNotFound) {
		c.finish(ex)
		return nil, err
	}
	c.notify(id)

	c.logger.Debug("exchange started", zap.String("conversation", id), zap.Int("history", len(history)))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.finish(ex)
		ex.text, ex.err = c.run(ctx, id, history)
	}()
	return ex, nil
}

// Wait blocks until every in-flight exchange has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// run streams one reply into the conversation id captured by Send.
func (c *Controller) run(ctx context.Context, id string, history []conversation.APIMessage) (string, error) {
	text, err := c.stream(ctx, id, history)
	if err != nil {
		c.logger.Warn("exchange failed", zap.String("conversation", id), zap.Error(err))
		c.write(id, conversation.BotMessage(conversation.ErrorText))
		return "", err
	}

	if !c.write(id, conversation.BotMessage(text)) {
		return text, nil
	}
	c.logger.Debug("exchange complete", zap.String("conversation", id), zap.Int("bytes", len(text)))

	if c.titles != nil {
		if conv, ok := c.repo.Get(id); ok {
			c.titles.Evaluate(conv)
		}
	}
	return text, nil
}

func (c *Controller) stream(ctx context.Context, id string, history []conversation.APIMessage) (string, error) {
	body, err := c.chat.OpenChat(ctx, history)
	if err != nil {
		return "", err
	}
	defer body.Close()

	return c.reducer.Run(ctx, body, func(acc string) {
		c.write(id, conversation.Placeholder(acc))
	})
}

// write replaces the trailing message of id. It reports false when the
// conversation no longer exists; such writes are dropped.
func (c *Controller) write(id string, msg conversation.Message) bool {
	err := c.repo.ReplaceLastMessage(id, msg)
	switch {
	case err == nil:
	case errors.Is(err, conversation.ErrNotFound):
		c.logger.Debug("dropping write for deleted conversation", zap.String("conversation", id))
		return false
	default:
		// Persistence failed; the in-memory state is still current.
		c.logger.Warn("failed to persist reply", zap.String("conversation", id), zap.Error(err))
	}
	c.notify(id)
	return true
}

func (c *Controller) finish(ex *Exchange) {
	c.mu.Lock()
	if c.inFlight[ex.id] == ex {
		delete(c.inFlight, ex.id)
	}
	c.mu.Unlock()
	close(ex.done)
	c.notify(ex.id)
}

func (c *Controller) notify(id string) {
	c.listenersMu.RLock()
	listeners := append([]func(string){}, c.listeners...)
	c.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(id)
	}
}

// =============================================================================
// EXCHANGE
// =============================================================================

// Exchange is one user message and its streamed reply.
type Exchange struct {
	id   string
	done chan struct{}
	text string
	err  error
}

func newExchange(id string) *Exchange {
	return &Exchange{id: id, done: make(chan struct{})}
}

// ConversationID returns the id the exchange writes into.
func (e *Exchange) ConversationID() string {
	return e.id
}

// Done is closed when the reply has been finalized.
func (e *Exchange) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until the reply has been finalized and returns Err.
func (e *Exchange) Wait() error {
	<-e.done
	return e.err
}

// Err returns the stream failure, if any. Valid after Done is closed.
func (e *Exchange) Err() error {
	select {
	case <-e.done:
		return e.err
	default:
		return nil
	}
}

// Text returns the final reply text. Valid after Done is closed.
func (e *Exchange) Text() string {
	select {
	case <-e.done:
		return e.text
	default:
		return ""
	}
}
