// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package conversation

import (
	"strings"
	"time"
)

// DefaultTitle is the title of a conversation before inference names it.
const DefaultTitle = "Nueva conversación"

// ErrorText replaces a bot reply whose stream failed.
const ErrorText = "⚠️ Hubo un problema con la conexión."

// DateLayout renders creation dates as dd/mm/yyyy.
const DateLayout = "02/01/2006"

// =============================================================================
// SENDER TYPE
// =============================================================================

// Sender identifies who wrote a message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// Role maps a sender onto the chat API role name.
func (s Sender) Role() string {
	if s == SenderBot {
		return "assistant"
	}
	return "user"
}

// DisplayName returns a human-readable name for the sender.
func (s Sender) DisplayName() string {
	switch s {
	case SenderUser:
		return "Tú"
	case SenderBot:
		return "Calma"
	default:
		return string(s)
	}
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message is a single chat bubble. A message with IsTyping set is the
// tentative bot reply of an exchange that is still streaming.
type Message struct {
	Sender   Sender `json:"from"`
	Text     string `json:"text"`
	IsTyping bool   `json:"isTyping,omitempty"`
}

// UserMessage creates a finalized user message.
func UserMessage(text string) Message {
	return Message{Sender: SenderUser, Text: text}
}

// BotMessage creates a finalized bot message.
func BotMessage(text string) Message {
	return Message{Sender: SenderBot, Text: text}
}

// Placeholder creates the tentative bot message shown while a reply streams.
func Placeholder(partial string) Message {
	return Message{Sender: SenderBot, Text: partial, IsTyping: true}
}

// =============================================================================
// CONVERSATION TYPE
// =============================================================================

// Conversation is a titled, dated, ordered message log.
type Conversation struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	Date           string    `json:"date"`
	Messages       []Message `json:"messages"`
	TitleGenerated bool      `json:"titleGenerated"`
}

// newConversation creates an empty conversation dated at t.
func newConversation(id string, t time.Time) Conversation {
	return Conversation{
		ID:       id,
		Title:    DefaultTitle,
		Date:     t.Format(DateLayout),
		Messages: []Message{},
	}
}

// Clone returns a deep copy.
func (c Conversation) Clone() Conversation {
	out := c
	out.Messages = append([]Message(nil), c.Messages...)
	if out.Messages == nil {
		out.Messages = []Message{}
	}
	return out
}

// LastMessage returns the final message, or false when the log is empty.
func (c Conversation) LastMessage() (Message, bool) {
	if len(c.Messages) == 0 {
		return Message{}, false
	}
	return c.Messages[len(c.Messages)-1], true
}

// IsStreaming reports whether the trailing message is a typing placeholder.
func (c Conversation) IsStreaming() bool {
	last, ok := c.LastMessage()
	return ok && last.IsTyping
}

// Preview returns the first line of the first user message.
func (c Conversation) Preview() string {
	for _, m := range c.Messages {
		if m.Sender == SenderUser {
			line, _, _ := strings.Cut(strings.TrimSpace(m.Text), "\n")
			return line
		}
	}
	return ""
}

// =============================================================================
// API CONVERSION
// =============================================================================

// APIMessage is the {role, content} pair sent to the chat and title endpoints.
type APIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ToAPIMessages role-maps messages for a request. Typing placeholders are
// skipped; they are never part of the history sent upstream.
func ToAPIMessages(msgs []Message) []APIMessage {
	out := make([]APIMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.IsTyping {
			continue
		}
		out = append(out, APIMessage{Role: m.Sender.Role(), Content: m.Text})
	}
	return out
}
