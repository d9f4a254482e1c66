// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jeranaias/calma/internal/conversation"
	"github.com/jeranaias/calma/internal/provider"
	"github.com/jeranaias/calma/internal/title"
	"github.com/jeranaias/calma/internal/util"
)

// maxTitleWidth caps the display width of a generated title.
const maxTitleWidth = 60

// validRoles defines the roles a client may send. The system role is
// reserved for the persona the server prepends.
var validRoles = map[string]bool{
	"user":      true,
	"assistant": true,
}

// chatRequest is the body of both POST endpoints.
type chatRequest struct {
	Messages []conversation.APIMessage `json:"messages"`
}

// ============================================================================
// VALIDATION
// ============================================================================

// validateMessages checks count, roles and content length.
func validateMessages(messages []conversation.APIMessage) error {
	if len(messages) == 0 {
		return errors.New("request must contain at least one message")
	}
	if len(messages) > MaxMessageCount {
		return fmt.Errorf("too many messages: maximum is %d", MaxMessageCount)
	}
	for i, msg := range messages {
		if !validRoles[msg.Role] {
			return fmt.Errorf("invalid role %q at message %d: must be user or assistant", msg.Role, i)
		}
		if len(msg.Content) > MaxContentLength {
			return fmt.Errorf("message %d exceeds maximum length of %d", i, MaxContentLength)
		}
	}
	return nil
}

// bindMessages decodes and validates the request body. It writes the error
// response itself and reports false on failure.
func (s *Server) bindMessages(c *gin.Context) ([]conversation.APIMessage, bool) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxRequestBodySize)

	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("Request body exceeds maximum size of %d bytes", MaxRequestBodySize))
			return nil, false
		}
		s.logger.Debug("invalid request body", zap.Error(err))
		writeError(c, http.StatusBadRequest, "Invalid request format")
		return nil, false
	}

	if err := validateMessages(req.Messages); err != nil {
		writeError(c, http.StatusBadRequest, err.Error())
		return nil, false
	}
	return req.Messages, true
}

// withSystem prepends a system message.
func withSystem(system string, messages []conversation.APIMessage) []conversation.APIMessage {
	out := make([]conversation.APIMessage, 0, len(messages)+1)
	out = append(out, conversation.APIMessage{Role: "system", Content: system})
	return append(out, messages...)
}

// ============================================================================
// HANDLERS
// ============================================================================

// handleChat relays the upstream reply as plain text, flushing per delta.
func (s *Server) handleChat(c *gin.Context) {
	messages, ok := s.bindMessages(c)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.opts.UpstreamTimeout)
	defer cancel()

	started := false
	start := func() {
		if started {
			return
		}
		started = true
		c.Header("Content-Type", "text/plain; charset=utf-8")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)
		c.Writer.WriteHeaderNow()
	}

	err := s.provider.Stream(ctx, withSystem(s.opts.Persona(), messages), func(delta string) error {
		start()
		if _, err := c.Writer.WriteString(delta); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	})
	if err == nil {
		start()
		return
	}

	s.logger.Warn("upstream stream failed",
		zap.String("provider", s.provider.Name()),
		zap.Bool("partial", started),
		zap.String("request_id", c.GetString(requestIDKey)),
		zap.Error(err))

	if !started {
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		writeError(c, status, "Upstream model unavailable")
		return
	}
	// Headers are gone; drop the connection so the client sees a broken
	// stream instead of a short reply.
	panic(http.ErrAbortHandler)
}

// handleTitle asks the upstream model to name a conversation from its
// leading messages.
func (s *Server) handleTitle(c *gin.Context) {
	messages, ok := s.bindMessages(c)
	if !ok {
		return
	}
	if len(messages) > title.Threshold {
		messages = messages[:title.Threshold]
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.opts.UpstreamTimeout)
	defer cancel()

	raw, err := provider.Complete(ctx, s.provider, withSystem(s.opts.TitlePrompt, messages))
	if err != nil {
		s.logger.Warn("title generation failed", zap.Error(err))
		writeError(c, http.StatusBadGateway, "Upstream model unavailable")
		return
	}

	t := util.Truncate(util.SingleLine(title.Clean(raw)), maxTitleWidth)
	if t == "" {
		writeError(c, http.StatusBadGateway, "No title produced")
		return
	}
	c.JSON(http.StatusOK, gin.H{"title": t})
}

// handleHealth reports liveness and the configured upstream.
func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"provider": s.provider.Name(),
		"model":    s.provider.Model(),
		"version":  Version,
	})
}

// ============================================================================
// HELPERS
// ============================================================================

// writeError writes a JSON error response and aborts the chain.
func writeError(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error": gin.H{
			"message": message,
			"code":    status,
		},
	})
}
