// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jeranaias/calma/internal/provider"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultPort is the default port for the HTTP server.
	DefaultPort = 8787

	// DefaultUpstreamTimeout bounds one upstream call.
	DefaultUpstreamTimeout = 30 * time.Second

	// MaxContentLength is the maximum length of one message.
	MaxContentLength = 100000

	// MaxMessageCount is the maximum number of messages in a request.
	MaxMessageCount = 100

	// MaxRequestBodySize is the maximum size of a request body (1MB).
	MaxRequestBodySize = 1 * 1024 * 1024

	// Version is the server version.
	Version = "0.3.0"
)

// DefaultPersona is the system prompt prepended to every chat request.
const DefaultPersona = "Eres un terapeuta empático y calmado. Responde con comprensión y escucha activa."

// DefaultTitlePrompt instructs the model to name a conversation.
const DefaultTitlePrompt = "Genera un título breve, de como máximo cinco palabras, que resuma esta conversación. " +
	"Responde únicamente con el título, sin comillas ni puntuación final."

// ============================================================================
// SERVER
// ============================================================================

// Options configures a Server.
type Options struct {
	// Host is the listen host. Default: 127.0.0.1
	Host string

	// Port is the listen port. Zero selects DefaultPort.
	Port int

	// Persona returns the current system prompt. Nil selects DefaultPersona.
	Persona func() string

	// TitlePrompt overrides DefaultTitlePrompt.
	TitlePrompt string

	// AllowedOrigins lists CORS origins. Empty allows any origin.
	AllowedOrigins []string

	// UpstreamTimeout bounds one upstream call. Zero selects DefaultUpstreamTimeout.
	UpstreamTimeout time.Duration
}

// Server is the calma proxy.
type Server struct {
	opts     Options
	provider provider.Provider
	logger   *zap.Logger
	engine   *gin.Engine
	server   *http.Server
}

// New creates a server relaying to p.
func New(p provider.Provider, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.Persona == nil {
		opts.Persona = func() string { return DefaultPersona }
	}
	if opts.TitlePrompt == "" {
		opts.TitlePrompt = DefaultTitlePrompt
	}
	if opts.UpstreamTimeout <= 0 {
		opts.UpstreamTimeout = DefaultUpstreamTimeout
	}

	s := &Server{
		opts:     opts,
		provider: p,
		logger:   logger,
	}
	s.engine = s.setupEngine()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.opts.Host, fmt.Sprint(s.opts.Port))
}

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) setupEngine() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	engine := gin.New()
	engine.Use(
		RecoveryMiddleware(s.logger),
		RequestIDMiddleware(),
		LoggingMiddleware(s.logger),
		SecurityHeadersMiddleware(),
		cors.New(s.corsConfig()),
	)

	engine.POST("/api/chat", s.handleChat)
	engine.POST("/generate-title", s.handleTitle)
	engine.GET("/health", s.handleHealth)

	engine.NoRoute(func(c *gin.Context) {
		writeError(c, http.StatusNotFound, "Not found")
	})
	return engine
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "X-Request-ID"},
		ExposeHeaders: []string{"X-Request-ID"},
		MaxAge:        12 * time.Hour,
	}
	if len(s.opts.AllowedOrigins) == 0 || slices.Contains(s.opts.AllowedOrigins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.opts.AllowedOrigins
	}
	return cfg
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// Run listens until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Streams are bounded by the upstream timeout instead.
		WriteTimeout: s.opts.UpstreamTimeout + 10*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			zap.String("addr", s.server.Addr),
			zap.String("provider", s.provider.Name()),
			zap.String("model", s.provider.Model()),
			zap.String("version", Version))
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.logger.Info("server shutting down")
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
