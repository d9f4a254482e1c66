// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// serve.go - `calma serve`, the chat proxy.

package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/calma/internal/config"
	"github.com/jeranaias/calma/internal/provider"
	"github.com/jeranaias/calma/internal/server"
)

func newServeCommand(app *App) *cobra.Command {
	var (
		port int
		host string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat proxy in front of the configured model provider",
		Long: `Run the chat proxy.

POST /api/chat streams a reply as plain text, POST /generate-title names a
conversation and GET /health reports status. The persona prompt is prepended
to every request; set persona.file to use your own and edit it live.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := app.Config
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, app.Logger)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", config.DefaultPort, "Listen port")
	cmd.Flags().StringVar(&host, "host", config.DefaultHost, "Listen host")
	return cmd
}

// serve runs the proxy and the persona watcher until ctx is done or either
// fails.
func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	p, err := provider.New(ctx, cfg.Provider.Name, provider.Options{
		BaseURL: cfg.Provider.BaseURL,
		APIKey:  cfg.Provider.APIKey,
		Model:   cfg.Provider.Model,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	persona, err := config.NewPersonaWatcher(cfg.Persona.File, server.DefaultPersona, logger)
	if err != nil {
		return err
	}

	srv := server.New(p, server.Options{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		Persona:         persona.Persona,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		UpstreamTimeout: cfg.UpstreamTimeout(),
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		return persona.Run(gctx)
	})
	return g.Wait()
}
