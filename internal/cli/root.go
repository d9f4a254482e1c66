// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// root.go - Root command, shared flags and application wiring.

package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jeranaias/calma/internal/chatapi"
	"github.com/jeranaias/calma/internal/config"
	"github.com/jeranaias/calma/internal/conversation"
	"github.com/jeranaias/calma/internal/logging"
	"github.com/jeranaias/calma/internal/session"
	"github.com/jeranaias/calma/internal/storage"
	"github.com/jeranaias/calma/internal/title"
)

// Version information (set at build time)
var (
	Version   = "0.3.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// annotationLogToFile marks commands that own the terminal; their logs go to
// the log file instead of stderr.
const annotationLogToFile = "calma/log-to-file"

// =============================================================================
// APPLICATION STATE
// =============================================================================

// App carries what every command needs once flags are parsed.
type App struct {
	configPath string
	verbose    bool

	Config *config.Config
	Logger *zap.Logger

	store storage.Store
	repo  *conversation.Repository
}

// setup loads configuration and builds the logger for cmd.
func (a *App) setup(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}

	var (
		cfg *config.Config
		err error
	)
	if a.configPath != "" {
		cfg, err = config.LoadFromPath(a.configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if a.verbose {
		cfg.Log.Verbose = true
	}
	a.Config = cfg

	opts := logging.Options{Verbose: cfg.Log.Verbose, Development: true}
	if cmd.Annotations[annotationLogToFile] == "true" {
		path, err := cfg.LogFile()
		if err != nil {
			return err
		}
		opts.File = path
		opts.Development = false
	}
	logger, err := logging.New(opts)
	if err != nil {
		return err
	}
	a.Logger = logger
	return nil
}

// Repository opens the configured store on first use.
func (a *App) Repository() (*conversation.Repository, error) {
	if a.repo != nil {
		return a.repo, nil
	}
	location, err := a.Config.StoreLocation()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(a.Config.Store.Backend, location)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", a.Config.Store.Backend, err)
	}
	a.store = store
	a.repo = conversation.NewRepository(store, a.Logger)
	return a.repo, nil
}

// Controller builds a session controller backed by the configured chat
// proxy. The returned trigger must be waited on before exit so title
// requests can finish.
func (a *App) Controller(ctx context.Context) (*session.Controller, *title.Trigger, error) {
	repo, err := a.Repository()
	if err != nil {
		return nil, nil, err
	}
	policy, err := title.ParseRetryPolicy(a.Config.Title.Retry)
	if err != nil {
		return nil, nil, err
	}

	client := chatapi.NewClient(a.Config.Client.ChatURL, a.Config.Client.APIURL).
		WithLogger(a.Logger).
		WithTitleTimeout(a.Config.TitleTimeout())
	trigger := title.NewTrigger(ctx, client, repo, policy, a.Logger)
	return session.NewController(repo, client, trigger, a.Logger), trigger, nil
}

// localController is a controller for commands that never send.
func (a *App) localController() (*session.Controller, error) {
	repo, err := a.Repository()
	if err != nil {
		return nil, err
	}
	return session.NewController(repo, nil, nil, a.Logger), nil
}

func (a *App) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil && a.Logger != nil {
			a.Logger.Warn("failed to close store", zap.Error(err))
		}
		a.store = nil
		a.repo = nil
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
}

// =============================================================================
// ROOT COMMAND
// =============================================================================

// NewRootCommand builds the calma command tree.
func NewRootCommand() *cobra.Command {
	app := &App{}

	root := &cobra.Command{
		Use:   "calma",
		Short: "A calm place to talk, in your terminal",
		Long: `calma is a supportive chat companion.

Conversations are kept on this machine and replies stream from the calma
proxy, which relays to the configured model provider.

Quick Start:
  calma serve             # run the proxy (needs GROQ_API_KEY or another provider)
  calma chat              # talk in a line-based REPL
  calma tui               # full-screen interface
  calma list              # list saved conversations`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.setup(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			app.close()
		},
	}

	root.PersistentFlags().BoolVarP(&app.verbose, "verbose", "v", false, "Enable debug logging")
	root.PersistentFlags().StringVar(&app.configPath, "config", "", "Config file (default ~/.calma/config.toml)")
	root.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	root.AddCommand(
		newChatCommand(app),
		newTUICommand(app),
		newServeCommand(app),
		newListCommand(app),
		newShowCommand(app),
		newOpenCommand(app),
		newNewCommand(app),
		newDeleteCommand(app),
		newExportCommand(app),
		newConfigCommand(app),
	)
	return root
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	root := NewRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.Execute()
}
