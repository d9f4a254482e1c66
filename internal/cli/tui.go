// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// tui.go - `calma tui`, the full-screen interface.

package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jeranaias/calma/internal/ui/chat"
)

func newTUICommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:         "tui",
		Short:       "Open the full-screen interface",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationLogToFile: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := RequiresTTY("open the full-screen interface"); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ctrl, trigger, err := app.Controller(ctx)
			if err != nil {
				return err
			}

			// Replies still streaming when the interface closes are cancelled
			// and recorded as failed; titles already requested may finish.
			sendCtx, cancelSends := context.WithCancel(ctx)
			err = chat.Run(sendCtx, ctrl, app.Logger)
			cancelSends()

			ctrl.Wait()
			trigger.Wait()
			return err
		},
	}
}
