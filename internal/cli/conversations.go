// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// conversations.go - list, show, open, new, delete and export.

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeranaias/calma/internal/conversation"
	"github.com/jeranaias/calma/internal/export"
	"github.com/jeranaias/calma/internal/util"
)

// listTitleWidth is the display width reserved for titles in listings.
const listTitleWidth = 36

// resolveConversation accepts either a conversation id or a 1-based index
// into the most-recent-first listing.
func resolveConversation(repo *conversation.Repository, ref string) (conversation.Conversation, error) {
	if conv, ok := repo.Get(ref); ok {
		return conv, nil
	}
	if n, err := strconv.Atoi(ref); err == nil {
		list := repo.List()
		if n >= 1 && n <= len(list) {
			return list[n-1], nil
		}
	}
	return conversation.Conversation{}, fmt.Errorf("conversation %q: %w", ref, conversation.ErrNotFound)
}

// conversationSummary is the --json form of a listing row.
type conversationSummary struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Title    string `json:"title"`
	Date     string `json:"date"`
	Messages int    `json:"messages"`
	Active   bool   `json:"active"`
}

// writeList prints the numbered listing used by `list` and the REPL.
func writeList(w io.Writer, repo *conversation.Repository) {
	list := repo.List()
	if len(list) == 0 {
		fmt.Fprintln(w, DimStyle.Render("No hay conversaciones todavía."))
		return
	}
	active := repo.ActiveID()
	for i, c := range list {
		marker := " "
		if c.ID == active {
			marker = ActiveStyle.Render("●")
		}
		name := util.PadRight(util.Truncate(util.SingleLine(c.Title), listTitleWidth), listTitleWidth)
		fmt.Fprintf(w, "%3d. %s %s  %s  %s\n",
			i+1, marker, TitleStyle.Render(name),
			DimStyle.Render(c.Date),
			DimStyle.Render(fmt.Sprintf("%d mensajes", len(c.Messages))))
	}
}

// writeConversation prints a transcript, rendering bot replies as markdown
// when stdout is a terminal.
func writeConversation(w io.Writer, conv conversation.Conversation) {
	width := outputWidth(w)
	renderer := newMarkdownRenderer(w)

	fmt.Fprintln(w, TitleStyle.Render(conv.Title))
	fmt.Fprintln(w, DimStyle.Render(conv.Date))
	fmt.Fprintln(w, RenderSeparator(min(width, 60)))

	for _, m := range conv.Messages {
		switch {
		case m.Sender == conversation.SenderUser:
			fmt.Fprintf(w, "%s %s\n\n", UserStyle.Render(m.Sender.DisplayName()+":"), m.Text)
		case m.IsTyping:
			fmt.Fprintf(w, "%s %s\n\n", BotStyle.Render(m.Sender.DisplayName()+":"), DimStyle.Render(m.Text+"…"))
		case m.Text == conversation.ErrorText:
			fmt.Fprintf(w, "%s %s\n\n", BotStyle.Render(m.Sender.DisplayName()+":"), ErrorStyle.Render(m.Text))
		default:
			fmt.Fprintln(w, BotStyle.Render(m.Sender.DisplayName()+":"))
			fmt.Fprintln(w, strings.TrimRight(renderMarkdown(renderer, m.Text), "\n"))
			fmt.Fprintln(w)
		}
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

func newListCommand(app *App) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List saved conversations, most recent first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := app.Repository()
			if err != nil {
				return err
			}
			if !asJSON {
				writeList(cmd.OutOrStdout(), repo)
				return nil
			}

			active := repo.ActiveID()
			rows := []conversationSummary{}
			for i, c := range repo.List() {
				rows = append(rows, conversationSummary{
					Index: i + 1, ID: c.ID, Title: c.Title, Date: c.Date,
					Messages: len(c.Messages), Active: c.ID == active,
				})
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rows)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newShowCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show [id|N]",
		Short: "Print a conversation (default: the active one)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := app.Repository()
			if err != nil {
				return err
			}
			var conv conversation.Conversation
			if len(args) == 1 {
				conv, err = resolveConversation(repo, args[0])
				if err != nil {
					return err
				}
			} else {
				var ok bool
				if conv, ok = repo.Active(); !ok {
					return fmt.Errorf("no active conversation; pass an id or index (see 'calma list')")
				}
			}
			writeConversation(cmd.OutOrStdout(), conv)
			return nil
		},
	}
}

func newOpenCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "open <id|N>",
		Short: "Make a conversation the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := app.localController()
			if err != nil {
				return err
			}
			conv, err := resolveConversation(ctrl.Repository(), args[0])
			if err != nil {
				return err
			}
			if err := ctrl.Select(conv.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", SuccessStyle.Render("Activa:"), conv.Title)
			return nil
		},
	}
}

func newNewCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "new",
		Short: "Start fresh: the next message opens a new conversation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := app.localController()
			if err != nil {
				return err
			}
			if err := ctrl.StartNew(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), DimStyle.Render("Lista para una nueva conversación."))
			return nil
		},
	}
}

func newDeleteCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id|N>",
		Aliases: []string{"rm"},
		Short:   "Delete a conversation",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctrl, err := app.localController()
			if err != nil {
				return err
			}
			conv, err := resolveConversation(ctrl.Repository(), args[0])
			if err != nil {
				return err
			}
			if err := ctrl.Delete(conv.ID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", SuccessStyle.Render("Eliminada:"), conv.Title)
			return nil
		},
	}
}

func newExportCommand(app *App) *cobra.Command {
	var (
		format     string
		outputPath string
		noMeta     bool
	)
	cmd := &cobra.Command{
		Use:   "export <id|N>",
		Short: "Export a conversation as md, json, yaml or html",
		Long: `Export a conversation. Without -o the document is written to stdout.

Formats: ` + strings.Join(export.Formats, ", "),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := app.Repository()
			if err != nil {
				return err
			}
			conv, err := resolveConversation(repo, args[0])
			if err != nil {
				return err
			}

			opts := export.DefaultOptions()
			opts.IncludeMetadata = !noMeta
			exporter, err := export.New(format, opts)
			if err != nil {
				return err
			}

			if outputPath == "" || outputPath == "-" {
				data, err := exporter.Export(conv)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}

			path, err := export.ExportToFile(conv, exporter, "", outputPath)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Exported to %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "md", "Output format: "+strings.Join(export.Formats, ", "))
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file (default stdout)")
	cmd.Flags().BoolVar(&noMeta, "no-metadata", false, "Omit frontmatter and export stamp")
	return cmd
}
