// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - Interactive chat command for calma.
//
// Command: chat
// Short:   Talk to Calma in a line-based REPL
//
// Interactive Commands (during chat):
//   /new                Start a new conversation
//   /list               List conversations
//   /open N             Switch to conversation N (or an id)
//   /delete N           Delete conversation N (or an id)
//   /title              Show the active conversation's title
//   /help, /h           Show available commands
//   /quit, /q           Exit chat
//   Ctrl+D              Exit chat
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/jeranaias/calma/internal/config"
	"github.com/jeranaias/calma/internal/conversation"
	"github.com/jeranaias/calma/internal/session"
	"github.com/jeranaias/calma/internal/util"
)

// =============================================================================
// INPUT HISTORY
// =============================================================================

// lineReader is the part of liner.State the REPL uses.
type lineReader interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
}

// ChatCLI provides input history and line editing for interactive chat.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

// NewChatCLI creates a ChatCLI with history loaded from ~/.calma.
func NewChatCLI() *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	configDir, err := config.ConfigDir()
	if err != nil {
		configDir = os.TempDir()
	}
	c := &ChatCLI{
		line:        line,
		historyFile: filepath.Join(configDir, "chat_history"),
	}
	if f, err := os.Open(c.historyFile); err == nil {
		_, _ = c.line.ReadHistory(f)
		f.Close()
	}
	return c
}

// Prompt reads one line.
func (c *ChatCLI) Prompt(prompt string) (string, error) {
	return c.line.Prompt(prompt)
}

// AppendHistory records a line for arrow-key recall.
func (c *ChatCLI) AppendHistory(item string) {
	c.line.AppendHistory(item)
}

// Close saves history with 0600 permissions and restores the terminal.
func (c *ChatCLI) Close() {
	if err := os.MkdirAll(filepath.Dir(c.historyFile), 0o755); err == nil {
		if f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
			_, _ = c.line.WriteHistory(f)
			f.Close()
		}
	}
	c.line.Close()
}

// =============================================================================
// REPL
// =============================================================================

// promptTitleWidth bounds the conversation title shown in the prompt.
const promptTitleWidth = 24

// errQuit ends the loop without an error.
var errQuit = errors.New("quit")

// repl drives a session controller from typed lines.
type repl struct {
	ctrl *session.Controller
	in   lineReader
	out  io.Writer

	// printed tracks how much of the streaming reply is already on screen.
	mu      sync.Mutex
	current string
	printed int
}

func newREPL(ctrl *session.Controller, in lineReader, out io.Writer) *repl {
	r := &repl{ctrl: ctrl, in: in, out: out}
	ctrl.OnUpdate(r.onUpdate)
	return r
}

// onUpdate prints the newly streamed suffix of the reply being watched.
func (r *repl) onUpdate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == "" || id != r.current {
		return
	}
	conv, ok := r.ctrl.Repository().Get(id)
	if !ok {
		return
	}
	last, ok := conv.LastMessage()
	if !ok || !last.IsTyping {
		return
	}
	if len(last.Text) > r.printed {
		fmt.Fprint(r.out, last.Text[r.printed:])
		r.printed = len(last.Text)
	}
}

// loop reads until /quit, EOF or ctx is done.
func (r *repl) loop(ctx context.Context) error {
	r.welcome()
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := r.in.Prompt(r.prompt())
		if errors.Is(err, io.EOF) || errors.Is(err, liner.ErrPromptAborted) {
			fmt.Fprintln(r.out)
			return nil
		}
		if err != nil {
			return err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.in.AppendHistory(line)

		if strings.HasPrefix(line, "/") {
			err = r.command(line)
		} else {
			err = r.send(ctx, line)
		}
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			fmt.Fprintln(r.out, ErrorStyle.Render(err.Error()))
		}
	}
}

func (r *repl) prompt() string {
	if conv, ok := r.ctrl.Repository().Active(); ok {
		return util.Truncate(util.SingleLine(conv.Title), promptTitleWidth) + " › "
	}
	return "nueva › "
}

// send runs one exchange and blocks until the reply is final.
func (r *repl) send(ctx context.Context, text string) error {
	r.mu.Lock()
	r.printed = 0
	r.current = ""
	r.mu.Unlock()

	fmt.Fprint(r.out, BotStyle.Render(conversation.SenderBot.DisplayName()+":")+" ")

	ex, err := r.ctrl.Send(ctx, text)
	if err != nil {
		fmt.Fprintln(r.out)
		return err
	}

	// Catch up on anything written before current was set.
	r.mu.Lock()
	r.current = ex.ConversationID()
	r.mu.Unlock()
	r.onUpdate(ex.ConversationID())

	err = ex.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = ""
	if err != nil {
		if r.printed > 0 {
			fmt.Fprintln(r.out)
		}
		fmt.Fprintln(r.out, ErrorStyle.Render(conversation.ErrorText))
		return nil
	}
	if final := ex.Text(); len(final) > r.printed {
		fmt.Fprint(r.out, final[r.printed:])
	}
	fmt.Fprint(r.out, "\n\n")
	return nil
}

func (r *repl) command(line string) error {
	fields := strings.Fields(line)
	name, args := strings.ToLower(fields[0]), fields[1:]
	repo := r.ctrl.Repository()

	switch name {
	case "/help", "/h", "/?":
		r.help()
	case "/quit", "/q", "/exit":
		return errQuit
	case "/new", "/n":
		if err := r.ctrl.StartNew(); err != nil {
			return err
		}
		fmt.Fprintln(r.out, DimStyle.Render("Nueva conversación. Escribe para empezar."))
	case "/list", "/l":
		writeList(r.out, repo)
	case "/open", "/o":
		if len(args) != 1 {
			return fmt.Errorf("usage: /open N")
		}
		conv, err := resolveConversation(repo, args[0])
		if err != nil {
			return err
		}
		if err := r.ctrl.Select(conv.ID); err != nil {
			return err
		}
		conv, _ = repo.Get(conv.ID)
		writeConversation(r.out, conv)
	case "/delete", "/d":
		if len(args) != 1 {
			return fmt.Errorf("usage: /delete N")
		}
		conv, err := resolveConversation(repo, args[0])
		if err != nil {
			return err
		}
		if err := r.ctrl.Delete(conv.ID); err != nil {
			return err
		}
		fmt.Fprintf(r.out, "%s %s\n", SuccessStyle.Render("Eliminada:"), conv.Title)
	case "/title", "/t":
		conv, ok := repo.Active()
		if !ok {
			fmt.Fprintln(r.out, DimStyle.Render("Sin conversación activa."))
			return nil
		}
		fmt.Fprintln(r.out, TitleStyle.Render(conv.Title))
	default:
		return fmt.Errorf("unknown command: %s (type /help for commands)", name)
	}
	return nil
}

func (r *repl) welcome() {
	fmt.Fprintln(r.out, TitleStyle.Render("calma"))
	fmt.Fprintln(r.out, RenderSeparator(30))
	if conv, ok := r.ctrl.Repository().Active(); ok {
		fmt.Fprintf(r.out, "%s %s\n", DimStyle.Render("Continuando:"), conv.Title)
	}
	fmt.Fprintln(r.out, DimStyle.Render("Escribe tu mensaje y pulsa Enter. Comandos: /help, /quit"))
	fmt.Fprintln(r.out)
}

func (r *repl) help() {
	commands := []struct{ cmd, desc string }{
		{"/new", "Empezar una conversación nueva"},
		{"/list", "Ver conversaciones"},
		{"/open N", "Abrir la conversación N"},
		{"/delete N", "Eliminar la conversación N"},
		{"/title", "Ver el título de la conversación activa"},
		{"/help", "Mostrar esta ayuda"},
		{"/quit", "Salir"},
	}
	fmt.Fprintln(r.out)
	for _, c := range commands {
		fmt.Fprintf(r.out, "  %s  %s\n", UserStyle.Render(fmt.Sprintf("%-10s", c.cmd)), DimStyle.Render(c.desc))
	}
	fmt.Fprintln(r.out)
}

// =============================================================================
// COMMAND
// =============================================================================

func newChatCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:         "chat",
		Short:       "Talk to Calma in a line-based REPL",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationLogToFile: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ctrl, trigger, err := app.Controller(ctx)
			if err != nil {
				return err
			}

			input := NewChatCLI()
			err = newREPL(ctrl, input, cmd.OutOrStdout()).loop(ctx)
			input.Close()

			ctrl.Wait()
			trigger.Wait()
			fmt.Fprintln(cmd.OutOrStdout(), DimStyle.Render("Cuídate. Hasta pronto."))
			return err
		},
	}
}
