// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/jeranaias/calma/internal/conversation"
	"github.com/jeranaias/calma/internal/session"
	"github.com/jeranaias/calma/internal/ui/styles"
)

// =============================================================================
// LAYOUT CONSTANTS
// =============================================================================

const (
	sidebarWidth = 30
	inputLines   = 3
	headerHeight = 2
	footerHeight = 1
	borderSize   = 2
)

// Focus names the pane receiving key presses.
type Focus int

const (
	FocusInput Focus = iota
	FocusSidebar
)

// String returns the focus name.
func (f Focus) String() string {
	if f == FocusSidebar {
		return "sidebar"
	}
	return "input"
}

// =============================================================================
// MODEL
// =============================================================================

// Model is the Bubble Tea model for the full-screen interface. It holds no
// conversation state of its own: every render reads the repository.
type Model struct {
	ctx     context.Context
	ctrl    *session.Controller
	logger  *zap.Logger
	theme   *styles.Theme
	keys    KeyMap
	refresh *Refresher

	viewport viewport.Model
	input    textarea.Model
	spinner  spinner.Model
	help     help.Model

	// Snapshot of the repository taken on the last refresh.
	list     []conversation.Conversation
	activeID string
	state    session.State

	focus  Focus
	cursor int
	notice string

	width  int
	height int
	ready  bool
}

// New creates the model and registers its refresher with ctrl. ctx bounds
// every exchange started from the interface.
func New(ctx context.Context, ctrl *session.Controller, logger *zap.Logger) Model {
	if logger == nil {
		logger = zap.NewNop()
	}

	ta := textarea.New()
	ta.Placeholder = "¿Cómo te sientes hoy?"
	ta.ShowLineNumbers = false
	ta.Prompt = ""
	ta.CharLimit = 0
	ta.SetHeight(inputLines)
	keys := DefaultKeyMap()
	ta.KeyMap.InsertNewline = keys.Newline
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	m := Model{
		ctx:      ctx,
		ctrl:     ctrl,
		logger:   logger,
		theme:    styles.NewTheme(),
		keys:     keys,
		refresh:  NewRefresher(DefaultMaxFPS),
		viewport: viewport.New(80, 20),
		input:    ta,
		spinner:  sp,
		help:     help.New(),
	}
	sp.Style = m.theme.Typing
	m.spinner = sp

	ctrl.OnUpdate(m.refresh.Notify)
	m.reload()
	return m
}

// Init starts the cursor blink, the spinner and the refresh loop.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		textarea.Blink,
		m.spinner.Tick,
		m.refresh.Next(m.ctx),
	)
}

// =============================================================================
// REPOSITORY SNAPSHOT
// =============================================================================

// reload re-reads the repository and re-renders the transcript. The viewport
// stays pinned to the bottom unless the user scrolled up.
func (m *Model) reload() {
	repo := m.ctrl.Repository()
	m.list = repo.List()
	m.state, m.activeID = m.ctrl.State()

	if m.cursor >= len(m.list) {
		m.cursor = max(len(m.list)-1, 0)
	}

	follow := m.viewport.AtBottom() || m.viewport.TotalLineCount() == 0
	m.viewport.SetContent(m.renderTranscript())
	if follow {
		m.viewport.GotoBottom()
	}
}

// active returns the active conversation from the snapshot.
func (m Model) active() (conversation.Conversation, bool) {
	if m.activeID == "" {
		return conversation.Conversation{}, false
	}
	for _, c := range m.list {
		if c.ID == m.activeID {
			return c, true
		}
	}
	return conversation.Conversation{}, false
}

// =============================================================================
// LAYOUT
// =============================================================================

func (m *Model) resize(width, height int) {
	m.width, m.height = width, height
	m.help.Width = width

	bodyHeight := height - headerHeight - footerHeight - (inputLines + borderSize)
	m.viewport.Height = max(bodyHeight-borderSize, 1)
	m.viewport.Width = max(m.transcriptWidth(), 1)
	m.input.SetWidth(max(width-borderSize, 1))
	m.ready = true

	m.viewport.SetContent(m.renderTranscript())
	m.viewport.GotoBottom()
}

func (m Model) showSidebar() bool {
	return styles.LayoutFor(m.width) == styles.LayoutWide
}

// transcriptWidth is the usable width inside the transcript pane.
func (m Model) transcriptWidth() int {
	w := m.width - borderSize
	if m.showSidebar() {
		w -= sidebarWidth
	}
	return w
}

// =============================================================================
// ENTRY POINT
// =============================================================================

// Run runs the interface until the user quits or ctx is done.
func Run(ctx context.Context, ctrl *session.Controller, logger *zap.Logger) error {
	p := tea.NewProgram(
		New(ctx, ctrl, logger),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			p.Send(tea.QuitMsg{})
		case <-done:
		}
	}()

	_, err := p.Run()
	return err
}
