// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"errors"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	"github.com/jeranaias/calma/internal/session"
)

// Notices shown in the footer.
const (
	noticeBusy    = "Calma todavía está respondiendo en esta conversación."
	noticeNew     = "Nueva conversación. Escribe para empezar."
	noticeDeleted = "Conversación eliminada."
)

// =============================================================================
// UPDATE
// =============================================================================

// Update handles all Bubble Tea messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case RefreshMsg:
		m.reload()
		return m, m.refresh.Next(m.ctx)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		if m.state == session.Sending {
			// The spinner frame is part of the transcript.
			m.viewport.SetContent(m.renderTranscript())
		}
		return m, cmd

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil
	case key.Matches(msg, m.keys.New):
		return m.startNew()
	case key.Matches(msg, m.keys.Focus):
		return m.toggleFocus()
	case key.Matches(msg, m.keys.PageUp):
		m.viewport.HalfViewUp()
		return m, nil
	case key.Matches(msg, m.keys.PageDown):
		m.viewport.HalfViewDown()
		return m, nil
	}

	if m.focus == FocusSidebar {
		return m.handleSidebarKey(msg)
	}
	return m.handleInputKey(msg)
}

func (m Model) handleInputKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Submit) {
		return m.submit()
	}
	if key.Matches(msg, m.keys.Back) {
		if m.notice != "" {
			m.notice = ""
			return m, nil
		}
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleSidebarKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.list)-1 {
			m.cursor++
		}
	case key.Matches(msg, m.keys.Submit):
		return m.selectCursor()
	case key.Matches(msg, m.keys.Delete):
		return m.deleteCursor()
	case key.Matches(msg, m.keys.Back):
		return m.toggleFocus()
	}
	return m, nil
}

// =============================================================================
// ACTIONS
// =============================================================================

// submit hands the draft to the controller. The box is cleared only when
// the exchange actually starts.
func (m Model) submit() (tea.Model, tea.Cmd) {
	m.ctrl.SetInput(m.input.Value())
	_, err := m.ctrl.Submit(m.ctx)
	switch {
	case errors.Is(err, session.ErrEmptyMessage):
		return m, nil
	case errors.Is(err, session.ErrBusy):
		m.notice = noticeBusy
		return m, nil
	case err != nil:
		m.logger.Warn("failed to send message", zap.Error(err))
		m.notice = err.Error()
		return m, nil
	}

	m.input.Reset()
	m.notice = ""
	m.reload()
	m.viewport.GotoBottom()
	return m, nil
}

func (m Model) startNew() (tea.Model, tea.Cmd) {
	if err := m.ctrl.StartNew(); err != nil {
		m.notice = err.Error()
		return m, nil
	}
	m.notice = noticeNew
	m.reload()
	return m.focusInput()
}

func (m Model) selectCursor() (tea.Model, tea.Cmd) {
	if m.cursor >= len(m.list) {
		return m, nil
	}
	if err := m.ctrl.Select(m.list[m.cursor].ID); err != nil {
		m.notice = err.Error()
		return m, nil
	}
	m.notice = ""
	m.reload()
	m.viewport.GotoBottom()
	return m.focusInput()
}

func (m Model) deleteCursor() (tea.Model, tea.Cmd) {
	if m.cursor >= len(m.list) {
		return m, nil
	}
	if err := m.ctrl.Delete(m.list[m.cursor].ID); err != nil {
		m.notice = err.Error()
		return m, nil
	}
	m.notice = noticeDeleted
	m.reload()
	return m, nil
}

func (m Model) toggleFocus() (tea.Model, tea.Cmd) {
	if m.focus == FocusSidebar {
		return m.focusInput()
	}
	m.focus = FocusSidebar
	m.input.Blur()
	for i, c := range m.list {
		if c.ID == m.activeID {
			m.cursor = i
			break
		}
	}
	return m, nil
}

func (m Model) focusInput() (tea.Model, tea.Cmd) {
	m.focus = FocusInput
	return m, m.input.Focus()
}
