// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jeranaias/calma/internal/conversation"
	"github.com/jeranaias/calma/internal/session"
	"github.com/jeranaias/calma/internal/util"
)

const welcomeText = "Este es un espacio tranquilo para hablar.\nEscribe abajo y pulsa Enter para empezar una conversación."

// =============================================================================
// VIEW
// =============================================================================

// View renders the header, the panes and the footer.
func (m Model) View() string {
	if !m.ready {
		return "Cargando…"
	}

	transcriptStyle := m.theme.Pane
	if m.focus == FocusInput {
		transcriptStyle = m.theme.PaneFocused
	}
	transcript := transcriptStyle.
		Width(m.viewport.Width).
		Height(m.viewport.Height).
		Render(m.viewport.View())

	body := transcript
	if m.showSidebar() {
		body = lipgloss.JoinHorizontal(lipgloss.Top, m.renderSidebar(), transcript)
	} else if m.focus == FocusSidebar {
		body = m.renderSidebar()
	}

	input := m.theme.Pane.Render(m.input.View())

	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		body,
		input,
		m.renderFooter(),
	)
}

func (m Model) renderHeader() string {
	title := "nueva conversación"
	if conv, ok := m.active(); ok {
		title = conv.Title
	}
	status := ""
	if m.state == session.Sending {
		status = m.theme.Typing.Render("  " + m.spinner.View() + " escribiendo")
	}
	line := m.theme.HeaderTitle.Render("calma") + m.theme.Muted.Render("  ·  ") +
		util.Truncate(util.SingleLine(title), max(m.width-30, 10)) + status
	return m.theme.Header.Width(max(m.width-borderSize, 1)).Render(line)
}

func (m Model) renderFooter() string {
	if m.help.ShowAll {
		return m.theme.Footer.Render(m.help.View(m.keys))
	}
	if m.notice != "" {
		return m.theme.Footer.Render(m.theme.Notice.Render(m.notice))
	}
	return m.theme.Footer.Render(m.help.View(m.keys))
}

// renderSidebar lists conversations with the cursor and the active marker.
func (m Model) renderSidebar() string {
	inner := sidebarWidth - borderSize
	height := m.viewport.Height

	var rows []string
	if len(m.list) == 0 {
		rows = append(rows, m.theme.SidebarDate.Render("Sin conversaciones"))
	}
	for i, c := range m.list {
		marker := "  "
		if c.ID == m.activeID {
			marker = m.theme.SidebarActive.Render("● ")
		}
		name := util.PadRight(util.Truncate(util.SingleLine(c.Title), inner-4), inner-4)
		style := m.theme.SidebarItem
		if m.focus == FocusSidebar && i == m.cursor {
			style = m.theme.SidebarSelected
		}
		rows = append(rows, style.Render(marker+name))
		rows = append(rows, m.theme.SidebarDate.Render(sidebarSubtitle(c, inner-2)))
	}

	// Keep the cursor row visible.
	if len(rows) > height && height > 0 {
		start := min(max(m.cursor*2-height/2, 0), len(rows)-height)
		rows = rows[start : start+height]
	}

	style := m.theme.Pane
	if m.focus == FocusSidebar {
		style = m.theme.PaneFocused
	}
	return style.Width(inner).Height(height).Render(strings.Join(rows, "\n"))
}

// sidebarSubtitle is the date, followed by the opening line of the chat
// when there is one.
func sidebarSubtitle(c conversation.Conversation, width int) string {
	sub := c.Date
	if preview := c.Preview(); preview != "" {
		sub += " · " + preview
	}
	return util.Truncate(sub, width)
}

// renderTranscript renders the active conversation for the viewport.
func (m Model) renderTranscript() string {
	conv, ok := m.active()
	if !ok || len(conv.Messages) == 0 {
		return m.theme.Muted.Render(welcomeText)
	}

	width := max(m.viewport.Width-2, 10)

	var b strings.Builder
	for i, msg := range conv.Messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(m.renderMessage(msg, width))
	}
	return b.String()
}

func (m Model) renderMessage(msg conversation.Message, width int) string {
	if msg.Sender == conversation.SenderUser {
		return fmt.Sprintf("%s\n%s",
			m.theme.UserName.Render(msg.Sender.DisplayName()),
			m.theme.UserText.Width(width).Render(msg.Text))
	}

	name := m.theme.BotName.Render(msg.Sender.DisplayName())
	switch {
	case msg.IsTyping && msg.Text == "":
		return fmt.Sprintf("%s\n%s", name, m.theme.Typing.Render(m.spinner.View()+" escribiendo…"))
	case msg.IsTyping:
		return fmt.Sprintf("%s\n%s %s", name, m.theme.BotText.Width(width).Render(msg.Text), m.spinner.View())
	case msg.Text == conversation.ErrorText:
		return fmt.Sprintf("%s\n%s", name, m.theme.Failed.Width(width).Render(msg.Text))
	default:
		return fmt.Sprintf("%s\n%s", name, m.theme.BotText.Width(width).Render(msg.Text))
	}
}
