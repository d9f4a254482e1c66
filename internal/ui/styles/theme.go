// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package styles

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
)

// Theme holds all the styled components for the application.
type Theme struct {
	ColorProfile termenv.Profile

	// ==========================================================================
	// LAYOUT
	// ==========================================================================

	Header      lipgloss.Style
	HeaderTitle lipgloss.Style
	Pane        lipgloss.Style
	PaneFocused lipgloss.Style
	Footer      lipgloss.Style

	// ==========================================================================
	// SIDEBAR
	// ==========================================================================

	SidebarItem     lipgloss.Style
	SidebarSelected lipgloss.Style
	SidebarActive   lipgloss.Style
	SidebarDate     lipgloss.Style

	// ==========================================================================
	// MESSAGES
	// ==========================================================================

	UserName lipgloss.Style
	UserText lipgloss.Style
	BotName  lipgloss.Style
	BotText  lipgloss.Style
	Typing   lipgloss.Style
	Failed   lipgloss.Style
	Notice   lipgloss.Style
	Muted    lipgloss.Style
}

// NewTheme creates a theme for the terminal's color profile.
func NewTheme() *Theme {
	t := &Theme{ColorProfile: termenv.ColorProfile()}
	t.initStyles()
	return t
}

func (t *Theme) initStyles() {
	t.Header = lipgloss.NewStyle().
		Padding(0, 1).
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		BorderForeground(Overlay)
	t.HeaderTitle = lipgloss.NewStyle().Bold(true).Foreground(Lavender)

	t.Pane = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(Overlay)
	t.PaneFocused = t.Pane.BorderForeground(Sky)
	t.Footer = lipgloss.NewStyle().Padding(0, 1).Foreground(TextMuted)

	t.SidebarItem = lipgloss.NewStyle().Padding(0, 1).Foreground(TextPrimary)
	t.SidebarSelected = t.SidebarItem.Background(SurfaceBright).Bold(true)
	t.SidebarActive = lipgloss.NewStyle().Foreground(Sage)
	t.SidebarDate = lipgloss.NewStyle().Padding(0, 1).Foreground(TextMuted)

	t.UserName = lipgloss.NewStyle().Bold(true).Foreground(Sky)
	t.UserText = lipgloss.NewStyle().Foreground(TextPrimary)
	t.BotName = lipgloss.NewStyle().Bold(true).Foreground(Sage)
	t.BotText = lipgloss.NewStyle().Foreground(TextPrimary)
	t.Typing = lipgloss.NewStyle().Italic(true).Foreground(TextMuted)
	t.Failed = lipgloss.NewStyle().Foreground(Rose)
	t.Notice = lipgloss.NewStyle().Foreground(Amber)
	t.Muted = lipgloss.NewStyle().Foreground(TextMuted)
}

// LayoutMode represents the current responsive layout mode.
type LayoutMode int

const (
	LayoutNarrow LayoutMode = iota // < 70 columns, sidebar hidden
	LayoutWide
)

// LayoutFor returns the layout mode for a terminal width.
func LayoutFor(width int) LayoutMode {
	if width < 70 {
		return LayoutNarrow
	}
	return LayoutWide
}
