// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package styles provides the visual styling system for the calma TUI.
// All colors use Lip Gloss AdaptiveColor for automatic light/dark detection.
package styles

import "github.com/charmbracelet/lipgloss"

// =============================================================================
// ACCENT COLORS
// =============================================================================

// Sage - Primary accent, Calma's replies, the active conversation
var Sage = lipgloss.AdaptiveColor{Light: "#3F7D5B", Dark: "#9FD8B5"}

// Sky - User messages, focused borders
var Sky = lipgloss.AdaptiveColor{Light: "#2B6CB0", Dark: "#90CDF4"}

// Lavender - Headers and titles
var Lavender = lipgloss.AdaptiveColor{Light: "#6B46C1", Dark: "#C4B5FD"}

// =============================================================================
// SEMANTIC COLORS
// =============================================================================

// Rose - Failed replies and error notices
var Rose = lipgloss.AdaptiveColor{Light: "#C53030", Dark: "#FEB2B2"}

// Amber - Transient notices
var Amber = lipgloss.AdaptiveColor{Light: "#B7791F", Dark: "#F6E05E"}

// =============================================================================
// SURFACE AND TEXT
// =============================================================================

// Overlay - Borders and separators
var Overlay = lipgloss.AdaptiveColor{Light: "#CBD5E0", Dark: "#4A5568"}

// SurfaceBright - Selected row background
var SurfaceBright = lipgloss.AdaptiveColor{Light: "#EDF2F7", Dark: "#2D3748"}

// TextPrimary - Main body text
var TextPrimary = lipgloss.AdaptiveColor{Light: "#1A202C", Dark: "#E2E8F0"}

// TextMuted - Dates, hints, the typing indicator
var TextMuted = lipgloss.AdaptiveColor{Light: "#718096", Dark: "#A0AEC0"}
