// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// terminal.go - Terminal detection for calma commands.
//
// Colours and markdown rendering are only used when the output is a terminal,
// so `calma show 12 > chat.txt` produces clean text.

package cli

import (
	"io"
	"os"
	"sync"

	"github.com/muesli/termenv"
	"golang.org/x/term"
)

const (
	// defaultWidth is used when the output is not a terminal.
	defaultWidth = 80

	// minWidth keeps wrapped replies readable in very narrow panes.
	minWidth = 40
)

// fileDescriptor is satisfied by *os.File.
type fileDescriptor interface {
	Fd() uintptr
}

// isTerminal reports whether v is a file attached to a terminal.
func isTerminal(v any) bool {
	f, ok := v.(fileDescriptor)
	return ok && term.IsTerminal(int(f.Fd()))
}

// IsTTY reports whether stdin is a terminal.
func IsTTY() bool {
	return isTerminal(os.Stdin)
}

// outputWidth returns the column count of w, or defaultWidth when w is not
// a terminal.
func outputWidth(w io.Writer) int {
	f, ok := w.(fileDescriptor)
	if !ok {
		return defaultWidth
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return defaultWidth
	}
	return max(width, minWidth)
}

// colorProfile honours NO_COLOR (https://no-color.org/) and FORCE_COLOR
// before falling back to stdout detection. It is resolved once.
var colorProfile = sync.OnceValue(func() termenv.Profile {
	switch {
	case os.Getenv("NO_COLOR") != "":
		return termenv.Ascii
	case os.Getenv("FORCE_COLOR") != "":
		return termenv.ANSI256
	case !isTerminal(os.Stdout):
		return termenv.Ascii
	}
	return termenv.ColorProfile()
})

// RequiresTTY returns a TTYRequiredError when stdin is not a terminal.
func RequiresTTY(operation string) error {
	if !IsTTY() {
		return &TTYRequiredError{Operation: operation}
	}
	return nil
}

// TTYRequiredError is returned by interactive commands run without a terminal.
type TTYRequiredError struct {
	Operation string
}

func (e *TTYRequiredError) Error() string {
	return "stdin is not a terminal; cannot " + e.Operation
}
