// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

// DefaultBufferSize is the read size used when Reducer.BufferSize is zero.
const DefaultBufferSize = 4096

// EmitFunc receives the full accumulated text after each chunk.
type EmitFunc func(text string)

// =============================================================================
// REDUCER
// =============================================================================

// Reducer accumulates a text stream. The zero value is ready to use.
type Reducer struct {
	// BufferSize is the maximum number of bytes read per chunk.
	BufferSize int

	// Logger receives per-stream debug statistics. Nil disables logging.
	Logger *zap.Logger
}

// Run reads r until EOF, calling emit with the accumulated text each time new
// text arrives. Emits happen on the calling goroutine, one at a time.
//
// On success Run returns the complete text. On cancellation or a read error it
// returns a *Error carrying whatever text had accumulated.
func (d *Reducer) Run(ctx context.Context, r io.Reader, emit EmitFunc) (string, error) {
	size := d.BufferSize
	if size <= 0 {
		size = DefaultBufferSize
	}
	if emit == nil {
		emit = func(string) {}
	}

	var (
		acc     strings.Builder
		pending []byte
		buf     = make([]byte, size)
		chunks  int
		start   = time.Now()
	)

	for {
		if err := ctx.Err(); err != nil {
			return "", &Error{Partial: acc.String(), Err: err}
		}

		n, err := r.Read(buf)
		if n > 0 {
			chunks++
			data := append(pending, buf[:n]...)
			cut := completeLen(data)
			if cut > 0 {
				acc.WriteString(strings.ToValidUTF8(string(data[:cut]), string(utf8.RuneError)))
				emit(acc.String())
			}
			pending = append([]byte(nil), data[cut:]...)
		}

		if errors.Is(err, io.EOF) {
			if len(pending) > 0 {
				// Truncated rune at end of stream.
				acc.WriteString(strings.ToValidUTF8(string(pending), string(utf8.RuneError)))
				emit(acc.String())
			}
			d.logDone(chunks, acc.Len(), start)
			return acc.String(), nil
		}
		if err != nil {
			// A cancelled request surfaces as a read error; prefer the context cause.
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			return "", &Error{Partial: acc.String(), Err: err}
		}
	}
}

func (d *Reducer) logDone(chunks, bytes int, start time.Time) {
	if d.Logger == nil {
		return
	}
	d.Logger.Debug("stream complete",
		zap.Int("chunks", chunks),
		zap.Int("bytes", bytes),
		zap.Duration("elapsed", time.Since(start)))
}

// completeLen returns the length of the longest prefix of b that does not end
// in the middle of a multi-byte rune.
func completeLen(b []byte) int {
	for i := len(b) - 1; i >= 0 && i >= len(b)-utf8.UTFMax; i-- {
		if utf8.RuneStart(b[i]) {
			if utf8.FullRune(b[i:]) {
				return len(b)
			}
			return i
		}
	}
	return len(b)
}

// =============================================================================
// ERRORS
// =============================================================================

// Error reports a stream that ended before EOF.
type Error struct {
	// Partial is the text accumulated before the failure.
	Partial string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return "stream interrupted: " + e.Err.Error()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}
