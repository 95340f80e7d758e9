// Package console implements the pared-down UEFI Simple Text Output
// protocol (spec.md C8/ConOut): a one-way sink the orchestrator and boot
// menu write status lines to, styled with the same ANSI escape helpers
// (github.com/charmbracelet/x/ansi) the rest of the corpus uses to drive
// a terminal.
package console

import (
	"fmt"
	"io"

	"github.com/charmbracelet/x/ansi"
)

// Output is the Simple Text Output protocol surface: OutputString, ClearScreen,
// and SetCursorPosition, backed by an io.Writer sink (a serial port or host
// stdout in this firmware's test harness).
type Output struct {
	w io.Writer
}

// New wraps w as a Simple Text Output sink.
func New(w io.Writer) *Output {
	return &Output{w: w}
}

// OutputString writes s verbatim, translating bare "\n" to "\r\n" per the
// UEFI console convention.
func (o *Output) OutputString(s string) {
	var prev rune
	for _, r := range s {
		if r == '\n' && prev != '\r' {
			io.WriteString(o.w, "\r\n")
		} else {
			io.WriteString(o.w, string(r))
		}
		prev = r
	}
}

// ClearScreen erases the entire display and homes the cursor.
func (o *Output) ClearScreen() {
	io.WriteString(o.w, ansi.EraseEntireDisplay)
	o.SetCursorPosition(0, 0)
}

// SetCursorPosition moves the cursor to (col, row), 0-indexed.
func (o *Output) SetCursorPosition(col, row int) {
	io.WriteString(o.w, ansi.CursorPosition(row+1, col+1))
}

// Status writes a step-name line the way a real firmware prints progress
// to serial during boot (spec.md C11's orchestrator steps).
func (o *Output) Status(step string, args ...any) {
	fmt.Fprintf(o.w, "[boot] %s\n", fmt.Sprintf(step, args...))
}
