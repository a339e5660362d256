package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"
)

// Status prints one-line progress marks for interactive commands. Colors
// are dropped when the output is not a terminal.
type Status struct {
	w    io.Writer
	ok   *color.Color
	warn *color.Color
	fail *color.Color
}

// NewStatus creates a status printer writing to w. If w is nil, it
// defaults to os.Stdout.
func NewStatus(w io.Writer) *Status {
	if w == nil {
		w = os.Stdout
	}
	return &Status{
		w:    w,
		ok:   color.New(color.FgGreen),
		warn: color.New(color.FgYellow),
		fail: color.New(color.FgRed),
	}
}

// OK prints a success line.
func (s *Status) OK(format string, args ...any) {
	s.line(s.ok, "✓", format, args...)
}

// Warn prints a warning line.
func (s *Status) Warn(format string, args ...any) {
	s.line(s.warn, "!", format, args...)
}

// Fail prints a failure line.
func (s *Status) Fail(format string, args ...any) {
	s.line(s.fail, "✗", format, args...)
}

func (s *Status) line(c *color.Color, mark, format string, args ...any) {
	_, _ = c.Fprint(s.w, mark)
	fmt.Fprintf(s.w, " %s\n", fmt.Sprintf(format, args...))
}
