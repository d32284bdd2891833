// Package ui renders daemon state for the terminal.
package ui

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"golang.org/x/term"
)

// Colors reports whether colored output should be used.
// Respects NO_COLOR and the --no-color flag.
func Colors(noColorFlag bool) bool {
	if noColorFlag || os.Getenv("NO_COLOR") != "" {
		return false
	}
	return termenv.NewOutput(os.Stdout).ColorProfile() != termenv.Ascii
}

// IsTerminal reports whether stdout is a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// IsInteractive reports whether both stdin and stdout are terminals.
func IsInteractive() bool {
	return IsTerminal() && term.IsTerminal(int(os.Stdin.Fd()))
}

// Styles holds the styles used across renderers.
type Styles struct {
	Title     lipgloss.Style
	Container lipgloss.Style
	Asset     lipgloss.Style
	Dim       lipgloss.Style
	OK        lipgloss.Style
	Warn      lipgloss.Style
	Error     lipgloss.Style
	Header    lipgloss.Style
}

// NewStyles returns styles bound to w. Without color every style renders plain text.
func NewStyles(w io.Writer, color bool) Styles {
	r := lipgloss.NewRenderer(w)
	if !color {
		r.SetColorProfile(termenv.Ascii)
	}
	return Styles{
		Title:     r.NewStyle().Bold(true),
		Container: r.NewStyle().Foreground(lipgloss.Color("12")).Bold(true),
		Asset:     r.NewStyle(),
		Dim:       r.NewStyle().Foreground(lipgloss.Color("8")),
		OK:        r.NewStyle().Foreground(lipgloss.Color("10")),
		Warn:      r.NewStyle().Foreground(lipgloss.Color("11")),
		Error:     r.NewStyle().Foreground(lipgloss.Color("9")),
		Header:    r.NewStyle().Bold(true).Underline(true),
	}
}

// TerminalWidth returns the width of stdout, or 80 when it is not a terminal.
func TerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 80
	}
	return width
}
