package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Table renders rows under a header with columns padded to their widest cell.
// Cells in the last column are truncated to fit MaxWidth.
type Table struct {
	Headers  []string
	Rows     [][]string
	MaxWidth int
}

// AddRow adds a row.
func (t *Table) AddRow(cells ...string) {
	t.Rows = append(t.Rows, cells)
}

// Render draws the table.
func (t *Table) Render(styles Styles) string {
	if len(t.Headers) == 0 {
		return ""
	}
	widths := make([]int, len(t.Headers))
	for i, h := range t.Headers {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range t.Rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	if t.MaxWidth > 0 {
		used := 0
		for _, w := range widths[:len(widths)-1] {
			used += w + 2
		}
		if last := t.MaxWidth - used; last >= 3 && last < widths[len(widths)-1] {
			widths[len(widths)-1] = last
		}
	}

	var sb strings.Builder
	writeRow(&sb, t.Headers, widths, styles.Header)
	for _, row := range t.Rows {
		writeRow(&sb, row, widths, styles.Asset)
	}
	return sb.String()
}

func writeRow(sb *strings.Builder, cells []string, widths []int, style lipgloss.Style) {
	for i, w := range widths {
		cell := ""
		if i < len(cells) {
			cell = cells[i]
		}
		cell = fit(cell, w)
		sb.WriteString(style.Render(cell))
		if i < len(widths)-1 {
			sb.WriteString(strings.Repeat(" ", w-lipgloss.Width(cell)+2))
		}
	}
	sb.WriteString("\n")
}

func fit(cell string, width int) string {
	if lipgloss.Width(cell) <= width {
		return cell
	}
	runes := []rune(cell)
	if width < 1 || len(runes) < width {
		return cell
	}
	return string(runes[:width-1]) + "…"
}
