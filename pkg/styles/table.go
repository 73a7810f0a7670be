package styles

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Table renders rows as aligned columns. Cells may already contain ANSI
// styling; widths are measured with lipgloss.Width.
func (t Theme) Table(header []string, rows [][]string) string {
	widths := make([]int, len(header))
	for i, h := range header {
		widths[i] = lipgloss.Width(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && lipgloss.Width(cell) > widths[i] {
				widths[i] = lipgloss.Width(cell)
			}
		}
	}

	var b strings.Builder
	renderRow := func(cells []string, style lipgloss.Style) {
		parts := make([]string, 0, len(cells))
		for i, cell := range cells {
			if i >= len(widths) {
				break
			}
			parts = append(parts, style.Width(widths[i]+style.GetPaddingRight()).Render(cell))
		}
		b.WriteString(strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, parts...), " "))
		b.WriteString("\n")
	}
	renderRow(header, t.Header)
	for _, row := range rows {
		renderRow(row, t.Cell)
	}
	return b.String()
}
