// Package styles holds the lipgloss palette used by svcctl's terminal
// output.
package styles

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/go-go-golems/svcctl/pkg/service"
)

type Theme struct {
	Primary lipgloss.Color
	Success lipgloss.Color
	Warning lipgloss.Color
	Error   lipgloss.Color
	Muted   lipgloss.Color
	Text    lipgloss.Color

	Header  lipgloss.Style
	Cell    lipgloss.Style
	Dim     lipgloss.Style
	Ready   lipgloss.Style
	Pending lipgloss.Style
	Failed  lipgloss.Style
	Stopped lipgloss.Style
}

func DefaultTheme() Theme {
	primary := lipgloss.Color("#7C3AED") // Purple
	success := lipgloss.Color("#22C55E") // Green
	warning := lipgloss.Color("#EAB308") // Yellow
	errorC := lipgloss.Color("#EF4444")  // Red
	muted := lipgloss.Color("#6B7280")   // Gray
	text := lipgloss.Color("#F9FAFB")    // White

	return Theme{
		Primary: primary,
		Success: success,
		Warning: warning,
		Error:   errorC,
		Muted:   muted,
		Text:    text,

		Header:  lipgloss.NewStyle().Bold(true).Foreground(primary).PaddingRight(2),
		Cell:    lipgloss.NewStyle().PaddingRight(2),
		Dim:     lipgloss.NewStyle().Foreground(muted),
		Ready:   lipgloss.NewStyle().Foreground(success),
		Pending: lipgloss.NewStyle().Foreground(warning),
		Failed:  lipgloss.NewStyle().Foreground(errorC).Bold(true),
		Stopped: lipgloss.NewStyle().Foreground(muted),
	}
}

var DefaultStyles = DefaultTheme()

// State renders a service state with its icon and colour.
func (t Theme) State(st service.State) string {
	return t.stateStyle(st).Render(StateIcon(st) + " " + string(st))
}

func (t Theme) stateStyle(st service.State) lipgloss.Style {
	switch st {
	case service.StateReady:
		return t.Ready
	case service.StateStarting, service.StateStopping:
		return t.Pending
	case service.StateFailed:
		return t.Failed
	default:
		return t.Stopped
	}
}
