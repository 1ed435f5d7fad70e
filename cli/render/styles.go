package render

import "github.com/charmbracelet/lipgloss"

// Color palette.
var (
	successColor = lipgloss.Color("#10B981") // Green
	warningColor = lipgloss.Color("#F59E0B") // Amber
	errorColor   = lipgloss.Color("#EF4444") // Red
	mutedColor   = lipgloss.Color("#6B7280") // Gray
)

// Status values with a dedicated style.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCrashed   = "crashed"
	StatusTimedOut  = "timed_out"
	StatusNotRun    = "not_run"
)

// statusStyle returns the style for a status cell.
func (r *Renderer) statusStyle(status string) lipgloss.Style {
	s := r.styles.NewStyle()
	switch status {
	case StatusSucceeded:
		return s.Foreground(successColor)
	case StatusFailed, StatusTimedOut:
		return s.Foreground(warningColor)
	case StatusCrashed:
		return s.Foreground(errorColor).Bold(true)
	case StatusNotRun:
		return s.Foreground(mutedColor)
	default:
		return s
	}
}
