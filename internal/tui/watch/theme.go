// Package watch implements the live job view behind `conduit job watch`.
package watch

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/conduit/internal/agent"
)

// Theme holds the lipgloss styles of the watch view.
type Theme struct {
	status map[agent.Status]lipgloss.Style

	Border    lipgloss.Style
	Title     lipgloss.Style
	Header    lipgloss.Style
	Dim       lipgloss.Style
	Highlight lipgloss.Style
	Message   lipgloss.Style

	Connected    lipgloss.Style
	Disconnected lipgloss.Style

	Live lipgloss.Style
}

func fg(hex string) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(lipgloss.Color(hex))
}

func NewDefaultTheme() Theme {
	const (
		green  = "#98C379"
		yellow = "#E5C07B"
		red    = "#E06C75"
		grey   = "#7F848E"
		blue   = "#61AFEF"
	)

	return Theme{
		status: map[agent.Status]lipgloss.Style{
			agent.StatusPending:   fg(grey),
			agent.StatusRunning:   fg(yellow),
			agent.StatusCompleted: fg(green).Bold(true),
			agent.StatusFailed:    fg(red).Bold(true),
		},

		Border:    lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#C678DD")),
		Title:     lipgloss.NewStyle().Bold(true).Padding(0, 1),
		Header:    fg(blue).Bold(true),
		Dim:       fg(grey),
		Highlight: fg(yellow),
		Message:   fg(blue),

		Connected:    fg(green),
		Disconnected: fg(red),

		Live: fg(green),
	}
}

// StatusStyle returns the style for a job status. Unknown statuses render dim.
func (t Theme) StatusStyle(s agent.Status) lipgloss.Style {
	if st, ok := t.status[s]; ok {
		return st
	}
	return t.Dim
}
