package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/conduit/internal/api"
)

func renderEventStream(eventLog []StreamEvent, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e StreamEvent, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	var nameStyle lipgloss.Style
	switch e.Name {
	case api.EventDone:
		nameStyle = theme.Highlight
	case api.EventMessage:
		nameStyle = theme.Message
	default:
		nameStyle = theme.Dim
	}

	return fmt.Sprintf("%s %s %s", ts, nameStyle.Render(fmt.Sprintf("%-8s", e.Name)), describeEvent(e))
}

func describeEvent(e StreamEvent) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string
	if status, ok := data["status"].(string); ok {
		parts = append(parts, status)
	}
	if elapsed, ok := data["elapsed_seconds"].(float64); ok {
		parts = append(parts, fmt.Sprintf("%.0fs", elapsed))
	}
	if errText, ok := data["error"].(string); ok && errText != "" {
		parts = append(parts, "error: "+errText)
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}
	return strings.Join(parts, " ")
}
