package watch

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/conduit/internal/agent"
)

// HealthState tracks service health from /healthz polling.
type HealthState struct {
	Status        string
	UptimeSeconds int64
	Automations   int
	Connected     bool
	LastCheck     time.Time
}

func renderHeader(view JobView, health HealthState, pulse Pulse, activity Activity, theme Theme, width int) string {
	innerWidth := width - 4
	now := time.Now()

	var current agent.Status
	if view.Job != nil {
		current = view.Job.Status
	}
	marker := theme.StatusStyle(current).Render(pulse.Glyph(current))
	clock := theme.Dim.Render(now.Format("15:04:05"))
	titleText := fmt.Sprintf(" CONDUIT JOB %s %s", theme.Header.Render(view.ID), marker)

	titleWidth := lipgloss.Width(titleText)
	clockWidth := lipgloss.Width(clock)
	pad := innerWidth - titleWidth - clockWidth - 4
	if pad < 1 {
		pad = 1
	}
	titleLine := titleText + strings.Repeat(" ", pad) + clock + " "

	status := theme.Dim.Render("WAITING")
	target, session := "-", "-"
	if view.Job != nil {
		status = theme.StatusStyle(view.Job.Status).Render(strings.ToUpper(string(view.Job.Status)))
		target = view.Job.Target
		if view.Job.SessionID != "" {
			session = view.Job.SessionID
		}
	}
	statusLine := fmt.Sprintf(" %s  ⏱ %s  Target: %s  Session: %s",
		status, formatDuration(view.Elapsed), target, session)

	conn := theme.Connected.Render("connected")
	if !health.Connected {
		conn = theme.Disconnected.Render("connecting")
	}
	activityLine := fmt.Sprintf(" Server: %s  Last event: %s", conn, activity.Render(theme, now, view.Done))

	content := lipgloss.JoinVertical(lipgloss.Left, titleLine, statusLine, activityLine)
	return theme.Border.Width(innerWidth).Render(content)
}

func renderTimeline(view JobView, theme Theme, width int) string {
	innerWidth := width - 4

	if len(view.Transitions) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("TIMELINE"),
			theme.Dim.Render("  Waiting for job state..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	steps := make([]string, 0, len(view.Transitions))
	for _, tr := range view.Transitions {
		label := theme.StatusStyle(tr.Status).Render(string(tr.Status))
		steps = append(steps, fmt.Sprintf("%s %s", label, theme.Dim.Render(tr.At.Local().Format("15:04:05"))))
	}
	line := " " + strings.Join(steps, theme.Dim.Render(" → "))
	if view.Done {
		line += "  " + theme.Highlight.Render("done")
	}

	content := lipgloss.JoinVertical(lipgloss.Left, theme.Title.Render("TIMELINE"), line)
	return theme.Border.Width(innerWidth).Render(content)
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
}
