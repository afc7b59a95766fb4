package watch

import (
	"fmt"
	"time"

	"github.com/mattjoyce/conduit/internal/agent"
)

var pulseFrames = []string{"◐", "◓", "◑", "◒"}

// Pulse is the title marker. It turns while the job is unfinished and
// settles on a fixed glyph once the job is terminal.
type Pulse struct {
	frame int
}

// Advance moves to the next frame unless status is terminal.
func (p *Pulse) Advance(status agent.Status) {
	if status.Terminal() {
		return
	}
	p.frame = (p.frame + 1) % len(pulseFrames)
}

// Glyph returns the marker for status. An empty status means no state has
// arrived yet.
func (p Pulse) Glyph(status agent.Status) string {
	switch status {
	case "":
		return "◌"
	case agent.StatusCompleted:
		return "●"
	case agent.StatusFailed:
		return "✕"
	default:
		return pulseFrames[p.frame]
	}
}

// staleAfter is how long an unfinished job may go without a stream event
// before the header flags the stream as quiet. Keep-alive pings count.
const staleAfter = 15 * time.Second

// Activity tracks stream liveness and how many status changes were seen.
type Activity struct {
	lastEvent   time.Time
	transitions int
}

// Observe records a stream event at at. changed marks a status transition.
func (a *Activity) Observe(at time.Time, changed bool) {
	a.lastEvent = at
	if changed {
		a.transitions++
	}
}

func (a Activity) LastEvent() time.Time {
	return a.lastEvent
}

func (a Activity) Transitions() int {
	return a.transitions
}

// Stale reports whether an unfinished job's stream has gone quiet.
func (a Activity) Stale(now time.Time, done bool) bool {
	return !done && !a.lastEvent.IsZero() && now.Sub(a.lastEvent) > staleAfter
}

// Render summarizes liveness for the header's activity line.
func (a Activity) Render(theme Theme, now time.Time, done bool) string {
	if a.lastEvent.IsZero() {
		return theme.Dim.Render("never")
	}
	ago := fmt.Sprintf("%s ago", now.Sub(a.lastEvent).Round(time.Second))
	summary := fmt.Sprintf("%s  transitions: %d", ago, a.transitions)
	if a.Stale(now, done) {
		return theme.Disconnected.Render(summary + "  (quiet)")
	}
	return theme.Live.Render(summary)
}
