package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mattjoyce/conduit/internal/agent"
	"github.com/mattjoyce/conduit/internal/api"
)

const maxEventLog = 50

// Transition is one observed status change.
type Transition struct {
	Status agent.Status
	At     time.Time
}

// JobView is everything the TUI knows about the watched job.
type JobView struct {
	ID          string
	Job         *agent.AgentJobState
	Transitions []Transition
	Elapsed     time.Duration
	Done        bool
}

// Model is the BubbleTea model for `conduit job watch`.
type Model struct {
	apiURL string
	apiKey string
	ctx    context.Context
	cancel context.CancelFunc

	width  int
	height int

	view     JobView
	health   HealthState
	eventLog []StreamEvent
	outputs  viewport.Model

	pulse    Pulse
	activity Activity
	theme    Theme

	stream      chan StreamEvent
	streamEnded bool
	lastError   string
}

// New creates a watch model for jobID.
func New(apiURL, apiKey, jobID string) *Model {
	ctx, cancel := context.WithCancel(context.Background())
	outputs := viewport.Model{Height: 8}
	outputs.KeyMap = viewport.DefaultKeyMap()
	return &Model{
		apiURL:  apiURL,
		apiKey:  apiKey,
		ctx:     ctx,
		cancel:  cancel,
		view:    JobView{ID: jobID},
		outputs: outputs,
		stream:  make(chan StreamEvent, 100),
		theme:   NewDefaultTheme(),
	}
}

// JobView returns what the model has observed so far.
func (m Model) JobView() JobView {
	return m.view
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToJob(m.ctx, m.apiURL, m.apiKey, m.view.ID, m.stream),
		receiveNext(m.stream),
		func() tea.Msg { return fetchHealth(m.apiURL) },
		tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) }),
		tea.EnterAltScreen,
	)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.cancel()
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.outputs, cmd = m.outputs.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.outputs.Width = max(msg.Width-8, 10)
		m.outputs.Height = max(msg.Height/3, 4)

	case tickMsg:
		if m.view.Job != nil {
			m.pulse.Advance(m.view.Job.Status)
		} else {
			m.pulse.Advance(agent.StatusPending)
		}
		if !m.view.Done && m.view.Job != nil {
			m.view.Elapsed = time.Since(m.view.Job.CreatedAt).Round(time.Second)
		}
		return m, tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })

	case streamMsg:
		m.health.Connected = true
		m.lastError = ""
		m.apply(StreamEvent(msg))
		return m, receiveNext(m.stream)

	case streamEndedMsg:
		m.streamEnded = true
		if msg.err != nil && m.ctx.Err() == nil {
			m.lastError = msg.err.Error()
		}

	case healthMsg:
		m.health.Status = msg.Status
		m.health.UptimeSeconds = msg.UptimeSeconds
		m.health.Automations = msg.Automations
		m.health.Connected = true
		m.health.LastCheck = time.Now()
		if m.view.Done {
			return m, nil
		}
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL)
		})

	case errMsg:
		m.health.Connected = false
		m.lastError = msg.Error()
		return m, tea.Tick(5*time.Second, func(t time.Time) tea.Msg {
			return fetchHealth(m.apiURL)
		})
	}

	return m, nil
}

// apply folds one stream event into the job view.
func (m *Model) apply(ev StreamEvent) {
	m.eventLog = append([]StreamEvent{ev}, m.eventLog...)
	if len(m.eventLog) > maxEventLog {
		m.eventLog = m.eventLog[:maxEventLog]
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	switch ev.Name {
	case api.EventMessage:
		var job agent.AgentJobState
		if err := json.Unmarshal(ev.Data, &job); err != nil {
			m.activity.Observe(at, false)
			m.lastError = fmt.Sprintf("decode job: %v", err)
			return
		}
		m.activity.Observe(at, m.view.Job == nil || m.view.Job.Status != job.Status)
		m.view.Job = &job
		m.view.Transitions = append(m.view.Transitions, Transition{Status: job.Status, At: job.UpdatedAt})
		m.view.Elapsed = job.UpdatedAt.Sub(job.CreatedAt).Round(time.Second)
		m.outputs.SetContent(formatOutputs(&job))
	case api.EventPing:
		m.activity.Observe(at, false)
		var ping api.PingEvent
		if err := json.Unmarshal(ev.Data, &ping); err == nil {
			m.view.Elapsed = time.Duration(ping.ElapsedSeconds) * time.Second
		}
	case api.EventDone:
		m.activity.Observe(at, false)
		m.view.Done = true
	default:
		m.activity.Observe(at, false)
	}
}

func formatOutputs(job *agent.AgentJobState) string {
	if job.Error != "" {
		return "error: " + job.Error
	}
	if len(job.Outputs) == 0 {
		return "(no output yet)"
	}
	b, err := json.MarshalIndent(job.Outputs, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", job.Outputs)
	}
	return string(b)
}

func (m Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}

	header := renderHeader(m.view, m.health, m.pulse, m.activity, m.theme, m.width)
	timeline := renderTimeline(m.view, m.theme, m.width)
	outputs := m.theme.Border.Width(m.width - 4).Render(lipgloss.JoinVertical(lipgloss.Left,
		m.theme.Title.Render("OUTPUT"),
		m.outputs.View(),
	))
	eventStream := renderEventStream(m.eventLog, m.theme, m.width)

	parts := []string{header, timeline, outputs, eventStream}
	if m.lastError != "" {
		parts = append(parts, m.theme.Disconnected.Render(fmt.Sprintf(" ⚠ %s", m.lastError)))
	} else if m.streamEnded && !m.view.Done {
		parts = append(parts, m.theme.Dim.Render(" stream closed"))
	}

	help := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(" [q] Quit • [↑/↓] Scroll output")
	parts = append(parts, help)

	return lipgloss.NewStyle().Margin(1, 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, parts...),
	)
}
