package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

// StreamEvent is one server-sent event of a job watch stream.
type StreamEvent struct {
	Name string
	Data []byte
	At   time.Time
}

// --- Message types ---

type streamMsg StreamEvent

type healthMsg struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Automations   int    `json:"automations"`
}

type tickMsg time.Time

type errMsg error

// streamEndedMsg reports the stream closed, cleanly or not.
type streamEndedMsg struct {
	err error
}

// --- Commands ---

// ReadStream parses SSE frames from scanner into ch until the stream ends.
// Frames without an event name are delivered as "message".
func ReadStream(scanner *bufio.Scanner, ch chan<- StreamEvent) error {
	var name, data string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data != "" {
				if name == "" {
					name = "message"
				}
				ch <- StreamEvent{Name: name, Data: []byte(data), At: time.Now()}
			}
			name, data = "", ""
		case strings.HasPrefix(line, "event: "):
			name = line[len("event: "):]
		case strings.HasPrefix(line, "data: "):
			data = line[len("data: "):]
		}
	}
	return scanner.Err()
}

// subscribeToJob connects to the job watch stream and feeds events into ch.
func subscribeToJob(ctx context.Context, apiURL, apiKey, jobID string, ch chan<- StreamEvent) tea.Cmd {
	return func() tea.Msg {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL+"/jobs/"+jobID+"/watch", nil)
		if err != nil {
			return streamEndedMsg{err: err}
		}
		req.Header.Set("Authorization", "Bearer "+apiKey)
		req.Header.Set("Accept", "text/event-stream")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return streamEndedMsg{err: err}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			var body struct {
				Error string `json:"error"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&body)
			return streamEndedMsg{err: fmt.Errorf("watch %s: %s %s", jobID, resp.Status, body.Error)}
		}

		return streamEndedMsg{err: ReadStream(bufio.NewScanner(resp.Body), ch)}
	}
}

// receiveNext waits for the next stream event.
func receiveNext(ch <-chan StreamEvent) tea.Cmd {
	return func() tea.Msg {
		return streamMsg(<-ch)
	}
}

// fetchHealth queries the /healthz endpoint.
func fetchHealth(apiURL string) tea.Msg {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(apiURL + "/healthz")
	if err != nil {
		return errMsg(err)
	}
	defer resp.Body.Close()

	var h healthMsg
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return errMsg(err)
	}
	return h
}
