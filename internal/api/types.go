package api

import (
	"encoding/json"

	"github.com/mattjoyce/conduit/internal/protocol"
)

// OutputRequest is the JSON body for POST /chains/{stateID}/output.
type OutputRequest struct {
	Output map[string]any  `json:"output"`
	Source protocol.Source `json:"source"`
}

// OutputResponse reports what happened to a step output.
type OutputResponse struct {
	StateID string `json:"state_id"`
	Outcome string `json:"outcome"`
}

// CreateJobRequest is the JSON body for POST /jobs.
type CreateJobRequest struct {
	Target       json.RawMessage   `json:"target"`
	Command      *protocol.Command `json:"command,omitempty"`
	Settings     map[string]any    `json:"settings,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	EventName    string            `json:"event_name,omitempty"`
	EventPayload json.RawMessage   `json:"event_payload,omitempty"`
}

// CreateJobResponse is returned once a job is persisted.
type CreateJobResponse struct {
	JobID string `json:"job_id"`
}

// JobErrorRequest is the JSON body for POST /jobs/{jobID}/error.
type JobErrorRequest struct {
	Error string `json:"error"`
}

// PingEvent is the payload of the SSE keep-alive while a job is unfinished.
type PingEvent struct {
	Status         string `json:"status"`
	ElapsedSeconds int64  `json:"elapsed_seconds"`
}

// DoneEvent is the final SSE payload of a watch stream.
type DoneEvent struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// ErrorResponse is returned on errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Automations   int    `json:"automations"`
}
