package agent

import (
	"time"

	"github.com/mattjoyce/conduit/internal/protocol"
)

// Status is the lifecycle position of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// AgentJobState is the persisted state of a single-shot job.
type AgentJobState struct {
	JobID     string               `json:"jobId"`
	SessionID string               `json:"sessionId,omitempty"`
	Target    string               `json:"target"`
	Status    Status               `json:"status"`
	Inputs    protocol.PluginInput `json:"inputs"`
	Outputs   map[string]any       `json:"outputs,omitempty"`
	Error     string               `json:"error,omitempty"`
	CreatedAt time.Time            `json:"createdAt"`
	UpdatedAt time.Time            `json:"updatedAt"`
}

// finalKey marks a response as the job's final result.
const finalKey = "data"

func isFinal(resp map[string]any) bool {
	_, ok := resp[finalKey]
	return ok
}
