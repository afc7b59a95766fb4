package webhook

import (
	"context"

	"github.com/mattjoyce/conduit/internal/chain"
	"github.com/mattjoyce/conduit/internal/protocol"
)

// EventHandler receives verified events. *chain.Engine satisfies it.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev protocol.Event) (*chain.EventResult, error)
}

// Config holds webhook server configuration.
type Config struct {
	Listen    string
	Endpoints []EndpointConfig
}

// EndpointConfig defines a single webhook endpoint.
type EndpointConfig struct {
	// Path is the URL path for this webhook (e.g., "/webhook/github")
	Path string

	// Secret is the HMAC secret for signature verification
	Secret string

	// SignatureHeader carries the HMAC signature (default X-Hub-Signature-256)
	SignatureHeader string

	// MaxBodySize is the maximum allowed request body size in bytes (default: 1MB)
	MaxBodySize int64
}

// EventResponse is the JSON response for an accepted event.
type EventResponse struct {
	EventID  string         `json:"event_id"`
	Event    string         `json:"event"`
	Callback bool           `json:"callback,omitempty"`
	StateID  string         `json:"state_id,omitempty"`
	Outcome  string         `json:"outcome,omitempty"`
	Started  []StartedChain `json:"started,omitempty"`
}

// StartedChain reports one automation started by a fan-out event.
type StartedChain struct {
	Automation string `json:"automation"`
	StateID    string `json:"state_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ErrorResponse is the JSON response for webhook errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Default values
const (
	DefaultMaxBodySize     = 1048576 // 1 MB
	DefaultSignatureHeader = "X-Hub-Signature-256"

	EventHeader    = "X-GitHub-Event"
	DeliveryHeader = "X-GitHub-Delivery"
)
