package chain

import (
	"encoding/json"

	"github.com/mattjoyce/conduit/internal/protocol"
)

// PluginChainState is the persisted, resumable instance of an automation.
// Inputs and Outputs are dense from index 0; Outputs[i] exists only once
// step i has reported back.
type PluginChainState struct {
	StateID              string                  `json:"stateId"`
	EventID              string                  `json:"eventId"`
	EventName            string                  `json:"eventName"`
	EventPayload         json.RawMessage         `json:"eventPayload"`
	CurrentPlugin        int                     `json:"currentPlugin"`
	PluginChain          []protocol.PluginStep   `json:"pluginChain"`
	Inputs               []protocol.PluginInput  `json:"inputs"`
	Outputs              []protocol.PluginOutput `json:"outputs"`
	AdditionalProperties map[string]any          `json:"additionalProperties,omitempty"`
}

// IsTerminal reports whether the last step's output has been recorded.
func (s *PluginChainState) IsTerminal() bool {
	return len(s.PluginChain) > 0 &&
		s.CurrentPlugin == len(s.PluginChain)-1 &&
		len(s.Outputs) == len(s.PluginChain)
}

// CurrentStep returns the step most recently dispatched.
func (s *PluginChainState) CurrentStep() protocol.PluginStep {
	return s.PluginChain[s.CurrentPlugin]
}

func (s *PluginChainState) event() protocol.Event {
	return protocol.Event{ID: s.EventID, Name: s.EventName, Payload: s.EventPayload}
}

// Outcome describes what Advance did with an output.
type Outcome string

const (
	// OutcomeDropped: unknown correlation or identity mismatch. Nothing was written.
	OutcomeDropped Outcome = "dropped"
	// OutcomeIgnored: the chain was already terminal.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeCompleted: the last step's output was recorded.
	OutcomeCompleted Outcome = "completed"
	// OutcomeAdvanced: the next step was persisted and dispatched.
	OutcomeAdvanced Outcome = "advanced"
)
