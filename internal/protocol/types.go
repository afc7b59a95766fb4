package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Command names a capability of a plugin and the parameters to call it with.
type Command struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
}

// PluginStep is one stage of a chain.
type PluginStep struct {
	ID       string         `json:"id,omitempty"`
	Target   Target         `json:"target"`
	Settings map[string]any `json:"settings,omitempty"`
}

func (s *PluginStep) UnmarshalJSON(b []byte) error {
	var raw struct {
		ID       string          `json:"id"`
		Target   json.RawMessage `json:"target"`
		Settings map[string]any  `json:"settings"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	target, err := UnmarshalTarget(raw.Target)
	if err != nil {
		return fmt.Errorf("step %q: %w", raw.ID, err)
	}
	s.ID = raw.ID
	s.Target = target
	s.Settings = raw.Settings
	return nil
}

// PluginInput is the signed envelope sent to a step or agent.
// It is immutable once Signature is set.
type PluginInput struct {
	StateID      string          `json:"stateId"`
	EventName    string          `json:"eventName"`
	EventPayload json.RawMessage `json:"eventPayload"`
	Command      *Command        `json:"command"`
	AuthToken    string          `json:"authToken"`
	Settings     map[string]any  `json:"settings"`
	Ref          string          `json:"ref"`
	Signature    string          `json:"signature"`
}

// PluginOutput is what a step reports back, correlated by StateID.
type PluginOutput struct {
	StateID string         `json:"state_id"`
	Output  map[string]any `json:"output"`
}

// Source identifies who delivered a PluginOutput. Workflow callbacks carry the
// reporting repository, worker callbacks may carry the worker URL.
type Source struct {
	Owner string `json:"owner,omitempty"`
	Repo  string `json:"repo,omitempty"`
	URL   string `json:"url,omitempty"`
}

func (s Source) String() string {
	if s.URL != "" {
		return s.URL
	}
	if s.Owner == "" && s.Repo == "" {
		return "unknown"
	}
	return s.Owner + "/" + s.Repo
}

// Event is an inbound webhook event that has already been verified.
type Event struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

type repositoryEnvelope struct {
	Repository *struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
}

// Repository returns the owner login and repository name of the event, if any.
func (e Event) Repository() (owner, repo string) {
	var env repositoryEnvelope
	if err := json.Unmarshal(e.Payload, &env); err != nil || env.Repository == nil {
		return "", ""
	}
	return env.Repository.Owner.Login, env.Repository.Name
}

// BaseName returns the event name without its action suffix ("issues.opened" -> "issues").
func (e Event) BaseName() string {
	base, _, _ := strings.Cut(e.Name, ".")
	return base
}
