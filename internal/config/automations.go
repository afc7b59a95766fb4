package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mattjoyce/conduit/internal/protocol"
)

// Automation binds webhook event names to a chain of plugin steps.
type Automation struct {
	Name  string
	On    []string
	Steps []protocol.PluginStep

	// Fingerprint identifies the normalized definition.
	Fingerprint string
}

// AutomationsFile is the on-disk layout of the automations file.
type AutomationsFile struct {
	Automations []Automation `yaml:"automations"`
}

// UnmarshalYAML accepts `on` as a single event name or a list.
func (a *Automation) UnmarshalYAML(n *yaml.Node) error {
	var raw struct {
		Name  string                `yaml:"name"`
		On    yaml.Node             `yaml:"on"`
		Steps []protocol.PluginStep `yaml:"steps"`
	}
	if err := n.Decode(&raw); err != nil {
		return err
	}

	switch raw.On.Kind {
	case 0:
	case yaml.ScalarNode:
		a.On = []string{raw.On.Value}
	case yaml.SequenceNode:
		if err := raw.On.Decode(&a.On); err != nil {
			return fmt.Errorf("automation %q: on: %w", raw.Name, err)
		}
	default:
		return fmt.Errorf("automation %q: on must be an event name or a list", raw.Name)
	}

	a.Name = raw.Name
	a.Steps = raw.Steps
	return nil
}

// LoadAutomations reads and validates the automations file at path.
func LoadAutomations(path string) ([]Automation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read automations file: %w", err)
	}
	return ParseAutomations(data)
}

// ParseAutomations decodes and validates automation definitions and stamps
// each with its fingerprint.
func ParseAutomations(data []byte) ([]Automation, error) {
	var file AutomationsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse automations: %w", err)
	}

	seen := make(map[string]bool, len(file.Automations))
	for i := range file.Automations {
		a := &file.Automations[i]
		if err := a.validate(); err != nil {
			return nil, err
		}
		if seen[a.Name] {
			return nil, fmt.Errorf("duplicate automation %q", a.Name)
		}
		seen[a.Name] = true

		fp, err := a.computeFingerprint()
		if err != nil {
			return nil, err
		}
		a.Fingerprint = fp
	}
	return file.Automations, nil
}

func (a *Automation) validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("automation name is required")
	}
	if len(a.On) == 0 {
		return fmt.Errorf("automation %q: on is required", a.Name)
	}
	for _, ev := range a.On {
		if strings.TrimSpace(ev) == "" {
			return fmt.Errorf("automation %q: empty event name in on", a.Name)
		}
	}
	if len(a.Steps) == 0 {
		return fmt.Errorf("automation %q: at least one step is required", a.Name)
	}
	ids := make(map[string]bool, len(a.Steps))
	for i, step := range a.Steps {
		if step.Target == nil {
			return fmt.Errorf("automation %q: step %d has no target", a.Name, i)
		}
		if step.ID == "" {
			continue
		}
		if ids[step.ID] {
			return fmt.Errorf("automation %q: duplicate step id %q", a.Name, step.ID)
		}
		ids[step.ID] = true
	}
	return nil
}

func (a *Automation) computeFingerprint() (string, error) {
	normalized, err := json.Marshal(struct {
		Name  string                `json:"name"`
		On    []string              `json:"on"`
		Steps []protocol.PluginStep `json:"steps"`
	}{a.Name, a.On, a.Steps})
	if err != nil {
		return "", fmt.Errorf("automation %q: normalize: %w", a.Name, err)
	}
	return FingerprintBytes(normalized), nil
}
