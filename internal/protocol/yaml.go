package protocol

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// DecodeTargetYAML decodes a target written either as a string
// ("owner/repo@ref", "https://...") or as a workflow mapping.
func DecodeTargetYAML(n *yaml.Node) (Target, error) {
	if n == nil || n.Kind == 0 {
		return nil, fmt.Errorf("target is missing")
	}
	switch n.Kind {
	case yaml.ScalarNode:
		return ParseTarget(n.Value)
	case yaml.MappingNode:
		var wf WorkflowTarget
		if err := n.Decode(&wf); err != nil {
			return nil, fmt.Errorf("decode workflow target: %w", err)
		}
		if wf.WorkflowID == "" {
			wf.WorkflowID = DefaultWorkflowID
		}
		if err := wf.validate(); err != nil {
			return nil, err
		}
		return wf, nil
	default:
		return nil, fmt.Errorf("line %d: target must be a string or a mapping", n.Line)
	}
}

// UnmarshalYAML reads a step as written in an automation file:
//
//	- id: lint
//	  target: acme/linter@v2
//	  with:
//	    level: strict
func (s *PluginStep) UnmarshalYAML(n *yaml.Node) error {
	var raw struct {
		ID     string         `yaml:"id"`
		Target yaml.Node      `yaml:"target"`
		With   map[string]any `yaml:"with"`
	}
	if err := n.Decode(&raw); err != nil {
		return err
	}
	target, err := DecodeTargetYAML(&raw.Target)
	if err != nil {
		if raw.ID != "" {
			return fmt.Errorf("step %q: %w", raw.ID, err)
		}
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	s.ID = raw.ID
	s.Target = target
	s.Settings = raw.With
	return nil
}
