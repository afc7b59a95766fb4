package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/mattjoyce/conduit/internal/protocol"
)

var (
	ErrUnknownCommand    = errors.New("unknown command")
	ErrInvalidParameters = errors.New("invalid command parameters")
)

// ManifestFilename is served by workers at "{url}/manifest.json" and read
// from the root of workflow repositories.
const ManifestFilename = "manifest.json"

// Command declares a capability a plugin exposes.
type Command struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

// ParameterSchema returns the JSON Schema for the command parameters.
// A compact map of property:type is expanded into an object schema.
func (c Command) ParameterSchema() any {
	return expandSchema(c.Parameters)
}

func expandSchema(schema any) any {
	if schema == nil {
		return nil
	}

	m, ok := schema.(map[string]any)
	if !ok {
		return schema
	}

	// Anything with a schema keyword is already a JSON Schema.
	for _, kw := range []string{"type", "$ref", "properties", "oneOf", "anyOf", "allOf"} {
		if _, has := m[kw]; has {
			return schema
		}
	}

	properties := make(map[string]any, len(m))
	for k, v := range m {
		if propType, isString := v.(string); isString {
			properties[k] = map[string]any{"type": propType}
		} else {
			properties[k] = v
		}
	}
	return map[string]any{
		"type":       "object",
		"properties": properties,
	}
}

// Commands maps command name to its declaration.
//
// Accepted encodings:
//   - object: {"triage": {"description": "...", "parameters": {...}}}
//   - string array: ["triage", "summarize"]
//   - object array: [{"name": "triage", "parameters": {...}}]
type Commands map[string]Command

func (c *Commands) UnmarshalJSON(b []byte) error {
	trimmed := strings.TrimSpace(string(b))
	if trimmed == "null" {
		*c = nil
		return nil
	}

	out := Commands{}
	if strings.HasPrefix(trimmed, "{") {
		var m map[string]Command
		if err := json.Unmarshal(b, &m); err != nil {
			return fmt.Errorf("invalid commands object: %w", err)
		}
		for name, cmd := range m {
			cmd.Name = name
			out[name] = cmd
		}
		*c = out
		return nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(b, &items); err != nil {
		return fmt.Errorf("commands must be an object or an array")
	}
	for _, item := range items {
		var name string
		if err := json.Unmarshal(item, &name); err == nil {
			name = strings.TrimSpace(name)
			out[name] = Command{Name: name}
			continue
		}
		var cmd Command
		if err := json.Unmarshal(item, &cmd); err != nil {
			return fmt.Errorf("invalid command entry (must be string or object)")
		}
		cmd.Name = strings.TrimSpace(cmd.Name)
		if cmd.Name == "" {
			return fmt.Errorf("command entry missing name")
		}
		out[cmd.Name] = cmd
	}
	*c = out
	return nil
}

// Manifest describes what a remote plugin can do.
type Manifest struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Commands    Commands `json:"commands"`
}

// ParseManifest decodes a manifest.json document.
func ParseManifest(b []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	return &m, nil
}

// CommandNames returns the declared command names in sorted order.
func (m *Manifest) CommandNames() []string {
	names := make([]string, 0, len(m.Commands))
	for name := range m.Commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SupportsCommand reports whether the manifest declares name.
func (m *Manifest) SupportsCommand(name string) bool {
	_, ok := m.Commands[name]
	return ok
}

// ValidateCommand checks cmd against the manifest. A nil manifest or a nil
// command is accepted: there is nothing to check against.
func (m *Manifest) ValidateCommand(cmd *protocol.Command) error {
	if m == nil || cmd == nil {
		return nil
	}
	spec, ok := m.Commands[cmd.Name]
	if !ok {
		return fmt.Errorf("%w %q (plugin %q supports %s)", ErrUnknownCommand, cmd.Name, m.Name, strings.Join(m.CommandNames(), ", "))
	}

	schema := spec.ParameterSchema()
	if schema == nil {
		return nil
	}
	params := cmd.Parameters
	if params == nil {
		params = map[string]any{}
	}
	if err := defaultValidator.validate(schema, params); err != nil {
		return fmt.Errorf("%w for %q: %v", ErrInvalidParameters, cmd.Name, err)
	}
	return nil
}
