package plugin

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaValidator compiles parameter schemas once and caches them by their
// JSON text. It is safe for concurrent use.
type schemaValidator struct {
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

var defaultValidator = &schemaValidator{cache: make(map[string]*jsonschema.Schema)}

func (v *schemaValidator) validate(schema any, value any) error {
	raw, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("encode schema: %w", err)
	}
	compiled, err := v.getOrCompile(string(raw))
	if err != nil {
		return err
	}

	doc, err := toJSONValue(value)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	if err := compiled.Validate(doc); err != nil {
		return violations(err)
	}
	return nil
}

func (v *schemaValidator) getOrCompile(key string) (*jsonschema.Schema, error) {
	v.mu.RLock()
	cached, ok := v.cache[key]
	v.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}
	url := fmt.Sprintf("conduit://parameters/%d.json", len(v.cache))
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.cache[key] = compiled
	return compiled, nil
}

// toJSONValue round-trips v so numbers become json.Number, as the
// validator expects.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

func violations(err error) error {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err
	}
	leaves := collectViolations(verr)
	if len(leaves) == 0 {
		return verr
	}
	return fmt.Errorf("%s", strings.Join(leaves, "; "))
}

func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/" + strings.Join(verr.InstanceLocation, "/")
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}
	var out []string
	for _, cause := range verr.Causes {
		out = append(out, collectViolations(cause)...)
	}
	return out
}
