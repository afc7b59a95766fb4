package chain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/mattjoyce/conduit/internal/protocol"
)

var (
	ErrInvalidExpression = errors.New("invalid expression")
	ErrUnknownPluginID   = errors.New("unknown plugin id")
	ErrNotYetExecuted    = errors.New("plugin not yet executed")
	ErrMissingOutputKey  = errors.New("missing output key")
)

// expressionPattern matches a settings string that is exactly one
// ${{ id.output.key }} placeholder.
var expressionPattern = regexp.MustCompile(`^\s*\$\{\{\s*(\S+)\s*\}\}\s*$`)

const outputKeyword = "output"

// ExpressionError reports a settings placeholder that could not be resolved.
type ExpressionError struct {
	Expr string
	Err  error
}

func (e *ExpressionError) Error() string {
	return fmt.Sprintf("%v: %q", e.Err, e.Expr)
}

func (e *ExpressionError) Unwrap() error { return e.Err }

// reference is a parsed placeholder.
type reference struct {
	pluginID string
	key      string
}

func parseExpression(expr string) (reference, error) {
	parts := strings.Split(expr, ".")
	if len(parts) != 3 || parts[0] == "" || parts[2] == "" {
		return reference{}, &ExpressionError{Expr: expr, Err: ErrInvalidExpression}
	}
	if parts[1] != outputKeyword {
		return reference{}, &ExpressionError{Expr: expr, Err: ErrInvalidExpression}
	}
	return reference{pluginID: parts[0], key: parts[2]}, nil
}

// stepIndex returns the index of the step with the given id, or -1.
func stepIndex(steps []protocol.PluginStep, id string) int {
	for i, s := range steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// ResolveSettings returns a copy of settings with every placeholder replaced
// by the referenced output. current is the index of the most recently
// completed step; a placeholder may only reference steps at or before it.
// Pass -1 when no step has run yet.
func ResolveSettings(settings map[string]any, steps []protocol.PluginStep, outputs []protocol.PluginOutput, current int) (map[string]any, error) {
	resolve := func(expr string) (any, error) {
		ref, err := parseExpression(expr)
		if err != nil {
			return nil, err
		}
		idx := stepIndex(steps, ref.pluginID)
		if idx < 0 {
			return nil, &ExpressionError{Expr: expr, Err: ErrUnknownPluginID}
		}
		if idx > current || idx >= len(outputs) {
			return nil, &ExpressionError{Expr: expr, Err: ErrNotYetExecuted}
		}
		v, ok := outputs[idx].Output[ref.key]
		if !ok {
			return nil, &ExpressionError{Expr: expr, Err: ErrMissingOutputKey}
		}
		return v, nil
	}

	out, err := walk(settings, resolve)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return map[string]any{}, nil
	}
	return out.(map[string]any), nil
}

// CheckReferences validates every placeholder in steps without outputs: each
// must parse and reference a strictly earlier step.
func CheckReferences(steps []protocol.PluginStep) error {
	for i, step := range steps {
		check := func(expr string) (any, error) {
			ref, err := parseExpression(expr)
			if err != nil {
				return nil, err
			}
			idx := stepIndex(steps, ref.pluginID)
			if idx < 0 {
				return nil, &ExpressionError{Expr: expr, Err: ErrUnknownPluginID}
			}
			if idx >= i {
				return nil, &ExpressionError{Expr: expr, Err: ErrNotYetExecuted}
			}
			return nil, nil
		}
		if _, err := walk(step.Settings, check); err != nil {
			return fmt.Errorf("step %d (%s): %w", i, stepLabel(step), err)
		}
	}
	return nil
}

func stepLabel(s protocol.PluginStep) string {
	if s.ID != "" {
		return s.ID
	}
	if s.Target != nil {
		return s.Target.String()
	}
	return "?"
}

// walk copies v, replacing placeholder strings with fn's result. Maps and
// slices recurse; other values pass through unchanged.
func walk(v any, fn func(expr string) (any, error)) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		if t == nil {
			return nil, nil
		}
		out := make(map[string]any, len(t))
		for k, item := range t {
			r, err := walk(item, fn)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			r, err := walk(item, fn)
			if err != nil {
				return nil, err
			}
			out[i] = r
		}
		return out, nil
	case string:
		m := expressionPattern.FindStringSubmatch(t)
		if m == nil {
			return t, nil
		}
		return fn(m[1])
	default:
		return v, nil
	}
}
