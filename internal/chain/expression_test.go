package chain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conduit/internal/protocol"
)

func steps(ids ...string) []protocol.PluginStep {
	out := make([]protocol.PluginStep, len(ids))
	for i, id := range ids {
		out[i] = protocol.PluginStep{ID: id, Target: protocol.WorkerTarget{URL: "https://" + id + ".example.com"}}
	}
	return out
}

func outputsFor(n int) []protocol.PluginOutput {
	out := make([]protocol.PluginOutput, n)
	for i := range out {
		out[i] = protocol.PluginOutput{StateID: "s", Output: map[string]any{"k": float64(i)}}
	}
	return out
}

func TestResolveSettingsTwoStepScenario(t *testing.T) {
	chain := []protocol.PluginStep{
		{ID: "a", Target: protocol.WorkerTarget{URL: "https://a.example.com"}},
		{Target: protocol.WorkerTarget{URL: "https://b.example.com"}, Settings: map[string]any{"x": "${{ a.output.y }}"}},
	}
	outputs := []protocol.PluginOutput{{StateID: "s", Output: map[string]any{"y": 42.0}}}

	got, err := ResolveSettings(chain[1].Settings, chain, outputs, 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 42.0}, got)
	assert.Equal(t, "${{ a.output.y }}", chain[1].Settings["x"], "input settings must not be modified")
}

func TestResolveSettingsRejectsForwardAndSelfReferences(t *testing.T) {
	const n = 5
	chain := steps("s0", "s1", "s2", "s3", "s4")

	for i := 0; i < n; i++ {
		outputs := outputsFor(i)
		for j := i; j < n; j++ {
			settings := map[string]any{"v": fmt.Sprintf("${{ s%d.output.k }}", j)}
			_, err := ResolveSettings(settings, chain, outputs, i-1)
			assert.ErrorIsf(t, err, ErrNotYetExecuted, "step %d referencing step %d", i, j)
		}
		for j := 0; j < i; j++ {
			settings := map[string]any{"v": fmt.Sprintf("${{ s%d.output.k }}", j)}
			got, err := ResolveSettings(settings, chain, outputs, i-1)
			require.NoErrorf(t, err, "step %d referencing step %d", i, j)
			assert.Equal(t, float64(j), got["v"])
		}
		_, err := ResolveSettings(map[string]any{"v": "${{ ghost.output.k }}"}, chain, outputs, i-1)
		assert.ErrorIs(t, err, ErrUnknownPluginID)
	}
}

func TestResolveSettingsErrors(t *testing.T) {
	chain := steps("a", "b")
	outputs := outputsFor(1)

	tests := []struct {
		name    string
		value   any
		wantErr error
	}{
		{"two parts", "${{ a.output }}", ErrInvalidExpression},
		{"four parts", "${{ a.output.k.deep }}", ErrInvalidExpression},
		{"wrong keyword", "${{ a.result.k }}", ErrInvalidExpression},
		{"empty key", "${{ a.output. }}", ErrInvalidExpression},
		{"unknown id", "${{ zzz.output.k }}", ErrUnknownPluginID},
		{"self reference", "${{ b.output.k }}", ErrNotYetExecuted},
		{"missing key", "${{ a.output.nope }}", ErrMissingOutputKey},
		{"nested in map", map[string]any{"deep": "${{ a.output.nope }}"}, ErrMissingOutputKey},
		{"nested in slice", []any{"ok", "${{ zzz.output.k }}"}, ErrUnknownPluginID},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ResolveSettings(map[string]any{"v": tt.value}, chain, outputs, 0)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			var exprErr *ExpressionError
			assert.True(t, errors.As(err, &exprErr))
		})
	}
}

func TestResolveSettingsPassThrough(t *testing.T) {
	chain := steps("a", "b")
	outputs := []protocol.PluginOutput{{Output: map[string]any{"y": "why", "obj": map[string]any{"n": 1.0}}}}

	settings := map[string]any{
		"plain":    "hello",
		"embedded": "prefix ${{ a.output.y }}",
		"number":   3.5,
		"flag":     true,
		"null":     nil,
		"spaced":   "  ${{a.output.y}}  ",
		"nested":   map[string]any{"list": []any{"${{ a.output.obj }}", 1.0}},
	}

	got, err := ResolveSettings(settings, chain, outputs, 0)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"plain":    "hello",
		"embedded": "prefix ${{ a.output.y }}",
		"number":   3.5,
		"flag":     true,
		"null":     nil,
		"spaced":   "why",
		"nested":   map[string]any{"list": []any{map[string]any{"n": 1.0}, 1.0}},
	}, got)
}

func TestResolveSettingsNoSettings(t *testing.T) {
	got, err := ResolveSettings(nil, steps("a"), nil, -1)
	require.NoError(t, err)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestCheckReferences(t *testing.T) {
	good := steps("a", "b", "c")
	good[1].Settings = map[string]any{"x": "${{ a.output.y }}"}
	good[2].Settings = map[string]any{"x": []any{"${{ a.output.y }}", "${{ b.output.z }}"}}
	require.NoError(t, CheckReferences(good))

	forward := steps("a", "b")
	forward[0].Settings = map[string]any{"x": "${{ b.output.y }}"}
	assert.ErrorIs(t, CheckReferences(forward), ErrNotYetExecuted)

	self := steps("a", "b")
	self[1].Settings = map[string]any{"x": "${{ b.output.y }}"}
	assert.ErrorIs(t, CheckReferences(self), ErrNotYetExecuted)

	unknown := steps("a", "b")
	unknown[1].Settings = map[string]any{"x": "${{ q.output.y }}"}
	assert.ErrorIs(t, CheckReferences(unknown), ErrUnknownPluginID)
}
