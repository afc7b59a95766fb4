// Package inspect renders persisted chain state for operators.
package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mattjoyce/conduit/internal/chain"
	"github.com/mattjoyce/conduit/internal/state"
)

// Step status values.
const (
	StepDone    = "done"
	StepWaiting = "waiting"
	StepPending = "pending"
)

// Report is the structured JSON representation of a chain report.
type Report struct {
	StateID   string `json:"state_id"`
	EventID   string `json:"event_id"`
	EventName string `json:"event_name"`
	Current   int    `json:"current"`
	Terminal  bool   `json:"terminal"`
	Steps     []Step `json:"steps"`
}

// Step is one entry of the chain.
type Step struct {
	Index     int            `json:"index"`
	ID        string         `json:"id,omitempty"`
	Target    string         `json:"target"`
	Status    string         `json:"status"`
	Ref       string         `json:"ref,omitempty"`
	Settings  map[string]any `json:"settings,omitempty"`
	Output    map[string]any `json:"output,omitempty"`
	Signature bool           `json:"signed"`
}

// Load reads the chain stored under stateID and builds its report.
func Load(ctx context.Context, store state.Store, stateID string) (*Report, error) {
	if strings.TrimSpace(stateID) == "" {
		return nil, fmt.Errorf("state_id is required")
	}
	chains := state.NewTyped[chain.PluginChainState](store, state.PrefixChain, 0)
	st, err := chains.Get(ctx, stateID)
	if err != nil {
		return nil, fmt.Errorf("load chain %q: %w", stateID, err)
	}
	return FromState(st), nil
}

// FromState builds a report from a chain.
func FromState(st *chain.PluginChainState) *Report {
	r := &Report{
		StateID:   st.StateID,
		EventID:   st.EventID,
		EventName: st.EventName,
		Current:   st.CurrentPlugin,
		Terminal:  st.IsTerminal(),
		Steps:     make([]Step, 0, len(st.PluginChain)),
	}
	for i, ps := range st.PluginChain {
		step := Step{Index: i, ID: ps.ID, Status: StepPending}
		if ps.Target != nil {
			step.Target = ps.Target.String()
		}
		if i < len(st.Inputs) {
			in := st.Inputs[i]
			step.Ref = in.Ref
			step.Settings = in.Settings
			step.Signature = in.Signature != ""
			step.Status = StepWaiting
		}
		if i < len(st.Outputs) {
			step.Output = st.Outputs[i].Output
			step.Status = StepDone
		}
		r.Steps = append(r.Steps, step)
	}
	return r
}

// Human renders a terminal-friendly report.
func (r *Report) Human() string {
	var out strings.Builder
	fmt.Fprintf(&out, "Chain Report\n")
	fmt.Fprintf(&out, "State ID    : %s\n", r.StateID)
	fmt.Fprintf(&out, "Event       : %s (%s)\n", renderUnset(r.EventName, "<unknown>"), renderUnset(r.EventID, "<no id>"))
	fmt.Fprintf(&out, "Progress    : step %d of %d\n", r.Current+1, len(r.Steps))
	fmt.Fprintf(&out, "Terminal    : %t\n", r.Terminal)
	fmt.Fprintf(&out, "\n")

	for _, step := range r.Steps {
		fmt.Fprintf(&out, "[%d] %s :: %s\n", step.Index, renderUnset(step.ID, "<unnamed>"), step.Target)
		fmt.Fprintf(&out, "    status     : %s\n", step.Status)
		if step.Ref != "" {
			fmt.Fprintf(&out, "    ref        : %s\n", step.Ref)
		}
		if step.Status == StepPending {
			fmt.Fprintf(&out, "\n")
			continue
		}
		fmt.Fprintf(&out, "    signed     : %t\n", step.Signature)
		writeBlock(&out, "settings", step.Settings)
		if step.Status == StepDone {
			writeBlock(&out, "output", step.Output)
		}
		fmt.Fprintf(&out, "\n")
	}

	return strings.TrimRight(out.String(), "\n") + "\n"
}

// JSON returns the machine-readable report.
func (r *Report) JSON() (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal json report: %w", err)
	}
	return string(data), nil
}

func writeBlock(out *strings.Builder, label string, v map[string]any) {
	if len(v) == 0 {
		fmt.Fprintf(out, "    %-10s : <none>\n", label)
		return
	}
	fmt.Fprintf(out, "    %-10s :\n", label)
	for _, line := range strings.Split(prettyJSON(v), "\n") {
		fmt.Fprintf(out, "      %s\n", line)
	}
}

// prettyJSON indents v with sorted keys at the top level.
func prettyJSON(v map[string]any) string {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		val, err := json.MarshalIndent(v[k], "  ", "  ")
		if err != nil {
			fmt.Fprintf(&b, "%s: %v\n", k, v[k])
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", k, val)
	}
	return strings.TrimRight(b.String(), "\n")
}

func renderUnset(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
