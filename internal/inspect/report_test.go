package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/conduit/internal/chain"
	"github.com/mattjoyce/conduit/internal/protocol"
	"github.com/mattjoyce/conduit/internal/state"
	"github.com/mattjoyce/conduit/internal/storage"
)

func sampleChain() *chain.PluginChainState {
	return &chain.PluginChainState{
		StateID:       "state-1",
		EventID:       "delivery-1",
		EventName:     "issues.opened",
		EventPayload:  json.RawMessage(`{"action":"opened"}`),
		CurrentPlugin: 1,
		PluginChain: []protocol.PluginStep{
			{ID: "classify", Target: protocol.WorkflowTarget{Owner: "acme", Repo: "triage", WorkflowID: "compute.yml"}},
			{ID: "label", Target: protocol.WorkerTarget{URL: "https://labeler.example.com"}},
			{Target: protocol.WorkerTarget{URL: "https://notify.example.com"}},
		},
		Inputs: []protocol.PluginInput{
			{StateID: "state-1", Ref: "main", Settings: map[string]any{"model": "small"}, Signature: "sig"},
			{StateID: "state-1", Settings: map[string]any{"labels": []any{"bug"}}, Signature: "sig"},
		},
		Outputs: []protocol.PluginOutput{
			{StateID: "state-1", Output: map[string]any{"labels": []any{"bug"}}},
		},
	}
}

func TestFromState(t *testing.T) {
	t.Parallel()

	r := FromState(sampleChain())
	if r.Terminal {
		t.Error("chain should not be terminal")
	}
	if len(r.Steps) != 3 {
		t.Fatalf("steps = %d, want 3", len(r.Steps))
	}

	want := []string{StepDone, StepWaiting, StepPending}
	for i, s := range r.Steps {
		if s.Status != want[i] {
			t.Errorf("step %d status = %q, want %q", i, s.Status, want[i])
		}
	}
	if r.Steps[0].Target != "acme/triage:compute.yml" || r.Steps[0].Ref != "main" {
		t.Errorf("step 0 = %+v", r.Steps[0])
	}
	if !r.Steps[1].Signature || r.Steps[2].Signature {
		t.Errorf("signed flags wrong: %+v", r.Steps)
	}
}

func TestLoadFromSQLite(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	store := state.NewSQLiteStore(db, 0)

	chains := state.NewTyped[chain.PluginChainState](store, state.PrefixChain, 0)
	if err := chains.Put(ctx, "state-1", sampleChain()); err != nil {
		t.Fatalf("Put: %v", err)
	}

	r, err := Load(ctx, store, "state-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	human := r.Human()
	for _, want := range []string{
		"State ID    : state-1",
		"Event       : issues.opened (delivery-1)",
		"Progress    : step 2 of 3",
		"[0] classify :: acme/triage:compute.yml",
		"[2] <unnamed> :: https://notify.example.com",
		"status     : waiting",
		`labels: [`,
	} {
		if !strings.Contains(human, want) {
			t.Errorf("report missing %q:\n%s", want, human)
		}
	}

	out, err := r.JSON()
	if err != nil {
		t.Fatalf("JSON: %v", err)
	}
	var decoded Report
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("decode JSON report: %v", err)
	}
	if decoded.StateID != "state-1" || len(decoded.Steps) != 3 {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestLoadErrors(t *testing.T) {
	t.Parallel()

	store := state.NewMemoryStore()
	if _, err := Load(context.Background(), store, " "); err == nil {
		t.Error("expected error for empty state id")
	}
	_, err := Load(context.Background(), store, "missing")
	if !errors.Is(err, state.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
