package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestCompressPayloadRoundTrip(t *testing.T) {
	raw := []byte(`{"action":"opened","issue":{"number":7,"body":"` + strings.Repeat("x", 4096) + `"}}`)

	compressed, err := CompressPayload(raw)
	if err != nil {
		t.Fatalf("CompressPayload: %v", err)
	}
	if len(compressed) >= len(raw) {
		t.Errorf("expected compressed form to be smaller: %d >= %d", len(compressed), len(raw))
	}

	back, err := DecompressPayload(compressed)
	if err != nil {
		t.Fatalf("DecompressPayload: %v", err)
	}
	if string(back) != string(raw) {
		t.Fatalf("round trip mismatch")
	}
}

func TestDecompressPayloadRejectsGarbage(t *testing.T) {
	if _, err := DecompressPayload("not base64!"); err == nil {
		t.Fatal("expected error for invalid base64")
	}
	if _, err := DecompressPayload("aGVsbG8="); err == nil {
		t.Fatal("expected error for non-gzip data")
	}
}

func TestWorkflowInputsAreFlatStrings(t *testing.T) {
	in := &PluginInput{
		StateID:      "state-1",
		EventName:    "issues.opened",
		EventPayload: json.RawMessage(`{"action":"opened"}`),
		Command:      &Command{Name: "triage", Parameters: map[string]any{"label": "bug"}},
		AuthToken:    "ghs_token",
		Settings:     map[string]any{"x": 42.0},
		Ref:          "main",
		Signature:    "sig",
	}

	inputs, err := WorkflowInputs(in)
	if err != nil {
		t.Fatalf("WorkflowInputs: %v", err)
	}

	if len(inputs) != 8 {
		t.Fatalf("expected 8 inputs, got %d: %v", len(inputs), inputs)
	}
	if inputs["settings"] != `{"x":42}` {
		t.Errorf("settings = %q", inputs["settings"])
	}
	if inputs["command"] != `{"name":"triage","parameters":{"label":"bug"}}` {
		t.Errorf("command = %q", inputs["command"])
	}
	if inputs["eventPayload"] == `{"action":"opened"}` {
		t.Error("eventPayload should be compressed")
	}

	back, err := DecodeWorkflowInputs(inputs)
	if err != nil {
		t.Fatalf("DecodeWorkflowInputs: %v", err)
	}
	if string(back.EventPayload) != `{"action":"opened"}` {
		t.Errorf("payload = %s", back.EventPayload)
	}
	if back.Command == nil || back.Command.Name != "triage" {
		t.Errorf("command = %+v", back.Command)
	}
	if back.Settings["x"] != 42.0 {
		t.Errorf("settings = %+v", back.Settings)
	}
}

func TestWorkflowInputsNullCommand(t *testing.T) {
	inputs, err := WorkflowInputs(&PluginInput{StateID: "s"})
	if err != nil {
		t.Fatalf("WorkflowInputs: %v", err)
	}
	if inputs["command"] != "null" {
		t.Errorf("command = %q, want null", inputs["command"])
	}

	back, err := DecodeWorkflowInputs(inputs)
	if err != nil {
		t.Fatalf("DecodeWorkflowInputs: %v", err)
	}
	if back.Command != nil {
		t.Errorf("expected nil command, got %+v", back.Command)
	}
	if string(back.EventPayload) != `null` {
		t.Errorf("payload = %s", back.EventPayload)
	}
}

func TestDecodeOutput(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr bool
	}{
		{"valid", `{"state_id":"abc","output":{"y":42}}`, false},
		{"missing output defaults to empty", `{"state_id":"abc"}`, false},
		{"missing state id", `{"output":{}}`, true},
		{"invalid json", `{`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := DecodeOutput(strings.NewReader(tt.body))
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeOutput() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && out.Output == nil {
				t.Error("expected non-nil output map")
			}
		})
	}
}
