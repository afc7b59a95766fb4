package protocol

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
)

// maxDecompressedBytes bounds DecompressPayload output.
const maxDecompressedBytes = 16 << 20

// CompressPayload gzips raw and base64-encodes it so it fits a string input.
func CompressPayload(raw []byte) (string, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, gzip.BestCompression)
	if err != nil {
		return "", fmt.Errorf("create gzip writer: %w", err)
	}
	if _, err := zw.Write(raw); err != nil {
		return "", fmt.Errorf("compress payload: %w", err)
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("compress payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// DecompressPayload reverses CompressPayload.
func DecompressPayload(s string) ([]byte, error) {
	compressed, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode payload base64: %w", err)
	}
	zr, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("open gzip payload: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, maxDecompressedBytes+1))
	if err != nil {
		return nil, fmt.Errorf("decompress payload: %w", err)
	}
	if len(out) > maxDecompressedBytes {
		return nil, fmt.Errorf("decompressed payload exceeds %d bytes", maxDecompressedBytes)
	}
	return out, nil
}

// WorkflowInputs flattens a PluginInput into the string map accepted by a
// workflow_dispatch call. Non-primitive fields are JSON encoded and the event
// payload is compressed.
func WorkflowInputs(in *PluginInput) (map[string]string, error) {
	if in == nil {
		return nil, fmt.Errorf("plugin input is nil")
	}

	// An absent payload travels as null, the same form Canonical signs.
	payload := in.EventPayload
	if len(payload) == 0 {
		payload = json.RawMessage(`null`)
	}
	compressed, err := CompressPayload(payload)
	if err != nil {
		return nil, err
	}

	settings, err := json.Marshal(in.Settings)
	if err != nil {
		return nil, fmt.Errorf("encode settings: %w", err)
	}
	command, err := json.Marshal(in.Command)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}

	return map[string]string{
		"stateId":      in.StateID,
		"eventName":    in.EventName,
		"eventPayload": compressed,
		"settings":     string(settings),
		"authToken":    in.AuthToken,
		"ref":          in.Ref,
		"command":      string(command),
		"signature":    in.Signature,
	}, nil
}

// DecodeWorkflowInputs is the inverse of WorkflowInputs, as run on the
// workflow side.
func DecodeWorkflowInputs(inputs map[string]string) (*PluginInput, error) {
	payload, err := DecompressPayload(inputs["eventPayload"])
	if err != nil {
		return nil, err
	}

	in := &PluginInput{
		StateID:      inputs["stateId"],
		EventName:    inputs["eventName"],
		EventPayload: json.RawMessage(payload),
		AuthToken:    inputs["authToken"],
		Ref:          inputs["ref"],
		Signature:    inputs["signature"],
	}
	if s := inputs["settings"]; s != "" {
		if err := json.Unmarshal([]byte(s), &in.Settings); err != nil {
			return nil, fmt.Errorf("decode settings: %w", err)
		}
	}
	if c := inputs["command"]; c != "" {
		if err := json.Unmarshal([]byte(c), &in.Command); err != nil {
			return nil, fmt.Errorf("decode command: %w", err)
		}
	}
	return in, nil
}

// DecodeOutput reads a PluginOutput and checks the correlation id is present.
func DecodeOutput(r io.Reader) (*PluginOutput, error) {
	var out PluginOutput
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode plugin output: %w", err)
	}
	if out.StateID == "" {
		return nil, fmt.Errorf("plugin output missing required field: state_id")
	}
	if out.Output == nil {
		out.Output = map[string]any{}
	}
	return &out, nil
}
