package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
)

func TestSetupWriterFirstCallWins(t *testing.T) {
	logger = nil
	once = *new(sync.Once)

	var first, second bytes.Buffer
	SetupWriter("DEBUG", &first)
	SetupWriter("ERROR", &second)

	Get().Debug("visible")
	if first.Len() == 0 {
		t.Fatal("expected debug line on the first writer")
	}
	if second.Len() != 0 {
		t.Fatalf("second writer should stay unused, got %q", second.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	return out
}

func TestContextHelpers(t *testing.T) {
	tests := []struct {
		name  string
		build func() *slog.Logger
		key   string
		want  string
	}{
		{"component", func() *slog.Logger { return WithComponent("chain") }, "component", "chain"},
		{"chain", func() *slog.Logger { return WithChain("state-1") }, "state_id", "state-1"},
		{"job", func() *slog.Logger { return WithJob("job-123") }, "job_id", "job-123"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger = slog.New(slog.NewJSONHandler(&buf, nil))

			tt.build().Info("hello")

			out := decodeLine(t, &buf)
			if out[tt.key] != tt.want {
				t.Errorf("expected %s=%q, got %v", tt.key, tt.want, out[tt.key])
			}
			if out["msg"] != "hello" {
				t.Errorf("expected msg 'hello', got %v", out["msg"])
			}
		})
	}
}
