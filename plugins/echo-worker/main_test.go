package main

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/plugin"
	"github.com/mattjoyce/conduit/internal/protocol"
	"github.com/mattjoyce/conduit/internal/trust"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func newTestWorker(t *testing.T) (*rsa.PrivateKey, http.Handler) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key, newHandler(&key.PublicKey)
}

func signedBody(t *testing.T, key *rsa.PrivateKey, in *protocol.PluginInput) []byte {
	t.Helper()
	require.NoError(t, trust.SignInput(in, key))
	b, err := json.Marshal(in)
	require.NoError(t, err)
	return b
}

func TestManifest(t *testing.T) {
	_, h := newTestWorker(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/manifest.json", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	m, err := plugin.ParseManifest(rec.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "echo", m.Name)
	assert.Equal(t, []string{"echo"}, m.CommandNames())
}

func TestEchoSignedInput(t *testing.T) {
	key, h := newTestWorker(t)

	in := &protocol.PluginInput{
		StateID:      "state-1",
		EventName:    "issues.opened",
		EventPayload: json.RawMessage(`{}`),
		Command:      &protocol.Command{Name: "echo", Parameters: map[string]any{"message": "hi"}},
		Settings:     map[string]any{"labels": "bug"},
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(signedBody(t, key, in))))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Data echoResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "state-1", resp.Data.StateID)
	assert.Equal(t, "issues.opened", resp.Data.EventName)
	assert.Equal(t, "bug", resp.Data.Settings["labels"])
	require.NotNil(t, resp.Data.Command)
	assert.Equal(t, "echo", resp.Data.Command.Name)
}

func TestEchoRejectsTamperedInput(t *testing.T) {
	key, h := newTestWorker(t)

	in := &protocol.PluginInput{StateID: "state-1", Settings: map[string]any{"n": 1.0}}
	require.NoError(t, trust.SignInput(in, key))
	in.Settings["n"] = 2.0
	body, err := json.Marshal(in)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body)))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestEchoRejectsGarbage(t *testing.T) {
	_, h := newTestWorker(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte("nope"))))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoadPublicKey(t *testing.T) {
	_, err := loadPublicKey("")
	assert.Error(t, err)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	pemBytes, err := trust.EncodePublicKey(&key.PublicKey)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "pub.pem")
	require.NoError(t, os.WriteFile(path, pemBytes, 0o644))

	pub, err := loadPublicKey(path)
	require.NoError(t, err)
	assert.Equal(t, 0, pub.N.Cmp(key.PublicKey.N))
}
