package api

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conduit/internal/agent"
	"github.com/mattjoyce/conduit/internal/auth"
	"github.com/mattjoyce/conduit/internal/chain"
	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/dispatch"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/plugin"
	"github.com/mattjoyce/conduit/internal/protocol"
	"github.com/mattjoyce/conduit/internal/state"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		testKey = k
	})
	return testKey
}

// fakeChains implements ChainEngine.
type fakeChains struct {
	mu      sync.Mutex
	states  map[string]*chain.PluginChainState
	outputs []*protocol.PluginOutput
	sources []protocol.Source
	outcome chain.Outcome
	err     error
}

func (f *fakeChains) Get(_ context.Context, stateID string) (*chain.PluginChainState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[stateID]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", stateID, state.ErrNotFound)
	}
	return st, nil
}

func (f *fakeChains) Advance(_ context.Context, src protocol.Source, out *protocol.PluginOutput) (chain.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outputs = append(f.outputs, out)
	f.sources = append(f.sources, src)
	return f.outcome, f.err
}

// fakeDispatcher accepts every job without an immediate result.
type fakeDispatcher struct {
	mu      sync.Mutex
	targets []protocol.Target
}

func (f *fakeDispatcher) Dispatch(_ context.Context, target protocol.Target, _ *protocol.PluginInput) (*dispatch.Ack, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target)
	return &dispatch.Ack{Target: target}, nil
}

func (f *fakeDispatcher) ResolveRef(context.Context, protocol.Target) (string, error) {
	return "main", nil
}

func (f *fakeDispatcher) AuthToken(context.Context, string) (string, error) {
	return "", nil
}

// fakeManifests serves one manifest for every target.
type fakeManifests struct {
	manifest *plugin.Manifest
}

func (f *fakeManifests) GetManifest(context.Context, protocol.Target) (*plugin.Manifest, error) {
	if f.manifest == nil {
		return nil, errors.New("no manifest")
	}
	return f.manifest, nil
}

type automationList []config.Automation

func (a automationList) Automations() []config.Automation { return a }

type harness struct {
	server     *Server
	handler    http.Handler
	chains     *fakeChains
	jobs       *agent.Engine
	dispatcher *fakeDispatcher
}

const (
	adminKey    = "admin-key"
	readerToken = "reader-token"
	chainToken  = "chain-token"
)

func newHarness(t *testing.T, manifests agent.Manifests) *harness {
	t.Helper()
	return newHarnessWithStore(t, state.NewMemoryStore(), manifests)
}

func newHarnessWithStore(t *testing.T, store state.Store, manifests agent.Manifests) *harness {
	t.Helper()
	d := &fakeDispatcher{}
	jobs := agent.New(agent.Options{
		Store:      store,
		Dispatcher: d,
		Manifests:  manifests,
		SigningKey: signingKey(t),
	})
	t.Cleanup(jobs.Wait)

	chains := &fakeChains{states: map[string]*chain.PluginChainState{}, outcome: chain.OutcomeAdvanced}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	srv := New(Config{
		Listen: "127.0.0.1:0",
		APIKey: adminKey,
		Tokens: []auth.TokenConfig{
			{Token: readerToken, Scopes: []string{auth.ScopeJobsRO}},
			{Token: chainToken, Scopes: []string{auth.ScopeChainsRW}},
		},
		KeepAlive: 20 * time.Millisecond,
	}, chains, jobs, automationList{{Name: "a"}, {Name: "b"}}, logger)

	return &harness{server: srv, handler: srv.Handler(), chains: chains, jobs: jobs, dispatcher: d}
}

func (h *harness) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func createJob(t *testing.T, h *harness, body any) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/jobs", adminKey, body)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	resp := decode[CreateJobResponse](t, rec)
	require.NotEmpty(t, resp.JobID)
	return resp.JobID
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthzResponse](t, rec)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 2, resp.Automations)
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodGet, "/jobs/x", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(t, http.MethodGet, "/jobs/x", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestScopes(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		body   any
		want   int
	}{
		{"reader cannot create jobs", http.MethodPost, "/jobs", readerToken, `{}`, http.StatusForbidden},
		{"reader cannot fail jobs", http.MethodPost, "/jobs/x/error", readerToken, `{}`, http.StatusForbidden},
		{"reader cannot advance chains", http.MethodPost, "/chains/s/output", readerToken, `{}`, http.StatusForbidden},
		{"reader can read jobs", http.MethodGet, "/jobs/missing", readerToken, nil, http.StatusNotFound},
		{"chain writer can read chains", http.MethodGet, "/chains/missing", chainToken, nil, http.StatusNotFound},
		{"chain writer cannot read jobs", http.MethodGet, "/jobs/missing", chainToken, nil, http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(t, tt.method, tt.path, tt.token, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestChainOutput(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.do(t, http.MethodPost, "/chains/s-1/output", chainToken, OutputRequest{
		Output: map[string]any{"sha": "abc"},
		Source: protocol.Source{Owner: "acme", Repo: "ci"},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[OutputResponse](t, rec)
	assert.Equal(t, "s-1", resp.StateID)
	assert.Equal(t, "advanced", resp.Outcome)

	require.Len(t, h.chains.outputs, 1)
	assert.Equal(t, "s-1", h.chains.outputs[0].StateID)
	assert.Equal(t, "abc", h.chains.outputs[0].Output["sha"])
	assert.Equal(t, protocol.Source{Owner: "acme", Repo: "ci"}, h.chains.sources[0])
}

func TestChainOutput_Errors(t *testing.T) {
	tests := []struct {
		name string
		body any
		err  error
		want int
	}{
		{name: "invalid json", body: `{`, want: http.StatusBadRequest},
		{name: "missing output", body: `{"source":{}}`, want: http.StatusBadRequest},
		{
			name: "unresolvable settings",
			body: `{"output":{}}`,
			err:  &chain.ExpressionError{Expr: "${{ x.output.y }}", Err: chain.ErrUnknownPluginID},
			want: http.StatusUnprocessableEntity,
		},
		{
			name: "dispatch failure",
			body: `{"output":{}}`,
			err:  &dispatch.Error{Target: "https://w.example", Err: errors.New("503")},
			want: http.StatusBadGateway,
		},
		{name: "store failure", body: `{"output":{}}`, err: errors.New("disk"), want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			h.chains.err = tt.err

			rec := h.do(t, http.MethodPost, "/chains/s-1/output", adminKey, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestGetChain(t *testing.T) {
	h := newHarness(t, nil)
	h.chains.states["s-1"] = &chain.PluginChainState{StateID: "s-1", EventName: "push"}

	rec := h.do(t, http.MethodGet, "/chains/s-1", adminKey, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[chain.PluginChainState](t, rec)
	assert.Equal(t, "push", st.EventName)
}

func TestJobLifecycle(t *testing.T) {
	h := newHarness(t, nil)

	jobID := createJob(t, h, map[string]any{
		"target":     "https://worker.example/run",
		"command":    map[string]any{"name": "summarize", "parameters": map[string]any{"n": 3}},
		"session_id": "sess-1",
	})
	h.jobs.Wait()

	rec := h.do(t, http.MethodGet, "/jobs/"+jobID, readerToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode[agent.AgentJobState](t, rec)
	assert.Equal(t, agent.StatusPending, job.Status)
	assert.Equal(t, "sess-1", job.SessionID)
	assert.Equal(t, "https://worker.example/run", job.Target)
	assert.NotEmpty(t, job.Inputs.Signature)

	rec = h.do(t, http.MethodPost, "/jobs/"+jobID+"/response", adminKey, map[string]any{"progress": 50})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, agent.StatusRunning, decode[agent.AgentJobState](t, rec).Status)

	rec = h.do(t, http.MethodPost, "/jobs/"+jobID+"/response", adminKey, map[string]any{"data": "done"})
	require.Equal(t, http.StatusOK, rec.Code)
	job = decode[agent.AgentJobState](t, rec)
	assert.Equal(t, agent.StatusCompleted, job.Status)
	assert.Equal(t, "done", job.Outputs["data"])

	// Late updates are discarded.
	rec = h.do(t, http.MethodPost, "/jobs/"+jobID+"/response", adminKey, map[string]any{"progress": 99})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, agent.StatusCompleted, decode[agent.AgentJobState](t, rec).Status)
}

func TestCreateJob_WorkflowTarget(t *testing.T) {
	h := newHarness(t, nil)

	createJob(t, h, map[string]any{
		"target": map[string]any{"owner": "acme", "repo": "agents", "workflowId": "run.yml"},
	})
	h.jobs.Wait()

	h.dispatcher.mu.Lock()
	defer h.dispatcher.mu.Unlock()
	require.Len(t, h.dispatcher.targets, 1)
	assert.Equal(t, protocol.KindWorkflow, h.dispatcher.targets[0].Kind())
}

func TestCreateJob_Errors(t *testing.T) {
	manifest, err := plugin.ParseManifest([]byte(`{
		"name": "summarizer",
		"commands": [{"name": "summarize", "parameters": {"n": "integer"}}]
	}`))
	require.NoError(t, err)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"missing target", `{}`, http.StatusBadRequest},
		{"bad target", `{"target": 42}`, http.StatusBadRequest},
		{"unknown command", `{"target":"https://w.example","command":{"name":"nope"}}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, &fakeManifests{manifest: manifest})
			rec := h.do(t, http.MethodPost, "/jobs", adminKey, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestJobError(t *testing.T) {
	h := newHarness(t, nil)
	jobID := createJob(t, h, map[string]any{"target": "https://worker.example"})
	h.jobs.Wait()

	rec := h.do(t, http.MethodPost, "/jobs/"+jobID+"/error", adminKey, `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/jobs/"+jobID+"/error", adminKey, JobErrorRequest{Error: "model unavailable"})
	require.Equal(t, http.StatusOK, rec.Code)
	job := decode[agent.AgentJobState](t, rec)
	assert.Equal(t, agent.StatusFailed, job.Status)
	assert.Equal(t, "model unavailable", job.Error)
}

func TestJobNotFound(t *testing.T) {
	h := newHarness(t, nil)

	for _, path := range []string{"/jobs/nope/response", "/jobs/nope/error"} {
		rec := h.do(t, http.MethodPost, path, adminKey, `{"error":"x","data":1}`)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	rec := h.do(t, http.MethodGet, "/jobs/nope/watch", adminKey, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
