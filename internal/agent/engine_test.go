package agent

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/conduit/internal/dispatch"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/plugin"
	"github.com/mattjoyce/conduit/internal/protocol"
	"github.com/mattjoyce/conduit/internal/state"
	"github.com/mattjoyce/conduit/internal/storage"
	"github.com/mattjoyce/conduit/internal/trust"
)

var testKey *rsa.PrivateKey

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
	testKey = k
	os.Exit(m.Run())
}

const agentURL = "https://agent.example.com"

type fakeDispatcher struct {
	mu     sync.Mutex
	inputs []protocol.PluginInput
	result map[string]any
	err    error
	block  chan struct{}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, target protocol.Target, in *protocol.PluginInput) (*dispatch.Ack, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, &dispatch.Error{Target: target.String(), Err: ctx.Err()}
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, *in)
	if f.err != nil {
		return nil, &dispatch.Error{Target: target.String(), Err: f.err}
	}
	return &dispatch.Ack{Target: target, Result: f.result}, nil
}

func (f *fakeDispatcher) ResolveRef(_ context.Context, target protocol.Target) (string, error) {
	if wf, ok := target.(protocol.WorkflowTarget); ok {
		if wf.Ref != "" {
			return wf.Ref, nil
		}
		return "main", nil
	}
	return "", nil
}

func (f *fakeDispatcher) AuthToken(_ context.Context, owner string) (string, error) {
	if owner == "" {
		return "", nil
	}
	return "token-" + owner, nil
}

func (f *fakeDispatcher) Inputs() []protocol.PluginInput {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.PluginInput(nil), f.inputs...)
}

type fakeManifests struct {
	manifest *plugin.Manifest
	err      error
}

func (f fakeManifests) GetManifest(context.Context, protocol.Target) (*plugin.Manifest, error) {
	return f.manifest, f.err
}

// callbackRecorder counts callback invocations.
type callbackRecorder struct {
	calls atomic.Int64
	mu    sync.Mutex
	last  *AgentJobState
}

func (c *callbackRecorder) fn(_ context.Context, job *AgentJobState) {
	c.calls.Add(1)
	c.mu.Lock()
	c.last = job
	c.mu.Unlock()
}

func (c *callbackRecorder) Last() *AgentJobState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func newEngine(t *testing.T, store state.Store, disp *fakeDispatcher) *Engine {
	t.Helper()
	if store == nil {
		store = state.NewMemoryStore()
	}
	if disp == nil {
		disp = &fakeDispatcher{}
	}
	return New(Options{Store: store, Dispatcher: disp, SigningKey: testKey})
}

func request() JobRequest {
	return JobRequest{
		Target:    protocol.WorkerTarget{URL: agentURL},
		Command:   &protocol.Command{Name: "summarize", Parameters: map[string]any{"length": "short"}},
		Settings:  map[string]any{"model": "small"},
		SessionID: "session-1",
	}
}

func TestJobLifecycleScenario(t *testing.T) {
	ctx := context.Background()
	disp := &fakeDispatcher{}
	e := newEngine(t, nil, disp)
	rec := &callbackRecorder{}

	id, err := e.CreateJob(ctx, request(), rec.fn)
	require.NoError(t, err)
	e.Wait()

	job, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	assert.Equal(t, "session-1", job.SessionID)

	inputs := disp.Inputs()
	require.Len(t, inputs, 1)
	assert.Equal(t, id, inputs[0].StateID)
	assert.Equal(t, DefaultEventName, inputs[0].EventName)
	assert.Equal(t, "summarize", inputs[0].Command.Name)
	require.NoError(t, trust.VerifyInput(&inputs[0], &testKey.PublicKey))

	// Empty response: ignored.
	job, err = e.HandleResponse(ctx, id, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, job.Status)
	stored, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, stored.Status)
	assert.Nil(t, stored.Outputs)

	// Progress: running.
	job, err = e.HandleResponse(ctx, id, map[string]any{"foo": 1.0})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, job.Status)
	assert.Zero(t, rec.calls.Load())

	// Final: completed, callback once.
	job, err = e.HandleResponse(ctx, id, map[string]any{"data": map[string]any{"summary": "ok"}})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, int64(1), rec.calls.Load())
	assert.Equal(t, StatusCompleted, rec.Last().Status)

	// A duplicate final does not fire the callback again.
	_, err = e.HandleResponse(ctx, id, map[string]any{"data": "again"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.calls.Load())
	assert.Zero(t, e.callbacks.len())
}

func TestLateUpdateSuppression(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil, nil)

	id, err := e.CreateJob(ctx, request(), nil)
	require.NoError(t, err)
	e.Wait()

	_, err = e.HandleResponse(ctx, id, map[string]any{"data": "final"})
	require.NoError(t, err)
	before, err := e.Get(ctx, id)
	require.NoError(t, err)

	for _, late := range []map[string]any{{"progress": 0.5}, {"foo": 1.0}, {"data": "replaced"}} {
		job, err := e.HandleResponse(ctx, id, late)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, job.Status)
	}

	after, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, "final", after.Outputs["data"])
}

func TestHandleErrorScenario(t *testing.T) {
	ctx := context.Background()
	disp := &fakeDispatcher{block: make(chan struct{})}
	e := newEngine(t, nil, disp)
	rec := &callbackRecorder{}

	id, err := e.CreateJob(ctx, request(), rec.fn)
	require.NoError(t, err)

	job, err := e.HandleError(ctx, id, "boom")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, "boom", job.Error)
	assert.Equal(t, int64(1), rec.calls.Load())
	assert.Equal(t, StatusFailed, rec.Last().Status)
	assert.Equal(t, "boom", rec.Last().Error)

	// A failed job discards further responses.
	job, err = e.HandleResponse(ctx, id, map[string]any{"data": "late"})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)

	close(disp.block)
	e.Wait()
}

func TestCreateJobReturnsBeforeDispatch(t *testing.T) {
	disp := &fakeDispatcher{block: make(chan struct{})}
	e := newEngine(t, nil, disp)

	done := make(chan string, 1)
	go func() {
		id, err := e.CreateJob(context.Background(), request(), nil)
		assert.NoError(t, err)
		done <- id
	}()

	select {
	case id := <-done:
		job, err := e.Get(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, job.Status)
		assert.Empty(t, disp.Inputs())
	case <-time.After(5 * time.Second):
		t.Fatal("CreateJob blocked on dispatch")
	}

	close(disp.block)
	e.Wait()
	assert.Len(t, disp.Inputs(), 1)
}

func TestBackgroundDispatchFailureFailsJob(t *testing.T) {
	ctx := context.Background()
	disp := &fakeDispatcher{err: errors.New("connection refused")}
	e := newEngine(t, nil, disp)
	rec := &callbackRecorder{}

	id, err := e.CreateJob(ctx, request(), rec.fn)
	require.NoError(t, err, "dispatch failures are not returned to the caller")
	e.Wait()

	job, err := e.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, job.Error, "connection refused")
	assert.Equal(t, int64(1), rec.calls.Load())
}

func TestDispatchTimeoutFailsJob(t *testing.T) {
	disp := &fakeDispatcher{block: make(chan struct{})}
	e := New(Options{Store: state.NewMemoryStore(), Dispatcher: disp, SigningKey: testKey, BackgroundTimeout: 20 * time.Millisecond})

	id, err := e.CreateJob(context.Background(), request(), nil)
	require.NoError(t, err)
	e.Wait()

	job, err := e.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, job.Error, "deadline exceeded")
}

func TestWorkerImmediateResultCompletesJob(t *testing.T) {
	disp := &fakeDispatcher{result: map[string]any{"data": map[string]any{"answer": 42.0}}}
	e := newEngine(t, nil, disp)
	rec := &callbackRecorder{}

	id, err := e.CreateJob(context.Background(), request(), rec.fn)
	require.NoError(t, err)
	e.Wait()

	job, err := e.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, int64(1), rec.calls.Load())
}

func TestCreateJobValidatesCommand(t *testing.T) {
	m, err := plugin.ParseManifest([]byte(`{
		"name": "agent",
		"commands": {
			"summarize": {"parameters": {"type": "object", "required": ["length"], "properties": {"length": {"type": "string"}}}}
		}
	}`))
	require.NoError(t, err)

	store := state.NewMemoryStore()
	disp := &fakeDispatcher{}
	e := New(Options{Store: store, Dispatcher: disp, Manifests: fakeManifests{manifest: m}, SigningKey: testKey})

	_, err = e.CreateJob(context.Background(), request(), nil)
	require.NoError(t, err)

	bad := request()
	bad.Command = &protocol.Command{Name: "translate"}
	_, err = e.CreateJob(context.Background(), bad, nil)
	assert.ErrorIs(t, err, plugin.ErrUnknownCommand)

	bad.Command = &protocol.Command{Name: "summarize", Parameters: map[string]any{"length": 3}}
	_, err = e.CreateJob(context.Background(), bad, nil)
	assert.ErrorIs(t, err, plugin.ErrInvalidParameters)

	e.Wait()
	assert.Len(t, disp.Inputs(), 1)

	// A failing manifest lookup does not block job creation.
	e = New(Options{Store: store, Dispatcher: disp, Manifests: fakeManifests{err: errors.New("unreachable")}, SigningKey: testKey})
	_, err = e.CreateJob(context.Background(), bad, nil)
	require.NoError(t, err)
	e.Wait()
}

func TestCreateJobWorkflowTarget(t *testing.T) {
	disp := &fakeDispatcher{}
	e := newEngine(t, nil, disp)

	req := request()
	req.Target = protocol.WorkflowTarget{Owner: "acme", Repo: "agents", WorkflowID: "agent.yml"}
	_, err := e.CreateJob(context.Background(), req, nil)
	require.NoError(t, err)
	e.Wait()

	inputs := disp.Inputs()
	require.Len(t, inputs, 1)
	assert.Equal(t, "main", inputs[0].Ref)
	assert.Equal(t, "token-acme", inputs[0].AuthToken)
}

func TestUnknownJob(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil, nil)

	_, err := e.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = e.HandleResponse(ctx, "nope", map[string]any{"data": 1})
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = e.HandleError(ctx, "nope", "x")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = e.Watch(ctx, "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func collect(t *testing.T, ch <-chan *AgentJobState) []Status {
	t.Helper()
	var out []Status
	timeout := time.After(5 * time.Second)
	for {
		select {
		case job, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, job.Status)
		case <-timeout:
			t.Fatalf("watch did not finish, got %v", out)
		}
	}
}

func TestWatchYieldsStatusTransitions(t *testing.T) {
	for name, newStore := range map[string]func(t *testing.T) state.Store{
		"memory": func(t *testing.T) state.Store { return state.NewMemoryStore() },
		"sqlite": newSQLiteStore,
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			e := newEngine(t, newStore(t), nil)

			id, err := e.CreateJob(ctx, request(), nil)
			require.NoError(t, err)
			e.Wait()

			ch, err := e.Watch(ctx, id)
			require.NoError(t, err)

			updates := []map[string]any{
				{"step": 1.0},
				{"step": 2.0},
				{"step": 3.0},
				{"data": "done"},
				{"step": 4.0},
			}
			go func() {
				for _, u := range updates {
					_, _ = e.HandleResponse(ctx, id, u)
					time.Sleep(20 * time.Millisecond)
				}
			}()

			got := collect(t, ch)
			assert.Equal(t, []Status{StatusPending, StatusRunning, StatusCompleted}, got)
		})
	}
}

func TestWatchTerminalJobEndsImmediately(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil, nil)

	id, err := e.CreateJob(ctx, request(), nil)
	require.NoError(t, err)
	e.Wait()
	_, err = e.HandleError(ctx, id, "boom")
	require.NoError(t, err)

	ch, err := e.Watch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []Status{StatusFailed}, collect(t, ch))
}

// plainStore hides the Watch capability of the wrapped store.
type plainStore struct{ state.Store }

func TestWatchWithoutChangeFeedIsEmpty(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, plainStore{state.NewMemoryStore()}, nil)

	id, err := e.CreateJob(ctx, request(), nil)
	require.NoError(t, err)
	e.Wait()

	ch, err := e.Watch(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, collect(t, ch))

	_, err = e.Watch(ctx, "nope")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestWatchCancelReleasesSubscription(t *testing.T) {
	store := state.NewMemoryStore()
	e := newEngine(t, store, nil)

	id, err := e.CreateJob(context.Background(), request(), nil)
	require.NoError(t, err)
	e.Wait()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := e.Watch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, (<-ch).Status)
	require.Equal(t, 1, store.Hub().Subscribers())

	cancel()
	for range ch {
	}
	require.Eventually(t, func() bool { return store.Hub().Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestConcurrentJobsDoNotInterfere(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, nil, nil)

	const n = 20
	ids := make([]string, n)
	for i := range ids {
		id, err := e.CreateJob(ctx, request(), nil)
		require.NoError(t, err)
		ids[i] = id
	}
	e.Wait()

	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, _ = e.HandleResponse(ctx, id, map[string]any{"step": float64(i)})
			if i%2 == 0 {
				_, _ = e.HandleResponse(ctx, id, map[string]any{"data": float64(i)})
			} else {
				_, _ = e.HandleError(ctx, id, "odd")
			}
		}(i, id)
	}
	wg.Wait()

	for i, id := range ids {
		job, err := e.Get(ctx, id)
		require.NoError(t, err)
		if i%2 == 0 {
			assert.Equal(t, StatusCompleted, job.Status)
			assert.Equal(t, float64(i), job.Outputs["data"])
		} else {
			assert.Equal(t, StatusFailed, job.Status)
		}
	}
}

func newSQLiteStore(t *testing.T) state.Store {
	t.Helper()
	db, err := storage.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return state.NewSQLiteStore(db, 5*time.Millisecond)
}
