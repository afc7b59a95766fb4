package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mattjoyce/conduit/internal/github"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/protocol"
)

//go:generate mockgen -destination=mocks/mock_github.go -package=mocks github.com/mattjoyce/conduit/internal/dispatch GitHub

// GitHub is the installation-scoped API surface the dispatcher needs.
// *github.App satisfies it.
type GitHub interface {
	ListInstallations(ctx context.Context) ([]github.Installation, error)
	InstallationToken(ctx context.Context, installationID int64) (string, error)
	GetRepo(ctx context.Context, installationID int64, owner, repo string) (*github.Repository, error)
	CreateWorkflowDispatch(ctx context.Context, installationID int64, owner, repo, workflowID, ref string, inputs map[string]string) error
	GetContent(ctx context.Context, installationID int64, owner, repo, path, ref string) ([]byte, error)
}

const (
	DefaultWorkerTimeout = 30 * time.Second

	// maxWorkerResponseBytes caps how much of a worker reply is read.
	maxWorkerResponseBytes = 4 << 20
)

// Ack confirms a dispatch was accepted. Result is set only when a worker
// answered with a JSON object.
type Ack struct {
	Target protocol.Target
	Result map[string]any
}

// Options configures a Dispatcher.
type Options struct {
	WorkerTimeout time.Duration
	HTTPClient    *http.Client
	Logger        *slog.Logger
}

// Dispatcher delivers inputs to workflow and worker targets.
type Dispatcher struct {
	gh            GitHub
	client        *http.Client
	workerTimeout time.Duration
	logger        *slog.Logger

	mu            sync.Mutex
	installations map[string]int64
}

// New creates a Dispatcher. gh may be nil, in which case workflow targets
// fail with ErrNoInstallationFound and AuthToken returns "".
func New(gh GitHub, opts Options) *Dispatcher {
	if opts.WorkerTimeout <= 0 {
		opts.WorkerTimeout = DefaultWorkerTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	if opts.Logger == nil {
		opts.Logger = log.WithComponent("dispatch")
	}
	return &Dispatcher{
		gh:            gh,
		client:        opts.HTTPClient,
		workerTimeout: opts.WorkerTimeout,
		logger:        opts.Logger,
		installations: make(map[string]int64),
	}
}

// HasGitHub reports whether an installation client is configured.
func (d *Dispatcher) HasGitHub() bool {
	return d.gh != nil
}

// GitHub returns the installation client, or nil.
func (d *Dispatcher) GitHub() GitHub {
	return d.gh
}

// InstallationID finds the app installation whose account login equals owner.
func (d *Dispatcher) InstallationID(ctx context.Context, owner string) (int64, error) {
	if d.gh == nil {
		return 0, fmt.Errorf("%w for %q: no GitHub app configured", ErrNoInstallationFound, owner)
	}
	login := strings.ToLower(owner)

	d.mu.Lock()
	id, ok := d.installations[login]
	d.mu.Unlock()
	if ok {
		return id, nil
	}

	installs, err := d.gh.ListInstallations(ctx)
	if err != nil {
		return 0, fmt.Errorf("list installations: %w", err)
	}
	for _, inst := range installs {
		if strings.ToLower(inst.Account.Login) == login {
			d.mu.Lock()
			d.installations[login] = inst.ID
			d.mu.Unlock()
			return inst.ID, nil
		}
	}
	return 0, fmt.Errorf("%w for %q", ErrNoInstallationFound, owner)
}

// AuthToken mints an installation token for owner. Without a GitHub client
// it returns an empty token.
func (d *Dispatcher) AuthToken(ctx context.Context, owner string) (string, error) {
	if d.gh == nil || owner == "" {
		return "", nil
	}
	id, err := d.InstallationID(ctx, owner)
	if err != nil {
		return "", err
	}
	token, err := d.gh.InstallationToken(ctx, id)
	if err != nil {
		return "", fmt.Errorf("installation token for %q: %w", owner, err)
	}
	return token, nil
}

// DefaultBranch returns the default branch of owner/repo.
func (d *Dispatcher) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	id, err := d.InstallationID(ctx, owner)
	if err != nil {
		return "", err
	}
	r, err := d.gh.GetRepo(ctx, id, owner, repo)
	if err != nil {
		return "", fmt.Errorf("get repo %s/%s: %w", owner, repo, err)
	}
	if r.DefaultBranch == "" {
		return "", fmt.Errorf("repo %s/%s has no default branch", owner, repo)
	}
	return r.DefaultBranch, nil
}

// ResolveRef returns the ref a target runs at: the explicit one, the
// default branch for workflows, and "" for workers.
func (d *Dispatcher) ResolveRef(ctx context.Context, target protocol.Target) (string, error) {
	wf, ok := target.(protocol.WorkflowTarget)
	if !ok {
		return "", nil
	}
	if wf.Ref != "" {
		return wf.Ref, nil
	}
	return d.DefaultBranch(ctx, wf.Owner, wf.Repo)
}

// Dispatch delivers in to target.
func (d *Dispatcher) Dispatch(ctx context.Context, target protocol.Target, in *protocol.PluginInput) (*Ack, error) {
	if target == nil {
		return nil, &Error{Target: "<nil>", Err: fmt.Errorf("target is nil")}
	}

	var (
		ack *Ack
		err error
	)
	switch t := target.(type) {
	case protocol.WorkflowTarget:
		ack, err = d.dispatchWorkflow(ctx, t, in)
	case protocol.WorkerTarget:
		ack, err = d.dispatchWorker(ctx, t, in)
	default:
		err = fmt.Errorf("unsupported target type %T", target)
	}
	if err != nil {
		return nil, &Error{Target: target.String(), Err: err}
	}

	d.logger.Info("dispatched", "target", target.String(), "kind", target.Kind(), "state_id", in.StateID)
	return ack, nil
}

func (d *Dispatcher) dispatchWorkflow(ctx context.Context, t protocol.WorkflowTarget, in *protocol.PluginInput) (*Ack, error) {
	id, err := d.InstallationID(ctx, t.Owner)
	if err != nil {
		return nil, err
	}

	ref := in.Ref
	if ref == "" {
		if ref, err = d.ResolveRef(ctx, t); err != nil {
			return nil, err
		}
	}

	inputs, err := protocol.WorkflowInputs(in)
	if err != nil {
		return nil, err
	}
	if err := d.gh.CreateWorkflowDispatch(ctx, id, t.Owner, t.Repo, t.WorkflowID, ref, inputs); err != nil {
		return nil, err
	}
	return &Ack{Target: t}, nil
}

func (d *Dispatcher) dispatchWorker(ctx context.Context, t protocol.WorkerTarget, in *protocol.PluginInput) (*Ack, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode plugin input: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.workerTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(t.URL, "/")+"/", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build worker request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post to worker: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxWorkerResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read worker response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("worker returned %d: %s", resp.StatusCode, truncate(strings.TrimSpace(string(raw)), 256))
	}

	ack := &Ack{Target: t}
	if len(bytes.TrimSpace(raw)) > 0 {
		var result map[string]any
		if err := json.Unmarshal(raw, &result); err == nil && len(result) > 0 {
			ack.Result = result
		} else if err != nil {
			d.logger.Debug("worker response is not a JSON object", "target", t.URL, "error", err)
		}
	}
	return ack, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "...(truncated)"
}

// FetchFile reads a file from owner/repo at ref through the owner's
// installation. An empty ref reads the default branch.
func (d *Dispatcher) FetchFile(ctx context.Context, owner, repo, path, ref string) ([]byte, error) {
	id, err := d.InstallationID(ctx, owner)
	if err != nil {
		return nil, err
	}
	return d.gh.GetContent(ctx, id, owner, repo, path, ref)
}
