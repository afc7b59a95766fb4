package plugin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/conduit/internal/github"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/protocol"
)

const maxManifestBytes = 1 << 20

// FileFetcher reads a file from a repository at ref. Missing files are
// reported with an error matching github.ErrNotFound.
type FileFetcher interface {
	FetchFile(ctx context.Context, owner, repo, path, ref string) ([]byte, error)
}

// Registry looks up plugin manifests and keeps them for the life of the
// process, keyed by target identity. Plugins without a manifest are cached
// as nil.
type Registry struct {
	files  FileFetcher
	client *http.Client
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*Manifest
}

// NewRegistry creates a registry. files may be nil, in which case workflow
// targets have no manifest.
func NewRegistry(files FileFetcher, client *http.Client, logger *slog.Logger) *Registry {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = log.WithComponent("plugin")
	}
	return &Registry{
		files:  files,
		client: client,
		logger: logger,
		cache:  make(map[string]*Manifest),
	}
}

func cacheKey(target protocol.Target) string {
	switch t := target.(type) {
	case protocol.WorkflowTarget:
		return strings.ToLower(t.Owner + "/" + t.Repo + "@" + t.Ref)
	default:
		return target.String()
	}
}

// GetManifest returns the manifest for target, or nil when it has none.
func (r *Registry) GetManifest(ctx context.Context, target protocol.Target) (*Manifest, error) {
	if target == nil {
		return nil, fmt.Errorf("target is nil")
	}
	key := cacheKey(target)

	r.mu.Lock()
	m, ok := r.cache[key]
	r.mu.Unlock()
	if ok {
		return m, nil
	}

	var err error
	switch t := target.(type) {
	case protocol.WorkerTarget:
		m, err = r.fetchWorker(ctx, t)
	case protocol.WorkflowTarget:
		m, err = r.fetchWorkflow(ctx, t)
	default:
		return nil, fmt.Errorf("unsupported target type %T", target)
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = m
	r.mu.Unlock()
	r.logger.Debug("manifest cached", "target", target.String(), "found", m != nil)
	return m, nil
}

func (r *Registry) fetchWorker(ctx context.Context, t protocol.WorkerTarget) (*Manifest, error) {
	url := strings.TrimRight(t.URL, "/") + "/" + ManifestFilename
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build manifest request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch manifest %s: status %d", url, resp.StatusCode)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxManifestBytes))
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", url, err)
	}
	return ParseManifest(b)
}

func (r *Registry) fetchWorkflow(ctx context.Context, t protocol.WorkflowTarget) (*Manifest, error) {
	if r.files == nil {
		return nil, nil
	}
	b, err := r.files.FetchFile(ctx, t.Owner, t.Repo, ManifestFilename, t.Ref)
	if errors.Is(err, github.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch manifest for %s: %w", t.String(), err)
	}
	return ParseManifest(b)
}
