// Package github is a small GitHub App client covering the calls the
// dispatcher needs: installations, installation tokens, repositories,
// workflow dispatch and raw file contents.
package github

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	gh "github.com/google/go-github/v66/github"

	"github.com/mattjoyce/conduit/internal/log"
)

const (
	DefaultBaseURL = "https://api.github.com/"
	userAgent      = "conduit"
	perPage        = 100

	// tokenSkew renews an installation token this long before it expires.
	tokenSkew = time.Minute
)

// App authenticates as a GitHub App and as its installations.
type App struct {
	appID      int64
	key        *rsa.PrivateKey
	baseURL    *url.URL
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time

	mu     sync.Mutex
	tokens map[int64]installationToken
}

type Option func(*App)

// WithBaseURL points the client at a GitHub Enterprise or test server.
// An empty or unparsable URL keeps the default.
func WithBaseURL(u string) Option {
	return func(a *App) {
		if u == "" {
			return
		}
		if parsed, err := url.Parse(strings.TrimRight(u, "/") + "/"); err == nil {
			a.baseURL = parsed
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(a *App) { a.httpClient = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.logger = l }
}

func NewApp(appID int64, key *rsa.PrivateKey, opts ...Option) *App {
	base, _ := url.Parse(DefaultBaseURL)
	a := &App{
		appID:      appID,
		key:        key,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     log.WithComponent("github"),
		now:        time.Now,
		tokens:     make(map[int64]installationToken),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// client returns an API client sending token as its bearer credential.
func (a *App) client(token string) *gh.Client {
	c := gh.NewClient(a.httpClient).WithAuthToken(token)
	c.BaseURL = a.baseURL
	c.UserAgent = userAgent
	return c
}

func (a *App) appClient() (*gh.Client, error) {
	token, err := appJWT(a.appID, a.key, a.now())
	if err != nil {
		return nil, err
	}
	return a.client(token), nil
}

func (a *App) installationClient(ctx context.Context, installationID int64) (*gh.Client, error) {
	token, err := a.InstallationToken(ctx, installationID)
	if err != nil {
		return nil, err
	}
	return a.client(token), nil
}

// ListInstallations returns every installation of the app.
func (a *App) ListInstallations(ctx context.Context) ([]Installation, error) {
	c, err := a.appClient()
	if err != nil {
		return nil, err
	}

	var all []Installation
	opts := &gh.ListOptions{PerPage: perPage}
	for {
		batch, resp, err := c.Apps.ListInstallations(ctx, opts)
		if err != nil {
			return nil, apiError(err, http.MethodGet, "/app/installations")
		}
		for _, inst := range batch {
			all = append(all, Installation{
				ID: inst.GetID(),
				Account: Account{
					Login: inst.GetAccount().GetLogin(),
					Type:  inst.GetAccount().GetType(),
				},
			})
		}
		if resp.NextPage == 0 {
			return all, nil
		}
		opts.Page = resp.NextPage
	}
}

// InstallationToken returns an access token for the installation, reusing a
// cached one until shortly before it expires.
func (a *App) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	a.mu.Lock()
	cached, ok := a.tokens[installationID]
	a.mu.Unlock()
	if ok && a.now().Add(tokenSkew).Before(cached.ExpiresAt) {
		return cached.Token, nil
	}

	c, err := a.appClient()
	if err != nil {
		return "", err
	}
	minted, _, err := c.Apps.CreateInstallationToken(ctx, installationID, nil)
	if err != nil {
		return "", apiError(err, http.MethodPost, fmt.Sprintf("/app/installations/%d/access_tokens", installationID))
	}
	tok := installationToken{Token: minted.GetToken(), ExpiresAt: minted.GetExpiresAt().Time}

	a.mu.Lock()
	a.tokens[installationID] = tok
	a.mu.Unlock()
	a.logger.Debug("minted installation token", "installation_id", installationID, "expires_at", tok.ExpiresAt)
	return tok.Token, nil
}

func (a *App) GetRepo(ctx context.Context, installationID int64, owner, repo string) (*Repository, error) {
	c, err := a.installationClient(ctx, installationID)
	if err != nil {
		return nil, err
	}
	r, _, err := c.Repositories.Get(ctx, owner, repo)
	if err != nil {
		return nil, apiError(err, http.MethodGet, "/repos/"+owner+"/"+repo)
	}
	return &Repository{
		Name:          r.GetName(),
		FullName:      r.GetFullName(),
		DefaultBranch: r.GetDefaultBranch(),
	}, nil
}

// CreateWorkflowDispatch triggers a workflow_dispatch run. GitHub answers
// 204 with no body; acceptance is the only confirmation. A numeric
// workflowID addresses the workflow by id, anything else by file name.
func (a *App) CreateWorkflowDispatch(ctx context.Context, installationID int64, owner, repo, workflowID, ref string, inputs map[string]string) error {
	c, err := a.installationClient(ctx, installationID)
	if err != nil {
		return err
	}
	event := gh.CreateWorkflowDispatchEventRequest{Ref: ref}
	if len(inputs) > 0 {
		event.Inputs = make(map[string]interface{}, len(inputs))
		for k, v := range inputs {
			event.Inputs[k] = v
		}
	}

	if id, convErr := strconv.ParseInt(workflowID, 10, 64); convErr == nil {
		_, err = c.Actions.CreateWorkflowDispatchEventByID(ctx, owner, repo, id, event)
	} else {
		_, err = c.Actions.CreateWorkflowDispatchEventByFileName(ctx, owner, repo, workflowID, event)
	}
	if err != nil {
		return apiError(err, http.MethodPost, fmt.Sprintf("/repos/%s/%s/actions/workflows/%s/dispatches", owner, repo, workflowID))
	}
	return nil
}

// GetContent returns the decoded bytes of a file at ref. An empty ref means
// the default branch.
func (a *App) GetContent(ctx context.Context, installationID int64, owner, repo, filePath, ref string) ([]byte, error) {
	c, err := a.installationClient(ctx, installationID)
	if err != nil {
		return nil, err
	}
	filePath = strings.TrimLeft(filePath, "/")
	file, _, _, err := c.Repositories.GetContents(ctx, owner, repo, filePath, &gh.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		return nil, apiError(err, http.MethodGet, "/repos/"+owner+"/"+repo+"/contents/"+filePath)
	}
	if file == nil {
		return nil, fmt.Errorf("github: %s/%s/%s is a directory", owner, repo, filePath)
	}
	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("github: decode %s: %w", filePath, err)
	}
	return []byte(content), nil
}

// apiError turns a go-github error response into an *APIError so callers
// can match ErrNotFound without importing go-github.
func apiError(err error, method, path string) error {
	var resp *gh.ErrorResponse
	if errors.As(err, &resp) && resp.Response != nil {
		msg := resp.Message
		if msg == "" {
			msg = http.StatusText(resp.Response.StatusCode)
		}
		return &APIError{StatusCode: resp.Response.StatusCode, Method: method, Path: path, Message: msg}
	}
	return fmt.Errorf("github: %s %s: %w", method, path, err)
}
