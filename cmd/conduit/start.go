package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mattjoyce/conduit/internal/agent"
	"github.com/mattjoyce/conduit/internal/api"
	"github.com/mattjoyce/conduit/internal/auth"
	"github.com/mattjoyce/conduit/internal/chain"
	"github.com/mattjoyce/conduit/internal/config"
	"github.com/mattjoyce/conduit/internal/dispatch"
	"github.com/mattjoyce/conduit/internal/github"
	"github.com/mattjoyce/conduit/internal/lock"
	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/plugin"
	"github.com/mattjoyce/conduit/internal/router"
	"github.com/mattjoyce/conduit/internal/scheduler"
	"github.com/mattjoyce/conduit/internal/state"
	"github.com/mattjoyce/conduit/internal/storage"
	"github.com/mattjoyce/conduit/internal/telemetry"
	"github.com/mattjoyce/conduit/internal/trust"
	"github.com/mattjoyce/conduit/internal/webhook"
)

// runtime holds the wired kernel. close releases the store and instance lock.
type runtime struct {
	store     state.Store
	router    *router.Router
	chains    *chain.Engine
	jobs      *agent.Engine
	scheduler *scheduler.Scheduler
	api       *api.Server
	webhook   *webhook.Server
	closers   []func()
}

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
}

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	path, err := resolveConfigPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to discover config: %v\n", err)
		return 1
	}

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("conduit starting", "version", version, "config", path)

	automations, err := loadAutomations(cfg)
	if err != nil {
		logger.Error("failed to load automations", "path", cfg.AutomationsFile, "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Telemetry.Enabled {
		shutdown, err := telemetry.InitTracer(cfg.Telemetry.ServiceName, nil, log.WithComponent("telemetry"))
		if err != nil {
			logger.Error("failed to initialize tracing", "error", err)
			return 1
		}
		defer func() {
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			_ = shutdown(sctx)
		}()
	}

	rt, err := buildRuntime(ctx, cfg, automations, logger)
	if err != nil {
		logger.Error("failed to start", "error", err)
		return 1
	}
	defer rt.close()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 2)
	var servers sync.WaitGroup

	if rt.scheduler != nil {
		if err := rt.scheduler.Start(ctx); err != nil {
			logger.Error("failed to start scheduler", "error", err)
			return 1
		}
		defer rt.scheduler.Stop()
	}

	if rt.api != nil {
		servers.Add(1)
		go func() {
			defer servers.Done()
			if err := rt.api.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		logger.Info("API server enabled", "listen", cfg.API.Listen)
	}

	if rt.webhook != nil {
		servers.Add(1)
		go func() {
			defer servers.Done()
			if err := rt.webhook.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("webhook: %w", err)
			}
		}()
		logger.Info("webhook server enabled", "listen", cfg.Webhooks.Listen, "endpoints", len(cfg.Webhooks.Endpoints))
	}

	logger.Info("conduit running (press Ctrl+C to stop)", "automations", len(automations))

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	}

	cancel()
	servers.Wait()
	rt.jobs.Wait()

	logger.Info("conduit stopped")
	return code
}

// buildRuntime wires the store, transport and engines from cfg.
func buildRuntime(ctx context.Context, cfg *config.Config, automations []config.Automation, logger *slog.Logger) (*runtime, error) {
	rt := &runtime{}
	ok := false
	defer func() {
		if !ok {
			rt.close()
		}
	}()

	signingKey, err := loadKey(cfg.Signing.PrivateKeyPath, cfg.Signing.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("signing key: %w", err)
	}

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	rt.store = store
	rt.closers = append(rt.closers, closeStore)

	var gh dispatch.GitHub
	if cfg.GitHub.Enabled() {
		appKey, err := loadKey(cfg.GitHub.PrivateKeyPath, cfg.GitHub.PrivateKey)
		if err != nil {
			return nil, fmt.Errorf("github app key: %w", err)
		}
		gh = github.NewApp(cfg.GitHub.AppID, appKey,
			github.WithBaseURL(cfg.GitHub.APIURL),
			github.WithHTTPClient(tracedClient(30*time.Second)),
			github.WithLogger(log.WithComponent("github")),
		)
		logger.Info("github app configured", "app_id", cfg.GitHub.AppID)
	}

	disp := dispatch.New(gh, dispatch.Options{
		WorkerTimeout: cfg.Dispatch.WorkerTimeout,
		Logger:        log.WithComponent("dispatch"),
	})

	var files plugin.FileFetcher
	if disp.HasGitHub() {
		files = disp
	}
	registry := plugin.NewRegistry(files, tracedClient(10*time.Second), log.WithComponent("plugin"))

	rt.router = router.New(automations)
	for _, a := range rt.router.Automations() {
		logger.Info("automation registered", "name", a.Name, "on", a.On, "steps", len(a.Steps), "fingerprint", a.Fingerprint)
	}

	rt.chains = chain.New(chain.Options{
		Store:      store,
		TTL:        cfg.State.TTL,
		Dispatcher: disp,
		Router:     rt.router,
		SigningKey: signingKey,
		Logger:     log.WithComponent("chain"),
		Locker:     state.NewLocker(),
	})
	rt.jobs = agent.New(agent.Options{
		Store:             store,
		TTL:               cfg.State.TTL,
		Dispatcher:        disp,
		Manifests:         registry,
		SigningKey:        signingKey,
		Logger:            log.WithComponent("agent"),
		BackgroundTimeout: cfg.Dispatch.BackgroundTimeout,
	})

	if sw, ok := store.(scheduler.Sweeper); ok && cfg.State.SweepInterval > 0 {
		rt.scheduler = scheduler.New(sw, scheduler.Options{
			Interval: cfg.State.SweepInterval,
			Jitter:   cfg.State.SweepInterval / 10,
			Logger:   log.WithComponent("scheduler"),
		})
	}

	if cfg.API.Enabled {
		rt.api = api.New(apiConfig(cfg), rt.chains, rt.jobs, rt.router, log.WithComponent("api"))
	}

	if len(cfg.Webhooks.Endpoints) > 0 {
		whc, err := webhook.FromGlobalConfig(cfg.Webhooks)
		if err != nil {
			return nil, fmt.Errorf("configure webhooks: %w", err)
		}
		rt.webhook = webhook.New(whc, rt.chains, log.WithComponent("webhook"))
	}

	ok = true
	return rt, nil
}

func apiConfig(cfg *config.Config) api.Config {
	tokens := make([]auth.TokenConfig, 0, len(cfg.API.Auth.Tokens))
	for _, t := range cfg.API.Auth.Tokens {
		tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return api.Config{
		Listen:    cfg.API.Listen,
		APIKey:    cfg.API.Auth.APIKey,
		Tokens:    tokens,
		KeepAlive: cfg.API.KeepAlive,
	}
}

// openStore opens the configured state store. The sqlite driver also takes
// the instance lock next to the database.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (state.Store, func(), error) {
	if cfg.State.Driver == "memory" {
		logger.Warn("using in-memory state; chains and jobs are lost on restart")
		return state.NewMemoryStore(), func() {}, nil
	}

	lockPath := lock.PathFor(cfg.State.Path)
	inst, err := lock.Acquire(lockPath)
	if err != nil {
		return nil, nil, fmt.Errorf("acquire instance lock %s: %w", lockPath, err)
	}
	logger.Info("acquired instance lock", "path", lockPath)

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		_ = inst.Release()
		return nil, nil, fmt.Errorf("open state database %s: %w", cfg.State.Path, err)
	}
	logger.Info("state database opened", "path", cfg.State.Path)

	closeFn := func() {
		_ = db.Close()
		_ = inst.Release()
	}
	return state.NewSQLiteStore(db, cfg.State.PollInterval), closeFn, nil
}

func loadKey(path, inline string) (*rsa.PrivateKey, error) {
	pem, err := config.ReadKeyPEM(path, inline)
	if err != nil {
		return nil, err
	}
	return trust.ParsePrivateKey(pem)
}

func loadAutomations(cfg *config.Config) ([]config.Automation, error) {
	if cfg.AutomationsFile == "" {
		return nil, nil
	}
	return config.LoadAutomations(cfg.AutomationsFile)
}

func resolveConfigPath(path string) (string, error) {
	if path != "" {
		return path, nil
	}
	discovered, err := config.DiscoverConfigPath()
	if err != nil {
		return "", err
	}
	fmt.Fprintf(os.Stderr, "Using discovered config: %s\n", discovered)
	return discovered, nil
}

func tracedClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}
