// Command echo-worker is a minimal conduit worker. It verifies the signed
// PluginInput on POST / and answers inline with the resolved settings.
package main

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/conduit/internal/log"
	"github.com/mattjoyce/conduit/internal/plugin"
	"github.com/mattjoyce/conduit/internal/protocol"
	"github.com/mattjoyce/conduit/internal/trust"
)

var manifest = plugin.Manifest{
	Name:        "echo",
	Description: "Echoes the resolved settings of each step back as its output",
	Commands: plugin.Commands{
		"echo": {
			Name:        "echo",
			Description: "Return the input settings unchanged",
			Parameters:  map[string]any{"message": "string"},
		},
	},
}

// echoResult is the final output of one invocation.
type echoResult struct {
	StateID   string            `json:"state_id"`
	EventName string            `json:"event_name"`
	Command   *protocol.Command `json:"command,omitempty"`
	Settings  map[string]any    `json:"settings"`
}

func main() {
	listen := flag.String("listen", envOr("ECHO_LISTEN", "localhost:9000"), "Listen address")
	keyPath := flag.String("public-key", os.Getenv("ECHO_PUBLIC_KEY"), "PEM public key of the conduit signer")
	level := flag.String("log-level", envOr("ECHO_LOG_LEVEL", "info"), "Log level")
	flag.Parse()

	log.Setup(*level)
	logger := log.WithComponent("echo-worker")

	pub, err := loadPublicKey(*keyPath)
	if err != nil {
		logger.Error("failed to load public key", "error", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:         *listen,
		Handler:      newHandler(pub),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()

	logger.Info("echo worker listening", "listen", *listen)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func newHandler(pub *rsa.PublicKey) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/"+plugin.ManifestFilename, func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, manifest)
	})

	r.With(trust.Middleware(pub)).Post("/", func(w http.ResponseWriter, r *http.Request) {
		in, ok := trust.InputFromContext(r.Context())
		if !ok {
			respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "missing input"})
			return
		}
		log.WithChain(in.StateID).Info("echo", "event", in.EventName, "command", commandName(in.Command))

		settings := in.Settings
		if settings == nil {
			settings = map[string]any{}
		}
		respondJSON(w, http.StatusOK, map[string]any{
			"data": echoResult{
				StateID:   in.StateID,
				EventName: in.EventName,
				Command:   in.Command,
				Settings:  settings,
			},
		})
	})
	return r
}

func commandName(cmd *protocol.Command) string {
	if cmd == nil {
		return ""
	}
	return cmd.Name
}

func loadPublicKey(path string) (*rsa.PublicKey, error) {
	if path == "" {
		return nil, fmt.Errorf("public key path is required (--public-key or ECHO_PUBLIC_KEY)")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read public key: %w", err)
	}
	return trust.ParsePublicKey(data)
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
