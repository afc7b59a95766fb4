package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/mattjoyce/conduit/internal/chain"
	"github.com/mattjoyce/conduit/internal/dispatch"
	"github.com/mattjoyce/conduit/internal/protocol"
)

// Server represents the webhook HTTP server.
type Server struct {
	config  Config
	handler EventHandler
	logger  *slog.Logger
	server  *http.Server

	// endpoints maps URL paths to their configurations
	endpoints map[string]*EndpointConfig
}

// New creates a new webhook server instance.
func New(config Config, handler EventHandler, logger *slog.Logger) *Server {
	endpoints := make(map[string]*EndpointConfig)
	for i := range config.Endpoints {
		ep := &config.Endpoints[i]
		if ep.MaxBodySize == 0 {
			ep.MaxBodySize = DefaultMaxBodySize
		}
		if ep.SignatureHeader == "" {
			ep.SignatureHeader = DefaultSignatureHeader
		}
		endpoints[ep.Path] = ep
	}

	return &Server{
		config:    config,
		handler:   handler,
		logger:    logger,
		endpoints: endpoints,
	}
}

// Handler returns the instrumented HTTP handler.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.setupRoutes(), "webhook")
}

// Start starts the webhook HTTP server (blocking).
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// Callbacks dispatch the next step before answering.
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen, "endpoints", len(s.endpoints))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	for path := range s.endpoints {
		r.Post(path, s.handleWebhook)
	}

	return r
}

// loggingMiddleware logs HTTP requests (excludes sensitive payloads).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// handleWebhook verifies a delivery and hands it to the event handler.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	endpoint, ok := s.endpoints[r.URL.Path]
	if !ok {
		s.respondError(w, http.StatusNotFound, "endpoint not found")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, endpoint.MaxBodySize+1))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, "failed to read request body")
		return
	}
	if int64(len(body)) > endpoint.MaxBodySize {
		s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	signature := r.Header.Get(endpoint.SignatureHeader)
	if err := VerifySignature(body, signature, endpoint.Secret); err != nil {
		s.logger.Warn("webhook signature verification failed",
			"path", r.URL.Path,
			"header", endpoint.SignatureHeader,
			"signature_present", signature != "",
		)
		s.respondError(w, http.StatusForbidden, "forbidden")
		return
	}

	kind := r.Header.Get(EventHeader)
	if kind == "" {
		s.respondError(w, http.StatusBadRequest, "missing "+EventHeader+" header")
		return
	}
	var envelope struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		s.respondError(w, http.StatusBadRequest, "payload is not valid JSON")
		return
	}

	ev := protocol.Event{
		ID:      r.Header.Get(DeliveryHeader),
		Name:    eventName(kind, envelope.Action),
		Payload: json.RawMessage(body),
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	res, err := s.handler.HandleEvent(r.Context(), ev)
	if err != nil {
		status := errorStatus(err)
		s.logger.Error("webhook event failed",
			"path", r.URL.Path,
			"event", ev.Name,
			"event_id", ev.ID,
			"status", status,
			"error", err,
		)
		s.respondError(w, status, err.Error())
		return
	}

	resp := EventResponse{EventID: ev.ID, Event: ev.Name}
	if res != nil {
		resp.Callback = res.Callback
		resp.StateID = res.StateID
		resp.Outcome = string(res.Outcome)
		for _, st := range res.Started {
			sc := StartedChain{Automation: st.Automation, StateID: st.StateID}
			if st.Err != nil {
				sc.Error = st.Err.Error()
			}
			resp.Started = append(resp.Started, sc)
		}
	}

	s.logger.Info("webhook event accepted",
		"event", ev.Name,
		"event_id", ev.ID,
		"callback", resp.Callback,
		"started", len(resp.Started),
	)
	s.respondJSON(w, http.StatusAccepted, resp)
}

// eventName joins the event kind and payload action: "issues.opened".
func eventName(kind, action string) string {
	if action == "" {
		return kind
	}
	return kind + "." + action
}

func errorStatus(err error) int {
	var exprErr *chain.ExpressionError
	switch {
	case errors.As(err, &exprErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, dispatch.ErrDispatchFailed), errors.Is(err, dispatch.ErrNoInstallationFound):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
