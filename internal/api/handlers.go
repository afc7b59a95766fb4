package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/conduit/internal/agent"
	"github.com/mattjoyce/conduit/internal/chain"
	"github.com/mattjoyce/conduit/internal/dispatch"
	"github.com/mattjoyce/conduit/internal/plugin"
	"github.com/mattjoyce/conduit/internal/protocol"
	"github.com/mattjoyce/conduit/internal/state"
)

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
	}
	if s.automations != nil {
		resp.Automations = len(s.automations.Automations())
	}
	respondJSON(w, http.StatusOK, resp)
}

// handleGetChain handles GET /chains/{stateID}
func (s *Server) handleGetChain(w http.ResponseWriter, r *http.Request) {
	stateID := chi.URLParam(r, "stateID")

	st, err := s.chains.Get(r.Context(), stateID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "chain not found")
			return
		}
		s.logger.Error("failed to load chain", "state_id", stateID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve chain")
		return
	}
	respondJSON(w, http.StatusOK, st)
}

// handleChainOutput handles POST /chains/{stateID}/output
// Records a step output and dispatches the next step.
func (s *Server) handleChainOutput(w http.ResponseWriter, r *http.Request) {
	stateID := chi.URLParam(r, "stateID")

	var req OutputRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Output == nil {
		s.writeError(w, http.StatusBadRequest, "output is required")
		return
	}

	out := &protocol.PluginOutput{StateID: stateID, Output: req.Output}
	outcome, err := s.chains.Advance(r.Context(), req.Source, out)
	if err != nil {
		s.logger.Error("chain advance failed", "state_id", stateID, "error", err)
		var exprErr *chain.ExpressionError
		switch {
		case errors.As(err, &exprErr):
			s.writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, dispatch.ErrDispatchFailed), errors.Is(err, dispatch.ErrNoInstallationFound):
			s.writeError(w, http.StatusBadGateway, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, "failed to advance chain")
		}
		return
	}

	respondJSON(w, http.StatusOK, OutputResponse{StateID: stateID, Outcome: string(outcome)})
}

// handleCreateJob handles POST /jobs
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Target) == 0 {
		s.writeError(w, http.StatusBadRequest, "target is required")
		return
	}
	target, err := protocol.UnmarshalTarget(req.Target)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID, err := s.jobs.CreateJob(r.Context(), agent.JobRequest{
		Target:       target,
		Command:      req.Command,
		Settings:     req.Settings,
		SessionID:    req.SessionID,
		EventName:    req.EventName,
		EventPayload: req.EventPayload,
	}, nil)
	if err != nil {
		s.logger.Error("failed to create job", "target", target.String(), "error", err)
		switch {
		case errors.Is(err, plugin.ErrUnknownCommand), errors.Is(err, plugin.ErrInvalidParameters):
			s.writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, dispatch.ErrDispatchFailed), errors.Is(err, dispatch.ErrNoInstallationFound):
			s.writeError(w, http.StatusBadGateway, err.Error())
		default:
			s.writeError(w, http.StatusInternalServerError, "failed to create job")
		}
		return
	}

	respondJSON(w, http.StatusAccepted, CreateJobResponse{JobID: jobID})
}

// handleGetJob handles GET /jobs/{jobID}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.jobs.Get(r.Context(), jobID)
	if err != nil {
		s.writeJobError(w, jobID, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// handleJobResponse handles POST /jobs/{jobID}/response
func (s *Server) handleJobResponse(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	var resp map[string]any
	if err := json.NewDecoder(r.Body).Decode(&resp); err != nil {
		s.writeError(w, http.StatusBadRequest, "response must be a JSON object")
		return
	}

	job, err := s.jobs.HandleResponse(r.Context(), jobID, resp)
	if err != nil {
		s.writeJobError(w, jobID, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

// handleJobError handles POST /jobs/{jobID}/error
func (s *Server) handleJobError(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	var req JobErrorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Error == "" {
		s.writeError(w, http.StatusBadRequest, "error is required")
		return
	}

	job, err := s.jobs.HandleError(r.Context(), jobID, req.Error)
	if err != nil {
		s.writeJobError(w, jobID, err)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) writeJobError(w http.ResponseWriter, jobID string, err error) {
	if errors.Is(err, agent.ErrJobNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.logger.Error("job request failed", "job_id", jobID, "error", err)
	s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
}

// respondJSON writes a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
