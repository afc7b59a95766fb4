package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/conduit/internal/agent"
)

// SSE event names of a job watch stream.
const (
	EventMessage = "message"
	EventPing    = "ping"
	EventDone    = "done"
)

// handleWatchJob handles GET /jobs/{jobID}/watch
// Streams each status change as "message", pings while the job is
// unfinished and ends with "done".
func (s *Server) handleWatchJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	changes, err := s.jobs.Watch(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, agent.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("failed to watch job", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to watch job")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	start := time.Now()
	keepAlive := time.NewTicker(s.config.KeepAlive)
	defer keepAlive.Stop()

	var last *agent.AgentJobState
	for {
		select {
		case <-r.Context().Done():
			return
		case job, ok := <-changes:
			if !ok {
				if last == nil {
					// The store cannot notify; report the current state once.
					job, err := s.jobs.Get(r.Context(), jobID)
					if err != nil {
						return
					}
					if writeSSE(w, EventMessage, job) != nil {
						return
					}
					last = job
				}
				_ = writeSSE(w, EventDone, DoneEvent{JobID: jobID, Status: string(last.Status)})
				flusher.Flush()
				return
			}
			last = job
			if writeSSE(w, EventMessage, job) != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if last == nil || last.Status.Terminal() {
				continue
			}
			ping := PingEvent{
				Status:         string(last.Status),
				ElapsedSeconds: int64(time.Since(start).Seconds()),
			}
			if writeSSE(w, EventPing, ping) != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	// Payloads are single-line JSON, so one data line suffices.
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}
