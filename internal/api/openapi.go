package api

import (
	"net/http"

	"github.com/mattjoyce/conduit/internal/auth"
)

type route struct {
	method, path, summary, scope string
	responses                    map[string]string
}

var routes = []route{
	{http.MethodGet, "/chains/{stateID}", "Get chain state", auth.ScopeChainsRO,
		map[string]string{"200": "Chain state", "404": "Unknown chain"}},
	{http.MethodPost, "/chains/{stateID}/output", "Record a step output and advance the chain", auth.ScopeChainsRW,
		map[string]string{"200": "Outcome", "422": "Settings could not be resolved", "502": "Next step dispatch failed"}},
	{http.MethodPost, "/jobs", "Create an agent job", auth.ScopeJobsRW,
		map[string]string{"202": "Job persisted", "400": "Bad request"}},
	{http.MethodGet, "/jobs/{jobID}", "Get job state", auth.ScopeJobsRO,
		map[string]string{"200": "Job state", "404": "Unknown job"}},
	{http.MethodGet, "/jobs/{jobID}/watch", "Stream job status changes (text/event-stream)", auth.ScopeJobsRO,
		map[string]string{"200": "Event stream", "404": "Unknown job"}},
	{http.MethodPost, "/jobs/{jobID}/response", "Report job progress or result", auth.ScopeJobsRW,
		map[string]string{"200": "Job state", "404": "Unknown job"}},
	{http.MethodPost, "/jobs/{jobID}/error", "Fail a job", auth.ScopeJobsRW,
		map[string]string{"200": "Job state", "404": "Unknown job"}},
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document covering the authenticated routes.
func buildOpenAPIDoc() map[string]any {
	paths := map[string]any{}
	for _, rt := range routes {
		responses := map[string]any{
			"401": map[string]any{"description": "Missing or invalid token"},
			"403": map[string]any{"description": "Insufficient scope"},
		}
		for code, desc := range rt.responses {
			responses[code] = map[string]any{"description": desc}
		}

		item, _ := paths[rt.path].(map[string]any)
		if item == nil {
			item = map[string]any{}
			paths[rt.path] = item
		}
		item[methodKey(rt.method)] = map[string]any{
			"summary":   rt.summary,
			"responses": responses,
			"security":  []any{map[string]any{"BearerAuth": []string{rt.scope}}},
		}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "Conduit",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func methodKey(method string) string {
	switch method {
	case http.MethodPost:
		return "post"
	default:
		return "get"
	}
}

// handleOpenAPI handles GET /openapi.json (no auth).
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}
