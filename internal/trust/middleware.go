package trust

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"

	"github.com/mattjoyce/conduit/internal/protocol"
)

// maxInputBytes bounds the request body a worker accepts.
const maxInputBytes = 8 << 20

type contextKey struct{}

// InputFromContext returns the verified input stored by Middleware.
func InputFromContext(ctx context.Context) (*protocol.PluginInput, bool) {
	in, ok := ctx.Value(contextKey{}).(*protocol.PluginInput)
	return in, ok
}

// Middleware rejects requests whose PluginInput body does not carry a valid
// signature. Verified requests reach next with the body restored and the
// decoded input available through InputFromContext.
func Middleware(pub *rsa.PublicKey) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxInputBytes+1))
			if err != nil || len(body) > maxInputBytes {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}

			var in protocol.PluginInput
			if err := json.Unmarshal(body, &in); err != nil {
				writeError(w, http.StatusBadRequest, "invalid plugin input")
				return
			}
			if err := VerifyInput(&in, pub); err != nil {
				writeError(w, http.StatusForbidden, "forbidden")
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKey{}, &in)))
		})
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
