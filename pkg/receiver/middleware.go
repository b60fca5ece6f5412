package receiver

import (
	"context"
	"net/http"
	"strconv"

	"github.com/tidemark-io/tidemark/pkg/metrics"
	"github.com/tidemark-io/tidemark/pkg/wire"
)

type contextKey string

const pipeContextKey contextKey = "pipe"

// authMiddleware resolves the opaque API key into the owning pipe. Every
// authenticated route reads the pipe from the request context.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(wire.HeaderAPIKey)
		if key == "" {
			writeJSON(w, http.StatusUnauthorized, wire.ErrorResponse{Detail: "missing API key", Kind: "unauthorized"})
			return
		}
		pipe, ok := s.lookupKey(key)
		if !ok {
			writeJSON(w, http.StatusUnauthorized, wire.ErrorResponse{Detail: "invalid API key", Kind: "unauthorized"})
			return
		}
		ctx := context.WithValue(r.Context(), pipeContextKey, pipe)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func pipeFrom(r *http.Request) *Pipe {
	p, _ := r.Context().Value(pipeContextKey).(*Pipe)
	return p
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(status int) {
	rec.status = status
	rec.ResponseWriter.WriteHeader(status)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := metrics.NewTimer()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		timer.ObserveDurationVec(metrics.APIRequestDuration, r.Method)
		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
	})
}
