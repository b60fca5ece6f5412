package receiver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/tidemark-io/tidemark/pkg/errdefs"
	"github.com/tidemark-io/tidemark/pkg/wire"
)

// auditEndDrainTimeout caps how long the audit-end request blocks waiting
// for the pipeline queue to drain.
const auditEndDrainTimeout = 5 * time.Second

func (s *Server) handleAuditStart(w http.ResponseWriter, r *http.Request) {
	pipe := pipeFrom(r)
	handled := pipe.Pipeline.HandleAuditStart()
	writeJSON(w, http.StatusOK, wire.AuditSignalResponse{Status: "audit_started", HandlersNotified: handled})
}

func (s *Server) handleAuditEnd(w http.ResponseWriter, r *http.Request) {
	pipe := pipeFrom(r)
	handled, err := pipe.Pipeline.HandleAuditEnd(r.Context(), auditEndDrainTimeout)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.AuditSignalResponse{Status: "audit_ended", HandlersNotified: handled})
}

func (s *Server) handleSentinelTasks(w http.ResponseWriter, r *http.Request) {
	pipe := pipeFrom(r)

	seen := make(map[string]struct{})
	var paths []string
	for _, h := range pipe.Pipeline.Handlers() {
		q, ok := h.(ViewQuerier)
		if !ok {
			continue
		}
		for p := range q.SuspectList() {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			paths = append(paths, p)
		}
	}

	if len(paths) == 0 {
		writeJSON(w, http.StatusOK, wire.SentinelTasks{})
		return
	}
	writeJSON(w, http.StatusOK, wire.SentinelTasks{Type: "suspect_check", Paths: paths})
}

// SuspectUpdater is implemented by handlers that accept sentinel feedback.
type SuspectUpdater interface {
	UpdateSuspect(path string, mtime float64)
}

func (s *Server) handleSentinelFeedback(w http.ResponseWriter, r *http.Request) {
	pipe := pipeFrom(r)

	var req wire.SentinelFeedback
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errdefs.Validation("invalid sentinel feedback: %v", err))
		return
	}
	if req.Type != "suspect_update" {
		writeJSON(w, http.StatusOK, wire.StatusResponse{Status: "ignored", Message: "unknown feedback type"})
		return
	}

	for _, h := range pipe.Pipeline.Handlers() {
		su, ok := h.(SuspectUpdater)
		if !ok {
			continue
		}
		for _, u := range req.Updates {
			if u.Path == "" {
				continue
			}
			su.UpdateSuspect(u.Path, u.Mtime)
		}
	}
	writeJSON(w, http.StatusOK, wire.StatusResponse{Status: "processed"})
}
