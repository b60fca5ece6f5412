package receiver

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tidemark-io/tidemark/pkg/errdefs"
	"github.com/tidemark-io/tidemark/pkg/session"
	"github.com/tidemark-io/tidemark/pkg/wire"
)

// viewFor resolves a view id to its querier, requiring a complete snapshot
// when gated is true.
func (s *Server) viewFor(w http.ResponseWriter, r *http.Request, gated bool) (string, ViewQuerier, bool) {
	viewID := chi.URLParam(r, "viewID")
	q, ok := s.lookupView(viewID)
	if !ok {
		writeError(w, errdefs.NotFound("view %s not found", viewID))
		return "", nil, false
	}
	if gated && !s.sessions.SnapshotComplete(viewID) {
		writeError(w, errdefs.Unavailable("view %s is initializing, snapshot not complete", viewID))
		return "", nil, false
	}
	return viewID, q, true
}

func (s *Server) handleViewTree(w http.ResponseWriter, r *http.Request) {
	_, q, ok := s.viewFor(w, r, true)
	if !ok {
		return
	}

	path := r.URL.Query().Get("path")
	if path == "" {
		path = "/"
	}
	maxDepth := -1
	if raw := r.URL.Query().Get("max_depth"); raw != "" {
		d, err := strconv.Atoi(raw)
		if err != nil || d < 0 {
			writeError(w, errdefs.Validation("invalid max_depth %q", raw))
			return
		}
		maxDepth = d
	}
	onlyPath := r.URL.Query().Get("only_path") == "true"

	tree := q.Tree(path, maxDepth, onlyPath)
	if tree == nil {
		writeError(w, errdefs.NotFound("path %s not found", path))
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

func (s *Server) handleViewStats(w http.ResponseWriter, r *http.Request) {
	_, q, ok := s.viewFor(w, r, false)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, q.GetStats())
}

func (s *Server) handleViewBlindSpots(w http.ResponseWriter, r *http.Request) {
	_, q, ok := s.viewFor(w, r, false)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, q.BlindSpotList())
}

func (s *Server) handleViewSuspectList(w http.ResponseWriter, r *http.Request) {
	_, q, ok := s.viewFor(w, r, false)
	if !ok {
		return
	}
	suspects := q.SuspectList()
	type suspect struct {
		Path  string  `json:"path"`
		Mtime float64 `json:"mtime"`
	}
	out := make([]suspect, 0, len(suspects))
	for p, mtime := range suspects {
		out = append(out, suspect{Path: p, Mtime: mtime})
	}
	writeJSON(w, http.StatusOK, map[string]any{"suspects": out, "count": len(out)})
}

func (s *Server) handleViewSearch(w http.ResponseWriter, r *http.Request) {
	_, q, ok := s.viewFor(w, r, true)
	if !ok {
		return
	}
	pattern := r.URL.Query().Get("pattern")
	if pattern == "" {
		writeError(w, errdefs.Validation("pattern query parameter is required"))
		return
	}
	results := q.Search(pattern)
	writeJSON(w, http.StatusOK, map[string]any{"results": results, "count": len(results)})
}

func (s *Server) handleViewFlags(w http.ResponseWriter, r *http.Request) {
	_, q, ok := s.viewFor(w, r, false)
	if !ok {
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, errdefs.Validation("path query parameter is required"))
		return
	}
	writeJSON(w, http.StatusOK, q.CheckFlags(path))
}

// handleViewScan queues an on-demand scan directive for the view's leader
// session, delivered on its next heartbeat.
func (s *Server) handleViewScan(w http.ResponseWriter, r *http.Request) {
	viewID := chi.URLParam(r, "viewID")
	if _, ok := s.lookupView(viewID); !ok {
		writeError(w, errdefs.NotFound("view %s not found", viewID))
		return
	}

	var req struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, errdefs.Validation("scan request requires a path"))
		return
	}

	st := s.sessions.State(viewID)
	if st.LeaderSessionID == "" {
		writeError(w, errdefs.StateConflict("view %s has no leader session", viewID))
		return
	}
	if !s.sessions.QueueCommand(viewID, st.LeaderSessionID, session.Command{Type: "scan", Path: req.Path}) {
		writeError(w, errdefs.NotFound("leader session disappeared"))
		return
	}
	writeJSON(w, http.StatusOK, wire.StatusResponse{Status: "queued", Message: "scan scheduled for leader session"})
}
