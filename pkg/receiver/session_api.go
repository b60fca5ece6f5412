package receiver

import (
	"encoding/json"
	"net"
	"net/http"

	"github.com/tidemark-io/tidemark/pkg/errdefs"
	"github.com/tidemark-io/tidemark/pkg/session"
	"github.com/tidemark-io/tidemark/pkg/wire"
)

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	pipe := pipeFrom(r)

	var req wire.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errdefs.Validation("invalid session payload: %v", err))
		return
	}
	if req.TaskID == "" {
		writeError(w, errdefs.Validation("task_id is required"))
		return
	}

	sourceURI := ""
	if req.ClientInfo != nil {
		if v, ok := req.ClientInfo["source_uri"].(string); ok {
			sourceURI = v
		}
	}

	sess, role, err := s.sessions.Create(pipe.ViewID, req.TaskID, session.CreateOptions{
		ClientIP:            clientIP(r),
		SourceURI:           sourceURI,
		Timeout:             pipe.SessionTimeout,
		AllowConcurrentPush: pipe.AllowConcurrentPush,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	pipe.Pipeline.NotifySessionStart()

	writeJSON(w, http.StatusOK, wire.CreateSessionResponse{
		SessionID:                         sess.ID,
		Role:                              string(role),
		IsLeader:                          role == session.RoleLeader,
		SuggestedHeartbeatIntervalSeconds: sess.Timeout.Seconds() / 2,
		SessionTimeoutSeconds:             sess.Timeout.Seconds(),
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	pipe := pipeFrom(r)
	sessionID := r.Header.Get(wire.HeaderSessionID)
	if sessionID == "" {
		writeError(w, errdefs.Validation("missing Session-ID header"))
		return
	}

	role, commands, err := s.sessions.KeepAlive(pipe.ViewID, sessionID, clientIP(r), true)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, wire.HeartbeatResponse{
		Status:   "ok",
		Role:     string(role),
		IsLeader: role == session.RoleLeader,
		Commands: commands,
	})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	pipe := pipeFrom(r)
	sessionID := r.Header.Get(wire.HeaderSessionID)
	if sessionID == "" {
		writeError(w, errdefs.Validation("missing Session-ID header"))
		return
	}

	// Closing an absent session is a success: the goal state is reached.
	s.sessions.Terminate(pipe.ViewID, sessionID, "closed")
	writeJSON(w, http.StatusOK, wire.StatusResponse{Status: "ok", Message: "session terminated"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	pipe := pipeFrom(r)
	infos := s.sessions.List(pipe.ViewID)
	writeJSON(w, http.StatusOK, wire.SessionList{
		ViewID:         pipe.ViewID,
		ActiveSessions: infos,
		Count:          len(infos),
	})
}
