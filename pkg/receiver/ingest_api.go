package receiver

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tidemark-io/tidemark/pkg/errdefs"
	"github.com/tidemark-io/tidemark/pkg/event"
	"github.com/tidemark-io/tidemark/pkg/session"
	"github.com/tidemark-io/tidemark/pkg/wire"
)

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	pipe := pipeFrom(r)
	sessionID := chi.URLParam(r, "sessionID")

	if _, ok := s.sessions.Get(pipe.ViewID, sessionID); !ok {
		writeError(w, errdefs.SessionObsoleted("session %s not found", sessionID))
		return
	}

	var req wire.IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errdefs.Validation("invalid ingest payload: %v", err))
		return
	}

	sourceType := event.Source(req.SourceType)
	switch sourceType {
	case event.SourceSnapshot, event.SourceRealtime, event.SourceAudit:
	case "message":
		// Legacy alias for the realtime phase.
		sourceType = event.SourceRealtime
	default:
		writeError(w, errdefs.Validation("unknown source_type %q", req.SourceType))
		return
	}

	// Snapshot pushes are only meaningful from the authoritative session;
	// a stale leader replaying its snapshot is rejected as a conflict.
	if sourceType == event.SourceSnapshot {
		st := s.sessions.State(pipe.ViewID)
		if st.AuthoritativeSessionID != "" && st.AuthoritativeSessionID != sessionID {
			writeError(w, errdefs.Conflict("snapshot push from non-authoritative session %s", sessionID))
			return
		}
	}

	// Per-row validation: malformed rows are dropped with a count, the
	// batch is still accepted.
	dropped := 0
	events := make([]*event.Event, 0, len(req.Events))
	var lastIndex int64
	for _, ev := range req.Events {
		if ev == nil {
			dropped++
			continue
		}
		kept := ev.Rows[:0]
		for _, row := range ev.Rows {
			if row.Path == "" {
				dropped++
				continue
			}
			kept = append(kept, row)
		}
		ev.Rows = kept
		if ev.Source == "" {
			ev.Source = sourceType
		}
		events = append(events, ev)
		if ev.Index > lastIndex {
			lastIndex = ev.Index
		}
	}
	pipe.Pipeline.CountDroppedRows(dropped)

	if err := pipe.Pipeline.ProcessEvents(r.Context(), events, sessionID, sourceType, req.IsEnd); err != nil {
		writeError(w, err)
		return
	}
	if lastIndex > 0 {
		s.sessions.RecordIndex(pipe.ViewID, sessionID, lastIndex)
	}

	role := s.sessions.Role(pipe.ViewID, sessionID)
	writeJSON(w, http.StatusOK, wire.IngestResponse{
		Success:           true,
		Role:              string(role),
		IsLeader:          role == session.RoleLeader,
		Count:             len(events),
		DroppedRows:       dropped,
		LastPushedEventID: lastIndex,
	})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	pipe := pipeFrom(r)
	sessionID := chi.URLParam(r, "sessionID")

	index, ok := s.sessions.CommittedIndex(pipe.ViewID, sessionID)
	if !ok {
		writeError(w, errdefs.NotFound("session %s not found", sessionID))
		return
	}
	if index == 0 {
		writeError(w, errdefs.NotFound("no checkpoint recorded, snapshot sync suggested"))
		return
	}
	writeJSON(w, http.StatusOK, wire.PositionResponse{Index: index})
}
