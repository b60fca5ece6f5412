// Package wire defines the JSON payloads of the Agent/Fusion HTTP protocol.
// Sender and receiver share these types, the way a generated protocol stub
// would be shared.
package wire

import (
	"github.com/tidemark-io/tidemark/pkg/event"
	"github.com/tidemark-io/tidemark/pkg/session"
)

// Header names used by the protocol.
const (
	HeaderAPIKey    = "X-API-Key"
	HeaderSessionID = "Session-ID"
)

// CreateSessionRequest creates a new sync session.
type CreateSessionRequest struct {
	TaskID     string         `json:"task_id"`
	ClientInfo map[string]any `json:"client_info,omitempty"`
}

// CreateSessionResponse reports the assigned session and role.
type CreateSessionResponse struct {
	SessionID                         string  `json:"session_id"`
	Role                              string  `json:"role"`
	IsLeader                          bool    `json:"is_leader"`
	SuggestedHeartbeatIntervalSeconds float64 `json:"suggested_heartbeat_interval_seconds"`
	SessionTimeoutSeconds             float64 `json:"session_timeout_seconds"`
}

// HeartbeatResponse carries the refreshed role and any queued server
// directives.
type HeartbeatResponse struct {
	Status   string            `json:"status"`
	Role     string            `json:"role"`
	IsLeader bool              `json:"is_leader"`
	Commands []session.Command `json:"commands,omitempty"`
}

// IngestRequest pushes a batch of events.
type IngestRequest struct {
	Events     []*event.Event `json:"events"`
	SourceType string         `json:"source_type"`
	IsEnd      bool           `json:"is_end,omitempty"`
}

// IngestResponse acknowledges a batch.
type IngestResponse struct {
	Success           bool   `json:"success"`
	Role              string `json:"role"`
	IsLeader          bool   `json:"is_leader"`
	Count             int    `json:"count"`
	DroppedRows       int    `json:"dropped_rows,omitempty"`
	LastPushedEventID int64  `json:"last_pushed_event_id,omitempty"`
}

// PositionResponse reports the latest committed event index of a session.
type PositionResponse struct {
	Index int64 `json:"index"`
}

// SentinelTasks is the suspect-check work handed to a leader agent.
type SentinelTasks struct {
	Type  string   `json:"type,omitempty"`
	Paths []string `json:"paths,omitempty"`
}

// SentinelUpdate is one re-statted suspect path.
type SentinelUpdate struct {
	Path  string  `json:"path"`
	Mtime float64 `json:"mtime"`
}

// SentinelFeedback submits sentinel results.
type SentinelFeedback struct {
	Type    string           `json:"type"`
	Updates []SentinelUpdate `json:"updates"`
}

// SessionList enumerates the active sessions of a view.
type SessionList struct {
	ViewID         string         `json:"view_id"`
	ActiveSessions []session.Info `json:"active_sessions"`
	Count          int            `json:"count"`
}

// StatusResponse is the generic acknowledgement body.
type StatusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// AuditSignalResponse acknowledges an audit start/end signal.
type AuditSignalResponse struct {
	Status           string `json:"status"`
	HandlersNotified int    `json:"handlers_notified"`
}

// ErrorResponse is the JSON error body of every non-2xx answer.
type ErrorResponse struct {
	Detail string `json:"detail"`
	Kind   string `json:"kind"`
}
