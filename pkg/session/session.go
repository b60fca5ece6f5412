package session

import (
	"time"
)

// Role of a session within its view.
type Role string

const (
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
)

// Command is a server->agent directive delivered on heartbeat.
type Command struct {
	Type  string `json:"type"`
	Path  string `json:"path,omitempty"`
	JobID string `json:"job_id,omitempty"`
}

// Session is one authenticated Agent conversation on a view.
type Session struct {
	ID        string
	ViewID    string
	TaskID    string
	ClientIP  string
	SourceURI string

	// CreatedAt is wall-clock for display; LastActivity is monotonic (via
	// time.Time's monotonic reading) so TTL expiry is immune to wall-clock
	// jumps.
	CreatedAt    time.Time
	LastActivity time.Time

	Timeout             time.Duration
	AllowConcurrentPush bool
	CanRealtime         bool

	// LastEventIndex is the highest event index accepted from this
	// session, served back as the safe resume position.
	LastEventIndex int64

	pendingCommands []Command
}

// Info is the externally visible projection of a session.
type Info struct {
	SessionID             string  `json:"session_id"`
	TaskID                string  `json:"task_id"`
	ClientIP              string  `json:"client_ip,omitempty"`
	CreatedAt             float64 `json:"created_at"`
	LastActivityAgeSec    float64 `json:"last_activity_age_seconds"`
	SessionTimeoutSeconds float64 `json:"session_timeout_seconds"`
	AllowConcurrentPush   bool    `json:"allow_concurrent_push"`
	Role                  Role    `json:"role"`
	CanSnapshot           bool    `json:"can_snapshot"`
	CanAudit              bool    `json:"can_audit"`
	CanRealtime           bool    `json:"can_realtime"`
}

// ViewState is the per-view arbitration state: who leads, whose snapshot is
// authoritative, and who holds the single-writer lock when concurrent push
// is disallowed.
type ViewState struct {
	ViewID                     string
	LeaderSessionID            string
	AuthoritativeSessionID     string
	CompletedSnapshotSessionID string
	LockedBySessionID          string
}

// SnapshotComplete reports whether the view has a usable snapshot: the
// session that completed one must still be the authoritative leader.
func (vs *ViewState) SnapshotComplete() bool {
	return vs.AuthoritativeSessionID != "" &&
		vs.CompletedSnapshotSessionID == vs.AuthoritativeSessionID
}
