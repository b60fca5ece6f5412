package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tidemark-io/tidemark/pkg/errdefs"
	"github.com/tidemark-io/tidemark/pkg/log"
	"github.com/tidemark-io/tidemark/pkg/metrics"
)

// DefaultTimeout applies when a pipe does not configure a session TTL.
const DefaultTimeout = 30 * time.Second

// cleanupInterval is how often the expiry loop scans all sessions.
const cleanupInterval = 1 * time.Second

// TerminationListener observes session removal, e.g. the fusion pipeline
// resetting views when the last session of a live view closes.
type TerminationListener interface {
	OnSessionTerminated(viewID, sessionID, reason string, viewEmpty bool)
}

// Manager tracks the active sessions of every view, elects leaders
// first-come-first-serve, expires idle sessions and promotes a survivor when
// a leader goes away.
//
// Locking: a per-view mutex gates writes; top-level map reads go through the
// global mu briefly. Terminal failover (terminate + promote) runs under the
// per-view lock so release and re-acquisition of the leader role are
// linearizable.
type Manager struct {
	defaultTimeout time.Duration
	logger         zerolog.Logger

	mu        sync.Mutex
	sessions  map[string]map[string]*Session // view id -> session id -> session
	states    map[string]*ViewState
	viewLocks map[string]*sync.Mutex
	removing  map[string]bool

	listeners []TerminationListener
}

// NewManager creates a session manager.
func NewManager(defaultTimeout time.Duration) *Manager {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultTimeout
	}
	return &Manager{
		defaultTimeout: defaultTimeout,
		sessions:       make(map[string]map[string]*Session),
		states:         make(map[string]*ViewState),
		viewLocks:      make(map[string]*sync.Mutex),
		removing:       make(map[string]bool),
		logger:         log.WithComponent("session-manager"),
	}
}

// AddTerminationListener registers a listener for session removal events.
func (m *Manager) AddTerminationListener(l TerminationListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// viewLock returns the per-view mutex, creating it lazily.
func (m *Manager) viewLock(viewID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lk, ok := m.viewLocks[viewID]
	if !ok {
		lk = &sync.Mutex{}
		m.viewLocks[viewID] = lk
	}
	return lk
}

// stateLocked returns the view state, creating it lazily. Caller holds the
// per-view lock.
func (m *Manager) stateLocked(viewID string) *ViewState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[viewID]
	if !ok {
		st = &ViewState{ViewID: viewID}
		m.states[viewID] = st
	}
	return st
}

// CreateOptions carries the optional attributes of a new session.
type CreateOptions struct {
	ClientIP            string
	SourceURI           string
	Timeout             time.Duration
	AllowConcurrentPush bool
}

// Create registers a new session for a view and elects its role. A task id
// may own at most one live session per view; when concurrent push is
// disallowed the view's writer lock must be free (a lock held by a session
// that no longer exists is released automatically).
func (m *Manager) Create(viewID, taskID string, opts CreateOptions) (*Session, Role, error) {
	lk := m.viewLock(viewID)
	lk.Lock()
	defer lk.Unlock()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}

	m.mu.Lock()
	view := m.sessions[viewID]
	if view == nil {
		view = make(map[string]*Session)
		m.sessions[viewID] = view
	}
	for _, s := range view {
		if s.TaskID == taskID {
			m.mu.Unlock()
			return nil, "", errdefs.Conflict("task %s already has an active session on view %s", taskID, viewID)
		}
	}
	m.mu.Unlock()

	st := m.stateLocked(viewID)
	sessionID := uuid.NewString()

	if !opts.AllowConcurrentPush && st.LockedBySessionID != "" {
		if m.sessionExists(viewID, st.LockedBySessionID) {
			return nil, "", errdefs.Conflict("view %s is locked by session %s", viewID, st.LockedBySessionID)
		}
		m.logger.Warn().
			Str("view_id", viewID).
			Str("stale_session", st.LockedBySessionID).
			Msg("Releasing writer lock held by a stale session")
		st.LockedBySessionID = ""
	}

	now := time.Now()
	s := &Session{
		ID:                  sessionID,
		ViewID:              viewID,
		TaskID:              taskID,
		ClientIP:            opts.ClientIP,
		SourceURI:           opts.SourceURI,
		CreatedAt:           now,
		LastActivity:        now,
		Timeout:             timeout,
		AllowConcurrentPush: opts.AllowConcurrentPush,
	}

	m.mu.Lock()
	m.sessions[viewID][sessionID] = s
	count := len(m.sessions[viewID])
	m.mu.Unlock()
	metrics.SessionsActive.WithLabelValues(viewID).Set(float64(count))

	// Leader election: first come, first serve.
	role := RoleFollower
	if st.LeaderSessionID == "" || st.LeaderSessionID == sessionID {
		st.LeaderSessionID = sessionID
		st.AuthoritativeSessionID = sessionID
		role = RoleLeader
		metrics.LeaderElectionsTotal.WithLabelValues(viewID).Inc()
	}

	if !opts.AllowConcurrentPush {
		st.LockedBySessionID = sessionID
	}

	m.logger.Info().
		Str("view_id", viewID).
		Str("session_id", sessionID).
		Str("task_id", taskID).
		Str("role", string(role)).
		Dur("timeout", timeout).
		Msg("Session created")
	return s, role, nil
}

func (m *Manager) sessionExists(viewID, sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[viewID][sessionID]
	return ok
}

// Get returns a session. It takes only the global map lock, not the
// per-view lock.
func (m *Manager) Get(viewID, sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[viewID][sessionID]
	return s, ok
}

// KeepAlive refreshes a session's activity and drains its pending commands.
// Two concurrent keep-alives never move LastActivity backwards and both see
// the same role.
func (m *Manager) KeepAlive(viewID, sessionID, clientIP string, canRealtime bool) (Role, []Command, error) {
	lk := m.viewLock(viewID)
	lk.Lock()
	defer lk.Unlock()

	m.mu.Lock()
	s, ok := m.sessions[viewID][sessionID]
	m.mu.Unlock()
	if !ok {
		return "", nil, errdefs.SessionObsoleted("session %s not found on view %s", sessionID, viewID)
	}

	now := time.Now()
	if now.After(s.LastActivity) {
		s.LastActivity = now
	}
	if clientIP != "" {
		s.ClientIP = clientIP
	}
	s.CanRealtime = canRealtime

	commands := s.pendingCommands
	s.pendingCommands = nil

	st := m.stateLocked(viewID)
	// Re-acquire the writer lock if it drifted free (e.g. after a stale
	// release) and try leadership: idempotent for the current leader.
	if !s.AllowConcurrentPush && st.LockedBySessionID == "" {
		st.LockedBySessionID = sessionID
	}
	role := RoleFollower
	if st.LeaderSessionID == "" || st.LeaderSessionID == sessionID {
		if st.LeaderSessionID == "" {
			metrics.LeaderElectionsTotal.WithLabelValues(viewID).Inc()
		}
		st.LeaderSessionID = sessionID
		st.AuthoritativeSessionID = sessionID
		role = RoleLeader
	}
	return role, commands, nil
}

// Touch refreshes activity from a data push without draining commands.
func (m *Manager) Touch(viewID, sessionID string) {
	m.mu.Lock()
	s, ok := m.sessions[viewID][sessionID]
	m.mu.Unlock()
	if ok {
		now := time.Now()
		lk := m.viewLock(viewID)
		lk.Lock()
		if now.After(s.LastActivity) {
			s.LastActivity = now
		}
		lk.Unlock()
	}
}

// RecordIndex remembers the highest event index pushed by a session.
func (m *Manager) RecordIndex(viewID, sessionID string, index int64) {
	lk := m.viewLock(viewID)
	lk.Lock()
	defer lk.Unlock()
	m.mu.Lock()
	s, ok := m.sessions[viewID][sessionID]
	m.mu.Unlock()
	if ok && index > s.LastEventIndex {
		s.LastEventIndex = index
	}
}

// CommittedIndex returns the highest event index recorded for a session.
func (m *Manager) CommittedIndex(viewID, sessionID string) (int64, bool) {
	lk := m.viewLock(viewID)
	lk.Lock()
	defer lk.Unlock()
	m.mu.Lock()
	s, ok := m.sessions[viewID][sessionID]
	m.mu.Unlock()
	if !ok {
		return 0, false
	}
	return s.LastEventIndex, true
}

// QueueCommand schedules a server->agent directive for delivery on the
// session's next heartbeat.
func (m *Manager) QueueCommand(viewID, sessionID string, cmd Command) bool {
	lk := m.viewLock(viewID)
	lk.Lock()
	defer lk.Unlock()

	m.mu.Lock()
	s, ok := m.sessions[viewID][sessionID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	s.pendingCommands = append(s.pendingCommands, cmd)
	return true
}

// TryBecomeLeader claims the leader role first-come-first-serve. It is
// idempotent for the current leader and reports whether the caller leads
// afterwards.
func (m *Manager) TryBecomeLeader(viewID, sessionID string) bool {
	lk := m.viewLock(viewID)
	lk.Lock()
	defer lk.Unlock()
	st := m.stateLocked(viewID)
	if st.LeaderSessionID == "" {
		st.LeaderSessionID = sessionID
		st.AuthoritativeSessionID = sessionID
		metrics.LeaderElectionsTotal.WithLabelValues(viewID).Inc()
		m.logger.Info().Str("view_id", viewID).Str("session_id", sessionID).Msg("Session became leader")
		return true
	}
	return st.LeaderSessionID == sessionID
}

// Role returns the current role of a session.
func (m *Manager) Role(viewID, sessionID string) Role {
	lk := m.viewLock(viewID)
	lk.Lock()
	defer lk.Unlock()
	st := m.stateLocked(viewID)
	if st.LeaderSessionID == sessionID {
		return RoleLeader
	}
	return RoleFollower
}

// IsLeader reports whether the session currently leads its view.
func (m *Manager) IsLeader(viewID, sessionID string) bool {
	return m.Role(viewID, sessionID) == RoleLeader
}

// State returns a copy of the view's arbitration state.
func (m *Manager) State(viewID string) ViewState {
	lk := m.viewLock(viewID)
	lk.Lock()
	defer lk.Unlock()
	return *m.stateLocked(viewID)
}

// SetSnapshotComplete records that sessionID finished a full snapshot.
func (m *Manager) SetSnapshotComplete(viewID, sessionID string) {
	lk := m.viewLock(viewID)
	lk.Lock()
	defer lk.Unlock()
	st := m.stateLocked(viewID)
	st.CompletedSnapshotSessionID = sessionID
	// Secondary views owned by the same pipe have no session of their own;
	// the completing session becomes authoritative for them too.
	if st.AuthoritativeSessionID == "" {
		st.AuthoritativeSessionID = sessionID
	}
	m.logger.Info().
		Str("view_id", viewID).
		Str("session_id", sessionID).
		Msg("Snapshot marked complete")
}

// SnapshotComplete reports whether the view has a usable snapshot.
func (m *Manager) SnapshotComplete(viewID string) bool {
	lk := m.viewLock(viewID)
	lk.Lock()
	defer lk.Unlock()
	return m.stateLocked(viewID).SnapshotComplete()
}

// List returns the session infos of a view.
func (m *Manager) List(viewID string) []Info {
	lk := m.viewLock(viewID)
	lk.Lock()
	defer lk.Unlock()

	st := m.stateLocked(viewID)
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	infos := make([]Info, 0, len(m.sessions[viewID]))
	for _, s := range m.sessions[viewID] {
		role := RoleFollower
		if st.LeaderSessionID == s.ID {
			role = RoleLeader
		}
		infos = append(infos, Info{
			SessionID:             s.ID,
			TaskID:                s.TaskID,
			ClientIP:              s.ClientIP,
			CreatedAt:             float64(s.CreatedAt.UnixNano()) / 1e9,
			LastActivityAgeSec:    now.Sub(s.LastActivity).Seconds(),
			SessionTimeoutSeconds: s.Timeout.Seconds(),
			AllowConcurrentPush:   s.AllowConcurrentPush,
			Role:                  role,
			CanSnapshot:           role == RoleLeader,
			CanAudit:              role == RoleLeader,
			CanRealtime:           true,
		})
	}
	return infos
}

// Terminate removes a session, releases its roles and promotes a survivor to
// leader. Removing an absent session is not an error.
func (m *Manager) Terminate(viewID, sessionID, reason string) bool {
	lk := m.viewLock(viewID)
	lk.Lock()
	defer lk.Unlock()
	return m.terminateLocked(viewID, sessionID, reason)
}

// terminateLocked performs the removal. Caller holds the per-view lock.
func (m *Manager) terminateLocked(viewID, sessionID, reason string) bool {
	m.mu.Lock()
	if m.removing[sessionID] {
		m.mu.Unlock()
		return false
	}
	view := m.sessions[viewID]
	s, ok := view[sessionID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	m.removing[sessionID] = true
	delete(view, sessionID)
	viewEmpty := len(view) == 0
	remaining := make([]*Session, 0, len(view))
	for _, r := range view {
		remaining = append(remaining, r)
	}
	// Promotion is first-come-first-serve: order candidates by creation
	// time, not by map iteration order.
	sort.Slice(remaining, func(i, j int) bool {
		return remaining[i].CreatedAt.Before(remaining[j].CreatedAt)
	})
	listeners := append([]TerminationListener(nil), m.listeners...)
	m.mu.Unlock()

	metrics.SessionsActive.WithLabelValues(viewID).Set(float64(len(remaining)))

	st := m.stateLocked(viewID)
	wasLeader := st.LeaderSessionID == sessionID
	if st.LockedBySessionID == sessionID {
		st.LockedBySessionID = ""
	}
	if wasLeader {
		st.LeaderSessionID = ""
	}

	m.logger.Info().
		Str("view_id", viewID).
		Str("session_id", sessionID).
		Str("task_id", s.TaskID).
		Str("reason", reason).
		Bool("was_leader", wasLeader).
		Msg("Session terminated")

	// Promote the earliest-created surviving session.
	if wasLeader && len(remaining) > 0 {
		next := remaining[0]
		st.LeaderSessionID = next.ID
		st.AuthoritativeSessionID = next.ID
		if !next.AllowConcurrentPush && st.LockedBySessionID == "" {
			st.LockedBySessionID = next.ID
		}
		metrics.LeaderElectionsTotal.WithLabelValues(viewID).Inc()
		m.logger.Info().
			Str("view_id", viewID).
			Str("session_id", next.ID).
			Msg("Promoted session to leader")
	}

	for _, l := range listeners {
		l.OnSessionTerminated(viewID, sessionID, reason, viewEmpty)
	}

	m.mu.Lock()
	delete(m.removing, sessionID)
	m.mu.Unlock()
	return true
}

// ClearView terminates every session of a view.
func (m *Manager) ClearView(viewID, reason string) {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions[viewID]))
	for id := range m.sessions[viewID] {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Terminate(viewID, id, reason)
	}
}

// RunCleanup expires idle sessions every second until ctx is cancelled.
func (m *Manager) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	m.logger.Info().Msg("Session cleanup loop started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("Session cleanup loop stopped")
			return
		case <-ticker.C:
			m.expireSessions()
		}
	}
}

func (m *Manager) expireSessions() {
	type target struct{ viewID, sessionID string }
	now := time.Now()

	m.mu.Lock()
	var expired []target
	for viewID, view := range m.sessions {
		for sessionID, s := range view {
			if m.removing[sessionID] {
				continue
			}
			if now.Sub(s.LastActivity) >= s.Timeout {
				expired = append(expired, target{viewID, sessionID})
			}
		}
	}
	m.mu.Unlock()

	for _, t := range expired {
		metrics.SessionsExpiredTotal.WithLabelValues(t.viewID).Inc()
		m.Terminate(t.viewID, t.sessionID, "expired")
	}
}
