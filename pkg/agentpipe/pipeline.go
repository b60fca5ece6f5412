package agentpipe

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tidemark-io/tidemark/pkg/bus"
	"github.com/tidemark-io/tidemark/pkg/errdefs"
	"github.com/tidemark-io/tidemark/pkg/fsdriver"
	"github.com/tidemark-io/tidemark/pkg/log"
	"github.com/tidemark-io/tidemark/pkg/sender"
	"github.com/tidemark-io/tidemark/pkg/session"
	"github.com/tidemark-io/tidemark/pkg/storage"
)

// Options carries the tunable knobs of one pipeline.
type Options struct {
	HeartbeatInterval time.Duration
	AuditInterval     time.Duration
	SentinelInterval  time.Duration
	SessionTimeout    time.Duration
	BatchSize         int
	FieldsMapping     []string

	// Backoff for transient control-loop errors.
	ErrorRetryInterval time.Duration
	BackoffMultiplier  float64
	MaxBackoff         time.Duration

	RoleCheckInterval       time.Duration
	FollowerStandbyInterval time.Duration
}

func (o *Options) applyDefaults() {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 10 * time.Second
	}
	if o.AuditInterval == 0 {
		o.AuditInterval = 600 * time.Second
	}
	if o.SentinelInterval == 0 {
		o.SentinelInterval = 120 * time.Second
	}
	if o.SessionTimeout <= 0 {
		o.SessionTimeout = 30 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.ErrorRetryInterval <= 0 {
		o.ErrorRetryInterval = 5 * time.Second
	}
	if o.BackoffMultiplier <= 1 {
		o.BackoffMultiplier = 2
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 60 * time.Second
	}
	if o.RoleCheckInterval <= 0 {
		o.RoleCheckInterval = 1 * time.Second
	}
	if o.FollowerStandbyInterval <= 0 {
		o.FollowerStandbyInterval = 1 * time.Second
	}
}

// Statistics are the pipeline counters.
type Statistics struct {
	EventsPushed      int64 `json:"events_pushed"`
	LastPushedEventID int64 `json:"last_pushed_event_id"`
}

// Pipeline drives one (source, sender) pair: session lifecycle, the leader
// sequence (snapshot, message sync, audit and sentinel loops) and recovery.
type Pipeline struct {
	id     string
	taskID string
	opts   Options
	logger zerolog.Logger

	driver      *fsdriver.Driver
	sender      *sender.Sender
	busService  *bus.Service
	checkpoints storage.Checkpoints

	mu                sync.Mutex
	state             State
	info              string
	role              session.Role
	heartbeatInterval time.Duration
	// lastRoleUpdate suppresses heartbeats while data pushes keep the
	// server informed.
	lastRoleUpdate time.Time
	stats          Statistics

	currentBus           *bus.Bus
	supplementalSnapshot bool
	sessionObsoleted     bool

	mtimeCacheMu sync.Mutex
	mtimeCache   map[string]float64

	// leaderCancel tears down the audit/sentinel/message tasks on role
	// loss or session loss.
	leaderCancel context.CancelFunc

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a pipeline. busService and checkpoints may be nil: without a
// bus the message phase streams directly from the driver, and without
// checkpoints every restart cold-starts.
func New(id, taskID string, driver *fsdriver.Driver, snd *sender.Sender, busService *bus.Service, checkpoints storage.Checkpoints, opts Options) *Pipeline {
	opts.applyDefaults()
	p := &Pipeline{
		id:                id,
		taskID:            taskID,
		opts:              opts,
		heartbeatInterval: opts.HeartbeatInterval,
		driver:            driver,
		sender:            snd,
		busService:        busService,
		checkpoints:       checkpoints,
		state:             StateStopped,
		mtimeCache:        make(map[string]float64),
		done:              make(chan struct{}),
		logger:            log.WithPipeline("agent-pipeline", id),
	}
	if checkpoints != nil {
		if cache, err := checkpoints.GetMtimeCache(id); err == nil {
			p.mtimeCache = cache
		}
		if index, err := checkpoints.GetCommittedIndex(id); err == nil {
			p.stats.LastPushedEventID = index
		}
	}
	return p
}

// ID returns the pipeline id.
func (p *Pipeline) ID() string { return p.id }

// TaskID returns the agent-scoped task identifier.
func (p *Pipeline) TaskID() string { return p.taskID }

// State returns the current state flags.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Info returns the last human-readable state description.
func (p *Pipeline) Info() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.info
}

// Role returns the current role, empty before the first assignment.
func (p *Pipeline) Role() session.Role {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.role
}

// Stats returns a copy of the counters.
func (p *Pipeline) Stats() Statistics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func (p *Pipeline) setState(s State, info string) {
	p.mu.Lock()
	p.state = s
	if info != "" {
		p.info = info
	}
	p.mu.Unlock()
	p.logger.Debug().Stringer("state", s).Str("info", info).Msg("State changed")
}

func (p *Pipeline) addStateFlag(flag State) {
	p.mu.Lock()
	p.state |= flag
	p.mu.Unlock()
}

func (p *Pipeline) clearStateFlag(flag State) {
	p.mu.Lock()
	p.state &^= flag
	p.mu.Unlock()
}

func (p *Pipeline) isStopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.Has(StateStopped) || p.state.Has(StateStopping)
}

// Start launches the control loop.
func (p *Pipeline) Start(ctx context.Context) {
	p.mu.Lock()
	if !p.state.Has(StateStopped) {
		p.mu.Unlock()
		p.logger.Warn().Msg("Pipeline already running")
		return
	}
	p.state = StateInitializing
	p.mu.Unlock()

	ctx, p.cancel = context.WithCancel(ctx)
	go func() {
		defer close(p.done)
		p.runControlLoop(ctx)
	}()
}

// Stop cancels every task, attempts to close the session (swallowing
// errors) and marks the pipeline stopped.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if p.state.Has(StateStopped) && p.cancel == nil {
		p.mu.Unlock()
		return
	}
	p.state = StateStopping
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
		<-p.done
	}

	closeCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := p.sender.CloseSession(closeCtx); err != nil {
		p.logger.Warn().Err(err).Msg("Error closing session during stop")
	}
	if p.busService != nil {
		p.busService.ReleaseSubscriber(p.taskID)
	}
	p.persistCheckpoints()
	p.setState(StateStopped, "Stopped")
}

// persistCheckpoints flushes the mtime cache and committed index.
func (p *Pipeline) persistCheckpoints() {
	if p.checkpoints == nil {
		return
	}
	p.mtimeCacheMu.Lock()
	cache := make(map[string]float64, len(p.mtimeCache))
	for k, v := range p.mtimeCache {
		cache[k] = v
	}
	p.mtimeCacheMu.Unlock()
	if err := p.checkpoints.SaveMtimeCache(p.id, cache); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to persist mtime cache")
	}
	p.mu.Lock()
	index := p.stats.LastPushedEventID
	p.mu.Unlock()
	if err := p.checkpoints.SaveCommittedIndex(p.id, index); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to persist committed index")
	}
}

// updateRole records a role reported by the server and tears down leader
// tasks on demotion.
func (p *Pipeline) updateRole(newRole string) {
	if newRole == "" {
		return
	}
	role := session.Role(newRole)

	p.mu.Lock()
	oldRole := p.role
	p.role = role
	p.lastRoleUpdate = time.Now()
	leaderCancel := p.leaderCancel
	p.mu.Unlock()

	if oldRole == role {
		return
	}
	p.logger.Info().Str("old_role", string(oldRole)).Str("new_role", string(role)).Msg("Role changed")
	if oldRole == session.RoleLeader && role != session.RoleLeader && leaderCancel != nil {
		leaderCancel()
	}
}

// handleSessionObsoleted drops all session state so the control loop
// reconnects without backoff.
func (p *Pipeline) handleSessionObsoleted() {
	p.mu.Lock()
	p.sessionObsoleted = true
	p.role = ""
	leaderCancel := p.leaderCancel
	p.mu.Unlock()

	p.sender.DropSession()
	if leaderCancel != nil {
		leaderCancel()
	}
}

// consumeObsoletedFlag reads and clears the obsoleted marker set by the
// heartbeat loop, so the control loop reconnects without backoff even when
// the 419 surfaced on a different task.
func (p *Pipeline) consumeObsoletedFlag() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	was := p.sessionObsoleted
	p.sessionObsoleted = false
	return was
}

// RemapToNewBus implements bus.Remapper: the bus reference is swapped in
// place; on position loss a supplemental snapshot is scheduled.
func (p *Pipeline) RemapToNewBus(newBus *bus.Bus, positionLost bool) {
	p.mu.Lock()
	old := p.currentBus
	p.currentBus = newBus
	if positionLost {
		p.supplementalSnapshot = true
	}
	p.mu.Unlock()

	oldID := ""
	if old != nil {
		oldID = old.ID()
	}
	p.logger.Warn().
		Str("old_bus", oldID).
		Str("new_bus", newBus.ID()).
		Bool("position_lost", positionLost).
		Msg("Remapped to new bus")
}

// isObsoleted classifies errors that demand immediate session recreation.
func isObsoleted(err error) bool {
	return err != nil && (errdefs.IsSessionObsoleted(err) || strings.Contains(err.Error(), "session_obsoleted"))
}
