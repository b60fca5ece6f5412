package agentpipe

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/tidemark-io/tidemark/pkg/errdefs"
	"github.com/tidemark-io/tidemark/pkg/metrics"
	"github.com/tidemark-io/tidemark/pkg/sender"
	"github.com/tidemark-io/tidemark/pkg/session"
)

// runControlLoop is the pipeline's outer state machine: maintain a session,
// wait for a role, run the leader sequence or follower standby, and recover
// from failures with exponential backoff (none for obsoleted sessions).
func (p *Pipeline) runControlLoop(ctx context.Context) {
	p.setState(StateRunning, "Waiting for role assignment")
	consecutiveErrors := 0

	for ctx.Err() == nil && !p.isStopped() {
		err := p.controlIteration(ctx)
		switch {
		case err == nil:
			if consecutiveErrors > 0 {
				p.logger.Info().Int("errors", consecutiveErrors).Msg("Pipeline recovered")
				consecutiveErrors = 0
			}
		case ctx.Err() != nil:
			return
		case isObsoleted(err) || p.consumeObsoletedFlag():
			// No backoff: the server told us the session is gone, the
			// next iteration recreates it.
			p.logger.Warn().Err(err).Msg("Session obsoleted, reconnecting immediately")
			p.handleSessionObsoleted()
			p.setState(StateRunning|StateReconnecting, "Session obsoleted, reconnecting")
		case errdefs.IsUnavailable(err):
			// 503: the view is initializing. Honor the server's
			// Retry-After instead of exponential backoff, and keep the
			// session.
			wait := p.opts.ErrorRetryInterval
			var retryable *sender.RetryableError
			if errors.As(err, &retryable) && retryable.RetryAfter > 0 {
				wait = retryable.RetryAfter
			}
			p.setState(StateRunning|StateReconnecting, "View initializing, waiting for Retry-After")
			p.logger.Warn().Err(err).Dur("retry_after", wait).Msg("Fusion unavailable, retrying")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		default:
			consecutiveErrors++
			backoff := p.backoffFor(consecutiveErrors)
			p.setState(StateError|StateReconnecting, err.Error())
			p.logger.Error().
				Err(err).
				Int("attempt", consecutiveErrors).
				Dur("backoff", backoff).
				Msg("Control loop error, backing off")
			p.teardownSession()
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
		}
	}
}

func (p *Pipeline) backoffFor(attempt int) time.Duration {
	backoff := time.Duration(float64(p.opts.ErrorRetryInterval) * math.Pow(p.opts.BackoffMultiplier, float64(attempt-1)))
	if backoff > p.opts.MaxBackoff {
		backoff = p.opts.MaxBackoff
	}
	return backoff
}

// teardownSession cancels leader tasks and closes the session client-side.
func (p *Pipeline) teardownSession() {
	p.mu.Lock()
	leaderCancel := p.leaderCancel
	p.role = ""
	p.mu.Unlock()
	if leaderCancel != nil {
		leaderCancel()
	}
	p.sender.DropSession()
}

// controlIteration performs one pass of the control loop.
func (p *Pipeline) controlIteration(ctx context.Context) error {
	// 1. Ensure a session exists.
	if p.sender.SessionID() == "" {
		p.setState(StateRunning|StateReconnecting, "Creating session")
		resp, err := p.sender.CreateSession(ctx, p.taskID, p.driver.Schema(), p.opts.SessionTimeout)
		if err != nil {
			return err
		}
		p.mu.Lock()
		p.sessionObsoleted = false
		p.mu.Unlock()
		p.updateRole(resp.Role)
		// Heartbeat cadence is the larger of the configured interval and
		// the server's suggestion.
		if resp.SuggestedHeartbeatIntervalSeconds > 0 {
			suggested := time.Duration(resp.SuggestedHeartbeatIntervalSeconds * float64(time.Second))
			p.mu.Lock()
			if suggested > p.heartbeatInterval {
				p.heartbeatInterval = suggested
			}
			p.mu.Unlock()
		}
		go p.runHeartbeatLoop(ctx, resp.SessionID)
	}

	// 2. Wait for a role.
	if p.Role() == "" {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.opts.RoleCheckInterval):
		}
		return nil
	}

	// 3. Leader duties or follower standby.
	if p.Role() == session.RoleLeader {
		return p.runLeaderSequence(ctx)
	}
	p.setState(StateRunning|StatePaused, "Follower standby")
	return p.runFollowerStandby(ctx)
}

// runFollowerStandby keeps the follower capturing realtime traffic. The
// server accepts realtime events regardless of role, maximizing capture in
// multi-mount deployments; snapshot, audit and sentinel stay leader-only.
func (p *Pipeline) runFollowerStandby(ctx context.Context) error {
	msgCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.runMessageSync(msgCtx, false)
	}()

	ticker := time.NewTicker(p.opts.FollowerStandbyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return err
		case <-ticker.C:
			if p.sender.SessionID() == "" {
				return errSessionLost
			}
			if p.Role() == session.RoleLeader {
				return nil
			}
		}
	}
}

// runHeartbeatLoop maintains one session for its lifetime. The heartbeat is
// adaptively suppressed while event pushes keep refreshing the role.
func (p *Pipeline) runHeartbeatLoop(ctx context.Context, sessionID string) {
	for ctx.Err() == nil {
		if p.sender.SessionID() != sessionID {
			return
		}

		p.mu.Lock()
		elapsed := time.Since(p.lastRoleUpdate)
		interval := p.heartbeatInterval
		p.mu.Unlock()
		if elapsed < interval {
			wait := interval - elapsed
			if wait > time.Second {
				wait = time.Second
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}

		resp, err := p.sender.Heartbeat(ctx)
		if err != nil {
			if isObsoleted(err) {
				p.logger.Warn().Msg("Heartbeat reports session obsoleted")
				p.handleSessionObsoleted()
				return
			}
			p.logger.Warn().Err(err).Msg("Heartbeat error")
			p.mu.Lock()
			interval := p.heartbeatInterval
			p.mu.Unlock()
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
			continue
		}
		p.updateRole(resp.Role)
		for _, cmd := range resp.Commands {
			p.handleCommand(ctx, cmd)
		}
	}
}

// handleCommand executes one server directive delivered on heartbeat.
func (p *Pipeline) handleCommand(ctx context.Context, cmd session.Command) {
	switch cmd.Type {
	case "scan":
		p.logger.Info().Str("path", cmd.Path).Msg("On-demand scan requested")
		p.invalidateMtimeCache(cmd.Path)
		if p.Role() == session.RoleLeader {
			go func() {
				if err := p.runAuditCycle(ctx); err != nil {
					p.logger.Warn().Err(err).Msg("On-demand scan failed")
				}
			}()
		}
	default:
		p.logger.Warn().Str("type", cmd.Type).Msg("Ignoring unknown server command")
	}
}

// invalidateMtimeCache drops cached directory mtimes at or under path so the
// next audit rescans them.
func (p *Pipeline) invalidateMtimeCache(path string) {
	p.mtimeCacheMu.Lock()
	defer p.mtimeCacheMu.Unlock()
	if path == "" || path == "/" {
		p.mtimeCache = make(map[string]float64)
		return
	}
	for dir := range p.mtimeCache {
		if dir == path || (len(dir) > len(path) && dir[:len(path)] == path && dir[len(path)] == '/') {
			delete(p.mtimeCache, dir)
		}
	}
}

// runAuditLoop periodically audits while this pipeline leads.
func (p *Pipeline) runAuditLoop(ctx context.Context) {
	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.opts.AuditInterval):
		}
		if p.Role() != session.RoleLeader || p.sender.SessionID() == "" {
			continue
		}
		if err := p.runAuditCycle(ctx); err != nil {
			if isObsoleted(err) {
				p.handleSessionObsoleted()
				return
			}
			p.logger.Error().Err(err).Msg("Audit cycle failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.opts.ErrorRetryInterval):
			}
		} else {
			metrics.AuditCyclesTotal.WithLabelValues(p.id).Inc()
		}
	}
}

// runSentinelLoop periodically answers suspect probes while leading.
func (p *Pipeline) runSentinelLoop(ctx context.Context) {
	for ctx.Err() == nil {
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.opts.SentinelInterval):
		}
		if p.Role() != session.RoleLeader || p.sender.SessionID() == "" {
			continue
		}
		if err := p.runSentinelCheck(ctx); err != nil {
			p.logger.Error().Err(err).Msg("Sentinel check failed")
		}
	}
}
