package agentpipe

import (
	"context"
	"errors"
	"time"

	"github.com/tidemark-io/tidemark/pkg/errdefs"
	"github.com/tidemark-io/tidemark/pkg/event"
	"github.com/tidemark-io/tidemark/pkg/metrics"
	"github.com/tidemark-io/tidemark/pkg/wire"
)

var errSessionLost = errdefs.StateConflict("session lost")

// busPollTimeout is how long one bus read waits before re-checking state.
const busPollTimeout = 200 * time.Millisecond

// runLeaderSequence executes the leader duties: snapshot, then message sync
// with the audit and sentinel loops in the background. It returns when the
// role is lost, the session dies, or the context is cancelled.
func (p *Pipeline) runLeaderSequence(ctx context.Context) error {
	leaderCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.mu.Lock()
	p.leaderCancel = cancel
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.leaderCancel = nil
		p.mu.Unlock()
	}()

	// Phase 1: snapshot.
	p.setState(StateRunning|StateSnapshotPhase, "Snapshot sync")
	if err := p.runSnapshotSync(leaderCtx); err != nil {
		return err
	}

	// Phase 2: message sync plus background duties.
	p.setState(StateRunning|StateMessagePhase, "Message sync")
	if p.opts.AuditInterval > 0 {
		go p.runAuditLoop(leaderCtx)
	}
	if p.opts.SentinelInterval > 0 {
		go p.runSentinelLoop(leaderCtx)
	}

	err := p.runMessageSync(leaderCtx, true)
	if err != nil && ctx.Err() == nil && leaderCtx.Err() != nil {
		// Leader tasks were cancelled by a role change, not a failure.
		p.setState(StateRunning|StatePaused, "Leadership lost")
		return nil
	}
	return err
}

// sendBatch pushes one batch and applies the response: role feedback,
// statistics, committed index. A failed push leaves the batch uncommitted.
func (p *Pipeline) sendBatch(ctx context.Context, events []*event.Event, source event.Source, isEnd bool) (*wire.IngestResponse, error) {
	timer := metrics.NewTimer()
	resp, err := p.sender.SendEvents(ctx, events, source, isEnd)
	if err != nil {
		metrics.SendErrorsTotal.WithLabelValues(p.id, errdefs.KindOf(err)).Inc()
		return nil, err
	}
	timer.ObserveDurationVec(metrics.SendLatency, p.id)
	p.updateRole(resp.Role)

	p.mu.Lock()
	p.stats.EventsPushed += int64(len(events))
	for _, ev := range events {
		if ev.Index > p.stats.LastPushedEventID {
			p.stats.LastPushedEventID = ev.Index
		}
	}
	p.mu.Unlock()
	metrics.EventsPushedTotal.WithLabelValues(p.id, string(source)).Add(float64(len(events)))
	return resp, nil
}

// runSnapshotSync drives the snapshot iterator through the sender in
// batches, closing with an is_end marker.
func (p *Pipeline) runSnapshotSync(ctx context.Context) error {
	p.logger.Info().Msg("Snapshot sync starting")
	items := p.driver.Snapshot(ctx)

	batch := make([]*event.Event, 0, p.opts.BatchSize)
	for item := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		batch = append(batch, item.Event)
		if len(batch) >= p.opts.BatchSize {
			if _, err := p.sendBatch(ctx, batch, event.SourceSnapshot, false); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	// Final batch always carries the end marker, even when empty, so the
	// server can mark the snapshot complete.
	if _, err := p.sendBatch(ctx, batch, event.SourceSnapshot, true); err != nil {
		return err
	}
	p.persistCheckpoints()
	p.logger.Info().Msg("Snapshot sync complete")
	return nil
}

// runMessageSync streams realtime events, preferring the shared bus and
// falling back to a direct driver subscription. asLeader gates the
// supplemental-snapshot reaction to position loss.
func (p *Pipeline) runMessageSync(ctx context.Context, asLeader bool) error {
	if p.busService != nil {
		if err := p.subscribeBus(ctx, asLeader); err == nil {
			return p.runBusMessageSync(ctx)
		} else if !errors.Is(err, errNoBusConfigured) {
			p.logger.Warn().Err(err).Msg("Bus subscription failed, falling back to driver stream")
		}
	}
	return p.runDriverMessageSync(ctx)
}

var errNoBusConfigured = errdefs.Config("no bus configured")

func (p *Pipeline) subscribeBus(ctx context.Context, asLeader bool) error {
	p.mu.Lock()
	start := p.stats.LastPushedEventID
	p.mu.Unlock()

	b, positionLost, err := p.busService.GetOrCreateBusForSubscriber(
		p.driver.ID(), p.taskID, start, p.opts.FieldsMapping, p)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.currentBus = b
	p.mu.Unlock()

	if positionLost && asLeader {
		p.logger.Warn().Msg("Bus position lost, scheduling supplemental snapshot")
		go func() {
			if err := p.runSnapshotSync(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error().Err(err).Msg("Supplemental snapshot failed")
			}
		}()
	}
	return nil
}

// runBusMessageSync drains the shared bus, committing after every accepted
// batch. Cancellation between send and commit leaves the batch uncommitted;
// re-delivery is tolerated by view-side arbitration.
func (p *Pipeline) runBusMessageSync(ctx context.Context) error {
	p.logger.Info().Msg("Message sync starting (bus mode)")
	for ctx.Err() == nil {
		p.mu.Lock()
		b := p.currentBus
		supplemental := p.supplementalSnapshot
		p.supplementalSnapshot = false
		p.mu.Unlock()

		if supplemental {
			go func() {
				if err := p.runSnapshotSync(ctx); err != nil && ctx.Err() == nil {
					p.logger.Error().Err(err).Msg("Supplemental snapshot failed")
				}
			}()
		}
		if b == nil {
			return errdefs.StateConflict("bus reference lost")
		}

		events := b.GetEventsFor(p.taskID, p.opts.BatchSize, busPollTimeout)
		if len(events) == 0 {
			continue
		}
		if _, err := p.sendBatch(ctx, events, event.SourceRealtime, false); err != nil {
			if isObsoleted(err) {
				return err
			}
			p.logger.Warn().Err(err).Msg("Realtime batch send failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		lastIndex := events[len(events)-1].Index
		p.busService.CommitAndHandleSplit(p.taskID, len(events), lastIndex, p.opts.FieldsMapping)
	}
	return ctx.Err()
}

// runDriverMessageSync streams directly from the driver when no bus is
// configured.
func (p *Pipeline) runDriverMessageSync(ctx context.Context) error {
	p.logger.Info().Msg("Message sync starting (driver mode)")
	items, err := p.driver.Messages(ctx)
	if err != nil {
		return err
	}

	batch := make([]*event.Event, 0, p.opts.BatchSize)
	flush := time.NewTicker(200 * time.Millisecond)
	defer flush.Stop()

	send := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := p.sendBatch(ctx, batch, event.SourceRealtime, false); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-items:
			if !ok {
				return send()
			}
			batch = append(batch, item.Event)
			if len(batch) >= p.opts.BatchSize {
				if err := send(); err != nil {
					return err
				}
			}
		case <-flush.C:
			if err := send(); err != nil {
				return err
			}
		}
	}
}

// runAuditCycle performs one audit: signals start, streams the audit
// iterator, checkpoints directory mtimes incrementally, and always closes
// the cycle with an end marker so Fusion can finalize.
func (p *Pipeline) runAuditCycle(ctx context.Context) (err error) {
	p.logger.Info().Msg("Audit cycle starting")
	p.addStateFlag(StateAuditPhase)
	defer p.clearStateFlag(StateAuditPhase)

	if serr := p.sender.SignalAuditStart(ctx); serr != nil {
		p.logger.Warn().Err(serr).Msg("Audit start signal failed")
	}

	defer func() {
		// The end marker goes out even when the scan failed: Fusion needs
		// to close the cycle it opened.
		if p.sender.SessionID() == "" {
			return
		}
		endCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, serr := p.sendBatch(endCtx, nil, event.SourceAudit, true); serr != nil {
			p.logger.Warn().Err(serr).Msg("Audit end batch failed")
		}
		if serr := p.sender.SignalAuditEnd(endCtx); serr != nil {
			p.logger.Warn().Err(serr).Msg("Audit end signal failed")
		}
		p.persistCheckpoints()
	}()

	p.mtimeCacheMu.Lock()
	cache := make(map[string]float64, len(p.mtimeCache))
	for k, v := range p.mtimeCache {
		cache[k] = v
	}
	p.mtimeCacheMu.Unlock()

	items := p.driver.Audit(ctx, cache)
	batch := make([]*event.Event, 0, p.opts.BatchSize)
	for item := range items {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if item.CacheUpdate != nil {
			p.mtimeCacheMu.Lock()
			for k, v := range item.CacheUpdate {
				p.mtimeCache[k] = v
			}
			p.mtimeCacheMu.Unlock()
		}
		if item.Event == nil {
			continue
		}
		batch = append(batch, item.Event)
		if len(batch) >= p.opts.BatchSize {
			if _, err = p.sendBatch(ctx, batch, event.SourceAudit, false); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if len(batch) > 0 {
		if _, err = p.sendBatch(ctx, batch, event.SourceAudit, false); err != nil {
			return err
		}
	}
	p.logger.Info().Msg("Audit cycle complete")
	return nil
}

// runSentinelCheck fetches suspect probes, re-stats them locally and
// submits the results.
func (p *Pipeline) runSentinelCheck(ctx context.Context) error {
	tasks, err := p.sender.GetSentinelTasks(ctx)
	if err != nil {
		return err
	}
	if tasks == nil || len(tasks.Paths) == 0 {
		return nil
	}
	p.logger.Info().Int("paths", len(tasks.Paths)).Msg("Sentinel tasks received")

	results := p.driver.SentinelCheck(tasks.Paths)
	if len(results) == 0 {
		return nil
	}
	updates := make([]wire.SentinelUpdate, 0, len(results))
	for _, r := range results {
		updates = append(updates, wire.SentinelUpdate(r))
	}
	if err := p.sender.SubmitSentinelResults(ctx, updates); err != nil {
		return err
	}
	metrics.SentinelChecksTotal.WithLabelValues(p.id).Inc()
	return nil
}
