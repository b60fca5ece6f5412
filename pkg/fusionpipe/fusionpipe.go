package fusionpipe

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tidemark-io/tidemark/pkg/errdefs"
	"github.com/tidemark-io/tidemark/pkg/event"
	"github.com/tidemark-io/tidemark/pkg/log"
	"github.com/tidemark-io/tidemark/pkg/metrics"
	"github.com/tidemark-io/tidemark/pkg/session"
)

const (
	// DefaultQueueSize bounds the incoming event queue.
	DefaultQueueSize = 10000
	// DefaultDispatchTimeout caps one handler invocation.
	DefaultDispatchTimeout = 30 * time.Second
	// DefaultMaxHandlerErrors disables a handler after this many
	// consecutive dispatch failures.
	DefaultMaxHandlerErrors = 50
	// DefaultHandlerRecoveryInterval is how long a disabled handler rests
	// before one retry is allowed.
	DefaultHandlerRecoveryInterval = 60 * time.Second

	// drainPollInterval paces WaitForDrain checks.
	drainPollInterval = 10 * time.Millisecond
	// enqueueTimeout is how long a push waits for queue room before the
	// batch is refused with a buffer-full error.
	enqueueTimeout = 100 * time.Millisecond
)

// ViewHandler consumes dispatched events for one view model.
type ViewHandler interface {
	ID() string
	ProcessEvent(ctx context.Context, ev *event.Event, sessionID string) error
	Close() error
}

// AuditAware is implemented by handlers that track audit cycles.
type AuditAware interface {
	HandleAuditStart()
	HandleAuditEnd()
}

// SessionAware is implemented by handlers that react to session lifecycle.
type SessionAware interface {
	OnSessionStart()
	OnSessionClose()
}

// Resettable is implemented by handlers whose state must be rebuilt from a
// fresh snapshot when their view loses its last session.
type Resettable interface {
	Reset()
	RequiresFullResetOnSessionClose() bool
}

// Options configures a Pipeline.
type Options struct {
	QueueSize               int
	DispatchTimeout         time.Duration
	MaxHandlerErrors        int
	HandlerRecoveryInterval time.Duration
	AllowConcurrentPush     bool
}

type queuedBatch struct {
	events    []*event.Event
	sessionID string
}

type handlerState struct {
	handler       ViewHandler
	errorCount    int
	disabledUntil time.Time
}

// Pipeline is the per-view dispatcher on the Fusion side: it queues incoming
// event batches and a single worker fans each event to every registered view
// handler, isolating handler faults behind timeouts and error budgets.
type Pipeline struct {
	viewID   string
	opts     Options
	logger   zerolog.Logger
	sessions *session.Manager

	handlersMu sync.Mutex
	handlers   []*handlerState

	queue chan *queuedBatch

	// pending counts queued-but-not-dispatched batches; activePushes counts
	// in-flight ProcessEvents calls. Both gate WaitForDrain.
	pending      atomic.Int64
	activePushes atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}

	statsMu sync.Mutex
	stats   Statistics
}

// Statistics are the pipeline counters exposed over the API.
type Statistics struct {
	EventsReceived  int64 `json:"events_received"`
	EventsProcessed int64 `json:"events_processed"`
	RowsDropped     int64 `json:"rows_dropped"`
	Errors          int64 `json:"errors"`
}

// New creates a pipeline for a view.
func New(viewID string, sessions *session.Manager, handlers []ViewHandler, opts Options) *Pipeline {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = DefaultDispatchTimeout
	}
	if opts.MaxHandlerErrors <= 0 {
		opts.MaxHandlerErrors = DefaultMaxHandlerErrors
	}
	if opts.HandlerRecoveryInterval <= 0 {
		opts.HandlerRecoveryInterval = DefaultHandlerRecoveryInterval
	}
	p := &Pipeline{
		viewID:   viewID,
		opts:     opts,
		sessions: sessions,
		queue:    make(chan *queuedBatch, opts.QueueSize),
		done:     make(chan struct{}),
		logger:   log.WithComponent("fusion-pipeline").With().Str("view_id", viewID).Logger(),
	}
	for _, h := range handlers {
		p.handlers = append(p.handlers, &handlerState{handler: h})
	}
	return p
}

// ViewID returns the view this pipeline serves.
func (p *Pipeline) ViewID() string { return p.viewID }

// AllowConcurrentPush reports the configured concurrency policy.
func (p *Pipeline) AllowConcurrentPush() bool { return p.opts.AllowConcurrentPush }

// Handlers returns the registered handlers.
func (p *Pipeline) Handlers() []ViewHandler {
	p.handlersMu.Lock()
	defer p.handlersMu.Unlock()
	out := make([]ViewHandler, 0, len(p.handlers))
	for _, hs := range p.handlers {
		out = append(out, hs.handler)
	}
	return out
}

// Start launches the dispatch worker.
func (p *Pipeline) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	go p.run(ctx)
	p.logger.Info().Int("handlers", len(p.handlers)).Msg("Fusion pipeline started")
}

// Stop cancels the worker and closes the handlers.
func (p *Pipeline) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	for _, hs := range p.Handlers() {
		if err := hs.Close(); err != nil {
			p.logger.Warn().Err(err).Str("handler", hs.ID()).Msg("Error closing view handler")
		}
	}
	p.sessions.ClearView(p.viewID, "pipeline_stopped")
	p.logger.Info().Msg("Fusion pipeline stopped")
}

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-p.queue:
			for _, ev := range batch.events {
				p.dispatch(ctx, ev, batch.sessionID)
			}
			p.pending.Add(-1)
			metrics.PipelineQueueDepth.WithLabelValues(p.viewID).Set(float64(len(p.queue)))
		}
	}
}

// dispatch fans one event to every enabled handler, under the per-handler
// timeout and error budget.
func (p *Pipeline) dispatch(ctx context.Context, ev *event.Event, sessionID string) {
	p.handlersMu.Lock()
	states := append([]*handlerState(nil), p.handlers...)
	p.handlersMu.Unlock()

	now := time.Now()
	for _, hs := range states {
		p.handlersMu.Lock()
		disabled := hs.disabledUntil.After(now)
		p.handlersMu.Unlock()
		if disabled {
			continue
		}

		timer := metrics.NewTimer()
		dctx, cancel := context.WithTimeout(ctx, p.opts.DispatchTimeout)
		err := hs.handler.ProcessEvent(dctx, ev, sessionID)
		cancel()
		timer.ObserveDurationVec(metrics.DispatchDuration, hs.handler.ID())

		p.handlersMu.Lock()
		if err != nil {
			hs.errorCount++
			metrics.HandlerErrorsTotal.WithLabelValues(hs.handler.ID()).Inc()
			p.logger.Error().
				Err(err).
				Str("handler", hs.handler.ID()).
				Int("error_count", hs.errorCount).
				Msg("View handler dispatch failed")
			if hs.errorCount >= p.opts.MaxHandlerErrors {
				hs.disabledUntil = time.Now().Add(p.opts.HandlerRecoveryInterval)
				hs.errorCount = 0
				p.logger.Warn().
					Str("handler", hs.handler.ID()).
					Time("until", hs.disabledUntil).
					Msg("View handler disabled after repeated errors")
			}
			p.statsMu.Lock()
			p.stats.Errors++
			p.statsMu.Unlock()
		} else {
			hs.errorCount = 0
		}
		p.handlersMu.Unlock()
	}

	p.statsMu.Lock()
	p.stats.EventsProcessed++
	p.statsMu.Unlock()
}

// ProcessEvents accepts one pushed batch from a session. Malformed rows were
// already dropped during decoding; the remaining events are queued in order.
// Only a leader's snapshot end marks the view's snapshot complete; an end
// marker first drains outstanding events so completeness is deterministic.
func (p *Pipeline) ProcessEvents(ctx context.Context, events []*event.Event, sessionID string, sourceType event.Source, isEnd bool) error {
	p.activePushes.Add(1)
	defer p.activePushes.Add(-1)

	p.sessions.Touch(p.viewID, sessionID)

	p.statsMu.Lock()
	p.stats.EventsReceived += int64(len(events))
	p.statsMu.Unlock()
	metrics.EventsReceivedTotal.WithLabelValues(p.viewID, string(sourceType)).Add(float64(len(events)))

	if len(events) > 0 {
		batch := &queuedBatch{events: events, sessionID: sessionID}
		p.pending.Add(1)
		// The queue is bounded: a full queue answers with a buffer-full
		// error (503 on the wire) instead of parking the push, so senders
		// back off and retry.
		enqueue := time.NewTimer(enqueueTimeout)
		select {
		case p.queue <- batch:
			enqueue.Stop()
			metrics.PipelineQueueDepth.WithLabelValues(p.viewID).Set(float64(len(p.queue)))
		case <-enqueue.C:
			p.pending.Add(-1)
			return errdefs.TransientBufferFull("view %s event queue is full", p.viewID)
		case <-ctx.Done():
			enqueue.Stop()
			p.pending.Add(-1)
			return ctx.Err()
		}
	}

	if sourceType == event.SourceSnapshot && isEnd {
		if p.sessions.IsLeader(p.viewID, sessionID) {
			// Drain before completing: target 1 tolerates this push still
			// being counted.
			if err := p.WaitForDrain(ctx, p.opts.DispatchTimeout, 1); err != nil {
				return err
			}
			p.sessions.SetSnapshotComplete(p.viewID, sessionID)
			for _, h := range p.Handlers() {
				if h.ID() != p.viewID {
					p.sessions.SetSnapshotComplete(h.ID(), sessionID)
				}
			}
			p.logger.Info().Str("session_id", sessionID).Msg("Snapshot completed by leader")
		} else {
			p.logger.Warn().Str("session_id", sessionID).Msg("Ignoring snapshot end from non-leader session")
		}
	}
	return nil
}

// WaitForDrain blocks until the queue is empty and at most target pushes are
// in flight, or the timeout elapses.
func (p *Pipeline) WaitForDrain(ctx context.Context, timeout time.Duration, target int64) error {
	deadline := time.Now().Add(timeout)
	for {
		if p.pending.Load() == 0 && p.activePushes.Load() <= target {
			return nil
		}
		if time.Now().After(deadline) {
			return errdefs.StateConflict("view %s queue did not drain within %s", p.viewID, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(drainPollInterval):
		}
	}
}

// HandleAuditStart forwards the audit start signal to audit-aware handlers.
func (p *Pipeline) HandleAuditStart() int {
	handled := 0
	for _, h := range p.Handlers() {
		if aa, ok := h.(AuditAware); ok {
			aa.HandleAuditStart()
			handled++
		}
	}
	return handled
}

// HandleAuditEnd drains outstanding events, then finalizes the audit cycle
// on every audit-aware handler. The audit-end request is not an ingest push
// and is not counted in flight, so the drain target is 0.
func (p *Pipeline) HandleAuditEnd(ctx context.Context, timeout time.Duration) (int, error) {
	if err := p.WaitForDrain(ctx, timeout, 0); err != nil {
		p.logger.Warn().Err(err).Msg("Audit end proceeding after drain timeout")
	}
	handled := 0
	for _, h := range p.Handlers() {
		if aa, ok := h.(AuditAware); ok {
			aa.HandleAuditEnd()
			handled++
		}
	}
	return handled, nil
}

// OnSessionTerminated implements session.TerminationListener: notifies
// handlers and resets live views that lost their last session.
func (p *Pipeline) OnSessionTerminated(viewID, sessionID, reason string, viewEmpty bool) {
	if viewID != p.viewID {
		return
	}
	for _, h := range p.Handlers() {
		if sa, ok := h.(SessionAware); ok {
			sa.OnSessionClose()
		}
	}
	if !viewEmpty {
		return
	}
	for _, h := range p.Handlers() {
		if r, ok := h.(Resettable); ok && r.RequiresFullResetOnSessionClose() {
			p.logger.Info().Str("reason", reason).Msg("View empty, resetting handler state")
			r.Reset()
		}
	}
}

// NotifySessionStart informs session-aware handlers of a new session.
func (p *Pipeline) NotifySessionStart() {
	for _, h := range p.Handlers() {
		if sa, ok := h.(SessionAware); ok {
			sa.OnSessionStart()
		}
	}
}

// Stats returns a copy of the pipeline counters.
func (p *Pipeline) Stats() Statistics {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return p.stats
}

// QueueDepth returns the number of batches waiting for dispatch.
func (p *Pipeline) QueueDepth() int { return len(p.queue) }

// CountDroppedRows adds to the malformed-row counter.
func (p *Pipeline) CountDroppedRows(n int) {
	if n <= 0 {
		return
	}
	p.statsMu.Lock()
	p.stats.RowsDropped += int64(n)
	p.statsMu.Unlock()
}
