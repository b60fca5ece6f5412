package agentd

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tidemark-io/tidemark/pkg/agentpipe"
	"github.com/tidemark-io/tidemark/pkg/bus"
	"github.com/tidemark-io/tidemark/pkg/config"
	"github.com/tidemark-io/tidemark/pkg/fsdriver"
	"github.com/tidemark-io/tidemark/pkg/log"
	"github.com/tidemark-io/tidemark/pkg/sender"
	"github.com/tidemark-io/tidemark/pkg/storage"
)

// reloadDebounce collapses editor write bursts into one reload.
const reloadDebounce = 500 * time.Millisecond

// resolvedPipe is the flattened configuration one pipeline runs with; the
// reload diff compares these.
type resolvedPipe struct {
	Pipe   config.AgentPipeConfig
	Source config.SourceConfig
	Sender config.SenderConfig
}

// Daemon resolves the agent configuration into running pipelines, watches
// for changes and reconciles incrementally.
type Daemon struct {
	cfgDir string
	logger zerolog.Logger

	agentID     string
	busService  *bus.Service
	checkpoints *storage.BoltCheckpoints

	mu        sync.Mutex
	ctx       context.Context
	pipelines map[string]*agentpipe.Pipeline
	resolved  map[string]resolvedPipe
	sources   map[string]bool // source id -> producer registered
}

// New creates the daemon for a configuration directory.
func New(cfgDir string) *Daemon {
	return &Daemon{
		cfgDir:    cfgDir,
		pipelines: make(map[string]*agentpipe.Pipeline),
		resolved:  make(map[string]resolvedPipe),
		sources:   make(map[string]bool),
		logger:    log.WithComponent("agentd"),
	}
}

// Run starts every enabled pipeline and blocks until ctx is cancelled.
// Startup configuration errors abort; individual pipeline failures do not.
func (d *Daemon) Run(ctx context.Context) error {
	cfg, err := config.LoadAgent(d.cfgDir)
	if err != nil {
		return err
	}
	d.agentID = cfg.AgentID

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("cannot create data dir %s: %w", cfg.DataDir, err)
	}
	checkpoints, err := storage.NewBoltCheckpoints(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("cannot open checkpoint store: %w", err)
	}
	d.checkpoints = checkpoints
	defer checkpoints.Close()

	d.busService = bus.NewService(0, 0)

	d.mu.Lock()
	d.ctx = ctx
	d.mu.Unlock()

	d.reconcile(ctx, cfg)

	d.watchConfig(ctx)
	d.stopAll()
	return nil
}

// watchConfig reloads and reconciles on configuration changes until ctx is
// cancelled.
func (d *Daemon) watchConfig(ctx context.Context) {
	changes, err := config.Watch(ctx, d.cfgDir, reloadDebounce)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Configuration watch unavailable, hot reload disabled")
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-changes:
			if !ok {
				return
			}
			newCfg, err := config.LoadAgent(d.cfgDir)
			if err != nil {
				d.logger.Error().Err(err).Msg("Ignoring invalid configuration reload")
				continue
			}
			d.logger.Info().Msg("Configuration changed, reconciling pipelines")
			d.reconcile(ctx, newCfg)
		}
	}
}

// reconcile computes the symmetric difference between running and desired
// pipelines: removed ones stop, added ones start, changed ones restart. A
// failing pipeline start is isolated; it never aborts the batch.
func (d *Daemon) reconcile(ctx context.Context, cfg *config.AgentConfig) {
	desired := make(map[string]resolvedPipe)
	for id, pipe := range cfg.Pipes {
		if pipe.Disabled {
			continue
		}
		src, ok := cfg.Sources[pipe.Source]
		if !ok {
			continue
		}
		snd, ok := cfg.Senders[pipe.Sender]
		if !ok {
			continue
		}
		desired[id] = resolvedPipe{Pipe: pipe, Source: src, Sender: snd}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Stop removed or changed pipelines.
	for id, pl := range d.pipelines {
		want, keep := desired[id]
		if keep && reflect.DeepEqual(want, d.resolved[id]) {
			continue
		}
		reason := "removed"
		if keep {
			reason = "configuration changed"
		}
		d.logger.Info().Str("pipe", id).Str("reason", reason).Msg("Stopping pipeline")
		pl.Stop()
		delete(d.pipelines, id)
		delete(d.resolved, id)
	}

	// Start added (or restarted) pipelines.
	for id, want := range desired {
		if _, running := d.pipelines[id]; running {
			continue
		}
		pl, err := d.buildPipeline(ctx, id, want)
		if err != nil {
			d.logger.Error().Err(err).Str("pipe", id).Msg("Pipeline start failed, continuing with peers")
			continue
		}
		pl.Start(ctx)
		d.pipelines[id] = pl
		d.resolved[id] = want
		d.logger.Info().Str("pipe", id).Msg("Pipeline started")
	}
}

func (d *Daemon) buildPipeline(ctx context.Context, id string, rp resolvedPipe) (*agentpipe.Pipeline, error) {
	driver, err := fsdriver.New(rp.Pipe.Source, fsdriver.FromParams(rp.Source.URI, rp.Source.Params), nil)
	if err != nil {
		return nil, err
	}

	// One producer per source feeds the shared bus with the realtime
	// stream; pipelines on the same source share it.
	if !d.sources[rp.Pipe.Source] {
		d.sources[rp.Pipe.Source] = true
		d.busService.RegisterSource(rp.Pipe.Source, driver.IsTransient(), func(b *bus.Bus) {
			items, err := driver.Messages(ctx)
			if err != nil {
				d.logger.Error().Err(err).Str("source", rp.Pipe.Source).Msg("Realtime watcher failed, bus idle")
				<-b.Done()
				return
			}
			for {
				select {
				case <-ctx.Done():
					return
				case <-b.Done():
					return
				case item, ok := <-items:
					if !ok {
						return
					}
					b.Publish(item.Event)
				}
			}
		})
	}

	snd := sender.New(id, rp.Sender.URI, rp.Sender.Credential, log.WithPipeline("sender", id))

	opts := agentpipe.Options{
		HeartbeatInterval: time.Duration(rp.Pipe.HeartbeatIntervalSec * float64(time.Second)),
		AuditInterval:     time.Duration(rp.Pipe.AuditIntervalSec * float64(time.Second)),
		SentinelInterval:  time.Duration(rp.Pipe.SentinelIntervalSec * float64(time.Second)),
		BatchSize:         rp.Pipe.BatchSize,
		FieldsMapping:     rp.Pipe.FieldsMapping,
	}

	taskID := d.agentID + ":" + id
	var busService *bus.Service
	if rp.Pipe.UseBus == nil || *rp.Pipe.UseBus {
		busService = d.busService
	}
	return agentpipe.New(id, taskID, driver, snd, busService, d.checkpoints, opts), nil
}

func (d *Daemon) stopAll() {
	d.mu.Lock()
	pipelines := make([]*agentpipe.Pipeline, 0, len(d.pipelines))
	for _, pl := range d.pipelines {
		pipelines = append(pipelines, pl)
	}
	d.mu.Unlock()

	for _, pl := range pipelines {
		pl.Stop()
	}
	d.logger.Info().Int("pipelines", len(pipelines)).Msg("Agent daemon stopped")
}

// Pipelines returns the running pipelines keyed by pipe id.
func (d *Daemon) Pipelines() map[string]*agentpipe.Pipeline {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]*agentpipe.Pipeline, len(d.pipelines))
	for id, pl := range d.pipelines {
		out[id] = pl
	}
	return out
}
