package fusiond

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tidemark-io/tidemark/pkg/config"
	"github.com/tidemark-io/tidemark/pkg/fsview"
	"github.com/tidemark-io/tidemark/pkg/fusionpipe"
	"github.com/tidemark-io/tidemark/pkg/log"
	"github.com/tidemark-io/tidemark/pkg/receiver"
	"github.com/tidemark-io/tidemark/pkg/session"
)

// Daemon wires the Fusion configuration into running view handlers,
// pipelines and receiver servers.
type Daemon struct {
	cfgDir string
	logger zerolog.Logger

	sessions *session.Manager

	mu          sync.Mutex
	handlers    map[string]*fsview.Handler
	pipelines   map[string]*fusionpipe.Pipeline
	servers     map[string]*receiver.Server
	pipeConfigs map[string]config.FusionPipeConfig
}

// New creates the daemon for a configuration directory.
func New(cfgDir string) *Daemon {
	return &Daemon{
		cfgDir:    cfgDir,
		handlers:  make(map[string]*fsview.Handler),
		pipelines: make(map[string]*fusionpipe.Pipeline),
		logger:    log.WithComponent("fusiond"),
	}
}

// Run builds everything from configuration and serves until ctx is
// cancelled. Startup configuration errors abort the process; a failing
// receiver start is isolated per server.
func (d *Daemon) Run(ctx context.Context) error {
	cfg, err := config.LoadFusion(d.cfgDir)
	if err != nil {
		return err
	}

	d.sessions = session.NewManager(0)
	go d.sessions.RunCleanup(ctx)

	// View handlers first: pipes and receivers reference them.
	for viewID, viewCfg := range cfg.Views {
		if viewCfg.Disabled {
			continue
		}
		if viewCfg.Driver != "fs" {
			d.logger.Error().Str("view", viewID).Str("driver", viewCfg.Driver).Msg("Unknown view driver, skipping")
			continue
		}
		h := fsview.NewHandler(viewID, fsview.Options{
			HotFileThreshold: config.FloatParam(viewCfg.Params, config.ParamHotFileThreshold, 0),
			TombstoneTTL:     config.FloatParam(viewCfg.Params, "tombstone_ttl_sec", 0),
		})
		d.handlers[viewID] = h
		go h.RunSuspectCleanup(ctx)
		d.logger.Info().Str("view", viewID).Msg("View handler created")
	}

	// Fusion pipelines: one per enabled pipe, dispatching to the handlers
	// of its views. The first view owns the sessions.
	pipesByReceiver := make(map[string][]*receiver.Pipe)
	for pipeID, pipeCfg := range cfg.Pipes {
		if pipeCfg.Disabled {
			continue
		}
		var handlers []fusionpipe.ViewHandler
		for _, viewID := range pipeCfg.Views {
			if h, ok := d.handlers[viewID]; ok {
				handlers = append(handlers, h)
			}
		}
		if len(handlers) == 0 {
			d.logger.Error().Str("pipe", pipeID).Msg("Pipe has no enabled views, skipping")
			continue
		}

		primaryView := handlers[0].ID()
		pl := fusionpipe.New(primaryView, d.sessions, handlers, fusionpipe.Options{
			AllowConcurrentPush: pipeCfg.AllowConcurrentPush,
		})
		pl.Start(ctx)
		d.sessions.AddTerminationListener(pl)
		d.pipelines[pipeID] = pl

		pipesByReceiver[pipeCfg.Receiver] = append(pipesByReceiver[pipeCfg.Receiver], &receiver.Pipe{
			ID:                  pipeID,
			ViewID:              primaryView,
			Pipeline:            pl,
			SessionTimeout:      time.Duration(pipeCfg.SessionTimeoutSeconds * float64(time.Second)),
			AllowConcurrentPush: pipeCfg.AllowConcurrentPush,
		})
		d.logger.Info().Str("pipe", pipeID).Str("view", primaryView).Msg("Fusion pipeline started")
	}

	// Receiver servers.
	var g errgroup.Group
	started := 0
	servers := make(map[string]*receiver.Server)
	for recvID, recvCfg := range cfg.Receivers {
		if recvCfg.Disabled {
			continue
		}
		srv := receiver.New(recvID, recvCfg.BindHost, recvCfg.Port, d.sessions)
		servers[recvID] = srv
		for _, pipe := range pipesByReceiver[recvID] {
			var keys []string
			for _, ak := range recvCfg.APIKeys {
				if ak.PipeID == pipe.ID {
					keys = append(keys, ak.Key)
				}
			}
			srv.RegisterPipe(pipe, keys)
		}
		for viewID, h := range d.handlers {
			srv.RegisterView(viewID, h)
		}
		started++
		g.Go(func() error {
			err := srv.Start(ctx)
			if err != nil {
				d.logger.Error().Err(err).Msg("Receiver server stopped")
			}
			return err
		})
	}
	if started == 0 {
		d.logger.Warn().Msg("No receivers enabled")
	}

	d.servers = servers
	d.pipeConfigs = cfg.Pipes
	go d.watchConfig(ctx)

	if started == 0 {
		<-ctx.Done()
	}
	err = g.Wait()
	d.stopAll()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// watchConfig applies pipe additions, removals and changes on the fly.
// Receiver and view changes need a restart; they bind sockets and own live
// state.
func (d *Daemon) watchConfig(ctx context.Context) {
	changes, err := config.Watch(ctx, d.cfgDir, 500*time.Millisecond)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Configuration watch unavailable, hot reload disabled")
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
			newCfg, err := config.LoadFusion(d.cfgDir)
			if err != nil {
				d.logger.Error().Err(err).Msg("Ignoring invalid configuration reload")
				continue
			}
			d.reconcilePipes(ctx, newCfg)
		}
	}
}

// reconcilePipes diffs the desired pipe set against the running one.
func (d *Daemon) reconcilePipes(ctx context.Context, cfg *config.FusionConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for pipeID, pl := range d.pipelines {
		newCfg, keep := cfg.Pipes[pipeID]
		if keep && !newCfg.Disabled && reflect.DeepEqual(newCfg, d.pipeConfigs[pipeID]) {
			continue
		}
		d.logger.Info().Str("pipe", pipeID).Msg("Stopping pipe after configuration change")
		for _, srv := range d.servers {
			srv.UnregisterPipe(pipeID)
		}
		pl.Stop()
		delete(d.pipelines, pipeID)
	}

	for pipeID, pipeCfg := range cfg.Pipes {
		if pipeCfg.Disabled {
			continue
		}
		if _, running := d.pipelines[pipeID]; running {
			continue
		}
		srv, ok := d.servers[pipeCfg.Receiver]
		if !ok {
			d.logger.Warn().Str("pipe", pipeID).Str("receiver", pipeCfg.Receiver).
				Msg("Pipe references a receiver that is not running, restart required")
			continue
		}
		var handlers []fusionpipe.ViewHandler
		for _, viewID := range pipeCfg.Views {
			if h, ok := d.handlers[viewID]; ok {
				handlers = append(handlers, h)
			}
		}
		if len(handlers) == 0 {
			d.logger.Error().Str("pipe", pipeID).Msg("Pipe has no enabled views, skipping")
			continue
		}
		primaryView := handlers[0].ID()
		pl := fusionpipe.New(primaryView, d.sessions, handlers, fusionpipe.Options{
			AllowConcurrentPush: pipeCfg.AllowConcurrentPush,
		})
		pl.Start(ctx)
		d.sessions.AddTerminationListener(pl)
		d.pipelines[pipeID] = pl

		var keys []string
		recvCfg := cfg.Receivers[pipeCfg.Receiver]
		for _, ak := range recvCfg.APIKeys {
			if ak.PipeID == pipeID {
				keys = append(keys, ak.Key)
			}
		}
		srv.RegisterPipe(&receiver.Pipe{
			ID:                  pipeID,
			ViewID:              primaryView,
			Pipeline:            pl,
			SessionTimeout:      time.Duration(pipeCfg.SessionTimeoutSeconds * float64(time.Second)),
			AllowConcurrentPush: pipeCfg.AllowConcurrentPush,
		}, keys)
		d.logger.Info().Str("pipe", pipeID).Msg("Pipe started from configuration reload")
	}
	d.pipeConfigs = cfg.Pipes
}

func (d *Daemon) stopAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, pl := range d.pipelines {
		pl.Stop()
		d.logger.Info().Str("pipe", id).Msg("Fusion pipeline stopped")
	}
}

// Sessions exposes the session manager, used by tests and diagnostics.
func (d *Daemon) Sessions() *session.Manager { return d.sessions }

// Handler returns the handler of one view.
func (d *Daemon) Handler(viewID string) (*fsview.Handler, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.handlers[viewID]
	return h, ok
}
