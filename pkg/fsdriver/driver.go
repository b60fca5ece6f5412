package fsdriver

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tidemark-io/tidemark/pkg/config"
	"github.com/tidemark-io/tidemark/pkg/errdefs"
	"github.com/tidemark-io/tidemark/pkg/event"
	"github.com/tidemark-io/tidemark/pkg/log"
)

// Config holds the FS driver options. Unknown driver_params keys are
// ignored at load time.
type Config struct {
	// URI is the root of the watched tree.
	URI string
	// ThrottleInterval is the minimum gap between realtime notifications
	// for the same path.
	ThrottleInterval time.Duration
	// ScanWorkers is the number of concurrent directory scanners used by
	// the snapshot walker.
	ScanWorkers int
	// HotFileThreshold is the age in seconds under which a file counts as
	// hot (possibly mid-write).
	HotFileThreshold float64
}

// FromParams builds a Config from a source's uri and driver_params map.
func FromParams(uri string, params map[string]any) Config {
	return Config{
		URI:              uri,
		ThrottleInterval: time.Duration(config.FloatParam(params, config.ParamThrottleInterval, 0.5) * float64(time.Second)),
		ScanWorkers:      config.IntParam(params, config.ParamScanWorkers, 4),
		HotFileThreshold: config.FloatParam(params, config.ParamHotFileThreshold, 60),
	}
}

// Driver reads a mounted filesystem tree and emits snapshot, realtime and
// audit events. The realtime stream is transient: notifications are lost if
// nobody drains them.
type Driver struct {
	id     string
	root   string
	cfg    Config
	seq    *event.Sequencer
	logger zerolog.Logger
}

// New creates an FS driver rooted at cfg.URI.
func New(id string, cfg Config, seq *event.Sequencer) (*Driver, error) {
	root := filepath.Clean(cfg.URI)
	info, err := os.Stat(root)
	if err != nil {
		return nil, errdefs.Driver("source root not accessible", err)
	}
	if !info.IsDir() {
		return nil, errdefs.Config("source root %s is not a directory", root)
	}
	if cfg.ScanWorkers <= 0 {
		cfg.ScanWorkers = 4
	}
	if seq == nil {
		seq = event.NewSequencer()
	}
	return &Driver{
		id:     id,
		root:   root,
		cfg:    cfg,
		seq:    seq,
		logger: log.WithComponent("fsdriver").With().Str("source", id).Logger(),
	}, nil
}

// ID returns the configured source id.
func (d *Driver) ID() string { return d.id }

// Schema returns the event schema this driver produces.
func (d *Driver) Schema() string { return event.SchemaFS }

// IsTransient reports that realtime notifications are lost when not drained,
// which makes the event bus prefer splitting over blocking the producer.
func (d *Driver) IsTransient() bool { return true }

// relPath converts an absolute path under the root into the canonical event
// path: leading slash, no trailing slash, "/" for the root itself.
func (d *Driver) relPath(abs string) string {
	rel, err := filepath.Rel(d.root, abs)
	if err != nil || rel == "." {
		return "/"
	}
	return "/" + filepath.ToSlash(rel)
}

// absPath converts a canonical event path back to a filesystem path.
func (d *Driver) absPath(rel string) string {
	rel = strings.TrimPrefix(rel, "/")
	if rel == "" {
		return d.root
	}
	return filepath.Join(d.root, filepath.FromSlash(rel))
}

func mtimeSeconds(info os.FileInfo) float64 {
	return float64(info.ModTime().UnixNano()) / 1e9
}

// rowFor builds an FS row from a stat result.
func (d *Driver) rowFor(abs string, info os.FileInfo) event.Row {
	mtime := mtimeSeconds(info)
	return event.Row{
		Path:         d.relPath(abs),
		ModifiedTime: mtime,
		CreatedTime:  mtime,
		Size:         info.Size(),
		IsDirectory:  info.IsDir(),
	}
}

// SentinelUpdate is the result of re-statting one suspect path.
type SentinelUpdate struct {
	Path  string  `json:"path"`
	Mtime float64 `json:"mtime"`
}

// SentinelCheck stats each requested path on the live source. Paths that no
// longer exist are dropped from the result; their deletion reaches Fusion
// through realtime or audit instead.
func (d *Driver) SentinelCheck(paths []string) []SentinelUpdate {
	updates := make([]SentinelUpdate, 0, len(paths))
	for _, p := range paths {
		info, err := os.Stat(d.absPath(p))
		if err != nil {
			d.logger.Debug().Str("path", p).Err(err).Msg("Sentinel stat failed, skipping path")
			continue
		}
		updates = append(updates, SentinelUpdate{Path: p, Mtime: mtimeSeconds(info)})
	}
	return updates
}
