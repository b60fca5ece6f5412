package receiver

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/tidemark-io/tidemark/pkg/errdefs"
	"github.com/tidemark-io/tidemark/pkg/fsview"
	"github.com/tidemark-io/tidemark/pkg/fusionpipe"
	"github.com/tidemark-io/tidemark/pkg/log"
	"github.com/tidemark-io/tidemark/pkg/metrics"
	"github.com/tidemark-io/tidemark/pkg/session"
	"github.com/tidemark-io/tidemark/pkg/wire"
)

// ViewQuerier is the read surface a view handler exposes to the query API.
// The FS handler implements it; other view drivers can too.
type ViewQuerier interface {
	Tree(path string, maxDepth int, onlyPath bool) *fsview.NodeView
	CheckFlags(path string) fsview.Flags
	BlindSpotList() fsview.BlindSpots
	SuspectList() map[string]float64
	Search(pattern string) []fsview.NodeView
	GetStats() fsview.Stats
}

// Pipe is one receiver-side pipe: the pipeline plus its session policy. The
// first configured view owns the sessions.
type Pipe struct {
	ID                  string
	ViewID              string
	Pipeline            *fusionpipe.Pipeline
	SessionTimeout      time.Duration
	AllowConcurrentPush bool
}

// Server is the Fusion HTTP receiver: session lifecycle, event ingest,
// consistency signals and the views query API. It holds no consistency
// state itself.
type Server struct {
	id       string
	bindAddr string
	sessions *session.Manager
	logger   zerolog.Logger

	mu      sync.RWMutex
	apiKeys map[string]string // api key -> pipe id
	pipes   map[string]*Pipe  // pipe id -> pipe
	views   map[string]ViewQuerier

	httpServer *http.Server
}

// New creates a receiver server.
func New(id, bindHost string, port int, sessions *session.Manager) *Server {
	if bindHost == "" {
		bindHost = "0.0.0.0"
	}
	return &Server{
		id:       id,
		bindAddr: net.JoinHostPort(bindHost, strconv.Itoa(port)),
		sessions: sessions,
		apiKeys:  make(map[string]string),
		pipes:    make(map[string]*Pipe),
		views:    make(map[string]ViewQuerier),
		logger:   log.WithComponent("receiver").With().Str("receiver", id).Logger(),
	}
}

// RegisterPipe wires a pipe and its credentials into the server.
func (s *Server) RegisterPipe(p *Pipe, apiKeys []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipes[p.ID] = p
	for _, key := range apiKeys {
		s.apiKeys[key] = p.ID
	}
}

// UnregisterPipe detaches a pipe and revokes its credentials.
func (s *Server) UnregisterPipe(pipeID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pipes, pipeID)
	for key, id := range s.apiKeys {
		if id == pipeID {
			delete(s.apiKeys, key)
		}
	}
}

// RegisterView exposes a view handler on the query API.
func (s *Server) RegisterView(viewID string, q ViewQuerier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.views[viewID] = q
}

// lookupKey resolves an API key to its pipe.
func (s *Server) lookupKey(key string) (*Pipe, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pipeID, ok := s.apiKeys[key]
	if !ok {
		return nil, false
	}
	p, ok := s.pipes[pipeID]
	return p, ok
}

// lookupView resolves a view id to its querier.
func (s *Server) lookupView(viewID string) (ViewQuerier, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.views[viewID]
	return q, ok
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", wire.HeaderAPIKey, wire.HeaderSessionID},
	}))
	r.Use(s.metricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, wire.StatusResponse{Status: "ok"})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Route("/pipe/session", func(r chi.Router) {
				r.Post("/", s.handleCreateSession)
				r.Post("/heartbeat", s.handleHeartbeat)
				r.Delete("/", s.handleCloseSession)
				r.Get("/", s.handleListSessions)
			})

			r.Route("/pipe/consistency", func(r chi.Router) {
				r.Post("/audit/start", s.handleAuditStart)
				r.Post("/audit/end", s.handleAuditEnd)
				r.Get("/sentinel/tasks", s.handleSentinelTasks)
				r.Post("/sentinel/feedback", s.handleSentinelFeedback)
			})

			r.Post("/ingest/{sessionID}/events", s.handleIngest)
			r.Get("/ingest/{sessionID}/position", s.handlePosition)
		})

		r.Route("/views/{viewID}", func(r chi.Router) {
			r.Get("/tree", s.handleViewTree)
			r.Get("/stats", s.handleViewStats)
			r.Get("/blind-spots", s.handleViewBlindSpots)
			r.Get("/suspect-list", s.handleViewSuspectList)
			r.Get("/search", s.handleViewSearch)
			r.Get("/flags", s.handleViewFlags)
			r.With(s.authMiddleware).Post("/scan", s.handleViewScan)
		})
	})
	return r
}

// Start listens and serves until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.bindAddr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.bindAddr).Msg("Receiver listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("receiver %s failed: %w", s.id, err)
	}
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	status := errdefs.HTTPStatus(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, wire.ErrorResponse{Detail: err.Error(), Kind: errdefs.KindOf(err)})
}
