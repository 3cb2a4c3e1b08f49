package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/roostlabs/roost/pkg/ack"
	"github.com/roostlabs/roost/pkg/config"
	"github.com/roostlabs/roost/pkg/dispatch"
	"github.com/roostlabs/roost/pkg/events"
	"github.com/roostlabs/roost/pkg/ingest"
	"github.com/roostlabs/roost/pkg/log"
	"github.com/roostlabs/roost/pkg/metrics"
	"github.com/roostlabs/roost/pkg/partition"
	"github.com/roostlabs/roost/pkg/reconcile"
	"github.com/roostlabs/roost/pkg/registry"
	"github.com/roostlabs/roost/pkg/store"
)

// Server is the HTTP surface over the control-plane components.
type Server struct {
	cfg        *config.Config
	store      *store.Store
	ingestor   *ingest.Ingestor
	dispatcher *dispatch.Dispatcher
	receiver   *ack.Receiver
	registry   *registry.Registry
	partitions *partition.Manager
	reconciler *reconcile.Job
	journal    *events.Journal
	logger     zerolog.Logger

	http *http.Server
}

// NewServer wires the HTTP surface. partitions and reconciler are
// invoked by the /ops endpoints; journal backs /events/recent.
func NewServer(
	cfg *config.Config,
	st *store.Store,
	ingestor *ingest.Ingestor,
	dispatcher *dispatch.Dispatcher,
	receiver *ack.Receiver,
	reg *registry.Registry,
	partitions *partition.Manager,
	reconciler *reconcile.Job,
	journal *events.Journal,
) *Server {
	s := &Server{
		cfg:        cfg,
		store:      st,
		ingestor:   ingestor,
		dispatcher: dispatcher,
		receiver:   receiver,
		registry:   reg,
		partitions: partitions,
		reconciler: reconciler,
		journal:    journal,
		logger:     log.WithComponent("api"),
	}
	s.http = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(limitBody)

	r.Get("/healthz", s.handleHealth)

	// Device protocol
	r.Post("/register", observe("register", s.handleRegister))
	r.Post("/heartbeat", observe("heartbeat", s.handleHeartbeat))
	r.Post("/action-result", observe("action_result", s.handleActionResult))
	r.Post("/remote-exec/ack", observe("remote_exec_ack", s.handleRemoteExecAck))

	// Admin protocol
	r.Post("/commands/{action}", observe("command", s.requireAdmin(s.handleCommand)))
	r.Post("/remote-exec", observe("remote_exec", s.requireAdmin(s.handleRemoteExec)))
	r.Get("/remote-exec/{id}", observe("remote_exec_status", s.requireAdmin(s.handleRemoteExecStatus)))
	r.Post("/enroll-tokens", observe("enroll_token", s.requireAdmin(s.handleCreateEnrollToken)))
	r.Post("/ops/nightly", observe("ops_nightly", s.requireAdmin(s.handleOpsNightly)))
	r.Post("/ops/reconcile", observe("ops_reconcile", s.requireAdmin(s.handleOpsReconcile)))
	r.Get("/events/recent", observe("events_recent", s.requireAdmin(s.handleRecentEvents)))
	r.Method(http.MethodGet, "/metrics", s.requireAdmin(func(w http.ResponseWriter, r *http.Request) {
		metrics.Handler().ServeHTTP(w, r)
	}))

	return r
}

// Start begins serving; blocks until the listener fails or closes.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.ListenAddr).Msg("HTTP API listening")
	return s.http.ListenAndServe()
}

// Stop gracefully drains in-flight requests.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
