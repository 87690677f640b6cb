package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/droverhq/drover/pkg/assigner"
	"github.com/droverhq/drover/pkg/cluster"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/storage"
	"github.com/droverhq/drover/pkg/supervisor"
)

// Server exposes the operator control surface and the cluster wire
// protocol over one HTTP listener.
type Server struct {
	addr        string
	assigner    *assigner.Assigner
	supervisor  *supervisor.Supervisor
	coordinator *cluster.Coordinator
	store       storage.Store
	reload      func() error
	logger      zerolog.Logger

	httpServer *http.Server
}

// New wires the handlers. reload is invoked by the config-reload
// endpoint; a nil reload disables it.
func New(addr string, asn *assigner.Assigner, sup *supervisor.Supervisor, coord *cluster.Coordinator, store storage.Store, reload func() error) *Server {
	s := &Server{
		addr:        addr,
		assigner:    asn,
		supervisor:  sup,
		coordinator: coord,
		store:       store,
		reload:      reload,
		logger:      log.WithComponent("api"),
	}

	r := mux.NewRouter()

	// Cluster wire protocol
	r.HandleFunc("/cluster/heartbeat", s.handleHeartbeat).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	// Prompts
	r.HandleFunc("/v1/prompts", s.handleSubmitPrompt).Methods(http.MethodPost)
	r.HandleFunc("/v1/prompts", s.handleListPrompts).Methods(http.MethodGet)
	r.HandleFunc("/v1/prompts/retry_all", s.handleRetryAll).Methods(http.MethodPost)
	r.HandleFunc("/v1/prompts/{id:[0-9]+}", s.handleGetPrompt).Methods(http.MethodGet)
	r.HandleFunc("/v1/prompts/{id:[0-9]+}/retry", s.handleRetryPrompt).Methods(http.MethodPost)
	r.HandleFunc("/v1/prompts/{id:[0-9]+}/reassign", s.handleReassignPrompt).Methods(http.MethodPost)
	r.HandleFunc("/v1/prompts/{id:[0-9]+}/cancel", s.handleCancelPrompt).Methods(http.MethodPost)
	r.HandleFunc("/v1/prompts/{id:[0-9]+}/history", s.handlePromptHistory).Methods(http.MethodGet)

	// Sessions
	r.HandleFunc("/v1/sessions", s.handleListSessions).Methods(http.MethodGet)
	r.HandleFunc("/v1/sessions", s.handleRegisterSession).Methods(http.MethodPost)
	r.HandleFunc("/v1/sessions/{name}", s.handleDeleteSession).Methods(http.MethodDelete)
	r.HandleFunc("/v1/sessions/{name}/exclude", s.handleExcludeSession).Methods(http.MethodPost)

	// Supervised services
	r.HandleFunc("/v1/supervisor/status", s.handleSupervisorStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/services/{id}/start", s.handleStartService).Methods(http.MethodPost)
	r.HandleFunc("/v1/services/{id}/stop", s.handleStopService).Methods(http.MethodPost)
	r.HandleFunc("/v1/services/{id}/restart", s.handleRestartService).Methods(http.MethodPost)

	// Cluster operator surface
	r.HandleFunc("/v1/cluster/status", s.handleClusterStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/cluster/nodes", s.handleRegisterNode).Methods(http.MethodPost)
	r.HandleFunc("/v1/cluster/allocations", s.handleAllocate).Methods(http.MethodPost)
	r.HandleFunc("/v1/cluster/allocations/{id}", s.handleRelease).Methods(http.MethodDelete)

	r.HandleFunc("/v1/config/reload", s.handleReload).Methods(http.MethodPost)

	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler exposes the routed handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown. It blocks.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.addr).Msg("api listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
