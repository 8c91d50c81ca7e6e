package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gettlstap/tlstap/pkg/events"
	"github.com/gettlstap/tlstap/pkg/keylog"
	"github.com/gettlstap/tlstap/pkg/logging"
	"github.com/gettlstap/tlstap/pkg/metrics"
	"github.com/gettlstap/tlstap/pkg/rule"
)

// Server is the engine control API server.
type Server struct {
	engine     EngineController
	httpServer *http.Server
	port       int
	log        *slog.Logger
}

// EngineController is the interface the API uses to control the engine.
// Implemented by engine.Server.
type EngineController interface {
	// Status
	State() string
	IsRunning() bool
	Uptime() int
	BoundPort() int
	ProxyPort() int

	// Rules
	AddRule(r *rule.Rule) error
	UpdateRule(id string, r *rule.Rule) error
	DeleteRule(id string) error
	GetRule(id string) *rule.Rule
	ListRules() []*rule.Rule
	ToggleRule(id string) (bool, error)
	SetRules(rules []*rule.Rule) error
	ClearRules()
	RuleCount() int

	// Events
	Events(filter *events.Filter) []*events.Event
	SubscribeEvents(types ...string) (events.Subscriber, func())
	ClearEvents()

	// Key-log sinks
	KeylogStats() map[string]keylog.SinkStats
}

// NewServer creates a control API server bound to the given port.
func NewServer(engine EngineController, port int) *Server {
	s := &Server{
		engine: engine,
		port:   port,
		log:    logging.Nop(),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.withMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// SetLogger sets the logger.
func (s *Server) SetLogger(log *slog.Logger) {
	if log != nil {
		s.log = log
	}
}

// Start binds the control API listener and serves in the background, so
// the API is reachable as soon as Start returns.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind control API listener: %w", err)
	}
	s.log.Info("starting engine control API", "port", s.port)
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("control API server error", "error", err)
		}
	}()
	return nil
}

// Stop stops the control API server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Port returns the port the server is running on.
func (s *Server) Port() int {
	return s.port
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health & status
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)

	// Rules
	mux.HandleFunc("GET /rules", s.handleListRules)
	mux.HandleFunc("POST /rules", s.handleCreateRule)
	mux.HandleFunc("DELETE /rules", s.handleClearRules)
	mux.HandleFunc("GET /rules/{id}", s.handleGetRule)
	mux.HandleFunc("PUT /rules/{id}", s.handleUpdateRule)
	mux.HandleFunc("DELETE /rules/{id}", s.handleDeleteRule)
	mux.HandleFunc("POST /rules/{id}/toggle", s.handleToggleRule)

	// Bulk deployment
	mux.HandleFunc("POST /deploy", s.handleDeploy)

	// Events
	mux.HandleFunc("GET /events", s.handleListEvents)
	mux.HandleFunc("DELETE /events", s.handleClearEvents)
	mux.HandleFunc("GET /events/stream", s.handleStreamEvents)

	// Key-log sinks
	mux.HandleFunc("GET /keylog", s.handleKeylogStatus)

	// Metrics (Prometheus text format, not JSON)
	mux.Handle("GET /metrics", metrics.Init().Handler())
}

// withMiddleware defaults the Content-Type to JSON. Handlers emitting a
// different format (metrics, the WebSocket upgrade) overwrite it before
// writing the header.
func (s *Server) withMiddleware(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		handler.ServeHTTP(w, r)
	})
}
