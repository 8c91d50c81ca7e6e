package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"

	"github.com/gettlstap/tlstap/pkg/config"
	"github.com/gettlstap/tlstap/pkg/engine/api"
	"github.com/gettlstap/tlstap/pkg/events"
	"github.com/gettlstap/tlstap/pkg/keylog"
	"github.com/gettlstap/tlstap/pkg/logging"
	"github.com/gettlstap/tlstap/pkg/metrics"
	"github.com/gettlstap/tlstap/pkg/rule"
)

// Server lifecycle states.
const (
	StateStopped  = "stopped"
	StateStarting = "starting"
	StateRunning  = "running"
	StateStopping = "stopping"
)

// stopTimeout bounds the wait for in-flight connections during Stop.
const stopTimeout = 5 * time.Second

// findFreePort finds a free port starting from the given port. It checks
// up to 100 ports from the starting port and falls back to a random one.
func findFreePort(startPort int) int {
	for port := startPort; port < startPort+100; port++ {
		listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err == nil {
			_ = listener.Close()
			return port
		}
	}
	listener, err := net.Listen("tcp", ":0")
	if err != nil {
		return startPort
	}
	defer func() { _ = listener.Close() }()
	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		return startPort
	}
	return tcpAddr.Port
}

// Server is the intercepting proxy engine: a terminating HTTPS listener,
// an optional CONNECT intercept port, an optional HTTP/3 listener, and the
// control API, all dispatching through a shared rule set with per-session
// TLS key-log capture on both legs.
type Server struct {
	cfg        *config.ServerConfiguration
	log        *slog.Logger
	ruleSet    *RuleSet
	bus        *events.Bus
	sink       *keylog.Sink
	tlsManager *TLSManager

	httpsServer *http.Server
	proxyServer *http.Server
	h3Server    *http3.Server
	controlAPI  *api.Server

	mu        sync.RWMutex
	state     string
	startTime time.Time
	boundPort int
	apiPort   int
}

// ServerOption is a functional option for configuring a Server.
type ServerOption func(*Server)

// WithLogger sets the operational logger for the server.
func WithLogger(log *slog.Logger) ServerOption {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithIncomingKeylogResolver overrides the sink path resolver for incoming
// sessions. Intended for embedding and tests; normal configuration goes
// through config.KeylogConfig.
func WithIncomingKeylogResolver(r keylog.PathResolver) ServerOption {
	return func(s *Server) {
		s.sink.SetResolver(keylog.ConnectionIncoming, r)
	}
}

// WithUpstreamKeylogResolver overrides the sink path resolver for upstream
// sessions.
func WithUpstreamKeylogResolver(r keylog.PathResolver) ServerOption {
	return func(s *Server) {
		s.sink.SetResolver(keylog.ConnectionUpstream, r)
	}
}

// NewServer creates a Server from the given configuration. The server is
// created stopped; call Start to bind listeners.
func NewServer(cfg *config.ServerConfiguration, opts ...ServerOption) *Server {
	if cfg == nil {
		cfg = config.DefaultServerConfiguration()
	}
	cfg.ApplyDefaults()

	metrics.Init()

	s := &Server{
		cfg:        cfg,
		log:        logging.Nop(),
		ruleSet:    NewRuleSet(),
		bus:        events.NewBus(cfg.MaxEventEntries),
		sink:       keylog.NewSink(),
		tlsManager: NewTLSManager(cfg),
		state:      StateStopped,
	}

	s.configureSink(cfg.Keylog)

	for _, opt := range opts {
		opt(s)
	}

	apiPort := cfg.APIPort
	if apiPort == 0 {
		apiPort = findFreePort(4281)
	}
	s.apiPort = apiPort
	s.controlAPI = api.NewServer(s, apiPort)
	s.controlAPI.SetLogger(s.log)

	return s
}

// configureSink wires the key-log file sinks from configuration. Explicit
// per-type files win over the directory shorthand; the directory produces
// one timestamped file per connection type per Start.
func (s *Server) configureSink(cfg *config.KeylogConfig) {
	if cfg == nil {
		return
	}
	switch {
	case cfg.IncomingFile != "":
		s.sink.SetResolver(keylog.ConnectionIncoming, keylog.StaticPath(config.ResolvePath("", cfg.IncomingFile)))
	case cfg.Dir != "":
		s.sink.SetResolver(keylog.ConnectionIncoming, keylog.TimestampedPath(config.ResolvePath("", cfg.Dir), keylog.ConnectionIncoming))
	}
	switch {
	case cfg.UpstreamFile != "":
		s.sink.SetResolver(keylog.ConnectionUpstream, keylog.StaticPath(config.ResolvePath("", cfg.UpstreamFile)))
	case cfg.Dir != "":
		s.sink.SetResolver(keylog.ConnectionUpstream, keylog.TimestampedPath(config.ResolvePath("", cfg.Dir), keylog.ConnectionUpstream))
	}
}

// Start binds the listeners and moves the server to running. Valid only
// from stopped.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateStopped {
		return fmt.Errorf("cannot start server in state %q", s.state)
	}
	s.state = StateStarting

	// Re-resolve sink paths on every start so restarts with a directory
	// sink get fresh timestamped files.
	s.sink.Reset()

	incomingTLS, err := s.tlsManager.BuildIncomingConfig()
	if err != nil {
		s.state = StateStopped
		return fmt.Errorf("failed to set up incoming TLS: %w", err)
	}
	upstreamTLS, err := s.tlsManager.BuildUpstreamConfig()
	if err != nil {
		s.state = StateStopped
		return fmt.Errorf("failed to set up upstream TLS: %w", err)
	}

	var dialTimeout time.Duration
	if s.cfg.Upstream != nil {
		dialTimeout = time.Duration(s.cfg.Upstream.DialTimeout) * time.Second
	}
	upstream := NewUpstreamManager(
		upstreamTLS, s.bus, s.sink, s.log,
		dialTimeout, int64(s.cfg.MaxBodySize),
	)
	dispatcher := NewDispatcher(s.ruleSet, upstream, s.bus, s.log, int64(s.cfg.MaxBodySize))

	rawListener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.HTTPSPort))
	if err != nil {
		s.state = StateStopped
		return fmt.Errorf("failed to bind HTTPS listener: %w", err)
	}
	if tcpAddr, ok := rawListener.Addr().(*net.TCPAddr); ok {
		s.boundPort = tcpAddr.Port
	}

	s.httpsServer = &http.Server{
		Handler:      dispatcher,
		TLSConfig:    incomingTLS,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
	}
	if err := http2.ConfigureServer(s.httpsServer, &http2.Server{}); err != nil {
		_ = rawListener.Close()
		s.state = StateStopped
		return fmt.Errorf("failed to configure HTTP/2: %w", err)
	}

	// The listener hands net/http a *tls.Conn per accept, so r.TLS is
	// populated and the handshake happens lazily on first read.
	tapping := newTapListener(rawListener, incomingTLS, s.bus, s.sink, s.log)
	s.log.Info("starting HTTPS listener", "port", s.boundPort)
	// Serve goroutines capture locals: Stop nils the fields.
	httpsServer := s.httpsServer
	go func() {
		if err := httpsServer.Serve(tapping); err != nil && err != http.ErrServerClosed {
			s.log.Error("HTTPS server error", "error", err)
		}
	}()

	if s.cfg.ProxyPort > 0 {
		proxy := NewConnectProxy(
			dispatcher, incomingTLS, s.bus, s.sink, s.log,
			time.Duration(s.cfg.ReadTimeout)*time.Second,
		)
		proxyListener, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.ProxyPort))
		if err != nil {
			_ = rawListener.Close()
			s.state = StateStopped
			return fmt.Errorf("failed to bind proxy listener: %w", err)
		}
		s.proxyServer = &http.Server{Handler: proxy}
		s.log.Info("starting CONNECT intercept listener", "port", s.cfg.ProxyPort)
		proxyServer := s.proxyServer
		go func() {
			if err := proxyServer.Serve(proxyListener); err != nil && err != http.ErrServerClosed {
				s.log.Error("proxy server error", "error", err)
			}
		}()
	}

	if s.cfg.HTTP3Port > 0 {
		s.h3Server = newHTTP3Server(s.cfg.HTTP3Port, incomingTLS, dispatcher, s.bus, s.sink, s.log)
		s.log.Info("starting HTTP/3 listener", "port", s.cfg.HTTP3Port)
		h3Server := s.h3Server
		go func() {
			if err := h3Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Error("HTTP/3 server error", "error", err)
			}
		}()
	}

	if err := s.controlAPI.Start(); err != nil {
		// Non-fatal: the data path works without the control API.
		s.log.Error("control API failed to start", "error", err)
	}

	s.state = StateRunning
	s.startTime = time.Now()
	s.log.Info("engine started",
		"httpsPort", s.boundPort,
		"proxyPort", s.cfg.ProxyPort,
		"apiPort", s.apiPort)
	return nil
}

// Stop closes the listeners, waits up to 5 seconds for in-flight
// connections, then abandons them. Valid only from running; the server
// always ends stopped.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateRunning {
		return fmt.Errorf("cannot stop server in state %q", s.state)
	}
	s.state = StateStopping

	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()

	var errs []error

	if s.controlAPI != nil {
		if err := s.controlAPI.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("control API shutdown: %w", err))
		}
	}

	if s.h3Server != nil {
		if err := s.h3Server.Close(); err != nil {
			errs = append(errs, fmt.Errorf("HTTP/3 shutdown: %w", err))
		}
		s.h3Server = nil
	}

	if s.proxyServer != nil {
		if err := s.proxyServer.Shutdown(ctx); err != nil {
			_ = s.proxyServer.Close()
			errs = append(errs, fmt.Errorf("proxy shutdown: %w", err))
		}
		s.proxyServer = nil
	}

	if s.httpsServer != nil {
		if err := s.httpsServer.Shutdown(ctx); err != nil {
			_ = s.httpsServer.Close()
			errs = append(errs, fmt.Errorf("HTTPS shutdown: %w", err))
		}
		s.httpsServer = nil
	}

	if err := s.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("sink close: %w", err))
	}

	s.state = StateStopped
	s.log.Info("engine stopped")

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// State returns the lifecycle state: stopped, starting, running, stopping.
func (s *Server) State() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// IsRunning reports whether the server is in the running state.
func (s *Server) IsRunning() bool {
	return s.State() == StateRunning
}

// Uptime returns the server uptime in seconds, 0 when not running.
func (s *Server) Uptime() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateRunning {
		return 0
	}
	return int(time.Since(s.startTime).Seconds())
}

// BoundPort returns the actual HTTPS listener port, which differs from the
// configured port when 0 requested an ephemeral one.
func (s *Server) BoundPort() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.boundPort
}

// ProxyPort returns the configured CONNECT intercept port, 0 when disabled.
func (s *Server) ProxyPort() int {
	return s.cfg.ProxyPort
}

// APIPort returns the port the control API listens on.
func (s *Server) APIPort() int {
	return s.apiPort
}

// Config returns the server configuration.
func (s *Server) Config() *config.ServerConfiguration {
	return s.cfg
}

// Bus returns the event bus for embedding callers that want to subscribe
// directly instead of going through the control API.
func (s *Server) Bus() *events.Bus {
	return s.bus
}

// AddRule registers a rule at the end of the dispatch order.
func (s *Server) AddRule(r *rule.Rule) error {
	if err := s.ruleSet.Add(r); err != nil {
		return err
	}
	s.updateRuleGauge()
	return nil
}

// UpdateRule replaces a rule in place, keeping its dispatch position.
func (s *Server) UpdateRule(id string, r *rule.Rule) error {
	return s.ruleSet.Update(id, r)
}

// DeleteRule removes a rule.
func (s *Server) DeleteRule(id string) error {
	if err := s.ruleSet.Delete(id); err != nil {
		return err
	}
	s.updateRuleGauge()
	return nil
}

// GetRule returns a copy of the rule, or nil when absent.
func (s *Server) GetRule(id string) *rule.Rule {
	return s.ruleSet.Get(id)
}

// ListRules returns copies of all rules in dispatch order.
func (s *Server) ListRules() []*rule.Rule {
	return s.ruleSet.List()
}

// ToggleRule flips a rule's enabled flag and returns the new value.
func (s *Server) ToggleRule(id string) (bool, error) {
	return s.ruleSet.Toggle(id)
}

// SetRules atomically replaces the whole rule set.
func (s *Server) SetRules(rules []*rule.Rule) error {
	if err := s.ruleSet.SetAll(rules); err != nil {
		return err
	}
	s.updateRuleGauge()
	return nil
}

// ClearRules removes all rules.
func (s *Server) ClearRules() {
	s.ruleSet.Clear()
	s.updateRuleGauge()
}

// RuleCount returns the number of registered rules.
func (s *Server) RuleCount() int {
	return s.ruleSet.Count()
}

// Events returns retained bus events matching the filter, newest first.
func (s *Server) Events(filter *events.Filter) []*events.Event {
	return s.bus.List(filter)
}

// SubscribeEvents registers a live event subscriber. The returned function
// unsubscribes and closes the channel.
func (s *Server) SubscribeEvents(types ...string) (events.Subscriber, func()) {
	return s.bus.Subscribe(types...)
}

// ClearEvents drops all retained events.
func (s *Server) ClearEvents() {
	s.bus.Clear()
}

// KeylogStats returns per-connection-type sink statistics.
func (s *Server) KeylogStats() map[string]keylog.SinkStats {
	return s.sink.Stats()
}

func (s *Server) updateRuleGauge() {
	if metrics.RulesTotal != nil {
		_ = metrics.RulesTotal.Set(float64(s.ruleSet.Count()))
	}
}
