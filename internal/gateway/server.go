package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nerrad567/gray-logic-hub/internal/arbiter"
	"github.com/nerrad567/gray-logic-hub/internal/bus"
	"github.com/nerrad567/gray-logic-hub/internal/crash"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-hub/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Sender is the bus name commands and events from the gateway are sent as.
const Sender = bus.RPCGroup

// WebSocket defaults applied when the configuration leaves them unset.
const (
	defaultMaxMessageSize = 8192
	defaultPingInterval   = 30
	defaultPongTimeout    = 10
)

// ConnectionChecker reports broker connectivity for the health endpoint.
type ConnectionChecker interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the gateway.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Logger   *logging.Logger
	Bus      *bus.Bus
	Arbiter  *arbiter.Arbiter
	Reporter crash.Reporter
	Metrics  *Metrics
	Gatherer prometheus.Gatherer // defaults to prometheus.DefaultGatherer
	MQTT     ConnectionChecker   // optional
	Version  string
}

// Server is the HTTP gateway of the hub.
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	logger   *logging.Logger
	bus      *bus.Bus
	arbiter  *arbiter.Arbiter
	reporter crash.Reporter
	metrics  *Metrics
	gatherer prometheus.Gatherer
	mqtt     ConnectionChecker
	version  string
	started  time.Time

	handler http.Handler
	hub     *Hub

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
	errCh    chan error
}

// New creates a gateway with the given dependencies.
// The server does not listen until Start or Run is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Bus == nil {
		return nil, fmt.Errorf("bus is required")
	}

	s := &Server{
		cfg:      deps.Config,
		wsCfg:    deps.WS,
		logger:   deps.Logger,
		bus:      deps.Bus,
		arbiter:  deps.Arbiter,
		reporter: deps.Reporter,
		metrics:  deps.Metrics,
		gatherer: deps.Gatherer,
		mqtt:     deps.MQTT,
		version:  deps.Version,
		started:  time.Now(),
		errCh:    make(chan error, 1),
	}
	if s.reporter == nil {
		s.reporter = crash.Nop{}
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.DefaultGatherer
	}
	if s.wsCfg.MaxMessageSize <= 0 {
		s.wsCfg.MaxMessageSize = defaultMaxMessageSize
	}
	if s.wsCfg.PingInterval <= 0 {
		s.wsCfg.PingInterval = defaultPingInterval
	}
	if s.wsCfg.PongTimeout <= 0 {
		s.wsCfg.PongTimeout = defaultPongTimeout
	}

	s.hub = NewHub(s.wsCfg, s.logger, s.metrics)
	s.handler = s.buildRouter()
	return s, nil
}

// Handler returns the gateway's HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the listener and serves in the background.
// It fails synchronously when the address cannot be bound.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("gateway already started")
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.handler,
		ReadTimeout:       s.cfg.Timeouts.ReadTimeout(),
		ReadHeaderTimeout: s.cfg.Timeouts.ReadTimeout(),
		WriteTimeout:      s.cfg.Timeouts.WriteTimeout(),
		IdleTimeout:       s.cfg.Timeouts.IdleTimeout(),
	}

	srv := s.server
	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("gateway starting with TLS", "address", ln.Addr().String(), "cert", s.cfg.TLS.CertFile)
			err = srv.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("gateway starting", "address", ln.Addr().String())
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("gateway server error", "error", err)
			s.errCh <- err
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run starts the server and blocks until ctx is cancelled or the listener
// fails. It is meant to be added to a host as a service.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return s.Close()
	case err := <-s.errCh:
		s.Close() //nolint:errcheck // Already failing
		return fmt.Errorf("gateway: %w", err)
	}
}

// Close gracefully shuts down the server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.server
	cancel := s.cancel
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if cancel != nil {
		cancel()
	}

	ctx, done := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer done()

	s.logger.Info("gateway shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down gateway: %w", err)
	}
	return nil
}

// HealthCheck verifies the server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("gateway health check: %w", ctx.Err())
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server == nil {
		return fmt.Errorf("gateway not started")
	}
	return nil
}
