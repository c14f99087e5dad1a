// Package api provides the HTTP and WebSocket surface of the ground
// station.
//
// It exposes device connections, telemetry snapshots, service calls and
// the call audit trail to operator tooling on the station LAN, plus a
// WebSocket event stream for connection state and live telemetry.
//
// The server follows the same lifecycle pattern as the other
// infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/volition/gcs-core/internal/audit"
	"github.com/volition/gcs-core/internal/heartbeat"
	"github.com/volition/gcs-core/internal/infrastructure/config"
	"github.com/volition/gcs-core/internal/infrastructure/influxdb"
	"github.com/volition/gcs-core/internal/infrastructure/logging"
	"github.com/volition/gcs-core/internal/infrastructure/mqtt"
	"github.com/volition/gcs-core/internal/pool"
	"github.com/volition/gcs-core/internal/router"
	"github.com/volition/gcs-core/internal/service"
	"github.com/volition/gcs-core/internal/telemetry"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// WebSocket broadcast channels.
const (
	ChannelConnectionState = "connection.state_changed"
	ChannelTelemetry       = "device.telemetry"
)

// wsTelemetryRuleID names the router rule feeding the event stream.
const wsTelemetryRuleID = "api:ws-telemetry"

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config    config.APIConfig
	WS        config.WebSocketConfig
	Logger    *logging.Logger
	Pool      *pool.Pool
	Caller    *service.Caller
	Catalog   *service.Catalog
	Telemetry *telemetry.Store
	Routes    *router.Router
	Heartbeat *heartbeat.Manager
	Audit     audit.Repository // optional; audit endpoints 404 without it
	History   *influxdb.Client // optional; history endpoint 503 without it
	Version   string
}

// Server is the station's HTTP API server.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	pool      *pool.Pool
	caller    *service.Caller
	catalog   *service.Catalog
	telemetry *telemetry.Store
	routes    *router.Router
	heartbeat *heartbeat.Manager
	audit     audit.Repository
	history   *influxdb.Client
	version   string
	server    *http.Server
	hub       *Hub
	cancel    context.CancelFunc // cancels background goroutines on Close()
}

// New creates an API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Pool == nil {
		return nil, fmt.Errorf("connection pool is required")
	}
	if deps.Caller == nil {
		return nil, fmt.Errorf("service caller is required")
	}
	if deps.Telemetry == nil {
		return nil, fmt.Errorf("telemetry store is required")
	}
	if deps.Routes == nil {
		return nil, fmt.Errorf("message router is required")
	}

	return &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		pool:      deps.Pool,
		caller:    deps.Caller,
		catalog:   deps.Catalog,
		telemetry: deps.Telemetry,
		routes:    deps.Routes,
		heartbeat: deps.Heartbeat,
		audit:     deps.Audit,
		history:   deps.History,
		version:   deps.Version,
	}, nil
}

// Start begins listening for HTTP connections.
//
// It sets up the router, starts the WebSocket hub, wires the event
// stream (connection state changes and telemetry broadcast), and
// launches the HTTP listener in a background goroutine. The server can
// be stopped with Close().
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.hub = NewHub(s.wsCfg, s.logger)
	go s.hub.Run(srvCtx)

	s.wireEventStream()

	mux := s.buildRouter()

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           mux,
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", s.server.Addr,
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", s.server.Addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// wireEventStream connects pool state changes and telemetry traffic to
// the WebSocket hub. Clients opt in per channel.
func (s *Server) wireEventStream() {
	hub := s.hub

	s.pool.AddStateListener(func(change mqtt.StateChange) {
		hub.Broadcast(ChannelConnectionState, change)
	})

	s.routes.Register(wsTelemetryRuleID,
		router.TopicPattern(`/(osd|state|events)$`),
		func(msg *router.Message) {
			if hub.ClientCount() == 0 {
				return
			}
			hub.Broadcast(ChannelTelemetry, map[string]any{
				"device_id": msg.DeviceID,
				"topic":     msg.Topic,
				"method":    msg.Envelope.Method,
				"data":      msg.Envelope.Data,
			})
		})
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}
	s.routes.Unregister(wsTelemetryRuleID)

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
