// GCS Core - DJI Ground Control Station runtime
//
// This is the main entry point for the gcsd daemon. It manages per-
// aircraft MQTT connections, routes inbound DJI Cloud API traffic,
// executes catalogued service calls, keeps DRC heartbeat sessions
// alive, and exposes an HTTP/WebSocket control surface for operator
// tooling.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/volition/gcs-core/migrations"

	"github.com/volition/gcs-core/internal/api"
	"github.com/volition/gcs-core/internal/audit"
	"github.com/volition/gcs-core/internal/heartbeat"
	"github.com/volition/gcs-core/internal/infrastructure/config"
	"github.com/volition/gcs-core/internal/infrastructure/database"
	"github.com/volition/gcs-core/internal/infrastructure/influxdb"
	"github.com/volition/gcs-core/internal/infrastructure/logging"
	"github.com/volition/gcs-core/internal/infrastructure/mqtt"
	"github.com/volition/gcs-core/internal/pool"
	"github.com/volition/gcs-core/internal/router"
	"github.com/volition/gcs-core/internal/service"
	"github.com/volition/gcs-core/internal/telemetry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
// Returning an error allows main to handle exit codes consistently.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting GCS Core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	// Load configuration
	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	// Reinitialise logger with config settings
	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	// Open the call-audit database
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	// Run migrations
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	auditRepo := audit.NewSQLiteRepository(db.DB)

	// Connect to InfluxDB (optional)
	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)

		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	// Message router: every inbound frame from every connection flows
	// through here.
	routes := router.New()
	routes.SetLogger(log)

	// Connection pool over the router. Inbound traffic and the per-device
	// status liveness rule are wired by the pool itself.
	connPool := pool.New(cfg, routes)
	connPool.SetLogger(log)
	defer func() {
		log.Info("closing connection pool")
		if closeErr := connPool.Close(); closeErr != nil {
			log.Error("error closing connection pool", "error", closeErr)
		}
	}()

	// Telemetry snapshot store, fed by osd/state/events traffic.
	store := telemetry.NewStore()
	store.SetLogger(log)
	store.Attach(routes)
	connPool.AddStateListener(store.HandleStateChange)
	if influxClient != nil {
		store.SetRecorder(influxClient)
		connPool.AddStateListener(func(change mqtt.StateChange) {
			influxClient.WriteConnectionState(change.DeviceID, string(change.Class), string(change.State))
		})
	}

	// Service template catalog, loaded asynchronously so startup does
	// not block on the catalog file.
	catalog := service.NewCatalog()
	catalog.LoadFile(cfg.Services.CatalogPath, log)

	// Service caller over the pool.
	caller := service.NewCaller(poolConnections{connPool}, catalog, routes, cfg.ServiceDefaultTimeout())
	caller.SetLogger(log)
	caller.SetRecorder(auditRepo)
	defer caller.Close()

	// Heartbeat manager for DRC keep-alive sessions.
	hb := heartbeat.NewManager(poolConnections{connPool}, cfg.HeartbeatInterval())
	hb.SetLogger(log)
	defer hb.StopAll()

	// HTTP API and WebSocket event stream.
	server, err := api.New(api.Deps{
		Config:    cfg.API,
		WS:        cfg.WebSocket,
		Logger:    log,
		Pool:      connPool,
		Caller:    caller,
		Catalog:   catalog,
		Telemetry: store,
		Routes:    routes,
		Heartbeat: hb,
		Audit:     auditRepo,
		History:   influxClient,
		Version:   version,
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if startErr := server.Start(ctx); startErr != nil {
		return fmt.Errorf("starting API server: %w", startErr)
	}
	defer func() {
		log.Info("stopping API server")
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error stopping API server", "error", closeErr)
		}
	}()

	// Verify infrastructure is healthy
	if err := healthCheck(ctx, db, influxClient, server); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	log.Info("initialisation complete, waiting for shutdown signal",
		"station_id", cfg.Station.ID,
		"api", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
	)

	// Wait for shutdown signal
	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred Close() calls run in reverse order:
	// 1. API server
	// 2. Heartbeat sessions
	// 3. Service caller
	// 4. Connection pool
	// 5. InfluxDB (if enabled)
	// 6. Database

	log.Info("GCS Core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses GCS_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("GCS_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//   - server: API server to check
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, influxClient *influxdb.Client, server *api.Server) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}

	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}

	if err := server.HealthCheck(ctx); err != nil {
		return fmt.Errorf("api: %w", err)
	}

	return nil
}

// poolConnections adapts *pool.Pool to the narrower connection-provider
// interfaces the service caller and heartbeat sessions consume. The
// pool's methods return its own Client type; Go interfaces have no
// covariant returns, so the adapter restates the signatures.
type poolConnections struct {
	pool *pool.Pool
}

// EnsureConnection implements service.ConnectionProvider.
func (p poolConnections) EnsureConnection(ctx context.Context, deviceID string) (service.Connection, error) {
	return p.pool.EnsureConnection(ctx, deviceID)
}

// EnsureHeartbeatConnection implements heartbeat.Connections.
func (p poolConnections) EnsureHeartbeatConnection(ctx context.Context, deviceID string) (heartbeat.Connection, error) {
	return p.pool.EnsureHeartbeatConnection(ctx, deviceID)
}

// DisconnectHeartbeat implements heartbeat.Connections.
func (p poolConnections) DisconnectHeartbeat(deviceID string) error {
	return p.pool.DisconnectHeartbeat(deviceID)
}
