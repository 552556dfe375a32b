// RT809F Bridge - cloud job bridge for RT809F programmers
//
// Device agents hold a WebSocket open to the bridge; clients submit jobs
// over REST and the bridge forwards them to the owning device and correlates
// the replies. Several replicas coordinate device ownership over MQTT.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	_ "github.com/nerrad567/rt809f-bridge/migrations"

	"github.com/nerrad567/rt809f-bridge/internal/api"
	"github.com/nerrad567/rt809f-bridge/internal/cluster"
	"github.com/nerrad567/rt809f-bridge/internal/device"
	"github.com/nerrad567/rt809f-bridge/internal/infrastructure/config"
	"github.com/nerrad567/rt809f-bridge/internal/infrastructure/database"
	"github.com/nerrad567/rt809f-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/rt809f-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/rt809f-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/rt809f-bridge/internal/job"
	"github.com/nerrad567/rt809f-bridge/internal/telemetry"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"
	configEnvVar      = "RT809F_CONFIG"

	historyBuffer       = 256
	historyPruneEvery   = time.Hour
	closeSessionsSettle = 2 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run starts the bridge and blocks until ctx is cancelled, then shuts down
// in order.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting RT809F bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, path, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", path,
		"replica", cfg.Replica.ID,
		"busy_policy", cfg.Jobs.BusyPolicy,
		"coordination", cfg.Coordination.Enabled,
	)

	b, err := newBridge(cfg, log)
	if err != nil {
		b.close()
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := b.start(gctx, g); err != nil {
		b.close()
		return err
	}
	log.Info("initialisation complete, waiting for shutdown signal", "address", b.server.Addr())

	<-gctx.Done()
	log.Info("shutdown signal received, draining")

	b.shutdown()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("RT809F bridge stopped")
	return nil
}

// loadConfig resolves the config path and loads it. A missing default file
// means configuration comes from the environment alone.
func loadConfig() (*config.Config, string, error) {
	path := os.Getenv(configEnvVar)
	if path == "" {
		path = defaultConfigPath
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// bridge holds every component for the lifetime of run.
type bridge struct {
	cfg *config.Config
	log *logging.Logger

	db           *database.DB
	history      *job.SQLiteHistoryStore
	recorder     *job.HistoryRecorder
	stopRecorder context.CancelFunc
	recorderDone chan struct{}

	influx    *influxdb.Client
	telemetry *telemetry.Recorder

	mqtt     *mqtt.Client
	presence *cluster.Presence
	relay    *cluster.Relay

	registry   *device.Registry
	correlator *job.Correlator
	server     *api.Server
}

// telemetryWriter keeps a disabled InfluxDB client out of the recorder as
// a nil interface, not an interface holding a nil pointer.
func telemetryWriter(client *influxdb.Client) telemetry.Writer {
	if client == nil {
		return nil
	}
	return client
}

// newBridge connects infrastructure and builds the core components.
// On error the partially built bridge is returned so the caller can close it.
func newBridge(cfg *config.Config, log *logging.Logger) (*bridge, error) {
	b := &bridge{cfg: cfg, log: log}

	if err := b.openDatabase(); err != nil {
		return b, err
	}
	if err := b.connectInfluxDB(); err != nil {
		return b, err
	}
	b.telemetry = telemetry.NewRecorder(telemetryWriter(b.influx), cfg.Replica.ID)

	var store device.PresenceStore
	if cfg.Coordination.Enabled {
		if err := b.connectCoordination(); err != nil {
			return b, err
		}
		store = b.presence
	} else {
		log.Info("coordination disabled, running as a single replica")
		store = device.NewMemoryPresence()
	}

	b.registry = device.NewRegistry(cfg.Replica.ID, store, device.Options{
		MaxConnections: cfg.WebSocket.MaxConnections,
		LivenessWindow: config.Seconds(cfg.WebSocket.LivenessWindow),
	})
	b.registry.SetLogger(log.With("component", "registry"))

	queueDepth := 0
	if cfg.Jobs.BusyPolicy == config.BusyPolicyQueue {
		queueDepth = cfg.Jobs.QueueDepth
	}
	b.correlator = job.NewCorrelator(b.registry, job.Options{
		ReplicaID:      cfg.Replica.ID,
		DefaultTimeout: config.Seconds(cfg.Jobs.DefaultTimeout),
		MaxTimeout:     config.Seconds(cfg.Jobs.MaxTimeout),
		Retention:      config.Seconds(cfg.Jobs.Retention),
		QueueDepth:     queueDepth,
		MaxPayloadSize: cfg.Jobs.MaxPayloadSize,
	})
	b.correlator.SetLogger(log.With("component", "correlator"))
	b.correlator.AddObserver(b.telemetry)
	if b.recorder != nil {
		b.correlator.AddObserver(b.recorder)
	}

	var relay api.Relay
	if b.mqtt != nil {
		b.relay = cluster.NewRelay(b.mqtt, cfg.Replica.ID, b.mqtt.QoS(), b.correlator,
			config.Seconds(cfg.Coordination.RequestTimeout))
		b.relay.SetLogger(log.With("component", "relay"))
		relay = b.relay
	}

	deps := api.Deps{
		Config:     cfg.API,
		WS:         cfg.WebSocket,
		Jobs:       cfg.Jobs,
		Security:   cfg.Security,
		Logger:     log,
		Registry:   b.registry,
		Correlator: b.correlator,
		Relay:      relay,
		Telemetry:  b.telemetry,
		DB:         b.db,
		Version:    version,
	}
	if b.history != nil {
		deps.History = b.history
	}
	server, err := api.New(deps)
	if err != nil {
		return b, fmt.Errorf("creating API server: %w", err)
	}
	b.server = server
	return b, nil
}

func (b *bridge) openDatabase() error {
	if !b.cfg.Database.Enabled {
		b.log.Info("database disabled, command history off")
		return nil
	}
	db, err := database.Open(b.cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	b.log.Info("database ready", "path", db.Path())

	b.history = job.NewSQLiteHistoryStore(db.DB)
	b.recorder = job.NewHistoryRecorder(b.history, historyBuffer)
	b.recorder.SetLogger(b.log.With("component", "history"))
	return nil
}

func (b *bridge) connectInfluxDB() error {
	if !b.cfg.InfluxDB.Enabled {
		b.log.Info("InfluxDB disabled")
		return nil
	}
	client, err := influxdb.Connect(b.cfg.InfluxDB)
	if err != nil {
		return fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(err error) {
		b.log.Error("InfluxDB write error", "error", err)
	})
	b.influx = client
	b.log.Info("InfluxDB connected",
		"url", b.cfg.InfluxDB.URL,
		"org", b.cfg.InfluxDB.Org,
		"bucket", b.cfg.InfluxDB.Bucket,
	)
	return nil
}

func (b *bridge) connectCoordination() error {
	client, err := mqtt.Connect(b.cfg.MQTT, b.cfg.Replica.ID)
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	client.SetLogger(b.log)
	client.SetOnConnect(func() {
		b.log.Info("MQTT connected")
	})
	client.SetOnDisconnect(func(err error) {
		b.log.Warn("MQTT disconnected, coordination unavailable", "error", err)
	})
	b.mqtt = client
	b.log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", b.cfg.MQTT.Broker.Host, b.cfg.MQTT.Broker.Port),
		"client_id", b.cfg.MQTT.Broker.ClientID,
	)

	b.presence = cluster.NewPresence(client, b.cfg.Replica.ID, client.QoS())
	b.presence.SetLogger(b.log.With("component", "presence"))
	if err := b.presence.Start(); err != nil {
		return fmt.Errorf("starting presence: %w", err)
	}
	return nil
}

// start launches the relay, the API listener and the background loops.
func (b *bridge) start(ctx context.Context, g *errgroup.Group) error {
	if b.relay != nil {
		if err := b.relay.Start(); err != nil {
			return fmt.Errorf("starting relay: %w", err)
		}
	}

	if err := b.healthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	if err := b.server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}

	g.Go(func() error {
		b.correlator.Run(ctx, config.Seconds(b.cfg.Jobs.PurgeInterval))
		return nil
	})
	g.Go(func() error {
		b.registry.Run(ctx, config.Seconds(b.cfg.Coordination.PresenceRefresh))
		return nil
	})
	if b.recorder != nil {
		// The recorder outlives ctx so jobs failed during shutdown are
		// archived; close stops it before the database goes away.
		recCtx, stop := context.WithCancel(context.Background())
		b.stopRecorder = stop
		b.recorderDone = make(chan struct{})
		go func() {
			defer close(b.recorderDone)
			b.recorder.Run(recCtx)
		}()
		g.Go(func() error {
			b.pruneHistory(ctx)
			return nil
		})
	}
	return nil
}

// healthCheck verifies infrastructure connections before serving.
func (b *bridge) healthCheck(ctx context.Context) error {
	if b.db != nil {
		if err := b.db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if b.mqtt != nil {
		if err := b.mqtt.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if b.influx != nil {
		if err := b.influx.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// pruneHistory deletes history rows older than the retention period.
func (b *bridge) pruneHistory(ctx context.Context) {
	retention := time.Duration(b.cfg.Database.HistoryRetention) * time.Hour
	if retention <= 0 {
		return
	}
	ticker := time.NewTicker(historyPruneEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := b.history.Prune(ctx, retention)
			if err != nil {
				b.log.Warn("pruning job history failed", "error", err)
				continue
			}
			if n > 0 {
				b.log.Info("pruned job history", "rows", n)
			}
		}
	}
}

// shutdown stops accepting work, drains outstanding jobs for the grace
// period, then closes sessions and infrastructure.
func (b *bridge) shutdown() {
	b.server.BeginShutdown()
	b.registry.Shutdown()
	b.correlator.Shutdown()

	grace := config.Seconds(b.cfg.Shutdown.GracePeriod)
	drainCtx, cancel := context.WithTimeout(context.Background(), grace)
	if err := b.correlator.Drain(drainCtx); err != nil {
		b.log.Warn("grace period elapsed with jobs outstanding",
			"outstanding", b.correlator.Outstanding(),
		)
	}
	cancel()

	if n := b.registry.CloseAll(device.CloseReasonShutdown); n > 0 {
		b.log.Info("closed device sessions", "sessions", n)
		b.waitSessionsClosed()
	}
	if n := b.correlator.FailAll("bridge shutting down"); n > 0 {
		b.log.Warn("failed outstanding jobs", "jobs", n)
	}

	b.close()
}

// waitSessionsClosed gives closed sessions a moment to deregister and
// withdraw their presence before MQTT goes away.
func (b *bridge) waitSessionsClosed() {
	deadline := time.Now().Add(closeSessionsSettle)
	for b.registry.Count() > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
}

// close releases infrastructure in reverse order of creation. It is safe
// on a partially built bridge.
func (b *bridge) close() {
	if b.server != nil {
		if err := b.server.Close(); err != nil {
			b.log.Error("error closing API server", "error", err)
		}
	}
	if b.relay != nil {
		b.relay.Stop()
	}
	if b.presence != nil {
		b.presence.Stop()
	}
	if b.mqtt != nil {
		b.log.Info("disconnecting from MQTT")
		if err := b.mqtt.Close(); err != nil {
			b.log.Error("error closing MQTT", "error", err)
		}
	}
	if b.influx != nil {
		b.log.Info("closing InfluxDB connection")
		if err := b.influx.Close(); err != nil {
			b.log.Error("error closing InfluxDB", "error", err)
		}
	}
	if b.stopRecorder != nil {
		b.stopRecorder()
		<-b.recorderDone
	}
	if b.db != nil {
		b.log.Info("closing database")
		if err := b.db.Close(); err != nil {
			b.log.Error("error closing database", "error", err)
		}
	}
}
