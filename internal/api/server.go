package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/nerrad567/rt809f-bridge/internal/device"
	"github.com/nerrad567/rt809f-bridge/internal/infrastructure/config"
	"github.com/nerrad567/rt809f-bridge/internal/infrastructure/database"
	"github.com/nerrad567/rt809f-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/rt809f-bridge/internal/job"
	"github.com/nerrad567/rt809f-bridge/internal/telemetry"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Relay forwards job operations to the replica that owns a device or job.
// *cluster.Relay satisfies it.
type Relay interface {
	Submit(ctx context.Context, replica, deviceID string, payload json.RawMessage, timeout time.Duration) (job.Job, error)
	Get(ctx context.Context, replica, jobID string, wait time.Duration) (job.Job, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Jobs       config.JobsConfig
	Security   config.SecurityConfig
	Logger     *logging.Logger
	Registry   *device.Registry
	Correlator *job.Correlator

	// Relay is nil when coordination is disabled.
	Relay Relay

	// History is nil when the database is disabled.
	History job.HistoryStore

	// Telemetry observes device sessions. Optional.
	Telemetry *telemetry.Recorder

	// DB is reported in /api/metrics when set.
	DB *database.DB

	Version string
}

// Server is the HTTP API server for the bridge.
//
// It manages the HTTP listener, routes, middleware and device WebSocket
// upgrades. The server is created with New() and started with Start().
type Server struct {
	cfg        config.APIConfig
	wsCfg      config.WebSocketConfig
	jobsCfg    config.JobsConfig
	secCfg     config.SecurityConfig
	logger     *logging.Logger
	registry   *device.Registry
	correlator *job.Correlator
	relay      Relay
	history    job.HistoryStore
	telemetry  *telemetry.Recorder
	db         *database.DB
	version    string
	startTime  time.Time
	limiter    *clientLimiter

	shuttingDown atomic.Bool

	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc // cancels background goroutines on Close()
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, registry, correlator)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if deps.Correlator == nil {
		return nil, fmt.Errorf("job correlator is required")
	}
	if deps.Security.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}

	s := &Server{
		cfg:        deps.Config,
		wsCfg:      deps.WS,
		jobsCfg:    deps.Jobs,
		secCfg:     deps.Security,
		logger:     deps.Logger,
		registry:   deps.Registry,
		correlator: deps.Correlator,
		relay:      deps.Relay,
		history:    deps.History,
		telemetry:  deps.Telemetry,
		db:         deps.DB,
		version:    deps.Version,
		startTime:  time.Now(),
	}
	if rl := deps.Security.RateLimit; rl.Enabled {
		s.limiter = newClientLimiter(rl.RequestsPerMinute, rl.Burst)
	}
	return s, nil
}

// Start begins listening for HTTP connections.
//
// The listener is bound before Start returns, so a port conflict is
// reported to the caller. Serving happens in a background goroutine.
//
// Parameters:
//   - ctx: Parent context for background goroutines
//
// Returns:
//   - error: If the server fails to start (port in use, etc.)
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if s.limiter != nil {
		go s.limiter.cleanLoop(srvCtx)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       config.Seconds(s.cfg.Timeouts.Read),
		ReadHeaderTimeout: config.Seconds(s.cfg.Timeouts.Read),
		WriteTimeout:      config.Seconds(s.cfg.Timeouts.Write),
		IdleTimeout:       config.Seconds(s.cfg.Timeouts.Idle),
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.listener = ln

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", ln.Addr().String(),
				"cert", s.cfg.TLS.CertFile,
			)
			err = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// BeginShutdown makes the server refuse new submissions and device
// upgrades with 503. In-flight requests and sessions are unaffected.
func (s *Server) BeginShutdown() {
	if s.shuttingDown.CompareAndSwap(false, true) {
		s.logger.Info("API server refusing new work")
	}
}

// ShuttingDown reports whether BeginShutdown has been called.
func (s *Server) ShuttingDown() bool {
	return s.shuttingDown.Load()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	s.BeginShutdown()

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running and responsive.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: nil if healthy, error describing the issue otherwise
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	if s.ShuttingDown() {
		return fmt.Errorf("api server shutting down")
	}
	return nil
}
