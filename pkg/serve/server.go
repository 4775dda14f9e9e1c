// Package serve exposes the control plane over HTTP: JSON endpoints for
// runs, process control, notifications and the autopilot, plus snapshot
// streams over server-sent events and WebSocket.
package serve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gofrs/flock"
	"github.com/sarveshkapre/clone/pkg/alerts"
	"github.com/sarveshkapre/clone/pkg/audit"
	"github.com/sarveshkapre/clone/pkg/log"
	"go.uber.org/zap"
)

const (
	// LockFile guards against two servers sharing one logs directory.
	LockFile = "control-plane-server.lock"

	defaultHost = "127.0.0.1"
	defaultPort = 8787

	defaultPoll = 5 * time.Second
	minPoll     = time.Second
	maxPoll     = 60 * time.Second

	maxBodyBytes    = 1 << 20
	shutdownTimeout = 5 * time.Second
)

// ErrAlreadyRunning is returned by Start when another server holds the
// logs directory lock.
var ErrAlreadyRunning = errors.New("another control plane server is running for this logs directory")

// Config configures a Server.
type Config struct {
	Host string
	Port int

	// Thresholds are the alert thresholds used when a request does not
	// override them.
	Thresholds alerts.Thresholds
	// PollInterval is the default stream period.
	PollInterval time.Duration

	Audit audit.Recorder
}

// Server serves the control plane API.
type Server struct {
	cfg    Config
	snap   *Snapshotter
	audit  audit.Recorder
	server *http.Server

	startedAt time.Time
	now       func() time.Time
}

// New creates a server around a snapshotter.
func New(cfg Config, snap *Snapshotter) (*Server, error) {
	if snap == nil {
		return nil, fmt.Errorf("snapshotter is required")
	}
	if cfg.Host == "" {
		cfg.Host = defaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = defaultPort
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPoll
	}
	if cfg.Thresholds == (alerts.Thresholds{}) {
		cfg.Thresholds = alerts.DefaultThresholds()
	}
	cfg.Thresholds = cfg.Thresholds.Normalize()
	if cfg.Audit == nil {
		cfg.Audit = audit.Discard{}
	}

	s := &Server{
		cfg:   cfg,
		snap:  snap,
		audit: cfg.Audit,
		now:   time.Now,
	}
	s.startedAt = s.now()
	s.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(log.Get().Desugar()),
	}
	return s, nil
}

// Addr is the listen address.
func (s *Server) Addr() string {
	return s.server.Addr
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	mux.HandleFunc("GET /api/stream", s.handleStream)
	mux.HandleFunc("GET /api/v1/stream", s.handleEnvelopeStream)
	mux.HandleFunc("GET /api/v1/ws", s.handleWebSocket)
	mux.HandleFunc("GET /api/diagnostics", s.handleDiagnostics)

	mux.HandleFunc("GET /api/runs", s.handleRuns)
	mux.HandleFunc("GET /api/runs/{id}", s.handleRunDetails)
	mux.HandleFunc("GET /api/runs/{id}/log", s.handleRunLog)
	mux.HandleFunc("GET /api/repos", s.handleRepos)

	mux.HandleFunc("GET /api/control/status", s.handleControlStatus)
	mux.HandleFunc("POST /api/control/start", s.handleStart)
	mux.HandleFunc("POST /api/control/stop", s.handleStop)
	mux.HandleFunc("POST /api/control/restart", s.handleRestart)
	mux.HandleFunc("POST /api/control/normalize", s.handleNormalize)

	mux.HandleFunc("GET /api/notifications/config", s.handleNotifyConfig)
	mux.HandleFunc("POST /api/notifications/config", s.handleNotifyConfigUpdate)
	mux.HandleFunc("GET /api/notifications/events", s.handleNotifyEvents)
	mux.HandleFunc("POST /api/notifications/test", s.handleNotifyTest)

	mux.HandleFunc("GET /api/agent/config", s.handleAgentConfig)
	mux.HandleFunc("POST /api/agent/config", s.handleAgentConfigUpdate)
	mux.HandleFunc("GET /api/agent/status", s.handleAgentStatus)
	mux.HandleFunc("POST /api/agent/run-next", s.handleAgentRunNext)
	mux.HandleFunc("POST /api/agent/run-plan", s.handleAgentRunPlan)
	mux.HandleFunc("POST /api/agent/tick", s.handleAgentTick)
	return mux
}

// Start serves until ctx is cancelled. Only one server may run per logs
// directory.
func (s *Server) Start(ctx context.Context) error {
	logsDir := s.snap.Runs.LogsDir()
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}
	lock := flock.New(filepath.Join(logsDir, LockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire server lock: %w", err)
	}
	if !locked {
		return ErrAlreadyRunning
	}
	defer lock.Unlock()

	log.Progress("control plane listening", "addr", s.server.Addr, "logs_dir", logsDir)
	s.audit.Record("server", map[string]interface{}{"event": "started", "addr": s.server.Addr, "pid": os.Getpid()})

	errChan := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("control plane server failed: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down control plane server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		s.audit.Record("server", map[string]interface{}{"event": "stopped", "addr": s.server.Addr})
		return nil
	case err := <-errChan:
		log.Error("control plane server stopped", "addr", s.server.Addr, "error", err)
		return err
	}
}

// pollInterval reads the "poll" query parameter in seconds, clamped to
// [1,60].
func (s *Server) pollInterval(r *http.Request) time.Duration {
	d := s.cfg.PollInterval
	if raw := r.URL.Query().Get("poll"); raw != "" {
		if secs, err := strconv.ParseFloat(raw, 64); err == nil {
			d = time.Duration(secs * float64(time.Second))
		}
	}
	if d < minPoll {
		d = minPoll
	}
	if d > maxPoll {
		d = maxPoll
	}
	return d
}
