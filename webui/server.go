// Package webui serves the local control API: JSON endpoints that drive the
// session, a websocket that streams session snapshots, and /metrics.
package webui

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"localdream/core"
	"localdream/logging"
	"localdream/metrics"
	"localdream/models"
	"localdream/session"
	"localdream/webui/auth"
)

// Config configures the server.
type Config struct {
	Host string
	Port int

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// PasswordHash enables Basic authentication when set. /health stays open.
	PasswordHash string
	Auth         auth.Config

	// LogSkipPaths are not request-logged.
	LogSkipPaths []string

	Broadcaster BroadcasterConfig
}

// DefaultConfig returns loopback defaults.
func DefaultConfig() Config {
	return Config{
		Host:            core.DefaultWebUIHost,
		Port:            core.DefaultWebUIPort,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    2 * time.Minute,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		LogSkipPaths:    []string{"/health", "/metrics", "/api/state"},
		Broadcaster:     DefaultBroadcasterConfig(),
	}
}

// Deps are what the handlers drive.
type Deps struct {
	Session Controller

	// Changes feeds the websocket broadcaster. Optional.
	Changes func() SnapshotSource

	Catalog *models.Catalog
	Metrics metrics.Collector
	Tracker Tracker
	Logger  *logging.Logger
}

// SnapshotSource is a subscription to session snapshots.
type SnapshotSource interface {
	Next(ctx context.Context) (session.Snapshot, error)
	Close()
}

// Server is the control API HTTP server.
type Server struct {
	cfg         Config
	logger      *logging.Logger
	http        *http.Server
	api         *API
	broadcaster *Broadcaster
	changes     func() SnapshotSource
}

// NewServer wires routes and middleware.
func NewServer(cfg Config, deps Deps) (*Server, error) {
	if deps.Session == nil || deps.Catalog == nil {
		return nil, errors.New("webui: session and catalog are required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Tracker == nil {
		deps.Tracker = untracked{}
	}
	logger := deps.Logger.Named("webui")

	api := &API{
		session: deps.Session,
		catalog: deps.Catalog,
		metrics: deps.Metrics,
		tracker: deps.Tracker,
		logger:  logger,
	}
	s := &Server{
		cfg:         cfg,
		logger:      logger,
		api:         api,
		broadcaster: NewBroadcaster(cfg.Broadcaster, deps.Session.Snapshot, logger),
		changes:     deps.Changes,
	}

	protected := http.NewServeMux()
	api.register(protected)
	protected.HandleFunc("GET /ws", s.broadcaster.HandleConnection)
	if deps.Metrics != nil {
		protected.Handle("GET /metrics", deps.Metrics.Handler())
	}

	var guarded http.Handler = protected
	if cfg.PasswordHash != "" {
		guarded = auth.New(cfg.PasswordHash, cfg.Auth, logger).Handler(protected)
	}

	root := http.NewServeMux()
	root.HandleFunc("GET /health", s.handleHealth)
	root.Handle("/", guarded)

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      NewLoggingMiddleware(logger, cfg.LogSkipPaths...).Handler(root),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

func (api *API) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/models", api.handleModels)
	mux.HandleFunc("POST /api/models/{id}/open", api.handleOpen)
	mux.HandleFunc("GET /api/state", api.handleState)
	mux.HandleFunc("GET /api/status", api.handleStatus)
	mux.HandleFunc("PATCH /api/params", api.handleParams)
	mux.HandleFunc("POST /api/image", api.handleSelectImage)
	mux.HandleFunc("DELETE /api/image", api.handleClearImage)
	mux.HandleFunc("POST /api/mask", api.handleSetMask)
	mux.HandleFunc("GET /api/mask/strokes", api.handleMaskStrokes)
	mux.HandleFunc("POST /api/generate", api.handleGenerate)
	mux.HandleFunc("POST /api/stop", api.handleStop)
	mux.HandleFunc("POST /api/seed/last", api.handleLastSeed)
	mux.HandleFunc("POST /api/reset", api.handleReset)
	mux.HandleFunc("GET /api/result.png", api.handleResult)
	mux.HandleFunc("POST /api/save", api.handleSave)
	mux.HandleFunc("POST /api/report", api.handleReport)
	mux.HandleFunc("GET /api/history", api.handleHistory)
	mux.HandleFunc("POST /api/dismiss", api.handleDismiss)
	mux.HandleFunc("POST /api/exit", api.handleExit)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.api.session.Snapshot()
	s.api.writeJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"version":       core.Version,
		"model_id":      snap.ModelID,
		"backend":       snap.BackendStatus,
		"backend_ready": snap.BackendReady,
	})
}

// Handler exposes the full middleware chain, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) Addr() string {
	return s.http.Addr
}

// Broadcaster returns the websocket broadcaster.
func (s *Server) Broadcaster() *Broadcaster {
	return s.broadcaster
}

// Serve runs the broadcaster and serves on ln until Shutdown.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.changes != nil {
		go s.broadcaster.Run(ctx, s.changes())
	}
	s.logger.Info("control API listening",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("auth", s.cfg.PasswordHash != ""))

	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("control API: %w", err)
	}
	return nil
}

// ListenAndServe listens on the configured address and serves.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("control API: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Shutdown stops accepting requests, waits for active ones and closes
// websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
		defer cancel()
	}
	s.broadcaster.Close()
	if err := s.http.Shutdown(ctx); err != nil {
		return fmt.Errorf("control API shutdown: %w", err)
	}
	s.logger.Info("control API stopped")
	return nil
}
