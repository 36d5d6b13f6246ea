package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tavstaldev/rebus-core/internal/audit"
	"github.com/tavstaldev/rebus-core/internal/entity"
	"github.com/tavstaldev/rebus-core/internal/infrastructure/config"
	"github.com/tavstaldev/rebus-core/internal/infrastructure/logging"
	"github.com/tavstaldev/rebus-core/internal/syncengine"
)

// gracefulShutdownTimeout bounds how long Close waits for in-flight requests.
const gracefulShutdownTimeout = 10 * time.Second

// Registry is the state surface the API serves. *state.Registry implements it.
type Registry interface {
	Read(key entity.Key) entity.Snapshot
	Delete(key entity.Key) (entity.Snapshot, error)
	Subscribe(fn func(entity.Snapshot))
	Status() syncengine.Status
	KeyStatus(key entity.Key) (syncengine.KeyStatus, bool)
	Retry(key entity.Key) bool
	RetryAll() int
	FlushNow(ctx context.Context) (int, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Registry Registry
	Version  string

	// Audit records operator actions. Optional; GET /audit answers 503
	// without it.
	Audit audit.Repository
}

// Server is the operator HTTP API server.
type Server struct {
	cfg      config.APIConfig
	wsCfg    config.WebSocketConfig
	secCfg   config.SecurityConfig
	logger   *logging.Logger
	registry Registry
	audit    audit.Repository
	version  string
	started  time.Time
	server   *http.Server
	hub      *Hub
	cancel   context.CancelFunc
}

// New creates an API server and subscribes its WebSocket hub to registry
// changes. Nothing listens until Start.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("entity registry is required")
	}

	s := &Server{
		cfg:      deps.Config,
		wsCfg:    deps.WS,
		secCfg:   deps.Security,
		logger:   deps.Logger,
		registry: deps.Registry,
		audit:    deps.Audit,
		version:  deps.Version,
		started:  time.Now(),
		hub:      NewHub(deps.WS, deps.Logger),
	}
	s.registry.Subscribe(func(snap entity.Snapshot) {
		s.hub.Broadcast(ChannelEntityUpdated, newEntityView(snap, nil))
	})
	return s, nil
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start runs the WebSocket hub and begins listening in the background.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server listening", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Close stops the hub and waits up to gracefulShutdownTimeout for in-flight
// requests.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck reports an error until Start has been called.
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
