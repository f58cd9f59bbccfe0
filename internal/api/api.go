// Package api provides the HTTP REST API server and the live room endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/good-yellow-bee/cowork/internal/api/health"
	"github.com/good-yellow-bee/cowork/internal/api/live"
	"github.com/good-yellow-bee/cowork/internal/api/middleware"
	"github.com/good-yellow-bee/cowork/internal/assistant"
	"github.com/good-yellow-bee/cowork/internal/bus"
	"github.com/good-yellow-bee/cowork/internal/room"
	"github.com/good-yellow-bee/cowork/internal/security"
	"github.com/good-yellow-bee/cowork/internal/storage"
)

// Config contains HTTP API server configuration.
type Config struct {
	Address          string
	JWTSecret        []byte
	TokenTTL         time.Duration // Lifetime of tokens minted by the server's token command
	TLSEnabled       bool
	TLSCertFile      string
	TLSKeyFile       string
	RateLimitPerUser int // Requests per minute
	RateLimitBurst   int
	AssistantTimeout time.Duration // Bound for one-shot prompts
	Live             live.Config
	Version          string // Reported by /health
	Verbose          bool
}

// SetDefaults applies default values for missing configuration.
func (c *Config) SetDefaults() {
	if c.Address == "" {
		c.Address = ":8080"
	}
	if c.TokenTTL == 0 {
		c.TokenTTL = 24 * time.Hour
	}
	if c.RateLimitPerUser == 0 {
		c.RateLimitPerUser = 300
	}
	if c.RateLimitBurst == 0 {
		c.RateLimitBurst = 60
	}
	if c.AssistantTimeout == 0 {
		c.AssistantTimeout = 2 * time.Minute
	}
	c.Live.SetDefaults()
}

// Deps are the collaborators the server routes requests to.
type Deps struct {
	Storage storage.Storage
	Rooms   *room.Manager
	Bus     *bus.Bus
	// Generator serves one-shot prompts. Nil disables the endpoint.
	Generator assistant.Generator
}

// Server is the HTTP API server.
type Server struct {
	config        *Config
	deps          Deps
	logger        *zap.Logger
	server        *http.Server
	healthHandler *health.Handler
	userLimiter   *middleware.RateLimiter
}

// New creates a new API server.
func New(cfg *Config, deps Deps, logger *zap.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.Storage == nil || deps.Rooms == nil || deps.Bus == nil {
		return nil, fmt.Errorf("storage, rooms and bus are required")
	}
	if len(cfg.JWTSecret) == 0 {
		return nil, fmt.Errorf("JWT secret is required")
	}

	cfg.SetDefaults()

	s := &Server{
		config: cfg,
		deps:   deps,
		logger: logger,
		healthHandler: health.NewHandler(cfg.Version, func() health.Stats {
			return health.Stats{Rooms: deps.Rooms.Rooms(), Peers: deps.Rooms.Peers()}
		}),
		userLimiter: middleware.NewRateLimiter(cfg.RateLimitPerUser, cfg.RateLimitBurst),
	}

	s.server = &http.Server{
		Addr:        cfg.Address,
		Handler:     s.setupRouter(),
		ReadTimeout: 15 * time.Second,
		// WebSocket and event stream connections live for the whole session,
		// so there is no global write timeout.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	if cfg.TLSEnabled {
		tlsConfig, err := security.LoadServerTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, err
		}
		s.server.TLSConfig = tlsConfig
	}

	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Run starts the HTTP server and blocks until context is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Address, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is canceled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	errChan := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)
	go s.userLimiter.RunCleanup(5*time.Minute, stop)

	go func() {
		s.logger.Info("HTTP API listening", zap.String("address", ln.Addr().String()), zap.Bool("tls", s.config.TLSEnabled))
		var err error
		if s.config.TLSEnabled {
			err = s.server.ServeTLS(ln, "", "")
		} else {
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down HTTP API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		// Hijacked WebSocket connections are not tracked by Shutdown.
		s.deps.Rooms.Close()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// RegisterHealthChecker adds a health checker to the server.
func (s *Server) RegisterHealthChecker(c health.Checker) {
	if s.healthHandler != nil {
		s.healthHandler.RegisterChecker(c)
	}
}
