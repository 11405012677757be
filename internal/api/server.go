// Package api exposes a running simulation over HTTP and WebSocket: state
// and stats reads, parameter and mode control, boid management, PNG frames
// and a 10Hz snapshot broadcast.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/errors"
	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/go-chi/chi/v5"

	"flock-sim/internal/render"
)

// Config configures the API server.
type Config struct {
	Addr              string          `json:"addr" toml:"addr"`
	CORSOrigins       []string        `json:"corsOrigins" toml:"cors_origins"`
	RateLimit         RateLimitConfig `json:"rateLimit" toml:"rate_limit"`
	AdminToken        string          `json:"-" toml:"admin_token"`
	SecureCookie      bool            `json:"secureCookie" toml:"secure_cookie"`
	BroadcastInterval time.Duration   `json:"broadcastInterval" toml:"broadcast_interval"`
	Render            render.Options  `json:"render" toml:"render"`
	DisableLogging    bool            `json:"disableLogging" toml:"disable_logging"`
}

func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		RateLimit:         DefaultRateLimitConfig,
		BroadcastInterval: DefaultBroadcastInterval,
		Render:            render.DefaultOptions(),
	}
}

// Server combines the router, the WebSocket hub and the admin sessions.
type Server struct {
	sim         Simulator
	cfg         Config
	router      *chi.Mux
	hub         *Hub
	rateLimiter *IPRateLimiter
	sessions    *SessionManager
	stopOnce    sync.Once
}

// NewServer wires the router and hub. Nothing listens and no broadcast runs
// until Start.
func NewServer(s Simulator, cfg Config) *Server {
	srv := &Server{
		sim:         s,
		cfg:         cfg,
		hub:         NewHub(NewOriginPolicy(cfg.CORSOrigins)),
		rateLimiter: NewIPRateLimiter(cfg.RateLimit),
		sessions:    NewSessionManager(cfg.AdminToken, cfg.SecureCookie),
	}

	srv.router = NewRouter(RouterConfig{
		Simulator:      s,
		RateLimiter:    srv.rateLimiter,
		CORSOrigins:    cfg.CORSOrigins,
		Sessions:       srv.sessions,
		Render:         cfg.Render,
		Clients:        srv.hub.ClientCount,
		DisableLogging: cfg.DisableLogging,
	})
	srv.router.Get("/ws", srv.hub.HandleWebSocket)
	return srv
}

// Router returns the handler for use with httptest.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// StartBackground runs the hub and the snapshot broadcast.
func (s *Server) StartBackground() {
	s.hub.Start()
	s.hub.StartBroadcastLoop(s.sim, s.cfg.BroadcastInterval)
}

// Start serves the API on cfg.Addr, plus any extra servers such as the
// debug server, until ctx is done.
func (s *Server) Start(ctx context.Context, extra ...*http.Server) {
	s.StartBackground()

	servers := []*http.Server{{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}}
	for _, e := range extra {
		if e != nil {
			servers = append(servers, e)
		}
	}
	ListenAndServe(ctx, servers...)
	s.Stop()
}

// Stop ends background workers.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.hub.Stop()
		s.rateLimiter.Stop()
		s.sessions.Stop()
	})
}

// ListenAndServe runs every server until ctx is done, then shuts them down.
func ListenAndServe(ctx context.Context, servers ...*http.Server) {
	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, s := range servers {
			if err := s.Shutdown(shutdownCtx); err != nil {
				logs.Warn(errors.New("shutting down the server failed").
					WithTag("addr", s.Addr).
					Wrap(err))
			}
		}
	}()

	var wg sync.WaitGroup
	for _, s := range servers {
		wg.Add(1)

		go func(s *http.Server) {
			defer wg.Done()

			logs.WithTag("addr", s.Addr).Info("starting server")

			switch err := s.ListenAndServe(); err {
			case nil, http.ErrServerClosed, context.Canceled:
				logs.WithTag("addr", s.Addr).Info("stopping server")

			default:
				logs.Warn(errors.New("server stopped").
					WithTag("addr", s.Addr).
					Wrap(err))
			}
		}(s)
	}
	wg.Wait()
}
