package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/aukilabs/go-tooling/pkg/logs"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"flock-sim/internal/boids"
	"flock-sim/internal/render"
	"flock-sim/internal/sim"
	"flock-sim/internal/spatial"
)

// Simulator is the part of *sim.Simulator the API drives.
type Simulator interface {
	Snapshot() *sim.Snapshot
	LastStats() sim.TickStats
	IndexStats() spatial.Stats
	Config() sim.Config
	BoidCount() int
	Visualizing() bool
	Running() bool
	Events() *sim.EventLog

	Params() boids.Params
	Mode() spatial.Mode
	SetMode(mode spatial.Mode)
	SetAutoSwitchThreshold(n int)
	SetRefreshInterval(seconds float32) float32

	// As scopes mutations that log events to a client.
	As(source string) *sim.Actor

	ToggleVisualization() bool
	VisualizationData() []spatial.NodeVisual
	ColliderBoxes() []spatial.Bounds
}

// RouterConfig holds the router's dependencies. Only Simulator is
// required.
type RouterConfig struct {
	Simulator Simulator

	// RateLimiter is used as is when set. Otherwise one is built from
	// RateLimitConfig, or DefaultRateLimitConfig when that is nil too.
	RateLimiter     *IPRateLimiter
	RateLimitConfig *RateLimitConfig

	// CORSOrigins defaults to DefaultOrigins.
	CORSOrigins []string

	// Sessions guards mutating routes. Nil leaves them open.
	Sessions *SessionManager

	// Render configures GET /api/frame.png.
	Render render.Options

	// Clients reports connected WebSocket clients for /api/stats.
	Clients func() int

	DisableLogging bool
}

type routerHandlers struct {
	sim     Simulator
	limiter *IPRateLimiter
	frames  *frameRenderers
	clients func() int
}

// frameRenderers lazily builds one renderer per projection plane.
type frameRenderers struct {
	mu        sync.Mutex
	opts      render.Options
	renderers map[render.Plane]*render.Renderer
}

func (f *frameRenderers) renderer(plane render.Plane) *render.Renderer {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r, ok := f.renderers[plane]; ok {
		return r
	}
	opts := f.opts
	opts.Plane = plane
	r := render.NewRenderer(opts)
	f.renderers[plane] = r
	return r
}

// NewRouter builds the HTTP router. It starts no goroutine beyond the rate
// limiter cleanup and opens no listener, so it can back an httptest server.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	if !cfg.DisableLogging {
		r.Use(requestLogger)
	}
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)

	rateLimiter := cfg.RateLimiter
	if rateLimiter == nil {
		rateLimitCfg := DefaultRateLimitConfig
		if cfg.RateLimitConfig != nil {
			rateLimitCfg = *cfg.RateLimitConfig
		}
		rateLimiter = NewIPRateLimiter(rateLimitCfg)
	}
	r.Use(rateLimiter.Middleware)

	origins := NewOriginPolicy(cfg.CORSOrigins)
	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			return origins.Allowed(origin)
		},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	renderOpts := cfg.Render
	if renderOpts.Palette == (render.Palette{}) {
		renderOpts.Palette = render.DefaultPalette()
	}
	h := &routerHandlers{
		sim:     cfg.Simulator,
		limiter: rateLimiter,
		frames: &frameRenderers{
			opts:      renderOpts,
			renderers: make(map[render.Plane]*render.Renderer),
		},
		clients: cfg.Clients,
	}

	guard := func(next http.Handler) http.Handler { return next }
	if cfg.Sessions != nil {
		guard = cfg.Sessions.Middleware
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/state", h.handleGetState)
		r.Get("/stats", h.handleGetStats)
		r.Get("/params", h.handleGetParams)
		r.Get("/visualization", h.handleGetVisualization)
		r.Get("/colliders", h.handleGetColliders)
		r.Get("/events", h.handleGetEvents)
		r.Get("/frame.png", h.handleGetFrame)

		if cfg.Sessions != nil {
			r.Post("/login", cfg.Sessions.HandleLogin)
			r.Post("/logout", cfg.Sessions.HandleLogout)
			r.Get("/auth/status", cfg.Sessions.HandleAuthStatus)
		}

		r.Group(func(r chi.Router) {
			r.Use(guard)

			r.Put("/params", h.handlePutParams)
			r.Post("/mode", h.handlePostMode)
			r.Put("/refresh", h.handlePutRefresh)
			r.Post("/resize", h.handlePostResize)
			r.Put("/colliders", h.handlePutColliders)

			r.Post("/boids", h.handlePostBoids)
			r.Delete("/boids/{index}", h.handleDeleteBoid)
			r.Post("/restart", h.handleRestart)

			r.Post("/visualization/toggle", h.handleToggleVisualization)
		})
	})

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/api/stats", http.StatusFound)
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		logs.WithTag("method", r.Method).
			WithTag("path", r.URL.Path).
			WithTag("status", ww.Status()).
			WithTag("duration", time.Since(start).String()).
			WithTag("ip", GetClientIP(r)).
			Debug("http request")
	})
}
