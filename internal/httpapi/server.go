// Package httpapi is the collaborator HTTP surface: post CRUD, scheduling,
// immediate publish, the on-demand sweep trigger, usage and settings.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"postpipe/internal/dispatch"
	"postpipe/internal/ledger"
	"postpipe/internal/storage"
	"postpipe/pkg/logx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// Config controls the listener.
type Config struct {
	Enabled        bool
	Addr           string
	Token          string
	RequestTimeout time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	Pprof          bool
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "127.0.0.1:8080"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 60 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		// must outlive a sweep tick
		c.WriteTimeout = 90 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	return c
}

// Sweeper runs a tick on demand.
type Sweeper interface {
	SweepNow(ctx context.Context) dispatch.SweepReport
}

// Deps are the collaborators behind the handlers.
type Deps struct {
	Store     storage.Store
	Ledger    *ledger.Ledger
	Publisher *dispatch.Publisher
	Scheduler *dispatch.Scheduler
	Sweeper   Sweeper

	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// Server manages the listener lifecycle.
type Server struct {
	deps Deps
	log  logx.Logger

	mu   sync.Mutex
	srv  *http.Server
	ln   net.Listener
	addr string
	cfg  Config
}

func NewServer(deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Server{deps: deps, log: log}
}

// Handler builds the router for cfg.
func (s *Server) Handler(cfg Config) http.Handler {
	cfg = cfg.withDefaults()
	h := &handlers{deps: s.deps, log: s.log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.log))
	r.Use(middleware.Recoverer)

	if cfg.Pprof {
		r.Group(func(r chi.Router) {
			r.Use(bearerAuth(cfg.Token))
			r.Mount("/debug", middleware.Profiler())
		})
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/healthz", h.healthz)

		r.Group(func(r chi.Router) {
			r.Use(bearerAuth(cfg.Token))
			r.Use(middleware.Timeout(cfg.RequestTimeout))

			r.Route("/posts", func(r chi.Router) {
				r.Post("/", h.createPost)
				r.Get("/", h.listPosts)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", h.getPost)
					r.Put("/content", h.updateContent)
					r.Patch("/status", h.updateStatus)
					r.Post("/schedule", h.schedule)
					r.Delete("/schedule", h.unschedule)
					r.Post("/publish", h.publish)
					r.Get("/entries", h.listEntries)
				})
			})
			r.Get("/entries/{id}", h.getEntry)
			r.Post("/sweep", h.sweep)
			r.Get("/usage/{owner}", h.usage)
			r.Get("/settings/{owner}", h.getSettings)
			r.Put("/settings/{owner}", h.putSettings)
		})
	})
	return r
}

// Apply starts, restarts or stops the listener according to cfg.
func (s *Server) Apply(ctx context.Context, cfg Config) error {
	cfg = cfg.withDefaults()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !cfg.Enabled {
		s.stopLocked(ctx)
		return nil
	}
	if s.srv != nil && s.cfg == cfg {
		return nil
	}
	s.stopLocked(ctx)
	return s.startLocked(cfg)
}

func (s *Server) startLocked(cfg Config) error {
	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.Handler(cfg),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
	s.srv, s.ln, s.cfg = srv, ln, cfg
	s.addr = ln.Addr().String()

	addr := s.addr
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("http server error", logx.String("addr", addr), logx.Err(err))
		}
	}()
	s.log.Info("http api listening", logx.String("addr", addr), logx.Bool("auth", cfg.Token != ""), logx.Bool("pprof", cfg.Pprof))
	return nil
}

// Stop gracefully shuts down the listener.
func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(ctx)
}

func (s *Server) stopLocked(ctx context.Context) {
	if s.srv == nil {
		return
	}
	srv, ln, addr := s.srv, s.ln, s.addr
	s.srv, s.ln, s.addr = nil, nil, ""

	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("http shutdown error", logx.String("addr", addr), logx.Err(err))
	}
	_ = ln.Close()
	s.log.Info("http api stopped", logx.String("addr", addr))
}

// Addr reports the actual listen address if running.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}
