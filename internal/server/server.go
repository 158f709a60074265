package server

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/michaelbrown/runbox/internal/config"
	"github.com/michaelbrown/runbox/internal/limiter"
	"github.com/michaelbrown/runbox/internal/storage"
	"github.com/michaelbrown/runbox/internal/supervisor"
)

// Server is the HTTP and websocket front end of the supervisor.
type Server struct {
	cfg      *config.Config
	ctrl     *supervisor.Controller
	ledger   storage.Ledger
	limiter  *limiter.RateLimiter
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	router   chi.Router
	http     *http.Server
	stop     chan struct{}
}

// New creates a new Server. ledger may be nil.
func New(cfg *config.Config, ctrl *supervisor.Controller, ledger storage.Ledger, logger zerolog.Logger) *Server {
	rl := cfg.Server.RateLimit
	s := &Server{
		cfg:     cfg,
		ctrl:    ctrl,
		ledger:  ledger,
		limiter: limiter.NewRateLimiter(rl.GlobalRPS, rl.PerIPRPS, rl.PerIPBurst, rl.MaxConnections),
		logger:  logger.With().Str("component", "server").Logger(),
		router:  chi.NewRouter(),
		stop:    make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Use(jsonContentType)

		r.Get("/health", s.handleHealth)
		r.Get("/suite", s.handleSuite)
		r.Get("/sessions", s.handleListSessions)
		r.Get("/sandboxes", s.handleListSandboxes)
	})

	r.With(s.limiter.Middleware).Get("/ws", s.handleWebSocket)
	r.Handle("/metrics", promhttp.Handler())
}

// jsonContentType sets Content-Type to application/json for API routes.
func jsonContentType(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// checkOrigin admits every origin unless server.allowed_origins is set.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Server.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	return slices.Contains(allowed, r.Header.Get("Origin"))
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening on the given port.
func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.limiter.StartCleanup(time.Minute, s.stop)

	s.logger.Info().Str("addr", addr).Msg("runbox server starting")
	return s.http.ListenAndServe()
}

// Shutdown stops accepting connections, then disconnects every client and
// waits for their sandboxes to be destroyed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down server")
	close(s.stop)

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var httpErr error
	if s.http != nil {
		httpErr = s.http.Shutdown(shutdownCtx)
	}
	if err := s.ctrl.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("releasing sandboxes: %w", err)
	}
	return httpErr
}
