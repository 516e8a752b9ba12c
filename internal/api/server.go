// Package api exposes the agent-facing HTTP API and the WhatsApp webhook
// delivery endpoint.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/wacall/wacall/internal/api/middleware"
	"github.com/wacall/wacall/internal/config"
	"github.com/wacall/wacall/internal/database"
	"github.com/wacall/wacall/internal/engine"
	"github.com/wacall/wacall/internal/permission"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router *chi.Mux
	cfg    *config.Config

	engine *engine.Engine
	ledger *permission.Ledger

	calls   database.CallRepository
	perms   database.PermissionRepository
	numbers database.NumberRepository
	agents  database.AgentRepository

	jwtSecret []byte
	events    *eventHub

	apiLimiter  *middleware.IPRateLimiter
	authLimiter *middleware.IPRateLimiter
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(cfg *config.Config, eng *engine.Engine, ledger *permission.Ledger,
	calls database.CallRepository, perms database.PermissionRepository,
	numbers database.NumberRepository, agents database.AgentRepository,
	jwtSecret []byte) *Server {

	s := &Server{
		router:      chi.NewRouter(),
		cfg:         cfg,
		engine:      eng,
		ledger:      ledger,
		calls:       calls,
		perms:       perms,
		numbers:     numbers,
		agents:      agents,
		jwtSecret:   jwtSecret,
		events:      newEventHub(),
		apiLimiter:  middleware.NewIPRateLimiter(middleware.DefaultRateLimitConfig()),
		authLimiter: middleware.NewIPRateLimiter(middleware.AuthRateLimitConfig()),
	}

	eng.Subscribe(s.events)
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background goroutines owned by the server.
func (s *Server) Close() {
	s.apiLimiter.Stop()
	s.authLimiter.Stop()
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger)
	r.Use(middleware.Recoverer)
	if s.cfg.CORSOrigins != "" {
		r.Use(middleware.CORS(middleware.ParseCORSOrigins(s.cfg.CORSOrigins)))
	}

	// Provider webhook. Verified by token, not JWT: the GET handshake and
	// POST deliveries come from Meta, not agents.
	r.Route("/webhooks/whatsapp", func(r chi.Router) {
		r.Get("/", s.handleWebhookVerify)
		r.Post("/", s.handleWebhookEvent)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(s.apiLimiter))

		// Unauthenticated routes.
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RateLimit(s.authLimiter))
			r.Post("/auth/login", s.handleLogin)
		})

		// Agent routes.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(s.jwtSecret))

			r.Route("/calls", func(r chi.Router) {
				r.Post("/", s.handlePlaceCall)
				r.Get("/", s.handleListCalls)
				r.Route("/{callID}", func(r chi.Router) {
					r.Get("/", s.handleGetCall)
					r.Post("/accept", s.handleAcceptCall)
					r.Post("/decline", s.handleDeclineCall)
					r.Post("/hangup", s.handleHangupCall)
				})
			})

			r.Route("/permissions", func(r chi.Router) {
				r.Get("/", s.handleListPermissions)
				r.Post("/request", s.handleRequestPermission)
			})

			r.Route("/numbers", func(r chi.Router) {
				r.Get("/", s.handleListNumbers)
				r.Post("/", s.handleRegisterNumber)
			})

			r.Get("/events", s.handleEventStream)
		})
	})
}
