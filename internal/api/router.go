package api

import (
	"github.com/go-chi/chi/v5"

	"github.com/good-yellow-bee/cowork/internal/api/ai"
	"github.com/good-yellow-bee/cowork/internal/api/auth"
	"github.com/good-yellow-bee/cowork/internal/api/live"
	"github.com/good-yellow-bee/cowork/internal/api/messages"
	"github.com/good-yellow-bee/cowork/internal/api/middleware"
	"github.com/good-yellow-bee/cowork/internal/api/projects"
	"github.com/good-yellow-bee/cowork/internal/api/users"
)

// setupRouter creates and configures the chi router with all routes.
func (s *Server) setupRouter() *chi.Mux {
	r := chi.NewRouter()

	jwtService := auth.NewJWTService(s.config.JWTSecret, s.config.TokenTTL)
	authenticator := middleware.NewAuthenticator(jwtService, s.deps.Storage.Users(), s.logger)
	requireMember := middleware.RequireMember(s.deps.Storage.Projects(), s.logger)

	projectHandler := projects.NewHandler(s.deps.Storage, s.deps.Bus, s.deps.Rooms, s.logger)
	messageHandler := messages.NewHandler(s.deps.Bus, s.logger)
	liveHandler := live.NewHandler(s.deps.Bus, s.deps.Rooms, s.config.Live, s.logger)
	userHandler := users.NewHandler(s.deps.Storage.Users(), s.logger)
	aiHandler := ai.NewHandler(s.deps.Generator, s.config.AssistantTimeout, s.logger)

	// Global middleware
	r.Use(middleware.RequestLogger(s.logger, s.config.Verbose))
	r.Use(middleware.PrometheusMiddleware)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.Recoverer(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(authenticator.JWTAuth)
		r.Use(middleware.RateLimitByUser(s.userLimiter))

		r.Get("/assistant", aiHandler.Result)
		r.Get("/users/me", userHandler.Me)
		r.Get("/users", userHandler.Lookup)

		r.Route("/projects", func(r chi.Router) {
			r.Get("/", projectHandler.List)
			r.Post("/", projectHandler.Create)

			r.Route("/{id}", func(r chi.Router) {
				r.Use(requireMember)

				r.Get("/", projectHandler.Get)
				r.Delete("/", projectHandler.Delete)
				r.Put("/description", projectHandler.UpdateDescription)
				r.Put("/file-tree", projectHandler.SaveFileTree)

				r.Get("/members", projectHandler.ListMembers)
				r.Post("/members", projectHandler.AddMembers)
				r.Delete("/members/{userId}", projectHandler.RemoveMember)

				r.Get("/messages", messageHandler.List)
				r.Post("/messages", messageHandler.Post)

				r.Get("/ws", liveHandler.WebSocket)
				r.Get("/events", liveHandler.Events)
			})
		})
	})

	// Health checks (public, no rate limit)
	r.Get("/health", s.healthHandler.Health)
	r.Get("/health/live", s.healthHandler.Live)
	r.Get("/health/ready", s.healthHandler.Ready)

	return r
}
