package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Public routes (no auth required)
		r.Get("/health", h.Health)

		// Protected routes. An empty key disables auth for local-only use.
		r.Group(func(r chi.Router) {
			if h.apiKey != "" {
				r.Use(AuthMiddleware(h.apiKey))
			}

			r.Get("/status", h.Status)
			r.Get("/queue", h.Queue)
			r.Post("/queue", h.Enqueue)
			r.Post("/sync", h.TriggerSync)

			r.Get("/conflicts", h.ListConflicts)
			r.Get("/conflicts/{id}", h.GetConflict)
			r.Post("/conflicts/{id}", h.ResolveConflict)

			r.Get("/dead-letters", h.ListDeadLetters)
			r.Post("/dead-letters/{id}/requeue", h.RequeueDeadLetter)

			r.Get("/snapshot", h.SnapshotURL)

			r.Get("/events", h.Events)
		})
	})

	return r
}
