package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Guards are optional middlewares applied to mutating agent routes.
type Guards struct {
	Idempotency func(http.Handler) http.Handler // lifecycle commands
	InboxLimit  func(http.Handler) http.Handler // per-recipient message rate
}

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers, g Guards) {
	r.Get("/health", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", h.GetVersion)

		r.Route("/agents", func(r chi.Router) {
			r.Get("/", h.ListAgents)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetAgent)

				r.Group(func(r chi.Router) {
					if g.Idempotency != nil {
						r.Use(g.Idempotency)
					}
					r.Post("/pause", h.PauseAgent)
					r.Post("/resume", h.ResumeAgent)
					r.Post("/evolve", h.EvolveAgent)
					r.Delete("/", h.DeleteAgent)

					r.Group(func(r chi.Router) {
						if g.InboxLimit != nil {
							r.Use(g.InboxLimit)
						}
						r.Post("/messages", h.SendMessage)
					})
				})
			})
		})
	})
}
