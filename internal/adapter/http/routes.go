package http

import (
	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Get("/health", h.Health)

	r.Route("/api/v1/sync", func(r chi.Router) {
		r.Get("/status", h.GetStatus)
		r.Get("/metrics", h.GetMetrics)

		r.Post("/now", h.SyncNow)
		r.Post("/start", h.StartSync)
		r.Post("/stop", h.StopSync)

		r.Post("/operations", h.EnqueueOperation)
		r.Get("/operations", h.ListOperations)
		r.Get("/operations/{id}", h.GetOperation)
	})
}
