package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tavstaldev/rebus-core/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)
		r.Get("/ws", s.handleWebSocket)
		r.Get("/entities/{type}/{id}", s.handleGetEntity)

		// Operator routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.With(requirePermission(auth.PermAuditRead)).Get("/audit", s.handleListAudit)
			r.With(requirePermission(auth.PermSyncRetry)).Post("/retry", s.handleRetryAll)
			r.With(requirePermission(auth.PermSyncFlush)).Post("/flush", s.handleFlush)
			r.With(requirePermission(auth.PermSyncRetry)).Post("/entities/{type}/{id}/retry", s.handleRetryEntity)
			r.With(requirePermission(auth.PermEntityDelete)).Delete("/entities/{type}/{id}", s.handleDeleteEntity)
		})
	})

	return r
}
