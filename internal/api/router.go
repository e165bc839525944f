package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Discovery
		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.handleListDevices)
			r.Post("/probe", s.handleProbe)

			r.Route("/{uuid}", func(r chi.Router) {
				r.Post("/connect", s.handleConnect)
				r.Get("/monitor", s.handleMonitor)
			})
		})

		// Connection lifecycle and traffic
		r.Route("/connections/{id}", func(r chi.Router) {
			r.Delete("/", s.handleDisconnect)
			r.Post("/interfaces/{iface}", s.handleOpenInterface)
			r.Delete("/interfaces/{iface}", s.handleCloseInterface)
			r.Post("/rpc", s.handleRPC)
			r.Post("/script", s.handleScript)
			r.Post("/debug", s.handleDebug)
		})
	})

	return r
}
