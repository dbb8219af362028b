package server

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupRoutes configures all API routes
func (s *Server) setupRoutes(r *mux.Router) {
	r.Use(s.requestIDMiddleware, s.loggingMiddleware, s.metricsMiddleware)

	r.HandleFunc("/healthz", s.healthHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/state", s.getStateHandler).Methods(http.MethodGet)
	api.HandleFunc("/events", s.getEventsHandler).Methods(http.MethodGet)
	api.HandleFunc("/alerts", s.getAlertsHandler).Methods(http.MethodGet)
	api.HandleFunc("/stream", s.streamHandler).Methods(http.MethodGet)

	// Commands share one limiter. They are registered on api itself so a
	// wrong method gets 405 rather than 404.
	api.Handle("/mode", s.limited(s.setModeHandler)).Methods(http.MethodPut)
	api.Handle("/pump/toggle", s.limited(s.toggleHandler)).Methods(http.MethodPost)
	api.Handle("/pump", s.limited(s.setPumpHandler)).Methods(http.MethodPost)
}

func (s *Server) limited(h http.HandlerFunc) http.Handler {
	return s.rateLimitMiddleware(h)
}
