// Package api exposes the service's request/response surface (JSON over
// HTTP) and the push surface (WebSocket fan-out).
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marketd/internal/service"
)

// Server is the marketd HTTP front end.
type Server struct {
	svc    *service.Service
	hub    *Hub
	router *mux.Router
	server *http.Server
}

// NewServer builds the router over the service. The push hub must be
// started separately with hub.Run.
func NewServer(addr string, svc *service.Service) *Server {
	s := &Server{
		svc:    svc,
		hub:    NewHub(svc),
		router: mux.NewRouter(),
	}
	s.routes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Hub returns the push hub so the caller can run it.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) routes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/tickers", s.handleAllTickers).Methods(http.MethodGet)
	s.router.HandleFunc("/tickers/{symbol}", s.handleTicker).Methods(http.MethodGet)
	s.router.HandleFunc("/orderbook/{symbol}", s.handleOrderBook).Methods(http.MethodGet)
	s.router.HandleFunc("/subscribe", s.handleSubscribe).Methods(http.MethodPost)
	s.router.HandleFunc("/unsubscribe", s.handleUnsubscribe).Methods(http.MethodPost)
	s.router.HandleFunc("/historical/{symbol}", s.handleHistorical).Methods(http.MethodGet)
	s.router.HandleFunc("/backfill", s.handleBackfill).Methods(http.MethodPost)
	s.router.HandleFunc("/cache/stats", s.handleCacheStats).Methods(http.MethodGet)

	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.hub.ServeWS).Methods(http.MethodGet)
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("request served")
	})
}
