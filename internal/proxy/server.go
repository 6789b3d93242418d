package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zhengjr9/chat-relay/internal/config"
	"github.com/zhengjr9/chat-relay/internal/metrics"
	"github.com/zhengjr9/chat-relay/internal/relay"
	"github.com/zhengjr9/chat-relay/internal/upstream"
)

// Server is the relay HTTP server.
type Server struct {
	httpServer *http.Server
}

// New constructs a Server from the given config.
func New(cfg *config.Config) *Server {
	client := upstream.NewClient(cfg.Endpoint(), cfg.UpstreamProxyURL)
	relayHandler := relay.NewHandler(client, cfg.RequestTimeout, cfg.LegacyErrors)

	router := mux.NewRouter()
	router.Use(metrics.Middleware)

	var chat http.Handler = relayHandler
	if cfg.RateLimit > 0 {
		chat = rateLimitMiddleware(newLimiter(cfg.RateLimit, cfg.RateBurst))(chat)
	}
	router.Handle(cfg.RoutePath, chat).Methods(http.MethodPost)

	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)

	if cfg.MetricsEnabled {
		router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	}

	var handler http.Handler = router
	handler = loggingMiddleware(handler)
	handler = requestIDMiddleware(handler)
	handler = recoveryMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:        cfg.ListenAddr,
			Handler:     handler,
			ReadTimeout: 30 * time.Second,
			// Streams are bounded by RequestTimeout; leave room for the error path.
			WriteTimeout: cfg.RequestTimeout + 10*time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start begins listening and blocks until the server is stopped.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Handler returns the underlying http.Handler (for use in tests with httptest.NewServer).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
