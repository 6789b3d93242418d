package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/gorilla/mux"
	"github.com/volcengine/veadk-go/apps"
	"github.com/volcengine/veadk-go/apps/a2a_app"
	"golang.org/x/sync/errgroup"
	"google.golang.org/adk/agent"

	"github.com/zhengjr9/chat-relay/internal/a2a"
	"github.com/zhengjr9/chat-relay/internal/config"
	"github.com/zhengjr9/chat-relay/internal/logging"
	"github.com/zhengjr9/chat-relay/internal/proxy"
	"github.com/zhengjr9/chat-relay/internal/upstream"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(2)
	}
	slog.SetDefault(logging.New(cfg.LogFormat, cfg.LogLevel, os.Stderr))

	slog.Info("starting chat-relay",
		"listen", cfg.ListenAddr,
		"route", cfg.RoutePath,
		"upstream", cfg.Endpoint(),
		"legacy_errors", cfg.LegacyErrors,
		"a2a_enabled", cfg.A2AEnabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	srv := proxy.New(cfg)
	slog.Info("relay listening", "addr", srv.Addr(), "upstream", cfg.Endpoint())
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down...")
		shutCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout/4)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})

	if cfg.A2AEnabled {
		relayAgent, err := a2a.New(a2a.AgentConfig{
			Name:        cfg.AgentName,
			Description: cfg.AgentDesc,
			Client:      upstream.NewClient(cfg.Endpoint(), cfg.UpstreamProxyURL),
			APIKey:      cfg.A2AAPIKey,
			Model:       cfg.A2AModel,
		})
		if err != nil {
			slog.Error("failed to create A2A agent", "error", err)
			os.Exit(1)
		}

		slog.Info("starting A2A server", "port", cfg.A2APort, "agent_name", cfg.AgentName)

		// Wrap the standard A2A app to inject an HTTP middleware that extracts
		// the caller's Bearer token and stores it in the request context before
		// the JSON-RPC handler sees the request.
		inner := a2a_app.NewAgentkitA2AServerApp(
			apps.DefaultApiConfig().SetPort(cfg.A2APort),
		)
		wrapped := &authMiddlewareApp{BasicApp: inner}

		// The A2A app is not awaited on shutdown; only its failure ends the group.
		a2aErr := make(chan error, 1)
		go func() {
			if err := wrapped.Run(gctx, &apps.RunConfig{
				AgentLoader: agent.NewSingleLoader(relayAgent),
			}); err != nil {
				a2aErr <- err
			}
		}()
		g.Go(func() error {
			select {
			case err := <-a2aErr:
				return err
			case <-gctx.Done():
				return nil
			}
		})
	}

	if err := g.Wait(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

// authMiddlewareApp wraps a BasicApp and installs an HTTP middleware on the
// Gorilla mux router that extracts "Authorization: Bearer <token>" from every
// incoming request and injects the token into the request context via
// a2a.ContextWithAPIKey.
type authMiddlewareApp struct {
	apps.BasicApp
}

// Run overrides the embedded Run so that apps.Run receives `w` as the app
// argument; otherwise SetupRouters would be called on the inner app and the
// middleware would never be registered.
func (w *authMiddlewareApp) Run(ctx context.Context, config *apps.RunConfig) error {
	return apps.Run(ctx, config, w)
}

func (w *authMiddlewareApp) SetupRouters(router *mux.Router, config *apps.RunConfig) error {
	if err := w.BasicApp.SetupRouters(router, config); err != nil {
		return err
	}
	router.Use(bearerTokenMiddleware)
	return nil
}

// bearerTokenMiddleware is a Gorilla mux middleware that reads
// "Authorization: Bearer <token>" and stores the token in the request context.
func bearerTokenMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if auth := r.Header.Get("Authorization"); auth != "" {
			if token, ok := strings.CutPrefix(auth, "Bearer "); ok && token != "" {
				r = r.WithContext(a2a.ContextWithAPIKey(r.Context(), token))
			}
		}
		next.ServeHTTP(w, r)
	})
}
