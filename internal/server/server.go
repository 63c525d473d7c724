// Package server assembles the engine's HTTP surface: the JSON API under
// /api/v1, the SSE event stream and the health endpoint.
package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/kazz187/mergeguild/internal/audit"
	"github.com/kazz187/mergeguild/internal/claim"
	"github.com/kazz187/mergeguild/internal/config"
	"github.com/kazz187/mergeguild/internal/event"
	"github.com/kazz187/mergeguild/internal/merge"
	"github.com/kazz187/mergeguild/internal/task"
	"github.com/kazz187/mergeguild/internal/workspace"
	"github.com/kazz187/mergeguild/pkg/cerr"
	"github.com/kazz187/mergeguild/pkg/clog"
)

type Handlers struct {
	Task      *task.Handler
	Claim     *claim.Handler
	Merge     *merge.Handler
	Workspace *workspace.Handler
	Audit     *audit.Handler
	Event     *event.Handler
}

type Server struct {
	env        *config.Env
	httpServer *http.Server
}

func New(env *config.Env, handlers Handlers) *Server {
	r := chi.NewRouter()
	r.Use(clog.SlogChiMiddleware(clog.WithChiFilter(func(r *http.Request) bool {
		return r.URL.Path != "/health"
	})))
	r.Use(cors.AllowAll().Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(apiKeyMiddleware(env.APIKey))

		// The SSE stream writes its response incrementally, so it stays
		// outside the JSON response middleware.
		handlers.Event.Register(r)

		r.Group(func(r chi.Router) {
			r.Use(cerr.NewJSONResponseChiMiddleware())
			r.Route("/tasks", func(r chi.Router) {
				handlers.Task.Register(r)
				handlers.Claim.Register(r)
			})
			handlers.Merge.Register(r)
			handlers.Workspace.Register(r)
			handlers.Audit.Register(r)
		})
	})

	return &Server{
		env: env,
		httpServer: &http.Server{
			Addr:              net.JoinHostPort(env.HTTPHost, env.HTTPPort),
			Handler:           h2c.NewHandler(r, &http2.Server{}),
			ReadHeaderTimeout: 10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
}

// Start serves until ctx is done, then drains with a bounded shutdown.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

func apiKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(apiKey)) != 1 {
				http.Error(w, `{"code":"Unauthenticated","message":"invalid api key"}`, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
