// Package server hosts the control-plane HTTP surface: channel webhook
// ingress, the local command API, and the control API. Ingress routes resolve
// the adapter registry through an atomic pointer so reloads never block a
// request.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/getmu/control-plane/internal/adapter"
	"github.com/getmu/control-plane/internal/command"
	"github.com/getmu/control-plane/internal/config"
	"github.com/getmu/control-plane/internal/generation"
	"github.com/getmu/control-plane/internal/identity"
	"github.com/getmu/control-plane/internal/journal"
	"github.com/getmu/control-plane/internal/middleware"
	"github.com/getmu/control-plane/internal/operator"
	"github.com/getmu/control-plane/internal/outbox"
	"github.com/getmu/control-plane/internal/paths"
	"github.com/getmu/control-plane/internal/pipeline"
	"github.com/getmu/control-plane/internal/pkg/response"
	"github.com/getmu/control-plane/internal/reload"
)

// Deps is everything the HTTP surface serves from.
type Deps struct {
	Config     *config.Config
	Logger     *slog.Logger
	Paths      paths.Paths
	Registry   *atomic.Pointer[adapter.Registry]
	Audit      *adapter.Audit
	Identities *identity.Store
	Commands   *command.Store
	Outbox     *outbox.Outbox
	Supervisor *generation.Supervisor
	Reloads    *reload.Manager
	Turns      *operator.Turns
	Pipeline   *pipeline.Pipeline
}

// Server is the control-plane HTTP server.
type Server struct {
	deps      Deps
	startedAt time.Time
}

// New builds a server around its dependencies.
func New(deps Deps) *Server {
	return &Server{deps: deps, startedAt: time.Now()}
}

// Router assembles the chi handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(s.deps.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())
	r.Use(middleware.Metrics())
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Handle("/metrics", promhttp.Handler())

	// Channel webhooks. The registry pointer is read per request so a reload
	// cutover is a single atomic swap.
	r.Post(adapter.SlackRoute, s.ingress(adapter.SlackRoute))
	r.Post(adapter.DiscordRoute, s.ingress(adapter.DiscordRoute))
	r.Post(adapter.TelegramRoute, s.ingress(adapter.TelegramRoute))

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))

		// Terminal ingress verifies its own shared secret inside the adapter.
		r.Post("/commands/submit", s.ingress(adapter.TerminalRoute))

		r.Route("/control-plane", func(r chi.Router) {
			r.Use(middleware.SharedSecret(s.deps.Config.Channels.Terminal.SharedSecret))

			r.Get("/status", s.handleStatus)
			r.Post("/reload", s.handleReload)
			r.Get("/channels", s.handleChannels)
			r.Post("/identities/link", s.handleLink)
			r.Get("/identities", s.handleListIdentities)
			r.Post("/identities/{bindingID}/unlink", s.handleUnlink)
			r.Post("/identities/{bindingID}/revoke", s.handleRevoke)
			r.Post("/turn", s.handleTurn)
			r.Post("/wake", s.handleWake)
		})
	})

	return r
}

// ingress serves one webhook route through the live adapter registry.
func (s *Server) ingress(route string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reg := s.deps.Registry.Load()
		if reg == nil {
			response.JSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "not_ready"})
			return
		}
		res := reg.Ingest(route, r, s.deps.Audit, s.deps.Logger)
		response.JSON(w, res.Status, res.Body)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response.OK(w, map[string]any{
		"status":    "healthy",
		"uptime_ms": time.Since(s.startedAt).Milliseconds(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.deps.Registry.Load() == nil {
		response.JSON(w, http.StatusServiceUnavailable, response.Envelope{OK: false, Error: "not_ready"})
		return
	}
	response.OK(w, map[string]string{"status": "ready"})
}

// ServerInfo is the server.json discovery payload CLI clients read.
type ServerInfo struct {
	PID         int    `json:"pid"`
	Port        int    `json:"port"`
	URL         string `json:"url"`
	StartedAtMs int64  `json:"started_at_ms"`
}

// WriteDiscovery publishes server.json for local clients.
func (s *Server) WriteDiscovery() error {
	info := ServerInfo{
		PID:         os.Getpid(),
		Port:        s.deps.Config.Server.Port,
		URL:         fmt.Sprintf("http://%s:%d", s.deps.Config.Server.Host, s.deps.Config.Server.Port),
		StartedAtMs: s.startedAt.UnixMilli(),
	}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	return journal.WriteAtomic(s.deps.Paths.ServerInfoFile(), append(data, '\n'))
}

// RemoveDiscovery deletes server.json on shutdown.
func (s *Server) RemoveDiscovery() {
	if err := os.Remove(s.deps.Paths.ServerInfoFile()); err != nil && !os.IsNotExist(err) {
		s.deps.Logger.Warn("failed to remove server.json", slog.String("error", err.Error()))
	}
}

// Serve runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.deps.Config.Server.Host, s.deps.Config.Server.Port),
		Handler:      s.Router(),
		ReadTimeout:  s.deps.Config.Server.ReadTimeout,
		WriteTimeout: s.deps.Config.Server.WriteTimeout,
		IdleTimeout:  time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		s.deps.Logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
