// Package httpapi is the orchestrator's HTTP surface (spec §6): the
// streaming execution endpoint and a supplemented admin ops websocket
// (SPEC_FULL §12). Router, CORS, and request-logging middleware are
// rebuilt fresh against this repo's own config/event types, in the shape
// of the teacher's internal/api/server.go constructor and
// internal/handlers/infra.go's MakeCORSMiddleware/LoggingMiddleware (both
// deleted as dead weight once their governance/escrow domain was removed —
// see DESIGN.md).
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/ocx/workspace-orchestrator/internal/catalogstore"
	"github.com/ocx/workspace-orchestrator/internal/config"
	"github.com/ocx/workspace-orchestrator/internal/events"
	"github.com/ocx/workspace-orchestrator/internal/middleware"
	"github.com/ocx/workspace-orchestrator/internal/orchestrator"
)

// Server wires the orchestrator, catalog store, and operational event bus
// behind gorilla/mux, matching the teacher's NewXServer(deps...) shape.
type Server struct {
	router *mux.Router
	cfg    *config.Config
	orch   *orchestrator.Orchestrator
	admin  *AdminStream
	log    *slog.Logger
}

// New constructs the HTTP server with all routes registered. tenants may be
// nil, in which case every tenant runs with the global config's proxy
// allow-list and no per-tenant override (spec §4.5 ProxyRule is
// tenant-scoped; tenants lets operators override it per SPEC_FULL §10.3).
func New(cfg *config.Config, orch *orchestrator.Orchestrator, catalog *catalogstore.Store, bus *events.Bus, tenants *config.Manager) *Server {
	s := &Server{
		router: mux.NewRouter(),
		cfg:    cfg,
		orch:   orch,
		admin:  NewAdminStream(bus),
		log:    slog.With("component", "httpapi"),
	}

	s.router.Use(loggingMiddleware)
	s.router.Use(corsMiddleware(cfg))

	rateLimiter := middleware.NewRateLimiter(middleware.RateLimitConfig{
		MaxCallsPerMinute: cfg.RateLimit.MaxCallsPerMinute,
		BurstSize:         cfg.RateLimit.BurstSize,
	})

	stream := &streamHandler{orch: orch, catalog: catalog, cfg: cfg, tenants: tenants, log: s.log}
	s.router.Handle("/api/tenants/{tenant}/conversations/{conv}/stream", rateLimiter.Middleware(stream)).Methods(http.MethodPost)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/admin/ops/stream", s.admin.HandleWebSocket)

	go s.admin.Run()
	return s
}

// Handler returns the root http.Handler for use with http.Server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// loggingMiddleware logs each request's method/path/duration, matching the
// teacher's LoggingMiddleware shape.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("request", "method", r.Method, "path", r.URL.Path, "duration_ms", time.Since(start).Milliseconds())
	})
}

// corsMiddleware applies cfg.Server.CORSAllowOrigins, matching the
// teacher's MakeCORSMiddleware exact/wildcard-suffix matching behavior.
func corsMiddleware(cfg *config.Config) mux.MiddlewareFunc {
	exact := make(map[string]bool)
	var wildcardSuffixes []string
	allowAll := false
	for _, o := range cfg.Server.CORSAllowOrigins {
		switch {
		case o == "*":
			allowAll = true
		case strings.Contains(o, "*"):
			wildcardSuffixes = append(wildcardSuffixes, o[strings.Index(o, "*")+1:])
		default:
			exact[o] = true
		}
	}
	originAllowed := func(origin string) bool {
		if exact[origin] {
			return true
		}
		for _, suffix := range wildcardSuffixes {
			if strings.HasSuffix(origin, suffix) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" && originAllowed(origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Tenant-ID")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Run starts the HTTP server, blocking until ctx is cancelled, then
// attempts a graceful shutdown bounded by cfg.Server.ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Server.Interface + ":" + s.cfg.Server.Port,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.Server.IdleTimeoutSec) * time.Second,
		WriteTimeout: 0, // streaming responses must not be write-timeout-bounded
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
