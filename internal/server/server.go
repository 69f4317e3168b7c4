// Package server provides HTTP server initialization and lifecycle management
// for the Memoir API.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/scrypster/memoir/internal/config"
	"github.com/scrypster/memoir/internal/metrics"
	"github.com/scrypster/memoir/internal/notify"
	"github.com/scrypster/memoir/web/handlers"
)

// Version is reported by /health.
const Version = "1.0.0"

// securityHeadersMiddleware adds security headers to all HTTP responses.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// NewHandler builds the full route table. hub may be nil, in which case
// /ws is not served.
func NewHandler(cfg *config.Config, eng handlers.Engine, hub *handlers.WebSocketHub) http.Handler {
	api := handlers.NewAPIHandlers(eng)

	// API routes (require auth in production mode)
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("POST /api/memories", api.CreateMemory)
	apiMux.HandleFunc("GET /api/memories", api.ListMemories)
	apiMux.HandleFunc("GET /api/memories/{id}", api.GetMemory)
	apiMux.HandleFunc("POST /api/memories/{id}/enrich", api.EnrichMemory)
	apiMux.HandleFunc("POST /api/search/semantic", api.SemanticSearch)
	apiMux.HandleFunc("POST /api/search/smart", api.SmartSearch)
	apiMux.HandleFunc("POST /api/scheduler/tick", api.SchedulerTick)
	apiMux.HandleFunc("GET /api/jobs/dead", api.DeadLetters)
	apiMux.HandleFunc("POST /api/jobs/{id}/requeue", api.RequeueJob)
	apiMux.HandleFunc("POST /api/reindex", api.Reindex)

	mux := http.NewServeMux()
	mux.Handle("/api/", handlers.RequireAuth(apiMux, cfg))
	mux.Handle("GET /metrics", handlers.RequireAuth(metrics.Handler(), cfg))

	// Health endpoint, no auth required
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, `{"status":"healthy","version":%q}`, Version)
	})

	// Origin validation guards the socket; events carry no secrets beyond ids.
	if hub != nil {
		mux.Handle("GET /ws", hub)
	}

	var handler http.Handler = mux
	if cfg.Security.RateLimit > 0 {
		handler = handlers.RateLimitMiddleware(handler, handlers.NewRateLimiter(cfg.Security.RateLimit, cfg.Security.RateBurst))
	}
	return securityHeadersMiddleware(handler)
}

// allowedOrigins lists the browser origins accepted by /ws.
func allowedOrigins(cfg *config.Config) []string {
	return []string{
		fmt.Sprintf("localhost:%d", cfg.Server.Port),
		fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port),
		fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
	}
}

// Start initializes and starts the HTTP server. It also tails the event
// spool under cfg.Storage.DataPath and relays every event to /ws clients.
// Returns the actual address being listened on (useful for testing with
// port 0) and the WebSocketHub. Everything stops when ctx is cancelled.
func Start(ctx context.Context, cfg *config.Config, eng handlers.Engine) (string, *handlers.WebSocketHub, error) {
	wsHub := handlers.NewWebSocketHub(allowedOrigins(cfg))
	go wsHub.Run()

	watcher := notify.NewEventWatcher(cfg.Storage.DataPath, wsHub.Broadcast)
	if err := watcher.Start(); err != nil {
		wsHub.Stop()
		return "", nil, fmt.Errorf("failed to watch event spool: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      NewHandler(cfg, eng, wsHub),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		watcher.Stop()
		wsHub.Stop()
		return "", nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	actualAddr := listener.Addr().String()
	log.Printf("[server.listen] addr=%s mode=%s", actualAddr, cfg.Security.SecurityMode)

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Printf("ERROR: Server error: %v", err)
		}
	}()

	// Handle graceful shutdown
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("ERROR: Server shutdown error: %v", err)
		}
		watcher.Stop()
		wsHub.Stop()
	}()

	return actualAddr, wsHub, nil
}
