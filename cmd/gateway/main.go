package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/llamawrapper/gateway/internal/cache"
	"github.com/llamawrapper/gateway/internal/config"
	"github.com/llamawrapper/gateway/internal/manager"
	"github.com/llamawrapper/gateway/internal/middleware"
	"github.com/llamawrapper/gateway/internal/router"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Printf("gateway starting...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	log.Printf("loaded %d model declaration(s)", len(cfg.Models))
	for id, decl := range cfg.Models {
		aliases := decl.RedactedAliases()
		if aliases != "" {
			log.Printf("  - %s (%s) aliases: %s", id, decl.BackendPath, aliases)
		} else {
			log.Printf("  - %s (%s)", id, decl.BackendPath)
		}
	}
	if cfg.RateLimit.Enabled {
		log.Printf("  [feature] rate limiting enabled (%.1f req/s, burst %d)", cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}
	if cfg.Cache.Enabled {
		log.Printf("  [feature] response caching enabled (%d entries, TTL %ds)", cfg.Cache.MaxEntries, cfg.Cache.TTLSeconds)
	}
	if cfg.Proxy.BearerToken != "" {
		log.Printf("  [feature] bearer token auth enabled")
	}

	mgr := manager.New(cfg)

	var responseCache *cache.ResponseCache
	if cfg.Cache.Enabled {
		responseCache = cache.New(cfg.Cache.MaxEntries, cfg.Cache.TTLSeconds)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Periodic GPU gauge refresh, mirroring the teacher's ticker-driven
	// metrics gauge updates.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mgr.RefreshGPUGauges()
			}
		}
	}()

	rt := router.New(mgr, responseCache)
	mux := rt.Routes()
	mux.Handle("/metrics", promhttp.Handler())

	var handler http.Handler = mux
	handler = corsMiddleware(handler)
	handler = middleware.StructuredLogging(cfg.Logging.Format)(handler)
	handler = middleware.RequestID(handler)
	if cfg.RateLimit.Enabled {
		handler = middleware.RateLimit(cfg.RateLimit)(handler)
	}
	if cfg.Proxy.BearerToken != "" {
		handler = middleware.Auth(cfg.Proxy.BearerToken)(handler)
	}

	addr := cfg.Proxy.Host + ":" + strconv.Itoa(cfg.Proxy.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  0, // no timeout: chat/completions can stream for minutes
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Printf("shutting down gracefully...")
		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("gateway listening on %s", addr)
	log.Printf("  POST http://%s/v1/chat/completions", addr)
	log.Printf("  POST http://%s/v1/completions", addr)
	log.Printf("  POST http://%s/v1/embeddings", addr)
	log.Printf("  GET  http://%s/v1/models", addr)
	log.Printf("  GET  http://%s/health", addr)
	log.Printf("  GET  http://%s/metrics", addr)
	log.Printf("  POST http://%s/admin/models/{id}/load", addr)
	log.Printf("  POST http://%s/admin/models/{id}/unload", addr)

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("server error: %v", err)
	}
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-Request-Id")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
