// Package main is the entrypoint for the PostgreSQL connection pooling
// proxy. It loads configuration, initializes health checks and metrics,
// and sets up graceful shutdown handling.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mateus-silva/pgpool/internal/config"
	"github.com/mateus-silva/pgpool/internal/coordinator"
	"github.com/mateus-silva/pgpool/internal/health"
	"github.com/mateus-silva/pgpool/internal/listener"
	"github.com/mateus-silva/pgpool/internal/metrics"
	"github.com/mateus-silva/pgpool/internal/queue"
	"github.com/mateus-silva/pgpool/internal/router"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	proxyConfigPath  = flag.String("config", "configs/proxy.yaml", "Path to proxy configuration file")
	routesConfigPath = flag.String("routes", "configs/routes.yaml", "Path to routes configuration file")
)

func main() {
	flag.Parse()

	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("[main] Starting pgpool")

	// ─── Load Configuration ───────────────────────────────────────────
	cfg, err := config.Load(*proxyConfigPath, *routesConfigPath)
	if err != nil {
		log.Fatalf("[main] Failed to load configuration: %v", err)
	}
	log.Printf("[main] Configuration loaded: %d routes, instance=%s", len(cfg.Routes), cfg.Proxy.InstanceID)

	for _, rt := range cfg.Routes {
		log.Printf("[main]   Route %s → %s (storage=%s pool_mode=%s max_conn=%d min_idle=%d)",
			rt.ID, rt.Addr(), rt.StorageType, rt.PoolMode, rt.MaxConnections, rt.MinIdle)
	}

	// ─── Initialize Metrics ──────────────────────────────────────────
	for _, rt := range cfg.Routes {
		metrics.ConnectionsActive.WithLabelValues(rt.ID).Set(0)
		metrics.ConnectionsIdle.WithLabelValues(rt.ID).Set(0)
		metrics.ConnectionsMax.WithLabelValues(rt.ID).Set(float64(rt.MaxConnections))
		metrics.QueueLength.WithLabelValues(rt.ID).Set(0)
	}
	metrics.InstanceHeartbeat.WithLabelValues(cfg.Proxy.InstanceID).Set(1)

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Proxy.MetricsPort),
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("[main] Metrics server listening on :%d/metrics", cfg.Proxy.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[main] Metrics server error: %v", err)
		}
	}()

	// ─── Initialize Health Checker ───────────────────────────────────
	checker := health.NewChecker(cfg)
	healthServer := checker.ServeHTTP(context.Background())
	log.Printf("[main] Health check server listening on :%d/health", cfg.Proxy.HealthCheckPort)

	log.Println("[main] Running initial health check...")
	report := checker.Check(context.Background())
	for _, comp := range report.Components {
		status := "OK"
		if comp.Status == health.StatusUnhealthy {
			status = "FAIL"
		}
		log.Printf("[main]   [%s] %s: %s (latency: %s)", status, comp.Name, comp.Message, comp.Latency)
	}
	log.Printf("[main] Overall health: %s", report.Status)

	// ─── Initialize Redis Coordinator ────────────────────────────────
	log.Println("[main] Initializing Redis coordinator...")
	rc, err := coordinator.NewRedisCoordinator(context.Background(), cfg)
	if err != nil {
		log.Fatalf("[main] Failed to initialize Redis coordinator: %v", err)
	}
	defer func() {
		log.Println("[main] Closing Redis coordinator...")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		if err := rc.Close(shutCtx); err != nil {
			log.Printf("[main] Coordinator close error: %v", err)
		}
	}()
	if rc.IsFallback() {
		log.Println("[main] Coordinator started in FALLBACK mode (Redis unavailable)")
	} else {
		log.Println("[main] Coordinator ready (Redis connected)")
	}

	hb := coordinator.NewHeartbeat(rc)
	hb.Start(context.Background())
	defer hb.Stop()

	// ─── Initialize Distributed Queue ────────────────────────────────
	dq := queue.NewDistributedQueue(rc, cfg.Proxy.QueueTimeout, cfg.Proxy.MaxQueueSize)
	log.Printf("[main] Distributed queue ready (timeout=%s, max_queue_size=%d)",
		cfg.Proxy.QueueTimeout, cfg.Proxy.MaxQueueSize)

	// ─── Initialize Router Manager ────────────────────────────────────
	mgr := router.NewManager(cfg, rc, dq)
	defer func() {
		log.Println("[main] Shutting down router manager...")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		mgr.Shutdown(shutCtx)
	}()

	// ─── Start Listener ───────────────────────────────────────────────
	srv := listener.NewServer(cfg, mgr)
	if err := srv.Start(context.Background()); err != nil {
		log.Fatalf("[main] Failed to start listener: %v", err)
	}
	defer func() {
		log.Println("[main] Stopping listener...")
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutCancel()
		if err := srv.Stop(shutCtx); err != nil {
			log.Printf("[main] Listener stop error: %v", err)
		}
	}()
	log.Printf("[main] pgpool listening on %s:%d", cfg.Proxy.ListenAddr, cfg.Proxy.ListenPort)

	// ─── Graceful Shutdown ────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	log.Println("[main] Proxy is ready. Waiting for shutdown signal...")
	sig := <-sigCh
	log.Printf("[main] Received signal %v, shutting down gracefully...", sig)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	metrics.InstanceHeartbeat.WithLabelValues(cfg.Proxy.InstanceID).Set(0)

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Health server shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("[main] Metrics server shutdown error: %v", err)
	}
	if err := checker.Close(); err != nil {
		log.Printf("[main] Health checker close error: %v", err)
	}

	log.Println("[main] Shutdown complete.")
}
