// Package health provides health-check functionality for every piece of
// infrastructure the proxy depends on: Redis and every configured
// PostgreSQL route's upstream server.
package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mateus-silva/pgpool/internal/config"
	"github.com/mateus-silva/pgpool/pkg/route"
	"github.com/redis/go-redis/v9"
)

// Status is the health state of one component.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth is the health of a single component.
type ComponentHealth struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency"`
}

// Report is the overall health report.
type Report struct {
	Status     Status            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	InstanceID string            `json:"instance_id"`
	Components []ComponentHealth `json:"components"`
}

// Checker runs health checks against infrastructure components.
type Checker struct {
	cfg         *config.Config
	redisClient *redis.Client
}

// NewChecker creates a health checker.
func NewChecker(cfg *config.Config) *Checker {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})

	return &Checker{
		cfg:         cfg,
		redisClient: rdb,
	}
}

// Close releases checker resources.
func (c *Checker) Close() error {
	return c.redisClient.Close()
}

// Check runs health checks against every component and returns a report.
func (c *Checker) Check(ctx context.Context) *Report {
	report := &Report{
		Status:     StatusHealthy,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		InstanceID: c.cfg.Proxy.InstanceID,
	}

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		components []ComponentHealth
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		ch := c.checkRedis(ctx)
		mu.Lock()
		components = append(components, ch)
		mu.Unlock()
	}()

	for i := range c.cfg.Routes {
		rt := &c.cfg.Routes[i]
		if rt.StorageType == route.StorageLocal {
			continue
		}
		wg.Add(1)
		go func(rt *route.Config) {
			defer wg.Done()
			ch := c.checkRoute(ctx, rt)
			mu.Lock()
			components = append(components, ch)
			mu.Unlock()
		}(rt)
	}

	wg.Wait()
	report.Components = components

	for _, comp := range components {
		if comp.Status == StatusUnhealthy {
			report.Status = StatusUnhealthy
			break
		}
	}

	return report
}

func (c *Checker) checkRedis(ctx context.Context) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result := c.redisClient.Ping(ctx)
	latency := time.Since(start)

	if result.Err() != nil {
		return ComponentHealth{
			Name:    "redis",
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("PING failed: %v", result.Err()),
			Latency: latency.String(),
		}
	}

	return ComponentHealth{
		Name:    "redis",
		Status:  StatusHealthy,
		Message: "PONG",
		Latency: latency.String(),
	}
}

// checkRoute verifies connectivity to one route's upstream PostgreSQL
// server via a throwaway connection and SELECT 1, using pgx's
// database/sql driver rather than opening a raw wire connection of our
// own — the health path has no need of the pooling-aware backend
// connector the relay uses.
func (c *Checker) checkRoute(ctx context.Context, rt *route.Config) ComponentHealth {
	start := time.Now()
	name := fmt.Sprintf("route-%s", rt.ID)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	dsn := fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		rt.Username, rt.Password, rt.Addr(), rt.Database)

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return ComponentHealth{
			Name:    name,
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("failed to create connection: %v", err),
			Latency: time.Since(start).String(),
		}
	}
	defer db.Close()

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return ComponentHealth{
			Name:    name,
			Status:  StatusUnhealthy,
			Message: fmt.Sprintf("SELECT 1 failed: %v", err),
			Latency: time.Since(start).String(),
		}
	}

	var version string
	latency := time.Since(start)
	if err := db.QueryRowContext(ctx, "SHOW server_version").Scan(&version); err != nil {
		return ComponentHealth{
			Name:    name,
			Status:  StatusHealthy,
			Message: "connected (version check failed)",
			Latency: latency.String(),
		}
	}

	return ComponentHealth{
		Name:    name,
		Status:  StatusHealthy,
		Message: "PostgreSQL " + version,
		Latency: latency.String(),
	}
}

// ServeHTTP starts the health-check HTTP server.
func (c *Checker) ServeHTTP(ctx context.Context) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		report := c.Check(r.Context())
		writeReport(w, report)
	})

	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		report := c.Check(r.Context())
		writeReport(w, report)
	})

	mux.HandleFunc("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
			"time":   time.Now().UTC().Format(time.RFC3339),
		})
	})

	addr := fmt.Sprintf(":%d", c.cfg.Proxy.HealthCheckPort)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("[health] HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[health] HTTP server error: %v", err)
		}
	}()

	return server
}

func writeReport(w http.ResponseWriter, report *Report) {
	w.Header().Set("Content-Type", "application/json")
	if report.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(report)
}
