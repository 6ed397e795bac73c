package coordinator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/mateus-silva/pgpool/internal/metrics"
)

// ── Distributed Semaphore ───────────────────────────────────────────────
//
// The semaphore provides a distributed waiting mechanism for connection
// acquisition. When the global pool for a route is full, callers wait on
// the semaphore until a connection is released by any proxy instance.
//
// It combines:
//   - Redis Pub/Sub for instant cross-instance notifications
//   - Polling fallback to handle missed Pub/Sub messages
//   - Timeout to prevent indefinite waiting

// Semaphore provides distributed waiting for connection availability.
type Semaphore struct {
	coordinator *RedisCoordinator
}

// NewSemaphore creates a new distributed semaphore.
func NewSemaphore(rc *RedisCoordinator) *Semaphore {
	return &Semaphore{coordinator: rc}
}

// Wait blocks until a connection slot becomes available for the given
// route, then atomically acquires it. Returns an error if the context
// expires or the wait times out.
func (s *Semaphore) Wait(ctx context.Context, routeID string, timeout time.Duration) error {
	// Fast path: try immediate acquire.
	if err := s.coordinator.Acquire(ctx, routeID); err == nil {
		return nil
	}

	start := time.Now()
	log.Printf("[semaphore] waiting for connection slot on route %s (timeout=%s)", routeID, timeout)

	notifyCh, err := s.coordinator.Subscribe(ctx, routeID)
	if err != nil {
		return s.waitPolling(ctx, routeID, timeout)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// Poll periodically as a safety net in case a Pub/Sub message is lost.
	pollTicker := time.NewTicker(500 * time.Millisecond)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			metrics.ConnectionsTotal.WithLabelValues(routeID, "semaphore_cancelled").Inc()
			return ctx.Err()

		case <-timer.C:
			metrics.ConnectionsTotal.WithLabelValues(routeID, "semaphore_timeout").Inc()
			return fmt.Errorf("semaphore timeout (%v) for route %s", timeout, routeID)

		case _, ok := <-notifyCh:
			if !ok {
				return s.waitPolling(ctx, routeID, timeout-time.Since(start))
			}
			if err := s.coordinator.Acquire(ctx, routeID); err == nil {
				dur := time.Since(start)
				metrics.QueueWaitDuration.WithLabelValues(routeID).Observe(dur.Seconds())
				log.Printf("[semaphore] acquired slot on route %s after %v", routeID, dur)
				return nil
			}
			// Someone else got it first — keep waiting.

		case <-pollTicker.C:
			if err := s.coordinator.Acquire(ctx, routeID); err == nil {
				dur := time.Since(start)
				metrics.QueueWaitDuration.WithLabelValues(routeID).Observe(dur.Seconds())
				log.Printf("[semaphore] acquired slot on route %s after %v (poll)", routeID, dur)
				return nil
			}
		}
	}
}

// waitPolling is a fallback that polls Redis for slot availability.
func (s *Semaphore) waitPolling(ctx context.Context, routeID string, remaining time.Duration) error {
	if remaining <= 0 {
		return fmt.Errorf("semaphore timeout for route %s", routeID)
	}

	start := time.Now()
	timer := time.NewTimer(remaining)
	defer timer.Stop()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			metrics.ConnectionsTotal.WithLabelValues(routeID, "semaphore_timeout").Inc()
			return fmt.Errorf("semaphore timeout (%v) for route %s", remaining, routeID)
		case <-ticker.C:
			if err := s.coordinator.Acquire(ctx, routeID); err == nil {
				dur := time.Since(start)
				metrics.QueueWaitDuration.WithLabelValues(routeID).Observe(dur.Seconds())
				return nil
			}
		}
	}
}

// TryAcquire attempts a single non-blocking acquire.
func (s *Semaphore) TryAcquire(ctx context.Context, routeID string) error {
	err := s.coordinator.Acquire(ctx, routeID)
	if err != nil {
		metrics.RedisOperations.WithLabelValues("try_acquire", "rejected").Inc()
	} else {
		metrics.RedisOperations.WithLabelValues("try_acquire", "ok").Inc()
	}
	return err
}
