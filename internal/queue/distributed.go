// Package queue provides distributed queuing for cross-instance
// coordination of connection waits. It wraps the coordinator's Pub/Sub
// notifications and distributed semaphore behind a single wait interface
// for the router's pool.
//
// It adds a circuit breaker (maximum queue depth), per-route metrics, and
// graceful rejection with structured errors the session layer can map to
// a wire-protocol ErrorResponse.
package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mateus-silva/pgpool/internal/coordinator"
	"github.com/mateus-silva/pgpool/internal/metrics"
)

// DistributedQueue manages distributed wait queues for all routes. When a
// local pool is at global capacity, callers wait on the distributed
// semaphore. When any proxy instance releases a connection, all waiting
// instances are notified via Pub/Sub so one of them can acquire the slot.
type DistributedQueue struct {
	coordinator *coordinator.RedisCoordinator
	semaphore   *coordinator.Semaphore

	mu     sync.Mutex
	depths map[string]int

	timeout      time.Duration // max wait time per request
	maxQueueSize int           // max queue depth per route (0 = unlimited)
}

// NewDistributedQueue creates a distributed queue backed by the given
// coordinator.
func NewDistributedQueue(rc *coordinator.RedisCoordinator, timeout time.Duration, maxQueueSize int) *DistributedQueue {
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &DistributedQueue{
		coordinator:  rc,
		semaphore:    coordinator.NewSemaphore(rc),
		depths:       make(map[string]int),
		timeout:      timeout,
		maxQueueSize: maxQueueSize,
	}
}

// Acquire attempts to obtain a distributed slot for the given route.
// It first tries an immediate acquire. On failure (route at capacity) it
// checks the circuit breaker (max queue depth) and then enters the
// distributed wait queue via the semaphore.
//
// Returns nil if a slot was acquired, or an error on timeout,
// cancellation, or rejection. The error can be inspected to determine the
// wire-protocol error to send the client:
//   - *QueueError of kind QueueErrorFull (IsQueueFull): circuit breaker
//     tripped (queue at max depth)
//   - *QueueError of kind QueueErrorTimeout (IsQueueTimeout): waited but
//     exceeded the timeout
//   - context.Canceled / context.DeadlineExceeded: client disconnected
func (dq *DistributedQueue) Acquire(ctx context.Context, routeID string) error {
	if err := dq.semaphore.TryAcquire(ctx, routeID); err == nil {
		metrics.ConnectionsTotal.WithLabelValues(routeID, "acquired").Inc()
		return nil
	}

	if dq.maxQueueSize > 0 {
		currentDepth := dq.getDepth(routeID)
		if currentDepth >= dq.maxQueueSize {
			metrics.ConnectionsTotal.WithLabelValues(routeID, "rejected_queue_full").Inc()
			log.Printf("[dqueue] circuit breaker: rejecting request for route %s (queue depth=%d, max=%d)",
				routeID, currentDepth, dq.maxQueueSize)
			return &QueueError{
				RouteID: routeID,
				Kind:    QueueErrorFull,
				Depth:   currentDepth,
				MaxSize: dq.maxQueueSize,
			}
		}
	}

	dq.incrementDepth(routeID)
	defer dq.decrementDepth(routeID)

	log.Printf("[dqueue] entering distributed wait for route %s (depth=%d, timeout=%s)",
		routeID, dq.getDepth(routeID), dq.timeout)

	start := time.Now()
	err := dq.semaphore.Wait(ctx, routeID, dq.timeout)
	dur := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			metrics.ConnectionsTotal.WithLabelValues(routeID, "cancelled").Inc()
			log.Printf("[dqueue] wait cancelled for route %s after %v: %v", routeID, dur, err)
			return ctx.Err()
		}
		metrics.ConnectionsTotal.WithLabelValues(routeID, "timeout").Inc()
		log.Printf("[dqueue] wait timed out for route %s after %v: %v", routeID, dur, err)
		return &QueueError{
			RouteID:  routeID,
			Kind:     QueueErrorTimeout,
			WaitTime: dur,
			Timeout:  dq.timeout,
		}
	}

	metrics.ConnectionsTotal.WithLabelValues(routeID, "acquired_after_wait").Inc()
	log.Printf("[dqueue] acquired slot for route %s after %v wait", routeID, dur)
	return nil
}

// Release notifies the distributed queue that a connection was freed.
// The coordinator's Lua release script already publishes this, so calling
// it explicitly just ensures the coordinator's own Release bookkeeping
// runs.
func (dq *DistributedQueue) Release(ctx context.Context, routeID string) error {
	return dq.coordinator.Release(ctx, routeID)
}

// Depth returns the current distributed wait-queue depth for a route.
func (dq *DistributedQueue) Depth(routeID string) int {
	return dq.getDepth(routeID)
}

// ── Queue error types ────────────────────────────────────────────────────

// QueueErrorKind classifies a queue failure.
type QueueErrorKind int

const (
	// QueueErrorTimeout means the request waited out the full timeout.
	QueueErrorTimeout QueueErrorKind = iota
	// QueueErrorFull means the queue is at its max depth (circuit breaker).
	QueueErrorFull
)

// QueueError carries structured information about a queue failure.
type QueueError struct {
	RouteID  string
	Kind     QueueErrorKind
	Depth    int           // current queue depth (QueueErrorFull)
	MaxSize  int           // configured max queue size (QueueErrorFull)
	WaitTime time.Duration // how long the request waited (QueueErrorTimeout)
	Timeout  time.Duration // configured timeout (QueueErrorTimeout)
}

func (e *QueueError) Error() string {
	switch e.Kind {
	case QueueErrorFull:
		return fmt.Sprintf("queue full for route %s (depth=%d, max=%d)",
			e.RouteID, e.Depth, e.MaxSize)
	case QueueErrorTimeout:
		return fmt.Sprintf("queue timeout for route %s (waited=%v, timeout=%v)",
			e.RouteID, e.WaitTime, e.Timeout)
	default:
		return fmt.Sprintf("queue error for route %s", e.RouteID)
	}
}

// IsQueueFull reports whether err is a circuit-breaker rejection.
func IsQueueFull(err error) bool {
	if qe, ok := err.(*QueueError); ok {
		return qe.Kind == QueueErrorFull
	}
	return false
}

// IsQueueTimeout reports whether err is a queue timeout.
func IsQueueTimeout(err error) bool {
	if qe, ok := err.(*QueueError); ok {
		return qe.Kind == QueueErrorTimeout
	}
	return false
}

// ── internal helpers ───────────────────────────────────────────────────

func (dq *DistributedQueue) incrementDepth(routeID string) {
	dq.mu.Lock()
	dq.depths[routeID]++
	depth := dq.depths[routeID]
	dq.mu.Unlock()
	metrics.QueueLength.WithLabelValues(routeID).Set(float64(depth))
}

func (dq *DistributedQueue) decrementDepth(routeID string) {
	dq.mu.Lock()
	dq.depths[routeID]--
	if dq.depths[routeID] < 0 {
		dq.depths[routeID] = 0
	}
	depth := dq.depths[routeID]
	dq.mu.Unlock()
	metrics.QueueLength.WithLabelValues(routeID).Set(float64(depth))
}

func (dq *DistributedQueue) getDepth(routeID string) int {
	dq.mu.Lock()
	defer dq.mu.Unlock()
	return dq.depths[routeID]
}
