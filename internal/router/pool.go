package router

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/mateus-silva/pgpool/internal/backend"
	"github.com/mateus-silva/pgpool/internal/metrics"
	"github.com/mateus-silva/pgpool/internal/queue"
	"github.com/mateus-silva/pgpool/pkg/route"
)

// routePool manages the backend connections for a single route. A
// connection counts against the route's global admission slot for as
// long as it exists, whether idle or active — acquiring a new connection
// consults the distributed queue; returning one to idle keeps the slot;
// only a permanent close releases it.
type routePool struct {
	mu sync.Mutex

	rt        *route.Config
	connector *backend.Connector
	dq        *queue.DistributedQueue

	idle   []*backend.ServerConn
	active map[uint64]*backend.ServerConn

	closed bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newRoutePool(rt *route.Config, connector *backend.Connector, dq *queue.DistributedQueue) *routePool {
	rp := &routePool{
		rt:        rt,
		connector: connector,
		dq:        dq,
		idle:      make([]*backend.ServerConn, 0, rt.MinIdle),
		active:    make(map[uint64]*backend.ServerConn),
		stopCh:    make(chan struct{}),
	}

	metrics.ConnectionsMax.WithLabelValues(rt.ID).Set(float64(rt.MaxConnections))

	rp.wg.Add(1)
	go rp.maintenanceLoop()

	return rp
}

// attach obtains a server connection for this route, blocking on the
// distributed queue if every admitted slot is currently in use (idle or
// active) somewhere in the fleet.
//
// Idle connections are checked for liveness before being handed out: a
// socket discovered dead (or expired past max_idle_time) is discarded and
// the next idle candidate tried instead. Two consecutive dead sockets —
// as opposed to one, which is tolerated silently — abort the attach with
// a ConnectError rather than looping indefinitely.
func (rp *routePool) attach(ctx context.Context) (*backend.ServerConn, error) {
	deadSeen := 0
	for {
		rp.mu.Lock()
		if rp.closed {
			rp.mu.Unlock()
			return nil, fmt.Errorf("pool closed for route %s", rp.rt.ID)
		}
		sc := rp.popIdle()
		rp.mu.Unlock()
		if sc == nil {
			break
		}

		stale := rp.rt.MaxIdleTime > 0 && sc.IdleDuration() > rp.rt.MaxIdleTime
		if !stale && isLive(sc.Conn()) {
			rp.mu.Lock()
			rp.active[sc.ID()] = sc
			rp.updateMetrics()
			rp.mu.Unlock()
			sc.MarkAttached()
			metrics.ConnectionsTotal.WithLabelValues(rp.rt.ID, "acquired").Inc()
			return sc, nil
		}

		sc.Close()
		rp.dq.Release(ctx, rp.rt.ID)
		rp.mu.Lock()
		rp.updateMetrics()
		rp.mu.Unlock()

		if stale {
			metrics.ConnectionErrors.WithLabelValues(rp.rt.ID, "idle_expired").Inc()
			continue
		}
		metrics.ConnectionErrors.WithLabelValues(rp.rt.ID, "dead_idle").Inc()
		deadSeen++
		if deadSeen >= 2 {
			return nil, &ConnectError{Err: fmt.Errorf("route %s: two consecutive dead idle connections", rp.rt.ID)}
		}
	}

	if err := rp.dq.Acquire(ctx, rp.rt.ID); err != nil {
		metrics.ConnectionErrors.WithLabelValues(rp.rt.ID, "admission_denied").Inc()
		return nil, &AdmissionError{Err: err}
	}

	sc, err := rp.connector.Connect(ctx, rp.rt)
	if err != nil {
		rp.dq.Release(ctx, rp.rt.ID)
		metrics.ConnectionErrors.WithLabelValues(rp.rt.ID, "connect_failed").Inc()
		detail := ""
		if sc != nil {
			detail = sc.StartupError()
		}
		return nil, &ConnectError{Err: fmt.Errorf("connecting to route %s: %w", rp.rt.ID, err), Detail: detail}
	}
	sc.MarkAttached()

	rp.mu.Lock()
	rp.active[sc.ID()] = sc
	rp.updateMetrics()
	rp.mu.Unlock()

	metrics.ConnectionsTotal.WithLabelValues(rp.rt.ID, "acquired").Inc()
	return sc, nil
}

// isLive performs a non-blocking peek at conn to detect a half-open
// socket: a short read deadline that expires with no data means the
// connection is still alive and idle; EOF or any other read error means
// the peer has gone away. Unsolicited bytes on a connection that should
// be sitting idle between queries are not valid PostgreSQL traffic and
// make the connection unsafe to reuse either way.
func isLive(conn net.Conn) bool {
	conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, 1)
	n, err := conn.Read(buf)
	if n > 0 {
		return false
	}
	if err == nil {
		return true
	}
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// detach resets a server connection and returns it to the idle set,
// keeping its admission slot.
func (rp *routePool) detach(ctx context.Context, sc *backend.ServerConn) error {
	if sc == nil {
		return nil
	}

	rp.mu.Lock()
	if rp.closed {
		rp.mu.Unlock()
		return rp.close(ctx, sc)
	}
	delete(rp.active, sc.ID())
	rp.mu.Unlock()

	if err := rp.connector.Reset(ctx, sc, rp.rt.PoolMode); err != nil {
		log.Printf("[router] route %s — reset failed on conn %d, discarding: %v", rp.rt.ID, sc.ID(), err)
		metrics.ConnectionErrors.WithLabelValues(rp.rt.ID, "reset_failed").Inc()
		return rp.close(ctx, sc)
	}

	rp.mu.Lock()
	rp.idle = append(rp.idle, sc)
	rp.updateMetrics()
	rp.mu.Unlock()

	metrics.ConnectionsTotal.WithLabelValues(rp.rt.ID, "released").Inc()
	return nil
}

// close permanently discards a connection and returns its admission slot.
func (rp *routePool) close(ctx context.Context, sc *backend.ServerConn) error {
	if sc == nil {
		return nil
	}

	rp.mu.Lock()
	delete(rp.active, sc.ID())
	rp.updateMetrics()
	rp.mu.Unlock()

	err := sc.Close()
	rp.dq.Release(ctx, rp.rt.ID)
	metrics.ConnectionsTotal.WithLabelValues(rp.rt.ID, "closed").Inc()
	return err
}

func (rp *routePool) stats() PoolStats {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	return PoolStats{
		RouteID: rp.rt.ID,
		Active:  len(rp.active),
		Idle:    len(rp.idle),
		Max:     rp.rt.MaxConnections,
	}
}

func (rp *routePool) shutdown(ctx context.Context) {
	rp.mu.Lock()
	if rp.closed {
		rp.mu.Unlock()
		return
	}
	rp.closed = true
	close(rp.stopCh)
	idle := rp.idle
	rp.idle = nil
	active := rp.active
	rp.active = nil
	rp.mu.Unlock()

	for _, sc := range idle {
		sc.Close()
		rp.dq.Release(ctx, rp.rt.ID)
	}
	for _, sc := range active {
		sc.Close()
		rp.dq.Release(ctx, rp.rt.ID)
	}

	rp.wg.Wait()
}

// popIdle removes and returns the most recently used idle connection, or
// nil if none remain. Callers are responsible for checking staleness and
// liveness before reusing what it returns.
func (rp *routePool) popIdle() *backend.ServerConn {
	n := len(rp.idle)
	if n == 0 {
		return nil
	}
	sc := rp.idle[n-1]
	rp.idle = rp.idle[:n-1]
	return sc
}

func (rp *routePool) updateMetrics() {
	metrics.ConnectionsActive.WithLabelValues(rp.rt.ID).Set(float64(len(rp.active)))
	metrics.ConnectionsIdle.WithLabelValues(rp.rt.ID).Set(float64(len(rp.idle)))
}

func (rp *routePool) maintenanceLoop() {
	defer rp.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-rp.stopCh:
			return
		case <-ticker.C:
			rp.evictStale()
		}
	}
}

func (rp *routePool) evictStale() {
	if rp.rt.MaxIdleTime == 0 {
		return
	}

	rp.mu.Lock()
	remaining := make([]*backend.ServerConn, 0, len(rp.idle))
	evicted := make([]*backend.ServerConn, 0)
	for _, sc := range rp.idle {
		if sc.IdleDuration() > rp.rt.MaxIdleTime {
			evicted = append(evicted, sc)
		} else {
			remaining = append(remaining, sc)
		}
	}
	rp.idle = remaining
	rp.updateMetrics()
	rp.mu.Unlock()

	if len(evicted) == 0 {
		return
	}
	ctx := context.Background()
	for _, sc := range evicted {
		sc.Close()
		rp.dq.Release(ctx, rp.rt.ID)
	}
	log.Printf("[router] route %s — evicted %d stale idle connections", rp.rt.ID, len(evicted))
}

// PoolStats is a point-in-time snapshot of a route's pool, used by the
// console handler's SHOW POOLS.
type PoolStats struct {
	RouteID string
	Active  int
	Idle    int
	Max     int
}
