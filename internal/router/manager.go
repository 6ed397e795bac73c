package router

import (
	"context"
	"fmt"
	"log"
	"net"
	"strings"
	"sync"

	"github.com/mateus-silva/pgpool/internal/backend"
	"github.com/mateus-silva/pgpool/internal/config"
	"github.com/mateus-silva/pgpool/internal/coordinator"
	"github.com/mateus-silva/pgpool/internal/queue"
	"github.com/mateus-silva/pgpool/internal/wire"
	"github.com/mateus-silva/pgpool/pkg/route"
)

// sessionKey identifies a client session by the backend-key-data values
// the proxy generated for it.
type sessionKey struct {
	pid uint32
	key uint32
}

// Manager owns every route's connection pool plus the cancel-key
// directory that lets a CancelRequest landing on any session's socket
// find the server connection it names.
type Manager struct {
	*Router

	connector   *backend.Connector
	coordinator *coordinator.RedisCoordinator
	dq          *queue.DistributedQueue

	mu    sync.RWMutex
	pools map[string]*routePool

	sessMu   sync.Mutex
	sessions map[sessionKey]*sessionEntry
}

type sessionEntry struct {
	routeID string
	server  *backend.ServerConn // nil if no server currently attached
}

// NewManager builds a Manager with one pool per configured route.
func NewManager(cfg *config.Config, rc *coordinator.RedisCoordinator, dq *queue.DistributedQueue) *Manager {
	r := NewRouter(cfg)

	m := &Manager{
		Router:      r,
		connector:   backend.NewConnector(),
		coordinator: rc,
		dq:          dq,
		pools:       make(map[string]*routePool, len(cfg.Routes)),
		sessions:    make(map[sessionKey]*sessionEntry),
	}

	for i := range cfg.Routes {
		rt := &cfg.Routes[i]
		if rt.StorageType == route.StorageLocal {
			continue // console routes have no backend pool
		}
		m.pools[rt.ID] = newRoutePool(rt, m.connector, dq)
	}

	log.Printf("[router] manager initialized: %d pooled routes", len(m.pools))
	return m
}

// RegisterSession records a newly accepted session's generated
// backend-key-data under the given route, with no server attached yet.
func (m *Manager) RegisterSession(ctx context.Context, routeID string, pid, key uint32) {
	m.sessMu.Lock()
	m.sessions[sessionKey{pid, key}] = &sessionEntry{routeID: routeID}
	m.sessMu.Unlock()

	if m.coordinator != nil {
		m.coordinator.RegisterCancelKey(ctx, pid, key, int64(secondsHeartbeatTTL))
	}
}

// Attach obtains a server connection for routeID, associates it with the
// session identified by (pid, key) so a later cancel request can find it,
// and — if the connection was last configured for a different client —
// deploys clientID's startup parameters onto it before handing it back.
func (m *Manager) Attach(ctx context.Context, routeID string, pid, key uint32, clientID string, params map[string]string) (*backend.ServerConn, error) {
	m.mu.RLock()
	pool, ok := m.pools[routeID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown route: %s", routeID)
	}

	sc, err := pool.attach(ctx)
	if err != nil {
		return nil, err
	}

	if err := m.deployIfNeeded(sc, clientID, params); err != nil {
		pool.close(ctx, sc)
		return nil, &ConfigureError{Err: err}
	}

	m.sessMu.Lock()
	if entry, ok := m.sessions[sessionKey{pid, key}]; ok {
		entry.server = sc
	}
	m.sessMu.Unlock()

	return sc, nil
}

// deployIfNeeded reconfigures sc's session-level parameters when it was
// last deployed for a different client, matching od_frontend_attach_and_deploy's
// approach of issuing one batched SQL write whose ready-for-query replies
// the relay discards rather than forwards (tracked via sc.DeploySync).
// user/database are excluded, since those are fixed at connect time by
// the route's own credentials, not by the client's startup parameters.
func (m *Manager) deployIfNeeded(sc *backend.ServerConn, clientID string, params map[string]string) error {
	if sc.LastClientID() == clientID {
		return nil
	}

	var sets []string
	for name, value := range params {
		if name == "user" || name == "database" || !isSafeParamName(name) {
			continue
		}
		sets = append(sets, fmt.Sprintf("SET %s = %s;", name, quoteLiteral(value)))
	}

	sc.SetLastClientID(clientID)
	if len(sets) == 0 {
		return nil
	}

	batch := wire.BuildQuery(strings.Join(sets, " "))
	if _, err := sc.Conn().Write(batch.Bytes()); err != nil {
		return fmt.Errorf("deploying session parameters: %w", err)
	}
	sc.SetDeploySync(1)
	return nil
}

// isSafeParamName restricts deployed GUC names to the identifier
// characters PostgreSQL itself allows, so a malicious startup parameter
// cannot break out of the generated SET statement.
func isSafeParamName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if !(r == '_' || r == '.' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')) {
			return false
		}
	}
	return true
}

// quoteLiteral renders v as a PostgreSQL string literal, doubling any
// embedded single quotes.
func quoteLiteral(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "''") + "'"
}

// Detach resets and returns a server connection to its route's idle
// pool, clearing the session's server association.
func (m *Manager) Detach(ctx context.Context, routeID string, pid, key uint32, sc *backend.ServerConn) error {
	m.clearSessionServer(pid, key)

	m.mu.RLock()
	pool, ok := m.pools[routeID]
	m.mu.RUnlock()
	if !ok {
		return sc.Close()
	}
	return pool.detach(ctx, sc)
}

// Close permanently discards a server connection, clearing the session's
// server association.
func (m *Manager) Close(ctx context.Context, routeID string, pid, key uint32, sc *backend.ServerConn) error {
	m.clearSessionServer(pid, key)

	m.mu.RLock()
	pool, ok := m.pools[routeID]
	m.mu.RUnlock()
	if !ok || sc == nil {
		if sc != nil {
			return sc.Close()
		}
		return nil
	}
	return pool.close(ctx, sc)
}

// Unroute removes a session's bookkeeping entirely — called once the
// frontend session task has finished, regardless of the terminal outcome.
func (m *Manager) Unroute(ctx context.Context, pid, key uint32) {
	m.sessMu.Lock()
	delete(m.sessions, sessionKey{pid, key})
	m.sessMu.Unlock()

	if m.coordinator != nil {
		m.coordinator.UnregisterCancelKey(ctx, pid, key)
	}
}

func (m *Manager) clearSessionServer(pid, key uint32) {
	m.sessMu.Lock()
	if entry, ok := m.sessions[sessionKey{pid, key}]; ok {
		entry.server = nil
	}
	m.sessMu.Unlock()
}

// Cancel implements a PostgreSQL CancelRequest: it finds the server
// currently attached to the named session and opens a brand-new
// connection to its upstream carrying the server's own BackendKeyData,
// exactly as a real PostgreSQL server expects — the cancel is delivered
// out-of-band from the session's own socket.
func (m *Manager) Cancel(ctx context.Context, pid, key uint32) error {
	m.sessMu.Lock()
	entry, ok := m.sessions[sessionKey{pid, key}]
	m.sessMu.Unlock()

	if !ok || entry.server == nil {
		// No server is attached here for this key: the session is unknown
		// to this instance, or it is between transactions. Cross-instance forwarding would
		// require an inter-proxy control channel this deployment does not
		// have; the cancel is silently dropped, matching PostgreSQL's own
		// "cancel requests are best-effort" semantics.
		if m.coordinator != nil {
			if owner, found := m.coordinator.LookupCancelKey(ctx, pid, key); found {
				log.Printf("[router] cancel for pid=%d key=%d owned by instance %s, cross-instance forwarding not implemented", pid, key, owner)
			}
		}
		return nil
	}

	rt, ok := m.RouteByID(entry.routeID)
	if !ok {
		return fmt.Errorf("cancel: unknown route %s", entry.routeID)
	}

	backendPID, backendKey := entry.server.BackendKeyData()

	conn, err := net.DialTimeout("tcp", rt.Addr(), rt.ConnectionTimeout)
	if err != nil {
		return fmt.Errorf("cancel: dialing %s: %w", rt.Addr(), err)
	}
	defer conn.Close()

	_, err = conn.Write(wire.BuildCancelRequest(backendPID, backendKey))
	return err
}

// Stats returns a snapshot of every pooled route for the console
// handler's SHOW POOLS.
func (m *Manager) Stats() []PoolStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make([]PoolStats, 0, len(m.pools))
	for _, p := range m.pools {
		stats = append(stats, p.stats())
	}
	return stats
}

// Shutdown shuts down every route pool.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pools {
		p.shutdown(ctx)
	}
}

// secondsHeartbeatTTL bounds how long a cancel-key directory entry
// survives without being refreshed. It equals the default heartbeat TTL
// (30s); a configured redis.heartbeat_ttl does not change it.
const secondsHeartbeatTTL = 30
