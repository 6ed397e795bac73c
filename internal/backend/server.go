// Package backend manages the proxy's own connections to upstream
// PostgreSQL servers: raw-wire startup/authentication handshakes and the
// pooled server-connection lifecycle attached to a client session.
package backend

import (
	"net"
	"sync"
	"time"
)

// PinReason names why a server connection cannot currently be returned to
// the idle pool. The values mirror the pin triggers the wire inspector
// detects in client traffic.
type PinReason string

const (
	PinNone          PinReason = ""
	PinTransaction   PinReason = "transaction"
	PinPrepared      PinReason = "prepared_statement"
	PinListenNotify  PinReason = "listen/notify"
	PinCursor        PinReason = "cursor"
	PinTempTable     PinReason = "temp_table"
)

// ConnState is the lifecycle state of a ServerConn within its route pool.
type ConnState int

const (
	ConnStateIdle ConnState = iota
	ConnStateActive
	ConnStateClosed
)

// ServerConn wraps a raw net.Conn to an upstream PostgreSQL server,
// carrying the state learned during the startup handshake and the
// bookkeeping the router needs to manage pooling.
type ServerConn struct {
	mu sync.Mutex

	conn    net.Conn
	id      uint64
	routeID string
	state   ConnState

	pinReason PinReason
	pinnedAt  time.Time

	// isTransaction/isCopy mirror the two wire-visible states the relay
	// must track to decide when a transaction-mode connection may be
	// returned to the pool: whether a transaction is currently open, and
	// whether a COPY stream is in progress (which must never be
	// interrupted by a reset).
	isTransaction bool
	isCopy        bool

	// backendPID/backendKey are the values from BackendKeyData, needed to
	// issue a CancelRequest against this exact backend.
	backendPID uint32
	backendKey uint32

	// params caches the ParameterStatus values the server reported at
	// startup (server_version, client_encoding, TimeZone, ...).
	params map[string]string

	// startupErr holds the text of the backend's own startup/authentication
	// error, if the most recent attempt to complete the handshake on this
	// connection failed. A route with client_fwd_error sends this text to
	// the client as the detail of a CONNECTION_FAILURE frame instead of a
	// generic failure message; the backend's own error frame is not kept.
	startupErr string

	// lastClientID is the id of the session that last reconfigured this
	// connection's session-level parameters. deploySync counts
	// ready-for-query replies still owed to a reconfiguration ("deploy")
	// batch that the relay must discard rather than forward to the client.
	lastClientID string
	deploySync   int

	createdAt       time.Time
	lastUsedAt      time.Time
	lastHealthCheck time.Time
	useCount        uint64
}

func newServerConn(id uint64, routeID string, conn net.Conn) *ServerConn {
	now := time.Now()
	return &ServerConn{
		conn:            conn,
		id:              id,
		routeID:         routeID,
		state:           ConnStateIdle,
		params:          make(map[string]string),
		createdAt:       now,
		lastUsedAt:      now,
		lastHealthCheck: now,
	}
}

// Conn returns the underlying net.Conn for relaying traffic.
func (s *ServerConn) Conn() net.Conn { return s.conn }

// ID returns this connection's pool-local identifier.
func (s *ServerConn) ID() uint64 { return s.id }

// RouteID returns the route this connection belongs to.
func (s *ServerConn) RouteID() string { return s.routeID }

// BackendKeyData returns the PID/secret key the server assigned this
// connection, used to build a CancelRequest.
func (s *ServerConn) BackendKeyData() (pid, key uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.backendPID, s.backendKey
}

func (s *ServerConn) setBackendKeyData(pid, key uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.backendPID = pid
	s.backendKey = key
}

// ParameterStatus returns the cached value of a server parameter.
func (s *ServerConn) ParameterStatus(name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.params[name]
	return v, ok
}

// Parameters returns a copy of all cached server parameters, for
// replaying ParameterStatus to a client that attaches to this connection.
func (s *ServerConn) Parameters() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.params))
	for k, v := range s.params {
		out[k] = v
	}
	return out
}

func (s *ServerConn) setParameterStatus(name, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params[name] = value
}

// State returns the connection's current lifecycle state.
func (s *ServerConn) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsPinned reports whether the connection is currently pinned.
func (s *ServerConn) IsPinned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pinReason != PinNone
}

// PinReasonValue returns the current pin reason, or PinNone.
func (s *ServerConn) PinReasonValue() PinReason {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pinReason
}

// Pin marks the connection as pinned for the given reason.
func (s *ServerConn) Pin(reason PinReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pinReason == PinNone {
		s.pinnedAt = time.Now()
	}
	s.pinReason = reason
}

// Unpin clears the pin reason and returns how long the connection was
// pinned.
func (s *ServerConn) Unpin() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dur time.Duration
	if s.pinReason != PinNone {
		dur = time.Since(s.pinnedAt)
	}
	s.pinReason = PinNone
	s.pinnedAt = time.Time{}
	return dur
}

// SetTransaction records whether the session has an open transaction on
// this connection, as observed from BEGIN/COMMIT/ROLLBACK traffic and from
// the status byte of each ReadyForQuery.
func (s *ServerConn) SetTransaction(open bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isTransaction = open
}

// IsTransaction reports whether a transaction is currently open.
func (s *ServerConn) IsTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isTransaction
}

// SetCopy records whether a COPY stream is currently in progress.
func (s *ServerConn) SetCopy(inCopy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isCopy = inCopy
}

// IsCopy reports whether a COPY stream is currently in progress.
func (s *ServerConn) IsCopy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isCopy
}

// setStartupError records the backend's own startup/authentication
// failure text, called from the connector's failure path.
func (s *ServerConn) setStartupError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.startupErr = err.Error()
	}
}

// StartupError returns the last recorded backend startup error text, or
// "" if none was recorded.
func (s *ServerConn) StartupError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startupErr
}

// LastClientID returns the id of the session that last reconfigured this
// connection's session-level parameters.
func (s *ServerConn) LastClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastClientID
}

// SetLastClientID records the session that configured this connection.
func (s *ServerConn) SetLastClientID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastClientID = id
}

// SetDeploySync sets the number of ready-for-query replies still owed to
// a just-issued reconfiguration batch.
func (s *ServerConn) SetDeploySync(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deploySync = n
}

// DeploySync returns the number of ready-for-query replies still owed to
// the last reconfiguration batch.
func (s *ServerConn) DeploySync() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deploySync
}

// DecrementDeploySync consumes one owed ready-for-query reply and
// returns the remaining count.
func (s *ServerConn) DecrementDeploySync() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deploySync > 0 {
		s.deploySync--
	}
	return s.deploySync
}

// MarkAttached transitions the connection to the active state and bumps
// its use count. Called by the router pool when handing the connection
// to a session.
func (s *ServerConn) MarkAttached() {
	s.markAcquired()
}

func (s *ServerConn) markAcquired() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = ConnStateActive
	s.lastUsedAt = time.Now()
	s.useCount++
}

func (s *ServerConn) markIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = ConnStateIdle
	s.lastUsedAt = time.Now()
}

func (s *ServerConn) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = ConnStateClosed
}

// IdleDuration returns how long the connection has been idle.
func (s *ServerConn) IdleDuration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastUsedAt)
}

// Close closes the underlying network connection.
func (s *ServerConn) Close() error {
	s.markClosed()
	return s.conn.Close()
}
