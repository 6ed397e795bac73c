// Package session implements the frontend session task: the per-client
// goroutine that reads a startup frame, routes and authenticates the
// session, then either drives the remote relay loop or the local console
// loop until a terminal outcome is reached.
package session

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mateus-silva/pgpool/internal/backend"
	"github.com/mateus-silva/pgpool/internal/config"
	"github.com/mateus-silva/pgpool/internal/metrics"
	"github.com/mateus-silva/pgpool/internal/router"
	"github.com/mateus-silva/pgpool/internal/wire"
	"github.com/mateus-silva/pgpool/pkg/route"
)

// outcome is the terminal code a session ends on, driving the cleanup
// dispatcher's client message and router call.
type outcome int

const (
	outcomeOK outcome = iota
	outcomeKill
	outcomeTerminate
	outcomeEAttach
	outcomeEServerConnect
	outcomeEServerConfigure
	outcomeEServerRead
	outcomeEServerWrite
	outcomeEClientRead
	outcomeEClientWrite
	outcomeEClientConfigure
)

func (o outcome) String() string {
	switch o {
	case outcomeOK:
		return "OK"
	case outcomeKill:
		return "KILL"
	case outcomeTerminate:
		return "TERMINATE"
	case outcomeEAttach:
		return "EATTACH"
	case outcomeEServerConnect:
		return "ESERVER_CONNECT"
	case outcomeEServerConfigure:
		return "ESERVER_CONFIGURE"
	case outcomeEServerRead:
		return "ESERVER_READ"
	case outcomeEServerWrite:
		return "ESERVER_WRITE"
	case outcomeEClientRead:
		return "ECLIENT_READ"
	case outcomeEClientWrite:
		return "ECLIENT_WRITE"
	case outcomeEClientConfigure:
		return "ECLIENT_CONFIGURE"
	default:
		return "UNKNOWN"
	}
}

// controlOp is the word carried over a session's notification endpoint.
type controlOp int

const (
	controlNone controlOp = iota
	controlKill
)

var sessionCounter atomic.Uint64

// Session is one accepted client connection, tracked from accept through
// cleanup.
type Session struct {
	seq    uint64
	id     uuid.UUID
	pid    uint32
	key    uint32
	client net.Conn

	cfg *config.Config
	mgr *router.Manager

	control chan controlOp

	rt     *route.Config
	server *backend.ServerConn

	params    map[string]string
	startedAt time.Time

	// lastErr holds the underlying typed error from the most recent
	// router.Manager call that failed, consulted by cleanup to pick a
	// client-facing message specific to the failure cause.
	lastErr error
}

// New creates a session for a freshly accepted client connection.
func New(clientConn net.Conn, cfg *config.Config, mgr *router.Manager) *Session {
	id := uuid.New()
	pid, key := keyPairFromID(id)

	return &Session{
		seq:       sessionCounter.Add(1),
		id:        id,
		pid:       pid,
		key:       key,
		client:    clientConn,
		cfg:       cfg,
		mgr:       mgr,
		control:   make(chan controlOp, 1),
		params:    make(map[string]string),
		startedAt: time.Now(),
	}
}

// keyPairFromID derives the client-visible backend-key-data pair from a
// session id: a fresh value per session, never reused across server
// assignments since the id itself is a fresh UUID.
func keyPairFromID(id uuid.UUID) (pid, key uint32) {
	b := id[:]
	return binary.BigEndian.Uint32(b[0:4]), binary.BigEndian.Uint32(b[4:8])
}

// Kill posts a KILL control word to the session's notification endpoint.
// Safe to call from any goroutine; non-blocking, since a session only ever
// has room for one pending control word.
func (s *Session) Kill() {
	select {
	case s.control <- controlKill:
	default:
	}
}

// Handle runs the full frontend session task to completion.
func (s *Session) Handle(ctx context.Context) {
	defer s.logEnd()

	if s.cfg.Proxy.SessionTimeout > 0 {
		_ = s.client.SetDeadline(time.Now().Add(s.cfg.Proxy.SessionTimeout))
	}

	startup, err := wire.ReadStartupFrame(s.client)
	if err != nil {
		if s.cfg.Proxy.LogSession {
			log.Printf("[session:%d] startup read failed: %v", s.seq, err)
		}
		s.writeClientError(wire.ProtocolViolation("invalid startup frame"))
		s.cleanup(ctx, outcomeEClientRead)
		return
	}

	for startup.Kind == wire.StartupSSLRequest || startup.Kind == wire.StartupGSSENCRequest {
		startup, err = s.negotiateEncryption(startup)
		if err != nil {
			if s.cfg.Proxy.LogSession {
				log.Printf("[session:%d] encryption negotiation failed: %v", s.seq, err)
			}
			s.cleanup(ctx, outcomeEClientWrite)
			return
		}
	}

	if startup.Kind == wire.StartupCancelRequest {
		if err := s.mgr.Cancel(ctx, startup.CancelPID, startup.CancelKey); err != nil {
			log.Printf("[session:%d] cancel forwarding failed: %v", s.seq, err)
		}
		s.client.Close()
		return
	}

	if startup.Kind != wire.StartupNormal {
		s.writeClientError(wire.ProtocolViolation("unexpected startup frame"))
		s.client.Close()
		return
	}

	s.params = startup.Params

	rt, status := s.route()
	if status != router.ResolveOK {
		s.writeClientError(wire.UndefinedDatabase(s.params["database"]))
		s.client.Close()
		return
	}
	s.rt = rt

	if s.cfg.Proxy.LogSession {
		log.Printf("[session:%d] id=%s routed to %s (database=%s user=%s)",
			s.seq, s.idPrefix(), rt.ID, s.params["database"], s.params["user"])
	}

	s.mgr.RegisterSession(ctx, rt.ID, s.pid, s.key)

	if err := s.authenticate(); err != nil {
		log.Printf("[session:%d] authentication failed: %v", s.seq, err)
		s.mgr.Unroute(ctx, s.pid, s.key)
		s.client.Close()
		return
	}

	metrics.SessionsActive.WithLabelValues(rt.ID).Inc()
	defer metrics.SessionsActive.WithLabelValues(rt.ID).Dec()

	var out outcome
	if rt.StorageType == route.StorageLocal {
		if err := s.setupLocal(); err != nil {
			s.cleanup(ctx, outcomeEClientWrite)
			return
		}
		out = s.runLocal(ctx)
	} else {
		if err := s.setupRemote(ctx); err != nil {
			if ae, ok := err.(*attachError); ok {
				s.cleanup(ctx, classifyAttachErr(ae.err))
				return
			}
			s.cleanup(ctx, outcomeEClientWrite)
			return
		}
		out = s.runRemote(ctx)
	}

	s.cleanup(ctx, out)
}

// idPrefix renders the session id for log lines: a short printable prefix
// plus the full id. Client-visible error messages do not include it.
func (s *Session) idPrefix() string {
	return fmt.Sprintf("sess-%s", s.id.String())
}

func (s *Session) logEnd() {
	s.client.Close()
	if s.cfg.Proxy.LogSession {
		log.Printf("[session:%d] ended after %v", s.seq, time.Since(s.startedAt))
	}
}

func (s *Session) writeClientError(msg *wire.Message) {
	if _, err := s.client.Write(msg.Bytes()); err != nil && s.cfg.Proxy.LogSession {
		log.Printf("[session:%d] failed to write error to client: %v", s.seq, err)
	}
}
