package session

import (
	"context"
	"errors"
	"log"

	"github.com/mateus-silva/pgpool/internal/router"
	"github.com/mateus-silva/pgpool/internal/wire"
)

// cleanup maps a terminal outcome to the client-visible error (if any)
// and the router call that disposes of the session's server lease and
// cancel-key registration, per §4.6.
func (s *Session) cleanup(ctx context.Context, out outcome) {
	defer s.mgr.Unroute(ctx, s.pid, s.key)

	switch out {
	case outcomeEAttach:
		s.writeClientError(s.attachErrorMessage())
		s.discardServer(ctx)

	case outcomeOK, outcomeKill, outcomeTerminate:
		s.detachOrClose(ctx)

	case outcomeEClientRead, outcomeEClientWrite:
		// The client is already gone; nothing to write.
		s.detachOrClose(ctx)

	case outcomeEClientConfigure:
		s.writeClientError(wire.ConnectionFailure("client session configuration error"))
		s.detachOrClose(ctx)

	case outcomeEServerConnect:
		s.writeClientError(s.serverConnectErrorMessage())
		s.discardServer(ctx)

	case outcomeEServerConfigure:
		s.writeClientError(wire.ConnectionFailure("failed to configure remote server"))
		s.discardServer(ctx)

	case outcomeEServerRead, outcomeEServerWrite:
		s.writeClientError(wire.ConnectionFailure("remote server read/write error"))
		s.discardServer(ctx)

	default:
		log.Printf("[session:%d] cleanup: unhandled outcome %s", s.seq, out)
		s.discardServer(ctx)
	}

	if s.cfg.Proxy.LogSession {
		log.Printf("[session:%d] terminal outcome: %s", s.seq, out)
	}
}

// attachErrorMessage picks the client-visible error for an EATTACH
// outcome, distinguishing admission denial (pool exhausted/queue
// rejected) from every other attach failure.
func (s *Session) attachErrorMessage() *wire.Message {
	var admissionErr *router.AdmissionError
	if errors.As(s.lastErr, &admissionErr) {
		return wire.TooManyConnections(s.rt.ID)
	}
	return wire.ConnectionFailure("failed to get remote server connection")
}

// serverConnectErrorMessage picks the client-visible error for an
// ESERVER_CONNECT outcome. A route configured with client_fwd_error gets
// the backend's stored startup error text, when one was recorded, as the
// detail of a CONNECTION_FAILURE frame; the backend's own error frame
// (its severity and SQLSTATE) is not passed through. Otherwise every
// client gets the same generic message.
func (s *Session) serverConnectErrorMessage() *wire.Message {
	var connectErr *router.ConnectError
	if s.rt.ClientFwdError && errors.As(s.lastErr, &connectErr) && connectErr.Detail != "" {
		return wire.ConnectionFailure(connectErr.Detail)
	}
	return wire.ConnectionFailure("failed to connect to remote server")
}

// detachOrClose returns the server connection to the pool if it is still
// in a clean, reusable state, otherwise discards it. No server attached
// is a no-op beyond the deferred Unroute.
func (s *Session) detachOrClose(ctx context.Context) {
	if s.server == nil {
		return
	}
	sc := s.server
	s.server = nil
	if err := s.mgr.Detach(ctx, s.rt.ID, s.pid, s.key, sc); err != nil {
		log.Printf("[session:%d] detach failed, connection discarded: %v", s.seq, err)
	}
}

// discardServer permanently closes the session's server connection, if
// any.
func (s *Session) discardServer(ctx context.Context) {
	if s.server == nil || s.rt == nil {
		return
	}
	sc := s.server
	s.server = nil
	if err := s.mgr.Close(ctx, s.rt.ID, s.pid, s.key, sc); err != nil {
		log.Printf("[session:%d] close failed: %v", s.seq, err)
	}
}
