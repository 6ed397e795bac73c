package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/mateus-silva/pgpool/internal/router"
	"github.com/mateus-silva/pgpool/internal/wire"
	"github.com/mateus-silva/pgpool/pkg/route"
)

// negotiateEncryption answers an SSLRequest/GSSENCRequest frame and, for
// SSL, performs the TLS upgrade when the listener is configured with a
// certificate; it then reads the frame that follows on the (possibly now
// encrypted) connection. GSSENC is never supported and always declined.
func (s *Session) negotiateEncryption(startup *wire.StartupMessage) (*wire.StartupMessage, error) {
	if startup.Kind == wire.StartupGSSENCRequest {
		if _, err := s.client.Write(wire.BuildSSLResponse(false)); err != nil {
			return nil, err
		}
		return wire.ReadStartupFrame(s.client)
	}

	tlsConfigured := s.cfg.Proxy.TLSCertFile != "" && s.cfg.Proxy.TLSKeyFile != ""
	if !tlsConfigured {
		if _, err := s.client.Write(wire.BuildSSLResponse(false)); err != nil {
			return nil, err
		}
		return wire.ReadStartupFrame(s.client)
	}

	cert, err := tls.LoadX509KeyPair(s.cfg.Proxy.TLSCertFile, s.cfg.Proxy.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading listener TLS certificate: %w", err)
	}
	if _, err := s.client.Write(wire.BuildSSLResponse(true)); err != nil {
		return nil, err
	}

	tlsConn := tls.Server(s.client, &tls.Config{Certificates: []tls.Certificate{cert}})
	if err := tlsConn.Handshake(); err != nil {
		return nil, fmt.Errorf("TLS handshake: %w", err)
	}
	s.client = tlsConn

	return wire.ReadStartupFrame(s.client)
}

// attachError distinguishes a failure to obtain a server connection
// (mapped by classifyAttachErr to EATTACH, ESERVER_CONNECT or
// ESERVER_CONFIGURE) from any other setup failure (ECLIENT_WRITE).
type attachError struct{ err error }

func (e *attachError) Error() string { return e.err.Error() }
func (e *attachError) Unwrap() error { return e.err }

// route resolves the session's target route from its startup parameters.
// Admission limiting is not a routing-stage concern in this proxy (see
// router.ResolveStatus); a resolved route whose pool cannot admit the
// session fails later, at attach time, as an AdmissionError.
func (s *Session) route() (*route.Config, router.ResolveStatus) {
	return s.mgr.Resolve(s.params)
}

// authenticate is a trusted-auth stub: the proxy itself authenticates to
// the upstream with the route's own configured credentials (see
// internal/backend.Connector), so there is nothing to check against the
// backend here. It grants AuthenticationOk to every client unconditionally
// rather than relaying any client-facing method, matching a pooler
// configured for a trusted frontend network (see the auth.frontend entry
// in SPEC_FULL.md §6).
func (s *Session) authenticate() error {
	_, err := s.client.Write(wire.BuildAuthenticationOK().Bytes())
	return err
}

// classifyAttachErr maps an error returned by Manager.Attach to the
// terminal outcome that distinguishes admission denial from a live
// connect/configure failure.
func classifyAttachErr(err error) outcome {
	var connectErr *router.ConnectError
	if errors.As(err, &connectErr) {
		return outcomeEServerConnect
	}
	var configureErr *router.ConfigureError
	if errors.As(err, &configureErr) {
		return outcomeEServerConfigure
	}
	return outcomeEAttach
}

// setupRemote performs §4.2's post-auth remote setup: replay the route's
// cached parameters plus the client's own startup parameters, emit
// backend-key-data, then ready-for-query.
func (s *Session) setupRemote(ctx context.Context) error {
	cached, err := s.remoteParameterCache(ctx)
	if err != nil {
		return err
	}

	for name, value := range cached {
		if _, overridden := s.params[name]; overridden {
			continue
		}
		if err := s.writeOrFail(wire.BuildParameterStatus(name, value)); err != nil {
			return err
		}
	}
	for name, value := range s.params {
		if name == "user" || name == "database" {
			continue
		}
		if err := s.writeOrFail(wire.BuildParameterStatus(name, value)); err != nil {
			return err
		}
	}

	if err := s.writeOrFail(wire.BuildBackendKeyData(s.pid, s.key)); err != nil {
		return err
	}
	return s.writeOrFail(wire.BuildReadyForQuery(wire.TxIdle))
}

// remoteParameterCache returns the route's cached backend parameters,
// populating it with one throwaway attach/close if it is still empty.
func (s *Session) remoteParameterCache(ctx context.Context) (map[string]string, error) {
	if cached := s.rt.CachedParameters(); len(cached) > 0 {
		return cached, nil
	}

	sc, err := s.mgr.Attach(ctx, s.rt.ID, s.pid, s.key, s.id.String(), s.params)
	if err != nil {
		s.lastErr = err
		return nil, &attachError{err: err}
	}
	cached := sc.Parameters()
	s.rt.SetCachedParameters(cached)
	if err := s.mgr.Close(ctx, s.rt.ID, s.pid, s.key, sc); err != nil {
		return nil, err
	}
	return cached, nil
}

func (s *Session) writeOrFail(msg *wire.Message) error {
	_, err := s.client.Write(msg.Bytes())
	return err
}

// setupLocal performs §4.2's setup for `local` storage routes: a minimal
// parameter set plus ready-for-query, with no backend to consult.
func (s *Session) setupLocal() error {
	if err := s.writeOrFail(wire.BuildParameterStatus("server_version", "pgpool-console")); err != nil {
		return err
	}
	if err := s.writeOrFail(wire.BuildBackendKeyData(s.pid, s.key)); err != nil {
		return err
	}
	return s.writeOrFail(wire.BuildReadyForQuery(wire.TxIdle))
}
