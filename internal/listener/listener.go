// Package listener accepts client TCP connections and spawns one
// frontend session task per connection.
package listener

import (
	"context"
	"errors"
	"log"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/mateus-silva/pgpool/internal/config"
	"github.com/mateus-silva/pgpool/internal/router"
	"github.com/mateus-silva/pgpool/internal/session"
)

// Server accepts client connections on the configured listen address and
// runs one session per accepted connection until stopped.
type Server struct {
	cfg *config.Config
	mgr *router.Manager

	listener       net.Listener
	activeSessions atomic.Int64

	done   chan struct{}
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewServer creates a listener bound to the manager that serves every
// accepted session's backend traffic.
func NewServer(cfg *config.Config, mgr *router.Manager) *Server {
	return &Server{
		cfg:  cfg,
		mgr:  mgr,
		done: make(chan struct{}),
	}
}

// Start binds the listen address and begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Proxy.ListenAddr, strconv.Itoa(s.cfg.Proxy.ListenPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	log.Printf("[listener] accepting connections on %s", addr)
	go s.acceptLoop(runCtx)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if isListenerClosed(err) {
				return
			}
			log.Printf("[listener] accept error: %v", err)
			continue
		}

		s.wg.Add(1)
		s.activeSessions.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.activeSessions.Add(-1)

			sess := session.New(conn, s.cfg, s.mgr)
			sess.Handle(ctx)
		}()
	}
}

// Stop closes the listener and waits for every in-flight session to
// finish, up to the given context's deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		s.listener.Close()
	}

	waitDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveSessions returns the number of sessions currently being served.
func (s *Server) ActiveSessions() int64 {
	return s.activeSessions.Load()
}

func isListenerClosed(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Err.Error() == "use of closed network connection"
}
