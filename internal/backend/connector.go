package backend

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/mateus-silva/pgpool/internal/wire"
	"github.com/mateus-silva/pgpool/pkg/route"
	"github.com/xdg-go/scram"
)

// Connector dials upstream PostgreSQL servers and performs the startup
// and authentication handshake on the proxy's behalf, producing a
// ServerConn ready to be handed to a client session.
type Connector struct {
	nextID atomic.Uint64
}

// NewConnector creates a Connector.
func NewConnector() *Connector {
	return &Connector{}
}

// Connect dials the route's upstream server, completes the startup
// message and authentication exchange using the route's configured
// credentials, and drains ParameterStatus/BackendKeyData up to the first
// ReadyForQuery. If the handshake itself fails (as opposed to the dial or
// the write of the startup message), the returned ServerConn is non-nil
// even though err is set, so its
// StartupError can be consulted and forwarded to the client.
func (c *Connector) Connect(ctx context.Context, cfg *route.Config) (*ServerConn, error) {
	dialer := net.Dialer{Timeout: cfg.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.Addr())
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", cfg.Addr(), err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	sc := newServerConn(c.nextID.Add(1), cfg.ID, conn)

	startup := wire.BuildStartupMessage(map[string]string{
		"user":     cfg.Username,
		"database": cfg.Database,
	})
	if _, err := conn.Write(startup); err != nil {
		conn.Close()
		return nil, fmt.Errorf("writing startup message: %w", err)
	}

	if err := c.handshake(conn, cfg, sc); err != nil {
		conn.Close()
		sc.setStartupError(err)
		return sc, err
	}

	conn.SetDeadline(time.Time{})
	return sc, nil
}

// handshake drives the authentication exchange and drains startup
// messages (ParameterStatus, BackendKeyData) until ReadyForQuery.
func (c *Connector) handshake(conn net.Conn, cfg *route.Config, sc *ServerConn) error {
	for {
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			return fmt.Errorf("reading from backend: %w", err)
		}

		switch msg.Type {
		case wire.Authentication:
			done, err := c.handleAuth(conn, cfg, msg.Payload)
			if err != nil {
				return err
			}
			if done {
				continue
			}

		case wire.ParameterStatus:
			if name, value, ok := wire.ParseParameterStatus(msg.Payload); ok {
				sc.setParameterStatus(name, value)
			}

		case wire.BackendKeyData:
			if pid, key, ok := wire.ParseBackendKeyData(msg.Payload); ok {
				sc.setBackendKeyData(pid, key)
			}

		case wire.ErrorResponse:
			_, sqlstate, message := wire.ParseErrorResponse(msg.Payload)
			return fmt.Errorf("backend rejected startup (%s): %s", sqlstate, message)

		case wire.ReadyForQuery:
			return nil

		default:
			// NoticeResponse and similar are safe to ignore during startup.
		}
	}
}

// handleAuth dispatches on the Authentication sub-code. Returns done=true
// when the sub-code requires no further action from us (AuthenticationOk).
func (c *Connector) handleAuth(conn net.Conn, cfg *route.Config, payload []byte) (done bool, err error) {
	if len(payload) < 4 {
		return false, fmt.Errorf("malformed Authentication message")
	}
	code := binary.BigEndian.Uint32(payload[:4])

	switch code {
	case wire.AuthOK:
		return true, nil

	case wire.AuthCleartextPassword:
		pw := append([]byte(cfg.Password), 0)
		return false, wire.WriteMessage(conn, wire.PasswordMessage, pw)

	case wire.AuthMD5Password:
		if len(payload) < 8 {
			return false, fmt.Errorf("malformed AuthenticationMD5Password message")
		}
		salt := payload[4:8]
		hashed := md5Hash(cfg.Username, cfg.Password, salt)
		pw := append([]byte(hashed), 0)
		return false, wire.WriteMessage(conn, wire.PasswordMessage, pw)

	case wire.AuthSASL:
		return false, c.handleSASL(conn, cfg, payload[4:])

	case wire.AuthSASLContinue, wire.AuthSASLFinal:
		// Consumed inside handleSASL; reaching here means the server sent
		// these out of the expected order.
		return false, fmt.Errorf("unexpected SASL message outside SASL exchange (code=%d)", code)

	default:
		return false, fmt.Errorf("unsupported authentication method (code=%d)", code)
	}
}

// md5Hash computes PostgreSQL's "md5" + hex(md5(hex(md5(password+user)) + salt)).
func md5Hash(user, password string, salt []byte) string {
	inner := md5.Sum([]byte(password + user))
	innerHex := hex.EncodeToString(inner[:])
	outer := md5.Sum(append([]byte(innerHex), salt...))
	return "md5" + hex.EncodeToString(outer[:])
}

// handleSASL drives a SCRAM-SHA-256 exchange per RFC 5802 as profiled by
// the PostgreSQL wire protocol, using the server's offered mechanism list
// in mechanismsPayload.
func (c *Connector) handleSASL(conn net.Conn, cfg *route.Config, mechanismsPayload []byte) error {
	if !containsMechanism(mechanismsPayload, "SCRAM-SHA-256") {
		return fmt.Errorf("server does not offer SCRAM-SHA-256")
	}

	client, err := scram.SHA256.NewClient(cfg.Username, cfg.Password, "")
	if err != nil {
		return fmt.Errorf("creating scram client: %w", err)
	}
	conv := client.NewConversation()

	clientFirst, err := conv.Step("")
	if err != nil {
		return fmt.Errorf("scram client-first step: %w", err)
	}

	if err := writeSASLInitialResponse(conn, "SCRAM-SHA-256", clientFirst); err != nil {
		return err
	}

	msg, err := wire.ReadMessage(conn)
	if err != nil {
		return fmt.Errorf("reading SASLContinue: %w", err)
	}
	if msg.Type == wire.ErrorResponse {
		_, sqlstate, message := wire.ParseErrorResponse(msg.Payload)
		return fmt.Errorf("backend rejected SASL (%s): %s", sqlstate, message)
	}
	if len(msg.Payload) < 4 || binary.BigEndian.Uint32(msg.Payload[:4]) != wire.AuthSASLContinue {
		return fmt.Errorf("expected AuthenticationSASLContinue")
	}
	serverFirst := string(msg.Payload[4:])

	clientFinal, err := conv.Step(serverFirst)
	if err != nil {
		return fmt.Errorf("scram server-first step: %w", err)
	}

	if err := wire.WriteMessage(conn, wire.PasswordMessage, []byte(clientFinal)); err != nil {
		return fmt.Errorf("writing SASLResponse: %w", err)
	}

	msg, err = wire.ReadMessage(conn)
	if err != nil {
		return fmt.Errorf("reading SASLFinal: %w", err)
	}
	if msg.Type == wire.ErrorResponse {
		_, sqlstate, message := wire.ParseErrorResponse(msg.Payload)
		return fmt.Errorf("backend rejected SASL (%s): %s", sqlstate, message)
	}
	if len(msg.Payload) < 4 || binary.BigEndian.Uint32(msg.Payload[:4]) != wire.AuthSASLFinal {
		return fmt.Errorf("expected AuthenticationSASLFinal")
	}
	serverFinal := string(msg.Payload[4:])

	if _, err := conv.Step(serverFinal); err != nil {
		return fmt.Errorf("scram server-final step: %w", err)
	}
	if !conv.Valid() {
		return fmt.Errorf("scram conversation did not validate the server")
	}

	// The AuthenticationOk that follows is consumed by the handshake loop.
	return nil
}

// writeSASLInitialResponse builds and sends the PasswordMessage carrying
// a SASLInitialResponse: mechanism name, then the length-prefixed initial
// client response.
func writeSASLInitialResponse(conn net.Conn, mechanism string, clientFirst string) error {
	payload := append([]byte(mechanism), 0)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(clientFirst)))
	payload = append(payload, lenBuf...)
	payload = append(payload, clientFirst...)
	return wire.WriteMessage(conn, wire.PasswordMessage, payload)
}

// containsMechanism scans a nul-terminated, double-nul-terminated list of
// SASL mechanism names for the given name.
func containsMechanism(payload []byte, name string) bool {
	start := 0
	for i := 0; i < len(payload); i++ {
		if payload[i] == 0 {
			if string(payload[start:i]) == name {
				return true
			}
			start = i + 1
		}
	}
	return false
}

// Reset prepares a server connection to be returned to the idle pool. In
// transaction pool mode it issues "DISCARD ALL" as a simple query and
// drains the response up to ReadyForQuery, erasing any session-level
// state (prepared statements, temp tables, session variables) the next
// lessee must not inherit. In session pool mode the connection belongs to
// one client for its whole lifetime, so no reset is performed.
func (c *Connector) Reset(ctx context.Context, sc *ServerConn, mode route.PoolMode) error {
	if mode != route.PoolTransaction {
		sc.markIdle()
		return nil
	}

	conn := sc.Conn()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(5 * time.Second))
	}
	defer conn.SetDeadline(time.Time{})

	if _, err := conn.Write(wire.BuildQuery("DISCARD ALL").Bytes()); err != nil {
		return fmt.Errorf("sending DISCARD ALL: %w", err)
	}

	for {
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			return fmt.Errorf("reading DISCARD ALL response: %w", err)
		}
		switch msg.Type {
		case wire.ReadyForQuery:
			sc.markIdle()
			return nil
		case wire.ErrorResponse:
			_, sqlstate, message := wire.ParseErrorResponse(msg.Payload)
			return fmt.Errorf("DISCARD ALL failed (%s): %s", sqlstate, message)
		default:
			continue
		}
	}
}
