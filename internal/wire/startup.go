package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Protocol version / special request codes carried in the first 4 bytes of
// a startup-phase (untyped) frame.
const (
	ProtocolVersion3 uint32 = 3<<16 | 0
	sslRequestCode   uint32 = 80877103
	cancelRequestCode uint32 = 80877102
	gssEncRequestCode uint32 = 80877104
)

// StartupKind distinguishes the four shapes an initial frame can take.
type StartupKind int

const (
	StartupNormal StartupKind = iota
	StartupSSLRequest
	StartupGSSENCRequest
	StartupCancelRequest
)

// StartupMessage is the parsed result of the client's initial greeting
// frame, once it has resolved past any SSL/GSSENC negotiation.
type StartupMessage struct {
	Kind StartupKind

	// Populated when Kind == StartupNormal.
	Params map[string]string

	// Populated when Kind == StartupCancelRequest.
	CancelPID uint32
	CancelKey uint32

	// Raw bytes of the frame as received, including the 4-byte length
	// prefix. The backend connector does not forward it; it builds its own
	// startup frame from the route's credentials.
	Raw []byte
}

// ReadStartupFrame reads one untyped (length-prefixed, no type byte) frame
// and classifies it. It does not loop on SSL negotiation; callers drive that
// loop themselves (see Session.Handle and negotiateEncryption in
// internal/session) since the response to SSL/GSSENC must
// be written, and possibly a TLS handshake performed, before the next frame
// is read.
func ReadStartupFrame(r io.Reader) (*StartupMessage, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	msgLen := int(binary.BigEndian.Uint32(lenBuf[:]))
	if msgLen < 8 || msgLen > MaxMessageSize {
		return nil, fmt.Errorf("wire: invalid startup frame length %d", msgLen)
	}

	body := make([]byte, msgLen-4)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	raw := make([]byte, msgLen)
	copy(raw[:4], lenBuf[:])
	copy(raw[4:], body)

	code := binary.BigEndian.Uint32(body[:4])
	switch code {
	case sslRequestCode:
		return &StartupMessage{Kind: StartupSSLRequest, Raw: raw}, nil
	case gssEncRequestCode:
		return &StartupMessage{Kind: StartupGSSENCRequest, Raw: raw}, nil
	case cancelRequestCode:
		if len(body) < 12 {
			return nil, fmt.Errorf("wire: truncated cancel request")
		}
		return &StartupMessage{
			Kind:      StartupCancelRequest,
			CancelPID: binary.BigEndian.Uint32(body[4:8]),
			CancelKey: binary.BigEndian.Uint32(body[8:12]),
			Raw:       raw,
		}, nil
	default:
		params, err := parseStartupParams(body[4:])
		if err != nil {
			return nil, err
		}
		return &StartupMessage{Kind: StartupNormal, Params: params, Raw: raw}, nil
	}
}

// parseStartupParams decodes the null-terminated key/value pairs following
// the protocol version in a normal startup frame, terminated by a final nul.
func parseStartupParams(data []byte) (map[string]string, error) {
	params := make(map[string]string)
	for len(data) > 1 {
		keyEnd := indexZero(data)
		if keyEnd < 0 {
			return nil, fmt.Errorf("wire: unterminated startup parameter key")
		}
		key := string(data[:keyEnd])
		data = data[keyEnd+1:]

		valEnd := indexZero(data)
		if valEnd < 0 {
			return nil, fmt.Errorf("wire: unterminated startup parameter value")
		}
		params[key] = string(data[:valEnd])
		data = data[valEnd+1:]
	}
	return params, nil
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// BuildStartupMessage re-encodes a set of startup parameters into a raw
// startup frame — used by the backend connector to issue its own startup to
// the upstream server (possibly with parameters rewritten, e.g. `database`).
func BuildStartupMessage(params map[string]string) []byte {
	var body []byte
	var verBuf [4]byte
	binary.BigEndian.PutUint32(verBuf[:], ProtocolVersion3)
	body = append(body, verBuf[:]...)
	for k, v := range params {
		body = append(body, k...)
		body = append(body, 0)
		body = append(body, v...)
		body = append(body, 0)
	}
	body = append(body, 0)

	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out[:4], uint32(4+len(body)))
	copy(out[4:], body)
	return out
}

// BuildSSLResponse returns the single-byte response to an SSLRequest/
// GSSENCRequest frame: 'S' to accept, 'N' to decline.
func BuildSSLResponse(accept bool) []byte {
	if accept {
		return []byte{'S'}
	}
	return []byte{'N'}
}

// BuildCancelRequest encodes an upstream CancelRequest frame for the given
// backend key data, to be sent over a fresh, short-lived connection.
func BuildCancelRequest(pid, key uint32) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], 16)
	binary.BigEndian.PutUint32(buf[4:8], cancelRequestCode)
	binary.BigEndian.PutUint32(buf[8:12], pid)
	binary.BigEndian.PutUint32(buf[12:16], key)
	return buf
}

// BuildSSLRequest encodes the client-side SSLRequest frame. The backend
// connector does not send it: upstream connections are plain TCP.
func BuildSSLRequest() []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], 8)
	binary.BigEndian.PutUint32(buf[4:8], sslRequestCode)
	return buf
}
