// Package wire implements a minimal codec for the PostgreSQL frontend/backend
// protocol, version 3.
//
// Reference: https://www.postgresql.org/docs/current/protocol.html
//
// The proxy only needs to parse message framing and a small subset of message
// contents (startup, cancel, parameter status, ready-for-query, error
// response) for routing, pooling and pinning decisions. Everything else is
// forwarded as opaque bytes.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Backend/frontend message type bytes (protocol v3).
const (
	Query           byte = 'Q'
	Parse           byte = 'P'
	Bind            byte = 'B'
	Describe        byte = 'D'
	Execute         byte = 'E'
	Sync            byte = 'S'
	FunctionCall    byte = 'F'
	Terminate       byte = 'X'
	CopyDone        byte = 'c'
	CopyFail        byte = 'f'
	CopyData        byte = 'd'
	PasswordMessage byte = 'p'

	Authentication   byte = 'R'
	ErrorResponse    byte = 'E'
	NoticeResponse   byte = 'N'
	ParameterStatus  byte = 'S'
	BackendKeyData   byte = 'K'
	ReadyForQuery    byte = 'Z'
	RowDescription   byte = 'T'
	DataRow          byte = 'D'
	CommandComplete  byte = 'C'
	CopyInResponse   byte = 'G'
	CopyOutResponse  byte = 'H'
	EmptyQueryResp   byte = 'I'
)

// Authentication sub-message codes carried in the first 4 bytes of an
// Authentication ('R') message payload.
const (
	AuthOK                uint32 = 0
	AuthCleartextPassword uint32 = 3
	AuthMD5Password       uint32 = 5
	AuthSASL              uint32 = 10
	AuthSASLContinue      uint32 = 11
	AuthSASLFinal         uint32 = 12
)

// MaxMessageSize bounds a single message payload to guard against a
// malformed or hostile length field.
const MaxMessageSize = 1 << 24 // 16 MiB, matches PostgreSQL's own limit.

// ChunkSize is the buffer size used by the streaming chunk reader. Messages
// larger than this are forwarded across multiple chunks.
const ChunkSize = 8192

// Message is one fully-buffered frontend/backend message: a type byte (absent
// for the version-less startup/cancel/SSL-request frames) plus its payload
// (not including the type byte or the length field).
type Message struct {
	Type    byte // 0 for untyped (startup-phase) messages
	Payload []byte
}

// ReadMessage reads one complete, typed message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	var typeBuf [1]byte
	if _, err := io.ReadFull(r, typeBuf[:]); err != nil {
		return nil, err
	}
	payload, err := readLengthPrefixed(r)
	if err != nil {
		return nil, err
	}
	return &Message{Type: typeBuf[0], Payload: payload}, nil
}

// readLengthPrefixed reads a 4-byte big-endian length (inclusive of itself)
// followed by length-4 bytes of payload.
func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(lenBuf[:])) - 4
	if n < 0 || n > MaxMessageSize {
		return nil, fmt.Errorf("wire: invalid message length %d", n+4)
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// WriteMessage writes one typed message to w.
func WriteMessage(w io.Writer, msgType byte, payload []byte) error {
	buf := make([]byte, 1+4+len(payload))
	buf[0] = msgType
	binary.BigEndian.PutUint32(buf[1:5], uint32(4+len(payload)))
	copy(buf[5:], payload)
	_, err := w.Write(buf)
	return err
}

// Bytes serialises a typed message the same way WriteMessage would write it.
func (m *Message) Bytes() []byte {
	buf := make([]byte, 1+4+len(m.Payload))
	buf[0] = m.Type
	binary.BigEndian.PutUint32(buf[1:5], uint32(4+len(m.Payload)))
	copy(buf[5:], m.Payload)
	return buf
}

// ChunkReader streams a single typed message across one or more fixed-size
// chunks, matching the spec's "chunk" concept: a contiguous piece of bytes
// that may be the whole message, part of one, or a part that completes one.
// Only the first chunk of a message carries its type byte and is eligible
// for first-chunk inspection; later chunks of the same message are opaque.
type ChunkReader struct {
	r io.Reader

	inMessage bool // currently mid-message
	remaining int  // payload bytes left to read for the current message
	first     bool // next chunk emitted will be the first of its message
	msgType   byte
}

// NewChunkReader wraps r for chunked reads.
func NewChunkReader(r io.Reader) *ChunkReader {
	return &ChunkReader{r: r, first: true}
}

// Chunk is one piece of a message as produced by ChunkReader.Next.
type Chunk struct {
	Data     []byte
	First    bool // true if this chunk begins a new message
	Complete bool // true if this chunk ends the message (Data's last byte is the message's last byte)
	Type     byte // valid only when First is true
}

// Next reads and returns the next chunk. Each call does at most one
// underlying Read beyond what is needed to learn the next message's header,
// so it is suitable as the sole blocking operation of one poll-loop
// iteration.
func (c *ChunkReader) Next() (Chunk, error) {
	if !c.inMessage {
		var typeBuf [1]byte
		if _, err := io.ReadFull(c.r, typeBuf[:]); err != nil {
			return Chunk{}, err
		}
		var lenBuf [4]byte
		if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
			return Chunk{}, err
		}
		n := int(binary.BigEndian.Uint32(lenBuf[:])) - 4
		if n < 0 || n > MaxMessageSize {
			return Chunk{}, fmt.Errorf("wire: invalid message length %d", n+4)
		}
		c.inMessage = true
		c.remaining = n
		c.msgType = typeBuf[0]
		c.first = true

		// The header itself is always delivered as a standalone first
		// chunk (possibly of zero payload length) so the caller can
		// inspect Type before any payload bytes are forwarded.
		hdr := make([]byte, 0, 5)
		hdr = append(hdr, typeBuf[0])
		hdr = append(hdr, lenBuf[:]...)
		chunk := Chunk{Data: hdr, First: true, Type: c.msgType, Complete: c.remaining == 0}
		if c.remaining == 0 {
			c.inMessage = false
		}
		c.first = false
		return chunk, nil
	}

	size := ChunkSize
	if size > c.remaining {
		size = c.remaining
	}
	buf := make([]byte, size)
	if size > 0 {
		if _, err := io.ReadFull(c.r, buf); err != nil {
			return Chunk{}, err
		}
	}
	c.remaining -= size
	complete := c.remaining == 0
	if complete {
		c.inMessage = false
	}
	return Chunk{Data: buf, First: false, Complete: complete, Type: c.msgType}, nil
}
