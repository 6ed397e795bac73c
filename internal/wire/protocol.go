package wire

import "encoding/binary"

// Transaction status bytes carried in the single payload byte of
// ReadyForQuery.
const (
	TxIdle       byte = 'I'
	TxInBlock    byte = 'T'
	TxFailed     byte = 'E'
)

// BuildAuthenticationOK builds the AuthenticationOk message.
func BuildAuthenticationOK() *Message {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, AuthOK)
	return &Message{Type: Authentication, Payload: buf}
}

// BuildParameterStatus builds a ParameterStatus message for (name, value).
func BuildParameterStatus(name, value string) *Message {
	var buf []byte
	buf = append(buf, name...)
	buf = append(buf, 0)
	buf = append(buf, value...)
	buf = append(buf, 0)
	return &Message{Type: ParameterStatus, Payload: buf}
}

// ParseParameterStatus extracts (name, value) from a ParameterStatus
// payload.
func ParseParameterStatus(payload []byte) (name, value string, ok bool) {
	nameEnd := indexZero(payload)
	if nameEnd < 0 {
		return "", "", false
	}
	rest := payload[nameEnd+1:]
	valEnd := indexZero(rest)
	if valEnd < 0 {
		return "", "", false
	}
	return string(payload[:nameEnd]), string(rest[:valEnd]), true
}

// BuildBackendKeyData builds a BackendKeyData message for the given key
// pair.
func BuildBackendKeyData(pid, key uint32) *Message {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint32(buf[0:4], pid)
	binary.BigEndian.PutUint32(buf[4:8], key)
	return &Message{Type: BackendKeyData, Payload: buf}
}

// ParseBackendKeyData extracts (pid, key) from a BackendKeyData payload.
func ParseBackendKeyData(payload []byte) (pid, key uint32, ok bool) {
	if len(payload) < 8 {
		return 0, 0, false
	}
	return binary.BigEndian.Uint32(payload[0:4]), binary.BigEndian.Uint32(payload[4:8]), true
}

// BuildReadyForQuery builds a ReadyForQuery message for the given
// transaction status byte.
func BuildReadyForQuery(status byte) *Message {
	return &Message{Type: ReadyForQuery, Payload: []byte{status}}
}

// BuildQuery builds a simple-query ('Q') message for the given SQL text.
func BuildQuery(sql string) *Message {
	payload := append([]byte(sql), 0)
	return &Message{Type: Query, Payload: payload}
}

// QueryText extracts the nul-terminated SQL text from a simple-query
// payload, for pinning inspection and logging. Returns "" if the payload is
// not nul-terminated.
func QueryText(payload []byte) string {
	if len(payload) == 0 || payload[len(payload)-1] != 0 {
		return ""
	}
	return string(payload[:len(payload)-1])
}

// ParseStatementName extracts the (possibly empty) prepared-statement name
// from a Parse ('P') message payload: statement_name\0query\0...
func ParseStatementName(payload []byte) (string, bool) {
	end := indexZero(payload)
	if end < 0 {
		return "", false
	}
	return string(payload[:end]), true
}

// textOID is the PostgreSQL OID for the "text" type, used to describe
// every column of a console-handler result set.
const textOID = 25

// BuildRowDescription builds a RowDescription message describing columns,
// all typed as text.
func BuildRowDescription(columns []string) *Message {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(len(columns)))

	for _, name := range columns {
		buf = append(buf, name...)
		buf = append(buf, 0)

		field := make([]byte, 18)
		binary.BigEndian.PutUint32(field[0:4], 0)               // table OID
		binary.BigEndian.PutUint16(field[4:6], 0)                // column attr number
		binary.BigEndian.PutUint32(field[6:10], textOID)         // type OID
		binary.BigEndian.PutUint16(field[10:12], 0xFFFF)         // typlen (-1, variable length)
		binary.BigEndian.PutUint32(field[12:16], 0xFFFFFFFF)     // type modifier (-1)
		binary.BigEndian.PutUint16(field[16:18], 0)               // format code (text)
		buf = append(buf, field...)
	}

	return &Message{Type: RowDescription, Payload: buf}
}

// BuildDataRow builds a DataRow message for the given column values, all
// encoded as text.
func BuildDataRow(values []string) *Message {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, uint16(len(values)))

	for _, v := range values {
		lenBuf := make([]byte, 4)
		binary.BigEndian.PutUint32(lenBuf, uint32(len(v)))
		buf = append(buf, lenBuf...)
		buf = append(buf, v...)
	}

	return &Message{Type: DataRow, Payload: buf}
}

// BuildCommandComplete builds a CommandComplete message carrying the
// given command tag (e.g. "SHOW").
func BuildCommandComplete(tag string) *Message {
	payload := append([]byte(tag), 0)
	return &Message{Type: CommandComplete, Payload: payload}
}
