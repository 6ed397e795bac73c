package wire

import "strings"

// ── First-chunk inspection ──────────────────────────────────────────────
//
// The relay inspects only the first chunk of every message (the type byte
// is known as soon as the chunk header is read — see ChunkReader) to
// record why a session's backend is pinned: an open cursor, a named
// prepared statement, LISTEN/NOTIFY, or an explicit transaction-control
// statement sent as a simple query. Only an open transaction keeps a
// transaction-mode session on its backend past an idle ReadyForQuery; the
// other pin reasons are recorded on the connection and in metrics but do
// not delay the detach.

// PinAction mirrors the teacher's pin/unpin vocabulary.
type PinAction int

const (
	PinActionNone PinAction = iota
	PinActionPin
	PinActionUnpin
)

// PinResult is the result of inspecting one client-to-server message.
type PinResult struct {
	Action PinAction
	Reason string
}

// InspectClientMessage looks at one complete client-to-server message and
// decides whether it changes the session's pin state. Only Query and Parse
// carry text a pooler can reasonably classify; everything else (Bind,
// Describe, Execute, Sync, CopyData, FunctionCall, ...) is structurally
// opaque and returns PinActionNone.
func InspectClientMessage(msgType byte, payload []byte) PinResult {
	switch msgType {
	case Query:
		text := QueryText(payload)
		if text == "" {
			return PinResult{Action: PinActionNone}
		}
		return inspectQueryText(text)
	case Parse:
		name, ok := ParseStatementName(payload)
		if ok && name != "" {
			return PinResult{Action: PinActionPin, Reason: "prepared_statement"}
		}
		return PinResult{Action: PinActionNone}
	default:
		return PinResult{Action: PinActionNone}
	}
}

func inspectQueryText(text string) PinResult {
	upper := strings.ToUpper(strings.TrimSpace(text))

	if hasWord(upper, "BEGIN") || hasWord(upper, "START TRANSACTION") {
		return PinResult{Action: PinActionPin, Reason: "transaction"}
	}
	if hasWord(upper, "COMMIT") || hasWord(upper, "ROLLBACK") || hasWord(upper, "END") {
		return PinResult{Action: PinActionUnpin, Reason: "transaction"}
	}
	if hasWord(upper, "LISTEN") || hasWord(upper, "NOTIFY") {
		return PinResult{Action: PinActionPin, Reason: "listen/notify"}
	}
	if hasWord(upper, "DECLARE") {
		return PinResult{Action: PinActionPin, Reason: "cursor"}
	}
	if hasWord(upper, "CLOSE") {
		return PinResult{Action: PinActionUnpin, Reason: "cursor"}
	}
	if strings.Contains(upper, "CREATE TEMP TABLE") || strings.Contains(upper, "CREATE TEMPORARY TABLE") {
		return PinResult{Action: PinActionPin, Reason: "temp_table"}
	}

	return PinResult{Action: PinActionNone}
}

// hasWord reports whether s begins with word, respecting a word boundary
// (not merely a prefix of a longer identifier).
func hasWord(s, word string) bool {
	if !strings.HasPrefix(s, word) {
		return false
	}
	if len(s) == len(word) {
		return true
	}
	next := s[len(word)]
	return next == ' ' || next == '\t' || next == '\n' || next == '\r' || next == ';'
}

// ── Server response inspection ──────────────────────────────────────────

// ReadyForQueryStatus extracts the transaction-status byte from a
// ReadyForQuery payload. ok is false for a malformed payload.
func ReadyForQueryStatus(payload []byte) (status byte, ok bool) {
	if len(payload) != 1 {
		return 0, false
	}
	return payload[0], true
}
