package wire

import (
	"bytes"
	"testing"
)

func TestWriteReadMessageRoundTrip(t *testing.T) {
	cases := []struct {
		name    string
		msgType byte
		payload []byte
	}{
		{"query", Query, []byte("SELECT 1;\x00")},
		{"empty payload", Sync, nil},
		{"terminate", Terminate, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := WriteMessage(&buf, tc.msgType, tc.payload); err != nil {
				t.Fatalf("WriteMessage: %v", err)
			}
			msg, err := ReadMessage(&buf)
			if err != nil {
				t.Fatalf("ReadMessage: %v", err)
			}
			if msg.Type != tc.msgType {
				t.Errorf("type = %q, want %q", msg.Type, tc.msgType)
			}
			if !bytes.Equal(msg.Payload, tc.payload) {
				t.Errorf("payload = %v, want %v", msg.Payload, tc.payload)
			}
		})
	}
}

func TestReadMessageRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.WriteByte(Query)
	lenBuf := []byte{0x7f, 0xff, 0xff, 0xff} // absurd length
	buf.Write(lenBuf)

	if _, err := ReadMessage(&buf); err == nil {
		t.Fatal("expected error for oversized message length")
	}
}

func TestChunkReaderSingleChunkMessage(t *testing.T) {
	var buf bytes.Buffer
	WriteMessage(&buf, Query, []byte("SELECT 1;\x00"))

	cr := NewChunkReader(&buf)
	hdr, err := cr.Next()
	if err != nil {
		t.Fatalf("Next (header): %v", err)
	}
	if !hdr.First || hdr.Type != Query {
		t.Fatalf("expected first chunk with type Query, got %+v", hdr)
	}

	body, err := cr.Next()
	if err != nil {
		t.Fatalf("Next (body): %v", err)
	}
	if !body.Complete {
		t.Fatalf("expected body chunk to complete the message")
	}
	if string(body.Data) != "SELECT 1;\x00" {
		t.Fatalf("body = %q", body.Data)
	}
}

func TestChunkReaderSpansMultipleChunks(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), ChunkSize*2+17)
	var buf bytes.Buffer
	WriteMessage(&buf, Query, payload)

	cr := NewChunkReader(&buf)
	// header chunk
	if _, err := cr.Next(); err != nil {
		t.Fatalf("Next (header): %v", err)
	}

	var assembled []byte
	for {
		c, err := cr.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		assembled = append(assembled, c.Data...)
		if c.Complete {
			break
		}
		if c.First {
			t.Fatalf("unexpected First chunk mid-message")
		}
	}

	if !bytes.Equal(assembled, payload) {
		t.Fatalf("assembled payload length = %d, want %d", len(assembled), len(payload))
	}
}

func TestBuildErrorResponseFields(t *testing.T) {
	msg := BuildErrorResponse(SeverityFatal, SQLStateConnectionFailure, "pgpool: boom")
	severity, sqlstate, text := ParseErrorResponse(msg.Payload)
	if severity != SeverityFatal {
		t.Errorf("severity = %q", severity)
	}
	if sqlstate != SQLStateConnectionFailure {
		t.Errorf("sqlstate = %q", sqlstate)
	}
	if text != "pgpool: boom" {
		t.Errorf("message = %q", text)
	}
}

func TestParameterStatusRoundTrip(t *testing.T) {
	msg := BuildParameterStatus("server_version", "16.2")
	name, value, ok := ParseParameterStatus(msg.Payload)
	if !ok {
		t.Fatal("ParseParameterStatus failed")
	}
	if name != "server_version" || value != "16.2" {
		t.Errorf("got (%q, %q)", name, value)
	}
}

func TestBackendKeyDataRoundTrip(t *testing.T) {
	msg := BuildBackendKeyData(4242, 0xdeadbeef)
	pid, key, ok := ParseBackendKeyData(msg.Payload)
	if !ok || pid != 4242 || key != 0xdeadbeef {
		t.Errorf("got (%d, %x, %v)", pid, key, ok)
	}
}
