package session

import (
	"net"
	"testing"
	"time"

	"github.com/mateus-silva/pgpool/internal/wire"
)

func TestEndpointReaderDeliversOneChunkAtATime(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	eventCh := make(chan taggedEvent, 8)
	rd := startEndpointReader(sourceClient, server, eventCh)
	defer rd.Stop()

	go func() {
		client.Write(wire.BuildQuery("SELECT 1").Bytes())
	}()

	// First event is the header chunk (First=true).
	ev := <-eventCh
	if !ev.chunk.First || ev.chunk.Type != wire.Query {
		t.Fatalf("expected first chunk of a Query message, got %+v", ev.chunk)
	}
	rd.Proceed()

	// Reader must not issue its next read until Proceed was called; the
	// payload chunk arrives only after that signal.
	select {
	case ev = <-eventCh:
		if !ev.chunk.Complete {
			t.Fatalf("expected the payload chunk to complete the message")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for payload chunk")
	}
}

func TestEndpointReaderStopTerminatesCleanly(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	eventCh := make(chan taggedEvent, 8)
	rd := startEndpointReader(sourceServer, server, eventCh)
	rd.Stop()
	server.Close()

	// Stop must not panic or deadlock even with no reads ever proceeding.
}
