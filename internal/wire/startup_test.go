package wire

import (
	"bytes"
	"testing"
)

func TestReadStartupFrameNormal(t *testing.T) {
	raw := BuildStartupMessage(map[string]string{"user": "alice", "database": "app"})
	sm, err := ReadStartupFrame(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadStartupFrame: %v", err)
	}
	if sm.Kind != StartupNormal {
		t.Fatalf("kind = %v, want StartupNormal", sm.Kind)
	}
	if sm.Params["user"] != "alice" || sm.Params["database"] != "app" {
		t.Fatalf("params = %+v", sm.Params)
	}
}

func TestReadStartupFrameSSLRequest(t *testing.T) {
	sm, err := ReadStartupFrame(bytes.NewReader(BuildSSLRequest()))
	if err != nil {
		t.Fatalf("ReadStartupFrame: %v", err)
	}
	if sm.Kind != StartupSSLRequest {
		t.Fatalf("kind = %v, want StartupSSLRequest", sm.Kind)
	}
}

func TestReadStartupFrameCancelRequest(t *testing.T) {
	raw := BuildCancelRequest(123, 456)
	sm, err := ReadStartupFrame(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("ReadStartupFrame: %v", err)
	}
	if sm.Kind != StartupCancelRequest {
		t.Fatalf("kind = %v, want StartupCancelRequest", sm.Kind)
	}
	if sm.CancelPID != 123 || sm.CancelKey != 456 {
		t.Fatalf("got pid=%d key=%d", sm.CancelPID, sm.CancelKey)
	}
}
