package wire

import "testing"

func TestInspectClientMessage(t *testing.T) {
	cases := []struct {
		name    string
		msgType byte
		payload []byte
		action  PinAction
	}{
		{"begin", Query, []byte("BEGIN;\x00"), PinActionPin},
		{"commit", Query, []byte("commit;\x00"), PinActionUnpin},
		{"listen", Query, []byte("LISTEN chan;\x00"), PinActionPin},
		{"select", Query, []byte("SELECT 1;\x00"), PinActionNone},
		{"named parse", Parse, append([]byte("stmt1\x00SELECT 1\x00"), 0, 0), PinActionPin},
		{"unnamed parse", Parse, append([]byte("\x00SELECT 1\x00"), 0, 0), PinActionNone},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := InspectClientMessage(tc.msgType, tc.payload)
			if got.Action != tc.action {
				t.Errorf("action = %v, want %v (reason=%q)", got.Action, tc.action, got.Reason)
			}
		})
	}
}

func TestHasWordBoundary(t *testing.T) {
	if hasWord("BEGINNING", "BEGIN") {
		t.Error("BEGINNING should not match word boundary for BEGIN")
	}
	if !hasWord("BEGIN;", "BEGIN") {
		t.Error("BEGIN; should match BEGIN")
	}
}
