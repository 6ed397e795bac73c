package listener

import "testing"

func TestIsListenerClosed(t *testing.T) {
	if isListenerClosed(nil) {
		t.Fatal("nil error must not be treated as a closed listener")
	}
}
