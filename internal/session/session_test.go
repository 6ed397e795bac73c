package session

import (
	"testing"

	"github.com/google/uuid"
)

func TestKeyPairFromIDIsFreshPerSession(t *testing.T) {
	a := uuid.New()
	b := uuid.New()

	pidA, keyA := keyPairFromID(a)
	pidB, keyB := keyPairFromID(b)

	if pidA == pidB && keyA == keyB {
		t.Fatalf("expected distinct key pairs for distinct session ids, got (%d,%d) twice", pidA, keyA)
	}
}

func TestKeyPairFromIDIsDeterministic(t *testing.T) {
	id := uuid.New()

	pid1, key1 := keyPairFromID(id)
	pid2, key2 := keyPairFromID(id)

	if pid1 != pid2 || key1 != key2 {
		t.Fatalf("keyPairFromID must be deterministic for the same id")
	}
}

func TestOutcomeStringCoversAllTerminalCodes(t *testing.T) {
	cases := map[outcome]string{
		outcomeOK:              "OK",
		outcomeKill:            "KILL",
		outcomeTerminate:       "TERMINATE",
		outcomeEAttach:         "EATTACH",
		outcomeEServerConnect:  "ESERVER_CONNECT",
		outcomeEServerConfigure: "ESERVER_CONFIGURE",
		outcomeEServerRead:     "ESERVER_READ",
		outcomeEServerWrite:    "ESERVER_WRITE",
		outcomeEClientRead:     "ECLIENT_READ",
		outcomeEClientWrite:    "ECLIENT_WRITE",
		outcomeEClientConfigure: "ECLIENT_CONFIGURE",
	}

	for out, want := range cases {
		if got := out.String(); got != want {
			t.Errorf("outcome(%d).String() = %q, want %q", out, got, want)
		}
	}
}
