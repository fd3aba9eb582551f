package memory

import "testing"

func TestNewWithoutEndpointIsDegraded(t *testing.T) {
	c := New("", 0)
	if c.Connected() {
		t.Fatal("expected a client with no endpoint to report disconnected")
	}
	if _, ok := c.Search(nil, "peer", "query", 5); ok {
		t.Fatal("expected Search to degrade gracefully with ok=false")
	}
}

func TestParseFactsNilResult(t *testing.T) {
	// Single-object and array payloads are not covered here; this only
	// confirms parseFacts tolerates nil input.
	if facts := parseFacts(nil); facts != nil {
		t.Fatalf("expected nil facts for nil result, got %v", facts)
	}
}

func TestModeConstants(t *testing.T) {
	modes := map[Mode]bool{ModeOff: true, ModeReadOnly: true, ModeReadWrite: true}
	if len(modes) != 3 {
		t.Fatal("expected three distinct memory modes")
	}
}
