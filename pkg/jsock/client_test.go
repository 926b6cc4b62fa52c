package jsock

import (
	"testing"
	"time"
)

func TestClientConnectSucceedsAgainstListeningEndpoint(t *testing.T) {
	ep, err := NewListeningEndpoint("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("NewListeningEndpoint: %v", err)
	}
	defer ep.Close()

	c := NewClient("127.0.0.1", ep.Port(), time.Second, time.Second)
	c.Attempts = 5
	c.Backoff = 10 * time.Millisecond

	acceptErr := make(chan error, 1)
	go func() {
		_, err := ep.AcceptConnection(nil)
		acceptErr <- err
	}()

	if !c.Connect() {
		t.Fatal("expected Connect to succeed")
	}
	defer c.Close()
}

func TestClientConnectFailsAfterExhaustingAttempts(t *testing.T) {
	ep, err := NewListeningEndpoint("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("NewListeningEndpoint: %v", err)
	}
	port := ep.Port()
	ep.Close()

	c := NewClient("127.0.0.1", port, 100*time.Millisecond, 100*time.Millisecond)
	c.Attempts = 3
	c.Backoff = 10 * time.Millisecond

	start := time.Now()
	if c.Connect() {
		t.Fatal("expected Connect to fail against a closed port")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Connect took too long to give up: %v", elapsed)
	}
}

func TestClientSendReadBeforeConnectReturnsClosedError(t *testing.T) {
	c := NewClient("127.0.0.1", 0, time.Second, time.Second)
	if err := c.SendObj(map[string]any{"a": 1.0}); err == nil {
		t.Fatal("expected SendObj before Connect to fail")
	}
	if _, err := c.ReadObj(); err == nil {
		t.Fatal("expected ReadObj before Connect to fail")
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close on an unconnected client should be a no-op: %v", err)
	}
}

func TestClientRoundTripAgainstServer(t *testing.T) {
	s := NewServer("127.0.0.1", 0, echoHandler, 0, 2*time.Second)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Close()

	c := NewClient("127.0.0.1", s.Port(), time.Second, time.Second)
	if !c.Connect() {
		t.Fatal("expected Connect to succeed")
	}
	defer c.Close()

	if err := c.SendObj(map[string]any{"echo": "round-trip"}); err != nil {
		t.Fatalf("SendObj: %v", err)
	}
	reply, err := c.ReadObj()
	if err != nil {
		t.Fatalf("ReadObj: %v", err)
	}
	if !jsonEqual(reply, map[string]any{"echo": "round-trip"}) {
		t.Fatalf("unexpected reply: %#v", reply)
	}
}
