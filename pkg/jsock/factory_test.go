package jsock

import (
	"testing"
	"time"

	"github.com/cpiekarski/jsockd/internal/admission"
)

func newEchoFactory() WorkerFactory {
	return HandlerWorkerFactory{Handler: echoHandler, RecvTimeout: 2 * time.Second, MaxMessageSize: DefaultMaxMessageSize}
}

func TestFactoryServerHandlesMultipleConcurrentClients(t *testing.T) {
	f := NewFactoryServer("127.0.0.1", 0, newEchoFactory(), 0, 2*time.Second, nil)
	if err := f.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.Close()

	const n = 3
	clients := make([]*Client, n)
	for i := 0; i < n; i++ {
		c := NewClient("127.0.0.1", f.Port(), 2*time.Second, 2*time.Second)
		if !c.Connect() {
			t.Fatalf("client %d failed to connect", i)
		}
		clients[i] = c
		defer c.Close()
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.Active() < n && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := f.Active(); got < n {
		t.Fatalf("expected at least %d active workers, got %d", n, got)
	}

	for i, c := range clients {
		if err := c.SendObj(map[string]any{"echo": "x", "client": i}); err != nil {
			t.Fatalf("client %d SendObj: %v", i, err)
		}
	}
	for i, c := range clients {
		if _, err := c.ReadObj(); err != nil {
			t.Fatalf("client %d ReadObj: %v", i, err)
		}
	}
}

func TestFactoryServerStopWithActiveClientsWithinBudget(t *testing.T) {
	f := NewFactoryServer("127.0.0.1", 0, newEchoFactory(), 0, 0, nil)
	if err := f.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	c := NewClient("127.0.0.1", f.Port(), 2*time.Second, 0)
	if !c.Connect() {
		t.Fatal("client failed to connect")
	}
	defer c.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.Active() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if f.Active() < 1 {
		t.Fatal("expected the worker to be registered as active")
	}

	done := make(chan struct{})
	go func() {
		f.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("FactoryServer did not stop within 3s with an active client connected")
	}
}

func TestFactoryServerAdmissionControlRejectsExcessConnections(t *testing.T) {
	limiter := admission.NewLimiter(admission.Config{Enabled: true, MaxConnectionsPerIP: 1})
	f := NewFactoryServer("127.0.0.1", 0, newEchoFactory(), 0, 2*time.Second, limiter)
	if err := f.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.Close()

	a := NewClient("127.0.0.1", f.Port(), 2*time.Second, 2*time.Second)
	if !a.Connect() {
		t.Fatal("first client failed to connect")
	}
	defer a.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.Active() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	b := NewClient("127.0.0.1", f.Port(), 2*time.Second, 500*time.Millisecond)
	if !b.Connect() {
		t.Fatal("second client failed to dial (admission rejection happens after accept)")
	}
	defer b.Close()

	if _, err := b.ReadObj(); err == nil {
		t.Fatal("expected the second connection to be closed by admission control")
	}
}

func TestFactoryServerArchivesStatsOnWorkerTermination(t *testing.T) {
	f := NewFactoryServer("127.0.0.1", 0, newEchoFactory(), 0, 500*time.Millisecond, nil)
	if err := f.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer f.Close()

	c := NewClient("127.0.0.1", f.Port(), 2*time.Second, 2*time.Second)
	if !c.Connect() {
		t.Fatal("client failed to connect")
	}
	if err := c.SendObj(map[string]any{"echo": "x", "client": "archived-one"}); err != nil {
		t.Fatalf("SendObj: %v", err)
	}
	if _, err := c.ReadObj(); err != nil {
		t.Fatalf("ReadObj: %v", err)
	}
	c.Close()

	deadline := time.Now().Add(2 * time.Second)
	for f.Active() > 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if f.Active() != 0 {
		t.Fatal("expected the worker to be purged after the client disconnected")
	}

	snap := f.GetClientStats()
	if _, ok := snap.Clients["archived-one"]; !ok {
		t.Fatalf("expected archived stats for reconciled client id, got %#v", snap.Clients)
	}
}
