package jsock

import (
	"errors"
	"net"
	"testing"
	"time"

	"github.com/cpiekarski/jsockd/internal/stats"
)

var errBoom = errors.New("boom")

func pipeWorker(handler Handler, recvTimeout time.Duration) (*Worker, net.Conn) {
	serverConn, clientConn := net.Pipe()
	remote := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9999}
	w := newWorker(serverConn, remote, handler, recvTimeout, DefaultMaxMessageSize)
	return w, clientConn
}

func TestWorkerEchoesAndReconciles(t *testing.T) {
	w, client := pipeWorker(echoHandler, 2*time.Second)
	w.Start()
	defer client.Close()

	cep := NewConnectedEndpoint(client, "", 0)
	if err := cep.SendObj(map[string]any{"echo": "x", "client": "abc"}); err != nil {
		t.Fatalf("SendObj: %v", err)
	}
	reply, err := cep.ReadObj()
	if err != nil {
		t.Fatalf("ReadObj: %v", err)
	}
	if !jsonEqual(reply, map[string]any{"echo": "x", "client": "abc"}) {
		t.Fatalf("unexpected reply: %#v", reply)
	}

	w.ForceStop()
	w.Join()

	snap := w.Stats().Snapshot()
	if _, ok := snap.Clients["abc"]; !ok {
		t.Fatalf("expected client id to be reconciled to 'abc', got %#v", snap.Clients)
	}
}

func TestWorkerForceStopUnblocksJoin(t *testing.T) {
	w, client := pipeWorker(echoHandler, 0)
	w.Start()
	defer client.Close()

	done := make(chan struct{})
	go func() {
		w.ForceStop()
		w.Join()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ForceStop/Join did not unblock the message loop in time")
	}
}

func TestWorkerForceStopDoesNotRecordHandlerFailure(t *testing.T) {
	w, client := pipeWorker(echoHandler, 0)
	w.Start()
	defer client.Close()

	w.ForceStop()
	w.Join()

	snap := w.Stats().Snapshot()
	for _, stat := range snap.Clients {
		if stat.Failures[stats.KindHandler] > 0 {
			t.Fatalf("ForceStop should not record a handler failure, got %#v", stat.Failures)
		}
	}
}

func TestWorkerTryArchiveIsOnce(t *testing.T) {
	w, client := pipeWorker(echoHandler, 0)
	w.Start()
	defer client.Close()
	w.ForceStop()
	w.Join()

	if !w.TryArchive() {
		t.Fatal("expected first TryArchive to succeed")
	}
	if w.TryArchive() {
		t.Fatal("expected second TryArchive to fail")
	}
}

func TestWorkerHandlerErrorEndsLoop(t *testing.T) {
	failing := func(v any) (any, error) { return nil, errBoom }
	w, client := pipeWorker(failing, 2*time.Second)
	w.Start()
	defer client.Close()

	cep := NewConnectedEndpoint(client, "", 0)
	if err := cep.SendObj(map[string]any{"echo": "x"}); err != nil {
		t.Fatalf("SendObj: %v", err)
	}

	select {
	case <-w.done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected worker to terminate after a handler error")
	}
}
