package jsock

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/cpiekarski/jsockd/internal/stats"
	"github.com/cpiekarski/jsockd/pkg/logger"
)

type serverState int

const (
	stateStopped serverState = iota
	stateRunning
	stateStopping
)

var errStateAlready = errors.New("server already started")

// Server is a single-connection server: it accepts one client at a
// time and serialises all message handling onto its own accept-loop
// goroutine, running handler against each decoded frame (§4.4).
type Server struct {
	address string
	port    int
	handler Handler

	acceptTimeout  time.Duration
	recvTimeout    time.Duration
	maxMessageSize uint32

	mu    sync.Mutex
	state serverState
	ep    *Endpoint

	cancel context.CancelFunc
	done   chan struct{}

	stats *stats.Collector
	log   *logger.Logger
}

// NewServer constructs a Server bound to address:port, invoking handler
// for every decoded frame. It does not start listening until Start is
// called.
func NewServer(address string, port int, handler Handler, acceptTimeout, recvTimeout time.Duration) *Server {
	return &Server{
		address:       address,
		port:          port,
		handler:       handler,
		acceptTimeout: acceptTimeout,
		recvTimeout:   recvTimeout,
		stats:         stats.NewCollector(),
		log:           logger.New("jsock:server"),
	}
}

// SetMaxMessageSize sets the maximum payload size enforced on future
// connections. It has no effect on a connection already accepted.
func (s *Server) SetMaxMessageSize(size uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxMessageSize = size
}

// Start binds the listening socket and launches the accept loop.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.state != stateStopped {
		s.mu.Unlock()
		return errStateAlready
	}

	ep, err := NewListeningEndpoint(s.address, s.port)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	ep.SetAcceptTimeout(s.acceptTimeout)
	if s.maxMessageSize > 0 {
		ep.SetMaxMessageSize(s.maxMessageSize)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.ep = ep
	s.state = stateRunning
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.acceptLoop(ctx)
	return nil
}

// Address returns the configured listening address.
func (s *Server) Address() string { return s.address }

// Port returns the bound listening port, useful when constructed with
// port 0.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ep == nil {
		return s.port
	}
	return s.ep.Port()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer close(s.done)

	for {
		s.mu.Lock()
		running := s.state == stateRunning
		ep := s.ep
		s.mu.Unlock()
		if !running {
			return
		}

		remote, err := ep.AcceptConnection(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isTimeout(err) {
				continue
			}
			s.log.Debug("accept error: %v", err)
			continue
		}

		s.mu.Lock()
		if s.state != stateRunning {
			s.mu.Unlock()
			ep.Close()
			return
		}
		maxSize := s.maxMessageSize
		s.mu.Unlock()

		ep.SetRecvTimeout(s.recvTimeout)
		if maxSize > 0 {
			ep.SetMaxMessageSize(maxSize)
		}
		s.messageLoop(ep, remote)
	}
}

func (s *Server) messageLoop(ep *Endpoint, remote net.Addr) {
	clientID := remote.String()
	s.stats.Connect(clientID, time.Now())
	defer func() { s.stats.Disconnect(time.Now()) }()
	defer ep.CloseConnection()

	for {
		v, err := ep.ReadObj()
		if err != nil {
			s.mu.Lock()
			stopping := s.state != stateRunning
			s.mu.Unlock()
			if stopping {
				return // Stop() closed the connection out from under us
			}
			if s.classifyReadError(err) {
				continue
			}
			return
		}

		id := identityOf(v, "")
		s.stats.Reconcile(id)
		s.stats.MessageIn(payloadSize(v), time.Now())

		reply, herr := s.handler(v)
		if herr != nil {
			s.stats.Failure(stats.KindHandler)
			s.log.Error("handler error from %s: %v", remote, herr)
			return
		}
		if reply == nil {
			continue
		}
		if err := ep.SendObj(reply); err != nil {
			var ff *FramingFault
			if errors.As(err, &ff) {
				s.stats.Failure(ff.Kind)
			} else {
				s.stats.Failure(stats.KindBadWrite)
			}
			return
		}
		s.stats.MessageOut(payloadSize(reply), time.Now())
	}
}

func (s *Server) classifyReadError(err error) bool {
	var ff *FramingFault
	switch {
	case errors.As(err, &ff):
		s.stats.Failure(ff.Kind)
		return false
	case errors.Is(err, ErrConnectionBroken):
		s.log.Info("connection broken")
		return false
	case isTimeout(err):
		s.stats.Failure(stats.KindTimeout)
		return true
	default:
		s.stats.Failure(stats.KindHandler)
		s.log.Error("read error: %v", err)
		return false
	}
}

// Stop transitions the server to stopping, interrupts a blocking
// accept, and closes the active connection (if any) so a blocked
// message-loop read is also unblocked. It does not wait for the accept
// loop to exit; call Join for that.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.state != stateRunning {
		s.mu.Unlock()
		return
	}
	s.state = stateStopping
	cancel := s.cancel
	ep := s.ep
	s.mu.Unlock()
	cancel()
	if ep != nil {
		ep.Close()
	}
}

// Join blocks until the accept loop has exited.
func (s *Server) Join() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return
	}
	<-done
	s.mu.Lock()
	s.state = stateStopped
	s.mu.Unlock()
}

// Close stops the server (if running), joins it, and releases the
// listening endpoint.
func (s *Server) Close() error {
	s.Stop()
	s.Join()
	s.mu.Lock()
	ep := s.ep
	s.ep = nil
	s.mu.Unlock()
	if ep == nil {
		return nil
	}
	return ep.Close()
}

// GetClientStats returns a point-in-time snapshot of every client the
// server has ever seen.
func (s *Server) GetClientStats() stats.Snapshot {
	return s.stats.Snapshot()
}
