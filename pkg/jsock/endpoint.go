package jsock

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cpiekarski/jsockd/pkg/logger"
)

// Endpoint owns a listening socket (servers only) and at most one active
// connection socket, exclusively on behalf of whichever Client, Server,
// Worker, or FactoryServer constructed it. AcceptTimeout bounds waits on
// the listener; RecvTimeout bounds individual reads on the active
// connection; the two are independent, matching §3/§4.2 of the design.
type Endpoint struct {
	mu sync.Mutex

	listener    net.Listener
	tcpListener *net.TCPListener // non-nil iff listener supports deadlines
	conn        net.Conn

	address string
	port    int

	acceptTimeout  time.Duration
	recvTimeout    time.Duration
	maxMessageSize uint32

	log *logger.Logger
}

// NewListeningEndpoint binds and listens on address:port. A port of 0
// picks an ephemeral port; callers can read the bound Port() back.
func NewListeningEndpoint(address string, port int) (*Endpoint, error) {
	if address == "" {
		address = "127.0.0.1"
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(address, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	tcpAddr := ln.Addr().(*net.TCPAddr)
	tcpLn, _ := ln.(*net.TCPListener)

	return &Endpoint{
		listener:       ln,
		tcpListener:    tcpLn,
		address:        tcpAddr.IP.String(),
		port:           tcpAddr.Port,
		maxMessageSize: DefaultMaxMessageSize,
		log:            logger.New("jsock:endpoint"),
	}, nil
}

// NewConnectedEndpoint wraps an already-established connection, used by
// Client after a successful Connect.
func NewConnectedEndpoint(conn net.Conn, address string, port int) *Endpoint {
	return &Endpoint{
		conn:           conn,
		address:        address,
		port:           port,
		maxMessageSize: DefaultMaxMessageSize,
		log:            logger.New("jsock:endpoint"),
	}
}

// Address returns the configured or bound address. Read-only after
// construction, matching spec.md's read-only address/port properties.
func (e *Endpoint) Address() string { return e.address }

// Port returns the configured or bound port.
func (e *Endpoint) Port() int { return e.port }

// AcceptTimeout returns the deadline applied to the listening socket.
func (e *Endpoint) AcceptTimeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.acceptTimeout
}

// SetAcceptTimeout sets the deadline applied to the listening socket
// before each AcceptConnection call. Zero means block indefinitely
// (subject only to context cancellation).
func (e *Endpoint) SetAcceptTimeout(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acceptTimeout = d
}

// RecvTimeout returns the deadline applied to the active connection.
func (e *Endpoint) RecvTimeout() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recvTimeout
}

// SetRecvTimeout sets the deadline applied to the active connection
// before each read. Zero means block indefinitely.
func (e *Endpoint) SetRecvTimeout(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recvTimeout = d
}

// MaxMessageSize returns the configured maximum payload size in bytes.
func (e *Endpoint) MaxMessageSize() uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.maxMessageSize
}

// SetMaxMessageSize sets the configured maximum payload size in bytes.
// A value of 0 means unbounded.
func (e *Endpoint) SetMaxMessageSize(size uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maxMessageSize = size
}

// Connected reports whether the endpoint currently owns an active
// connection socket.
func (e *Endpoint) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn != nil
}

// AcceptConnection blocks until a client is accepted on the listening
// socket (bounded by AcceptTimeout if set) or ctx is done. On success it
// records the accepted connection as the endpoint's active connection
// and returns the peer address for identity purposes (§4.7).
//
// Cancellation follows spec.md §9's explicit allowance for native async
// I/O primitives in place of a literal wakeup pipe: a goroutine closes
// the listener when ctx is done, which unblocks Accept immediately and
// requires no thread interruption.
func (e *Endpoint) AcceptConnection(ctx context.Context) (net.Addr, error) {
	e.mu.Lock()
	if e.tcpListener != nil && e.acceptTimeout > 0 {
		_ = e.tcpListener.SetDeadline(time.Now().Add(e.acceptTimeout))
	}
	ln := e.listener
	e.mu.Unlock()

	stop := make(chan struct{})
	if ctx != nil {
		go func() {
			select {
			case <-ctx.Done():
				_ = ln.Close()
			case <-stop:
			}
		}()
	}

	conn, err := ln.Accept()
	close(stop)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.conn = conn
	recv := e.recvTimeout
	e.mu.Unlock()

	if recv > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(recv))
	}
	return conn.RemoteAddr(), nil
}

// ReleaseConnection detaches and returns the active connection without
// closing it, resetting the endpoint so its next AcceptConnection call
// is not blocked by a stale reference. Used by FactoryServer to hand an
// accepted connection off to a fresh Worker (§4.6 step 3).
func (e *Endpoint) ReleaseConnection() net.Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	conn := e.conn
	e.conn = nil
	return conn
}

// CloseConnection closes and clears the active connection only, leaving
// a listener (if any) intact so the endpoint can keep accepting. It is
// idempotent. Used by Server's message loop so a terminated client
// cannot leak a socket past the point AcceptConnection overwrites
// e.conn for the next client.
func (e *Endpoint) CloseConnection() error {
	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil {
		e.log.Debug("closing connection socket: %v", err)
	}
	return nil
}

// ReadObj decodes one frame from the active connection, applying
// RecvTimeout to the read.
func (e *Endpoint) ReadObj() (any, error) {
	e.mu.Lock()
	conn := e.conn
	recv := e.recvTimeout
	maxSize := e.maxMessageSize
	e.mu.Unlock()

	if conn == nil {
		return nil, net.ErrClosed
	}
	if recv > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(recv))
	} else {
		_ = conn.SetReadDeadline(time.Time{})
	}
	return Decode(conn, maxSize)
}

// SendObj encodes and writes v as one frame to the active connection.
func (e *Endpoint) SendObj(v any) error {
	e.mu.Lock()
	conn := e.conn
	maxSize := e.maxMessageSize
	e.mu.Unlock()

	if conn == nil {
		return net.ErrClosed
	}
	return Encode(conn, v, maxSize)
}

// Close idempotently shuts down the active connection and, if owned,
// the listening socket. All OS errors are swallowed, per §7 "All
// close-path errors are suppressed."
func (e *Endpoint) Close() error {
	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	ln := e.listener
	e.listener = nil
	e.tcpListener = nil
	e.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			e.log.Debug("closing connection socket: %v", err)
		}
	}
	if ln != nil {
		if err := ln.Close(); err != nil {
			e.log.Debug("closing listening socket: %v", err)
		}
	}
	return nil
}
