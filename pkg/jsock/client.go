package jsock

import (
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/net/proxy"

	"github.com/cpiekarski/jsockd/pkg/logger"
)

// DefaultConnectAttempts and DefaultConnectBackoff implement spec §4.3's
// bounded-retry policy: up to 10 attempts, 3 seconds apart.
const (
	DefaultConnectAttempts = 10
	DefaultConnectBackoff  = 3 * time.Second
)

// Client connects to a jsock server with bounded retry and exchanges
// framed JSON objects. A Client is not safe for concurrent use by more
// than one goroutine at a time, matching the synchronous, single-caller
// model of spec §5.
type Client struct {
	address string
	port    int

	mu             sync.Mutex
	timeout        time.Duration // dial timeout, per attempt
	recvTimeout    time.Duration
	maxMessageSize uint32
	ep             *Endpoint

	// Dialer, if set, is used instead of net.Dialer — e.g. a SOCKS5
	// proxy.Dialer so the client can reach the server through a relay.
	Dialer proxy.Dialer

	// Attempts and Backoff tune Connect's retry policy. Zero means use
	// the package defaults.
	Attempts int
	Backoff  time.Duration

	log *logger.Logger
}

// NewClient creates a Client targeting address:port. timeout bounds
// each individual connect attempt; recvTimeout bounds reads once
// connected (0 means unbounded for either).
func NewClient(address string, port int, timeout, recvTimeout time.Duration) *Client {
	return &Client{
		address:        address,
		port:           port,
		timeout:        timeout,
		recvTimeout:    recvTimeout,
		maxMessageSize: DefaultMaxMessageSize,
		log:            logger.New("jsock:client"),
	}
}

// Address returns the configured server address.
func (c *Client) Address() string { return c.address }

// Port returns the configured server port.
func (c *Client) Port() int { return c.port }

// Timeout returns the per-attempt dial timeout.
func (c *Client) Timeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

// SetTimeout sets the per-attempt dial timeout.
func (c *Client) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
}

// RecvTimeout returns the read deadline applied once connected.
func (c *Client) RecvTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recvTimeout
}

// SetRecvTimeout sets the read deadline applied once connected.
func (c *Client) SetRecvTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recvTimeout = d
	if c.ep != nil {
		c.ep.SetRecvTimeout(d)
	}
}

// MaxMessageSize returns the configured maximum payload size.
func (c *Client) MaxMessageSize() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxMessageSize
}

// SetMaxMessageSize sets the configured maximum payload size.
func (c *Client) SetMaxMessageSize(size uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxMessageSize = size
	if c.ep != nil {
		c.ep.SetMaxMessageSize(size)
	}
}

// Connect attempts a TCP connect up to Attempts times (default 10),
// sleeping Backoff (default 3s) between attempts. After a failed
// attempt the socket is discarded so the next attempt uses a fresh
// descriptor. Returns true on success, false after the final failure.
func (c *Client) Connect() bool {
	addr := net.JoinHostPort(c.address, strconv.Itoa(c.port))

	attempts := c.Attempts
	if attempts <= 0 {
		attempts = DefaultConnectAttempts
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = DefaultConnectBackoff
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		conn, err := c.dial(addr)
		if err == nil {
			c.mu.Lock()
			c.ep = NewConnectedEndpoint(conn, c.address, c.port)
			c.ep.SetRecvTimeout(c.recvTimeout)
			c.ep.SetMaxMessageSize(c.maxMessageSize)
			c.mu.Unlock()
			return true
		}

		c.log.Debug("connect attempt %d/%d to %s failed: %v", attempt, attempts, addr, err)
		if attempt < attempts {
			time.Sleep(backoff)
		}
	}
	return false
}

func (c *Client) dial(addr string) (net.Conn, error) {
	if c.Dialer != nil {
		return c.Dialer.Dial("tcp", addr)
	}
	d := &net.Dialer{Timeout: c.timeout}
	return d.Dial("tcp", addr)
}

// SendObj encodes and writes v as one frame.
func (c *Client) SendObj(v any) error {
	c.mu.Lock()
	ep := c.ep
	c.mu.Unlock()
	if ep == nil {
		return net.ErrClosed
	}
	return ep.SendObj(v)
}

// ReadObj decodes one frame, honouring RecvTimeout. A timeout with no
// bytes received propagates as a plain net.Error, not a disconnect.
func (c *Client) ReadObj() (any, error) {
	c.mu.Lock()
	ep := c.ep
	c.mu.Unlock()
	if ep == nil {
		return nil, net.ErrClosed
	}
	return ep.ReadObj()
}

// Close is idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	ep := c.ep
	c.ep = nil
	c.mu.Unlock()
	if ep == nil {
		return nil
	}
	return ep.Close()
}
