package client

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/dcrodman/chessd/internal/protocol"
)

// Tracer receives a copy of every message sent or received by a Client.
type Tracer interface {
	Trace(tags map[string]interface{}, fromClient bool, m protocol.Message)
}

// outboundQueueSize is the number of messages a client may have waiting to
// be written before it is considered stalled and disconnected.
const outboundQueueSize = 256

// ErrQueueFull is returned by Send when the client has stopped reading.
var ErrQueueFull = errors.New("outbound queue full")

// Client represents a user connected through a chess client.
type Client struct {
	connection   net.Conn
	ipAddr       string
	port         string
	writeTimeout time.Duration

	// Messages are written by a single goroutine in the order they were sent.
	queueMu    sync.Mutex
	outbound   chan []byte
	closed     bool
	writeErr   error
	writerDone chan struct{}

	// Role declared by the client's join request; empty until then.
	Role string

	// Tracer is notified of all traffic when message logging is enabled.
	Tracer Tracer

	// Debugging information used for logging purposes.
	DebugTags map[string]interface{}
}

// NewClient wraps connection and starts its writer. Every write is given
// writeTimeout to complete; zero means writes never time out.
func NewClient(connection net.Conn, writeTimeout time.Duration) *Client {
	remote := connection.RemoteAddr().String()
	host, port, err := net.SplitHostPort(remote)
	if err != nil {
		host, port = remote, ""
	}

	c := &Client{
		connection:   connection,
		ipAddr:       host,
		port:         port,
		writeTimeout: writeTimeout,
		outbound:     make(chan []byte, outboundQueueSize),
		writerDone:   make(chan struct{}),
		DebugTags:    make(map[string]interface{}),
	}
	go c.writeLoop()
	return c
}

func (c *Client) IPAddr() string { return c.ipAddr }
func (c *Client) Port() string   { return c.port }

// Addr is the full remote address, unique per connection.
func (c *Client) Addr() string {
	return net.JoinHostPort(c.ipAddr, c.port)
}

// Read consumes the available bytes directly from the client's connection.
func (c *Client) Read(b []byte) (int, error) {
	return c.connection.Read(b)
}

// Write directly sends data to the client over its connection, bypassing the
// outbound queue.
func (c *Client) Write(bytes []byte) (int, error) {
	return c.connection.Write(bytes)
}

// Close stops accepting messages, gives the ones already queued a chance to
// be written and then closes the connection.
func (c *Client) Close() error {
	c.queueMu.Lock()
	if c.closed {
		c.queueMu.Unlock()
		return c.connection.Close()
	}
	c.closed = true
	close(c.outbound)
	c.queueMu.Unlock()

	wait := c.writeTimeout
	if wait <= 0 {
		wait = time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-c.writerDone:
	case <-timer.C:
	}
	return c.connection.Close()
}

// Send encodes a message and queues it to be written to the client. It never
// blocks on the network; a client whose queue is full is disconnected.
func (c *Client) Send(m protocol.Message) error {
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}

	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	if c.closed {
		return fmt.Errorf("sending to client %v: %w", c.IPAddr(), net.ErrClosed)
	}

	if c.Tracer != nil {
		c.Tracer.Trace(c.DebugTags, false, m)
	}

	select {
	case c.outbound <- data:
		return nil
	default:
		// Hanging up unblocks the reader so the normal cleanup runs.
		_ = c.connection.Close()
		return fmt.Errorf("sending to client %v: %w", c.IPAddr(), ErrQueueFull)
	}
}

// writeLoop writes queued messages until the queue is closed. After a failed
// write the connection is closed and the rest of the queue is discarded.
func (c *Client) writeLoop() {
	defer close(c.writerDone)

	for data := range c.outbound {
		if c.failed() {
			continue
		}
		if err := c.transmit(data); err != nil {
			c.queueMu.Lock()
			c.writeErr = err
			c.queueMu.Unlock()
			_ = c.connection.Close()
		}
	}
}

func (c *Client) failed() bool {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	return c.writeErr != nil
}

// transmit writes the contents of data to the connection until all of it has
// been written or the write deadline passes.
func (c *Client) transmit(data []byte) error {
	if c.writeTimeout > 0 {
		if err := c.connection.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return fmt.Errorf("failed to set write deadline for client %v: %w", c.IPAddr(), err)
		}
	}

	bytesSent := 0
	for bytesSent < len(data) {
		b, err := c.Write(data[bytesSent:])
		if err != nil {
			return fmt.Errorf("failed to send to client %v: %w", c.IPAddr(), err)
		}
		bytesSent += b
	}

	return nil
}
