package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/chessd/internal/core"
	"github.com/dcrodman/chessd/internal/core/client"
	"github.com/dcrodman/chessd/internal/protocol"
)

// frontend implements the concurrent client connection logic.
//
// Data is read from any connected clients, split into messages and passed to a
// backend instance, abstracting the lower level connection details away from
// the Backends.
type frontend struct {
	Address string
	Backend Backend
	Config  *core.Config
	Logger  *logrus.Logger

	// Listener replaces the TCP socket on Address when set.
	Listener net.Listener
	// Tracer is attached to every client when message logging is enabled.
	Tracer client.Tracer

	clients  *clientList
	clientWg sync.WaitGroup
}

// Start initializes the server backend and opens a TCP socket for the specified server.
// A blocking loop for accepting client connections is spun off in its own goroutine and
// added to the WaitGroup. Context cancellations will stop the server.
func (f *frontend) Start(ctx context.Context, wg *sync.WaitGroup) error {
	if err := f.Backend.Init(ctx); err != nil {
		return fmt.Errorf("error initializing %s server: %v", f.Backend.Identifier(), err)
	}
	if f.clients == nil {
		f.clients = newClientList(f.Config.MaxConnections)
	}

	socket := f.Listener
	if socket == nil {
		var err error
		if socket, err = f.createSocket(); err != nil {
			return fmt.Errorf("error creating socket on %s: %w", f.Address, err)
		}
	}

	wg.Add(1)
	go f.startBlockingLoop(ctx, socket, wg)

	return nil
}

// createSocket opens a TCP socket to listen for client connections on the Address
// provided to the frontend.
func (f *frontend) createSocket() (*net.TCPListener, error) {
	hostAddr, err := net.ResolveTCPAddr("tcp", f.Address)
	if err != nil {
		return nil, fmt.Errorf("error resolving address %w", err)
	}

	socket, err := net.ListenTCP("tcp", hostAddr)
	if err != nil {
		return nil, fmt.Errorf("error listening on socket: %w", err)
	}

	return socket, nil
}

// startBlockingLoop implements a connection handling loop that's purely responsible for
// accepting new connections and spinning off goroutines for the Backend to handle them.
func (f *frontend) startBlockingLoop(ctx context.Context, socket net.Listener, wg *sync.WaitGroup) {
	defer wg.Done()

	f.Logger.Printf("[%s] waiting for connections on %v", f.Backend.Identifier(), socket.Addr())

	connections := make(chan *client.Client)
	go func() {
		for {
			// Poll until we can accept more clients.
			for f.clients.isServerFull() {
				select {
				case <-ctx.Done():
					return
				case <-time.After(100 * time.Millisecond):
				}
			}

			connection, err := socket.Accept()
			if errors.Is(err, net.ErrClosed) {
				return
			} else if err != nil {
				f.Logger.Warnf("failed to accept connection: %s", err.Error())
				continue
			}

			// Counted right away so the next fullness check includes it.
			c := client.NewClient(connection, f.Config.WriteTimeout)
			f.clients.add(c)

			select {
			case connections <- c:
			case <-ctx.Done():
				f.clients.remove(c)
				_ = c.Close()
				return
			}
		}
	}()

handleLoop:
	for {
		select {
		case <-ctx.Done():
			break handleLoop
		case c := <-connections:
			f.clientWg.Add(1)
			// Note: If there is eventually a need to implement worker pooling rather than spawning
			// new goroutines for each client, this is where it should be implemented.
			go f.acceptClient(ctx, c)
		}
	}

	f.Logger.Infof("[%v] shutting down (waiting for connections to close)", f.Backend.Identifier())
	_ = socket.Close()
	f.clients.closeAll()
	f.clientWg.Wait()
	f.Logger.Infof("[%v] exited", f.Backend.Identifier())
}

// acceptClient attempts to initiate a session by setting up the Client and
// sending the welcome message. If it succeeds, the goroutine moves into the
// message processing loop.
func (f *frontend) acceptClient(ctx context.Context, c *client.Client) {
	defer f.clientWg.Done()

	f.Backend.SetUpClient(c)
	if f.Config.Debugging.MessageLoggingEnabled {
		c.Tracer = f.Tracer
	}

	f.Logger.Infof("[%s] accepted connection from %s", f.Backend.Identifier(), c.Addr())

	if ctx.Err() != nil {
		// Shutting down; closeAll may already have run.
		f.clients.remove(c)
		_ = c.Close()
		return
	}
	if err := f.Backend.Handshake(c); err != nil {
		f.Logger.Errorf("Handshake() failed for client %s: %s", c.Addr(), err)
		f.clients.remove(c)
		_ = c.Close()
		return
	}

	f.processMessages(ctx, c)
}

// processMessages starts a blocking loop dedicated to reading data sent from
// a client and only returns once the connection has closed.
func (f *frontend) processMessages(ctx context.Context, c *client.Client) {
	defer f.closeConnectionAndRecover(f.Backend.Identifier(), c)

	decoder := protocol.NewDecoder(f.Config.MaxBufferSize)
	buffer := make([]byte, 2048)

	for {
		n, err := c.Read(buffer)

		if n > 0 {
			msgs, decodeErr := decoder.Feed(buffer[:n])
			if decodeErr != nil {
				// The stream stays usable; only the bad content was dropped.
				f.Logger.WithField("addr", c.Addr()).Warnf("dropped client data: %v", decodeErr)
			}

			for _, m := range msgs {
				if c.Tracer != nil {
					c.Tracer.Trace(c.DebugTags, true, m)
				}
				if err := f.Backend.Handle(ctx, c, m); err != nil {
					f.Logger.Warn("error in client communication: " + err.Error())
					return
				}
			}
		}

		if err == io.EOF {
			return
		} else if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				f.Logger.Warnf("socket error (%s) %s", c.Addr(), err)
			}
			return
		}
	}
}

// closeConnectionAndRecover is the failsafe that catches any panics, disconnects the
// client, and removes them from the list regardless of the state of the connection.
func (f *frontend) closeConnectionAndRecover(serverName string, c *client.Client) {
	if err := recover(); err != nil {
		f.Logger.Errorf("error in client communication with %s: error=%s, trace: %s",
			c.Addr(), err, debug.Stack())
	}

	f.Backend.Disconnect(c)

	if err := c.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		f.Logger.Warnf("failed to close client connection: %s", err)
	}

	f.clients.remove(c)

	f.Logger.Infof("[%s] disconnected client %s", serverName, c.Addr())
}
