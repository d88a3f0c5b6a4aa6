// Package wsgateway lets browser clients speak the chess protocol over a
// WebSocket. Upgraded connections are handed out through a net.Listener so the
// regular connection handling serves them unchanged.
package wsgateway

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// Listener is an HTTP server whose upgraded WebSockets are returned by Accept.
type Listener struct {
	// Full is consulted before upgrading; a full server answers 503.
	Full func() bool

	logger   logrus.FieldLogger
	upgrader websocket.Upgrader
	socket   net.Listener
	server   *http.Server

	conns     chan net.Conn
	done      chan struct{}
	closeOnce sync.Once
}

// Listen starts serving HTTP on addr. Requests for path are upgraded to
// WebSockets.
func Listen(addr, path string, logger logrus.FieldLogger) (*Listener, error) {
	socket, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	l := &Listener{
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients may be served from anywhere.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		socket: socket,
		conns:  make(chan net.Conn),
		done:   make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.Handle(path, l)
	l.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := l.server.Serve(socket); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("websocket gateway stopped: %v", err)
		}
	}()
	return l, nil
}

// ServeHTTP upgrades the request and waits for the connection to be accepted.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if l.Full != nil && l.Full() {
		http.Error(w, "server is full", http.StatusServiceUnavailable)
		return
	}

	ws, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied with an error status.
		l.logger.WithField("addr", r.RemoteAddr).Debugf("websocket upgrade failed: %v", err)
		return
	}

	select {
	case l.conns <- NewConn(ws):
	case <-l.done:
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = ws.Close()
	}
}

// Accept waits for the next upgraded connection.
func (l *Listener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

// Close stops the HTTP server. Connections that were already accepted are
// left open.
func (l *Listener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		err = l.server.Shutdown(ctx)
	})
	return err
}

func (l *Listener) Addr() net.Addr {
	return l.socket.Addr()
}
