package wsgateway

import (
	"io"
	"net"
	"time"

	"github.com/gorilla/websocket"
)

// Conn presents a WebSocket as a byte stream. Incoming text and binary frames
// are concatenated; every Write goes out as a single text frame.
type Conn struct {
	*websocket.Conn

	reader io.Reader
}

var _ net.Conn = (*Conn)(nil)

func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{Conn: ws}
}

func (c *Conn) Read(b []byte) (int, error) {
	for {
		if c.reader == nil {
			messageType, r, err := c.NextReader()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			} else if err != nil {
				return 0, err
			}
			if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(b)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (c *Conn) Write(b []byte) (int, error) {
	if err := c.WriteMessage(websocket.TextMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}
