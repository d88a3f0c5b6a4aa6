package internal

import (
	"context"

	"github.com/dcrodman/chessd/internal/core/client"
	"github.com/dcrodman/chessd/internal/protocol"
)

// Backend is an interface for a server that handles the messages sent by
// connected clients.
type Backend interface {
	// Identifier returns a uniquely identifying string.
	Identifier() string

	// Init is called before a Backend is started as a hook for the Backend to
	// perform any necessary initialization before it can accept clients.
	Init(ctx context.Context) error

	// SetUpClient performs any initialization on the Client needed to be
	// able to begin the session.
	SetUpClient(c *client.Client)

	// Handshake performs any connection initialization necessary to begin
	// communicating with the client. This likely involves sending a "welcome" message.
	Handshake(c *client.Client) error

	// Handle is the main entry point for processing client messages. It's
	// responsible for handling each decoded message as well as sending any
	// responses. Returning an error closes the connection.
	Handle(ctx context.Context, c *client.Client, m protocol.Message) error

	// Disconnect is called exactly once after a client's connection closes.
	Disconnect(c *client.Client)
}
