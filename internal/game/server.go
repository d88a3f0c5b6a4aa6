// Package game implements the chess server backend: it identifies each client
// by its join request and routes the messages it sends to the session
// registry.
package game

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/chessd/internal/core"
	"github.com/dcrodman/chessd/internal/core/client"
	"github.com/dcrodman/chessd/internal/core/debug"
	"github.com/dcrodman/chessd/internal/protocol"
	"github.com/dcrodman/chessd/internal/session"
)

const welcomeMessage = "Welcome to chessd. Send a join request to play or spectate."

// ErrJoinRequired is returned when a client's first message isn't a join
// request; the connection is closed.
var ErrJoinRequired = errors.New("first message must be a join request")

// Server is the chess server implementation. Clients announce whether they
// are players or spectators in their first message; players then move between
// the lobby and games while spectators follow a single game.
type Server struct {
	Name     string
	Config   *core.Config
	Logger   logrus.FieldLogger
	Registry *session.Registry
}

func (s *Server) Identifier() string {
	return s.Name
}

func (s *Server) Init(_ context.Context) error {
	if s.Registry == nil {
		return fmt.Errorf("%s server has no session registry", s.Name)
	}
	return nil
}

func (s *Server) SetUpClient(c *client.Client) {
	c.DebugTags[debug.SERVER_TYPE] = s.Name
	c.DebugTags[debug.CLIENT_ADDR] = c.Addr()
}

func (s *Server) Handshake(c *client.Client) error {
	return c.Send(&protocol.Welcome{Message: welcomeMessage})
}

func (s *Server) Handle(_ context.Context, c *client.Client, m protocol.Message) error {
	var err error
	switch c.Role {
	case "":
		err = s.handleJoin(c, m)
	case protocol.RolePlayer:
		err = s.handlePlayer(c, m)
	case protocol.RoleSpectator:
		err = s.handleSpectator(c, m)
	}

	if errors.Is(err, ErrJoinRequired) {
		return err
	} else if err != nil {
		// The client has already been told what went wrong.
		s.Logger.WithFields(logrus.Fields{
			"addr": c.Addr(),
			"type": m.Type(),
		}).Debugf("rejected request: %v", err)
	}
	return nil
}

func (s *Server) Disconnect(c *client.Client) {
	s.Registry.Disconnect(c)
}

func (s *Server) handleJoin(c *client.Client, m protocol.Message) error {
	join, ok := m.(*protocol.Join)
	if !ok {
		_ = c.Send(&protocol.Error{Msg: "First message must be a join request"})
		return ErrJoinRequired
	}

	switch join.Role {
	case "", protocol.RolePlayer:
		if err := s.Registry.JoinAsPlayer(c); err != nil {
			return err
		}
		c.Role = protocol.RolePlayer
	case protocol.RoleSpectator:
		// A failed spectate leaves the client free to try another join.
		if err := s.Registry.Spectate(c, join.GameID); err != nil {
			return err
		}
		c.Role = protocol.RoleSpectator
	default:
		return s.reject(c, "Unknown role: %q", join.Role)
	}

	s.Logger.WithField("addr", c.Addr()).Infof("client joined as %s", c.Role)
	return nil
}

func (s *Server) handlePlayer(c *client.Client, m protocol.Message) error {
	switch msg := m.(type) {
	case *protocol.CreateGame:
		_, err := s.Registry.CreateGame(c, msg.Password)
		return err
	case *protocol.JoinGame:
		return s.Registry.JoinGame(c, msg.GameID, msg.Password)
	case *protocol.LobbyRequest:
		s.Registry.RequestLobby(c)
		return nil
	case *protocol.Move:
		return s.Registry.Move(c, msg.Move, msg.VerifyOnly)
	case *protocol.Chat:
		return s.Registry.Chat(c, msg.Msg)
	case *protocol.QuitGame:
		return s.Registry.Quit(c)
	case *protocol.Join:
		return s.reject(c, "You have already joined.")
	}
	return s.reject(c, "Unexpected message type: %s", m.Type())
}

func (s *Server) handleSpectator(c *client.Client, m protocol.Message) error {
	switch msg := m.(type) {
	case *protocol.Chat:
		return s.Registry.Chat(c, msg.Msg)
	case *protocol.LobbyRequest:
		s.Registry.RequestLobby(c)
		return nil
	case *protocol.Join:
		// Spectators of a finished game may join again.
		if s.Registry.Location(c) == session.Unplaced {
			c.Role = ""
			return s.handleJoin(c, m)
		}
		return s.reject(c, "You have already joined.")
	}
	return s.reject(c, "Spectators can only chat.")
}

// reject tells the client its request was refused.
func (s *Server) reject(c *client.Client, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if err := c.Send(&protocol.Error{Msg: msg}); err != nil {
		return err
	}
	return errors.New(msg)
}
