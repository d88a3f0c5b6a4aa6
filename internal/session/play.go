package session

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/chessd/internal/protocol"
)

// Move plays move for c in its current game. With verifyOnly set the move is
// checked but not played, and c is resynchronized with the current position.
func (r *Registry) Move(c Conn, move string, verifyOnly bool) error {
	var out outbox
	defer r.flush(&out)
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.deliver(&out)

	g := r.active[c]
	if g == nil {
		if r.hostedBy(c) != nil {
			return out.reject(c, ErrNotStarted)
		}
		return out.reject(c, ErrNotSeated)
	}

	if verifyOnly {
		err := g.checkMove(c, move)
		if err != nil {
			out.reject(c, err)
		} else {
			out.send(c, &protocol.Info{Msg: fmt.Sprintf("Move %s is legal.", move)})
		}
		out.send(c, g.boardMessage())
		out.send(c, g.turnMessage(protocol.StatusActive, r.MoveTimeout))
		return err
	}

	outcome, err := g.applyMove(c, move, r.now())
	if err != nil {
		return out.reject(c, err)
	}

	recipients := g.participants()
	out.broadcast(recipients, &protocol.Move{Move: move, Board: g.board.FEN()})

	status := protocol.StatusActive
	if outcome.Terminal {
		status = protocol.StatusEnded
		out.broadcast(recipients, &protocol.Info{Msg: outcome.Description})
	}
	out.broadcast(recipients, g.turnMessage(status, r.MoveTimeout))
	out.broadcast(recipients, g.boardMessage())

	if outcome.Terminal {
		gameOver := &protocol.GameOver{Result: outcome.Description, Reason: outcome.Reason}
		players := g.seats
		for _, p := range players {
			out.send(p, gameOver)
		}
		r.endSession(g, ending{
			result: outcome.Description,
			reason: outcome.Reason,
			winner: outcome.Winner,
		}, &out)
		for _, p := range players {
			out.send(p, &protocol.Info{Msg: "Game ended. You have been returned to the lobby."})
		}
	}

	r.logger.WithFields(logrus.Fields{
		"game":  g.ID,
		"color": g.ColorOf(c),
		"move":  move,
	}).Debug("move accepted")
	return nil
}

// Chat relays msg to everyone in the sender's game, labelled with the sender's
// seat.
func (r *Registry) Chat(c Conn, msg string) error {
	var out outbox
	defer r.flush(&out)
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.deliver(&out)

	var (
		g      *Game
		sender string
	)
	switch {
	case r.active[c] != nil:
		g = r.active[c]
		sender = g.ColorOf(c).Name()
	case r.spectators[c] != nil:
		g = r.spectators[c]
		sender = "Spectator"
	case r.hostedBy(c) != nil:
		g = r.hostedBy(c)
		sender = g.ColorOf(c).Name()
	default:
		return out.reject(c, ErrNoChannel)
	}

	out.broadcast(g.participants(), &protocol.Chat{Msg: fmt.Sprintf("%s: %s", sender, msg)})
	return nil
}
