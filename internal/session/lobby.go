package session

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/chessd/internal/protocol"
	"github.com/dcrodman/chessd/internal/rules"
)

// JoinAsPlayer puts a newly identified player in the lobby.
func (r *Registry) JoinAsPlayer(c Conn) error {
	var out outbox
	defer r.flush(&out)
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.deliver(&out)

	if r.locate(c) != Unplaced {
		return out.reject(c, ErrAlreadyJoined)
	}
	r.enterLobby(c)
	out.send(c, &protocol.Info{Msg: "Joined lobby. Create or join a game."})
	r.broadcastLobby(&out)
	return nil
}

// Spectate binds c to the game with the given id and sends it the current
// position. Games that ended recently are reported as such instead of as
// unknown.
func (r *Registry) Spectate(c Conn, id string) error {
	var out outbox
	defer r.flush(&out)
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.deliver(&out)

	if r.locate(c) != Unplaced {
		return out.reject(c, ErrAlreadyJoined)
	}

	g := r.lookupByID(id)
	if g == nil {
		if r.archive != nil {
			if rec, ok := r.archive.Recent(id); ok {
				out.send(c, &protocol.Info{Msg: fmt.Sprintf("Game #%s has ended: %s", id, rec.Result)})
				return fmt.Errorf("spectating %s: %w", id, ErrGameEnded)
			}
		}
		return out.reject(c, &NotFoundError{ID: id, Known: r.knownIDs(), spectating: true})
	}

	g.spectators = append(g.spectators, c)
	r.spectators[c] = g

	status := protocol.StatusActive
	if g.status == Waiting {
		status = g.status.String()
	}
	out.send(c, &protocol.Info{Msg: fmt.Sprintf("You are now spectating Game #%s", g.ID)})
	out.send(c, g.boardMessage())
	out.send(c, g.turnMessage(status, r.MoveTimeout))
	return nil
}

// CreateGame opens a game with c as white. A non-empty password makes the
// game private.
func (r *Registry) CreateGame(c Conn, password string) (string, error) {
	var out outbox
	defer r.flush(&out)
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.deliver(&out)

	if !r.inLobby(c) {
		return "", out.reject(c, ErrNotInLobby)
	}
	g := r.createWaitingSession(c, password)

	private := ""
	if g.Private() {
		private = " (Private game)"
	}
	out.send(c, &protocol.Info{
		Msg: fmt.Sprintf("Game #%s%s created. You are White. Waiting for an opponent...", g.ID, private),
	})
	r.broadcastLobby(&out)

	r.logger.WithFields(logrus.Fields{"game": g.ID, "addr": c.IPAddr()}).Info("game created")
	return g.ID, nil
}

// JoinGame seats c as black in a waiting game and starts it.
func (r *Registry) JoinGame(c Conn, id, password string) error {
	var out outbox
	defer r.flush(&out)
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.deliver(&out)

	if !r.inLobby(c) {
		return out.reject(c, ErrNotInLobby)
	}
	g, err := r.promoteToActive(id, c, password)
	if err != nil {
		return out.reject(c, err)
	}

	out.send(g.seat(rules.White), &protocol.Info{Msg: fmt.Sprintf("Game #%s started. You are White.", g.ID)})
	out.send(g.seat(rules.Black), &protocol.Info{Msg: fmt.Sprintf("Game #%s started. You are Black.", g.ID)})
	recipients := g.participants()
	out.broadcast(recipients, g.turnMessage(protocol.StatusActive, r.MoveTimeout))
	out.broadcast(recipients, g.boardMessage())
	r.broadcastLobby(&out)

	r.logger.WithFields(logrus.Fields{"game": g.ID, "addr": c.IPAddr()}).Info("game started")
	return nil
}

// RequestLobby refreshes the lobby listing. Lobby members trigger a refresh for
// the whole lobby; anyone else just gets a copy.
func (r *Registry) RequestLobby(c Conn) {
	var out outbox
	defer r.flush(&out)
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.deliver(&out)

	if r.inLobby(c) {
		r.broadcastLobby(&out)
		return
	}
	out.send(c, r.snapshot())
}

// Quit takes c out of its game and back to the lobby along with its opponent.
// A creator still waiting for an opponent cancels the game instead.
func (r *Registry) Quit(c Conn) error {
	var out outbox
	defer r.flush(&out)
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.deliver(&out)

	if g := r.hostedBy(c); g != nil {
		r.endSession(g, ending{
			result: fmt.Sprintf("Game #%s was cancelled by its creator.", g.ID),
			reason: "quit",
		}, &out)
		out.send(c, &protocol.Info{Msg: fmt.Sprintf("Game #%s cancelled. Returning to lobby.", g.ID)})
		return nil
	}

	g := r.active[c]
	if g == nil {
		return out.reject(c, ErrNotSeated)
	}

	color := g.ColorOf(c)
	opponent := g.OpponentOf(c)
	result := fmt.Sprintf("%s player has quit the game.", color.Name())

	gameOver := &protocol.GameOver{Result: result, Reason: "quit"}
	out.send(opponent, gameOver)
	out.send(c, gameOver)
	r.endSession(g, ending{result: result, reason: "quit", winner: color.Other()}, &out)
	out.send(opponent, &protocol.Info{Msg: "Your opponent has quit the game. You have been returned to the lobby."})
	out.send(c, &protocol.Info{Msg: "You have quit the game. Returning to lobby."})
	return nil
}

// Disconnect removes every trace of c. Any game it was playing in ends and the
// opponent is returned to the lobby.
func (r *Registry) Disconnect(c Conn) {
	var out outbox
	defer r.flush(&out)
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.deliver(&out)

	if r.leaveLobby(c) {
		r.broadcastLobby(&out)
	}

	if g := r.spectators[c]; g != nil {
		delete(r.spectators, c)
		g.removeSpectator(c)
	}

	if g := r.hostedBy(c); g != nil {
		r.endSession(g, ending{
			result: fmt.Sprintf("Game #%s was abandoned by its creator.", g.ID),
			reason: "disconnection",
			gone:   c,
		}, &out)
	}

	if g := r.active[c]; g != nil {
		color := g.ColorOf(c)
		opponent := g.OpponentOf(c)

		out.send(opponent, &protocol.Info{Msg: "Opponent disconnected. Game ended."})
		out.send(opponent, &protocol.GameOver{Result: "Opponent disconnected.", Reason: "disconnection"})
		r.endSession(g, ending{
			result: fmt.Sprintf("%s player disconnected.", color.Name()),
			reason: "disconnection",
			winner: color.Other(),
			gone:   c,
		}, &out)
	}

	// Nothing queued for c can be delivered now.
	kept := out.deliveries[:0]
	for _, d := range out.deliveries {
		if d.to != c {
			kept = append(kept, d)
		}
	}
	out.deliveries = kept
}
