package session

import (
	"strings"
	"time"

	"github.com/dcrodman/chessd/internal/history"
	"github.com/dcrodman/chessd/internal/protocol"
	"github.com/dcrodman/chessd/internal/rules"
)

// Conn is the registry's view of a connected client.
type Conn interface {
	// IPAddr is the address shown to other players in the lobby.
	IPAddr() string
	// Send queues m for delivery. It is called with the registry lock held
	// and must not block on the network.
	Send(m protocol.Message) error
}

// Board is the rules engine state owned by a single game.
type Board interface {
	FEN() string
	Turn() rules.Color
	Validate(move string) error
	Apply(move string) (rules.Outcome, error)
	Pass() error
}

type Status int

const (
	Waiting Status = iota
	Active
	Ended
)

func (s Status) String() string {
	switch s {
	case Waiting:
		return "waiting"
	case Active:
		return "active"
	case Ended:
		return "ended"
	}
	return "unknown"
}

// Game is one match. All fields are guarded by the owning Registry's lock.
type Game struct {
	ID string

	board Board
	// Indexed by seatIndex; white is always the creator.
	seats      [2]Conn
	turn       rules.Color
	spectators []Conn

	creator     Conn
	creatorAddr string
	password    string

	status    Status
	createdAt time.Time
	startedAt time.Time
	lastMove  time.Time
	moves     []string
}

func seatIndex(c rules.Color) int {
	if c == rules.Black {
		return 1
	}
	return 0
}

func (g *Game) Private() bool { return g.password != "" }

func (g *Game) seat(c rules.Color) Conn {
	return g.seats[seatIndex(c)]
}

// ColorOf returns the color conn is playing, or NoColor if it isn't seated.
func (g *Game) ColorOf(conn Conn) rules.Color {
	switch conn {
	case nil:
		return rules.NoColor
	case g.seats[0]:
		return rules.White
	case g.seats[1]:
		return rules.Black
	}
	return rules.NoColor
}

// OpponentOf returns the player across the board from conn, if any.
func (g *Game) OpponentOf(conn Conn) Conn {
	color := g.ColorOf(conn)
	if color == rules.NoColor {
		return nil
	}
	return g.seat(color.Other())
}

// participants lists both seats followed by the spectators in the order they
// arrived.
func (g *Game) participants() []Conn {
	conns := make([]Conn, 0, 2+len(g.spectators))
	for _, c := range g.seats {
		if c != nil {
			conns = append(conns, c)
		}
	}
	return append(conns, g.spectators...)
}

func (g *Game) removeSpectator(conn Conn) {
	for i, s := range g.spectators {
		if s == conn {
			g.spectators = append(g.spectators[:i], g.spectators[i+1:]...)
			return
		}
	}
}

func (g *Game) checkMove(conn Conn, move string) error {
	if g.status != Active {
		return ErrNotStarted
	}
	color := g.ColorOf(conn)
	if color == rules.NoColor {
		return ErrNotSeated
	}
	if color != g.turn {
		return ErrNotYourTurn
	}
	if err := g.board.Validate(move); err != nil {
		return &MoveError{Move: move, Err: err}
	}
	return nil
}

// applyMove plays move for conn. Nothing about the game changes unless the
// move is accepted.
func (g *Game) applyMove(conn Conn, move string, now time.Time) (rules.Outcome, error) {
	if err := g.checkMove(conn, move); err != nil {
		return rules.Outcome{}, err
	}
	outcome, err := g.board.Apply(move)
	if err != nil {
		return rules.Outcome{}, &MoveError{Move: move, Err: err}
	}

	g.turn = g.board.Turn()
	g.lastMove = now
	g.moves = append(g.moves, strings.ToLower(strings.TrimSpace(move)))
	return outcome, nil
}

// passTurn gives the move to the other side without touching the pieces.
func (g *Game) passTurn(now time.Time) error {
	if err := g.board.Pass(); err != nil {
		return err
	}
	g.turn = g.board.Turn()
	g.lastMove = now
	return nil
}

func (g *Game) summary() protocol.GameSummary {
	return protocol.GameSummary{
		ID:        g.ID,
		Creator:   g.creatorAddr,
		IsPrivate: g.Private(),
	}
}

func (g *Game) boardMessage() *protocol.Board {
	return &protocol.Board{Board: g.board.FEN()}
}

func (g *Game) turnMessage(status string, limit time.Duration) *protocol.Turn {
	return &protocol.Turn{
		Turn:      g.turn.Name(),
		Status:    status,
		TimeLimit: int(limit / time.Second),
	}
}

func (g *Game) record(result, reason string, winner rules.Color, now time.Time) *history.Record {
	r := &history.Record{
		GameID:    g.ID,
		Result:    result,
		Reason:    reason,
		Winner:    winner.String(),
		FinalFEN:  g.board.FEN(),
		Moves:     strings.Join(g.moves, " "),
		Private:   g.Private(),
		StartedAt: g.startedAt,
		EndedAt:   now,
	}
	if c := g.seats[0]; c != nil {
		r.White = c.IPAddr()
	}
	if c := g.seats[1]; c != nil {
		r.Black = c.IPAddr()
	}
	return r
}
