// Package rules adapts github.com/notnil/chess to the small set of operations
// the server needs: validating and applying UCI moves, reporting terminal
// positions, and passing the turn when a player runs out of time.
package rules

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/notnil/chess"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	ErrMalformedMove = errors.New("invalid move format")
	ErrIllegalMove   = errors.New("illegal move")
	ErrGameOver      = errors.New("game is already over")
)

// Color is one of the two sides of a board.
type Color int8

const (
	NoColor Color = iota
	White
	Black
)

var titleCase = cases.Title(language.English)

func (c Color) String() string {
	switch c {
	case White:
		return "white"
	case Black:
		return "black"
	}
	return ""
}

// Name is the capitalized form used in messages shown to players.
func (c Color) Name() string {
	return titleCase.String(c.String())
}

// Other returns the opposing color.
func (c Color) Other() Color {
	switch c {
	case White:
		return Black
	case Black:
		return White
	}
	return NoColor
}

func fromChessColor(c chess.Color) Color {
	switch c {
	case chess.White:
		return White
	case chess.Black:
		return Black
	}
	return NoColor
}

// Reasons a game can end on the board.
const (
	ReasonCheckmate            = "checkmate"
	ReasonStalemate            = "stalemate"
	ReasonInsufficientMaterial = "insufficient_material"
	ReasonRepetition           = "fivefold_repetition"
	ReasonMoveRule             = "seventy_five_move_rule"
)

// Outcome describes the state of the game after a move.
type Outcome struct {
	Terminal bool
	// Winner is NoColor for draws and unfinished games.
	Winner Color
	Reason string
	// Description is a sentence announcing the result to players.
	Description string
}

// Board is a single game position and its move history.
type Board struct {
	game *chess.Game
}

// NewBoard returns a board set up in the standard starting position.
func NewBoard() *Board {
	return &Board{game: chess.NewGame()}
}

// FromFEN returns a board set up in the given position.
func FromFEN(fen string) (*Board, error) {
	opt, err := chess.FEN(fen)
	if err != nil {
		return nil, fmt.Errorf("parsing FEN %q: %w", fen, err)
	}
	return &Board{game: chess.NewGame(opt)}, nil
}

// FEN serializes the current position.
func (b *Board) FEN() string {
	return b.game.Position().String()
}

// Turn returns the side to move.
func (b *Board) Turn() Color {
	return fromChessColor(b.game.Position().Turn())
}

// Validate checks that move is well-formed UCI and legal in the current
// position without changing anything.
func (b *Board) Validate(move string) error {
	_, err := b.find(move)
	return err
}

// Apply plays a UCI move and reports the resulting outcome.
func (b *Board) Apply(move string) (Outcome, error) {
	m, err := b.find(move)
	if err != nil {
		return Outcome{}, err
	}
	if err := b.game.Move(m); err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrIllegalMove, err)
	}
	return b.Outcome(), nil
}

func (b *Board) find(move string) (*chess.Move, error) {
	if b.game.Outcome() != chess.NoOutcome {
		return nil, ErrGameOver
	}

	pos := b.game.Position()
	m, err := chess.UCINotation{}.Decode(pos, strings.ToLower(strings.TrimSpace(move)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMove, err)
	}
	for _, valid := range b.game.ValidMoves() {
		if valid.S1() == m.S1() && valid.S2() == m.S2() && valid.Promo() == m.Promo() {
			// A king is never captured. Only a passed turn can leave one
			// exposed, and the engine would otherwise allow taking it.
			if pos.Board().Piece(valid.S2()).Type() == chess.King {
				return nil, ErrIllegalMove
			}
			return valid, nil
		}
	}
	return nil, ErrIllegalMove
}

// Outcome reports whether the current position ends the game.
func (b *Board) Outcome() Outcome {
	outcome := b.game.Outcome()
	if outcome == chess.NoOutcome {
		return Outcome{}
	}

	o := Outcome{Terminal: true}
	switch outcome {
	case chess.WhiteWon:
		o.Winner = White
	case chess.BlackWon:
		o.Winner = Black
	}

	switch b.game.Method() {
	case chess.Checkmate:
		o.Reason = ReasonCheckmate
		o.Description = fmt.Sprintf("Checkmate! %s wins!", o.Winner.Name())
	case chess.Stalemate:
		o.Reason = ReasonStalemate
		o.Description = "Stalemate! Game ends in a draw."
	case chess.InsufficientMaterial:
		o.Reason = ReasonInsufficientMaterial
		o.Description = "Draw due to insufficient material."
	case chess.FivefoldRepetition:
		o.Reason = ReasonRepetition
		o.Description = "Draw by fivefold repetition."
	case chess.SeventyFiveMoveRule:
		o.Reason = ReasonMoveRule
		o.Description = "Draw by the seventy-five move rule."
	default:
		o.Reason = strings.ToLower(b.game.Method().String())
		o.Description = "Game over: " + outcome.String()
	}
	return o
}

// Pass hands the move to the other side without moving any pieces. The en
// passant square is cleared since the capture is no longer available.
func (b *Board) Pass() error {
	fields := strings.Fields(b.FEN())
	if len(fields) != 6 {
		return fmt.Errorf("unexpected FEN %q", b.FEN())
	}

	halfMoves, err := strconv.Atoi(fields[4])
	if err != nil {
		return fmt.Errorf("parsing halfmove clock: %w", err)
	}
	fullMoves, err := strconv.Atoi(fields[5])
	if err != nil {
		return fmt.Errorf("parsing fullmove number: %w", err)
	}

	if fields[1] == "w" {
		fields[1] = "b"
	} else {
		fields[1] = "w"
		fullMoves++
	}
	fields[3] = "-"
	fields[4] = strconv.Itoa(halfMoves + 1)
	fields[5] = strconv.Itoa(fullMoves)

	opt, err := chess.FEN(strings.Join(fields, " "))
	if err != nil {
		return fmt.Errorf("passing turn: %w", err)
	}
	b.game = chess.NewGame(opt)
	return nil
}
