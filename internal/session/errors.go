package session

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dcrodman/chessd/internal/rules"
)

var (
	ErrAlreadyJoined = errors.New("already joined")
	ErrNotInLobby    = errors.New("not in the lobby")
	ErrNotSeated     = errors.New("not seated in a game")
	ErrNotStarted    = errors.New("game has not started yet")
	ErrNotYourTurn   = errors.New("not your turn")
	ErrWrongPassword = errors.New("incorrect password")
	ErrGameNotFound  = errors.New("game not found")
	ErrGameEnded     = errors.New("game has ended")
	ErrNoChannel     = errors.New("no chat channel")
)

// NotFoundError is returned when a game id doesn't name a joinable or
// watchable game. Known is only filled in for spectate requests.
type NotFoundError struct {
	ID    string
	Known []string

	spectating bool
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("game %s not found", e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrGameNotFound
}

// MoveError wraps a rules error with the move text that caused it.
type MoveError struct {
	Move string
	Err  error
}

func (e *MoveError) Error() string {
	return fmt.Sprintf("move %q: %v", e.Move, e.Err)
}

func (e *MoveError) Unwrap() error {
	return e.Err
}

// Describe converts an error returned by a Registry operation into the text
// sent to the client in an error message.
func Describe(err error) string {
	var notFound *NotFoundError
	if errors.As(err, &notFound) {
		if !notFound.spectating {
			return fmt.Sprintf("Game #%s not found or already full.", notFound.ID)
		}
		known := "none"
		if len(notFound.Known) > 0 {
			known = strings.Join(notFound.Known, ", ")
		}
		return fmt.Sprintf("Game #%s not found. Active games: %s", notFound.ID, known)
	}

	var moveErr *MoveError
	switch {
	case errors.Is(err, ErrNotYourTurn):
		return "Not your turn"
	case errors.As(err, &moveErr) && errors.Is(err, rules.ErrMalformedMove):
		return fmt.Sprintf("Invalid move format: %q is not in UCI notation (e.g. e2e4, e7e8q)", moveErr.Move)
	case errors.Is(err, rules.ErrIllegalMove):
		return "Illegal move"
	case errors.Is(err, rules.ErrGameOver):
		return "Game is already over"
	case errors.Is(err, ErrWrongPassword):
		return "Incorrect password for private game."
	case errors.Is(err, ErrNotStarted):
		return "Game has not started yet"
	case errors.Is(err, ErrNotInLobby):
		return "You must be in the lobby to do that."
	case errors.Is(err, ErrNotSeated):
		return "You are not playing in a game."
	case errors.Is(err, ErrAlreadyJoined):
		return "You have already joined."
	case errors.Is(err, ErrNoChannel):
		return "Chat is only available inside a game."
	}
	return err.Error()
}
