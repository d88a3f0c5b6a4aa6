package session

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dcrodman/chessd/internal/protocol"
)

// ExpireMoves passes the turn in every game where the side to move has had it
// for longer than MoveTimeout. It never ends a game. The number of games that
// were passed is returned.
func (r *Registry) ExpireMoves(now time.Time) int {
	var out outbox
	defer r.flush(&out)
	r.mu.Lock()
	defer r.mu.Unlock()
	defer r.deliver(&out)

	expired := 0
	for _, g := range r.activeGames() {
		if now.Sub(g.lastMove) <= r.MoveTimeout {
			continue
		}
		color := g.turn
		if g.seat(color) == nil {
			continue
		}

		log := r.logger.WithFields(logrus.Fields{"game": g.ID, "color": color})
		if err := g.passTurn(now); err != nil {
			log.Errorf("error passing turn: %v", err)
			continue
		}
		log.Info("move timed out")

		recipients := g.participants()
		out.broadcast(recipients, &protocol.Info{
			Msg: fmt.Sprintf("%s took too long. Turn passes to opponent.", color.Name()),
		})
		out.broadcast(recipients, &protocol.TimeoutSync{
			TimeoutPlayer: color.Name(),
			Board:         g.board.FEN(),
			NextTurn:      g.turn.Name(),
		})
		out.broadcast(recipients, g.turnMessage(protocol.StatusActive, r.MoveTimeout))
		out.broadcast(recipients, g.boardMessage())
		expired++
	}
	return expired
}

// Watchdog periodically enforces the move time limit on a Registry.
type Watchdog struct {
	Registry *Registry
	Interval time.Duration
	Logger   logrus.FieldLogger
}

// Run blocks until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	interval := w.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.Logger.Debugf("move watchdog running every %v", interval)
	for {
		select {
		case <-ctx.Done():
			w.Logger.Debug("move watchdog stopped")
			return
		case <-ticker.C:
			if n := w.Registry.ExpireMoves(w.Registry.now()); n > 0 {
				w.Logger.Debugf("passed the turn in %d game(s)", n)
			}
		}
	}
}
