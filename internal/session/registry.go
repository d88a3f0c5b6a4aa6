// Package session holds the shared state of the server: the lobby, games
// waiting for an opponent, games in progress and their spectators. Every
// change happens under a single lock held by the Registry. Messages produced
// by a change are handed to each connection's outbound queue before the lock
// is released, so every client sees changes in the order they were made.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/chessd/internal/history"
	"github.com/dcrodman/chessd/internal/protocol"
	"github.com/dcrodman/chessd/internal/rules"
)

// Archive stores the results of finished games. Implementations must be safe
// for concurrent use; they are only ever called without the registry lock held.
type Archive interface {
	Save(ctx context.Context, r *history.Record) error
	Recent(gameID string) (*history.Record, bool)
}

// Location describes where a connection currently sits in the registry.
type Location int

const (
	Unplaced Location = iota
	InLobby
	Hosting
	Seated
	Spectating
)

// Registry is the single source of truth for lobby membership and games.
type Registry struct {
	MoveTimeout time.Duration

	logger  logrus.FieldLogger
	archive Archive

	mu         sync.Mutex
	lobby      []Conn
	waiting    map[string]*Game
	active     map[Conn]*Game
	spectators map[Conn]*Game

	now      func() time.Time
	newID    func() string
	newBoard func() Board
}

func NewRegistry(logger logrus.FieldLogger, moveTimeout time.Duration, archive Archive) *Registry {
	return &Registry{
		MoveTimeout: moveTimeout,
		logger:      logger,
		archive:     archive,
		waiting:     make(map[string]*Game),
		active:      make(map[Conn]*Game),
		spectators:  make(map[Conn]*Game),
		now:         time.Now,
		newID:       newGameID,
		newBoard:    func() Board { return rules.NewBoard() },
	}
}

// newGameID returns a short id that players can read out to each other.
func newGameID() string {
	return uuid.NewString()[:8]
}

type delivery struct {
	to  Conn
	msg protocol.Message
}

// outbox collects the side effects of a registry transaction. Deliveries are
// queued while the lock is still held; records are saved after it is released.
type outbox struct {
	deliveries []delivery
	records    []*history.Record
}

func (o *outbox) send(c Conn, m protocol.Message) {
	if c == nil {
		return
	}
	o.deliveries = append(o.deliveries, delivery{to: c, msg: m})
}

func (o *outbox) broadcast(conns []Conn, m protocol.Message) {
	for _, c := range conns {
		o.send(c, m)
	}
}

func (o *outbox) reject(c Conn, err error) error {
	o.send(c, &protocol.Error{Msg: Describe(err)})
	return err
}

// deliver hands the queued messages to their connections. It runs with the
// lock held so that the order of deliveries matches the order of changes;
// Conn.Send only queues. A failed send only means that peer is going away; its
// own connection loop will notice and clean up.
func (r *Registry) deliver(o *outbox) {
	for _, d := range o.deliveries {
		if err := d.to.Send(d.msg); err != nil {
			r.logger.WithFields(logrus.Fields{
				"addr": d.to.IPAddr(),
				"type": d.msg.Type(),
			}).Debugf("dropped message: %v", err)
		}
	}
	o.deliveries = nil
}

// flush saves the results of games that ended in the transaction.
func (r *Registry) flush(o *outbox) {
	if r.archive == nil {
		return
	}
	for _, rec := range o.records {
		if err := r.archive.Save(context.Background(), rec); err != nil {
			r.logger.WithField("game", rec.GameID).Errorf("error saving game result: %v", err)
		}
	}
}

func (r *Registry) inLobby(c Conn) bool {
	for _, l := range r.lobby {
		if l == c {
			return true
		}
	}
	return false
}

func (r *Registry) enterLobby(c Conn) {
	if c == nil || r.inLobby(c) {
		return
	}
	r.lobby = append(r.lobby, c)
}

func (r *Registry) leaveLobby(c Conn) bool {
	for i, l := range r.lobby {
		if l == c {
			r.lobby = append(r.lobby[:i], r.lobby[i+1:]...)
			return true
		}
	}
	return false
}

// hostedBy returns the waiting game created by c, if any.
func (r *Registry) hostedBy(c Conn) *Game {
	for _, g := range r.waiting {
		if g.creator == c {
			return g
		}
	}
	return nil
}

func (r *Registry) locate(c Conn) Location {
	switch {
	case r.inLobby(c):
		return InLobby
	case r.active[c] != nil:
		return Seated
	case r.spectators[c] != nil:
		return Spectating
	case r.hostedBy(c) != nil:
		return Hosting
	}
	return Unplaced
}

// createWaitingSession seats creator as white in a new game.
func (r *Registry) createWaitingSession(creator Conn, password string) *Game {
	id := r.newID()
	for r.lookupByID(id) != nil {
		id = r.newID()
	}

	g := &Game{
		ID:          id,
		board:       r.newBoard(),
		creator:     creator,
		creatorAddr: creator.IPAddr(),
		password:    password,
		status:      Waiting,
		createdAt:   r.now(),
	}
	g.seats[0] = creator
	g.turn = g.board.Turn()

	r.leaveLobby(creator)
	r.waiting[id] = g
	return g
}

// promoteToActive seats joiner in the waiting game id. A rejected request
// changes nothing.
func (r *Registry) promoteToActive(id string, joiner Conn, password string) (*Game, error) {
	g, ok := r.waiting[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	if g.Private() && g.password != password {
		return nil, ErrWrongPassword
	}

	now := r.now()
	delete(r.waiting, id)
	r.leaveLobby(joiner)

	g.seats[1] = joiner
	g.status = Active
	g.startedAt = now
	g.lastMove = now
	for _, c := range g.seats {
		r.active[c] = g
	}
	return g, nil
}

func (r *Registry) lookupByID(id string) *Game {
	if g, ok := r.waiting[id]; ok {
		return g
	}
	for _, g := range r.active {
		if g.ID == id {
			return g
		}
	}
	return nil
}

// knownIDs lists every waiting and active game id in sorted order.
func (r *Registry) knownIDs() []string {
	ids := make([]string, 0, len(r.waiting)+len(r.active)/2)
	for id := range r.waiting {
		ids = append(ids, id)
	}
	for _, g := range r.activeGames() {
		ids = append(ids, g.ID)
	}
	sort.Strings(ids)
	return ids
}

// activeGames returns each game in progress once, ordered by id.
func (r *Registry) activeGames() []*Game {
	seen := make(map[*Game]bool, len(r.active)/2)
	games := make([]*Game, 0, len(r.active)/2)
	for _, g := range r.active {
		if !seen[g] {
			seen[g] = true
			games = append(games, g)
		}
	}
	sort.Slice(games, func(i, j int) bool { return games[i].ID < games[j].ID })
	return games
}

func (r *Registry) snapshot() *protocol.LobbyUpdate {
	update := &protocol.LobbyUpdate{
		Players:        make([]string, 0, len(r.lobby)),
		AvailableGames: make([]protocol.GameSummary, 0, len(r.waiting)),
	}
	for _, c := range r.lobby {
		update.Players = append(update.Players, c.IPAddr())
	}

	games := make([]*Game, 0, len(r.waiting))
	for _, g := range r.waiting {
		games = append(games, g)
	}
	sort.Slice(games, func(i, j int) bool {
		if games[i].createdAt.Equal(games[j].createdAt) {
			return games[i].ID < games[j].ID
		}
		return games[i].createdAt.Before(games[j].createdAt)
	})
	for _, g := range games {
		update.AvailableGames = append(update.AvailableGames, g.summary())
	}
	return update
}

func (r *Registry) broadcastLobby(out *outbox) {
	out.broadcast(r.lobby, r.snapshot())
}

// ending describes why a game is being torn down.
type ending struct {
	result string
	reason string
	winner rules.Color
	// gone is a connection that must not be put back in the lobby.
	gone Conn
}

// endSession removes g from every mapping, notifies its spectators, returns
// surviving players to the lobby and queues the result for the archive.
func (r *Registry) endSession(g *Game, e ending, out *outbox) {
	wasActive := g.status == Active
	g.status = Ended

	delete(r.waiting, g.ID)
	for _, c := range g.seats {
		if c != nil && r.active[c] == g {
			delete(r.active, c)
		}
	}

	gameOver := &protocol.GameOver{Result: e.result, Reason: e.reason}
	for _, s := range g.spectators {
		delete(r.spectators, s)
		out.send(s, gameOver)
	}
	g.spectators = nil

	for _, c := range g.seats {
		if c != nil && c != e.gone {
			r.enterLobby(c)
		}
	}

	if wasActive {
		out.records = append(out.records, g.record(e.result, e.reason, e.winner, r.now()))
	}
	r.logger.WithFields(logrus.Fields{
		"game":   g.ID,
		"reason": e.reason,
	}).Info("game ended")

	r.broadcastLobby(out)
}

// Location reports where c currently is.
func (r *Registry) Location(c Conn) Location {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locate(c)
}

// LookupActive returns the game c is seated in, if it has started.
func (r *Registry) LookupActive(c Conn) *Game {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active[c]
}

// LookupByID finds a waiting or active game.
func (r *Registry) LookupByID(id string) *Game {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lookupByID(id)
}

// Snapshot returns the lobby listing: the address of every lobby member and a
// summary of each game waiting for an opponent.
func (r *Registry) Snapshot() *protocol.LobbyUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot()
}
