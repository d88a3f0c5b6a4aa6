package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"

	"github.com/dcrodman/chessd/internal/history"
	"github.com/dcrodman/chessd/internal/protocol"
	"github.com/dcrodman/chessd/internal/rules"
)

const testTimeout = 60 * time.Second

type fakeConn struct {
	addr string

	mu   sync.Mutex
	msgs []protocol.Message
	fail bool

	// onSend, when set, runs before each message is recorded.
	onSend func(protocol.Message)
}

func newFakeConn(addr string) *fakeConn {
	return &fakeConn{addr: addr}
}

func (f *fakeConn) IPAddr() string { return f.addr }

func (f *fakeConn) Send(m protocol.Message) error {
	if f.onSend != nil {
		f.onSend(m)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("connection reset by peer")
	}
	f.msgs = append(f.msgs, m)
	return nil
}

// drain returns and forgets everything received so far.
func (f *fakeConn) drain() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.msgs
	f.msgs = nil
	return msgs
}

func types(msgs []protocol.Message) []protocol.Type {
	var t []protocol.Type
	for _, m := range msgs {
		t = append(t, m.Type())
	}
	return t
}

type fakeArchive struct {
	mu    sync.Mutex
	saved []*history.Record
}

func (a *fakeArchive) Save(_ context.Context, r *history.Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.saved = append(a.saved, r)
	return nil
}

func (a *fakeArchive) Recent(id string) (*history.Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, r := range a.saved {
		if r.GameID == id {
			return r, true
		}
	}
	return nil, false
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testRegistry struct {
	*Registry
	clock   *fakeClock
	archive *fakeArchive
}

func newTestRegistry(t *testing.T) *testRegistry {
	t.Helper()
	logger := logrus.New()
	logger.Out = io.Discard

	archive := &fakeArchive{}
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	r := NewRegistry(logger, testTimeout, archive)
	r.now = clock.Now

	var next int
	r.newID = func() string {
		next++
		return fmt.Sprintf("game%04d", next)
	}
	return &testRegistry{Registry: r, clock: clock, archive: archive}
}

// joinLobby puts a new player in the lobby and discards its messages.
func (r *testRegistry) joinLobby(t *testing.T, addr string) *fakeConn {
	t.Helper()
	c := newFakeConn(addr)
	if err := r.JoinAsPlayer(c); err != nil {
		t.Fatalf("JoinAsPlayer() returned an unexpected error: %v", err)
	}
	return c
}

// startGame returns the two players of a freshly started public game.
func (r *testRegistry) startGame(t *testing.T) (white, black *fakeConn, g *Game) {
	t.Helper()
	white = r.joinLobby(t, "10.0.0.1")
	black = r.joinLobby(t, "10.0.0.2")

	id, err := r.CreateGame(white, "")
	if err != nil {
		t.Fatalf("CreateGame() returned an unexpected error: %v", err)
	}
	if err := r.JoinGame(black, id, ""); err != nil {
		t.Fatalf("JoinGame() returned an unexpected error: %v", err)
	}
	white.drain()
	black.drain()
	return white, black, r.LookupByID(id)
}

func (r *testRegistry) move(t *testing.T, c Conn, moves ...string) {
	t.Helper()
	for _, m := range moves {
		if err := r.Move(c, m, false); err != nil {
			t.Fatalf("Move(%q) returned an unexpected error: %v", m, err)
		}
	}
}

// assertExclusive checks that no connection is in more than one of the lobby,
// a seat or a spectator binding.
func assertExclusive(t *testing.T, r *testRegistry, conns ...Conn) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range conns {
		places := 0
		if r.inLobby(c) {
			places++
		}
		if r.active[c] != nil {
			places++
		}
		if r.spectators[c] != nil {
			places++
		}
		if r.hostedBy(c) != nil {
			places++
		}
		if places > 1 {
			t.Errorf("%s is in %d places at once", c.IPAddr(), places)
		}
	}
}

func TestRegistry_JoinAsPlayer(t *testing.T) {
	r := newTestRegistry(t)
	first := r.joinLobby(t, "10.0.0.1")
	first.drain()

	second := newFakeConn("10.0.0.2")
	if err := r.JoinAsPlayer(second); err != nil {
		t.Fatalf("JoinAsPlayer() returned an unexpected error: %v", err)
	}

	want := []protocol.Message{
		&protocol.Info{Msg: "Joined lobby. Create or join a game."},
		&protocol.LobbyUpdate{Players: []string{"10.0.0.1", "10.0.0.2"}, AvailableGames: []protocol.GameSummary{}},
	}
	if diff := cmp.Diff(want, second.drain()); diff != "" {
		t.Errorf("joining player received the wrong messages; diff:\n%s", diff)
	}
	if diff := cmp.Diff(want[1:], first.drain()); diff != "" {
		t.Errorf("lobby member received the wrong messages; diff:\n%s", diff)
	}

	if err := r.JoinAsPlayer(second); !errors.Is(err, ErrAlreadyJoined) {
		t.Errorf("JoinAsPlayer() twice want error %v, got %v", ErrAlreadyJoined, err)
	}
	if r.Location(second) != InLobby {
		t.Errorf("Location() want = %v, got = %v", InLobby, r.Location(second))
	}
}

func TestRegistry_CreateGame(t *testing.T) {
	r := newTestRegistry(t)
	creator := r.joinLobby(t, "10.0.0.1")
	watcher := r.joinLobby(t, "10.0.0.2")
	creator.drain()
	watcher.drain()

	id, err := r.CreateGame(creator, "hunter2")
	if err != nil {
		t.Fatalf("CreateGame() returned an unexpected error: %v", err)
	}

	wantInfo := &protocol.Info{Msg: "Game #" + id + " (Private game) created. You are White. Waiting for an opponent..."}
	if diff := cmp.Diff([]protocol.Message{wantInfo}, creator.drain()); diff != "" {
		t.Errorf("creator received the wrong messages; diff:\n%s", diff)
	}

	wantLobby := &protocol.LobbyUpdate{
		Players:        []string{"10.0.0.2"},
		AvailableGames: []protocol.GameSummary{{ID: id, Creator: "10.0.0.1", IsPrivate: true}},
	}
	if diff := cmp.Diff([]protocol.Message{wantLobby}, watcher.drain()); diff != "" {
		t.Errorf("lobby received the wrong messages; diff:\n%s", diff)
	}

	if r.Location(creator) != Hosting {
		t.Errorf("Location() want = %v, got = %v", Hosting, r.Location(creator))
	}
	if g := r.LookupByID(id); g == nil || g.status != Waiting {
		t.Errorf("expected game %s to be waiting, got %+v", id, g)
	}

	if _, err := r.CreateGame(creator, ""); !errors.Is(err, ErrNotInLobby) {
		t.Errorf("CreateGame() outside the lobby want error %v, got %v", ErrNotInLobby, err)
	}
}

func TestRegistry_JoinGamePassword(t *testing.T) {
	r := newTestRegistry(t)
	creator := r.joinLobby(t, "10.0.0.1")
	joiner := r.joinLobby(t, "10.0.0.2")
	id, err := r.CreateGame(creator, "hunter2")
	if err != nil {
		t.Fatalf("CreateGame() returned an unexpected error: %v", err)
	}
	creator.drain()
	joiner.drain()

	if err := r.JoinGame(joiner, id, "hunter3"); !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("JoinGame() want error %v, got %v", ErrWrongPassword, err)
	}
	if diff := cmp.Diff([]protocol.Message{&protocol.Error{Msg: "Incorrect password for private game."}}, joiner.drain()); diff != "" {
		t.Errorf("joiner received the wrong messages; diff:\n%s", diff)
	}
	if msgs := creator.drain(); len(msgs) != 0 {
		t.Errorf("creator should not hear about a rejected join, got %v", types(msgs))
	}
	g := r.LookupByID(id)
	if g.status != Waiting || g.seats[1] != nil {
		t.Errorf("rejected join changed the game: status %v, black %v", g.status, g.seats[1])
	}
	if r.Location(joiner) != InLobby {
		t.Errorf("Location() want = %v, got = %v", InLobby, r.Location(joiner))
	}

	if err := r.JoinGame(joiner, id, "hunter2"); err != nil {
		t.Fatalf("JoinGame() returned an unexpected error: %v", err)
	}
	if g.status != Active || g.seats[0] != creator || g.seats[1] != joiner {
		t.Errorf("expected an active game with both seats filled, got status %v", g.status)
	}
	if r.LookupActive(creator) != g || r.LookupActive(joiner) != g {
		t.Error("LookupActive() did not find the game for both players")
	}

	fen := rules.NewBoard().FEN()
	want := []protocol.Message{
		&protocol.Info{Msg: "Game #" + id + " started. You are Black."},
		&protocol.Turn{Turn: "White", Status: protocol.StatusActive, TimeLimit: 60},
		&protocol.Board{Board: fen},
	}
	if diff := cmp.Diff(want, joiner.drain()); diff != "" {
		t.Errorf("joiner received the wrong messages; diff:\n%s", diff)
	}
	if got := types(creator.drain()); !cmp.Equal(got, []protocol.Type{protocol.TypeInfo, protocol.TypeTurn, protocol.TypeBoard}) {
		t.Errorf("creator received the wrong messages: %v", got)
	}
	if snap := r.Snapshot(); len(snap.AvailableGames) != 0 || len(snap.Players) != 0 {
		t.Errorf("expected an empty lobby, got %+v", snap)
	}
	assertExclusive(t, r, creator, joiner)
}

func TestRegistry_JoinGameNotFound(t *testing.T) {
	r := newTestRegistry(t)
	joiner := r.joinLobby(t, "10.0.0.2")
	joiner.drain()

	err := r.JoinGame(joiner, "deadbeef", "")
	if !errors.Is(err, ErrGameNotFound) {
		t.Fatalf("JoinGame() want error %v, got %v", ErrGameNotFound, err)
	}
	want := []protocol.Message{&protocol.Error{Msg: "Game #deadbeef not found or already full."}}
	if diff := cmp.Diff(want, joiner.drain()); diff != "" {
		t.Errorf("joiner received the wrong messages; diff:\n%s", diff)
	}
}

func TestRegistry_Move(t *testing.T) {
	r := newTestRegistry(t)
	white, black, g := r.startGame(t)

	r.clock.Advance(5 * time.Second)
	r.move(t, white, "e2e4")

	if g.turn != rules.Black {
		t.Errorf("turn want = %v, got = %v", rules.Black, g.turn)
	}
	if !g.lastMove.Equal(r.clock.Now()) {
		t.Errorf("last move time want = %v, got = %v", r.clock.Now(), g.lastMove)
	}
	fen := g.board.FEN()
	want := []protocol.Message{
		&protocol.Move{Move: "e2e4", Board: fen},
		&protocol.Turn{Turn: "Black", Status: protocol.StatusActive, TimeLimit: 60},
		&protocol.Board{Board: fen},
	}
	if diff := cmp.Diff(want, black.drain()); diff != "" {
		t.Errorf("opponent received the wrong messages; diff:\n%s", diff)
	}
	white.drain()

	rejected := []struct {
		name    string
		conn    *fakeConn
		move    string
		wantErr error
		wantMsg string
	}{
		{"out of turn", white, "d2d4", ErrNotYourTurn, "Not your turn"},
		{"illegal", black, "e7e4", rules.ErrIllegalMove, "Illegal move"},
		{"malformed", black, "pawn to e5", rules.ErrMalformedMove, "Invalid move format"},
	}
	for _, tt := range rejected {
		t.Run(tt.name, func(t *testing.T) {
			lastMove := g.lastMove
			r.clock.Advance(time.Second)

			if err := r.Move(tt.conn, tt.move, false); !errors.Is(err, tt.wantErr) {
				t.Fatalf("Move() want error %v, got %v", tt.wantErr, err)
			}
			if g.board.FEN() != fen || g.turn != rules.Black || !g.lastMove.Equal(lastMove) {
				t.Error("rejected move changed the game")
			}

			msgs := tt.conn.drain()
			if len(msgs) != 1 {
				t.Fatalf("expected a single error message, got %v", types(msgs))
			}
			if e, ok := msgs[0].(*protocol.Error); !ok || !strings.HasPrefix(e.Msg, tt.wantMsg) {
				t.Errorf("want error message starting with %q, got %+v", tt.wantMsg, msgs[0])
			}
			for _, other := range []*fakeConn{white, black} {
				if other != tt.conn && len(other.drain()) != 0 {
					t.Errorf("%s received messages for a rejected move", other.addr)
				}
			}
		})
	}
}

func TestRegistry_MoveVerifyOnly(t *testing.T) {
	r := newTestRegistry(t)
	white, black, g := r.startGame(t)
	fen := g.board.FEN()

	if err := r.Move(white, "g1f3", true); err != nil {
		t.Fatalf("Move() returned an unexpected error: %v", err)
	}
	want := []protocol.Message{
		&protocol.Info{Msg: "Move g1f3 is legal."},
		&protocol.Board{Board: fen},
		&protocol.Turn{Turn: "White", Status: protocol.StatusActive, TimeLimit: 60},
	}
	if diff := cmp.Diff(want, white.drain()); diff != "" {
		t.Errorf("mover received the wrong messages; diff:\n%s", diff)
	}
	if g.board.FEN() != fen || g.turn != rules.White {
		t.Error("verifying a move changed the game")
	}
	if msgs := black.drain(); len(msgs) != 0 {
		t.Errorf("opponent should not hear about verification, got %v", types(msgs))
	}

	if err := r.Move(white, "g1g3", true); !errors.Is(err, rules.ErrIllegalMove) {
		t.Fatalf("Move() want error %v, got %v", rules.ErrIllegalMove, err)
	}
	wantTypes := []protocol.Type{protocol.TypeError, protocol.TypeBoard, protocol.TypeTurn}
	if got := types(white.drain()); !cmp.Equal(wantTypes, got) {
		t.Errorf("mover received %v, want %v", got, wantTypes)
	}
}

func TestRegistry_MoveBeforeStart(t *testing.T) {
	r := newTestRegistry(t)
	creator := r.joinLobby(t, "10.0.0.1")
	if _, err := r.CreateGame(creator, ""); err != nil {
		t.Fatalf("CreateGame() returned an unexpected error: %v", err)
	}
	if err := r.Move(creator, "e2e4", false); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Move() want error %v, got %v", ErrNotStarted, err)
	}

	lobby := r.joinLobby(t, "10.0.0.2")
	if err := r.Move(lobby, "e2e4", false); !errors.Is(err, ErrNotSeated) {
		t.Errorf("Move() want error %v, got %v", ErrNotSeated, err)
	}
}

func TestRegistry_Checkmate(t *testing.T) {
	r := newTestRegistry(t)
	white, black, g := r.startGame(t)
	spectator := newFakeConn("10.0.0.9")
	if err := r.Spectate(spectator, g.ID); err != nil {
		t.Fatalf("Spectate() returned an unexpected error: %v", err)
	}

	r.move(t, white, "f2f3")
	r.move(t, black, "e7e5")
	r.move(t, white, "g2g4")
	white.drain()
	black.drain()
	spectator.drain()
	r.move(t, black, "d8h4")

	wantTypes := []protocol.Type{
		protocol.TypeMove, protocol.TypeInfo, protocol.TypeTurn, protocol.TypeBoard,
		protocol.TypeGameOver, protocol.TypeLobbyUpdate, protocol.TypeInfo,
	}
	for _, p := range []*fakeConn{white, black} {
		msgs := p.drain()
		if got := types(msgs); !cmp.Equal(wantTypes, got) {
			t.Fatalf("%s received %v, want %v", p.addr, got, wantTypes)
		}
		if diff := cmp.Diff(&protocol.Turn{Turn: "White", Status: protocol.StatusEnded, TimeLimit: 60}, msgs[2]); diff != "" {
			t.Errorf("turn message did not match expected; diff:\n%s", diff)
		}
		if diff := cmp.Diff(&protocol.GameOver{Result: "Checkmate! Black wins!", Reason: "checkmate"}, msgs[4]); diff != "" {
			t.Errorf("game over message did not match expected; diff:\n%s", diff)
		}
		if r.Location(p) != InLobby {
			t.Errorf("%s want location %v, got %v", p.addr, InLobby, r.Location(p))
		}
	}

	wantSpectator := []protocol.Type{
		protocol.TypeMove, protocol.TypeInfo, protocol.TypeTurn, protocol.TypeBoard, protocol.TypeGameOver,
	}
	if got := types(spectator.drain()); !cmp.Equal(wantSpectator, got) {
		t.Errorf("spectator received %v, want %v", got, wantSpectator)
	}
	if r.Location(spectator) != Unplaced {
		t.Errorf("spectator want location %v, got %v", Unplaced, r.Location(spectator))
	}

	if r.LookupByID(g.ID) != nil || g.status != Ended {
		t.Error("finished game is still registered")
	}
	if len(r.archive.saved) != 1 {
		t.Fatalf("expected one saved result, got %d", len(r.archive.saved))
	}
	rec := r.archive.saved[0]
	if rec.Winner != "black" || rec.Reason != "checkmate" || rec.Moves != "f2f3 e7e5 g2g4 d8h4" {
		t.Errorf("saved result did not match expected: %+v", rec)
	}
	if rec.White != "10.0.0.1" || rec.Black != "10.0.0.2" {
		t.Errorf("saved result has the wrong players: %s vs %s", rec.White, rec.Black)
	}
	assertExclusive(t, r, white, black, spectator)
}

func TestRegistry_Quit(t *testing.T) {
	r := newTestRegistry(t)
	white, black, g := r.startGame(t)
	spectator := newFakeConn("10.0.0.9")
	if err := r.Spectate(spectator, g.ID); err != nil {
		t.Fatalf("Spectate() returned an unexpected error: %v", err)
	}
	spectator.drain()

	if err := r.Quit(black); err != nil {
		t.Fatalf("Quit() returned an unexpected error: %v", err)
	}

	gameOver := &protocol.GameOver{Result: "Black player has quit the game.", Reason: "quit"}
	lobby := &protocol.LobbyUpdate{Players: []string{"10.0.0.1", "10.0.0.2"}, AvailableGames: []protocol.GameSummary{}}
	wantOpponent := []protocol.Message{
		gameOver,
		lobby,
		&protocol.Info{Msg: "Your opponent has quit the game. You have been returned to the lobby."},
	}
	if diff := cmp.Diff(wantOpponent, white.drain()); diff != "" {
		t.Errorf("opponent received the wrong messages; diff:\n%s", diff)
	}
	wantQuitter := []protocol.Message{
		gameOver,
		lobby,
		&protocol.Info{Msg: "You have quit the game. Returning to lobby."},
	}
	if diff := cmp.Diff(wantQuitter, black.drain()); diff != "" {
		t.Errorf("quitting player received the wrong messages; diff:\n%s", diff)
	}
	if diff := cmp.Diff([]protocol.Message{gameOver}, spectator.drain()); diff != "" {
		t.Errorf("spectator received the wrong messages; diff:\n%s", diff)
	}

	if r.archive.saved[0].Winner != "white" {
		t.Errorf("saved winner want = white, got = %s", r.archive.saved[0].Winner)
	}
	if err := r.Quit(black); !errors.Is(err, ErrNotSeated) {
		t.Errorf("Quit() from the lobby want error %v, got %v", ErrNotSeated, err)
	}
	assertExclusive(t, r, white, black, spectator)
}

func TestRegistry_QuitWaitingGame(t *testing.T) {
	r := newTestRegistry(t)
	creator := r.joinLobby(t, "10.0.0.1")
	id, err := r.CreateGame(creator, "")
	if err != nil {
		t.Fatalf("CreateGame() returned an unexpected error: %v", err)
	}

	if err := r.Quit(creator); err != nil {
		t.Fatalf("Quit() returned an unexpected error: %v", err)
	}
	if r.LookupByID(id) != nil {
		t.Error("cancelled game is still registered")
	}
	if r.Location(creator) != InLobby {
		t.Errorf("Location() want = %v, got = %v", InLobby, r.Location(creator))
	}
	if len(r.archive.saved) != 0 {
		t.Error("a game that never started was recorded")
	}
}

// Create, join, play a legal move, try an illegal one, then have white drop.
func TestRegistry_DisconnectScenario(t *testing.T) {
	r := newTestRegistry(t)
	white, black, g := r.startGame(t)

	r.move(t, white, "e2e4")
	if err := r.Move(black, "e7e4", false); !errors.Is(err, rules.ErrIllegalMove) {
		t.Fatalf("Move() want error %v, got %v", rules.ErrIllegalMove, err)
	}
	white.drain()
	black.drain()

	r.Disconnect(white)

	want := []protocol.Message{
		&protocol.Info{Msg: "Opponent disconnected. Game ended."},
		&protocol.GameOver{Result: "Opponent disconnected.", Reason: "disconnection"},
		&protocol.LobbyUpdate{Players: []string{"10.0.0.2"}, AvailableGames: []protocol.GameSummary{}},
	}
	if diff := cmp.Diff(want, black.drain()); diff != "" {
		t.Errorf("opponent received the wrong messages; diff:\n%s", diff)
	}
	if msgs := white.drain(); len(msgs) != 0 {
		t.Errorf("disconnected client was sent %v", types(msgs))
	}

	if r.Location(black) != InLobby || r.Location(white) != Unplaced {
		t.Errorf("unexpected locations: white %v, black %v", r.Location(white), r.Location(black))
	}
	if r.LookupByID(g.ID) != nil || r.LookupActive(black) != nil {
		t.Error("game is still registered after disconnect")
	}
	if len(r.archive.saved) != 1 || r.archive.saved[0].Reason != "disconnection" {
		t.Errorf("expected a disconnection result to be saved, got %+v", r.archive.saved)
	}

	// Cleanup only happens once.
	r.Disconnect(white)
	if snap := r.Snapshot(); !cmp.Equal(snap.Players, []string{"10.0.0.2"}) {
		t.Errorf("lobby want = [10.0.0.2], got = %v", snap.Players)
	}
}

func TestRegistry_DisconnectWaitingCreator(t *testing.T) {
	r := newTestRegistry(t)
	creator := r.joinLobby(t, "10.0.0.1")
	other := r.joinLobby(t, "10.0.0.2")
	id, err := r.CreateGame(creator, "")
	if err != nil {
		t.Fatalf("CreateGame() returned an unexpected error: %v", err)
	}
	other.drain()

	r.Disconnect(creator)

	if r.LookupByID(id) != nil {
		t.Error("abandoned game is still registered")
	}
	msgs := other.drain()
	if len(msgs) == 0 {
		t.Fatal("lobby was not refreshed")
	}
	last := msgs[len(msgs)-1].(*protocol.LobbyUpdate)
	if len(last.AvailableGames) != 0 {
		t.Errorf("abandoned game still listed: %+v", last.AvailableGames)
	}
}

func TestRegistry_Spectate(t *testing.T) {
	r := newTestRegistry(t)
	white, _, g := r.startGame(t)
	r.move(t, white, "d2d4")
	white.drain()

	spectator := newFakeConn("10.0.0.9")
	if err := r.Spectate(spectator, g.ID); err != nil {
		t.Fatalf("Spectate() returned an unexpected error: %v", err)
	}
	want := []protocol.Message{
		&protocol.Info{Msg: "You are now spectating Game #" + g.ID},
		&protocol.Board{Board: g.board.FEN()},
		&protocol.Turn{Turn: "Black", Status: protocol.StatusActive, TimeLimit: 60},
	}
	if diff := cmp.Diff(want, spectator.drain()); diff != "" {
		t.Errorf("spectator received the wrong messages; diff:\n%s", diff)
	}
	if r.Location(spectator) != Spectating {
		t.Errorf("Location() want = %v, got = %v", Spectating, r.Location(spectator))
	}
	if msgs := white.drain(); len(msgs) != 0 {
		t.Errorf("players should not hear about a new spectator, got %v", types(msgs))
	}

	// Spectators hear the game, and a broken spectator doesn't stop delivery.
	broken := newFakeConn("10.0.0.10")
	if err := r.Spectate(broken, g.ID); err != nil {
		t.Fatalf("Spectate() returned an unexpected error: %v", err)
	}
	broken.fail = true
	if err := r.Chat(white, "good luck"); err != nil {
		t.Fatalf("Chat() returned an unexpected error: %v", err)
	}
	if diff := cmp.Diff([]protocol.Message{&protocol.Chat{Msg: "White: good luck"}}, spectator.drain()); diff != "" {
		t.Errorf("spectator received the wrong messages; diff:\n%s", diff)
	}
}

func TestRegistry_SpectateUnknownGame(t *testing.T) {
	r := newTestRegistry(t)
	_, _, g := r.startGame(t)
	host := r.joinLobby(t, "10.0.0.3")
	waitingID, err := r.CreateGame(host, "")
	if err != nil {
		t.Fatalf("CreateGame() returned an unexpected error: %v", err)
	}

	spectator := newFakeConn("10.0.0.9")
	if err := r.Spectate(spectator, "nope"); !errors.Is(err, ErrGameNotFound) {
		t.Fatalf("Spectate() want error %v, got %v", ErrGameNotFound, err)
	}
	want := []protocol.Message{&protocol.Error{
		Msg: fmt.Sprintf("Game #nope not found. Active games: %s, %s", g.ID, waitingID),
	}}
	if diff := cmp.Diff(want, spectator.drain()); diff != "" {
		t.Errorf("spectator received the wrong messages; diff:\n%s", diff)
	}
	if r.Location(spectator) != Unplaced {
		t.Errorf("Location() want = %v, got = %v", Unplaced, r.Location(spectator))
	}
}

func TestRegistry_SpectateEndedGame(t *testing.T) {
	r := newTestRegistry(t)
	_, black, g := r.startGame(t)
	if err := r.Quit(black); err != nil {
		t.Fatalf("Quit() returned an unexpected error: %v", err)
	}

	spectator := newFakeConn("10.0.0.9")
	if err := r.Spectate(spectator, g.ID); !errors.Is(err, ErrGameEnded) {
		t.Fatalf("Spectate() want error %v, got %v", ErrGameEnded, err)
	}
	want := []protocol.Message{&protocol.Info{
		Msg: fmt.Sprintf("Game #%s has ended: Black player has quit the game.", g.ID),
	}}
	if diff := cmp.Diff(want, spectator.drain()); diff != "" {
		t.Errorf("spectator received the wrong messages; diff:\n%s", diff)
	}
}

func TestRegistry_Chat(t *testing.T) {
	r := newTestRegistry(t)
	white, black, g := r.startGame(t)
	spectator := newFakeConn("10.0.0.9")
	if err := r.Spectate(spectator, g.ID); err != nil {
		t.Fatalf("Spectate() returned an unexpected error: %v", err)
	}
	spectator.drain()

	tests := []struct {
		from *fakeConn
		text string
		want string
	}{
		{white, "hello", "White: hello"},
		{black, "hi", "Black: hi"},
		{spectator, "go white", "Spectator: go white"},
	}
	for _, tt := range tests {
		if err := r.Chat(tt.from, tt.text); err != nil {
			t.Fatalf("Chat() returned an unexpected error: %v", err)
		}
		for _, c := range []*fakeConn{white, black, spectator} {
			want := []protocol.Message{&protocol.Chat{Msg: tt.want}}
			if diff := cmp.Diff(want, c.drain()); diff != "" {
				t.Errorf("%s received the wrong messages; diff:\n%s", c.addr, diff)
			}
		}
	}

	lobby := r.joinLobby(t, "10.0.0.5")
	if err := r.Chat(lobby, "anyone?"); !errors.Is(err, ErrNoChannel) {
		t.Errorf("Chat() from the lobby want error %v, got %v", ErrNoChannel, err)
	}
}

func TestRegistry_RequestLobby(t *testing.T) {
	r := newTestRegistry(t)
	first := r.joinLobby(t, "10.0.0.1")
	second := r.joinLobby(t, "10.0.0.2")
	first.drain()
	second.drain()

	r.RequestLobby(first)
	want := []protocol.Message{&protocol.LobbyUpdate{
		Players:        []string{"10.0.0.1", "10.0.0.2"},
		AvailableGames: []protocol.GameSummary{},
	}}
	for _, c := range []*fakeConn{first, second} {
		if diff := cmp.Diff(want, c.drain()); diff != "" {
			t.Errorf("%s received the wrong messages; diff:\n%s", c.addr, diff)
		}
	}
}

func TestRegistry_ExpireMoves(t *testing.T) {
	r := newTestRegistry(t)
	white, black, g := r.startGame(t)
	r.move(t, white, "e2e4")
	white.drain()
	black.drain()
	placement := strings.Fields(g.board.FEN())[0]

	if n := r.ExpireMoves(r.clock.Now().Add(testTimeout)); n != 0 {
		t.Fatalf("ExpireMoves() passed %d game(s) before the limit", n)
	}

	now := r.clock.Now().Add(testTimeout + time.Second)
	if n := r.ExpireMoves(now); n != 1 {
		t.Fatalf("ExpireMoves() want = 1, got = %d", n)
	}

	if g.turn != rules.White || g.board.Turn() != rules.White {
		t.Errorf("turn want = %v, got session %v and board %v", rules.White, g.turn, g.board.Turn())
	}
	if got := strings.Fields(g.board.FEN())[0]; got != placement {
		t.Errorf("timeout moved pieces: want = %s, got = %s", placement, got)
	}
	if !g.lastMove.Equal(now) {
		t.Errorf("last move time want = %v, got = %v", now, g.lastMove)
	}

	fen := g.board.FEN()
	want := []protocol.Message{
		&protocol.Info{Msg: "Black took too long. Turn passes to opponent."},
		&protocol.TimeoutSync{TimeoutPlayer: "Black", Board: fen, NextTurn: "White"},
		&protocol.Turn{Turn: "White", Status: protocol.StatusActive, TimeLimit: 60},
		&protocol.Board{Board: fen},
	}
	for _, c := range []*fakeConn{white, black} {
		if diff := cmp.Diff(want, c.drain()); diff != "" {
			t.Errorf("%s received the wrong messages; diff:\n%s", c.addr, diff)
		}
	}

	// The same scan time finds the fresh timestamp.
	if n := r.ExpireMoves(now); n != 0 {
		t.Errorf("ExpireMoves() passed the turn twice in one scan")
	}
	if g.status != Active {
		t.Errorf("timeout ended the game: status %v", g.status)
	}

	r.clock.Advance(testTimeout + time.Second)
	if err := r.Move(black, "e7e5", false); !errors.Is(err, ErrNotYourTurn) {
		t.Errorf("Move() by the side that timed out want error %v, got %v", ErrNotYourTurn, err)
	}
	r.move(t, white, "d2d4")
}

func TestRegistry_MoveAtDeadline(t *testing.T) {
	r := newTestRegistry(t)
	white, black, g := r.startGame(t)

	r.clock.Advance(testTimeout)
	now := r.clock.Now()
	r.move(t, white, "e2e4")
	if n := r.ExpireMoves(now); n != 0 {
		t.Fatalf("ExpireMoves() want = 0 after a move at the deadline, got = %d", n)
	}
	if g.turn != rules.Black || g.board.Turn() != rules.Black {
		t.Errorf("turn want = %v, got session %v and board %v", rules.Black, g.turn, g.board.Turn())
	}
	wantTypes := []protocol.Type{protocol.TypeMove, protocol.TypeTurn, protocol.TypeBoard}
	for _, c := range []*fakeConn{white, black} {
		if diff := cmp.Diff(wantTypes, types(c.drain())); diff != "" {
			t.Errorf("%s received the wrong messages; diff:\n%s", c.addr, diff)
		}
	}

	// A late move still lands if no scan got there first, and the scan that
	// follows sees the fresh timestamp.
	r.clock.Advance(testTimeout + time.Second)
	now = r.clock.Now()
	r.move(t, black, "e7e5")
	if n := r.ExpireMoves(now); n != 0 {
		t.Fatalf("ExpireMoves() want = 0 after a late move, got = %d", n)
	}
	if g.turn != rules.White {
		t.Errorf("turn want = %v, got = %v", rules.White, g.turn)
	}
	for _, c := range []*fakeConn{white, black} {
		if diff := cmp.Diff(wantTypes, types(c.drain())); diff != "" {
			t.Errorf("%s received the wrong messages; diff:\n%s", c.addr, diff)
		}
	}
}

func TestRegistry_DeliveryFollowsCommitOrder(t *testing.T) {
	r := newTestRegistry(t)
	white, _, g := r.startGame(t)
	spectator := newFakeConn("10.0.0.9")
	if err := r.Spectate(spectator, g.ID); err != nil {
		t.Fatalf("Spectate() returned an unexpected error: %v", err)
	}
	spectator.drain()

	// The spectator is slow to take the move; the timeout that follows must
	// still reach it afterwards.
	stalled := make(chan struct{})
	var once sync.Once
	spectator.onSend = func(m protocol.Message) {
		if m.Type() == protocol.TypeMove {
			once.Do(func() {
				close(stalled)
				time.Sleep(100 * time.Millisecond)
			})
		}
	}

	moved := make(chan error, 1)
	go func() { moved <- r.Move(white, "e2e4", false) }()

	<-stalled
	r.clock.Advance(testTimeout + time.Second)
	if n := r.ExpireMoves(r.clock.Now()); n != 1 {
		t.Errorf("ExpireMoves() want = 1, got = %d", n)
	}
	if err := <-moved; err != nil {
		t.Fatalf("Move() returned an unexpected error: %v", err)
	}

	msgs := spectator.drain()
	want := []protocol.Type{
		protocol.TypeMove, protocol.TypeTurn, protocol.TypeBoard,
		protocol.TypeInfo, protocol.TypeTimeoutSync, protocol.TypeTurn, protocol.TypeBoard,
	}
	if diff := cmp.Diff(want, types(msgs)); diff != "" {
		t.Fatalf("spectator received messages out of order; diff:\n%s", diff)
	}
	last := msgs[5].(*protocol.Turn)
	if want := currentTurn(r.Registry, g).Name(); last.Turn != want {
		t.Errorf("spectator last saw %s to move, game has %s", last.Turn, want)
	}
	if want := g.board.FEN(); msgs[6].(*protocol.Board).Board != want {
		t.Errorf("spectator board want = %s, got = %s", want, msgs[6].(*protocol.Board).Board)
	}
}

func TestRegistry_ConcurrentSessions(t *testing.T) {
	r := newTestRegistry(t)

	stop := make(chan struct{})
	expired := make(chan struct{})
	go func() {
		defer close(expired)
		for {
			select {
			case <-stop:
				return
			default:
			}
			r.clock.Advance(testTimeout / 4)
			r.ExpireMoves(r.clock.Now())
			time.Sleep(time.Millisecond)
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			white := newFakeConn(fmt.Sprintf("10.1.%d.1", i))
			black := newFakeConn(fmt.Sprintf("10.1.%d.2", i))
			spectator := newFakeConn(fmt.Sprintf("10.1.%d.3", i))
			check := func() { assertExclusive(t, r, white, black, spectator) }

			for round := 0; round < 20; round++ {
				_ = r.JoinAsPlayer(white)
				check()
				_ = r.JoinAsPlayer(black)
				check()

				id, err := r.CreateGame(white, "")
				if err != nil {
					t.Errorf("CreateGame() returned an unexpected error: %v", err)
					return
				}
				check()
				if err := r.JoinGame(black, id, ""); err != nil {
					t.Errorf("JoinGame() returned an unexpected error: %v", err)
					return
				}
				check()
				if err := r.Spectate(spectator, id); err != nil {
					t.Errorf("Spectate() returned an unexpected error: %v", err)
					return
				}
				check()

				// A timeout may have passed the turn; rejected moves are fine.
				_ = r.Move(white, "e2e4", false)
				check()
				_ = r.Move(black, "e7e5", false)
				check()

				if round%2 == 0 {
					if err := r.Quit(black); err != nil {
						t.Errorf("Quit() returned an unexpected error: %v", err)
						return
					}
				} else {
					r.Disconnect(white)
				}
				check()
				if r.Location(spectator) != Unplaced {
					t.Errorf("spectator still bound after game %s ended", id)
				}

				white.drain()
				black.drain()
				spectator.drain()
			}
		}(i)
	}
	wg.Wait()
	close(stop)
	<-expired

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.waiting) != 0 || len(r.active) != 0 || len(r.spectators) != 0 {
		t.Errorf("games left behind: %d waiting, %d seats, %d spectators",
			len(r.waiting), len(r.active), len(r.spectators))
	}
}

func TestWatchdog_Run(t *testing.T) {
	r := newTestRegistry(t)
	_, black, g := r.startGame(t)
	r.clock.Advance(testTimeout + time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w := &Watchdog{Registry: r.Registry, Interval: 10 * time.Millisecond, Logger: r.logger}
	go func() {
		w.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for currentTurn(r.Registry, r.LookupActive(black)) != rules.Black {
		if time.Now().After(deadline) {
			t.Fatal("watchdog never passed the turn")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if g.status != Active {
		t.Errorf("timeout ended the game: status %v", g.status)
	}
}

// currentTurn reads the turn under the registry lock.
func currentTurn(r *Registry, g *Game) rules.Color {
	r.mu.Lock()
	defer r.mu.Unlock()
	return g.turn
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrNotYourTurn, "Not your turn"},
		{&MoveError{Move: "e2e5", Err: rules.ErrIllegalMove}, "Illegal move"},
		{&MoveError{Move: "zz", Err: rules.ErrMalformedMove}, `Invalid move format: "zz" is not in UCI notation (e.g. e2e4, e7e8q)`},
		{ErrWrongPassword, "Incorrect password for private game."},
		{&NotFoundError{ID: "abc"}, "Game #abc not found or already full."},
		{&NotFoundError{ID: "abc", spectating: true}, "Game #abc not found. Active games: none"},
		{&NotFoundError{ID: "abc", Known: []string{"x", "y"}, spectating: true}, "Game #abc not found. Active games: x, y"},
		{fmt.Errorf("wrapped: %w", ErrNotInLobby), "You must be in the lobby to do that."},
	}
	for _, tt := range tests {
		if got := Describe(tt.err); got != tt.want {
			t.Errorf("Describe(%v) want = %q, got = %q", tt.err, tt.want, got)
		}
	}
}
