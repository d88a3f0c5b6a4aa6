// Package protocol defines the messages exchanged between chess clients and the
// server along with the framing used to delimit them on a byte stream.
package protocol

// Type is the value of the "type" field carried by every message.
type Type string

// Client to server.
const (
	TypeJoin         Type = "join"
	TypeCreateGame   Type = "create_game"
	TypeJoinGame     Type = "join_game"
	TypeLobbyRequest Type = "lobby_request"
	TypeQuitGame     Type = "quit_game"
)

// Sent in both directions.
const (
	TypeMove Type = "move"
	TypeChat Type = "chat"
)

// Server to client.
const (
	TypeWelcome     Type = "welcome"
	TypeInfo        Type = "info"
	TypeLobbyUpdate Type = "lobby_update"
	TypeBoard       Type = "board"
	TypeTurn        Type = "turn"
	TypeTimeoutSync Type = "timeout_sync"
	TypeGameOver    Type = "game_over"
	TypeError       Type = "error"
)

// Roles a client can declare in its Join request.
const (
	RolePlayer    = "player"
	RoleSpectator = "spectator"
)

// Turn statuses.
const (
	StatusActive = "active"
	StatusEnded  = "ended"
)

// Message is implemented by every kind of message in the protocol.
type Message interface {
	Type() Type
}

// Join must be the first message sent on a new connection.
type Join struct {
	Role   string `json:"role,omitempty"`
	GameID string `json:"game_id,omitempty"`
}

type CreateGame struct {
	Password string `json:"password,omitempty"`
}

type JoinGame struct {
	GameID   string `json:"game_id"`
	Password string `json:"password,omitempty"`
}

type LobbyRequest struct{}

type QuitGame struct{}

// Move is a move request from a player or, coming from the server, the
// announcement of an accepted move along with the resulting board.
type Move struct {
	Move       string `json:"move"`
	Board      string `json:"board,omitempty"`
	VerifyOnly bool   `json:"verify_only,omitempty"`
}

type Chat struct {
	Msg string `json:"msg"`
}

type Welcome struct {
	Message string `json:"message"`
}

type Info struct {
	Msg string `json:"msg"`
}

// GameSummary describes a game waiting for an opponent. The password of a
// private game is never included.
type GameSummary struct {
	ID        string `json:"id"`
	Creator   string `json:"creator"`
	IsPrivate bool   `json:"is_private"`
}

type LobbyUpdate struct {
	Players        []string      `json:"players"`
	AvailableGames []GameSummary `json:"available_games"`
}

// Board carries a full position in FEN.
type Board struct {
	Board string `json:"board"`
}

type Turn struct {
	Turn      string `json:"turn"`
	Status    string `json:"status,omitempty"`
	TimeLimit int    `json:"time_limit,omitempty"`
}

// TimeoutSync is sent after a player runs out of time. Clients must replace any
// local state with the board and turn it carries.
type TimeoutSync struct {
	TimeoutPlayer string `json:"timeout_player"`
	Board         string `json:"board"`
	NextTurn      string `json:"next_turn"`
}

type GameOver struct {
	Result string `json:"result"`
	Reason string `json:"reason"`
}

type Error struct {
	Msg string `json:"msg"`
}

func (*Join) Type() Type         { return TypeJoin }
func (*CreateGame) Type() Type   { return TypeCreateGame }
func (*JoinGame) Type() Type     { return TypeJoinGame }
func (*LobbyRequest) Type() Type { return TypeLobbyRequest }
func (*QuitGame) Type() Type     { return TypeQuitGame }
func (*Move) Type() Type         { return TypeMove }
func (*Chat) Type() Type         { return TypeChat }
func (*Welcome) Type() Type      { return TypeWelcome }
func (*Info) Type() Type         { return TypeInfo }
func (*LobbyUpdate) Type() Type  { return TypeLobbyUpdate }
func (*Board) Type() Type        { return TypeBoard }
func (*Turn) Type() Type         { return TypeTurn }
func (*TimeoutSync) Type() Type  { return TypeTimeoutSync }
func (*GameOver) Type() Type     { return TypeGameOver }
func (*Error) Type() Type        { return TypeError }

// newMessage returns an empty message of the given type, or nil if the type
// is not part of the protocol.
func newMessage(t Type) Message {
	switch t {
	case TypeJoin:
		return &Join{}
	case TypeCreateGame:
		return &CreateGame{}
	case TypeJoinGame:
		return &JoinGame{}
	case TypeLobbyRequest:
		return &LobbyRequest{}
	case TypeQuitGame:
		return &QuitGame{}
	case TypeMove:
		return &Move{}
	case TypeChat:
		return &Chat{}
	case TypeWelcome:
		return &Welcome{}
	case TypeInfo:
		return &Info{}
	case TypeLobbyUpdate:
		return &LobbyUpdate{}
	case TypeBoard:
		return &Board{}
	case TypeTurn:
		return &Turn{}
	case TypeTimeoutSync:
		return &TimeoutSync{}
	case TypeGameOver:
		return &GameOver{}
	case TypeError:
		return &Error{}
	}
	return nil
}
