// Package gamedto holds the wire DTOs shared by the websocket gateway and
// the REST surface.
package gamedto

// Event is the server-to-client envelope. Payload is one of the *Payload
// structs below, selected by Type.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// Server event types.
const (
	EventStatus       = "status"
	EventGameStarted  = "game_started"
	EventMove         = "move"
	EventGameOver     = "game_over"
	EventDrawOffer    = "draw_offer"
	EventDrawResponse = "draw_response"
	EventError        = "error"
)

// Client event types.
const (
	ClientMove         = "move"
	ClientDrawOffer    = "draw_offer"
	ClientDrawResponse = "draw_response"
	ClientResign       = "resign"
)

// ClientEvent is the client-to-server envelope read off the websocket.
type ClientEvent struct {
	Type   string          `json:"type"`
	Move   *MoveDescriptor `json:"move,omitempty"`
	Accept *bool           `json:"accept,omitempty"`
}

// MoveDescriptor names a move in coordinate form. Promotion is a single
// lowercase piece letter (q, r, b, n) or empty.
type MoveDescriptor struct {
	From      string `json:"from"`
	To        string `json:"to"`
	Promotion string `json:"promotion,omitempty"`
}

// UCI renders the descriptor in UCI notation (e2e4, e7e8q).
func (m MoveDescriptor) UCI() string {
	return m.From + m.To + m.Promotion
}

// StatusPayload is sent to a client right after it attaches to a game.
type StatusPayload struct {
	GameID     string   `json:"game_id"`
	Color      string   `json:"color"`
	Status     string   `json:"status"`
	FEN        string   `json:"fen"`
	Turn       string   `json:"turn"`
	ClockWhite int      `json:"clock_white"`
	ClockBlack int      `json:"clock_black"`
	MovesUCI   []string `json:"moves_uci,omitempty"`
}

// GameStartedPayload announces that both seats are filled and clocks run.
type GameStartedPayload struct {
	GameID      string  `json:"game_id"`
	White       string  `json:"white"`
	Black       string  `json:"black"`
	RatingWhite float64 `json:"rating_white"`
	RatingBlack float64 `json:"rating_black"`
	Turn        string  `json:"turn"`
	FEN         string  `json:"fen"`
	ClockWhite  int     `json:"clock_white"`
	ClockBlack  int     `json:"clock_black"`
}

// MovePayload carries an applied move to the rest of the room.
type MovePayload struct {
	GameID     string         `json:"game_id"`
	Move       MoveDescriptor `json:"move"`
	SAN        string         `json:"san,omitempty"`
	FEN        string         `json:"fen"`
	NextTurn   string         `json:"next_turn"`
	ClockWhite int            `json:"clock_white"`
	ClockBlack int            `json:"clock_black"`
}

// GameOverPayload carries the final result. Reason is one of checkmate,
// stalemate, draw, timeout, resignation, agreement.
type GameOverPayload struct {
	GameID      string  `json:"game_id"`
	Result      string  `json:"result"`
	Reason      string  `json:"reason"`
	RatingWhite float64 `json:"rating_white,omitempty"`
	RatingBlack float64 `json:"rating_black,omitempty"`
}

// DrawOfferPayload relays a draw offer to the opponent.
type DrawOfferPayload struct {
	GameID    string `json:"game_id"`
	FromColor string `json:"from_color"`
}

// DrawResponsePayload relays a declined offer back to the offerer.
// Accepted offers end the game and arrive as game_over instead.
type DrawResponsePayload struct {
	GameID   string `json:"game_id"`
	Accepted bool   `json:"accepted"`
}

// ErrorPayload reports a rejected client event.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
