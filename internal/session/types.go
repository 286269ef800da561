// Package session drives live games: seat assignment, move application,
// clocks, draw negotiation, resignation and the end-of-game rating
// transaction. Every operation on a game runs under that game's lock.
package session

import "github.com/park285/chess-arena/pkg/gamedto"

// Errors
var (
	ErrNotAuthenticated = errf("not authenticated")
	ErrNotAParticipant  = errf("not a participant of this game")
	ErrInvalidGame      = errf("invalid game")
	ErrMalformedMove    = errf("malformed move")
	ErrIllegalMove      = errf("illegal move")
	ErrAlreadyFinished  = errf("game already finished")

	errSeatTaken = errf("seat already taken")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }

// Broadcaster fans an event out to the subscribers of a game room.
type Broadcaster interface {
	Publish(gameID string, ev gamedto.Event)
	PublishExcept(gameID, exceptUserID string, ev gamedto.Event)
}

// Reasons carried on game_over events.
const (
	ReasonCheckmate   = "checkmate"
	ReasonDraw        = "draw"
	ReasonTimeout     = "timeout"
	ReasonResignation = "resignation"
	ReasonAgreement   = "agreement"
)
