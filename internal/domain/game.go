package domain

import "time"

// Color identifies a chess side.
type Color string

const (
	White Color = "white"
	Black Color = "black"
)

// Other returns the opposing side.
func (c Color) Other() Color {
	if c == White {
		return Black
	}
	return White
}

// Status represents a game lifecycle state.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusActive   Status = "active"
	StatusFinished Status = "finished"
)

// Result is the closed set of game outcomes. Empty until the game finishes.
type Result string

const (
	ResultNone  Result = ""
	ResultWhite Result = "white"
	ResultBlack Result = "black"
	ResultDraw  Result = "draw"
)

// ResultFor maps a winning color to its decisive result.
func ResultFor(c Color) Result {
	if c == White {
		return ResultWhite
	}
	return ResultBlack
}

// Game is the durable record of one match. Invariant: Result is set iff
// Status == StatusFinished; clocks never go below zero.
type Game struct {
	ID          string    `json:"id"`
	PlayerWhite string    `json:"player_white"`
	PlayerBlack string    `json:"player_black,omitempty"`
	FEN         string    `json:"fen"`
	MovesUCI    []string  `json:"moves_uci"`
	Status      Status    `json:"status"`
	ClockWhite  int       `json:"clock_white"`
	ClockBlack  int       `json:"clock_black"`
	LastMoveAt  time.Time `json:"last_move_at"`
	Result      Result    `json:"result,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IsParticipant reports whether the user plays in this game.
func (g *Game) IsParticipant(userID string) bool {
	if g == nil || userID == "" {
		return false
	}
	return g.PlayerWhite == userID || g.PlayerBlack == userID
}

// ColorOf returns the side the user plays, or "" when not a participant.
func (g *Game) ColorOf(userID string) Color {
	switch {
	case g == nil:
		return ""
	case g.PlayerWhite == userID:
		return White
	case g.PlayerBlack != "" && g.PlayerBlack == userID:
		return Black
	default:
		return ""
	}
}

// Clock returns the remaining seconds for the given side.
func (g *Game) Clock(c Color) int {
	if c == White {
		return g.ClockWhite
	}
	return g.ClockBlack
}

// SetClock stores the remaining seconds for the given side.
func (g *Game) SetClock(c Color, seconds int) {
	if c == White {
		g.ClockWhite = seconds
	} else {
		g.ClockBlack = seconds
	}
}

// User is the durable identity record referenced by games.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Rating       float64   `json:"rating"`
	Wins         int       `json:"wins"`
	Losses       int       `json:"losses"`
	CreatedAt    time.Time `json:"created_at"`
}
