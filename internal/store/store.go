// Package store persists game records and user identities. The postgres
// implementation is the production path; the in-memory one backs tests and
// DB-less development runs.
package store

import (
	"context"

	"github.com/park285/chess-arena/internal/domain"
)

// Errors
var (
	ErrNotFound          = errf("record not found")
	ErrDuplicateUsername = errf("username already taken")
	ErrAlreadyFinished   = errf("game already finished")
	ErrNoWaitingGame     = errf("no waiting game")
)

type staticErr string

func (e staticErr) Error() string { return string(e) }
func errf(s string) error         { return staticErr(s) }

// GameStore is the durable game-record surface.
type GameStore interface {
	Create(ctx context.Context, g *domain.Game) error
	Get(ctx context.Context, id string) (*domain.Game, error)
	// FindWaiting returns the oldest game still waiting for a second player,
	// or ErrNoWaitingGame.
	FindWaiting(ctx context.Context) (*domain.Game, error)
	Update(ctx context.Context, g *domain.Game) error
	// Finish transitions the game to finished with the given result. The
	// transition is guarded: a game already finished yields
	// ErrAlreadyFinished, so the caller can make end-of-game side effects
	// exactly-once.
	Finish(ctx context.Context, id string, result domain.Result) error
}

// UserStore is the durable identity surface.
type UserStore interface {
	Create(ctx context.Context, u *domain.User) error
	Get(ctx context.Context, id string) (*domain.User, error)
	GetByUsername(ctx context.Context, username string) (*domain.User, error)
	Leaderboard(ctx context.Context, limit int) ([]*domain.User, error)
	// ApplyDecisive writes both new ratings and bumps win/loss counters.
	ApplyDecisive(ctx context.Context, winnerID, loserID string, winnerRating, loserRating float64) error
	// ApplyDraw writes both new ratings without touching counters.
	ApplyDraw(ctx context.Context, aID, bID string, ratingA, ratingB float64) error
}
