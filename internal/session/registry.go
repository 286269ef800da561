package session

import (
	"fmt"
	"sync"

	nchess "github.com/corentings/chess/v2"

	"github.com/park285/chess-arena/internal/domain"
)

// Session is the live in-memory state of one game: attached members, the
// rebuilt board and the mutex serializing every operation on the game.
// All of it is reconstructible from the durable record.
type Session struct {
	mu     sync.Mutex
	gameID string

	board      *nchess.Game
	boardMoves int

	members       map[string]struct{}
	drawOfferFrom domain.Color
}

// ensureBoard returns the live board, replaying the stored move list when
// the cached one is missing or stale. Caller holds s.mu.
func (s *Session) ensureBoard(g *domain.Game) (*nchess.Game, error) {
	if s.board != nil && s.boardMoves == len(g.MovesUCI) {
		return s.board, nil
	}
	b, err := replay(g.MovesUCI)
	if err != nil {
		return nil, err
	}
	s.board = b
	s.boardMoves = len(g.MovesUCI)
	return b, nil
}

// replay rebuilds a board from the start position by applying stored UCI
// moves. The persisted FEN is presentation-only; applying it here could
// double-apply moves.
func replay(moves []string) (*nchess.Game, error) {
	game := nchess.NewGame()
	for _, mv := range moves {
		if err := game.PushNotationMove(mv, nchess.UCINotation{}, nil); err != nil {
			return nil, fmt.Errorf("replay %s: %w", mv, err)
		}
	}
	return game, nil
}

func lastMove(game *nchess.Game) *nchess.Move {
	moves := game.Moves()
	if len(moves) == 0 {
		return nil
	}
	return moves[len(moves)-1]
}

func colorFrom(c nchess.Color) domain.Color {
	if c == nchess.White {
		return domain.White
	}
	return domain.Black
}

// Registry hands out exactly one Session per game id, so the Session mutex
// is the per-game lock.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Acquire returns the session for a game, creating it when absent.
func (r *Registry) Acquire(gameID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[gameID]
	if !ok {
		s = &Session{gameID: gameID, members: make(map[string]struct{})}
		r.sessions[gameID] = s
	}
	return s
}

// Peek returns the session when present, nil otherwise.
func (r *Registry) Peek(gameID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[gameID]
}

// Drop removes a session. Only safe for games that can no longer be
// operated on; live games keep their entry so the lock stays unique.
func (r *Registry) Drop(gameID string) {
	r.mu.Lock()
	delete(r.sessions, gameID)
	r.mu.Unlock()
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
