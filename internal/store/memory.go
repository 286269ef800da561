package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/park285/chess-arena/internal/domain"
)

// MemoryGames is an in-memory GameStore used when no DB is configured.
type MemoryGames struct {
	mu    sync.RWMutex
	games map[string]*domain.Game
}

func NewMemoryGames() *MemoryGames {
	return &MemoryGames{games: make(map[string]*domain.Game)}
}

func (m *MemoryGames) Create(_ context.Context, g *domain.Game) error {
	if g == nil || strings.TrimSpace(g.ID) == "" {
		return ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := cloneGame(g)
	now := time.Now()
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = now
	}
	cp.UpdatedAt = now
	m.games[cp.ID] = cp
	return nil
}

func (m *MemoryGames) Get(_ context.Context, id string) (*domain.Game, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.games[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneGame(g), nil
}

func (m *MemoryGames) FindWaiting(_ context.Context) (*domain.Game, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var oldest *domain.Game
	for _, g := range m.games {
		if g.Status != domain.StatusWaiting {
			continue
		}
		if oldest == nil || g.CreatedAt.Before(oldest.CreatedAt) {
			oldest = g
		}
	}
	if oldest == nil {
		return nil, ErrNoWaitingGame
	}
	return cloneGame(oldest), nil
}

func (m *MemoryGames) Update(_ context.Context, g *domain.Game) error {
	if g == nil {
		return ErrNotFound
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.games[g.ID]; !ok {
		return ErrNotFound
	}
	cp := cloneGame(g)
	cp.UpdatedAt = time.Now()
	m.games[cp.ID] = cp
	return nil
}

func (m *MemoryGames) Finish(_ context.Context, id string, result domain.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.games[id]
	if !ok {
		return ErrNotFound
	}
	if g.Status == domain.StatusFinished {
		return ErrAlreadyFinished
	}
	g.Status = domain.StatusFinished
	g.Result = result
	g.UpdatedAt = time.Now()
	return nil
}

func cloneGame(g *domain.Game) *domain.Game {
	cp := *g
	cp.MovesUCI = append([]string(nil), g.MovesUCI...)
	return &cp
}

// MemoryUsers is an in-memory UserStore.
type MemoryUsers struct {
	mu     sync.RWMutex
	users  map[string]*domain.User
	byName map[string]string
}

func NewMemoryUsers() *MemoryUsers {
	return &MemoryUsers{users: make(map[string]*domain.User), byName: make(map[string]string)}
}

func (m *MemoryUsers) Create(_ context.Context, u *domain.User) error {
	if u == nil || strings.TrimSpace(u.Username) == "" {
		return ErrDuplicateUsername
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byName[u.Username]; exists {
		return ErrDuplicateUsername
	}
	cp := *u
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.users[cp.ID] = &cp
	m.byName[cp.Username] = cp.ID
	return nil
}

func (m *MemoryUsers) Get(_ context.Context, id string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *MemoryUsers) GetByUsername(_ context.Context, username string) (*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byName[username]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.users[id]
	return &cp, nil
}

func (m *MemoryUsers) Leaderboard(_ context.Context, limit int) ([]*domain.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	items := make([]*domain.User, 0, len(m.users))
	for _, u := range m.users {
		cp := *u
		items = append(items, &cp)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Rating != items[j].Rating {
			return items[i].Rating > items[j].Rating
		}
		return items[i].Username < items[j].Username
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (m *MemoryUsers) ApplyDecisive(_ context.Context, winnerID, loserID string, winnerRating, loserRating float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, okW := m.users[winnerID]
	l, okL := m.users[loserID]
	if !okW || !okL {
		return ErrNotFound
	}
	w.Rating = winnerRating
	w.Wins++
	l.Rating = loserRating
	l.Losses++
	return nil
}

func (m *MemoryUsers) ApplyDraw(_ context.Context, aID, bID string, ratingA, ratingB float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, okA := m.users[aID]
	b, okB := m.users[bID]
	if !okA || !okB {
		return ErrNotFound
	}
	a.Rating = ratingA
	b.Rating = ratingB
	return nil
}
