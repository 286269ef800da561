// Package broadcast fans events out to the subscribers of a game room.
package broadcast

import (
	"sync"

	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/obslog"
	"github.com/park285/chess-arena/pkg/gamedto"
)

const subscriberBuffer = 32

// Hub maps game ids to their live subscribers. Delivery is best-effort: a
// subscriber whose buffer is full misses the event instead of blocking the
// room.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Subscription]struct{}
}

// Subscription is one attached client. Events arrive on C until Close.
type Subscription struct {
	GameID string
	UserID string

	hub *Hub
	ch  chan gamedto.Event

	closeOnce sync.Once
}

// C is the receive side of the subscription.
func (s *Subscription) C() <-chan gamedto.Event { return s.ch }

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.hub.drop(s)
		close(s.ch)
	})
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Subscription]struct{})}
}

// Subscribe attaches a user to a game room.
func (h *Hub) Subscribe(gameID, userID string) *Subscription {
	sub := &Subscription{
		GameID: gameID,
		UserID: userID,
		hub:    h,
		ch:     make(chan gamedto.Event, subscriberBuffer),
	}
	h.mu.Lock()
	room, ok := h.rooms[gameID]
	if !ok {
		room = make(map[*Subscription]struct{})
		h.rooms[gameID] = room
	}
	room[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) drop(s *Subscription) {
	h.mu.Lock()
	if room, ok := h.rooms[s.GameID]; ok {
		delete(room, s)
		if len(room) == 0 {
			delete(h.rooms, s.GameID)
		}
	}
	h.mu.Unlock()
}

// RoomSize returns the current subscriber count for a game.
func (h *Hub) RoomSize(gameID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[gameID])
}

// Publish delivers the event to every subscriber of the game.
func (h *Hub) Publish(gameID string, ev gamedto.Event) {
	h.publish(gameID, "", ev)
}

// PublishExcept delivers the event to every subscriber except the ones
// belonging to exceptUserID.
func (h *Hub) PublishExcept(gameID, exceptUserID string, ev gamedto.Event) {
	h.publish(gameID, exceptUserID, ev)
}

func (h *Hub) publish(gameID, exceptUserID string, ev gamedto.Event) {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.rooms[gameID]))
	for sub := range h.rooms[gameID] {
		if exceptUserID != "" && sub.UserID == exceptUserID {
			continue
		}
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			obslog.L().Warn("broadcast_drop",
				zap.String("game_id", gameID),
				zap.String("user_id", sub.UserID),
				zap.String("event", ev.Type))
		}
	}
}
