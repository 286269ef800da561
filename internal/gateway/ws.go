// Package gateway serves the websocket event surface: one connection binds
// one authenticated user to one game room.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/park285/chess-arena/internal/auth"
	"github.com/park285/chess-arena/internal/broadcast"
	"github.com/park285/chess-arena/internal/obslog"
	"github.com/park285/chess-arena/internal/session"
	"github.com/park285/chess-arena/pkg/gamedto"
)

const (
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

var errUnknownEvent = errors.New("unknown event type")

type Handler struct {
	engine *session.Engine
	hub    *broadcast.Hub
	tokens auth.TokenStore
}

func NewHandler(engine *session.Engine, hub *broadcast.Hub, tokens auth.TokenStore) *Handler {
	return &Handler{engine: engine, hub: hub, tokens: tokens}
}

// ServeWS upgrades the request, authenticates it via ?token= and attaches
// it to the game named by ?game_id=.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		obslog.L().Warn("ws_accept_error", zap.Error(err))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	token := r.URL.Query().Get("token")
	gameID := r.URL.Query().Get("game_id")

	userID, err := h.tokens.Resolve(ctx, token)
	if err != nil {
		_ = wsjson.Write(ctx, c, errorEvent(session.ErrNotAuthenticated))
		_ = c.Close(websocket.StatusPolicyViolation, "not authenticated")
		return
	}

	g, color, err := h.engine.Attach(ctx, userID, gameID)
	if err != nil {
		_ = wsjson.Write(ctx, c, errorEvent(err))
		_ = c.Close(websocket.StatusPolicyViolation, "attach rejected")
		return
	}

	sub := h.hub.Subscribe(gameID, userID)
	defer func() {
		sub.Close()
		h.engine.Detach(context.Background(), userID, gameID)
		_ = c.Close(websocket.StatusNormalClosure, "bye")
	}()

	status := gamedto.Event{Type: gamedto.EventStatus, Payload: gamedto.StatusPayload{
		GameID:     g.ID,
		Color:      string(color),
		Status:     string(g.Status),
		FEN:        g.FEN,
		Turn:       string(session.Turn(g)),
		ClockWhite: g.ClockWhite,
		ClockBlack: g.ClockBlack,
		MovesUCI:   g.MovesUCI,
	}}
	if err := writeTimeout(ctx, c, status); err != nil {
		return
	}

	out := make(chan gamedto.Event, 8)
	go h.pump(ctx, cancel, c, sub, out)

	for {
		var ev gamedto.ClientEvent
		if err := wsjson.Read(ctx, c, &ev); err != nil {
			return
		}
		h.dispatch(ctx, userID, gameID, ev, out)
	}
}

// pump is the single writer for the connection.
func (h *Handler) pump(ctx context.Context, cancel context.CancelFunc, c *websocket.Conn, sub *broadcast.Subscription, out <-chan gamedto.Event) {
	defer cancel()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeTimeout(ctx, c, ev); err != nil {
				return
			}
		case ev := <-out:
			if err := writeTimeout(ctx, c, ev); err != nil {
				return
			}
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, writeWait)
			err := c.Ping(pctx)
			pcancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, userID, gameID string, ev gamedto.ClientEvent, out chan<- gamedto.Event) {
	defer func() {
		if rec := recover(); rec != nil {
			obslog.L().Error("ws_dispatch_panic",
				zap.String("game_id", gameID),
				zap.String("user_id", userID),
				zap.String("event", ev.Type),
				zap.Any("panic", rec),
				zap.Stack("stack"))
			send(out, errorEvent(errors.New("internal error")))
		}
	}()

	var err error
	switch ev.Type {
	case gamedto.ClientMove:
		if ev.Move == nil {
			err = session.ErrMalformedMove
		} else {
			err = h.engine.Move(ctx, userID, gameID, *ev.Move)
		}
	case gamedto.ClientResign:
		err = h.engine.Resign(ctx, userID, gameID)
	case gamedto.ClientDrawOffer:
		err = h.engine.OfferDraw(ctx, userID, gameID)
	case gamedto.ClientDrawResponse:
		accept := ev.Accept != nil && *ev.Accept
		err = h.engine.RespondDraw(ctx, userID, gameID, accept)
	default:
		err = errUnknownEvent
	}
	if err != nil {
		send(out, errorEvent(err))
	}
}

func send(out chan<- gamedto.Event, ev gamedto.Event) {
	select {
	case out <- ev:
	default:
	}
}

func writeTimeout(ctx context.Context, c *websocket.Conn, ev gamedto.Event) error {
	wctx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	return wsjson.Write(wctx, c, ev)
}

func errorEvent(err error) gamedto.Event {
	code := "internal"
	msg := "internal error"
	switch {
	case errors.Is(err, session.ErrNotAuthenticated):
		code, msg = "not_authenticated", "not authenticated"
	case errors.Is(err, session.ErrNotAParticipant):
		code, msg = "not_a_participant", "you are not a participant of this game"
	case errors.Is(err, session.ErrInvalidGame):
		code, msg = "invalid_game", "invalid game"
	case errors.Is(err, session.ErrMalformedMove):
		code, msg = "malformed_move", "malformed move"
	case errors.Is(err, session.ErrIllegalMove):
		code, msg = "illegal_move", "illegal move"
	case errors.Is(err, session.ErrAlreadyFinished):
		code, msg = "already_finished", "game already finished"
	case errors.Is(err, errUnknownEvent):
		code, msg = "unknown_event", "unknown event type"
	default:
		obslog.L().Error("ws_operation_error", zap.Error(err))
	}
	return gamedto.Event{Type: gamedto.EventError, Payload: gamedto.ErrorPayload{Code: code, Message: msg}}
}
