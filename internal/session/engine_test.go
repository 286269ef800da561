package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/park285/chess-arena/internal/domain"
	"github.com/park285/chess-arena/internal/store"
	"github.com/park285/chess-arena/pkg/gamedto"
)

type busEvent struct {
	gameID string
	except string
	ev     gamedto.Event
}

type recorderBus struct {
	mu     sync.Mutex
	events []busEvent
}

func (b *recorderBus) Publish(gameID string, ev gamedto.Event) {
	b.mu.Lock()
	b.events = append(b.events, busEvent{gameID: gameID, ev: ev})
	b.mu.Unlock()
}

func (b *recorderBus) PublishExcept(gameID, exceptUserID string, ev gamedto.Event) {
	b.mu.Lock()
	b.events = append(b.events, busEvent{gameID: gameID, except: exceptUserID, ev: ev})
	b.mu.Unlock()
}

func (b *recorderBus) ofType(t string) []busEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []busEvent
	for _, e := range b.events {
		if e.ev.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestEngine(t *testing.T) (*Engine, *store.MemoryGames, *store.MemoryUsers, *recorderBus, *fakeClock) {
	t.Helper()
	games := store.NewMemoryGames()
	users := store.NewMemoryUsers()
	bus := &recorderBus{}
	e := NewEngine(games, users, bus, 600, 32)
	clk := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	e.now = clk.now
	return e, games, users, bus, clk
}

func mustUser(t *testing.T, users *store.MemoryUsers, id, name string) {
	t.Helper()
	if err := users.Create(context.Background(), &domain.User{ID: id, Username: name, Rating: 1500}); err != nil {
		t.Fatalf("create user %s: %v", id, err)
	}
}

// pair seats users "w" and "b" in one active game and returns its id.
func pair(t *testing.T, e *Engine, users *store.MemoryUsers) string {
	t.Helper()
	ctx := context.Background()
	mustUser(t, users, "w", "whitey")
	mustUser(t, users, "b", "blacky")
	g, color, err := e.StartOrJoin(ctx, "w")
	if err != nil || color != domain.White {
		t.Fatalf("white start: color=%s err=%v", color, err)
	}
	if g.Status != domain.StatusWaiting {
		t.Fatalf("fresh game status = %s, want waiting", g.Status)
	}
	g2, color2, err := e.StartOrJoin(ctx, "b")
	if err != nil || color2 != domain.Black {
		t.Fatalf("black join: color=%s err=%v", color2, err)
	}
	if g2.ID != g.ID || g2.Status != domain.StatusActive {
		t.Fatalf("join got game %s status %s", g2.ID, g2.Status)
	}
	if g2.ClockWhite != 600 || g2.ClockBlack != 600 {
		t.Fatalf("clocks = %d/%d, want 600/600", g2.ClockWhite, g2.ClockBlack)
	}
	return g2.ID
}

func TestStartOrJoinIdempotentForWaitingCreator(t *testing.T) {
	e, _, users, _, _ := newTestEngine(t)
	ctx := context.Background()
	mustUser(t, users, "w", "whitey")
	g1, _, err := e.StartOrJoin(ctx, "w")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	g2, color, err := e.StartOrJoin(ctx, "w")
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	if g2.ID != g1.ID || color != domain.White {
		t.Fatalf("creator re-request got %s as %s, want own waiting game", g2.ID, color)
	}
}

func TestMoveBroadcastsToOpponentOnly(t *testing.T) {
	e, _, users, bus, _ := newTestEngine(t)
	ctx := context.Background()
	gameID := pair(t, e, users)

	if err := e.Move(ctx, "w", gameID, gamedto.MoveDescriptor{From: "e2", To: "e4"}); err != nil {
		t.Fatalf("move: %v", err)
	}
	moves := bus.ofType(gamedto.EventMove)
	if len(moves) != 1 {
		t.Fatalf("move events = %d, want 1", len(moves))
	}
	if moves[0].except != "w" {
		t.Fatalf("move event except = %q, want originator w", moves[0].except)
	}
	p := moves[0].ev.Payload.(gamedto.MovePayload)
	if p.NextTurn != "black" {
		t.Fatalf("next turn = %s, want black", p.NextTurn)
	}
	if p.Move.UCI() != "e2e4" {
		t.Fatalf("move = %s, want e2e4", p.Move.UCI())
	}
}

func TestIllegalMoveStillChargesClock(t *testing.T) {
	e, games, users, _, clk := newTestEngine(t)
	ctx := context.Background()
	gameID := pair(t, e, users)

	clk.advance(5 * time.Second)
	err := e.Move(ctx, "w", gameID, gamedto.MoveDescriptor{From: "e2", To: "e5"})
	if !errors.Is(err, ErrIllegalMove) {
		t.Fatalf("err = %v, want ErrIllegalMove", err)
	}
	g, _ := games.Get(ctx, gameID)
	if g.ClockWhite != 595 {
		t.Fatalf("white clock = %d, want 595 after charged illegal attempt", g.ClockWhite)
	}
	if len(g.MovesUCI) != 0 {
		t.Fatalf("illegal move was recorded: %v", g.MovesUCI)
	}
	// a legal retry right away costs nothing further
	if err := e.Move(ctx, "w", gameID, gamedto.MoveDescriptor{From: "e2", To: "e4"}); err != nil {
		t.Fatalf("retry: %v", err)
	}
	g, _ = games.Get(ctx, gameID)
	if g.ClockWhite != 595 {
		t.Fatalf("white clock after retry = %d, want 595", g.ClockWhite)
	}
}

func TestMalformedMoveRejected(t *testing.T) {
	e, _, users, _, _ := newTestEngine(t)
	ctx := context.Background()
	gameID := pair(t, e, users)
	err := e.Move(ctx, "w", gameID, gamedto.MoveDescriptor{From: "z9", To: "x0"})
	if !errors.Is(err, ErrMalformedMove) {
		t.Fatalf("err = %v, want ErrMalformedMove", err)
	}
}

func TestWrongTurnRejectedAsIllegal(t *testing.T) {
	e, _, users, _, _ := newTestEngine(t)
	ctx := context.Background()
	gameID := pair(t, e, users)
	err := e.Move(ctx, "b", gameID, gamedto.MoveDescriptor{From: "e7", To: "e5"})
	if !errors.Is(err, ErrIllegalMove) {
		t.Fatalf("err = %v, want ErrIllegalMove", err)
	}
}

func TestMoveAccessChecks(t *testing.T) {
	e, _, users, _, _ := newTestEngine(t)
	ctx := context.Background()
	gameID := pair(t, e, users)
	mustUser(t, users, "x", "bystander")

	if err := e.Move(ctx, "x", gameID, gamedto.MoveDescriptor{From: "e2", To: "e4"}); !errors.Is(err, ErrNotAParticipant) {
		t.Fatalf("bystander err = %v, want ErrNotAParticipant", err)
	}
	if err := e.Move(ctx, "w", "no-such-game", gamedto.MoveDescriptor{From: "e2", To: "e4"}); !errors.Is(err, ErrInvalidGame) {
		t.Fatalf("unknown game err = %v, want ErrInvalidGame", err)
	}
	if err := e.Move(ctx, "", gameID, gamedto.MoveDescriptor{From: "e2", To: "e4"}); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("anonymous err = %v, want ErrNotAuthenticated", err)
	}
}

func TestTimeoutOnSubmission(t *testing.T) {
	e, games, users, bus, clk := newTestEngine(t)
	ctx := context.Background()
	gameID := pair(t, e, users)

	g, _ := games.Get(ctx, gameID)
	g.SetClock(domain.White, 1)
	if err := games.Update(ctx, g); err != nil {
		t.Fatalf("seed clock: %v", err)
	}

	clk.advance(2 * time.Second)
	// black submits while white is to move: white's flag falls first
	if err := e.Move(ctx, "b", gameID, gamedto.MoveDescriptor{From: "e7", To: "e5"}); err != nil {
		t.Fatalf("submission: %v", err)
	}

	g, _ = games.Get(ctx, gameID)
	if g.Status != domain.StatusFinished || g.Result != domain.ResultBlack {
		t.Fatalf("game = %s/%s, want finished/black", g.Status, g.Result)
	}
	if g.ClockWhite != 0 {
		t.Fatalf("white clock = %d, want clamped to 0", g.ClockWhite)
	}

	overs := bus.ofType(gamedto.EventGameOver)
	if len(overs) != 1 {
		t.Fatalf("game_over events = %d, want 1", len(overs))
	}
	op := overs[0].ev.Payload.(gamedto.GameOverPayload)
	if op.Reason != ReasonTimeout || op.Result != "black" {
		t.Fatalf("game_over = %+v", op)
	}
	moves := bus.ofType(gamedto.EventMove)
	if len(moves) != 1 || moves[0].except != "b" {
		t.Fatalf("timeout move relay = %+v", moves)
	}

	w, _ := users.Get(ctx, "w")
	b, _ := users.Get(ctx, "b")
	if w.Rating != 1484 || w.Losses != 1 {
		t.Fatalf("flagged player = %+v", w)
	}
	if b.Rating != 1516 || b.Wins != 1 {
		t.Fatalf("winner on time = %+v", b)
	}
}

func TestResignAppliesRatingsExactlyOnce(t *testing.T) {
	e, games, users, bus, _ := newTestEngine(t)
	ctx := context.Background()
	gameID := pair(t, e, users)

	if err := e.Resign(ctx, "b", gameID); err != nil {
		t.Fatalf("resign: %v", err)
	}
	g, _ := games.Get(ctx, gameID)
	if g.Status != domain.StatusFinished || g.Result != domain.ResultWhite {
		t.Fatalf("game = %s/%s, want finished/white", g.Status, g.Result)
	}

	if err := e.Resign(ctx, "b", gameID); !errors.Is(err, ErrAlreadyFinished) {
		t.Fatalf("second resign err = %v, want ErrAlreadyFinished", err)
	}

	w, _ := users.Get(ctx, "w")
	b, _ := users.Get(ctx, "b")
	if w.Rating != 1516 || w.Wins != 1 {
		t.Fatalf("winner = %+v", w)
	}
	if b.Rating != 1484 || b.Losses != 1 {
		t.Fatalf("resigner = %+v", b)
	}
	if n := len(bus.ofType(gamedto.EventGameOver)); n != 1 {
		t.Fatalf("game_over events = %d, want 1", n)
	}
}

func TestMoveAfterFinishRejected(t *testing.T) {
	e, _, users, _, _ := newTestEngine(t)
	ctx := context.Background()
	gameID := pair(t, e, users)
	if err := e.Resign(ctx, "w", gameID); err != nil {
		t.Fatalf("resign: %v", err)
	}
	err := e.Move(ctx, "b", gameID, gamedto.MoveDescriptor{From: "e7", To: "e5"})
	if !errors.Is(err, ErrAlreadyFinished) {
		t.Fatalf("err = %v, want ErrAlreadyFinished", err)
	}
}

func TestDrawOfferAcceptFinishesAsAgreement(t *testing.T) {
	e, games, users, bus, _ := newTestEngine(t)
	ctx := context.Background()
	gameID := pair(t, e, users)

	if err := e.OfferDraw(ctx, "w", gameID); err != nil {
		t.Fatalf("offer: %v", err)
	}
	offers := bus.ofType(gamedto.EventDrawOffer)
	if len(offers) != 1 || offers[0].except != "w" {
		t.Fatalf("offer relay = %+v", offers)
	}

	if err := e.RespondDraw(ctx, "b", gameID, true); err != nil {
		t.Fatalf("accept: %v", err)
	}
	g, _ := games.Get(ctx, gameID)
	if g.Status != domain.StatusFinished || g.Result != domain.ResultDraw {
		t.Fatalf("game = %s/%s, want finished/draw", g.Status, g.Result)
	}
	overs := bus.ofType(gamedto.EventGameOver)
	if len(overs) != 1 || overs[0].ev.Payload.(gamedto.GameOverPayload).Reason != ReasonAgreement {
		t.Fatalf("game_over = %+v", overs)
	}
	// equal ratings drawn: no change, no counters
	w, _ := users.Get(ctx, "w")
	b, _ := users.Get(ctx, "b")
	if w.Rating != 1500 || b.Rating != 1500 || w.Wins+w.Losses+b.Wins+b.Losses != 0 {
		t.Fatalf("draw changed standings: %+v %+v", w, b)
	}
}

func TestDrawDeclineRelaysToOfferer(t *testing.T) {
	e, games, users, bus, _ := newTestEngine(t)
	ctx := context.Background()
	gameID := pair(t, e, users)

	if err := e.OfferDraw(ctx, "b", gameID); err != nil {
		t.Fatalf("offer: %v", err)
	}
	if err := e.RespondDraw(ctx, "w", gameID, false); err != nil {
		t.Fatalf("decline: %v", err)
	}
	resp := bus.ofType(gamedto.EventDrawResponse)
	if len(resp) != 1 || resp[0].except != "w" {
		t.Fatalf("decline relay = %+v", resp)
	}
	if resp[0].ev.Payload.(gamedto.DrawResponsePayload).Accepted {
		t.Fatalf("decline marked accepted")
	}
	g, _ := games.Get(ctx, gameID)
	if g.Status != domain.StatusActive {
		t.Fatalf("declined draw ended game: %s", g.Status)
	}
	// a declined offer cannot be accepted later
	if err := e.RespondDraw(ctx, "w", gameID, true); !errors.Is(err, ErrInvalidGame) {
		t.Fatalf("stale accept err = %v, want ErrInvalidGame", err)
	}
}

func TestRespondWithoutOfferInvalid(t *testing.T) {
	e, _, users, _, _ := newTestEngine(t)
	ctx := context.Background()
	gameID := pair(t, e, users)
	if err := e.RespondDraw(ctx, "b", gameID, true); !errors.Is(err, ErrInvalidGame) {
		t.Fatalf("err = %v, want ErrInvalidGame", err)
	}
}

func TestCheckmateFinishesGame(t *testing.T) {
	e, games, users, bus, _ := newTestEngine(t)
	ctx := context.Background()
	gameID := pair(t, e, users)

	seq := []struct {
		user string
		mv   gamedto.MoveDescriptor
	}{
		{"w", gamedto.MoveDescriptor{From: "f2", To: "f3"}},
		{"b", gamedto.MoveDescriptor{From: "e7", To: "e5"}},
		{"w", gamedto.MoveDescriptor{From: "g2", To: "g4"}},
		{"b", gamedto.MoveDescriptor{From: "d8", To: "h4"}},
	}
	for _, step := range seq {
		if err := e.Move(ctx, step.user, gameID, step.mv); err != nil {
			t.Fatalf("move %s by %s: %v", step.mv.UCI(), step.user, err)
		}
	}

	g, _ := games.Get(ctx, gameID)
	if g.Status != domain.StatusFinished || g.Result != domain.ResultBlack {
		t.Fatalf("game = %s/%s, want finished/black", g.Status, g.Result)
	}
	overs := bus.ofType(gamedto.EventGameOver)
	if len(overs) != 1 || overs[0].ev.Payload.(gamedto.GameOverPayload).Reason != ReasonCheckmate {
		t.Fatalf("game_over = %+v", overs)
	}
	moves := bus.ofType(gamedto.EventMove)
	if len(moves) != 4 {
		t.Fatalf("move events = %d, want 4", len(moves))
	}
	final := moves[3].ev.Payload.(gamedto.MovePayload)
	if final.NextTurn != "none" || moves[3].except != "b" {
		t.Fatalf("mating move relay = %+v except %q", final, moves[3].except)
	}
	b, _ := users.Get(ctx, "b")
	if b.Rating != 1516 || b.Wins != 1 {
		t.Fatalf("winner = %+v", b)
	}
}

func TestFinishedGameLeavesNoSession(t *testing.T) {
	e, _, users, _, _ := newTestEngine(t)
	ctx := context.Background()
	gameID := pair(t, e, users)

	if err := e.Resign(ctx, "w", gameID); err != nil {
		t.Fatalf("resign: %v", err)
	}
	// next touch of the finished game clears the idle session entry
	if err := e.Move(ctx, "b", gameID, gamedto.MoveDescriptor{From: "e7", To: "e5"}); !errors.Is(err, ErrAlreadyFinished) {
		t.Fatalf("err = %v, want ErrAlreadyFinished", err)
	}
	if n := e.Registry().Len(); n != 0 {
		t.Fatalf("registry len = %d, want 0", n)
	}
	if _, _, err := e.Attach(ctx, "b", gameID); !errors.Is(err, ErrInvalidGame) {
		t.Fatalf("attach finished err = %v, want ErrInvalidGame", err)
	}
	if n := e.Registry().Len(); n != 0 {
		t.Fatalf("registry len after attach = %d, want 0", n)
	}
}

func TestAttachRejectsFinishedGame(t *testing.T) {
	e, _, users, bus, _ := newTestEngine(t)
	ctx := context.Background()
	gameID := pair(t, e, users)

	if err := e.Resign(ctx, "b", gameID); err != nil {
		t.Fatalf("resign: %v", err)
	}
	for _, user := range []string{"w", "b"} {
		if _, _, err := e.Attach(ctx, user, gameID); !errors.Is(err, ErrInvalidGame) {
			t.Fatalf("attach finished as %s: err = %v, want ErrInvalidGame", user, err)
		}
	}
	// the record stays reachable for rehydration
	g, err := e.Snapshot(ctx, gameID)
	if err != nil || g.Status != domain.StatusFinished {
		t.Fatalf("snapshot after finish: g=%+v err=%v", g, err)
	}
	if n := len(bus.ofType(gamedto.EventGameStarted)); n != 0 {
		t.Fatalf("game_started after finish: %d", n)
	}
}

func TestAttachAnnouncesStartWhenBothPresent(t *testing.T) {
	e, _, users, bus, _ := newTestEngine(t)
	ctx := context.Background()
	gameID := pair(t, e, users)

	if _, _, err := e.Attach(ctx, "w", gameID); err != nil {
		t.Fatalf("attach w: %v", err)
	}
	if n := len(bus.ofType(gamedto.EventGameStarted)); n != 0 {
		t.Fatalf("game_started before both present: %d", n)
	}
	if _, _, err := e.Attach(ctx, "b", gameID); err != nil {
		t.Fatalf("attach b: %v", err)
	}
	started := bus.ofType(gamedto.EventGameStarted)
	if len(started) != 1 {
		t.Fatalf("game_started events = %d, want 1", len(started))
	}
	p := started[0].ev.Payload.(gamedto.GameStartedPayload)
	if p.White != "whitey" || p.Black != "blacky" {
		t.Fatalf("game_started = %+v", p)
	}
	if p.RatingWhite != 1500 || p.RatingBlack != 1500 {
		t.Fatalf("game_started ratings = %v/%v, want 1500/1500", p.RatingWhite, p.RatingBlack)
	}
	if p.Turn != "white" {
		t.Fatalf("game_started turn = %s, want white", p.Turn)
	}
}

func TestMoveByWrongSideRejected(t *testing.T) {
	e, games, users, _, clk := newTestEngine(t)
	ctx := context.Background()
	gameID := pair(t, e, users)

	// black submits a move that would be legal for white
	clk.advance(3 * time.Second)
	err := e.Move(ctx, "b", gameID, gamedto.MoveDescriptor{From: "e2", To: "e4"})
	if !errors.Is(err, ErrIllegalMove) {
		t.Fatalf("err = %v, want ErrIllegalMove", err)
	}
	g, _ := games.Get(ctx, gameID)
	if len(g.MovesUCI) != 0 {
		t.Fatalf("wrong-side move was applied: %v", g.MovesUCI)
	}
	if g.ClockWhite != 597 {
		t.Fatalf("white clock = %d, want 597 charged to side to move", g.ClockWhite)
	}
	// white can still play it
	if err := e.Move(ctx, "w", gameID, gamedto.MoveDescriptor{From: "e2", To: "e4"}); err != nil {
		t.Fatalf("white move: %v", err)
	}
}
