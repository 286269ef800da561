package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	nchess "github.com/corentings/chess/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/domain"
	"github.com/park285/chess-arena/internal/obslog"
	"github.com/park285/chess-arena/internal/rating"
	"github.com/park285/chess-arena/internal/store"
	"github.com/park285/chess-arena/pkg/gamedto"
)

// Engine coordinates live games over the durable stores and the broadcast
// bus. One Engine serves the whole process.
type Engine struct {
	games store.GameStore
	users store.UserStore
	reg   *Registry
	bus   Broadcaster

	clockSeconds int
	k            float64

	now func() time.Time
}

func NewEngine(games store.GameStore, users store.UserStore, bus Broadcaster, clockSeconds int, k float64) *Engine {
	if clockSeconds <= 0 {
		clockSeconds = 600
	}
	if k <= 0 {
		k = rating.DefaultK
	}
	return &Engine{
		games:        games,
		users:        users,
		reg:          NewRegistry(),
		bus:          bus,
		clockSeconds: clockSeconds,
		k:            k,
		now:          time.Now,
	}
}

// Registry exposes the live-session registry, read-only in intent.
func (e *Engine) Registry() *Registry { return e.reg }

// StartOrJoin seats the user: the oldest waiting game gets them as black
// and goes active; otherwise a fresh waiting game is created with the user
// as white. Asking again while your own game waits returns that game.
func (e *Engine) StartOrJoin(ctx context.Context, userID string) (*domain.Game, domain.Color, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, "", ErrNotAuthenticated
	}

	w, err := e.games.FindWaiting(ctx)
	if err != nil && !errors.Is(err, store.ErrNoWaitingGame) {
		return nil, "", fmt.Errorf("find waiting game: %w", err)
	}
	if err == nil {
		if w.PlayerWhite == userID {
			return w, domain.White, nil
		}
		g, jerr := e.claimSeat(ctx, userID, w.ID)
		if jerr == nil {
			return g, domain.Black, nil
		}
		if !errors.Is(jerr, errSeatTaken) {
			return nil, "", jerr
		}
		// raced with another joiner, fall through and open a new game
	}

	now := e.now()
	g := &domain.Game{
		ID:          uuid.NewString(),
		PlayerWhite: userID,
		FEN:         nchess.NewGame().FEN(),
		MovesUCI:    []string{},
		Status:      domain.StatusWaiting,
		ClockWhite:  e.clockSeconds,
		ClockBlack:  e.clockSeconds,
		LastMoveAt:  now,
		CreatedAt:   now,
	}
	if err := e.games.Create(ctx, g); err != nil {
		return nil, "", fmt.Errorf("create game: %w", err)
	}
	obslog.L().Info("game_create",
		zap.String("game_id", g.ID),
		zap.String("white", userID))
	return g, domain.White, nil
}

func (e *Engine) claimSeat(ctx context.Context, userID, gameID string) (*domain.Game, error) {
	s := e.reg.Acquire(gameID)
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := e.games.Get(ctx, gameID)
	if err != nil {
		return nil, errSeatTaken
	}
	if g.Status != domain.StatusWaiting || g.PlayerWhite == userID {
		return nil, errSeatTaken
	}
	g.PlayerBlack = userID
	g.Status = domain.StatusActive
	g.ClockWhite = e.clockSeconds
	g.ClockBlack = e.clockSeconds
	g.LastMoveAt = e.now()
	if err := e.games.Update(ctx, g); err != nil {
		return nil, fmt.Errorf("activate game: %w", err)
	}
	obslog.L().Info("game_join",
		zap.String("game_id", g.ID),
		zap.String("white", g.PlayerWhite),
		zap.String("black", g.PlayerBlack))
	return g, nil
}

// Attach binds a connected participant to the game room. When both seats
// are present and the game is active, game_started goes to the room.
// Finished games cannot be attached to; rehydration goes through Snapshot.
func (e *Engine) Attach(ctx context.Context, userID, gameID string) (*domain.Game, domain.Color, error) {
	g, err := e.loadForPlay(ctx, userID, gameID)
	if err != nil {
		return nil, "", err
	}
	if g.Status == domain.StatusFinished {
		return nil, "", ErrInvalidGame
	}
	color := g.ColorOf(userID)

	s := e.reg.Acquire(gameID)
	s.mu.Lock()
	s.members[userID] = struct{}{}
	full := len(s.members) >= 2
	s.mu.Unlock()

	obslog.L().Info("game_attach",
		zap.String("game_id", gameID),
		zap.String("user_id", userID),
		zap.String("color", string(color)))

	if full && g.Status == domain.StatusActive {
		e.announceStart(ctx, g)
	}
	return g, color, nil
}

// Detach removes a member from the room. The registry entry is dropped
// once the room is empty and the game can no longer be operated on.
func (e *Engine) Detach(ctx context.Context, userID, gameID string) {
	s := e.reg.Peek(gameID)
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.members, userID)
	empty := len(s.members) == 0
	s.mu.Unlock()
	if !empty {
		return
	}
	if g, err := e.games.Get(ctx, gameID); err == nil && g.Status == domain.StatusFinished {
		e.reg.Drop(gameID)
	}
}

func (e *Engine) announceStart(ctx context.Context, g *domain.Game) {
	white, werr := e.users.Get(ctx, g.PlayerWhite)
	black, berr := e.users.Get(ctx, g.PlayerBlack)
	whiteName, blackName := g.PlayerWhite, g.PlayerBlack
	var whiteRating, blackRating float64
	if werr == nil {
		whiteName, whiteRating = white.Username, white.Rating
	}
	if berr == nil {
		blackName, blackRating = black.Username, black.Rating
	}
	e.bus.Publish(g.ID, gamedto.Event{Type: gamedto.EventGameStarted, Payload: gamedto.GameStartedPayload{
		GameID:      g.ID,
		White:       whiteName,
		Black:       blackName,
		RatingWhite: whiteRating,
		RatingBlack: blackRating,
		Turn:        string(Turn(g)),
		FEN:         g.FEN,
		ClockWhite:  g.ClockWhite,
		ClockBlack:  g.ClockBlack,
	}})
	obslog.L().Info("game_started", zap.String("game_id", g.ID))
}

// Move applies one move for the user. Elapsed time is charged to the side
// to move and persisted before the move is even validated, so stalling on
// a lost position still burns the clock.
func (e *Engine) Move(ctx context.Context, userID, gameID string, mv gamedto.MoveDescriptor) error {
	if _, err := e.loadForPlay(ctx, userID, gameID); err != nil {
		return err
	}

	s := e.reg.Acquire(gameID)
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := e.activeUnderLock(ctx, s, gameID)
	if err != nil {
		return err
	}
	board, err := s.ensureBoard(g)
	if err != nil {
		return fmt.Errorf("rebuild board: %w", err)
	}
	toMove := colorFrom(board.Position().Turn())

	elapsed := int(e.now().Sub(g.LastMoveAt).Seconds())
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := g.Clock(toMove) - elapsed
	if remaining < 0 {
		remaining = 0
	}
	g.SetClock(toMove, remaining)
	g.LastMoveAt = e.now()
	if err := e.games.Update(ctx, g); err != nil {
		return fmt.Errorf("persist clocks: %w", err)
	}

	if remaining <= 0 {
		obslog.L().Info("game_timeout",
			zap.String("game_id", g.ID),
			zap.String("flagged", string(toMove)))
		return e.finish(ctx, s, g, domain.ResultFor(toMove.Other()), ReasonTimeout, userID, &mv)
	}

	// only the side to move may act; the clock charge above still stands
	if g.ColorOf(userID) != toMove {
		return ErrIllegalMove
	}

	uci := strings.ToLower(strings.TrimSpace(mv.UCI()))
	if !validUCI(uci) {
		return ErrMalformedMove
	}

	pos := board.Position()
	if err := board.PushNotationMove(uci, nchess.UCINotation{}, nil); err != nil {
		return ErrIllegalMove
	}
	san := ""
	if last := lastMove(board); last != nil {
		san = nchess.AlgebraicNotation{}.Encode(pos, last)
	}

	prevMoves := g.MovesUCI
	g.MovesUCI = append(append([]string(nil), g.MovesUCI...), uci)
	g.FEN = board.FEN()
	s.boardMoves = len(g.MovesUCI)
	if err := e.games.Update(ctx, g); err != nil {
		// roll the board back so memory never runs ahead of the record
		if b, rerr := replay(prevMoves); rerr == nil {
			s.board, s.boardMoves = b, len(prevMoves)
		} else {
			s.board = nil
		}
		return fmt.Errorf("persist move: %w", err)
	}

	obslog.L().Info("game_move",
		zap.String("game_id", g.ID),
		zap.String("user_id", userID),
		zap.String("uci", uci),
		zap.String("san", san))

	switch board.Outcome() {
	case nchess.WhiteWon:
		return e.finish(ctx, s, g, domain.ResultWhite, ReasonCheckmate, userID, &mv)
	case nchess.BlackWon:
		return e.finish(ctx, s, g, domain.ResultBlack, ReasonCheckmate, userID, &mv)
	case nchess.Draw:
		return e.finish(ctx, s, g, domain.ResultDraw, ReasonDraw, userID, &mv)
	default:
	}

	e.bus.PublishExcept(gameID, userID, gamedto.Event{Type: gamedto.EventMove, Payload: gamedto.MovePayload{
		GameID:     g.ID,
		Move:       mv,
		SAN:        san,
		FEN:        g.FEN,
		NextTurn:   string(colorFrom(board.Position().Turn())),
		ClockWhite: g.ClockWhite,
		ClockBlack: g.ClockBlack,
	}})
	return nil
}

// Resign ends the game in the opponent's favor.
func (e *Engine) Resign(ctx context.Context, userID, gameID string) error {
	if _, err := e.loadForPlay(ctx, userID, gameID); err != nil {
		return err
	}
	s := e.reg.Acquire(gameID)
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := e.activeUnderLock(ctx, s, gameID)
	if err != nil {
		return err
	}
	winner := g.ColorOf(userID).Other()
	obslog.L().Info("game_resign",
		zap.String("game_id", g.ID),
		zap.String("resigner", userID))
	return e.finish(ctx, s, g, domain.ResultFor(winner), ReasonResignation, userID, nil)
}

// OfferDraw records the offer and relays it to the opponent.
func (e *Engine) OfferDraw(ctx context.Context, userID, gameID string) error {
	if _, err := e.loadForPlay(ctx, userID, gameID); err != nil {
		return err
	}
	s := e.reg.Acquire(gameID)
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := e.activeUnderLock(ctx, s, gameID)
	if err != nil {
		return err
	}
	from := g.ColorOf(userID)
	s.drawOfferFrom = from
	e.bus.PublishExcept(gameID, userID, gamedto.Event{Type: gamedto.EventDrawOffer, Payload: gamedto.DrawOfferPayload{
		GameID:    g.ID,
		FromColor: string(from),
	}})
	obslog.L().Info("draw_offer",
		zap.String("game_id", g.ID),
		zap.String("from", string(from)))
	return nil
}

// RespondDraw answers a pending offer. Accepting finishes the game as a
// draw by agreement; declining relays the refusal to the offerer. A
// response without a live offer from the opponent is invalid.
func (e *Engine) RespondDraw(ctx context.Context, userID, gameID string, accept bool) error {
	if _, err := e.loadForPlay(ctx, userID, gameID); err != nil {
		return err
	}
	s := e.reg.Acquire(gameID)
	s.mu.Lock()
	defer s.mu.Unlock()

	g, err := e.activeUnderLock(ctx, s, gameID)
	if err != nil {
		return err
	}
	responder := g.ColorOf(userID)
	if s.drawOfferFrom == "" || s.drawOfferFrom == responder {
		return ErrInvalidGame
	}
	s.drawOfferFrom = ""

	if accept {
		obslog.L().Info("draw_accept", zap.String("game_id", g.ID))
		return e.finish(ctx, s, g, domain.ResultDraw, ReasonAgreement, userID, nil)
	}
	e.bus.PublishExcept(gameID, userID, gamedto.Event{Type: gamedto.EventDrawResponse, Payload: gamedto.DrawResponsePayload{
		GameID:   g.ID,
		Accepted: false,
	}})
	obslog.L().Info("draw_decline", zap.String("game_id", g.ID))
	return nil
}

// Snapshot returns the durable record for REST rehydration.
func (e *Engine) Snapshot(ctx context.Context, gameID string) (*domain.Game, error) {
	g, err := e.games.Get(ctx, gameID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidGame
	}
	if err != nil {
		return nil, fmt.Errorf("load game: %w", err)
	}
	return g, nil
}

// Turn derives the side to move from the stored move list.
func Turn(g *domain.Game) domain.Color {
	if len(g.MovesUCI)%2 == 0 {
		return domain.White
	}
	return domain.Black
}

func (e *Engine) loadForPlay(ctx context.Context, userID, gameID string) (*domain.Game, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrNotAuthenticated
	}
	g, err := e.games.Get(ctx, gameID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidGame
	}
	if err != nil {
		return nil, fmt.Errorf("load game: %w", err)
	}
	if !g.IsParticipant(userID) {
		return nil, ErrNotAParticipant
	}
	return g, nil
}

// activeUnderLock reloads the game and requires it to be playable. Caller
// holds the session lock.
func (e *Engine) activeUnderLock(ctx context.Context, s *Session, gameID string) (*domain.Game, error) {
	g, err := e.games.Get(ctx, gameID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrInvalidGame
	}
	if err != nil {
		return nil, fmt.Errorf("load game: %w", err)
	}
	switch g.Status {
	case domain.StatusActive:
		return g, nil
	case domain.StatusFinished:
		if len(s.members) == 0 {
			e.reg.Drop(gameID)
		}
		return nil, ErrAlreadyFinished
	default:
		return nil, ErrInvalidGame
	}
}

// finish runs the single terminal transition. The store-level guard makes
// the rating transaction exactly-once even when two paths race to end the
// same game.
func (e *Engine) finish(ctx context.Context, s *Session, g *domain.Game, result domain.Result, reason, originator string, mv *gamedto.MoveDescriptor) error {
	if err := e.games.Finish(ctx, g.ID, result); err != nil {
		if errors.Is(err, store.ErrAlreadyFinished) {
			return ErrAlreadyFinished
		}
		return fmt.Errorf("finish game: %w", err)
	}
	g.Status = domain.StatusFinished
	g.Result = result
	s.drawOfferFrom = ""

	if mv != nil {
		e.bus.PublishExcept(g.ID, originator, gamedto.Event{Type: gamedto.EventMove, Payload: gamedto.MovePayload{
			GameID:     g.ID,
			Move:       *mv,
			FEN:        g.FEN,
			NextTurn:   "none",
			ClockWhite: g.ClockWhite,
			ClockBlack: g.ClockBlack,
		}})
	}

	ratingWhite, ratingBlack := e.applyRatings(ctx, g, result)
	e.bus.Publish(g.ID, gamedto.Event{Type: gamedto.EventGameOver, Payload: gamedto.GameOverPayload{
		GameID:      g.ID,
		Result:      string(result),
		Reason:      reason,
		RatingWhite: ratingWhite,
		RatingBlack: ratingBlack,
	}})
	obslog.L().Info("game_over",
		zap.String("game_id", g.ID),
		zap.String("result", string(result)),
		zap.String("reason", reason))
	return nil
}

func (e *Engine) applyRatings(ctx context.Context, g *domain.Game, result domain.Result) (float64, float64) {
	white, werr := e.users.Get(ctx, g.PlayerWhite)
	black, berr := e.users.Get(ctx, g.PlayerBlack)
	if werr != nil || berr != nil {
		obslog.L().Error("rating_load_error",
			zap.String("game_id", g.ID),
			zap.NamedError("white_err", werr),
			zap.NamedError("black_err", berr))
		return 0, 0
	}

	scoreWhite := rating.ScoreDraw
	switch result {
	case domain.ResultWhite:
		scoreWhite = rating.ScoreWin
	case domain.ResultBlack:
		scoreWhite = rating.ScoreLoss
	}
	newWhite, newBlack := rating.Update(white.Rating, black.Rating, e.k, scoreWhite)

	var err error
	switch result {
	case domain.ResultWhite:
		err = e.users.ApplyDecisive(ctx, g.PlayerWhite, g.PlayerBlack, newWhite, newBlack)
	case domain.ResultBlack:
		err = e.users.ApplyDecisive(ctx, g.PlayerBlack, g.PlayerWhite, newBlack, newWhite)
	default:
		err = e.users.ApplyDraw(ctx, g.PlayerWhite, g.PlayerBlack, newWhite, newBlack)
	}
	if err != nil {
		obslog.L().Error("rating_apply_error",
			zap.String("game_id", g.ID),
			zap.Error(err))
		return 0, 0
	}
	obslog.L().Info("rating_update",
		zap.String("game_id", g.ID),
		zap.Float64("white", newWhite),
		zap.Float64("black", newBlack))
	return newWhite, newBlack
}

// validUCI accepts coordinate moves like e2e4 and e7e8q.
func validUCI(uci string) bool {
	if len(uci) != 4 && len(uci) != 5 {
		return false
	}
	if !validSquare(uci[0], uci[1]) || !validSquare(uci[2], uci[3]) {
		return false
	}
	if len(uci) == 5 {
		switch uci[4] {
		case 'q', 'r', 'b', 'n':
		default:
			return false
		}
	}
	return true
}

func validSquare(file, rank byte) bool {
	return file >= 'a' && file <= 'h' && rank >= '1' && rank <= '8'
}
