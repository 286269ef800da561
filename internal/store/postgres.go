package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/park285/chess-arena/internal/domain"
)

const opTimeout = 5 * time.Second

// Postgres owns the shared connection pool. Games() and Users() expose the
// two store interfaces over it.
type Postgres struct {
	db *sql.DB
}

func OpenPostgres(databaseURL string) (*Postgres, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *Postgres) Games() *PostgresGames { return &PostgresGames{db: p.db} }
func (p *Postgres) Users() *PostgresUsers { return &PostgresUsers{db: p.db} }

// EnsureSchema creates the tables when absent.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	ctx, cancel := bound(ctx)
	defer cancel()
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS arena_users (
			id            TEXT PRIMARY KEY,
			username      TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			rating        DOUBLE PRECISION NOT NULL DEFAULT 1000,
			wins          INT NOT NULL DEFAULT 0,
			losses        INT NOT NULL DEFAULT 0,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE TABLE IF NOT EXISTS arena_games (
			id           TEXT PRIMARY KEY,
			player_white TEXT NOT NULL,
			player_black TEXT NOT NULL DEFAULT '',
			fen          TEXT NOT NULL,
			moves_uci    TEXT NOT NULL DEFAULT '[]',
			status       TEXT NOT NULL,
			clock_white  INT NOT NULL,
			clock_black  INT NOT NULL,
			last_move_at TIMESTAMPTZ NOT NULL,
			result       TEXT NOT NULL DEFAULT '',
			created_at   TIMESTAMPTZ NOT NULL,
			updated_at   TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_arena_games_waiting
			ON arena_games (created_at) WHERE status = 'waiting';
	`)
	return err
}

func bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, opTimeout)
}

// PostgresGames implements GameStore.
type PostgresGames struct {
	db *sql.DB
}

func (p *PostgresGames) Create(ctx context.Context, g *domain.Game) error {
	ctx, cancel := bound(ctx)
	defer cancel()
	movesRaw, _ := json.Marshal(g.MovesUCI)
	now := time.Now()
	if g.CreatedAt.IsZero() {
		g.CreatedAt = now
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO arena_games (
			id, player_white, player_black, fen, moves_uci, status,
			clock_white, clock_black, last_move_at, result, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		g.ID, g.PlayerWhite, g.PlayerBlack, g.FEN, string(movesRaw), string(g.Status),
		g.ClockWhite, g.ClockBlack, g.LastMoveAt, string(g.Result), g.CreatedAt, now,
	)
	return err
}

func (p *PostgresGames) Get(ctx context.Context, id string) (*domain.Game, error) {
	ctx, cancel := bound(ctx)
	defer cancel()
	row := p.db.QueryRowContext(ctx, `
		SELECT id, player_white, player_black, fen, moves_uci, status,
		       clock_white, clock_black, last_move_at, result, created_at, updated_at
		FROM arena_games WHERE id = $1`, id)
	return scanGame(row)
}

func (p *PostgresGames) FindWaiting(ctx context.Context) (*domain.Game, error) {
	ctx, cancel := bound(ctx)
	defer cancel()
	row := p.db.QueryRowContext(ctx, `
		SELECT id, player_white, player_black, fen, moves_uci, status,
		       clock_white, clock_black, last_move_at, result, created_at, updated_at
		FROM arena_games WHERE status = 'waiting'
		ORDER BY created_at ASC LIMIT 1`)
	g, err := scanGame(row)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrNoWaitingGame
	}
	return g, err
}

func scanGame(row *sql.Row) (*domain.Game, error) {
	var g domain.Game
	var movesRaw, status, result string
	err := row.Scan(&g.ID, &g.PlayerWhite, &g.PlayerBlack, &g.FEN, &movesRaw, &status,
		&g.ClockWhite, &g.ClockBlack, &g.LastMoveAt, &result, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	g.Status = domain.Status(status)
	g.Result = domain.Result(result)
	if movesRaw != "" {
		if err := json.Unmarshal([]byte(movesRaw), &g.MovesUCI); err != nil {
			return nil, fmt.Errorf("decode moves: %w", err)
		}
	}
	return &g, nil
}

func (p *PostgresGames) Update(ctx context.Context, g *domain.Game) error {
	ctx, cancel := bound(ctx)
	defer cancel()
	movesRaw, _ := json.Marshal(g.MovesUCI)
	res, err := p.db.ExecContext(ctx, `
		UPDATE arena_games SET
			player_black = $2, fen = $3, moves_uci = $4, status = $5,
			clock_white = $6, clock_black = $7, last_move_at = $8, updated_at = now()
		WHERE id = $1`,
		g.ID, g.PlayerBlack, g.FEN, string(movesRaw), string(g.Status),
		g.ClockWhite, g.ClockBlack, g.LastMoveAt,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresGames) Finish(ctx context.Context, id string, result domain.Result) error {
	ctx, cancel := bound(ctx)
	defer cancel()
	res, err := p.db.ExecContext(ctx, `
		UPDATE arena_games SET status = 'finished', result = $2, updated_at = now()
		WHERE id = $1 AND status <> 'finished'`,
		id, string(result),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := p.Get(ctx, id); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrAlreadyFinished
	}
	return nil
}

// PostgresUsers implements UserStore.
type PostgresUsers struct {
	db *sql.DB
}

func (p *PostgresUsers) Create(ctx context.Context, u *domain.User) error {
	ctx, cancel := bound(ctx)
	defer cancel()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now()
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO arena_users (id, username, password_hash, rating, wins, losses, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		u.ID, u.Username, u.PasswordHash, u.Rating, u.Wins, u.Losses, u.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrDuplicateUsername
	}
	return err
}

func (p *PostgresUsers) Get(ctx context.Context, id string) (*domain.User, error) {
	ctx, cancel := bound(ctx)
	defer cancel()
	row := p.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, rating, wins, losses, created_at
		FROM arena_users WHERE id = $1`, id)
	return scanUser(row)
}

func (p *PostgresUsers) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	ctx, cancel := bound(ctx)
	defer cancel()
	row := p.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, rating, wins, losses, created_at
		FROM arena_users WHERE username = $1`, username)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*domain.User, error) {
	var u domain.User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Rating, &u.Wins, &u.Losses, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (p *PostgresUsers) Leaderboard(ctx context.Context, limit int) ([]*domain.User, error) {
	ctx, cancel := bound(ctx)
	defer cancel()
	if limit <= 0 {
		limit = 10
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, username, password_hash, rating, wins, losses, created_at
		FROM arena_users ORDER BY rating DESC, username ASC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Rating, &u.Wins, &u.Losses, &u.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &u)
	}
	return out, rows.Err()
}

func (p *PostgresUsers) ApplyDecisive(ctx context.Context, winnerID, loserID string, winnerRating, loserRating float64) error {
	ctx, cancel := bound(ctx)
	defer cancel()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`UPDATE arena_users SET rating = $2, wins = wins + 1 WHERE id = $1`,
		winnerID, winnerRating); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE arena_users SET rating = $2, losses = losses + 1 WHERE id = $1`,
		loserID, loserRating); err != nil {
		return err
	}
	return tx.Commit()
}

func (p *PostgresUsers) ApplyDraw(ctx context.Context, aID, bID string, ratingA, ratingB float64) error {
	ctx, cancel := bound(ctx)
	defer cancel()
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`UPDATE arena_users SET rating = $2 WHERE id = $1`, aID, ratingA); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE arena_users SET rating = $2 WHERE id = $1`, bID, ratingB); err != nil {
		return err
	}
	return tx.Commit()
}
