package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/auth"
	"github.com/park285/chess-arena/internal/broadcast"
	"github.com/park285/chess-arena/internal/config"
	"github.com/park285/chess-arena/internal/gateway"
	"github.com/park285/chess-arena/internal/httpapi"
	"github.com/park285/chess-arena/internal/obslog"
	"github.com/park285/chess-arena/internal/session"
	"github.com/park285/chess-arena/internal/store"
)

func main() {
	_ = godotenv.Load()

	if err := obslog.InitFromEnv(); err != nil {
		os.Stderr.WriteString("logger init: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = obslog.L().Sync() }()

	cfg, err := config.Load()
	if err != nil {
		obslog.L().Fatal("config_load_error", zap.Error(err))
	}

	var (
		games store.GameStore
		users store.UserStore
	)
	if cfg.DatabaseURL != "" {
		pg, err := store.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			obslog.L().Fatal("postgres_open_error", zap.Error(err))
		}
		defer pg.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := pg.EnsureSchema(ctx); err != nil {
			cancel()
			obslog.L().Fatal("postgres_schema_error", zap.Error(err))
		}
		cancel()
		games = pg.Games()
		users = pg.Users()
		obslog.L().Info("store_postgres")
	} else {
		games = store.NewMemoryGames()
		users = store.NewMemoryUsers()
		obslog.L().Warn("store_memory", zap.String("reason", "DATABASE_URL not set"))
	}

	tokenTTL := time.Duration(cfg.TokenTTLSec) * time.Second
	var tokens auth.TokenStore
	if cfg.RedisURL != "" {
		rt, err := auth.NewRedisTokens(cfg.RedisURL, tokenTTL)
		if err != nil {
			obslog.L().Fatal("redis_open_error", zap.Error(err))
		}
		defer rt.Close()
		tokens = rt
		obslog.L().Info("tokens_redis")
	} else {
		tokens = auth.NewMemoryTokens(tokenTTL)
		obslog.L().Warn("tokens_memory", zap.String("reason", "REDIS_URL not set"))
	}

	hub := broadcast.NewHub()
	engine := session.NewEngine(games, users, hub, cfg.ClockSeconds, cfg.EloK)
	ws := gateway.NewHandler(engine, hub, tokens)
	api := httpapi.NewServer(engine, users, tokens, ws, cfg.InitialRating, cfg.AllowedOrigins)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		obslog.L().Info("server_listen", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obslog.L().Fatal("server_error", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	obslog.L().Info("server_shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		obslog.L().Error("server_shutdown_error", zap.Error(err))
	}
}
