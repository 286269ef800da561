package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/chess-arena/internal/auth"
	"github.com/park285/chess-arena/internal/domain"
	"github.com/park285/chess-arena/internal/obslog"
	"github.com/park285/chess-arena/internal/session"
	"github.com/park285/chess-arena/internal/store"
	"github.com/park285/chess-arena/pkg/gamedto"
)

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || len(req.Password) < 4 {
		writeError(w, http.StatusBadRequest, "username and password (4+ chars) required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	u := &domain.User{
		ID:           uuid.NewString(),
		Username:     req.Username,
		PasswordHash: hash,
		Rating:       s.initialRating,
	}
	if err := s.users.Create(r.Context(), u); err != nil {
		if errors.Is(err, store.ErrDuplicateUsername) {
			writeError(w, http.StatusConflict, "username already taken")
			return
		}
		obslog.L().Error("register_error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	obslog.L().Info("user_register", zap.String("user_id", u.ID), zap.String("username", u.Username))
	writeJSON(w, http.StatusCreated, gamedto.AuthResponse{UserID: u.ID, Username: u.Username})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	u, err := s.users.GetByUsername(r.Context(), strings.TrimSpace(req.Username))
	if err != nil || !auth.CheckPassword(u.PasswordHash, req.Password) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := s.tokens.Issue(r.Context(), u.ID)
	if err != nil {
		obslog.L().Error("login_token_error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	obslog.L().Info("user_login", zap.String("user_id", u.ID))
	writeJSON(w, http.StatusOK, gamedto.AuthResponse{UserID: u.ID, Username: u.Username, Token: token})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if token := bearerToken(r); token != "" {
		if err := s.tokens.Revoke(r.Context(), token); err != nil {
			obslog.L().Warn("logout_error", zap.Error(err))
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	users, err := s.users.Leaderboard(r.Context(), 10)
	if err != nil {
		obslog.L().Error("leaderboard_error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	entries := make([]gamedto.LeaderboardEntry, 0, len(users))
	for _, u := range users {
		entries = append(entries, gamedto.LeaderboardEntry{
			Username: u.Username,
			Rating:   u.Rating,
			Wins:     u.Wins,
			Losses:   u.Losses,
		})
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleStartGame(w http.ResponseWriter, r *http.Request) {
	g, color, err := s.engine.StartOrJoin(r.Context(), userIDFrom(r))
	if err != nil {
		if errors.Is(err, session.ErrNotAuthenticated) {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		// store failures are retryable, tell the client so
		obslog.L().Error("start_game_error", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
		return
	}
	writeJSON(w, http.StatusOK, gamedto.StartGameResponse{GameID: g.ID, Color: string(color)})
}

func (s *Server) handleGetGame(w http.ResponseWriter, r *http.Request) {
	g, err := s.engine.Snapshot(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, "game not found")
		return
	}
	writeJSON(w, http.StatusOK, gamedto.GameSnapshot{
		ID:          g.ID,
		PlayerWhite: g.PlayerWhite,
		PlayerBlack: g.PlayerBlack,
		FEN:         g.FEN,
		MovesUCI:    g.MovesUCI,
		Status:      string(g.Status),
		ClockWhite:  g.ClockWhite,
		ClockBlack:  g.ClockBlack,
		Result:      string(g.Result),
	})
}
