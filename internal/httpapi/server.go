// Package httpapi exposes the account and matchmaking REST surface and
// mounts the websocket gateway.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/park285/chess-arena/internal/auth"
	"github.com/park285/chess-arena/internal/gateway"
	"github.com/park285/chess-arena/internal/session"
	"github.com/park285/chess-arena/internal/store"
)

type ctxKey string

const ctxUserID ctxKey = "user_id"

type Server struct {
	engine *session.Engine
	users  store.UserStore
	tokens auth.TokenStore
	ws     *gateway.Handler

	initialRating  float64
	allowedOrigins []string
}

func NewServer(engine *session.Engine, users store.UserStore, tokens auth.TokenStore, ws *gateway.Handler, initialRating float64, allowedOrigins []string) *Server {
	if initialRating <= 0 {
		initialRating = 1000
	}
	return &Server{
		engine:         engine,
		users:          users,
		tokens:         tokens,
		ws:             ws,
		initialRating:  initialRating,
		allowedOrigins: allowedOrigins,
	}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Group(func(r chi.Router) {
		r.Use(httprate.LimitByIP(20, time.Minute))
		r.Post("/register", s.handleRegister)
		r.Post("/login", s.handleLogin)
	})

	r.Get("/leaderboard", s.handleLeaderboard)
	r.Get("/games/{id}", s.handleGetGame)
	r.Get("/ws", s.ws.ServeWS)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/logout", s.handleLogout)
		r.Post("/games/start", s.handleStartGame)
	})

	return r
}

// requireAuth resolves the bearer token and stashes the user id in the
// request context.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		userID, err := s.tokens.Resolve(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "not authenticated")
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) string {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func userIDFrom(r *http.Request) string {
	v, _ := r.Context().Value(ctxUserID).(string)
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
