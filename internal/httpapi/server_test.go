package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/park285/chess-arena/internal/auth"
	"github.com/park285/chess-arena/internal/broadcast"
	"github.com/park285/chess-arena/internal/domain"
	"github.com/park285/chess-arena/internal/gateway"
	"github.com/park285/chess-arena/internal/session"
	"github.com/park285/chess-arena/internal/store"
	"github.com/park285/chess-arena/pkg/gamedto"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	games := store.NewMemoryGames()
	users := store.NewMemoryUsers()
	tokens := auth.NewMemoryTokens(time.Hour)
	hub := broadcast.NewHub()
	engine := session.NewEngine(games, users, hub, 600, 32)
	ws := gateway.NewHandler(engine, hub, tokens)
	srv := NewServer(engine, users, tokens, ws, 1000, []string{"*"})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url, token string, body, out any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp
}

func registerAndLogin(t *testing.T, ts *httptest.Server, username string) string {
	t.Helper()
	creds := map[string]string{"username": username, "password": "secret1"}
	if resp := doJSON(t, http.MethodPost, ts.URL+"/register", "", creds, nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("register %s: status %d", username, resp.StatusCode)
	}
	var authResp gamedto.AuthResponse
	if resp := doJSON(t, http.MethodPost, ts.URL+"/login", "", creds, &authResp); resp.StatusCode != http.StatusOK {
		t.Fatalf("login %s: status %d", username, resp.StatusCode)
	}
	if authResp.Token == "" {
		t.Fatalf("login %s: empty token", username)
	}
	return authResp.Token
}

func TestRegisterValidation(t *testing.T) {
	ts := newTestServer(t)
	creds := map[string]string{"username": "alice", "password": "secret1"}
	if resp := doJSON(t, http.MethodPost, ts.URL+"/register", "", creds, nil); resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: status %d", resp.StatusCode)
	}
	if resp := doJSON(t, http.MethodPost, ts.URL+"/register", "", creds, nil); resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate register: status %d, want 409", resp.StatusCode)
	}
	short := map[string]string{"username": "bob", "password": "ab"}
	if resp := doJSON(t, http.MethodPost, ts.URL+"/register", "", short, nil); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("short password: status %d, want 400", resp.StatusCode)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	ts := newTestServer(t)
	registerAndLogin(t, ts, "alice")
	bad := map[string]string{"username": "alice", "password": "wrong"}
	if resp := doJSON(t, http.MethodPost, ts.URL+"/login", "", bad, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad password: status %d, want 401", resp.StatusCode)
	}
	unknown := map[string]string{"username": "nobody", "password": "secret1"}
	if resp := doJSON(t, http.MethodPost, ts.URL+"/login", "", unknown, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unknown user: status %d, want 401", resp.StatusCode)
	}
}

func TestStartGamePairsTwoPlayers(t *testing.T) {
	ts := newTestServer(t)
	tokenA := registerAndLogin(t, ts, "alice")
	tokenB := registerAndLogin(t, ts, "bob")

	var first gamedto.StartGameResponse
	if resp := doJSON(t, http.MethodPost, ts.URL+"/games/start", tokenA, nil, &first); resp.StatusCode != http.StatusOK {
		t.Fatalf("first start: status %d", resp.StatusCode)
	}
	if first.Color != "white" {
		t.Fatalf("first color = %s, want white", first.Color)
	}

	var second gamedto.StartGameResponse
	if resp := doJSON(t, http.MethodPost, ts.URL+"/games/start", tokenB, nil, &second); resp.StatusCode != http.StatusOK {
		t.Fatalf("second start: status %d", resp.StatusCode)
	}
	if second.Color != "black" || second.GameID != first.GameID {
		t.Fatalf("second = %+v, want black in game %s", second, first.GameID)
	}

	var snap gamedto.GameSnapshot
	if resp := doJSON(t, http.MethodGet, ts.URL+"/games/"+first.GameID, "", nil, &snap); resp.StatusCode != http.StatusOK {
		t.Fatalf("snapshot: status %d", resp.StatusCode)
	}
	if snap.Status != "active" || snap.ClockWhite != 600 || snap.ClockBlack != 600 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestStartGameRequiresAuth(t *testing.T) {
	ts := newTestServer(t)
	if resp := doJSON(t, http.MethodPost, ts.URL+"/games/start", "", nil, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated start: status %d, want 401", resp.StatusCode)
	}
	if resp := doJSON(t, http.MethodPost, ts.URL+"/games/start", "bogus-token", nil, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bogus token start: status %d, want 401", resp.StatusCode)
	}
}

func TestLogoutRevokesToken(t *testing.T) {
	ts := newTestServer(t)
	token := registerAndLogin(t, ts, "alice")
	if resp := doJSON(t, http.MethodPost, ts.URL+"/logout", token, nil, nil); resp.StatusCode != http.StatusNoContent {
		t.Fatalf("logout: status %d, want 204", resp.StatusCode)
	}
	if resp := doJSON(t, http.MethodPost, ts.URL+"/games/start", token, nil, nil); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked token start: status %d, want 401", resp.StatusCode)
	}
}

func TestLeaderboardTopTen(t *testing.T) {
	ts := newTestServer(t)
	registerAndLogin(t, ts, "alice")
	registerAndLogin(t, ts, "bob")

	var entries []gamedto.LeaderboardEntry
	if resp := doJSON(t, http.MethodGet, ts.URL+"/leaderboard", "", nil, &entries); resp.StatusCode != http.StatusOK {
		t.Fatalf("leaderboard: status %d", resp.StatusCode)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Rating != 1000 {
			t.Fatalf("fresh rating = %v, want 1000", e.Rating)
		}
	}
}

// failingGames simulates a game store outage.
type failingGames struct{}

var errStoreDown = errors.New("store down")

func (failingGames) Create(context.Context, *domain.Game) error { return errStoreDown }
func (failingGames) Get(context.Context, string) (*domain.Game, error) {
	return nil, errStoreDown
}
func (failingGames) FindWaiting(context.Context) (*domain.Game, error) {
	return nil, errStoreDown
}
func (failingGames) Update(context.Context, *domain.Game) error { return errStoreDown }
func (failingGames) Finish(context.Context, string, domain.Result) error {
	return errStoreDown
}

func TestStartGameStoreOutageIsRetryable(t *testing.T) {
	users := store.NewMemoryUsers()
	tokens := auth.NewMemoryTokens(time.Hour)
	hub := broadcast.NewHub()
	engine := session.NewEngine(failingGames{}, users, hub, 600, 32)
	ws := gateway.NewHandler(engine, hub, tokens)
	srv := NewServer(engine, users, tokens, ws, 1000, []string{"*"})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	token := registerAndLogin(t, ts, "alice")
	if resp := doJSON(t, http.MethodPost, ts.URL+"/games/start", token, nil, nil); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("store outage start: status %d, want 503", resp.StatusCode)
	}
}

func TestGetUnknownGame(t *testing.T) {
	ts := newTestServer(t)
	if resp := doJSON(t, http.MethodGet, ts.URL+"/games/does-not-exist", "", nil, nil); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown game: status %d, want 404", resp.StatusCode)
	}
}
