package gamedto

// GameSnapshot is the REST view of a game record, served for rehydration.
type GameSnapshot struct {
	ID          string   `json:"id"`
	PlayerWhite string   `json:"player_white"`
	PlayerBlack string   `json:"player_black,omitempty"`
	FEN         string   `json:"fen"`
	MovesUCI    []string `json:"moves_uci,omitempty"`
	Status      string   `json:"status"`
	ClockWhite  int      `json:"clock_white"`
	ClockBlack  int      `json:"clock_black"`
	Result      string   `json:"result,omitempty"`
}

// StartGameResponse answers POST /games/start.
type StartGameResponse struct {
	GameID string `json:"game_id"`
	Color  string `json:"color"`
}

// LeaderboardEntry is one row of GET /leaderboard.
type LeaderboardEntry struct {
	Username string  `json:"username"`
	Rating   float64 `json:"rating"`
	Wins     int     `json:"wins"`
	Losses   int     `json:"losses"`
}

// AuthResponse answers register and login.
type AuthResponse struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Token    string `json:"token,omitempty"`
}
