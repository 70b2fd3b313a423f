package model

import (
	"encoding/json"
	"time"
)

// Game is the persisted record of one negotiation game.
type Game struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	CreatorID  string       `json:"creator_id"`
	Status     string       `json:"status"` // waiting, active, finished
	EntryFee   int          `json:"entry_fee"`
	MaxPlayers int          `json:"max_players"`
	MaxRounds  int          `json:"max_rounds"`
	Winner     string       `json:"winner,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	StartedAt  *time.Time   `json:"started_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	Players    []GamePlayer `json:"players,omitempty"`
	ReadyCount int          `json:"ready_count,omitempty"`
}

// GamePlayer is one seat at the table. Wallet identifies the human who
// staked the entry fee; the agent fields describe the LLM playing the seat.
type GamePlayer struct {
	GameID      string    `json:"game_id"`
	PlayerID    string    `json:"player_id"`
	Name        string    `json:"name"`
	Wallet      string    `json:"wallet,omitempty"`
	WalletType  string    `json:"wallet_type,omitempty"` // eth, sol
	Model       string    `json:"model,omitempty"`
	StrategyID  string    `json:"strategy_id,omitempty"`
	Payout      int       `json:"payout"`
	JoinedAt    time.Time `json:"joined_at"`
}

// GameRound archives one resolved round: the state snapshot going in, the
// vote totals and outcome coming out.
type GameRound struct {
	ID          string          `json:"id"`
	GameID      string          `json:"game_id"`
	Round       int             `json:"round"`
	StateBefore json.RawMessage `json:"state_before"`
	Outcome     json.RawMessage `json:"outcome,omitempty"`
	ResolvedAt  *time.Time      `json:"resolved_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Message is one archived negotiation utterance.
type Message struct {
	ID        string    `json:"id"`
	GameID    string    `json:"game_id"`
	SenderID  string    `json:"sender_id"`
	Round     int       `json:"round"`
	SubRound  int       `json:"sub_round"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Strategy is a named strategy prompt in the tournament gene pool.
type Strategy struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Text       string    `json:"text"`
	Generation int       `json:"generation"` // 0 = seed roster
	ParentID   string    `json:"parent_id,omitempty"`
	Wins       int       `json:"wins"`
	Games      int       `json:"games"`
	Retired    bool      `json:"retired"`
	CreatedAt  time.Time `json:"created_at"`
}

// TournamentSnapshot is a resumable checkpoint taken after each tournament
// game: the roster and coin balances as JSON blobs.
type TournamentSnapshot struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	GameIndex int             `json:"game_index"`
	Roster    json.RawMessage `json:"roster"`
	Balances  json.RawMessage `json:"balances"`
	CreatedAt time.Time       `json:"created_at"`
}
