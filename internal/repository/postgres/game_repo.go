package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/splitgame/arena/internal/model"
)

// GameRepo handles game and game_player database operations.
type GameRepo struct {
	db *sql.DB
}

// NewGameRepo creates a GameRepo.
func NewGameRepo(db *sql.DB) *GameRepo {
	return &GameRepo{db: db}
}

// Create inserts a new game in "waiting" status.
func (r *GameRepo) Create(ctx context.Context, name, creatorID string, entryFee, maxPlayers, maxRounds int) (*model.Game, error) {
	var g model.Game
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO games (name, creator_id, entry_fee, max_players, max_rounds)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, name, creator_id, status, entry_fee, max_players, max_rounds, created_at`,
		name, creatorID, entryFee, maxPlayers, maxRounds,
	).Scan(&g.ID, &g.Name, &g.CreatorID, &g.Status, &g.EntryFee, &g.MaxPlayers, &g.MaxRounds, &g.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create game: %w", err)
	}
	return &g, nil
}

// FindByID returns a game by ID with its players, or nil when absent.
func (r *GameRepo) FindByID(ctx context.Context, id string) (*model.Game, error) {
	var g model.Game
	var winner sql.NullString
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, creator_id, status, winner, entry_fee, max_players, max_rounds,
		        created_at, started_at, finished_at
		 FROM games WHERE id = $1`, id,
	).Scan(&g.ID, &g.Name, &g.CreatorID, &g.Status, &winner, &g.EntryFee, &g.MaxPlayers, &g.MaxRounds,
		&g.CreatedAt, &g.StartedAt, &g.FinishedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find game: %w", err)
	}
	g.Winner = winner.String

	players, err := r.ListPlayers(ctx, id)
	if err != nil {
		return nil, err
	}
	g.Players = players
	return &g, nil
}

func (r *GameRepo) listByStatus(ctx context.Context, status, order string, limit int) ([]model.Game, error) {
	rows, err := r.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT id, name, creator_id, status, winner, entry_fee, max_players, max_rounds,
		        created_at, started_at, finished_at
		 FROM games WHERE status = $1 ORDER BY %s DESC LIMIT %d`, order, limit), status)
	if err != nil {
		return nil, fmt.Errorf("list %s games: %w", status, err)
	}
	defer rows.Close()

	var games []model.Game
	for rows.Next() {
		var g model.Game
		var winner sql.NullString
		if err := rows.Scan(&g.ID, &g.Name, &g.CreatorID, &g.Status, &winner, &g.EntryFee, &g.MaxPlayers, &g.MaxRounds,
			&g.CreatedAt, &g.StartedAt, &g.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan game: %w", err)
		}
		g.Winner = winner.String
		games = append(games, g)
	}
	return games, rows.Err()
}

// ListOpen returns games in "waiting" status.
func (r *GameRepo) ListOpen(ctx context.Context) ([]model.Game, error) {
	return r.listByStatus(ctx, "waiting", "created_at", 50)
}

// ListActive returns games in "active" status, used for crash recovery.
func (r *GameRepo) ListActive(ctx context.Context) ([]model.Game, error) {
	return r.listByStatus(ctx, "active", "started_at", 200)
}

// ListFinished returns finished games, most recent first.
func (r *GameRepo) ListFinished(ctx context.Context) ([]model.Game, error) {
	return r.listByStatus(ctx, "finished", "finished_at", 100)
}

// JoinGame seats a player in a waiting game.
func (r *GameRepo) JoinGame(ctx context.Context, gameID string, p model.GamePlayer) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO game_players (game_id, player_id, name, wallet, wallet_type, model, strategy_id)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''))
		 ON CONFLICT (game_id, player_id) DO NOTHING`,
		gameID, p.PlayerID, p.Name, p.Wallet, p.WalletType, p.Model, p.StrategyID)
	if err != nil {
		return fmt.Errorf("join game: %w", err)
	}
	return nil
}

// ListPlayers returns all seats for a game in join order.
func (r *GameRepo) ListPlayers(ctx context.Context, gameID string) ([]model.GamePlayer, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT game_id, player_id, name, wallet, wallet_type, model, COALESCE(strategy_id::text, ''), payout, joined_at
		 FROM game_players WHERE game_id = $1 ORDER BY joined_at`, gameID)
	if err != nil {
		return nil, fmt.Errorf("list players: %w", err)
	}
	defer rows.Close()

	var players []model.GamePlayer
	for rows.Next() {
		var p model.GamePlayer
		if err := rows.Scan(&p.GameID, &p.PlayerID, &p.Name, &p.Wallet, &p.WalletType, &p.Model, &p.StrategyID, &p.Payout, &p.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan player: %w", err)
		}
		players = append(players, p)
	}
	return players, rows.Err()
}

// PlayerCount returns how many players a game has.
func (r *GameRepo) PlayerCount(ctx context.Context, gameID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM game_players WHERE game_id = $1`, gameID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("player count: %w", err)
	}
	return n, nil
}

// SetStarted marks a game active.
func (r *GameRepo) SetStarted(ctx context.Context, gameID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE games SET status = 'active', started_at = NOW() WHERE id = $1 AND status = 'waiting'`, gameID)
	if err != nil {
		return fmt.Errorf("set started: %w", err)
	}
	return nil
}

// SetFinished marks a game finished with the winning proposer.
func (r *GameRepo) SetFinished(ctx context.Context, gameID, winner string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE games SET status = 'finished', winner = NULLIF($2, ''), finished_at = NOW() WHERE id = $1`,
		gameID, winner)
	if err != nil {
		return fmt.Errorf("set finished: %w", err)
	}
	return nil
}

// SetPayout records a player's coin payout after endgame.
func (r *GameRepo) SetPayout(ctx context.Context, gameID, playerID string, payout int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE game_players SET payout = $3 WHERE game_id = $1 AND player_id = $2`,
		gameID, playerID, payout)
	if err != nil {
		return fmt.Errorf("set payout: %w", err)
	}
	return nil
}

// Delete removes a waiting game and its seats.
func (r *GameRepo) Delete(ctx context.Context, gameID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM games WHERE id = $1 AND status = 'waiting'`, gameID)
	if err != nil {
		return fmt.Errorf("delete game: %w", err)
	}
	return nil
}
