package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/splitgame/arena/internal/model"
)

// StrategyRepo persists the tournament gene pool and run checkpoints.
type StrategyRepo struct {
	db *sql.DB
}

// NewStrategyRepo creates a StrategyRepo.
func NewStrategyRepo(db *sql.DB) *StrategyRepo {
	return &StrategyRepo{db: db}
}

// Create inserts a strategy.
func (r *StrategyRepo) Create(ctx context.Context, s model.Strategy) (*model.Strategy, error) {
	var out model.Strategy
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO strategies (name, text, generation, parent_id)
		 VALUES ($1, $2, $3, NULLIF($4, '')::uuid)
		 RETURNING id, name, text, generation, COALESCE(parent_id::text, ''), wins, games, retired, created_at`,
		s.Name, s.Text, s.Generation, s.ParentID,
	).Scan(&out.ID, &out.Name, &out.Text, &out.Generation, &out.ParentID, &out.Wins, &out.Games, &out.Retired, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create strategy: %w", err)
	}
	return &out, nil
}

// FindByID returns a strategy, or nil when absent.
func (r *StrategyRepo) FindByID(ctx context.Context, id string) (*model.Strategy, error) {
	var s model.Strategy
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, text, generation, COALESCE(parent_id::text, ''), wins, games, retired, created_at
		 FROM strategies WHERE id = $1`, id,
	).Scan(&s.ID, &s.Name, &s.Text, &s.Generation, &s.ParentID, &s.Wins, &s.Games, &s.Retired, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find strategy: %w", err)
	}
	return &s, nil
}

// ListActive returns non-retired strategies, oldest first.
func (r *StrategyRepo) ListActive(ctx context.Context) ([]model.Strategy, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, name, text, generation, COALESCE(parent_id::text, ''), wins, games, retired, created_at
		 FROM strategies WHERE NOT retired ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}
	defer rows.Close()

	var out []model.Strategy
	for rows.Next() {
		var s model.Strategy
		if err := rows.Scan(&s.ID, &s.Name, &s.Text, &s.Generation, &s.ParentID, &s.Wins, &s.Games, &s.Retired, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// RecordResult bumps a strategy's game and win counters.
func (r *StrategyRepo) RecordResult(ctx context.Context, id string, won bool) error {
	wins := 0
	if won {
		wins = 1
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE strategies SET games = games + 1, wins = wins + $2 WHERE id = $1`, id, wins)
	if err != nil {
		return fmt.Errorf("record result: %w", err)
	}
	return nil
}

// Retire takes a strategy out of the active pool.
func (r *StrategyRepo) Retire(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE strategies SET retired = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("retire strategy: %w", err)
	}
	return nil
}

// SaveSnapshot checkpoints a tournament run after one game.
func (r *StrategyRepo) SaveSnapshot(ctx context.Context, s model.TournamentSnapshot) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tournament_snapshots (run_id, game_index, roster, balances)
		 VALUES ($1, $2, $3, $4)`,
		s.RunID, s.GameIndex, []byte(s.Roster), []byte(s.Balances))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the newest checkpoint for a run, or nil.
func (r *StrategyRepo) LatestSnapshot(ctx context.Context, runID string) (*model.TournamentSnapshot, error) {
	var s model.TournamentSnapshot
	var roster, balances []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT id, run_id, game_index, roster, balances, created_at
		 FROM tournament_snapshots WHERE run_id = $1 ORDER BY game_index DESC LIMIT 1`, runID,
	).Scan(&s.ID, &s.RunID, &s.GameIndex, &roster, &balances, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest snapshot: %w", err)
	}
	s.Roster = roster
	s.Balances = balances
	return &s, nil
}
