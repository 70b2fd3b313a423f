package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/splitgame/arena/internal/model"
)

// RoundRepo archives resolved rounds and negotiation messages.
type RoundRepo struct {
	db *sql.DB
}

// NewRoundRepo creates a RoundRepo.
func NewRoundRepo(db *sql.DB) *RoundRepo {
	return &RoundRepo{db: db}
}

// CreateRound records the state snapshot a round started from.
func (r *RoundRepo) CreateRound(ctx context.Context, gameID string, round int, stateBefore json.RawMessage) (*model.GameRound, error) {
	var gr model.GameRound
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO game_rounds (game_id, round, state_before)
		 VALUES ($1, $2, $3)
		 RETURNING id, game_id, round, state_before, created_at`,
		gameID, round, []byte(stateBefore),
	).Scan(&gr.ID, &gr.GameID, &gr.Round, &gr.StateBefore, &gr.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create round: %w", err)
	}
	return &gr, nil
}

// ResolveRound attaches the outcome to a round.
func (r *RoundRepo) ResolveRound(ctx context.Context, roundID string, outcome json.RawMessage) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE game_rounds SET outcome = $2, resolved_at = NOW() WHERE id = $1`,
		roundID, []byte(outcome))
	if err != nil {
		return fmt.Errorf("resolve round: %w", err)
	}
	return nil
}

// ListRounds returns a game's rounds in play order.
func (r *RoundRepo) ListRounds(ctx context.Context, gameID string) ([]model.GameRound, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, game_id, round, state_before, outcome, resolved_at, created_at
		 FROM game_rounds WHERE game_id = $1 ORDER BY round`, gameID)
	if err != nil {
		return nil, fmt.Errorf("list rounds: %w", err)
	}
	defer rows.Close()

	var rounds []model.GameRound
	for rows.Next() {
		var gr model.GameRound
		var outcome []byte
		if err := rows.Scan(&gr.ID, &gr.GameID, &gr.Round, &gr.StateBefore, &outcome, &gr.ResolvedAt, &gr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan round: %w", err)
		}
		gr.Outcome = outcome
		rounds = append(rounds, gr)
	}
	return rounds, rows.Err()
}

// SaveMessage archives one negotiation utterance.
func (r *RoundRepo) SaveMessage(ctx context.Context, m model.Message) (*model.Message, error) {
	var out model.Message
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO messages (game_id, sender_id, round, sub_round, content)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, game_id, sender_id, round, sub_round, content, created_at`,
		m.GameID, m.SenderID, m.Round, m.SubRound, m.Content,
	).Scan(&out.ID, &out.GameID, &out.SenderID, &out.Round, &out.SubRound, &out.Content, &out.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("save message: %w", err)
	}
	return &out, nil
}

// ListMessages returns a game's transcript in order.
func (r *RoundRepo) ListMessages(ctx context.Context, gameID string) ([]model.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, game_id, sender_id, round, sub_round, content, created_at
		 FROM messages WHERE game_id = $1 ORDER BY created_at`, gameID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.GameID, &m.SenderID, &m.Round, &m.SubRound, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
