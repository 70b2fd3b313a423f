package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/splitgame/arena/internal/model"
)

// GameRepository defines game and seat persistence.
type GameRepository interface {
	Create(ctx context.Context, name, creatorID string, entryFee, maxPlayers, maxRounds int) (*model.Game, error)
	FindByID(ctx context.Context, id string) (*model.Game, error)
	ListOpen(ctx context.Context) ([]model.Game, error)
	ListActive(ctx context.Context) ([]model.Game, error)
	ListFinished(ctx context.Context) ([]model.Game, error)
	JoinGame(ctx context.Context, gameID string, p model.GamePlayer) error
	ListPlayers(ctx context.Context, gameID string) ([]model.GamePlayer, error)
	PlayerCount(ctx context.Context, gameID string) (int, error)
	SetStarted(ctx context.Context, gameID string) error
	SetFinished(ctx context.Context, gameID, winner string) error
	SetPayout(ctx context.Context, gameID, playerID string, payout int) error
	Delete(ctx context.Context, gameID string) error
}

// RoundRepository archives resolved rounds and negotiation messages.
type RoundRepository interface {
	CreateRound(ctx context.Context, gameID string, round int, stateBefore json.RawMessage) (*model.GameRound, error)
	ResolveRound(ctx context.Context, roundID string, outcome json.RawMessage) error
	ListRounds(ctx context.Context, gameID string) ([]model.GameRound, error)
	SaveMessage(ctx context.Context, m model.Message) (*model.Message, error)
	ListMessages(ctx context.Context, gameID string) ([]model.Message, error)
}

// StrategyRepository persists the tournament gene pool and checkpoints.
type StrategyRepository interface {
	Create(ctx context.Context, s model.Strategy) (*model.Strategy, error)
	FindByID(ctx context.Context, id string) (*model.Strategy, error)
	ListActive(ctx context.Context) ([]model.Strategy, error)
	RecordResult(ctx context.Context, id string, won bool) error
	Retire(ctx context.Context, id string) error
	SaveSnapshot(ctx context.Context, s model.TournamentSnapshot) error
	LatestSnapshot(ctx context.Context, runID string) (*model.TournamentSnapshot, error)
}

// GameCache defines live game state operations (Redis).
type GameCache interface {
	SetGameState(ctx context.Context, gameID string, state json.RawMessage) error
	GetGameState(ctx context.Context, gameID string) (json.RawMessage, error)
	MarkReady(ctx context.Context, gameID, playerID string) error
	UnmarkReady(ctx context.Context, gameID, playerID string) error
	ReadyCount(ctx context.Context, gameID string) (int64, error)
	ReadyPlayers(ctx context.Context, gameID string) ([]string, error)
	SetPresence(ctx context.Context, gameID, playerID string) error
	ClearPresence(ctx context.Context, gameID, playerID string) error
	SetDisconnectTimer(ctx context.Context, gameID, playerID string, deadline time.Time) error
	ClearDisconnectTimer(ctx context.Context, gameID, playerID string) error
	HasDisconnectTimer(ctx context.Context, gameID, playerID string) (bool, error)
	DeleteGameData(ctx context.Context, gameID string, playerIDs []string) error
}
