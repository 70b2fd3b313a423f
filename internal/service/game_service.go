package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/splitgame/arena/internal/metrics"
	"github.com/splitgame/arena/internal/model"
	"github.com/splitgame/arena/internal/repository"
	"github.com/splitgame/arena/pkg/negotiation"
)

var (
	ErrGameNotFound   = errors.New("game not found")
	ErrGameNotWaiting = errors.New("game is not accepting players")
	ErrGameNotActive  = errors.New("game is not active")
	ErrGameFull       = errors.New("game is full")
	ErrAlreadyJoined  = errors.New("already joined this game")
	ErrNotInGame      = errors.New("you are not in this game")
	ErrNotCreator     = errors.New("only the creator can do that")
	ErrNotAllReady    = errors.New("not all players are ready")
	ErrTooFewPlayers  = errors.New("need at least 2 players to start")
	ErrStateMissing   = errors.New("live game state not found")
)

// GameService handles game lifecycle operations: lobby creation, seating,
// readiness and the handoff to the orchestrator once a game starts.
type GameService struct {
	gameRepo    repository.GameRepository
	cache       repository.GameCache
	orch        *Orchestrator
	broadcaster Broadcaster
	rules       negotiation.Rules
}

// NewGameService creates a GameService. orch may be nil in tests that never
// start a game.
func NewGameService(
	gameRepo repository.GameRepository,
	cache repository.GameCache,
	orch *Orchestrator,
	broadcaster Broadcaster,
	rules negotiation.Rules,
) *GameService {
	if broadcaster == nil {
		broadcaster = NoopBroadcaster{}
	}
	return &GameService{
		gameRepo:    gameRepo,
		cache:       cache,
		orch:        orch,
		broadcaster: broadcaster,
		rules:       rules,
	}
}

// CreateGame creates a new game in "waiting" status and seeds its lobby state.
// Zero parameters fall back to the configured defaults.
func (s *GameService) CreateGame(ctx context.Context, name, creatorID string, entryFee, maxPlayers, maxRounds int) (*model.Game, error) {
	if entryFee <= 0 {
		entryFee = s.rules.EntryFee
	}
	if maxPlayers < 2 || maxPlayers > s.rules.MaxPlayers {
		maxPlayers = s.rules.MaxPlayers
	}
	if maxRounds <= 0 {
		maxRounds = s.rules.MaxRounds
	}

	game, err := s.gameRepo.Create(ctx, name, creatorID, entryFee, maxPlayers, maxRounds)
	if err != nil {
		return nil, err
	}

	gs := negotiation.NewGameState(game.ID, maxRounds)
	if err := saveState(ctx, s.cache, gs); err != nil {
		return nil, fmt.Errorf("seed lobby state: %w", err)
	}
	return game, nil
}

// JoinGame seats an agent in a waiting game. The seat carries the agent
// configuration; the entry fee is considered escrowed on join.
func (s *GameService) JoinGame(ctx context.Context, gameID string, seat model.GamePlayer) error {
	game, err := s.gameRepo.FindByID(ctx, gameID)
	if err != nil {
		return err
	}
	if game == nil {
		return ErrGameNotFound
	}
	if game.Status != "waiting" {
		return ErrGameNotWaiting
	}
	for _, p := range game.Players {
		if p.PlayerID == seat.PlayerID {
			return ErrAlreadyJoined
		}
	}
	if len(game.Players) >= game.MaxPlayers {
		return ErrGameFull
	}

	gs, err := loadState(ctx, s.cache, gameID)
	if err != nil {
		return err
	}
	rules := gameRules(s.rules, game)
	next, err := negotiation.Transition(gs, negotiation.PlayerJoin{Player: negotiation.Player{
		ID:     seat.PlayerID,
		Name:   seat.Name,
		Status: negotiation.StatusConnected,
		Agent: negotiation.AgentProfile{
			Model:      seat.Model,
			StrategyID: seat.StrategyID,
		},
	}}, rules)
	if err != nil {
		if errors.Is(err, negotiation.ErrGameFull) {
			return ErrGameFull
		}
		return err
	}

	seat.GameID = gameID
	if err := s.gameRepo.JoinGame(ctx, gameID, seat); err != nil {
		return err
	}
	if err := saveState(ctx, s.cache, next); err != nil {
		return err
	}

	s.broadcaster.BroadcastGameEvent(gameID, "player_joined", map[string]any{
		"player_id":    seat.PlayerID,
		"name":         seat.Name,
		"player_count": len(next.Players),
		"max_players":  game.MaxPlayers,
	})
	return nil
}

// Ready marks a player ready and records their opening strategy text.
func (s *GameService) Ready(ctx context.Context, gameID, playerID, strategy string) error {
	game, err := s.gameRepo.FindByID(ctx, gameID)
	if err != nil {
		return err
	}
	if game == nil {
		return ErrGameNotFound
	}
	if game.Status != "waiting" {
		return ErrGameNotWaiting
	}

	gs, err := loadState(ctx, s.cache, gameID)
	if err != nil {
		return err
	}
	next, err := negotiation.Transition(gs, negotiation.PlayerReady{PlayerID: playerID, Strategy: strategy}, gameRules(s.rules, game))
	if err != nil {
		if errors.Is(err, negotiation.ErrUnknownPlayer) {
			return ErrNotInGame
		}
		return err
	}
	if err := s.cache.MarkReady(ctx, gameID, playerID); err != nil {
		return err
	}
	if err := saveState(ctx, s.cache, next); err != nil {
		return err
	}

	readyCount, err := s.cache.ReadyCount(ctx, gameID)
	if err != nil {
		readyCount = 0
	}
	s.broadcaster.BroadcastGameEvent(gameID, "player_ready", map[string]any{
		"player_id":    playerID,
		"ready_count":  readyCount,
		"player_count": len(next.Players),
	})
	return nil
}

// StartGame moves a waiting game into the strategy phase and launches its
// runner. Only the creator can start, and every seated player must be ready.
func (s *GameService) StartGame(ctx context.Context, gameID, playerID string) (*model.Game, error) {
	game, err := s.gameRepo.FindByID(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if game == nil {
		return nil, ErrGameNotFound
	}
	if game.Status != "waiting" {
		return nil, ErrGameNotWaiting
	}
	if game.CreatorID != playerID {
		return nil, ErrNotCreator
	}

	gs, err := loadState(ctx, s.cache, gameID)
	if err != nil {
		return nil, err
	}
	next, err := negotiation.Transition(gs, negotiation.StartGame{}, gameRules(s.rules, game))
	if err != nil {
		switch {
		case errors.Is(err, negotiation.ErrTooFewPlayers):
			return nil, ErrTooFewPlayers
		case errors.Is(err, negotiation.ErrNotAllReady):
			return nil, ErrNotAllReady
		}
		return nil, err
	}

	if err := s.gameRepo.SetStarted(ctx, gameID); err != nil {
		return nil, err
	}
	if err := saveState(ctx, s.cache, next); err != nil {
		return nil, err
	}

	metrics.GamesStarted.Inc()
	s.broadcaster.BroadcastGameEvent(gameID, "game_started", map[string]any{
		"round":        next.Round,
		"player_count": len(next.Players),
	})
	if s.orch != nil {
		s.orch.Launch(gameID)
	}
	return s.gameRepo.FindByID(ctx, gameID)
}

// GetGame returns a game by ID.
func (s *GameService) GetGame(ctx context.Context, gameID string) (*model.Game, error) {
	game, err := s.gameRepo.FindByID(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if game == nil {
		return nil, ErrGameNotFound
	}
	return game, nil
}

// GetState returns the live game state JSON for spectators and reconnects.
func (s *GameService) GetState(ctx context.Context, gameID string) (json.RawMessage, error) {
	raw, err := s.cache.GetGameState(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, ErrStateMissing
	}
	return raw, nil
}

// ListGames returns games filtered by lifecycle stage.
func (s *GameService) ListGames(ctx context.Context, filter string) ([]model.Game, error) {
	switch filter {
	case "active":
		return s.gameRepo.ListActive(ctx)
	case "finished":
		return s.gameRepo.ListFinished(ctx)
	default:
		return s.gameRepo.ListOpen(ctx)
	}
}

// DeleteGame removes a waiting game. Only the creator can delete.
func (s *GameService) DeleteGame(ctx context.Context, gameID, playerID string) error {
	game, err := s.gameRepo.FindByID(ctx, gameID)
	if err != nil {
		return err
	}
	if game == nil {
		return ErrGameNotFound
	}
	if game.Status != "waiting" {
		return ErrGameNotWaiting
	}
	if game.CreatorID != playerID {
		return ErrNotCreator
	}
	if err := s.gameRepo.Delete(ctx, gameID); err != nil {
		return err
	}
	return s.cache.DeleteGameData(ctx, gameID, playerIDsOf(game))
}

// StopGame ends an active game without a winner. Only the creator can stop.
func (s *GameService) StopGame(ctx context.Context, gameID, playerID string) (*model.Game, error) {
	game, err := s.gameRepo.FindByID(ctx, gameID)
	if err != nil {
		return nil, err
	}
	if game == nil {
		return nil, ErrGameNotFound
	}
	if game.Status != "active" {
		return nil, ErrGameNotActive
	}
	if game.CreatorID != playerID {
		return nil, ErrNotCreator
	}

	if s.orch != nil {
		s.orch.Stop(gameID)
	}
	if err := s.gameRepo.SetFinished(ctx, gameID, ""); err != nil {
		return nil, err
	}
	s.broadcaster.BroadcastGameEvent(gameID, "game_ended", map[string]any{
		"winner": "",
		"reason": "stopped",
	})
	if err := s.cache.DeleteGameData(ctx, gameID, playerIDsOf(game)); err != nil {
		return nil, err
	}
	return s.gameRepo.FindByID(ctx, gameID)
}

// gameRules overlays a game's stored parameters onto the configured rule set.
func gameRules(base negotiation.Rules, game *model.Game) negotiation.Rules {
	rules := base
	if game.MaxPlayers > 0 {
		rules.MaxPlayers = game.MaxPlayers
	}
	if game.EntryFee > 0 {
		rules.EntryFee = game.EntryFee
	}
	if game.MaxRounds > 0 {
		rules.MaxRounds = game.MaxRounds
	}
	return rules
}

func playerIDsOf(game *model.Game) []string {
	ids := make([]string, 0, len(game.Players))
	for _, p := range game.Players {
		ids = append(ids, p.PlayerID)
	}
	return ids
}

// loadState reads and decodes the live game state from the cache.
func loadState(ctx context.Context, cache repository.GameCache, gameID string) (*negotiation.GameState, error) {
	raw, err := cache.GetGameState(ctx, gameID)
	if err != nil {
		return nil, fmt.Errorf("get game state: %w", err)
	}
	if raw == nil {
		return nil, ErrStateMissing
	}
	var gs negotiation.GameState
	if err := json.Unmarshal(raw, &gs); err != nil {
		return nil, fmt.Errorf("unmarshal game state: %w", err)
	}
	return &gs, nil
}

// saveState encodes and writes the live game state to the cache.
func saveState(ctx context.Context, cache repository.GameCache, gs *negotiation.GameState) error {
	raw, err := json.Marshal(gs)
	if err != nil {
		return fmt.Errorf("marshal game state: %w", err)
	}
	return cache.SetGameState(ctx, gs.GameID, raw)
}
