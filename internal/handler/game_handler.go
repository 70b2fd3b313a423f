package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/splitgame/arena/internal/auth"
	"github.com/splitgame/arena/internal/model"
	"github.com/splitgame/arena/internal/repository"
	"github.com/splitgame/arena/internal/service"
	"github.com/splitgame/arena/pkg/negotiation"
)

// GameHandler handles game lifecycle endpoints.
type GameHandler struct {
	gameSvc  *service.GameService
	rounds   repository.RoundRepository
	verifier auth.WalletVerifier
	wsHub    *Hub
}

// NewGameHandler creates a GameHandler.
func NewGameHandler(gameSvc *service.GameService, rounds repository.RoundRepository, verifier auth.WalletVerifier, wsHub *Hub) *GameHandler {
	return &GameHandler{gameSvc: gameSvc, rounds: rounds, verifier: verifier, wsHub: wsHub}
}

// CreateGame handles POST /api/v1/games
func (h *GameHandler) CreateGame(w http.ResponseWriter, r *http.Request) {
	playerID := auth.PlayerIDFromContext(r.Context())
	var req struct {
		Name       string `json:"name"`
		EntryFee   int    `json:"entry_fee,omitempty"`
		MaxPlayers int    `json:"max_players,omitempty"`
		MaxRounds  int    `json:"max_rounds,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	game, err := h.gameSvc.CreateGame(r.Context(), req.Name, playerID, req.EntryFee, req.MaxPlayers, req.MaxRounds)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, game)
}

// ListGames handles GET /api/v1/games
func (h *GameHandler) ListGames(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("filter")
	games, err := h.gameSvc.ListGames(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if games == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, games)
}

// GetGame handles GET /api/v1/games/{id}
func (h *GameHandler) GetGame(w http.ResponseWriter, r *http.Request) {
	gameID := r.PathValue("id")
	game, err := h.gameSvc.GetGame(r.Context(), gameID)
	if err != nil {
		if errors.Is(err, service.ErrGameNotFound) {
			writeError(w, http.StatusNotFound, "game not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if game.Status == "waiting" {
		if gs := h.liveState(r, gameID); gs != nil {
			for _, p := range gs.Players {
				if p.Ready {
					game.ReadyCount++
				}
			}
		}
	}

	writeJSON(w, http.StatusOK, game)
}

// GetState handles GET /api/v1/games/{id}/state
func (h *GameHandler) GetState(w http.ResponseWriter, r *http.Request) {
	gameID := r.PathValue("id")
	raw, err := h.gameSvc.GetState(r.Context(), gameID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrGameNotFound) {
			status = http.StatusNotFound
		} else if errors.Is(err, service.ErrStateMissing) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

// JoinGame handles POST /api/v1/games/{id}/join
func (h *GameHandler) JoinGame(w http.ResponseWriter, r *http.Request) {
	gameID := r.PathValue("id")
	playerID := auth.PlayerIDFromContext(r.Context())

	var req struct {
		Name       string `json:"name"`
		Wallet     string `json:"wallet,omitempty"`
		WalletType string `json:"wallet_type,omitempty"`
		Model      string `json:"model,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		req.Name = playerID
	}

	seat := model.GamePlayer{
		GameID:     gameID,
		PlayerID:   playerID,
		Name:       req.Name,
		Wallet:     req.Wallet,
		WalletType: req.WalletType,
		Model:      req.Model,
	}
	if err := h.gameSvc.JoinGame(r.Context(), gameID, seat); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrGameNotFound) {
			status = http.StatusNotFound
		} else if errors.Is(err, service.ErrGameFull) || errors.Is(err, service.ErrGameNotWaiting) || errors.Is(err, service.ErrAlreadyJoined) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "joined"})
}

// Ready handles POST /api/v1/games/{id}/ready
//
// Readiness commits the entry fee, so a seat that joined with a wallet must
// present a fresh challenge signature here. Seats without a wallet (local
// play, tests) skip verification.
func (h *GameHandler) Ready(w http.ResponseWriter, r *http.Request) {
	gameID := r.PathValue("id")
	playerID := auth.PlayerIDFromContext(r.Context())

	var req struct {
		Strategy  string `json:"strategy"`
		IssuedAt  int64  `json:"issued_at,omitempty"`
		Signature string `json:"signature,omitempty"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Strategy == "" {
		writeError(w, http.StatusBadRequest, "strategy is required")
		return
	}

	game, err := h.gameSvc.GetGame(r.Context(), gameID)
	if err != nil {
		if errors.Is(err, service.ErrGameNotFound) {
			writeError(w, http.StatusNotFound, "game not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	var seat *model.GamePlayer
	for i := range game.Players {
		if game.Players[i].PlayerID == playerID {
			seat = &game.Players[i]
			break
		}
	}
	if seat == nil {
		writeError(w, http.StatusForbidden, "you are not in this game")
		return
	}

	if seat.Wallet != "" {
		issuedAt := time.Unix(req.IssuedAt, 0)
		if !auth.CheckChallengeAge(issuedAt) {
			writeError(w, http.StatusUnauthorized, "challenge expired")
			return
		}
		msg := auth.ChallengeMessage(playerID, issuedAt)
		if !h.verifier.Verify(seat.WalletType, seat.Wallet, msg, req.Signature) {
			writeError(w, http.StatusUnauthorized, "invalid wallet signature")
			return
		}
	}

	if err := h.gameSvc.Ready(r.Context(), gameID, playerID, req.Strategy); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrGameNotFound) {
			status = http.StatusNotFound
		} else if errors.Is(err, service.ErrGameNotWaiting) {
			status = http.StatusBadRequest
		} else if errors.Is(err, service.ErrNotInGame) {
			status = http.StatusForbidden
		}
		writeError(w, status, err.Error())
		return
	}

	h.wsHub.BroadcastToGame(gameID, WSEvent{
		Type:   EventPlayerReady,
		GameID: gameID,
		Data:   map[string]string{"player_id": playerID},
	})

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// StartGame handles POST /api/v1/games/{id}/start
func (h *GameHandler) StartGame(w http.ResponseWriter, r *http.Request) {
	gameID := r.PathValue("id")
	playerID := auth.PlayerIDFromContext(r.Context())

	game, err := h.gameSvc.StartGame(r.Context(), gameID, playerID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrGameNotFound) {
			status = http.StatusNotFound
		} else if errors.Is(err, service.ErrGameNotWaiting) || errors.Is(err, service.ErrNotAllReady) || errors.Is(err, service.ErrTooFewPlayers) {
			status = http.StatusBadRequest
		} else if errors.Is(err, service.ErrNotCreator) {
			status = http.StatusForbidden
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, game)
}

// StopGame handles POST /api/v1/games/{id}/stop
func (h *GameHandler) StopGame(w http.ResponseWriter, r *http.Request) {
	gameID := r.PathValue("id")
	playerID := auth.PlayerIDFromContext(r.Context())

	game, err := h.gameSvc.StopGame(r.Context(), gameID, playerID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrGameNotFound) {
			status = http.StatusNotFound
		} else if errors.Is(err, service.ErrGameNotActive) {
			status = http.StatusBadRequest
		} else if errors.Is(err, service.ErrNotCreator) {
			status = http.StatusForbidden
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, game)
}

// DeleteGame handles DELETE /api/v1/games/{id}
func (h *GameHandler) DeleteGame(w http.ResponseWriter, r *http.Request) {
	gameID := r.PathValue("id")
	playerID := auth.PlayerIDFromContext(r.Context())

	if err := h.gameSvc.DeleteGame(r.Context(), gameID, playerID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, service.ErrGameNotFound) {
			status = http.StatusNotFound
		} else if errors.Is(err, service.ErrGameNotWaiting) {
			status = http.StatusBadRequest
		} else if errors.Is(err, service.ErrNotCreator) {
			status = http.StatusForbidden
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// ListRounds handles GET /api/v1/games/{id}/rounds
func (h *GameHandler) ListRounds(w http.ResponseWriter, r *http.Request) {
	gameID := r.PathValue("id")
	rounds, err := h.rounds.ListRounds(r.Context(), gameID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rounds == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, rounds)
}

// ListMessages handles GET /api/v1/games/{id}/messages
func (h *GameHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	gameID := r.PathValue("id")
	messages, err := h.rounds.ListMessages(r.Context(), gameID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if messages == nil {
		writeJSON(w, http.StatusOK, []struct{}{})
		return
	}
	writeJSON(w, http.StatusOK, messages)
}

// liveState loads and decodes the cached game state, or nil.
func (h *GameHandler) liveState(r *http.Request, gameID string) *negotiation.GameState {
	raw, err := h.gameSvc.GetState(r.Context(), gameID)
	if err != nil {
		return nil
	}
	var gs negotiation.GameState
	if err := json.Unmarshal(raw, &gs); err != nil {
		return nil
	}
	return &gs
}
