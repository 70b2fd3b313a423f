package handler

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/splitgame/arena/internal/auth"
)

// AuthHandler handles wallet-signature login and token refresh.
type AuthHandler struct {
	jwtMgr   *auth.JWTManager
	verifier auth.WalletVerifier
}

// NewAuthHandler creates an AuthHandler.
func NewAuthHandler(jwtMgr *auth.JWTManager, verifier auth.WalletVerifier) *AuthHandler {
	return &AuthHandler{jwtMgr: jwtMgr, verifier: verifier}
}

// Challenge handles GET /api/v1/auth/challenge?player_id=...
// Returns the canonical message the client's wallet must sign.
func (h *AuthHandler) Challenge(w http.ResponseWriter, r *http.Request) {
	playerID := r.URL.Query().Get("player_id")
	if playerID == "" {
		writeError(w, http.StatusBadRequest, "player_id is required")
		return
	}

	issuedAt := time.Now()
	writeJSON(w, http.StatusOK, map[string]any{
		"message":   auth.ChallengeMessage(playerID, issuedAt),
		"issued_at": issuedAt.Unix(),
	})
}

// Login handles POST /api/v1/auth/login
// The client signs the challenge with its wallet and trades the signature
// for a token pair.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PlayerID   string `json:"player_id"`
		Wallet     string `json:"wallet"`
		WalletType string `json:"wallet_type"`
		IssuedAt   int64  `json:"issued_at"`
		Signature  string `json:"signature"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.PlayerID == "" || req.Wallet == "" || req.Signature == "" {
		writeError(w, http.StatusBadRequest, "player_id, wallet and signature are required")
		return
	}

	issuedAt := time.Unix(req.IssuedAt, 0)
	if !auth.CheckChallengeAge(issuedAt) {
		writeError(w, http.StatusUnauthorized, "challenge expired")
		return
	}

	msg := auth.ChallengeMessage(req.PlayerID, issuedAt)
	if !h.verifier.Verify(req.WalletType, req.Wallet, msg, req.Signature) {
		log.Warn().Str("playerId", req.PlayerID).Str("walletType", req.WalletType).Msg("Login signature rejected")
		writeError(w, http.StatusUnauthorized, "invalid wallet signature")
		return
	}

	pair, err := h.jwtMgr.GenerateTokenPair(req.PlayerID, req.Wallet, req.WalletType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue tokens")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// Refresh handles POST /api/v1/auth/refresh
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeJSON(r, &req); err != nil || req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "refresh_token is required")
		return
	}

	claims, err := h.jwtMgr.ValidateToken(req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired refresh token")
		return
	}

	pair, err := h.jwtMgr.GenerateTokenPair(claims.PlayerID, claims.Wallet, claims.WalletType)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue tokens")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}
