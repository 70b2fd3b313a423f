package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gorilla/websocket"
	"github.com/splitgame/arena/internal/auth"
	"github.com/splitgame/arena/internal/service"
	"github.com/splitgame/arena/pkg/negotiation"
)

const (
	writeWait   = 10 * time.Second
	pongWait    = 60 * time.Second
	pingPeriod  = 54 * time.Second // Must be less than pongWait
	maxMsgSize  = 4096
	sendBufSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS handled by middleware; tighten in production
	},
}

// WSHandler handles WebSocket connections. Subscribing to a game emits the
// current state immediately; a seated player's subscription also counts as
// presence, so closing the socket starts their disconnect timer.
type WSHandler struct {
	hub     *Hub
	jwtMgr  *auth.JWTManager
	gameSvc *service.GameService
	orch    *service.Orchestrator
}

// NewWSHandler creates a WSHandler.
func NewWSHandler(hub *Hub, jwtMgr *auth.JWTManager, gameSvc *service.GameService, orch *service.Orchestrator) *WSHandler {
	return &WSHandler{hub: hub, jwtMgr: jwtMgr, gameSvc: gameSvc, orch: orch}
}

// ServeWS handles GET /api/v1/ws — upgrades to WebSocket.
// Auth via ?token= query parameter (WebSocket can't send headers).
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, `{"error":"missing token parameter"}`, http.StatusUnauthorized)
		return
	}

	claims, err := h.jwtMgr.ValidateToken(tokenStr)
	if err != nil {
		http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	client := &WSConn{
		conn:     conn,
		playerID: claims.PlayerID,
		send:     make(chan []byte, sendBufSize),
	}
	h.hub.Register(client)

	// Send a welcome message so the client can confirm the connection is live.
	welcome, _ := json.Marshal(WSEvent{Type: EventConnected, Data: map[string]any{}})
	client.send <- welcome

	go h.writePump(client)
	go h.readPump(client)

	log.Info().Str("playerId", claims.PlayerID).Int("total", h.hub.ConnectionCount()).Msg("WebSocket client connected")
}

// readPump reads messages from the WebSocket connection.
func (h *WSHandler) readPump(c *WSConn) {
	defer func() {
		h.dropPresence(c)
		h.hub.Unregister(c)
		c.conn.Close()
		log.Info().Str("playerId", c.playerID).Msg("WebSocket client disconnected")
	}()

	c.conn.SetReadLimit(maxMsgSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn().Err(err).Str("playerId", c.playerID).Msg("WebSocket unexpected close")
			}
			break
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Action {
		case "subscribe":
			if msg.GameID != "" {
				h.subscribe(c, msg.GameID)
			}
		case "unsubscribe":
			if msg.GameID != "" {
				h.hub.Unsubscribe(c, msg.GameID)
				h.leaveSeat(c, msg.GameID)
			}
		}
	}
}

// subscribe admits the connection to the game channel, emits the current
// state, and restores the player's seat. Reconnecting covers both taken-over
// seats and seats whose disconnect window is still open.
func (h *WSHandler) subscribe(c *WSConn, gameID string) {
	h.hub.Subscribe(c, gameID)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := h.gameSvc.GetState(ctx, gameID)
	if err != nil {
		log.Warn().Err(err).Str("gameId", gameID).Msg("Subscribe could not load state")
		return
	}
	if snapshot, err := json.Marshal(WSEvent{Type: EventStateUpdate, GameID: gameID, Data: raw}); err == nil {
		select {
		case c.send <- snapshot:
		default:
		}
	}

	switch playerStatus(raw, c.playerID) {
	case negotiation.StatusConnected, negotiation.StatusDisconnected:
		if err := h.orch.HandleReconnect(ctx, gameID, c.playerID); err != nil {
			log.Warn().Err(err).Str("gameId", gameID).Str("playerId", c.playerID).Msg("Reconnect failed")
		}
	}
}

// leaveSeat starts the disconnect flow for a seated, connected player.
func (h *WSHandler) leaveSeat(c *WSConn, gameID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := h.gameSvc.GetState(ctx, gameID)
	if err != nil {
		return
	}
	if playerStatus(raw, c.playerID) != negotiation.StatusConnected {
		return
	}
	if err := h.orch.HandleDisconnect(ctx, gameID, c.playerID); err != nil {
		log.Warn().Err(err).Str("gameId", gameID).Str("playerId", c.playerID).Msg("Disconnect handling failed")
	}
}

// dropPresence runs the disconnect flow for every game the closing
// connection was subscribed to.
func (h *WSHandler) dropPresence(c *WSConn) {
	for _, gameID := range h.hub.SubscribedGames(c) {
		h.leaveSeat(c, gameID)
	}
}

// playerStatus pulls one player's status out of a raw state snapshot.
// Returns "" when the state is missing or the player is not seated.
func playerStatus(raw json.RawMessage, playerID string) negotiation.PlayerStatus {
	if raw == nil {
		return ""
	}
	var gs negotiation.GameState
	if err := json.Unmarshal(raw, &gs); err != nil {
		return ""
	}
	if p := gs.FindPlayer(playerID); p != nil {
		return p.Status
	}
	return ""
}

// writePump writes messages to the WebSocket connection.
func (h *WSHandler) writePump(c *WSConn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Drain queued messages into the same write
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte("\n"))
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
