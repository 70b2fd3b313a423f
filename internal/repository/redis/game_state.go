package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key patterns for Redis game state.
func stateKey(gameID string) string                { return "game:" + gameID + ":state" }
func readyKey(gameID string) string                { return "game:" + gameID + ":ready" }
func presenceKey(gameID, playerID string) string   { return "game:" + gameID + ":presence:" + playerID }
func disconnectKey(gameID, playerID string) string { return "game:" + gameID + ":disconnect:" + playerID }

// presenceTTL keeps presence keys self-cleaning if a clean disconnect never
// arrives. The websocket layer refreshes it on every ping.
const presenceTTL = 90 * time.Second

// SetGameState stores the live game state JSON.
func (c *Client) SetGameState(ctx context.Context, gameID string, state json.RawMessage) error {
	return c.rdb.Set(ctx, stateKey(gameID), []byte(state), 0).Err()
}

// GetGameState retrieves the live game state JSON, or nil when absent.
func (c *Client) GetGameState(ctx context.Context, gameID string) (json.RawMessage, error) {
	data, err := c.rdb.Get(ctx, stateKey(gameID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get game state: %w", err)
	}
	return json.RawMessage(data), nil
}

// MarkReady adds a player to the ready set for the game.
func (c *Client) MarkReady(ctx context.Context, gameID, playerID string) error {
	return c.rdb.SAdd(ctx, readyKey(gameID), playerID).Err()
}

// UnmarkReady removes a player from the ready set.
func (c *Client) UnmarkReady(ctx context.Context, gameID, playerID string) error {
	return c.rdb.SRem(ctx, readyKey(gameID), playerID).Err()
}

// ReadyCount returns how many players have marked ready.
func (c *Client) ReadyCount(ctx context.Context, gameID string) (int64, error) {
	return c.rdb.SCard(ctx, readyKey(gameID)).Result()
}

// ReadyPlayers returns the set of players that have marked ready.
func (c *Client) ReadyPlayers(ctx context.Context, gameID string) ([]string, error) {
	return c.rdb.SMembers(ctx, readyKey(gameID)).Result()
}

// SetPresence marks a player as connected.
func (c *Client) SetPresence(ctx context.Context, gameID, playerID string) error {
	return c.rdb.Set(ctx, presenceKey(gameID, playerID), time.Now().Unix(), presenceTTL).Err()
}

// ClearPresence removes a player's presence marker.
func (c *Client) ClearPresence(ctx context.Context, gameID, playerID string) error {
	return c.rdb.Del(ctx, presenceKey(gameID, playerID)).Err()
}

// disconnectGracePeriod pads the TTL so the key expires slightly after the
// displayed deadline.
const disconnectGracePeriod = 2 * time.Second

// SetDisconnectTimer creates a per-player timer key with a TTL. When the key
// expires, Redis keyspace notifications trigger auto-play takeover for the
// seat.
func (c *Client) SetDisconnectTimer(ctx context.Context, gameID, playerID string, deadline time.Time) error {
	ttl := time.Until(deadline) + disconnectGracePeriod
	if ttl <= 0 {
		ttl = time.Second
	}
	return c.rdb.Set(ctx, disconnectKey(gameID, playerID), deadline.Unix(), ttl).Err()
}

// ClearDisconnectTimer removes a player's disconnect timer, on reconnect.
func (c *Client) ClearDisconnectTimer(ctx context.Context, gameID, playerID string) error {
	return c.rdb.Del(ctx, disconnectKey(gameID, playerID)).Err()
}

// HasDisconnectTimer reports whether a player's disconnect timer is still
// pending. The poll fallback uses this to catch expiries that keyspace
// notifications missed.
func (c *Client) HasDisconnectTimer(ctx context.Context, gameID, playerID string) (bool, error) {
	n, err := c.rdb.Exists(ctx, disconnectKey(gameID, playerID)).Result()
	if err != nil {
		return false, fmt.Errorf("check disconnect timer: %w", err)
	}
	return n > 0, nil
}

// DeleteGameData removes all Redis data for a game (on game end).
func (c *Client) DeleteGameData(ctx context.Context, gameID string, playerIDs []string) error {
	keys := []string{stateKey(gameID), readyKey(gameID)}
	for _, id := range playerIDs {
		keys = append(keys, presenceKey(gameID, id), disconnectKey(gameID, id))
	}
	return c.rdb.Del(ctx, keys...).Err()
}
