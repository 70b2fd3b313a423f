package service

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// TimerListener watches for expired disconnect timers and hands lapsed seats
// to auto-play. It listens for Redis keyspace notifications and also runs a
// polling fallback in case notifications are disabled on the server.
type TimerListener struct {
	rdb  *redis.Client
	orch *Orchestrator
}

// NewTimerListener creates a TimerListener.
func NewTimerListener(rdb *redis.Client, orch *Orchestrator) *TimerListener {
	return &TimerListener{rdb: rdb, orch: orch}
}

// Start begins listening for expired key events and runs the polling fallback.
func (t *TimerListener) Start(ctx context.Context) {
	go t.listenKeyspace(ctx)
	t.pollDisconnects(ctx)
}

// listenKeyspace subscribes to Redis keyspace notifications for expired keys.
func (t *TimerListener) listenKeyspace(ctx context.Context) {
	pubsub := t.rdb.PSubscribe(ctx, "__keyevent@0__:expired")
	defer pubsub.Close()

	log.Info().Msg("Timer listener started, listening for expired keys")
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			t.handleExpiry(ctx, msg.Payload)
		}
	}
}

// pollDisconnects periodically sweeps running games for lapsed disconnect
// timers that produced no notification.
func (t *TimerListener) pollDisconnects(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	log.Info().Msg("Disconnect sweep started (10s interval)")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Disconnect sweep stopped")
			return
		case <-ticker.C:
			t.orch.SweepDisconnects(ctx)
		}
	}
}

// handleExpiry processes an expired key. Only acts on disconnect timer keys,
// which look like "game:{gameID}:disconnect:{playerID}".
func (t *TimerListener) handleExpiry(ctx context.Context, key string) {
	if !strings.HasPrefix(key, "game:") {
		return
	}
	parts := strings.Split(key, ":")
	if len(parts) != 4 || parts[2] != "disconnect" {
		return
	}
	gameID, playerID := parts[1], parts[3]

	log.Info().Str("gameId", gameID).Str("playerId", playerID).Msg("Disconnect timer expired")
	t.orch.TakeOverSeat(ctx, gameID, playerID)
}
