package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/splitgame/arena/internal/model"
)

// In-memory fakes for the persistence interfaces, so service tests run
// without Postgres or Redis.

type memGameRepo struct {
	mu      sync.Mutex
	seq     int
	games   map[string]*model.Game
	payouts map[string]map[string]int
}

func newMemGameRepo() *memGameRepo {
	return &memGameRepo{
		games:   make(map[string]*model.Game),
		payouts: make(map[string]map[string]int),
	}
}

// add seeds a game record directly, for recovery tests.
func (r *memGameRepo) add(g *model.Game) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.games[g.ID] = g
}

func (r *memGameRepo) Create(ctx context.Context, name, creatorID string, entryFee, maxPlayers, maxRounds int) (*model.Game, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	g := &model.Game{
		ID:         fmt.Sprintf("game-%d", r.seq),
		Name:       name,
		CreatorID:  creatorID,
		Status:     "waiting",
		EntryFee:   entryFee,
		MaxPlayers: maxPlayers,
		MaxRounds:  maxRounds,
		CreatedAt:  time.Now(),
	}
	r.games[g.ID] = g
	cp := *g
	return &cp, nil
}

func (r *memGameRepo) FindByID(ctx context.Context, id string) (*model.Game, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.games[id]
	if !ok {
		return nil, nil
	}
	cp := *g
	cp.Players = append([]model.GamePlayer(nil), g.Players...)
	return &cp, nil
}

func (r *memGameRepo) listByStatus(status string) []model.Game {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Game
	for _, g := range r.games {
		if g.Status == status {
			cp := *g
			cp.Players = append([]model.GamePlayer(nil), g.Players...)
			out = append(out, cp)
		}
	}
	return out
}

func (r *memGameRepo) ListOpen(ctx context.Context) ([]model.Game, error) {
	return r.listByStatus("waiting"), nil
}

func (r *memGameRepo) ListActive(ctx context.Context) ([]model.Game, error) {
	return r.listByStatus("active"), nil
}

func (r *memGameRepo) ListFinished(ctx context.Context) ([]model.Game, error) {
	return r.listByStatus("finished"), nil
}

func (r *memGameRepo) JoinGame(ctx context.Context, gameID string, p model.GamePlayer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.games[gameID]
	if !ok {
		return errors.New("game not found")
	}
	p.GameID = gameID
	g.Players = append(g.Players, p)
	return nil
}

func (r *memGameRepo) ListPlayers(ctx context.Context, gameID string) ([]model.GamePlayer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.games[gameID]
	if !ok {
		return nil, nil
	}
	return append([]model.GamePlayer(nil), g.Players...), nil
}

func (r *memGameRepo) PlayerCount(ctx context.Context, gameID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.games[gameID]
	if !ok {
		return 0, nil
	}
	return len(g.Players), nil
}

func (r *memGameRepo) SetStarted(ctx context.Context, gameID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.games[gameID]
	if !ok || g.Status != "waiting" {
		return errors.New("game not waiting")
	}
	g.Status = "active"
	now := time.Now()
	g.StartedAt = &now
	return nil
}

func (r *memGameRepo) SetFinished(ctx context.Context, gameID, winner string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.games[gameID]
	if !ok {
		return errors.New("game not found")
	}
	g.Status = "finished"
	g.Winner = winner
	now := time.Now()
	g.FinishedAt = &now
	return nil
}

func (r *memGameRepo) SetPayout(ctx context.Context, gameID, playerID string, payout int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.payouts[gameID] == nil {
		r.payouts[gameID] = make(map[string]int)
	}
	r.payouts[gameID][playerID] = payout
	return nil
}

func (r *memGameRepo) payoutsFor(gameID string) map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]int, len(r.payouts[gameID]))
	for k, v := range r.payouts[gameID] {
		out[k] = v
	}
	return out
}

func (r *memGameRepo) Delete(ctx context.Context, gameID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.games, gameID)
	return nil
}

type memRoundRepo struct {
	mu       sync.Mutex
	seq      int
	rounds   []model.GameRound
	outcomes map[string]json.RawMessage
	messages []model.Message
}

func newMemRoundRepo() *memRoundRepo {
	return &memRoundRepo{outcomes: make(map[string]json.RawMessage)}
}

func (r *memRoundRepo) CreateRound(ctx context.Context, gameID string, round int, stateBefore json.RawMessage) (*model.GameRound, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	gr := model.GameRound{
		ID:          fmt.Sprintf("round-%d", r.seq),
		GameID:      gameID,
		Round:       round,
		StateBefore: append(json.RawMessage(nil), stateBefore...),
		CreatedAt:   time.Now(),
	}
	r.rounds = append(r.rounds, gr)
	return &gr, nil
}

func (r *memRoundRepo) ResolveRound(ctx context.Context, roundID string, outcome json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[roundID] = append(json.RawMessage(nil), outcome...)
	return nil
}

func (r *memRoundRepo) ListRounds(ctx context.Context, gameID string) ([]model.GameRound, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.GameRound
	for _, gr := range r.rounds {
		if gr.GameID == gameID {
			gr.Outcome = r.outcomes[gr.ID]
			out = append(out, gr)
		}
	}
	return out, nil
}

func (r *memRoundRepo) SaveMessage(ctx context.Context, m model.Message) (*model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	m.ID = fmt.Sprintf("msg-%d", r.seq)
	m.CreatedAt = time.Now()
	r.messages = append(r.messages, m)
	return &m, nil
}

func (r *memRoundRepo) ListMessages(ctx context.Context, gameID string) ([]model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Message
	for _, m := range r.messages {
		if m.GameID == gameID {
			out = append(out, m)
		}
	}
	return out, nil
}

type memCache struct {
	mu         sync.Mutex
	states     map[string]json.RawMessage
	ready      map[string]map[string]bool
	presence   map[string]bool
	disconnect map[string]time.Time
}

func newMemCache() *memCache {
	return &memCache{
		states:     make(map[string]json.RawMessage),
		ready:      make(map[string]map[string]bool),
		presence:   make(map[string]bool),
		disconnect: make(map[string]time.Time),
	}
}

func ckey(gameID, playerID string) string { return gameID + "/" + playerID }

func (c *memCache) SetGameState(ctx context.Context, gameID string, state json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.states[gameID] = append(json.RawMessage(nil), state...)
	return nil
}

func (c *memCache) GetGameState(ctx context.Context, gameID string) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[gameID]
	if !ok {
		return nil, nil
	}
	return append(json.RawMessage(nil), s...), nil
}

func (c *memCache) MarkReady(ctx context.Context, gameID, playerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready[gameID] == nil {
		c.ready[gameID] = make(map[string]bool)
	}
	c.ready[gameID][playerID] = true
	return nil
}

func (c *memCache) UnmarkReady(ctx context.Context, gameID, playerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ready[gameID], playerID)
	return nil
}

func (c *memCache) ReadyCount(ctx context.Context, gameID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.ready[gameID])), nil
}

func (c *memCache) ReadyPlayers(ctx context.Context, gameID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for id := range c.ready[gameID] {
		out = append(out, id)
	}
	return out, nil
}

func (c *memCache) SetPresence(ctx context.Context, gameID, playerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.presence[ckey(gameID, playerID)] = true
	return nil
}

func (c *memCache) ClearPresence(ctx context.Context, gameID, playerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.presence, ckey(gameID, playerID))
	return nil
}

func (c *memCache) SetDisconnectTimer(ctx context.Context, gameID, playerID string, deadline time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnect[ckey(gameID, playerID)] = deadline
	return nil
}

func (c *memCache) ClearDisconnectTimer(ctx context.Context, gameID, playerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.disconnect, ckey(gameID, playerID))
	return nil
}

func (c *memCache) HasDisconnectTimer(ctx context.Context, gameID, playerID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.disconnect[ckey(gameID, playerID)]
	return ok, nil
}

func (c *memCache) DeleteGameData(ctx context.Context, gameID string, playerIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.states, gameID)
	delete(c.ready, gameID)
	for _, id := range playerIDs {
		delete(c.presence, ckey(gameID, id))
		delete(c.disconnect, ckey(gameID, id))
	}
	return nil
}

type broadcastEvent struct {
	GameID string
	Type   string
	Data   any
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []broadcastEvent
}

func (b *recordingBroadcaster) BroadcastGameEvent(gameID string, eventType string, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, broadcastEvent{GameID: gameID, Type: eventType, Data: data})
}

func (b *recordingBroadcaster) eventsOf(eventType string) []broadcastEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []broadcastEvent
	for _, e := range b.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// offlineOracle fails every ask, pushing the driver onto its deterministic
// fallbacks. Games still run to completion.
type offlineOracle struct{}

func (offlineOracle) Ask(ctx context.Context, playerID, prompt string, temperature float64) (string, error) {
	return "", errors.New("oracle offline")
}

func (offlineOracle) ShouldDegrade() bool { return false }
