package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/splitgame/arena/internal/driver"
	"github.com/splitgame/arena/internal/metrics"
	"github.com/splitgame/arena/internal/model"
	"github.com/splitgame/arena/internal/repository"
	"github.com/splitgame/arena/pkg/negotiation"
)

// Orchestrator advances started games. Each active game gets one runner
// goroutine that walks the round loop, asks the agent driver for moves, and
// persists the state after every phase so a crashed process can resume.
type Orchestrator struct {
	gameRepo    repository.GameRepository
	roundRepo   repository.RoundRepository
	cache       repository.GameCache
	oracle      driver.AgentOracle
	broadcaster Broadcaster
	rules       negotiation.Rules
	concurrency int

	// disconnectTimeout is how long a disconnected seat waits before it is
	// handed to auto-play for the rest of the game.
	disconnectTimeout time.Duration

	mu      sync.Mutex
	runners map[string]*runner
	// pendingDisc tracks seats whose disconnect window is still open. The
	// seat stays in live status until the window lapses; only then does the
	// takeover flip it to auto-play.
	pendingDisc map[string]map[string]bool
	wg          sync.WaitGroup
}

// runner is the per-game control block. External events (disconnects,
// reconnects) are queued here and drained by the runner goroutine between
// phases, so the goroutine is the only writer of its game's state.
type runner struct {
	cancel  context.CancelFunc
	roundID string

	mu        sync.Mutex
	pending   []negotiation.Event
	takenOver map[string]bool
}

func (r *runner) enqueue(ev negotiation.Event) {
	r.mu.Lock()
	r.pending = append(r.pending, ev)
	r.mu.Unlock()
}

func (r *runner) takePending() []negotiation.Event {
	r.mu.Lock()
	evs := r.pending
	r.pending = nil
	r.mu.Unlock()
	return evs
}

// markTakenOver flags a seat as handed to auto-play. Reports false when the
// seat was already flagged, so duplicate expiry signals collapse.
func (r *runner) markTakenOver(playerID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.takenOver == nil {
		r.takenOver = make(map[string]bool)
	}
	if r.takenOver[playerID] {
		return false
	}
	r.takenOver[playerID] = true
	return true
}

func (r *runner) clearTakenOver(playerID string) {
	r.mu.Lock()
	delete(r.takenOver, playerID)
	r.mu.Unlock()
}

// NewOrchestrator creates an Orchestrator. concurrency bounds the driver's
// oracle fan-out per game; disconnectTimeout <= 0 falls back to one minute.
func NewOrchestrator(
	gameRepo repository.GameRepository,
	roundRepo repository.RoundRepository,
	cache repository.GameCache,
	oracle driver.AgentOracle,
	broadcaster Broadcaster,
	rules negotiation.Rules,
	concurrency int,
	disconnectTimeout time.Duration,
) *Orchestrator {
	if broadcaster == nil {
		broadcaster = NoopBroadcaster{}
	}
	if disconnectTimeout <= 0 {
		disconnectTimeout = time.Minute
	}
	return &Orchestrator{
		gameRepo:          gameRepo,
		roundRepo:         roundRepo,
		cache:             cache,
		oracle:            oracle,
		broadcaster:       broadcaster,
		rules:             rules,
		concurrency:       concurrency,
		disconnectTimeout: disconnectTimeout,
		runners:           make(map[string]*runner),
		pendingDisc:       make(map[string]map[string]bool),
	}
}

// Launch starts the runner goroutine for a game. Launching an already
// running game is a no-op.
func (o *Orchestrator) Launch(gameID string) {
	o.mu.Lock()
	if _, ok := o.runners[gameID]; ok {
		o.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &runner{cancel: cancel}
	o.runners[gameID] = r
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		defer o.removeRunner(gameID)
		o.runGame(ctx, gameID, r)
	}()
}

// Stop cancels a game's runner, if it has one.
func (o *Orchestrator) Stop(gameID string) {
	if r := o.runnerFor(gameID); r != nil {
		r.cancel()
	}
}

// Shutdown cancels every runner and waits for them to drain, or for ctx.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, r := range o.runners {
		r.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunningGames returns the IDs of games with live runners.
func (o *Orchestrator) RunningGames() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.runners))
	for id := range o.runners {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (o *Orchestrator) runnerFor(gameID string) *runner {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runners[gameID]
}

func (o *Orchestrator) removeRunner(gameID string) {
	o.mu.Lock()
	delete(o.runners, gameID)
	o.mu.Unlock()
}

// RecoverActiveGames relaunches runners for every active game whose state
// survived in the cache. Called on startup after a restart.
func (o *Orchestrator) RecoverActiveGames(ctx context.Context) error {
	games, err := o.gameRepo.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("list active games: %w", err)
	}
	if len(games) == 0 {
		log.Info().Msg("No active games to recover")
		return nil
	}

	log.Info().Int("count", len(games)).Msg("Recovering active games after restart")
	for _, game := range games {
		raw, err := o.cache.GetGameState(ctx, game.ID)
		if err != nil {
			log.Error().Err(err).Str("gameId", game.ID).Msg("Failed to read state during recovery")
			continue
		}
		if raw == nil {
			log.Warn().Str("gameId", game.ID).Msg("Active game has no cached state, skipping")
			continue
		}
		o.Launch(game.ID)
		log.Info().Str("gameId", game.ID).Msg("Recovered game")
	}
	return nil
}

// runGame drives one game from its current phase to endgame.
func (o *Orchestrator) runGame(ctx context.Context, gameID string, r *runner) {
	game, err := o.gameRepo.FindByID(ctx, gameID)
	if err != nil || game == nil {
		log.Error().Err(err).Str("gameId", gameID).Msg("Runner could not load game record")
		return
	}
	rules := gameRules(o.rules, game)
	d := driver.New(o.oracle, rules, o.concurrency, o.messageSink(gameID))

	gs, err := loadState(ctx, o.cache, gameID)
	if err != nil {
		log.Error().Err(err).Str("gameId", gameID).Msg("Runner could not load game state")
		return
	}
	d.Bind(gs)

	log.Info().Str("gameId", gameID).Str("phase", string(gs.Phase)).
		Int("round", gs.Round).Int("players", len(gs.Players)).
		Msg("Game runner started")

	for !gs.Ended {
		if ctx.Err() != nil {
			log.Info().Str("gameId", gameID).Msg("Game runner stopped")
			return
		}
		for _, ev := range r.takePending() {
			gs = o.apply(gs, ev, rules)
		}

		next, err := o.step(ctx, d, rules, r, gs)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				log.Info().Str("gameId", gameID).Msg("Game runner stopped")
			} else {
				log.Error().Err(err).Str("gameId", gameID).Str("phase", string(gs.Phase)).Msg("Phase step failed")
			}
			return
		}
		gs = next

		if err := saveState(ctx, o.cache, gs); err != nil {
			log.Error().Err(err).Str("gameId", gameID).Msg("Failed to persist game state")
			return
		}
		o.broadcaster.BroadcastGameEvent(gameID, "state_update", gs)
	}

	o.finishGame(gameID, rules, gs)
}

// apply runs one event through the state machine. Refused events are logged
// no-ops so a stray guard violation never kills a runner.
func (o *Orchestrator) apply(gs *negotiation.GameState, ev negotiation.Event, rules negotiation.Rules) *negotiation.GameState {
	next, err := negotiation.Transition(gs, ev, rules)
	if err != nil {
		log.Warn().Err(err).Str("gameId", gs.GameID).Str("event", ev.Kind()).Msg("Event refused")
		return gs
	}
	return next
}

// step advances the game through exactly one phase.
func (o *Orchestrator) step(ctx context.Context, d *driver.Driver, rules negotiation.Rules, r *runner, gs *negotiation.GameState) (*negotiation.GameState, error) {
	switch gs.Phase {
	case negotiation.PhaseStrategy:
		return o.stepStrategy(ctx, d, rules, r, gs)
	case negotiation.PhaseNegotiation:
		return o.stepNegotiation(ctx, d, rules, gs)
	case negotiation.PhaseProposal:
		return o.stepProposal(ctx, d, rules, gs)
	case negotiation.PhaseVoting:
		return o.stepVoting(ctx, d, rules, r, gs)
	case negotiation.PhaseElimination:
		return o.stepElimination(rules, gs)
	default:
		return gs, fmt.Errorf("runner cannot advance phase %q", gs.Phase)
	}
}

// stepStrategy archives the round's starting state, then collects one
// strategy statement per live agent.
func (o *Orchestrator) stepStrategy(ctx context.Context, d *driver.Driver, rules negotiation.Rules, r *runner, gs *negotiation.GameState) (*negotiation.GameState, error) {
	r.roundID = ""
	if raw, err := json.Marshal(gs); err == nil {
		round, err := o.roundRepo.CreateRound(ctx, gs.GameID, gs.Round, raw)
		if err != nil {
			log.Warn().Err(err).Str("gameId", gs.GameID).Int("round", gs.Round).Msg("Round archive failed")
		} else {
			r.roundID = round.ID
		}
	}

	strategies := d.RunStrategy(ctx, gs)
	for _, id := range sortedStringKeys(strategies) {
		gs = o.apply(gs, negotiation.SubmitStrategy{PlayerID: id, Strategy: strategies[id]}, rules)
	}
	gs = o.apply(gs, negotiation.AllStrategiesSubmitted{}, rules)
	return gs, ctx.Err()
}

// stepNegotiation runs the matrix sub-rounds and walks the speaking order to
// promote the game into the proposal phase.
func (o *Orchestrator) stepNegotiation(ctx context.Context, d *driver.Driver, rules negotiation.Rules, gs *negotiation.GameState) (*negotiation.GameState, error) {
	m := matrixFor(gs)
	if err := d.RunNegotiation(ctx, gs, m); err != nil {
		return gs, err
	}

	gs = gs.Clone()
	gs.Matrix = m.Snapshot()
	for gs.Phase == negotiation.PhaseNegotiation {
		gs = o.apply(gs, negotiation.Speak{}, rules)
	}
	return gs, ctx.Err()
}

// stepProposal collects one proposal per active player.
func (o *Orchestrator) stepProposal(ctx context.Context, d *driver.Driver, rules negotiation.Rules, gs *negotiation.GameState) (*negotiation.GameState, error) {
	m := matrixFor(gs)
	proposals := d.RunProposals(ctx, gs, m)
	for _, p := range proposals {
		gs = o.apply(gs, negotiation.SubmitProposal{Proposal: p}, rules)
		o.broadcaster.BroadcastGameEvent(gs.GameID, "proposal", p)
	}
	gs = o.apply(gs, negotiation.AllProposalsSubmitted{}, rules)
	return gs, ctx.Err()
}

// stepVoting collects votes from every seat, resolves the round, and archives
// the outcome.
func (o *Orchestrator) stepVoting(ctx context.Context, d *driver.Driver, rules negotiation.Rules, r *runner, gs *negotiation.GameState) (*negotiation.GameState, error) {
	m := matrixFor(gs)
	votes := d.RunVotes(ctx, gs, m, gs.Proposals)

	voters := make([]string, 0, len(votes))
	for id := range votes {
		voters = append(voters, id)
	}
	sort.Strings(voters)
	for _, id := range voters {
		gs = o.apply(gs, negotiation.SubmitVote{VoterID: id, Vote: votes[id]}, rules)
		o.broadcaster.BroadcastGameEvent(gs.GameID, "vote", map[string]any{
			"voter_id": id,
			"vote":     votes[id],
		})
	}

	outcome := negotiation.DecideOutcome(gs, rules)
	if r.roundID != "" {
		if raw, err := json.Marshal(outcome); err == nil {
			if err := o.roundRepo.ResolveRound(ctx, r.roundID, raw); err != nil {
				log.Warn().Err(err).Str("gameId", gs.GameID).Int("round", gs.Round).Msg("Outcome archive failed")
			}
		}
	}
	gs = o.apply(gs, negotiation.AllVotesSubmitted{Outcome: outcome}, rules)
	return gs, ctx.Err()
}

// stepElimination applies the round's elimination and either starts the next
// round or ends the game on an exhausted round budget. The outcome is
// recomputed rather than carried over; resolution is deterministic, so a
// recovered runner lands on the same result.
func (o *Orchestrator) stepElimination(rules negotiation.Rules, gs *negotiation.GameState) (*negotiation.GameState, error) {
	outcome := negotiation.DecideOutcome(gs, rules)
	if len(outcome.Eliminated) > 0 {
		gs = o.apply(gs, negotiation.Eliminate{PlayerIDs: outcome.Eliminated}, rules)
		o.broadcaster.BroadcastGameEvent(gs.GameID, "elimination", map[string]any{
			"eliminated": outcome.Eliminated,
			"totals":     outcome.Totals,
			"round":      gs.Round,
		})
	}

	// The matrix snapshot rides into the next round: players keep their rows,
	// explanations, and modification counts across eliminations.
	gs = o.apply(gs, negotiation.Continue{}, rules)
	return gs, nil
}

// finishGame settles payouts and closes out persistence. Uses its own
// context so a shutdown that races the final phase still settles the game.
func (o *Orchestrator) finishGame(gameID string, rules negotiation.Rules, gs *negotiation.GameState) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	metrics.GamesFinished.Inc()

	winner := ""
	payouts := map[string]int{}
	if gs.WinnerProposal != nil {
		winner = gs.WinnerProposal.ProposerID
		payouts = negotiation.Payouts(*gs.WinnerProposal, len(gs.Players), rules.EntryFee)
	} else {
		// Round budget spent with no winning proposal: surviving players get
		// their entry fees back, eliminated players forfeit.
		for _, id := range gs.ActivePlayers() {
			payouts[id] = rules.EntryFee
		}
	}

	for _, id := range sortedIntKeys(payouts) {
		if err := o.gameRepo.SetPayout(ctx, gameID, id, payouts[id]); err != nil {
			log.Error().Err(err).Str("gameId", gameID).Str("playerId", id).Msg("Failed to record payout")
		}
	}
	if err := o.gameRepo.SetFinished(ctx, gameID, winner); err != nil {
		log.Error().Err(err).Str("gameId", gameID).Msg("Failed to mark game finished")
	}

	data := map[string]any{
		"winner":  winner,
		"payouts": payouts,
		"rounds":  gs.Round,
	}
	if gs.WinnerProposal != nil {
		data["allocation"] = gs.WinnerProposal.Allocation
	} else {
		data["reason"] = "round_limit"
	}
	o.broadcaster.BroadcastGameEvent(gameID, "game_ended", data)

	if err := o.cache.DeleteGameData(ctx, gameID, gs.PlayerIDs()); err != nil {
		log.Warn().Err(err).Str("gameId", gameID).Msg("Failed to clear cached game data")
	}
	o.mu.Lock()
	delete(o.pendingDisc, gameID)
	o.mu.Unlock()
	log.Info().Str("gameId", gameID).Str("winner", winner).Int("rounds", gs.Round).Msg("Game finished")
}

// HandleDisconnect opens a seat's disconnect window and arms its takeover
// timer. The seat keeps its live status and auto-plays until the window
// lapses; only the takeover marks it disconnected.
func (o *Orchestrator) HandleDisconnect(ctx context.Context, gameID, playerID string) error {
	deadline := time.Now().Add(o.disconnectTimeout)
	if err := o.cache.ClearPresence(ctx, gameID, playerID); err != nil {
		log.Warn().Err(err).Str("gameId", gameID).Str("playerId", playerID).Msg("Failed to clear presence")
	}
	if err := o.cache.SetDisconnectTimer(ctx, gameID, playerID, deadline); err != nil {
		return err
	}
	o.setPendingDisconnect(gameID, playerID)

	o.broadcaster.BroadcastGameEvent(gameID, "player_disconnected", map[string]any{
		"player_id": playerID,
		"deadline":  deadline.UTC().Format(time.RFC3339),
	})
	return nil
}

// HandleReconnect restores a seat to live control and disarms its timer.
func (o *Orchestrator) HandleReconnect(ctx context.Context, gameID, playerID string) error {
	o.clearPendingDisconnect(gameID, playerID)
	if err := o.cache.ClearDisconnectTimer(ctx, gameID, playerID); err != nil {
		log.Warn().Err(err).Str("gameId", gameID).Str("playerId", playerID).Msg("Failed to clear disconnect timer")
	}
	if err := o.cache.SetPresence(ctx, gameID, playerID); err != nil {
		log.Warn().Err(err).Str("gameId", gameID).Str("playerId", playerID).Msg("Failed to set presence")
	}

	// A no-op on seats that never lost their status.
	ev := negotiation.PlayerReconnect{PlayerID: playerID}
	if r := o.runnerFor(gameID); r != nil {
		r.clearTakenOver(playerID)
		r.enqueue(ev)
	} else if err := o.applyToCache(ctx, gameID, ev); err != nil {
		return err
	}

	o.broadcaster.BroadcastGameEvent(gameID, "player_reconnected", map[string]any{
		"player_id": playerID,
	})
	return nil
}

// TakeOverSeat marks a seat disconnected after its window lapsed with no
// reconnect. Safe to call more than once per expiry.
func (o *Orchestrator) TakeOverSeat(ctx context.Context, gameID, playerID string) {
	if !o.clearPendingDisconnect(gameID, playerID) {
		return
	}
	if r := o.runnerFor(gameID); r != nil && !r.markTakenOver(playerID) {
		return
	}

	gs, err := loadState(ctx, o.cache, gameID)
	if err != nil {
		if !errors.Is(err, ErrStateMissing) {
			log.Warn().Err(err).Str("gameId", gameID).Msg("Takeover could not load state")
		}
		return
	}
	p := gs.FindPlayer(playerID)
	if p == nil || p.Status == negotiation.StatusEliminated {
		return
	}

	if err := o.cache.ClearDisconnectTimer(ctx, gameID, playerID); err != nil {
		log.Warn().Err(err).Str("gameId", gameID).Str("playerId", playerID).Msg("Failed to clear disconnect timer")
	}

	ev := negotiation.PlayerLeave{PlayerID: playerID}
	if r := o.runnerFor(gameID); r != nil {
		r.enqueue(ev)
	} else if err := o.applyToCache(ctx, gameID, ev); err != nil {
		log.Warn().Err(err).Str("gameId", gameID).Str("playerId", playerID).Msg("Takeover could not update state")
		return
	}

	log.Info().Str("gameId", gameID).Str("playerId", playerID).Msg("Disconnect window elapsed, seat switched to auto-play")
	o.broadcaster.BroadcastGameEvent(gameID, "seat_autoplay", map[string]any{
		"player_id": playerID,
	})
}

// SweepDisconnects takes over seats whose disconnect timers vanished without
// a keyspace notification.
func (o *Orchestrator) SweepDisconnects(ctx context.Context) {
	for gameID, seats := range o.pendingDisconnects() {
		for _, playerID := range seats {
			armed, err := o.cache.HasDisconnectTimer(ctx, gameID, playerID)
			if err != nil || armed {
				continue
			}
			o.TakeOverSeat(ctx, gameID, playerID)
		}
	}
}

func (o *Orchestrator) setPendingDisconnect(gameID, playerID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pendingDisc[gameID] == nil {
		o.pendingDisc[gameID] = make(map[string]bool)
	}
	o.pendingDisc[gameID][playerID] = true
}

// clearPendingDisconnect reports whether the seat's window was still open,
// so racing expiry signals collapse to one takeover.
func (o *Orchestrator) clearPendingDisconnect(gameID, playerID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	seats := o.pendingDisc[gameID]
	if !seats[playerID] {
		return false
	}
	delete(seats, playerID)
	if len(seats) == 0 {
		delete(o.pendingDisc, gameID)
	}
	return true
}

func (o *Orchestrator) pendingDisconnects() map[string][]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string][]string, len(o.pendingDisc))
	for gameID, seats := range o.pendingDisc {
		for playerID := range seats {
			out[gameID] = append(out[gameID], playerID)
		}
		sort.Strings(out[gameID])
	}
	return out
}

// applyToCache runs one event against the cached state directly, for games
// without a live runner (lobbies).
func (o *Orchestrator) applyToCache(ctx context.Context, gameID string, ev negotiation.Event) error {
	gs, err := loadState(ctx, o.cache, gameID)
	if err != nil {
		return err
	}
	next := o.apply(gs, ev, o.rules)
	return saveState(ctx, o.cache, next)
}

// messageSink archives and broadcasts each public negotiation utterance.
func (o *Orchestrator) messageSink(gameID string) driver.MessageFunc {
	return func(playerID string, round, subRound int, content string) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := o.roundRepo.SaveMessage(ctx, model.Message{
			GameID:   gameID,
			SenderID: playerID,
			Round:    round,
			SubRound: subRound,
			Content:  content,
		}); err != nil {
			log.Warn().Err(err).Str("gameId", gameID).Str("playerId", playerID).Msg("Failed to archive message")
		}
		o.broadcaster.BroadcastGameEvent(gameID, "message", map[string]any{
			"player_id": playerID,
			"round":     round,
			"sub_round": subRound,
			"content":   content,
		})
	}
}

// matrixFor rebuilds the negotiation substrate from the persisted snapshot,
// or sizes a fresh one for the full roster. Eliminations are re-marked either
// way; the snapshot may predate the latest one.
func matrixFor(gs *negotiation.GameState) *negotiation.Matrix {
	var m *negotiation.Matrix
	if gs.Matrix != nil {
		m = negotiation.RestoreMatrix(gs.Matrix)
	} else {
		m = negotiation.NewMatrix(gs.PlayerIDs())
	}
	for _, id := range gs.Eliminated {
		m.MarkEliminated(id)
	}
	return m
}

func sortedStringKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedIntKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
