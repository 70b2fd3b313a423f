// Package tournament drives evolutionary runs: a fixed roster of strategies
// plays a block of games, coin balances move with the payouts, and the worst
// performers are replaced by synthesized offspring between tournaments.
package tournament

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/splitgame/arena/internal/driver"
	"github.com/splitgame/arena/internal/model"
	"github.com/splitgame/arena/internal/repository"
	"github.com/splitgame/arena/pkg/negotiation"
)

// Config controls one tournament run.
type Config struct {
	RunID           string
	Tournaments     int // evolution happens between consecutive tournaments
	GamesPer        int // games per tournament
	RosterSize      int
	StartingBalance int
	Bankruptcy      int // balances below this are eliminated first
	Rules           negotiation.Rules
	Concurrency     int
}

func (c Config) withDefaults() Config {
	if c.RunID == "" {
		c.RunID = "local"
	}
	if c.Tournaments <= 0 {
		c.Tournaments = 1
	}
	if c.GamesPer <= 0 {
		c.GamesPer = 5
	}
	if c.RosterSize <= 0 {
		c.RosterSize = 6
	}
	if c.StartingBalance <= 0 {
		c.StartingBalance = 500
	}
	if c.Bankruptcy <= 0 {
		c.Bankruptcy = 100
	}
	return c
}

// Controller runs games locally, in process, without the server's cache or
// round archive. A nil strategy store makes the whole run ephemeral, which
// is what the CLI's dry-run mode wants.
type Controller struct {
	cfg        Config
	oracle     driver.AgentOracle
	strategies repository.StrategyRepository

	fallbackIdx int
}

// NewController creates a Controller. strategies may be nil for dry runs.
func NewController(cfg Config, o driver.AgentOracle, strategies repository.StrategyRepository) *Controller {
	return &Controller{cfg: cfg.withDefaults(), oracle: o, strategies: strategies}
}

// GameSummary is one game's line in the run report.
type GameSummary struct {
	GameID string `json:"game_id"`
	Winner string `json:"winner"` // strategy ID, "" when the round budget ran out
	Rounds int    `json:"rounds"`
}

// Report is what a completed (or resumed-and-completed) run produced.
type Report struct {
	RunID    string           `json:"run_id"`
	Games    []GameSummary    `json:"games"`
	Wins     map[string]int   `json:"wins"`
	Roster   []model.Strategy `json:"roster"`
	Balances map[string]int   `json:"balances"`
}

// Run plays every remaining game of the run and evolves the roster between
// tournaments. A run interrupted mid-tournament resumes from the snapshot
// taken after the last completed game.
func (c *Controller) Run(ctx context.Context) (*Report, error) {
	roster, balances, done, err := c.restore(ctx)
	if err != nil {
		return nil, err
	}

	if b, ok := c.oracle.(interface{ Bind(playerID, system string) }); ok {
		b.Bind(breederID, breederSystem)
	}

	report := &Report{RunID: c.cfg.RunID, Wins: make(map[string]int)}
	total := c.cfg.Tournaments * c.cfg.GamesPer

	log.Info().Str("runId", c.cfg.RunID).Int("roster", len(roster)).
		Int("done", done).Int("total", total).Msg("Tournament run started")

	for g := done; g < total; g++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		res, err := c.playGame(ctx, g, roster)
		if err != nil {
			return report, fmt.Errorf("game %d: %w", g+1, err)
		}
		for id, profit := range res.profits {
			balances[id] += profit
		}
		c.recordResults(ctx, roster, res.winner)
		report.Games = append(report.Games, GameSummary{GameID: res.gameID, Winner: res.winner, Rounds: res.rounds})
		if res.winner != "" {
			report.Wins[res.winner]++
		}

		// Evolve at the tournament boundary, before the checkpoint, so the
		// boundary snapshot already holds the post-evolution roster.
		if (g+1)%c.cfg.GamesPer == 0 && g+1 < total {
			roster, err = c.evolve(ctx, roster, balances)
			if err != nil {
				return report, fmt.Errorf("evolution after game %d: %w", g+1, err)
			}
		}
		if err := c.checkpoint(ctx, g+1, roster, balances); err != nil {
			return report, err
		}
	}

	report.Roster = roster
	report.Balances = balances
	return report, nil
}

type gameResult struct {
	gameID  string
	winner  string
	rounds  int
	payouts map[string]int
	profits map[string]int
}

// playGame runs one full game with the roster seated as players. The loop
// mirrors the server orchestrator's phase steps, minus persistence.
func (c *Controller) playGame(ctx context.Context, idx int, roster []model.Strategy) (*gameResult, error) {
	rules := c.cfg.Rules
	if rules.MaxPlayers < len(roster) {
		rules.MaxPlayers = len(roster)
	}

	gameID := fmt.Sprintf("%s-g%d", c.cfg.RunID, idx+1)
	gs := negotiation.NewGameState(gameID, rules.MaxRounds)
	var err error
	for _, s := range roster {
		gs, err = negotiation.Transition(gs, negotiation.PlayerJoin{Player: negotiation.Player{
			ID:   s.ID,
			Name: s.Name,
			Agent: negotiation.AgentProfile{
				Strategy:   s.Text,
				StrategyID: s.ID,
			},
		}}, rules)
		if err != nil {
			return nil, fmt.Errorf("seat %s: %w", s.Name, err)
		}
		gs, err = negotiation.Transition(gs, negotiation.PlayerReady{PlayerID: s.ID, Strategy: s.Text}, rules)
		if err != nil {
			return nil, fmt.Errorf("ready %s: %w", s.Name, err)
		}
	}
	gs, err = negotiation.Transition(gs, negotiation.StartGame{}, rules)
	if err != nil {
		return nil, err
	}

	d := driver.New(c.oracle, rules, c.cfg.Concurrency, nil)
	d.Bind(gs)

	for !gs.Ended {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		gs, err = c.stepPhase(ctx, d, rules, gs)
		if err != nil {
			return nil, err
		}
	}

	res := &gameResult{
		gameID:  gameID,
		rounds:  gs.Round,
		payouts: map[string]int{},
		profits: make(map[string]int, len(roster)),
	}
	if gs.WinnerProposal != nil {
		res.winner = gs.WinnerProposal.ProposerID
		res.payouts = negotiation.Payouts(*gs.WinnerProposal, len(gs.Players), rules.EntryFee)
	} else {
		// Round budget spent: survivors get their entries back.
		for _, id := range gs.ActivePlayers() {
			res.payouts[id] = rules.EntryFee
		}
	}
	for _, s := range roster {
		res.profits[s.ID] = res.payouts[s.ID] - rules.EntryFee
	}

	log.Info().Str("gameId", gameID).Str("winner", res.winner).Int("rounds", res.rounds).Msg("Tournament game finished")
	return res, nil
}

func (c *Controller) stepPhase(ctx context.Context, d *driver.Driver, rules negotiation.Rules, gs *negotiation.GameState) (*negotiation.GameState, error) {
	switch gs.Phase {
	case negotiation.PhaseStrategy:
		strategies := d.RunStrategy(ctx, gs)
		ids := make([]string, 0, len(strategies))
		for id := range strategies {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			gs = apply(gs, negotiation.SubmitStrategy{PlayerID: id, Strategy: strategies[id]}, rules)
		}
		gs = apply(gs, negotiation.AllStrategiesSubmitted{}, rules)

	case negotiation.PhaseNegotiation:
		m := substrateFor(gs)
		if err := d.RunNegotiation(ctx, gs, m); err != nil {
			return gs, err
		}
		gs = gs.Clone()
		gs.Matrix = m.Snapshot()
		for gs.Phase == negotiation.PhaseNegotiation {
			gs = apply(gs, negotiation.Speak{}, rules)
		}

	case negotiation.PhaseProposal:
		m := substrateFor(gs)
		for _, p := range d.RunProposals(ctx, gs, m) {
			gs = apply(gs, negotiation.SubmitProposal{Proposal: p}, rules)
		}
		gs = apply(gs, negotiation.AllProposalsSubmitted{}, rules)

	case negotiation.PhaseVoting:
		m := substrateFor(gs)
		votes := d.RunVotes(ctx, gs, m, gs.Proposals)
		voters := make([]string, 0, len(votes))
		for id := range votes {
			voters = append(voters, id)
		}
		sort.Strings(voters)
		for _, id := range voters {
			gs = apply(gs, negotiation.SubmitVote{VoterID: id, Vote: votes[id]}, rules)
		}
		gs = apply(gs, negotiation.AllVotesSubmitted{Outcome: negotiation.DecideOutcome(gs, rules)}, rules)

	case negotiation.PhaseElimination:
		outcome := negotiation.DecideOutcome(gs, rules)
		if len(outcome.Eliminated) > 0 {
			gs = apply(gs, negotiation.Eliminate{PlayerIDs: outcome.Eliminated}, rules)
		}
		// The matrix rides into the next round; history survives eliminations.
		gs = apply(gs, negotiation.Continue{}, rules)

	default:
		return gs, fmt.Errorf("cannot advance phase %q", gs.Phase)
	}
	return gs, ctx.Err()
}

// apply runs one event through the state machine, treating refusals as
// logged no-ops.
func apply(gs *negotiation.GameState, ev negotiation.Event, rules negotiation.Rules) *negotiation.GameState {
	next, err := negotiation.Transition(gs, ev, rules)
	if err != nil {
		log.Warn().Err(err).Str("gameId", gs.GameID).Str("event", ev.Kind()).Msg("Event refused")
		return gs
	}
	return next
}

// substrateFor rebuilds the negotiation matrix from the state snapshot, or
// sizes a fresh one. Eliminations are re-marked either way; the snapshot may
// predate the latest one.
func substrateFor(gs *negotiation.GameState) *negotiation.Matrix {
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

// recordResults bumps per-strategy win/game counters. Best-effort; a counter
// miss never stops the run.
func (c *Controller) recordResults(ctx context.Context, roster []model.Strategy, winner string) {
	if c.strategies == nil {
		return
	}
	for _, s := range roster {
		if err := c.strategies.RecordResult(ctx, s.ID, s.ID == winner); err != nil {
			log.Warn().Err(err).Str("strategyId", s.ID).Msg("Failed to record game result")
		}
	}
}

// checkpoint persists the run's position so it can resume after a restart.
func (c *Controller) checkpoint(ctx context.Context, gameIndex int, roster []model.Strategy, balances map[string]int) error {
	if c.strategies == nil {
		return nil
	}
	rosterJSON, err := json.Marshal(roster)
	if err != nil {
		return fmt.Errorf("marshal roster: %w", err)
	}
	balancesJSON, err := json.Marshal(balances)
	if err != nil {
		return fmt.Errorf("marshal balances: %w", err)
	}
	if err := c.strategies.SaveSnapshot(ctx, model.TournamentSnapshot{
		RunID:     c.cfg.RunID,
		GameIndex: gameIndex,
		Roster:    rosterJSON,
		Balances:  balancesJSON,
	}); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// restore loads the latest snapshot for the run, or seeds a fresh roster.
// Returns the roster, balances, and the count of games already played.
func (c *Controller) restore(ctx context.Context) ([]model.Strategy, map[string]int, int, error) {
	if c.strategies != nil {
		snap, err := c.strategies.LatestSnapshot(ctx, c.cfg.RunID)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("load snapshot: %w", err)
		}
		if snap != nil {
			var roster []model.Strategy
			if err := json.Unmarshal(snap.Roster, &roster); err != nil {
				return nil, nil, 0, fmt.Errorf("unmarshal roster: %w", err)
			}
			balances := make(map[string]int)
			if err := json.Unmarshal(snap.Balances, &balances); err != nil {
				return nil, nil, 0, fmt.Errorf("unmarshal balances: %w", err)
			}
			log.Info().Str("runId", c.cfg.RunID).Int("gameIndex", snap.GameIndex).Msg("Resuming from snapshot")
			return roster, balances, snap.GameIndex, nil
		}
	}
	roster, err := c.seedRoster(ctx)
	if err != nil {
		return nil, nil, 0, err
	}
	balances := make(map[string]int, len(roster))
	for _, s := range roster {
		balances[s.ID] = c.cfg.StartingBalance
	}
	return roster, balances, 0, nil
}

// seedRoster fills the roster from the active gene pool, topping up with
// canonical strategies when the pool is short.
func (c *Controller) seedRoster(ctx context.Context) ([]model.Strategy, error) {
	var roster []model.Strategy
	if c.strategies != nil {
		active, err := c.strategies.ListActive(ctx)
		if err != nil {
			return nil, fmt.Errorf("list strategies: %w", err)
		}
		if len(active) > c.cfg.RosterSize {
			active = active[:c.cfg.RosterSize]
		}
		roster = active
	}

	for i := len(roster); i < c.cfg.RosterSize; i++ {
		seed := canonicalPool[i%len(canonicalPool)]
		s := model.Strategy{Name: seed.Name, Text: seed.Text}
		if c.strategies != nil {
			created, err := c.strategies.Create(ctx, s)
			if err != nil {
				return nil, fmt.Errorf("seed strategy %q: %w", s.Name, err)
			}
			roster = append(roster, *created)
			continue
		}
		s.ID = uuid.NewString()
		roster = append(roster, s)
	}
	return roster, nil
}
