// Package driver turns LLM agents into game moves. It fans prompts out to
// every live agent, parses the structured replies, applies matrix updates,
// and substitutes deterministic fallbacks when an agent fails so a game
// never stalls on a flaky model.
package driver

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/splitgame/arena/internal/metrics"
	"github.com/splitgame/arena/internal/oracle"
	"github.com/splitgame/arena/pkg/negotiation"
)

// AgentOracle is the LLM surface the driver needs. Ask routes a prompt to
// the named player's conversation.
type AgentOracle interface {
	Ask(ctx context.Context, playerID, prompt string, temperature float64) (string, error)
	ShouldDegrade() bool
}

// LLMOracle adapts an oracle.Client into an AgentOracle with one
// conversation per player.
type LLMOracle struct {
	client *oracle.Client

	mu    sync.Mutex
	convs map[string]*oracle.Conversation
}

func NewLLMOracle(client *oracle.Client) *LLMOracle {
	return &LLMOracle{client: client, convs: make(map[string]*oracle.Conversation)}
}

// Bind pins a player's system prompt, replacing any prior conversation.
func (o *LLMOracle) Bind(playerID, system string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.convs[playerID] = o.client.NewConversation(system, 0)
}

func (o *LLMOracle) Ask(ctx context.Context, playerID, prompt string, temperature float64) (string, error) {
	o.mu.Lock()
	conv, ok := o.convs[playerID]
	o.mu.Unlock()
	if !ok {
		return "", errors.New("player has no bound conversation")
	}
	reply, err := conv.Ask(ctx, prompt, temperature)
	if errors.Is(err, oracle.ErrRateLimited) {
		metrics.OracleRateLimits.Inc()
	}
	return reply, err
}

func (o *LLMOracle) ShouldDegrade() bool {
	return o.client.Tracker().ShouldDegrade()
}

// MessageFunc receives each public negotiation message as it happens.
type MessageFunc func(playerID string, round, subRound int, content string)

// Driver runs the agent side of each phase.
type Driver struct {
	oracle      AgentOracle
	rules       negotiation.Rules
	concurrency int
	onMessage   MessageFunc

	mu          sync.Mutex
	commitments []Commitment
}

// New builds a Driver. concurrency bounds the fan-out per batch; 0 means 4.
func New(o AgentOracle, rules negotiation.Rules, concurrency int, onMessage MessageFunc) *Driver {
	if concurrency <= 0 {
		concurrency = 4
	}
	if onMessage == nil {
		onMessage = func(string, int, int, string) {}
	}
	return &Driver{oracle: o, rules: rules, concurrency: concurrency, onMessage: onMessage}
}

// Bind installs system prompts for every player, when the oracle supports
// conversations.
func (d *Driver) Bind(gs *negotiation.GameState) {
	binder, ok := d.oracle.(interface{ Bind(playerID, system string) })
	if !ok {
		return
	}
	roster := gs.PlayerIDs()
	for _, p := range gs.Players {
		binder.Bind(p.ID, systemPrompt(p, roster, d.rules))
	}
}

type agentResult struct {
	playerID string
	reply    string
	err      error
}

// fanOut asks every listed player concurrently, bounded by d.concurrency,
// and returns replies in a map. Errors are per-player, never fatal.
func (d *Driver) fanOut(ctx context.Context, gs *negotiation.GameState, ids []string, prompt func(id string) string) map[string]agentResult {
	sem := make(chan struct{}, d.concurrency)
	results := make(chan agentResult, len(ids))

	for _, id := range ids {
		go func(id string) {
			sem <- struct{}{}
			defer func() { <-sem }()

			temp := 0.7
			if p := gs.FindPlayer(id); p != nil && p.Agent.Temperature > 0 {
				temp = p.Agent.Temperature
			}
			reply, err := d.oracle.Ask(ctx, id, prompt(id), temp)
			results <- agentResult{playerID: id, reply: reply, err: err}
		}(id)
	}

	out := make(map[string]agentResult, len(ids))
	for range ids {
		r := <-results
		out[r.playerID] = r
	}
	return out
}

// askable returns the seats able to hold a conversation this sub-round:
// connected and eliminated players in roster order. Eliminated players keep
// negotiating because their vote sections still count; only disconnected
// seats skip straight to auto-play.
func askable(gs *negotiation.GameState) []string {
	var ids []string
	for _, p := range gs.Players {
		if p.Status != negotiation.StatusDisconnected {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// RunStrategy collects one strategy statement per live agent. Failed agents
// keep their standing strategy text.
func (d *Driver) RunStrategy(ctx context.Context, gs *negotiation.GameState) map[string]string {
	ids := connectedOf(gs, gs.PlayerIDs())
	replies := d.fanOut(ctx, gs, ids, func(string) string { return strategyPrompt(gs) })

	out := make(map[string]string, len(gs.Players))
	for _, p := range gs.Players {
		if p.Status == negotiation.StatusEliminated {
			continue
		}
		if r, ok := replies[p.ID]; ok && r.err == nil && r.reply != "" {
			out[p.ID] = r.reply
			continue
		}
		if r, ok := replies[p.ID]; ok && r.err != nil {
			log.Warn().Err(r.err).Str("playerId", p.ID).Msg("strategy call failed, keeping standing strategy")
			metrics.AgentFailures.WithLabelValues("strategy", "oracle").Inc()
		}
		out[p.ID] = p.Agent.Strategy
	}
	return out
}

// RunNegotiation runs the matrix sub-rounds: every seat gets a turn each
// sub-round. Connected and eliminated agents speak and rewrite their rows,
// with one retry on a refused update; disconnected seats and agents that
// stay unusable get the default row. Messages stream through onMessage.
func (d *Driver) RunNegotiation(ctx context.Context, gs *negotiation.GameState, m *negotiation.Matrix) error {
	degraded := d.oracle.ShouldDegrade()

	for sub := 1; sub <= d.rules.MatrixSubRounds; sub++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		matrixText := m.DisplayResults()
		replies := d.fanOut(ctx, gs, askable(gs), func(id string) string {
			var own []float64
			if idx := m.OwnerIndex(id); idx >= 0 {
				own = m.Row(idx)
			}
			return negotiationPrompt(gs, matrixText, own, sub, d.rules.MatrixSubRounds, degraded)
		})

		// Apply in canonical roster order so replays are stable.
		for _, p := range gs.Players {
			if p.Status == negotiation.StatusDisconnected {
				d.autoPlayRow(m, gs, p.ID)
				continue
			}
			if !d.applyNegotiationReply(ctx, gs, m, p.ID, sub, replies[p.ID]) {
				d.autoPlayRow(m, gs, p.ID)
			}
		}

		// A rate-limited batch degrades the remaining sub-rounds.
		if !degraded && d.oracle.ShouldDegrade() {
			degraded = true
			log.Warn().Str("gameId", gs.GameID).Int("subRound", sub).Msg("oracle budget tight, switching to short prompts")
		}
	}
	return ctx.Err()
}

// applyNegotiationReply parses and applies one agent turn, retrying once
// with the rejection reason. Reports whether a row was accepted.
func (d *Driver) applyNegotiationReply(ctx context.Context, gs *negotiation.GameState, m *negotiation.Matrix, id string, sub int, r agentResult) bool {
	if r.err != nil {
		log.Warn().Err(r.err).Str("playerId", id).Msg("negotiation call failed")
		metrics.AgentFailures.WithLabelValues("negotiation", "oracle").Inc()
		return false
	}

	reply := r.reply
	for attempt := 0; attempt < 2; attempt++ {
		parsed, err := parseMatrixReply(reply, m.Size())
		if err != nil {
			m.RecordViolation(id, negotiation.ViolationParseFailure, err.Error(), gs.Round)
			metrics.MatrixViolations.WithLabelValues(string(negotiation.ViolationParseFailure)).Inc()
		} else {
			rowIdx := m.OwnerIndex(id)
			applyErr := m.ApplyRow(id, rowIdx, parsed.Row, parsed.Explanation, gs.Round, d.rules.SelfShareFloor)
			if applyErr == nil {
				if parsed.Message != "" {
					d.onMessage(id, gs.Round, sub, parsed.Message)
				}
				d.recordCommitments(id, parsed.Message+" "+parsed.Explanation, gs.PlayerIDs())
				return true
			}
			metrics.MatrixViolations.WithLabelValues(string(negotiation.ViolationInvalidMatrix)).Inc()
			err = applyErr
		}

		if attempt == 1 {
			break
		}
		retry, askErr := d.oracle.Ask(ctx, id,
			"Your last update was rejected: "+err.Error()+
				". Reply again with a single valid JSON object {\"message\", \"explanation\", \"matrix_row\"}.", 0.3)
		if askErr != nil {
			metrics.AgentFailures.WithLabelValues("negotiation", "retry").Inc()
			return false
		}
		reply = retry
	}
	metrics.AgentFailures.WithLabelValues("negotiation", "invalid").Inc()
	return false
}

// autoPlayRow writes the default row for an agent that produced nothing
// usable this sub-round.
func (d *Driver) autoPlayRow(m *negotiation.Matrix, gs *negotiation.GameState, id string) {
	idx := m.OwnerIndex(id)
	if idx < 0 {
		return
	}
	row := negotiation.DefaultRow(m.Size(), idx, d.rules.SelfShareFloor)
	if err := m.ApplyRow(id, idx, row, autoPlayExplanation, gs.Round, d.rules.SelfShareFloor); err != nil {
		log.Error().Err(err).Str("playerId", id).Msg("auto-play row rejected")
	}
}

// RunProposals produces one proposal per active player: first derived from
// the player's matrix row, then a free-form ask, then the deterministic
// fallback split. Allocations always span the full roster, eliminated
// targets included.
func (d *Driver) RunProposals(ctx context.Context, gs *negotiation.GameState, m *negotiation.Matrix) []negotiation.Proposal {
	proposers := gs.ActivePlayers()
	targets := gs.PlayerIDs()

	needAsk := []string{}
	fromMatrix := make(map[string]negotiation.Proposal)
	for _, id := range proposers {
		if idx := m.OwnerIndex(id); idx >= 0 {
			if p, ok := m.ProposalFromRow(idx); ok {
				fromMatrix[id] = p
				continue
			}
		}
		needAsk = append(needAsk, id)
	}

	var replies map[string]agentResult
	if len(needAsk) > 0 {
		replies = d.fanOut(ctx, gs, connectedOf(gs, needAsk), func(string) string {
			return proposalPrompt(gs, targets, d.rules.SelfShareFloor)
		})
	}

	proposals := make([]negotiation.Proposal, 0, len(proposers))
	for _, id := range proposers {
		if p, ok := fromMatrix[id]; ok {
			proposals = append(proposals, p)
			continue
		}
		if r, ok := replies[id]; ok && r.err == nil {
			if alloc, err := parseAllocationReply(r.reply); err == nil {
				if norm, ok := normalizeAllocation(alloc, targets); ok && float64(norm[id]) >= d.rules.SelfShareFloor {
					proposals = append(proposals, negotiation.Proposal{ProposerID: id, Allocation: norm})
					continue
				}
			}
			metrics.AgentFailures.WithLabelValues("proposal", "invalid").Inc()
		} else if ok && r.err != nil {
			metrics.AgentFailures.WithLabelValues("proposal", "oracle").Inc()
		}
		proposals = append(proposals, negotiation.Proposal{
			ProposerID: id,
			Allocation: fallbackAllocation(targets, id, d.rules.SelfShareFloor),
		})
	}
	return proposals
}

// fallbackAllocation is the deterministic proposal fallback: an even split
// over the full roster, adjusted so the proposer keeps the self-share floor.
func fallbackAllocation(roster []string, proposerID string, floor float64) map[string]int {
	alloc := negotiation.EqualSplitAllocation(roster)
	self := int(math.Ceil(floor))
	if len(roster) < 2 || alloc[proposerID] >= self {
		return alloc
	}
	rest := 100 - self
	base, rem := rest/(len(roster)-1), rest%(len(roster)-1)
	i := 0
	for _, id := range roster {
		if id == proposerID {
			alloc[id] = self
			continue
		}
		alloc[id] = base
		if i < rem {
			alloc[id]++
		}
		i++
	}
	return alloc
}

// RunVotes collects a vote from every player. Eliminated players still
// vote; they just cannot propose.
func (d *Driver) RunVotes(ctx context.Context, gs *negotiation.GameState, m *negotiation.Matrix, proposals []negotiation.Proposal) map[string]negotiation.Vote {
	proposers := make([]string, 0, len(proposals))
	for _, p := range proposals {
		proposers = append(proposers, p.ProposerID)
	}
	sort.Strings(proposers)

	voters := gs.PlayerIDs()

	needAsk := []string{}
	fromMatrix := make(map[string]negotiation.Vote)
	for _, id := range voters {
		if idx := m.OwnerIndex(id); idx >= 0 {
			if v, ok := m.VoteFromRow(idx, proposers); ok {
				fromMatrix[id] = v
				continue
			}
		}
		needAsk = append(needAsk, id)
	}

	var replies map[string]agentResult
	if len(needAsk) > 0 {
		replies = d.fanOut(ctx, gs, connectedOf(gs, needAsk), func(string) string {
			return votePrompt(gs, proposals)
		})
	}

	votes := make(map[string]negotiation.Vote, len(voters))
	for _, id := range voters {
		if v, ok := fromMatrix[id]; ok {
			votes[id] = v
			continue
		}
		if r, ok := replies[id]; ok && r.err == nil {
			if alloc, err := parseAllocationReply(r.reply); err == nil {
				if norm, ok := normalizeAllocation(alloc, proposers); ok {
					votes[id] = negotiation.Vote(norm)
					continue
				}
			}
			metrics.AgentFailures.WithLabelValues("vote", "invalid").Inc()
		} else if ok && r.err != nil {
			metrics.AgentFailures.WithLabelValues("vote", "oracle").Inc()
		}
		votes[id] = negotiation.EqualSplitVote(proposers)
	}

	d.resolveCommitments(gs.GameID, votes)
	return votes
}

// recordCommitments accumulates promises parsed out of negotiation chatter
// until the round's votes resolve them.
func (d *Driver) recordCommitments(from, text string, roster []string) {
	cs := ExtractCommitments(from, text, roster)
	if len(cs) == 0 {
		return
	}
	d.mu.Lock()
	d.commitments = append(d.commitments, cs...)
	d.mu.Unlock()
}

// resolveCommitments settles the round's tracked promises against the votes
// actually cast. Advisory only: broken promises are logged, never enforced.
func (d *Driver) resolveCommitments(gameID string, votes map[string]negotiation.Vote) {
	d.mu.Lock()
	pending := d.commitments
	d.commitments = nil
	d.mu.Unlock()
	if len(pending) == 0 {
		return
	}

	broken := ResolveCommitments(pending, votes)
	for _, c := range broken {
		log.Info().Str("gameId", gameID).Str("from", c.From).Str("to", c.To).
			Int("offeredVotes", c.OfferedVotes).Str("kind", c.Kind).Msg("Commitment broken")
	}
	log.Debug().Str("gameId", gameID).Int("tracked", len(pending)).Int("broken", len(broken)).Msg("Commitments resolved")
}

// connectedOf filters ids down to connected players; disconnected and
// eliminated seats go straight to fallbacks without an oracle call.
func connectedOf(gs *negotiation.GameState, ids []string) []string {
	var out []string
	for _, id := range ids {
		if p := gs.FindPlayer(id); p != nil && p.Status == negotiation.StatusConnected {
			out = append(out, id)
		}
	}
	return out
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
