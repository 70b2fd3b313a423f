package driver

import (
	"fmt"
	"strings"

	"github.com/splitgame/arena/pkg/negotiation"
)

// autoPlayExplanation satisfies the explanation minimum when the engine
// writes a default row on behalf of a failed or disconnected agent.
const autoPlayExplanation = "Auto-play: agent unavailable, applying an even allocation with the minimum self-share."

func systemPrompt(p negotiation.Player, roster []string, rules negotiation.Rules) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s (id %s), an agent in a negotiation game with %d players: %s.\n",
		p.Name, p.ID, len(roster), strings.Join(roster, ", "))
	fmt.Fprintf(&b, "Each player staked %d coins. A proposal divides 100%% of the pool; it wins outright with at least %.0f%% of the votes.\n",
		rules.EntryFee, rules.WinThreshold*100)
	fmt.Fprintf(&b, "If no proposal wins, the proposer with the fewest votes is eliminated and a new round begins (max %d rounds).\n", rules.MaxRounds)
	b.WriteString("Eliminated players keep voting but can no longer propose. Your goal is to maximize your own payout.\n")
	if p.Agent.Strategy != "" {
		fmt.Fprintf(&b, "Your standing strategy: %s\n", p.Agent.Strategy)
	}
	b.WriteString("Always answer with a single JSON object and no other text unless asked otherwise.")
	return b.String()
}

func strategyPrompt(gs *negotiation.GameState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Round %d of %d is starting.\n", gs.Round, gs.MaxRounds)
	writeStandings(&b, gs)
	b.WriteString("State, in one or two sentences, the strategy you will pursue this round. Reply as plain text, no JSON.")
	return b.String()
}

// negotiationPrompt builds one agent's negotiation turn. The degraded
// variant keeps the oracle budget down: it carries only the player's own row
// and the section constraints, never the full matrix dump.
func negotiationPrompt(gs *negotiation.GameState, matrixText string, ownRow []float64, subRound, totalSubRounds int, degraded bool) string {
	var b strings.Builder
	if degraded {
		fmt.Fprintf(&b, "Negotiation %d/%d, round %d. Your row only; sections of %d are [token proposal, vote allocation, vote offers, token requests].\n",
			subRound, totalSubRounds, gs.Round, len(ownRow)/4)
		fmt.Fprintf(&b, "Your current row: %s\n", fmtRow(ownRow))
		b.WriteString("Proposal and vote sections must each sum to 100; keep at least 17 for yourself unless eliminated.\n")
		b.WriteString("Reply with JSON {\"message\", \"explanation\", \"matrix_row\"}. Explanation at least 50 characters.")
		return b.String()
	}

	fmt.Fprintf(&b, "Negotiation sub-round %d of %d, game round %d.\n", subRound, totalSubRounds, gs.Round)
	writeStandings(&b, gs)
	b.WriteString("Current negotiation matrix (one row per player, four sections per row):\n")
	b.WriteString(matrixText)
	b.WriteString("\nSections, in order: token proposal (must sum to 100), vote allocation (must sum to 100), ")
	b.WriteString("votes you offer to each player, tokens you request from each player.\n")
	b.WriteString("You may only rewrite your own row. Your proposal must keep at least 17 for yourself while you are not eliminated.\n")
	b.WriteString("Reply with a single JSON object: {\"message\": what you say to the table, ")
	b.WriteString("\"explanation\": why you set your row this way (at least 50 characters), ")
	b.WriteString("\"matrix_row\": your full updated row as a flat array of numbers}.")
	return b.String()
}

func proposalPrompt(gs *negotiation.GameState, targets []string, selfShareFloor float64) string {
	var b strings.Builder
	b.WriteString("The table moves to formal proposals.\n")
	writeStandings(&b, gs)
	fmt.Fprintf(&b, "Submit your allocation of 100%% of the pool across every player, eliminated seats included: %s.\n", strings.Join(targets, ", "))
	fmt.Fprintf(&b, "Keep at least %.0f%% for yourself.\n", selfShareFloor)
	b.WriteString("Reply with JSON {\"allocation\": {\"<player id>\": <integer percent>, ...}, \"reasoning\": \"...\"}. Percentages must sum to 100.")
	return b.String()
}

func votePrompt(gs *negotiation.GameState, proposals []negotiation.Proposal) string {
	var b strings.Builder
	b.WriteString("Voting is open. The proposals on the table:\n")
	for _, p := range proposals {
		fmt.Fprintf(&b, "  %s proposes: %s\n", p.ProposerID, formatAllocation(p.Allocation))
	}
	fmt.Fprintf(&b, "You hold 100 votes to split across the proposers. A proposal needs %.0f%% of all votes to win; ", negotiation.DefaultWinThreshold*100)
	b.WriteString("otherwise the lowest-voted proposer is eliminated.\n")
	b.WriteString("Reply with JSON {\"allocation\": {\"<proposer id>\": <votes>, ...}, \"reasoning\": \"...\"}. Votes must sum to 100.")
	return b.String()
}

func writeStandings(b *strings.Builder, gs *negotiation.GameState) {
	b.WriteString("Standings: ")
	parts := make([]string, 0, len(gs.Players))
	for _, p := range gs.Players {
		tag := p.ID
		switch p.Status {
		case negotiation.StatusEliminated:
			tag += " (eliminated)"
		case negotiation.StatusDisconnected:
			tag += " (disconnected)"
		}
		parts = append(parts, tag)
	}
	b.WriteString(strings.Join(parts, ", "))
	b.WriteString("\n")
}

func fmtRow(row []float64) string {
	parts := make([]string, len(row))
	for i, v := range row {
		parts[i] = fmt.Sprintf("%.1f", v)
	}
	return strings.Join(parts, " ")
}

func formatAllocation(alloc map[string]int) string {
	parts := make([]string, 0, len(alloc))
	for _, id := range sortedKeys(alloc) {
		parts = append(parts, fmt.Sprintf("%s=%d%%", id, alloc[id]))
	}
	return strings.Join(parts, " ")
}
