package negotiation

import "sort"

// TiebreakKind records which rule decided a contested outcome.
type TiebreakKind string

const (
	TiebreakNone   TiebreakKind = ""
	TiebreakGreed  TiebreakKind = "greed"
	TiebreakRandom TiebreakKind = "random"
)

// Outcome is the result of resolving a voting phase.
type Outcome struct {
	Winner      *Proposal      `json:"winner,omitempty"`
	WinnerShare float64        `json:"winner_share,omitempty"`
	Eliminated  []string       `json:"eliminated,omitempty"`
	Totals      map[string]int `json:"totals"`
	TotalVotes  int            `json:"total_votes"`
	Tiebreak    TiebreakKind   `json:"tiebreak,omitempty"`
}

// TallyVotes sums each proposer's votes across all voters, eliminated
// voters included.
func TallyVotes(votes map[string]Vote) (map[string]int, int) {
	totals := make(map[string]int)
	total := 0
	for _, v := range votes {
		for proposer, n := range v {
			totals[proposer] += n
			total += n
		}
	}
	return totals, total
}

// DecideOutcome resolves the current voting phase:
//   - a proposal whose vote share ≥ rules.WinThreshold wins outright;
//   - with exactly two non-eliminated proposers and no outright winner, the
//     two-player tiebreak picks a winner (lower self-share wins when the gap
//     exceeds 5 points, otherwise a seeded coin flip);
//   - otherwise the lowest-vote non-eliminated proposer is marked for
//     elimination, ties broken by seeded uniform choice.
//
// All randomness is seeded from (gameID, round) so resolution replays.
func DecideOutcome(gs *GameState, rules Rules) Outcome {
	totals, total := TallyVotes(gs.Votes)
	out := Outcome{Totals: totals, TotalVotes: total}

	proposals := make(map[string]Proposal, len(gs.Proposals))
	var live []string
	for _, p := range gs.Proposals {
		proposals[p.ProposerID] = p
		if !gs.IsEliminated(p.ProposerID) {
			live = append(live, p.ProposerID)
		}
	}
	if len(live) == 0 {
		return out
	}

	rng := NewRoundRNG(gs.GameID, gs.Round)

	// Outright winner: highest share at or above the threshold. Ties at the
	// top are broken by seeded choice.
	if total > 0 {
		best := bestProposers(live, totals)
		share := float64(totals[best[0]]) / float64(total)
		if share >= rules.WinThreshold {
			winner := proposals[best[rng.Intn(len(best))]]
			out.Winner = &winner
			out.WinnerShare = share
			return out
		}
	}

	if len(live) == 2 {
		winnerID, kind := twoPlayerTiebreak(proposals[live[0]], proposals[live[1]], totals, rng)
		winner := proposals[winnerID]
		out.Winner = &winner
		out.Tiebreak = kind
		if total > 0 {
			out.WinnerShare = float64(totals[winnerID]) / float64(total)
		}
		return out
	}

	// Eliminate the lowest-vote live proposer.
	lowest := lowestProposers(live, totals)
	out.Eliminated = []string{lowest[rng.Intn(len(lowest))]}
	return out
}

// twoPlayerTiebreak picks between two final proposers. When the vote totals
// differ the higher total wins; on a dead tie the less greedy proposal
// (lower self-share) wins if the gap exceeds 5 points, otherwise the call is
// a seeded coin flip.
func twoPlayerTiebreak(a, b Proposal, totals map[string]int, rng interface{ Intn(int) int }) (string, TiebreakKind) {
	if totals[a.ProposerID] > totals[b.ProposerID] {
		return a.ProposerID, TiebreakNone
	}
	if totals[b.ProposerID] > totals[a.ProposerID] {
		return b.ProposerID, TiebreakNone
	}
	selfA := a.Allocation[a.ProposerID]
	selfB := b.Allocation[b.ProposerID]
	diff := selfA - selfB
	if diff < 0 {
		diff = -diff
	}
	if diff > 5 {
		if selfA < selfB {
			return a.ProposerID, TiebreakGreed
		}
		return b.ProposerID, TiebreakGreed
	}
	if rng.Intn(2) == 0 {
		return a.ProposerID, TiebreakRandom
	}
	return b.ProposerID, TiebreakRandom
}

func bestProposers(ids []string, totals map[string]int) []string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	best := []string{sorted[0]}
	for _, id := range sorted[1:] {
		switch {
		case totals[id] > totals[best[0]]:
			best = []string{id}
		case totals[id] == totals[best[0]]:
			best = append(best, id)
		}
	}
	return best
}

func lowestProposers(ids []string, totals map[string]int) []string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	low := []string{sorted[0]}
	for _, id := range sorted[1:] {
		switch {
		case totals[id] < totals[low[0]]:
			low = []string{id}
		case totals[id] == totals[low[0]]:
			low = append(low, id)
		}
	}
	return low
}

// Payouts converts the winning allocation into coin payouts:
// allocation% × (players × entryFee). Players absent from the allocation
// receive 0.
func Payouts(winner Proposal, playerCount, entryFee int) map[string]int {
	pool := playerCount * entryFee
	out := make(map[string]int, len(winner.Allocation))
	for id, pct := range winner.Allocation {
		out[id] = pct * pool / 100
	}
	return out
}

// EqualSplitAllocation is the canonical fallback proposal: an even split of
// 100 over all roster IDs with the rounding remainder spread over the first
// IDs in roster order.
func EqualSplitAllocation(ids []string) map[string]int {
	n := len(ids)
	if n == 0 {
		return map[string]int{}
	}
	base := 100 / n
	rem := 100 % n
	out := make(map[string]int, n)
	for i, id := range ids {
		out[id] = base
		if i < rem {
			out[id]++
		}
	}
	return out
}

// EqualSplitVote is the canonical fallback vote: 100 votes spread evenly
// over the proposers.
func EqualSplitVote(proposers []string) Vote {
	return Vote(EqualSplitAllocation(proposers))
}

// DefaultRow builds the auto-play matrix row for a disconnected or failed
// agent: a uniform proposal with self-share pinned at the floor, a uniform
// vote allocation, and zero offers/requests.
func DefaultRow(n, selfIdx int, selfShareFloor float64) []float64 {
	row := make([]float64, 4*n)
	if n == 1 {
		row[0] = 100
		row[n] = 100
		return row
	}
	others := (100 - selfShareFloor) / float64(n-1)
	for j := 0; j < n; j++ {
		if j == selfIdx {
			row[j] = selfShareFloor
		} else {
			row[j] = others
		}
		row[n+j] = 100 / float64(n)
	}
	return row
}
