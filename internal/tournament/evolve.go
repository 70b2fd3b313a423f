package tournament

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/splitgame/arena/internal/model"
)

// breederID is the oracle conversation key used for strategy synthesis.
const breederID = "breeder"

const breederSystem = `You design negotiation strategies for a multiplayer ` +
	`split-the-pot game. When asked, reply with a single JSON object ` +
	`{"name": "...", "strategy": "..."}: a short distinctive name and a ` +
	`2-4 sentence strategy an agent can follow at the table.`

// canonicalPool seeds fresh rosters and substitutes for failed synthesis
// calls, rotating so repeated failures still diversify the pool.
var canonicalPool = []model.Strategy{
	{Name: "Hard Bargainer", Text: "Open with an aggressive self-share and concede slowly. Reward anyone who votes your way with a slightly better cut next round; punish defectors with zero."},
	{Name: "Coalition Builder", Text: "Pick the two players most likely to survive and offer them generous, stable shares early. Vote as a bloc and split the remainder thin across everyone else."},
	{Name: "Fair Dealer", Text: "Propose near-equal splits with a small premium for yourself. Vote for the most balanced proposal on the table and say so, building trust for the late rounds."},
	{Name: "Opportunist", Text: "Track which proposer is closest to the winning threshold and trade your vote for the best personal share. Never commit earlier than the final sub-round."},
	{Name: "Kingmaker", Text: "Avoid leading the vote count. Keep two rivals locked near a tie and make both bid for your support, then back whichever one pays you more."},
	{Name: "Attrition Player", Text: "Aim proposals at eliminating the current vote leader rather than winning outright. Outlast the field, then take the two-player endgame."},
}

// bankruptcyBranch and forcedBranch label which elimination rule fired.
const (
	bankruptcyBranch = "bankruptcy"
	forcedBranch     = "forced"
)

// evolve retires the weakest strategies and breeds replacements. Survivors
// keep their balances, each newcomer starts at the median balance of the
// full pre-evolution roster, and the leftover coins from the eliminated are
// spread across survivors so total coinage is conserved exactly.
// The balances map is updated in place.
func (c *Controller) evolve(ctx context.Context, roster []model.Strategy, balances map[string]int) ([]model.Strategy, error) {
	preTotal := 0
	for _, s := range roster {
		preTotal += balances[s.ID]
	}
	median := medianBalance(roster, balances)

	eliminated := pickEliminated(roster, balances, c.cfg.Bankruptcy)
	branch := bankruptcyBranch
	if len(eliminated) == 0 {
		branch = forcedBranch
		eliminated = bottomTwo(roster, balances)
	}
	if len(roster)-len(eliminated) < 2 {
		log.Warn().Int("roster", len(roster)).Int("eliminated", len(eliminated)).Msg("Evolution skipped, too few survivors")
		return roster, nil
	}

	elim := make(map[string]bool, len(eliminated))
	elimCoins := 0
	for _, s := range eliminated {
		elim[s.ID] = true
		elimCoins += balances[s.ID]
	}

	survivors := make([]model.Strategy, 0, len(roster)-len(eliminated))
	for _, s := range roster {
		if !elim[s.ID] {
			survivors = append(survivors, s)
		}
	}
	ranked := append([]model.Strategy(nil), survivors...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return balances[ranked[i].ID] > balances[ranked[j].ID]
	})
	gen := maxGeneration(roster) + 1

	newcomers := make([]model.Strategy, 0, len(eliminated))
	for range eliminated {
		ns, err := c.breed(ctx, ranked, balances, gen)
		if err != nil {
			return nil, err
		}
		newcomers = append(newcomers, ns)
		balances[ns.ID] = median
	}

	// Conservation: whatever the eliminated held beyond what the newcomers
	// were granted flows back to the survivors, remainder to the leader.
	delta := elimCoins - median*len(newcomers)
	share := delta / len(survivors)
	for _, s := range survivors {
		balances[s.ID] += share
	}
	balances[ranked[0].ID] += delta - share*len(survivors)

	for _, s := range eliminated {
		delete(balances, s.ID)
		if c.strategies != nil {
			if err := c.strategies.Retire(ctx, s.ID); err != nil {
				return nil, fmt.Errorf("retire %s: %w", s.Name, err)
			}
		}
	}

	next := append(survivors, newcomers...)
	postTotal := 0
	for _, s := range next {
		postTotal += balances[s.ID]
	}
	if postTotal != preTotal {
		return nil, fmt.Errorf("coin conservation violated: %d before, %d after", preTotal, postTotal)
	}

	names := make([]string, 0, len(eliminated))
	for _, s := range eliminated {
		names = append(names, s.Name)
	}
	log.Info().Str("branch", branch).Strs("eliminated", names).
		Int("median", median).Int("generation", gen).Msg("Roster evolved")
	return next, nil
}

// pickEliminated returns the bankrupt strategies, in roster order.
func pickEliminated(roster []model.Strategy, balances map[string]int, floor int) []model.Strategy {
	var out []model.Strategy
	for _, s := range roster {
		if balances[s.ID] < floor {
			out = append(out, s)
		}
	}
	return out
}

// bottomTwo returns the two lowest-balance strategies, roster order breaking
// ties.
func bottomTwo(roster []model.Strategy, balances map[string]int) []model.Strategy {
	ranked := append([]model.Strategy(nil), roster...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return balances[ranked[i].ID] < balances[ranked[j].ID]
	})
	if len(ranked) > 2 {
		ranked = ranked[:2]
	}
	return ranked
}

// medianBalance is the median over the full roster; an even count averages
// the middle pair.
func medianBalance(roster []model.Strategy, balances map[string]int) int {
	vals := make([]int, 0, len(roster))
	for _, s := range roster {
		vals = append(vals, balances[s.ID])
	}
	sort.Ints(vals)
	n := len(vals)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return vals[n/2]
	}
	return (vals[n/2-1] + vals[n/2]) / 2
}

func maxGeneration(roster []model.Strategy) int {
	max := 0
	for _, s := range roster {
		if s.Generation > max {
			max = s.Generation
		}
	}
	return max
}

// breed synthesizes one offspring from the top-2 ranked survivors, weighted
// by profit above the starting balance. A failed or unparseable oracle call
// substitutes the next canonical strategy instead.
func (c *Controller) breed(ctx context.Context, ranked []model.Strategy, balances map[string]int, gen int) (model.Strategy, error) {
	top, second := ranked[0], ranked[1]
	w1, w2 := inspirationWeights(balances[top.ID], balances[second.ID], c.cfg.StartingBalance)

	ns := model.Strategy{Generation: gen, ParentID: top.ID}
	reply, err := c.oracle.Ask(ctx, breederID, breedPrompt(top, second, w1, w2), 0.9)
	if err == nil {
		if name, text, ok := parseOffspring(reply); ok {
			ns.Name, ns.Text = name, text
		}
	} else {
		log.Warn().Err(err).Msg("Strategy synthesis call failed")
	}
	if ns.Name == "" || ns.Text == "" {
		seed := canonicalPool[c.fallbackIdx%len(canonicalPool)]
		c.fallbackIdx++
		ns.Name, ns.Text = seed.Name, seed.Text
		log.Info().Str("name", ns.Name).Msg("Substituting canonical strategy")
	}

	if c.strategies != nil {
		created, err := c.strategies.Create(ctx, ns)
		if err != nil {
			return model.Strategy{}, fmt.Errorf("create offspring %q: %w", ns.Name, err)
		}
		return *created, nil
	}
	ns.ID = uuid.NewString()
	return ns, nil
}

// inspirationWeights splits 100 between the two parents by their share of
// profit above the starting balance, falling back to 50/50 when neither is
// in profit.
func inspirationWeights(bal1, bal2, baseline int) (int, int) {
	p1, p2 := bal1-baseline, bal2-baseline
	if p1 < 0 {
		p1 = 0
	}
	if p2 < 0 {
		p2 = 0
	}
	if p1+p2 == 0 {
		return 50, 50
	}
	w1 := p1 * 100 / (p1 + p2)
	return w1, 100 - w1
}

func breedPrompt(top, second model.Strategy, w1, w2 int) string {
	var b strings.Builder
	b.WriteString("Two strategies survived the last tournament. Blend them into one new strategy, ")
	fmt.Fprintf(&b, "drawing roughly %d%% from the first and %d%% from the second.\n\n", w1, w2)
	fmt.Fprintf(&b, "First (%q): %s\n\n", top.Name, top.Text)
	fmt.Fprintf(&b, "Second (%q): %s\n\n", second.Name, second.Text)
	b.WriteString(`Reply with one JSON object {"name": "...", "strategy": "..."}.`)
	return b.String()
}

// parseOffspring pulls the {name, strategy} object out of a reply that may
// carry prose or a code fence around it.
func parseOffspring(raw string) (name, text string, ok bool) {
	start := strings.Index(raw, "{")
	if start < 0 {
		return "", "", false
	}
	var r struct {
		Name     string `json:"name"`
		Strategy string `json:"strategy"`
	}
	dec := json.NewDecoder(strings.NewReader(raw[start:]))
	if err := dec.Decode(&r); err != nil {
		return "", "", false
	}
	r.Name = strings.TrimSpace(r.Name)
	r.Strategy = strings.TrimSpace(r.Strategy)
	if r.Name == "" || r.Strategy == "" {
		return "", "", false
	}
	return r.Name, r.Strategy, true
}
