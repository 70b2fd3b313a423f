package tournament

import (
	"context"
	"strings"
	"testing"

	"github.com/splitgame/arena/internal/model"
)

func evolveFixture(balances []int) ([]model.Strategy, map[string]int) {
	names := []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot"}
	roster := make([]model.Strategy, len(balances))
	bal := make(map[string]int, len(balances))
	for i, b := range balances {
		roster[i] = model.Strategy{ID: names[i], Name: names[i], Text: "play " + names[i]}
		bal[names[i]] = b
	}
	return roster, bal
}

func totalCoins(roster []model.Strategy, balances map[string]int) int {
	total := 0
	for _, s := range roster {
		total += balances[s.ID]
	}
	return total
}

func TestEvolveBankruptcyBranch(t *testing.T) {
	roster, balances := evolveFixture([]int{900, 700, 600, 500, 300, 40})
	c := NewController(Config{RunID: "run"}, offlineOracle{}, nil)

	next, err := c.evolve(context.Background(), roster, balances)
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}
	if len(next) != 6 {
		t.Fatalf("expected roster of 6 after evolution, got %d", len(next))
	}
	for _, s := range next {
		if s.ID == "foxtrot" {
			t.Error("expected bankrupt foxtrot eliminated")
		}
	}

	// Median of the full pre-evolution roster: (500+600)/2.
	newcomer := next[5]
	if balances[newcomer.ID] != 550 {
		t.Errorf("expected newcomer balance 550, got %d", balances[newcomer.ID])
	}
	if newcomer.Generation != 1 {
		t.Errorf("expected generation 1, got %d", newcomer.Generation)
	}
	if newcomer.ParentID != "alpha" {
		t.Errorf("expected top survivor as parent, got %q", newcomer.ParentID)
	}

	// Delta 40-550 = -510 spread as -102 per survivor.
	if balances["alpha"] != 798 {
		t.Errorf("expected alpha at 798, got %d", balances["alpha"])
	}
	if got := totalCoins(next, balances); got != 3040 {
		t.Errorf("expected total coinage 3040, got %d", got)
	}
}

func TestEvolveForcedBottomTwo(t *testing.T) {
	roster, balances := evolveFixture([]int{700, 600, 500, 400, 300, 200})
	c := NewController(Config{RunID: "run"}, offlineOracle{}, nil)

	next, err := c.evolve(context.Background(), roster, balances)
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}
	for _, s := range next {
		if s.ID == "echo" || s.ID == "foxtrot" {
			t.Errorf("expected bottom-2 %s eliminated", s.ID)
		}
	}

	// Median (400+500)/2 = 450 for both newcomers; delta 500-900 = -400
	// costs each of the 4 survivors 100.
	for _, s := range next[4:] {
		if balances[s.ID] != 450 {
			t.Errorf("expected newcomer %s at 450, got %d", s.Name, balances[s.ID])
		}
	}
	if balances["alpha"] != 600 {
		t.Errorf("expected alpha at 600, got %d", balances["alpha"])
	}
	if got := totalCoins(next, balances); got != 2700 {
		t.Errorf("expected total coinage 2700, got %d", got)
	}
}

func TestEvolveRemainderGoesToTopSurvivor(t *testing.T) {
	roster, balances := evolveFixture([]int{800, 700, 600, 500, 400, 93})
	c := NewController(Config{RunID: "run"}, offlineOracle{}, nil)

	next, err := c.evolve(context.Background(), roster, balances)
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}
	// Delta 93-550 = -457: -91 each plus a -2 remainder on the leader.
	if balances["alpha"] != 707 {
		t.Errorf("expected alpha at 707, got %d", balances["alpha"])
	}
	if balances["bravo"] != 609 {
		t.Errorf("expected bravo at 609, got %d", balances["bravo"])
	}
	if got := totalCoins(next, balances); got != 3093 {
		t.Errorf("expected total coinage 3093, got %d", got)
	}
}

func TestEvolveSynthesisFromOracle(t *testing.T) {
	roster, balances := evolveFixture([]int{900, 700, 600, 500, 300, 40})
	oracle := &scriptedOracle{replies: map[string]string{
		breederID: "Here you go:\n```json\n{\"name\": \"Iron Accord\", \"strategy\": \"Open soft, close hard.\"}\n```",
	}}
	c := NewController(Config{RunID: "run"}, oracle, nil)

	next, err := c.evolve(context.Background(), roster, balances)
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}
	newcomer := next[5]
	if newcomer.Name != "Iron Accord" {
		t.Errorf("expected synthesized name, got %q", newcomer.Name)
	}
	if newcomer.Text != "Open soft, close hard." {
		t.Errorf("expected synthesized strategy, got %q", newcomer.Text)
	}

	// The breeding prompt names both inspirations.
	prompts := oracle.recordedPrompts()
	if len(prompts) != 1 {
		t.Fatalf("expected 1 synthesis prompt, got %d", len(prompts))
	}
	if !strings.Contains(prompts[0], "alpha") || !strings.Contains(prompts[0], "bravo") {
		t.Errorf("expected prompt to name the top-2 survivors: %s", prompts[0])
	}
}

func TestEvolvePersistsRetirementsAndOffspring(t *testing.T) {
	ctx := context.Background()
	repo := newMemStrategyRepo()
	var roster []model.Strategy
	balances := make(map[string]int)
	for i, b := range []int{700, 600, 500, 400, 300, 200} {
		s, err := repo.Create(ctx, model.Strategy{Name: canonicalPool[i].Name, Text: canonicalPool[i].Text})
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
		roster = append(roster, *s)
		balances[s.ID] = b
	}
	c := NewController(Config{RunID: "run"}, offlineOracle{}, repo)

	next, err := c.evolve(ctx, roster, balances)
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}
	if got := repo.retiredIDs(); len(got) != 2 {
		t.Errorf("expected 2 retired strategies, got %v", got)
	}
	active, _ := repo.ListActive(ctx)
	if len(active) != 6 {
		t.Errorf("expected 6 active strategies, got %d", len(active))
	}
	for _, s := range next[4:] {
		if s.ID == "" {
			t.Error("expected persisted offspring to carry a store ID")
		}
		if s.Generation != 1 {
			t.Errorf("expected offspring generation 1, got %d", s.Generation)
		}
	}
}

func TestInspirationWeights(t *testing.T) {
	cases := []struct {
		name       string
		bal1, bal2 int
		w1, w2     int
	}{
		{"both in profit", 900, 700, 66, 34},
		{"only one in profit", 800, 400, 100, 0},
		{"neither in profit", 450, 400, 50, 50},
		{"equal profit", 700, 700, 50, 50},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w1, w2 := inspirationWeights(tc.bal1, tc.bal2, 500)
			if w1 != tc.w1 || w2 != tc.w2 {
				t.Errorf("weights(%d, %d) = %d/%d, want %d/%d", tc.bal1, tc.bal2, w1, w2, tc.w1, tc.w2)
			}
		})
	}
}

func TestParseOffspring(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		ok   bool
	}{
		{"bare object", `{"name": "X", "strategy": "Y"}`, true},
		{"fenced with prose", "Sure!\n```json\n{\"name\": \"X\", \"strategy\": \"Y\"}\n```\nEnjoy.", true},
		{"missing strategy", `{"name": "X"}`, false},
		{"no json", "I refuse to answer.", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			name, text, ok := parseOffspring(tc.raw)
			if ok != tc.ok {
				t.Fatalf("ok = %v, want %v", ok, tc.ok)
			}
			if ok && (name != "X" || text != "Y") {
				t.Errorf("parsed %q/%q", name, text)
			}
		})
	}
}
