package negotiation

import (
	"fmt"
	"hash/fnv"
	"math/rand"
)

// gameSeed derives a deterministic seed from (gameID, round) so shuffles and
// tie-breaks replay identically from persisted state.
func gameSeed(gameID string, round int) int64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s:%d", gameID, round)
	return int64(h.Sum64())
}

// NewRoundRNG returns the deterministic RNG for one (gameID, round) pair.
func NewRoundRNG(gameID string, round int) *rand.Rand {
	return rand.New(rand.NewSource(gameSeed(gameID, round)))
}

// shuffledOrder returns a deterministic permutation of ids for the given
// game and round.
func shuffledOrder(ids []string, gameID string, round int) []string {
	order := append([]string(nil), ids...)
	rng := NewRoundRNG(gameID, round)
	rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	return order
}
