package negotiation

// Game-level defaults. Process configuration may override these per game.
const (
	DefaultMaxPlayers           = 10
	DefaultEntryFee             = 100
	DefaultWinThreshold         = 0.61
	DefaultSelfShareFloor       = 17
	DefaultMaxRounds            = 10
	DefaultMaxNegotiationRounds = 5
	DefaultMatrixSubRounds      = 3

	// MinExplanationLen is the shortest acceptable matrix-row explanation.
	MinExplanationLen = 50

	// SumTolerance is the permitted rounding slack on sum-to-100 sections.
	SumTolerance = 1.0
)

// Rules carries the tunable game parameters. The zero value is not usable;
// construct with DefaultRules and override fields as needed.
type Rules struct {
	MaxPlayers           int
	EntryFee             int
	WinThreshold         float64
	SelfShareFloor       float64
	MaxRounds            int
	MaxNegotiationRounds int
	MatrixSubRounds      int
}

// DefaultRules returns the standard rule set.
func DefaultRules() Rules {
	return Rules{
		MaxPlayers:           DefaultMaxPlayers,
		EntryFee:             DefaultEntryFee,
		WinThreshold:         DefaultWinThreshold,
		SelfShareFloor:       DefaultSelfShareFloor,
		MaxRounds:            DefaultMaxRounds,
		MaxNegotiationRounds: DefaultMaxNegotiationRounds,
		MatrixSubRounds:      DefaultMatrixSubRounds,
	}
}

// PoolSize is the total prize pool for a game with n players.
func (r Rules) PoolSize(n int) int { return n * r.EntryFee }
