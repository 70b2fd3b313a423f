// Package negotiation implements the core engine for the token-split
// negotiation game: the phase state machine, the N×4N negotiation matrix,
// and vote resolution. The package is pure — no I/O, no clocks — so games
// are replayable from persisted state.
package negotiation

// Phase identifies a stage of game progress.
type Phase string

const (
	PhaseLobby       Phase = "lobby"
	PhaseStrategy    Phase = "strategy"
	PhaseNegotiation Phase = "negotiation"
	PhaseProposal    Phase = "proposal"
	PhaseVoting      Phase = "voting"
	PhaseElimination Phase = "elimination"
	PhaseEndgame     Phase = "endgame"
)

// PlayerStatus tracks a player's connection/elimination state.
type PlayerStatus string

const (
	StatusConnected    PlayerStatus = "connected"
	StatusDisconnected PlayerStatus = "disconnected"
	StatusEliminated   PlayerStatus = "eliminated"
)

// AgentProfile describes the LLM-backed agent bound to a player.
type AgentProfile struct {
	Strategy    string  `json:"strategy"`
	StrategyID  string  `json:"strategy_id,omitempty"`
	Model       string  `json:"model,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
}

// Player is a participant in one game.
type Player struct {
	ID     string       `json:"id"`
	Name   string       `json:"name"`
	Status PlayerStatus `json:"status"`
	Ready  bool         `json:"ready"`
	Agent  AgentProfile `json:"agent"`
}

// Proposal is one player's allocation of the 100-unit prize pool.
// Allocation maps player ID to an integer percentage; values sum to 100.
type Proposal struct {
	ProposerID string         `json:"proposer_id"`
	Allocation map[string]int `json:"allocation"`
}

// Vote maps proposer ID to the integer vote count a voter assigned it.
// Values sum to 100.
type Vote map[string]int

// GameState is the full persisted record for one game. It is the unit of
// persistence and the broadcast payload.
type GameState struct {
	GameID            string            `json:"game_id"`
	Phase             Phase             `json:"phase"`
	Round             int               `json:"round"`
	MaxRounds         int               `json:"max_rounds"`
	NegotiationRound  int               `json:"negotiation_round"`
	Players           []Player          `json:"players"`
	Eliminated        []string          `json:"eliminated"`
	Proposals         []Proposal        `json:"proposals"`
	Votes             map[string]Vote   `json:"votes"`
	SpeakingOrder     []string          `json:"speaking_order"`
	CurrentSpeakerIdx int               `json:"current_speaker_idx"`
	StrategyMessages  map[string]string `json:"strategy_messages"`
	WinnerProposal    *Proposal         `json:"winner_proposal,omitempty"`
	Ended             bool              `json:"ended"`

	// Matrix is optional in the persisted form. When absent on reload the
	// substrate is reinitialized and negotiation resumes from sub-round 1.
	Matrix *MatrixSnapshot `json:"matrix,omitempty"`
}

// NewGameState creates a fresh game in the lobby phase.
func NewGameState(gameID string, maxRounds int) *GameState {
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	return &GameState{
		GameID:           gameID,
		Phase:            PhaseLobby,
		Round:            0,
		MaxRounds:        maxRounds,
		Votes:            make(map[string]Vote),
		StrategyMessages: make(map[string]string),
	}
}

// FindPlayer returns the player with the given ID, or nil.
func (gs *GameState) FindPlayer(id string) *Player {
	for i := range gs.Players {
		if gs.Players[i].ID == id {
			return &gs.Players[i]
		}
	}
	return nil
}

// PlayerIndex returns the roster index of a player, or -1.
func (gs *GameState) PlayerIndex(id string) int {
	for i := range gs.Players {
		if gs.Players[i].ID == id {
			return i
		}
	}
	return -1
}

// IsEliminated reports whether a player has been eliminated.
func (gs *GameState) IsEliminated(id string) bool {
	for _, e := range gs.Eliminated {
		if e == id {
			return true
		}
	}
	return false
}

// ActivePlayers returns the IDs of non-eliminated players in roster order.
func (gs *GameState) ActivePlayers() []string {
	var ids []string
	for _, p := range gs.Players {
		if !gs.IsEliminated(p.ID) {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// PlayerIDs returns all roster IDs in order, eliminated included.
func (gs *GameState) PlayerIDs() []string {
	ids := make([]string, len(gs.Players))
	for i, p := range gs.Players {
		ids[i] = p.ID
	}
	return ids
}

// AllReady reports whether every player in the lobby has readied up.
func (gs *GameState) AllReady() bool {
	if len(gs.Players) < 2 {
		return false
	}
	for _, p := range gs.Players {
		if !p.Ready {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the state. Transition operates on copies so
// callers always hold an immutable previous state.
func (gs *GameState) Clone() *GameState {
	cp := *gs
	cp.Players = append([]Player(nil), gs.Players...)
	cp.Eliminated = append([]string(nil), gs.Eliminated...)
	cp.SpeakingOrder = append([]string(nil), gs.SpeakingOrder...)
	cp.Proposals = make([]Proposal, len(gs.Proposals))
	for i, p := range gs.Proposals {
		cp.Proposals[i] = Proposal{ProposerID: p.ProposerID, Allocation: copyIntMap(p.Allocation)}
	}
	cp.Votes = make(map[string]Vote, len(gs.Votes))
	for voter, v := range gs.Votes {
		cp.Votes[voter] = copyIntMap(v)
	}
	cp.StrategyMessages = make(map[string]string, len(gs.StrategyMessages))
	for k, v := range gs.StrategyMessages {
		cp.StrategyMessages[k] = v
	}
	if gs.WinnerProposal != nil {
		wp := Proposal{ProposerID: gs.WinnerProposal.ProposerID, Allocation: copyIntMap(gs.WinnerProposal.Allocation)}
		cp.WinnerProposal = &wp
	}
	if gs.Matrix != nil {
		cp.Matrix = gs.Matrix.clone()
	}
	return &cp
}

func copyIntMap(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
