package negotiation

// Event is the tagged union of inputs to the state machine. Each concrete
// event carries exactly the data its transition arm needs.
type Event interface {
	// Kind returns the event tag, used for logging and guard messages.
	Kind() string
}

// PlayerJoin adds a player to the lobby.
type PlayerJoin struct {
	Player Player
}

// PlayerLeave marks a player disconnected. The matrix row remains.
type PlayerLeave struct {
	PlayerID string
}

// PlayerReconnect marks a disconnected player connected again.
type PlayerReconnect struct {
	PlayerID string
}

// PlayerReady marks a player ready and records their strategy text.
type PlayerReady struct {
	PlayerID string
	Strategy string
}

// StartGame moves lobby → strategy. Guard: ≥2 players, all ready.
type StartGame struct{}

// SubmitStrategy records a strategy message during the strategy phase.
type SubmitStrategy struct {
	PlayerID string
	Strategy string
}

// AllStrategiesSubmitted moves strategy → negotiation and fixes the
// speaking order with a deterministic shuffle.
type AllStrategiesSubmitted struct{}

// Speak advances the speaker cursor; at end of order either bumps the
// negotiation sub-round or promotes to the proposal phase.
type Speak struct{}

// SubmitProposal appends a proposal during the proposal phase.
type SubmitProposal struct {
	Proposal Proposal
}

// AllProposalsSubmitted moves proposal → voting.
type AllProposalsSubmitted struct{}

// SubmitVote records one voter's vote.
type SubmitVote struct {
	VoterID string
	Vote    Vote
}

// AllVotesSubmitted resolves the round: endgame on a winning proposal,
// elimination otherwise. The orchestrator computes the outcome (it needs
// the rule set) and passes it in so the machine stays pure.
type AllVotesSubmitted struct {
	Outcome Outcome
}

// Eliminate extends the eliminated set during the elimination phase.
type Eliminate struct {
	PlayerIDs []string
}

// Continue moves elimination → strategy (next round) or endgame when the
// round budget is spent.
type Continue struct{}

func (PlayerJoin) Kind() string             { return "PLAYER_JOIN" }
func (PlayerLeave) Kind() string            { return "PLAYER_LEAVE" }
func (PlayerReconnect) Kind() string        { return "PLAYER_RECONNECT" }
func (PlayerReady) Kind() string            { return "PLAYER_READY" }
func (StartGame) Kind() string              { return "START_GAME" }
func (SubmitStrategy) Kind() string         { return "SUBMIT_STRATEGY" }
func (AllStrategiesSubmitted) Kind() string { return "ALL_STRATEGIES_SUBMITTED" }
func (Speak) Kind() string                  { return "SPEAK" }
func (SubmitProposal) Kind() string         { return "SUBMIT_PROPOSAL" }
func (AllProposalsSubmitted) Kind() string  { return "ALL_PROPOSALS_SUBMITTED" }
func (SubmitVote) Kind() string             { return "SUBMIT_VOTE" }
func (AllVotesSubmitted) Kind() string      { return "ALL_VOTES_SUBMITTED" }
func (Eliminate) Kind() string              { return "ELIMINATE" }
func (Continue) Kind() string               { return "CONTINUE" }
