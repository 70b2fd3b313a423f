package negotiation

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidTransition is returned when an event does not apply to the
	// current phase. Callers treat it as a logged no-op, not a user error.
	ErrInvalidTransition = errors.New("event not valid in current phase")

	ErrGameFull      = errors.New("game is full")
	ErrNotAllReady   = errors.New("not all players are ready")
	ErrTooFewPlayers = errors.New("need at least 2 players to start")
	ErrUnknownPlayer = errors.New("player not in game")
)

// Transition applies one event to a game state and returns the next state.
// It is pure: the input state is never mutated, and the only randomness is
// the deterministic (gameID, round)-seeded shuffle for speaking order.
func Transition(gs *GameState, ev Event, rules Rules) (*GameState, error) {
	next := gs.Clone()

	switch e := ev.(type) {
	case PlayerJoin:
		if gs.Phase != PhaseLobby {
			return gs, phaseErr(ev, gs.Phase)
		}
		if gs.FindPlayer(e.Player.ID) != nil {
			return next, nil // idempotent join
		}
		if len(gs.Players) >= rules.MaxPlayers {
			return gs, ErrGameFull
		}
		p := e.Player
		if p.Status == "" {
			p.Status = StatusConnected
		}
		next.Players = append(next.Players, p)
		return next, nil

	case PlayerLeave:
		p := next.FindPlayer(e.PlayerID)
		if p == nil {
			return gs, ErrUnknownPlayer
		}
		if p.Status != StatusEliminated {
			p.Status = StatusDisconnected
		}
		return next, nil

	case PlayerReconnect:
		p := next.FindPlayer(e.PlayerID)
		if p == nil {
			return gs, ErrUnknownPlayer
		}
		if p.Status == StatusDisconnected {
			p.Status = StatusConnected
		}
		return next, nil

	case PlayerReady:
		if gs.Phase != PhaseLobby {
			return gs, phaseErr(ev, gs.Phase)
		}
		p := next.FindPlayer(e.PlayerID)
		if p == nil {
			return gs, ErrUnknownPlayer
		}
		p.Ready = true
		if e.Strategy != "" {
			p.Agent.Strategy = e.Strategy
			next.StrategyMessages[e.PlayerID] = e.Strategy
		}
		return next, nil

	case StartGame:
		if gs.Phase != PhaseLobby {
			return gs, phaseErr(ev, gs.Phase)
		}
		if len(gs.Players) < 2 {
			return gs, ErrTooFewPlayers
		}
		if !gs.AllReady() {
			return gs, ErrNotAllReady
		}
		next.Phase = PhaseStrategy
		next.Round = 1
		next.NegotiationRound = 0
		next.Proposals = nil
		next.Votes = make(map[string]Vote)
		next.Eliminated = nil
		next.WinnerProposal = nil
		next.Ended = false
		return next, nil

	case SubmitStrategy:
		if gs.Phase != PhaseStrategy {
			return gs, phaseErr(ev, gs.Phase)
		}
		if next.FindPlayer(e.PlayerID) == nil {
			return gs, ErrUnknownPlayer
		}
		next.StrategyMessages[e.PlayerID] = e.Strategy
		return next, nil

	case AllStrategiesSubmitted:
		if gs.Phase != PhaseStrategy {
			return gs, phaseErr(ev, gs.Phase)
		}
		next.Phase = PhaseNegotiation
		next.NegotiationRound = 1
		next.SpeakingOrder = shuffledOrder(gs.ActivePlayers(), gs.GameID, gs.Round)
		next.CurrentSpeakerIdx = 0
		return next, nil

	case Speak:
		if gs.Phase != PhaseNegotiation {
			return gs, phaseErr(ev, gs.Phase)
		}
		next.CurrentSpeakerIdx++
		if next.CurrentSpeakerIdx >= len(next.SpeakingOrder) {
			if next.NegotiationRound < rules.MaxNegotiationRounds {
				next.NegotiationRound++
				next.CurrentSpeakerIdx = 0
			} else {
				next.Phase = PhaseProposal
				next.CurrentSpeakerIdx = 0
				next.Proposals = nil
			}
		}
		return next, nil

	case SubmitProposal:
		if gs.Phase != PhaseProposal {
			return gs, phaseErr(ev, gs.Phase)
		}
		if gs.IsEliminated(e.Proposal.ProposerID) {
			return gs, fmt.Errorf("eliminated player %s cannot propose: %w", e.Proposal.ProposerID, ErrInvalidTransition)
		}
		for _, p := range gs.Proposals {
			if p.ProposerID == e.Proposal.ProposerID {
				return next, nil // one proposal per proposer
			}
		}
		next.Proposals = append(next.Proposals, e.Proposal)
		return next, nil

	case AllProposalsSubmitted:
		if gs.Phase != PhaseProposal {
			return gs, phaseErr(ev, gs.Phase)
		}
		next.Phase = PhaseVoting
		next.Votes = make(map[string]Vote)
		return next, nil

	case SubmitVote:
		if gs.Phase != PhaseVoting {
			return gs, phaseErr(ev, gs.Phase)
		}
		if next.FindPlayer(e.VoterID) == nil {
			return gs, ErrUnknownPlayer
		}
		next.Votes[e.VoterID] = copyIntMap(e.Vote)
		return next, nil

	case AllVotesSubmitted:
		if gs.Phase != PhaseVoting {
			return gs, phaseErr(ev, gs.Phase)
		}
		if e.Outcome.Winner != nil {
			wp := *e.Outcome.Winner
			wp.Allocation = copyIntMap(e.Outcome.Winner.Allocation)
			next.WinnerProposal = &wp
			next.Ended = true
			next.Phase = PhaseEndgame
		} else {
			next.Phase = PhaseElimination
		}
		return next, nil

	case Eliminate:
		if gs.Phase != PhaseElimination {
			return gs, phaseErr(ev, gs.Phase)
		}
		for _, id := range e.PlayerIDs {
			if next.IsEliminated(id) {
				continue
			}
			next.Eliminated = append(next.Eliminated, id)
			if p := next.FindPlayer(id); p != nil {
				p.Status = StatusEliminated
			}
		}
		return next, nil

	case Continue:
		if gs.Phase != PhaseElimination {
			return gs, phaseErr(ev, gs.Phase)
		}
		if gs.Round >= gs.MaxRounds {
			next.Phase = PhaseEndgame
			next.Ended = true
			return next, nil
		}
		next.Round++
		next.Phase = PhaseStrategy
		next.NegotiationRound = 0
		next.Proposals = nil
		next.Votes = make(map[string]Vote)
		next.SpeakingOrder = nil
		next.CurrentSpeakerIdx = 0
		return next, nil

	default:
		return gs, fmt.Errorf("unknown event %T: %w", ev, ErrInvalidTransition)
	}
}

func phaseErr(ev Event, phase Phase) error {
	return fmt.Errorf("%s in phase %s: %w", ev.Kind(), phase, ErrInvalidTransition)
}
