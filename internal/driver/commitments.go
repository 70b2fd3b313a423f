package driver

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/splitgame/arena/pkg/negotiation"
)

// Commitment kinds, classifying what a negotiation utterance promises.
const (
	KindVoteOffer         = "vote_offer"
	KindSeekingAllocation = "seeking_allocation"
	KindAlliance          = "alliance"
	KindThreat            = "threat"
	KindConditionalTrade  = "conditional_trade"
)

// Commitment is a promise extracted from negotiation chatter. Extraction is
// best-effort and advisory: commitments never gate resolution, they only
// feed the post-round trust report. Fulfilled stays nil for kinds that the
// voting phase cannot settle.
type Commitment struct {
	From               string `json:"from_player"`
	To                 string `json:"target_player"`
	Kind               string `json:"kind"`
	OfferedVotes       int    `json:"offered_votes,omitempty"`
	RequiredAllocation int    `json:"required_allocation,omitempty"`
	Fulfilled          *bool  `json:"fulfilled"`
	Raw                string `json:"raw"`
}

var (
	voteOfferRe = regexp.MustCompile(
		`(?i)\bi(?:'ll| will| promise to| can)?\s*(?:give|offer|send|cast|allocate|vote)\s+(?:you\s+)?(\d{1,3})\s*(?:votes?|%\s*of my votes?)`)
	seekingRe = regexp.MustCompile(
		`(?i)\b(?:give|allocate|leave|offer)\s+me\s+(?:at least\s+)?(\d{1,3})\s*(?:%|percent|tokens?)|\bi\s+(?:want|need|demand|expect)\s+(?:at least\s+)?(\d{1,3})\s*(?:%|percent|tokens?)`)
	conditionalRe = regexp.MustCompile(`(?i)\bif\s+you\b.+\bi(?:'ll| will)?\b`)
	threatRe      = regexp.MustCompile(`(?i)\bvote\s+(?:you\s+out|against\s+you)|\beliminate\s+you\b|\bzero\s+you\s+out\b|\btarget\s+you\b`)
	allianceRe    = regexp.MustCompile(`(?i)\balliance\b|\bwork\s+together\b|\bteam\s+up\b|\bstick\s+together\b|\bback\s+each\s+other\b`)
)

// ExtractCommitments scans one utterance, sentence by sentence, for promises
// directed at other players. The target is taken from explicit mentions of
// roster IDs in the sentence; sentences with no clear target yield nothing.
func ExtractCommitments(from, text string, roster []string) []Commitment {
	var out []Commitment
	for _, sentence := range strings.FieldsFunc(text, func(r rune) bool { return r == '.' || r == ';' || r == '\n' }) {
		c, ok := classifySentence(sentence)
		if !ok {
			continue
		}
		for _, id := range roster {
			if id == from || !containsWord(sentence, id) {
				continue
			}
			c.From = from
			c.To = id
			c.Raw = strings.TrimSpace(sentence)
			out = append(out, c)
		}
	}
	return out
}

// classifySentence tags one sentence with the strongest matching kind.
// Conditional trades outrank plain offers and demands because they carry
// both sides of the exchange.
func classifySentence(sentence string) (Commitment, bool) {
	var c Commitment
	offered := matchedAmount(voteOfferRe.FindStringSubmatch(sentence))
	required := matchedAmount(seekingRe.FindStringSubmatch(sentence))

	switch {
	case conditionalRe.MatchString(sentence) && (offered > 0 || required > 0):
		c.Kind = KindConditionalTrade
		c.OfferedVotes = offered
		c.RequiredAllocation = required
	case offered > 0:
		c.Kind = KindVoteOffer
		c.OfferedVotes = offered
	case required > 0:
		c.Kind = KindSeekingAllocation
		c.RequiredAllocation = required
	case threatRe.MatchString(sentence):
		c.Kind = KindThreat
	case allianceRe.MatchString(sentence):
		c.Kind = KindAlliance
	default:
		return Commitment{}, false
	}
	return c, true
}

// matchedAmount pulls the first populated capture group as an amount in
// 1..100, or 0 when there is no match or the number is out of range.
func matchedAmount(match []string) int {
	if len(match) < 2 {
		return 0
	}
	for _, g := range match[1:] {
		if g == "" {
			continue
		}
		n, err := strconv.Atoi(g)
		if err != nil || n <= 0 || n > 100 {
			return 0
		}
		return n
	}
	return 0
}

func containsWord(s, word string) bool {
	idx := 0
	lower := strings.ToLower(s)
	word = strings.ToLower(word)
	for {
		i := strings.Index(lower[idx:], word)
		if i < 0 {
			return false
		}
		i += idx
		beforeOK := i == 0 || !isWordChar(lower[i-1])
		after := i + len(word)
		afterOK := after >= len(lower) || !isWordChar(lower[after])
		if beforeOK && afterOK {
			return true
		}
		idx = i + 1
	}
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_'
}

// ResolveCommitments settles vote promises against the votes actually cast,
// filling in Fulfilled, and returns the broken ones. Kinds the voting phase
// cannot check (allocation demands, alliances, threats) keep a nil
// Fulfilled.
func ResolveCommitments(commitments []Commitment, votes map[string]negotiation.Vote) []Commitment {
	var broken []Commitment
	for i := range commitments {
		c := &commitments[i]
		if c.OfferedVotes <= 0 || (c.Kind != KindVoteOffer && c.Kind != KindConditionalTrade) {
			continue
		}
		v, cast := votes[c.From]
		honored := cast && v[c.To] >= c.OfferedVotes
		c.Fulfilled = &honored
		if !honored {
			broken = append(broken, *c)
		}
	}
	return broken
}
