package oracle

import (
	"math/rand"
	"sync"
	"time"
)

// degradeFraction is the share of either window at which callers should
// start shortening prompts.
const degradeFraction = 0.9

// RateTracker tracks request and token spend over a sliding 60 second
// window so callers can stay under the upstream per-minute limits instead
// of discovering them via 429s.
type RateTracker struct {
	mu sync.Mutex

	rpmLimit int
	tpmLimit int

	events []usageEvent

	consecutiveRateLimits int

	// skipUntil is the cooldown deadline set by upstream 429s. Allow refuses
	// every request until it passes.
	skipUntil time.Time

	now func() time.Time
}

type usageEvent struct {
	at     time.Time
	tokens int
}

// NewRateTracker builds a tracker for the given per-minute limits. Limits
// of zero disable the corresponding check.
func NewRateTracker(rpmLimit, tpmLimit int) *RateTracker {
	return &RateTracker{
		rpmLimit: rpmLimit,
		tpmLimit: tpmLimit,
		now:      time.Now,
	}
}

// prune drops events older than the window. Caller holds r.mu.
func (r *RateTracker) prune() {
	cutoff := r.now().Add(-time.Minute)
	i := 0
	for i < len(r.events) && r.events[i].at.Before(cutoff) {
		i++
	}
	r.events = r.events[i:]
}

// Allow reports whether a request with the given estimated token cost fits
// inside the current window. A live 429 cooldown refuses everything.
func (r *RateTracker) Allow(estTokens int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune()

	if r.now().Before(r.skipUntil) {
		return false
	}
	if r.rpmLimit > 0 && len(r.events)+1 > r.rpmLimit {
		return false
	}
	if r.tpmLimit > 0 {
		spent := 0
		for _, e := range r.events {
			spent += e.tokens
		}
		if spent+estTokens > r.tpmLimit {
			return false
		}
	}
	return true
}

// Record charges one completed request against the window. A success also
// ends any 429 cooldown.
func (r *RateTracker) Record(tokens int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune()
	r.events = append(r.events, usageEvent{at: r.now(), tokens: tokens})
	r.consecutiveRateLimits = 0
	r.skipUntil = time.Time{}
}

// RecordRateLimit notes an upstream 429 and arms a cooldown that doubles
// with each consecutive hit. Three in a row also flips ShouldDegrade
// regardless of what the local window says.
func (r *RateTracker) RecordRateLimit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveRateLimits++
	r.skipUntil = r.now().Add(Backoff(r.consecutiveRateLimits - 1))
}

// Status returns requests and tokens spent in the current window, plus the
// minutes until the oldest event slides out of it (0 with an empty window).
func (r *RateTracker) Status() (requests, tokens int, minutesUntilReset float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune()
	for _, e := range r.events {
		tokens += e.tokens
	}
	if len(r.events) > 0 {
		minutesUntilReset = r.events[0].at.Add(time.Minute).Sub(r.now()).Minutes()
		if minutesUntilReset < 0 {
			minutesUntilReset = 0
		}
	}
	return len(r.events), tokens, minutesUntilReset
}

// ShouldDegrade reports whether callers should switch to shortened prompts:
// either window is at 90% or the upstream has rate limited three requests
// in a row.
func (r *RateTracker) ShouldDegrade() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune()

	if r.consecutiveRateLimits >= 3 {
		return true
	}
	if r.rpmLimit > 0 && float64(len(r.events)) >= degradeFraction*float64(r.rpmLimit) {
		return true
	}
	if r.tpmLimit > 0 {
		spent := 0
		for _, e := range r.events {
			spent += e.tokens
		}
		if float64(spent) >= degradeFraction*float64(r.tpmLimit) {
			return true
		}
	}
	return false
}

// Backoff returns the retry delay for the given attempt: exponential from
// one second, capped at 30s, with up to 25% jitter.
func Backoff(attempt int) time.Duration {
	d := time.Second << uint(attempt)
	if d > 30*time.Second {
		d = 30 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 4))
	return d + jitter
}
