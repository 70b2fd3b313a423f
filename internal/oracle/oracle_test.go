package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/splitgame/arena/internal/metrics"
)

func completionServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *Client) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := NewClient(Options{
		URL:      srv.URL,
		APIKey:   "test-key",
		Model:    "test-model",
		Timeout:  5 * time.Second,
		RPMLimit: 100,
		TPMLimit: 100000,
	})
	return srv, c
}

func reply(w http.ResponseWriter, content string, tokens int) {
	json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
		"usage":   map[string]int{"total_tokens": tokens},
	})
}

func TestClient_Complete(t *testing.T) {
	var gotAuth string
	_, c := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Model != "test-model" {
			t.Errorf("model %q", req.Model)
		}
		reply(w, "hello", 42)
	})

	tokensBefore := testutil.ToFloat64(metrics.OracleTokens)
	out, usage, err := c.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != "hello" {
		t.Errorf("content %q", out)
	}
	if usage.TotalTokens != 42 {
		t.Errorf("usage %d", usage.TotalTokens)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("auth header %q", gotAuth)
	}

	reqs, tokens, _ := c.Tracker().Status()
	if reqs != 1 || tokens != 42 {
		t.Errorf("tracker recorded reqs=%d tokens=%d", reqs, tokens)
	}
	if got := testutil.ToFloat64(metrics.OracleTokens) - tokensBefore; got != 42 {
		t.Errorf("token counter moved by %v, want 42", got)
	}
}

func TestClient_RateLimitedResponse(t *testing.T) {
	_, c := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	// Drive the tracker clock manually so the test skips the 429 cooldowns.
	base := time.Now()
	elapsed := time.Duration(0)
	c.Tracker().now = func() time.Time { return base.Add(elapsed) }

	for i := 0; i < 3; i++ {
		if _, _, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "x"}}}); !errors.Is(err, ErrRateLimited) {
			t.Fatalf("expected ErrRateLimited, got %v", err)
		}
		elapsed += time.Minute
	}
	if !c.Tracker().ShouldDegrade() {
		t.Error("three consecutive 429s should flip ShouldDegrade")
	}
}

func TestClient_UpstreamAndBadResponse(t *testing.T) {
	var status atomic.Int32
	_, c := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		code := int(status.Load())
		w.WriteHeader(code)
		if code == http.StatusOK {
			w.Write([]byte(`{"choices":[]}`))
		}
	})

	status.Store(http.StatusBadGateway)
	if _, _, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "x"}}}); !errors.Is(err, ErrUpstream) {
		t.Errorf("502: expected ErrUpstream, got %v", err)
	}

	status.Store(http.StatusOK)
	if _, _, err := c.Complete(context.Background(), Request{Messages: []Message{{Role: "user", Content: "x"}}}); !errors.Is(err, ErrBadResponse) {
		t.Errorf("empty choices: expected ErrBadResponse, got %v", err)
	}
}

func TestConversation_KeepsHistory(t *testing.T) {
	var calls atomic.Int32
	_, c := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req Request
		json.NewDecoder(r.Body).Decode(&req)
		if req.Messages[0].Role != "system" {
			t.Error("system prompt must lead every request")
		}
		if calls.Add(1) == 2 && len(req.Messages) != 4 {
			// system + first user + first assistant + second user
			t.Errorf("second call carried %d messages, want 4", len(req.Messages))
		}
		reply(w, "ack", 10)
	})

	conv := c.NewConversation("you are player a", 0)
	if _, err := conv.Ask(context.Background(), "round 1", 0.7); err != nil {
		t.Fatalf("ask: %v", err)
	}
	if _, err := conv.Ask(context.Background(), "round 2", 0.7); err != nil {
		t.Fatalf("ask: %v", err)
	}
	if len(conv.History()) != 4 {
		t.Errorf("history length %d, want 4", len(conv.History()))
	}
}

func TestConversation_FailedAskLeavesHistory(t *testing.T) {
	_, c := completionServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	conv := c.NewConversation("sys", 0)
	if _, err := conv.Ask(context.Background(), "q", 0); err == nil {
		t.Fatal("expected error")
	}
	if len(conv.History()) != 0 {
		t.Error("failed ask must not pollute history")
	}
}

func TestRateTracker_Window(t *testing.T) {
	now := time.Now()
	r := NewRateTracker(10, 1000)
	r.now = func() time.Time { return now }

	for i := 0; i < 9; i++ {
		r.Record(100)
	}
	if r.Allow(150) {
		t.Error("token budget exhausted, should refuse")
	}
	if !r.ShouldDegrade() {
		t.Error("9/10 requests and 900/1000 tokens should degrade")
	}

	// Slide past the window; everything resets.
	now = now.Add(61 * time.Second)
	if !r.Allow(500) {
		t.Error("expired events should free the window")
	}
	if r.ShouldDegrade() {
		t.Error("fresh window should not degrade")
	}
}

func TestRateTracker_RPMRefusal(t *testing.T) {
	r := NewRateTracker(2, 0)
	r.Record(1)
	r.Record(1)
	if r.Allow(1) {
		t.Error("request budget exhausted, should refuse")
	}
}

func TestRateTracker_StatusReportsWindowReset(t *testing.T) {
	now := time.Now()
	r := NewRateTracker(10, 1000)
	r.now = func() time.Time { return now }

	if _, _, mins := r.Status(); mins != 0 {
		t.Errorf("empty window should report 0 minutes until reset, got %v", mins)
	}
	r.Record(100)
	now = now.Add(30 * time.Second)
	_, _, mins := r.Status()
	if mins < 0.45 || mins > 0.55 {
		t.Errorf("expected about half a minute until reset, got %v", mins)
	}
}

func TestRateTracker_RateLimitCooldown(t *testing.T) {
	now := time.Now()
	r := NewRateTracker(10, 0)
	r.now = func() time.Time { return now }

	r.RecordRateLimit()
	if r.Allow(1) {
		t.Fatal("a 429 must impose a cooldown")
	}
	first := r.skipUntil.Sub(now)
	if first < time.Second || first > 1250*time.Millisecond {
		t.Errorf("first cooldown %v, want 1s plus up to 25%% jitter", first)
	}

	// A second consecutive 429 doubles the cooldown.
	r.RecordRateLimit()
	second := r.skipUntil.Sub(now)
	if second < 2*time.Second || second > 2500*time.Millisecond {
		t.Errorf("second cooldown %v, want 2s plus up to 25%% jitter", second)
	}

	now = now.Add(3 * time.Second)
	if !r.Allow(1) {
		t.Error("elapsed cooldown should admit requests again")
	}
	r.Record(1)
	r.RecordRateLimit()
	third := r.skipUntil.Sub(now)
	if third > 1250*time.Millisecond {
		t.Errorf("a success must reset the cooldown ladder, got %v", third)
	}
}

func TestBackoff_CapsAndGrows(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 0; attempt < 4; attempt++ {
		d := Backoff(attempt)
		if d < prev {
			// Jitter is at most 25%, growth is 2x, so order holds.
			t.Errorf("attempt %d backoff %v shorter than previous %v", attempt, d, prev)
		}
		prev = d
	}
	if d := Backoff(10); d > 40*time.Second {
		t.Errorf("backoff should cap near 30s, got %v", d)
	}
}
