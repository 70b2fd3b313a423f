// Package oracle is the LLM backend client. It speaks the chat-completions
// wire format, tracks per-minute rate budgets, and keeps per-player
// conversation history so agents remember earlier rounds.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/splitgame/arena/internal/metrics"
)

var (
	ErrRateLimited = errors.New("oracle rate limited")
	ErrTimeout     = errors.New("oracle request timed out")
	ErrUpstream    = errors.New("oracle upstream error")
	ErrBadResponse = errors.New("oracle returned an unusable response")
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Usage reports token spend for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Request is one completion call.
type Request struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type apiResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Options configures a Client.
type Options struct {
	URL      string
	APIKey   string
	Model    string
	Timeout  time.Duration
	RPMLimit int
	TPMLimit int
}

// Client is a chat-completions client with admission control. Safe for
// concurrent use.
type Client struct {
	httpClient *http.Client
	url        string
	apiKey     string
	model      string
	timeout    time.Duration
	tracker    *RateTracker
}

// NewClient builds a Client. Zero Timeout defaults to 30s.
func NewClient(opts Options) *Client {
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: opts.Timeout},
		url:        opts.URL,
		apiKey:     opts.APIKey,
		model:      opts.Model,
		timeout:    opts.Timeout,
		tracker:    NewRateTracker(opts.RPMLimit, opts.TPMLimit),
	}
}

// Tracker exposes the rate tracker so drivers can check ShouldDegrade.
func (c *Client) Tracker() *RateTracker { return c.tracker }

// estimateTokens is a rough chars/4 heuristic, good enough for admission.
func estimateTokens(msgs []Message) int {
	n := 0
	for _, m := range msgs {
		n += len(m.Content) / 4
	}
	return n + 200 // completion headroom
}

// Complete performs one completion. When the local window is full it waits,
// honoring ctx, rather than burning a request on a guaranteed 429.
func (c *Client) Complete(ctx context.Context, req Request) (string, Usage, error) {
	if req.Model == "" {
		req.Model = c.model
	}

	est := estimateTokens(req.Messages)
	for !c.tracker.Allow(est) {
		select {
		case <-ctx.Done():
			return "", Usage{}, fmt.Errorf("waiting for rate window: %w", ErrTimeout)
		case <-time.After(500 * time.Millisecond):
		}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", Usage{}, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", Usage{}, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return "", Usage{}, fmt.Errorf("%w: %v", ErrTimeout, err)
		}
		return "", Usage{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", Usage{}, fmt.Errorf("%w: read body: %v", ErrUpstream, err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.tracker.RecordRateLimit()
		log.Warn().Int("status", resp.StatusCode).Msg("oracle rate limited")
		return "", Usage{}, ErrRateLimited
	case resp.StatusCode >= 500:
		return "", Usage{}, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", Usage{}, fmt.Errorf("%w: status %d: %s", ErrBadResponse, resp.StatusCode, truncate(raw, 200))
	}

	var parsed apiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", Usage{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if parsed.Error != nil {
		return "", Usage{}, fmt.Errorf("%w: %s", ErrUpstream, parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", Usage{}, fmt.Errorf("%w: empty choices", ErrBadResponse)
	}

	tokens := parsed.Usage.TotalTokens
	if tokens == 0 {
		tokens = est
	}
	c.tracker.Record(tokens)
	metrics.OracleTokens.Add(float64(tokens))

	return parsed.Choices[0].Message.Content, parsed.Usage, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Conversation is per-player chat memory: a pinned system prompt plus the
// accumulated turn history. Safe for concurrent use, though each player is
// normally driven by one goroutine at a time.
type Conversation struct {
	mu      sync.Mutex
	client  *Client
	system  string
	history []Message
	maxLen  int
}

// NewConversation pins the system prompt. History is capped at maxLen turns
// (0 means 40); older turns are dropped from the front.
func (c *Client) NewConversation(system string, maxLen int) *Conversation {
	if maxLen == 0 {
		maxLen = 40
	}
	return &Conversation{client: c, system: system, maxLen: maxLen}
}

// Ask appends a user turn, completes it, records the assistant reply, and
// returns the reply text. Failed completions leave the history unchanged.
func (conv *Conversation) Ask(ctx context.Context, content string, temperature float64) (string, error) {
	conv.mu.Lock()
	msgs := make([]Message, 0, len(conv.history)+2)
	msgs = append(msgs, Message{Role: "system", Content: conv.system})
	msgs = append(msgs, conv.history...)
	msgs = append(msgs, Message{Role: "user", Content: content})
	conv.mu.Unlock()

	reply, _, err := conv.client.Complete(ctx, Request{Messages: msgs, Temperature: temperature})
	if err != nil {
		return "", err
	}

	conv.mu.Lock()
	conv.history = append(conv.history,
		Message{Role: "user", Content: content},
		Message{Role: "assistant", Content: reply},
	)
	if len(conv.history) > conv.maxLen {
		conv.history = conv.history[len(conv.history)-conv.maxLen:]
	}
	conv.mu.Unlock()

	return reply, nil
}

// History returns a copy of the accumulated turns.
func (conv *Conversation) History() []Message {
	conv.mu.Lock()
	defer conv.mu.Unlock()
	return append([]Message(nil), conv.history...)
}
