package tournament

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/splitgame/arena/internal/model"
)

// memStrategyRepo is an in-memory gene pool so tests run without Postgres.
type memStrategyRepo struct {
	mu         sync.Mutex
	seq        int
	strategies map[string]*model.Strategy
	order      []string
	snapshots  []model.TournamentSnapshot
}

func newMemStrategyRepo() *memStrategyRepo {
	return &memStrategyRepo{strategies: make(map[string]*model.Strategy)}
}

func (r *memStrategyRepo) Create(ctx context.Context, s model.Strategy) (*model.Strategy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == "" {
		r.seq++
		s.ID = fmt.Sprintf("strat-%d", r.seq)
	}
	s.CreatedAt = time.Now()
	cp := s
	r.strategies[s.ID] = &cp
	r.order = append(r.order, s.ID)
	out := s
	return &out, nil
}

func (r *memStrategyRepo) FindByID(ctx context.Context, id string) (*model.Strategy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.strategies[id]
	if !ok {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (r *memStrategyRepo) ListActive(ctx context.Context) ([]model.Strategy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Strategy
	for _, id := range r.order {
		if s := r.strategies[id]; !s.Retired {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *memStrategyRepo) RecordResult(ctx context.Context, id string, won bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.strategies[id]
	if !ok {
		return errors.New("strategy not found")
	}
	s.Games++
	if won {
		s.Wins++
	}
	return nil
}

func (r *memStrategyRepo) Retire(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.strategies[id]
	if !ok {
		return errors.New("strategy not found")
	}
	s.Retired = true
	return nil
}

func (r *memStrategyRepo) SaveSnapshot(ctx context.Context, s model.TournamentSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	s.ID = fmt.Sprintf("snap-%d", r.seq)
	s.CreatedAt = time.Now()
	r.snapshots = append(r.snapshots, s)
	return nil
}

func (r *memStrategyRepo) LatestSnapshot(ctx context.Context, runID string) (*model.TournamentSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.snapshots) - 1; i >= 0; i-- {
		if r.snapshots[i].RunID == runID {
			cp := r.snapshots[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *memStrategyRepo) retiredIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, id := range r.order {
		if r.strategies[id].Retired {
			out = append(out, id)
		}
	}
	return out
}

// offlineOracle fails every ask, so every seat auto-plays and synthesis
// falls back to the canonical pool.
type offlineOracle struct{}

func (offlineOracle) Ask(ctx context.Context, playerID, prompt string, temperature float64) (string, error) {
	return "", errors.New("oracle offline")
}

func (offlineOracle) ShouldDegrade() bool { return false }

// scriptedOracle answers per conversation key and records every prompt.
type scriptedOracle struct {
	mu      sync.Mutex
	replies map[string]string
	prompts []string
}

func (o *scriptedOracle) Ask(ctx context.Context, playerID, prompt string, temperature float64) (string, error) {
	o.mu.Lock()
	o.prompts = append(o.prompts, prompt)
	reply, ok := o.replies[playerID]
	o.mu.Unlock()
	if !ok {
		return "", errors.New("no scripted reply")
	}
	return reply, nil
}

func (o *scriptedOracle) ShouldDegrade() bool { return false }

func (o *scriptedOracle) recordedPrompts() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.prompts...)
}
