// Package memory is a process-local round and plotter store. Nothing survives a
// restart; it backs the "memory" driver and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bardlex/roundproxy/internal/database/sqlutil"
	"github.com/bardlex/roundproxy/internal/mining"
)

// Store keeps rounds and plotters in maps.
type Store struct {
	mu       sync.Mutex
	rounds   map[string]*mining.Round
	plotters map[string]*mining.Plotter
	now      func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		rounds:   make(map[string]*mining.Round),
		plotters: make(map[string]*mining.Plotter),
		now:      time.Now,
	}
}

func (s *Store) GetRound(_ context.Context, upstreamID string, height uint64) (*mining.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rounds[mining.RoundKey(upstreamID, height)]
	if !ok {
		return nil, sqlutil.ErrNotFound
	}
	return r.Clone(), nil
}

func (s *Store) UpsertRound(_ context.Context, round *mining.Round) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := round.Clone()
	now := s.now()
	if prev, ok := s.rounds[c.Key()]; ok {
		c.CreatedAt = prev.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.rounds[c.Key()] = c
	return nil
}

// RecentRounds returns up to limit rounds of an upstream, oldest first.
func (s *Store) RecentRounds(_ context.Context, upstreamID string, limit int) ([]*mining.Round, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.roundsOf(upstreamID)
	if limit >= 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	for i, r := range out {
		out[i] = r.Clone()
	}
	return out, nil
}

// PruneRounds keeps the newest keep rounds of an upstream.
func (s *Store) PruneRounds(_ context.Context, upstreamID string, keep int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rounds := s.roundsOf(upstreamID)
	if len(rounds) <= keep {
		return 0, nil
	}
	stale := rounds[:len(rounds)-keep]
	for _, r := range stale {
		delete(s.rounds, r.Key())
	}
	return int64(len(stale)), nil
}

func (s *Store) roundsOf(upstreamID string) []*mining.Round {
	var out []*mining.Round
	for _, r := range s.rounds {
		if r.UpstreamID == upstreamID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Height < out[j].Height })
	return out
}

func (s *Store) GetPlotter(_ context.Context, upstreamID, accountID string) (*mining.Plotter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.plotters[upstreamID+"/"+accountID]
	if !ok {
		return nil, sqlutil.ErrNotFound
	}
	c := *p
	return &c, nil
}

func (s *Store) UpsertPlotter(_ context.Context, p *mining.Plotter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *p
	s.plotters[p.Key()] = &c
	return nil
}

// ActivePlotters returns plotters that submitted at or after minHeight.
func (s *Store) ActivePlotters(_ context.Context, upstreamID string, minHeight uint64) ([]*mining.Plotter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*mining.Plotter
	for _, p := range s.plotters {
		if p.UpstreamID == upstreamID && p.LastSubmitHeight >= minHeight {
			c := *p
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}

func (s *Store) Health(context.Context) error { return nil }
func (s *Store) Close() error                 { return nil }
