// Package scheduler merges round changes from many upstreams into one active
// round, using weight-based preemption and timed rotation.
package scheduler

import (
	"math"
	"sync"
	"time"

	"github.com/bardlex/roundproxy/internal/mining"
	"github.com/bardlex/roundproxy/pkg/log"
)

// DefaultWeight is used when a source reports no weight.
const DefaultWeight = 10

// State is the lifecycle of a scheduled round.
type State int

const (
	// StateQueued - waiting in the queue
	StateQueued State = iota
	// StateActive - exposed to miners, scan timer running
	StateActive
	// StateCompleted - scan budget used up
	StateCompleted
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateActive:
		return "active"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Source is the upstream side of a scheduled round.
type Source interface {
	ID() string
	Weight() int
	ScanTime() time.Duration
}

// Timer is a cancellable one-shot timer. Stop on a fired or stopped timer is a no-op.
type Timer interface {
	Stop() bool
}

// TimerFunc starts a timer calling f after d.
type TimerFunc func(d time.Duration, f func()) Timer

func afterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Round is a snapshot of a scheduled round.
type Round struct {
	UpstreamID string
	Info       *mining.MiningInfo
	Weight     float64
	State      State
	StartedAt  time.Time
	ScanTime   time.Duration
}

type currentRound struct {
	source    Source
	info      *mining.MiningInfo
	weight    float64
	state     State
	startedAt time.Time
	timer     Timer
	// gen invalidates timers from earlier activations
	gen uint64
}

func (c *currentRound) upstreamID() string {
	if c.source == nil {
		return ""
	}
	return c.source.ID()
}

func (c *currentRound) snapshot() Round {
	r := Round{
		UpstreamID: c.upstreamID(),
		Info:       c.info,
		Weight:     c.weight,
		State:      c.state,
		StartedAt:  c.startedAt,
	}
	if c.source != nil {
		r.ScanTime = c.source.ScanTime()
	}
	return r
}

func (c *currentRound) cancel() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithTimerFunc replaces time.AfterFunc, for tests.
func WithTimerFunc(fn TimerFunc) Option {
	return func(s *Scheduler) { s.afterFunc = fn }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithActivationHandler registers a callback for every activated round.
// It runs outside the scheduler lock.
func WithActivationHandler(fn func(Round)) Option {
	return func(s *Scheduler) { s.onActivate = fn }
}

// Scheduler holds at most one active round and a weight-ordered queue.
type Scheduler struct {
	logger     *log.Logger
	afterFunc  TimerFunc
	now        func() time.Time
	onActivate func(Round)

	mu      sync.Mutex
	active  *currentRound
	queue   []*currentRound
	stopped bool
}

// New creates a scheduler whose active round is a completed sentinel, so the first
// real round activates immediately.
func New(logger *log.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:    logger.WithComponent("scheduler"),
		afterFunc: afterFunc,
		now:       time.Now,
		active:    &currentRound{weight: math.Inf(-1), state: StateCompleted},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddNewRound schedules info announced by src.
func (s *Scheduler) AddNewRound(src Source, info *mining.MiningInfo) {
	s.mu.Lock()
	activated := s.addNewRound(src, info)
	s.mu.Unlock()

	s.notify(activated)
}

func (s *Scheduler) addNewRound(src Source, info *mining.MiningInfo) *currentRound {
	if s.stopped {
		return nil
	}

	weight := src.Weight()
	if weight == 0 {
		weight = DefaultWeight
	}
	cr := &currentRound{source: src, info: info, weight: float64(weight), state: StateQueued}

	s.removeQueued(src.ID())
	s.enqueue(cr)

	switch {
	case s.active.upstreamID() == src.ID():
		s.active.cancel()
		s.removeEntry(cr)
		return s.activate(cr)

	case s.queue[0].weight > s.active.weight:
		if s.active.state != StateCompleted {
			s.active.cancel()
			s.active.state = StateQueued
			s.enqueue(s.active)
		}
		return s.activate(s.pop())

	case s.active.state == StateCompleted:
		return s.activate(s.pop())
	}

	return nil
}

// activate must be called with mu held.
func (s *Scheduler) activate(cr *currentRound) *currentRound {
	cr.state = StateActive
	cr.startedAt = s.now()
	cr.gen++
	s.active = cr

	gen := cr.gen
	cr.timer = s.afterFunc(cr.source.ScanTime(), func() { s.scanDone(cr, gen) })
	return cr
}

func (s *Scheduler) scanDone(cr *currentRound, gen uint64) {
	s.mu.Lock()
	if s.stopped || s.active != cr || cr.gen != gen || cr.state != StateActive {
		s.mu.Unlock()
		return
	}
	cr.state = StateCompleted
	cr.timer = nil

	var next *currentRound
	if len(s.queue) > 0 {
		next = s.activate(s.pop())
	}
	s.mu.Unlock()

	s.notify(next)
}

func (s *Scheduler) notify(cr *currentRound) {
	if cr == nil {
		return
	}
	snap := cr.snapshot()
	s.logger.LogRoundActivated(snap.UpstreamID, snap.Info.Height, snap.ScanTime)
	if s.onActivate != nil {
		s.onActivate(snap)
	}
}

// enqueue inserts after every entry of equal or higher weight.
func (s *Scheduler) enqueue(cr *currentRound) {
	i := len(s.queue)
	for j, q := range s.queue {
		if cr.weight > q.weight {
			i = j
			break
		}
	}
	s.queue = append(s.queue, nil)
	copy(s.queue[i+1:], s.queue[i:])
	s.queue[i] = cr
}

func (s *Scheduler) pop() *currentRound {
	cr := s.queue[0]
	s.queue = s.queue[1:]
	return cr
}

func (s *Scheduler) removeQueued(upstreamID string) {
	kept := s.queue[:0]
	for _, q := range s.queue {
		if q.upstreamID() != upstreamID {
			kept = append(kept, q)
		}
	}
	clear(s.queue[len(kept):])
	s.queue = kept
}

func (s *Scheduler) removeEntry(cr *currentRound) {
	for i, q := range s.queue {
		if q == cr {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return
		}
	}
}

// ActiveMiningInfo returns the mining info exposed to miners, or nil before the
// first round arrives.
func (s *Scheduler) ActiveMiningInfo() *mining.MiningInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.info
}

// Active returns a snapshot of the active round.
func (s *Scheduler) Active() Round {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active.snapshot()
}

// Queued returns snapshots of the queue in activation order.
func (s *Scheduler) Queued() []Round {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Round, len(s.queue))
	for i, q := range s.queue {
		out[i] = q.snapshot()
	}
	return out
}

type pending struct {
	source Source
	info   *mining.MiningInfo
}

// MergeFrom replays other's active and queued rounds through AddNewRound and stops
// other. Used for live hand-off when proxies are reconfigured.
func (s *Scheduler) MergeFrom(other *Scheduler) {
	other.mu.Lock()
	var replay []pending
	if other.active.source != nil {
		replay = append(replay, pending{other.active.source, other.active.info})
	}
	for _, q := range other.queue {
		replay = append(replay, pending{q.source, q.info})
	}
	other.mu.Unlock()
	other.Stop()

	for _, p := range replay {
		s.AddNewRound(p.source, p.info)
	}
}

// Stop cancels all timers. Later calls to AddNewRound are ignored.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.active.cancel()
	for _, q := range s.queue {
		q.cancel()
	}
}
