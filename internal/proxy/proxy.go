// Package proxy is one miner-facing endpoint: it owns the upstreams behind it,
// schedules their rounds, routes submissions and tracks connected miners.
package proxy

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/bardlex/roundproxy/internal/events"
	"github.com/bardlex/roundproxy/internal/mining"
	"github.com/bardlex/roundproxy/internal/scheduler"
	"github.com/bardlex/roundproxy/pkg/errors"
	"github.com/bardlex/roundproxy/pkg/log"
)

// Miner table defaults.
const (
	DefaultMinerStaleAfter = time.Hour
	DefaultMinerPruneEvery = time.Minute
)

// Upstream is what the proxy needs from an upstream adapter.
type Upstream interface {
	scheduler.Source
	Start(ctx context.Context) error
	Close() error
	// ActiveInfo is the upstream's current round with its forwarding target.
	ActiveInfo() *mining.MiningInfo
	// Accept records adjusted as the account's best deadline when it improves it.
	Accept(sub *mining.Submission, adjusted *big.Int) bool
	Submit(ctx context.Context, sub *mining.Submission, opts mining.SubmitOptions) *mining.SubmitResult
	Stats() events.Stats
	Quality() float64
	Connected() bool
}

// MinerMirror publishes the miner table and active round outside the process.
type MinerMirror interface {
	SaveMiner(ctx context.Context, proxy string, m *mining.Miner, ttl time.Duration) error
	DeleteMiner(ctx context.Context, proxy, minerID string) error
	SetActiveRound(ctx context.Context, proxy string, info *mining.MiningInfo) error
	LoadMiners(ctx context.Context, proxy string) ([]*mining.Miner, error)
}

// Option customizes a Proxy.
type Option func(*Proxy)

// WithMirror mirrors miners and the active round.
func WithMirror(m MinerMirror) Option {
	return func(p *Proxy) { p.mirror = m }
}

// WithMinerPruning overrides the miner staleness settings.
func WithMinerPruning(staleAfter, every time.Duration) Option {
	return func(p *Proxy) {
		if staleAfter > 0 {
			p.staleAfter = staleAfter
		}
		if every > 0 {
			p.pruneEvery = every
		}
	}
}

// WithMinerStaleBlocks prunes miners whose last submission to upstreamID is
// more than blocks below its active height.
func WithMinerStaleBlocks(upstreamID string, blocks uint64) Option {
	return func(p *Proxy) {
		if blocks > 0 {
			p.staleBlocks[upstreamID] = blocks
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Proxy) { p.now = now }
}

// WithSchedulerOptions passes options to the round scheduler.
func WithSchedulerOptions(opts ...scheduler.Option) Option {
	return func(p *Proxy) { p.schedOpts = append(p.schedOpts, opts...) }
}

// Proxy routes miners to the upstreams configured behind one endpoint.
type Proxy struct {
	name     string
	targetDL uint64
	logger   *log.Logger
	mirror   MinerMirror
	now      func() time.Time

	staleAfter  time.Duration
	staleBlocks map[string]uint64
	pruneEvery  time.Duration
	schedOpts   []scheduler.Option

	scheduler *scheduler.Scheduler
	upstreams []Upstream

	mu     sync.RWMutex
	miners map[string]*mining.Miner

	listenMu  sync.RWMutex
	listeners []func(*mining.MiningInfo)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a proxy without upstreams.
func New(name string, targetDL uint64, logger *log.Logger, opts ...Option) *Proxy {
	p := &Proxy{
		name:       name,
		targetDL:   targetDL,
		logger:     logger.WithComponent("proxy").WithFields("proxy", name),
		now:        time.Now,
		staleAfter:  DefaultMinerStaleAfter,
		staleBlocks: make(map[string]uint64),
		pruneEvery:  DefaultMinerPruneEvery,
		miners:      make(map[string]*mining.Miner),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.scheduler = scheduler.New(p.logger, append(p.schedOpts, scheduler.WithActivationHandler(p.onActivate))...)
	return p
}

// Name returns the proxy name used in URLs and events.
func (p *Proxy) Name() string { return p.name }

// TargetDL returns the proxy-wide forwarding limit, zero for none.
func (p *Proxy) TargetDL() uint64 { return p.targetDL }

// AddUpstream registers u. Registration order breaks height ties when routing.
func (p *Proxy) AddUpstream(u Upstream) {
	p.upstreams = append(p.upstreams, u)
}

// Upstreams returns the registered upstreams in registration order.
func (p *Proxy) Upstreams() []Upstream {
	return p.upstreams
}

// Scheduler returns the round scheduler.
func (p *Proxy) Scheduler() *scheduler.Scheduler { return p.scheduler }

// RoundAnnounced feeds a new upstream round into the scheduler.
func (p *Proxy) RoundAnnounced(src scheduler.Source, info *mining.MiningInfo) {
	p.scheduler.AddNewRound(src, info)
}

// OnRoundActivated registers fn to be called with the mining info of every
// round the scheduler activates.
func (p *Proxy) OnRoundActivated(fn func(*mining.MiningInfo)) {
	p.listenMu.Lock()
	defer p.listenMu.Unlock()
	p.listeners = append(p.listeners, fn)
}

func (p *Proxy) onActivate(r scheduler.Round) {
	p.listenMu.RLock()
	listeners := append([]func(*mining.MiningInfo){}, p.listeners...)
	p.listenMu.RUnlock()

	for _, fn := range listeners {
		fn(r.Info)
	}

	if p.mirror != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.mirror.SetActiveRound(ctx, p.name, r.Info); err != nil {
			p.logger.WithError(err).Warn("failed to mirror active round")
		}
	}
}

// GetMiningInfo returns the round miners should work on, or nil before any
// upstream delivered one.
func (p *Proxy) GetMiningInfo() *mining.MiningInfo {
	return p.scheduler.ActiveMiningInfo()
}

// Start restores mirrored miners, then starts every upstream in registration
// order and the miner pruner.
func (p *Proxy) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	if n, err := p.RestoreMiners(ctx); err != nil {
		p.logger.WithError(err).Warn("failed to restore miners")
	} else if n > 0 {
		p.logger.Info("restored miners", "count", n)
	}

	for i, u := range p.upstreams {
		if err := u.Start(ctx); err != nil {
			for _, started := range p.upstreams[:i] {
				_ = started.Close()
			}
			p.cancel()
			return errors.Wrap(err, errors.ErrorTypeUpstream, "proxy_start", "failed to start upstream").
				WithContext("proxy", p.name).
				WithContext("upstream", u.ID())
		}
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.pruneEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.PruneMiners(ctx)
			}
		}
	}()

	p.logger.Info("proxy started", "upstreams", len(p.upstreams), "target_dl", p.targetDL)
	return nil
}

// Close stops the scheduler and every upstream.
func (p *Proxy) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	p.scheduler.Stop()

	var errs []error
	for _, u := range p.upstreams {
		if err := u.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	p.wg.Wait()

	if len(errs) > 0 {
		return errors.New(errors.ErrorTypeUpstream, "proxy_close", "failed to close upstreams").
			WithContext("proxy", p.name).
			WithContext("errors", errs)
	}
	return nil
}

// TouchMiner records that a miner was active just now.
func (p *Proxy) TouchMiner(meta mining.MinerMeta) {
	if meta.ID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	m, ok := p.miners[meta.ID]
	if !ok {
		m = &mining.Miner{ID: meta.ID}
		p.miners[meta.ID] = m
		p.logger.Debug("new miner", "miner_id", meta.ID, "miner_name", meta.Name)
	}
	if meta.Name != "" {
		m.Name = meta.Name
	}
	if meta.Software != "" {
		m.Software = meta.Software
	}
	if meta.Capacity > 0 {
		m.Capacity = meta.Capacity
	}
	m.LastTimeActive = p.now()
}

// recordSubmitHeight notes the upstream and height of a routed submission.
func (p *Proxy) recordSubmitHeight(minerID, upstreamID string, height uint64) {
	if minerID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if m, ok := p.miners[minerID]; ok {
		m.LastUpstream = upstreamID
		m.LastHeight = height
	}
}

// activeHeights returns the current height of every upstream with a block
// staleness window.
func (p *Proxy) activeHeights() map[string]uint64 {
	heights := make(map[string]uint64, len(p.staleBlocks))
	for _, u := range p.upstreams {
		if _, ok := p.staleBlocks[u.ID()]; !ok {
			continue
		}
		if info := u.ActiveInfo(); info != nil {
			heights[u.ID()] = info.Height
		}
	}
	return heights
}

func (p *Proxy) staleByBlocks(m *mining.Miner, heights map[string]uint64) bool {
	if m.LastUpstream == "" {
		return false
	}
	blocks, ok := p.staleBlocks[m.LastUpstream]
	if !ok {
		return false
	}
	active, ok := heights[m.LastUpstream]
	return ok && active > m.LastHeight+blocks
}

// RestoreMiners loads the mirrored miner table, keeping entries the proxy
// already knows.
func (p *Proxy) RestoreMiners(ctx context.Context) (int, error) {
	if p.mirror == nil {
		return 0, nil
	}
	miners, err := p.mirror.LoadMiners(ctx, p.name)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrorTypeDatabase, "restore_miners", "failed to load mirrored miners").
			WithContext("proxy", p.name)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	restored := 0
	for _, m := range miners {
		if m == nil || m.ID == "" {
			continue
		}
		if _, ok := p.miners[m.ID]; ok {
			continue
		}
		p.miners[m.ID] = m
		restored++
	}
	return restored, nil
}

// Miners returns a snapshot of the miner table ordered by id.
func (p *Proxy) Miners() []mining.Miner {
	p.mu.RLock()
	out := make([]mining.Miner, 0, len(p.miners))
	for _, m := range p.miners {
		out = append(out, *m)
	}
	p.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TotalCapacity sums the capacity miners reported.
func (p *Proxy) TotalCapacity() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var total float64
	for _, m := range p.miners {
		total += m.Capacity
	}
	return total
}

// PruneMiners drops miners inactive for longer than the stale period, or whose
// last submission fell behind their upstream's block window, and mirrors the
// remaining table.
func (p *Proxy) PruneMiners(ctx context.Context) int {
	cutoff := p.now().Add(-p.staleAfter)
	heights := p.activeHeights()

	p.mu.Lock()
	var stale []string
	live := make([]mining.Miner, 0, len(p.miners))
	for id, m := range p.miners {
		if m.LastTimeActive.Before(cutoff) || p.staleByBlocks(m, heights) {
			stale = append(stale, id)
			delete(p.miners, id)
			continue
		}
		live = append(live, *m)
	}
	p.mu.Unlock()

	if len(stale) > 0 {
		p.logger.Info("pruned stale miners", "count", len(stale), "remaining", len(live))
	}
	if p.mirror == nil {
		return len(stale)
	}

	for _, id := range stale {
		if err := p.mirror.DeleteMiner(ctx, p.name, id); err != nil {
			p.logger.WithError(err).Warn("failed to delete mirrored miner", "miner_id", id)
		}
	}
	for i := range live {
		if err := p.mirror.SaveMiner(ctx, p.name, &live[i], p.staleAfter); err != nil {
			p.logger.WithError(err).Warn("failed to mirror miner", "miner_id", live[i].ID)
			break
		}
	}
	return len(stale)
}
