// Package upstream implements the protocol-independent half of an upstream pool
// or wallet: round lifecycle, per-account best deadlines, round finalization,
// winner attribution, historical stats and connection health. The protocol half
// is a Transport.
package upstream

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/remeh/sizedwaitgroup"

	"github.com/bardlex/roundproxy/internal/config"
	"github.com/bardlex/roundproxy/internal/estimator"
	"github.com/bardlex/roundproxy/internal/events"
	"github.com/bardlex/roundproxy/internal/health"
	"github.com/bardlex/roundproxy/internal/mining"
	"github.com/bardlex/roundproxy/internal/persistence"
	"github.com/bardlex/roundproxy/pkg/circuit"
	"github.com/bardlex/roundproxy/pkg/errors"
	"github.com/bardlex/roundproxy/pkg/log"
	"github.com/bardlex/roundproxy/pkg/retry"
)

// WinnerWindow is how many heights back a plotter's last submission still
// attributes a won block to this proxy.
const WinnerWindow = 10

const (
	maxConcurrentWinners = 4
	finalizeTimeout      = 30 * time.Second
)

// Deps are the collaborators an Upstream needs.
type Deps struct {
	Proxy     string
	Config    config.UpstreamConfig
	Transport Transport
	Cache     *persistence.Cache
	Bus       *events.Bus
	Logger    *log.Logger
	// OnRound is called with the miner-facing info of every new round or fork.
	OnRound func(u *Upstream, info *mining.MiningInfo)
}

// Option customizes an Upstream.
type Option func(*Upstream)

// WithEstimator replaces the capacity estimator.
func WithEstimator(e CapacityEstimator) Option {
	return func(u *Upstream) { u.estimator = e }
}

// WithTargetPolicy replaces the submission target policy.
func WithTargetPolicy(p TargetPolicy) Option {
	return func(u *Upstream) { u.target = p }
}

// WithHealthMonitor replaces the connection health monitor.
func WithHealthMonitor(m HealthMonitor) Option {
	return func(u *Upstream) { u.health = m }
}

// WithStatsProjector replaces the stats projection.
func WithStatsProjector(p StatsProjector) Option {
	return func(u *Upstream) { u.project = p }
}

// WithWinnerRetry overrides the winner lookup retry policy.
func WithWinnerRetry(cfg *retry.Config) Option {
	return func(u *Upstream) { u.winnerRetry = cfg }
}

// WithSubmitRetry overrides the submission retry policy.
func WithSubmitRetry(cfg *retry.Config) Option {
	return func(u *Upstream) { u.submitRetry = cfg }
}

// Upstream is one pool or wallet behind a proxy.
type Upstream struct {
	proxy     string
	cfg       config.UpstreamConfig
	transport Transport
	cache     *persistence.Cache
	bus       *events.Bus
	logger    *log.Logger
	onRound   func(*Upstream, *mining.MiningInfo)

	estimator   CapacityEstimator
	target      TargetPolicy
	health      HealthMonitor
	project     StatsProjector
	breaker     *circuit.Breaker
	winnerRetry *retry.Config
	submitRetry *retry.Config

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	winners sizedwaitgroup.SizedWaitGroup

	// roundMu orders round updates with their publication.
	roundMu sync.Mutex

	mu        sync.RWMutex
	raw       *mining.MiningInfo
	info      *mining.MiningInfo
	deadlines map[string]*big.Int
	capacity  float64
	stats     events.Stats
}

// New builds an upstream from its config.
func New(deps Deps, opts ...Option) *Upstream {
	cfg := deps.Config
	logger := deps.Logger.WithComponent("upstream").WithUpstream(cfg.Name)

	u := &Upstream{
		proxy:     deps.Proxy,
		cfg:       cfg,
		transport: deps.Transport,
		cache:     deps.Cache,
		bus:       deps.Bus,
		logger:    logger,
		onRound:   deps.OnRound,
		estimator: estimator.New(estimator.Config{
			Window:            cfg.EstimatorWindow,
			MinConfidence:     cfg.MinConfidence,
			BlockTime:         time.Duration(cfg.BlockTime) * time.Second,
			ExcludeFastBlocks: cfg.ExcludeFastBlocks,
		}),
		project:     ProjectStats,
		winnerRetry: retry.WinnerConfig(),
		submitRetry: retry.SubmitConfig(),
		winners:     sizedwaitgroup.New(maxConcurrentWinners),
		deadlines:   make(map[string]*big.Int),
		stats:       events.Stats{UpstreamID: cfg.Name},
	}
	u.ctx, u.cancel = context.WithCancel(context.Background())

	if cfg.SubmitProbability > 0 {
		u.target = SubmitProbability{
			Probability: cfg.SubmitProbability,
			BlockTime:   time.Duration(cfg.BlockTime) * time.Second,
			Static:      cfg.TargetDL,
		}
	} else {
		u.target = StaticTarget(cfg.TargetDL)
	}

	u.health = health.NewMonitor(cfg.PollDuration(), health.Listener{
		OnQuality:    u.onQuality,
		OnTransition: u.onTransition,
	})

	u.breaker = circuit.New(cfg.Name, circuit.DefaultConfig(), circuit.WithStateChange(func(name string, from, to circuit.State) {
		logger.Warn("circuit breaker state changed", "from", from.String(), "to", to.String())
	}))

	for _, opt := range opts {
		opt(u)
	}
	return u
}

// ID returns the configured upstream name.
func (u *Upstream) ID() string { return u.cfg.Name }

// Weight returns the scheduling priority.
func (u *Upstream) Weight() int { return u.cfg.Weight }

// ScanTime returns how long a round of this upstream stays active.
func (u *Upstream) ScanTime() time.Duration { return u.cfg.ScanDuration() }

// Config returns the upstream's configuration.
func (u *Upstream) Config() config.UpstreamConfig { return u.cfg }

// Transport returns the protocol half.
func (u *Upstream) Transport() Transport { return u.transport }

// Start loads history, starts the transport and the health loop. It must be
// called at most once.
func (u *Upstream) Start(ctx context.Context) error {
	u.cancel()
	u.ctx, u.cancel = context.WithCancel(ctx)

	if err := u.cache.Warm(ctx, u.ID(), 0); err != nil {
		u.logger.WithError(err).Warn("failed to load plotters")
	}
	u.refreshStats(ctx)

	if err := u.transport.Start(u.ctx, u.handleRound); err != nil {
		u.cancel()
		return errors.Wrap(err, errors.ErrorTypeUpstream, "start_transport", "failed to start transport").
			WithContext("upstream", u.ID()).
			WithContext("transport", u.transport.Name())
	}

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.health.Run(u.ctx, time.Second, u.rawConnected)
	}()

	u.logger.Info("upstream started",
		"transport", u.transport.Name(),
		"mode", u.cfg.Mode,
		"weight", u.cfg.Weight,
		"scan_time", log.FormatDuration(u.ScanTime()),
	)
	return nil
}

func (u *Upstream) rawConnected() bool {
	return u.transport.Connected() && u.breaker.State() != circuit.StateOpen
}

// Close stops the transport and waits for pending finalizations.
func (u *Upstream) Close() error {
	u.cancel()
	err := u.transport.Close()
	u.wg.Wait()
	u.winners.Wait()
	return err
}

// handleRound is the RoundHandler given to the transport.
func (u *Upstream) handleRound(info *mining.MiningInfo) {
	if err := info.Validate(); err != nil {
		u.logger.WithError(err).Warn("ignoring invalid mining info", "block_height", info.Height)
		return
	}

	u.roundMu.Lock()
	defer u.roundMu.Unlock()

	u.mu.Lock()
	prev := u.raw
	if prev.SameRound(info) {
		u.mu.Unlock()
		return
	}
	if prev != nil && info.Height < prev.Height {
		u.mu.Unlock()
		u.logger.Debug("ignoring stale mining info", "block_height", info.Height, "current_height", prev.Height)
		return
	}
	fork := prev.IsFork(info)

	effective := info.WithTargetDeadline(MinTarget(info.TargetDeadline, u.target.TargetDeadline(info, u.capacity)))
	u.raw = info
	u.info = effective
	u.deadlines = make(map[string]*big.Int)
	u.mu.Unlock()

	u.logger.LogRoundChange(u.ID(), info.Height, info.BaseTarget, info.NetDifficulty(), fork)
	u.bus.Publish(u.proxy, events.KindRoundChanged, events.RoundChanged{
		UpstreamID: u.ID(),
		Info:       effective,
		Fork:       fork,
	})
	if u.onRound != nil {
		u.onRound(u, u.minerInfo(effective))
	}
	u.cache.Evict(u.ID(), info.Height)

	if prev != nil && !fork {
		u.wg.Add(1)
		go func() {
			defer u.wg.Done()
			u.finalize(prev)
		}()
	}
}

// minerInfo is the info exposed to miners: the forwarding target, further
// limited by sendTargetDL.
func (u *Upstream) minerInfo(info *mining.MiningInfo) *mining.MiningInfo {
	if u.cfg.SendTargetDL == 0 {
		return info
	}
	return info.WithTargetDeadline(MinTarget(info.TargetDeadline, u.cfg.SendTargetDL))
}

// ActiveInfo returns the current round with its forwarding target, or nil before
// the first round.
func (u *Upstream) ActiveInfo() *mining.MiningInfo {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.info
}

// MinerInfo returns the current round as miners see it.
func (u *Upstream) MinerInfo() *mining.MiningInfo {
	info := u.ActiveInfo()
	if info == nil {
		return nil
	}
	return u.minerInfo(info)
}

// Accept records a routed submission for the active round. It returns false
// when adjusted does not improve the account's best deadline; submissions
// without a deadline are always accepted.
func (u *Upstream) Accept(sub *mining.Submission, adjusted *big.Int) bool {
	u.mu.Lock()
	if u.info == nil || u.info.Height != sub.Height {
		u.mu.Unlock()
		return false
	}
	info := u.info
	if adjusted != nil {
		if best, ok := u.deadlines[sub.AccountID]; ok && adjusted.Cmp(best) >= 0 {
			u.mu.Unlock()
			return false
		}
		u.deadlines[sub.AccountID] = new(big.Int).Set(adjusted)
	}
	u.mu.Unlock()

	u.cache.TouchPlotter(u.ID(), sub.AccountID, sub.Height)
	if adjusted != nil {
		u.updateRound(info, func(r *mining.Round) bool { return r.RecordBestDL(adjusted) })
	}
	return true
}

// BestDeadline returns the best adjusted deadline recorded for an account in the
// active round.
func (u *Upstream) BestDeadline(accountID string) *big.Int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if dl, ok := u.deadlines[accountID]; ok {
		return new(big.Int).Set(dl)
	}
	return nil
}

func (u *Upstream) updateRound(info *mining.MiningInfo, fn func(*mining.Round) bool) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	_, err := u.cache.UpdateRound(ctx, u.ID(), info.Height, newRoundFor(info), fn)
	if err != nil {
		u.logger.WithError(err).Error("failed to update round", "block_height", info.Height)
	}
}

func newRoundFor(info *mining.MiningInfo) func() *mining.Round {
	return func() *mining.Round {
		return &mining.Round{
			BaseTarget: new(big.Int).Set(info.BaseTarget),
			NetDiff:    info.NetDifficulty(),
		}
	}
}

// Submit forwards a routed submission and normalizes the outcome. Transport
// failures are retried; the result is never nil.
func (u *Upstream) Submit(ctx context.Context, sub *mining.Submission, opts mining.SubmitOptions) *mining.SubmitResult {
	if opts.SecretPhrase == "" && u.cfg.Mode == config.ModeSolo {
		opts.SecretPhrase = u.cfg.PassphraseFor(sub.AccountID)
	}

	res, err := circuit.ExecuteWithResult(ctx, u.breaker, func() (*mining.SubmitResult, error) {
		return retry.DoWithResult(ctx, u.submitRetry, func() (*mining.SubmitResult, error) {
			return u.transport.Submit(ctx, sub, opts)
		})
	})
	if err == nil && res == nil {
		err = errors.New(errors.ErrorTypeUpstream, "submit_nonce", "empty response")
	}
	if err != nil {
		res = mining.Failure(mining.CodeUpstream, err.Error())
	}
	res.Forwarded = true

	ev := events.SubmissionForwarded{
		UpstreamID: u.ID(),
		AccountID:  sub.AccountID,
		MinerName:  opts.Miner.Name,
		Height:     sub.Height,
		AdjustedDL: opts.AdjustedDeadline,
		Accepted:   res.Error == nil,
	}
	if res.Error != nil {
		res.Error.Code = mining.CodeUpstream
		ev.Error = res.Error.Message
		u.logger.WithAccount(sub.AccountID, opts.Miner.Name).
			LogSubmission(u.ID(), sub.AccountID, sub.Height, opts.AdjustedDeadline, "rejected: "+res.Error.Message)
	} else {
		u.logger.WithAccount(sub.AccountID, opts.Miner.Name).
			LogSubmission(u.ID(), sub.AccountID, sub.Height, submittedDL(res, opts), "accepted")
		if dl := submittedDL(res, opts); dl != nil {
			if info := u.ActiveInfo(); info != nil && info.Height == sub.Height {
				u.updateRound(info, func(r *mining.Round) bool { return r.RecordSubmittedDL(dl) })
			}
		}
	}
	u.bus.Publish(u.proxy, events.KindSubmissionForwarded, ev)
	return res
}

// submittedDL prefers the proxy's own adjusted deadline and falls back to the
// one the upstream computed for phrase-only submissions.
func submittedDL(res *mining.SubmitResult, opts mining.SubmitOptions) *big.Int {
	if opts.AdjustedDeadline != nil {
		return opts.AdjustedDeadline
	}
	return res.Deadline
}

// finalize persists prev once the settle delay passed, then resolves its
// winner and refreshes stats.
func (u *Upstream) finalize(prev *mining.MiningInfo) {
	if settle := u.cfg.SettleDuration(); settle > 0 {
		t := time.NewTimer(settle)
		select {
		case <-t.C:
		case <-u.ctx.Done():
			t.Stop()
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	round, err := u.cache.UpdateRound(ctx, u.ID(), prev.Height, newRoundFor(prev), func(r *mining.Round) bool {
		if r.BaseTarget == nil || r.BaseTarget.Cmp(prev.BaseTarget) != 0 {
			r.BaseTarget = new(big.Int).Set(prev.BaseTarget)
			r.NetDiff = prev.NetDifficulty()
			return true
		}
		return false
	})
	if err == nil {
		err = u.cache.SaveRound(ctx, round)
	}
	if err != nil {
		u.logger.WithError(err).Error("failed to finalize round", "block_height", prev.Height)
		return
	}
	u.logger.Debug("round finalized", "block_height", prev.Height)

	if u.ctx.Err() == nil {
		u.winners.Add()
		go func() {
			defer u.winners.Done()
			u.publishFinalized(u.resolveWinner(round))
		}()
	} else {
		u.publishFinalized(round)
	}

	if n, err := u.cache.PruneRounds(ctx, u.ID(), u.cfg.HistoricalRoundsToKeep); err != nil {
		u.logger.WithError(err).Error("failed to prune rounds")
	} else if n > 0 {
		u.logger.Debug("pruned old rounds", "count", n)
	}
	u.refreshStats(ctx)
}

// resolveWinner looks up who forged round and records whether it was one of
// this upstream's plotters. Exhausted retries leave the outcome unknown. It
// returns the latest snapshot of round.
func (u *Upstream) resolveWinner(round *mining.Round) *mining.Round {
	height := round.Height
	winner, err := retry.DoWithResult(u.ctx, u.winnerRetry, func() (*WinnerInfo, error) {
		return u.transport.BlockWinner(u.ctx, height)
	})
	if err != nil {
		u.logger.WithError(err).Debug("block winner unknown", "block_height", height)
		return round
	}

	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	won := false
	if winner.AccountID != "" {
		p, err := u.cache.GetPlotter(ctx, u.ID(), winner.AccountID)
		if err != nil {
			u.logger.WithError(err).Error("failed to load plotter", "account_id", winner.AccountID)
			return round
		}
		won = p != nil && p.LastSubmitHeight+WinnerWindow >= height
	}

	updated, err := u.cache.UpdateRound(ctx, u.ID(), height, func() *mining.Round { return &mining.Round{} }, func(r *mining.Round) bool {
		r.RoundWon = &won
		r.BlockHash = winner.BlockHash
		return true
	})
	if err == nil {
		err = u.cache.SaveRound(ctx, updated)
	}
	if err != nil {
		u.logger.WithError(err).Error("failed to record block winner", "block_height", height)
		return round
	}

	if won {
		u.logger.Info("block won", "block_height", height, "account_id", winner.AccountID, "block_hash", winner.BlockHash)
	}
	u.refreshStats(ctx)
	return updated
}

func (u *Upstream) publishFinalized(round *mining.Round) {
	u.bus.Publish(u.proxy, events.KindRoundFinalized, events.RoundFinalized{UpstreamID: u.ID(), Round: round})
}

// refreshStats recomputes capacity and stats from stored rounds and publishes them.
func (u *Upstream) refreshStats(ctx context.Context) {
	limit := max(u.cfg.HistoricalRoundsToKeep, u.estimator.Window())
	rounds, err := u.cache.RecentRounds(ctx, u.ID(), limit)
	if err != nil {
		u.logger.WithError(err).Error("failed to load round history")
		return
	}

	capacity := u.estimator.Capacity(Samples(rounds))
	stats := u.project(u.ID(), rounds, capacity)

	u.mu.Lock()
	u.capacity = capacity
	u.stats = stats
	u.mu.Unlock()

	u.bus.Publish(u.proxy, events.KindStatsUpdated, stats)
}

// EstimatedCapacity returns the last capacity estimate.
func (u *Upstream) EstimatedCapacity() float64 {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.capacity
}

// Stats returns the last historical stats.
func (u *Upstream) Stats() events.Stats {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.stats
}

// Quality returns the connection quality score.
func (u *Upstream) Quality() float64 { return u.health.Quality() }

// Connected returns the smoothed connection state.
func (u *Upstream) Connected() bool { return u.health.Connected() }

func (u *Upstream) onQuality(quality float64) {
	u.bus.Publish(u.proxy, events.KindHealthChanged, events.HealthChanged{
		UpstreamID: u.ID(),
		Quality:    quality,
		Connected:  u.health.Connected(),
	})
}

func (u *Upstream) onTransition(t health.Transition) {
	u.logger.LogOutage(u.ID(), !t.Connected, t.DownFor)
	u.bus.Publish(u.proxy, events.KindHealthChanged, events.HealthChanged{
		UpstreamID: u.ID(),
		Quality:    u.health.Quality(),
		Connected:  t.Connected,
		Transition: true,
		DownFor:    t.DownFor,
	})
}
