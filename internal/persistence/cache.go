// Package persistence is the only writer to the round store. Every store access
// runs on a single worker in FIFO order; rounds and plotters are cached in memory
// per upstream and in-round deadline updates are debounced before they are written.
package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/bardlex/roundproxy/internal/database"
	"github.com/bardlex/roundproxy/internal/mining"
	"github.com/bardlex/roundproxy/pkg/errors"
	"github.com/bardlex/roundproxy/pkg/log"
)

// EvictionDepth is how far below the active height cached entries survive.
const EvictionDepth = 10

const (
	defaultQueueSize    = 1024
	defaultAsyncTimeout = 30 * time.Second
)

// ErrClosed is returned for operations submitted after Close.
var ErrClosed = errors.New(errors.ErrorTypeDatabase, "persistence", "persistence queue is closed")

type opType int

const (
	opUpsertRound opType = iota
	opUpsertPlotter
	opSave
	opPrune
	opRead
)

func (o opType) String() string {
	switch o {
	case opUpsertRound:
		return "upsert_round"
	case opUpsertPlotter:
		return "upsert_plotter"
	case opSave:
		return "save"
	case opPrune:
		return "prune_rounds"
	case opRead:
		return "read"
	default:
		return "unknown"
	}
}

type task struct {
	op       opType
	ctx      context.Context
	round    *mining.Round
	plotter  *mining.Plotter
	upstream string
	keep     int
	fn       func(ctx context.Context, store database.Store) error
	pruned   *int64
	done     chan error
	cancel   context.CancelFunc
}

// Option configures a Cache.
type Option func(*Cache)

// WithDebounce overrides the debounce windows.
func WithDebounce(wait, maxWait time.Duration) Option {
	return func(c *Cache) { c.debouncer = NewDebouncer(wait, maxWait) }
}

// WithQueueSize overrides the task buffer.
func WithQueueSize(n int) Option {
	return func(c *Cache) { c.queueSize = n }
}

// Cache fronts a database.Store.
type Cache struct {
	store     database.Store
	logger    *log.Logger
	debouncer *Debouncer
	queueSize int

	queue   chan *task
	quit    chan struct{}
	stopped chan struct{}
	once    sync.Once

	mu       sync.Mutex
	rounds   map[string]map[uint64]*mining.Round
	plotters map[string]map[string]*mining.Plotter
}

// New starts the worker and returns the cache.
func New(store database.Store, logger *log.Logger, opts ...Option) *Cache {
	c := &Cache{
		store:     store,
		logger:    logger.WithComponent("persistence"),
		debouncer: NewDebouncer(DefaultDebounce, DefaultMaxWait),
		queueSize: defaultQueueSize,
		quit:      make(chan struct{}),
		stopped:   make(chan struct{}),
		rounds:    make(map[string]map[uint64]*mining.Round),
		plotters:  make(map[string]map[string]*mining.Plotter),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.queue = make(chan *task, c.queueSize)

	go c.run()
	return c
}

func (c *Cache) run() {
	defer close(c.stopped)
	for {
		select {
		case t := <-c.queue:
			c.execute(t)
		case <-c.quit:
			for {
				select {
				case t := <-c.queue:
					c.execute(t)
				default:
					return
				}
			}
		}
	}
}

func (c *Cache) execute(t *task) {
	var err error
	switch t.op {
	case opUpsertRound:
		err = c.store.UpsertRound(t.ctx, t.round)
	case opUpsertPlotter:
		err = c.store.UpsertPlotter(t.ctx, t.plotter)
	case opPrune:
		var n int64
		n, err = c.store.PruneRounds(t.ctx, t.upstream, t.keep)
		if t.pruned != nil {
			*t.pruned = n
		}
	case opSave, opRead:
		err = t.fn(t.ctx, c.store)
	}

	if err != nil && !errors.Is(err, database.ErrNotFound) {
		c.logger.WithError(err).Error("persistence task failed", "op", t.op.String())
	}
	if t.cancel != nil {
		t.cancel()
	}
	if t.done != nil {
		t.done <- err
	}
}

// submit queues t and waits for its result.
func (c *Cache) submit(ctx context.Context, t *task) error {
	t.ctx = ctx
	t.done = make(chan error, 1)

	select {
	case <-c.quit:
		return ErrClosed
	default:
	}

	select {
	case c.queue <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		return ErrClosed
	}

	select {
	case err := <-t.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.stopped:
		// The worker drains the queue before stopping.
		select {
		case err := <-t.done:
			return err
		default:
			return ErrClosed
		}
	}
}

// enqueue queues t without waiting. Failures are logged by the worker.
func (c *Cache) enqueue(t *task) {
	select {
	case <-c.quit:
		c.logger.Warn("dropping write after close", "op", t.op.String())
		return
	default:
	}

	t.ctx, t.cancel = context.WithTimeout(context.Background(), defaultAsyncTimeout)
	select {
	case c.queue <- t:
	case <-c.stopped:
		t.cancel()
	}
}

// GetRound returns a copy of the round, loading it from the store on a miss.
// A round that does not exist yet yields nil, nil.
func (c *Cache) GetRound(ctx context.Context, upstreamID string, height uint64) (*mining.Round, error) {
	if r := c.cachedRound(upstreamID, height); r != nil {
		return r.Clone(), nil
	}

	var loaded *mining.Round
	err := c.submit(ctx, &task{op: opRead, fn: func(ctx context.Context, s database.Store) error {
		r, err := s.GetRound(ctx, upstreamID, height)
		loaded = r
		return err
	}})
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil || loaded == nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cached := c.roundsFor(upstreamID)[height]; cached != nil {
		return cached.Clone(), nil
	}
	c.roundsFor(upstreamID)[height] = loaded
	return loaded.Clone(), nil
}

// UpdateRound applies fn to the cached round, creating it with create when the
// store has none. When fn reports a change a debounced write is scheduled.
func (c *Cache) UpdateRound(ctx context.Context, upstreamID string, height uint64, create func() *mining.Round, fn func(*mining.Round) bool) (*mining.Round, error) {
	if _, err := c.GetRound(ctx, upstreamID, height); err != nil {
		return nil, err
	}

	c.mu.Lock()
	rounds := c.roundsFor(upstreamID)
	r := rounds[height]
	if r == nil {
		r = create()
		now := time.Now()
		r.UpstreamID, r.Height = upstreamID, height
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.UpdatedAt = now
		rounds[height] = r
	}
	changed := fn(r)
	if changed {
		r.UpdatedAt = time.Now()
	}
	snapshot := r.Clone()
	c.mu.Unlock()

	if changed {
		c.scheduleRoundWrite(upstreamID, height)
	}
	return snapshot, nil
}

func (c *Cache) scheduleRoundWrite(upstreamID string, height uint64) {
	c.debouncer.Schedule(mining.RoundKey(upstreamID, height), func() {
		r := c.cachedRound(upstreamID, height)
		if r == nil {
			return
		}
		c.enqueue(&task{op: opUpsertRound, round: r.Clone()})
	})
}

// SaveRound caches round and writes it, superseding any pending debounced write.
func (c *Cache) SaveRound(ctx context.Context, round *mining.Round) error {
	now := time.Now()
	if round.CreatedAt.IsZero() {
		round.CreatedAt = now
	}
	round.UpdatedAt = now

	c.mu.Lock()
	c.roundsFor(round.UpstreamID)[round.Height] = round.Clone()
	c.mu.Unlock()

	c.debouncer.Cancel(round.Key())
	return c.submit(ctx, &task{op: opUpsertRound, round: round.Clone()})
}

// RecentRounds returns up to limit rounds of an upstream, oldest first.
func (c *Cache) RecentRounds(ctx context.Context, upstreamID string, limit int) ([]*mining.Round, error) {
	var rounds []*mining.Round
	err := c.submit(ctx, &task{op: opRead, fn: func(ctx context.Context, s database.Store) error {
		var err error
		rounds, err = s.RecentRounds(ctx, upstreamID, limit)
		return err
	}})
	return rounds, err
}

// PruneRounds keeps the newest keep rounds of an upstream.
func (c *Cache) PruneRounds(ctx context.Context, upstreamID string, keep int) (int64, error) {
	var n int64
	err := c.submit(ctx, &task{op: opPrune, upstream: upstreamID, keep: keep, pruned: &n})
	return n, err
}

// Save runs fn against the store on the serialized worker.
func (c *Cache) Save(ctx context.Context, fn func(ctx context.Context, store database.Store) error) error {
	return c.submit(ctx, &task{op: opSave, fn: fn})
}

// GetPlotter returns a copy of the plotter, or nil when the account never submitted.
func (c *Cache) GetPlotter(ctx context.Context, upstreamID, accountID string) (*mining.Plotter, error) {
	c.mu.Lock()
	if p := c.plottersFor(upstreamID)[accountID]; p != nil {
		cp := *p
		c.mu.Unlock()
		return &cp, nil
	}
	c.mu.Unlock()

	var loaded *mining.Plotter
	err := c.submit(ctx, &task{op: opRead, fn: func(ctx context.Context, s database.Store) error {
		p, err := s.GetPlotter(ctx, upstreamID, accountID)
		loaded = p
		return err
	}})
	if errors.Is(err, database.ErrNotFound) {
		return nil, nil
	}
	if err != nil || loaded == nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	plotters := c.plottersFor(upstreamID)
	if cached := plotters[accountID]; cached != nil {
		cp := *cached
		return &cp, nil
	}
	plotters[accountID] = loaded
	cp := *loaded
	return &cp, nil
}

// TouchPlotter records a submission height for an account. The write is queued
// without waiting; unchanged heights are not written.
func (c *Cache) TouchPlotter(upstreamID, accountID string, height uint64) {
	c.mu.Lock()
	plotters := c.plottersFor(upstreamID)
	p := plotters[accountID]
	if p != nil && p.LastSubmitHeight >= height {
		c.mu.Unlock()
		return
	}
	if p == nil {
		p = &mining.Plotter{UpstreamID: upstreamID, AccountID: accountID}
		plotters[accountID] = p
	}
	p.LastSubmitHeight = height
	cp := *p
	c.mu.Unlock()

	c.enqueue(&task{op: opUpsertPlotter, plotter: &cp})
}

// Warm loads the plotters of an upstream active at or after minHeight.
func (c *Cache) Warm(ctx context.Context, upstreamID string, minHeight uint64) error {
	var plotters []*mining.Plotter
	err := c.submit(ctx, &task{op: opRead, fn: func(ctx context.Context, s database.Store) error {
		var err error
		plotters, err = s.ActivePlotters(ctx, upstreamID, minHeight)
		return err
	}})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	cached := c.plottersFor(upstreamID)
	for _, p := range plotters {
		if existing := cached[p.AccountID]; existing == nil || existing.LastSubmitHeight < p.LastSubmitHeight {
			cached[p.AccountID] = p
		}
	}
	return nil
}

// Evict drops cached entries of an upstream more than EvictionDepth below activeHeight.
func (c *Cache) Evict(upstreamID string, activeHeight uint64) {
	if activeHeight <= EvictionDepth {
		return
	}
	floor := activeHeight - EvictionDepth

	c.mu.Lock()
	defer c.mu.Unlock()

	for h := range c.rounds[upstreamID] {
		if h < floor {
			delete(c.rounds[upstreamID], h)
		}
	}
	for id, p := range c.plotters[upstreamID] {
		if p.LastSubmitHeight < floor {
			delete(c.plotters[upstreamID], id)
		}
	}
}

// CachedRounds reports how many rounds of an upstream are held in memory.
func (c *Cache) CachedRounds(upstreamID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.rounds[upstreamID])
}

// Flush writes every debounced round now and waits until the queue has caught up.
func (c *Cache) Flush(ctx context.Context) error {
	c.debouncer.Flush()
	return c.submit(ctx, &task{op: opRead, fn: func(context.Context, database.Store) error { return nil }})
}

// Close flushes pending writes and stops the worker. It does not close the store.
func (c *Cache) Close(ctx context.Context) error {
	err := c.Flush(ctx)
	c.once.Do(func() { close(c.quit) })

	select {
	case <-c.stopped:
	case <-ctx.Done():
		return ctx.Err()
	}
	return err
}

func (c *Cache) cachedRound(upstreamID string, height uint64) *mining.Round {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r := c.rounds[upstreamID][height]; r != nil {
		return r.Clone()
	}
	return nil
}

func (c *Cache) roundsFor(upstreamID string) map[uint64]*mining.Round {
	m, ok := c.rounds[upstreamID]
	if !ok {
		m = make(map[uint64]*mining.Round)
		c.rounds[upstreamID] = m
	}
	return m
}

func (c *Cache) plottersFor(upstreamID string) map[string]*mining.Plotter {
	m, ok := c.plotters[upstreamID]
	if !ok {
		m = make(map[string]*mining.Plotter)
		c.plotters[upstreamID] = m
	}
	return m
}
