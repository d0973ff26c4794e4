package persistence

import (
	"sync"
	"time"
)

// Default debounce windows for in-round best deadline writes.
const (
	DefaultDebounce = 3 * time.Second
	DefaultMaxWait  = 5 * time.Second
)

type pending struct {
	fn      func()
	first   time.Time
	timer   *time.Timer
	version uint64
}

// Debouncer coalesces calls per key. A scheduled call runs once no new call for
// the same key arrived within wait, and never later than maxWait after the first.
type Debouncer struct {
	wait    time.Duration
	maxWait time.Duration
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]*pending
	seq     uint64
}

// NewDebouncer creates a debouncer.
func NewDebouncer(wait, maxWait time.Duration) *Debouncer {
	if maxWait < wait {
		maxWait = wait
	}
	return &Debouncer{
		wait:    wait,
		maxWait: maxWait,
		now:     time.Now,
		pending: make(map[string]*pending),
	}
}

// Schedule replaces the pending call for key with fn and restarts its timer.
func (d *Debouncer) Schedule(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.seq++
	version := d.seq

	p, ok := d.pending[key]
	if !ok {
		p = &pending{first: now}
		d.pending[key] = p
	} else {
		p.timer.Stop()
	}
	p.fn = fn
	p.version = version

	delay := d.wait
	if deadline := p.first.Add(d.maxWait); now.Add(delay).After(deadline) {
		delay = max(deadline.Sub(now), 0)
	}
	p.timer = time.AfterFunc(delay, func() { d.fire(key, version) })
}

func (d *Debouncer) fire(key string, version uint64) {
	d.mu.Lock()
	p, ok := d.pending[key]
	if !ok || p.version != version {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.mu.Unlock()

	p.fn()
}

// Cancel drops the pending call for key, if any.
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
		delete(d.pending, key)
	}
}

// Pending returns the number of keys waiting to fire.
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Flush runs every pending call now, in no particular order.
func (d *Debouncer) Flush() {
	d.mu.Lock()
	fns := make([]func(), 0, len(d.pending))
	for key, p := range d.pending {
		p.timer.Stop()
		fns = append(fns, p.fn)
		delete(d.pending, key)
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
