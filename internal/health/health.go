// Package health smooths an upstream's raw connected flag into a quality score
// and an outage state with hysteresis.
package health

import (
	"context"
	"math"
	"sync"
	"time"
)

const (
	// MaxQuality is the upper bound of the quality score.
	MaxQuality  = 100
	qualityStep = 0.01
)

// Transition is reported when the smoothed connection state flips.
type Transition struct {
	Connected bool
	// DownFor is set on recovery.
	DownFor time.Duration
}

// Listener receives health updates. Either callback may be nil.
type Listener struct {
	OnQuality    func(quality float64)
	OnTransition func(Transition)
}

// Monitor tracks connection quality for one upstream.
type Monitor struct {
	threshold int
	listener  Listener
	now       func() time.Time

	mu                sync.Mutex
	quality           float64
	smoothedConnected bool
	falseTicks        int
	downSince         time.Time
}

// NewMonitor creates a monitor. pollInterval is the upstream's round poll interval;
// the outage threshold is twice that in seconds, and at least 2 ticks.
func NewMonitor(pollInterval time.Duration, listener Listener) *Monitor {
	return &Monitor{
		threshold:         Threshold(pollInterval),
		listener:          listener,
		now:               time.Now,
		quality:           MaxQuality,
		smoothedConnected: true,
	}
}

// Threshold returns the number of consecutive disconnected ticks tolerated before
// an outage is reported.
func Threshold(pollInterval time.Duration) int {
	return max(2, int(math.Ceil(2*pollInterval.Seconds())))
}

// Tick applies one reading of the raw connected flag.
func (m *Monitor) Tick(connected bool) {
	m.mu.Lock()

	prev := m.quality
	if connected {
		m.quality = math.Min(MaxQuality, m.quality+qualityStep)
	} else {
		m.quality = math.Max(0, m.quality-qualityStep)
	}
	// keep two decimals so the step does not accumulate float noise
	m.quality = math.Round(m.quality*100) / 100
	quality := m.quality
	qualityChanged := quality != prev

	var transition *Transition
	if connected {
		m.falseTicks = 0
		if !m.smoothedConnected {
			m.smoothedConnected = true
			transition = &Transition{Connected: true, DownFor: m.now().Sub(m.downSince)}
		}
	} else {
		m.falseTicks++
		if m.falseTicks == 1 {
			m.downSince = m.now()
		}
		if m.smoothedConnected && m.falseTicks > m.threshold {
			m.smoothedConnected = false
			transition = &Transition{Connected: false}
		}
	}
	m.mu.Unlock()

	if qualityChanged && m.listener.OnQuality != nil {
		m.listener.OnQuality(quality)
	}
	if transition != nil && m.listener.OnTransition != nil {
		m.listener.OnTransition(*transition)
	}
}

// Quality returns the current score.
func (m *Monitor) Quality() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quality
}

// Connected returns the smoothed connection state.
func (m *Monitor) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.smoothedConnected
}

// Run samples probe once per interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration, probe func() bool) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Tick(probe())
		}
	}
}
