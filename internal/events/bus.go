// Package events carries round, health, stats and submission notifications from
// upstream adapters to their consumers (miner notifier, Kafka sink, InfluxDB).
package events

import (
	"math/big"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bardlex/roundproxy/internal/mining"
)

// Kind identifies the type of an event.
type Kind int

const (
	KindRoundChanged Kind = iota
	KindHealthChanged
	KindStatsUpdated
	KindSubmissionForwarded
	KindRoundFinalized
)

func (k Kind) String() string {
	switch k {
	case KindRoundChanged:
		return "round_changed"
	case KindHealthChanged:
		return "health_changed"
	case KindStatsUpdated:
		return "stats_updated"
	case KindSubmissionForwarded:
		return "submission_forwarded"
	case KindRoundFinalized:
		return "round_finalized"
	default:
		return "unknown"
	}
}

// Event is one notification. Payload holds the struct matching Kind.
type Event struct {
	Kind    Kind
	Proxy   string
	At      time.Time
	Payload any
}

// RoundChanged is published when an upstream announces a new round or a fork.
type RoundChanged struct {
	UpstreamID string
	Info       *mining.MiningInfo
	Fork       bool
}

// HealthChanged is published when connection quality or the outage state changes.
type HealthChanged struct {
	UpstreamID string
	Quality    float64
	Connected  bool
	// Transition is true when Connected flipped with this event.
	Transition bool
	DownFor    time.Duration
}

// RoundFinalized is published once a finished round is stored and its winner
// lookup ended. Round.RoundWon is nil when the winner stayed unknown.
type RoundFinalized struct {
	UpstreamID string
	Round      *mining.Round
}

// Stats is the historical projection of an upstream's rounds.
type Stats struct {
	UpstreamID        string   `json:"upstreamId"`
	TotalRounds       int      `json:"totalRounds"`
	RoundsWithDL      int      `json:"roundsWithDL"`
	RoundsSubmitted   int      `json:"roundsSubmitted"`
	RoundsWon         int      `json:"roundsWon"`
	EstimatedCapacity float64  `json:"estimatedCapacity"`
	LastBestDL        *big.Int `json:"lastBestDL,omitempty"`
}

// SubmissionForwarded is published after a nonce was forwarded upstream.
type SubmissionForwarded struct {
	UpstreamID string
	AccountID  string
	MinerName  string
	Height     uint64
	AdjustedDL *big.Int
	Accepted   bool
	Error      string
}

// Bus fans events out to subscribers. Each subscriber gets a buffered channel;
// a subscriber that falls behind loses events instead of stalling publishers.
type Bus struct {
	mu      sync.RWMutex
	subs    []chan Event
	closed  bool
	dropped atomic.Int64
	now     func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{now: time.Now}
}

// Subscribe returns a channel receiving every event published after the call.
// The channel is closed by Close.
func (b *Bus) Subscribe(buffer int) <-chan Event {
	ch := make(chan Event, buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

// Publish delivers an event to all subscribers without blocking.
func (b *Bus) Publish(proxy string, kind Kind, payload any) {
	ev := Event{Kind: kind, Proxy: proxy, At: b.now(), Payload: payload}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
}

// Dropped returns the number of events lost to slow subscribers.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
