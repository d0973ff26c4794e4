package upstream

import (
	"context"
	"time"

	"github.com/bardlex/roundproxy/internal/estimator"
	"github.com/bardlex/roundproxy/internal/events"
	"github.com/bardlex/roundproxy/internal/mining"
)

// The core composes these behaviors instead of inheriting them, so each can be
// swapped or faked on its own.

// CapacityEstimator turns recent rounds into an effective capacity.
type CapacityEstimator interface {
	Capacity(rounds []estimator.Sample) float64
	Window() int
	BlockTime() time.Duration
}

// TargetPolicy picks the deadline limit applied to a round's submissions.
type TargetPolicy interface {
	// TargetDeadline returns the limit for info given the current capacity.
	// Zero means no limit of its own.
	TargetDeadline(info *mining.MiningInfo, capacity float64) uint64
}

// HealthMonitor smooths the transport's raw connected flag.
type HealthMonitor interface {
	Tick(connected bool)
	Quality() float64
	Connected() bool
	// Run ticks probe once per interval until ctx is done.
	Run(ctx context.Context, interval time.Duration, probe func() bool)
}

// StatsProjector summarizes finalized rounds.
type StatsProjector func(upstreamID string, rounds []*mining.Round, capacity float64) events.Stats

// StaticTarget is a TargetPolicy with a fixed limit.
type StaticTarget uint64

// TargetDeadline implements TargetPolicy.
func (s StaticTarget) TargetDeadline(*mining.MiningInfo, float64) uint64 { return uint64(s) }

// SubmitProbability limits submissions to deadlines that win a block with the
// configured probability at the estimated capacity, on top of a static limit.
type SubmitProbability struct {
	Probability float64
	BlockTime   time.Duration
	Static      uint64
}

// TargetDeadline implements TargetPolicy.
func (s SubmitProbability) TargetDeadline(info *mining.MiningInfo, capacity float64) uint64 {
	dynamic := estimator.TargetDeadline(s.Probability, s.BlockTime, info.NetDifficulty(), capacity)
	return MinTarget(s.Static, dynamic)
}

// MinTarget returns the smallest non-zero target, or zero when all are zero.
func MinTarget(targets ...uint64) uint64 {
	var out uint64
	for _, t := range targets {
		if t != 0 && (out == 0 || t < out) {
			out = t
		}
	}
	return out
}

// ProjectStats is the default StatsProjector. rounds are oldest first.
func ProjectStats(upstreamID string, rounds []*mining.Round, capacity float64) events.Stats {
	stats := events.Stats{
		UpstreamID:        upstreamID,
		TotalRounds:       len(rounds),
		EstimatedCapacity: capacity,
	}
	for _, r := range rounds {
		if r.BestDL != nil {
			stats.RoundsWithDL++
		}
		if r.BestDLSubmitted != nil {
			stats.RoundsSubmitted++
		}
		if r.RoundWon != nil && *r.RoundWon {
			stats.RoundsWon++
		}
	}
	if n := len(rounds); n > 0 && rounds[n-1].BestDL != nil {
		stats.LastBestDL = rounds[n-1].BestDL
	}
	return stats
}

// Samples converts rounds to estimator input.
func Samples(rounds []*mining.Round) []estimator.Sample {
	out := make([]estimator.Sample, len(rounds))
	for i, r := range rounds {
		out[i] = estimator.Sample{BestDL: r.BestDL, NetDiff: r.NetDiff, CreatedAt: r.CreatedAt}
	}
	return out
}
